package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/alanyoungcy/windowarb/internal/domain"
)

// GammaClient is the REST client for the Polymarket Gamma API, which
// provides market discovery and resolution state.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGammaClient creates a new Gamma API client.
//
// baseURL is the Gamma API root, e.g. "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string) *GammaClient {
	return &GammaClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// GetMarketBySlug returns the market with the given slug.
func (g *GammaClient) GetMarketBySlug(ctx context.Context, slug string) (APIMarket, error) {
	m, err := g.getOne(ctx, "/markets?slug="+url.QueryEscape(slug))
	if err != nil {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: market %s: %w", slug, err)
	}
	return m, nil
}

// GetMarketByCondition returns the market with the given condition id.
func (g *GammaClient) GetMarketByCondition(ctx context.Context, conditionID string) (APIMarket, error) {
	m, err := g.getOne(ctx, "/markets?condition_ids="+url.QueryEscape(conditionID))
	if err != nil {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: condition %s: %w", conditionID, err)
	}
	return m, nil
}

func (g *GammaClient) getOne(ctx context.Context, path string) (APIMarket, error) {
	body, err := g.doGet(ctx, path)
	if err != nil {
		return APIMarket{}, err
	}
	var markets []APIMarket
	if err := json.Unmarshal(body, &markets); err != nil {
		return APIMarket{}, fmt.Errorf("decode markets: %w", err)
	}
	if len(markets) == 0 {
		return APIMarket{}, domain.ErrNotFound
	}
	return markets[0], nil
}

// doGet sends an unauthenticated GET request to the Gamma API.
func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return doRequest(g.httpClient, req)
}
