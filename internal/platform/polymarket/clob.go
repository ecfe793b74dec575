package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/windowarb/internal/crypto"
	"github.com/alanyoungcy/windowarb/internal/domain"
)

// ClobClient is the REST client for the Polymarket CLOB (Central Limit
// Order Book) API. It handles order placement, cancellation, and queries.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	hmacAuth   *crypto.HMACAuth
	now        func() time.Time
}

// NewClobClient creates a new CLOB REST client.
//
// baseURL is the CLOB API root, e.g. "https://clob.polymarket.com".
// signer may be nil for read-only use (GetBook). hmac may be nil until
// DeriveAPIKey has run.
func NewClobClient(baseURL string, signer *crypto.Signer, hmac *crypto.HMACAuth) *ClobClient {
	return &ClobClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		signer:   signer,
		hmacAuth: hmac,
		now:      time.Now,
	}
}

// PostOrder submits a signed GTC order.
func (c *ClobClient) PostOrder(ctx context.Context, payload crypto.OrderPayload, signature string) (APIOrderResult, error) {
	body := apiPostOrder{
		Order:     newSignedOrder(payload, signature),
		OrderType: "GTC",
	}
	if c.hmacAuth != nil {
		body.Owner = c.hmacAuth.Key
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, "/order", body)
	if err != nil {
		return APIOrderResult{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var result APIOrderResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return APIOrderResult{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}
	if !result.Success || result.OrderID == "" {
		msg := result.ErrorMsg
		if msg == "" {
			msg = "order not accepted"
		}
		return result, &domain.VenueRejectionError{Reason: msg}
	}
	return result, nil
}

// CancelOrder cancels a single order by its venue id. An order that is
// already gone counts as cancelled.
func (c *ClobClient) CancelOrder(ctx context.Context, orderID string) error {
	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodDelete, "/order", map[string]string{"orderID": orderID})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", orderID, err)
	}

	var result APICancelResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	if reason, ok := result.NotCanceled[orderID]; ok {
		return &domain.VenueRejectionError{OrderID: orderID, Reason: reason}
	}
	return nil
}

// CancelAll cancels all open orders for the authenticated wallet.
func (c *ClobClient) CancelAll(ctx context.Context) error {
	if _, err := c.doAuthenticatedRequest(ctx, http.MethodDelete, "/cancel-all", nil); err != nil {
		return fmt.Errorf("polymarket/clob: cancel all: %w", err)
	}
	return nil
}

// GetOrder retrieves a single order by venue id.
func (c *ClobClient) GetOrder(ctx context.Context, orderID string) (APIOrder, error) {
	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodGet, "/data/order/"+url.PathEscape(orderID), nil)
	if err != nil {
		return APIOrder{}, fmt.Errorf("polymarket/clob: get order %s: %w", orderID, err)
	}
	var order APIOrder
	if err := json.Unmarshal(respBody, &order); err != nil {
		return APIOrder{}, fmt.Errorf("polymarket/clob: decode order: %w", err)
	}
	if order.ID == "" {
		return APIOrder{}, fmt.Errorf("polymarket/clob: get order %s: %w", orderID, domain.ErrNotFound)
	}
	return order, nil
}

// GetOpenOrders returns all open orders of the wallet, following the
// pagination cursor.
func (c *ClobClient) GetOpenOrders(ctx context.Context) ([]APIOrder, error) {
	var out []APIOrder
	cursor := ""
	for {
		path := "/data/orders"
		if cursor != "" {
			path += "?next_cursor=" + url.QueryEscape(cursor)
		}
		respBody, err := c.doAuthenticatedRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, fmt.Errorf("polymarket/clob: get open orders: %w", err)
		}
		var page struct {
			Data       []APIOrder `json:"data"`
			NextCursor string     `json:"next_cursor"`
		}
		if err := json.Unmarshal(respBody, &page); err != nil {
			return nil, fmt.Errorf("polymarket/clob: decode orders: %w", err)
		}
		out = append(out, page.Data...)
		// "LTE=" is the end-of-results cursor.
		if page.NextCursor == "" || page.NextCursor == "LTE=" || page.NextCursor == cursor {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

// GetBook fetches the order book of one token. It needs no credentials.
func (c *ClobClient) GetBook(ctx context.Context, tokenID string) (APIBook, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/book?token_id="+url.QueryEscape(tokenID), nil)
	if err != nil {
		return APIBook{}, fmt.Errorf("polymarket/clob: create book request: %w", err)
	}
	respBody, err := doRequest(c.httpClient, req)
	if err != nil {
		return APIBook{}, fmt.Errorf("polymarket/clob: get book %s: %w", tokenID, err)
	}
	var book APIBook
	if err := json.Unmarshal(respBody, &book); err != nil {
		return APIBook{}, fmt.Errorf("polymarket/clob: decode book: %w", err)
	}
	return book, nil
}

// DeriveAPIKey performs the L1 auth flow: it signs a ClobAuth message and
// exchanges it for L2 credentials, which the client then uses.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) (*crypto.HMACAuth, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("polymarket/clob: derive api key: %w", domain.ErrUnauthorized)
	}
	address := c.signer.Address().Hex()
	timestamp := c.now().Unix()
	const nonce = 0

	sig, err := c.signer.SignAuthMessage(timestamp, nonce)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", address)
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("POLY_NONCE", strconv.Itoa(nonce))

	respBody, err := doRequest(c.httpClient, req)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: derive api key: %w", err)
	}

	var authResp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(respBody, &authResp); err != nil {
		return nil, fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}

	c.hmacAuth = &crypto.HMACAuth{
		Key:        authResp.APIKey,
		Secret:     authResp.Secret,
		Passphrase: authResp.Passphrase,
	}
	return c.hmacAuth, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doAuthenticatedRequest builds, signs (HMAC), sends, and reads an HTTP
// request against the CLOB API. It returns the raw response body.
func (c *ClobClient) doAuthenticatedRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	if c.hmacAuth == nil || c.signer == nil {
		return nil, domain.ErrUnauthorized
	}

	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// The signature covers the path without query string.
	signPath := path
	if u, err := url.Parse(path); err == nil {
		signPath = u.Path
	}
	headers := c.hmacAuth.L2HeadersAt(c.signer.Address().Hex(), method, signPath, bodyStr, c.now().Unix())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return doRequest(c.httpClient, req)
}

func doRequest(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}
		return nil, domain.Transient(req.Method+" "+req.URL.Path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.Transient("read response", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors. Throttling and
// server faults are transient; other 4xx responses reject the request.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case statusCode == http.StatusTooManyRequests:
		return domain.Transient("http 429", fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr))
	case statusCode >= 500:
		return domain.Transient(fmt.Sprintf("http %d", statusCode), errors.New(bodyStr))
	default:
		var msg struct {
			Error string `json:"error"`
		}
		reason := bodyStr
		if json.Unmarshal(body, &msg) == nil && msg.Error != "" {
			reason = msg.Error
		}
		return &domain.VenueRejectionError{Reason: fmt.Sprintf("HTTP %d: %s", statusCode, reason)}
	}
}
