package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/windowarb/internal/arbitrage"
	"github.com/alanyoungcy/windowarb/internal/bankroll"
	"github.com/alanyoungcy/windowarb/internal/cache/redis"
	"github.com/alanyoungcy/windowarb/internal/crypto"
	"github.com/alanyoungcy/windowarb/internal/domain"
	"github.com/alanyoungcy/windowarb/internal/engine"
	"github.com/alanyoungcy/windowarb/internal/executor"
	"github.com/alanyoungcy/windowarb/internal/feed"
	"github.com/alanyoungcy/windowarb/internal/ledger"
	"github.com/alanyoungcy/windowarb/internal/metrics"
	"github.com/alanyoungcy/windowarb/internal/normalizer"
	"github.com/alanyoungcy/windowarb/internal/platform/paper"
	"github.com/alanyoungcy/windowarb/internal/platform/polymarket"
	"github.com/alanyoungcy/windowarb/internal/retry"
	"github.com/alanyoungcy/windowarb/internal/server"
	"github.com/alanyoungcy/windowarb/internal/server/handler"
	"github.com/alanyoungcy/windowarb/internal/server/ws"
	"github.com/alanyoungcy/windowarb/internal/sizing"
)

// shutdownTimeout bounds the HTTP server's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// RunMode detects, sizes and executes opportunities.
func (a *App) RunMode(ctx context.Context, deps *Dependencies) error {
	return a.start(ctx, deps, false)
}

// MonitorMode detects and publishes opportunities without submitting orders.
// Positions recovered from an earlier run are still reconciled and settled.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	return a.start(ctx, deps, true)
}

func (a *App) start(ctx context.Context, deps *Dependencies, monitorOnly bool) error {
	ec := a.cfg.Engine
	m := metrics.New()

	book, err := bankroll.Open(ctx, deps.Bankroll, decimal.NewFromFloat(ec.InitialBankroll), a.logger, nil)
	if err != nil {
		return fmt.Errorf("app: open bankroll: %w", err)
	}
	fees := normalizer.NewFeeSchedule(a.cfg.Fees.DefaultBps, a.cfg.Fees.VenueBps)

	venue, clob, err := a.buildVenue(ctx, deps, fees)
	if err != nil {
		return err
	}
	markets := polymarket.NewMarkets(
		polymarket.NewGammaClient(a.cfg.Polymarket.GammaHost),
		clob,
		a.cfg.Polymarket.SlugTemplate,
		ec.WindowDuration(),
	)
	var discovery domain.MarketDiscovery = markets
	if deps.MarketCache != nil {
		discovery = redis.NewCachedDiscovery(markets, deps.MarketCache, a.logger)
	}

	policy := retry.Policy{
		MaxAttempts: ec.FetchMaxAttempts,
		BaseDelay:   ec.RetryBaseDelay.Duration,
		MaxDelay:    ec.PollInterval(),
	}
	push := feed.NewPushCache()
	poller := feed.NewPoller(markets, push, policy, ec.QuoteStaleness(), a.logger, nil)
	var wsFeed *feed.PolymarketWSFeed
	if a.cfg.Polymarket.WsHost != "" {
		wsFeed = feed.NewPolymarketWSFeed(a.cfg.Polymarket.WsHost, push, a.logger)
	}

	exec := executor.New(executor.Deps{
		Venue:     venue,
		Book:      book,
		Orders:    deps.Orders,
		Positions: deps.Positions,
		Bus:       deps.Bus,
		Archiver:  deps.Archiver,
		Alerter:   deps.Notifier,
		Metrics:   m,
	}, executor.Config{
		ExpiryBuffer:   ec.ExpiryBuffer(),
		PollInterval:   ec.OrderPollInterval.Duration,
		SubmitAttempts: ec.SubmitMaxAttempts,
		RetryBaseDelay: ec.RetryBaseDelay.Duration,
		MaxSlippage:    decimal.NewFromFloat(ec.MaxSlippage),
		DrainTimeout:   ec.DrainTimeout.Duration,
		DedupTTL:       2 * ec.WindowDuration(),
	}, a.logger, nil)

	led := ledger.New(ledger.Deps{
		Venue:     venue,
		Store:     deps.Ledger,
		Resolver:  markets,
		Positions: exec,
		Book:      book,
		Archiver:  deps.Archiver,
		Alerter:   deps.Notifier,
		Bus:       deps.Bus,
		Metrics:   m,
	}, ledger.Config{
		PollInterval:    ec.SettlementPollInterval.Duration,
		ResolutionCache: time.Minute,
		SellWinners:     !ec.DryRun && !monitorOnly,
	}, a.logger, nil)

	// Reconcile before the first tick so recovered positions block their sets.
	if err := exec.Recover(ctx); err != nil {
		return fmt.Errorf("app: recover: %w", err)
	}

	assets := make([]domain.Asset, 0, len(ec.Assets))
	for _, s := range ec.Assets {
		assets = append(assets, domain.Asset(s))
	}
	engDeps := engine.Deps{
		Discovery:  discovery,
		Fetcher:    poller,
		Normalizer: normalizer.New(fees, ec.QuoteStaleness(), nil),
		Detector: arbitrage.NewDetector(arbitrage.Config{
			MinEdgeMargin: decimal.NewFromFloat(ec.MinEdgeMargin),
			SyncWindow:    ec.SyncWindow(),
			PriceFloor:    decimal.NewFromFloat(ec.MinLegPriceFloor),
		}, nil),
		Sizer: sizing.New(sizing.Config{
			RiskCeiling:    decimal.NewFromFloat(ec.PerTradeRiskCeiling),
			RiskFraction:   decimal.NewFromFloat(ec.RiskCeilingFraction),
			MinTradeAmount: decimal.NewFromFloat(ec.MinTradeAmount),
			MaxOpenPerSet:  ec.MaxConcurrentPositionsPerMarketSet,
			LotSize:        decimal.NewFromFloat(ec.LotSize),
			MinOrderSize:   decimal.NewFromFloat(ec.MinOrderSize),
			MaxSlippage:    decimal.NewFromFloat(ec.MaxSlippage),
		}),
		Book:          book,
		Executor:      exec,
		Quotes:        deps.Quotes,
		Locks:         deps.Locks,
		Bus:           deps.Bus,
		Opportunities: deps.Opportunities,
		Alerter:       deps.Notifier,
		Metrics:       m,
	}
	if wsFeed != nil {
		engDeps.Tracker = wsFeed
	}
	eng := engine.New(engDeps, engine.Config{
		PollInterval:    ec.PollInterval(),
		WindowDuration:  ec.WindowDuration(),
		Assets:          assets,
		CrossAssetPairs: ec.CrossAssetPairs,
		SellArbEnabled:  ec.SellArbEnabled,
		MonitorOnly:     monitorOnly,
		LockTTL:         a.cfg.Redis.LockTTL.Duration,
		Retry:           policy,
	}, a.logger, nil)

	a.logger.InfoContext(ctx, "components ready",
		slog.String("venue", venue.Name()),
		slog.Bool("monitor_only", monitorOnly),
		slog.String("bankroll_available", book.Snapshot().Available.String()),
		slog.Int("recovered_positions", len(exec.Positions())),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return exec.Run(gctx) })
	g.Go(func() error {
		if err := led.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return a.reportOpenPositions(gctx, exec, m) })
	if wsFeed != nil {
		g.Go(func() error { return wsFeed.Run(gctx) })
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(gctx, g, deps, eng, exec, led, book, m)
	}
	return g.Wait()
}

// buildVenue returns the paper venue for dry runs and the signed CLOB venue
// otherwise. The CLOB client is returned either way since quotes always come
// from the live order book.
func (a *App) buildVenue(ctx context.Context, deps *Dependencies, fees normalizer.FeeSchedule) (domain.Venue, *polymarket.ClobClient, error) {
	pc := a.cfg.Polymarket
	if a.cfg.Engine.DryRun {
		clob := polymarket.NewClobClient(pc.ClobHost, nil, nil)
		pv := paper.New(paper.Config{
			FillRatio:   a.cfg.Paper.FillRatio,
			FillLatency: a.cfg.Paper.FillLatency.Duration,
			RejectRate:  a.cfg.Paper.RejectRate,
			Seed:        a.cfg.Paper.Seed,
			FeeRate:     fees.Rate(paper.VenueName),
		}, a.logger, nil)
		return pv, clob, nil
	}

	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Wallet.PrivateKey,
		EncryptedKeyPath: a.cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      a.cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("app: load wallet key: %w", err)
	}
	signer, err := crypto.NewSigner(key, pc.ChainID, "")
	if err != nil {
		return nil, nil, fmt.Errorf("app: signer: %w", err)
	}

	var creds *crypto.HMACAuth
	if a.cfg.API.Key != "" {
		creds = &crypto.HMACAuth{Key: a.cfg.API.Key, Secret: a.cfg.API.Secret, Passphrase: a.cfg.API.Passphrase}
	}
	clob := polymarket.NewClobClient(pc.ClobHost, signer, creds)
	if creds == nil {
		if _, err := clob.DeriveAPIKey(ctx); err != nil {
			return nil, nil, fmt.Errorf("app: derive api key: %w", err)
		}
		a.logger.InfoContext(ctx, "derived clob api credentials", slog.String("address", signer.Address().Hex()))
	}

	funder := a.cfg.Wallet.FunderAddress
	if funder == "" {
		funder = signer.Address().Hex()
	}
	builder := crypto.NewOrderBuilder(signer, funder, pc.SignatureType)
	return polymarket.NewVenue(clob, builder, polymarket.VenueOptions{
		FeeRate:    fees.Rate(polymarket.VenueName),
		Limiter:    deps.Limiter,
		LimiterKey: "clob",
	}, a.logger), clob, nil
}

// reportOpenPositions refreshes the open-position gauge.
func (a *App) reportOpenPositions(ctx context.Context, exec *executor.Executor, m *metrics.Metrics) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			open := 0
			for _, p := range exec.Positions() {
				if p.Status.Unresolved() {
					open++
				}
			}
			m.OpenPositions(open)
		}
	}
}

// startHTTPServer registers the command surface and the event stream and
// runs them in g until ctx is cancelled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	eng *engine.Engine,
	exec *executor.Executor,
	led *ledger.Ledger,
	book *bankroll.Book,
	m *metrics.Metrics,
) {
	hub := ws.NewHub(deps.Bus, func() any { return eng.Status() }, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Engine:    handler.NewEngineHandler(eng, deps.Audit, a.logger),
		Positions: handler.NewPositionHandler(exec, deps.Audit, a.logger),
		Orders:    handler.NewOrderHandler(exec, deps.Audit, a.logger),
		Ledger:    handler.NewLedgerHandler(led, deps.Bus, a.logger),
		Bankroll:  handler.NewBankrollHandler(book, led),
		Audit:     handler.NewAuditHandler(deps.Audit, a.logger),
		Metrics:   m.Handler(),
		Hub:       hub,
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		Limiter:     deps.Limiter,
		RateLimit:   a.cfg.Server.RateLimitPerMinute,
	}, handlers, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
