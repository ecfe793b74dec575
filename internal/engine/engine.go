// Package engine schedules the per-window pipeline: a fast tick samples every
// linked set of the current window and a coarse tick rolls over to the next
// window. Each set runs fetch, normalize, detect, size and execute under its
// own mutual exclusion.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/windowarb/internal/arbitrage"
	"github.com/alanyoungcy/windowarb/internal/bankroll"
	"github.com/alanyoungcy/windowarb/internal/domain"
	"github.com/alanyoungcy/windowarb/internal/metrics"
	"github.com/alanyoungcy/windowarb/internal/normalizer"
	"github.com/alanyoungcy/windowarb/internal/retry"
	"github.com/alanyoungcy/windowarb/internal/sizing"
)

// QuoteFetcher returns one raw quote per outcome of a set.
type QuoteFetcher interface {
	Fetch(ctx context.Context, set domain.LinkedMarketSet) (map[string]domain.RawQuote, error)
}

// OutcomeTracker is told which outcome ids belong to the current window.
type OutcomeTracker interface {
	Track(outcomeIDs []string)
}

// Executor is the part of the execution state machine the engine drives.
type Executor interface {
	Execute(ctx context.Context, opp domain.ArbitrageOpportunity, sized []domain.SizedOrder) (domain.Position, error)
	OpenOnSet(setID string) int
	Halted(setID string) (string, bool)
}

// Config holds scheduling settings.
type Config struct {
	PollInterval    time.Duration
	WindowDuration  time.Duration
	Assets          []domain.Asset
	CrossAssetPairs bool
	SellArbEnabled  bool
	// MonitorOnly detects and records opportunities without executing them.
	MonitorOnly bool
	// LockTTL bounds the distributed per-set lock.
	LockTTL time.Duration
	// Retry applies to market discovery.
	Retry retry.Policy
}

// Deps are the collaborators of the Engine. Tracker, Quotes, Locks, Bus,
// Opportunities, Alerter and Metrics are optional.
type Deps struct {
	Discovery     domain.MarketDiscovery
	Fetcher       QuoteFetcher
	Tracker       OutcomeTracker
	Normalizer    *normalizer.Normalizer
	Detector      *arbitrage.Detector
	Sizer         *sizing.Sizer
	Book          *bankroll.Book
	Executor      Executor
	Quotes        domain.QuoteCache
	Locks         domain.LockManager
	Bus           domain.SignalBus
	Opportunities domain.OpportunityStore
	Alerter       domain.Alerter
	Metrics       *metrics.Metrics
}

// Status is a point-in-time view of the engine.
type Status struct {
	Running     bool      `json:"running"`
	Mode        string    `json:"mode"`
	WindowStart time.Time `json:"window_start"`
	WindowClose time.Time `json:"window_close"`
	Sets        []string  `json:"sets"`
	Ticks       uint64    `json:"ticks"`
	LastTick    time.Time `json:"last_tick"`
	Executed    uint64    `json:"executed"`
}

// Engine is the periodic driver.
type Engine struct {
	deps   Deps
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	rollMu sync.Mutex

	mu            sync.Mutex
	running       bool
	window        time.Time
	sets          []domain.LinkedMarketSet
	setLocks      map[string]*sync.Mutex
	lastDiscovery time.Time
	ticks         uint64
	lastTick      time.Time
	executed      uint64

	wg sync.WaitGroup
}

// New creates an Engine in the running state. now may be nil to use time.Now.
func New(deps Deps, cfg Config, logger *slog.Logger, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = 15 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.PollInterval * 5
	}
	return &Engine{
		deps:     deps,
		cfg:      cfg,
		now:      now,
		logger:   logger.With(slog.String("component", "engine")),
		running:  true,
		setLocks: make(map[string]*sync.Mutex),
	}
}

// Run drives the fast tick and the window rollover until ctx is cancelled.
// Ticks already in progress are waited for before returning.
func (e *Engine) Run(ctx context.Context) error {
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every "+e.cfg.WindowDuration.String(), func() { e.rollover(ctx) }); err != nil {
		return err
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	e.logger.InfoContext(ctx, "engine started",
		slog.Duration("poll_interval", e.cfg.PollInterval),
		slog.Duration("window", e.cfg.WindowDuration),
		slog.String("mode", e.mode()),
	)
	e.rollover(ctx)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			e.logger.Info("engine stopped")
			return nil
		case <-ticker.C:
			if !e.Running() {
				continue
			}
			// Ticks run detached so a slow fetch overlaps the next tick; the
			// per-set locks keep the overlap from double-submitting.
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				if err := e.Tick(ctx); err != nil && ctx.Err() == nil {
					e.logger.DebugContext(ctx, "tick skipped", slog.String("reason", err.Error()))
				}
			}()
		}
	}
}

// Start resumes ticking.
func (e *Engine) Start() {
	e.mu.Lock()
	was := e.running
	e.running = true
	e.mu.Unlock()
	if !was {
		e.logger.Info("engine resumed")
		e.publish(context.Background(), map[string]any{"event": "started"})
	}
}

// Stop pauses ticking. Positions already executing continue to completion.
func (e *Engine) Stop() {
	e.mu.Lock()
	was := e.running
	e.running = false
	e.mu.Unlock()
	if was {
		e.logger.Info("engine paused")
		e.publish(context.Background(), map[string]any{"event": "stopped"})
		if e.deps.Alerter != nil {
			e.deps.Alerter.Alert(context.Background(), "engine_halted", "engine paused by operator; open positions continue to completion")
		}
	}
}

// Running reports whether ticks are being processed.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		Running:     e.running,
		Mode:        e.mode(),
		WindowStart: e.window,
		Sets:        setIDs(e.sets),
		Ticks:       e.ticks,
		LastTick:    e.lastTick,
		Executed:    e.executed,
	}
	if len(e.sets) > 0 {
		st.WindowClose = e.sets[0].WindowClose
	}
	return st
}

// Sets returns the linked sets of the tracked window.
func (e *Engine) Sets() []domain.LinkedMarketSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.LinkedMarketSet(nil), e.sets...)
}

func (e *Engine) mode() string {
	if e.cfg.MonitorOnly {
		return "monitor"
	}
	return "run"
}

// lockFor returns the in-process mutex of a set.
func (e *Engine) lockFor(setID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.setLocks[setID]
	if !ok {
		l = &sync.Mutex{}
		e.setLocks[setID] = l
	}
	return l
}

func (e *Engine) publish(ctx context.Context, payload map[string]any) {
	if e.deps.Bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := e.deps.Bus.Publish(ctx, domain.ChannelEngine, data); err != nil {
		e.logger.WarnContext(ctx, "publish engine event failed", slog.String("error", err.Error()))
	}
}
