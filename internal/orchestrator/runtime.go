// Package orchestrator boots every subsystem in dependency order — vault,
// persistence, audit, session/credential store, broker client, market-data
// manager, strategy engine, scheduler — exposes capability handles and an
// aggregated health check, and coordinates graceful shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aristath/sentinel/internal/apperr"
	"github.com/aristath/sentinel/internal/audit"
	"github.com/aristath/sentinel/internal/auth"
	"github.com/aristath/sentinel/internal/broker"
	"github.com/aristath/sentinel/internal/config"
	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/instruments"
	"github.com/aristath/sentinel/internal/market"
	"github.com/aristath/sentinel/internal/resilience"
	"github.com/aristath/sentinel/internal/scheduler"
	"github.com/aristath/sentinel/internal/strategy"
	"github.com/aristath/sentinel/internal/vault"
	"github.com/rs/zerolog"
)

// shutdownWindow bounds how long graceful shutdown waits for every task to
// honour its cancellation signal.
const shutdownWindow = 5 * time.Second

// Runtime is the single, orchestrator-owned handle graph for every shared
// component: no component reaches for ambient/global state, and tests can
// construct an isolated Runtime rooted at a temporary directory.
type Runtime struct {
	cfg *config.Config
	zl  zerolog.Logger

	DB         *database.DB
	Vault      *vault.Vault
	Audit      *audit.Log
	Auth       *auth.Store
	Strategies *strategy.Store
	Health     *resilience.HealthRegistry
	Scheduler  *scheduler.Scheduler

	mu      sync.Mutex
	active  *tradingSession // non-nil while trading is running for an operator
}

// tradingSession bundles the per-operator runtime state that exists only
// between StartTrading and StopTrading: the broker client, the market-data
// manager's pieces, and the strategy engine.
type tradingSession struct {
	userID      string
	broker      *broker.Client
	registry    *market.Registry
	cache       *market.Cache
	broadcaster *market.Broadcaster
	flusher     *market.Flusher
	session     *market.Session
	engine      *strategy.Engine
	unsubscribe func()
	cancel      context.CancelFunc
}

// sessionSweepJob implements scheduler.Job, running the expired-session
// cleanup on the cadence set by cfg.SessionSweepCron.
type sessionSweepJob struct {
	auth  *auth.Store
	audit *audit.Log
}

func (sessionSweepJob) Name() string { return "session_sweep" }

func (j sessionSweepJob) Run() error {
	n, err := j.auth.CleanupExpiredSessions(context.Background())
	if err != nil {
		return err
	}
	j.audit.Info("expired sessions swept", map[string]interface{}{"count": n})
	return nil
}

// New boots the vault, persistence, audit, and session/credential store
// alongside the shared resilience/scheduler infrastructure, ready for an operator to
// authenticate and start trading via StartTrading. It does not connect to
// the broker or open a streaming session until a trading session starts.
func New(cfg *config.Config, zl zerolog.Logger) (*Runtime, error) {
	zl = zl.With().Str("component", "orchestrator").Logger()

	v, err := bootVault(cfg)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, "failed to derive master key", err)
	}

	db, err := database.New(database.Config{Path: cfg.DatabasePath, MaxOpenConns: cfg.MaxOpenConns})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDatabase, "failed to open database", err)
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, apperr.Wrap(apperr.KindDatabase, "failed to apply migrations", err)
	}
	if err := db.HealthCheck(context.Background()); err != nil {
		_ = db.Close()
		return nil, apperr.Wrap(apperr.KindDataIntegrity, "database integrity check failed at boot", err)
	}

	auditLog := audit.New(db, zl)
	auditLog.Start()

	authStore := auth.New(db, v, auditLog, zl)

	healthRegistry := resilience.NewHealthRegistry()
	healthRegistry.Register(resilience.FuncProbe{
		ProbeName: "database",
		Fn: func() resilience.ProbeResult {
			if err := db.QuickCheck(context.Background()); err != nil {
				return resilience.ProbeResult{Healthy: false, Message: err.Error()}
			}
			return resilience.ProbeResult{Healthy: true, Message: "ok"}
		},
	})
	healthRegistry.Register(resilience.SystemProbe{MaxMemPercent: 90, MaxCPUPercent: 95})

	sched := scheduler.New(zl)
	if err := sched.AddJob(cfg.SessionSweepCron, sessionSweepJob{auth: authStore, audit: auditLog}); err != nil {
		_ = db.Close()
		return nil, apperr.Wrap(apperr.KindInternal, "failed to schedule session sweep", err)
	}
	sched.Start()

	return &Runtime{
		cfg:        cfg,
		zl:         zl,
		DB:         db,
		Vault:      v,
		Audit:      auditLog,
		Auth:       authStore,
		Strategies: strategy.NewStore(db, zl),
		Health:     healthRegistry,
		Scheduler:  sched,
	}, nil
}

// bootVault derives the master key from the configured password and a
// salt persisted alongside the database (generated on first boot, since the
// salt is not itself a secret — only the password is).
func bootVault(cfg *config.Config) (*vault.Vault, error) {
	if cfg.MasterPassword == "" {
		return nil, fmt.Errorf("MASTER_PASSWORD is not set; the vault cannot derive its encryption key")
	}

	salt, err := loadOrCreateSalt(cfg.VaultSaltPath)
	if err != nil {
		return nil, err
	}

	return vault.Derive(cfg.MasterPassword, salt)
}

func loadOrCreateSalt(path string) ([]byte, error) {
	if b, err := os.ReadFile(path); err == nil {
		return b, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read vault salt: %w", err)
	}

	salt, err := vault.NewSalt()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create vault salt directory: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist vault salt: %w", err)
	}
	return salt, nil
}

// CheckHealth aggregates the database probe, the system-resource probe,
// and (while trading is active) the market-data session's connection state.
func (r *Runtime) CheckHealth() (bool, map[string]resilience.ProbeResult) {
	healthy, results := r.Health.CheckAll()

	r.mu.Lock()
	active := r.active
	r.mu.Unlock()

	if active != nil {
		state := active.session.State()
		connected := state == market.StateConnected
		results["market_session"] = resilience.ProbeResult{
			Healthy: connected,
			Message: state.String(),
		}
		if !connected {
			healthy = false
		}
	}
	return healthy, results
}

// TradingStatus is the operator-facing view of the active trading session:
// connection state, open positions, and mark-to-market P&L against the
// latest cached snapshots.
type TradingStatus struct {
	State         string                  `json:"state"`
	OpenPositions []strategy.PositionView `json:"open_positions"`
	PnL           float64                 `json:"pnl"`
}

// Status reports the current trading state. With no active session the
// state is "stopped" with no positions.
func (r *Runtime) Status() TradingStatus {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()

	if active == nil {
		return TradingStatus{State: "stopped"}
	}

	st := TradingStatus{
		State:         active.session.State().String(),
		OpenPositions: active.engine.OpenPositions(),
	}
	for _, p := range st.OpenPositions {
		inst, ok := instruments.Lookup(p.Symbol)
		if !ok || p.EntryPrice == 0 {
			continue
		}
		snap, ok := active.cache.Get(inst.InstrumentToken)
		if !ok {
			continue
		}
		diff := (snap.LTP - p.EntryPrice) * float64(p.Quantity)
		if p.Side == strategy.SideSell {
			diff = -diff
		}
		st.PnL += diff
	}
	return st
}

// MarketSnapshots returns the latest cached snapshot for every subscribed
// instrument, or nil when no trading session is active.
func (r *Runtime) MarketSnapshots() []market.Snapshot {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()

	if active == nil {
		return nil
	}
	return active.cache.All()
}

// MarketSnapshot returns the latest cached snapshot for one symbol.
func (r *Runtime) MarketSnapshot(symbol string) (market.Snapshot, error) {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()

	if active == nil {
		return market.Snapshot{}, apperr.New(apperr.KindTrading, "no trading session is active")
	}
	inst, ok := instruments.Lookup(symbol)
	if !ok {
		return market.Snapshot{}, apperr.New(apperr.KindValidation, "symbol is outside the known instrument universe")
	}
	snap, ok := active.cache.Get(inst.InstrumentToken)
	if !ok {
		return market.Snapshot{}, apperr.New(apperr.KindNotFound, "no snapshot cached for symbol yet")
	}
	return snap, nil
}

// IsTrading reports whether a trading session is currently active.
func (r *Runtime) IsTrading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// StartTrading authenticates userID's stored broker credentials, subscribes
// the market-data manager to the union of their enabled strategies' tokens
// in Quote mode, and starts the strategy engine consuming the broadcast.
// Only one trading session runs per process, matching the single-tenant
// scope of this core.
func (r *Runtime) StartTrading(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return apperr.New(apperr.KindConflict, "a trading session is already active")
	}

	creds, err := r.Auth.GetCredentials(userID)
	if err != nil {
		return err
	}
	if creds.AccessToken == "" {
		return apperr.New(apperr.KindAuth, "no active broker access token; complete the login-URL exchange first")
	}

	brokerClient := broker.NewClient(creds.APIKey, r.zl)
	brokerClient.SetCredentials(creds.APISecret, creds.AccessToken)

	engine := strategy.NewEngine(r.DB, brokerClient, r.Audit, r.zl)
	if err := engine.LoadWorkingSet(ctx, userID); err != nil {
		return apperr.Wrap(apperr.KindDatabase, "failed to load strategy working set", err)
	}

	registry := market.NewRegistry()
	cache := market.NewCache()
	broadcaster := market.NewBroadcaster()

	warmPath := filepath.Join(r.cfg.DataDir, "market_cache.warm")
	if err := cache.LoadWarmFile(warmPath); err != nil {
		r.zl.Warn().Err(err).Msg("failed to load warm-start cache; starting cold")
	}

	flusher := market.NewFlusher(r.DB, cache, r.zl)
	flusher.SetWarmFilePath(warmPath)

	session := market.NewSession(creds.APIKey, creds.AccessToken, registry, cache, broadcaster, r.zl)
	session.SetSymbolResolver(func(token uint32) (string, bool) {
		inst, ok := instruments.ByToken(token)
		return inst.Symbol, ok
	})

	tickCh, unsubscribe := broadcaster.Subscribe()

	runCtx, cancel := context.WithCancel(ctx)

	go flusher.Run(runCtx)
	if err := session.Start(runCtx); err != nil {
		r.zl.Warn().Err(err).Msg("initial market-data connect failed; reconnect supervisor engaged")
	}

	symbols := engine.WorkingSetSymbols()
	var tokens []uint32
	for _, sel := range symbols {
		inst, ok := instruments.Lookup(sel.Symbol)
		if !ok {
			r.Audit.Warn("symbol outside known universe, skipping subscription", map[string]interface{}{"symbol": sel.Symbol})
			continue
		}
		tokens = append(tokens, inst.InstrumentToken)
	}
	if len(tokens) > 0 {
		if err := session.Subscribe(runCtx, tokens, market.ModeQuote); err != nil {
			r.zl.Error().Err(err).Msg("failed to subscribe working set tokens")
		}
	}

	engine.Start(runCtx, tickCh)

	r.active = &tradingSession{
		userID: userID, broker: brokerClient, registry: registry, cache: cache,
		broadcaster: broadcaster, flusher: flusher, session: session, engine: engine,
		unsubscribe: unsubscribe, cancel: cancel,
	}

	r.Audit.ForUser(userID).Info("trading started", nil)
	return nil
}

// StopTrading halts the engine loop, disconnects the market-data session,
// and releases the active trading session.
func (r *Runtime) StopTrading(ctx context.Context) error {
	r.mu.Lock()
	active := r.active
	r.active = nil
	r.mu.Unlock()

	if active == nil {
		return apperr.New(apperr.KindTrading, "no trading session is active")
	}

	active.engine.Stop(ctx)
	active.cancel()
	active.unsubscribe()
	if err := active.session.Stop(); err != nil {
		r.zl.Warn().Err(err).Msg("error stopping market session")
	}

	r.Audit.ForUser(active.userID).Info("trading stopped", nil)
	return nil
}

// EmergencyStop engages the active trading session's emergency-stop: only
// Exit intents are admitted thereafter and every open position is flattened
// with a market order.
func (r *Runtime) EmergencyStop(ctx context.Context) error {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()

	if active == nil {
		return apperr.New(apperr.KindTrading, "no trading session is active")
	}
	return active.engine.EmergencyStop(ctx)
}

// Shutdown performs the graceful shutdown sequence: stop the
// engine, drain the broadcast, close the streaming session, flush the audit
// log, and close the database pool. It honours shutdownWindow as a soft
// deadline for the cron scheduler's drain.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	active := r.active
	r.active = nil
	r.mu.Unlock()

	if active != nil {
		active.engine.Stop(ctx)
		active.cancel()
		active.unsubscribe()
		if err := active.session.Stop(); err != nil {
			r.zl.Warn().Err(err).Msg("error stopping market session during shutdown")
		}
	}

	schedStopped := make(chan struct{})
	go func() {
		r.Scheduler.Stop()
		close(schedStopped)
	}()
	select {
	case <-schedStopped:
	case <-time.After(shutdownWindow):
		r.zl.Warn().Msg("scheduler did not drain within the shutdown window")
	}

	r.Audit.Stop()

	if err := r.DB.Close(); err != nil {
		return apperr.Wrap(apperr.KindDatabase, "failed to close database pool", err)
	}
	return nil
}
