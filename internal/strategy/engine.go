package strategy

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aristath/sentinel/internal/audit"
	"github.com/aristath/sentinel/internal/broker"
	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/market"
	"github.com/aristath/sentinel/internal/resilience"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// workingSetEntry pairs one enabled strategy with one active selection, the
// unit the engine tracks per-(strategy, symbol) state for.
type workingSetEntry struct {
	Strategy  Strategy
	Selection Selection
}

// Engine consumes the market broadcast, evaluates every enabled strategy
// against each tick, gates intents through the risk gate, and submits
// admitted orders through the broker client.
type Engine struct {
	db     *database.DB
	broker *broker.Client
	audit  *audit.Log
	gate   *RiskGate
	eval   Evaluator
	zl     zerolog.Logger

	tickTimer     *resilience.Timer
	perfThreshold resilience.Threshold
	lastPerfAlert time.Time

	mu         sync.Mutex
	states     map[string]*rollingState
	positions  map[string]*position
	entryPrice map[string]float64
	entryQty   map[string]int
	workingSet []workingSetEntry

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewEngine constructs an engine with the default EMA crossover evaluator.
func NewEngine(db *database.DB, brokerClient *broker.Client, auditLog *audit.Log, zl zerolog.Logger) *Engine {
	return &Engine{
		db:         db,
		broker:     brokerClient,
		audit:      auditLog,
		gate:       NewRiskGate(),
		eval:       NewEMACrossoverEvaluator(),
		zl:         zl.With().Str("component", "strategy_engine").Logger(),
		tickTimer:  resilience.NewTimer("tick_decision", 5*time.Minute),
		perfThreshold: resilience.Threshold{
			P95Max: decisionBudget,
			P99Max: 2 * decisionBudget,
		},
		states:     make(map[string]*rollingState),
		positions:  make(map[string]*position),
		entryPrice: make(map[string]float64),
		entryQty:   make(map[string]int),
	}
}

func stateKey(strategyID, symbol string) string { return strategyID + "|" + symbol }

// LoadWorkingSet queries enabled strategies joined with the user's active
// stock selections and replaces the engine's tracked working set.
func (e *Engine) LoadWorkingSet(ctx context.Context, userID string) error {
	rows, err := e.db.QueryContext(ctx, `
		SELECT sp.id, sp.user_id, sp.name, sp.enabled, sp.max_trades_per_day,
		       sp.risk_percent, sp.stop_loss_percent, sp.take_profit_percent, sp.volume_threshold,
		       ss.symbol, ss.exchange
		FROM strategy_params sp
		JOIN stock_selection ss ON ss.user_id = sp.user_id
		WHERE sp.user_id = ? AND sp.enabled = 1 AND ss.active = 1
	`, userID)
	if err != nil {
		return fmt.Errorf("load working set: %w", err)
	}
	defer rows.Close()

	var set []workingSetEntry
	for rows.Next() {
		var s Strategy
		var sel Selection
		if err := rows.Scan(&s.ID, &s.UserID, &s.Name, &s.Enabled, &s.MaxTradesPerDay,
			&s.RiskPercent, &s.StopLossPercent, &s.TakeProfitPercent, &s.VolumeThreshold,
			&sel.Symbol, &sel.Exchange); err != nil {
			return fmt.Errorf("scan working set row: %w", err)
		}
		sel.Active = true
		set = append(set, workingSetEntry{Strategy: s, Selection: sel})
	}

	e.mu.Lock()
	e.workingSet = set
	e.mu.Unlock()
	return nil
}

func (e *Engine) activeEntriesFor(symbol string) []workingSetEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []workingSetEntry
	for _, entry := range e.workingSet {
		if entry.Selection.Symbol == symbol {
			out = append(out, entry)
		}
	}
	return out
}

// WorkingSetSymbols returns the distinct symbol/exchange pairs in the
// engine's current working set, for the orchestrator to resolve into
// instrument tokens and subscribe the market-data session to.
func (e *Engine) WorkingSetSymbols() []Selection {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]bool, len(e.workingSet))
	out := make([]Selection, 0, len(e.workingSet))
	for _, entry := range e.workingSet {
		key := entry.Selection.Symbol + "|" + entry.Selection.Exchange
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, entry.Selection)
	}
	return out
}

// Start begins consuming ticks from tickCh and the 2s reconciliation loop.
// It returns immediately; both loops run in background goroutines.
func (e *Engine) Start(ctx context.Context, tickCh <-chan market.Snapshot) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.mu.Unlock()

	go e.consumeLoop(ctx, tickCh)
	go e.reconcileLoop(ctx)
}

// Stop halts the engine's tick-consumption and reconciliation loops. It does
// not cancel orders already submitted to the broker.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.zl.Info().Msg("strategy engine stopping")
}

// EmergencyStop sets the risk gate's emergency flag (admitting only Exit
// intents thereafter) and submits a market order closing every open position
// (a sell for a long, a buy for a short).
func (e *Engine) EmergencyStop(ctx context.Context) error {
	e.gate.SetEmergencyStop(true)
	e.zl.Warn().Msg("emergency stop engaged")

	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("emergency stop: fetch positions: %w", err)
	}

	var firstErr error
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		side := "SELL"
		qty := p.Quantity
		if qty < 0 {
			side = "BUY"
			qty = -qty
		}
		_, err := e.broker.PlaceOrder(ctx, broker.OrderRequest{
			Exchange:        p.Exchange,
			TradingSymbol:   p.TradingSymbol,
			TransactionType: side,
			Quantity:        qty,
			OrderType:       "MARKET",
		})
		if err != nil {
			e.zl.Error().Err(err).Str("symbol", p.TradingSymbol).Msg("emergency exit order failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Engine) consumeLoop(ctx context.Context, tickCh <-chan market.Snapshot) {
	defer close(e.doneCh)
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case snap, ok := <-tickCh:
			if !ok {
				return
			}
			e.handleTick(ctx, snap)
		}
	}
}

// handleTick runs steps 1-5 of the evaluation cycle for one incoming tick,
// timing the whole decision against the per-tick budget.
func (e *Engine) handleTick(ctx context.Context, snap market.Snapshot) {
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		e.tickTimer.Observe(elapsed)
		if elapsed > decisionBudget {
			e.zl.Warn().Dur("elapsed", elapsed).Str("symbol", snap.Symbol).Msg("tick decision exceeded budget")
		}
	}()

	entries := e.activeEntriesFor(snap.Symbol)
	if len(entries) == 0 {
		return
	}

	for _, entry := range entries {
		key := stateKey(entry.Strategy.ID, entry.Selection.Symbol)

		e.mu.Lock()
		st, ok := e.states[key]
		if !ok {
			st = newRollingState()
			e.states[key] = st
		}
		pos, ok := e.positions[key]
		if !ok {
			pos = newPosition()
			e.positions[key] = pos
		}
		e.mu.Unlock()

		posState, _ := pos.snapshot()
		if posState == StateStuck {
			continue
		}

		e.mu.Lock()
		lastEntry := e.entryPrice[key]
		e.mu.Unlock()

		intent := e.eval.Evaluate(entry.Strategy, st, posState, lastEntry, snap.LTP, snap.Volume)
		if intent.Kind == IntentNone {
			continue
		}

		e.evaluateIntent(ctx, entry, pos, key, intent, snap)
	}
}

func (e *Engine) evaluateIntent(ctx context.Context, entry workingSetEntry, pos *position, key string, intent Intent, snap market.Snapshot) {
	equity := e.currentEquity(ctx)

	decision := e.gate.Check(CheckInput{
		StrategyID:      entry.Strategy.ID,
		Intent:          intent,
		MaxTradesPerDay: entry.Strategy.MaxTradesPerDay,
		VolumeThreshold: entry.Strategy.VolumeThreshold,
		TickVolume:      float64(snap.Volume),
		Price:           snap.LTP,
		Equity:          equity,
		RiskPercent:     entry.Strategy.RiskPercent,
		HasOpenPosition: func() bool { s, _ := pos.snapshot(); return s == StateLong || s == StateShort }(),
	})

	if !decision.Admitted {
		e.audit.Info("order intent rejected", map[string]interface{}{
			"strategy_id": entry.Strategy.ID,
			"symbol":      entry.Selection.Symbol,
			"reason":      decision.Reason,
		})
		return
	}

	side := intent.Side
	qty := intent.Quantity
	if intent.Kind == IntentExit {
		pos.beginExit()
		side = SideSell
		qty = defaultQuantity
	}

	req := broker.OrderRequest{
		Exchange:        entry.Selection.Exchange,
		TradingSymbol:   entry.Selection.Symbol,
		TransactionType: string(side),
		Quantity:        qty,
		OrderType:       "MARKET",
	}
	orderID, err := e.broker.PlaceOrder(ctx, req)
	for err != nil && intent.Kind == IntentExit && !pos.exitFailed() {
		e.zl.Error().Err(err).Str("symbol", entry.Selection.Symbol).Msg("exit order failed, retrying")
		time.Sleep(exitRetryBackoff)
		orderID, err = e.broker.PlaceOrder(ctx, req)
	}

	if err != nil {
		e.zl.Error().Err(err).Str("symbol", entry.Selection.Symbol).Msg("order placement failed")
		if intent.Kind == IntentExit {
			e.audit.Error("exit retries exhausted, position stuck", map[string]interface{}{
				"strategy_id": entry.Strategy.ID,
				"symbol":      entry.Selection.Symbol,
			})
		}
		return
	}

	if err := e.recordTrade(ctx, entry, orderID, string(side), qty, snap.LTP); err != nil {
		e.zl.Error().Err(err).Msg("failed to persist trade")
	}

	if intent.Kind == IntentEnter {
		pos.enter(side)
		e.mu.Lock()
		e.entryPrice[key] = snap.LTP
		e.entryQty[key] = qty
		e.mu.Unlock()
	}

	e.audit.LogTradingActivity(entry.Strategy.UserID, string(side), entry.Selection.Symbol, qty, snap.LTP)
}

func (e *Engine) currentEquity(ctx context.Context) float64 {
	margins, err := e.broker.GetMargins(ctx)
	if err != nil {
		e.zl.Error().Err(err).Msg("failed to fetch margins for risk gate")
		return 0
	}
	return margins.Equity.Net
}

func (e *Engine) recordTrade(ctx context.Context, entry workingSetEntry, orderID, side string, qty int, price float64) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO trades (id, user_id, strategy_id, symbol, exchange, broker_order_id, side, quantity, price, status, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'Pending', NULL)
	`, uuid.NewString(), entry.Strategy.UserID, entry.Strategy.ID, entry.Selection.Symbol, entry.Selection.Exchange,
		orderID, side, qty, price)
	return err
}

// reconcileLoop polls the broker's order state every 2s and settles Pending
// trades to Executed/Cancelled/Failed.
func (e *Engine) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(reconcilePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reconcileOnce(ctx)
			e.checkDecisionLatency()
		}
	}
}

// checkDecisionLatency raises a performance alert into the audit log when
// tick-decision percentiles breach the configured thresholds, rate limited
// to one alert per minute.
func (e *Engine) checkDecisionLatency() {
	snap := e.tickTimer.Snapshot()
	breaches := e.perfThreshold.Breaches(snap)
	if len(breaches) == 0 {
		return
	}

	e.mu.Lock()
	if time.Since(e.lastPerfAlert) < time.Minute {
		e.mu.Unlock()
		return
	}
	e.lastPerfAlert = time.Now()
	e.mu.Unlock()

	e.audit.Warn("performance alert: tick decision latency", map[string]interface{}{
		"breached": breaches,
		"p95_ms":   snap.P95.Milliseconds(),
		"p99_ms":   snap.P99.Milliseconds(),
		"samples":  snap.Count,
	})
}

func (e *Engine) reconcileOnce(ctx context.Context) {
	orders, err := e.broker.GetOrders(ctx)
	if err != nil {
		e.zl.Error().Err(err).Msg("reconciliation: failed to fetch orders")
		return
	}

	byID := make(map[string]broker.Order, len(orders))
	for _, o := range orders {
		byID[o.OrderID] = o
	}

	rows, err := e.db.QueryContext(ctx, `SELECT id, broker_order_id, strategy_id, symbol FROM trades WHERE status = 'Pending'`)
	if err != nil {
		e.zl.Error().Err(err).Msg("reconciliation: failed to load pending trades")
		return
	}
	type pendingRow struct{ id, brokerOrderID, strategyID, symbol string }
	var pending []pendingRow
	for rows.Next() {
		var p pendingRow
		if err := rows.Scan(&p.id, &p.brokerOrderID, &p.strategyID, &p.symbol); err == nil {
			pending = append(pending, p)
		}
	}
	rows.Close()

	for _, p := range pending {
		order, ok := byID[p.brokerOrderID]
		if !ok {
			continue
		}

		status := mapOrderStatus(order.Status)
		if status == "" {
			continue
		}

		var executedAt sql.NullString
		if status == "Executed" {
			executedAt = sql.NullString{String: time.Now().UTC().Format(time.RFC3339), Valid: true}
		}

		if _, err := e.db.ExecContext(ctx, `UPDATE trades SET status = ?, executed_at = ? WHERE id = ?`,
			status, executedAt, p.id); err != nil {
			e.zl.Error().Err(err).Str("trade_id", p.id).Msg("failed to update trade status")
			continue
		}

		if status == "Executed" {
			e.settleExitIfPending(stateKey(p.strategyID, p.symbol))
		}
	}
}

// settleExitIfPending transitions a position from Exiting back to Idle once
// its exit order's fill is confirmed by reconciliation. A no-op for keys
// whose position isn't currently Exiting (an entry order's confirmation,
// for instance, must not reset an open Long/Short back to Idle).
func (e *Engine) settleExitIfPending(key string) {
	e.mu.Lock()
	pos, ok := e.positions[key]
	e.mu.Unlock()
	if !ok {
		return
	}
	if state, _ := pos.snapshot(); state == StateExiting {
		pos.exitSucceeded()
	}
}

// PositionView is a read-only snapshot of one (strategy, symbol) pair's
// lifecycle state, exposed for the trading-status surface.
type PositionView struct {
	StrategyID string  `json:"strategy_id"`
	Symbol     string  `json:"symbol"`
	State      string  `json:"state"`
	Side       Side    `json:"side"`
	Quantity   int     `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
}

// OpenPositions returns a view of every pair currently holding a position
// (Long, Short, Exiting, or Stuck). Idle pairs are omitted.
func (e *Engine) OpenPositions() []PositionView {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []PositionView
	for key, pos := range e.positions {
		state, side := pos.snapshot()
		if state == StateIdle {
			continue
		}
		strategyID, symbol, ok := strings.Cut(key, "|")
		if !ok {
			continue
		}
		out = append(out, PositionView{
			StrategyID: strategyID,
			Symbol:     symbol,
			State:      state.String(),
			Side:       side,
			Quantity:   e.entryQty[key],
			EntryPrice: e.entryPrice[key],
		})
	}
	return out
}

func mapOrderStatus(brokerStatus string) string {
	switch brokerStatus {
	case "COMPLETE":
		return "Executed"
	case "CANCELLED":
		return "Cancelled"
	case "REJECTED":
		return "Failed"
	default:
		return ""
	}
}
