package strategy

import (
	"fmt"
	"sync"
	"time"
)

// RiskGate admits or rejects order intents: daily trade count,
// notional-vs-equity check, volume threshold, no-averaging-down, and
// emergency-stop gating. Rejections are not errors, only logged decisions.
type RiskGate struct {
	mu          sync.Mutex
	dailyCount  map[string]int // strategyID -> trades placed today
	dailyResetAt time.Time
	emergency   bool
}

// NewRiskGate constructs a gate with its daily counters freshly reset.
func NewRiskGate() *RiskGate {
	g := &RiskGate{dailyCount: make(map[string]int)}
	g.dailyResetAt = nextISTMidnight(time.Now())
	return g
}

func nextISTMidnight(from time.Time) time.Time {
	t := from.In(ist)
	next := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, ist).AddDate(0, 0, 1)
	return next
}

// rolloverLocked resets daily counters if IST midnight has passed since the
// last reset. Caller must hold g.mu.
func (g *RiskGate) rolloverLocked(now time.Time) {
	if !now.Before(g.dailyResetAt) {
		g.dailyCount = make(map[string]int)
		g.dailyResetAt = nextISTMidnight(now)
	}
}

// Decision is the outcome of a risk gate check: admitted, or rejected with
// the failing predicate's name.
type Decision struct {
	Admitted bool
	Reason   string
}

// SetEmergencyStop flips the gate's emergency flag. While set, only Exit
// intents are admitted.
func (g *RiskGate) SetEmergencyStop(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.emergency = on
}

// EmergencyStopped reports whether the gate is currently in emergency-stop.
func (g *RiskGate) EmergencyStopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.emergency
}

// CheckInput bundles everything the gate needs to evaluate one intent.
type CheckInput struct {
	StrategyID        string
	Intent            Intent
	MaxTradesPerDay   int
	VolumeThreshold   float64
	TickVolume        float64
	Price             float64
	Equity            float64
	RiskPercent       float64
	HasOpenPosition   bool
	AllowAveragingDown bool
}

// Check evaluates in, recording a successful Enter against the daily count
// only when admitted.
func (g *RiskGate) Check(in CheckInput) Decision {
	if in.Intent.Kind == IntentNone {
		return Decision{Admitted: false, Reason: "no_intent"}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.rolloverLocked(time.Now())

	if g.emergency && in.Intent.Kind != IntentExit {
		return Decision{Admitted: false, Reason: "emergency_stop_active"}
	}

	if in.Intent.Kind == IntentExit {
		return Decision{Admitted: true}
	}

	if g.dailyCount[in.StrategyID] >= in.MaxTradesPerDay {
		return Decision{Admitted: false, Reason: "max_trades_per_day_exceeded"}
	}

	notional := float64(in.Intent.Quantity) * in.Price
	limit := in.Equity * in.RiskPercent / 100
	if in.Equity <= 0 || notional > limit {
		return Decision{Admitted: false, Reason: fmt.Sprintf("notional %.2f exceeds risk limit %.2f", notional, limit)}
	}

	if in.TickVolume < in.VolumeThreshold {
		return Decision{Admitted: false, Reason: "volume_below_threshold"}
	}

	if in.HasOpenPosition && !in.AllowAveragingDown {
		return Decision{Admitted: false, Reason: "conflicting_open_position"}
	}

	g.dailyCount[in.StrategyID]++
	return Decision{Admitted: true}
}
