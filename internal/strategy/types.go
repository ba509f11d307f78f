// Package strategy evaluates incoming ticks against per-operator trading
// strategies, gates resulting order intents through a risk check, and drives
// each (strategy, symbol) pair through its execution lifecycle.
package strategy

import "time"

// ist is the fixed UTC+5:30 offset used for the risk gate's daily trade
// count, which resets at IST midnight regardless of the host's local zone.
var ist = time.FixedZone("IST", 5*3600+30*60)

// Strategy is one operator-configured trading strategy, joined against
// enabled stock selections to form the engine's working set.
type Strategy struct {
	ID                string
	UserID            string
	Name              string
	Description       string
	Enabled           bool
	MaxTradesPerDay   int
	RiskPercent       float64
	StopLossPercent   float64
	TakeProfitPercent float64
	VolumeThreshold   float64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Selection is one symbol an operator has activated for trading.
type Selection struct {
	ID              string
	UserID          string
	Symbol          string
	Exchange        string
	InstrumentToken uint32
	Active          bool
	AddedAt         time.Time
}

// Side is a trade direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// IntentKind distinguishes the three outcomes of an evaluation cycle.
type IntentKind int

const (
	IntentNone IntentKind = iota
	IntentEnter
	IntentExit
)

// Intent is the engine's decision for one (strategy, symbol) tick.
type Intent struct {
	Kind     IntentKind
	Side     Side
	Quantity int
	Reason   string
}

// State is a (strategy, symbol) pair's position in its execution lifecycle.
type State int

const (
	StateIdle State = iota
	StateLong
	StateShort
	StateExiting
	StateStuck
)

func (s State) String() string {
	switch s {
	case StateLong:
		return "long"
	case StateShort:
		return "short"
	case StateExiting:
		return "exiting"
	case StateStuck:
		return "stuck"
	default:
		return "idle"
	}
}

// maxExitRetries is the number of failed exit attempts tolerated before a
// position transitions to Stuck and requires human intervention.
const maxExitRetries = 3

// exitRetryBackoff is the delay between successive exit retries.
const exitRetryBackoff = 500 * time.Millisecond

// reconcilePollInterval is how often pending trades are reconciled against
// the broker's authoritative order state.
const reconcilePollInterval = 2 * time.Second

// decisionBudget is the per-tick evaluation latency budget; breaches are
// logged and alerted on, never failed.
const decisionBudget = 5 * time.Millisecond
