package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRiskGateAdmitsWithinLimits(t *testing.T) {
	g := NewRiskGate()
	d := g.Check(CheckInput{
		StrategyID:      "s1",
		Intent:          Intent{Kind: IntentEnter, Quantity: 10},
		MaxTradesPerDay: 5,
		VolumeThreshold: 100,
		TickVolume:      500,
		Price:           100,
		Equity:          100000,
		RiskPercent:     2,
	})
	assert.True(t, d.Admitted)
}

func TestRiskGateRejectsOverDailyTradeCount(t *testing.T) {
	g := NewRiskGate()
	in := CheckInput{
		StrategyID:      "s1",
		Intent:          Intent{Kind: IntentEnter, Quantity: 1},
		MaxTradesPerDay: 1,
		VolumeThreshold: 0,
		TickVolume:      1000,
		Price:           10,
		Equity:          100000,
		RiskPercent:     50,
	}
	first := g.Check(in)
	assert.True(t, first.Admitted)

	second := g.Check(in)
	assert.False(t, second.Admitted)
	assert.Equal(t, "max_trades_per_day_exceeded", second.Reason)
}

func TestRiskGateRejectsExcessiveNotional(t *testing.T) {
	g := NewRiskGate()
	d := g.Check(CheckInput{
		StrategyID:      "s1",
		Intent:          Intent{Kind: IntentEnter, Quantity: 1000},
		MaxTradesPerDay: 10,
		VolumeThreshold: 0,
		TickVolume:      1000,
		Price:           100,
		Equity:          10000,
		RiskPercent:     1, // limit = 100, notional = 100000
	})
	assert.False(t, d.Admitted)
}

func TestRiskGateRejectsBelowVolumeThreshold(t *testing.T) {
	g := NewRiskGate()
	d := g.Check(CheckInput{
		StrategyID:      "s1",
		Intent:          Intent{Kind: IntentEnter, Quantity: 1},
		MaxTradesPerDay: 10,
		VolumeThreshold: 1000,
		TickVolume:      50,
		Price:           10,
		Equity:          100000,
		RiskPercent:     50,
	})
	assert.False(t, d.Admitted)
	assert.Equal(t, "volume_below_threshold", d.Reason)
}

func TestRiskGateRejectsAveragingDownWithoutOptIn(t *testing.T) {
	g := NewRiskGate()
	d := g.Check(CheckInput{
		StrategyID:      "s1",
		Intent:          Intent{Kind: IntentEnter, Quantity: 1},
		MaxTradesPerDay: 10,
		VolumeThreshold: 0,
		TickVolume:      1000,
		Price:           10,
		Equity:          100000,
		RiskPercent:     50,
		HasOpenPosition: true,
	})
	assert.False(t, d.Admitted)
	assert.Equal(t, "conflicting_open_position", d.Reason)
}

func TestRiskGateEmergencyStopOnlyAdmitsExit(t *testing.T) {
	g := NewRiskGate()
	g.SetEmergencyStop(true)

	enter := g.Check(CheckInput{StrategyID: "s1", Intent: Intent{Kind: IntentEnter, Quantity: 1}, MaxTradesPerDay: 10, Equity: 100000, RiskPercent: 50, Price: 1, TickVolume: 100})
	assert.False(t, enter.Admitted)
	assert.Equal(t, "emergency_stop_active", enter.Reason)

	exit := g.Check(CheckInput{StrategyID: "s1", Intent: Intent{Kind: IntentExit}})
	assert.True(t, exit.Admitted)
}
