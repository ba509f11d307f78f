package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEMACrossoverEntersOnBullishCrossover(t *testing.T) {
	e := &EMACrossoverEvaluator{FastPeriod: 2, SlowPeriod: 4}
	st := newRollingState()
	strat := Strategy{StopLossPercent: 2, TakeProfitPercent: 4}

	var last Intent
	prices := []float64{100, 101, 102, 105, 110, 115, 120}
	for _, p := range prices {
		last = e.Evaluate(strat, st, StateIdle, 0, p, 1000)
	}
	assert.Equal(t, IntentEnter, last.Kind)
}

func TestEMACrossoverWithholdsEntryOnThinVolume(t *testing.T) {
	e := &EMACrossoverEvaluator{FastPeriod: 2, SlowPeriod: 4}
	st := newRollingState()
	strat := Strategy{StopLossPercent: 2, TakeProfitPercent: 4}

	prices := []float64{100, 101, 102, 105, 110, 115}
	for _, p := range prices {
		e.Evaluate(strat, st, StateIdle, 0, p, 1000)
	}

	intent := e.Evaluate(strat, st, StateIdle, 0, 120, 1)
	assert.Equal(t, IntentNone, intent.Kind)
}

func TestEMACrossoverExitsOnStopLoss(t *testing.T) {
	e := &EMACrossoverEvaluator{FastPeriod: 2, SlowPeriod: 4}
	st := newRollingState()
	strat := Strategy{StopLossPercent: 1, TakeProfitPercent: 50}

	for _, p := range []float64{100, 100, 100, 100} {
		e.Evaluate(strat, st, StateLong, 100, p, 1000)
	}

	intent := e.Evaluate(strat, st, StateLong, 100, 95, 1000)
	assert.Equal(t, IntentExit, intent.Kind)
	assert.Equal(t, "stop_loss", intent.Reason)
}

func TestEMACrossoverNoIntentWithInsufficientHistory(t *testing.T) {
	e := &EMACrossoverEvaluator{FastPeriod: 12, SlowPeriod: 26}
	st := newRollingState()
	strat := Strategy{}

	intent := e.Evaluate(strat, st, StateIdle, 0, 100, 1000)
	assert.Equal(t, IntentNone, intent.Kind)
}
