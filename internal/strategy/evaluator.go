package strategy

// Evaluator produces an order intent from a strategy's current rolling
// indicator state and position. Exact indicators are strategy-specific; the
// engine only requires the evaluation itself be O(1) per tick.
type Evaluator interface {
	Evaluate(strat Strategy, st *rollingState, posState State, lastEntryPrice, price float64, volume uint32) Intent
}

// defaultQuantity is the reference strategies' fixed order size; a real
// deployment would derive this from capital allocation, which is out of
// scope here.
const defaultQuantity = 1

// rsiPeriod is the lookback for the overbought confirmation filter applied
// to entry signals.
const rsiPeriod = 14

// rsiOverbought is the RSI level above which a bullish crossover is treated
// as exhausted rather than a fresh entry signal.
const rsiOverbought = 70.0

// EMACrossoverEvaluator is the built-in reference strategy: enters long on a
// fast-over-slow EMA crossover confirmed by RSI and volume participation,
// exits on stop-loss, take-profit, or the reverse crossover.
type EMACrossoverEvaluator struct {
	FastPeriod int
	SlowPeriod int
}

// NewEMACrossoverEvaluator returns the default 12/26 period crossover pair.
func NewEMACrossoverEvaluator() *EMACrossoverEvaluator {
	return &EMACrossoverEvaluator{FastPeriod: 12, SlowPeriod: 26}
}

func (e *EMACrossoverEvaluator) Evaluate(strat Strategy, st *rollingState, posState State, lastEntryPrice, price float64, volume uint32) Intent {
	st.update(price, volume, e.FastPeriod, e.SlowPeriod)

	if st.emaFast == nil || st.emaSlow == nil {
		return Intent{Kind: IntentNone}
	}

	switch posState {
	case StateIdle:
		if *st.emaFast <= *st.emaSlow {
			return Intent{Kind: IntentNone}
		}

		if r := rsi(st.prices, rsiPeriod); r != nil && *r >= rsiOverbought {
			return Intent{Kind: IntentNone}
		}

		if len(st.volumes) > 0 && st.volumes[len(st.volumes)-1] < st.volumeAverage() {
			return Intent{Kind: IntentNone}
		}

		return Intent{Kind: IntentEnter, Side: SideBuy, Quantity: defaultQuantity, Reason: "ema_crossover_bullish"}

	case StateLong:
		if lastEntryPrice > 0 {
			changePercent := (price - lastEntryPrice) / lastEntryPrice * 100
			if changePercent <= -strat.StopLossPercent {
				return Intent{Kind: IntentExit, Reason: "stop_loss"}
			}
			if changePercent >= strat.TakeProfitPercent {
				return Intent{Kind: IntentExit, Reason: "take_profit"}
			}
		}
		if *st.emaFast < *st.emaSlow {
			return Intent{Kind: IntentExit, Reason: "ema_crossover_bearish"}
		}
		return Intent{Kind: IntentNone}

	default:
		return Intent{Kind: IntentNone}
	}
}
