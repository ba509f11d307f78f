package strategy

import (
	"math"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

// maxHistory bounds the rolling price/volume window kept per (strategy,
// symbol), keeping each tick update O(1) amortized regardless of session
// length.
const maxHistory = 500

// rollingState is the per-(strategy, symbol) indicator state updated once
// per incoming tick.
type rollingState struct {
	prices      []float64
	volumes     []float64
	emaFast     *float64
	emaSlow     *float64
	volumeTotal float64
}

func newRollingState() *rollingState {
	return &rollingState{
		prices:  make([]float64, 0, maxHistory),
		volumes: make([]float64, 0, maxHistory),
	}
}

// update appends the latest tick and recomputes the fast/slow EMA pair and
// running volume total.
func (r *rollingState) update(price float64, volume uint32, fastPeriod, slowPeriod int) {
	r.prices = append(r.prices, price)
	if len(r.prices) > maxHistory {
		r.prices = r.prices[len(r.prices)-maxHistory:]
	}

	v := float64(volume)
	r.volumes = append(r.volumes, v)
	if len(r.volumes) > maxHistory {
		r.volumes = r.volumes[len(r.volumes)-maxHistory:]
	}
	r.volumeTotal += v

	r.emaFast = ema(r.prices, fastPeriod)
	r.emaSlow = ema(r.prices, slowPeriod)
}

// ema returns the latest EMA(period) over closes, falling back to the
// simple mean when there isn't yet a full window.
func ema(closes []float64, period int) *float64 {
	if len(closes) == 0 {
		return nil
	}
	if len(closes) < period {
		m := stat.Mean(closes, nil)
		return &m
	}

	values := talib.Ema(closes, period)
	last := values[len(values)-1]
	if math.IsNaN(last) {
		m := stat.Mean(closes[len(closes)-period:], nil)
		return &m
	}
	return &last
}

// rsi returns the latest RSI(period) over closes, or nil if there isn't
// enough history yet.
func rsi(closes []float64, period int) *float64 {
	if len(closes) <= period {
		return nil
	}
	values := talib.Rsi(closes, period)
	last := values[len(values)-1]
	if math.IsNaN(last) {
		return nil
	}
	return &last
}

// volumeAverage returns the mean of the rolling volume window.
func (r *rollingState) volumeAverage() float64 {
	if len(r.volumes) == 0 {
		return 0
	}
	return stat.Mean(r.volumes, nil)
}
