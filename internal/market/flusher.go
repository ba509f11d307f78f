package market

import (
	"context"
	"time"

	"github.com/aristath/sentinel/internal/database"
	"github.com/rs/zerolog"
)

// flushInterval bounds persistence to at most one write per token per
// window: the flusher sweeps the cache on this cadence rather than writing
// on every decoded tick.
const flushInterval = 250 * time.Millisecond

// Flusher periodically persists the snapshot cache to market_data_cache on
// its own ticker, decoupled from the read loop so a slow disk never backs up
// tick decoding.
type Flusher struct {
	db    *database.DB
	cache *Cache
	zl    zerolog.Logger

	lastFlushed map[uint32]time.Time

	// warmFilePath, if set via SetWarmFilePath, is refreshed on every flush
	// tick so a restart can warm-start the cache without waiting on a
	// market_data_cache table scan.
	warmFilePath string
}

// NewFlusher constructs a flusher over cache, persisting to db.
func NewFlusher(db *database.DB, cache *Cache, zl zerolog.Logger) *Flusher {
	return &Flusher{
		db:          db,
		cache:       cache,
		zl:          zl.With().Str("component", "market_flusher").Logger(),
		lastFlushed: make(map[uint32]time.Time),
	}
}

// SetWarmFilePath enables the msgpack warm-start sidecar file, refreshed on
// the same cadence as the database flush.
func (f *Flusher) SetWarmFilePath(path string) { f.warmFilePath = path }

// Run blocks, flushing on flushInterval until ctx is cancelled.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.flush(ctx)
		}
	}
}

func (f *Flusher) flush(ctx context.Context) {
	now := time.Now()
	for _, snap := range f.cache.All() {
		if last, ok := f.lastFlushed[snap.InstrumentToken]; ok && now.Sub(last) < flushInterval {
			continue
		}

		var ohlcOpen, ohlcHigh, ohlcLow, ohlcClose interface{}
		if snap.OHLC != nil {
			ohlcOpen, ohlcHigh, ohlcLow, ohlcClose = snap.OHLC.Open, snap.OHLC.High, snap.OHLC.Low, snap.OHLC.Close
		}

		_, err := f.db.ExecContext(ctx, `
			INSERT INTO market_data_cache
				(instrument_token, symbol, ltp, volume, bid, ask, ohlc_open, ohlc_high, ohlc_low, ohlc_close, change, change_percent, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(instrument_token) DO UPDATE SET
				symbol = excluded.symbol,
				ltp = excluded.ltp,
				volume = excluded.volume,
				bid = excluded.bid,
				ask = excluded.ask,
				ohlc_open = excluded.ohlc_open,
				ohlc_high = excluded.ohlc_high,
				ohlc_low = excluded.ohlc_low,
				ohlc_close = excluded.ohlc_close,
				change = excluded.change,
				change_percent = excluded.change_percent,
				updated_at = excluded.updated_at
		`, snap.InstrumentToken, snap.Symbol, snap.LTP, snap.Volume, snap.Bid, snap.Ask,
			ohlcOpen, ohlcHigh, ohlcLow, ohlcClose, snap.Change, snap.ChangePercent,
			snap.Timestamp.Format(time.RFC3339))
		if err != nil {
			f.zl.Error().Err(err).Uint32("instrument_token", snap.InstrumentToken).Msg("failed to flush market snapshot")
			continue
		}

		f.lastFlushed[snap.InstrumentToken] = now
	}

	if f.warmFilePath != "" {
		if err := f.cache.SaveWarmFile(f.warmFilePath); err != nil {
			f.zl.Warn().Err(err).Msg("failed to refresh warm-start cache file")
		}
	}
}
