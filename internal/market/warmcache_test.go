package market

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportImportRoundTrip(t *testing.T) {
	c := NewCache()
	c.Put(Snapshot{
		Symbol: "RELIANCE", InstrumentToken: 128083204,
		LTP: 2456.5, Volume: 10000, Bid: 2456.0, Ask: 2457.0,
		OHLC:      &OHLC{Open: 2440, High: 2460, Low: 2430, Close: 2456.5},
		Timestamp: time.Now().UTC().Truncate(time.Second),
	})

	blob, err := c.Export()
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	restored := NewCache()
	require.NoError(t, restored.Import(blob))

	snap, ok := restored.Get(128083204)
	require.True(t, ok)
	assert.Equal(t, "RELIANCE", snap.Symbol)
	assert.Equal(t, 2456.5, snap.LTP)
	require.NotNil(t, snap.OHLC)
	assert.Equal(t, 2460.0, snap.OHLC.High)
}

func TestImportSkipsInvalidEntries(t *testing.T) {
	c := NewCache()
	c.Put(Snapshot{Symbol: "BAD", InstrumentToken: 1, LTP: -5, Timestamp: time.Now()})

	blob, err := c.Export()
	require.NoError(t, err)

	restored := NewCache()
	require.NoError(t, restored.Import(blob))

	_, ok := restored.Get(1)
	assert.False(t, ok)
}

func TestSaveLoadWarmFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "market_cache.warm")

	c := NewCache()
	c.Put(Snapshot{Symbol: "TCS", InstrumentToken: 2953217, LTP: 3800, Bid: 3799.5, Ask: 3800.5, Timestamp: time.Now().UTC().Truncate(time.Second)})
	require.NoError(t, c.SaveWarmFile(path))

	loaded := NewCache()
	require.NoError(t, loaded.LoadWarmFile(path))

	snap, ok := loaded.Get(2953217)
	require.True(t, ok)
	assert.Equal(t, "TCS", snap.Symbol)
}

func TestLoadWarmFileMissingIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	c := NewCache()
	assert.NoError(t, c.LoadWarmFile(filepath.Join(dir, "does_not_exist.warm")))
	assert.Empty(t, c.All())
}
