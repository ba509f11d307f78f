package market

import (
	"os"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

func unixTime(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

// warmSnapshot is the msgpack wire shape for one cached snapshot persisted
// to the warm-start sidecar file. It mirrors Snapshot field-for-field; a
// dedicated type keeps the wire format stable even if Snapshot grows fields
// that aren't meant to survive a restart.
type warmSnapshot struct {
	Symbol          string
	InstrumentToken uint32
	LTP             float64
	Volume          uint32
	Bid             float64
	Ask             float64
	OHLC            *OHLC
	TimestampUnix   int64
	Change          float64
	ChangePercent   float64
}

// Export serializes every cached snapshot to a msgpack blob. Paired with
// Import, this gives the market-data manager a restart warm-up path that is
// available before the database's market_data_cache table has even been
// queried — useful on a cold boot racing to resubscribe before the first
// tick arrives.
func (c *Cache) Export() ([]byte, error) {
	snaps := c.All()
	wire := make([]warmSnapshot, len(snaps))
	for i, s := range snaps {
		wire[i] = warmSnapshot{
			Symbol: s.Symbol, InstrumentToken: s.InstrumentToken,
			LTP: s.LTP, Volume: s.Volume, Bid: s.Bid, Ask: s.Ask, OHLC: s.OHLC,
			TimestampUnix: s.Timestamp.Unix(), Change: s.Change, ChangePercent: s.ChangePercent,
		}
	}
	return msgpack.Marshal(wire)
}

// Import loads a previously Exported blob into the cache, replacing the
// cached snapshot for each token it carries; entries already cached for
// other tokens are kept. Entries failing the MarketData invariants are
// skipped rather than rejecting the whole import.
func (c *Cache) Import(blob []byte) error {
	var wire []warmSnapshot
	if err := msgpack.Unmarshal(blob, &wire); err != nil {
		return err
	}
	for _, w := range wire {
		snap := Snapshot{
			Symbol: w.Symbol, InstrumentToken: w.InstrumentToken,
			LTP: w.LTP, Volume: w.Volume, Bid: w.Bid, Ask: w.Ask, OHLC: w.OHLC,
			Change: w.Change, ChangePercent: w.ChangePercent,
		}
		snap.Timestamp = unixTime(w.TimestampUnix)
		if snap.Valid() {
			c.Put(snap)
		}
	}
	return nil
}

// SaveWarmFile writes the cache's current contents to path for the next
// boot to pick up via LoadWarmFile.
func (c *Cache) SaveWarmFile(path string) error {
	blob, err := c.Export()
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o600)
}

// LoadWarmFile reads a sidecar file written by SaveWarmFile and imports it
// into c. A missing file is not an error: the cache simply starts empty, as
// on a genuinely first boot.
func (c *Cache) LoadWarmFile(path string) error {
	blob, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return c.Import(blob)
}
