// Package instruments holds the curated default universe the stock-selection
// store validates against (NIFTY-50 at minimum, per the data model) and maps
// each symbol to its broker-assigned instrument token for market-data
// subscription.
package instruments

import "hash/fnv"

// Instrument is one entry of the known index set.
type Instrument struct {
	Symbol          string
	Exchange        string
	InstrumentToken uint32
}

// nifty50Symbols is the NSE NIFTY-50 constituent list. Real Kite instrument
// tokens are published in the broker's daily instruments.csv dump, not
// derivable offline; production deployments should sync this table from
// that dump on boot. Until that sync runs, tokens here are deterministically
// derived placeholders stable across process restarts.
var nifty50Symbols = []string{
	"RELIANCE", "TCS", "HDFCBANK", "ICICIBANK", "INFY", "HINDUNILVR", "ITC",
	"SBIN", "BHARTIARTL", "KOTAKBANK", "LT", "AXISBANK", "BAJFINANCE",
	"ASIANPAINT", "MARUTI", "HCLTECH", "SUNPHARMA", "TITAN", "ULTRACEMCO",
	"WIPRO", "NESTLEIND", "ADANIENT", "BAJAJFINSV", "ONGC", "NTPC", "POWERGRID",
	"M&M", "TATAMOTORS", "TATASTEEL", "JSWSTEEL", "INDUSINDBK", "TECHM",
	"HDFCLIFE", "SBILIFE", "GRASIM", "CIPLA", "DRREDDY", "EICHERMOT",
	"BRITANNIA", "DIVISLAB", "COALINDIA", "HEROMOTOCO", "BPCL", "APOLLOHOSP",
	"ADANIPORTS", "TATACONSUM", "HINDALCO", "BAJAJ-AUTO", "UPL", "SHRIRAMFIN",
}

// Known is the NIFTY-50 universe, NSE-listed, keyed by symbol.
var Known = buildKnown()

// byToken is the reverse index for resolving streamed ticks back to their
// human symbol.
var byToken = buildByToken()

func buildByToken() map[uint32]Instrument {
	out := make(map[uint32]Instrument, len(Known))
	for _, inst := range Known {
		out[inst.InstrumentToken] = inst
	}
	return out
}

func buildKnown() map[string]Instrument {
	out := make(map[string]Instrument, len(nifty50Symbols))
	for _, sym := range nifty50Symbols {
		out[sym] = Instrument{
			Symbol:          sym,
			Exchange:        "NSE",
			InstrumentToken: placeholderToken(sym),
		}
	}
	return out
}

// placeholderToken derives a stable, collision-resistant 32-bit token from a
// symbol name so the same symbol always resolves to the same token across
// restarts, without depending on the broker's live instrument dump.
func placeholderToken(symbol string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return h.Sum32()
}

// Lookup resolves a symbol to its known instrument, ok=false if it is
// outside the curated universe.
func Lookup(symbol string) (Instrument, bool) {
	inst, ok := Known[symbol]
	return inst, ok
}

// ByToken resolves an instrument token back to its known instrument,
// ok=false for tokens outside the curated universe.
func ByToken(token uint32) (Instrument, bool) {
	inst, ok := byToken[token]
	return inst, ok
}

// IsKnown reports whether symbol is part of the curated default universe,
// the invariant StockSelection validates new entries against.
func IsKnown(symbol string) bool {
	_, ok := Known[symbol]
	return ok
}

// Symbols returns every symbol in the known universe, sorted is not
// guaranteed; callers that need deterministic order should sort the result.
func Symbols() []string {
	out := make([]string, 0, len(Known))
	for s := range Known {
		out = append(out, s)
	}
	return out
}
