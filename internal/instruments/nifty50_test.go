package instruments

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupKnownSymbol(t *testing.T) {
	inst, ok := Lookup("RELIANCE")
	assert.True(t, ok)
	assert.Equal(t, "RELIANCE", inst.Symbol)
	assert.Equal(t, "NSE", inst.Exchange)
	assert.NotZero(t, inst.InstrumentToken)
}

func TestLookupUnknownSymbol(t *testing.T) {
	_, ok := Lookup("NOT_A_REAL_SYMBOL")
	assert.False(t, ok)
}

func TestIsKnown(t *testing.T) {
	assert.True(t, IsKnown("TCS"))
	assert.False(t, IsKnown("NOT_A_REAL_SYMBOL"))
}

func TestTokensAreStableAndUnique(t *testing.T) {
	seen := make(map[uint32]string)
	for _, sym := range Symbols() {
		inst, ok := Lookup(sym)
		assert.True(t, ok)

		if other, exists := seen[inst.InstrumentToken]; exists {
			t.Fatalf("token collision between %s and %s", sym, other)
		}
		seen[inst.InstrumentToken] = sym

		again, _ := Lookup(sym)
		assert.Equal(t, inst.InstrumentToken, again.InstrumentToken)
	}
}

func TestSymbolsMatchesKnown(t *testing.T) {
	assert.Len(t, Symbols(), len(Known))
}

func TestByTokenRoundTrip(t *testing.T) {
	inst, ok := Lookup("INFY")
	assert.True(t, ok)

	back, ok := ByToken(inst.InstrumentToken)
	assert.True(t, ok)
	assert.Equal(t, "INFY", back.Symbol)

	_, ok = ByToken(0)
	assert.False(t, ok)
}
