package strategy

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/sentinel/internal/apperr"
	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/instruments"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *database.DB, string) {
	t.Helper()
	db, err := database.New(database.Config{Path: filepath.Join(t.TempDir(), "store.db")})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	userID := uuid.NewString()
	_, err = db.Exec(`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		userID, "operator", "hash", time.Now().UTC().Format(time.RFC3339))
	require.NoError(t, err)

	return NewStore(db, zerolog.Nop()), db, userID
}

func validStrategy() Strategy {
	return Strategy{
		Name:              "ema-crossover",
		Description:       "fast over slow",
		Enabled:           true,
		MaxTradesPerDay:   5,
		RiskPercent:       2,
		StopLossPercent:   1,
		TakeProfitPercent: 3,
		VolumeThreshold:   100000,
	}
}

func TestCreateStrategyRejectsInvalidParams(t *testing.T) {
	store, _, userID := newTestStore(t)
	ctx := context.Background()

	cases := map[string]func(*Strategy){
		"empty name":              func(s *Strategy) { s.Name = "  " },
		"zero trade cap":          func(s *Strategy) { s.MaxTradesPerDay = 0 },
		"trade cap over 1000":     func(s *Strategy) { s.MaxTradesPerDay = 1001 },
		"risk over 100":           func(s *Strategy) { s.RiskPercent = 101 },
		"zero risk":               func(s *Strategy) { s.RiskPercent = 0 },
		"stop loss over 50":       func(s *Strategy) { s.StopLossPercent = 51 },
		"take profit over 100":    func(s *Strategy) { s.TakeProfitPercent = 101 },
		"take profit below stop":  func(s *Strategy) { s.TakeProfitPercent = 0.5 },
		"zero volume threshold":   func(s *Strategy) { s.VolumeThreshold = 0 },
	}

	for name, mutate := range cases {
		s := validStrategy()
		mutate(&s)
		_, err := store.CreateStrategy(ctx, userID, s)
		require.Error(t, err, name)
		require.True(t, apperr.Is(err, apperr.KindValidation), name)
	}
}

func TestStrategyCRUDRoundTrip(t *testing.T) {
	store, _, userID := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateStrategy(ctx, userID, validStrategy())
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Equal(t, userID, created.UserID)
	require.False(t, created.CreatedAt.IsZero())

	got, err := store.GetStrategy(ctx, userID, created.ID)
	require.NoError(t, err)
	require.Equal(t, "ema-crossover", got.Name)
	require.Equal(t, 3.0, got.TakeProfitPercent)

	list, err := store.ListStrategies(ctx, userID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	update := validStrategy()
	update.Name = "ema-crossover-v2"
	update.Enabled = false
	updated, err := store.UpdateStrategy(ctx, userID, created.ID, update)
	require.NoError(t, err)
	require.Equal(t, "ema-crossover-v2", updated.Name)
	require.False(t, updated.Enabled)

	require.NoError(t, store.DeleteStrategy(ctx, userID, created.ID))

	_, err = store.GetStrategy(ctx, userID, created.ID)
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestStrategyOperationsScopedToOwner(t *testing.T) {
	store, db, userID := newTestStore(t)
	ctx := context.Background()

	otherID := uuid.NewString()
	_, err := db.Exec(`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		otherID, "intruder", "hash", time.Now().UTC().Format(time.RFC3339))
	require.NoError(t, err)

	created, err := store.CreateStrategy(ctx, userID, validStrategy())
	require.NoError(t, err)

	_, err = store.GetStrategy(ctx, otherID, created.ID)
	require.True(t, apperr.Is(err, apperr.KindNotFound))

	err = store.DeleteStrategy(ctx, otherID, created.ID)
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestAddSelectionValidatesUniverse(t *testing.T) {
	store, _, userID := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddSelection(ctx, userID, "NOTASTOCK", "NSE")
	require.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = store.AddSelection(ctx, userID, "RELIANCE", "NASDAQ")
	require.True(t, apperr.Is(err, apperr.KindValidation))

	sel, err := store.AddSelection(ctx, userID, "reliance", "")
	require.NoError(t, err)
	require.Equal(t, "RELIANCE", sel.Symbol)
	require.Equal(t, "NSE", sel.Exchange)
	require.True(t, sel.Active)

	inst, ok := instruments.Lookup("RELIANCE")
	require.True(t, ok)
	require.Equal(t, inst.InstrumentToken, sel.InstrumentToken)
}

func TestSelectionLifecycle(t *testing.T) {
	store, _, userID := newTestStore(t)
	ctx := context.Background()

	sel, err := store.AddSelection(ctx, userID, "TCS", "NSE")
	require.NoError(t, err)

	// Re-adding the same symbol reactivates instead of conflicting.
	again, err := store.AddSelection(ctx, userID, "TCS", "NSE")
	require.NoError(t, err)
	require.Equal(t, sel.ID, again.ID)

	require.NoError(t, store.SetSelectionActive(ctx, userID, sel.ID, false))

	list, err := store.ListSelections(ctx, userID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.False(t, list[0].Active)

	require.NoError(t, store.RemoveSelection(ctx, userID, sel.ID))
	require.True(t, apperr.Is(store.RemoveSelection(ctx, userID, sel.ID), apperr.KindNotFound))
}

func TestEngineWorkingSetReadsStoreWrites(t *testing.T) {
	e, db := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "success", "data": map[string]interface{}{}})
	})
	store := NewStore(db, zerolog.Nop())
	ctx := context.Background()

	userID := uuid.NewString()
	_, err := db.Exec(`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		userID, "operator2", "hash", time.Now().UTC().Format(time.RFC3339))
	require.NoError(t, err)

	_, err = store.CreateStrategy(ctx, userID, validStrategy())
	require.NoError(t, err)
	_, err = store.AddSelection(ctx, userID, "INFY", "NSE")
	require.NoError(t, err)

	require.NoError(t, e.LoadWorkingSet(ctx, userID))
	symbols := e.WorkingSetSymbols()
	require.Len(t, symbols, 1)
	require.Equal(t, "INFY", symbols[0].Symbol)
}
