package strategy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/sentinel/internal/audit"
	"github.com/aristath/sentinel/internal/broker"
	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/market"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, handler http.HandlerFunc) (*Engine, *database.DB) {
	t.Helper()
	dir := t.TempDir()
	db, err := database.New(database.Config{Path: filepath.Join(dir, "engine.db")})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := broker.NewClient("key", zerolog.Nop())
	c.SetCredentials("secret", "token")
	c.SetBaseURLForTesting(server.URL)

	auditLog := audit.New(db, zerolog.Nop())
	return NewEngine(db, c, auditLog, zerolog.Nop()), db
}

func seedUserStrategyAndSelection(t *testing.T, db *database.DB, userID, strategyID, symbol string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		userID, "trader1", "hash", time.Now().UTC().Format(time.RFC3339))
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO strategy_params
		(id, user_id, name, enabled, max_trades_per_day, risk_percent, stop_loss_percent, take_profit_percent, volume_threshold, created_at, updated_at)
		VALUES (?, ?, 'ema', 1, 10, 50, 1, 50, 0, ?, ?)`,
		strategyID, userID, time.Now().UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339))
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO stock_selection (id, user_id, symbol, exchange, active, added_at) VALUES (?, ?, ?, 'NSE', 1, ?)`,
		uuid.NewString(), userID, symbol, time.Now().UTC().Format(time.RFC3339))
	require.NoError(t, err)
}

func TestEngineLoadsWorkingSet(t *testing.T) {
	e, db := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "success", "data": map[string]interface{}{}})
	})
	userID := uuid.NewString()
	seedUserStrategyAndSelection(t, db, userID, uuid.NewString(), "RELIANCE")

	require.NoError(t, e.LoadWorkingSet(context.Background(), userID))

	entries := e.activeEntriesFor("RELIANCE")
	require.Len(t, entries, 1)
}

func TestEngineEntersOnAdmittedIntent(t *testing.T) {
	var placedOrder bool
	e, db := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/user/margins":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "success",
				"data": map[string]interface{}{
					"equity": map[string]interface{}{"net": 1000000.0, "available": map[string]interface{}{}},
				},
			})
		case r.URL.Path == "/orders/regular":
			placedOrder = true
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "success",
				"data":   map[string]interface{}{"order_id": "OID1"},
			})
		default:
			json.NewEncoder(w).Encode(map[string]interface{}{"status": "success", "data": map[string]interface{}{}})
		}
	})

	userID := uuid.NewString()
	strategyID := uuid.NewString()
	seedUserStrategyAndSelection(t, db, userID, strategyID, "RELIANCE")
	require.NoError(t, e.LoadWorkingSet(context.Background(), userID))

	e.eval = &EMACrossoverEvaluator{FastPeriod: 1, SlowPeriod: 2}

	ctx := context.Background()
	prices := []float64{100, 110, 130}
	for _, p := range prices {
		e.handleTick(ctx, market.Snapshot{Symbol: "RELIANCE", LTP: p, Volume: 1000, Timestamp: time.Now()})
	}

	require.True(t, placedOrder, "expected an order to be placed on a bullish crossover")

	var count int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM trades WHERE status = 'Pending'`).Scan(&count))
	require.Equal(t, 1, count)
}
