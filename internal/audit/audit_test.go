package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/sentinel/internal/database"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) (*Log, *database.DB) {
	t.Helper()
	dir := t.TempDir()
	db, err := database.New(database.Config{Path: filepath.Join(dir, "audit.db")})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	l := New(db, zerolog.Nop())
	return l, db
}

func TestLogFlushesToDatabase(t *testing.T) {
	l, _ := newTestLog(t)
	l.Info("strategy enabled", map[string]interface{}{"strategy_id": "s1"})

	l.flush()

	entries, err := l.Recent(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "strategy enabled", entries[0].Message)
	assert.Equal(t, LevelInfo, entries[0].Level)
}

func TestRecentFiltersByMinLevel(t *testing.T) {
	l, _ := newTestLog(t)
	l.Debug("noisy", nil)
	l.Error("boom", nil)
	l.flush()

	entries, err := l.Recent(context.Background(), 10, LevelWarn)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].Message)
}

func TestBufferEvictsLowPriorityWhenSaturated(t *testing.T) {
	l, _ := newTestLog(t)

	for i := 0; i < bufferCapacity; i++ {
		l.Debug("filler", nil)
	}
	l.Error("important", nil)

	l.mu.Lock()
	n := len(l.entries)
	l.mu.Unlock()
	assert.LessOrEqual(t, n, bufferCapacity)

	l.flush()
	entries, err := l.Recent(context.Background(), bufferCapacity+10, 0)
	require.NoError(t, err)

	found := false
	for _, e := range entries {
		if e.Message == "important" {
			found = true
		}
	}
	assert.True(t, found, "high-priority entry must survive buffer saturation")
}

func TestStartStopDrainsBuffer(t *testing.T) {
	l, _ := newTestLog(t)
	l.Start()
	l.Info("hello", nil)
	time.Sleep(10 * time.Millisecond)
	l.Stop()

	entries, err := l.Recent(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}
