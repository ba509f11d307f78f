// Package audit implements the append-only structured log sink: every
// lifecycle event in the system is recorded here, mirrored to the
// process-wide tracing sink, and made queryable for operators.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/sentinel/internal/database"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Level mirrors the stable integer levels used by the persisted schema.
type Level int

const (
	LevelError Level = 1
	LevelWarn  Level = 2
	LevelInfo  Level = 3
	LevelDebug Level = 4
	LevelTrace Level = 5
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is one row of the audit trail.
type Entry struct {
	ID        string
	UserID    string
	Level     Level
	Message   string
	Context   map[string]interface{}
	CreatedAt time.Time
}

const (
	bufferCapacity = 1024
	writeBudget    = 10 * time.Millisecond
	flushInterval  = 200 * time.Millisecond
	flushBatch     = 256
)

// Log is the buffered, leveled, queryable log sink described by the audit
// contract. Writes do no database I/O: the in-memory ring buffer accepts the
// entry under a lock, a write that has used up writeBudget is dropped rather
// than buffered, and a background task flushes batches to the database.
type Log struct {
	db  *database.DB
	zl  zerolog.Logger

	mu      sync.Mutex
	entries []Entry

	dropped  int64
	timedOut int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Log backed by db and mirroring to zl. Call Start to begin
// the background flusher and Stop to drain it during shutdown.
func New(db *database.DB, zl zerolog.Logger) *Log {
	return &Log{
		db:      db,
		zl:      zl.With().Str("component", "audit").Logger(),
		entries: make([]Entry, 0, bufferCapacity),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (l *Log) Start() {
	go l.flushLoop()
}

// Stop signals the flush loop to exit after one final flush and waits for it.
func (l *Log) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
}

func (l *Log) flushLoop() {
	defer close(l.doneCh)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.flush()
		case <-l.stopCh:
			l.flush()
			return
		}
	}
}

func (l *Log) flush() {
	for {
		batch := l.drain(flushBatch)
		if len(batch) == 0 {
			return
		}
		l.writeBatch(batch)
	}
}

func (l *Log) writeBatch(batch []Entry) {
	err := database.WithTransaction(l.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(
			"INSERT INTO system_logs (id, user_id, level, message, context, created_at) VALUES (?, ?, ?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range batch {
			var userID interface{}
			if e.UserID != "" {
				userID = e.UserID
			}
			var contextJSON interface{}
			if e.Context != nil {
				b, err := json.Marshal(e.Context)
				if err != nil {
					return err
				}
				contextJSON = string(b)
			}
			if _, err := stmt.Exec(e.ID, userID, int(e.Level), e.Message, contextJSON, e.CreatedAt.Format(time.RFC3339)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		l.zl.Error().Err(err).Msg("failed to flush audit log batch to database")
	}
}

func (l *Log) drain(max int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return nil
	}
	n := max
	if n > len(l.entries) {
		n = len(l.entries)
	}
	batch := make([]Entry, n)
	copy(batch, l.entries[:n])
	l.entries = l.entries[n:]
	return batch
}

// log mirrors an entry to zerolog and appends it to the ring buffer. If the
// buffer is at capacity, the oldest Debug/Trace entry is evicted; if there is
// none, the new entry is dropped. An entry whose write has already used up
// writeBudget when the buffer lock is held is dropped and counted as timed out.
func (l *Log) log(level Level, userID, message string, ctx map[string]interface{}) {
	deadline := time.Now().Add(writeBudget)

	l.mirror(level, userID, message, ctx)

	entry := Entry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Level:     level,
		Message:   message,
		Context:   ctx,
		CreatedAt: time.Now().UTC(),
	}

	l.mu.Lock()
	if time.Now().After(deadline) {
		l.mu.Unlock()
		atomic.AddInt64(&l.timedOut, 1)
		return
	}
	if len(l.entries) >= bufferCapacity {
		if !l.evictLowPriorityLocked() {
			// Buffer saturated with Warn/Error; drop the new entry rather
			// than evict higher-priority history.
			l.mu.Unlock()
			atomic.AddInt64(&l.dropped, 1)
			return
		}
	}
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

// evictLowPriorityLocked removes the oldest Debug/Trace entry to make room.
// Caller must hold l.mu. Returns false if no such entry exists.
func (l *Log) evictLowPriorityLocked() bool {
	for i, e := range l.entries {
		if e.Level == LevelDebug || e.Level == LevelTrace {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (l *Log) mirror(level Level, userID, message string, ctx map[string]interface{}) {
	var event *zerolog.Event
	switch level {
	case LevelTrace:
		event = l.zl.Trace()
	case LevelDebug:
		event = l.zl.Debug()
	case LevelInfo:
		event = l.zl.Info()
	case LevelWarn:
		event = l.zl.Warn()
	default:
		event = l.zl.Error()
	}
	if userID != "" {
		event = event.Str("user_id", userID)
	}
	if ctx != nil {
		event = event.Interface("context", ctx)
	}
	event.Msg(message)
}

func (l *Log) Trace(message string, ctx map[string]interface{}) { l.log(LevelTrace, "", message, ctx) }
func (l *Log) Debug(message string, ctx map[string]interface{}) { l.log(LevelDebug, "", message, ctx) }
func (l *Log) Info(message string, ctx map[string]interface{})  { l.log(LevelInfo, "", message, ctx) }
func (l *Log) Warn(message string, ctx map[string]interface{})  { l.log(LevelWarn, "", message, ctx) }
func (l *Log) Error(message string, ctx map[string]interface{}) { l.log(LevelError, "", message, ctx) }

// ForUser returns a Log-like helper that tags every entry with userID.
func (l *Log) ForUser(userID string) *UserLog {
	return &UserLog{log: l, userID: userID}
}

// UserLog is a thin view over Log that stamps every write with a user ID.
type UserLog struct {
	log    *Log
	userID string
}

func (u *UserLog) Info(message string, ctx map[string]interface{}) {
	u.log.log(LevelInfo, u.userID, message, ctx)
}
func (u *UserLog) Warn(message string, ctx map[string]interface{}) {
	u.log.log(LevelWarn, u.userID, message, ctx)
}
func (u *UserLog) Error(message string, ctx map[string]interface{}) {
	u.log.log(LevelError, u.userID, message, ctx)
}

// LogTradingActivity records a structured trading-domain event.
func (l *Log) LogTradingActivity(userID, action, symbol string, quantity int, price float64) {
	l.log(LevelInfo, userID, "trading activity: "+action, map[string]interface{}{
		"action": action, "symbol": symbol, "quantity": quantity, "price": price,
	})
}

// LogAPIActivity records a broker REST call outcome.
func (l *Log) LogAPIActivity(endpoint, method string, statusCode int, responseTimeMS int64, callErr error) {
	ctx := map[string]interface{}{"endpoint": endpoint, "method": method, "status_code": statusCode, "response_time_ms": responseTimeMS}
	if callErr != nil {
		ctx["error"] = callErr.Error()
		l.log(LevelError, "", "broker API call failed: "+method+" "+endpoint, ctx)
		return
	}
	l.log(LevelInfo, "", "broker API call: "+method+" "+endpoint, ctx)
}

// Dropped returns the number of entries dropped due to a saturated buffer.
func (l *Log) Dropped() int64 { return atomic.LoadInt64(&l.dropped) }

// TimedOut returns the number of entries dropped because their write exceeded
// the 10ms write budget.
func (l *Log) TimedOut() int64 { return atomic.LoadInt64(&l.timedOut) }

// Recent returns up to limit entries at or above minLevel (more severe, i.e.
// numerically smaller), most recent first.
func (l *Log) Recent(ctx context.Context, limit int, minLevel Level) ([]Entry, error) {
	query := "SELECT id, user_id, level, message, context, created_at FROM system_logs"
	args := []interface{}{}
	if minLevel > 0 {
		query += " WHERE level <= ?"
		args = append(args, int(minLevel))
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var userID, contextJSON *string
		var level int
		var createdAt string
		if err := rows.Scan(&e.ID, &userID, &level, &e.Message, &contextJSON, &createdAt); err != nil {
			return nil, err
		}
		e.Level = Level(level)
		if userID != nil {
			e.UserID = *userID
		}
		if contextJSON != nil {
			_ = json.Unmarshal([]byte(*contextJSON), &e.Context)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
