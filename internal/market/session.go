package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/sentinel/internal/resilience"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	wsBaseURL   = "wss://ws.kite.trade"
	dialTimeout = 15 * time.Second
	writeWait   = 10 * time.Second

	// maxReconnectAttempts bounds the reconnect supervisor; exhausting it
	// parks the session in Failed for an operator to restart.
	maxReconnectAttempts = 10
)

// controlFrame is the JSON control message the ticker accepts over the
// otherwise-binary connection: {"a": "subscribe"|"unsubscribe"|"mode", "v": [...]}.
type controlFrame struct {
	A string      `json:"a"`
	V interface{} `json:"v"`
}

// Session owns one streaming WebSocket connection to the Kite ticker: it
// decodes incoming binary frames, updates the cache and registry, fans
// decoded snapshots out via the broadcaster, and supervises reconnection
// with full-subscription replay.
type Session struct {
	apiKey      string
	accessToken string

	conn    *websocket.Conn
	connCtx context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex

	registry    *Registry
	cache       *Cache
	broadcaster *Broadcaster
	decoder     *Decoder
	backoff     resilience.Backoff
	zl          zerolog.Logger

	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once

	// resolveSymbol stamps decoded snapshots with their human symbol
	// before they reach the cache and broadcast; nil leaves them unnamed.
	resolveSymbol func(token uint32) (string, bool)

	// wsURLOverride lets tests point the session at a local websocket
	// server instead of the live Kite ticker.
	wsURLOverride string
}

// NewSession constructs a streaming session. Call Start to connect.
func NewSession(apiKey, accessToken string, registry *Registry, cache *Cache, broadcaster *Broadcaster, zl zerolog.Logger) *Session {
	s := &Session{
		apiKey:      apiKey,
		accessToken: accessToken,
		registry:    registry,
		cache:       cache,
		broadcaster: broadcaster,
		decoder:     &Decoder{},
		backoff:     resilience.NewReconnectBackoff(),
		zl:          zl.With().Str("component", "market_session").Logger(),
		stopCh:      make(chan struct{}),
	}
	s.state.Store(int32(StateDisconnected))
	return s
}

// SetSymbolResolver installs the token-to-symbol lookup applied to every
// decoded snapshot. Must be called before Start.
func (s *Session) SetSymbolResolver(fn func(token uint32) (string, bool)) {
	s.resolveSymbol = fn
}

// State returns the session's current connection lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) wsURL() string {
	base := wsBaseURL
	if s.wsURLOverride != "" {
		base = s.wsURLOverride
	}
	q := url.Values{"api_key": {s.apiKey}, "access_token": {s.accessToken}}
	return base + "?" + q.Encode()
}

// Start dials the ticker and begins the read loop, retrying with the
// reconnect supervisor if the initial dial fails.
func (s *Session) Start(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		s.zl.Warn().Err(err).Msg("initial ticker connection failed, entering reconnect supervisor")
		go s.reconnectLoop(ctx)
		return err
	}

	s.mu.RLock()
	readCtx := s.connCtx
	s.mu.RUnlock()
	go s.readLoop(ctx, readCtx)

	return nil
}

// Stop closes the connection and halts the reconnect supervisor.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return s.disconnect()
}

func (s *Session) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Store(int32(StateConnecting))

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, s.wsURL(), nil)
	if err != nil {
		s.state.Store(int32(StateDisconnected))
		return fmt.Errorf("dial ticker: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	connCtx, connCancel := context.WithCancel(context.Background())
	s.conn = conn
	s.connCtx = connCtx
	s.cancel = connCancel
	s.state.Store(int32(StateConnected))

	if err := s.replaySubscriptions(connCtx); err != nil {
		s.zl.Error().Err(err).Msg("failed to replay subscriptions after connect")
	}

	return nil
}

func (s *Session) disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	s.conn = nil
	s.connCtx = nil
	s.state.Store(int32(StateDisconnected))
	return err
}

// replaySubscriptions resends every registry entry grouped by mode, used
// both on initial connect and after a reconnect.
func (s *Session) replaySubscriptions(ctx context.Context) error {
	for mode, tokens := range s.registry.ByMode() {
		if len(tokens) == 0 {
			continue
		}
		if err := s.sendControl(ctx, "subscribe", tokens); err != nil {
			return err
		}
		if err := s.sendControl(ctx, "mode", []interface{}{string(mode), tokens}); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers tokens at mode and, if connected, sends the live
// control frames immediately.
func (s *Session) Subscribe(ctx context.Context, tokens []uint32, mode Mode) error {
	s.registry.Set(tokens, mode)

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return nil
	}

	if err := s.sendControl(ctx, "subscribe", tokens); err != nil {
		return err
	}
	return s.sendControl(ctx, "mode", []interface{}{string(mode), tokens})
}

// Unsubscribe drops tokens from the registry and, if connected, the
// live subscription.
func (s *Session) Unsubscribe(ctx context.Context, tokens []uint32) error {
	s.registry.Remove(tokens)

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return nil
	}
	return s.sendControl(ctx, "unsubscribe", tokens)
}

func (s *Session) sendControl(ctx context.Context, action string, value interface{}) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(controlFrame{A: action, V: value})
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Session) readLoop(outerCtx context.Context, connCtx context.Context) {
	defer func() {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.zl.Warn().Msg("ticker read loop exited, entering reconnect supervisor")
		go s.reconnectLoop(outerCtx)
	}()

	for {
		select {
		case <-s.stopCh:
			return
		case <-connCtx.Done():
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, data, err := conn.Read(connCtx)
		if err != nil {
			if connCtx.Err() != nil {
				return
			}
			s.zl.Error().Err(err).Msg("ticker read error")
			return
		}

		if msgType != websocket.MessageBinary {
			continue
		}

		for _, snap := range s.decoder.Decode(data) {
			if !snap.Valid() {
				continue
			}
			if s.resolveSymbol != nil {
				if sym, ok := s.resolveSymbol(snap.InstrumentToken); ok {
					snap.Symbol = sym
				}
			}
			s.cache.Put(snap)
			s.broadcaster.Publish(snap)
		}
	}
}

func (s *Session) reconnectLoop(ctx context.Context) {
	s.state.Store(int32(StateReconnecting))

	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.state.Store(int32(StateFailed))
			return
		case <-time.After(s.backoff.Delay(attempt)):
		}

		s.zl.Info().Int("attempt", attempt+1).Msg("attempting ticker reconnect")

		if err := s.connect(ctx); err != nil {
			s.zl.Error().Err(err).Int("attempt", attempt+1).Msg("ticker reconnect failed")
			continue
		}

		s.zl.Info().Msg("ticker reconnected")
		s.mu.RLock()
		connCtx := s.connCtx
		s.mu.RUnlock()
		go s.readLoop(ctx, connCtx)
		return
	}

	s.state.Store(int32(StateFailed))
	s.zl.Error().Int("attempts", maxReconnectAttempts).Msg("ticker reconnect attempts exhausted, session failed")
}
