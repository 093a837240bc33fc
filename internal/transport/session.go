// Package transport delivers queue items to the relay over a websocket
// session, with an HTTP fallback for long outages.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/models"
	"fleet-tracker/internal/protocol"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle state of a Session
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateDown means the reconnect budget is spent; only Reconnect leaves it
	StateDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

// SessionConfig configures the relay connection
type SessionConfig struct {
	URL                  string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	PingInterval         time.Duration
	WriteWait            time.Duration
	Clock                clock.Clock
}

// Session is the persistent connection to the relay
type Session struct {
	cfg    SessionConfig
	dialer websocket.Dialer

	connMu sync.Mutex
	conn   *websocket.Conn
	state  State
	// start of the current outage; zero while connected
	unavailableSince time.Time

	writeMu sync.Mutex

	callbackMu sync.RWMutex
	onConnect  []func()
	onMessage  func(protocol.Message)

	reconnect chan struct{}
}

// NewSession creates a session. Nothing is dialed until Run.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	return &Session{
		cfg: cfg,
		dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		state:            StateDisconnected,
		unavailableSince: cfg.Clock.Now(),
		reconnect:        make(chan struct{}, 1),
	}
}

// OnConnect registers a callback run after every successful connect
func (s *Session) OnConnect(f func()) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.onConnect = append(s.onConnect, f)
}

// OnMessage registers the handler for inbound relay messages
func (s *Session) OnMessage(f func(protocol.Message)) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.onMessage = f
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.state
}

// Connected reports whether messages can be written right now
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// UnavailableFor returns how long the session has been without a
// connection, or zero while connected.
func (s *Session) UnavailableFor() time.Duration {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.state == StateConnected {
		return 0
	}
	return s.cfg.Clock.Now().Sub(s.unavailableSince)
}

// Reconnect leaves the down state and starts a fresh attempt cycle
func (s *Session) Reconnect() {
	select {
	case s.reconnect <- struct{}{}:
	default:
	}
}

// Run keeps the session connected until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	for {
		conn, err := s.connectWithBackoff(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.setState(StateDown)
			log.Error().Err(err).Int("attempts", s.cfg.MaxReconnectAttempts).Msg("[WS] Relay unreachable, giving up until reconnect")
			select {
			case <-ctx.Done():
				return nil
			case <-s.reconnect:
				log.Info().Msg("[WS] Manual reconnect requested")
				continue
			}
		}

		s.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Send writes the wire message for item to the relay.
func (s *Session) Send(ctx context.Context, item models.QueueItem) error {
	msg, err := MessageFor(item)
	if err != nil {
		return err
	}
	return s.Write(ctx, msg)
}

// Write encodes and writes one message
func (s *Session) Write(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(s.cfg.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

func (s *Session) connectWithBackoff(ctx context.Context) (*websocket.Conn, error) {
	retryBackoff := backoff.NewExponentialBackOff()
	retryBackoff.InitialInterval = s.cfg.ReconnectDelay
	if s.cfg.MaxReconnectDelay > 0 {
		retryBackoff.MaxInterval = s.cfg.MaxReconnectDelay
	}
	retryBackoff.Multiplier = 2
	retryBackoff.MaxElapsedTime = 0

	// one initial dial plus MaxReconnectAttempts retries
	b := backoff.WithContext(backoff.WithMaxRetries(retryBackoff, uint64(s.cfg.MaxReconnectAttempts)), ctx)

	var conn *websocket.Conn
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		s.setState(StateConnecting)
		c, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if resp != nil {
				return fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
			}
			return fmt.Errorf("websocket dial failed: %w", err)
		}
		conn = c
		return nil
	}, b, func(err error, next time.Duration) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("[WS] Connect failed")
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// serve owns conn until it drops
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.unavailableSince = time.Time{}
	s.connMu.Unlock()

	log.Info().Str("url", s.cfg.URL).Msg("[WS] Connected")

	s.callbackMu.RLock()
	callbacks := append([]func(){}, s.onConnect...)
	s.callbackMu.RUnlock()
	for _, f := range callbacks {
		go f()
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pingLoop(ctx, conn, done)
	}()

	s.listen(ctx, conn)
	close(done)
	wg.Wait()
	s.closeConnection(conn)
}

func (s *Session) listen(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info().Msg("[WS] Connection closed by relay")
			} else {
				log.Warn().Err(err).Msg("[WS] Read error")
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Debug().Err(err).Msg("[WS] Ignoring message")
			continue
		}
		if _, ok := msg.(protocol.Pong); ok {
			continue
		}

		s.callbackMu.RLock()
		handler := s.onMessage
		s.callbackMu.RUnlock()
		if handler != nil {
			handler(msg)
		}
	}
}

func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	interval := s.cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := s.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// unblocks the read loop
			conn.Close()
			return
		case <-done:
			return
		case <-ticker.C():
			if err := s.Write(ctx, protocol.Ping{}); err != nil {
				log.Warn().Err(err).Msg("[WS] Ping failed")
				conn.Close()
				return
			}
		}
	}
}

func (s *Session) closeConnection(conn *websocket.Conn) {
	s.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.writeMu.Unlock()
	conn.Close()

	s.connMu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.state = StateDisconnected
	s.unavailableSince = s.cfg.Clock.Now()
	s.connMu.Unlock()

	log.Info().Msg("[WS] Disconnected")
}

func (s *Session) setState(state State) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.state = state
}
