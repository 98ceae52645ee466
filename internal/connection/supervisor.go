// Package connection supervises the persistent push channel: connect,
// authenticate, detect loss, reconnect with backoff and re-subscribe.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrAuthRejected the credential was rejected. Terminal for the session.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrReconnectExhausted MaxAttempts consecutive connection failures.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// State of the supervised connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// FrameAuthError frame type the server sends when it revokes the session.
const FrameAuthError = "auth_error"

// Frame one inbound message: {"type": "...", "data": {...}, "timestamp": "..."}.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ControlMessage outbound subscription change.
type ControlMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Conn one established connection.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens connections. Dial returns an error wrapping ErrAuthRejected
// when the server refuses the credential.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// TokenSource returns the credential for the next dial.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken a TokenSource that always returns token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// Options reconnect policy.
type Options struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// StableAfter a connection up this long resets the backoff.
	StableAfter time.Duration
	// MaxAttempts consecutive failures before giving up, 0 = unlimited.
	MaxAttempts int
}

// DefaultOptions 1s doubling to 30s, reset after one minute connected.
func DefaultOptions() Options {
	return Options{
		MinBackoff:  time.Second,
		MaxBackoff:  30 * time.Second,
		StableAfter: time.Minute,
	}
}

// Hooks callbacks invoked from the Run goroutine.
type Hooks struct {
	OnFrame       func(Frame)
	OnStateChange func(from, to State)
	// OnConnected runs after topics were re-announced.
	OnConnected func()
}

// Supervisor owns the connection lifecycle.
type Supervisor struct {
	dialer Dialer
	token  TokenSource
	opts   Options
	hooks  Hooks
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	topics  map[string]struct{}
	conn    Conn
	session string

	writeMu sync.Mutex
}

// NewSupervisor creates a supervisor in the disconnected state.
func NewSupervisor(dialer Dialer, token TokenSource, opts Options, hooks Hooks, logger *zap.Logger) *Supervisor {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = DefaultOptions().MinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = opts.MinBackoff
	}
	if token == nil {
		token = StaticToken("")
	}
	return &Supervisor{
		dialer: dialer,
		token:  token,
		opts:   opts,
		hooks:  hooks,
		logger: logger,
		state:  StateDisconnected,
		topics: make(map[string]struct{}),
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID id of the current connection, empty when not connected.
func (s *Supervisor) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Topics returns the registered topics sorted.
func (s *Supervisor) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedTopics()
}

func (s *Supervisor) sortedTopics() []string {
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Subscribe registers topics. They are announced now when connected and on
// every reconnect.
func (s *Supervisor) Subscribe(topics ...string) error {
	s.mu.Lock()
	var added []string
	for _, t := range topics {
		if _, ok := s.topics[t]; !ok {
			s.topics[t] = struct{}{}
			added = append(added, t)
		}
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil || len(added) == 0 {
		return nil
	}
	return s.write(conn, ControlMessage{Action: "subscribe", Topics: added})
}

// Unsubscribe forgets topics.
func (s *Supervisor) Unsubscribe(topics ...string) error {
	s.mu.Lock()
	var removed []string
	for _, t := range topics {
		if _, ok := s.topics[t]; ok {
			delete(s.topics, t)
			removed = append(removed, t)
		}
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil || len(removed) == 0 {
		return nil
	}
	return s.write(conn, ControlMessage{Action: "unsubscribe", Topics: removed})
}

func (s *Supervisor) write(conn Conn, msg ControlMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Action, err)
	}
	return nil
}

// Run connects and keeps the connection alive until ctx is done (returns
// nil), the credential is rejected (ErrAuthRejected) or MaxAttempts is
// reached (ErrReconnectExhausted).
func (s *Supervisor) Run(ctx context.Context) error {
	b := newBackoff(s.opts.MinBackoff, s.opts.MaxBackoff)
	failures := 0

	for {
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return nil
		}

		s.setState(StateConnecting)
		err := s.connectOnce(ctx, b)
		s.setState(StateDisconnected)

		switch {
		case errors.Is(err, ErrAuthRejected):
			s.logger.Error("Push channel credential rejected", zap.Error(err))
			return err
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errStable):
			failures = 0
		}
		failures++

		if s.opts.MaxAttempts > 0 && failures >= s.opts.MaxAttempts {
			s.logger.Error("Giving up on push channel",
				zap.Int("attempts", failures),
				zap.Error(err),
			)
			return fmt.Errorf("%w: %d attempts: %v", ErrReconnectExhausted, failures, err)
		}

		delay := b.next()
		s.setState(StateReconnecting)
		s.logger.Warn("Push channel lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", delay),
			zap.Int("attempt", failures),
		)

		select {
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return nil
		case <-time.After(delay):
		}
	}
}

// errStable marks a session that stayed up for StableAfter.
var errStable = errors.New("connection closed after stable period")

// connectOnce runs one connection attempt to completion.
func (s *Supervisor) connectOnce(ctx context.Context, b *backoff) error {
	token, err := s.token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}

	conn, err := s.dialer.Dial(ctx, token)
	if err != nil {
		return err
	}

	connectedAt := time.Now()
	id := uuid.NewString()
	if err := s.attach(conn, id); err != nil {
		conn.Close()
		s.detach()
		return err
	}
	s.logger.Info("Push channel connected", zap.String("session_id", id))

	if s.hooks.OnConnected != nil {
		s.hooks.OnConnected()
	}

	err = s.readLoop(ctx, conn)
	conn.Close()
	s.detach()

	s.logger.Info("Push channel closed",
		zap.String("session_id", id),
		zap.Duration("uptime", time.Since(connectedAt)),
		zap.Error(err),
	)

	if errors.Is(err, ErrAuthRejected) {
		return err
	}
	if s.opts.StableAfter > 0 && time.Since(connectedAt) >= s.opts.StableAfter {
		b.reset()
		return fmt.Errorf("%w: %v", errStable, err)
	}
	return err
}

// attach publishes conn and re-announces every registered topic.
func (s *Supervisor) attach(conn Conn, id string) error {
	s.mu.Lock()
	s.conn = conn
	s.session = id
	topics := s.sortedTopics()
	s.mu.Unlock()

	s.setState(StateConnected)

	if len(topics) == 0 {
		return nil
	}
	return s.write(conn, ControlMessage{Action: "subscribe", Topics: topics})
}

func (s *Supervisor) detach() {
	s.mu.Lock()
	s.conn = nil
	s.session = ""
	s.mu.Unlock()
}

func (s *Supervisor) readLoop(ctx context.Context, conn Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		frame, err := DecodeFrame(msg)
		if err != nil {
			s.logger.Warn("Dropped undecodable frame", zap.Error(err))
			continue
		}
		if frame.Type == FrameAuthError {
			return fmt.Errorf("%w: server sent %s", ErrAuthRejected, FrameAuthError)
		}
		if s.hooks.OnFrame != nil {
			s.hooks.OnFrame(frame)
		}
	}
}

func (s *Supervisor) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	if from == to {
		return
	}
	s.logger.Debug("Connection state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	if s.hooks.OnStateChange != nil {
		s.hooks.OnStateChange(from, to)
	}
}

// DecodeFrame parses one frame. The timestamp may be RFC3339 or absent; an
// unparsable timestamp is treated as absent.
func DecodeFrame(b []byte) (Frame, error) {
	var raw struct {
		Type      string          `json:"type"`
		Event     string          `json:"event"`
		Data      json.RawMessage `json:"data"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return Frame{}, fmt.Errorf("invalid frame: %w", err)
	}

	f := Frame{Type: raw.Type, Data: raw.Data}
	if f.Type == "" {
		f.Type = raw.Event
	}
	if len(f.Data) == 0 {
		f.Data = raw.Payload
	}
	if f.Type == "" {
		return Frame{}, errors.New("invalid frame: missing type")
	}

	var ts string
	if err := json.Unmarshal(raw.Timestamp, &ts); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			f.Timestamp = t
		}
	}
	return f, nil
}

// backoff exponential delay capped at max.
type backoff struct {
	min, max, cur time.Duration
}

func newBackoff(min, max time.Duration) *backoff {
	return &backoff{min: min, max: max, cur: min}
}

// next returns the delay to wait now and doubles the following one.
func (b *backoff) next() time.Duration {
	d := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return d
}

func (b *backoff) reset() { b.cur = b.min }
