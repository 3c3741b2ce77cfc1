// Package stream maintains the live telemetry connection for the connected
// account. A Session lives on the coordinator's event loop and runs the
// Idle -> Connecting -> Streaming -> Closed state machine, reconnecting after a
// fixed delay for as long as the same account stays connected.
package stream

import (
	"context"
	"time"

	"trade-desk/internal/eventloop"
	"trade-desk/internal/model"
	"trade-desk/internal/state"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// DefaultReconnectDelay is the wait between a close and the next attempt.
const DefaultReconnectDelay = 3 * time.Second

// State is the lifecycle stage of a Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configure a Session.
type Options struct {
	URL            string
	ReconnectDelay time.Duration
	// Backoff builds the reconnect policy. It is reset after every successful
	// dial; when it returns backoff.Stop the session stays Closed until the next
	// Start. Defaults to a constant ReconnectDelay with no attempt limit.
	Backoff func() backoff.BackOff
	// Location is the display zone for equity timestamps. Defaults to time.Local.
	Location *time.Location
	// OnState is called on the loop after every state transition.
	OnState func(State, model.AccountID)
	// OnUpdate is called on the loop after each applied telemetry update.
	OnUpdate func()
}

// Session owns at most one live telemetry connection. All methods must be
// called from the event loop.
type Session struct {
	sched     eventloop.Scheduler
	dialer    Dialer
	conn      state.ConnectionReader
	telemetry *state.Telemetry
	retry     backoff.BackOff
	opts      Options
	logger    *zap.Logger

	state   State
	account model.AccountID
	// gen identifies the current attempt. Every teardown bumps it, so callbacks
	// from a torn-down connection, dial or timer see a stale value and do nothing.
	gen        uint64
	active     Conn
	cancelDial context.CancelFunc
	reconnect  eventloop.Timer
}

// NewSession creates an idle session writing into telemetry.
func NewSession(sched eventloop.Scheduler, dialer Dialer, conn state.ConnectionReader, telemetry *state.Telemetry, opts Options) *Session {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	var retry backoff.BackOff = backoff.NewConstantBackOff(opts.ReconnectDelay)
	if opts.Backoff != nil {
		retry = opts.Backoff()
	}
	return &Session{
		sched:     sched,
		dialer:    dialer,
		conn:      conn,
		telemetry: telemetry,
		retry:     retry,
		opts:      opts,
		logger:    zap.NewNop(),
	}
}

// SetLogger sets the structured logger for the session.
func (s *Session) SetLogger(logger *zap.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// State returns the current lifecycle stage and the account it serves.
func (s *Session) State() (State, model.AccountID) {
	return s.state, s.account
}

// Sync follows the connection state: it (re)starts the session for the
// connected account, or stops it when nothing is connected.
func (s *Session) Sync() {
	status := s.conn.Current()
	if !status.Connected {
		s.Stop()
		return
	}
	s.Start(status.AccountID)
}

// Start tears down any existing connection and connects for account.
// Telemetry from a different account is discarded.
func (s *Session) Start(account model.AccountID) {
	s.teardown()
	if account != s.account {
		s.telemetry.Reset()
	}
	s.account = account
	s.retry.Reset()
	s.dial()
}

// Stop closes the connection, cancels any pending reconnect and clears telemetry.
func (s *Session) Stop() {
	s.teardown()
	s.telemetry.Reset()
	prev := s.account
	s.account = 0
	if s.state != StateIdle || prev != 0 {
		s.setState(StateIdle)
	}
}

func (s *Session) teardown() {
	s.gen++
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	if s.active != nil {
		if err := s.active.Close(); err != nil {
			s.logger.Debug("stream_close_error", zap.Error(err))
		}
		s.active = nil
	}
}

func (s *Session) dial() {
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelDial = cancel
	s.setState(StateConnecting)

	url := s.opts.URL
	s.sched.Go(func() {
		c, err := s.dialer.Dial(ctx, url)
		s.sched.Post(func() { s.onDialed(gen, c, err) })
	})
}

func (s *Session) onDialed(gen uint64, c Conn, err error) {
	if gen != s.gen {
		if c != nil {
			_ = c.Close()
		}
		return
	}
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	if err != nil {
		s.logger.Warn("stream_dial_failed", zap.Int64("account_id", int64(s.account)), zap.Error(err))
		s.onClosed(gen, err)
		return
	}

	s.active = c
	s.retry.Reset()
	s.setState(StateStreaming)
	s.logger.Info("stream_connected", zap.Int64("account_id", int64(s.account)))

	loc := s.opts.Location
	s.sched.Go(func() { s.readLoop(gen, c, loc) })
}

// readLoop runs off the loop and posts decoded frames back in arrival order.
func (s *Session) readLoop(gen uint64, c Conn, loc *time.Location) {
	for {
		data, err := c.ReadMessage()
		if err != nil {
			s.sched.Post(func() { s.onClosed(gen, err) })
			return
		}
		update, account, err := Decode(data, loc)
		if err != nil {
			if err != errNotUpdate {
				s.logger.Debug("stream_frame_dropped", zap.Error(err))
			}
			continue
		}
		s.sched.Post(func() { s.onUpdate(gen, update, account) })
	}
}

func (s *Session) onUpdate(gen uint64, u state.TelemetryUpdate, account model.AccountID) {
	if gen != s.gen || s.state != StateStreaming {
		return
	}
	if account != 0 && account != s.account {
		s.logger.Debug("stream_frame_wrong_account",
			zap.Int64("account_id", int64(s.account)),
			zap.Int64("frame_account_id", int64(account)),
		)
		return
	}
	s.telemetry.Apply(u)
	if s.opts.OnUpdate != nil {
		s.opts.OnUpdate()
	}
}

// onClosed handles a transport close or error. Local teardown bumps gen first,
// so an intentional close never reaches the reconnect path.
func (s *Session) onClosed(gen uint64, err error) {
	if gen != s.gen {
		return
	}
	if s.active != nil {
		_ = s.active.Close()
		s.active = nil
	}
	s.logger.Info("stream_closed", zap.Int64("account_id", int64(s.account)), zap.Error(err))
	s.setState(StateClosed)

	delay := s.retry.NextBackOff()
	if delay == backoff.Stop {
		s.logger.Warn("stream_reconnect_exhausted", zap.Int64("account_id", int64(s.account)))
		return
	}
	account := s.account
	s.reconnect = s.sched.AfterFunc(delay, func() {
		s.reconnect = nil
		if gen != s.gen {
			return
		}
		status := s.conn.Current()
		if !status.Connected || status.AccountID != account {
			s.logger.Info("stream_reconnect_skipped", zap.Int64("account_id", int64(account)))
			s.account = 0
			s.setState(StateIdle)
			return
		}
		s.logger.Info("stream_reconnecting", zap.Int64("account_id", int64(account)))
		s.dial()
	})
}

func (s *Session) setState(next State) {
	s.state = next
	if s.opts.OnState != nil {
		s.opts.OnState(next, s.account)
	}
}

// LimitAttempts stops b after the given number of consecutive reconnect attempts.
func LimitAttempts(b backoff.BackOff, attempts int) backoff.BackOff {
	return &limited{BackOff: b, limit: attempts}
}

type limited struct {
	backoff.BackOff
	limit, n int
}

func (l *limited) NextBackOff() time.Duration {
	if l.n >= l.limit {
		return backoff.Stop
	}
	l.n++
	return l.BackOff.NextBackOff()
}

func (l *limited) Reset() {
	l.n = 0
	l.BackOff.Reset()
}
