package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"supportdesk/server/chat/domain"
	commonlog "supportdesk/server/common/log"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
	StatusFailed       Status = "failed"
)

const (
	DefaultReconnectBase  = time.Second
	DefaultReconnectCap   = 30 * time.Second
	DefaultMaxAttempts    = 5
	DefaultConnectTimeout = 20 * time.Second
)

type State struct {
	Status      Status
	Attempt     int
	MaxAttempts int
	RetryIn     time.Duration
	Message     string
}

func (s State) String() string {
	switch s.Status {
	case StatusReconnecting:
		return fmt.Sprintf("reconnecting (%d/%d)", s.Attempt, s.MaxAttempts)
	case StatusError:
		return "error: " + s.Message
	}
	return string(s.Status)
}

type Identity struct {
	Token    string
	UserID   string
	Role     string
	UserInfo domain.UserInfo
}

func (id *Identity) Complete() bool {
	return id != nil && id.Token != "" && id.UserID != ""
}

func (id Identity) IsAdmin() bool {
	return id.Role == "admin"
}

type Options struct {
	Dialer         Dialer
	Clock          clockwork.Clock
	ReconnectBase  time.Duration
	ReconnectCap   time.Duration
	MaxAttempts    int
	ConnectTimeout time.Duration
	// OnAuthFailure runs on the dispatch goroutine after auth_error is delivered.
	OnAuthFailure func(err error)
}

// Manager owns the single realtime connection of an authenticated identity.
// Handlers registered with On live on the manager and survive reconnects.
type Manager struct {
	dialer         Dialer
	clock          clockwork.Clock
	connectTimeout time.Duration
	maxAttempts    int
	onAuthFailure  func(error)

	handlers *registry
	events   *queue

	watchMu  sync.Mutex
	watchSeq uint64
	watchers map[uint64]func(State)

	mu         sync.Mutex
	identity   *Identity
	conn       Conn
	socketID   string
	gen        uint64
	inFlight   bool
	attempts   int
	backoff    *backoff.ExponentialBackOff
	retryTimer clockwork.Timer
	cancelDial context.CancelFunc
	state      State
	closed     bool
}

func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = DefaultReconnectBase
	}
	if opts.ReconnectCap <= 0 {
		opts.ReconnectCap = DefaultReconnectCap
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     opts.ReconnectBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         opts.ReconnectCap,
	}
	b.Reset()
	return &Manager{
		dialer:         opts.Dialer,
		clock:          opts.Clock,
		connectTimeout: opts.ConnectTimeout,
		maxAttempts:    opts.MaxAttempts,
		onAuthFailure:  opts.OnAuthFailure,
		handlers:       newRegistry(),
		events:         newQueue(),
		watchers:       map[uint64]func(State){},
		backoff:        b,
		state:          State{Status: StatusDisconnected, MaxAttempts: opts.MaxAttempts},
	}
}

// SetIdentity feeds authentication state into the manager. A complete
// identity connects, a changed one replaces the current handle, nil or an
// incomplete identity disconnects.
func (m *Manager) SetIdentity(id *Identity) {
	if !id.Complete() {
		m.mu.Lock()
		m.identity = nil
		m.mu.Unlock()
		m.Disconnect()
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	same := m.identity != nil && *m.identity == *id
	cp := *id
	m.identity = &cp
	if same && (m.inFlight || m.conn != nil) {
		return
	}
	m.closeLocked(m.teardownLocked())
	m.attempts = 0
	m.backoff.Reset()
	m.startLocked()
}

func (m *Manager) Identity() (Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return Identity{}, false
	}
	return *m.identity, true
}

// Connect opens a new handle unless an attempt is already in flight or no
// complete identity is set. Any existing handle is torn down first.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startLocked()
}

// Reconnect resets the attempt counter and tries again, including after the
// manager gave up with StatusFailed.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight {
		return
	}
	m.attempts = 0
	m.backoff.Reset()
	commonlog.Infof("event=realtime_connection action=reconnect status=manual")
	m.startLocked()
}

// Disconnect sends a best-effort offline presence signal and drops the handle.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn := m.conn
	connected := conn != nil && m.state.Status == StatusConnected
	identity := m.identity
	m.teardownLocked()
	m.attempts = 0
	m.backoff.Reset()
	if conn != nil {
		if connected && identity != nil {
			m.sendOfflineLocked(conn, *identity)
		}
		m.closeLocked(conn)
		m.dispatchLocked(domain.EventDisconnect, domain.DisconnectNotice{Reason: "client disconnect"})
		commonlog.Infof("event=realtime_connection action=disconnect status=ok")
	}
	if m.state.Status != StatusDisconnected {
		m.setStateLocked(State{Status: StatusDisconnected, MaxAttempts: m.maxAttempts})
	}
}

// Close disconnects and stops the dispatch goroutine. It must not be called
// from inside a handler.
func (m *Manager) Close() {
	m.Disconnect()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.events.close()
}

func (m *Manager) Emit(event string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state.Status == StatusConnected
	m.mu.Unlock()
	if conn == nil || !connected {
		return ErrNotConnected
	}
	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	if err := conn.WriteEnvelope(env); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (m *Manager) On(event string, fn Handler) *Subscription {
	return m.handlers.add(event, fn)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) SocketID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.socketID
}

// WatchState calls fn with the current state and then with every change, on
// the dispatch goroutine.
func (m *Manager) WatchState(fn func(State)) *Subscription {
	m.watchMu.Lock()
	m.watchSeq++
	id := m.watchSeq
	m.watchers[id] = fn
	m.watchMu.Unlock()

	current := m.State()
	m.events.push(func() { fn(current) })
	return NewSubscription(func() {
		m.watchMu.Lock()
		delete(m.watchers, id)
		m.watchMu.Unlock()
	})
}

func (m *Manager) startLocked() {
	if m.closed || m.inFlight || !m.identity.Complete() || m.dialer == nil {
		return
	}
	m.closeLocked(m.teardownLocked())
	m.inFlight = true
	gen := m.gen
	identity := *m.identity
	if m.attempts > 0 {
		m.setStateLocked(State{Status: StatusReconnecting, Attempt: m.attempts, MaxAttempts: m.maxAttempts})
	} else {
		m.setStateLocked(State{Status: StatusConnecting, MaxAttempts: m.maxAttempts})
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	commonlog.Debugf("event=realtime_connection action=dial status=started attempt=%d user_id=%s", m.attempts, identity.UserID)
	go m.dial(ctx, cancel, gen, identity)
}

// teardownLocked invalidates every goroutine bound to the current handle and
// returns the handle so the caller can close it.
func (m *Manager) teardownLocked() Conn {
	m.gen++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	conn := m.conn
	m.conn = nil
	m.socketID = ""
	m.inFlight = false
	return conn
}

func (m *Manager) closeLocked(conn Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		commonlog.Debugf("event=realtime_connection action=close status=failed error=%v", err)
	}
}

func (m *Manager) sendOfflineLocked(conn Conn, identity Identity) {
	env, err := domain.NewEnvelope(domain.EventUserActivity, domain.UserActivity{
		UserID:    identity.UserID,
		Status:    "offline",
		Timestamp: m.clock.Now(),
		UserInfo:  identity.UserInfo,
		Metadata:  map[string]any{"reason": "disconnect"},
	})
	if err != nil {
		return
	}
	if err := conn.WriteEnvelope(env); err != nil {
		commonlog.Debugf("event=realtime_presence action=offline status=failed error=%v", err)
	}
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, identity Identity) {
	var timedOut atomic.Bool
	timer := m.clock.AfterFunc(m.connectTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	conn, socketID, err := m.open(ctx, identity)
	timer.Stop()
	cancel()
	if err != nil && timedOut.Load() {
		err = fmt.Errorf("connect timeout after %s: %w", m.connectTimeout, err)
	}

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.closeLocked(conn)
		m.mu.Unlock()
		return
	}
	m.inFlight = false
	m.cancelDial = nil

	if err != nil {
		if IsAuthFailure(err) {
			m.authFailedLocked(err)
		} else {
			commonlog.Warnf("event=realtime_connection action=dial status=failed attempt=%d error=%v", m.attempts, err)
			m.dispatchLocked(domain.EventConnectError, domain.AuthError{Message: err.Error()})
			m.scheduleRetryLocked(err.Error())
		}
		m.mu.Unlock()
		return
	}

	recovered := m.attempts
	m.conn = conn
	m.socketID = socketID
	m.attempts = 0
	m.backoff.Reset()
	m.setStateLocked(State{Status: StatusConnected, MaxAttempts: m.maxAttempts})
	m.dispatchLocked(domain.EventConnect, domain.ConnectAck{SocketID: socketID})
	if recovered > 0 {
		m.dispatchLocked(domain.EventReconnect, recovered)
	}
	commonlog.Infof("event=realtime_connection action=connect status=ok socket_id=%s user_id=%s after_attempts=%d", socketID, identity.UserID, recovered)
	go m.readLoop(gen, conn)
	m.mu.Unlock()

	// The announcement is written without holding m.mu.
	if identity.IsAdmin() {
		env, err := domain.NewEnvelope(domain.EventAdminConnected, domain.AdminConnected{
			UserID:    identity.UserID,
			UserInfo:  identity.UserInfo,
			Timestamp: m.clock.Now(),
			SocketID:  socketID,
		})
		if err == nil {
			if err := conn.WriteEnvelope(env); err != nil {
				commonlog.Warnf("event=realtime_presence action=announce status=failed error=%v", err)
			}
		}
	}
}

func (m *Manager) open(ctx context.Context, identity Identity) (Conn, string, error) {
	conn, err := m.dialer.Dial(ctx, identity)
	if err != nil {
		return nil, "", err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	socketID, err := handshake(conn, identity)
	if !stop() && err == nil {
		err = context.Canceled
	}
	if err != nil {
		_ = conn.Close()
		return nil, "", err
	}
	return conn, socketID, nil
}

func handshake(conn Conn, identity Identity) (string, error) {
	env, err := domain.NewEnvelope(domain.EventAuth, domain.AuthHandshake{
		Token:    identity.Token,
		UserID:   identity.UserID,
		UserInfo: identity.UserInfo,
	})
	if err != nil {
		return "", err
	}
	if err := conn.WriteEnvelope(env); err != nil {
		return "", fmt.Errorf("send handshake: %w", err)
	}
	reply, err := conn.ReadEnvelope()
	if err != nil {
		return "", fmt.Errorf("await handshake: %w", err)
	}
	switch reply.Event {
	case domain.EventConnect:
		var ack domain.ConnectAck
		if err := reply.Decode(&ack); err != nil {
			return "", fmt.Errorf("decode connect ack: %w", err)
		}
		return ack.SocketID, nil
	case domain.EventAuthError:
		var rejected domain.AuthError
		_ = reply.Decode(&rejected)
		return "", fmt.Errorf("%w: %s", ErrAuthentication, rejected.Message)
	case domain.EventConnectError:
		var failed domain.AuthError
		_ = reply.Decode(&failed)
		return "", errors.New(failed.Message)
	}
	return "", fmt.Errorf("unexpected handshake reply %q", reply.Event)
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			m.dropped(gen, err.Error())
			return
		}
		switch env.Event {
		case domain.EventAuthError:
			var rejected domain.AuthError
			_ = env.Decode(&rejected)
			m.mu.Lock()
			if gen == m.gen && !m.closed {
				m.authFailedLocked(fmt.Errorf("%w: %s", ErrAuthentication, rejected.Message))
			}
			m.mu.Unlock()
			return
		case domain.EventDisconnect:
			var notice domain.DisconnectNotice
			_ = env.Decode(&notice)
			m.dropped(gen, "server disconnect: "+notice.Reason)
			return
		}
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.pushLocked(env)
		m.mu.Unlock()
	}
}

// dropped handles a retryable loss of an established handle.
func (m *Manager) dropped(gen uint64, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.closed {
		return
	}
	conn := m.conn
	m.conn = nil
	m.socketID = ""
	m.gen++
	m.closeLocked(conn)
	commonlog.Warnf("event=realtime_connection action=drop status=retrying reason=%q", reason)
	m.dispatchLocked(domain.EventDisconnect, domain.DisconnectNotice{Reason: reason})
	m.scheduleRetryLocked(reason)
}

func (m *Manager) scheduleRetryLocked(cause string) {
	if m.attempts >= m.maxAttempts {
		m.setStateLocked(State{Status: StatusFailed, Attempt: m.attempts, MaxAttempts: m.maxAttempts, Message: cause})
		m.dispatchLocked(domain.EventReconnectFailed, nil)
		commonlog.Errorf("event=realtime_connection action=reconnect status=exhausted attempts=%d", m.attempts)
		return
	}
	delay := m.backoff.NextBackOff()
	m.attempts++
	attempt := m.attempts
	gen := m.gen
	m.setStateLocked(State{
		Status:      StatusReconnecting,
		Attempt:     attempt,
		MaxAttempts: m.maxAttempts,
		RetryIn:     delay,
		Message:     cause,
	})
	m.dispatchLocked(domain.EventReconnectAttempt, attempt)
	m.retryTimer = m.clock.AfterFunc(delay, func() { m.retry(gen) })
	commonlog.Infof("event=realtime_connection action=reconnect status=scheduled attempt=%d delay_ms=%d", attempt, delay.Milliseconds())
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.closed {
		return
	}
	m.retryTimer = nil
	m.startLocked()
}

func (m *Manager) authFailedLocked(err error) {
	m.closeLocked(m.teardownLocked())
	m.attempts = 0
	m.backoff.Reset()
	m.setStateLocked(State{Status: StatusError, MaxAttempts: m.maxAttempts, Message: err.Error()})
	m.dispatchLocked(domain.EventAuthError, domain.AuthError{Message: err.Error()})
	commonlog.Warnf("event=realtime_connection action=auth status=rejected error=%v", err)
	if cb := m.onAuthFailure; cb != nil {
		m.events.push(func() { cb(err) })
	}
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	m.events.push(func() {
		m.watchMu.Lock()
		fns := make([]func(State), 0, len(m.watchers))
		for _, fn := range m.watchers {
			fns = append(fns, fn)
		}
		m.watchMu.Unlock()
		for _, fn := range fns {
			fn(s)
		}
	})
}

func (m *Manager) dispatchLocked(event string, payload any) {
	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		commonlog.Errorf("event=realtime_dispatch action=encode status=failed name=%s error=%v", event, err)
		return
	}
	m.pushLocked(env)
}

func (m *Manager) pushLocked(env domain.Envelope) {
	m.events.push(func() {
		for _, fn := range m.handlers.snapshot(env.Event) {
			fn(env)
		}
	})
}
