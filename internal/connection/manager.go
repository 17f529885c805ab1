// Package connection owns the push-channel session: it dials with a fresh
// token, reconnects on a fixed backoff schedule forever, and tells listeners
// about every state change and every delivered event.
package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/auth"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/domain"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/metrics"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/push"
)

var (
	ErrNotConnected   = errors.New("push channel not connected")
	ErrAlreadyStarted = errors.New("connection manager already started")
)

var DefaultBackoff = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

type Options struct {
	Clock   clockwork.Clock
	Backoff []time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type stateListener struct {
	id int
	fn func(State)
}

type eventListener struct {
	id int
	fn func(domain.AvailabilityChangeEvent)
}

type Manager struct {
	dialer  push.Dialer
	creds   auth.CredentialProvider
	clock   clockwork.Clock
	backoff []time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu             sync.Mutex
	state          State
	session        push.Session
	stateListeners []stateListener
	eventListeners []eventListener
	nextID         int
	cancel         context.CancelFunc
	done           chan struct{}
}

func NewManager(dialer push.Dialer, creds auth.CredentialProvider, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		dialer:  dialer,
		creds:   creds,
		clock:   opts.Clock,
		backoff: opts.Backoff,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		state:   Disconnected,
	}
}

// Start launches the connect loop. It returns immediately; progress is
// observable through State and OnStateChange.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx, m.done)

	return nil
}

// Stop ends the loop, closes any open session and waits for the state to
// settle on Disconnected. The manager can be started again afterwards.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers fn for every transition. fn runs on the connect
// loop's goroutine and must not block for long. The returned func removes it.
func (m *Manager) OnStateChange(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.stateListeners = append(m.stateListeners, stateListener{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.stateListeners {
			if l.id == id {
				m.stateListeners = append(m.stateListeners[:i:i], m.stateListeners[i+1:]...)
				return
			}
		}
	}
}

// Subscribe registers fn for every AvailabilityChanged notification.
func (m *Manager) Subscribe(fn func(domain.AvailabilityChangeEvent)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.eventListeners = append(m.eventListeners, eventListener{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.eventListeners {
			if l.id == id {
				m.eventListeners = append(m.eventListeners[:i:i], m.eventListeners[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) JoinGroup(ctx context.Context, ref domain.ResourceRef) error {
	session, err := m.connectedSession()
	if err != nil {
		return err
	}
	err = session.JoinGroup(ctx, ref)
	m.metrics.RecordGroupOperation("join", err)
	return err
}

func (m *Manager) LeaveGroup(ctx context.Context, ref domain.ResourceRef) error {
	session, err := m.connectedSession()
	if err != nil {
		return err
	}
	err = session.LeaveGroup(ctx, ref)
	m.metrics.RecordGroupOperation("leave", err)
	return err
}

func (m *Manager) connectedSession() (push.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected || m.session == nil {
		return nil, ErrNotConnected
	}
	return m.session, nil
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer m.setState(Disconnected)

	everConnected := false
	retry := 0
	first := true

	for {
		if !first {
			delay := m.backoff[min(retry, len(m.backoff)-1)]
			retry++
			m.metrics.RecordReconnectAttempt()
			if !m.sleep(ctx, delay) {
				return
			}
		}
		first = false

		if everConnected {
			m.setState(Reconnecting)
		} else {
			m.setState(Connecting)
		}

		session, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("push connection attempt failed", "retry", retry, "error", err)
			if !everConnected {
				m.setState(Disconnected)
			}
			continue
		}

		everConnected = true
		retry = 0
		m.logger.Info("push channel connected")

		m.mu.Lock()
		m.session = session
		m.mu.Unlock()
		m.setState(Connected)

		m.pump(ctx, session)

		m.mu.Lock()
		m.session = nil
		m.mu.Unlock()
		_ = session.Close()

		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("push connection lost", "error", session.Err())
		m.setState(Reconnecting)
	}
}

func (m *Manager) connect(ctx context.Context) (push.Session, error) {
	token, err := auth.Fresh(ctx, m.creds, m.clock.Now)
	if err != nil {
		return nil, err
	}
	return m.dialer.Dial(ctx, token)
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-m.clock.After(d):
		return true
	}
}

func (m *Manager) pump(ctx context.Context, session push.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Done():
			return
		case ev := <-session.Events():
			m.mu.Lock()
			listeners := append([]eventListener(nil), m.eventListeners...)
			m.mu.Unlock()
			for _, l := range listeners {
				l.fn(ev)
			}
		}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	listeners := append([]stateListener(nil), m.stateListeners...)
	m.mu.Unlock()

	m.metrics.SetConnectionState(s.String(), stateNames())
	m.logger.Debug("push channel state changed", "state", s)

	for _, l := range listeners {
		l.fn(s)
	}
}
