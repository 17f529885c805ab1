// Package pushtest provides an in-memory push transport for tests.
package pushtest

import (
	"context"
	"errors"
	"sync"

	"github.com/sysu-ecnc-dev/reservation-sync/internal/domain"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/push"
)

var ErrDialRefused = errors.New("pushtest: dial refused")

type OpKind string

const (
	OpJoin  OpKind = "join"
	OpLeave OpKind = "leave"
)

type Op struct {
	Kind     OpKind
	GroupKey string
}

// Dialer hands out Sessions and records every attempt. Failures queued with
// FailNext are consumed one per Dial before any session is created.
type Dialer struct {
	mu       sync.Mutex
	failures []error
	tokens   []string
	sessions []*Session
	joinErr  error
	leaveErr error
}

func NewDialer() *Dialer {
	return &Dialer{}
}

func (d *Dialer) FailNext(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		err = ErrDialRefused
	}
	for i := 0; i < n; i++ {
		d.failures = append(d.failures, err)
	}
}

// FailGroupOps makes future sessions return the given errors from
// JoinGroup and LeaveGroup.
func (d *Dialer) FailGroupOps(joinErr, leaveErr error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.joinErr = joinErr
	d.leaveErr = leaveErr
}

func (d *Dialer) Dial(ctx context.Context, token string) (push.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.tokens = append(d.tokens, token)
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, err
	}

	s := NewSession()
	s.joinErr = d.joinErr
	s.leaveErr = d.leaveErr
	d.sessions = append(d.sessions, s)
	return s, nil
}

// Attempts counts every Dial call, failed or not.
func (d *Dialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *Dialer) Tokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

func (d *Dialer) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Session(nil), d.sessions...)
}

// Last returns the most recent session, or nil.
func (d *Dialer) Last() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

type Session struct {
	mu       sync.Mutex
	ops      []Op
	groups   map[string]bool
	joinErr  error
	leaveErr error

	events chan domain.AvailabilityChangeEvent
	done   chan struct{}
	once   sync.Once
	err    error
}

func NewSession() *Session {
	return &Session{
		groups: make(map[string]bool),
		events: make(chan domain.AvailabilityChangeEvent, 64),
		done:   make(chan struct{}),
	}
}

func (s *Session) JoinGroup(ctx context.Context, ref domain.ResourceRef) error {
	return s.record(ctx, OpJoin, ref)
}

func (s *Session) LeaveGroup(ctx context.Context, ref domain.ResourceRef) error {
	return s.record(ctx, OpLeave, ref)
}

func (s *Session) record(ctx context.Context, kind OpKind, ref domain.ResourceRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return push.ErrSessionClosed
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := ref.GroupKey()
	s.ops = append(s.ops, Op{Kind: kind, GroupKey: key})
	if kind == OpJoin {
		if s.joinErr != nil {
			return s.joinErr
		}
		s.groups[key] = true
		return nil
	}
	if s.leaveErr != nil {
		return s.leaveErr
	}
	delete(s.groups, key)
	return nil
}

// Emit delivers ev only if the session is a member of ev's group, mirroring
// server-side fan-out. Whole-system events reach every session.
func (s *Session) Emit(ev domain.AvailabilityChangeEvent) bool {
	s.mu.Lock()
	member := ev.Resource.IsWholeSystem() || s.groups[ev.Resource.GroupKey()]
	s.mu.Unlock()
	if !member {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Drop simulates the server or network ending the session.
func (s *Session) Drop(err error) {
	if err == nil {
		err = push.ErrSessionClosed
	}
	s.finish(err)
}

func (s *Session) Ops() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Op(nil), s.ops...)
}

func (s *Session) Groups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.groups))
	for k := range s.groups {
		out = append(out, k)
	}
	return out
}

func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *Session) Events() <-chan domain.AvailabilityChangeEvent { return s.events }

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Session) Close() error {
	s.finish(push.ErrSessionClosed)
	return nil
}
