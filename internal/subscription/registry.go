// Package subscription keeps server-side group membership in line with the
// resource currently on screen.
package subscription

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sysu-ecnc-dev/reservation-sync/internal/connection"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/domain"
)

const defaultOpTimeout = 10 * time.Second

// Channel is the part of connection.Manager the registry drives.
type Channel interface {
	State() connection.State
	JoinGroup(ctx context.Context, ref domain.ResourceRef) error
	LeaveGroup(ctx context.Context, ref domain.ResourceRef) error
}

// Registry holds at most one membership. All operations are serialised, so
// a join and a leave for the same key are never in flight together.
type Registry struct {
	conn      Channel
	logger    *slog.Logger
	opTimeout time.Duration

	mu      sync.Mutex
	desired *domain.ResourceRef
	joined  *domain.Subscription
}

func NewRegistry(conn Channel, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conn:      conn,
		logger:    logger,
		opTimeout: defaultOpTimeout,
	}
}

// SetActiveResource switches membership to ref, or drops it when ref is nil.
// A leave is skipped when the channel is down; a join is deferred until the
// channel reports Connected.
func (r *Registry) SetActiveResource(ctx context.Context, ref *domain.ResourceRef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.joined != nil && (ref == nil || !r.joined.Resource.Equal(*ref)) {
		r.leave(ctx, *r.joined)
		r.joined = nil
	}

	if ref == nil {
		r.desired = nil
		return
	}
	desired := *ref
	r.desired = &desired

	if r.joined == nil && r.conn.State() == connection.Connected {
		r.join(ctx, desired)
	}
}

// OnConnectionState is registered with connection.Manager.OnStateChange.
func (r *Registry) OnConnectionState(s connection.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s != connection.Connected {
		// the server dropped every membership with the old session
		r.joined = nil
		return
	}
	if r.desired == nil || r.joined != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	r.join(ctx, *r.desired)
}

// Active reports the membership currently held, if any.
func (r *Registry) Active() (domain.Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.joined == nil {
		return domain.Subscription{}, false
	}
	return *r.joined, true
}

func (r *Registry) Desired() (domain.ResourceRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.desired == nil {
		return domain.ResourceRef{}, false
	}
	return *r.desired, true
}

func (r *Registry) join(ctx context.Context, ref domain.ResourceRef) {
	sub := domain.NewSubscription(ref)
	if err := r.conn.JoinGroup(ctx, ref); err != nil {
		r.logger.Error("failed to join calendar group", "group", sub.GroupKey, "error", err)
		return
	}
	r.joined = &sub
	r.logger.Info("joined calendar group", "group", sub.GroupKey)
}

func (r *Registry) leave(ctx context.Context, sub domain.Subscription) {
	if r.conn.State() != connection.Connected {
		r.logger.Debug("skipping leave while disconnected", "group", sub.GroupKey)
		return
	}
	if err := r.conn.LeaveGroup(ctx, sub.Resource); err != nil {
		r.logger.Error("failed to leave calendar group", "group", sub.GroupKey, "error", err)
		return
	}
	r.logger.Info("left calendar group", "group", sub.GroupKey)
}
