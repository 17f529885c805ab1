// Package reconciler turns the noisy stream of availability notifications
// into a few refresh calls: it debounces, drops duplicates and drops events
// for other resources.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/availability"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/domain"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	ScopeHours = "hours"
	ScopeDays  = "days"
)

// Refresher is what an accepted event refreshes; availability.Store
// satisfies it.
type Refresher interface {
	SelectedDate() (domain.Date, bool)
	RefreshHours(ctx context.Context) error
	RefreshMonth(ctx context.Context) error
}

type Options struct {
	Clock           clockwork.Clock
	Debounce        time.Duration
	DuplicateWindow time.Duration
	UpdatedWindow   time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
	// OnError receives refresh failures. It must not block.
	OnError func(error)
}

func (o *Options) setDefaults() {
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Debounce <= 0 {
		o.Debounce = 500 * time.Millisecond
	}
	if o.DuplicateWindow <= 0 {
		o.DuplicateWindow = 2 * time.Second
	}
	if o.UpdatedWindow <= 0 {
		o.UpdatedWindow = 3 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.OnError == nil {
		o.OnError = func(error) {}
	}
}

// Reconciler is bound to one resource for its whole life. Switching resources
// means closing it and creating a new one, which is what resets the sequence
// and the last accepted event.
type Reconciler struct {
	resource  domain.ResourceRef
	refresher Refresher
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	sequence    uint64
	last        *domain.AvailabilityChangeEvent
	timer       clockwork.Timer
	closed      bool
	refreshedAt time.Time
}

func New(resource domain.ResourceRef, refresher Refresher, opts Options) *Reconciler {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		resource:  resource,
		refresher: refresher,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (r *Reconciler) Resource() domain.ResourceRef {
	return r.resource
}

// Handle takes one raw event. The sequence number is taken before the
// debounce delay so that a newer arrival always invalidates an older one.
func (r *Reconciler) Handle(ev domain.AvailabilityChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.opts.Metrics.RecordEvent(metrics.OutcomeReceived)

	r.sequence++
	ticket := r.sequence

	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = r.opts.Clock.AfterFunc(r.opts.Debounce, func() {
		r.fire(ev, ticket)
	})
}

func (r *Reconciler) fire(ev domain.AvailabilityChangeEvent, ticket uint64) {
	r.mu.Lock()
	if r.closed || ticket != r.sequence {
		r.mu.Unlock()
		r.opts.Metrics.RecordEvent(metrics.OutcomeSuperseded)
		return
	}

	if r.last != nil && ev.SameChange(*r.last) && absDiff(ev.Timestamp, r.last.Timestamp) < r.opts.DuplicateWindow.Milliseconds() {
		r.mu.Unlock()
		r.opts.Metrics.RecordEvent(metrics.OutcomeDuplicate)
		r.opts.Logger.Debug("dropping duplicate availability event", "resource", ev.Resource, "date", ev.ChangedDate, "status", ev.NewStatus)
		return
	}

	if !ev.Resource.Matches(r.resource) {
		r.mu.Unlock()
		r.opts.Metrics.RecordEvent(metrics.OutcomeIrrelevant)
		return
	}

	accepted := ev
	r.last = &accepted
	r.mu.Unlock()
	r.opts.Metrics.RecordEvent(metrics.OutcomeAccepted)

	selected, ok := r.refresher.SelectedDate()
	refreshHours := ok && selected == ev.ChangedDate
	refreshDays := ev.NewStatus.AffectsDayAvailability()

	r.opts.Logger.Info("availability changed",
		"resource", ev.Resource,
		"date", ev.ChangedDate,
		"status", ev.NewStatus,
		"refreshHours", refreshHours,
		"refreshDays", refreshDays,
	)

	if !refreshHours && !refreshDays {
		return
	}
	r.refresh(refreshHours, refreshDays)
}

// refresh runs the warranted refreshes concurrently. Failures go to OnError
// and leave the reconciliation state as it is.
func (r *Reconciler) refresh(hours, days bool) {
	var g errgroup.Group
	var mu sync.Mutex
	var failed []error
	succeeded := 0

	run := func(scope string, fn func(context.Context) error) {
		g.Go(func() error {
			err := fn(r.ctx)
			if err != nil && isBenign(err) {
				return nil
			}
			r.opts.Metrics.RecordRefresh(scope, err)
			mu.Lock()
			if err != nil {
				failed = append(failed, err)
			} else {
				succeeded++
			}
			mu.Unlock()
			return nil
		})
	}
	if hours {
		run(ScopeHours, r.refresher.RefreshHours)
	}
	if days {
		run(ScopeDays, r.refresher.RefreshMonth)
	}
	_ = g.Wait()

	if len(failed) > 0 {
		for _, err := range failed {
			r.opts.Logger.Error("availability refresh failed", "resource", r.resource, "error", err)
			r.opts.OnError(err)
		}
		return
	}
	if succeeded == 0 {
		return
	}

	r.mu.Lock()
	if !r.closed {
		r.refreshedAt = r.opts.Clock.Now()
	}
	r.mu.Unlock()
}

// isBenign filters out results that only mean "somebody newer took over".
func isBenign(err error) bool {
	return errors.Is(err, availability.ErrSuperseded) ||
		errors.Is(err, availability.ErrNoSelection) ||
		errors.Is(err, context.Canceled)
}

// Updated is true for UpdatedWindow after the last successful refresh.
func (r *Reconciler) Updated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.refreshedAt.IsZero() && r.opts.Clock.Since(r.refreshedAt) < r.opts.UpdatedWindow
}

func (r *Reconciler) LastAccepted() (domain.AvailabilityChangeEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return domain.AvailabilityChangeEvent{}, false
	}
	return *r.last, true
}

func (r *Reconciler) Sequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sequence
}

// Close cancels the pending debounce timer and any refresh in flight.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
	}
	r.cancel()
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
