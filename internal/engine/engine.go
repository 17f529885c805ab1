// Package engine wires the sync components together around one viewed
// resource at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/availability"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/connection"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/domain"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/heartbeat"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/metrics"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/reconciler"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/slots"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/subscription"
)

var (
	ErrNoResource      = errors.New("no resource open")
	ErrDateNotSelected = errors.New("reservation date is not the selected date")
)

type Reservations interface {
	CreateReservation(ctx context.Context, res domain.Reservation) (int64, error)
}

type Options struct {
	Clock             clockwork.Clock
	Debounce          time.Duration
	DuplicateWindow   time.Duration
	UpdatedWindow     time.Duration
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
}

type Snapshot struct {
	Connection   string                          `json:"connection"`
	Subscription *domain.Subscription            `json:"subscription"`
	Updated      bool                            `json:"updated"`
	Availability availability.Snapshot           `json:"availability"`
	LastEvent    *domain.AvailabilityChangeEvent `json:"lastEvent"`
}

type Engine struct {
	conn         *connection.Manager
	registry     *subscription.Registry
	store        *availability.Store
	heartbeat    *heartbeat.Monitor
	reservations Reservations
	opts         Options
	errs         chan error

	// current is read on the event path without taking mu.
	current atomic.Pointer[reconciler.Reconciler]

	mu       sync.Mutex
	resource *domain.ResourceRef
	detach   []func()
}

func New(conn *connection.Manager, fetcher availability.Fetcher, reservations Reservations, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	e := &Engine{
		conn:         conn,
		registry:     subscription.NewRegistry(conn, opts.Logger),
		store:        availability.NewStore(fetcher, opts.Logger),
		reservations: reservations,
		opts:         opts,
		errs:         make(chan error, 16),
	}
	e.heartbeat = heartbeat.New(conn, e.dispatch, heartbeat.Options{
		Clock:    opts.Clock,
		Interval: opts.HeartbeatInterval,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	})

	e.detach = append(e.detach,
		conn.OnStateChange(e.registry.OnConnectionState),
		conn.Subscribe(e.dispatch),
	)

	return e
}

// Start opens the push channel. Resources can be opened before it connects;
// the group join then happens on connect.
func (e *Engine) Start(ctx context.Context) error {
	return e.conn.Start(ctx)
}

// Stop closes the current view and the push channel.
func (e *Engine) Stop() {
	e.CloseView(context.Background())
	e.conn.Stop()

	e.mu.Lock()
	detach := e.detach
	e.detach = nil
	e.mu.Unlock()
	for _, fn := range detach {
		fn()
	}
}

// Errors carries refresh failures meant for the user. Sends never block;
// when nobody reads, errors are dropped after being logged.
func (e *Engine) Errors() <-chan error {
	return e.errs
}

func (e *Engine) report(err error) {
	select {
	case e.errs <- err:
	default:
		e.opts.Logger.Warn("error channel full, dropping error", "error", err)
	}
}

func (e *Engine) dispatch(ev domain.AvailabilityChangeEvent) {
	if rec := e.current.Load(); rec != nil {
		rec.Handle(ev)
	}
}

// Open switches the view to ref. Everything tied to the previous resource is
// torn down before the new reconciler can see an event, then the current
// month is loaded.
func (e *Engine) Open(ctx context.Context, ref domain.ResourceRef) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	e.teardownLocked()

	e.store.Bind(ref)
	rec := reconciler.New(ref, e.store, reconciler.Options{
		Clock:           e.opts.Clock,
		Debounce:        e.opts.Debounce,
		DuplicateWindow: e.opts.DuplicateWindow,
		UpdatedWindow:   e.opts.UpdatedWindow,
		Logger:          e.opts.Logger.With("resource", ref.String()),
		Metrics:         e.opts.Metrics,
		OnError:         e.report,
	})
	e.current.Store(rec)
	e.resource = &ref

	e.registry.SetActiveResource(ctx, &ref)
	e.heartbeat.Start(ref, e.store.SelectedDate)
	e.mu.Unlock()

	e.opts.Logger.Info("opened resource", "resource", ref)

	now := e.opts.Clock.Now()
	if _, err := e.store.LoadMonth(ctx, ref, now.Year(), now.Month()); err != nil && !errors.Is(err, availability.ErrSuperseded) {
		return err
	}
	return nil
}

// CloseView leaves the resource's group and drops everything loaded for it.
func (e *Engine) CloseView(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.resource == nil {
		return
	}
	e.teardownLocked()
	e.registry.SetActiveResource(ctx, nil)
	e.store.Reset()
	e.resource = nil
}

func (e *Engine) teardownLocked() {
	e.heartbeat.Stop()
	if rec := e.current.Swap(nil); rec != nil {
		rec.Close()
	}
}

func (e *Engine) Resource() (domain.ResourceRef, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resource == nil {
		return domain.ResourceRef{}, false
	}
	return *e.resource, true
}

func (e *Engine) SelectMonth(ctx context.Context, year int, month time.Month) ([]domain.DayAvailability, error) {
	ref, ok := e.Resource()
	if !ok {
		return nil, ErrNoResource
	}
	return e.store.LoadMonth(ctx, ref, year, month)
}

// SelectDate loads the hour grid for date, also when it is already selected.
func (e *Engine) SelectDate(ctx context.Context, date domain.Date) ([]domain.HourSlot, error) {
	ref, ok := e.Resource()
	if !ok {
		return nil, ErrNoResource
	}
	return e.store.LoadDay(ctx, ref, date)
}

func (e *Engine) Hours() []domain.HourSlot {
	return e.store.Hours()
}

func (e *Engine) StartHours() []int {
	return slots.StartHours(e.store.Hours())
}

func (e *Engine) EndHours(start int) []int {
	return slots.AvailableEndHours(start, e.store.Hours())
}

// Submit re-validates the range against the hours as they are now, not as
// they were when the user picked them, and only then writes it.
func (e *Engine) Submit(ctx context.Context, date domain.Date, rng domain.SelectedRange) (int64, error) {
	ref, ok := e.Resource()
	if !ok {
		return 0, ErrNoResource
	}
	selected, ok := e.store.SelectedDate()
	if !ok || selected != date {
		return 0, ErrDateNotSelected
	}
	if err := slots.ValidateRange(rng.StartHour, rng.EndHour, e.store.Hours()); err != nil {
		return 0, err
	}

	id, err := e.reservations.CreateReservation(ctx, domain.Reservation{Resource: ref, Date: date, Range: rng})
	if err != nil {
		return 0, fmt.Errorf("create reservation: %w", err)
	}
	e.opts.Logger.Info("reservation created", "id", id, "resource", ref, "date", date, "range", rng.String())

	// our own write changes the grid; do not wait for the push echo
	if err := e.store.RefreshHours(ctx); err != nil && !errors.Is(err, availability.ErrSuperseded) {
		e.report(err)
	}
	return id, nil
}

func (e *Engine) ConnectionState() connection.State {
	return e.conn.State()
}

func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{
		Connection:   e.conn.State().String(),
		Availability: e.store.Snapshot(),
	}
	if sub, ok := e.registry.Active(); ok {
		snap.Subscription = &sub
	}
	if rec := e.current.Load(); rec != nil {
		snap.Updated = rec.Updated()
		if ev, ok := rec.LastAccepted(); ok {
			snap.LastEvent = &ev
		}
	}
	return snap
}
