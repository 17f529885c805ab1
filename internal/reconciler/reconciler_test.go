package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/availability"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/domain"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/metrics"
)

var (
	june1 = domain.NewDate(2024, time.June, 1)
	june2 = domain.NewDate(2024, time.June, 2)
)

type fakeRefresher struct {
	mu       sync.Mutex
	selected *domain.Date
	hours    int
	months   int
	hoursErr error
	monthErr error
	// when set, each refresh waits for the other one to start
	barrier *sync.WaitGroup
}

func (f *fakeRefresher) SelectedDate() (domain.Date, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.selected == nil {
		return domain.Date{}, false
	}
	return *f.selected, true
}

func (f *fakeRefresher) RefreshHours(ctx context.Context) error {
	if f.barrier != nil {
		f.barrier.Done()
		f.barrier.Wait()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hours++
	return f.hoursErr
}

func (f *fakeRefresher) RefreshMonth(ctx context.Context) error {
	if f.barrier != nil {
		f.barrier.Done()
		f.barrier.Wait()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.months++
	return f.monthErr
}

func (f *fakeRefresher) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hours, f.months
}

type harness struct {
	clock     *clockwork.FakeClock
	refresher *fakeRefresher
	metrics   *metrics.Metrics
	rec       *Reconciler
	errs      chan error
}

func newHarness(t *testing.T, resource domain.ResourceRef, selected *domain.Date) *harness {
	t.Helper()
	h := &harness{
		clock:     clockwork.NewFakeClockAt(time.Date(2024, time.May, 31, 12, 0, 0, 0, time.UTC)),
		refresher: &fakeRefresher{selected: selected},
		metrics:   metrics.New(metrics.DefaultConfig()),
		errs:      make(chan error, 8),
	}
	h.rec = New(resource, h.refresher, Options{
		Clock:   h.clock,
		Metrics: h.metrics,
		OnError: func(err error) { h.errs <- err },
	})
	t.Cleanup(h.rec.Close)
	return h
}

func (h *harness) outcome(name string) float64 {
	return testutil.ToFloat64(h.metrics.Events.WithLabelValues(name))
}

func event(ref domain.ResourceRef, date domain.Date, status domain.Status, ts int64) domain.AvailabilityChangeEvent {
	return domain.AvailabilityChangeEvent{Resource: ref, ChangedDate: date, NewStatus: status, Timestamp: ts}
}

func TestReconciler_OnlyLastEventInWindowIsAccepted(t *testing.T) {
	h := newHarness(t, domain.Room(5), &june1)

	h.rec.Handle(event(domain.Room(5), june1, domain.StatusPending, 1000))
	h.clock.Advance(400 * time.Millisecond)
	h.rec.Handle(event(domain.Room(5), june1, domain.StatusApproved, 1400))

	h.clock.Advance(499 * time.Millisecond)
	assert.Never(t, func() bool { _, ok := h.rec.LastAccepted(); return ok }, 30*time.Millisecond, 5*time.Millisecond)

	h.clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool {
		hours, months := h.refresher.counts()
		return hours == 1 && months == 1
	}, time.Second, time.Millisecond)

	last, ok := h.rec.LastAccepted()
	require.True(t, ok)
	assert.Equal(t, domain.StatusApproved, last.NewStatus)
	assert.Equal(t, uint64(2), h.rec.Sequence())
	assert.Equal(t, 1.0, h.outcome(metrics.OutcomeAccepted))
	assert.Equal(t, 2.0, h.outcome(metrics.OutcomeReceived))
}

func TestReconciler_DropsDuplicatesWithinWindow(t *testing.T) {
	h := newHarness(t, domain.Room(5), nil)

	h.rec.Handle(event(domain.Room(5), june1, domain.StatusApproved, 10_000))
	h.clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { _, months := h.refresher.counts(); return months == 1 }, time.Second, time.Millisecond)

	h.rec.Handle(event(domain.Room(5), june1, domain.StatusApproved, 11_999))
	h.clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { return h.outcome(metrics.OutcomeDuplicate) == 1 }, time.Second, time.Millisecond)

	// same change but 2000ms apart is a new event
	h.rec.Handle(event(domain.Room(5), june1, domain.StatusApproved, 12_000))
	h.clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { _, months := h.refresher.counts(); return months == 2 }, time.Second, time.Millisecond)
}

func TestReconciler_DifferentStatusIsNotDuplicate(t *testing.T) {
	h := newHarness(t, domain.Room(5), nil)

	h.rec.Handle(event(domain.Room(5), june1, domain.StatusPending, 10_000))
	h.clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { _, months := h.refresher.counts(); return months == 1 }, time.Second, time.Millisecond)

	h.rec.Handle(event(domain.Room(5), june1, domain.StatusCancelled, 10_100))
	h.clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { _, months := h.refresher.counts(); return months == 2 }, time.Second, time.Millisecond)
}

func TestReconciler_IgnoresOtherResources(t *testing.T) {
	h := newHarness(t, domain.Room(5), &june1)

	h.rec.Handle(event(domain.Room(5), june2, domain.StatusApproved, 1000))
	h.clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { _, ok := h.rec.LastAccepted(); return ok }, time.Second, time.Millisecond)
	before, _ := h.rec.LastAccepted()

	h.rec.Handle(event(domain.Room(6), june1, domain.StatusApproved, 5000))
	h.clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { return h.outcome(metrics.OutcomeIrrelevant) == 1 }, time.Second, time.Millisecond)

	after, _ := h.rec.LastAccepted()
	assert.Equal(t, before, after)
	hours, months := h.refresher.counts()
	assert.Equal(t, 0, hours)
	assert.Equal(t, 1, months)
}

func TestReconciler_StationEventMatchesStation(t *testing.T) {
	h := newHarness(t, domain.Station(3), &june1)

	h.rec.Handle(event(domain.Station(3), june1, domain.StatusRejected, 1000))
	h.clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool {
		hours, months := h.refresher.counts()
		return hours == 1 && months == 1
	}, time.Second, time.Millisecond)
}

func TestReconciler_HourRefreshOnlyForSelectedDate(t *testing.T) {
	h := newHarness(t, domain.Room(5), &june2)

	h.rec.Handle(event(domain.Room(5), june1, domain.StatusUnknown, 1000))
	h.clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { return h.outcome(metrics.OutcomeAccepted) == 1 }, time.Second, time.Millisecond)

	hours, months := h.refresher.counts()
	assert.Zero(t, hours)
	assert.Zero(t, months)
}

func TestReconciler_RefreshesRunConcurrently(t *testing.T) {
	h := newHarness(t, domain.Room(5), &june1)
	var barrier sync.WaitGroup
	barrier.Add(2)
	h.refresher.barrier = &barrier

	h.rec.Handle(event(domain.Room(5), june1, domain.StatusApproved, 1000))
	h.clock.Advance(500 * time.Millisecond)

	// sequential refreshes would deadlock on the barrier
	require.Eventually(t, func() bool {
		hours, months := h.refresher.counts()
		return hours == 1 && months == 1
	}, time.Second, time.Millisecond)
}

func TestReconciler_UpdatedWindow(t *testing.T) {
	h := newHarness(t, domain.Room(5), nil)
	assert.False(t, h.rec.Updated())

	h.rec.Handle(event(domain.Room(5), june1, domain.StatusApproved, 1000))
	h.clock.Advance(500 * time.Millisecond)
	require.Eventually(t, h.rec.Updated, time.Second, time.Millisecond)

	h.clock.Advance(2999 * time.Millisecond)
	assert.True(t, h.rec.Updated())
	h.clock.Advance(time.Millisecond)
	assert.False(t, h.rec.Updated())
}

func TestReconciler_FailedRefreshIsReported(t *testing.T) {
	h := newHarness(t, domain.Room(5), &june1)
	boom := errors.New("backend down")
	h.refresher.hoursErr = boom

	h.rec.Handle(event(domain.Room(5), june1, domain.StatusApproved, 1000))
	h.clock.Advance(500 * time.Millisecond)

	select {
	case err := <-h.errs:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("refresh error not reported")
	}
	assert.False(t, h.rec.Updated())
	_, ok := h.rec.LastAccepted()
	assert.True(t, ok)

	// the next event is still processed
	h.refresher.mu.Lock()
	h.refresher.hoursErr = nil
	h.refresher.mu.Unlock()
	h.rec.Handle(event(domain.Room(5), june1, domain.StatusCancelled, 9000))
	h.clock.Advance(500 * time.Millisecond)
	require.Eventually(t, h.rec.Updated, time.Second, time.Millisecond)
}

func TestReconciler_SupersededFetchIsNotAnError(t *testing.T) {
	h := newHarness(t, domain.Room(5), &june1)
	h.refresher.hoursErr = availability.ErrSuperseded

	h.rec.Handle(event(domain.Room(5), june1, domain.StatusApproved, 1000))
	h.clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { hours, _ := h.refresher.counts(); return hours == 1 }, time.Second, time.Millisecond)

	assert.Never(t, func() bool { return len(h.errs) > 0 }, 30*time.Millisecond, 5*time.Millisecond)
}

func TestReconciler_NotUpdatedWhenEveryRefreshWasDropped(t *testing.T) {
	h := newHarness(t, domain.Room(5), &june1)
	h.refresher.hoursErr = availability.ErrSuperseded
	h.refresher.monthErr = availability.ErrNoSelection

	h.rec.Handle(event(domain.Room(5), june1, domain.StatusApproved, 1000))
	h.clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool {
		hours, months := h.refresher.counts()
		return hours == 1 && months == 1
	}, time.Second, time.Millisecond)

	assert.Never(t, h.rec.Updated, 30*time.Millisecond, 5*time.Millisecond)
	assert.Empty(t, h.errs)
}

func TestReconciler_CloseCancelsPendingEvent(t *testing.T) {
	h := newHarness(t, domain.Room(5), &june1)

	h.rec.Handle(event(domain.Room(5), june1, domain.StatusApproved, 1000))
	h.rec.Close()
	h.clock.Advance(time.Second)

	assert.Never(t, func() bool {
		hours, months := h.refresher.counts()
		return hours+months > 0
	}, 30*time.Millisecond, 5*time.Millisecond)

	h.rec.Handle(event(domain.Room(5), june1, domain.StatusApproved, 2000))
	assert.Equal(t, uint64(1), h.rec.Sequence())
}
