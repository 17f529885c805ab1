package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/auth"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/connection"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/domain"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/metrics"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/push/pushtest"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/slots"
)

var (
	now   = time.Date(2024, time.June, 1, 8, 0, 0, 0, time.UTC)
	june1 = domain.NewDate(2024, time.June, 1)
)

type fakeBackend struct {
	mu        sync.Mutex
	hours     []domain.HourSlot
	dayCalls  int
	hourCalls int
	created   []domain.Reservation
}

func (b *fakeBackend) AvailableDays(ctx context.Context, ref domain.ResourceRef, year int, month time.Month) ([]domain.DayAvailability, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dayCalls++
	return []domain.DayAvailability{{Date: june1, HasAvailableHours: true}}, nil
}

func (b *fakeBackend) AvailableHours(ctx context.Context, ref domain.ResourceRef, date domain.Date) ([]domain.HourSlot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hourCalls++
	return append([]domain.HourSlot(nil), b.hours...), nil
}

func (b *fakeBackend) CreateReservation(ctx context.Context, res domain.Reservation) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created = append(b.created, res)
	return int64(len(b.created)), nil
}

func (b *fakeBackend) calls() (days, hours int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dayCalls, b.hourCalls
}

type fixture struct {
	engine  *Engine
	clock   *clockwork.FakeClock
	dialer  *pushtest.Dialer
	backend *fakeBackend
	conn    *connection.Manager
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:   clockwork.NewFakeClockAt(now),
		dialer:  pushtest.NewDialer(),
		backend: &fakeBackend{hours: []domain.HourSlot{{Hour: 9, Available: true}, {Hour: 10, Available: true}, {Hour: 11, Available: false}, {Hour: 12, Available: true}}},
		metrics: metrics.New(metrics.DefaultConfig()),
	}
	f.conn = connection.NewManager(f.dialer, auth.StaticToken("token"), connection.Options{
		Clock:   f.clock,
		Metrics: f.metrics,
	})
	f.engine = New(f.conn, f.backend, f.backend, Options{
		Clock:             f.clock,
		Debounce:          500 * time.Millisecond,
		DuplicateWindow:   2 * time.Second,
		UpdatedWindow:     3 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		Metrics:           f.metrics,
	})
	t.Cleanup(f.engine.Stop)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.Start(context.Background()))
	require.Eventually(t, func() bool { return f.conn.State() == connection.Connected }, time.Second, time.Millisecond)
}

func TestEngine_OpenJoinsAndLoadsCurrentMonth(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	require.NoError(t, f.engine.Open(context.Background(), domain.Room(5)))

	assert.Equal(t, []pushtest.Op{{Kind: pushtest.OpJoin, GroupKey: "Calendar_Sala_5"}}, f.dialer.Last().Ops())
	days, _ := f.backend.calls()
	assert.Equal(t, 1, days)

	snap := f.engine.Snapshot()
	assert.Equal(t, "connected", snap.Connection)
	require.NotNil(t, snap.Subscription)
	assert.Equal(t, "Calendar_Sala_5", snap.Subscription.GroupKey)
	require.NotNil(t, snap.Availability.Month)
	assert.Equal(t, time.June, snap.Availability.Month.Month)
	assert.Len(t, snap.Availability.Days, 1)
}

func TestEngine_OpenBeforeConnectJoinsOnConnect(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.engine.Open(context.Background(), domain.Station(3)))
	f.start(t)

	require.Eventually(t, func() bool {
		s := f.dialer.Last()
		return s != nil && len(s.Ops()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"Calendar_Stanowisko_3"}, f.dialer.Last().Groups())
}

func TestEngine_PushEventRefreshesStore(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	require.NoError(t, f.engine.Open(context.Background(), domain.Room(5)))
	_, err := f.engine.SelectDate(context.Background(), june1)
	require.NoError(t, err)

	require.True(t, f.dialer.Last().Emit(domain.AvailabilityChangeEvent{
		Resource:    domain.Room(5),
		ChangedDate: june1,
		NewStatus:   domain.StatusApproved,
		Timestamp:   now.UnixMilli(),
	}))
	require.Eventually(t, func() bool { return f.engine.current.Load().Sequence() == 1 }, time.Second, time.Millisecond)

	f.clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool {
		days, hours := f.backend.calls()
		return days == 2 && hours == 2
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return f.engine.Snapshot().Updated }, time.Second, time.Millisecond)
	assert.NotNil(t, f.engine.Snapshot().LastEvent)
}

func TestEngine_SwitchingResourceLeavesThenJoins(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	require.NoError(t, f.engine.Open(context.Background(), domain.Room(5)))
	require.NoError(t, f.engine.Open(context.Background(), domain.Station(3)))

	assert.Equal(t, []pushtest.Op{
		{Kind: pushtest.OpJoin, GroupKey: "Calendar_Sala_5"},
		{Kind: pushtest.OpLeave, GroupKey: "Calendar_Sala_5"},
		{Kind: pushtest.OpJoin, GroupKey: "Calendar_Stanowisko_3"},
	}, f.dialer.Last().Ops())

	// fresh reconciliation state for the new resource
	assert.Zero(t, f.engine.current.Load().Sequence())
	ref, ok := f.engine.Resource()
	require.True(t, ok)
	assert.True(t, ref.Equal(domain.Station(3)))

	f.engine.CloseView(context.Background())
	_, ok = f.engine.Resource()
	assert.False(t, ok)
	assert.Equal(t, pushtest.Op{Kind: pushtest.OpLeave, GroupKey: "Calendar_Stanowisko_3"}, f.dialer.Last().Ops()[3])
	assert.Nil(t, f.engine.current.Load())
}

func TestEngine_RejoinsAfterReconnect(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	require.NoError(t, f.engine.Open(context.Background(), domain.Room(5)))
	first := f.dialer.Last()
	first.Drop(nil)

	require.Eventually(t, func() bool {
		s := f.dialer.Last()
		return s != first && len(s.Groups()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"Calendar_Sala_5"}, f.dialer.Last().Groups())
}

func TestEngine_Submit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Submit(ctx, june1, domain.SelectedRange{StartHour: 9, EndHour: 10})
	assert.ErrorIs(t, err, ErrNoResource)

	f.start(t)
	require.NoError(t, f.engine.Open(ctx, domain.Room(5)))

	_, err = f.engine.Submit(ctx, june1, domain.SelectedRange{StartHour: 9, EndHour: 10})
	assert.ErrorIs(t, err, ErrDateNotSelected)

	_, err = f.engine.SelectDate(ctx, june1)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 11}, f.engine.EndHours(9))
	assert.Equal(t, []int{9, 10, 12}, f.engine.StartHours())

	_, err = f.engine.Submit(ctx, june1, domain.SelectedRange{StartHour: 9, EndHour: 12})
	assert.ErrorIs(t, err, slots.ErrRangeUnavailable)

	_, err = f.engine.Submit(ctx, june1, domain.SelectedRange{StartHour: 10, EndHour: 10})
	assert.ErrorIs(t, err, slots.ErrEmptyRange)

	id, err := f.engine.Submit(ctx, june1, domain.SelectedRange{StartHour: 9, EndHour: 11})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	f.backend.mu.Lock()
	defer f.backend.mu.Unlock()
	require.Len(t, f.backend.created, 1)
	assert.Equal(t, domain.SelectedRange{StartHour: 9, EndHour: 11}, f.backend.created[0].Range)
	assert.True(t, f.backend.created[0].Resource.Equal(domain.Room(5)))
	// the grid was refetched after the write
	assert.Equal(t, 2, f.backend.hourCalls)
}

func TestEngine_HeartbeatDuringOutage(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	require.NoError(t, f.engine.Open(context.Background(), domain.Room(5)))

	f.dialer.FailNext(1000, nil)
	f.dialer.Last().Drop(nil)
	require.Eventually(t, func() bool { return f.conn.State() == connection.Reconnecting }, time.Second, time.Millisecond)

	for i := 0; i < 65; i++ {
		f.clock.Advance(time.Second)
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		days, _ := f.backend.calls()
		return days == 3
	}, time.Second, time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.BackupRefreshes))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Events.WithLabelValues(metrics.OutcomeAccepted)))
}
