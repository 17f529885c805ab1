package availability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/domain"
)

type hoursReply struct {
	hours []domain.HourSlot
	err   error
}

// gatedFetcher blocks every AvailableHours call until the test releases it.
type gatedFetcher struct {
	mu      sync.Mutex
	pending map[domain.Date][]chan hoursReply
	days    []domain.DayAvailability
	daysErr error
	calls   int
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{pending: make(map[domain.Date][]chan hoursReply)}
}

func (f *gatedFetcher) AvailableDays(ctx context.Context, ref domain.ResourceRef, year int, month time.Month) ([]domain.DayAvailability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.days, f.daysErr
}

func (f *gatedFetcher) AvailableHours(ctx context.Context, ref domain.ResourceRef, date domain.Date) ([]domain.HourSlot, error) {
	ch := make(chan hoursReply, 1)
	f.mu.Lock()
	f.pending[date] = append(f.pending[date], ch)
	f.calls++
	f.mu.Unlock()

	r := <-ch
	return r.hours, r.err
}

func (f *gatedFetcher) waiting(date domain.Date) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending[date])
}

// release answers the i-th outstanding call for date.
func (f *gatedFetcher) release(date domain.Date, i int, r hoursReply) {
	f.mu.Lock()
	ch := f.pending[date][i]
	f.mu.Unlock()
	ch <- r
}

type loadResult struct {
	hours []domain.HourSlot
	err   error
}

func loadAsync(s *Store, ref domain.ResourceRef, date domain.Date) <-chan loadResult {
	out := make(chan loadResult, 1)
	go func() {
		hours, err := s.LoadDay(context.Background(), ref, date)
		out <- loadResult{hours, err}
	}()
	return out
}

var (
	room  = domain.Room(5)
	june1 = domain.NewDate(2024, time.June, 1)
	june2 = domain.NewDate(2024, time.June, 2)
)

func slotsOf(hours ...int) []domain.HourSlot {
	out := make([]domain.HourSlot, len(hours))
	for i, h := range hours {
		out[i] = domain.HourSlot{Hour: h, Available: true}
	}
	return out
}

func TestStore_RequiresBinding(t *testing.T) {
	s := NewStore(newGatedFetcher(), nil)

	_, err := s.LoadMonth(context.Background(), room, 2024, time.June)
	assert.ErrorIs(t, err, ErrNotBound)
	assert.ErrorIs(t, s.RefreshHours(context.Background()), ErrNotBound)

	s.Bind(room)
	_, err = s.LoadMonth(context.Background(), domain.Station(1), 2024, time.June)
	assert.ErrorIs(t, err, ErrResourceChanged)
	assert.ErrorIs(t, s.RefreshHours(context.Background()), ErrNoSelection)
	assert.ErrorIs(t, s.RefreshMonth(context.Background()), ErrNoSelection)
}

func TestStore_LoadMonthReplacesWholesale(t *testing.T) {
	f := newGatedFetcher()
	f.days = []domain.DayAvailability{
		{Date: domain.NewDate(2024, time.June, 2), HasAvailableHours: false},
		{Date: june1, HasAvailableHours: true},
	}
	s := NewStore(f, nil)
	s.Bind(room)

	days, err := s.LoadMonth(context.Background(), room, 2024, time.June)
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.Equal(t, june1, days[0].Date)

	f.days = []domain.DayAvailability{{Date: june1, HasAvailableHours: false}}
	require.NoError(t, s.RefreshMonth(context.Background()))
	assert.Equal(t, []domain.DayAvailability{{Date: june1, HasAvailableHours: false}}, s.Days())

	m, ok := s.CurrentMonth()
	require.True(t, ok)
	assert.Equal(t, Month{Year: 2024, Month: time.June}, m)
}

func TestStore_NewerRequestForSameKeyWins(t *testing.T) {
	f := newGatedFetcher()
	s := NewStore(f, nil)
	s.Bind(room)

	first := loadAsync(s, room, june1)
	require.Eventually(t, func() bool { return f.waiting(june1) == 1 }, time.Second, time.Millisecond)
	second := loadAsync(s, room, june1)
	require.Eventually(t, func() bool { return f.waiting(june1) == 2 }, time.Second, time.Millisecond)

	f.release(june1, 1, hoursReply{hours: slotsOf(9, 10)})
	got := <-second
	require.NoError(t, got.err)

	// the older response arrives last and must not overwrite
	f.release(june1, 0, hoursReply{hours: slotsOf(15)})
	stale := <-first
	assert.ErrorIs(t, stale.err, ErrSuperseded)
	assert.Equal(t, slotsOf(9, 10), s.Hours())
}

func TestStore_SelectionChangeDropsOlderDate(t *testing.T) {
	f := newGatedFetcher()
	s := NewStore(f, nil)
	s.Bind(room)

	first := loadAsync(s, room, june1)
	require.Eventually(t, func() bool { return f.waiting(june1) == 1 }, time.Second, time.Millisecond)

	second := loadAsync(s, room, june2)
	require.Eventually(t, func() bool { return f.waiting(june2) == 1 }, time.Second, time.Millisecond)

	f.release(june1, 0, hoursReply{hours: slotsOf(8)})
	assert.ErrorIs(t, (<-first).err, ErrSuperseded)

	f.release(june2, 0, hoursReply{hours: slotsOf(12)})
	require.NoError(t, (<-second).err)

	date, ok := s.SelectedDate()
	require.True(t, ok)
	assert.Equal(t, june2, date)
	assert.Equal(t, slotsOf(12), s.Hours())
}

func TestStore_RebindDropsInflight(t *testing.T) {
	f := newGatedFetcher()
	s := NewStore(f, nil)
	s.Bind(room)

	pending := loadAsync(s, room, june1)
	require.Eventually(t, func() bool { return f.waiting(june1) == 1 }, time.Second, time.Millisecond)

	s.Bind(domain.Station(2))
	s.Bind(room)

	f.release(june1, 0, hoursReply{hours: slotsOf(9)})
	assert.ErrorIs(t, (<-pending).err, ErrSuperseded)
	assert.Empty(t, s.Hours())
	_, ok := s.SelectedDate()
	assert.False(t, ok)
}

func TestStore_FailureSetsLastErrorUntilNextSuccess(t *testing.T) {
	f := newGatedFetcher()
	s := NewStore(f, nil)
	s.Bind(room)

	failed := loadAsync(s, room, june1)
	require.Eventually(t, func() bool { return f.waiting(june1) == 1 }, time.Second, time.Millisecond)
	boom := errors.New("503")
	f.release(june1, 0, hoursReply{err: boom})
	assert.ErrorIs(t, (<-failed).err, boom)
	assert.ErrorIs(t, s.LastError(), boom)
	assert.Equal(t, "503", s.Snapshot().LastError)

	retry := loadAsync(s, room, june1)
	require.Eventually(t, func() bool { return f.waiting(june1) == 2 }, time.Second, time.Millisecond)
	f.release(june1, 1, hoursReply{hours: []domain.HourSlot{{Hour: 11, Available: true}, {Hour: 9, Available: false}}})
	got := <-retry
	require.NoError(t, got.err)

	assert.NoError(t, s.LastError())
	assert.Equal(t, []domain.HourSlot{{Hour: 9, Available: false}, {Hour: 11, Available: true}}, got.hours)
}

func TestStore_Snapshot(t *testing.T) {
	f := newGatedFetcher()
	s := NewStore(f, nil)

	snap := s.Snapshot()
	assert.Nil(t, snap.Resource)
	assert.Nil(t, snap.SelectedDate)

	s.Bind(room)
	pending := loadAsync(s, room, june1)
	require.Eventually(t, func() bool { return f.waiting(june1) == 1 }, time.Second, time.Millisecond)

	snap = s.Snapshot()
	require.NotNil(t, snap.Resource)
	assert.True(t, snap.Resource.Equal(room))
	assert.True(t, snap.LoadingHours)
	assert.Equal(t, june1, *snap.SelectedDate)

	f.release(june1, 0, hoursReply{hours: slotsOf(10)})
	require.NoError(t, (<-pending).err)
	assert.False(t, s.Snapshot().LoadingHours)

	s.ClearSelection()
	assert.Nil(t, s.Snapshot().SelectedDate)
	assert.Empty(t, s.Hours())
}
