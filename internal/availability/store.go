// Package availability is the single source of truth for what the calendar
// shows. Everything in it comes from an authoritative fetch; push events only
// ever cause a refetch.
package availability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sysu-ecnc-dev/reservation-sync/internal/domain"
)

var (
	ErrNotBound        = errors.New("no resource bound")
	ErrResourceChanged = errors.New("resource does not match the bound resource")
	ErrNoSelection     = errors.New("nothing selected to refresh")
	// ErrSuperseded is returned to the caller of a fetch whose result was
	// dropped because a newer request for the same key, a new selection or a
	// resource switch happened while it was in flight.
	ErrSuperseded = errors.New("fetch superseded")
)

type Fetcher interface {
	AvailableDays(ctx context.Context, ref domain.ResourceRef, year int, month time.Month) ([]domain.DayAvailability, error)
	AvailableHours(ctx context.Context, ref domain.ResourceRef, date domain.Date) ([]domain.HourSlot, error)
}

type Month struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
}

func MonthOf(d domain.Date) Month {
	return Month{Year: d.Year, Month: d.Month}
}

func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

// Contains reports whether d falls inside m.
func (m Month) Contains(d domain.Date) bool {
	return d.Year == m.Year && d.Month == m.Month
}

type Snapshot struct {
	Resource     *domain.ResourceRef      `json:"resource"`
	Month        *Month                   `json:"month"`
	Days         []domain.DayAvailability `json:"days"`
	SelectedDate *domain.Date             `json:"selectedDate"`
	Hours        []domain.HourSlot        `json:"hours"`
	LoadingDays  bool                     `json:"loadingDays"`
	LoadingHours bool                     `json:"loadingHours"`
	LastError    string                   `json:"lastError,omitempty"`
}

type inflight struct {
	token  uint64
	cancel context.CancelFunc
}

type Store struct {
	fetcher Fetcher
	logger  *slog.Logger

	mu       sync.Mutex
	resource *domain.ResourceRef
	month    *Month
	date     *domain.Date
	days     []domain.DayAvailability
	hours    []domain.HourSlot
	lastErr  error
	counter  uint64
	inflight map[string]inflight
}

func NewStore(fetcher Fetcher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		fetcher:  fetcher,
		logger:   logger,
		inflight: make(map[string]inflight),
	}
}

// Bind drops all state and in-flight requests and starts over for ref.
func (s *Store) Bind(ref domain.ResourceRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.resource = &ref
}

// Reset drops all state and leaves the store unbound.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Store) resetLocked() {
	for key, f := range s.inflight {
		f.cancel()
		delete(s.inflight, key)
	}
	s.resource = nil
	s.month = nil
	s.date = nil
	s.days = nil
	s.hours = nil
	s.lastErr = nil
}

func monthKey(ref domain.ResourceRef, m Month) string {
	return ref.String() + "/month/" + m.String()
}

func dayKey(ref domain.ResourceRef, d domain.Date) string {
	return ref.String() + "/day/" + d.String()
}

// begin makes the given key the current request and cancels the one it
// replaces.
func (s *Store) begin(ctx context.Context, key string) (context.Context, uint64) {
	if prev, ok := s.inflight[key]; ok {
		prev.cancel()
	}
	s.counter++
	fetchCtx, cancel := context.WithCancel(ctx)
	s.inflight[key] = inflight{token: s.counter, cancel: cancel}
	return fetchCtx, s.counter
}

// end reports whether token is still the current request for key and
// releases it if so.
func (s *Store) end(key string, token uint64) bool {
	f, ok := s.inflight[key]
	if !ok || f.token != token {
		return false
	}
	f.cancel()
	delete(s.inflight, key)
	return true
}

func (s *Store) checkBound(ref domain.ResourceRef) error {
	if s.resource == nil {
		return ErrNotBound
	}
	if !s.resource.Equal(ref) {
		return ErrResourceChanged
	}
	return nil
}

// LoadMonth makes year/month the displayed month and replaces its day list
// with a fresh fetch.
func (s *Store) LoadMonth(ctx context.Context, ref domain.ResourceRef, year int, month time.Month) ([]domain.DayAvailability, error) {
	m := Month{Year: year, Month: month}

	s.mu.Lock()
	if err := s.checkBound(ref); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.month = &m
	key := monthKey(ref, m)
	fetchCtx, token := s.begin(ctx, key)
	s.mu.Unlock()

	days, err := s.fetcher.AvailableDays(fetchCtx, ref, year, month)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.end(key, token) || s.month == nil || *s.month != m {
		s.logger.Debug("dropping superseded month fetch", "resource", ref, "month", m)
		return nil, ErrSuperseded
	}
	if err != nil {
		s.lastErr = err
		return nil, fmt.Errorf("load month %s: %w", m, err)
	}

	s.days = slices.Clone(days)
	slices.SortFunc(s.days, func(a, b domain.DayAvailability) int {
		return a.Date.Time().Compare(b.Date.Time())
	})
	s.lastErr = nil
	return slices.Clone(s.days), nil
}

// LoadDay makes date the selected date and replaces its hour slots with a
// fresh fetch, also when date was already selected.
func (s *Store) LoadDay(ctx context.Context, ref domain.ResourceRef, date domain.Date) ([]domain.HourSlot, error) {
	s.mu.Lock()
	if err := s.checkBound(ref); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if s.date == nil || *s.date != date {
		s.hours = nil
	}
	s.date = &date
	key := dayKey(ref, date)
	fetchCtx, token := s.begin(ctx, key)
	s.mu.Unlock()

	hours, err := s.fetcher.AvailableHours(fetchCtx, ref, date)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.end(key, token) || s.date == nil || *s.date != date {
		s.logger.Debug("dropping superseded hours fetch", "resource", ref, "date", date)
		return nil, ErrSuperseded
	}
	if err != nil {
		s.lastErr = err
		return nil, fmt.Errorf("load hours for %s: %w", date, err)
	}

	s.hours = slices.Clone(hours)
	slices.SortFunc(s.hours, func(a, b domain.HourSlot) int { return a.Hour - b.Hour })
	s.lastErr = nil
	return slices.Clone(s.hours), nil
}

// ClearSelection forgets the selected date and its hours.
func (s *Store) ClearSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resource != nil && s.date != nil {
		key := dayKey(*s.resource, *s.date)
		if f, ok := s.inflight[key]; ok {
			f.cancel()
			delete(s.inflight, key)
		}
	}
	s.date = nil
	s.hours = nil
}

func (s *Store) RefreshHours(ctx context.Context) error {
	s.mu.Lock()
	ref, date := s.resource, s.date
	s.mu.Unlock()

	if ref == nil {
		return ErrNotBound
	}
	if date == nil {
		return ErrNoSelection
	}
	_, err := s.LoadDay(ctx, *ref, *date)
	return err
}

func (s *Store) RefreshMonth(ctx context.Context) error {
	s.mu.Lock()
	ref, m := s.resource, s.month
	s.mu.Unlock()

	if ref == nil {
		return ErrNotBound
	}
	if m == nil {
		return ErrNoSelection
	}
	_, err := s.LoadMonth(ctx, *ref, m.Year, m.Month)
	return err
}

func (s *Store) Resource() (domain.ResourceRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resource == nil {
		return domain.ResourceRef{}, false
	}
	return *s.resource, true
}

func (s *Store) SelectedDate() (domain.Date, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.date == nil {
		return domain.Date{}, false
	}
	return *s.date, true
}

func (s *Store) CurrentMonth() (Month, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.month == nil {
		return Month{}, false
	}
	return *s.month, true
}

// Hours returns a copy of the slots for the selected date, sorted by hour.
func (s *Store) Hours() []domain.HourSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.hours)
}

func (s *Store) Days() []domain.DayAvailability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.days)
}

// LastError is the most recent fetch failure, cleared by the next success.
func (s *Store) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Days:  slices.Clone(s.days),
		Hours: slices.Clone(s.hours),
	}
	if s.resource != nil {
		ref := *s.resource
		snap.Resource = &ref
		if s.month != nil {
			_, snap.LoadingDays = s.inflight[monthKey(ref, *s.month)]
		}
		if s.date != nil {
			_, snap.LoadingHours = s.inflight[dayKey(ref, *s.date)]
		}
	}
	if s.month != nil {
		m := *s.month
		snap.Month = &m
	}
	if s.date != nil {
		d := *s.date
		snap.SelectedDate = &d
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}
