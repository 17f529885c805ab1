// Package heartbeat forces a periodic authoritative refetch while the push
// channel is down.
package heartbeat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/connection"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/domain"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/metrics"
)

const DefaultInterval = 30 * time.Second

type StateSource interface {
	State() connection.State
}

type Options struct {
	Clock    clockwork.Clock
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Monitor ticks for as long as a resource is being viewed. Each tick taken
// while the channel is not connected feeds a synthetic backup-refresh event
// to the sink, which is normally the reconciler's Handle.
type Monitor struct {
	conn StateSource
	sink func(domain.AvailabilityChangeEvent)
	opts Options
	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func New(conn StateSource, sink func(domain.AvailabilityChangeEvent), opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{conn: conn, sink: sink, opts: opts}
}

// Start begins ticking for ref, replacing any previous run. selected reports
// the date on screen; when nothing is selected the event carries today.
func (m *Monitor) Start(ref domain.ResourceRef, selected func() (domain.Date, bool)) {
	m.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	ticker := m.opts.Clock.NewTicker(m.opts.Interval)
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(ticker, ref, selected, m.stop, m.done)
}

// Stop cancels the interval and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop != nil
}

func (m *Monitor) loop(ticker clockwork.Ticker, ref domain.ResourceRef, selected func() (domain.Date, bool), stop, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.Chan():
			if m.conn.State() == connection.Connected {
				continue
			}
			m.sink(m.backupEvent(now, ref, selected))
			m.opts.Metrics.RecordBackupRefresh()
		}
	}
}

func (m *Monitor) backupEvent(now time.Time, ref domain.ResourceRef, selected func() (domain.Date, bool)) domain.AvailabilityChangeEvent {
	var (
		date domain.Date
		ok   bool
	)
	if selected != nil {
		date, ok = selected()
	}
	if !ok {
		date = domain.DateOf(now)
	}

	m.opts.Logger.Info("push channel down, forcing backup refresh", "resource", ref, "date", date)

	return domain.AvailabilityChangeEvent{
		Resource:    ref,
		ChangedDate: date,
		NewStatus:   domain.StatusBackupRefresh,
		Timestamp:   now.UnixMilli(),
	}
}
