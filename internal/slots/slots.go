// Package slots computes which reservation ranges are legal over one day's
// hour grid. Everything here is pure: no clocks, no I/O, no shared state.
package slots

import (
	"errors"
	"fmt"

	"github.com/sysu-ecnc-dev/reservation-sync/internal/domain"
)

var (
	ErrEmptyRange       = errors.New("end hour must be after start hour")
	ErrRangeUnavailable = errors.New("selected range is no longer available")
)

// grid indexes availability by hour and remembers the upper bound.
type grid struct {
	available map[int]bool
	maxHour   int
}

func newGrid(hourSlots []domain.HourSlot) grid {
	g := grid{available: make(map[int]bool, len(hourSlots)), maxHour: -1}
	for _, s := range hourSlots {
		// a duplicated hour counts as available only if every copy is
		if prev, seen := g.available[s.Hour]; seen {
			g.available[s.Hour] = prev && s.Available
		} else {
			g.available[s.Hour] = s.Available
		}
		if s.Hour > g.maxHour {
			g.maxHour = s.Hour
		}
	}
	return g
}

// AvailableEndHours walks forward from startHour+1 and returns every end hour h
// for which all of [startHour, h) is available. It stops at the first gap, so
// the result is always a contiguous run, and never goes past the last hour in
// the grid plus one. Hours missing from hourSlots count as unavailable.
//
// Callers must not ask for an unavailable start; if they do, the result is
// empty because the start hour itself breaks the run.
func AvailableEndHours(startHour int, hourSlots []domain.HourSlot) []int {
	g := newGrid(hourSlots)
	if g.maxHour < 0 {
		return []int{}
	}

	ends := make([]int, 0)
	for h := startHour + 1; h <= g.maxHour+1; h++ {
		if !g.available[h-1] {
			break
		}
		ends = append(ends, h)
	}
	return ends
}

// IsRangeValid re-checks a candidate [start, end) against the current grid.
// It is the last guard before a reservation is written.
func IsRangeValid(start, end int, hourSlots []domain.HourSlot) bool {
	return ValidateRange(start, end, hourSlots) == nil
}

// ValidateRange is IsRangeValid with a reason attached.
func ValidateRange(start, end int, hourSlots []domain.HourSlot) error {
	if end <= start {
		return ErrEmptyRange
	}

	g := newGrid(hourSlots)
	if g.maxHour < 0 || end > g.maxHour+1 {
		return fmt.Errorf("%w: %s", ErrRangeUnavailable, domain.SelectedRange{StartHour: start, EndHour: end})
	}
	for h := start; h < end; h++ {
		if !g.available[h] {
			return fmt.Errorf("%w: %s is taken", ErrRangeUnavailable, domain.FormatHour(h))
		}
	}
	return nil
}

// StartHours lists the hours that can open a reservation, in ascending order.
func StartHours(hourSlots []domain.HourSlot) []int {
	g := newGrid(hourSlots)
	starts := make([]int, 0)
	for h := 0; h <= g.maxHour; h++ {
		if g.available[h] {
			starts = append(starts, h)
		}
	}
	return starts
}
