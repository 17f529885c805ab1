package domain

import "fmt"

type DayAvailability struct {
	Date              Date `json:"date"`
	HasAvailableHours bool `json:"hasAvailableHours"`
}

// HourSlot is a one-hour slot starting at Hour:00 on the selected date.
type HourSlot struct {
	Hour      int  `json:"hour"`
	Available bool `json:"available"`
}

func (s HourSlot) Label() string {
	return FormatHour(s.Hour)
}

func FormatHour(h int) string {
	return fmt.Sprintf("%02d:00", h)
}

// SelectedRange is [StartHour, EndHour) on one date.
type SelectedRange struct {
	StartHour int `json:"startHour"`
	EndHour   int `json:"endHour"`
}

func (r SelectedRange) String() string {
	return FormatHour(r.StartHour) + "-" + FormatHour(r.EndHour)
}

// Reservation is what gets written once a range has been re-validated.
type Reservation struct {
	Resource ResourceRef   `json:"resource"`
	Date     Date          `json:"date"`
	Range    SelectedRange `json:"range"`
}
