package domain

import "strings"

type Status string

const (
	StatusPending       Status = "pending"
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
	StatusCancelled     Status = "cancelled"
	StatusBackupRefresh Status = "backup-refresh"
	StatusUnknown       Status = "unknown"
)

// ParseStatus is case-insensitive and treats "canceled" as "cancelled".
// Anything it does not recognise becomes StatusUnknown.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return StatusPending
	case "approved":
		return StatusApproved
	case "rejected":
		return StatusRejected
	case "cancelled", "canceled":
		return StatusCancelled
	case "backup-refresh":
		return StatusBackupRefresh
	default:
		return StatusUnknown
	}
}

// AffectsDayAvailability reports whether a transition to s can flip a day
// between "has free hours" and "fully booked".
func (s Status) AffectsDayAvailability() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusCancelled, StatusBackupRefresh:
		return true
	default:
		return false
	}
}

// AvailabilityChangeEvent is consumed once by the reconciler and never stored
// anywhere else.
type AvailabilityChangeEvent struct {
	Resource    ResourceRef `json:"resource"`
	ChangedDate Date        `json:"changedDate"`
	NewStatus   Status      `json:"newStatus"`
	// Timestamp is wall-clock epoch milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// SameChange compares everything except the timestamp.
func (e AvailabilityChangeEvent) SameChange(o AvailabilityChangeEvent) bool {
	return e.Resource.Equal(o.Resource) && e.ChangedDate == o.ChangedDate && e.NewStatus == o.NewStatus
}
