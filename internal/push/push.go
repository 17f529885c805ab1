// Package push is the client side of the calendar push channel. A Session is
// one authenticated connection; group membership decides which resources'
// AvailabilityChanged notifications arrive on Events().
package push

import (
	"context"
	"errors"

	"github.com/sysu-ecnc-dev/reservation-sync/internal/domain"
)

// EventName is the server-to-client notification carried by every transport.
const EventName = "AvailabilityChanged"

var ErrSessionClosed = errors.New("push session closed")

type Dialer interface {
	// Dial opens a session authenticated with a bearer token obtained just
	// before the call.
	Dial(ctx context.Context, token string) (Session, error)
}

type Session interface {
	// JoinGroup is JoinCalendarGroup(roomId, stationId).
	JoinGroup(ctx context.Context, ref domain.ResourceRef) error
	// LeaveGroup is LeaveCalendarGroup(roomId, stationId).
	LeaveGroup(ctx context.Context, ref domain.ResourceRef) error
	Events() <-chan domain.AvailabilityChangeEvent
	// Done is closed when the session drops or is closed.
	Done() <-chan struct{}
	// Err is the reason Done was closed.
	Err() error
	Close() error
}
