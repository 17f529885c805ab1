package domain

import (
	"errors"
	"fmt"
)

var ErrInvalidResourceRef = errors.New("resource must reference exactly one room or station")

// ResourceRef points at exactly one room or one station. Push payloads may
// carry both fields, so events keep the partial form and only refs built with
// NewResourceRef/Room/Station are guaranteed to hold the invariant.
type ResourceRef struct {
	RoomID    *int64 `json:"roomID,omitempty"`
	StationID *int64 `json:"stationID,omitempty"`
}

func Room(id int64) ResourceRef {
	return ResourceRef{RoomID: &id}
}

func Station(id int64) ResourceRef {
	return ResourceRef{StationID: &id}
}

func NewResourceRef(roomID, stationID *int64) (ResourceRef, error) {
	if (roomID == nil) == (stationID == nil) {
		return ResourceRef{}, ErrInvalidResourceRef
	}
	if roomID != nil {
		return Room(*roomID), nil
	}
	return Station(*stationID), nil
}

// Validate reports whether exactly one of the two ids is set.
func (r ResourceRef) Validate() error {
	if (r.RoomID == nil) == (r.StationID == nil) {
		return ErrInvalidResourceRef
	}
	return nil
}

// IsWholeSystem is true for refs that carry neither id. Such refs only appear
// on broadcast events and are never subscribed to.
func (r ResourceRef) IsWholeSystem() bool {
	return r.RoomID == nil && r.StationID == nil
}

// Equal compares both fields by value.
func (r ResourceRef) Equal(o ResourceRef) bool {
	return sameID(r.RoomID, o.RoomID) && sameID(r.StationID, o.StationID)
}

// Matches is the relevance rule for incoming events: a room-id match or a
// station-id match against the subscribed ref. Whole-system events match
// every resource.
func (r ResourceRef) Matches(subscribed ResourceRef) bool {
	if r.IsWholeSystem() {
		return true
	}
	if r.RoomID != nil && subscribed.RoomID != nil && *r.RoomID == *subscribed.RoomID {
		return true
	}
	return r.StationID != nil && subscribed.StationID != nil && *r.StationID == *subscribed.StationID
}

// GroupKey derives the push-channel group name.
func (r ResourceRef) GroupKey() string {
	switch {
	case r.RoomID != nil:
		return fmt.Sprintf("Calendar_Sala_%d", *r.RoomID)
	case r.StationID != nil:
		return fmt.Sprintf("Calendar_Stanowisko_%d", *r.StationID)
	default:
		return ""
	}
}

func (r ResourceRef) String() string {
	switch {
	case r.RoomID != nil && r.StationID != nil:
		return fmt.Sprintf("room:%d+station:%d", *r.RoomID, *r.StationID)
	case r.RoomID != nil:
		return fmt.Sprintf("room:%d", *r.RoomID)
	case r.StationID != nil:
		return fmt.Sprintf("station:%d", *r.StationID)
	default:
		return "all"
	}
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Subscription is one server-side group membership held by this client.
type Subscription struct {
	Resource ResourceRef `json:"resource"`
	GroupKey string      `json:"groupKey"`
}

func NewSubscription(ref ResourceRef) Subscription {
	return Subscription{Resource: ref, GroupKey: ref.GroupKey()}
}
