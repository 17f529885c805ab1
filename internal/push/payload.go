package push

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Payload is the AvailabilityChanged body as the server serialises it.
type Payload struct {
	SalaId       *int64 `json:"SalaId,omitempty"`
	StanowiskoId *int64 `json:"StanowiskoId,omitempty"`
	ChangedDate  string `json:"ChangedDate" validate:"required"`
	NewStatus    string `json:"NewStatus" validate:"required"`
	Timestamp    int64  `json:"Timestamp" validate:"gt=0"`
}

func NewPayload(ev domain.AvailabilityChangeEvent) Payload {
	return Payload{
		SalaId:       ev.Resource.RoomID,
		StanowiskoId: ev.Resource.StationID,
		ChangedDate:  ev.ChangedDate.String(),
		NewStatus:    string(ev.NewStatus),
		Timestamp:    ev.Timestamp,
	}
}

func (p Payload) Event() (domain.AvailabilityChangeEvent, error) {
	if err := validate.Struct(p); err != nil {
		return domain.AvailabilityChangeEvent{}, fmt.Errorf("invalid %s payload: %w", EventName, err)
	}

	date, err := domain.ParseDate(p.ChangedDate)
	if err != nil {
		return domain.AvailabilityChangeEvent{}, fmt.Errorf("invalid %s payload: %w", EventName, err)
	}

	return domain.AvailabilityChangeEvent{
		Resource:    domain.ResourceRef{RoomID: p.SalaId, StationID: p.StanowiskoId},
		ChangedDate: date,
		NewStatus:   domain.ParseStatus(p.NewStatus),
		Timestamp:   p.Timestamp,
	}, nil
}

// Decode turns a raw message body into an event. Field names are matched
// case-insensitively, so both PascalCase and camelCase senders work.
func Decode(body []byte) (domain.AvailabilityChangeEvent, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.AvailabilityChangeEvent{}, fmt.Errorf("decode %s payload: %w", EventName, err)
	}
	return p.Event()
}

func Encode(ev domain.AvailabilityChangeEvent) ([]byte, error) {
	return json.Marshal(NewPayload(ev))
}
