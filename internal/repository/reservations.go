package repository

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sysu-ecnc-dev/reservation-sync/internal/domain"
)

type createReservationDTO struct {
	SalaId             *int64 `json:"salaId"`
	StanowiskoId       *int64 `json:"stanowiskoId"`
	Data               string `json:"data"`
	GodzinaRozpoczecia string `json:"godzinaRozpoczecia"`
	GodzinaZakonczenia string `json:"godzinaZakonczenia"`
}

type createdReservationDTO struct {
	ID int64 `json:"id"`
}

func wireHour(h int) string {
	return fmt.Sprintf("%02d:00:00", h)
}

// CreateReservation writes r and returns the backend's id for it. A 409 is
// reported as ErrSlotTaken.
func (r *Repository) CreateReservation(ctx context.Context, res domain.Reservation) (int64, error) {
	body := createReservationDTO{
		SalaId:             res.Resource.RoomID,
		StanowiskoId:       res.Resource.StationID,
		Data:               res.Date.String(),
		GodzinaRozpoczecia: wireHour(res.Range.StartHour),
		GodzinaZakonczenia: wireHour(res.Range.EndHour),
	}

	var created createdReservationDTO
	if err := r.call(ctx, "reservations", http.MethodPost, "reservations", nil, body, &created); err != nil {
		return 0, err
	}

	return created.ID, nil
}
