package repository

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/sysu-ecnc-dev/reservation-sync/internal/domain"
)

type hourDTO struct {
	Godzina  string `json:"godzina"`
	Dostepna bool   `json:"dostepna"`
}

type dayDTO struct {
	Data              string `json:"data"`
	MaDostepneGodziny bool   `json:"maDostepneGodziny"`
}

func resourceQuery(ref domain.ResourceRef) url.Values {
	q := url.Values{}
	if ref.RoomID != nil {
		q.Set("salaId", strconv.FormatInt(*ref.RoomID, 10))
	}
	if ref.StationID != nil {
		q.Set("stanowiskoId", strconv.FormatInt(*ref.StationID, 10))
	}
	return q
}

// parseHour reads the hour out of "HH:MM:SS" or "HH:MM".
func parseHour(s string) (int, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Hour(), nil
		}
	}
	return 0, fmt.Errorf("invalid hour %q", s)
}

func (r *Repository) AvailableHours(ctx context.Context, ref domain.ResourceRef, date domain.Date) ([]domain.HourSlot, error) {
	q := resourceQuery(ref)
	q.Set("data", date.String())

	var dtos []hourDTO
	if err := r.call(ctx, "available-hours", http.MethodGet, "available-hours", q, nil, &dtos); err != nil {
		return nil, err
	}

	slots := make([]domain.HourSlot, 0, len(dtos))
	for _, dto := range dtos {
		hour, err := parseHour(dto.Godzina)
		if err != nil {
			return nil, err
		}
		slots = append(slots, domain.HourSlot{Hour: hour, Available: dto.Dostepna})
	}
	slices.SortFunc(slots, func(a, b domain.HourSlot) int { return a.Hour - b.Hour })

	return slots, nil
}

func (r *Repository) AvailableDays(ctx context.Context, ref domain.ResourceRef, year int, month time.Month) ([]domain.DayAvailability, error) {
	q := resourceQuery(ref)
	q.Set("year", strconv.Itoa(year))
	q.Set("month", strconv.Itoa(int(month)))

	var dtos []dayDTO
	if err := r.call(ctx, "available-days", http.MethodGet, "available-days", q, nil, &dtos); err != nil {
		return nil, err
	}

	days := make([]domain.DayAvailability, 0, len(dtos))
	for _, dto := range dtos {
		date, err := domain.ParseDate(dto.Data)
		if err != nil {
			return nil, err
		}
		days = append(days, domain.DayAvailability{Date: date, HasAvailableHours: dto.MaDostepneGodziny})
	}

	return days, nil
}
