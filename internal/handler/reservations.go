package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/sysu-ecnc-dev/reservation-sync/internal/domain"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/engine"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/repository"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/slots"
)

func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Date      string `json:"date" validate:"required,datetime=2006-01-02"`
		StartHour int    `json:"startHour" validate:"gte=0,lte=23"`
		EndHour   int    `json:"endHour" validate:"gtfield=StartHour,lte=24"`
	}

	if err := h.readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	date, err := domain.ParseDate(req.Date)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	ref := r.Context().Value(ResourceCtxKey).(domain.ResourceRef)
	rng := domain.SelectedRange{StartHour: req.StartHour, EndHour: req.EndHour}

	id, err := h.engine.Submit(r.Context(), date, rng)
	if err != nil {
		switch {
		case errors.Is(err, slots.ErrRangeUnavailable), errors.Is(err, slots.ErrEmptyRange):
			slog.Info("rejected stale reservation range", "resource", ref, "date", date, "range", rng.String())
			h.errorResponse(w, r, "the selected hours are no longer available, pick another range")
		case errors.Is(err, engine.ErrDateNotSelected):
			h.errorResponse(w, r, "select the date before reserving")
		case errors.Is(err, repository.ErrSlotTaken):
			h.errorResponse(w, r, "someone else reserved these hours first")
		case errors.Is(err, repository.ErrBackendUnavailable):
			h.errorResponse(w, r, "reservation service unavailable, try again shortly")
		default:
			h.internalServerError(w, r, err)
		}
		return
	}

	h.successResponse(w, r, "reservation created", map[string]any{
		"id":       id,
		"resource": ref,
		"date":     date,
		"range":    rng,
	})
}
