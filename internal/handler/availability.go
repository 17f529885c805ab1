package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sysu-ecnc-dev/reservation-sync/internal/availability"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/domain"
)

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	data := map[string]string{
		"connection": h.engine.ConnectionState().String(),
	}
	if h.backend != nil {
		data["backend"] = h.backend.BreakerState()
	}

	h.successResponse(w, r, "ok", data)
}

func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	h.successResponse(w, r, "current view state", h.engine.Snapshot())
}

func (h *Handler) OpenResource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID    *int64 `json:"roomId" validate:"omitempty,gt=0"`
		StationID *int64 `json:"stationId" validate:"omitempty,gt=0"`
	}

	if err := h.readJSON(r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	ref, err := domain.NewResourceRef(req.RoomID, req.StationID)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	if err := h.engine.Open(r.Context(), ref); err != nil {
		// the view is open; only the first month failed to load
		h.errorResponse(w, r, "resource opened but the calendar could not be loaded: "+err.Error())
		return
	}

	h.successResponse(w, r, "resource opened", h.engine.Snapshot())
}

func (h *Handler) CloseResource(w http.ResponseWriter, r *http.Request) {
	h.engine.CloseView(r.Context())
	h.successResponse(w, r, "resource closed", nil)
}

func (h *Handler) GetCalendar(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	year, month := now.Year(), int(now.Month())

	if v := r.URL.Query().Get("year"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			h.errorResponse(w, r, "invalid year")
			return
		}
		year = parsed
	}
	if v := r.URL.Query().Get("month"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 12 {
			h.errorResponse(w, r, "invalid month")
			return
		}
		month = parsed
	}

	days, err := h.engine.SelectMonth(r.Context(), year, time.Month(month))
	if err != nil {
		h.fetchError(w, r, err)
		return
	}

	h.successResponse(w, r, "calendar loaded", days)
}

type selectionResponse struct {
	Date       domain.Date       `json:"date"`
	Hours      []domain.HourSlot `json:"hours"`
	StartHours []int             `json:"startHours"`
}

func (h *Handler) SelectDate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Date string `json:"date" validate:"required,datetime=2006-01-02"`
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

	hours, err := h.engine.SelectDate(r.Context(), date)
	if err != nil {
		h.fetchError(w, r, err)
		return
	}

	h.successResponse(w, r, "hours loaded", selectionResponse{
		Date:       date,
		Hours:      hours,
		StartHours: h.engine.StartHours(),
	})
}

func (h *Handler) GetEndHours(w http.ResponseWriter, r *http.Request) {
	start, err := strconv.Atoi(r.URL.Query().Get("start"))
	if err != nil || start < 0 || start > 23 {
		h.errorResponse(w, r, "start must be an hour between 0 and 23")
		return
	}

	h.successResponse(w, r, "end hours computed", h.engine.EndHours(start))
}

// fetchError keeps the user-facing message recoverable; a superseded fetch is
// not an error at all from the caller's point of view.
func (h *Handler) fetchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, availability.ErrSuperseded):
		h.errorResponse(w, r, "a newer selection replaced this one")
	default:
		h.errorResponse(w, r, "could not load availability, try again: "+err.Error())
	}
}
