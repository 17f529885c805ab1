package handler

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/config"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/engine"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/metrics"
)

// Backend is the health view of the REST backend.
type Backend interface {
	BreakerState() string
}

type Handler struct {
	validate   *validator.Validate
	config     *config.Config
	engine     *engine.Engine
	backend    Backend
	metrics    *metrics.Metrics
	translator ut.Translator

	Mux *chi.Mux
}

func NewHandler(cfg *config.Config, eng *engine.Engine, backend Backend, m *metrics.Metrics) (*Handler, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	en := en.New()
	uni := ut.New(en, en)
	trans, _ := uni.GetTranslator("en")
	if err := en_translations.RegisterDefaultTranslations(validate, trans); err != nil {
		return nil, err
	}

	return &Handler{
		validate:   validate,
		config:     cfg,
		engine:     eng,
		backend:    backend,
		metrics:    m,
		translator: trans,

		Mux: chi.NewRouter(),
	}, nil
}

func (h *Handler) RegisterRoutes() {
	h.Mux.Use(h.logger)
	h.Mux.Use(h.recoverer)

	h.Mux.Get("/health", h.Health)
	if h.metrics != nil {
		h.Mux.Handle("/metrics", h.metrics.Handler())
	}
	h.Mux.Get("/state", h.GetState)

	h.Mux.Route("/resource", func(r chi.Router) {
		r.Put("/", h.OpenResource)
		r.Delete("/", h.CloseResource)
	})

	// everything below needs an open resource
	h.Mux.Group(func(r chi.Router) {
		r.Use(h.requireResource)
		r.Get("/calendar", h.GetCalendar)
		r.Put("/selection", h.SelectDate)
		r.Get("/end-hours", h.GetEndHours)
		r.Post("/reservations", h.CreateReservation)
	})
}
