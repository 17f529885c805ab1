// Package repository talks to the reservation backend's REST API: the
// authoritative availability reads and the reservation write.
package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/auth"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/config"
	"github.com/sysu-ecnc-dev/reservation-sync/internal/metrics"
)

var (
	ErrBackendUnavailable = errors.New("reservation backend unavailable")
	ErrUnexpectedStatus   = errors.New("unexpected response status")
	ErrSlotTaken          = errors.New("slot already taken")
)

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d %s", ErrUnexpectedStatus, e.Code, e.Body)
}

func (e *StatusError) Unwrap() []error {
	if e.Code == http.StatusConflict {
		return []error{ErrUnexpectedStatus, ErrSlotTaken}
	}
	return []error{ErrUnexpectedStatus}
}

type Repository struct {
	cfg        *config.Config
	baseURL    string
	httpClient *http.Client
	creds      auth.CredentialProvider
	breaker    *gobreaker.CircuitBreaker
	metrics    *metrics.Metrics
}

func NewRepository(cfg *config.Config, creds auth.CredentialProvider, m *metrics.Metrics) *Repository {
	settings := gobreaker.Settings{
		Name:        "reservation-backend",
		MaxRequests: cfg.Backend.Breaker.MaxRequests,
		Timeout:     time.Duration(cfg.Backend.Breaker.Timeout) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Backend.Breaker.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}

	return &Repository{
		cfg:        cfg,
		baseURL:    strings.TrimRight(cfg.Backend.BaseURL, "/"),
		httpClient: &http.Client{},
		creds:      creds,
		breaker:    gobreaker.NewCircuitBreaker(settings),
		metrics:    m,
	}
}

// BreakerState is exposed for the health endpoint.
func (r *Repository) BreakerState() string {
	return r.breaker.State().String()
}

// call runs one request through the breaker. Only transport failures and 5xx
// answers count against it. A 4xx, or a request the caller cancelled, says
// nothing about the backend's health.
func (r *Repository) call(ctx context.Context, endpoint, method, path string, query url.Values, body, result any) error {
	start := time.Now()

	var clientErr error
	_, err := r.breaker.Execute(func() (interface{}, error) {
		err := r.doRequest(ctx, method, path, query, body, result)
		if err != nil && ctx.Err() != nil {
			clientErr = err
			return nil, nil
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code < http.StatusInternalServerError {
			clientErr = err
			return nil, nil
		}
		return nil, err
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		err = fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	case err == nil:
		err = clientErr
	}

	r.metrics.ObserveFetch(endpoint, start, err)
	return err
}

func (r *Repository) doRequest(ctx context.Context, method, path string, query url.Values, body, result any) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.Backend.RequestTimeout)*time.Second)
	defer cancel()

	token, err := r.creds.Token(ctx)
	if err != nil {
		return fmt.Errorf("get access token: %w", err)
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	target := r.baseURL + "/" + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}

	return nil
}
