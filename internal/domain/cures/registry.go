package cures

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/ehr/audittrail/internal/platform/metrics"
)

// Registry looks up a patient's controlled-substance history.
type Registry interface {
	Query(ctx context.Context, patientID, medication string) (*History, error)
}

// RegistryError means the registry could not answer. The gate fails closed
// on it.
type RegistryError struct {
	Op  string
	Err error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("cures registry %s: %v", e.Op, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }

// checkWindowMonths is how far back the registry is asked to look.
const checkWindowMonths = 12

const maxRegistryResponse = 4 << 20

type registryQuery struct {
	PatientID   string `json:"patientId"`
	Medication  string `json:"medication"`
	QueryType   string `json:"queryType"`
	CheckWindow int    `json:"checkWindowMonths"`
}

// HTTPRegistry queries a registry over HTTP behind a circuit breaker.
type HTTPRegistry struct {
	url    string
	client *http.Client
	cb     *gobreaker.CircuitBreaker[*History]
	logger zerolog.Logger
}

// BreakerConfig tunes the registry circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32
	OpenTimeout time.Duration
	Interval    time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	return c
}

// NewHTTPRegistry returns a registry client for url. The breaker opens after
// MaxFailures consecutive failures and half-opens after OpenTimeout.
func NewHTTPRegistry(url string, timeout time.Duration, bc BreakerConfig, m *metrics.Metrics, logger zerolog.Logger) *HTTPRegistry {
	bc = bc.withDefaults()
	logger = logger.With().Str("component", "cures_registry").Logger()
	m.SetCircuitBreakerState(false)

	cb := gobreaker.NewCircuitBreaker[*History](gobreaker.Settings{
		Name:        "cures-registry",
		MaxRequests: 1,
		Interval:    bc.Interval,
		Timeout:     bc.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
			m.SetCircuitBreakerState(to == gobreaker.StateOpen)
		},
	})

	return &HTTPRegistry{
		url:    url,
		client: &http.Client{Timeout: timeout},
		cb:     cb,
		logger: logger,
	}
}

// Query posts a prescribe check for the patient and decodes the history.
func (r *HTTPRegistry) Query(ctx context.Context, patientID, medication string) (*History, error) {
	h, err := r.cb.Execute(func() (*History, error) {
		return r.query(ctx, patientID, medication)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &RegistryError{Op: "circuit open", Err: err}
		}
		var rerr *RegistryError
		if errors.As(err, &rerr) {
			return nil, rerr
		}
		return nil, &RegistryError{Op: "query", Err: err}
	}
	return h, nil
}

// State returns the breaker state.
func (r *HTTPRegistry) State() gobreaker.State { return r.cb.State() }

func (r *HTTPRegistry) query(ctx context.Context, patientID, medication string) (*History, error) {
	body, err := json.Marshal(registryQuery{
		PatientID:   patientID,
		Medication:  medication,
		QueryType:   "PRESCRIBE_CHECK",
		CheckWindow: checkWindowMonths,
	})
	if err != nil {
		return nil, &RegistryError{Op: "encode", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, &RegistryError{Op: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &RegistryError{Op: "request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxRegistryResponse))
		return nil, &RegistryError{Op: "request", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var h History
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRegistryResponse)).Decode(&h); err != nil {
		return nil, &RegistryError{Op: "decode", Err: err}
	}
	if h.PatientID == "" {
		h.PatientID = patientID
	}
	return &h, nil
}

// RegistryFunc adapts a function to the Registry interface.
type RegistryFunc func(ctx context.Context, patientID, medication string) (*History, error)

func (f RegistryFunc) Query(ctx context.Context, patientID, medication string) (*History, error) {
	return f(ctx, patientID, medication)
}
