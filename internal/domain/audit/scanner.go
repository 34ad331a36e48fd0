package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/audittrail/internal/platform/metrics"
	"github.com/ehr/audittrail/internal/platform/notification"
)

// Scanner runs the Detector on a fixed interval, logs every finding and
// alerts on critical ones.
type Scanner struct {
	detector *Detector
	interval time.Duration
	alerter  notification.Alerter
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewScanner(d *Detector, interval time.Duration, logger zerolog.Logger) *Scanner {
	return &Scanner{
		detector: d,
		interval: interval,
		logger:   logger.With().Str("component", "anomaly_scanner").Logger(),
	}
}

// SetAlerter sets the sink for critical findings.
func (s *Scanner) SetAlerter(a notification.Alerter) { s.alerter = a }

// SetMetrics attaches Prometheus collectors.
func (s *Scanner) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// Run scans every interval until ctx is cancelled. A non-positive interval
// disables scanning and Run just waits for cancellation.
func (s *Scanner) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.ScanOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("anomaly scan failed")
			}
		}
	}
}

// ScanOnce runs a single detection pass.
func (s *Scanner) ScanOnce(ctx context.Context) (*AnomalyReport, error) {
	report, err := s.detector.Detect(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range report.Anomalies {
		s.metrics.IncAnomalies(a.Type)
		s.logger.Warn().
			Str("type", a.Type).
			Str("severity", string(a.Severity)).
			Str("ip_address", a.Details.IPAddress).
			Int("attempts", a.Details.Attempts).
			Str("user_id", a.Details.UserID).
			Int("access_count", a.Details.AccessCount).
			Msg("anomaly detected")

		if a.Severity == SeverityCritical && s.alerter != nil {
			if err := s.alerter.Alert(ctx, anomalyAlert(a, report.WindowEnd)); err != nil {
				s.metrics.IncAlertFailures()
				s.logger.Error().Err(err).Str("type", a.Type).Msg("anomaly alert failed")
				continue
			}
			s.metrics.IncAlertsSent()
		}
	}
	return report, nil
}

func anomalyAlert(a Anomaly, at time.Time) notification.Alert {
	summary := a.Type
	switch a.Type {
	case AnomalyExcessiveFailedLogins:
		summary = fmt.Sprintf("%d failed logins from %s", a.Details.Attempts, a.Details.IPAddress)
	case AnomalyUnusualAccessPattern:
		summary = fmt.Sprintf("%d PHI accesses by %s", a.Details.AccessCount, a.Details.UserID)
	}
	return notification.Alert{
		ID:          uuid.NewString(),
		Kind:        notification.KindAnomaly,
		Severity:    string(a.Severity),
		UserID:      a.Details.UserID,
		AnomalyType: a.Type,
		Summary:     summary,
		OccurredAt:  at,
	}
}
