package audit

import (
	"context"
	"sort"
	"time"
)

// Anomaly types.
const (
	AnomalyExcessiveFailedLogins = "EXCESSIVE_FAILED_LOGINS"
	AnomalyUnusualAccessPattern  = "UNUSUAL_ACCESS_PATTERN"
)

// AnomalyConfig holds the detection window and thresholds.
type AnomalyConfig struct {
	Window               time.Duration
	FailedLoginThreshold int
	PHIAccessThreshold   int
}

// DefaultAnomalyConfig returns a one-hour window with thresholds 5 and 50.
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		Window:               time.Hour,
		FailedLoginThreshold: 5,
		PHIAccessThreshold:   50,
	}
}

// AnomalyDetails carries the rule-specific fields. Only the fields of the
// matching rule are set.
type AnomalyDetails struct {
	IPAddress      string   `json:"ipAddress,omitempty"`
	Attempts       int      `json:"attempts,omitempty"`
	TargetedUsers  []string `json:"targetedUsers,omitempty"`
	UserID         string   `json:"userId,omitempty"`
	AccessCount    int      `json:"accessCount,omitempty"`
	UniquePatients int      `json:"uniquePatients,omitempty"`
}

// Anomaly is one heuristic finding.
type Anomaly struct {
	Type     string         `json:"type"`
	Severity Severity       `json:"severity"`
	Details  AnomalyDetails `json:"details"`
}

// AnomalyReport is the result of one detection run.
type AnomalyReport struct {
	Anomalies   []Anomaly `json:"anomalies"`
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
}

// Detector runs the anomaly rules over the trailing window. It only reads.
type Detector struct {
	repo Repository
	cfg  AnomalyConfig
	now  func() time.Time
}

func NewDetector(repo Repository, cfg AnomalyConfig) *Detector {
	def := DefaultAnomalyConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.FailedLoginThreshold <= 0 {
		cfg.FailedLoginThreshold = def.FailedLoginThreshold
	}
	if cfg.PHIAccessThreshold <= 0 {
		cfg.PHIAccessThreshold = def.PHIAccessThreshold
	}
	return &Detector{repo: repo, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source.
func (d *Detector) SetClock(now func() time.Time) { d.now = now }

// Detect evaluates both rules over [now-window, now]. Failed-login findings
// come first, ordered by IP; access findings follow, ordered by user.
func (d *Detector) Detect(ctx context.Context) (*AnomalyReport, error) {
	end := d.now().UTC()
	start := end.Add(-d.cfg.Window)

	report := &AnomalyReport{Anomalies: make([]Anomaly, 0), WindowStart: start, WindowEnd: end}

	logins, err := d.failedLogins(ctx, start, end)
	if err != nil {
		return nil, err
	}
	access, err := d.unusualAccess(ctx, start, end)
	if err != nil {
		return nil, err
	}
	report.Anomalies = append(report.Anomalies, logins...)
	report.Anomalies = append(report.Anomalies, access...)
	return report, nil
}

func (d *Detector) failedLogins(ctx context.Context, start, end time.Time) ([]Anomaly, error) {
	f := Filter{Action: ActionFailedLogin, StartDate: &start, EndDate: &end}
	buckets, err := d.repo.Aggregate(ctx, f, GroupIPAddress, GroupUserID)
	if err != nil {
		return nil, &StorageError{Op: "aggregate", Err: err}
	}

	type group struct {
		attempts int
		users    []string
	}
	byIP := make(map[string]*group)
	for _, b := range buckets {
		ip, user := b.Keys[0], b.Keys[1]
		g, ok := byIP[ip]
		if !ok {
			g = &group{}
			byIP[ip] = g
		}
		g.attempts += b.Count
		g.users = append(g.users, user)
	}

	out := make([]Anomaly, 0)
	for ip, g := range byIP {
		if g.attempts < d.cfg.FailedLoginThreshold {
			continue
		}
		sort.Strings(g.users)
		out = append(out, Anomaly{
			Type:     AnomalyExcessiveFailedLogins,
			Severity: SeverityCritical,
			Details:  AnomalyDetails{IPAddress: ip, Attempts: g.attempts, TargetedUsers: g.users},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Details.IPAddress < out[j].Details.IPAddress })
	return out, nil
}

func (d *Detector) unusualAccess(ctx context.Context, start, end time.Time) ([]Anomaly, error) {
	f := Filter{AnyAction: []Action{ActionViewPHI, ActionExportPHI}, StartDate: &start, EndDate: &end}
	buckets, err := d.repo.Aggregate(ctx, f, GroupUserID, GroupPatientID)
	if err != nil {
		return nil, &StorageError{Op: "aggregate", Err: err}
	}

	type group struct {
		count    int
		patients int
	}
	byUser := make(map[string]*group)
	for _, b := range buckets {
		user, patient := b.Keys[0], b.Keys[1]
		g, ok := byUser[user]
		if !ok {
			g = &group{}
			byUser[user] = g
		}
		g.count += b.Count
		if patient != "" {
			g.patients++
		}
	}

	out := make([]Anomaly, 0)
	for user, g := range byUser {
		if g.count < d.cfg.PHIAccessThreshold {
			continue
		}
		out = append(out, Anomaly{
			Type:     AnomalyUnusualAccessPattern,
			Severity: SeverityHigh,
			Details:  AnomalyDetails{UserID: user, AccessCount: g.count, UniquePatients: g.patients},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Details.UserID < out[j].Details.UserID })
	return out, nil
}
