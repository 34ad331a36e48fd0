package audit

import (
	"context"
	"sort"
	"time"
)

// Pagination describes the page returned by Query.
type Pagination struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Pages int `json:"pages"`
	Limit int `json:"limit"`
}

// QueryResult is one page of matching events.
type QueryResult struct {
	Logs       []*Event   `json:"logs"`
	Pagination Pagination `json:"pagination"`
}

// normalize fills defaults and rejects out-of-range sort settings.
func (p Page) normalize() (Page, error) {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	switch p.SortBy {
	case "":
		p.SortBy = SortTimestamp
	case SortTimestamp, SortAction, SortSeverity, SortUserID:
	default:
		return p, NewValidationError("sortBy", "unsupported sort field "+quote(p.SortBy))
	}
	return p, nil
}

// Query returns matching events, newest first unless p says otherwise.
func (s *Service) Query(ctx context.Context, f Filter, p Page) (*QueryResult, error) {
	p, err := p.normalize()
	if err != nil {
		return nil, err
	}
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		return nil, NewValidationError("endDate", "must not be before startDate")
	}

	logs, total, err := s.repo.Find(ctx, f, p)
	if err != nil {
		return nil, &StorageError{Op: "find", Err: err}
	}
	pages := 0
	if total > 0 {
		pages = (total + p.Limit - 1) / p.Limit
	}
	return &QueryResult{
		Logs:       logs,
		Pagination: Pagination{Total: total, Page: p.Page, Pages: pages, Limit: p.Limit},
	}, nil
}

var timeRanges = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// DefaultTimeRange is used for unknown or empty range labels.
const DefaultTimeRange = "24h"

// StatsSummary holds the headline numbers of Statistics.
type StatsSummary struct {
	TotalActions     int `json:"totalActions"`
	UniqueUsersCount int `json:"uniqueUsersCount"`
	FailedActions    int `json:"failedActions"`
}

// HourlyCount is one hour bucket, labelled "YYYY-MM-DD HH:00" in UTC.
type HourlyCount struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

// Statistics is the dashboard aggregate over a trailing window.
type Statistics struct {
	Summary              StatsSummary   `json:"summary"`
	ActionDistribution   map[string]int `json:"actionDistribution"`
	SeverityDistribution map[string]int `json:"severityDistribution"`
	HourlyActivity       []HourlyCount  `json:"hourlyActivity"`
	TimeRange            string         `json:"timeRange"`
}

// Statistics aggregates events in the trailing window named by timeRange
// (1h, 24h, 7d or 30d; anything else means 24h).
func (s *Service) Statistics(ctx context.Context, timeRange string) (*Statistics, error) {
	window, ok := timeRanges[timeRange]
	if !ok {
		timeRange, window = DefaultTimeRange, timeRanges[DefaultTimeRange]
	}
	since := s.now().UTC().Add(-window)
	f := Filter{StartDate: &since}

	buckets, err := s.repo.Aggregate(ctx, f, GroupAction, GroupSeverity, GroupSuccess, GroupHour)
	if err != nil {
		return nil, &StorageError{Op: "aggregate", Err: err}
	}
	users, err := s.repo.Aggregate(ctx, f, GroupUserID)
	if err != nil {
		return nil, &StorageError{Op: "aggregate", Err: err}
	}

	st := &Statistics{
		ActionDistribution:   make(map[string]int),
		SeverityDistribution: make(map[string]int, len(Severities)),
		HourlyActivity:       make([]HourlyCount, 0),
		TimeRange:            timeRange,
	}
	for _, sev := range Severities {
		st.SeverityDistribution[string(sev)] = 0
	}

	hours := make(map[string]int)
	for _, b := range buckets {
		action, severity, success, hour := b.Keys[0], b.Keys[1], b.Keys[2], b.Keys[3]
		st.Summary.TotalActions += b.Count
		if success == "false" {
			st.Summary.FailedActions += b.Count
		}
		st.ActionDistribution[action] += b.Count
		st.SeverityDistribution[severity] += b.Count
		hours[hour] += b.Count
	}
	for h, n := range hours {
		st.HourlyActivity = append(st.HourlyActivity, HourlyCount{Hour: h, Count: n})
	}
	sort.Slice(st.HourlyActivity, func(i, j int) bool {
		return st.HourlyActivity[i].Hour < st.HourlyActivity[j].Hour
	})
	st.Summary.UniqueUsersCount = len(users)
	return st, nil
}

const (
	DefaultReportDays = 30
	MaxReportDays     = 365
	recentActionLimit = 20
	accessedPreview   = 10
)

// ReportPeriod is the window a report covers.
type ReportPeriod struct {
	Days  int       `json:"days,omitempty"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// DailyActivity counts one user's actions on one UTC date.
type DailyActivity struct {
	Date    string         `json:"date"`
	Actions map[string]int `json:"actions"`
	Total   int            `json:"total"`
}

// UserActivityReport summarises one user's recent activity.
type UserActivityReport struct {
	UserID                string          `json:"userId"`
	Period                ReportPeriod    `json:"period"`
	TotalActions          int             `json:"totalActions"`
	DailyActivity         []DailyActivity `json:"dailyActivity"`
	AccessedPatientsCount int             `json:"accessedPatientsCount"`
	AccessedPatients      []string        `json:"accessedPatients"`
	RecentActions         []*Event        `json:"recentActions"`
}

// ClampDays applies the report window defaults: 0 means 30, and values are
// clamped to 1..365.
func ClampDays(days int) int {
	switch {
	case days == 0:
		return DefaultReportDays
	case days < 1:
		return 1
	case days > MaxReportDays:
		return MaxReportDays
	}
	return days
}

// UserActivityReport reports the last days of activity for userID.
func (s *Service) UserActivityReport(ctx context.Context, userID string, days int) (*UserActivityReport, error) {
	if userID == "" {
		return nil, NewValidationError("userId", "is required")
	}
	days = ClampDays(days)
	end := s.now().UTC()
	start := end.Add(-time.Duration(days) * 24 * time.Hour)
	f := Filter{UserID: userID, StartDate: &start}

	daily, err := s.repo.Aggregate(ctx, f, GroupDay, GroupAction)
	if err != nil {
		return nil, &StorageError{Op: "aggregate", Err: err}
	}
	patients, err := s.repo.Aggregate(ctx, f, GroupPatientID)
	if err != nil {
		return nil, &StorageError{Op: "aggregate", Err: err}
	}
	recent, _, err := s.repo.Find(ctx, f, Page{Page: 1, Limit: recentActionLimit, SortBy: SortTimestamp, SortDesc: true})
	if err != nil {
		return nil, &StorageError{Op: "find", Err: err}
	}

	r := &UserActivityReport{
		UserID:           userID,
		Period:           ReportPeriod{Days: days, Start: start, End: end},
		DailyActivity:    make([]DailyActivity, 0),
		AccessedPatients: make([]string, 0),
		RecentActions:    recent,
	}

	byDay := make(map[string]*DailyActivity)
	for _, b := range daily {
		day, action := b.Keys[0], b.Keys[1]
		d, ok := byDay[day]
		if !ok {
			d = &DailyActivity{Date: day, Actions: make(map[string]int)}
			byDay[day] = d
		}
		d.Actions[action] += b.Count
		d.Total += b.Count
		r.TotalActions += b.Count
	}
	for _, d := range byDay {
		r.DailyActivity = append(r.DailyActivity, *d)
	}
	sort.Slice(r.DailyActivity, func(i, j int) bool {
		return r.DailyActivity[i].Date > r.DailyActivity[j].Date
	})

	ids := make([]string, 0, len(patients))
	for _, b := range patients {
		if b.Keys[0] != "" {
			ids = append(ids, b.Keys[0])
		}
	}
	sort.Strings(ids)
	r.AccessedPatientsCount = len(ids)
	if len(ids) > accessedPreview {
		ids = ids[:accessedPreview]
	}
	r.AccessedPatients = append(r.AccessedPatients, ids...)
	return r, nil
}

// phiActions are the actions that touch protected health information.
var phiActions = []Action{ActionViewPHI, ActionUpdatePHI, ActionDeletePHI, ActionExportPHI, ActionViewLabResult}

// UserAccessCount is one user's PHI access count within a report period.
type UserAccessCount struct {
	UserID string `json:"userId"`
	Count  int    `json:"count"`
}

const complianceCriticalLimit = 100

// ComplianceReport is the periodic HIPAA review summary.
type ComplianceReport struct {
	Period               ReportPeriod      `json:"period"`
	GeneratedAt          time.Time         `json:"generatedAt"`
	TotalEvents          int               `json:"totalEvents"`
	PHIAccessCount       int               `json:"phiAccessCount"`
	FailedEvents         int               `json:"failedEvents"`
	EmergencyAccessCount int               `json:"emergencyAccessCount"`
	SeverityDistribution map[string]int    `json:"severityDistribution"`
	UserAccess           []UserAccessCount `json:"userAccess"`
	CriticalEventsTotal  int               `json:"criticalEventsTotal"`
	CriticalEvents       []*Event          `json:"criticalEvents"`
}

// ComplianceReport summarises events in [start, end].
func (s *Service) ComplianceReport(ctx context.Context, start, end time.Time) (*ComplianceReport, error) {
	if end.Before(start) {
		return nil, NewValidationError("endDate", "must not be before startDate")
	}
	f := Filter{StartDate: &start, EndDate: &end}

	buckets, err := s.repo.Aggregate(ctx, f, GroupSeverity, GroupSuccess, GroupEmergency)
	if err != nil {
		return nil, &StorageError{Op: "aggregate", Err: err}
	}
	phi := f
	phi.AnyAction = phiActions
	users, err := s.repo.Aggregate(ctx, phi, GroupUserID)
	if err != nil {
		return nil, &StorageError{Op: "aggregate", Err: err}
	}
	crit := f
	crit.Severity = SeverityCritical
	critical, critTotal, err := s.repo.Find(ctx, crit, Page{Page: 1, Limit: complianceCriticalLimit, SortBy: SortTimestamp, SortDesc: true})
	if err != nil {
		return nil, &StorageError{Op: "find", Err: err}
	}

	r := &ComplianceReport{
		Period:               ReportPeriod{Start: start.UTC(), End: end.UTC()},
		GeneratedAt:          s.now().UTC(),
		SeverityDistribution: make(map[string]int, len(Severities)),
		UserAccess:           make([]UserAccessCount, 0, len(users)),
		CriticalEventsTotal:  critTotal,
		CriticalEvents:       critical,
	}
	for _, sev := range Severities {
		r.SeverityDistribution[string(sev)] = 0
	}
	for _, b := range buckets {
		r.TotalEvents += b.Count
		r.SeverityDistribution[b.Keys[0]] += b.Count
		if b.Keys[1] == "false" {
			r.FailedEvents += b.Count
		}
		if b.Keys[2] == "true" {
			r.EmergencyAccessCount += b.Count
		}
	}
	for _, b := range users {
		r.PHIAccessCount += b.Count
		r.UserAccess = append(r.UserAccess, UserAccessCount{UserID: b.Keys[0], Count: b.Count})
	}
	sort.SliceStable(r.UserAccess, func(i, j int) bool {
		if r.UserAccess[i].Count != r.UserAccess[j].Count {
			return r.UserAccess[i].Count > r.UserAccess[j].Count
		}
		return r.UserAccess[i].UserID < r.UserAccess[j].UserID
	})
	return r, nil
}
