package audit

import (
	"context"
	"time"
)

// Repository is the append-only event store. It has no update or delete.
type Repository interface {
	// Append links the event into the hash chain and persists it.
	Append(ctx context.Context, e *Event) error
	// Find returns one page of matching events and the total match count.
	Find(ctx context.Context, f Filter, p Page) ([]*Event, int, error)
	// Aggregate counts matching events grouped by the given keys.
	Aggregate(ctx context.Context, f Filter, keys ...GroupKey) ([]Bucket, error)
	// Walk visits every event in append order.
	Walk(ctx context.Context, fn func(*Event) error) error
}

// Filter selects events. All set fields must match.
type Filter struct {
	UserID       string
	PatientID    string
	Action       Action
	AnyAction    []Action
	ResourceType ResourceType
	Severity     Severity
	Success      *bool
	StartDate    *time.Time
	EndDate      *time.Time
}

// Match reports whether e satisfies every set field of f. Date bounds are
// inclusive.
func (f Filter) Match(e *Event) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.PatientID != "" && e.PatientID != f.PatientID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if len(f.AnyAction) > 0 {
		found := false
		for _, a := range f.AnyAction {
			if e.Action == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	if f.StartDate != nil && e.Timestamp.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && e.Timestamp.After(*f.EndDate) {
		return false
	}
	return true
}

// Sort columns accepted by Find.
const (
	SortTimestamp = "timestamp"
	SortAction    = "action"
	SortSeverity  = "severity"
	SortUserID    = "userId"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Page controls pagination and ordering. Page is 1-based.
type Page struct {
	Page     int
	Limit    int
	SortBy   string
	SortDesc bool
}

// Offset returns the zero-based index of the first row on the page.
func (p Page) Offset() int {
	if p.Page < 1 {
		return 0
	}
	return (p.Page - 1) * p.Limit
}

// GroupKey names a dimension Aggregate can group on.
type GroupKey string

const (
	GroupAction    GroupKey = "action"
	GroupSeverity  GroupKey = "severity"
	GroupUserID    GroupKey = "userId"
	GroupPatientID GroupKey = "patientId"
	GroupIPAddress GroupKey = "ipAddress"
	GroupSuccess   GroupKey = "success"
	GroupHour      GroupKey = "hour"
	GroupDay       GroupKey = "day"
	GroupEmergency GroupKey = "emergencyAccess"
)

// Hour and day bucket layouts, always in UTC.
const (
	hourLayout = "2006-01-02 15:00"
	dayLayout  = "2006-01-02"
)

// Bucket is one group of an aggregation. Keys are in the order requested.
type Bucket struct {
	Keys  []string
	Count int
}
