package audit

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// ParseFilter reads filter fields from query parameters. Unknown enum
// values and malformed dates or booleans are rejected, never ignored.
func ParseFilter(q url.Values) (Filter, error) {
	var f Filter
	verr := &ValidationError{}

	f.UserID = q.Get("userId")
	f.PatientID = q.Get("patientId")

	if v := q.Get("action"); v != "" {
		if !Action(v).Valid() {
			verr.add("action", "unknown action "+quote(v))
		}
		f.Action = Action(v)
	}
	if v := q.Get("resourceType"); v != "" {
		if !ResourceType(v).Valid() {
			verr.add("resourceType", "unknown resource type "+quote(v))
		}
		f.ResourceType = ResourceType(v)
	}
	if v := q.Get("severity"); v != "" {
		if !Severity(v).Valid() {
			verr.add("severity", "unknown severity "+quote(v))
		}
		f.Severity = Severity(v)
	}
	if v := q.Get("success"); v != "" {
		switch v {
		case "true", "false":
			b := v == "true"
			f.Success = &b
		default:
			verr.add("success", fmt.Sprintf("must be true or false, got %q", v))
		}
	}
	if v := q.Get("startDate"); v != "" {
		t, err := parseDate(v, false)
		if err != nil {
			verr.add("startDate", err.Error())
		} else {
			f.StartDate = &t
		}
	}
	if v := q.Get("endDate"); v != "" {
		t, err := parseDate(v, true)
		if err != nil {
			verr.add("endDate", err.Error())
		} else {
			f.EndDate = &t
		}
	}
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		verr.add("endDate", "must not be before startDate")
	}
	return f, verr.orNil()
}

// ParsePage reads page, limit, sortBy and sortOrder. The default order is
// newest first.
func ParsePage(q url.Values) (Page, error) {
	p := Page{SortBy: q.Get("sortBy"), SortDesc: true}
	verr := &ValidationError{}

	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			verr.add("page", "must be a positive integer")
		}
		p.Page = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			verr.add("limit", "must be a positive integer")
		}
		p.Limit = n
	}
	switch q.Get("sortOrder") {
	case "", "desc":
	case "asc":
		p.SortDesc = false
	default:
		verr.add("sortOrder", "must be asc or desc")
	}
	if err := verr.orNil(); err != nil {
		return p, err
	}
	return p.normalize()
}

// ParseDays reads an optional positive integer day count.
func ParseDays(v string) (int, error) {
	if v == "" {
		return DefaultReportDays, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, NewValidationError("days", "must be an integer")
	}
	return ClampDays(n), nil
}

// parseDate accepts RFC 3339 timestamps or plain YYYY-MM-DD dates. A plain
// date used as an upper bound covers the whole day.
func parseDate(v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(dayLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("must be RFC 3339 or YYYY-MM-DD, got %q", v)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Microsecond)
	}
	return t, nil
}
