package audit

import (
	"net/url"
	"testing"
	"time"
)

func TestParseFilter_Valid(t *testing.T) {
	q := url.Values{
		"userId":       {"doc-1"},
		"patientId":    {"pat-1"},
		"action":       {"VIEW_PHI"},
		"resourceType": {"lab_result"},
		"severity":     {"high"},
		"success":      {"false"},
		"startDate":    {"2025-06-01"},
		"endDate":      {"2025-06-02"},
	}
	f, err := ParseFilter(q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.UserID != "doc-1" || f.PatientID != "pat-1" || f.Action != ActionViewPHI ||
		f.ResourceType != ResourceLabResult || f.Severity != SeverityHigh {
		t.Errorf("unexpected filter %+v", f)
	}
	if f.Success == nil || *f.Success {
		t.Error("expected success=false")
	}
	if !f.StartDate.Equal(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected start %v", f.StartDate)
	}
	wantEnd := time.Date(2025, 6, 2, 23, 59, 59, 999999000, time.UTC)
	if !f.EndDate.Equal(wantEnd) {
		t.Errorf("expected plain end date to cover the whole day, got %v", f.EndDate)
	}
}

func TestParseFilter_RFC3339(t *testing.T) {
	f, err := ParseFilter(url.Values{"startDate": {"2025-06-01T10:00:00+02:00"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.StartDate.Equal(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected start %v", f.StartDate)
	}
}

func TestParseFilter_RejectsBadValues(t *testing.T) {
	q := url.Values{
		"action":       {"HACK"},
		"resourceType": {"moon"},
		"severity":     {"extreme"},
		"success":      {"maybe"},
		"startDate":    {"yesterday"},
	}
	_, err := ParseFilter(q)
	for _, field := range []string{"action", "resourceType", "severity", "success", "startDate"} {
		if !hasField(err, field) {
			t.Errorf("expected %s rejected, got %v", field, fieldNames(err))
		}
	}

	_, err = ParseFilter(url.Values{"startDate": {"2025-06-02"}, "endDate": {"2025-06-01"}})
	if !hasField(err, "endDate") {
		t.Errorf("expected inverted range rejected, got %v", err)
	}
}

func TestParsePage(t *testing.T) {
	p, err := ParsePage(url.Values{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Page != 1 || p.Limit != DefaultLimit || p.SortBy != SortTimestamp || !p.SortDesc {
		t.Errorf("unexpected defaults %+v", p)
	}

	p, err = ParsePage(url.Values{"page": {"3"}, "limit": {"9999"}, "sortBy": {"severity"}, "sortOrder": {"asc"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Page != 3 || p.Limit != MaxLimit || p.SortBy != SortSeverity || p.SortDesc {
		t.Errorf("unexpected page %+v", p)
	}
	if p.Offset() != 2*MaxLimit {
		t.Errorf("unexpected offset %d", p.Offset())
	}
}

func TestParsePage_RejectsBadValues(t *testing.T) {
	tests := []struct {
		q     url.Values
		field string
	}{
		{url.Values{"page": {"0"}}, "page"},
		{url.Values{"page": {"abc"}}, "page"},
		{url.Values{"limit": {"-1"}}, "limit"},
		{url.Values{"sortOrder": {"sideways"}}, "sortOrder"},
		{url.Values{"sortBy": {"ssn"}}, "sortBy"},
	}
	for _, tt := range tests {
		if _, err := ParsePage(tt.q); !hasField(err, tt.field) {
			t.Errorf("%v: expected %s rejected, got %v", tt.q, tt.field, err)
		}
	}
}

func TestParseDays(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", 30, false},
		{"0", 30, false},
		{"7", 7, false},
		{"400", 365, false},
		{"-3", 1, false},
		{"week", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDays(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDays(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDays(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
