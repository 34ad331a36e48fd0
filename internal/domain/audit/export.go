package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// DefaultExportMaxRows caps a single export.
const DefaultExportMaxRows = 10000

// Format is an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat maps the format query parameter; empty means JSON.
func ParseFormat(v string) (Format, error) {
	switch Format(v) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	}
	return "", NewValidationError("format", "must be csv or json")
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/json"
}

var csvHeader = []string{
	"Timestamp", "User ID", "User Role", "Action", "Resource Type",
	"Resource ID", "Patient ID", "Success", "Severity", "IP Address",
}

// ExportResult describes what an export wrote.
type ExportResult struct {
	Rows      int  `json:"rows"`
	Total     int  `json:"total"`
	Limit     int  `json:"limit"`
	Truncated bool `json:"truncated"`
}

// Export writes matching events, newest first, up to the row cap.
func (s *Service) Export(ctx context.Context, f Filter, format Format, w io.Writer) (*ExportResult, error) {
	if format != FormatJSON && format != FormatCSV {
		return nil, NewValidationError("format", "must be csv or json")
	}
	events, total, err := s.repo.Find(ctx, f, Page{Page: 1, Limit: s.exportMax, SortBy: SortTimestamp, SortDesc: true})
	if err != nil {
		return nil, &StorageError{Op: "find", Err: err}
	}

	switch format {
	case FormatCSV:
		err = WriteCSV(w, events)
	default:
		err = WriteJSON(w, events)
	}
	if err != nil {
		return nil, fmt.Errorf("write %s export: %w", format, err)
	}
	return &ExportResult{
		Rows:      len(events),
		Total:     total,
		Limit:     s.exportMax,
		Truncated: total > len(events),
	}, nil
}

// WriteJSON writes events as an indented JSON array.
func WriteJSON(w io.Writer, events []*Event) error {
	if events == nil {
		events = []*Event{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(events)
}

// WriteCSV writes a header row and one row per event.
func WriteCSV(w io.Writer, events []*Event) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range events {
		row := []string{
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.UserID,
			string(e.UserRole),
			string(e.Action),
			string(e.ResourceType),
			e.ResourceID,
			e.PatientID,
			strconv.FormatBool(e.Success),
			string(e.Severity),
			e.IPAddress,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
