package audit

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MemoryRepository is an in-process Repository used for development and
// tests. Appends are serialized by the write lock, which also orders the
// hash chain.
type MemoryRepository struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryRepository returns an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Append(ctx context.Context, e *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := ""
	if n := len(r.events); n > 0 {
		prev = r.events[n-1].Hash
	}
	if err := seal(e, prev); err != nil {
		return err
	}
	r.events = append(r.events, e.clone())
	return nil
}

func (r *MemoryRepository) Find(ctx context.Context, f Filter, p Page) ([]*Event, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	r.mu.RLock()
	matched := make([]*Event, 0)
	for _, e := range r.events {
		if f.Match(e) {
			matched = append(matched, e)
		}
	}
	r.mu.RUnlock()

	sortEvents(matched, p)

	total := len(matched)
	start := p.Offset()
	if start > total {
		start = total
	}
	end := start + p.Limit
	if p.Limit <= 0 || end > total {
		end = total
	}
	out := make([]*Event, 0, end-start)
	for _, e := range matched[start:end] {
		out = append(out, e.clone())
	}
	return out, total, nil
}

func (r *MemoryRepository) Aggregate(ctx context.Context, f Filter, keys ...GroupKey) ([]Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	counts := make(map[string]*Bucket)
	r.mu.RLock()
	for _, e := range r.events {
		if !f.Match(e) {
			continue
		}
		vals := make([]string, len(keys))
		for i, k := range keys {
			vals[i] = groupValue(e, k)
		}
		id := strings.Join(vals, "\x00")
		b, ok := counts[id]
		if !ok {
			b = &Bucket{Keys: vals}
			counts[id] = b
		}
		b.Count++
	}
	r.mu.RUnlock()

	out := make([]Bucket, 0, len(counts))
	for _, b := range counts {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Keys, out[j].Keys
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	return out, nil
}

func (r *MemoryRepository) Walk(ctx context.Context, fn func(*Event) error) error {
	r.mu.RLock()
	snapshot := make([]*Event, len(r.events))
	copy(snapshot, r.events)
	r.mu.RUnlock()
	for _, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e.clone()); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored events.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

// tamper overwrites a stored event in place. Only tests use it, to check
// that chain verification notices.
func (r *MemoryRepository) tamper(i int, fn func(*Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.events[i])
}

func groupValue(e *Event, k GroupKey) string {
	switch k {
	case GroupAction:
		return string(e.Action)
	case GroupSeverity:
		return string(e.Severity)
	case GroupUserID:
		return e.UserID
	case GroupPatientID:
		return e.PatientID
	case GroupIPAddress:
		return e.IPAddress
	case GroupSuccess:
		return strconv.FormatBool(e.Success)
	case GroupHour:
		return e.Timestamp.UTC().Format(hourLayout)
	case GroupDay:
		return e.Timestamp.UTC().Format(dayLayout)
	case GroupEmergency:
		return strconv.FormatBool(e.ComplianceFlags.EmergencyAccess)
	}
	return ""
}

func sortValue(e *Event, by string) string {
	switch by {
	case SortAction:
		return string(e.Action)
	case SortSeverity:
		return string(e.Severity)
	case SortUserID:
		return e.UserID
	}
	return ""
}

func sortEvents(events []*Event, p Page) {
	by := p.SortBy
	if by == "" {
		by = SortTimestamp
	}
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if by != SortTimestamp {
			va, vb := sortValue(a, by), sortValue(b, by)
			if va != vb {
				if p.SortDesc {
					return va > vb
				}
				return va < vb
			}
		}
		if p.SortDesc {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.Timestamp.Before(b.Timestamp)
	})
}
