package mesh

import (
	"fmt"
	"sort"
	"sync"
)

// Severity orders diagnostic records from least to most serious.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityTodo
	SeverityWarning
	SeverityError
)

// String returns the lower-case name used in logs and JSON output
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityTodo:
		return "todo"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	}
	return "unknown"
}

// MarshalText makes severities render as names in JSON
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a severity name
func (s *Severity) UnmarshalText(text []byte) error {
	switch string(text) {
	case "info":
		*s = SeverityInfo
	case "todo":
		*s = SeverityTodo
	case "warning":
		*s = SeverityWarning
	case "error":
		*s = SeverityError
	default:
		return fmt.Errorf("unknown severity %q", text)
	}
	return nil
}

// Diagnostic categories recorded by the fusion stages.
const (
	CategoryDecode        = "decode"
	CategoryReconcile     = "ref"
	CategoryDuplicate     = "duplicate-uri"
	CategoryLocation      = "location"
	CategoryContainment   = "containment"
	CategoryLevel         = "level"
	CategoryGeometryBreak = "geometry-break"
	CategoryGeometry      = "geometry"
	CategoryStopURI       = "stop-uri"
	CategoryFetch         = "fetch"
)

// DiagnosticRecord is one issue found for one entity.
type DiagnosticRecord struct {
	EntityID string   `json:"entityId"`
	Severity Severity `json:"severity"`
	Category string   `json:"category"`
	Message  string   `json:"message"`
}

// EntityDiagnostics groups the records of a single entity.
type EntityDiagnostics struct {
	EntityID string             `json:"entityId"`
	Records  []DiagnosticRecord `json:"records"`
}

// HasCategory reports whether any record of the entity is in category at
// severity or above.
func (ed EntityDiagnostics) HasCategory(category string, atLeast Severity) bool {
	for _, r := range ed.Records {
		if r.Category == category && r.Severity >= atLeast {
			return true
		}
	}
	return false
}

// DiagnosticsSink accumulates records from every stage of a run. Appends are
// safe for concurrent use; ordering is imposed only by Summarize. A record
// identical to one already held is dropped, so re-running a stage does not
// repeat its findings.
type DiagnosticsSink struct {
	mu      sync.Mutex
	records []DiagnosticRecord
	seen    map[DiagnosticRecord]struct{}
	onAdd   func(DiagnosticRecord)
}

// NewDiagnosticsSink creates an empty sink
func NewDiagnosticsSink() *DiagnosticsSink {
	return &DiagnosticsSink{seen: make(map[DiagnosticRecord]struct{})}
}

// OnRecord registers a hook invoked (outside the lock) for every new record.
// Used to feed metrics.
func (s *DiagnosticsSink) OnRecord(fn func(DiagnosticRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAdd = fn
}

// Record appends a diagnostic unless an identical one was already recorded.
// It never fails.
func (s *DiagnosticsSink) Record(entityID string, severity Severity, category, message string) {
	rec := DiagnosticRecord{
		EntityID: entityID,
		Severity: severity,
		Category: category,
		Message:  message,
	}

	s.mu.Lock()
	if _, dup := s.seen[rec]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[rec] = struct{}{}
	s.records = append(s.records, rec)
	hook := s.onAdd
	s.mu.Unlock()

	if hook != nil {
		hook(rec)
	}
}

// Len returns the number of records so far
func (s *DiagnosticsSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Records returns a copy of all records in insertion order
func (s *DiagnosticsSink) Records() []DiagnosticRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DiagnosticRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Summarize groups records by entity, sorted by entity id. Records within an
// entity are ordered by descending severity, then category, then message, so
// the output is identical regardless of append order.
func (s *DiagnosticsSink) Summarize() []EntityDiagnostics {
	records := s.Records()

	byEntity := make(map[string][]DiagnosticRecord)
	for _, r := range records {
		byEntity[r.EntityID] = append(byEntity[r.EntityID], r)
	}

	ids := make([]string, 0, len(byEntity))
	for id := range byEntity {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	summary := make([]EntityDiagnostics, 0, len(ids))
	for _, id := range ids {
		recs := byEntity[id]
		sort.SliceStable(recs, func(i, j int) bool {
			if recs[i].Severity != recs[j].Severity {
				return recs[i].Severity > recs[j].Severity
			}
			if recs[i].Category != recs[j].Category {
				return recs[i].Category < recs[j].Category
			}
			return recs[i].Message < recs[j].Message
		})
		summary = append(summary, EntityDiagnostics{EntityID: id, Records: recs})
	}
	return summary
}

// WithCategory returns the summary restricted to entities having at least
// one record in category at severity or above.
func (s *DiagnosticsSink) WithCategory(category string, atLeast Severity) []EntityDiagnostics {
	var out []EntityDiagnostics
	for _, ed := range s.Summarize() {
		if ed.HasCategory(category, atLeast) {
			out = append(out, ed)
		}
	}
	return out
}

// UnknownLocation is an entity whose location could not be resolved.
type UnknownLocation struct {
	EntityID string `json:"entityId"`
	Teaching bool   `json:"teaching"`
}

// LocationUnknown lists entities with an error-level location record, sorted
// by id. Teaching is set when the entity was flagged as a teaching space, so
// callers can highlight those separately.
func (s *DiagnosticsSink) LocationUnknown() []UnknownLocation {
	var out []UnknownLocation
	for _, ed := range s.WithCategory(CategoryLocation, SeverityError) {
		ul := UnknownLocation{EntityID: ed.EntityID}
		for _, r := range ed.Records {
			if r.Category == CategoryLocation && r.Message == MessageUnknownTeaching {
				ul.Teaching = true
			}
		}
		out = append(out, ul)
	}
	return out
}

// CountBySeverity tallies records per severity
func (s *DiagnosticsSink) CountBySeverity() map[Severity]int {
	counts := make(map[Severity]int)
	for _, r := range s.Records() {
		counts[r.Severity]++
	}
	return counts
}
