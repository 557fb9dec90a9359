package mesh

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Output file names within the output directory.
const (
	DataFile        = "data.json"
	DataSourceFile  = "data-source.json"
	DiagnosticsFile = "diagnostics.json"
	SummaryFile     = "summary.json"
)

// RunSummary is the short description of a run published over MQTT and
// served over HTTP.
type RunSummary struct {
	RunID           string         `json:"runId"`
	GeneratedAt     time.Time      `json:"generatedAt"`
	Collections     map[string]int `json:"collections"`
	Diagnostics     map[string]int `json:"diagnostics"`
	LocationUnknown int            `json:"locationUnknown"`
	TeachingUnknown int            `json:"teachingUnknown"`
}

// DiagnosticsReport is the full diagnostics output of a run.
type DiagnosticsReport struct {
	RunID           string              `json:"runId"`
	GeneratedAt     time.Time           `json:"generatedAt"`
	Entities        []EntityDiagnostics `json:"entities"`
	LocationUnknown []UnknownLocation   `json:"locationUnknown"`
}

// Summary condenses the dataset
func (d *Dataset) Summary() RunSummary {
	s := RunSummary{
		RunID:       d.RunID,
		GeneratedAt: d.GeneratedAt,
		Collections: make(map[string]int),
		Diagnostics: make(map[string]int),
	}
	for name, fc := range d.Collections() {
		s.Collections[name] = len(fc.Features)
	}
	if d.Diagnostics == nil {
		return s
	}
	for sev, n := range d.Diagnostics.CountBySeverity() {
		s.Diagnostics[sev.String()] = n
	}
	for _, ul := range d.Diagnostics.LocationUnknown() {
		s.LocationUnknown++
		if ul.Teaching {
			s.TeachingUnknown++
		}
	}
	return s
}

// DiagnosticsReport builds the full diagnostics document
func (d *Dataset) DiagnosticsReport() DiagnosticsReport {
	r := DiagnosticsReport{
		RunID:           d.RunID,
		GeneratedAt:     d.GeneratedAt,
		Entities:        []EntityDiagnostics{},
		LocationUnknown: []UnknownLocation{},
	}
	if d.Diagnostics != nil {
		r.Entities = append(r.Entities, d.Diagnostics.Summarize()...)
		r.LocationUnknown = append(r.LocationUnknown, d.Diagnostics.LocationUnknown()...)
	}
	return r
}

// WriteDataFiles writes the collections compact to data.json and indented to
// data-source.json, plus the diagnostics report and run summary.
func WriteDataFiles(dir string, d *Dataset) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	collections := d.Collections()

	compact, err := json.Marshal(collections)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	if err := writeFile(filepath.Join(dir, DataFile), compact); err != nil {
		return err
	}

	indented, err := json.MarshalIndent(collections, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal data source: %w", err)
	}
	if err := writeFile(filepath.Join(dir, DataSourceFile), indented); err != nil {
		return err
	}

	if err := writeJSON(filepath.Join(dir, DiagnosticsFile), d.DiagnosticsReport()); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, SummaryFile), d.Summary())
}

// LoadSummary reads the summary written by the last run in dir
func LoadSummary(dir string) (*RunSummary, error) {
	var s RunSummary
	if err := readJSON(filepath.Join(dir, SummaryFile), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadDiagnosticsReport reads the diagnostics written by the last run in dir
func LoadDiagnosticsReport(dir string) (*DiagnosticsReport, error) {
	var r DiagnosticsReport
	if err := readJSON(filepath.Join(dir, DiagnosticsFile), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return writeFile(path, data)
}

// writeFile replaces path atomically so a server reading the directory never
// sees a partial file.
func writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}
