package mesh

import (
	"sync"

	"github.com/charmbracelet/log"
)

// StateTracker holds the result of the latest run for HTTP endpoints
type StateTracker struct {
	mu          sync.RWMutex
	summary     *RunSummary
	diagnostics *DiagnosticsReport
	outputDir   string // directory the last run wrote to; empty disables loading
}

// NewStateTracker creates an empty state tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{}
}

// NewStateTrackerWithDir creates a state tracker backed by an output
// directory. If a previous run left its files there, they are loaded.
func NewStateTrackerWithDir(dir string) *StateTracker {
	st := &StateTracker{outputDir: dir}
	if dir != "" {
		if err := st.Reload(); err != nil {
			log.Debug("No previous run loaded", "dir", dir, "err", err)
		}
	}
	return st
}

// OutputDir returns the directory the tracker reads from
func (st *StateTracker) OutputDir() string {
	return st.outputDir
}

// Reload re-reads the summary and diagnostics from the output directory
func (st *StateTracker) Reload() error {
	summary, err := LoadSummary(st.outputDir)
	if err != nil {
		return err
	}
	report, err := LoadDiagnosticsReport(st.outputDir)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.summary = summary
	st.diagnostics = report
	return nil
}

// Update records a completed run
func (st *StateTracker) Update(d *Dataset) {
	summary := d.Summary()
	report := d.DiagnosticsReport()

	st.mu.Lock()
	defer st.mu.Unlock()
	st.summary = &summary
	st.diagnostics = &report
}

// GetSummary returns a copy of the latest summary
func (st *StateTracker) GetSummary() (RunSummary, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.summary == nil {
		return RunSummary{}, false
	}
	return *st.summary, true
}

// GetDiagnostics returns the latest diagnostics report
func (st *StateTracker) GetDiagnostics() (*DiagnosticsReport, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.diagnostics, st.diagnostics != nil
}

// HasRun returns true once a run has been recorded or loaded
func (st *StateTracker) HasRun() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.summary != nil
}
