package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/internal/fileutil"
)

// StepMetadata is the per-step lifecycle record kept in the run report.
// Steps the run never reached are absent from the report entirely.
type StepMetadata struct {
	Name            string    `json:"name"`
	Label           string    `json:"label"`
	Status          Status    `json:"status"`
	StartTime       time.Time `json:"start_time,omitzero"`
	EndTime         time.Time `json:"end_time,omitzero"`
	DurationSeconds float64   `json:"duration_seconds"`
	ExitCode        int       `json:"exit_code"`
}

func (m *StepMetadata) start() {
	m.Status = StatusRunning
	m.StartTime = time.Now()
}

func (m *StepMetadata) finish(code int) {
	m.EndTime = time.Now()
	m.DurationSeconds = m.EndTime.Sub(m.StartTime).Seconds()
	m.ExitCode = code
	if code == 0 {
		m.Status = StatusSuccess
	} else {
		m.Status = StatusFailed
	}
}

// OutputStats is a best-effort post-hoc measurement of one output
// directory, taken while finalizing the report.
type OutputStats struct {
	Path       string `json:"path"`
	Files      int64  `json:"files"`
	TotalBytes int64  `json:"total_bytes"`
}

// Report is the run-level metadata document persisted as JSON at the end
// of every run, including interrupted ones.
type Report struct {
	RunID       string            `json:"run_id"`
	Name        string            `json:"name"`
	Params      map[string]string `json:"params,omitempty"`
	Steps       []*StepMetadata   `json:"steps"`
	StartTime   time.Time         `json:"start_time"`
	EndTime     time.Time         `json:"end_time,omitzero"`
	FinalStatus string            `json:"final_status"`
	ExitCode    int               `json:"exit_code"`
	Stats       []OutputStats     `json:"stats,omitempty"`

	path     string
	statDirs []string
	once     sync.Once
}

// NewReport creates a report that will be persisted under reportDir when
// finalized. statDirs lists the output directories to measure post hoc.
func NewReport(name string, params map[string]any, reportDir string, statDirs []string) *Report {
	id := uuid.NewString()
	return &Report{
		RunID:       id,
		Name:        name,
		Params:      SanitizeParams(params),
		StartTime:   time.Now(),
		FinalStatus: "running",
		path:        filepath.Join(reportDir, fmt.Sprintf("run-%s.json", id)),
		statDirs:    statDirs,
	}
}

// Path returns where the report is (or will be) persisted.
func (r *Report) Path() string {
	return r.path
}

// Finalize stamps the terminal status and writes the report to disk. It is
// safe to call from multiple exit paths; only the first call persists.
// Statistics collection is best effort and never fails the finalize.
func (r *Report) Finalize(status string, exitCode int) error {
	var persistErr error
	r.once.Do(func() {
		r.EndTime = time.Now()
		r.FinalStatus = status
		r.ExitCode = exitCode
		r.collectStats()
		persistErr = r.persist()
	})
	return persistErr
}

func (r *Report) collectStats() {
	for _, dir := range r.statDirs {
		stats, err := fileutil.StatsForDir(dir)
		if err != nil {
			continue
		}
		r.Stats = append(r.Stats, OutputStats{
			Path:       dir,
			Files:      stats.Files,
			TotalBytes: stats.Bytes,
		})
	}
}

func (r *Report) persist() error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	return fileutil.WriteFileAtomic(r.path, data, 0o644)
}

// SanitizeParams flattens run parameters for the report: everything is
// stringified, and live handles (functions, channels, pointers) are
// dropped rather than serialized.
func SanitizeParams(params map[string]any) map[string]string {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]string, len(params))
	for key, value := range params {
		if value == nil {
			continue
		}
		if s, ok := value.(fmt.Stringer); ok {
			out[key] = s.String()
			continue
		}
		switch reflect.TypeOf(value).Kind() {
		case reflect.Func, reflect.Chan, reflect.Pointer, reflect.UnsafePointer:
			continue
		}
		out[key] = fmt.Sprint(value)
	}
	return out
}
