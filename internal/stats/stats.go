// Package stats aggregates run counters and periodically persists them to
// the statistics file in the output directory.
package stats

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"
)

// Counters are the hot-path counters workers bump on every execution.
type Counters struct {
	Execs      atomic.Uint64
	Crashes    atomic.Uint64
	Timeouts   atomic.Uint64
	OOMs       atomic.Uint64
	Objectives atomic.Uint64
	IOFailures atomic.Uint64
}

// Snapshot is one point-in-time statistics record, overwritten in place in
// the stats file.
type Snapshot struct {
	RunID         string    `json:"run_id"`
	StartedAt     time.Time `json:"started_at"`
	ElapsedSec    float64   `json:"elapsed_sec"`
	Execs         uint64    `json:"execs"`
	ExecsPerSec   float64   `json:"execs_per_sec"`
	CorpusSize    int       `json:"corpus_size"`
	CoverageSlots int       `json:"coverage_slots"`
	Objectives    uint64    `json:"objectives"`
	Crashes       uint64    `json:"crashes"`
	Timeouts      uint64    `json:"timeouts"`
	OOMs          uint64    `json:"ooms"`
	IOFailures    uint64    `json:"io_failures"`
	Workers       int       `json:"workers"`
	CPUPercent    float64   `json:"cpu_percent"`
}

// Writer builds snapshots and overwrites the stats file atomically.
type Writer struct {
	path    string
	runID   string
	workers int
	start   time.Time
}

// NewWriter creates a writer for the stats file at path.
func NewWriter(path string, workers int) *Writer {
	return &Writer{
		path:    path,
		runID:   uuid.NewString(),
		workers: workers,
		start:   time.Now(),
	}
}

// Snapshot assembles the current record from the live counters.
func (w *Writer) Snapshot(c *Counters, corpusSize, coverageSlots int) Snapshot {
	elapsed := time.Since(w.start).Seconds()
	execs := c.Execs.Load()
	s := Snapshot{
		RunID:         w.runID,
		StartedAt:     w.start,
		ElapsedSec:    elapsed,
		Execs:         execs,
		CorpusSize:    corpusSize,
		CoverageSlots: coverageSlots,
		Objectives:    c.Objectives.Load(),
		Crashes:       c.Crashes.Load(),
		Timeouts:      c.Timeouts.Load(),
		OOMs:          c.OOMs.Load(),
		IOFailures:    c.IOFailures.Load(),
		Workers:       w.workers,
	}
	if elapsed > 0 {
		s.ExecsPerSec = float64(execs) / elapsed
	}
	// Instantaneous reading since the last call; best effort.
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	return s
}

// Write overwrites the stats file via rename so readers never observe a
// torn record.
func (w *Writer) Write(s Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal stats")
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write stats file")
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return errors.Wrap(err, "replace stats file")
	}
	return nil
}
