// Package metrics implements the counters and summary reporting of
// section 7 of the design specification: a final report that counts
// bytes and rows loaded, errors, and warnings.
package metrics

import (
	"fmt"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

// Metrics collects counters during a load operation, updated with
// atomic operations so workers can report concurrently without a lock.
type Metrics struct {
	chunksLoaded   int64
	rowsLoaded     int64
	bytesLoaded    int64
	rawBytesLoaded int64

	indexesRecreated int64
	tablesAnalyzed   int64

	errors   int64
	warnings int64
	skipped  int64 // tables/schemas skipped under force

	startTime time.Time
}

// NewMetrics creates a Metrics instance with its start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordChunkLoaded records one successfully loaded data chunk.
func (m *Metrics) RecordChunkLoaded(bytes, rawBytes int64) {
	atomic.AddInt64(&m.chunksLoaded, 1)
	atomic.AddInt64(&m.bytesLoaded, bytes)
	atomic.AddInt64(&m.rawBytesLoaded, rawBytes)
}

// RecordRowsLoaded adds n rows to the running total.
func (m *Metrics) RecordRowsLoaded(n int64) {
	atomic.AddInt64(&m.rowsLoaded, n)
}

// RecordIndexesRecreated increments the count of tables whose deferred
// indexes finished recreating.
func (m *Metrics) RecordIndexesRecreated() {
	atomic.AddInt64(&m.indexesRecreated, 1)
}

// RecordTableAnalyzed increments the count of tables analyzed.
func (m *Metrics) RecordTableAnalyzed() {
	atomic.AddInt64(&m.tablesAnalyzed, 1)
}

// RecordError increments the errors counter.
func (m *Metrics) RecordError() {
	atomic.AddInt64(&m.errors, 1)
}

// RecordWarning increments the warnings counter.
func (m *Metrics) RecordWarning() {
	atomic.AddInt64(&m.warnings, 1)
}

// RecordSkipped increments the count of tables or schemas skipped under
// force=true after a DDL error.
func (m *Metrics) RecordSkipped() {
	atomic.AddInt64(&m.skipped, 1)
}

// Report is the final load summary of section 7.
type Report struct {
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Duration  time.Duration `json:"duration"`

	ChunksLoaded   int64 `json:"chunksLoaded"`
	RowsLoaded     int64 `json:"rowsLoaded"`
	BytesLoaded    int64 `json:"bytesLoaded"`
	RawBytesLoaded int64 `json:"rawBytesLoaded"`

	IndexesRecreated int64 `json:"indexesRecreated"`
	TablesAnalyzed   int64 `json:"tablesAnalyzed"`

	Errors   int64 `json:"errors"`
	Warnings int64 `json:"warnings"`
	Skipped  int64 `json:"skipped"`

	Throughput float64 `json:"throughput"` // bytes loaded per second
}

// GenerateReport produces the final Report, computing duration and
// throughput as of now.
func (m *Metrics) GenerateReport() Report {
	endTime := time.Now()
	duration := endTime.Sub(m.startTime)

	bytesLoaded := atomic.LoadInt64(&m.bytesLoaded)
	var throughput float64
	if duration > 0 {
		throughput = float64(bytesLoaded) / duration.Seconds()
	}

	return Report{
		StartTime:        m.startTime,
		EndTime:          endTime,
		Duration:         duration,
		ChunksLoaded:     atomic.LoadInt64(&m.chunksLoaded),
		RowsLoaded:       atomic.LoadInt64(&m.rowsLoaded),
		BytesLoaded:      bytesLoaded,
		RawBytesLoaded:   atomic.LoadInt64(&m.rawBytesLoaded),
		IndexesRecreated: atomic.LoadInt64(&m.indexesRecreated),
		TablesAnalyzed:   atomic.LoadInt64(&m.tablesAnalyzed),
		Errors:           atomic.LoadInt64(&m.errors),
		Warnings:         atomic.LoadInt64(&m.warnings),
		Skipped:          atomic.LoadInt64(&m.skipped),
		Throughput:       throughput,
	}
}

// MarshalJSON renders Duration as a Go duration string.
func (r Report) MarshalJSON() ([]byte, error) {
	type Alias Report
	return json.Marshal(&struct {
		Alias
		Duration string `json:"duration"`
	}{
		Alias:    Alias(r),
		Duration: r.Duration.String(),
	})
}

// String renders a human-readable summary for console output.
func (r Report) String() string {
	status := "Load completed"
	if r.Errors > 0 {
		status = "Load completed with errors"
	}
	return fmt.Sprintf(
		"%s in %s\n"+
			"Chunks loaded: %d (%d rows, %d bytes, %d raw bytes)\n"+
			"Indexes recreated: %d, tables analyzed: %d\n"+
			"Errors: %d, warnings: %d, skipped: %d\n"+
			"Throughput: %.2f bytes/sec",
		status, r.Duration,
		r.ChunksLoaded, r.RowsLoaded, r.BytesLoaded, r.RawBytesLoaded,
		r.IndexesRecreated, r.TablesAnalyzed,
		r.Errors, r.Warnings, r.Skipped,
		r.Throughput,
	)
}
