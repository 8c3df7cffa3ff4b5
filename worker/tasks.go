package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gurre/myshdump/session"
)

// executeLoadChunk opens the chunk's decompressed byte stream and imports
// it via LOAD DATA LOCAL INFILE, per section 4.5's LoadChunk details.
func (w *Worker) executeLoadChunk(ctx context.Context, t *Task) bool {
	w.post(Event{WorkerID: w.id, Kind: LoadStart, Task: t})

	if t.TruncateFirst {
		stmt := fmt.Sprintf("TRUNCATE TABLE `%s`.`%s`", t.Table.Schema, t.Table.Name)
		if _, err := w.conn.Exec(ctx, stmt); err != nil {
			return w.fatal(t, fmt.Errorf("truncate before unchunked reload: %w", err))
		}
	}

	r, err := w.reader.OpenChunk(ctx, t.Chunk)
	if err != nil {
		return w.fatal(t, fmt.Errorf("open chunk %s: %w", t.Chunk.FileName, err))
	}
	defer r.Close()

	result, err := w.conn.LoadDataInfile(ctx, session.LoadDataOptions{
		Schema:    t.Table.Schema,
		Table:     t.Table.Name,
		Reader:    r,
		Interrupt: w.hardInterrupt,
	})
	if err != nil {
		if errors.Is(err, session.ErrInterrupted) {
			w.post(Event{
				WorkerID:    w.id,
				Kind:        LoadEnd,
				Task:        t,
				Bytes:       result.Bytes,
				RawBytes:    result.Bytes,
				Interrupted: true,
			})
			return true
		}
		return w.fatal(t, fmt.Errorf("load chunk %s: %w", t.Chunk.FileName, err))
	}

	w.post(Event{
		WorkerID: w.id,
		Kind:     LoadEnd,
		Task:     t,
		Bytes:    result.Bytes,
		RawBytes: result.Bytes,
		Rows:     result.Rows,
	})
	return true
}

// executeRecreateIndexes applies each deferred ALTER TABLE ... ADD ...
// statement in sequence, retrying deadlocks with linear backoff and
// skipping (not failing) on a duplicate key name, per section 4.5.
func (w *Worker) executeRecreateIndexes(ctx context.Context, t *Task) bool {
	w.post(Event{WorkerID: w.id, Kind: IndexStart, Task: t})

	if _, err := w.conn.Exec(ctx, "SET unique_checks = 0"); err != nil {
		return w.fatal(t, fmt.Errorf("set unique_checks: %w", err))
	}

	var notes []string
	for _, stmt := range t.Table.DeferredIndexes {
		if err := w.runWithDeadlockRetry(ctx, stmt); err != nil {
			if duplicateKeyNameError(err) {
				notes = append(notes, "skipped: duplicate key name: "+stmt)
				continue
			}
			return w.fatal(t, fmt.Errorf("recreate index: %w", err))
		}
	}

	w.post(Event{WorkerID: w.id, Kind: IndexEnd, Task: t, Note: strings.Join(notes, "; ")})
	return true
}

func (w *Worker) runWithDeadlockRetry(ctx context.Context, stmt string) error {
	var lastErr error
	for attempt := 0; attempt <= recreateIndexRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(time.Duration(attempt) * recreateIndexBackoffUnit)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		_, err := w.conn.Exec(ctx, stmt)
		if err == nil {
			return nil
		}
		if !deadlockError(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("exceeded %d deadlock retries: %w", recreateIndexRetries, lastErr)
}

// executeAnalyzeTable issues ANALYZE TABLE, using the histogram-aware
// form when the producer captured histograms and the live target
// supports them (server version > 8.0.0), per section 4.5 and the
// Open Question decision to warn-and-skip rather than fall back on
// older targets.
func (w *Worker) executeAnalyzeTable(ctx context.Context, t *Task) bool {
	w.post(Event{WorkerID: w.id, Kind: AnalyzeStart, Task: t})

	qualified := fmt.Sprintf("`%s`.`%s`", t.Table.Schema, t.Table.Name)

	if len(t.Table.Histograms) > 0 {
		if !targetSupportsHistograms(t.TargetServerVersion) {
			w.post(Event{
				WorkerID: w.id,
				Kind:     AnalyzeEnd,
				Task:     t,
				Note:     "skipped histogram update: target does not support UPDATE HISTOGRAM",
			})
			return true
		}

		for _, h := range t.Table.Histograms {
			stmt := fmt.Sprintf("ANALYZE TABLE %s UPDATE HISTOGRAM ON `%s` WITH %d BUCKETS",
				qualified, h.Column, h.Buckets)
			if _, err := w.conn.Exec(ctx, stmt); err != nil {
				return w.fatal(t, fmt.Errorf("update histogram on %s.%s: %w", qualified, h.Column, err))
			}
		}
		w.post(Event{WorkerID: w.id, Kind: AnalyzeEnd, Task: t})
		return true
	}

	if _, err := w.conn.Exec(ctx, "ANALYZE TABLE "+qualified); err != nil {
		return w.fatal(t, fmt.Errorf("analyze table %s: %w", qualified, err))
	}
	w.post(Event{WorkerID: w.id, Kind: AnalyzeEnd, Task: t})
	return true
}

// targetSupportsHistograms reports whether version (a MySQL "8.0.32"
// style string) is strictly greater than 8.0.0.
func targetSupportsHistograms(version string) bool {
	major, minor, patch := parseVersion(version)
	if major != 8 {
		return major > 8
	}
	if minor != 0 {
		return minor > 0
	}
	return patch > 0
}

func parseVersion(version string) (major, minor, patch int) {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) > 0 {
		major, _ = strconv.Atoi(parts[0])
	}
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(parts[1])
	}
	if len(parts) > 2 {
		patch, _ = strconv.Atoi(strings.SplitN(parts[2], "-", 2)[0])
	}
	return major, minor, patch
}
