// Package journal implements the load progress log of section 4.2 of the
// design specification: an append-only, newline-delimited JSON record of
// every start/end event the loader has issued, used to resume an
// interrupted load without redoing finished work.
package journal

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/gurre/myshdump/storage"
)

// Status is one entry's state, mirrored from the three states the progress
// log can reconstruct on replay.
type Status int

const (
	// Pending means the operation has never been attempted.
	Pending Status = iota
	// Interrupted means a start record exists with no matching end record,
	// left behind by a prior run that did not finish.
	Interrupted
	// Done means a matching start/end pair was found.
	Done
)

func (s Status) String() string {
	switch s {
	case Done:
		return "DONE"
	case Interrupted:
		return "INTERRUPTED"
	default:
		return "PENDING"
	}
}

// entry is the on-disk record shape, one JSON object per line.
// Example:
//
//	{"op":"TABLE-DATA","done":false,"schema":"sakila","table":"actor","chunk":3}
//	{"op":"TABLE-DATA","done":true,"schema":"sakila","table":"actor","chunk":3,"bytes":1024,"raw_bytes":4096}
type entry struct {
	Op       string `json:"op"`
	Done     bool   `json:"done"`
	Schema   string `json:"schema,omitempty"`
	Table    string `json:"table,omitempty"`
	Chunk    *int64 `json:"chunk,omitempty"`
	Bytes    uint64 `json:"bytes,omitempty"`
	RawBytes uint64 `json:"raw_bytes,omitempty"`
}

// Progress is the replayed summary returned by Open: whether this is a
// fresh run or a resume, and how many bytes of work the previous attempt
// already finished.
type Progress struct {
	Status            Status
	BytesCompleted    uint64
	RawBytesCompleted uint64
}

// Log is the in-process view of the progress log: a replayed key → Status
// map plus the append handle used to record new events.
// Example:
//
//	log, progress, err := journal.Open(ctx, file, false)
//	if err != nil {
//	    return err
//	}
//	if progress.Status == journal.Interrupted {
//	    fmt.Println("resuming previous load")
//	}
type Log struct {
	mu    sync.Mutex
	file  storage.JournalFile
	state map[string]Status
}

// Open replays file's existing content (if any) to reconstruct the state
// of every operation it recorded, per load_progress_log.h's init(): a
// start record with no matching end is INTERRUPTED, a start/end pair is
// DONE. It then appends a blank line as a separator and leaves the file
// open for new records, unless dryRun is set, in which case nothing is
// written.
func Open(ctx context.Context, file storage.JournalFile, dryRun bool) (*Log, Progress, error) {
	l := &Log{file: file, state: make(map[string]Status)}

	existed, err := file.Exists(ctx)
	if err != nil {
		return nil, Progress{}, fmt.Errorf("check progress log: %w", err)
	}

	var data []byte
	var progress Progress
	if existed {
		data, err = file.ReadAll(ctx)
		if err != nil {
			return nil, Progress{}, fmt.Errorf("read progress log: %w", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var e entry
			if err := json.Unmarshal([]byte(line), &e); err != nil {
				return nil, Progress{}, fmt.Errorf("parse progress log entry %q: %w", line, err)
			}
			key := entryKey(e.Op, e.Schema, e.Table, e.Chunk)
			prev, ok := l.state[key]
			if !ok || !e.Done {
				l.state[key] = Interrupted
			} else if prev != Done {
				progress.BytesCompleted += e.Bytes
				progress.RawBytesCompleted += e.RawBytes
				l.state[key] = Done
			}
		}
	}

	if len(l.state) == 0 {
		progress.Status = Pending
	} else {
		progress.Status = Interrupted
	}

	if dryRun {
		l.file = nil
		return l, progress, nil
	}

	if len(data) > 0 {
		if err := file.Append(ctx, []byte("\n")); err != nil {
			return nil, Progress{}, fmt.Errorf("append progress log separator: %w", err)
		}
		if err := file.Flush(ctx); err != nil {
			return nil, Progress{}, fmt.Errorf("flush progress log separator: %w", err)
		}
	}

	return l, progress, nil
}

func entryKey(op, schema, table string, chunk *int64) string {
	var b strings.Builder
	b.WriteString(op)
	if schema != "" {
		b.WriteString(":`")
		b.WriteString(schema)
		b.WriteString("`")
	}
	if table != "" {
		b.WriteString(":`")
		b.WriteString(table)
		b.WriteString("`")
	}
	if chunk != nil {
		b.WriteString(":")
		b.WriteString(strconv.FormatInt(*chunk, 10))
	}
	return b.String()
}

// SchemaDDLStatus reports whether schema's DDL (the schema script) has
// already been applied.
func (l *Log) SchemaDDLStatus(schema string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state[entryKey("SCHEMA-DDL", schema, "", nil)]
}

// TableDDLStatus reports whether table's CREATE TABLE has already run.
func (l *Log) TableDDLStatus(schema, table string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state[entryKey("TABLE-DDL", schema, table, nil)]
}

// TriggersDDLStatus reports whether table's triggers script has already run.
func (l *Log) TriggersDDLStatus(schema, table string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state[entryKey("TRIGGERS-DDL", schema, table, nil)]
}

// TableChunkStatus reports whether a given data chunk has already loaded.
func (l *Log) TableChunkStatus(schema, table string, chunk int64) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state[entryKey("TABLE-DATA", schema, table, &chunk)]
}

// StartSchemaDDL records that schema's DDL is starting, unless it is
// already marked done.
func (l *Log) StartSchemaDDL(ctx context.Context, schema string) error {
	if l.SchemaDDLStatus(schema) == Done {
		return nil
	}
	return l.log(ctx, entry{Op: "SCHEMA-DDL", Schema: schema})
}

// EndSchemaDDL records that schema's DDL has finished.
func (l *Log) EndSchemaDDL(ctx context.Context, schema string) error {
	if l.SchemaDDLStatus(schema) == Done {
		return nil
	}
	return l.log(ctx, entry{Op: "SCHEMA-DDL", Done: true, Schema: schema})
}

// StartTableDDL records that table's CREATE TABLE is starting.
func (l *Log) StartTableDDL(ctx context.Context, schema, table string) error {
	if l.TableDDLStatus(schema, table) == Done {
		return nil
	}
	return l.log(ctx, entry{Op: "TABLE-DDL", Schema: schema, Table: table})
}

// EndTableDDL records that table's CREATE TABLE has finished.
func (l *Log) EndTableDDL(ctx context.Context, schema, table string) error {
	if l.TableDDLStatus(schema, table) == Done {
		return nil
	}
	return l.log(ctx, entry{Op: "TABLE-DDL", Done: true, Schema: schema, Table: table})
}

// StartTriggersDDL records that table's triggers script is starting.
func (l *Log) StartTriggersDDL(ctx context.Context, schema, table string) error {
	if l.TriggersDDLStatus(schema, table) == Done {
		return nil
	}
	return l.log(ctx, entry{Op: "TRIGGERS-DDL", Schema: schema, Table: table})
}

// EndTriggersDDL records that table's triggers script has finished.
func (l *Log) EndTriggersDDL(ctx context.Context, schema, table string) error {
	if l.TriggersDDLStatus(schema, table) == Done {
		return nil
	}
	return l.log(ctx, entry{Op: "TRIGGERS-DDL", Done: true, Schema: schema, Table: table})
}

// StartTableChunk records that a data chunk is starting to load.
func (l *Log) StartTableChunk(ctx context.Context, schema, table string, chunk int64) error {
	if l.TableChunkStatus(schema, table, chunk) == Done {
		return nil
	}
	return l.log(ctx, entry{Op: "TABLE-DATA", Schema: schema, Table: table, Chunk: &chunk})
}

// EndTableChunk records that a data chunk has finished loading, along with
// the bytes and raw (uncompressed) bytes it contributed.
func (l *Log) EndTableChunk(ctx context.Context, schema, table string, chunk int64, bytesLoaded, rawBytesLoaded uint64) error {
	if l.TableChunkStatus(schema, table, chunk) == Done {
		return nil
	}
	return l.log(ctx, entry{
		Op: "TABLE-DATA", Done: true, Schema: schema, Table: table, Chunk: &chunk,
		Bytes: bytesLoaded, RawBytes: rawBytesLoaded,
	})
}

func (l *Log) log(ctx context.Context, e entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		// dry run: record in-memory only, so repeated Start/End calls still
		// behave idempotently, but nothing is persisted.
		l.state[entryKey(e.Op, e.Schema, e.Table, e.Chunk)] = statusFor(e)
		return nil
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode progress log entry: %w", err)
	}
	if err := l.file.Append(ctx, append(data, '\n')); err != nil {
		return fmt.Errorf("append progress log entry: %w", err)
	}
	if err := l.file.Flush(ctx); err != nil {
		return fmt.Errorf("flush progress log entry: %w", err)
	}

	l.state[entryKey(e.Op, e.Schema, e.Table, e.Chunk)] = statusFor(e)
	return nil
}

func statusFor(e entry) Status {
	if e.Done {
		return Done
	}
	return Interrupted
}

// ResetProgress discards all replayed state and, for a persisted log,
// truncates the backing file. Used when config.ResetProgress is set.
func (l *Log) ResetProgress(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state = make(map[string]Status)
	if l.file == nil {
		return nil
	}
	if err := l.file.Reset(ctx); err != nil {
		return fmt.Errorf("reset progress log: %w", err)
	}
	return nil
}

// Close releases the backing file. Every record is already flushed when
// it is written, so Close does not flush.
func (l *Log) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
