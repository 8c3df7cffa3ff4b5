// Package worker implements the worker pool of section 4.5 of the design
// specification: one goroutine per worker, each owning a single session
// and executing tagged load/index/analyze tasks, posting lifecycle
// events back to the coordinator.
package worker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gurre/myshdump/dumpreader"
	"github.com/gurre/myshdump/session"
)

// ChunkSource opens a dump chunk's decompressed byte stream. Satisfied by
// *dumpreader.Reader; kept as a narrow interface so tests can fake it.
type ChunkSource interface {
	OpenChunk(ctx context.Context, c dumpreader.Chunk) (io.ReadCloser, error)
}

// TaskKind tags the three kinds of work a worker can be handed, per
// section 4.5's "Execution details by task".
type TaskKind int

const (
	LoadChunk TaskKind = iota
	RecreateIndexes
	AnalyzeTable
)

func (k TaskKind) String() string {
	switch k {
	case LoadChunk:
		return "LOAD_CHUNK"
	case RecreateIndexes:
		return "RECREATE_INDEXES"
	case AnalyzeTable:
		return "ANALYZE_TABLE"
	default:
		return "UNKNOWN"
	}
}

// Task is one unit of work dispatched to a worker.
type Task struct {
	Kind TaskKind

	Table *dumpreader.Table
	Chunk dumpreader.Chunk // valid for LoadChunk

	// TruncateFirst is set by the coordinator when resuming an unchunked
	// table that lacks a PK-equivalent key, per the LoadChunk note in
	// section 4.5 ("otherwise rely on duplicate-row replacement").
	TruncateFirst bool

	// TargetServerVersion is the live target server's version string,
	// used by AnalyzeTable to decide whether UPDATE HISTOGRAM is
	// available (server version > 8.0.0).
	TargetServerVersion string
}

// EventKind tags the lifecycle events a worker posts, per section 4.5's
// event pseudocode (READY, <KIND>_START, <KIND>_END, FATAL_ERROR, EXIT).
type EventKind int

const (
	Ready EventKind = iota
	LoadStart
	LoadEnd
	IndexStart
	IndexEnd
	AnalyzeStart
	AnalyzeEnd
	FatalError
	Exit
)

// Event reports a worker lifecycle transition to the coordinator.
type Event struct {
	WorkerID int
	Kind     EventKind
	Task     *Task

	Bytes       int64  // attached to LOAD_END, per section 4.5
	RawBytes    int64
	Rows        int64  // attached to LOAD_END
	Interrupted bool   // attached to LOAD_END when a hard interrupt aborted the import mid-chunk
	Note        string // e.g. "skipped: duplicate key name"
	Err         error  // set on FATAL_ERROR
}

// Worker owns one target session and a single-slot inbound task/stop
// channel, the shape of the teacher's goroutine-per-worker pool
// generalized from one task kind to three.
type Worker struct {
	id            int
	conn          session.Conn
	reader        ChunkSource
	tasks         chan *Task
	stop          chan struct{}
	events        chan<- Event
	hardInterrupt *atomic.Bool
}

// New creates a Worker that will post lifecycle events to events.
// hardInterrupt, if non-nil, is handed to the bulk import as its Interrupt
// flag: a LoadChunk whose import fails while the flag is set posts an
// interrupted LoadEnd instead of a fatal error. The flag is not polled
// while rows stream.
func New(id int, conn session.Conn, reader ChunkSource, events chan<- Event, hardInterrupt *atomic.Bool) *Worker {
	return &Worker{
		id:            id,
		conn:          conn,
		reader:        reader,
		tasks:         make(chan *Task),
		stop:          make(chan struct{}),
		events:        events,
		hardInterrupt: hardInterrupt,
	}
}

// Submit hands a task to the worker. It blocks until the worker is ready
// to receive it or ctx is done.
func (w *Worker) Submit(ctx context.Context, t *Task) error {
	select {
	case w.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals the worker to exit after its current task, if any.
func (w *Worker) Stop() {
	close(w.stop)
}

// Run executes the worker's main loop of section 4.5: post READY, wait
// for a task or stop, execute, post the matching *_END or FATAL_ERROR,
// repeat. It returns when stopped or when ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.post(Event{WorkerID: w.id, Kind: Ready})

	for {
		select {
		case <-w.stop:
			w.post(Event{WorkerID: w.id, Kind: Exit})
			return
		case <-ctx.Done():
			w.post(Event{WorkerID: w.id, Kind: Exit})
			return
		case t := <-w.tasks:
			if !w.execute(ctx, t) {
				return
			}
			w.post(Event{WorkerID: w.id, Kind: Ready})
		}
	}
}

// execute runs one task to completion, posting its START/END (or
// FATAL_ERROR) events. It returns false if the worker must stop, i.e. a
// fatal error occurred.
func (w *Worker) execute(ctx context.Context, t *Task) bool {
	switch t.Kind {
	case LoadChunk:
		return w.executeLoadChunk(ctx, t)
	case RecreateIndexes:
		return w.executeRecreateIndexes(ctx, t)
	case AnalyzeTable:
		return w.executeAnalyzeTable(ctx, t)
	default:
		w.post(Event{WorkerID: w.id, Kind: FatalError, Task: t, Err: fmt.Errorf("unknown task kind %v", t.Kind)})
		return false
	}
}

func (w *Worker) post(e Event) {
	w.events <- e
}

func (w *Worker) fatal(t *Task, err error) bool {
	w.post(Event{WorkerID: w.id, Kind: FatalError, Task: t, Err: err})
	return false
}

// deadlockError reports whether err looks like a MySQL deadlock
// (errno 1213) or lock wait timeout (errno 1205), the errors
// RecreateIndexes retries per section 4.5.
func deadlockError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Error 1213") || strings.Contains(msg, "Error 1205") ||
		strings.Contains(msg, "Deadlock found") || strings.Contains(msg, "Lock wait timeout")
}

// duplicateKeyNameError reports whether err is MySQL's "duplicate key
// name" error (errno 1061), which RecreateIndexes skips rather than
// fails on, per section 4.5.
func duplicateKeyNameError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Error 1061")
}

// recreateIndexRetries and recreateIndexBackoffUnit implement section
// 4.5's "Retry a statement that fails with deadlock up to 20 times with
// linear back-off (i seconds on the i-th retry)".
const (
	recreateIndexRetries     = 20
	recreateIndexBackoffUnit = time.Second
)
