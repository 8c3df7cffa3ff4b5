package worker

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gurre/myshdump/dumpreader"
	"github.com/gurre/myshdump/session"
)

type fakeConn struct {
	execs      []string
	execErrors map[string]error // keyed by exact statement
	failCount  map[string]int   // number of remaining failures before success
	loadResult session.Result
	loadErr    error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		execErrors: map[string]error{},
		failCount:  map[string]int{},
	}
}

func (c *fakeConn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.execs = append(c.execs, query)
	if n := c.failCount[query]; n > 0 {
		c.failCount[query] = n - 1
		return nil, errors.New("Error 1213: Deadlock found")
	}
	if err, ok := c.execErrors[query]; ok {
		return nil, err
	}
	return driverResult{}, nil
}

type driverResult struct{}

func (driverResult) LastInsertId() (int64, error) { return 0, nil }
func (driverResult) RowsAffected() (int64, error) { return 0, nil }

func (c *fakeConn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, nil
}

func (c *fakeConn) LoadDataInfile(ctx context.Context, opts session.LoadDataOptions) (session.Result, error) {
	return c.loadResult, c.loadErr
}

func (c *fakeConn) Close() error { return nil }

var _ session.Conn = (*fakeConn)(nil)

type fakeChunkSource struct {
	content string
	err     error
}

func (f *fakeChunkSource) OpenChunk(ctx context.Context, c dumpreader.Chunk) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.content)), nil
}

func TestExecuteLoadChunkSuccess(t *testing.T) {
	conn := newFakeConn()
	conn.loadResult = session.Result{Bytes: 100, Rows: 10}
	events := make(chan Event, 8)
	w := New(1, conn, &fakeChunkSource{content: "a\tb\n"}, events, new(atomic.Bool))

	task := &Task{Kind: LoadChunk, Table: &dumpreader.Table{Schema: "sakila", Name: "actor"}, Chunk: dumpreader.Chunk{Index: 0, FileName: "sakila@actor@0.tsv"}}
	if ok := w.executeLoadChunk(context.Background(), task); !ok {
		t.Fatal("executeLoadChunk returned false, want true")
	}

	close(events)
	var kinds []EventKind
	for e := range events {
		kinds = append(kinds, e.Kind)
	}
	if len(kinds) != 2 || kinds[0] != LoadStart || kinds[1] != LoadEnd {
		t.Errorf("kinds = %v, want [LoadStart LoadEnd]", kinds)
	}
}

func TestExecuteLoadChunkInterrupted(t *testing.T) {
	conn := newFakeConn()
	conn.loadResult = session.Result{Bytes: 42}
	conn.loadErr = session.ErrInterrupted
	events := make(chan Event, 8)
	w := New(1, conn, &fakeChunkSource{content: "a\tb\n"}, events, new(atomic.Bool))

	task := &Task{Kind: LoadChunk, Table: &dumpreader.Table{Schema: "sakila", Name: "actor"}, Chunk: dumpreader.Chunk{Index: 0, FileName: "sakila@actor@0.tsv"}}
	if ok := w.executeLoadChunk(context.Background(), task); !ok {
		t.Fatal("executeLoadChunk returned false, want true: a hard interrupt is not a fatal error")
	}

	close(events)
	var end Event
	for e := range events {
		if e.Kind == LoadEnd {
			end = e
		}
		if e.Kind == FatalError {
			t.Errorf("unexpected FatalError event: %v", e.Err)
		}
	}
	if !end.Interrupted {
		t.Error("LoadEnd.Interrupted = false, want true")
	}
	if end.Bytes != 42 {
		t.Errorf("LoadEnd.Bytes = %d, want 42", end.Bytes)
	}
}

func TestExecuteLoadChunkTruncatesFirst(t *testing.T) {
	conn := newFakeConn()
	events := make(chan Event, 8)
	w := New(1, conn, &fakeChunkSource{content: "x\n"}, events, new(atomic.Bool))

	task := &Task{
		Kind:          LoadChunk,
		Table:         &dumpreader.Table{Schema: "sakila", Name: "actor"},
		Chunk:         dumpreader.Chunk{FileName: "sakila@actor.tsv"},
		TruncateFirst: true,
	}
	w.executeLoadChunk(context.Background(), task)

	if len(conn.execs) == 0 || !strings.Contains(conn.execs[0], "TRUNCATE TABLE") {
		t.Errorf("execs = %v, want TRUNCATE TABLE first", conn.execs)
	}
}

func TestExecuteRecreateIndexesSkipsDuplicateKeyName(t *testing.T) {
	conn := newFakeConn()
	stmt := "ALTER TABLE `actor` ADD KEY `idx` (`last_name`)"
	conn.execErrors[stmt] = errors.New("Error 1061: duplicate key name 'idx'")
	events := make(chan Event, 8)
	w := New(1, conn, &fakeChunkSource{}, events, new(atomic.Bool))

	task := &Task{Kind: RecreateIndexes, Table: &dumpreader.Table{Schema: "sakila", Name: "actor", DeferredIndexes: []string{stmt}}}
	ok := w.executeRecreateIndexes(context.Background(), task)
	if !ok {
		t.Fatal("expected duplicate key name to be skipped, not fatal")
	}

	close(events)
	var end Event
	for e := range events {
		if e.Kind == IndexEnd {
			end = e
		}
	}
	if !strings.Contains(end.Note, "duplicate key name") {
		t.Errorf("IndexEnd.Note = %q, want mention of duplicate key name", end.Note)
	}
}

func TestExecuteRecreateIndexesRetriesDeadlockThenSucceeds(t *testing.T) {
	if testing.Short() {
		t.Skip("exercises real retry backoff sleeps")
	}
	conn := newFakeConn()
	stmt := "ALTER TABLE `actor` ADD KEY `idx` (`last_name`)"
	conn.failCount[stmt] = 2 // fails twice, succeeds on third attempt
	events := make(chan Event, 8)
	w := New(1, conn, &fakeChunkSource{}, events, new(atomic.Bool))

	task := &Task{Kind: RecreateIndexes, Table: &dumpreader.Table{Schema: "sakila", Name: "actor", DeferredIndexes: []string{stmt}}}

	if ok := w.executeRecreateIndexes(context.Background(), task); !ok {
		t.Fatal("expected eventual success after deadlock retries")
	}
}

func TestExecuteAnalyzeTablePlain(t *testing.T) {
	conn := newFakeConn()
	events := make(chan Event, 8)
	w := New(1, conn, &fakeChunkSource{}, events, new(atomic.Bool))

	task := &Task{Kind: AnalyzeTable, Table: &dumpreader.Table{Schema: "sakila", Name: "actor"}}
	if ok := w.executeAnalyzeTable(context.Background(), task); !ok {
		t.Fatal("expected success")
	}
	found := false
	for _, e := range conn.execs {
		if e == "ANALYZE TABLE `sakila`.`actor`" {
			found = true
		}
	}
	if !found {
		t.Errorf("execs = %v, want plain ANALYZE TABLE", conn.execs)
	}
}

func TestExecuteAnalyzeTableHistogramOnSupportedTarget(t *testing.T) {
	conn := newFakeConn()
	events := make(chan Event, 8)
	w := New(1, conn, &fakeChunkSource{}, events, new(atomic.Bool))

	task := &Task{
		Kind:                AnalyzeTable,
		Table:               &dumpreader.Table{Schema: "sakila", Name: "actor", Histograms: []dumpreader.HistogramMeta{{Column: "last_name", Buckets: 16}}},
		TargetServerVersion: "8.0.32",
	}
	if ok := w.executeAnalyzeTable(context.Background(), task); !ok {
		t.Fatal("expected success")
	}
	found := false
	for _, e := range conn.execs {
		if strings.Contains(e, "UPDATE HISTOGRAM ON `last_name` WITH 16 BUCKETS") {
			found = true
		}
	}
	if !found {
		t.Errorf("execs = %v, want UPDATE HISTOGRAM statement", conn.execs)
	}
}

func TestExecuteAnalyzeTableHistogramSkippedOnOldTarget(t *testing.T) {
	conn := newFakeConn()
	events := make(chan Event, 8)
	w := New(1, conn, &fakeChunkSource{}, events, new(atomic.Bool))

	task := &Task{
		Kind:                AnalyzeTable,
		Table:               &dumpreader.Table{Schema: "sakila", Name: "actor", Histograms: []dumpreader.HistogramMeta{{Column: "last_name", Buckets: 16}}},
		TargetServerVersion: "5.7.40",
	}
	w.executeAnalyzeTable(context.Background(), task)
	if len(conn.execs) != 0 {
		t.Errorf("expected no ANALYZE statement issued on unsupported target, got %v", conn.execs)
	}
}

func TestTargetSupportsHistograms(t *testing.T) {
	cases := []struct {
		version string
		want    bool
	}{
		{"8.0.1", true},
		{"8.0.0", false},
		{"8.1.0", true},
		{"9.0.0", true},
		{"5.7.40", false},
	}
	for _, c := range cases {
		if got := targetSupportsHistograms(c.version); got != c.want {
			t.Errorf("targetSupportsHistograms(%q) = %v, want %v", c.version, got, c.want)
		}
	}
}

func TestWorkerRunPostsReadyThenExit(t *testing.T) {
	conn := newFakeConn()
	events := make(chan Event, 8)
	w := New(1, conn, &fakeChunkSource{}, events, new(atomic.Bool))

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	first := <-events
	if first.Kind != Ready {
		t.Fatalf("first event = %v, want Ready", first.Kind)
	}
	cancel()
	second := <-events
	if second.Kind != Exit {
		t.Fatalf("second event = %v, want Exit", second.Kind)
	}
}
