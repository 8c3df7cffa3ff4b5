package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/gurre/myshdump/config"
	"github.com/gurre/myshdump/dumpreader"
	"github.com/gurre/myshdump/journal"
	"github.com/gurre/myshdump/metrics"
	"github.com/gurre/myshdump/scheduler"
	"github.com/gurre/myshdump/storage"
)

func newTestLog(t *testing.T) *journal.Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "load-progress.json")
	file := storage.NewLocalJournalFile(path)
	t.Cleanup(func() { file.Close() })
	log, _, err := journal.Open(context.Background(), file, false)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	return log
}

func newTestCoordinator(t *testing.T, cfg *config.Config) *Coordinator {
	t.Helper()
	return &Coordinator{
		cfg:            cfg,
		log:            newTestLog(t),
		metr:           metrics.NewMetrics(),
		progress:       make(map[scheduler.TableKey]*tableProgress),
		chunkSizeCache: make(map[string]uint64),
		skippedSchemas: make(map[string]bool),
		skippedTables:  make(map[scheduler.TableKey]bool),
	}
}

func TestParseVersionTriplet(t *testing.T) {
	cases := []struct {
		in                      string
		major, minor, patch int
	}{
		{"8.0.32", 8, 0, 32},
		{"8.0.32-log", 8, 0, 32},
		{"5.7", 5, 7, 0},
		{"", 0, 0, 0},
	}
	for _, c := range cases {
		major, minor, patch := parseVersionTriplet(c.in)
		if major != c.major || minor != c.minor || patch != c.patch {
			t.Errorf("parseVersionTriplet(%q) = %d,%d,%d want %d,%d,%d",
				c.in, major, minor, patch, c.major, c.minor, c.patch)
		}
	}
}

func TestFailKeepsFirstError(t *testing.T) {
	c := newTestCoordinator(t, &config.Config{})
	c.fail(errors.New("first"))
	c.fail(errors.New("second"))
	if c.fatalErr.Error() != "first" {
		t.Errorf("fatalErr = %q, want %q", c.fatalErr.Error(), "first")
	}
	if !c.abort.Load() {
		t.Error("expected abort to be set after a fatal error")
	}
}

func TestFailIgnoresNilError(t *testing.T) {
	c := newTestCoordinator(t, &config.Config{})
	c.fail(nil)
	if c.fatalErr != nil {
		t.Errorf("fatalErr = %v, want nil", c.fatalErr)
	}
	if c.abort.Load() {
		t.Error("abort must not be set by a nil error")
	}
}

func tableFixture(schema, name string, hasPK bool) *dumpreader.Table {
	return &dumpreader.Table{
		Schema:        schema,
		Name:          name,
		HasPK:         hasPK,
		LastChunkSeen: true,
	}
}

func TestPickLifecycleTaskSchedulesIndexesBeforeAnalyze(t *testing.T) {
	cfg := &config.Config{LoadIndexes: true, AnalyzeTables: config.AnalyzeOn}
	c := newTestCoordinator(t, cfg)

	table := tableFixture("sakila", "actor", true)
	table.DeferredIndexes = []string{"ALTER TABLE `sakila`.`actor` ADD KEY `idx` (`last_name`)"}
	key := scheduler.TableKey{Schema: "sakila", Table: "actor"}
	c.progress[key] = &tableProgress{table: table, key: key, nextChunkIdx: 0}

	task := c.pickLifecycleTask()
	if task == nil {
		t.Fatal("expected a RecreateIndexes task, got nil")
	}
	if !table.IndexesScheduled {
		t.Error("expected IndexesScheduled to be set once a RecreateIndexes task is handed out")
	}

	// Data isn't loaded yet for a second table, so it must not be offered.
	second := tableFixture("sakila", "address", true)
	second.LastChunkSeen = false
	key2 := scheduler.TableKey{Schema: "sakila", Table: "address"}
	c.progress[key2] = &tableProgress{table: second, key: key2}

	task2 := c.pickLifecycleTask()
	if task2 != nil && task2.Table.Name != "actor" {
		t.Errorf("expected no lifecycle task for %q with outstanding chunks", "address")
	}
}

func TestPickLifecycleTaskSkipsIndexesWhenNoneDeferred(t *testing.T) {
	cfg := &config.Config{LoadIndexes: true, AnalyzeTables: config.AnalyzeOff}
	c := newTestCoordinator(t, cfg)

	table := tableFixture("sakila", "actor", true)
	key := scheduler.TableKey{Schema: "sakila", Table: "actor"}
	c.progress[key] = &tableProgress{table: table, key: key}

	task := c.pickLifecycleTask()
	if task != nil {
		t.Fatalf("expected no task when there are no deferred indexes and analyze is off, got %+v", task)
	}
	if !table.IndexesCreated {
		t.Error("expected IndexesCreated to be set directly when there are no deferred indexes")
	}
}

func TestPickLifecycleTaskOffersAnalyzeAfterIndexes(t *testing.T) {
	cfg := &config.Config{LoadIndexes: false, AnalyzeTables: config.AnalyzeOn}
	c := newTestCoordinator(t, cfg)

	table := tableFixture("sakila", "actor", true)
	key := scheduler.TableKey{Schema: "sakila", Table: "actor"}
	c.progress[key] = &tableProgress{table: table, key: key}

	task := c.pickLifecycleTask()
	if task == nil {
		t.Fatal("expected an AnalyzeTable task, got nil")
	}
	if !table.AnalyzeScheduled {
		t.Error("expected AnalyzeScheduled to be set once an AnalyzeTable task is handed out")
	}
}

func TestPickLoadTaskSetsTruncateFirstForInterruptedNoPKChunk(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{Threads: 1}
	c := newTestCoordinator(t, cfg)

	table := tableFixture("sakila", "rental", false)
	table.Chunks = []dumpreader.Chunk{{Index: 0, FileName: "rental@0.tsv"}}
	key := scheduler.TableKey{Schema: "sakila", Table: "rental"}
	c.progress[key] = &tableProgress{table: table, key: key}
	c.chunkSizeCache["rental@0.tsv"] = 100

	if err := c.log.StartTableChunk(ctx, "sakila", "rental", 0); err != nil {
		t.Fatalf("StartTableChunk: %v", err)
	}

	task, err := c.pickLoadTask(ctx)
	if err != nil {
		t.Fatalf("pickLoadTask: %v", err)
	}
	if task == nil {
		t.Fatal("expected a load task, got nil")
	}
	if !task.TruncateFirst {
		t.Error("expected TruncateFirst for a no-PK table resuming an interrupted chunk")
	}
}

func TestPickLoadTaskNoTruncateForFreshChunk(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{Threads: 1}
	c := newTestCoordinator(t, cfg)

	table := tableFixture("sakila", "rental", false)
	table.Chunks = []dumpreader.Chunk{{Index: 0, FileName: "rental@0.tsv"}}
	key := scheduler.TableKey{Schema: "sakila", Table: "rental"}
	c.progress[key] = &tableProgress{table: table, key: key}
	c.chunkSizeCache["rental@0.tsv"] = 100

	task, err := c.pickLoadTask(ctx)
	if err != nil {
		t.Fatalf("pickLoadTask: %v", err)
	}
	if task == nil {
		t.Fatal("expected a load task, got nil")
	}
	if task.TruncateFirst {
		t.Error("a chunk never previously started must not trigger TruncateFirst")
	}
}

func TestSimulateDryRunProgressFastForwardsChunksAndLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{DryRun: true, LoadIndexes: true, AnalyzeTables: config.AnalyzeOn}
	c := newTestCoordinator(t, cfg)

	table := tableFixture("sakila", "actor", true)
	table.Chunks = []dumpreader.Chunk{{Index: 0, FileName: "actor@0.tsv"}, {Index: 1, FileName: "actor@1.tsv"}}
	table.DeferredIndexes = []string{"ALTER TABLE `sakila`.`actor` ADD KEY `idx` (`last_name`)"}
	key := scheduler.TableKey{Schema: "sakila", Table: "actor"}
	c.progress[key] = &tableProgress{table: table, key: key}
	c.chunkSizeCache["actor@0.tsv"] = 10
	c.chunkSizeCache["actor@1.tsv"] = 20

	c.simulateDryRunProgress(ctx)

	tp := c.progress[key]
	if tp.nextChunkIdx != len(table.Chunks) {
		t.Errorf("nextChunkIdx = %d, want %d", tp.nextChunkIdx, len(table.Chunks))
	}
	if !table.IndexesCreated {
		t.Error("expected indexes to be marked created in a dry run")
	}
	if !table.AnalyzeScheduled {
		t.Error("expected analyze to be marked scheduled in a dry run")
	}
	if c.log.TableChunkStatus("sakila", "actor", 0) != journal.Done {
		t.Error("expected chunk 0 to be journaled Done by the dry run")
	}
	report := c.metr.GenerateReport()
	if report.ChunksLoaded != 2 {
		t.Errorf("ChunksLoaded = %d, want 2", report.ChunksLoaded)
	}
}

func TestHasOutstandingWork(t *testing.T) {
	cfg := &config.Config{LoadIndexes: true, AnalyzeTables: config.AnalyzeOn}
	c := newTestCoordinator(t, cfg)

	table := tableFixture("sakila", "actor", true)
	key := scheduler.TableKey{Schema: "sakila", Table: "actor"}
	c.progress[key] = &tableProgress{table: table, key: key}

	if !c.hasOutstandingWork() {
		t.Error("expected outstanding work before indexes/analyze are scheduled")
	}

	table.IndexesCreated = true
	table.AnalyzeScheduled = true
	if c.hasOutstandingWork() {
		t.Error("expected no outstanding work once data, indexes and analyze are all done")
	}
}
