// Package coordinator implements the main loop of section 4.6 of the
// design specification: it discovers schemas and tables as the dump
// reader yields them, applies DDL, fans data-load/index/analyze work out
// to a worker pool, and tears everything down through the post-data
// scripts once every table is exhausted and the dump is complete.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gurre/myshdump/config"
	"github.com/gurre/myshdump/dumpreader"
	"github.com/gurre/myshdump/journal"
	"github.com/gurre/myshdump/metrics"
	"github.com/gurre/myshdump/scheduler"
	"github.com/gurre/myshdump/session"
	"github.com/gurre/myshdump/sqltransform"
	"github.com/gurre/myshdump/worker"
)

// rescanInterval bounds how long waitForMoreData sleeps between rescans of
// a dump directory that has not yet reached COMPLETE, per section 4.6
// ("sleeps in increments of at most 5 seconds").
const rescanInterval = 5 * time.Second

// eventWaitTimeout bounds how long the main loop blocks for a worker
// event before looping back to dispatchReadyDDL and waitForMoreData, per
// section 4.6's main-loop pseudocode.
const eventWaitTimeout = time.Second

// SessionFactory dials one target session. ddlOnly requests the
// foreign_key_checks/unique_checks=0 settings a DDL-only connection uses;
// worker sessions pass false.
type SessionFactory func(ctx context.Context, ddlOnly bool) (session.Conn, error)

// tableProgress is the coordinator's private bookkeeping for one table
// being loaded: its cursor into Chunks and its currently in-flight load.
type tableProgress struct {
	table         *dumpreader.Table
	key           scheduler.TableKey
	nextChunkIdx  int
	inFlightBytes uint64
	inFlightCount int
	started       bool
}

// Coordinator drives one load operation end to end: initialization
// checks, the worker pool, the main dispatch loop, and the post-data
// teardown, per section 4.6.
type Coordinator struct {
	cfg    *config.Config
	reader *dumpreader.Reader
	log    *journal.Log
	metr   *metrics.Metrics
	dial   SessionFactory

	conn session.Conn // the coordinator's own DDL-only session

	consoleMu sync.Mutex

	softInterrupt atomic.Bool
	hardInterrupt atomic.Bool
	abort         atomic.Bool

	progressMu     sync.Mutex
	progress       map[scheduler.TableKey]*tableProgress
	chunkSizeCache map[string]uint64

	skippedMu      sync.Mutex
	skippedSchemas map[string]bool
	skippedTables  map[scheduler.TableKey]bool

	fatalOnce sync.Once
	fatalErr  error

	targetServerVersion string
}

// New builds a Coordinator. reader must already be Open. dial is used
// once for the coordinator's own DDL session and once per worker.
func New(cfg *config.Config, reader *dumpreader.Reader, log *journal.Log, dial SessionFactory) *Coordinator {
	return &Coordinator{
		cfg:            cfg,
		reader:         reader,
		log:            log,
		metr:           metrics.NewMetrics(),
		dial:           dial,
		progress:       make(map[scheduler.TableKey]*tableProgress),
		chunkSizeCache: make(map[string]uint64),
		skippedSchemas: make(map[string]bool),
		skippedTables:  make(map[scheduler.TableKey]bool),
	}
}

// Metrics returns the counters collected so far.
func (c *Coordinator) Metrics() *metrics.Metrics { return c.metr }

// Run executes one load operation: init checks, worker spawn, the main
// dispatch loop, and the post-data teardown, per section 4.6. progress is
// the journal replay summary Open returned.
func (c *Coordinator) Run(ctx context.Context, progress journal.Progress) error {
	ctx, stopSignals := context.WithCancel(ctx)
	defer stopSignals()
	go c.watchSignals(ctx, stopSignals)

	if c.reader.Status() != dumpreader.StatusComplete {
		if err := c.waitForMoreData(ctx); err != nil {
			return fmt.Errorf("waiting for dump: %w", err)
		}
	}

	conn, err := c.dial(ctx, true)
	if err != nil {
		return fmt.Errorf("connect coordinator session: %w", err)
	}
	c.conn = conn
	defer conn.Close()

	if err := c.checkVersionCompatibility(ctx); err != nil {
		return err
	}

	resuming := progress.Status == journal.Interrupted
	if c.cfg.ResetProgress {
		if err := c.log.ResetProgress(ctx); err != nil {
			return fmt.Errorf("reset progress: %w", err)
		}
		resuming = false
	}

	if c.cfg.LoadDDL && !resuming {
		if err := c.checkExistingObjects(ctx); err != nil {
			return err
		}
	}
	if err := c.checkPrimaryKeyRequirement(ctx); err != nil {
		return err
	}

	if err := c.runBeginScript(ctx); err != nil {
		return err
	}

	workers := make([]*worker.Worker, c.cfg.Threads)
	events := make(chan worker.Event, c.cfg.Threads*4)
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Threads; i++ {
		wconn, err := c.dial(ctx, false)
		if err != nil {
			return fmt.Errorf("connect worker %d session: %w", i, err)
		}
		defer wconn.Close()
		w := worker.New(i, wconn, c.reader, events, &c.hardInterrupt)
		workers[i] = w
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	idle := make(map[int]bool, c.cfg.Threads)
	for {
		if c.reader.Status() != dumpreader.StatusComplete {
			if err := c.waitForMoreData(ctx); err != nil {
				c.fail(err)
				break
			}
		}

		c.dispatchReadyDDL(ctx)
		if c.cfg.DryRun {
			c.simulateDryRunProgress(ctx)
		}

		if c.abort.Load() {
			break
		}

		if err := c.handleWorkerEvents(ctx, events, idle, workers); err != nil {
			c.fail(err)
			break
		}

		if c.abort.Load() {
			break
		}
		if len(idle) == len(workers) && c.reader.Status() == dumpreader.StatusComplete && !c.hasOutstandingWork() {
			break
		}
	}

	drainDone := make(chan struct{})
	go func() {
		for range events {
		}
		close(drainDone)
	}()
	stopSignals()
	for _, w := range workers {
		w.Stop()
	}
	wg.Wait()
	close(events)
	<-drainDone

	var runErr error
	if c.abort.Load() {
		if c.softInterrupt.Load() && c.fatalErr == nil {
			runErr = fmt.Errorf("load aborted by user interrupt")
		} else {
			runErr = c.fatalErr
		}
	} else if err := c.runEndScripts(ctx); err != nil {
		runErr = err
	}

	if err := c.log.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("close progress log: %w", err)
	}

	report := c.metr.GenerateReport()
	if report.ChunksLoaded == 0 && runErr == nil {
		if resuming {
			c.console("There was no remaining data left to be loaded.")
		} else {
			c.console("No data loaded.")
		}
	}
	c.console(report.String())

	return runErr
}

// hasOutstandingWork reports whether any registered table still has
// chunks, index recreation, or analyze work left to offer, used to avoid
// exiting the main loop early while a table's lifecycle isn't finished
// even though every worker happens to be momentarily idle.
func (c *Coordinator) hasOutstandingWork() bool {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()
	for _, tp := range c.progress {
		if tp.nextChunkIdx < len(tp.table.Chunks) || !tp.table.LastChunkSeen {
			return true
		}
		if tp.inFlightCount > 0 {
			return true
		}
		if c.cfg.LoadIndexes && !tp.table.IndexesCreated {
			return true
		}
		if c.cfg.AnalyzeTables != config.AnalyzeOff && !tp.table.AnalyzeScheduled {
			return true
		}
	}
	return false
}

// watchSignals implements the two-stage interrupt handling of section
// 4.6: the first SIGINT/SIGTERM sets softInterrupt (stop dispatching new
// chunk work, let in-flight tasks finish); the second sets hardInterrupt
// (observed inside the bulk-import inner loop) and cancels ctx outright.
// signal.NotifyContext only distinguishes "no signal" from "signalled
// once", so a raw channel is used instead to tell first and second apart.
func (c *Coordinator) watchSignals(ctx context.Context, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
	case <-ctx.Done():
		return
	}
	c.softInterrupt.Store(true)
	c.abort.Store(true)
	c.console("interrupt received, finishing in-flight work (interrupt again to abort immediately)")

	select {
	case <-sigCh:
		c.hardInterrupt.Store(true)
		c.console("second interrupt received, aborting immediately")
		cancel()
	case <-ctx.Done():
	}
}

// console prints a line to stdout, guarded against interleaving with the
// signal-handling goroutine's own output.
func (c *Coordinator) console(msg string) {
	c.consoleMu.Lock()
	defer c.consoleMu.Unlock()
	fmt.Println(msg)
}

// fail records the first fatal error encountered and sets abort, per
// section 7's "first fatal error wins" behavior.
func (c *Coordinator) fail(err error) {
	if err == nil {
		return
	}
	c.fatalOnce.Do(func() {
		c.fatalErr = err
		c.abort.Store(true)
		c.hardInterrupt.Store(true)
		c.metr.RecordError()
		c.console("fatal: " + err.Error())
	})
}

// checkVersionCompatibility queries the target server's version and
// compares its major version against the dump's producing server,
// per section 4.6 step 2. A mismatch is fatal unless ignore_version
// downgrades it to a warning.
func (c *Coordinator) checkVersionCompatibility(ctx context.Context) error {
	rows, err := c.conn.Query(ctx, "SELECT VERSION()")
	if err != nil {
		return fmt.Errorf("query target server version: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return fmt.Errorf("query target server version: no rows returned")
	}
	if err := rows.Scan(&c.targetServerVersion); err != nil {
		return fmt.Errorf("query target server version: %w", err)
	}

	sourceMajor, _, _ := parseVersionTriplet(c.reader.SourceServerVersion())
	targetMajor, _, _ := parseVersionTriplet(c.targetServerVersion)
	if sourceMajor == 0 || targetMajor == 0 || sourceMajor == targetMajor {
		return nil
	}

	msg := fmt.Sprintf("dump was produced by server version %q, target server is %q",
		c.reader.SourceServerVersion(), c.targetServerVersion)
	if !c.cfg.IgnoreVersion {
		return fmt.Errorf("%s", msg)
	}
	c.console("warning: " + msg)
	c.metr.RecordWarning()
	return nil
}

func parseVersionTriplet(version string) (major, minor, patch int) {
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

// checkExistingObjects fails the run if the target schema already
// contains a table the dump would create, per section 4.6's duplicate-
// object preflight, unless ignore_existing_objects downgrades it to a
// per-table warning.
func (c *Coordinator) checkExistingObjects(ctx context.Context) error {
	var collisions []string
	for _, schemaName := range c.reader.Schemas() {
		for _, t := range c.reader.Tables(schemaName) {
			exists, err := c.targetHasTable(ctx, schemaName, t.Name)
			if err != nil {
				return fmt.Errorf("check existing objects: %w", err)
			}
			if exists {
				collisions = append(collisions, fmt.Sprintf("schema %q already contains a table named %q", schemaName, t.Name))
			}
		}
	}
	if len(collisions) == 0 {
		return nil
	}
	if !c.cfg.IgnoreExistingObjects {
		return fmt.Errorf("%s", collisions[0])
	}
	for _, msg := range collisions {
		c.console("warning: " + msg)
		c.metr.RecordWarning()
	}
	return nil
}

func (c *Coordinator) targetHasTable(ctx context.Context, schema, table string) (bool, error) {
	rows, err := c.conn.Query(ctx,
		"SELECT 1 FROM information_schema.tables WHERE table_schema = ? AND table_name = ?",
		schema, table)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), nil
}

// checkPrimaryKeyRequirement fails the run if the target has
// sql_require_primary_key enabled and the dump includes a table lacking
// a primary key, per section 4.6's unconditional preflight.
func (c *Coordinator) checkPrimaryKeyRequirement(ctx context.Context) error {
	offenders := c.reader.TablesWithoutPK()
	if len(offenders) == 0 {
		return nil
	}

	rows, err := c.conn.Query(ctx, "SELECT @@sql_require_primary_key")
	if err != nil {
		return fmt.Errorf("check sql_require_primary_key: %w", err)
	}
	defer rows.Close()
	var required bool
	if rows.Next() {
		if err := rows.Scan(&required); err != nil {
			return fmt.Errorf("check sql_require_primary_key: %w", err)
		}
	}
	if !required {
		return nil
	}

	names := make([]string, len(offenders))
	for i, t := range offenders {
		names[i] = t.Schema + "." + t.Name
	}
	return fmt.Errorf("target has sql_require_primary_key=ON and these tables lack a primary key: %s", strings.Join(names, ", "))
}

// waitForMoreData rescans the dump directory until it reaches COMPLETE,
// new chunks appear, or wait_dump_timeout elapses, per section 4.6.
func (c *Coordinator) waitForMoreData(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.WaitDumpTimeout)
	before := c.dumpSignature()

	for {
		if err := c.reader.Rescan(ctx); err != nil {
			return fmt.Errorf("rescan dump directory: %w", err)
		}
		if c.reader.Status() == dumpreader.StatusComplete {
			return nil
		}
		if after := c.dumpSignature(); after != before {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("dump_wait_timeout: dump did not complete and no new data appeared within %s", c.cfg.WaitDumpTimeout)
		}

		wait := rescanInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dumpSignature is a cheap proxy for "has the dump grown", counting
// chunks across every known table.
func (c *Coordinator) dumpSignature() int {
	total := 0
	for _, schemaName := range c.reader.Schemas() {
		for _, t := range c.reader.Tables(schemaName) {
			total += len(t.Chunks)
		}
	}
	return total
}

// runBeginScript applies the dump's global pre-data script and, if
// load_users is set, the users/grants script, per section 4.6 step 3.
func (c *Coordinator) runBeginScript(ctx context.Context) error {
	if !c.cfg.LoadDDL || c.cfg.DryRun {
		return nil
	}

	script, err := c.reader.BeginScript(ctx)
	if err != nil {
		return fmt.Errorf("read begin script: %w", err)
	}
	if err := c.execScript(ctx, script); err != nil {
		return fmt.Errorf("exec begin script: %w", err)
	}

	if !c.cfg.LoadUsers {
		return nil
	}
	users, err := c.reader.UsersScript(ctx)
	if err != nil {
		return fmt.Errorf("read users script: %w", err)
	}
	if err := c.execScript(ctx, users); err != nil {
		return fmt.Errorf("exec users script: %w", err)
	}
	return nil
}

func (c *Coordinator) execScript(ctx context.Context, script string) error {
	for _, stmt := range sqltransform.SplitStatements(script) {
		if _, err := c.conn.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// dispatchReadyDDL drains every schema/table the reader is ready to
// yield, applying CREATE SCHEMA/TABLE DDL (when load_ddl is set) and
// registering load progress for each table's data (when load_data is
// set), per section 4.6 step 4 and main-loop pseudocode.
func (c *Coordinator) dispatchReadyDDL(ctx context.Context) {
	if c.softInterrupt.Load() {
		return
	}

	for {
		schemaName, tables, ok := c.reader.NextSchemaAndTables()
		if !ok {
			return
		}

		schemaFailed := false
		if c.cfg.LoadDDL {
			if err := c.applySchemaDDL(ctx, schemaName); err != nil {
				if !c.cfg.Force {
					c.fail(fmt.Errorf("schema %q DDL: %w", schemaName, err))
					return
				}
				c.skipSchema(schemaName)
				c.metr.RecordSkipped()
				c.console(fmt.Sprintf("warning: schema %q DDL failed, skipping: %v", schemaName, err))
				schemaFailed = true
			} else if err := c.applyViewPlaceholders(ctx, schemaName); err != nil {
				if !c.cfg.Force {
					c.fail(fmt.Errorf("schema %q view placeholders: %w", schemaName, err))
					return
				}
				c.console(fmt.Sprintf("warning: schema %q view placeholders failed: %v", schemaName, err))
				c.metr.RecordWarning()
			}
		}

		for _, t := range tables {
			if schemaFailed || c.isSchemaSkipped(schemaName) {
				c.skipTable(schemaName, t.Name)
				continue
			}
			if c.cfg.LoadDDL {
				if err := c.applyTableDDL(ctx, schemaName, t); err != nil {
					if !c.cfg.Force {
						c.fail(fmt.Errorf("table %q.%q DDL: %w", schemaName, t.Name, err))
						return
					}
					c.skipTable(schemaName, t.Name)
					c.metr.RecordSkipped()
					c.console(fmt.Sprintf("warning: table %q.%q DDL failed, skipping: %v", schemaName, t.Name, err))
					continue
				}
			}
			if c.cfg.LoadData {
				c.registerTableProgress(schemaName, t)
			}
		}
	}
}

// applySchemaDDL applies one schema's CREATE DATABASE script, resuming
// idempotently via the journal's SCHEMA-DDL entry.
func (c *Coordinator) applySchemaDDL(ctx context.Context, schemaName string) error {
	if c.log.SchemaDDLStatus(schemaName) == journal.Done {
		return nil
	}
	script, err := c.reader.SchemaScript(ctx, schemaName)
	if err != nil {
		return fmt.Errorf("read schema script: %w", err)
	}
	if err := c.log.StartSchemaDDL(ctx, schemaName); err != nil {
		return err
	}
	if !c.cfg.DryRun {
		if err := c.execScript(ctx, script); err != nil {
			return fmt.Errorf("exec schema DDL: %w", err)
		}
	}
	return c.log.EndSchemaDDL(ctx, schemaName)
}

// applyTableDDL applies one table's CREATE TABLE script, after running it
// through the deferred-index and deferred-foreign-key transforms, per
// section 4.3 (5)-(6) and section 4.7.
func (c *Coordinator) applyTableDDL(ctx context.Context, schemaName string, t *dumpreader.Table) error {
	if c.log.TableDDLStatus(schemaName, t.Name) == journal.Done {
		return nil
	}

	script, err := c.reader.TableScript(ctx, t)
	if err != nil {
		return fmt.Errorf("read table script: %w", err)
	}

	pipeline := sqltransform.NewPipeline(sqltransform.StripRemovedSQLModes)
	for _, stmt := range sqltransform.SplitStatements(script) {
		rewritten := pipeline.Apply(stmt)

		rewritten, fks := sqltransform.ExtractDeferredForeignKeys(schemaName, t.Name, rewritten)
		if len(fks) > 0 {
			c.reader.AddDeferredSchemaFKs(schemaName, fks)
		}

		if c.cfg.LoadIndexes {
			var alters []string
			rewritten, alters = sqltransform.ExtractDeferredIndexes(schemaName, t.Name, rewritten, c.cfg.DeferTableIndexes)
			t.DeferredIndexes = append(t.DeferredIndexes, alters...)
		}

		if err := c.log.StartTableDDL(ctx, schemaName, t.Name); err != nil {
			return err
		}
		if !c.cfg.DryRun {
			if _, err := c.conn.Exec(ctx, rewritten); err != nil {
				return fmt.Errorf("exec table DDL: %w", err)
			}
		}
	}

	return c.log.EndTableDDL(ctx, schemaName, t.Name)
}

// applyViewPlaceholders executes each of schema's view placeholder
// scripts right after its schema DDL and before any of its table DDL, per section 3 and section 4.3
// (3): the producer-written "<basename>@<view>.pre.sql" carries a real
// CREATE TABLE/CREATE VIEW statement with the view's actual column list,
// so that foreign keys and other views created later in the load can
// reference it correctly, unlike an arbitrary single-column stub.
func (c *Coordinator) applyViewPlaceholders(ctx context.Context, schemaName string) error {
	if c.cfg.DryRun {
		return nil
	}
	for _, v := range c.reader.Views(schemaName) {
		script, err := c.reader.ViewPreScript(ctx, schemaName, v.Name)
		if err != nil {
			return fmt.Errorf("read view placeholder %q.%q: %w", schemaName, v.Name, err)
		}
		if script == "" {
			continue
		}
		if err := c.execScript(ctx, script); err != nil {
			return fmt.Errorf("exec view placeholder %q.%q: %w", schemaName, v.Name, err)
		}
	}
	return nil
}

// registerTableProgress starts tracking t for data loading, resuming at
// the first chunk the journal does not already show as DONE.
func (c *Coordinator) registerTableProgress(schemaName string, t *dumpreader.Table) {
	if t.NoData || c.isTableSkipped(schemaName, t.Name) {
		return
	}
	key := scheduler.TableKey{Schema: schemaName, Table: t.Name}

	c.progressMu.Lock()
	defer c.progressMu.Unlock()
	if _, exists := c.progress[key]; exists {
		return
	}

	tp := &tableProgress{table: t, key: key}
	for tp.nextChunkIdx < len(t.Chunks) &&
		c.log.TableChunkStatus(schemaName, t.Name, t.Chunks[tp.nextChunkIdx].Index) == journal.Done {
		tp.nextChunkIdx++
		tp.started = true
	}
	c.progress[key] = tp
}

// chunkBytes caches a chunk's uncompressed byte count, used both by the
// scheduler's proportional weighting and by metrics/journal bookkeeping.
func (c *Coordinator) chunkBytes(ctx context.Context, fileName string) uint64 {
	if b, ok := c.chunkSizeCache[fileName]; ok {
		return b
	}
	size, ok, err := c.reader.UncompressedSize(ctx, fileName)
	if err != nil || !ok {
		return 0
	}
	c.chunkSizeCache[fileName] = size
	return size
}

func (c *Coordinator) availableBytesLocked(ctx context.Context, tp *tableProgress) uint64 {
	var total uint64
	for i := tp.nextChunkIdx; i < len(tp.table.Chunks); i++ {
		total += c.chunkBytes(ctx, tp.table.Chunks[i].FileName)
	}
	return total
}

// pickNextTask chooses the next unit of work for an idle worker: a data
// chunk first (scheduler.Pick's proportional algorithm), then index
// recreation once a table's data is exhausted, then ANALYZE once its
// indexes exist, per section 4.4 and 4.5. dry_run never hands out real
// tasks; simulateDryRunProgress fast-forwards bookkeeping instead.
func (c *Coordinator) pickNextTask(ctx context.Context) (*worker.Task, error) {
	if c.cfg.DryRun {
		return nil, nil
	}

	if c.cfg.LoadData && !c.softInterrupt.Load() {
		task, err := c.pickLoadTask(ctx)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
	}

	return c.pickLifecycleTask(), nil
}

func (c *Coordinator) pickLoadTask(ctx context.Context) (*worker.Task, error) {
	c.progressMu.Lock()
	var candidates []scheduler.Candidate
	for key, tp := range c.progress {
		if tp.nextChunkIdx >= len(tp.table.Chunks) {
			continue
		}
		candidates = append(candidates, scheduler.Candidate{
			Key:            key,
			Started:        tp.started,
			AvailableBytes: c.availableBytesLocked(ctx, tp),
			InFlightBytes:  tp.inFlightBytes,
		})
	}

	key, ok := scheduler.Pick(candidates, c.cfg.Threads)
	if !ok {
		c.progressMu.Unlock()
		return nil, nil
	}

	tp := c.progress[key]
	chunk := tp.table.Chunks[tp.nextChunkIdx]
	wasInterrupted := c.log.TableChunkStatus(key.Schema, tp.table.Name, chunk.Index) == journal.Interrupted
	truncateFirst := !tp.table.HasPK && !tp.table.Chunked && wasInterrupted
	tp.nextChunkIdx++
	tp.started = true
	tp.inFlightCount++
	tp.inFlightBytes += c.chunkBytes(ctx, chunk.FileName)
	c.progressMu.Unlock()

	if !c.cfg.DryRun {
		if err := c.log.StartTableChunk(ctx, key.Schema, tp.table.Name, chunk.Index); err != nil {
			return nil, fmt.Errorf("journal start chunk: %w", err)
		}
	}

	return &worker.Task{Kind: worker.LoadChunk, Table: tp.table, Chunk: chunk, TruncateFirst: truncateFirst}, nil
}

// pickLifecycleTask offers index recreation, then ANALYZE, for any table
// whose data is fully loaded, in deterministic schema/table order.
func (c *Coordinator) pickLifecycleTask() *worker.Task {
	c.progressMu.Lock()
	keys := make([]scheduler.TableKey, 0, len(c.progress))
	for k := range c.progress {
		keys = append(keys, k)
	}
	c.progressMu.Unlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Schema != keys[j].Schema {
			return keys[i].Schema < keys[j].Schema
		}
		return keys[i].Table < keys[j].Table
	})

	for _, key := range keys {
		c.progressMu.Lock()
		tp, ok := c.progress[key]
		c.progressMu.Unlock()
		if !ok {
			continue
		}
		table := tp.table
		dataDone := tp.nextChunkIdx >= len(table.Chunks) && table.LastChunkSeen && tp.inFlightCount == 0
		if !dataDone {
			continue
		}

		if c.cfg.LoadIndexes && !table.IndexesScheduled {
			if len(table.DeferredIndexes) == 0 {
				table.IndexesScheduled = true
				table.IndexesCreated = true
			} else {
				table.IndexesScheduled = true
				return &worker.Task{Kind: worker.RecreateIndexes, Table: table}
			}
		}

		indexesDone := !c.cfg.LoadIndexes || table.IndexesCreated
		if !indexesDone || c.cfg.AnalyzeTables == config.AnalyzeOff || table.AnalyzeScheduled {
			continue
		}

		analyzeTable := table
		if c.cfg.AnalyzeTables == config.AnalyzeOn && len(table.Histograms) > 0 {
			shallow := *table
			shallow.Histograms = nil
			analyzeTable = &shallow
		}
		table.AnalyzeScheduled = true
		return &worker.Task{Kind: worker.AnalyzeTable, Table: analyzeTable, TargetServerVersion: c.targetServerVersion}
	}
	return nil
}

// simulateDryRunProgress fast-forwards every registered table's journal
// and lifecycle bookkeeping without issuing SQL or touching any worker,
// per dry_run's "do everything but issue no SQL" contract.
func (c *Coordinator) simulateDryRunProgress(ctx context.Context) {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()

	for _, tp := range c.progress {
		for tp.nextChunkIdx < len(tp.table.Chunks) {
			chunk := tp.table.Chunks[tp.nextChunkIdx]
			b := c.chunkBytes(ctx, chunk.FileName)
			_ = c.log.StartTableChunk(ctx, tp.key.Schema, tp.table.Name, chunk.Index)
			_ = c.log.EndTableChunk(ctx, tp.key.Schema, tp.table.Name, chunk.Index, b, b)
			c.metr.RecordChunkLoaded(int64(b), int64(b))
			tp.nextChunkIdx++
			tp.started = true
		}

		if tp.nextChunkIdx < len(tp.table.Chunks) || !tp.table.LastChunkSeen {
			continue
		}
		if c.cfg.LoadIndexes && !tp.table.IndexesScheduled {
			tp.table.IndexesScheduled = true
			tp.table.IndexesCreated = true
			if len(tp.table.DeferredIndexes) > 0 {
				c.metr.RecordIndexesRecreated()
			}
		}
		if c.cfg.AnalyzeTables != config.AnalyzeOff && !tp.table.AnalyzeScheduled {
			tp.table.AnalyzeScheduled = true
			c.metr.RecordTableAnalyzed()
		}
	}
}

// handleWorkerEvents blocks for up to eventWaitTimeout for the first
// event, then drains whatever else is already queued without blocking,
// per section 4.6's main-loop pseudocode.
func (c *Coordinator) handleWorkerEvents(ctx context.Context, events chan worker.Event, idle map[int]bool, workers []*worker.Worker) error {
	timer := time.NewTimer(eventWaitTimeout)
	defer timer.Stop()

	select {
	case e, ok := <-events:
		if !ok {
			return nil
		}
		c.processEvent(ctx, e, idle, workers)
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return nil
			}
			c.processEvent(ctx, e, idle, workers)
		default:
			return nil
		}
	}
}

func (c *Coordinator) processEvent(ctx context.Context, e worker.Event, idle map[int]bool, workers []*worker.Worker) {
	switch e.Kind {
	case worker.Ready:
		delete(idle, e.WorkerID)
		c.dispatchToWorker(ctx, e.WorkerID, workers[e.WorkerID], idle)
	case worker.LoadEnd:
		c.onLoadEnd(ctx, e)
	case worker.IndexEnd:
		c.onIndexEnd(e)
	case worker.AnalyzeEnd:
		c.onAnalyzeEnd(e)
	case worker.FatalError:
		c.onFatalError(e)
	case worker.Exit:
		delete(idle, e.WorkerID)
	}
}

func (c *Coordinator) dispatchToWorker(ctx context.Context, id int, w *worker.Worker, idle map[int]bool) {
	task, err := c.pickNextTask(ctx)
	if err != nil {
		c.fail(err)
		return
	}
	if task == nil {
		idle[id] = true
		return
	}
	if err := w.Submit(ctx, task); err != nil {
		idle[id] = true
	}
}

// onLoadEnd records a completed chunk load in the journal and releases its
// in-flight accounting. A hard-interrupted chunk (e.Interrupted) is left
// exactly as StartTableChunk set it — Interrupted — by skipping
// EndTableChunk entirely, so a later resume reloads only that chunk
// instead of silently treating a partial load as done (section 8's
// hard-interrupt boundary behavior).
func (c *Coordinator) onLoadEnd(ctx context.Context, e worker.Event) {
	t := e.Task
	defer func() {
		key := scheduler.TableKey{Schema: t.Table.Schema, Table: t.Table.Name}
		c.progressMu.Lock()
		if tp, ok := c.progress[key]; ok {
			tp.inFlightCount--
			if b, cached := c.chunkSizeCache[t.Chunk.FileName]; cached && tp.inFlightBytes >= b {
				tp.inFlightBytes -= b
			}
		}
		c.progressMu.Unlock()
	}()

	if e.Interrupted {
		return
	}

	if !c.cfg.DryRun {
		if err := c.log.EndTableChunk(ctx, t.Table.Schema, t.Table.Name, t.Chunk.Index, uint64(e.Bytes), uint64(e.RawBytes)); err != nil {
			c.fail(fmt.Errorf("journal end chunk: %w", err))
			return
		}
	}
	c.metr.RecordChunkLoaded(e.Bytes, e.RawBytes)
	c.metr.RecordRowsLoaded(e.Rows)
}

func (c *Coordinator) onIndexEnd(e worker.Event) {
	e.Task.Table.IndexesCreated = true
	c.metr.RecordIndexesRecreated()
	if e.Note != "" {
		c.console("warning: " + e.Note)
		c.metr.RecordWarning()
	}
}

func (c *Coordinator) onAnalyzeEnd(e worker.Event) {
	c.metr.RecordTableAnalyzed()
	if e.Note != "" {
		c.console("warning: " + e.Note)
		c.metr.RecordWarning()
	}
}

func (c *Coordinator) onFatalError(e worker.Event) {
	c.fail(e.Err)
}

func (c *Coordinator) skipSchema(name string) {
	c.skippedMu.Lock()
	c.skippedSchemas[name] = true
	c.skippedMu.Unlock()
}

func (c *Coordinator) isSchemaSkipped(name string) bool {
	c.skippedMu.Lock()
	defer c.skippedMu.Unlock()
	return c.skippedSchemas[name]
}

func (c *Coordinator) skipTable(schema, table string) {
	c.skippedMu.Lock()
	c.skippedTables[scheduler.TableKey{Schema: schema, Table: table}] = true
	c.skippedMu.Unlock()
}

func (c *Coordinator) isTableSkipped(schema, table string) bool {
	c.skippedMu.Lock()
	defer c.skippedMu.Unlock()
	return c.skippedTables[scheduler.TableKey{Schema: schema, Table: table}]
}

// runEndScripts applies the post-data teardown of section 4.6 step 6:
// per-schema deferred foreign keys and trigger DDL, final view
// definitions, and the dump's global post-data script.
func (c *Coordinator) runEndScripts(ctx context.Context) error {
	if !c.cfg.LoadDDL {
		return nil
	}

	for _, schemaName := range c.reader.Schemas() {
		if c.isSchemaSkipped(schemaName) {
			continue
		}
		if err := c.runSchemaEndScripts(ctx, schemaName); err != nil {
			return fmt.Errorf("schema %q end scripts: %w", schemaName, err)
		}
	}

	for {
		schemaName, views, ok := c.reader.NextSchemaAndViews()
		if !ok {
			break
		}
		if c.isSchemaSkipped(schemaName) {
			continue
		}
		for _, v := range views {
			if err := c.applyFinalView(ctx, schemaName, v); err != nil {
				c.console(fmt.Sprintf("warning: view %q.%q failed: %v", schemaName, v.Name, err))
				c.metr.RecordWarning()
			}
		}
	}

	script, err := c.reader.EndScript(ctx)
	if err != nil {
		return fmt.Errorf("read end script: %w", err)
	}
	if !c.cfg.DryRun {
		if err := c.execScript(ctx, script); err != nil {
			return fmt.Errorf("exec end script: %w", err)
		}
	}
	return nil
}

// runSchemaEndScripts replays schemaName's deferred foreign keys (always
// fatal on failure, per the Open Question decision recorded in
// DESIGN.md) and applies each of its tables' trigger DDL (force-
// skippable, like any other DDL step).
func (c *Coordinator) runSchemaEndScripts(ctx context.Context, schemaName string) error {
	for _, fk := range c.reader.DeferredSchemaFKs(schemaName) {
		if c.cfg.DryRun {
			continue
		}
		if _, err := c.conn.Exec(ctx, fk); err != nil {
			return fmt.Errorf("deferred foreign key: %w", err)
		}
	}

	for _, t := range c.reader.Tables(schemaName) {
		if c.isTableSkipped(schemaName, t.Name) || len(t.Triggers) == 0 {
			continue
		}
		if err := c.applyTriggersDDL(ctx, schemaName, t); err != nil {
			if c.cfg.Force {
				c.console(fmt.Sprintf("warning: triggers for %q.%q failed: %v", schemaName, t.Name, err))
				c.metr.RecordWarning()
				continue
			}
			return err
		}
	}
	return nil
}

func (c *Coordinator) applyTriggersDDL(ctx context.Context, schemaName string, t *dumpreader.Table) error {
	if c.log.TriggersDDLStatus(schemaName, t.Name) == journal.Done {
		return nil
	}
	script, err := c.reader.TriggersScript(ctx, t)
	if err != nil {
		return fmt.Errorf("read triggers script: %w", err)
	}
	if err := c.log.StartTriggersDDL(ctx, schemaName, t.Name); err != nil {
		return err
	}
	if !c.cfg.DryRun {
		if err := c.execScript(ctx, script); err != nil {
			return fmt.Errorf("exec triggers DDL: %w", err)
		}
	}
	return c.log.EndTriggersDDL(ctx, schemaName, t.Name)
}

func (c *Coordinator) applyFinalView(ctx context.Context, schemaName string, v dumpreader.View) error {
	script, err := c.reader.ViewScript(ctx, schemaName, v.Name)
	if err != nil {
		return fmt.Errorf("read view script: %w", err)
	}
	if c.cfg.DryRun {
		return nil
	}
	return c.execScript(ctx, script)
}
