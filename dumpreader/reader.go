// Package dumpreader implements the dump reader of section 4.3 of the
// design specification: it opens a dump by reading its root metadata,
// enumerates schemas, tables, views and data chunks, tracks the dump's
// DUMPING/COMPLETE lifecycle, and rescans a growing dump directory.
package dumpreader

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/gurre/myshdump/config"
	"github.com/gurre/myshdump/storage"
)

// Status is the dump's lifecycle state, per section 4.3.
type Status int

const (
	StatusInvalid Status = iota
	StatusDumping
	StatusComplete
)

func (s Status) String() string {
	switch s {
	case StatusDumping:
		return "DUMPING"
	case StatusComplete:
		return "COMPLETE"
	default:
		return "INVALID"
	}
}

// supportedMajor/supportedMinor gate the dump version this reader accepts,
// per section 4.3's version gate.
const (
	supportedMajor = 1
	supportedMinor = 0
)

// View is a (schema, name) pair emitted both as a placeholder and, in a
// later pass, as its final CREATE VIEW, per section 3.
type View struct {
	Schema string
	Name   string
}

// Table holds everything the reader has learned about one table, per
// section 3's Table entity.
type Table struct {
	Schema   string
	Name     string
	Basename string

	Extension   string
	Compression storage.Compression
	Chunked     bool
	HasPK       bool
	NoData      bool

	Chunks        []Chunk
	LastChunkSeen bool

	Triggers        []string
	DeferredIndexes []string
	Histograms      []HistogramMeta

	MDDone           bool
	IndexesScheduled bool
	IndexesCreated   bool
	AnalyzeScheduled bool
}

// schema is the reader's internal bookkeeping for one schema; Tables and
// Views are exposed to callers via Reader's accessor methods.
type schema struct {
	name     string
	basename string

	tables []*Table
	views  []View

	hasSQL      bool
	hasViewSQL  bool
	sqlSeen     bool
	mdDone      bool
	deferredFKs []string
}

// Reader opens and tracks a single dump directory.
// Example:
//
//	dir, err := storage.OpenDirectory(ctx, cfg.DumpURI, s3Client, streamer)
//	reader := dumpreader.New(dir, cfg)
//	if err := reader.Open(ctx); err != nil {
//	    log.Fatal(err)
//	}
type Reader struct {
	dir storage.Directory
	cfg *config.Config

	status Status

	defaultCharset string
	serverVersion  string
	targetVersion  string
	tzUTC          bool
	tableOnly      bool

	basenames map[string]string
	schemas   map[string]*schema
	order     []string // schema names in dump-declared order

	dataBytes      uint64
	tableDataBytes map[string]map[string]uint64
	chunkFileBytes map[string]uint64

	ddlYielded map[string]bool // schemas already returned from NextSchemaAndTables
	viewsYielded map[string]bool
}

// New returns a Reader over dir, filtering schemas/tables per cfg.
func New(dir storage.Directory, cfg *config.Config) *Reader {
	return &Reader{
		dir:          dir,
		cfg:          cfg,
		schemas:      make(map[string]*schema),
		ddlYielded:   make(map[string]bool),
		viewsYielded: make(map[string]bool),
	}
}

// Status reports the dump's current lifecycle state.
func (r *Reader) Status() Status { return r.status }

// DefaultCharacterSet is the charset the producer ran under.
func (r *Reader) DefaultCharacterSet() string { return r.defaultCharset }

// TzUTC reports whether the dump was produced with time_zone='+00:00'.
func (r *Reader) TzUTC() bool { return r.tzUTC }

// Open reads the root metadata document and, if present, the done-marker,
// per section 4.3. It is an error to call this twice.
func (r *Reader) Open(ctx context.Context) error {
	exists, err := r.dir.File("@.json").Exists(ctx)
	if err != nil {
		return fmt.Errorf("check dump root metadata: %w", err)
	}
	if !exists {
		r.status = StatusInvalid
		return nil
	}

	var root rootMetadata
	if err := readJSON(ctx, r.dir, "@.json", &root); err != nil {
		return fmt.Errorf("read dump root metadata: %w", err)
	}

	if err := checkVersion(root.Version); err != nil {
		return err
	}

	r.defaultCharset = root.DefaultCharacterSet
	r.serverVersion = root.ServerVersion
	r.targetVersion = root.TargetVersion
	r.tzUTC = root.TzUTC
	r.tableOnly = root.TableOnly
	r.basenames = root.Basenames
	r.tableDataBytes = make(map[string]map[string]uint64)
	r.chunkFileBytes = make(map[string]uint64)

	for _, name := range root.Schemas {
		if !r.cfg.IncludeSchema(name) {
			continue
		}
		basename := name
		if b, ok := root.Basenames[name]; ok {
			basename = b
		}
		r.schemas[name] = &schema{name: name, basename: basename}
		r.order = append(r.order, name)
	}

	r.status = StatusDumping
	return r.rescanLocked(ctx)
}

func checkVersion(version string) error {
	if version == "" {
		return nil
	}
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return fmt.Errorf("malformed dump version %q", version)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return fmt.Errorf("malformed dump version %q: %w", version, err)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return fmt.Errorf("malformed dump version %q: %w", version, err)
	}
	if major > supportedMajor || (major == supportedMajor && minor > supportedMinor) {
		return fmt.Errorf("dump version %s is newer than the %d.%d this loader supports", version, supportedMajor, supportedMinor)
	}
	return nil
}

// Rescan relists the dump directory, parses newly appeared per-schema and
// per-table metadata documents, extends chunk vectors, and flips to
// COMPLETE when the done-marker appears, per section 4.3 (6).
func (r *Reader) Rescan(ctx context.Context) error {
	if r.status == StatusInvalid {
		return r.Open(ctx)
	}
	return r.rescanLocked(ctx)
}

func (r *Reader) rescanLocked(ctx context.Context) error {
	names, err := r.dir.List(ctx)
	if err != nil {
		return fmt.Errorf("list dump directory: %w", err)
	}

	for _, name := range r.order {
		s := r.schemas[name]
		if !s.mdDone {
			if err := r.loadSchemaMetadata(ctx, s); err != nil {
				return err
			}
		}
		for _, t := range s.tables {
			if !t.MDDone {
				if err := r.loadTableMetadata(ctx, t); err != nil {
					return err
				}
			}
			if !t.NoData && !t.LastChunkSeen {
				chunks, lastSeen := discoverChunks(names, t.Basename, t.Extension)
				t.Chunks = chunks
				t.LastChunkSeen = lastSeen
			}
		}
	}

	done, err := r.dir.File("@.done.json").Exists(ctx)
	if err != nil {
		return fmt.Errorf("check dump done marker: %w", err)
	}
	if done {
		var marker doneMarker
		if err := readJSON(ctx, r.dir, "@.done.json", &marker); err != nil {
			return fmt.Errorf("read dump done marker: %w", err)
		}
		r.dataBytes = marker.DataBytes
		r.tableDataBytes = marker.TableDataBytes
		r.chunkFileBytes = marker.ChunkFileBytes
		r.status = StatusComplete
	}
	return nil
}

func (r *Reader) loadSchemaMetadata(ctx context.Context, s *schema) error {
	file := s.basename + ".json"
	exists, err := r.dir.File(file).Exists(ctx)
	if err != nil {
		return fmt.Errorf("check schema metadata %s: %w", file, err)
	}
	if !exists {
		return nil
	}

	var md schemaMetadata
	if err := readJSON(ctx, r.dir, file, &md); err != nil {
		return fmt.Errorf("read schema metadata %s: %w", file, err)
	}

	s.hasSQL = md.IncludesDDL
	s.hasViewSQL = md.IncludesViewsDDL

	for _, name := range md.Tables {
		if !r.cfg.IncludeTable(s.name, name) {
			continue
		}
		basename := s.basename + "@" + name
		if b, ok := md.Basenames[name]; ok {
			basename = b
		}
		s.tables = append(s.tables, &Table{Schema: s.name, Name: name, Basename: basename})
	}
	for _, name := range md.Views {
		s.views = append(s.views, View{Schema: s.name, Name: name})
	}

	s.mdDone = true
	return nil
}

func (r *Reader) loadTableMetadata(ctx context.Context, t *Table) error {
	file := t.Basename + ".json"
	exists, err := r.dir.File(file).Exists(ctx)
	if err != nil {
		return fmt.Errorf("check table metadata %s: %w", file, err)
	}
	if !exists {
		return nil
	}

	var md tableMetadata
	if err := readJSON(ctx, r.dir, file, &md); err != nil {
		return fmt.Errorf("read table metadata %s: %w", file, err)
	}

	t.Extension = md.Extension
	if t.Extension == "" {
		t.Extension = "tsv"
	}
	t.Chunked = md.Chunking
	t.Compression = compressionFromName(md.Compression)
	t.HasPK = len(md.PrimaryIndex) > 0
	t.Triggers = md.Triggers
	t.Histograms = md.Histograms
	t.NoData = md.NoData
	t.MDDone = true
	return nil
}

// compressionFromName maps a table metadata document's "compression" field
// ("none", "gzip", "zstd") to the storage package's Compression kind.
func compressionFromName(name string) storage.Compression {
	switch name {
	case "gzip":
		return storage.CompressionGzip
	case "zstd":
		return storage.CompressionZstd
	default:
		return storage.CompressionNone
	}
}

func readJSON(ctx context.Context, dir storage.Directory, name string, out any) error {
	r, err := dir.File(name).Open(ctx)
	if err != nil {
		return err
	}
	defer r.Close()

	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// NextSchemaAndTables yields the next schema whose metadata has been read
// and declares schema DDL (includesDdl), plus its tables, that has not yet
// been yielded for DDL purposes, per section 4.3 (2). It does not check that
// the schema-SQL file is present, nor that each table's metadata is loaded.
func (r *Reader) NextSchemaAndTables() (schemaName string, tables []*Table, ok bool) {
	for _, name := range r.order {
		s := r.schemas[name]
		if r.ddlYielded[name] || !s.mdDone || !s.hasSQL {
			continue
		}
		r.ddlYielded[name] = true
		return name, append([]*Table(nil), s.tables...), true
	}
	return "", nil, false
}

// NextSchemaAndViews yields a schema's views in a second pass, per section
// 4.3 (3). Views are only emitted once all of that schema's tables have
// been yielded for DDL.
func (r *Reader) NextSchemaAndViews() (schemaName string, views []View, ok bool) {
	for _, name := range r.order {
		s := r.schemas[name]
		if r.viewsYielded[name] || !r.ddlYielded[name] || !s.hasViewSQL {
			continue
		}
		r.viewsYielded[name] = true
		return name, append([]View(nil), s.views...), true
	}
	return "", nil, false
}

// Schemas returns every included schema's name, in dump-declared order.
func (r *Reader) Schemas() []string {
	return append([]string(nil), r.order...)
}

// Tables returns schema's tables, or nil if the schema is unknown.
func (r *Reader) Tables(schemaName string) []*Table {
	s, ok := r.schemas[schemaName]
	if !ok {
		return nil
	}
	return append([]*Table(nil), s.tables...)
}

// Views returns schema's views, or nil if the schema is unknown. Used to
// emit placeholder views right after a schema's DDL, before its table DDL,
// per section 3.
func (r *Reader) Views(schemaName string) []View {
	s, ok := r.schemas[schemaName]
	if !ok {
		return nil
	}
	return append([]View(nil), s.views...)
}

// SourceServerVersion is the producing server's version string, used to
// check compatibility with the live target server before loading begins.
func (r *Reader) SourceServerVersion() string { return r.serverVersion }

// DeferredSchemaFKs returns the deferred foreign-key statements collected
// while preprocessing schemaName's table DDL, to be replayed at schema end.
func (r *Reader) DeferredSchemaFKs(schemaName string) []string {
	s, ok := r.schemas[schemaName]
	if !ok {
		return nil
	}
	return s.deferredFKs
}

// AddDeferredSchemaFKs appends FK statements produced by DDL preprocessing
// for one of schemaName's tables.
func (r *Reader) AddDeferredSchemaFKs(schemaName string, fks []string) {
	s, ok := r.schemas[schemaName]
	if !ok {
		return
	}
	s.deferredFKs = append(s.deferredFKs, fks...)
}

// TablesWithoutPK returns every included table whose metadata indicates no
// primary key or equivalent unique-not-null key, per section 4.3.
func (r *Reader) TablesWithoutPK() []*Table {
	var out []*Table
	for _, name := range r.order {
		for _, t := range r.schemas[name].tables {
			if t.MDDone && !t.HasPK && !t.NoData {
				out = append(out, t)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Schema != out[j].Schema {
			return out[i].Schema < out[j].Schema
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// HasTablesWithoutPK reports whether any included table lacks a PK.
func (r *Reader) HasTablesWithoutPK() bool {
	return len(r.TablesWithoutPK()) > 0
}

// UncompressedSize returns a chunk file's uncompressed byte count,
// preferring the done-marker's chunkFileBytes map when present and
// falling back to the file's .idx sidecar, per section 4.1.
func (r *Reader) UncompressedSize(ctx context.Context, chunkFileName string) (uint64, bool, error) {
	if size, ok := r.chunkFileBytes[chunkFileName]; ok {
		return size, true, nil
	}
	return storage.UncompressedSize(ctx, r.dir, chunkFileName)
}

// scriptBody returns the content of a top-level SQL script file, or the
// empty string if it does not exist.
func (r *Reader) scriptBody(ctx context.Context, name string) (string, error) {
	f := r.dir.File(name)
	exists, err := f.Exists(ctx)
	if err != nil {
		return "", fmt.Errorf("check script %s: %w", name, err)
	}
	if !exists {
		return "", nil
	}
	rc, err := f.Open(ctx)
	if err != nil {
		return "", fmt.Errorf("open script %s: %w", name, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read script %s: %w", name, err)
	}
	return string(b), nil
}

// BeginScript returns the global pre-data script ("@.sql"), if any.
func (r *Reader) BeginScript(ctx context.Context) (string, error) {
	return r.scriptBody(ctx, "@.sql")
}

// EndScript returns the global post-data script ("@.post.sql"), if any.
func (r *Reader) EndScript(ctx context.Context) (string, error) {
	return r.scriptBody(ctx, "@.post.sql")
}

// UsersScript returns the optional users-and-grants script ("@.users.sql").
func (r *Reader) UsersScript(ctx context.Context) (string, error) {
	return r.scriptBody(ctx, "@.users.sql")
}

// SchemaScript returns a schema's CREATE DATABASE script.
func (r *Reader) SchemaScript(ctx context.Context, schemaName string) (string, error) {
	s, ok := r.schemas[schemaName]
	if !ok {
		return "", fmt.Errorf("unknown schema %q", schemaName)
	}
	return r.scriptBody(ctx, s.basename+".sql")
}

// TableScript returns a table's CREATE TABLE script.
func (r *Reader) TableScript(ctx context.Context, t *Table) (string, error) {
	return r.scriptBody(ctx, t.Basename+".sql")
}

// TriggersScript returns a table's trigger DDL script, if any.
func (r *Reader) TriggersScript(ctx context.Context, t *Table) (string, error) {
	if len(t.Triggers) == 0 {
		return "", nil
	}
	return r.scriptBody(ctx, t.Basename+".triggers.sql")
}

// ViewScript returns a view's final CREATE VIEW script, following the same
// "schema basename @ object name" convention used for table scripts.
func (r *Reader) ViewScript(ctx context.Context, schemaName, viewName string) (string, error) {
	s, ok := r.schemas[schemaName]
	if !ok {
		return "", fmt.Errorf("unknown schema %q", schemaName)
	}
	return r.scriptBody(ctx, s.basename+"@"+viewName+".sql")
}

// ViewPreScript returns a view's placeholder script ("<basename>@<view>.pre.sql"),
// a real CREATE TABLE/CREATE VIEW statement carrying the view's actual
// column list, so that objects created later in the load (other views,
// foreign keys) can reference its columns correctly before the view's
// final definition is known to be loadable. Mirrors the producer-written
// placeholder file the original dump format carries for this purpose.
func (r *Reader) ViewPreScript(ctx context.Context, schemaName, viewName string) (string, error) {
	s, ok := r.schemas[schemaName]
	if !ok {
		return "", fmt.Errorf("unknown schema %q", schemaName)
	}
	return r.scriptBody(ctx, s.basename+"@"+viewName+".pre.sql")
}

// OpenChunk opens a decompressed reader for a chunk's data file.
func (r *Reader) OpenChunk(ctx context.Context, c Chunk) (io.ReadCloser, error) {
	return storage.OpenReader(ctx, r.dir.File(c.FileName))
}
