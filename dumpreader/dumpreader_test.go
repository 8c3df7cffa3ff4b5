package dumpreader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/gurre/myshdump/config"
	"github.com/gurre/myshdump/storage"
)

func writeFile(t *testing.T, dir, name string, v any) {
	t.Helper()
	var data []byte
	switch x := v.(type) {
	case string:
		data = []byte(x)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %s: %v", name, err)
		}
		data = b
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func newTestDump(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()

	writeFile(t, dir, "@.json", rootMetadata{
		Version:             "1.0",
		Schemas:             []string{"sakila"},
		ServerVersion:       "8.0.34",
		DefaultCharacterSet: "utf8mb4",
		TzUTC:               true,
	})
	writeFile(t, dir, "sakila.json", schemaMetadata{
		Tables:      []string{"actor"},
		IncludesDDL: true,
	})
	writeFile(t, dir, "sakila@actor.json", tableMetadata{
		Extension:    "tsv",
		Chunking:     true,
		Compression:  "none",
		PrimaryIndex: []string{"actor_id"},
	})
	writeFile(t, dir, "sakila@actor@0.tsv", "1\tPENELOPE\n")
	writeFile(t, dir, "sakila@actor@@1.tsv", "2\tNICK\n")

	cfg := &config.Config{DumpURI: "file://" + dir, DSN: "x", Threads: 1, LoadDDL: true, LoadData: true, LoadIndexes: true, ShutdownTimeout: time.Minute}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate config: %v", err)
	}
	return dir, cfg
}

func TestOpenParsesRootAndSchema(t *testing.T) {
	dir, cfg := newTestDump(t)
	r := New(storage.NewLocalDirectory(dir), cfg)
	if err := r.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if r.Status() != StatusDumping {
		t.Errorf("Status = %v, want DUMPING (no done marker yet)", r.Status())
	}
	if got := r.Schemas(); len(got) != 1 || got[0] != "sakila" {
		t.Errorf("Schemas = %v, want [sakila]", got)
	}
	tables := r.Tables("sakila")
	if len(tables) != 1 || tables[0].Name != "actor" {
		t.Fatalf("Tables = %+v, want one table named actor", tables)
	}
	if !tables[0].HasPK {
		t.Error("expected actor to have a primary key")
	}
	if len(tables[0].Chunks) != 2 {
		t.Fatalf("Chunks = %+v, want 2 chunks", tables[0].Chunks)
	}
	if !tables[0].LastChunkSeen {
		t.Error("expected LastChunkSeen once @@1 is present")
	}
}

func TestOpenFlipsCompleteWithDoneMarker(t *testing.T) {
	dir, cfg := newTestDump(t)
	writeFile(t, dir, "@.done.json", doneMarker{DataBytes: 42})

	r := New(storage.NewLocalDirectory(dir), cfg)
	if err := r.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if r.Status() != StatusComplete {
		t.Errorf("Status = %v, want COMPLETE", r.Status())
	}
}

func TestOpenMissingRootIsInvalid(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{DumpURI: "file://" + dir, DSN: "x", Threads: 1, ShutdownTimeout: time.Minute}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	r := New(storage.NewLocalDirectory(dir), cfg)
	if err := r.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if r.Status() != StatusInvalid {
		t.Errorf("Status = %v, want INVALID", r.Status())
	}
}

func TestVersionGateRejectsNewerDump(t *testing.T) {
	if err := checkVersion("2.0"); err == nil {
		t.Error("expected error for dump major version newer than supported")
	}
	if err := checkVersion("1.0"); err != nil {
		t.Errorf("expected 1.0 to be accepted, got %v", err)
	}
	if err := checkVersion(""); err != nil {
		t.Errorf("expected empty version to be accepted, got %v", err)
	}
}

func TestNextSchemaAndTablesYieldsOnce(t *testing.T) {
	dir, cfg := newTestDump(t)
	r := New(storage.NewLocalDirectory(dir), cfg)
	if err := r.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	name, tables, ok := r.NextSchemaAndTables()
	if !ok || name != "sakila" || len(tables) != 1 {
		t.Fatalf("NextSchemaAndTables = %q, %+v, %v", name, tables, ok)
	}

	if _, _, ok := r.NextSchemaAndTables(); ok {
		t.Error("expected schema to be yielded only once")
	}
}

func TestTablesWithoutPK(t *testing.T) {
	dir, cfg := newTestDump(t)
	writeFile(t, dir, "sakila.json", schemaMetadata{
		Tables:      []string{"actor", "no_pk_table"},
		IncludesDDL: true,
	})
	writeFile(t, dir, "sakila@no_pk_table.json", tableMetadata{Extension: "tsv"})
	writeFile(t, dir, "sakila@no_pk_table.tsv", "x\n")

	r := New(storage.NewLocalDirectory(dir), cfg)
	if err := r.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	without := r.TablesWithoutPK()
	if len(without) != 1 || without[0].Name != "no_pk_table" {
		t.Fatalf("TablesWithoutPK = %+v, want [no_pk_table]", without)
	}
	if !r.HasTablesWithoutPK() {
		t.Error("expected HasTablesWithoutPK to be true")
	}
}

func TestIncludeTableFilterExcludesFromReader(t *testing.T) {
	dir, cfg := newTestDump(t)
	cfg.ExcludeTables = []string{"sakila.actor"}

	r := New(storage.NewLocalDirectory(dir), cfg)
	if err := r.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tables := r.Tables("sakila"); len(tables) != 0 {
		t.Errorf("expected actor to be filtered out, got %+v", tables)
	}
}
