package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		DumpURI:         "file:///tmp/dump",
		DSN:             "user:pass@tcp(127.0.0.1:3306)/",
		Threads:         4,
		LoadData:        true,
		LoadDDL:         true,
		LoadIndexes:     true,
		ShutdownTimeout: time.Minute,
	}
}

func TestValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config to pass validation, got: %v", err)
	}
}

func TestMissingDumpURI(t *testing.T) {
	cfg := validConfig()
	cfg.DumpURI = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing dump URI")
	}
}

func TestInvalidDumpURIScheme(t *testing.T) {
	testCases := []string{"http://bucket/key", "https://bucket/key", "bucket/key", "ftp://host/path"}
	for _, uri := range testCases {
		t.Run(uri, func(t *testing.T) {
			cfg := validConfig()
			cfg.DumpURI = uri
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for invalid dump URI: %s", uri)
			}
		})
	}
}

func TestValidDumpURISchemes(t *testing.T) {
	for _, uri := range []string{"file:///tmp/dump", "s3://bucket/prefix"} {
		t.Run(uri, func(t *testing.T) {
			cfg := validConfig()
			cfg.DumpURI = uri
			if err := cfg.Validate(); err != nil {
				t.Errorf("expected valid dump URI %s to pass, got: %v", uri, err)
			}
			if cfg.DumpScheme() == "" {
				t.Error("expected DumpScheme to be set after Validate")
			}
		})
	}
}

func TestMissingDSN(t *testing.T) {
	cfg := validConfig()
	cfg.DSN = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing DSN")
	}
}

func TestInvalidThreads(t *testing.T) {
	for _, threads := range []int{0, -1, -100} {
		cfg := validConfig()
		cfg.Threads = threads
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected error for invalid threads: %d", threads)
		}
	}
}

func TestDeferIndexModeDefault(t *testing.T) {
	cfg := validConfig()
	cfg.DeferTableIndexes = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default defer mode to validate, got: %v", err)
	}
	if cfg.DeferTableIndexes != DeferIndexFulltext {
		t.Errorf("expected default defer mode fulltext, got %s", cfg.DeferTableIndexes)
	}
}

func TestDeferIndexModeInvalid(t *testing.T) {
	cfg := validConfig()
	cfg.DeferTableIndexes = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid defer table indexes mode")
	}
}

func TestDeferIndexesOffRejectsLoadIndexesDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.DeferTableIndexes = DeferIndexOff
	cfg.LoadIndexes = false
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when defer_table_indexes is off and load_indexes is false")
	}
}

func TestDeferIndexesAllAllowsLoadIndexesDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.DeferTableIndexes = DeferIndexAll
	cfg.LoadIndexes = false
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected all + load_indexes=false to validate, got: %v", err)
	}
}

func TestAnalyzeModeInvalid(t *testing.T) {
	cfg := validConfig()
	cfg.AnalyzeTables = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid analyze mode")
	}
}

func TestInvalidProgressFileScheme(t *testing.T) {
	cfg := validConfig()
	cfg.ProgressFile = "http://bucket/progress.json"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid progress file scheme")
	}
}

func TestInvalidShutdownTimeout(t *testing.T) {
	for _, timeout := range []time.Duration{0, 500 * time.Millisecond, -time.Second} {
		cfg := validConfig()
		cfg.ShutdownTimeout = timeout
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected error for invalid shutdown timeout: %v", timeout)
		}
	}
}

func TestInvalidWaitDumpTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.WaitDumpTimeout = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative wait dump timeout")
	}
}

func TestUnqualifiedIncludeTableRejected(t *testing.T) {
	cfg := validConfig()
	cfg.IncludeTables = []string{"no_schema_prefix"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unqualified include table")
	}
}

func TestIncludeTableFiltering(t *testing.T) {
	cfg := validConfig()
	cfg.ExcludeSchemas = []string{"sakila"}
	if cfg.IncludeTable("sakila", "actor") {
		t.Error("expected table in excluded schema to be rejected")
	}

	cfg = validConfig()
	cfg.ExcludeTables = []string{"world.city"}
	if cfg.IncludeTable("world", "city") {
		t.Error("expected excluded table to be rejected")
	}

	cfg = validConfig()
	if !cfg.IncludeTable("any", "table") {
		t.Error("expected table to be included when no filters are set")
	}

	cfg = validConfig()
	cfg.IncludeSchemas = []string{"world"}
	if !cfg.IncludeTable("world", "city") {
		t.Error("expected table in included schema to be included")
	}
	if cfg.IncludeTable("other", "table") {
		t.Error("expected table outside include_schemas to be rejected")
	}

	cfg = validConfig()
	cfg.IncludeTables = []string{"world.city"}
	if !cfg.IncludeTable("world", "city") {
		t.Error("expected directly included table to be included")
	}
	if cfg.IncludeTable("world", "country") {
		t.Error("expected table not in include_tables to be rejected when include_tables is set")
	}
}
