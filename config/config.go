// Package config implements the configuration management for a dump load
// operation. It handles parsing and validation of all loader parameters
// described in section 6 of the design specification.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DeferIndexMode controls which secondary indexes are stripped from
// CREATE TABLE and recreated after data load, per section 4.3 (6).
type DeferIndexMode string

const (
	DeferIndexOff      DeferIndexMode = "off"
	DeferIndexAll      DeferIndexMode = "all"
	DeferIndexFulltext DeferIndexMode = "fulltext"
)

// AnalyzeMode controls post-load ANALYZE TABLE behavior, per section 4.5.
type AnalyzeMode string

const (
	AnalyzeOff       AnalyzeMode = "off"
	AnalyzeOn        AnalyzeMode = "on"
	AnalyzeHistogram AnalyzeMode = "histogram"
)

// Config holds all configuration for a load operation as defined in
// section 6 of the design specification. All fields correspond to the
// required configuration parameters for the load operation.
type Config struct {
	DumpURI string // Local or S3 URI of the dump directory (file:// or s3://)
	DSN     string // Target server DSN, in go-sql-driver/mysql format

	Threads int // Worker count (default 4)

	LoadData    bool // Phase toggle: load table data
	LoadDDL     bool // Phase toggle: apply DDL
	LoadUsers   bool // Phase toggle: apply users/grants script
	LoadIndexes bool // Phase toggle: recreate deferred indexes

	DeferTableIndexes DeferIndexMode // off|all|fulltext (default fulltext)
	AnalyzeTables     AnalyzeMode    // off|on|histogram

	DryRun bool // Do everything but issue no SQL
	Force  bool // Continue past per-schema/per-table DDL errors, marking offenders skipped

	ResetProgress bool   // Discard prior journal
	ProgressFile  string // Explicit journal URI; defaults to load-progress.<uuid>.json in the dump dir

	IncludeSchemas []string
	ExcludeSchemas []string
	IncludeTables  []string // schema-qualified, e.g. "db.table"
	ExcludeTables  []string

	CharacterSet string // Override SET NAMES
	SkipBinlog   bool   // SET sql_log_bin=0 on each session

	IgnoreExistingObjects bool // Downgrade duplicate-object fatal error to warning
	IgnoreVersion         bool // Downgrade major-version mismatch to warning

	WaitDumpTimeout time.Duration // How long to wait for DUMPING -> COMPLETE
	TargetSchema    string        // Rename target for single-schema dumps

	ShutdownTimeout time.Duration // Graceful shutdown timeout on interrupt

	// internal fields, derived during Validate
	dumpScheme string
}

// DumpScheme returns the URI scheme of DumpURI ("file" or "s3"), as
// resolved by Validate.
func (c *Config) DumpScheme() string {
	return c.dumpScheme
}

// Validate ensures all required fields are present and have valid values,
// mirroring the fail-fast setup checks of section 7 ("Fatal setup errors").
func (c *Config) Validate() error {
	if c.DumpURI == "" {
		return fmt.Errorf("dump URI is required")
	}

	u, err := url.Parse(c.DumpURI)
	if err != nil {
		return fmt.Errorf("invalid dump URI: %w", err)
	}
	switch u.Scheme {
	case "file", "s3":
		c.dumpScheme = u.Scheme
	default:
		return fmt.Errorf("dump URI must use file:// or s3:// scheme, got %q", u.Scheme)
	}

	if c.DSN == "" {
		return fmt.Errorf("target DSN is required")
	}

	if c.Threads < 1 {
		return fmt.Errorf("threads must be at least 1")
	}

	switch c.DeferTableIndexes {
	case "":
		c.DeferTableIndexes = DeferIndexFulltext
	case DeferIndexOff, DeferIndexAll, DeferIndexFulltext:
	default:
		return fmt.Errorf("defer table indexes must be off, all, or fulltext")
	}

	switch c.AnalyzeTables {
	case "":
		c.AnalyzeTables = AnalyzeOff
	case AnalyzeOff, AnalyzeOn, AnalyzeHistogram:
	default:
		return fmt.Errorf("analyze tables must be off, on, or histogram")
	}

	// Leaving indexes out of the load (load_indexes=false) only works when
	// they are deferred: with deferral off they stay inside CREATE TABLE
	// and are built anyway, so that combination is rejected.
	if c.DeferTableIndexes == DeferIndexOff && !c.LoadIndexes {
		return fmt.Errorf("defer_table_indexes cannot be off when load_indexes is disabled")
	}

	if c.ProgressFile != "" {
		pu, err := url.Parse(c.ProgressFile)
		if err != nil {
			return fmt.Errorf("invalid progress file URI: %w", err)
		}
		if pu.Scheme != "" && pu.Scheme != "file" && pu.Scheme != "s3" {
			return fmt.Errorf("progress file URI must use file:// or s3:// scheme")
		}
	}

	if c.WaitDumpTimeout < 0 {
		return fmt.Errorf("wait dump timeout must not be negative")
	}

	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second")
	}

	for _, t := range c.IncludeTables {
		if !strings.Contains(t, ".") {
			return fmt.Errorf("include table %q must be schema-qualified", t)
		}
	}
	for _, t := range c.ExcludeTables {
		if !strings.Contains(t, ".") {
			return fmt.Errorf("exclude table %q must be schema-qualified", t)
		}
	}

	return nil
}

// IncludeTable decides whether a table should be loaded, per section 4.3 (1):
// included unless excluded, and (if any include filters are given) only if
// named directly or via its schema.
func (c *Config) IncludeTable(schema, table string) bool {
	qualified := schema + "." + table
	for _, t := range c.ExcludeTables {
		if t == qualified {
			return false
		}
	}
	for _, s := range c.ExcludeSchemas {
		if s == schema {
			return false
		}
	}

	if len(c.IncludeSchemas) == 0 && len(c.IncludeTables) == 0 {
		return true
	}

	for _, s := range c.IncludeSchemas {
		if s == schema {
			return true
		}
	}
	for _, t := range c.IncludeTables {
		if t == qualified {
			return true
		}
	}
	return false
}

// IncludeSchema decides whether a schema should be loaded at all: not
// excluded, and included when no include filters are given or when it is
// named in include_schemas. include_tables alone does not imply the whole
// schema should be scanned for objects other than those named tables, but
// the reader still needs to know whether a schema is reachable.
func (c *Config) IncludeSchema(schema string) bool {
	for _, s := range c.ExcludeSchemas {
		if s == schema {
			return false
		}
	}
	if len(c.IncludeSchemas) == 0 {
		return true
	}
	for _, s := range c.IncludeSchemas {
		if s == schema {
			return true
		}
	}
	// schema itself wasn't named, but one of its tables might be in
	// include_tables
	prefix := schema + "."
	for _, t := range c.IncludeTables {
		if strings.HasPrefix(t, prefix) {
			return true
		}
	}
	return len(c.IncludeTables) == 0
}
