// Package main implements the command-line interface as specified in section 7
// of the design specification. It parses flags, wires the dump reader,
// journal, and worker pool, and drives one load operation to completion.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gurre/myshdump/config"
	"github.com/gurre/myshdump/coordinator"
	"github.com/gurre/myshdump/dumpreader"
	"github.com/gurre/myshdump/journal"
	"github.com/gurre/myshdump/session"
	"github.com/gurre/myshdump/storage"
	"github.com/gurre/s3streamer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// csvFlag parses a comma-separated flag value into a string slice,
// dropping empty entries.
func csvFlag(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// run implements the load command of section 7: parse flags, validate
// configuration, wire the storage/reader/journal/session layers, and hand
// off to the coordinator.
func run() error {
	fs := flag.NewFlagSet("myshdump", flag.ExitOnError)

	dumpURI := fs.String("dump", "", "Dump directory URI (file:// or s3://)")
	dsn := fs.String("dsn", "", "Target server DSN, in go-sql-driver/mysql format")
	threads := fs.Int("threads", 4, "Worker count")

	loadData := fs.Bool("load-data", true, "Load table data")
	loadDDL := fs.Bool("load-ddl", true, "Apply DDL")
	loadUsers := fs.Bool("load-users", false, "Apply users/grants script")
	loadIndexes := fs.Bool("load-indexes", true, "Recreate deferred indexes")

	deferTableIndexes := fs.String("defer-table-indexes", "fulltext", "off|all|fulltext")
	analyzeTables := fs.String("analyze-tables", "off", "off|on|histogram")

	dryRun := fs.Bool("dry-run", false, "Do everything but issue no SQL")
	force := fs.Bool("force", false, "Continue past per-schema/per-table DDL errors")

	resetProgress := fs.Bool("reset-progress", false, "Discard prior journal")
	progressFile := fs.String("progress-file", "", "Explicit journal URI; defaults to load-progress.<server-uuid>.json in the dump dir")

	includeSchemas := fs.String("include-schemas", "", "Comma-separated schema names to include")
	excludeSchemas := fs.String("exclude-schemas", "", "Comma-separated schema names to exclude")
	includeTables := fs.String("include-tables", "", "Comma-separated schema.table names to include")
	excludeTables := fs.String("exclude-tables", "", "Comma-separated schema.table names to exclude")

	characterSet := fs.String("character-set", "", "Override SET NAMES")
	skipBinlog := fs.Bool("skip-binlog", false, "SET sql_log_bin=0 on each session")

	ignoreExistingObjects := fs.Bool("ignore-existing-objects", false, "Downgrade duplicate-object fatal error to warning")
	ignoreVersion := fs.Bool("ignore-version", false, "Downgrade major-version mismatch to warning")

	waitDumpTimeout := fs.Duration("wait-dump-timeout", 0, "How long to wait for a dump to reach COMPLETE")
	targetSchema := fs.String("target-schema", "", "Rename target for single-schema dumps")

	shutdownTimeout := fs.Duration("shutdown-timeout", 5*time.Minute, "Graceful shutdown timeout")

	region := fs.String("region", "", "AWS region for s3:// dump URIs (defaults to AWS_REGION env)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	cfg := &config.Config{
		DumpURI: *dumpURI,
		DSN:     *dsn,
		Threads: *threads,

		LoadData:    *loadData,
		LoadDDL:     *loadDDL,
		LoadUsers:   *loadUsers,
		LoadIndexes: *loadIndexes,

		DeferTableIndexes: config.DeferIndexMode(*deferTableIndexes),
		AnalyzeTables:     config.AnalyzeMode(*analyzeTables),

		DryRun: *dryRun,
		Force:  *force,

		ResetProgress: *resetProgress,
		ProgressFile:  *progressFile,

		IncludeSchemas: csvFlag(*includeSchemas),
		ExcludeSchemas: csvFlag(*excludeSchemas),
		IncludeTables:  csvFlag(*includeTables),
		ExcludeTables:  csvFlag(*excludeTables),

		CharacterSet: *characterSet,
		SkipBinlog:   *skipBinlog,

		IgnoreExistingObjects: *ignoreExistingObjects,
		IgnoreVersion:         *ignoreVersion,

		WaitDumpTimeout: *waitDumpTimeout,
		TargetSchema:    *targetSchema,

		ShutdownTimeout: *shutdownTimeout,
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var s3Client storage.S3API
	var rawS3Client *s3.Client
	var streamer s3streamer.Streamer
	if cfg.DumpScheme() == "s3" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(*region))
		if err != nil {
			return fmt.Errorf("failed to load AWS config: %w", err)
		}
		rawS3Client = s3.NewFromConfig(awsCfg)
		s3Client = rawS3Client
		streamer = s3streamer.NewS3Streamer(rawS3Client)
	}

	dir, err := storage.OpenDirectory(ctx, cfg.DumpURI, s3Client, streamer)
	if err != nil {
		return fmt.Errorf("open dump directory: %w", err)
	}

	reader := dumpreader.New(dir, cfg)
	if err := reader.Open(ctx); err != nil {
		return fmt.Errorf("open dump: %w", err)
	}
	if reader.Status() == dumpreader.StatusInvalid {
		return fmt.Errorf("%q does not look like a dump directory", cfg.DumpURI)
	}

	journalFile, err := openJournalFile(ctx, cfg, dir, s3Client)
	if err != nil {
		return fmt.Errorf("open progress journal: %w", err)
	}
	defer journalFile.Close()

	log, progress, err := journal.Open(ctx, journalFile, cfg.DryRun)
	if err != nil {
		return fmt.Errorf("open progress journal: %w", err)
	}

	dial := func(ctx context.Context, ddlOnly bool) (session.Conn, error) {
		return session.Open(ctx, cfg.DSN, session.Settings{
			SkipBinlog:      cfg.SkipBinlog,
			DDLOnly:         ddlOnly,
			CharacterSet:    cfg.CharacterSet,
			DumpProducedUTC: reader.TzUTC(),
		})
	}

	coord := coordinator.New(cfg, reader, log, dial)

	fmt.Printf("Loading dump %s into %s\n", cfg.DumpURI, maskDSN(cfg.DSN))
	if err := coord.Run(ctx, progress); err != nil {
		return fmt.Errorf("load operation failed: %w", err)
	}

	return nil
}

// openJournalFile resolves the progress journal location, defaulting to
// load-progress.<server-uuid>.json next to the dump, per section 6. Keying
// the default name off the target's own @@server_uuid (rather than a
// per-invocation random suffix) is what lets a second run against the same
// dump and target, with no explicit --progress-file, find the first run's
// journal and resume instead of starting over.
func openJournalFile(ctx context.Context, cfg *config.Config, dir storage.Directory, s3Client storage.S3API) (storage.JournalFile, error) {
	uri := cfg.ProgressFile
	if uri == "" {
		uuid, err := fetchServerUUID(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("resolve default progress file: %w", err)
		}
		uri = dir.URI() + "/load-progress." + uuid + ".json"
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid progress file URI: %w", err)
	}
	switch u.Scheme {
	case "", "file":
		return storage.NewLocalJournalFile(u.Path), nil
	case "s3":
		if s3Client == nil {
			return nil, fmt.Errorf("s3:// progress file given but no S3 client configured")
		}
		return storage.NewS3JournalFile(s3Client, u.Host, strings.TrimPrefix(u.Path, "/")), nil
	default:
		return nil, fmt.Errorf("progress file URI must use file:// or s3:// scheme, got %q", u.Scheme)
	}
}

// fetchServerUUID opens a short-lived connection to the target and returns
// its @@server_uuid, used to derive the default journal filename so it is
// stable across runs against the same target.
func fetchServerUUID(ctx context.Context, cfg *config.Config) (string, error) {
	conn, err := session.Open(ctx, cfg.DSN, session.Settings{DDLOnly: true})
	if err != nil {
		return "", fmt.Errorf("connect to fetch server_uuid: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, "SELECT @@server_uuid")
	if err != nil {
		return "", fmt.Errorf("query server_uuid: %w", err)
	}
	defer rows.Close()

	var uuid string
	if !rows.Next() {
		return "", fmt.Errorf("query server_uuid: no rows returned")
	}
	if err := rows.Scan(&uuid); err != nil {
		return "", fmt.Errorf("scan server_uuid: %w", err)
	}
	return uuid, rows.Err()
}

// maskDSN hides the password component of a DSN before it is printed to
// the console.
func maskDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	colon := strings.Index(dsn, ":")
	if at < 0 || colon < 0 || colon > at {
		return dsn
	}
	return dsn[:colon+1] + "****" + dsn[at:]
}
