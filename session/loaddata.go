package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
)

// ErrInterrupted is returned by LoadDataInfile when the hard-interrupt
// flag aborted an in-progress import. The accompanying Result carries
// only the partial byte count read before the abort; callers must not
// treat the chunk as loaded.
var ErrInterrupted = errors.New("load data infile: interrupted")

// LoadDataOptions parameterizes a bulk import of one chunk file, per the
// "Bulk chunk importer" collaborator of section 6: schema/table, a byte
// stream, field/line termination, and a shared hard-interrupt flag.
type LoadDataOptions struct {
	Schema string
	Table  string

	Reader io.Reader

	FieldsTerminatedBy string // default "\t"
	LinesTerminatedBy  string // default "\n"
	FieldsEnclosedBy   string
	FieldsEscapedBy    string
	Columns            []string

	CharacterSet string

	// Interrupt, if non-nil, is read only after the import statement has
	// failed: if it is set then, LoadDataInfile returns ErrInterrupted
	// instead of the driver error. It is not polled while rows stream, so
	// setting it does not by itself stop a running import; cancelling ctx
	// does.
	Interrupt *atomic.Bool
}

// Result reports the outcome of a bulk import, the counters the "Bulk
// chunk importer" collaborator returns.
type Result struct {
	Bytes    int64
	Rows     int64
	Warnings int64
}

// readerHandlerSeq gives each LoadDataInfile call a unique reader-handler
// name, since the driver's registry is process-global.
var readerHandlerSeq atomic.Uint64

// LoadDataInfile streams opts.Reader into opts.Schema.opts.Table via
// LOAD DATA LOCAL INFILE, replacing rows with duplicate keys rather than
// erroring (REPLACE), matching the importer's "duplicate-row-replace"
// contract. The row and warning counts come back from the driver's
// result plus a post-load SHOW COUNT(*) WARNINGS.
func (c *connImpl) LoadDataInfile(ctx context.Context, opts LoadDataOptions) (Result, error) {
	name := "myshdump-" + strconv.FormatUint(readerHandlerSeq.Add(1), 10)

	counting := &countingReader{r: opts.Reader}
	RegisterReader(name, counting)
	defer DeregisterReader(name)

	query := buildLoadDataQuery(name, opts)

	res, err := c.conn.ExecContext(ctx, query)
	if err != nil {
		if opts.Interrupt != nil && opts.Interrupt.Load() {
			return Result{Bytes: counting.n}, ErrInterrupted
		}
		return Result{Bytes: counting.n}, fmt.Errorf("load data infile %s.%s: %w", opts.Schema, opts.Table, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return Result{Bytes: counting.n}, fmt.Errorf("load data infile %s.%s: rows affected: %w", opts.Schema, opts.Table, err)
	}

	var warnings int64
	if row := c.conn.QueryRowContext(ctx, "SHOW COUNT(*) WARNINGS"); row != nil {
		_ = row.Scan(&warnings) // best effort; absence of warnings is not an error
	}

	return Result{Bytes: counting.n, Rows: rows, Warnings: warnings}, nil
}

func buildLoadDataQuery(readerName string, opts LoadDataOptions) string {
	fieldsTerm := opts.FieldsTerminatedBy
	if fieldsTerm == "" {
		fieldsTerm = "\t"
	}
	linesTerm := opts.LinesTerminatedBy
	if linesTerm == "" {
		linesTerm = "\n"
	}

	q := fmt.Sprintf("LOAD DATA LOCAL INFILE 'Reader::%s' REPLACE INTO TABLE `%s`.`%s`",
		readerName, opts.Schema, opts.Table)
	if opts.CharacterSet != "" {
		q += " CHARACTER SET " + opts.CharacterSet
	}
	q += fmt.Sprintf(" FIELDS TERMINATED BY %s", quoteLiteral(fieldsTerm))
	if opts.FieldsEnclosedBy != "" {
		q += fmt.Sprintf(" ENCLOSED BY %s", quoteLiteral(opts.FieldsEnclosedBy))
	}
	if opts.FieldsEscapedBy != "" {
		q += fmt.Sprintf(" ESCAPED BY %s", quoteLiteral(opts.FieldsEscapedBy))
	}
	q += fmt.Sprintf(" LINES TERMINATED BY %s", quoteLiteral(linesTerm))
	if len(opts.Columns) > 0 {
		q += " ("
		for i, col := range opts.Columns {
			if i > 0 {
				q += ", "
			}
			q += "`" + col + "`"
		}
		q += ")"
	}
	return q
}

func quoteLiteral(s string) string {
	out := "'"
	for _, r := range s {
		switch r {
		case '\\':
			out += `\\`
		case '\'':
			out += `\'`
		case '\t':
			out += `\t`
		case '\n':
			out += `\n`
		default:
			out += string(r)
		}
	}
	return out + "'"
}

// countingReader tracks bytes read from the underlying reader, so
// LoadDataInfile can report Result.Bytes even though the driver itself
// only returns a row count.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
