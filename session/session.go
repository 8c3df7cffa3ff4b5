// Package session wraps a target MySQL connection with the connect-time
// settings and bulk-import primitives of section 4.5 of the design
// specification.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	mysql "github.com/go-sql-driver/mysql"
)

// Settings controls the connect-time session variables applied by Open,
// per section 4.5.
type Settings struct {
	SkipBinlog      bool   // SET sql_log_bin = 0
	DDLOnly         bool   // SET foreign_key_checks = 0, unique_checks = 0
	CharacterSet    string // SET NAMES <charset>, empty to leave server default
	DumpProducedUTC bool   // SET TIME_ZONE = '+00:00'
}

// Conn is a thin wrapper over *sql.Conn exposing the operations workers
// need: statement execution, row queries, and LOAD DATA LOCAL INFILE-based
// bulk import, grounded on the teacher's aws.S3Client/DynamoDBClient
// thin-interface-over-SDK-client pattern.
type Conn interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	LoadDataInfile(ctx context.Context, opts LoadDataOptions) (Result, error)
	Close() error
}

// connImpl implements Conn using the go-sql-driver/mysql driver.
type connImpl struct {
	db   *sql.DB
	conn *sql.Conn
}

var _ Conn = (*connImpl)(nil)

// Open establishes a single connection to dsn and applies Settings, per
// the worker startup sequence of section 4.5 ("On startup it connects,
// propagating session settings").
func Open(ctx context.Context, dsn string, settings Settings) (Conn, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("acquire mysql connection: %w", err)
	}

	c := &connImpl{db: db, conn: conn}
	if err := c.applySettings(ctx, settings); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// applySettings issues the SET statements of section 4.5, in the order
// a worker applies them at connect time.
func (c *connImpl) applySettings(ctx context.Context, s Settings) error {
	stmts := []string{
		"SET net_read_timeout = 1800",
		"SET SQL_MODE = 'NO_AUTO_VALUE_ON_ZERO'",
	}
	if s.SkipBinlog {
		stmts = append(stmts, "SET sql_log_bin = 0")
	}
	if s.DDLOnly {
		stmts = append(stmts, "SET foreign_key_checks = 0", "SET unique_checks = 0")
	}
	if s.CharacterSet != "" {
		stmts = append(stmts, "SET NAMES "+s.CharacterSet)
	}
	if s.DumpProducedUTC {
		stmts = append(stmts, "SET TIME_ZONE = '+00:00'")
	}

	for _, stmt := range stmts {
		if _, err := c.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply session setting %q: %w", stmt, err)
		}
	}
	return nil
}

// Exec runs a statement that returns no rows.
func (c *connImpl) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.conn.ExecContext(ctx, query, args...)
}

// Query runs a statement that returns rows. Callers must close the
// returned *sql.Rows.
func (c *connImpl) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

// Close releases the underlying connection and pool.
func (c *connImpl) Close() error {
	err := c.conn.Close()
	if dbErr := c.db.Close(); err == nil {
		err = dbErr
	}
	return err
}

// RegisterReader makes a chunk's decompressed byte stream available to the
// driver under name, for use as a LOAD DATA LOCAL INFILE source. The
// caller is responsible for closing r after LoadDataInfile returns.
func RegisterReader(name string, r io.Reader) {
	mysql.RegisterReaderHandler(name, func() io.Reader { return r })
}

// DeregisterReader removes a reader handler registered by RegisterReader.
func DeregisterReader(name string) {
	mysql.DeregisterReaderHandler(name)
}
