package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
)

// JournalFile is an append-only log file that may live on a backend which
// cannot append (S3), per original_source's load_progress_log.h: a local
// file opens in true append mode, while a remote file buffers writes in
// memory and re-uploads the whole object on every Flush ("rewrite on
// flush").
type JournalFile interface {
	// Exists reports whether the journal file is already present.
	Exists(ctx context.Context) (bool, error)
	// ReadAll returns the journal's full current content.
	ReadAll(ctx context.Context) ([]byte, error)
	// Append adds p to the end of the journal. For a rewrite-on-flush
	// journal this only buffers p; Flush must be called to persist it.
	Append(ctx context.Context, p []byte) error
	// Flush persists any buffered writes. For a true-append backend it
	// syncs the open file to disk.
	Flush(ctx context.Context) error
	// Reset truncates the journal to empty.
	Reset(ctx context.Context) error
	// Close releases any held resources.
	Close() error
}

// NewLocalJournalFile opens a real append-mode file at path.
func NewLocalJournalFile(path string) JournalFile {
	return &localJournalFile{path: path}
}

type localJournalFile struct {
	path string
	f    *os.File
}

func (j *localJournalFile) Exists(ctx context.Context) (bool, error) {
	_, err := os.Stat(j.path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", j.path, err)
}

func (j *localJournalFile) ReadAll(ctx context.Context) ([]byte, error) {
	b, err := os.ReadFile(j.path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", j.path, err)
	}
	return b, nil
}

func (j *localJournalFile) Append(ctx context.Context, p []byte) error {
	if j.f == nil {
		f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open %s for append: %w", j.path, err)
		}
		j.f = f
	}
	if _, err := j.f.Write(p); err != nil {
		return fmt.Errorf("append to %s: %w", j.path, err)
	}
	return nil
}

func (j *localJournalFile) Flush(ctx context.Context) error {
	if j.f == nil {
		return nil
	}
	return j.f.Sync()
}

func (j *localJournalFile) Reset(ctx context.Context) error {
	if j.f != nil {
		j.f.Close()
		j.f = nil
	}
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", j.path, err)
	}
	return nil
}

func (j *localJournalFile) Close() error {
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// NewS3JournalFile opens a rewrite-on-flush journal backed by s3://bucket/key.
// All writes accumulate in memory; Flush re-uploads the entire object,
// mirroring load_progress_log.h's handling of non-appendable backends.
func NewS3JournalFile(api S3API, bucket, key string) JournalFile {
	return &s3JournalFile{api: api, bucket: bucket, key: key}
}

type s3JournalFile struct {
	api    S3API
	bucket string
	key    string
	buf    bytes.Buffer
	loaded bool
}

func (j *s3JournalFile) load(ctx context.Context) error {
	if j.loaded {
		return nil
	}
	existing, err := GetObject(ctx, j.api, j.bucket, j.key)
	if err != nil {
		// treat a missing object as an empty journal, same as the local case
		existing = nil
	}
	j.buf.Reset()
	j.buf.Write(existing)
	j.loaded = true
	return nil
}

func (j *s3JournalFile) Exists(ctx context.Context) (bool, error) {
	f := &s3File{dir: &s3Directory{api: j.api, bucket: j.bucket, prefix: ""}, name: j.key}
	return f.Exists(ctx)
}

func (j *s3JournalFile) ReadAll(ctx context.Context) ([]byte, error) {
	if err := j.load(ctx); err != nil {
		return nil, err
	}
	out := make([]byte, j.buf.Len())
	copy(out, j.buf.Bytes())
	return out, nil
}

func (j *s3JournalFile) Append(ctx context.Context, p []byte) error {
	if err := j.load(ctx); err != nil {
		return err
	}
	j.buf.Write(p)
	return nil
}

func (j *s3JournalFile) Flush(ctx context.Context) error {
	if !j.loaded {
		return nil
	}
	return PutObject(ctx, j.api, j.bucket, j.key, j.buf.Bytes())
}

func (j *s3JournalFile) Reset(ctx context.Context) error {
	j.buf.Reset()
	j.loaded = true
	return j.Flush(ctx)
}

func (j *s3JournalFile) Close() error {
	return nil
}

// JournalFile/io.Closer compile-time shape checks, matching the teacher's
// style of asserting its store types satisfy their interfaces.
var (
	_ JournalFile = (*localJournalFile)(nil)
	_ JournalFile = (*s3JournalFile)(nil)
	_ io.Closer   = (*localJournalFile)(nil)
)
