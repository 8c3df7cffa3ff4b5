// Package storage implements the storage fabric described in section 4.1
// of the design specification: uniform access to local files and the S3
// object store, transparent decompression by file extension, idx-file
// sidecars carrying uncompressed byte counts, and a rewrite-on-flush mode
// for append-only logs kept on backends that cannot append.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gurre/s3streamer"
)

// Compression identifies the compression codec of a dump file, selected by
// its file extension per section 6 ("Compressed extensions").
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

// CompressionFromExt maps a filename's extension to its Compression kind.
func CompressionFromExt(name string) Compression {
	switch path.Ext(name) {
	case ".gz":
		return CompressionGzip
	case ".zst":
		return CompressionZstd
	default:
		return CompressionNone
	}
}

// File is a handle to one object in the storage fabric. It hides whether
// the backing store is local or remote.
type File interface {
	// Name returns the file's path or key, as given to the directory that
	// produced it.
	Name() string
	// Exists reports whether the file is present.
	Exists(ctx context.Context) (bool, error)
	// Size returns the file's size in bytes as stored (i.e. compressed size
	// on disk, if compressed).
	Size(ctx context.Context) (int64, error)
	// Open returns a sequential reader over the file's raw (possibly
	// compressed) bytes. The caller is responsible for closing it.
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Directory lists and opens files rooted at one dump directory.
type Directory interface {
	// List returns the names of every file directly under the directory.
	List(ctx context.Context) ([]string, error)
	// File returns a handle for the named file. It does not need to exist yet
	// (the dump may still be growing).
	File(name string) File
	// URI returns the directory's canonical URI, used to build sibling paths
	// (e.g. the default progress file location).
	URI() string
}

// OpenDirectory dispatches to the local or S3 backend based on the URI
// scheme, per section 4.1. stream may be nil when opening a directory that
// will only be used for metadata/journal access.
func OpenDirectory(ctx context.Context, uri string, s3Client S3API, stream s3streamer.Streamer) (Directory, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid dump URI %q: %w", uri, err)
	}

	switch u.Scheme {
	case "file", "":
		return NewLocalDirectory(u.Path), nil
	case "s3":
		if s3Client == nil {
			return nil, fmt.Errorf("s3:// dump URI given but no S3 client configured")
		}
		return NewS3Directory(s3Client, stream, u.Host, strings.TrimPrefix(u.Path, "/")), nil
	default:
		return nil, fmt.Errorf("unsupported dump URI scheme %q", u.Scheme)
	}
}

// OpenReader opens f and wraps it with the decompressing reader implied by
// its name's extension, per section 4.1 ("compressed reader").
func OpenReader(ctx context.Context, f File) (io.ReadCloser, error) {
	raw, err := f.Open(ctx)
	if err != nil {
		return nil, err
	}
	return NewDecompressingReader(raw, CompressionFromExt(f.Name()))
}

// S3API is the subset of the AWS SDK S3 client used by this package. It
// mirrors the teacher's thin-interface-over-SDK-client pattern (see
// gurre/ddb-pitr's aws.S3Client), so tests can substitute a fake without
// pulling in network I/O.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// compile-time interface check, matching the teacher's own
// `var _ S3Client = (*s3.Client)(nil)` style assertion.
var _ S3API = (*s3.Client)(nil)
