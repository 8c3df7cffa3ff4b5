package storage

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// NewDecompressingReader wraps raw with the decoder implied by kind. A
// CompressionNone kind returns raw unchanged. Closing the result closes
// both the decoder and the underlying raw reader.
func NewDecompressingReader(raw io.ReadCloser, kind Compression) (io.ReadCloser, error) {
	switch kind {
	case CompressionNone:
		return raw, nil
	case CompressionGzip:
		gz, err := gzip.NewReader(raw)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return &wrappedReader{Reader: gz, closers: []io.Closer{gz, raw}}, nil
	case CompressionZstd:
		zr, err := zstd.NewReader(raw)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		zc := zr.IOReadCloser()
		return &wrappedReader{Reader: zc, closers: []io.Closer{zc, raw}}, nil
	default:
		raw.Close()
		return nil, fmt.Errorf("unknown compression kind %d", kind)
	}
}

// wrappedReader chains a decompressor on top of its source reader, closing
// both in order when the caller is done.
type wrappedReader struct {
	io.Reader
	closers []io.Closer
}

func (w *wrappedReader) Close() error {
	var firstErr error
	for _, c := range w.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
