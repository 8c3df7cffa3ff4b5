package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
)

// idxSuffix is appended to a chunk's name to find its sidecar index file,
// per original_source's Index_file convention.
const idxSuffix = ".idx"

// IdxFileName returns the sidecar index file name for a chunk file name.
func IdxFileName(chunkName string) string {
	return chunkName + idxSuffix
}

// UncompressedSize reads the trailing 8-byte big-endian uint64 written by
// the dump tool into a chunk's .idx sidecar, giving the chunk's
// uncompressed byte count without decompressing it — used for the
// proportional scheduler's available-bytes estimate (section 4.4) and for
// load progress reporting. It returns ok=false if no sidecar file exists,
// which callers should treat as "size unknown" rather than an error: older
// dumps, or dumps still being written, may lack the sidecar.
func UncompressedSize(ctx context.Context, dir Directory, chunkName string) (size uint64, ok bool, err error) {
	idxFile := dir.File(IdxFileName(chunkName))
	exists, err := idxFile.Exists(ctx)
	if err != nil {
		return 0, false, err
	}
	if !exists {
		return 0, false, nil
	}

	r, err := idxFile.Open(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("open idx sidecar for %s: %w", chunkName, err)
	}
	defer r.Close()

	full, err := io.ReadAll(r)
	if err != nil {
		return 0, false, fmt.Errorf("read idx sidecar for %s: %w", chunkName, err)
	}
	if len(full) < 8 {
		return 0, false, fmt.Errorf("idx sidecar for %s is truncated: %d bytes", chunkName, len(full))
	}

	trailer := full[len(full)-8:]
	return binary.BigEndian.Uint64(trailer), true, nil
}
