package dumpreader

import (
	"regexp"
	"strconv"
)

// Chunk is one data file belonging to a Table, per section 3.
type Chunk struct {
	Index    int64 // -1 for an unchunked table's single data file
	FileName string
}

// chunkPattern matches "<basename>@<k>.<ext>..." or the final chunk's
// "<basename>@@<k>.<ext>...", per section 4.3's "detecting the last chunk".
func chunkPattern(basename string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(basename) + `@(@?)(\d+)\.`)
}

// discoverChunks scans names for files belonging to basename and returns
// them in index order, along with whether the terminal "@@N" marker (and
// therefore the dense chunk count) has been seen.
func discoverChunks(names []string, basename, extension string) (chunks []Chunk, lastSeen bool) {
	pattern := chunkPattern(basename)
	byIndex := make(map[int64]string)
	var maxIndex int64 = -1

	for _, name := range names {
		m := pattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		idx, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			continue
		}
		byIndex[idx] = name
		if idx > maxIndex {
			maxIndex = idx
		}
		if m[1] == "@" {
			lastSeen = true
		}
	}

	if maxIndex < 0 {
		// no chunk suffix found at all; check for a single unchunked data file,
		// which may itself carry a compressed extension (basename.tsv.zst).
		prefix := basename + "." + extension
		for _, name := range names {
			if name == prefix || (len(name) > len(prefix) && name[:len(prefix)] == prefix && name[len(prefix)] == '.') {
				return []Chunk{{Index: -1, FileName: name}}, true
			}
		}
		return nil, false
	}

	for i := int64(0); i <= maxIndex; i++ {
		name, ok := byIndex[i]
		if !ok {
			// a gap means the producer hasn't written this chunk yet; stop
			// here and let the next rescan pick up the rest.
			break
		}
		chunks = append(chunks, Chunk{Index: i, FileName: name})
	}
	return chunks, lastSeen && int64(len(chunks)) == maxIndex+1
}
