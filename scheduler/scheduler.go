// Package scheduler implements the proportional chunk scheduling algorithm
// of section 4.4 of the design specification, ported directly from
// original_source's dump_reader.cc schedule_chunk_proportionally.
package scheduler

// TableKey identifies a table within the scheduling pool.
type TableKey struct {
	Schema string
	Table  string
}

// Candidate is one table currently offering at least one ready chunk.
type Candidate struct {
	Key            TableKey
	Started        bool   // has already had >=1 chunk consumed
	AvailableBytes uint64 // bytes available across this table's ready chunks
	InFlightBytes  uint64 // bytes of this table's chunks currently loading
}

// Pick selects the next table to schedule a chunk from, per section 4.4's
// algorithm. maxConcurrentTables is the worker pool size. ok is false when
// ready is empty, and also when no candidate has been started yet and none
// of them can be started now.
func Pick(ready []Candidate, maxConcurrentTables int) (key TableKey, ok bool) {
	if len(ready) == 0 {
		return TableKey{}, false
	}

	var notInFlight []Candidate
	var started []Candidate
	for _, c := range ready {
		if c.InFlightBytes == 0 {
			notInFlight = append(notInFlight, c)
		}
		if c.Started {
			started = append(started, c)
		}
	}

	if len(notInFlight) > 0 {
		best := notInFlight[0]
		for _, c := range notInFlight[1:] {
			if betterNotInFlight(c, best) {
				best = c
			}
		}
		if len(started) < maxConcurrentTables || best.Started {
			return best.Key, true
		}
	}

	if len(started) == 0 {
		return TableKey{}, false
	}

	var totalInFlight, totalAvailable uint64
	for _, c := range started {
		totalInFlight += c.InFlightBytes
		totalAvailable += c.AvailableBytes
	}

	type scored struct {
		key   TableKey
		score float64
	}
	var best scored
	first := true
	for _, c := range started {
		w := fraction(c.InFlightBytes, totalInFlight)
		a := fraction(c.AvailableBytes, totalAvailable)
		score := a - w
		if first || score > best.score {
			best = scored{key: c.Key, score: score}
			first = false
		}
	}
	return best.key, true
}

// betterNotInFlight implements the "prefer started over not-started, then
// larger available-bytes" tie-break of step 2.
func betterNotInFlight(a, b Candidate) bool {
	if a.Started != b.Started {
		return a.Started
	}
	return a.AvailableBytes > b.AvailableBytes
}

func fraction(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total)
}
