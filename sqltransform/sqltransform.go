// Package sqltransform implements the SQL statement rewrite pipeline of
// section 4.7 of the design specification. A transform is a composable
// function that either rewrites a statement or leaves it unchanged;
// transforms run per statement, never per file.
package sqltransform

import (
	"regexp"
	"strings"
)

// Transform rewrites one SQL statement, returning the statement unchanged
// if it does not apply.
type Transform func(stmt string) string

// Pipeline runs a sequence of Transforms over one statement at a time.
type Pipeline struct {
	transforms []Transform
}

// NewPipeline returns a Pipeline running the given transforms in order.
func NewPipeline(transforms ...Transform) *Pipeline {
	return &Pipeline{transforms: transforms}
}

// Apply runs every transform over stmt in sequence.
func (p *Pipeline) Apply(stmt string) string {
	for _, t := range p.transforms {
		stmt = t(stmt)
	}
	return stmt
}

// sqlModeStatement matches an (optionally version-guarded) SET sql_mode
// statement, capturing the guard comment, the "SET sql_mode='" prefix, the
// comma-separated mode list, and the closing quote plus any trailing text.
// Ported directly from Sql_transform::add_strip_removed_sql_modes.
var sqlModeStatement = regexp.MustCompile(`(?is)^(/\*![0-9]+\s+)?(SET\s+sql_mode\s*=\s*')(.*)('.*)$`)

// removedSQLModes are modes present in 5.7-era dumps that no longer exist
// on the target server and must be stripped before execution.
var removedSQLModes = map[string]bool{
	"NO_AUTO_CREATE_USER": true,
}

// StripRemovedSQLModes removes removed sql_mode values (currently just
// NO_AUTO_CREATE_USER) from a SET sql_mode statement's comma-separated
// value list, preserving the version guard and any trailing text. An
// empty resulting list renders as the empty string, not as no statement
// at all, so `SET sql_mode=''` remains valid SQL.
func StripRemovedSQLModes(stmt string) string {
	m := sqlModeStatement.FindStringSubmatch(stmt)
	if m == nil {
		return stmt
	}

	guard, prefix, modeList, suffix := m[1], m[2], m[3], m[4]

	parts := strings.Split(modeList, ",")
	kept := parts[:0]
	for _, mode := range parts {
		if !removedSQLModes[strings.ToUpper(strings.TrimSpace(mode))] {
			kept = append(kept, mode)
		}
	}

	return guard + prefix + strings.Join(kept, ",") + suffix
}
