package sqltransform

import (
	"regexp"
	"strings"
)

// foreignKeyDefinition matches one CONSTRAINT ... FOREIGN KEY clause of a
// CREATE TABLE body, one per line. Foreign keys are always deferred,
// regardless of defer_table_indexes, per section 4.3 (5): "Foreign keys are
// always deferred, executed at on_schema_end."
var foreignKeyDefinition = regexp.MustCompile(
	"(?i)^\\s*CONSTRAINT\\s+`?([A-Za-z0-9_$]+)`?\\s+FOREIGN\\s+KEY\\s*\\(([^)]*)\\)\\s*REFERENCES\\s+(.+?)\\s*,?\\s*$")

// ExtractDeferredForeignKeys scans a CREATE TABLE statement line by line and
// removes CONSTRAINT ... FOREIGN KEY clauses, replacing each with a
// schema-qualified ALTER TABLE ... ADD CONSTRAINT ... statement to run once
// all of the owning schema's table DDL has completed (ordering guarantee
// (iv) in section 5).
func ExtractDeferredForeignKeys(schema, table, createTableSQL string) (rewritten string, alters []string) {
	lines := strings.Split(createTableSQL, "\n")
	kept := lines[:0]
	for _, line := range lines {
		m := foreignKeyDefinition.FindStringSubmatch(line)
		if m == nil {
			kept = append(kept, line)
			continue
		}

		name, cols, references := m[1], m[2], m[3]
		alters = append(alters, "ALTER TABLE `"+schema+"`.`"+table+"` ADD CONSTRAINT `"+name+
			"` FOREIGN KEY ("+cols+") REFERENCES "+references)
	}

	rewritten = danglingComma.ReplaceAllString(strings.Join(kept, "\n"), "$1")
	return rewritten, alters
}
