package sqltransform

import (
	"regexp"
	"strings"

	"github.com/gurre/myshdump/config"
)

// keyDefinition matches one secondary-index clause of a CREATE TABLE body,
// one per line, the way mysqldump-style producers format them. PRIMARY KEY
// is deliberately not matched: it is never deferred.
var keyDefinition = regexp.MustCompile(
	"(?i)^\\s*(UNIQUE\\s+KEY|KEY|INDEX|FULLTEXT\\s+(?:KEY|INDEX))\\s+`?([A-Za-z0-9_$]+)`?\\s*\\(([^)]*)\\)\\s*,?\\s*$")

// danglingComma matches a trailing comma left behind by a removed clause,
// immediately before the CREATE TABLE body's closing paren.
var danglingComma = regexp.MustCompile(`,(\s*\))`)

// ExtractDeferredIndexes scans a CREATE TABLE statement line by line and
// removes secondary index definitions selected by mode, replacing each
// with an ALTER TABLE ... ADD ... statement to run after data load, per
// section 4.3 (5). mode=off leaves the statement untouched; mode=all
// defers every secondary index; mode=fulltext defers only FULLTEXT
// indexes. The rewritten CREATE TABLE is what actually executes first.
func ExtractDeferredIndexes(schema, tableName, createTableSQL string, mode config.DeferIndexMode) (rewritten string, alters []string) {
	if mode == config.DeferIndexOff {
		return createTableSQL, nil
	}

	lines := strings.Split(createTableSQL, "\n")
	kept := lines[:0]
	for _, line := range lines {
		m := keyDefinition.FindStringSubmatch(line)
		if m == nil {
			kept = append(kept, line)
			continue
		}

		kind := strings.ToUpper(strings.Join(strings.Fields(m[1]), " "))
		if mode == config.DeferIndexFulltext && !strings.HasPrefix(kind, "FULLTEXT") {
			kept = append(kept, line)
			continue
		}

		name, cols := m[2], m[3]
		alters = append(alters, "ALTER TABLE `"+schema+"`.`"+tableName+"` ADD "+kind+" `"+name+"` ("+cols+")")
	}

	rewritten = danglingComma.ReplaceAllString(strings.Join(kept, "\n"), "$1")
	return rewritten, alters
}
