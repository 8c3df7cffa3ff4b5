package sqltransform

import (
	"strings"
	"testing"
)

const createTableWithFKSQL = "CREATE TABLE `rental` (\n" +
	"  `rental_id` int NOT NULL AUTO_INCREMENT,\n" +
	"  `customer_id` smallint NOT NULL,\n" +
	"  PRIMARY KEY (`rental_id`),\n" +
	"  KEY `idx_fk_customer_id` (`customer_id`),\n" +
	"  CONSTRAINT `fk_rental_customer` FOREIGN KEY (`customer_id`) REFERENCES `customer` (`customer_id`)\n" +
	") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"

func TestExtractDeferredForeignKeys(t *testing.T) {
	rewritten, alters := ExtractDeferredForeignKeys("sakila", "rental", createTableWithFKSQL)

	if strings.Contains(rewritten, "CONSTRAINT") {
		t.Errorf("foreign key clause should be removed from rewritten statement, got: %s", rewritten)
	}
	if !strings.Contains(rewritten, "idx_fk_customer_id") {
		t.Errorf("non-FK secondary index must be left alone, got: %s", rewritten)
	}
	if strings.Contains(rewritten, ",\n)") {
		t.Errorf("dangling comma left before closing paren: %s", rewritten)
	}

	if len(alters) != 1 {
		t.Fatalf("expected 1 ALTER statement, got %d: %v", len(alters), alters)
	}
	want := "ALTER TABLE `sakila`.`rental` ADD CONSTRAINT `fk_rental_customer` FOREIGN KEY (`customer_id`) REFERENCES `customer` (`customer_id`)"
	if alters[0] != want {
		t.Errorf("alters[0] = %q, want %q", alters[0], want)
	}
}

func TestExtractDeferredForeignKeysNone(t *testing.T) {
	sql := "CREATE TABLE `t` (\n  `id` int NOT NULL,\n  PRIMARY KEY (`id`)\n)"
	rewritten, alters := ExtractDeferredForeignKeys("sakila", "t", sql)
	if rewritten != sql {
		t.Errorf("statement with no FK clauses must be unchanged, got: %s", rewritten)
	}
	if alters != nil {
		t.Errorf("expected no ALTER statements, got %v", alters)
	}
}
