package platform

import (
	"fmt"
	"strings"

	"github.com/raaihank/pii-tokenizer/internal/token"
)

// Dialect holds the SQL differences between supported backends
type Dialect struct {
	Name string
	// DriverName is the sqlx bind type key
	DriverName string
	quote      byte
	textual    map[string]bool
}

var (
	// Postgres uses ctid as row identity and double-quoted identifiers
	Postgres = Dialect{
		Name:       "postgres",
		DriverName: "postgres",
		quote:      '"',
		textual: map[string]bool{
			"text": true, "character varying": true, "character": true,
			"varchar": true, "char": true, "bpchar": true, "citext": true,
		},
	}
	// MySQL uses the primary key as row identity and backticks
	MySQL = Dialect{
		Name:       "mysql",
		DriverName: "mysql",
		quote:      '`',
		textual: map[string]bool{
			"char": true, "varchar": true, "tinytext": true,
			"text": true, "mediumtext": true, "longtext": true,
		},
	}
	// Databricks addresses tables as catalog.schema.table
	Databricks = Dialect{
		Name:       "databricks",
		DriverName: "databricks",
		quote:      '`',
		textual:    map[string]bool{"string": true, "varchar": true, "char": true},
	}
)

// Quote quotes an identifier
func (d Dialect) Quote(ident string) string {
	q := string(d.quote)
	return q + strings.ReplaceAll(ident, q, q+q) + q
}

// Table returns the qualified, quoted table name
func (d Dialect) Table(ds Dataset) string {
	switch d.Name {
	case "databricks":
		return d.Quote(ds.Database) + "." + d.Quote(ds.Schema) + "." + d.Quote(ds.Table)
	case "mysql":
		db := ds.Schema
		if db == "" {
			db = ds.Database
		}
		return d.Quote(db) + "." + d.Quote(ds.Table)
	default:
		schema := ds.Schema
		if schema == "" {
			schema = "public"
		}
		return d.Quote(schema) + "." + d.Quote(ds.Table)
	}
}

// TableSchema returns the information_schema.table_schema value of the table
func (d Dialect) TableSchema(ds Dataset) string {
	if d.Name == "mysql" {
		if ds.Schema != "" {
			return ds.Schema
		}
		return ds.Database
	}
	if ds.Schema == "" {
		return "public"
	}
	return ds.Schema
}

// IsTextual reports whether an information_schema data_type holds text
func (d Dialect) IsTextual(dataType string) bool {
	return d.textual[strings.ToLower(dataType)]
}

// NotToken returns a predicate true for values that do not look like tokens.
// The pattern is a constant and is inlined as a literal.
func (d Dialect) NotToken(column string) string {
	c := d.Quote(column)
	switch d.Name {
	case "mysql":
		// 'c' forces a case-sensitive match regardless of collation
		return fmt.Sprintf("NOT REGEXP_LIKE(%s, '%s', 'c')", c, token.Pattern)
	case "databricks":
		return fmt.Sprintf("NOT %s RLIKE '%s'", c, token.Pattern)
	default:
		return fmt.Sprintf("%s !~ '%s'", c, token.Pattern)
	}
}

// Encodable returns a predicate false for values Tokenize would refuse, so
// they never occupy a batch. Postgres text cannot hold NUL and MySQL and
// Databricks validate UTF-8 on write, which leaves length and NUL to check.
func (d Dialect) Encodable(column string) string {
	c := d.Quote(column)
	switch d.Name {
	case "mysql":
		return fmt.Sprintf("LENGTH(%s) <= %d AND LOCATE(CHAR(0), %s) = 0", c, token.MaxValueBytes, c)
	case "databricks":
		return fmt.Sprintf("octet_length(%s) <= %d AND instr(%s, char(0)) = 0", c, token.MaxValueBytes, c)
	default:
		return fmt.Sprintf("octet_length(%s) <= %d", c, token.MaxValueBytes)
	}
}

// Plaintext returns the predicate for a column holding a value to tokenize
func (d Dialect) Plaintext(column string) string {
	return fmt.Sprintf("%s IS NOT NULL AND %s AND %s", d.Quote(column), d.NotToken(column), d.Encodable(column))
}

// Candidate returns the predicate selecting rows with plaintext in any column
func (d Dialect) Candidate(columns []string) string {
	preds := make([]string, 0, len(columns))
	for _, c := range columns {
		preds = append(preds, "("+d.Plaintext(c)+")")
	}
	return strings.Join(preds, " OR ")
}

// ColumnsQuery lists column names and types of a table. Arguments are the
// table schema and table name.
func (d Dialect) ColumnsQuery(ds Dataset) string {
	prefix := "information_schema"
	if d.Name == "databricks" {
		prefix = d.Quote(ds.Database) + ".information_schema"
	}
	return "SELECT column_name, data_type FROM " + prefix +
		".columns WHERE table_schema = ? AND table_name = ? ORDER BY ordinal_position"
}

// PendingQuery counts candidate rows, capped at limit
func (d Dialect) PendingQuery(ds Dataset, columns []string, limit int) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM (SELECT 1 FROM %s WHERE %s LIMIT %d) pending",
		d.Table(ds), d.Candidate(columns), limit)
}
