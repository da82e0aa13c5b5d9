// Package sqldb loads batches into SQL databases through database/sql.
// Postgres (pgx), MySQL and Snowflake are supported. Each stream becomes a
// table whose columns follow the stream schema; missing tables are created
// and missing columns added before a batch is written. Rows are appended,
// upserted on the key properties or, with the overwrite load method,
// replace the table contents on the first batch of a run.
package sqldb

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ajitpratap0/nebula-singer/pkg/schema"
	"github.com/ajitpratap0/nebula-singer/pkg/target"
)

// Column is a table column derived from a schema property.
type Column struct {
	Name string
	Kind Kind
	// Key is set for key properties; some dialects need bounded types there
	Key bool
}

// Kind is the storage class of a column.
type Kind int

const (
	KindText Kind = iota
	KindInteger
	KindNumber
	KindBoolean
	KindTimestamp
	KindDate
	KindJSON
)

// Dialect renders the statements of one database.
type Dialect interface {
	Name() string
	// DriverName is the database/sql driver name
	DriverName() string
	Quote(ident string) string
	Placeholder(n int) string
	ColumnType(c Column) string
	// ColumnsQuery lists the column names of a table; its arguments are the
	// schema and table names
	ColumnsQuery() string
	CreateTable(table string, cols []Column, keys []string) string
	AddColumn(table string, c Column) string
	// Upsert writes rows rows of cols, replacing rows with equal keys
	Upsert(table string, cols []Column, keys []string, rows int) string
}

// createTable is the CREATE TABLE statement shared by every dialect.
func createTable(d Dialect, table string, cols []Column, keys []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (", table)
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s %s", d.Quote(c.Name), d.ColumnType(c))
	}
	if len(keys) > 0 {
		fmt.Fprintf(&b, ", PRIMARY KEY (%s)", quoteList(d, keys))
	}
	b.WriteString(")")
	return b.String()
}

// Insert renders a multi row INSERT.
func Insert(d Dialect, table string, cols []Column, rows int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, quoteList(d, names(cols)))
	writeValues(&b, d, len(cols), rows)
	return b.String()
}

func writeValues(b *strings.Builder, d Dialect, width, rows int) {
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for c := 0; c < width; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.Placeholder(n))
			n++
		}
		b.WriteString(")")
	}
}

// DeleteAll empties a table inside a transaction, which TRUNCATE cannot do
// on every dialect.
func DeleteAll(table string) string {
	return "DELETE FROM " + table
}

// DeleteSuperseded removes rows older than the placeholder version.
func DeleteSuperseded(d Dialect, table string) string {
	v := d.Quote(target.SDCTableVersion)
	return fmt.Sprintf("DELETE FROM %s WHERE %s IS NULL OR %s < %s", table, v, v, d.Placeholder(1))
}

// MarkSuperseded sets _sdc_deleted_at on rows older than the version.
func MarkSuperseded(d Dialect, table string) string {
	v, del := d.Quote(target.SDCTableVersion), d.Quote(target.SDCDeletedAt)
	return fmt.Sprintf("UPDATE %s SET %s = %s WHERE (%s IS NULL OR %s < %s) AND %s IS NULL",
		table, del, d.Placeholder(1), v, v, d.Placeholder(2), del)
}

func quoteList(d Dialect, idents []string) string {
	quoted := make([]string, len(idents))
	for i, id := range idents {
		quoted[i] = d.Quote(id)
	}
	return strings.Join(quoted, ", ")
}

func names(cols []Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

func nonKeys(cols []Column, keys []string) []string {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var out []string
	for _, c := range cols {
		if !isKey[c.Name] {
			out = append(out, c.Name)
		}
	}
	return out
}

var unsafeIdent = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// TableName maps a stream name to a table name: runs of characters other
// than letters, digits and underscores become one underscore.
func TableName(stream string) string {
	name := strings.Trim(unsafeIdent.ReplaceAllString(stream, "_"), "_")
	if name == "" {
		return "stream"
	}
	return strings.ToLower(name)
}

// Columns derives the table columns of a stream schema, sorted by name,
// key properties flagged.
func Columns(doc schema.Document, keys []string) []Column {
	props := schema.Properties(doc)
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	cols := make([]Column, 0, len(props))
	for _, name := range sortedNames(props) {
		prop, _ := props[name].(map[string]interface{})
		cols = append(cols, Column{Name: name, Kind: KindOf(prop), Key: isKey[name]})
	}
	return cols
}

// KindOf classifies a property schema. Anything that is not a single scalar
// type, ignoring null, is stored as JSON.
func KindOf(prop schema.Document) Kind {
	var concrete []string
	for _, t := range schema.Types(prop) {
		if t != "null" {
			concrete = append(concrete, t)
		}
	}
	if len(concrete) == 2 && contains(concrete, "integer") && contains(concrete, "number") {
		return KindNumber
	}
	if len(concrete) != 1 {
		if len(concrete) == 0 {
			return KindText
		}
		return KindJSON
	}
	switch concrete[0] {
	case "integer":
		return KindInteger
	case "number":
		return KindNumber
	case "boolean":
		return KindBoolean
	case "string":
		switch schema.DatelikeFormat(prop) {
		case "date-time":
			return KindTimestamp
		case "date":
			return KindDate
		}
		return KindText
	}
	return KindJSON
}

func sortedNames(props map[string]interface{}) []string {
	out := make([]string, 0, len(props))
	for name := range props {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
