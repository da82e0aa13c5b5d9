package sqldb

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
)

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pgx":
		return Postgres{}, nil
	case "mysql":
		return MySQL{}, nil
	case "snowflake":
		return Snowflake{}, nil
	}
	return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported sql dialect %q", name).
		WithDetail("allowed", []string{"postgres", "mysql", "snowflake"})
}

// Postgres uses the pgx stdlib driver.
type Postgres struct{}

func (Postgres) Name() string       { return "postgres" }
func (Postgres) DriverName() string { return "pgx" }

func (Postgres) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (Postgres) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (Postgres) ColumnType(c Column) string {
	switch c.Kind {
	case KindInteger:
		return "BIGINT"
	case KindNumber:
		return "DOUBLE PRECISION"
	case KindBoolean:
		return "BOOLEAN"
	case KindTimestamp:
		return "TIMESTAMPTZ"
	case KindDate:
		return "DATE"
	case KindJSON:
		return "JSONB"
	}
	return "TEXT"
}

func (Postgres) ColumnsQuery() string {
	return "SELECT column_name FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2"
}

func (d Postgres) CreateTable(table string, cols []Column, keys []string) string {
	return createTable(d, table, cols, keys)
}

func (d Postgres) AddColumn(table string, c Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", table, d.Quote(c.Name), d.ColumnType(c))
}

func (d Postgres) Upsert(table string, cols []Column, keys []string, rows int) string {
	var b strings.Builder
	b.WriteString(Insert(d, table, cols, rows))
	fmt.Fprintf(&b, " ON CONFLICT (%s) ", quoteList(d, keys))
	updates := nonKeys(cols, keys)
	if len(updates) == 0 {
		b.WriteString("DO NOTHING")
		return b.String()
	}
	b.WriteString("DO UPDATE SET ")
	for i, name := range updates {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = EXCLUDED.%s", d.Quote(name), d.Quote(name))
	}
	return b.String()
}

// MySQL uses go-sql-driver/mysql. Key columns are VARCHAR because MySQL
// cannot index unbounded TEXT.
type MySQL struct{}

func (MySQL) Name() string       { return "mysql" }
func (MySQL) DriverName() string { return "mysql" }

func (MySQL) Quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (MySQL) Placeholder(int) string { return "?" }

func (MySQL) ColumnType(c Column) string {
	switch c.Kind {
	case KindInteger:
		return "BIGINT"
	case KindNumber:
		return "DOUBLE"
	case KindBoolean:
		return "BOOLEAN"
	case KindTimestamp:
		return "DATETIME(6)"
	case KindDate:
		return "DATE"
	case KindJSON:
		return "JSON"
	}
	if c.Key {
		return "VARCHAR(255)"
	}
	return "LONGTEXT"
}

func (MySQL) ColumnsQuery() string {
	return "SELECT column_name FROM information_schema.columns WHERE table_schema = ? AND table_name = ?"
}

func (d MySQL) CreateTable(table string, cols []Column, keys []string) string {
	return createTable(d, table, cols, keys)
}

func (d MySQL) AddColumn(table string, c Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, d.Quote(c.Name), d.ColumnType(c))
}

func (d MySQL) Upsert(table string, cols []Column, keys []string, rows int) string {
	var b strings.Builder
	b.WriteString(Insert(d, table, cols, rows))
	updates := nonKeys(cols, keys)
	if len(updates) == 0 {
		// a no-op update keeps duplicate keys from failing the insert
		updates = keys[:1]
	}
	b.WriteString(" ON DUPLICATE KEY UPDATE ")
	for i, name := range updates {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = VALUES(%s)", d.Quote(name), d.Quote(name))
	}
	return b.String()
}

// Snowflake uses gosnowflake. Nested values are stored as VARCHAR JSON text
// because bound parameters cannot target VARIANT columns directly.
type Snowflake struct{}

func (Snowflake) Name() string       { return "snowflake" }
func (Snowflake) DriverName() string { return "snowflake" }

func (Snowflake) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (Snowflake) Placeholder(int) string { return "?" }

func (Snowflake) ColumnType(c Column) string {
	switch c.Kind {
	case KindInteger:
		return "NUMBER(38,0)"
	case KindNumber:
		return "FLOAT"
	case KindBoolean:
		return "BOOLEAN"
	case KindTimestamp:
		return "TIMESTAMP_TZ"
	case KindDate:
		return "DATE"
	}
	return "VARCHAR"
}

func (Snowflake) ColumnsQuery() string {
	return "SELECT column_name FROM information_schema.columns WHERE table_schema = ? AND table_name = ?"
}

func (d Snowflake) CreateTable(table string, cols []Column, keys []string) string {
	return createTable(d, table, cols, keys)
}

func (d Snowflake) AddColumn(table string, c Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", table, d.Quote(c.Name), d.ColumnType(c))
}

// Upsert merges a VALUES list into the table. Snowflake does not enforce
// primary keys, so the MERGE condition is what keeps keys unique.
func (d Snowflake) Upsert(table string, cols []Column, keys []string, rows int) string {
	var b strings.Builder
	all := names(cols)
	fmt.Fprintf(&b, "MERGE INTO %s AS t USING (SELECT * FROM (VALUES ", table)
	writeValues(&b, d, len(cols), rows)
	fmt.Fprintf(&b, ") AS v (%s)) AS s ON ", quoteList(d, all))
	for i, k := range keys {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "t.%s = s.%s", d.Quote(k), d.Quote(k))
	}
	if updates := nonKeys(cols, keys); len(updates) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		for i, name := range updates {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "t.%s = s.%s", d.Quote(name), d.Quote(name))
		}
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (", quoteList(d, all))
	for i, name := range all {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "s.%s", d.Quote(name))
	}
	b.WriteString(")")
	return b.String()
}
