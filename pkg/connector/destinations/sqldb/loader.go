package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/snowflakedb/gosnowflake"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-singer/pkg/config"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/target"
)

// maxParameters bounds the bind parameters of one statement; Postgres
// rejects more than 65535.
const maxParameters = 65000

// Config holds the SQL loader settings. Either DSN or the individual
// connection fields are used.
type Config struct {
	Dialect  string `json:"dialect"`
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	// Schema receives the tables; it defaults to public on Postgres and to
	// the database on MySQL. Snowflake stores it as given, so pass it in
	// upper case to match unquoted schema names.
	Schema    string `json:"default_target_schema"`
	Account   string `json:"account"`
	Warehouse string `json:"warehouse"`
	Role      string `json:"role"`

	// InsertBatchSize is the number of rows per INSERT statement
	InsertBatchSize int `json:"insert_batch_size"`
	MaxOpenConns    int `json:"max_open_conns"`
}

// Loader writes batches to a database.
type Loader struct {
	db         *sql.DB
	dialect    Dialect
	schema     string
	chunk      int
	loadMethod config.LoadMethod
	hardDelete bool
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	columns map[string]map[string]bool
}

// New opens the database named by the settings and verifies the connection.
func New(ctx context.Context, opts target.LoaderOptions) (*Loader, error) {
	cfg := Config{Dialect: "postgres", InsertBatchSize: 500, MaxOpenConns: 8}
	if err := config.Decode(opts.Settings, &cfg); err != nil {
		return nil, err
	}
	dialect, err := DialectFor(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	db, err := Open(dialect, &cfg)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, errors.ErrorTypeConnection, "failed to connect to %s", dialect.Name())
	}

	l := NewWithDB(db, dialect, cfg, opts)
	if err := l.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// NewWithDB returns a Loader using an open database, which it owns.
func NewWithDB(db *sql.DB, dialect Dialect, cfg Config, opts target.LoaderOptions) *Loader {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	schemaName := cfg.Schema
	if schemaName == "" {
		switch dialect.(type) {
		case MySQL:
			schemaName = cfg.Database
		case Postgres:
			schemaName = "public"
		default:
			schemaName = "PUBLIC"
		}
	}
	chunk := cfg.InsertBatchSize
	if chunk <= 0 {
		chunk = 500
	}
	return &Loader{
		db:         db,
		dialect:    dialect,
		schema:     schemaName,
		chunk:      chunk,
		loadMethod: opts.LoadMethod,
		hardDelete: opts.HardDelete,
		logger:     log.With(zap.String("loader", "sql"), zap.String("dialect", dialect.Name())),
		now:        time.Now,
		columns:    make(map[string]map[string]bool),
	}
}

// Open connects with the driver of dialect without verifying the connection.
func Open(dialect Dialect, cfg *Config) (*sql.DB, error) {
	switch dialect.(type) {
	case Postgres:
		dsn := cfg.DSN
		if dsn == "" {
			u := url.URL{
				Scheme: "postgres",
				User:   url.UserPassword(cfg.User, cfg.Password),
				Host:   hostPort(cfg.Host, cfg.Port, 5432),
				Path:   "/" + cfg.Database,
			}
			dsn = u.String()
		}
		connConfig, err := pgx.ParseConfig(dsn)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid postgres connection settings")
		}
		return stdlib.OpenDB(*connConfig), nil

	case MySQL:
		mc := mysql.NewConfig()
		if cfg.DSN != "" {
			parsed, err := mysql.ParseDSN(cfg.DSN)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid mysql dsn")
			}
			mc = parsed
		} else {
			mc.User, mc.Passwd = cfg.User, cfg.Password
			mc.Net, mc.Addr = "tcp", hostPort(cfg.Host, cfg.Port, 3306)
			mc.DBName = cfg.Database
		}
		mc.ParseTime = true
		if cfg.Database == "" {
			cfg.Database = mc.DBName
		}
		connector, err := mysql.NewConnector(mc)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid mysql connection settings")
		}
		return sql.OpenDB(connector), nil

	case Snowflake:
		dsn := cfg.DSN
		if dsn == "" {
			var err error
			dsn, err = gosnowflake.DSN(&gosnowflake.Config{
				Account:   cfg.Account,
				User:      cfg.User,
				Password:  cfg.Password,
				Database:  cfg.Database,
				Schema:    cfg.Schema,
				Warehouse: cfg.Warehouse,
				Role:      cfg.Role,
			})
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid snowflake connection settings")
			}
		} else if _, err := gosnowflake.ParseDSN(dsn); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid snowflake dsn")
		}
		db, err := sql.Open(dialect.DriverName(), dsn)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open snowflake")
		}
		return db, nil
	}
	return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported sql dialect %q", dialect.Name())
}

func hostPort(host string, port, def int) string {
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = def
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (l *Loader) ensureSchema(ctx context.Context) error {
	if _, ok := l.dialect.(MySQL); ok {
		return nil
	}
	stmt := "CREATE SCHEMA IF NOT EXISTS " + l.dialect.Quote(l.schema)
	if _, err := l.db.ExecContext(ctx, stmt); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeQuery, "failed to create schema %s", l.schema)
	}
	return nil
}

// qualified returns the quoted schema.table name of a stream.
func (l *Loader) qualified(stream string) string {
	return l.dialect.Quote(l.schema) + "." + l.dialect.Quote(TableName(stream))
}

// Load writes b in one transaction.
func (l *Loader) Load(ctx context.Context, b *target.Batch) error {
	table := l.qualified(b.Stream)
	cols := Columns(b.Schema, b.KeyProperties)
	if len(cols) == 0 {
		return errors.Newf(errors.ErrorTypeSchemaNotValid, "stream %s has no columns", b.Stream)
	}
	upsert := b.LoadMethod == config.LoadMethodUpsert && len(b.KeyProperties) > 0
	if b.LoadMethod == config.LoadMethodUpsert && !upsert {
		l.logger.Warn("stream has no key properties, upsert appends", zap.String("stream", b.Stream))
	}
	if err := l.prepareTable(ctx, b.Stream, table, cols, b.KeyProperties, upsert); err != nil {
		return err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to begin transaction")
	}
	defer tx.Rollback()

	if b.First && b.LoadMethod == config.LoadMethodOverwrite {
		if _, err := tx.ExecContext(ctx, DeleteAll(table)); err != nil {
			return errors.Wrapf(err, errors.ErrorTypeQuery, "failed to clear table %s", table)
		}
	}

	size := l.chunk
	if size*len(cols) > maxParameters {
		size = maxParameters / len(cols)
	}
	for start := 0; start < len(b.Records); start += size {
		end := start + size
		if end > len(b.Records) {
			end = len(b.Records)
		}
		rows := b.Records[start:end]
		args, err := Arguments(cols, rows)
		if err != nil {
			return errors.Wrapf(err, errors.GetType(err), "failed to convert rows of stream %s", b.Stream)
		}
		stmt := Insert(l.dialect, table, cols, len(rows))
		if upsert {
			stmt = l.dialect.Upsert(table, cols, b.KeyProperties, len(rows))
		}
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return errors.Wrapf(err, errors.ErrorTypeQuery, "failed to write %d rows to %s", len(rows), table)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeQuery, "failed to commit %s", table)
	}
	l.logger.Debug("rows written", zap.String("table", table), zap.Int("rows", len(b.Records)), zap.Bool("upsert", upsert))
	return nil
}

// prepareTable creates the table or adds the columns it lacks. Primary keys
// are declared only for upserts, where they back the conflict target.
func (l *Loader) prepareTable(ctx context.Context, stream, table string, cols []Column, keys []string, upsert bool) error {
	existing, err := l.existingColumns(ctx, stream)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		var pk []string
		if upsert {
			pk = keys
		}
		if _, err := l.db.ExecContext(ctx, l.dialect.CreateTable(table, cols, pk)); err != nil {
			return errors.Wrapf(err, errors.ErrorTypeQuery, "failed to create table %s", table)
		}
		l.logger.Info("table created", zap.String("table", table), zap.Int("columns", len(cols)))
		existing = make(map[string]bool, len(cols))
	} else {
		for _, c := range cols {
			if existing[c.Name] {
				continue
			}
			if _, err := l.db.ExecContext(ctx, l.dialect.AddColumn(table, c)); err != nil {
				return errors.Wrapf(err, errors.ErrorTypeQuery, "failed to add column %s to %s", c.Name, table)
			}
			l.logger.Info("column added", zap.String("table", table), zap.String("column", c.Name))
		}
	}
	for _, c := range cols {
		existing[c.Name] = true
	}
	l.mu.Lock()
	l.columns[stream] = existing
	l.mu.Unlock()
	return nil
}

func (l *Loader) existingColumns(ctx context.Context, stream string) (map[string]bool, error) {
	l.mu.Lock()
	cached, ok := l.columns[stream]
	l.mu.Unlock()
	if ok {
		return cached, nil
	}

	rows, err := l.db.QueryContext(ctx, l.dialect.ColumnsQuery(), l.schema, TableName(stream))
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeQuery, "failed to list columns of %s", stream)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read column name")
		}
		out[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list columns")
	}
	return out, nil
}

// ActivateVersion deletes or marks rows of versions older than version.
func (l *Loader) ActivateVersion(ctx context.Context, stream string, version int64) error {
	existing, err := l.existingColumns(ctx, stream)
	if err != nil {
		return err
	}
	if !existing[target.SDCTableVersion] {
		l.logger.Warn("table has no _sdc_table_version column, ACTIVATE_VERSION ignored", zap.String("stream", stream))
		return nil
	}
	table := l.qualified(stream)
	var res sql.Result
	if l.hardDelete || !existing[target.SDCDeletedAt] {
		res, err = l.db.ExecContext(ctx, DeleteSuperseded(l.dialect, table), version)
	} else {
		res, err = l.db.ExecContext(ctx, MarkSuperseded(l.dialect, table), l.now().UTC(), version)
	}
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeQuery, "failed to activate version %d of %s", version, table)
	}
	affected, _ := res.RowsAffected()
	l.logger.Info("version activated",
		zap.String("table", table),
		zap.Int64("version", version),
		zap.Int64("superseded_rows", affected),
		zap.Bool("hard_delete", l.hardDelete))
	return nil
}

// Close closes the database.
func (l *Loader) Close(context.Context) error {
	if err := l.db.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to close database")
	}
	return nil
}

// Arguments flattens rows into bind arguments in column order.
func Arguments(cols []Column, rows []map[string]interface{}) ([]interface{}, error) {
	args := make([]interface{}, 0, len(cols)*len(rows))
	for _, row := range rows {
		for _, c := range cols {
			v, err := Convert(c.Kind, row[c.Name])
			if err != nil {
				var e *errors.Error
				if errors.As(err, &e) {
					return nil, e.WithDetail("column", c.Name)
				}
				return nil, err
			}
			args = append(args, v)
		}
	}
	return args, nil
}

// Convert maps a decoded JSON value to a driver value for a column kind.
func Convert(kind Kind, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case KindInteger:
		switch t := v.(type) {
		case jsonpool.Number:
			if n, err := t.Int64(); err == nil {
				return n, nil
			}
			if f, err := t.Float64(); err == nil && f == math.Trunc(f) {
				return int64(f), nil
			}
		case int:
			return int64(t), nil
		case int64:
			return t, nil
		case float64:
			if t == math.Trunc(t) {
				return int64(t), nil
			}
		case string:
			if n, err := strconv.ParseInt(t, 10, 64); err == nil {
				return n, nil
			}
		}
	case KindNumber:
		switch t := v.(type) {
		case jsonpool.Number:
			if f, err := t.Float64(); err == nil {
				return f, nil
			}
		case float64:
			return t, nil
		case int:
			return float64(t), nil
		case int64:
			return float64(t), nil
		case string:
			if f, err := strconv.ParseFloat(t, 64); err == nil {
				return f, nil
			}
		}
	case KindBoolean:
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			if b, err := strconv.ParseBool(t); err == nil {
				return b, nil
			}
		}
	case KindTimestamp, KindDate:
		switch t := v.(type) {
		case time.Time:
			return t.UTC(), nil
		case string:
			layout := time.RFC3339Nano
			if kind == KindDate {
				layout = time.DateOnly
			}
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), nil
			}
			// dates sometimes arrive as full timestamps
			if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
				return ts.UTC(), nil
			}
		}
	case KindJSON:
		data, err := jsonpool.Marshal(v)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "cannot encode value as JSON")
		}
		return string(data), nil
	default:
		switch t := v.(type) {
		case string:
			return t, nil
		case jsonpool.Number:
			return string(t), nil
		case map[string]interface{}, []interface{}:
			data, err := jsonpool.Marshal(t)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeData, "cannot encode value as JSON")
			}
			return string(data), nil
		}
		return fmt.Sprint(v), nil
	}
	return nil, errors.Newf(errors.ErrorTypeData, "cannot store %v (%T) in a %s column", v, v, kind)
}

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindNumber:
		return "number"
	case KindBoolean:
		return "boolean"
	case KindTimestamp:
		return "timestamp"
	case KindDate:
		return "date"
	case KindJSON:
		return "json"
	}
	return "text"
}
