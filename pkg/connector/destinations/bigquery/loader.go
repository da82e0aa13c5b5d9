// Package bigquery loads batches into BigQuery tables, one per stream.
//
// The default method submits a load job of newline delimited JSON per
// batch. Upserts load into a staging table and MERGE it into the stream
// table on the key properties. The streaming method uses the insertAll API
// with insert ids derived from the keys, which deduplicates on a best
// effort basis only.
package bigquery

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/nebula-singer/pkg/config"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/target"
)

const (
	MethodLoad      = "load"
	MethodStreaming = "streaming"
)

// Config holds the BigQuery loader settings.
type Config struct {
	Project         string `json:"project"`
	Dataset         string `json:"dataset"`
	Location        string `json:"location"`
	CredentialsFile string `json:"credentials_file"`
	Method          string `json:"method"`
	TablePrefix     string `json:"table_prefix"`
	// JobTimeoutSeconds bounds the wait for one load or query job
	JobTimeoutSeconds int `json:"job_timeout_seconds"`
}

// Loader writes batches to BigQuery.
type Loader struct {
	client     *bigquery.Client
	dataset    *bigquery.Dataset
	cfg        Config
	hardDelete bool
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.Mutex
	tables map[string]bigquery.Schema
}

// New creates the client and the dataset when it does not exist.
func New(ctx context.Context, opts target.LoaderOptions) (*Loader, error) {
	cfg := Config{Method: MethodLoad, Location: "US", JobTimeoutSeconds: 600}
	if err := config.Decode(opts.Settings, &cfg); err != nil {
		return nil, err
	}
	if cfg.Project == "" || cfg.Dataset == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "destination.project and destination.dataset are required")
	}
	if cfg.Method != MethodLoad && cfg.Method != MethodStreaming {
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported bigquery method %q", cfg.Method).
			WithDetail("allowed", []string{MethodLoad, MethodStreaming})
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := bigquery.NewClient(ctx, cfg.Project, clientOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create BigQuery client")
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	l := &Loader{
		client:     client,
		dataset:    client.Dataset(cfg.Dataset),
		cfg:        cfg,
		hardDelete: opts.HardDelete,
		logger:     log.With(zap.String("loader", "bigquery"), zap.String("dataset", cfg.Dataset)),
		now:        time.Now,
		tables:     make(map[string]bigquery.Schema),
	}
	if err := l.ensureDataset(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return l, nil
}

func (l *Loader) ensureDataset(ctx context.Context) error {
	if _, err := l.dataset.Metadata(ctx); err == nil {
		return nil
	} else if !isNotFound(err) {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to read dataset metadata")
	}
	if err := l.dataset.Create(ctx, &bigquery.DatasetMetadata{Location: l.cfg.Location}); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create dataset")
	}
	l.logger.Info("dataset created", zap.String("location", l.cfg.Location))
	return nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// Load writes b to the stream table.
func (l *Loader) Load(ctx context.Context, b *target.Batch) error {
	tableID := TableID(l.cfg.TablePrefix, b.Stream)
	table := l.dataset.Table(tableID)
	s := Schema(b.Schema)
	if err := l.ensureTable(ctx, b.Stream, table, s); err != nil {
		return err
	}
	if len(b.Records) == 0 {
		if b.First && b.LoadMethod == config.LoadMethodOverwrite {
			return l.truncate(ctx, table)
		}
		return nil
	}

	switch {
	case b.LoadMethod == config.LoadMethodUpsert && len(b.KeyProperties) > 0:
		return l.merge(ctx, table, s, b)
	case l.cfg.Method == MethodStreaming:
		if b.First && b.LoadMethod == config.LoadMethodOverwrite {
			if err := l.truncate(ctx, table); err != nil {
				return err
			}
		}
		return l.stream(ctx, table, s, b)
	}

	disposition := bigquery.WriteAppend
	if b.First && b.LoadMethod == config.LoadMethodOverwrite {
		disposition = bigquery.WriteTruncate
	}
	return l.loadJob(ctx, table, s, b.Records, disposition)
}

// ensureTable creates the table or adds the columns the schema gained.
func (l *Loader) ensureTable(ctx context.Context, stream string, table *bigquery.Table, s bigquery.Schema) error {
	l.mu.Lock()
	known, cached := l.tables[stream]
	l.mu.Unlock()
	if cached && len(MissingFields(known, s)) == 0 {
		return nil
	}

	meta, err := table.Metadata(ctx)
	switch {
	case isNotFound(err):
		if err := table.Create(ctx, &bigquery.TableMetadata{Schema: s}); err != nil {
			return errors.Wrapf(err, errors.ErrorTypeQuery, "failed to create table %s", table.TableID)
		}
		l.logger.Info("table created", zap.String("table", table.TableID), zap.Int("fields", len(s)))
		known = s
	case err != nil:
		return errors.Wrapf(err, errors.ErrorTypeConnection, "failed to read table %s", table.TableID)
	default:
		known = meta.Schema
		if missing := MissingFields(meta.Schema, s); len(missing) > 0 {
			updated := append(append(bigquery.Schema{}, meta.Schema...), missing...)
			if _, err := table.Update(ctx, bigquery.TableMetadataToUpdate{Schema: updated}, meta.ETag); err != nil {
				return errors.Wrapf(err, errors.ErrorTypeQuery, "failed to add columns to %s", table.TableID)
			}
			l.logger.Info("table columns added", zap.String("table", table.TableID), zap.Int("added", len(missing)))
			known = updated
		}
	}

	l.mu.Lock()
	l.tables[stream] = known
	l.mu.Unlock()
	return nil
}

func (l *Loader) loadJob(ctx context.Context, table *bigquery.Table, s bigquery.Schema, records []map[string]interface{}, disposition bigquery.TableWriteDisposition) error {
	var buf bytes.Buffer
	for _, r := range records {
		line, err := jsonpool.Marshal(Row(s, r, false))
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "failed to encode row")
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	source := bigquery.NewReaderSource(bytes.NewReader(buf.Bytes()))
	// the destination table schema applies
	source.SourceFormat = bigquery.JSON

	loader := table.LoaderFrom(source)
	loader.WriteDisposition = disposition
	loader.CreateDisposition = bigquery.CreateIfNeeded
	loader.Labels = map[string]string{"source": "nebula-singer"}

	job, err := loader.Run(ctx)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConnection, "failed to submit load job for %s", table.TableID)
	}
	if err := l.wait(ctx, job); err != nil {
		return err
	}
	l.logger.Debug("load job completed",
		zap.String("table", table.TableID),
		zap.String("job_id", job.ID()),
		zap.Int("rows", len(records)))
	return nil
}

func (l *Loader) wait(ctx context.Context, job *bigquery.Job) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(l.cfg.JobTimeoutSeconds)*time.Second)
	defer cancel()
	status, err := job.Wait(ctx)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeTimeout, "job %s did not complete", job.ID())
	}
	if status.Err() != nil {
		for i, jobErr := range status.Errors {
			l.logger.Error("job error detail",
				zap.String("job_id", job.ID()),
				zap.Int("index", i),
				zap.String("reason", jobErr.Reason),
				zap.String("message", jobErr.Message))
		}
		return errors.Wrapf(status.Err(), errors.ErrorTypeQuery, "job %s failed", job.ID())
	}
	return nil
}

// merge loads the batch into a staging table and merges it on the keys.
func (l *Loader) merge(ctx context.Context, table *bigquery.Table, s bigquery.Schema, b *target.Batch) error {
	if b.First && b.LoadMethod == config.LoadMethodOverwrite {
		if err := l.truncate(ctx, table); err != nil {
			return err
		}
	}
	keys := make([]string, len(b.KeyProperties))
	for i, k := range b.KeyProperties {
		keys[i] = FieldName(k)
	}
	records, err := LatestByKey(b.Records, b.KeyProperties)
	if err != nil {
		return err
	}

	staging := l.dataset.Table(table.TableID + "__staging_" + strings.ReplaceAll(uuid.NewString(), "-", ""))
	if err := staging.Create(ctx, &bigquery.TableMetadata{
		Schema:         s,
		ExpirationTime: l.now().Add(24 * time.Hour),
	}); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeQuery, "failed to create staging table for %s", table.TableID)
	}
	defer func() {
		if err := staging.Delete(context.WithoutCancel(ctx)); err != nil {
			l.logger.Warn("failed to delete staging table", zap.String("table", staging.TableID), zap.Error(err))
		}
	}()

	if err := l.loadJob(ctx, staging, s, records, bigquery.WriteTruncate); err != nil {
		return err
	}
	q := l.client.Query(MergeStatement(l.ref(table.TableID), l.ref(staging.TableID), s, keys))
	return l.runQuery(ctx, q, table.TableID)
}

func (l *Loader) stream(ctx context.Context, table *bigquery.Table, s bigquery.Schema, b *target.Batch) error {
	rows := make([]*Saver, len(b.Records))
	for i, r := range b.Records {
		rows[i] = &Saver{Schema: s, Record: r, InsertID: InsertID(r, b.KeyProperties)}
	}
	if err := table.Inserter().Put(ctx, rows); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeQuery, "failed to stream rows into %s", table.TableID)
	}
	l.logger.Debug("rows streamed", zap.String("table", table.TableID), zap.Int("rows", len(rows)))
	return nil
}

func (l *Loader) truncate(ctx context.Context, table *bigquery.Table) error {
	q := l.client.Query(fmt.Sprintf("TRUNCATE TABLE %s", l.ref(table.TableID)))
	return l.runQuery(ctx, q, table.TableID)
}

func (l *Loader) runQuery(ctx context.Context, q *bigquery.Query, tableID string) error {
	q.Location = l.cfg.Location
	job, err := q.Run(ctx)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeQuery, "failed to run query on %s", tableID)
	}
	return l.wait(ctx, job)
}

func (l *Loader) ref(tableID string) string {
	return fmt.Sprintf("`%s.%s.%s`", l.cfg.Project, l.cfg.Dataset, tableID)
}

// ActivateVersion deletes or marks rows of older versions.
func (l *Loader) ActivateVersion(ctx context.Context, stream string, version int64) error {
	tableID := TableID(l.cfg.TablePrefix, stream)
	var q *bigquery.Query
	if l.hardDelete {
		q = l.client.Query(DeleteSupersededStatement(l.ref(tableID)))
		q.Parameters = []bigquery.QueryParameter{{Name: "version", Value: version}}
	} else {
		q = l.client.Query(MarkSupersededStatement(l.ref(tableID)))
		q.Parameters = []bigquery.QueryParameter{
			{Name: "version", Value: version},
			{Name: "deleted_at", Value: l.now().UTC()},
		}
	}
	if err := l.runQuery(ctx, q, tableID); err != nil {
		return err
	}
	l.logger.Info("version activated", zap.String("table", tableID), zap.Int64("version", version))
	return nil
}

// Close closes the client.
func (l *Loader) Close(context.Context) error {
	if err := l.client.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to close BigQuery client")
	}
	return nil
}

// MergeStatement merges source into table on keys.
func MergeStatement(table, source string, s bigquery.Schema, keys []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE %s T USING %s S ON ", table, source)
	isKey := make(map[string]bool, len(keys))
	for i, k := range keys {
		isKey[k] = true
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "T.`%s` = S.`%s`", k, k)
	}
	first := true
	for _, f := range s {
		if isKey[f.Name] {
			continue
		}
		if first {
			b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
			first = false
		} else {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "`%s` = S.`%s`", f.Name, f.Name)
	}
	b.WriteString(" WHEN NOT MATCHED THEN INSERT ROW")
	return b.String()
}

// DeleteSupersededStatement deletes rows older than @version.
func DeleteSupersededStatement(table string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE `%s` IS NULL OR `%s` < @version",
		table, target.SDCTableVersion, target.SDCTableVersion)
}

// MarkSupersededStatement sets the deletion time of rows older than @version.
func MarkSupersededStatement(table string) string {
	return fmt.Sprintf("UPDATE %s SET `%s` = @deleted_at WHERE (`%s` IS NULL OR `%s` < @version) AND `%s` IS NULL",
		table, target.SDCDeletedAt, target.SDCTableVersion, target.SDCTableVersion, target.SDCDeletedAt)
}

// LatestByKey keeps the last record of every key, in first seen order. A
// MERGE fails when several source rows match one target row.
func LatestByKey(records []map[string]interface{}, keys []string) ([]map[string]interface{}, error) {
	index := make(map[string]int, len(records))
	out := make([]map[string]interface{}, 0, len(records))
	for _, r := range records {
		k, err := keyOf(r, keys)
		if err != nil {
			return nil, err
		}
		if i, ok := index[k]; ok {
			out[i] = r
			continue
		}
		index[k] = len(out)
		out = append(out, r)
	}
	return out, nil
}

func keyOf(r map[string]interface{}, keys []string) (string, error) {
	parts := make([]string, len(keys))
	for i, k := range keys {
		v, ok := r[k]
		if !ok || v == nil {
			return "", errors.Newf(errors.ErrorTypeMissingKeyProperties, "record has no value for key property %s", k)
		}
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, "|"), nil
}

// InsertID derives the streaming insert id from the key properties. Streams
// without keys, or records missing one, get an id generated by the client.
func InsertID(r map[string]interface{}, keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	k, err := keyOf(r, keys)
	if err != nil {
		return ""
	}
	return k
}

// Saver adapts a record to bigquery.ValueSaver.
type Saver struct {
	Schema   bigquery.Schema
	Record   map[string]interface{}
	InsertID string
}

// Save implements bigquery.ValueSaver.
func (s *Saver) Save() (map[string]bigquery.Value, string, error) {
	return Row(s.Schema, s.Record, true), s.InsertID, nil
}
