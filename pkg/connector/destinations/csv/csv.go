// Package csv loads batches into one CSV file per stream in a local
// directory. The header is written from the schema properties, sorted, when
// the file is created. A batch whose columns differ from the file header
// starts a new file.
//
// Every Load flushes and syncs the file before returning so acknowledged
// state never runs ahead of the data on disk.
package csv

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-singer/pkg/config"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/schema"
	"github.com/ajitpratap0/nebula-singer/pkg/target"
)

// Config holds the CSV loader settings.
type Config struct {
	Path      string `json:"path"`
	Delimiter string `json:"delimiter"`
}

type streamFile struct {
	file    *os.File
	writer  *csv.Writer
	path    string
	columns []string
}

// Loader writes CSV files.
type Loader struct {
	dir        string
	delimiter  rune
	hardDelete bool
	logger     *zap.Logger

	mu    sync.Mutex
	files map[string]*streamFile
}

// New returns a CSV loader writing under the path setting.
func New(_ context.Context, opts target.LoaderOptions) (*Loader, error) {
	cfg := Config{Delimiter: ","}
	if err := config.Decode(opts.Settings, &cfg); err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "destination.path is required")
	}
	runes := []rune(cfg.Delimiter)
	if len(runes) != 1 {
		return nil, errors.Newf(errors.ErrorTypeConfig, "delimiter must be a single character, got %q", cfg.Delimiter)
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to create directory %s", cfg.Path)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.LoadMethod == config.LoadMethodUpsert {
		log.Warn("csv loader cannot update rows, upsert appends")
	}
	return &Loader{
		dir:        cfg.Path,
		delimiter:  runes[0],
		hardDelete: opts.HardDelete,
		logger:     log.With(zap.String("loader", "csv")),
		files:      make(map[string]*streamFile),
	}, nil
}

// Columns returns the sorted property names of doc.
func Columns(doc schema.Document) []string {
	props := schema.Properties(doc)
	cols := make([]string, 0, len(props))
	for name := range props {
		cols = append(cols, name)
	}
	sort.Strings(cols)
	return cols
}

// Load appends the records of b to the stream file.
func (l *Loader) Load(_ context.Context, b *target.Batch) error {
	columns := Columns(b.Schema)
	sf, err := l.fileFor(b, columns)
	if err != nil {
		return err
	}

	row := make([]string, len(columns))
	for _, record := range b.Records {
		for i, col := range columns {
			cell, err := cellValue(record[col])
			if err != nil {
				return errors.Wrapf(err, errors.ErrorTypeData, "failed to encode column %s of stream %s", col, b.Stream)
			}
			row[i] = cell
		}
		if err := sf.writer.Write(row); err != nil {
			return errors.Wrapf(err, errors.ErrorTypeFile, "failed to write %s", sf.path)
		}
	}
	sf.writer.Flush()
	if err := sf.writer.Error(); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to write %s", sf.path)
	}
	if err := sf.file.Sync(); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to sync %s", sf.path)
	}
	l.logger.Debug("rows appended", zap.String("file", sf.path), zap.Int("rows", len(b.Records)))
	return nil
}

// fileFor returns the open file of the stream, creating or rotating it.
func (l *Loader) fileFor(b *target.Batch, columns []string) (*streamFile, error) {
	l.mu.Lock()
	sf := l.files[b.Stream]
	l.mu.Unlock()

	if sf != nil && sameColumns(sf.columns, columns) {
		return sf, nil
	}
	name := b.Stream + ".csv"
	if sf != nil {
		l.logger.Info("columns changed, starting a new file", zap.String("stream", b.Stream))
		if err := sf.file.Close(); err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to close %s", sf.path)
		}
		name = fmt.Sprintf("%s-%d.csv", b.Stream, time.Now().UnixMilli())
	}

	path := filepath.Join(l.dir, name)
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if b.First && b.LoadMethod == config.LoadMethodOverwrite {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to open %s", path)
	}
	w := csv.NewWriter(f)
	w.Comma = l.delimiter

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to stat %s", path)
	}
	if info.Size() == 0 {
		if err := w.Write(columns); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to write header of %s", path)
		}
	} else if header, err := readHeader(path, l.delimiter); err != nil || !sameColumns(header, columns) {
		f.Close()
		return nil, errors.Newf(errors.ErrorTypeData, "existing file %s has different columns than stream %s", path, b.Stream).
			WithDetail("columns", columns)
	}

	sf = &streamFile{file: f, writer: w, path: path, columns: columns}
	l.mu.Lock()
	l.files[b.Stream] = sf
	l.mu.Unlock()
	return sf, nil
}

func readHeader(path string, delimiter rune) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.Comma = delimiter
	return r.Read()
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cellValue(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case jsonpool.Number:
		return string(t), nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	case map[string]interface{}, []interface{}:
		data, err := jsonpool.Marshal(t)
		return string(data), err
	}
	return fmt.Sprint(v), nil
}

// ActivateVersion rewrites the stream file without the rows of older
// versions, or marks them deleted when hard_delete is off. Files without
// the _sdc_table_version column are left alone.
func (l *Loader) ActivateVersion(_ context.Context, stream string, version int64) error {
	l.mu.Lock()
	sf := l.files[stream]
	l.mu.Unlock()
	if sf == nil {
		return nil
	}
	sf.writer.Flush()

	versionCol, deletedCol := indexOf(sf.columns, target.SDCTableVersion), indexOf(sf.columns, target.SDCDeletedAt)
	if versionCol < 0 {
		l.logger.Warn("no _sdc_table_version column, ACTIVATE_VERSION ignored", zap.String("stream", stream))
		return nil
	}

	in, err := os.Open(sf.path)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to open %s", sf.path)
	}
	defer in.Close()
	r := csv.NewReader(in)
	r.Comma = l.delimiter

	tmp, err := os.CreateTemp(filepath.Dir(sf.path), "."+filepath.Base(sf.path)+".*")
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to rewrite %s", sf.path)
	}
	defer os.Remove(tmp.Name())
	w := csv.NewWriter(tmp)
	w.Comma = l.delimiter

	now := time.Now().UTC().Format(time.RFC3339Nano)
	removed := 0
	for line := 0; ; line++ {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			tmp.Close()
			return errors.Wrapf(err, errors.ErrorTypeFile, "failed to read %s", sf.path)
		}
		if line > 0 {
			if v, err := strconv.ParseInt(row[versionCol], 10, 64); err != nil || v < version {
				removed++
				if l.hardDelete || deletedCol < 0 {
					continue
				}
				if row[deletedCol] == "" {
					row[deletedCol] = now
				}
			}
		}
		if err := w.Write(row); err != nil {
			tmp.Close()
			return errors.Wrapf(err, errors.ErrorTypeFile, "failed to rewrite %s", sf.path)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to rewrite %s", sf.path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to rewrite %s", sf.path)
	}

	if err := sf.file.Close(); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to close %s", sf.path)
	}
	if err := os.Rename(tmp.Name(), sf.path); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to replace %s", sf.path)
	}
	f, err := os.OpenFile(sf.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to reopen %s", sf.path)
	}
	sf.file = f
	sf.writer = csv.NewWriter(f)
	sf.writer.Comma = l.delimiter

	l.logger.Info("version activated",
		zap.String("stream", stream),
		zap.Int64("version", version),
		zap.Int("superseded_rows", removed),
		zap.Bool("hard_delete", l.hardDelete))
	return nil
}

func indexOf(list []string, s string) int {
	for i, item := range list {
		if item == s {
			return i
		}
	}
	return -1
}

// Close flushes and closes every file.
func (l *Loader) Close(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs error
	for _, sf := range l.files {
		sf.writer.Flush()
		errs = multierr.Append(errs, sf.writer.Error())
		errs = multierr.Append(errs, sf.file.Close())
	}
	l.files = make(map[string]*streamFile)
	if errs != nil {
		return errors.Wrap(errs, errors.ErrorTypeFile, "failed to close csv files")
	}
	return nil
}
