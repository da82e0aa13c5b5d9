package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
)

type localStorage struct {
	dir string
}

func newLocalStorage(loc Location) (*localStorage, error) {
	abs, err := filepath.Abs(loc.Path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "invalid storage directory %q", loc.Path)
	}
	return &localStorage{dir: abs}, nil
}

func (l *localStorage) path(name string) string {
	return filepath.Join(l.dir, filepath.FromSlash(name))
}

// Create writes to a temporary file that is renamed into place on Close, so
// readers never observe a partial batch file.
func (l *localStorage) Create(_ context.Context, name string) (io.WriteCloser, error) {
	target := l.path(name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to create directory for %s", name)
	}
	f, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*")
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to create %s", name)
	}
	return &atomicFile{File: f, target: target}, nil
}

func (l *localStorage) Open(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(l.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(err, errors.ErrorTypeNotFound, "batch file %s does not exist", name)
		}
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to open %s", name)
	}
	return f, nil
}

func (l *localStorage) Delete(_ context.Context, name string) error {
	if err := os.Remove(l.path(name)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to delete %s", name)
	}
	return nil
}

func (l *localStorage) URL(name string) string {
	return "file://" + filepath.ToSlash(l.path(name))
}

func (l *localStorage) Close() error { return nil }

type atomicFile struct {
	*os.File
	target string
	closed bool
}

func (a *atomicFile) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	if err := a.File.Close(); err != nil {
		os.Remove(a.File.Name())
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to close batch file")
	}
	if err := os.Rename(a.File.Name(), a.target); err != nil {
		os.Remove(a.File.Name())
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to commit batch file")
	}
	return nil
}
