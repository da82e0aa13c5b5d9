// Package storage reads and writes batch files under a storage root. Roots
// are URLs:
//
//	file:///var/lib/batches    local filesystem
//	s3://bucket/prefix         Amazon S3 (or any S3 compatible endpoint)
//	gs://bucket/prefix         Google Cloud Storage
//
// Object names are relative to the root; URL returns the absolute URL that
// BATCH manifests carry.
package storage

import (
	"context"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
)

// Storage is a flat namespace of objects under a root.
type Storage interface {
	// Create returns a writer for name. The object is committed when the
	// writer is closed.
	Create(ctx context.Context, name string) (io.WriteCloser, error)
	// Open returns a reader for name.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// Delete removes name. Deleting a missing object is not an error.
	Delete(ctx context.Context, name string) error
	// URL returns the absolute URL of name.
	URL(name string) string
	// Close releases clients held by the storage.
	Close() error
}

// Options tune cloud clients. Zero values use the SDK defaults.
type Options struct {
	// S3Region overrides the region resolved from the environment
	S3Region string
	// S3Endpoint points the client at an S3 compatible service and enables
	// path style addressing
	S3Endpoint string
	// S3PartSize is the multipart upload part size in bytes
	S3PartSize int64
	// GCSCredentialsFile is a service account key file
	GCSCredentialsFile string
	// GCSEndpoint overrides the GCS API endpoint
	GCSEndpoint string
}

// Location is a parsed storage URL.
type Location struct {
	Scheme string
	// Bucket is empty for file URLs
	Bucket string
	// Path is the local directory for file URLs or the key prefix otherwise
	Path string
}

// ParseLocation splits a storage URL. Bare paths are treated as file URLs.
func ParseLocation(raw string) (Location, error) {
	if raw == "" {
		return Location{}, errors.New(errors.ErrorTypeConfig, "storage root is empty")
	}
	if !strings.Contains(raw, "://") {
		return Location{Scheme: "file", Path: filepath.Clean(raw)}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, errors.Wrapf(err, errors.ErrorTypeConfig, "invalid storage URL %q", raw)
	}
	switch u.Scheme {
	case "file":
		p := u.Path
		if u.Host != "" && u.Host != "localhost" {
			// file://relative/dir
			p = u.Host + u.Path
		}
		if p == "" {
			return Location{}, errors.Newf(errors.ErrorTypeConfig, "file URL %q has no path", raw)
		}
		return Location{Scheme: "file", Path: filepath.Clean(p)}, nil
	case "s3", "gs":
		if u.Host == "" {
			return Location{}, errors.Newf(errors.ErrorTypeConfig, "storage URL %q has no bucket", raw)
		}
		return Location{Scheme: u.Scheme, Bucket: u.Host, Path: strings.Trim(u.Path, "/")}, nil
	}
	return Location{}, errors.Newf(errors.ErrorTypeConfig, "unsupported storage scheme %q", u.Scheme)
}

// key joins the location prefix and an object name.
func (l Location) key(name string) string {
	if l.Path == "" {
		return strings.TrimLeft(name, "/")
	}
	return path.Join(l.Path, name)
}

// New opens the storage at root.
func New(ctx context.Context, root string, opts Options) (Storage, error) {
	loc, err := ParseLocation(root)
	if err != nil {
		return nil, err
	}
	switch loc.Scheme {
	case "s3":
		return newS3Storage(ctx, loc, opts)
	case "gs":
		return newGCSStorage(ctx, loc, opts)
	default:
		return newLocalStorage(loc)
	}
}

// OpenURL opens a single object by absolute URL, as found in a BATCH
// manifest. The returned reader closes the underlying storage.
func OpenURL(ctx context.Context, rawURL string, opts Options) (io.ReadCloser, error) {
	loc, err := ParseLocation(rawURL)
	if err != nil {
		return nil, err
	}
	var dir, name string
	if loc.Scheme == "file" {
		dir, name = filepath.Dir(loc.Path), filepath.Base(loc.Path)
	} else {
		dir, name = path.Split(loc.Path)
	}

	root := Location{Scheme: loc.Scheme, Bucket: loc.Bucket, Path: strings.TrimSuffix(dir, "/")}
	var s Storage
	switch loc.Scheme {
	case "s3":
		s, err = newS3Storage(ctx, root, opts)
	case "gs":
		s, err = newGCSStorage(ctx, root, opts)
	default:
		s, err = newLocalStorage(root)
	}
	if err != nil {
		return nil, err
	}
	r, err := s.Open(ctx, name)
	if err != nil {
		s.Close()
		return nil, err
	}
	return &closingReader{ReadCloser: r, storage: s}, nil
}

type closingReader struct {
	io.ReadCloser
	storage Storage
}

func (c *closingReader) Close() error {
	err := c.ReadCloser.Close()
	if cerr := c.storage.Close(); err == nil {
		err = cerr
	}
	return err
}
