package storage

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
)

type gcsStorage struct {
	loc    Location
	client *storage.Client
	bucket *storage.BucketHandle
}

func newGCSStorage(ctx context.Context, loc Location, opts Options) (*gcsStorage, error) {
	var clientOpts []option.ClientOption
	if opts.GCSCredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.GCSCredentialsFile))
	}
	if opts.GCSEndpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.GCSEndpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create GCS client")
	}
	return &gcsStorage{loc: loc, client: client, bucket: client.Bucket(loc.Bucket)}, nil
}

func (g *gcsStorage) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	w := g.bucket.Object(g.loc.key(name)).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	return &gcsWriter{Writer: w, url: g.URL(name)}, nil
}

type gcsWriter struct {
	*storage.Writer
	url string
}

func (w *gcsWriter) Close() error {
	if err := w.Writer.Close(); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConnection, "failed to upload %s", w.url)
	}
	return nil
}

func (g *gcsStorage) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := g.bucket.Object(g.loc.key(name)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, errors.Wrapf(err, errors.ErrorTypeNotFound, "%s does not exist", g.URL(name))
		}
		return nil, errors.Wrapf(err, errors.ErrorTypeConnection, "failed to read %s", g.URL(name))
	}
	return r, nil
}

func (g *gcsStorage) Delete(ctx context.Context, name string) error {
	err := g.bucket.Object(g.loc.key(name)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return errors.Wrapf(err, errors.ErrorTypeConnection, "failed to delete %s", g.URL(name))
	}
	return nil
}

func (g *gcsStorage) URL(name string) string {
	return "gs://" + g.loc.Bucket + "/" + g.loc.key(name)
}

func (g *gcsStorage) Close() error {
	return g.client.Close()
}
