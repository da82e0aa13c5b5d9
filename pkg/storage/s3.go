package storage

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
)

// s3API is the subset of the S3 client used here; tests substitute a fake.
type s3API interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type s3Storage struct {
	loc      Location
	client   s3API
	uploader *manager.Uploader
}

func newS3Storage(ctx context.Context, loc Location, opts Options) (*s3Storage, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.S3Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.S3Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS configuration")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3StorageWithClient(loc, client, opts.S3PartSize), nil
}

func newS3StorageWithClient(loc Location, client s3API, partSize int64) *s3Storage {
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if partSize >= manager.MinUploadPartSize {
			u.PartSize = partSize
		}
	})
	return &s3Storage{loc: loc, client: client, uploader: uploader}
}

// Create streams the object to S3 through the multipart uploader. Close
// waits for the upload to finish.
func (s *s3Storage) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	w := &s3Writer{pw: pw, done: make(chan error, 1)}
	key := s.loc.key(name)
	go func() {
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.loc.Bucket),
			Key:    aws.String(key),
			Body:   pr,
		})
		if err != nil {
			err = errors.Wrapf(err, errors.ErrorTypeConnection, "failed to upload s3://%s/%s", s.loc.Bucket, key)
		}
		pr.CloseWithError(err)
		w.done <- err
	}()
	return w, nil
}

type s3Writer struct {
	pw     *io.PipeWriter
	done   chan error
	closed bool
	err    error
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *s3Writer) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	w.pw.Close()
	w.err = <-w.done
	return w.err
}

func (s *s3Storage) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	key := s.loc.key(name)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.loc.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, errors.Wrapf(err, errors.ErrorTypeNotFound, "s3://%s/%s does not exist", s.loc.Bucket, key)
		}
		return nil, errors.Wrapf(err, errors.ErrorTypeConnection, "failed to read s3://%s/%s", s.loc.Bucket, key)
	}
	return out.Body, nil
}

func (s *s3Storage) Delete(ctx context.Context, name string) error {
	key := s.loc.key(name)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.loc.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConnection, "failed to delete s3://%s/%s", s.loc.Bucket, key)
	}
	return nil
}

func (s *s3Storage) URL(name string) string {
	return "s3://" + s.loc.Bucket + "/" + s.loc.key(name)
}

func (s *s3Storage) Close() error { return nil }
