package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Client is the slice of the S3 API that [S3Store] uses. *s3.Client
// satisfies it; tests substitute an in-memory fake.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Options configure [DialS3]. Credentials come from the standard AWS
// environment variables; Endpoint and PathStyle make the client work
// against MinIO, R2 and other S3-compatible stores.
type S3Options struct {
	Bucket    string
	Prefix    string // key prefix for all objects, "" for none
	Region    string // falls back to $AWS_REGION
	Endpoint  string // custom endpoint URL, empty for AWS
	PathStyle bool   // path-style addressing, required by MinIO
}

// DialS3 builds an S3-backed FileStore. No connection is attempted;
// the first operation surfaces credential or endpoint errors.
func DialS3(opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("storage: s3 bucket is required")
	}
	region := opts.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	sdk := s3.Options{
		Region:       region,
		UsePathStyle: opts.PathStyle,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
				SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
				SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			}, nil
		}),
	}
	if opts.Endpoint != "" {
		sdk.BaseEndpoint = aws.String(opts.Endpoint)
	}
	return NewS3(s3.New(sdk), opts.Bucket, opts.Prefix), nil
}

// S3Store implements FileStore on an S3-compatible object store. It is
// how several service replicas share vector-index snapshots and
// dead-letter archives: paths map to object keys under the prefix.
type S3Store struct {
	client S3Client
	bucket string
	prefix string
}

// NewS3 wraps a pre-configured client. Most callers want [DialS3];
// this constructor exists for dependency injection and tests.
func NewS3(client S3Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) key(path string) string {
	if s.prefix == "" {
		return path
	}
	return s.prefix + "/" + path
}

// Read opens the named object. A missing key wraps os.ErrNotExist.
func (s *S3Store) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	switch {
	case isS3NotFound(err):
		return nil, fmt.Errorf("storage: read %s: %w", path, os.ErrNotExist)
	case err != nil:
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return out.Body, nil
}

// Write returns a writer streaming to a background PutObject through an
// io.Pipe. Close blocks until the upload finishes and reports its error,
// so callers must check Close even after successful writes.
func (s *S3Store) Write(ctx context.Context, path string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	up := &s3Upload{path: path, pw: pw, done: make(chan struct{})}
	go func() {
		defer close(up.done)
		_, up.err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(path)),
			Body:   pr,
		})
		// A failed upload stops reading; unblock any pending Write.
		pr.CloseWithError(up.err)
	}()
	return up, nil
}

// Delete removes the named object. S3 deletes are idempotent, so a
// missing key is not an error.
func (s *S3Store) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		return fmt.Errorf("storage: delete %s: %w", path, err)
	}
	return nil
}

// Exists reports whether the named object exists.
func (s *S3Store) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	switch {
	case isS3NotFound(err):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("storage: stat %s: %w", path, err)
	}
	return true, nil
}

// s3Upload is the write half of the upload pipe.
type s3Upload struct {
	path string
	pw   *io.PipeWriter
	done chan struct{}
	err  error
}

func (u *s3Upload) Write(p []byte) (int, error) {
	return u.pw.Write(p)
}

// Close signals EOF to the upload, waits for PutObject to return, and
// reports the upload result.
func (u *s3Upload) Close() error {
	u.pw.Close()
	<-u.done
	if u.err != nil {
		return fmt.Errorf("storage: write %s: %w", u.path, u.err)
	}
	return nil
}

func isS3NotFound(err error) bool {
	var api smithy.APIError
	if !errors.As(err, &api) {
		return false
	}
	switch api.ErrorCode() {
	case "NotFound", "NoSuchKey":
		return true
	}
	return false
}

var _ FileStore = (*S3Store)(nil)
