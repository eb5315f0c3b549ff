package broker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/malbeclabs/silo/pkg/storage"
)

// ErrExhausted means every broker endpoint was tried and failed.
var ErrExhausted = storage.ErrBrokerExhausted

// LocalBackend serves paths from the local filesystem; the endpoint value is
// ignored. Used for local pushes and in tests.
type LocalBackend struct{}

func (LocalBackend) OpenRead(ctx context.Context, endpoint, path string, offset int64) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (LocalBackend) OpenWrite(ctx context.Context, endpoint, path string) (io.WriteCloser, error) {
	return os.Create(path)
}

// S3Backend serves s3://bucket/key paths. The broker endpoint selects the
// region, so failover walks regions in order.
type S3Backend struct {
	client *s3.Client
}

func NewS3Backend(ctx context.Context) (*S3Backend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return &S3Backend{client: s3.NewFromConfig(cfg)}, nil
}

func splitS3Path(path string) (bucket, key string, err error) {
	trimmed, ok := strings.CutPrefix(path, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%w: not an s3 path: %s", storage.ErrInvalidArgument, path)
	}
	bucket, key, ok = strings.Cut(trimmed, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: malformed s3 path: %s", storage.ErrInvalidArgument, path)
	}
	return bucket, key, nil
}

func (b *S3Backend) OpenRead(ctx context.Context, endpoint, path string, offset int64) (io.ReadCloser, error) {
	bucket, key, err := splitS3Path(path)
	if err != nil {
		return nil, err
	}
	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if offset > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}
	out, err := b.client.GetObject(ctx, input, func(o *s3.Options) {
		if endpoint != "" {
			o.Region = endpoint
		}
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func (b *S3Backend) OpenWrite(ctx context.Context, endpoint, path string) (io.WriteCloser, error) {
	bucket, key, err := splitS3Path(path)
	if err != nil {
		return nil, err
	}
	return &s3Upload{ctx: ctx, backend: b, bucket: bucket, key: key, region: endpoint}, nil
}

// s3Upload buffers the object and uploads on Close; delta exports are small
// enough for a single PutObject.
type s3Upload struct {
	ctx     context.Context
	backend *S3Backend
	bucket  string
	key     string
	region  string
	buf     bytes.Buffer
}

func (u *s3Upload) Write(p []byte) (int, error) {
	return u.buf.Write(p)
}

func (u *s3Upload) Close() error {
	_, err := u.backend.client.PutObject(u.ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(u.key),
		Body:   bytes.NewReader(u.buf.Bytes()),
	}, func(o *s3.Options) {
		if u.region != "" {
			o.Region = u.region
		}
	})
	return err
}
