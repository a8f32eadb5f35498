// Package artifacts archives executor output in an S3-compatible bucket.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
)

// ObjectClient is the subset of *minio.Client the store uses.
type ObjectClient interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Config struct {
	Endpoint  string // host:port, no scheme
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Store struct {
	client ObjectClient
	bucket string
}

// NewMinIO connects to the configured endpoint.
func NewMinIO(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return New(client, cfg.Bucket), nil
}

func New(client ObjectClient, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Put uploads output under the run's project and attempt and returns an
// s3:// URI for it.
func (s *Store) Put(ctx context.Context, run domain.BackgroundRun, output []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	object := ObjectName(run, contentType)

	_, err := s.client.PutObject(ctx, s.bucket, object, bytes.NewReader(output), int64(len(output)),
		minio.PutObjectOptions{
			ContentType: contentType,
			UserMetadata: map[string]string{
				"run-id":   run.ID.String(),
				"run-type": run.RunType,
			},
		})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", object, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, object), nil
}

// ObjectName is <project>/<run>/attempt-<n>/output<ext>.
func ObjectName(run domain.BackgroundRun, contentType string) string {
	return fmt.Sprintf("%s/%s/attempt-%d/output%s", run.ProjectID, run.ID, run.AttemptCount, extension(contentType))
}

func extension(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".bin"
	}
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		return ".json"
	case mediaType == "text/markdown":
		return ".md"
	case strings.HasPrefix(mediaType, "text/"):
		return ".txt"
	case mediaType == "application/zip":
		return ".zip"
	}
	return ".bin"
}
