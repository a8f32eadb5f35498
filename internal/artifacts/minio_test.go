package artifacts

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RedBackRubbish/torbit-sub007/internal/testutil"
)

type fakeClient struct {
	buckets map[string]bool
	objects map[string][]byte
	opts    map[string]minio.PutObjectOptions
	putErr  error
	made    []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		buckets: map[string]bool{},
		objects: map[string][]byte{},
		opts:    map[string]minio.PutObjectOptions{},
	}
}

func (f *fakeClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return f.buckets[bucket], nil
}

func (f *fakeClient) MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error {
	f.buckets[bucket] = true
	f.made = append(f.made, bucket)
	return nil
}

func (f *fakeClient) PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	b, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects[bucket+"/"+object] = b
	f.opts[bucket+"/"+object] = opts
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

func TestStore_Put(t *testing.T) {
	client := newFakeClient()
	s := New(client, "runs")
	run := testutil.NewRun(time.Now(), testutil.WithAttempts(2, 3))

	uri, err := s.Put(context.Background(), run, []byte(`{"files":3}`), "application/json; charset=utf-8")
	require.NoError(t, err)

	object := run.ProjectID.String() + "/" + run.ID.String() + "/attempt-2/output.json"
	assert.Equal(t, "s3://runs/"+object, uri)
	assert.Equal(t, `{"files":3}`, string(client.objects["runs/"+object]))
	assert.Equal(t, "generate_app", client.opts["runs/"+object].UserMetadata["run-type"])
}

func TestStore_PutError(t *testing.T) {
	client := newFakeClient()
	client.putErr = errors.New("access denied")
	s := New(client, "runs")

	_, err := s.Put(context.Background(), testutil.NewRun(time.Now()), []byte("x"), "")
	assert.ErrorContains(t, err, "access denied")
}

func TestStore_EnsureBucket(t *testing.T) {
	client := newFakeClient()
	s := New(client, "runs")

	require.NoError(t, s.EnsureBucket(context.Background()))
	require.NoError(t, s.EnsureBucket(context.Background()))
	assert.Equal(t, []string{"runs"}, client.made)
}

func TestExtension(t *testing.T) {
	tests := map[string]string{
		"application/json":          ".json",
		"application/ld+json":       ".json",
		"text/plain; charset=utf-8": ".txt",
		"text/markdown":             ".md",
		"application/zip":           ".zip",
		"application/octet-stream":  ".bin",
		"not a media type;;":        ".bin",
	}
	for ct, want := range tests {
		assert.Equal(t, want, extension(ct), ct)
	}
}
