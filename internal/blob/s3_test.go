package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memObjects struct {
	objects     map[string][]byte
	contentType map[string]string
	putErr      error
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}, contentType: map[string]string{}}
}

func (m *memObjects) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	m.objects[key] = body
	m.contentType[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (m *memObjects) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.ErrorIs(t, err, ErrNoBucket)
}

func TestUploadDownload(t *testing.T) {
	mem := newMemObjects()
	store := &Store{client: mem, bucket: "snapshots"}
	ctx := context.Background()

	err := store.Upload(ctx, "cache/2024.jsonl", "application/x-ndjson", strings.NewReader(`{"collection":"health_ids"}`))
	require.NoError(t, err)
	assert.Equal(t, "application/x-ndjson", mem.contentType["snapshots/cache/2024.jsonl"])

	rc, err := store.Download(ctx, "cache/2024.jsonl")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, `{"collection":"health_ids"}`, string(data))
}

func TestUpload_Error(t *testing.T) {
	mem := newMemObjects()
	mem.putErr = errors.New("access denied")
	store := &Store{client: mem, bucket: "snapshots"}

	err := store.Upload(context.Background(), "k", "", strings.NewReader("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://snapshots/k")
}

func TestDownload_Missing(t *testing.T) {
	store := &Store{client: newMemObjects(), bucket: "snapshots"}
	_, err := store.Download(context.Background(), "missing")
	assert.Error(t, err)
}
