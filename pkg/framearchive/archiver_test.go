package framearchive_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-ccs/pkg/framearchive"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- In-memory GCS mock ---

type mockGCSClient struct {
	mu      sync.Mutex
	buckets map[string]*mockGCSBucketHandle
}

func newMockGCSClient() *mockGCSClient {
	return &mockGCSClient{buckets: make(map[string]*mockGCSBucketHandle)}
}

func (c *mockGCSClient) Bucket(name string) framearchive.GCSBucketHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.buckets[name]
	if !ok {
		bucket = &mockGCSBucketHandle{objects: make(map[string]*mockGCSWriter)}
		c.buckets[name] = bucket
	}
	return bucket
}

type mockGCSBucketHandle struct {
	mu      sync.Mutex
	objects map[string]*mockGCSWriter
}

func (b *mockGCSBucketHandle) Object(name string) framearchive.GCSObjectHandle {
	return &mockGCSObjectHandle{bucket: b, name: name}
}

func (b *mockGCSBucketHandle) objectNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.objects))
	for name := range b.objects {
		names = append(names, name)
	}
	return names
}

type mockGCSObjectHandle struct {
	bucket *mockGCSBucketHandle
	name   string
}

func (o *mockGCSObjectHandle) NewWriter(_ context.Context) framearchive.GCSWriter {
	writer := &mockGCSWriter{}
	o.bucket.mu.Lock()
	o.bucket.objects[o.name] = writer
	o.bucket.mu.Unlock()
	return writer
}

type mockGCSWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *mockGCSWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *mockGCSWriter) Close() error { return nil }

func (w *mockGCSWriter) decodeFrames(t *testing.T) []framearchive.BadFrame {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	gzReader, err := gzip.NewReader(bytes.NewReader(w.buf.Bytes()))
	require.NoError(t, err)
	content, err := io.ReadAll(gzReader)
	require.NoError(t, err)

	var frames []framearchive.BadFrame
	for _, line := range bytes.Split(bytes.TrimSpace(content), []byte("\n")) {
		var frame framearchive.BadFrame
		require.NoError(t, json.Unmarshal(line, &frame))
		frames = append(frames, frame)
	}
	return frames
}

// --- Tests ---

func TestArchiver_UploadsCompressedBatch(t *testing.T) {
	client := newMockGCSClient()
	archiver, err := framearchive.NewArchiver(framearchive.ArchiverConfig{
		BucketName: "test-bucket",
		BatchSize:  2,
	}, client, zerolog.Nop())
	require.NoError(t, err)
	archiver.Start(context.Background())

	archiver.Archive([]byte(`{"message_type":"receipt"}`))
	archiver.Archive([]byte(`not json at all`))

	bucket := client.Bucket("test-bucket").(*mockGCSBucketHandle)
	require.Eventually(t, func() bool {
		return len(bucket.objectNames()) == 1
	}, time.Second, 10*time.Millisecond)

	name := bucket.objectNames()[0]
	assert.True(t, strings.HasPrefix(name, "badframes/"), "object path should carry the badframes prefix: %s", name)
	assert.True(t, strings.HasSuffix(name, ".jsonl.gz"))

	bucket.mu.Lock()
	writer := bucket.objects[name]
	bucket.mu.Unlock()
	frames := writer.decodeFrames(t)
	require.Len(t, frames, 2)
	assert.Equal(t, `{"message_type":"receipt"}`, frames[0].Raw)
	assert.Equal(t, `not json at all`, frames[1].Raw)
	assert.False(t, frames[0].ReceivedAt.IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, archiver.Stop(ctx))
}

func TestArchiver_StopFlushesPartialBatch(t *testing.T) {
	client := newMockGCSClient()
	archiver, err := framearchive.NewArchiver(framearchive.ArchiverConfig{
		BucketName:    "test-bucket",
		BatchSize:     100,
		FlushInterval: time.Minute,
	}, client, zerolog.Nop())
	require.NoError(t, err)
	archiver.Start(context.Background())

	archiver.Archive([]byte(`orphan frame`))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, archiver.Stop(ctx))

	bucket := client.Bucket("test-bucket").(*mockGCSBucketHandle)
	require.Len(t, bucket.objectNames(), 1)
}

func TestNewArchiver_Validation(t *testing.T) {
	_, err := framearchive.NewArchiver(framearchive.ArchiverConfig{BucketName: "b"}, nil, zerolog.Nop())
	require.Error(t, err)

	_, err = framearchive.NewArchiver(framearchive.ArchiverConfig{}, newMockGCSClient(), zerolog.Nop())
	require.Error(t, err)
}
