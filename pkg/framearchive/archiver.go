// Package framearchive preserves inbound frames the client could not
// make sense of. Frames are batched by arrival hour and written as
// compressed JSONL objects so a bad producer can be diagnosed later.
package framearchive

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BadFrame is one archived frame. Raw is kept as a string because the
// frame may not be valid JSON at all.
type BadFrame struct {
	Raw        string    `json:"raw"`
	ReceivedAt time.Time `json:"received_at"`
}

// batchKey groups frames into hourly objects.
func (f *BadFrame) batchKey() string {
	return f.ReceivedAt.UTC().Format("2006/01/02/15")
}

// ArchiverConfig holds configuration for the frame archiver.
type ArchiverConfig struct {
	BucketName    string
	ObjectPrefix  string
	BatchSize     int
	FlushInterval time.Duration
}

func (c *ArchiverConfig) applyDefaults() {
	if c.ObjectPrefix == "" {
		c.ObjectPrefix = "badframes"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Minute
	}
}

// Archiver buffers bad frames and uploads them in grouped batches.
// Archive never blocks the caller.
type Archiver struct {
	config ArchiverConfig
	client GCSClient
	logger zerolog.Logger
	now    func() time.Time

	inputChan chan *BadFrame
	wg        sync.WaitGroup
	uploadWg  sync.WaitGroup
	stopOnce  sync.Once
}

// NewArchiver creates a frame archiver writing to the configured bucket.
func NewArchiver(config ArchiverConfig, client GCSClient, logger zerolog.Logger) (*Archiver, error) {
	if client == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	config.applyDefaults()
	return &Archiver{
		config:    config,
		client:    client,
		logger:    logger.With().Str("component", "FrameArchiver").Logger(),
		now:       time.Now,
		inputChan: make(chan *BadFrame, config.BatchSize*2),
	}, nil
}

// Start begins the batching worker.
func (a *Archiver) Start(ctx context.Context) {
	a.logger.Info().Str("bucket", a.config.BucketName).Msg("Starting frame archiver...")
	a.wg.Add(1)
	go a.worker(ctx)
}

// Archive accepts one raw frame for archival. If the buffer is full the
// frame is dropped with a warning; archival is diagnostic, never load
// bearing.
func (a *Archiver) Archive(raw []byte) {
	frame := &BadFrame{Raw: string(raw), ReceivedAt: a.now()}
	select {
	case a.inputChan <- frame:
	default:
		a.logger.Warn().Msg("Archive buffer full, dropping frame.")
	}
}

// Stop flushes buffered frames and waits for in-flight uploads.
func (a *Archiver) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.logger.Info().Msg("Stopping frame archiver...")
		close(a.inputChan)

		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			a.uploadWg.Wait()
			close(done)
		}()

		select {
		case <-done:
			a.logger.Info().Msg("Frame archiver stopped gracefully.")
		case <-ctx.Done():
			a.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for frame archiver to stop.")
			err = ctx.Err()
		}
	})
	return err
}

func (a *Archiver) worker(ctx context.Context) {
	defer a.wg.Done()
	batch := make([]*BadFrame, 0, a.config.BatchSize)
	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.uploadBatch(context.Background(), batch)
			return

		case frame, ok := <-a.inputChan:
			if !ok {
				a.uploadBatch(context.Background(), batch)
				return
			}
			batch = append(batch, frame)
			if len(batch) >= a.config.BatchSize {
				a.uploadBatch(ctx, batch)
				batch = make([]*BadFrame, 0, a.config.BatchSize)
				ticker.Reset(a.config.FlushInterval)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				a.uploadBatch(ctx, batch)
				batch = make([]*BadFrame, 0, a.config.BatchSize)
			}
		}
	}
}

// uploadBatch groups the batch by hour key and uploads each group as a
// separate compressed object in parallel.
func (a *Archiver) uploadBatch(ctx context.Context, batch []*BadFrame) {
	if len(batch) == 0 {
		return
	}

	grouped := make(map[string][]*BadFrame)
	for _, frame := range batch {
		key := frame.batchKey()
		grouped[key] = append(grouped[key], frame)
	}

	for key, frames := range grouped {
		a.uploadWg.Add(1)
		go func(batchKey string, data []*BadFrame) {
			defer a.uploadWg.Done()
			if err := a.uploadSingleGroup(ctx, batchKey, data); err != nil {
				a.logger.Error().Err(err).Str("batch_key", batchKey).Msg("Failed to upload frame batch.")
			}
		}(key, frames)
	}
}

func (a *Archiver) uploadSingleGroup(ctx context.Context, batchKey string, frames []*BadFrame) error {
	objectName := path.Join(a.config.ObjectPrefix, batchKey, fmt.Sprintf("%s.jsonl.gz", uuid.NewString()))

	objHandle := a.client.Bucket(a.config.BucketName).Object(objectName)
	gcsWriter := objHandle.NewWriter(ctx)
	pr, pw := io.Pipe()

	go func() {
		var err error
		defer func() { _ = pw.CloseWithError(err) }()
		gz := gzip.NewWriter(pw)
		defer func() { _ = gz.Close() }()
		enc := json.NewEncoder(gz)
		for _, frame := range frames {
			if err = enc.Encode(frame); err != nil {
				err = fmt.Errorf("json encoding failed for %s: %w", objectName, err)
				return
			}
		}
	}()

	bytesWritten, pipeReadErr := io.Copy(gcsWriter, pr)
	closeErr := gcsWriter.Close()

	if pipeReadErr != nil {
		return fmt.Errorf("failed to stream data for GCS object %s: %w", objectName, pipeReadErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, closeErr)
	}

	a.logger.Info().
		Str("object_name", objectName).
		Int("frame_count", len(frames)).
		Int64("bytes_written", bytesWritten).
		Msg("Uploaded frame batch.")
	return nil
}
