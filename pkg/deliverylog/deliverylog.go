// Package deliverylog records broker delivery receipts. Receipts are
// buffered and flushed in batches so the frame path never waits on the
// warehouse.
package deliverylog

import (
	"context"
	"sync"
	"time"

	"github.com/illmade-knight/go-ccs/pkg/ccs"
	"github.com/rs/zerolog"
)

// ReceiptInserter abstracts the batch destination so the log can be
// tested without a live warehouse.
type ReceiptInserter interface {
	InsertBatch(ctx context.Context, receipts []*ccs.Receipt) error
	Close() error
}

// LogConfig holds configuration for the receipt log.
type LogConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	InsertTimeout time.Duration
}

func (c *LogConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.InsertTimeout <= 0 {
		c.InsertTimeout = 30 * time.Second
	}
}

// Log batches receipts and flushes them by size or interval. Record
// never blocks; if the buffer is full the receipt is dropped with a
// warning, since an ack trail is diagnostic data, not source of truth.
type Log struct {
	config   LogConfig
	inserter ReceiptInserter
	logger   zerolog.Logger

	inputChan chan *ccs.Receipt
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewLog creates a receipt log writing batches through inserter.
func NewLog(config LogConfig, inserter ReceiptInserter, logger zerolog.Logger) *Log {
	config.applyDefaults()
	return &Log{
		config:    config,
		inserter:  inserter,
		logger:    logger.With().Str("component", "DeliveryLog").Logger(),
		inputChan: make(chan *ccs.Receipt, config.BatchSize*2),
	}
}

// Start begins the batching worker.
func (l *Log) Start(ctx context.Context) {
	l.logger.Info().
		Int("batch_size", l.config.BatchSize).
		Dur("flush_interval", l.config.FlushInterval).
		Msg("Starting delivery log worker...")
	l.wg.Add(1)
	go l.worker(ctx)
}

// Record accepts one receipt for the next batch. Safe for concurrent use.
func (l *Log) Record(receipt ccs.Receipt) {
	select {
	case l.inputChan <- &receipt:
	default:
		l.logger.Warn().Str("message_id", receipt.MessageID).Msg("Receipt buffer full, dropping receipt.")
	}
}

// Stop flushes the remaining batch and shuts the worker down.
func (l *Log) Stop(ctx context.Context) error {
	var err error
	l.stopOnce.Do(func() {
		l.logger.Info().Msg("Stopping delivery log...")
		close(l.inputChan)

		done := make(chan struct{})
		go func() {
			l.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			l.logger.Info().Msg("Delivery log worker stopped gracefully.")
		case <-ctx.Done():
			l.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for delivery log worker to stop.")
			err = ctx.Err()
			return
		}

		if closeErr := l.inserter.Close(); closeErr != nil {
			l.logger.Error().Err(closeErr).Msg("Error closing receipt inserter")
		}
	})
	return err
}

func (l *Log) worker(ctx context.Context) {
	defer l.wg.Done()
	batch := make([]*ccs.Receipt, 0, l.config.BatchSize)
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.flush(context.Background(), batch)
			return

		case receipt, ok := <-l.inputChan:
			if !ok {
				l.flush(context.Background(), batch)
				return
			}
			batch = append(batch, receipt)
			if len(batch) >= l.config.BatchSize {
				l.flush(ctx, batch)
				batch = make([]*ccs.Receipt, 0, l.config.BatchSize)
				ticker.Reset(l.config.FlushInterval)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(ctx, batch)
				batch = make([]*ccs.Receipt, 0, l.config.BatchSize)
			}
		}
	}
}

func (l *Log) flush(ctx context.Context, batch []*ccs.Receipt) {
	if len(batch) == 0 {
		return
	}

	insertCtx, cancel := context.WithTimeout(ctx, l.config.InsertTimeout)
	defer cancel()

	if err := l.inserter.InsertBatch(insertCtx, batch); err != nil {
		l.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to insert receipt batch.")
		return
	}
	l.logger.Debug().Int("batch_size", len(batch)).Msg("Flushed receipt batch.")
}
