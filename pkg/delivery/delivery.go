// Package delivery enforces the broker's delivery contract: every
// inbound data message is dispatched and then acknowledged exactly once,
// receipts are observed, and control signals gate the connection, all
// without blocking the transport read loop.
package delivery

import (
	"context"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-ccs/pkg/ccs"
	"github.com/illmade-knight/go-ccs/pkg/dispatch"
	"github.com/illmade-knight/go-ccs/pkg/msgid"
	"github.com/rs/zerolog"
)

// Sender is the downstream half of the connection manager the handler
// needs. Send is gated while the connection drains; SendReceipt is not,
// because inbound data keeps flowing during a drain and every frame
// still gets its ack.
type Sender interface {
	Send(ctx context.Context, env ccs.Envelope) error
	SendReceipt(ctx context.Context, env ccs.Envelope) error
	SetDraining(draining bool)
}

// Dispatcher routes one decoded payload to its action handler.
type Dispatcher interface {
	Dispatch(ctx context.Context, from string, payload map[string]string) ([]dispatch.Reply, error)
}

// ReceiptObserver consumes ack/nack receipts. Implementations must not
// block; the delivery log's batcher buffers internally.
type ReceiptObserver interface {
	Record(receipt ccs.Receipt)
}

// FrameArchiver consumes raw frames that could not be classified, for
// later diagnosis. Implementations must not block.
type FrameArchiver interface {
	Archive(raw []byte)
}

// HandlerConfig holds tunables for the delivery handler.
type HandlerConfig struct {
	// NumWorkers sets the size of the dispatch worker pool. Store calls
	// run here, off the transport read loop.
	NumWorkers int
	// QueueSize bounds the handoff queue between the read loop and the
	// workers.
	QueueSize int
}

// Handler classifies inbound frames and drives the ack-on-receipt
// contract. It owns no connection state; it is wired between the
// connection manager and the action dispatcher.
type Handler struct {
	cfg        HandlerConfig
	sender     Sender
	dispatcher Dispatcher
	receipts   ReceiptObserver
	archive    FrameArchiver
	logger     zerolog.Logger

	jobs     chan *ccs.InboundMessage
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopMu   sync.RWMutex
	stopped  bool
	workCtx  context.Context
	workStop context.CancelFunc
}

// NewHandler creates a delivery handler. receipts and archive are
// optional; pass nil to log-only.
func NewHandler(cfg HandlerConfig, sender Sender, dispatcher Dispatcher, receipts ReceiptObserver, archive FrameArchiver, logger zerolog.Logger) (*Handler, error) {
	if sender == nil {
		return nil, fmt.Errorf("delivery handler requires a sender")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("delivery handler requires a dispatcher")
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 5
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	return &Handler{
		cfg:        cfg,
		sender:     sender,
		dispatcher: dispatcher,
		receipts:   receipts,
		archive:    archive,
		logger:     logger.With().Str("component", "DeliveryHandler").Logger(),
		jobs:       make(chan *ccs.InboundMessage, cfg.QueueSize),
	}, nil
}

// Start spawns the dispatch worker pool.
func (h *Handler) Start(ctx context.Context) error {
	h.workCtx, h.workStop = context.WithCancel(context.WithoutCancel(ctx))
	h.logger.Info().Int("worker_count", h.cfg.NumWorkers).Msg("Starting delivery workers...")
	h.wg.Add(h.cfg.NumWorkers)
	for i := 0; i < h.cfg.NumWorkers; i++ {
		go h.worker(i)
	}
	return nil
}

// Stop drains in-flight work and shuts the pool down. Call only after
// the connection manager has stopped feeding frames.
func (h *Handler) Stop(ctx context.Context) error {
	var err error
	h.stopOnce.Do(func() {
		h.stopMu.Lock()
		h.stopped = true
		close(h.jobs)
		h.stopMu.Unlock()

		workerDone := make(chan struct{})
		go func() {
			h.wg.Wait()
			close(workerDone)
		}()
		select {
		case <-workerDone:
			h.logger.Info().Msg("All delivery workers completed gracefully.")
		case <-ctx.Done():
			h.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for delivery workers to finish.")
			err = ctx.Err()
		}
		if h.workStop != nil {
			h.workStop()
		}
	})
	return err
}

// HandleFrame is the connection manager's frame callback. It classifies
// the frame and either hands data messages to the worker queue or
// settles receipts and control signals inline; nothing here blocks on
// the store.
func (h *Handler) HandleFrame(raw []byte) {
	frame, err := ccs.Classify(raw)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Dropping undecodable frame.")
		if h.archive != nil {
			h.archive.Archive(raw)
		}
		return
	}

	switch frame.Kind {
	case ccs.FrameData:
		h.enqueue(frame.Message)
	case ccs.FrameAck:
		h.logger.Info().Str("from", frame.Receipt.From).Str("message_id", frame.Receipt.MessageID).Msg("Ack received.")
		if h.receipts != nil {
			h.receipts.Record(*frame.Receipt)
		}
	case ccs.FrameNack:
		h.logger.Warn().Str("from", frame.Receipt.From).Str("message_id", frame.Receipt.MessageID).Str("error", frame.Receipt.Error).Msg("Nack received.")
		if h.receipts != nil {
			h.receipts.Record(*frame.Receipt)
		}
	case ccs.FrameControl:
		if frame.Draining {
			h.logger.Info().Msg("Broker signaled connection draining.")
			h.sender.SetDraining(true)
		}
	default:
		h.logger.Warn().Str("message_type", frame.RawType).Msg("Unrecognized message type, frame ignored.")
		if h.archive != nil {
			h.archive.Archive(raw)
		}
	}
}

// enqueue hands one data message to the worker queue. The read lock
// excludes Stop from closing the queue mid-send; a frame arriving after
// Stop is dropped rather than crashing the read loop.
func (h *Handler) enqueue(msg *ccs.InboundMessage) {
	h.stopMu.RLock()
	defer h.stopMu.RUnlock()
	if h.stopped {
		h.logger.Warn().Str("message_id", msg.MessageID).Msg("Handler stopped, dropping data frame.")
		return
	}
	h.jobs <- msg
}

func (h *Handler) worker(workerID int) {
	defer h.wg.Done()
	for msg := range h.jobs {
		h.process(workerID, msg)
	}
	h.logger.Debug().Int("worker_id", workerID).Msg("Delivery worker exiting.")
}

// process runs the dispatcher and settles the frame: one ack, then any
// replies. The ack goes out whatever the dispatch outcome was; an
// unknown action or a store failure is still a delivered message.
func (h *Handler) process(workerID int, msg *ccs.InboundMessage) {
	ctx := h.workCtx

	replies, err := h.dispatcher.Dispatch(ctx, msg.From, msg.Data)
	if err != nil {
		h.logger.Warn().Err(err).Int("worker_id", workerID).Str("from", msg.From).Str("message_id", msg.MessageID).Msg("Dispatch failed, reply suppressed.")
		replies = nil
	}

	if ackErr := h.sender.SendReceipt(ctx, ccs.Ack(msg.From, msg.MessageID)); ackErr != nil {
		h.logger.Error().Err(ackErr).Str("message_id", msg.MessageID).Msg("Failed to send ack.")
	}

	for _, reply := range replies {
		if sendErr := h.sendReply(ctx, reply); sendErr != nil {
			// One unreachable address must not abort delivery to the rest.
			h.logger.Error().Err(sendErr).Str("to", reply.To).Str("reply_action", reply.Action).Msg("Failed to send reply envelope.")
		}
	}
}

func (h *Handler) sendReply(ctx context.Context, reply dispatch.Reply) error {
	data := make(map[string]string, len(reply.Fields)+1)
	for k, v := range reply.Fields {
		data[k] = v
	}
	data[dispatch.ActionKey] = reply.Action

	return h.sender.Send(ctx, ccs.Envelope{
		To:             reply.To,
		MessageID:      msgid.Correlation(),
		Data:           data,
		DelayWhileIdle: true,
	})
}
