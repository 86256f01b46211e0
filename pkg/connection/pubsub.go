package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// PubSubTransportConfig holds configuration for the Pub/Sub binding.
// Upstream frames arrive on the subscription; downstream frames are
// published to the topic.
type PubSubTransportConfig struct {
	TopicID        string
	SubscriptionID string
	// ExistsTimeout bounds the topic/subscription existence checks made
	// during Connect.
	ExistsTimeout time.Duration
	// PublishConfirmationTimeout bounds waiting for a publish result.
	PublishConfirmationTimeout time.Duration
	MaxOutstandingMessages     int
}

// PubSubTransport is an alternative Transport over Google Cloud Pub/Sub,
// useful for cloud deployments and emulator-backed integration tests.
// The broker login handshake is replaced by the client's own credential
// handling; Connect verifies both ends exist before reporting success.
type PubSubTransport struct {
	cfg    PubSubTransportConfig
	client *pubsub.Client
	logger zerolog.Logger
}

// NewPubSubTransport creates a PubSubTransport over an existing client.
// The client's lifecycle is managed by the caller.
func NewPubSubTransport(cfg PubSubTransportConfig, client *pubsub.Client, logger zerolog.Logger) (*PubSubTransport, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	if cfg.TopicID == "" || cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("pubsub transport requires a topic id and a subscription id")
	}
	if cfg.ExistsTimeout <= 0 {
		cfg.ExistsTimeout = 15 * time.Second
	}
	if cfg.PublishConfirmationTimeout <= 0 {
		cfg.PublishConfirmationTimeout = 20 * time.Second
	}
	if cfg.MaxOutstandingMessages <= 0 {
		cfg.MaxOutstandingMessages = 100
	}
	return &PubSubTransport{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "PubSubTransport").Logger(),
	}, nil
}

// Connect verifies the topic and subscription and starts receiving.
func (t *PubSubTransport) Connect(ctx context.Context, creds Credentials) (Conn, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	existsCtx, cancel := context.WithTimeout(ctx, t.cfg.ExistsTimeout)
	defer cancel()

	topic := t.client.Topic(t.cfg.TopicID)
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: checking topic %s: %v", ErrTransportUnavailable, t.cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: topic %s does not exist", ErrTransportUnavailable, t.cfg.TopicID)
	}

	sub := t.client.Subscription(t.cfg.SubscriptionID)
	exists, err = sub.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: checking subscription %s: %v", ErrTransportUnavailable, t.cfg.SubscriptionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: subscription %s does not exist", ErrTransportUnavailable, t.cfg.SubscriptionID)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = t.cfg.MaxOutstandingMessages

	receiveCtx, receiveCancel := context.WithCancel(context.Background())
	conn := &pubsubConn{
		topic:          topic,
		frames:         make(chan []byte, t.cfg.MaxOutstandingMessages),
		confirmTimeout: t.cfg.PublishConfirmationTimeout,
		cancelReceive:  receiveCancel,
		doneCh:         make(chan struct{}),
		logger:         t.logger,
	}

	go func() {
		defer close(conn.doneCh)
		err := sub.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			frameCopy := make([]byte, len(msg.Data))
			copy(frameCopy, msg.Data)
			select {
			case conn.frames <- frameCopy:
				msg.Ack()
			case <-receiveCtx.Done():
				msg.Nack()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			t.logger.Error().Err(err).Msg("Pub/Sub Receive exited with error.")
		}
	}()

	t.logger.Info().Str("topic", t.cfg.TopicID).Str("subscription", t.cfg.SubscriptionID).Msg("Pub/Sub transport connected.")
	return conn, nil
}

// pubsubConn adapts a topic/subscription pair to the frame Conn contract.
type pubsubConn struct {
	topic          *pubsub.Topic
	frames         chan []byte
	confirmTimeout time.Duration
	cancelReceive  context.CancelFunc
	doneCh         chan struct{}
	closeOnce      sync.Once
	logger         zerolog.Logger
}

func (c *pubsubConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-c.frames:
		if !ok {
			return nil, fmt.Errorf("pubsub receive stream closed")
		}
		return frame, nil
	case <-c.doneCh:
		return nil, fmt.Errorf("pubsub receive stream closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pubsubConn) WriteFrame(ctx context.Context, frame []byte) error {
	res := c.topic.Publish(ctx, &pubsub.Message{Data: frame})
	getCtx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()
	if _, err := res.Get(getCtx); err != nil {
		return fmt.Errorf("pubsub publish: %w", err)
	}
	return nil
}

func (c *pubsubConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancelReceive()
		select {
		case <-c.doneCh:
		case <-time.After(10 * time.Second):
			c.logger.Error().Msg("Timeout waiting for Pub/Sub receive goroutine to stop.")
		}
		c.topic.Stop()
	})
	return nil
}

var _ Transport = (*PubSubTransport)(nil)
