// Package service assembles the messaging bridge: broker connection,
// delivery handler, action dispatcher and their storage collaborators,
// plus the operational HTTP surface.
package service

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-ccs/pkg/connection"
	"github.com/illmade-knight/go-ccs/pkg/delivery"
	"github.com/illmade-knight/go-ccs/pkg/deliverylog"
	"github.com/illmade-knight/go-ccs/pkg/devicecache"
	"github.com/illmade-knight/go-ccs/pkg/dispatch"
	"github.com/illmade-knight/go-ccs/pkg/eventstore"
	"github.com/illmade-knight/go-ccs/pkg/framearchive"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// BridgeService owns the full lifecycle of the messaging bridge.
type BridgeService struct {
	cfg    *Config
	logger zerolog.Logger

	manager  *connection.Manager
	handler  *delivery.Handler
	receipts *deliverylog.Log
	archiver *framearchive.Archiver
	ops      *OpsServer

	fsClient  *firestore.Client
	bqClient  *bigquery.Client
	gcsClient *storage.Client
	psClient  *pubsub.Client
	devices   devicecache.DeviceFetcher
}

// NewBridgeService wires the bridge from configuration. Optional
// collaborators (Redis device cache, receipt log, frame archive) are
// only constructed when configured.
func NewBridgeService(ctx context.Context, cfg *Config, logger zerolog.Logger) (*BridgeService, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("bridge requires a project id")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	s := &BridgeService{cfg: cfg, logger: logger}

	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	s.fsClient = fsClient

	store, err := eventstore.NewFirestoreStore(&eventstore.FirestoreConfig{ProjectID: cfg.ProjectID}, fsClient, logger)
	if err != nil {
		s.closeClients()
		return nil, err
	}

	if cfg.RedisAddr != "" {
		cache, cacheErr := devicecache.NewRedisDeviceCache(ctx, &devicecache.RedisConfig{
			Addr:     cfg.RedisAddr,
			CacheTTL: cfg.DeviceCacheTTL,
		}, devicecache.NewStoreFetcher(store), logger)
		if cacheErr != nil {
			s.closeClients()
			return nil, cacheErr
		}
		s.devices = cache
	}

	dispatcher, err := dispatch.NewDispatcher(store, s.devices, logger)
	if err != nil {
		s.closeClients()
		return nil, err
	}

	var receiptObserver delivery.ReceiptObserver
	if cfg.ReceiptDatasetID != "" && cfg.ReceiptTableID != "" {
		bqClient, bqErr := deliverylog.NewProductionBigQueryClient(ctx, cfg.ProjectID, cfg.CredentialsFile, logger)
		if bqErr != nil {
			s.closeClients()
			return nil, bqErr
		}
		s.bqClient = bqClient

		inserter, insErr := deliverylog.NewBigQueryInserter(ctx, bqClient, &deliverylog.BigQueryDatasetConfig{
			DatasetID: cfg.ReceiptDatasetID,
			TableID:   cfg.ReceiptTableID,
		}, logger)
		if insErr != nil {
			s.closeClients()
			return nil, insErr
		}
		s.receipts = deliverylog.NewLog(deliverylog.LogConfig{}, inserter, logger)
		receiptObserver = s.receipts
	}

	var frameArchiver delivery.FrameArchiver
	if cfg.ArchiveBucket != "" {
		gcsClient, gcsErr := storage.NewClient(ctx, clientOpts...)
		if gcsErr != nil {
			s.closeClients()
			return nil, fmt.Errorf("create storage client: %w", gcsErr)
		}
		s.gcsClient = gcsClient

		archiver, archErr := framearchive.NewArchiver(framearchive.ArchiverConfig{
			BucketName:   cfg.ArchiveBucket,
			ObjectPrefix: cfg.ArchivePrefix,
		}, framearchive.NewGCSClientAdapter(gcsClient), logger)
		if archErr != nil {
			s.closeClients()
			return nil, archErr
		}
		s.archiver = archiver
		frameArchiver = archiver
	}

	transport, err := s.buildTransport(ctx, clientOpts)
	if err != nil {
		s.closeClients()
		return nil, err
	}

	// The manager and the delivery handler reference each other; the
	// indirection lets the manager be built first.
	var handler *delivery.Handler
	frameHandler := func(raw []byte) { handler.HandleFrame(raw) }

	manager, err := connection.NewManager(connection.ManagerConfig{
		Credentials: cfg.Credentials(),
		SendTimeout: cfg.Broker.SendTimeout,
		BackoffBase: cfg.Broker.BackoffBase,
		BackoffCap:  cfg.Broker.BackoffCap,
	}, transport, frameHandler, nil, logger)
	if err != nil {
		s.closeClients()
		return nil, err
	}
	s.manager = manager

	handler, err = delivery.NewHandler(delivery.HandlerConfig{
		NumWorkers: cfg.NumWorkers,
		QueueSize:  cfg.QueueSize,
	}, manager, dispatcher, receiptObserver, frameArchiver, logger)
	if err != nil {
		s.closeClients()
		return nil, err
	}
	s.handler = handler

	s.ops = NewOpsServer(logger, cfg.HTTPPort, func() bool {
		state := manager.State()
		return state == connection.Authenticated || state == connection.Draining
	})

	return s, nil
}

func (s *BridgeService) buildTransport(ctx context.Context, clientOpts []option.ClientOption) (connection.Transport, error) {
	switch s.cfg.Transport {
	case TransportStream, "":
		return connection.NewStreamTransport(connection.StreamTransportConfig{
			Addr:               s.cfg.Broker.Addr,
			ConnectTimeout:     s.cfg.Broker.ConnectTimeout,
			CACertFile:         s.cfg.Broker.CACertFile,
			ClientCertFile:     s.cfg.Broker.ClientCertFile,
			ClientKeyFile:      s.cfg.Broker.ClientKeyFile,
			InsecureSkipVerify: s.cfg.Broker.InsecureSkipVerify,
		}, s.logger)
	case TransportPubSub:
		psClient, err := pubsub.NewClient(ctx, s.cfg.ProjectID, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		s.psClient = psClient
		return connection.NewPubSubTransport(connection.PubSubTransportConfig{
			TopicID:        s.cfg.Broker.TopicID,
			SubscriptionID: s.cfg.Broker.SubscriptionID,
		}, psClient, s.logger)
	default:
		return nil, fmt.Errorf("unknown transport kind %q", s.cfg.Transport)
	}
}

// Manager exposes the connection manager, for clients embedded in the
// same process.
func (s *BridgeService) Manager() *connection.Manager {
	return s.manager
}

// Start brings the bridge up: background workers first, then the broker
// connection, then the operational HTTP server.
func (s *BridgeService) Start(ctx context.Context) error {
	s.logger.Info().Str("service_name", s.cfg.ServiceName).Msg("Starting bridge service...")

	// Sink workers outlive the signal context; Shutdown drains and stops
	// them once the handler has finished its in-flight work.
	workerCtx := context.WithoutCancel(ctx)
	if s.receipts != nil {
		s.receipts.Start(workerCtx)
	}
	if s.archiver != nil {
		s.archiver.Start(workerCtx)
	}
	if err := s.handler.Start(ctx); err != nil {
		return err
	}
	if err := s.manager.Connect(ctx); err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}
	if err := s.ops.Start(); err != nil {
		return err
	}
	s.logger.Info().Msg("Bridge service started.")
	return nil
}

// Shutdown tears the bridge down in reverse order: stop the inbound
// flow, drain the workers, flush the sinks, then release the clients.
func (s *BridgeService) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down bridge service...")
	var firstErr error

	if err := s.manager.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.handler.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.receipts != nil {
		if err := s.receipts.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.archiver != nil {
		if err := s.archiver.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.ops.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	s.closeClients()

	s.logger.Info().Msg("Bridge service stopped.")
	return firstErr
}

func (s *BridgeService) closeClients() {
	if closer, ok := s.devices.(interface{ Close() error }); ok && closer != nil {
		if err := closer.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Error closing device cache.")
		}
	}
	if s.fsClient != nil {
		if err := s.fsClient.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Error closing Firestore client.")
		}
	}
	if s.bqClient != nil {
		if err := s.bqClient.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Error closing BigQuery client.")
		}
	}
	if s.gcsClient != nil {
		if err := s.gcsClient.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Error closing storage client.")
		}
	}
	if s.psClient != nil {
		if err := s.psClient.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Error closing Pub/Sub client.")
		}
	}
}
