package deliverylog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/go-ccs/pkg/ccs"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// BigQueryDatasetConfig holds configuration for the receipt table.
type BigQueryDatasetConfig struct {
	DatasetID       string
	TableID         string
	CredentialsFile string // Optional: Path to a service account JSON file.
}

// NewProductionBigQueryClient creates a BigQuery client suitable for
// production environments.
func NewProductionBigQueryClient(ctx context.Context, projectID string, credentialsFile string, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
		logger.Info().Str("credentials_file", credentialsFile).Msg("Using specified credentials file for BigQuery client.")
	} else {
		logger.Info().Msg("Using Application Default Credentials (ADC) for BigQuery client.")
	}

	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	return client, nil
}

// BigQueryInserter implements ReceiptInserter against a BigQuery table,
// creating the table from the receipt schema when it does not exist.
type BigQueryInserter struct {
	client   *bigquery.Client
	table    *bigquery.Table
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

// NewBigQueryInserter verifies the target table, creating it with a
// schema inferred from the receipt type when absent.
func NewBigQueryInserter(ctx context.Context, client *bigquery.Client, cfg *BigQueryDatasetConfig, logger zerolog.Logger) (*BigQueryInserter, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg == nil {
		return nil, errors.New("BigQueryDatasetConfig cannot be nil")
	}

	logger = logger.With().Str("project_id", client.Project()).Str("dataset_id", cfg.DatasetID).Str("table_id", cfg.TableID).Logger()

	tableRef := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	_, err := tableRef.Metadata(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "notFound") {
			logger.Warn().Msg("Receipt table not found. Attempting to create with inferred schema.")
			inferredSchema, inferErr := bigquery.InferSchema(ccs.Receipt{})
			if inferErr != nil {
				return nil, fmt.Errorf("failed to infer receipt schema: %w", inferErr)
			}
			if createErr := tableRef.Create(ctx, &bigquery.TableMetadata{Schema: inferredSchema}); createErr != nil {
				return nil, fmt.Errorf("failed to create receipt table %s.%s: %w", cfg.DatasetID, cfg.TableID, createErr)
			}
			logger.Info().Msg("Receipt table created successfully.")
		} else {
			return nil, fmt.Errorf("failed to get receipt table metadata: %w", err)
		}
	} else {
		logger.Info().Msg("Connected to existing receipt table.")
	}

	return &BigQueryInserter{
		client:   client,
		table:    tableRef,
		inserter: tableRef.Inserter(),
		logger:   logger,
	}, nil
}

// InsertBatch streams a batch of receipts to the configured table.
// Row-level errors are logged individually before the wrapped error is
// returned.
func (i *BigQueryInserter) InsertBatch(ctx context.Context, receipts []*ccs.Receipt) error {
	if len(receipts) == 0 {
		return nil
	}

	err := i.inserter.Put(ctx, receipts)
	if err != nil {
		i.logger.Error().Err(err).Int("batch_size", len(receipts)).Msg("Failed to insert receipt rows.")
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				i.logger.Error().
					Int("row_index", rowErr.RowIndex).
					Msgf("Receipt insert error for row: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("bigquery Inserter.Put failed: %w", err)
	}

	i.logger.Debug().Int("batch_size", len(receipts)).Msg("Inserted receipt batch.")
	return nil
}

// Close is a no-op; the BigQuery client's lifecycle is managed by the
// service that created it.
func (i *BigQueryInserter) Close() error {
	return nil
}
