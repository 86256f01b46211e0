package service

import (
	"os"
	"strconv"
	"time"

	"github.com/illmade-knight/go-ccs/pkg/connection"
	"github.com/rs/zerolog/log"
)

// TransportKind selects the broker transport implementation.
type TransportKind string

const (
	TransportStream TransportKind = "stream"
	TransportPubSub TransportKind = "pubsub"
)

// BrokerConfig holds the broker connection settings.
type BrokerConfig struct {
	// Addr is the broker endpoint for the stream transport, host:port.
	Addr string `yaml:"addr"`
	// Domain is the broker's login domain, appended to the project id to
	// form the login user.
	Domain string `yaml:"domain"`
	// APIKey authenticates the login. Loaded from the environment, never
	// from a file.
	APIKey string `yaml:"-"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	SendTimeout    time.Duration `yaml:"send_timeout"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`

	CACertFile         string `yaml:"ca_cert_file"`
	ClientCertFile     string `yaml:"client_cert_file"`
	ClientKeyFile      string `yaml:"client_key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`

	// Topic / Subscription configure the Pub/Sub transport.
	TopicID        string `yaml:"topic_id"`
	SubscriptionID string `yaml:"subscription_id"`
}

// Config holds the full bridge service configuration.
type Config struct {
	LogLevel        string `yaml:"log_level"`
	HTTPPort        string `yaml:"http_port"`
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	ServiceName     string `yaml:"service_name"`

	Transport TransportKind `yaml:"transport"`
	Broker    BrokerConfig  `yaml:"broker"`

	// NumWorkers / QueueSize size the dispatch worker pool.
	NumWorkers int `yaml:"num_workers"`
	QueueSize  int `yaml:"queue_size"`

	// RedisAddr enables the owner-device cache when set.
	RedisAddr      string        `yaml:"redis_addr"`
	DeviceCacheTTL time.Duration `yaml:"device_cache_ttl"`

	// BigQuery receipt log, enabled when both ids are set.
	ReceiptDatasetID string `yaml:"receipt_dataset_id"`
	ReceiptTableID   string `yaml:"receipt_table_id"`

	// GCS bad-frame archive, enabled when the bucket is set.
	ArchiveBucket string `yaml:"archive_bucket"`
	ArchivePrefix string `yaml:"archive_prefix"`
}

// Env variable names for overriding the defaults.
const (
	EnvHTTPPort       = "CCS_HTTP_PORT"
	EnvProjectID      = "GCP_PROJECT_ID"
	EnvBrokerAddr     = "CCS_BROKER_ADDR"
	EnvBrokerDomain   = "CCS_BROKER_DOMAIN"
	EnvAPIKey         = "CCS_API_KEY"
	EnvTransport      = "CCS_TRANSPORT"
	EnvTopicID        = "CCS_TOPIC_ID"
	EnvSubscriptionID = "CCS_SUBSCRIPTION_ID"
	EnvRedisAddr      = "CCS_REDIS_ADDR"
	EnvReceiptDataset = "CCS_RECEIPT_DATASET_ID"
	EnvReceiptTable   = "CCS_RECEIPT_TABLE_ID"
	EnvArchiveBucket  = "CCS_ARCHIVE_BUCKET"
	EnvNumWorkers     = "CCS_NUM_WORKERS"
)

// LoadConfigWithEnv builds a configuration from defaults and environment
// overrides.
func LoadConfigWithEnv() *Config {
	cfg := &Config{
		LogLevel:    "info",
		HTTPPort:    ":8082",
		ServiceName: "ccs-bridge",
		Transport:   TransportStream,
		Broker: BrokerConfig{
			Domain:         "gcm.googleapis.com",
			ConnectTimeout: 15 * time.Second,
			SendTimeout:    30 * time.Second,
			BackoffBase:    time.Second,
			BackoffCap:     60 * time.Second,
		},
		NumWorkers:     5,
		QueueSize:      100,
		DeviceCacheTTL: 30 * time.Second,
		ArchivePrefix:  "badframes",
	}

	if v := os.Getenv(EnvHTTPPort); v != "" {
		cfg.HTTPPort = v
	}
	if v := os.Getenv(EnvProjectID); v != "" {
		cfg.ProjectID = v
	}
	if v := os.Getenv(EnvBrokerAddr); v != "" {
		cfg.Broker.Addr = v
	}
	if v := os.Getenv(EnvBrokerDomain); v != "" {
		cfg.Broker.Domain = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.Broker.APIKey = v
	}
	if v := os.Getenv(EnvTransport); v != "" {
		cfg.Transport = TransportKind(v)
	}
	if v := os.Getenv(EnvTopicID); v != "" {
		cfg.Broker.TopicID = v
	}
	if v := os.Getenv(EnvSubscriptionID); v != "" {
		cfg.Broker.SubscriptionID = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv(EnvReceiptDataset); v != "" {
		cfg.ReceiptDatasetID = v
	}
	if v := os.Getenv(EnvReceiptTable); v != "" {
		cfg.ReceiptTableID = v
	}
	if v := os.Getenv(EnvArchiveBucket); v != "" {
		cfg.ArchiveBucket = v
	}
	if v := os.Getenv(EnvNumWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n > 0 {
			cfg.NumWorkers = n
		} else {
			log.Printf("service: invalid %s value %q, using default", EnvNumWorkers, v)
		}
	}

	return cfg
}

// Credentials assembles the broker login credentials.
func (c *Config) Credentials() connection.Credentials {
	return connection.Credentials{
		ProjectID: c.ProjectID,
		APIKey:    c.Broker.APIKey,
		Domain:    c.Broker.Domain,
	}
}
