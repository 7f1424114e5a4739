// Package config assembles runtime settings from defaults, an optional JSON
// file, environment variables and command-line flags, in that order of
// precedence (later sources win).
package config

import "time"

// Config holds runtime settings for the Halcyon sync core.
type Config struct {
	// RelayEndpoint is the base URL of the inbox queue / send API.
	RelayEndpoint string `envconfig:"RELAY_ENDPOINT" json:"relay_endpoint"`
	// DirectoryEndpoint is the base URL of the public-key directory.
	DirectoryEndpoint string `envconfig:"DIRECTORY_ENDPOINT" json:"directory_endpoint"`

	// DatabaseDSN is the sqlite DSN of the local message store.
	DatabaseDSN string `envconfig:"DATABASE_DSN" json:"database_dsn"`
	// KeystorePath is the at-rest encrypted identity file.
	KeystorePath string `envconfig:"KEYSTORE_PATH" json:"keystore_path"`

	// Vault object store (S3-compatible).
	S3Bucket       string `envconfig:"S3_BUCKET" json:"s3_bucket"`
	S3Region       string `envconfig:"S3_REGION" json:"s3_region"`
	S3BaseEndpoint string `envconfig:"S3_BASE_ENDPOINT" json:"s3_base_endpoint"`
	S3AccessKey    string `envconfig:"S3_ACCESS_KEY" json:"s3_access_key"`
	S3SecretKey    string `envconfig:"S3_SECRET_KEY" json:"s3_secret_key"`

	// BatchSize bounds one inbox fetch round-trip.
	BatchSize int `envconfig:"BATCH_SIZE" json:"batch_size"`
	// SendTimeout caps a single direct transmit.
	SendTimeout time.Duration `envconfig:"SEND_TIMEOUT" json:"send_timeout"`
	// CompactionThreshold is the delta-file count that triggers a snapshot.
	CompactionThreshold int `envconfig:"COMPACTION_THRESHOLD" json:"compaction_threshold"`
	// HydrateConversations is how many recent conversations warm up after sync.
	HydrateConversations int `envconfig:"HYDRATE_CONVERSATIONS" json:"hydrate_conversations"`
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.RelayEndpoint = "http://127.0.0.1:8080"
	c.DirectoryEndpoint = "http://127.0.0.1:8081"
	c.DatabaseDSN = "halcyon.db"
	c.KeystorePath = "halcyon.keys"
	c.S3Region = "us-east-1"
	c.BatchSize = 50
	c.SendTimeout = 30 * time.Second
	c.CompactionThreshold = 10
	c.HydrateConversations = 5
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present), environment, and command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseEnv(cfg)
	parseFlags(cfg)
	return cfg
}
