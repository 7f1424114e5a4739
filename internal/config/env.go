package config

import "github.com/kelseyhightower/envconfig"

// parseEnv overlays cfg with HALCYON_-prefixed environment variables,
// e.g. HALCYON_RELAY_ENDPOINT, HALCYON_S3_BUCKET.
func parseEnv(cfg *Config) {
	// envconfig only writes fields whose variables are set, so defaults and
	// JSON values survive.
	if err := envconfig.Process("halcyon", cfg); err != nil {
		panic(err)
	}
}
