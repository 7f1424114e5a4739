package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/halcyon-im/halcyon/internal/flagx"
)

// jsonDuration lets JSON specify intervals either as strings like "30s"
// or as integer nanoseconds.
type jsonDuration struct {
	time.Duration
}

func (d *jsonDuration) UnmarshalJSON(b []byte) error {
	var asString string
	if err := json.Unmarshal(b, &asString); err == nil {
		parsed, err := time.ParseDuration(asString)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	}
	var asInt int64
	if err := json.Unmarshal(b, &asInt); err != nil {
		return err
	}
	d.Duration = time.Duration(asInt)
	return nil
}

// jsonConfig is a DTO used exclusively for JSON unmarshalling. Pointer
// fields distinguish "absent" from "zero" so a sparse file only overrides
// what it names.
type jsonConfig struct {
	RelayEndpoint        *string       `json:"relay_endpoint"`
	DirectoryEndpoint    *string       `json:"directory_endpoint"`
	DatabaseDSN          *string       `json:"database_dsn"`
	KeystorePath         *string       `json:"keystore_path"`
	S3Bucket             *string       `json:"s3_bucket"`
	S3Region             *string       `json:"s3_region"`
	S3BaseEndpoint       *string       `json:"s3_base_endpoint"`
	S3AccessKey          *string       `json:"s3_access_key"`
	S3SecretKey          *string       `json:"s3_secret_key"`
	BatchSize            *int          `json:"batch_size"`
	SendTimeout          *jsonDuration `json:"send_timeout"`
	CompactionThreshold  *int          `json:"compaction_threshold"`
	HydrateConversations *int          `json:"hydrate_conversations"`
}

// parseJson overlays cfg with values from the JSON file named by -c/-config.
// Missing file path means no JSON source; read or unmarshal errors panic,
// matching flag-parse behavior.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc jsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}

	setString(&cfg.RelayEndpoint, jc.RelayEndpoint)
	setString(&cfg.DirectoryEndpoint, jc.DirectoryEndpoint)
	setString(&cfg.DatabaseDSN, jc.DatabaseDSN)
	setString(&cfg.KeystorePath, jc.KeystorePath)
	setString(&cfg.S3Bucket, jc.S3Bucket)
	setString(&cfg.S3Region, jc.S3Region)
	setString(&cfg.S3BaseEndpoint, jc.S3BaseEndpoint)
	setString(&cfg.S3AccessKey, jc.S3AccessKey)
	setString(&cfg.S3SecretKey, jc.S3SecretKey)
	setInt(&cfg.BatchSize, jc.BatchSize)
	setInt(&cfg.CompactionThreshold, jc.CompactionThreshold)
	setInt(&cfg.HydrateConversations, jc.HydrateConversations)
	if jc.SendTimeout != nil {
		cfg.SendTimeout = jc.SendTimeout.Duration
	}
}
