package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TEEFLOW_"

// DecodeStrict decodes YAML and rejects unknown keys.
func DecodeStrict(r io.Reader, out any) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Load reads the YAML file at path (skipped when path is empty), applies
// TEEFLOW_* environment overrides and then defaults, and validates.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := DecodeStrict(f, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with every variable lookup resolves.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"RAW_TOPIC":             &cfg.RawTopic,
		"CONSUMER_URI":          &cfg.ConsumerURI,
		"PUBLISHER_URI":         &cfg.PublisherURI,
		"DATABASE_URI":          &cfg.DatabaseURI,
		"DECODER":               &cfg.Decoder,
		"ENCODER":               &cfg.Encoder,
		"CONSUMER_GROUP":        &cfg.ConsumerGroup,
		"AWS_ACCESS_KEY_ID":     &cfg.AWSAccessKeyID,
		"AWS_SECRET_ACCESS_KEY": &cfg.AWSSecretAccessKey,
		"STATUS_ADDRESS":        &cfg.StatusAddress,
		"LOG_LEVEL":             &cfg.Logging.Level,
		"LOG_FORMAT":            &cfg.Logging.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"POLL_INTERVAL":              &cfg.PollInterval,
		"RECONNECT_INITIAL_INTERVAL": &cfg.Reconnect.InitialInterval,
		"RECONNECT_MAX_INTERVAL":     &cfg.Reconnect.MaxInterval,
	}
	for key, dst := range durations {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
	}

	if v, ok := lookup(EnvPrefix + "RECONNECT_MULTIPLIER"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sRECONNECT_MULTIPLIER: %w", EnvPrefix, err)
		}
		cfg.Reconnect.Multiplier = f
	}
	if v, ok := lookup(EnvPrefix + "METRICS_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sMETRICS_ENABLED: %w", EnvPrefix, err)
		}
		cfg.MetricsEnabled = b
	}
	return nil
}
