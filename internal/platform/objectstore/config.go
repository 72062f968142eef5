package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/flowgate/internal/platform/env"
)

type Config struct {
	Enabled       bool
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	BucketArchive string
	KeyPrefix     string
}

func ConfigFromEnv() (Config, error) {
	enabled, err := env.Bool("ARCHIVE_ENABLED", false)
	if err != nil {
		return Config{}, err
	}
	useSSL, err := env.Bool("ARCHIVE_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Enabled:       enabled,
		Endpoint:      env.String("ARCHIVE_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:     env.String("ARCHIVE_MINIO_ACCESS_KEY", "flowgate"),
		SecretKey:     env.String("ARCHIVE_MINIO_SECRET_KEY", "flowgateminio"),
		Region:        env.String("ARCHIVE_MINIO_REGION", "us-east-1"),
		UseSSL:        useSSL,
		BucketArchive: env.String("ARCHIVE_MINIO_BUCKET", "flowgate-run-archive"),
		KeyPrefix:     env.String("ARCHIVE_KEY_PREFIX", "runs"),
	}
	if !cfg.Enabled {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketArchive) == "" {
		return errors.New("archive bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
