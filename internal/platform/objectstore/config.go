package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/warden/internal/platform/env"
)

type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	UseSSL          bool
	BucketIndex     string
	BucketArtifacts string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("WARDEN_S3_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:        env.String("WARDEN_S3_ENDPOINT", "localhost:9000"),
		AccessKey:       env.String("WARDEN_S3_ACCESS_KEY", ""),
		SecretKey:       env.String("WARDEN_S3_SECRET_KEY", ""),
		Region:          env.String("WARDEN_S3_REGION", "us-east-1"),
		UseSSL:          useSSL,
		BucketIndex:     env.String("WARDEN_S3_BUCKET_INDEX", "package-index"),
		BucketArtifacts: env.String("WARDEN_S3_BUCKET_ARTIFACTS", "artifacts"),
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
	if strings.TrimSpace(c.BucketIndex) == "" {
		return errors.New("index bucket is required")
	}
	if strings.TrimSpace(c.BucketArtifacts) == "" {
		return errors.New("artifacts bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
