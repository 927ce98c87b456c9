package s3

import (
	"time"

	"github.com/service-tip-git/attachments/pkg/types"
)

// Default transfer settings.
const (
	DefaultPartSize     = 8 * 1024 * 1024
	DefaultConcurrency  = 4
	DefaultListPageSize = 1000

	// MaxDeleteBatch is the most keys one DeleteObjects request may carry.
	MaxDeleteBatch = 1000
)

// Config represents S3 client configuration
type Config struct {
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Endpoint        string `yaml:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Multipart settings
	PartSize    int64 `yaml:"part_size"`
	Concurrency int   `yaml:"concurrency"`

	ListPageSize int32 `yaml:"list_page_size"`

	// SkipHealthCheck skips the HeadBucket check in New.
	SkipHealthCheck bool `yaml:"skip_health_check"`
}

// NewDefaultConfig returns a default S3 configuration
func NewDefaultConfig() *Config {
	return &Config{
		Region:       "us-east-1",
		MaxRetries:   3,
		PartSize:     DefaultPartSize,
		Concurrency:  DefaultConcurrency,
		ListPageSize: DefaultListPageSize,
	}
}

// WithCredentials returns a copy of c addressing the bucket described by creds. A
// non-empty endpoint in creds overrides the configured one.
func (c Config) WithCredentials(creds types.ObjectStoreCredentials) Config {
	c.Region = creds.Region
	c.Bucket = creds.Bucket
	c.AccessKeyID = creds.AccessKeyID
	c.SecretAccessKey = creds.SecretAccessKey
	if creds.Endpoint != "" {
		c.Endpoint = creds.Endpoint
	}
	return c
}

func (c *Config) applyDefaults() {
	if c.PartSize <= 0 {
		c.PartSize = DefaultPartSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.ListPageSize <= 0 || c.ListPageSize > DefaultListPageSize {
		c.ListPageSize = DefaultListPageSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
}
