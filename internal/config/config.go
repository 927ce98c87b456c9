package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"

	"github.com/service-tip-git/attachments/internal/circuit"
	"github.com/service-tip-git/attachments/internal/metrics"
	"github.com/service-tip-git/attachments/internal/provisioner"
	"github.com/service-tip-git/attachments/internal/servicemanager"
	"github.com/service-tip-git/attachments/pkg/errors"
	"github.com/service-tip-git/attachments/pkg/retry"
	"github.com/service-tip-git/attachments/pkg/types"
	"github.com/service-tip-git/attachments/pkg/utils"
)

// Object store kinds.
const (
	KindSingle   = "single"
	KindShared   = "shared"
	KindSeparate = "separate"
)

// Metadata drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// MinPartSize is the smallest multipart part size the object store accepts.
const MinPartSize = 5 * humanize.MiByte

// Configuration represents the complete application configuration
type Configuration struct {
	Global         GlobalConfig         `yaml:"global"`
	Multitenancy   bool                 `yaml:"multitenancy"`
	ObjectStore    ObjectStoreConfig    `yaml:"object_store"`
	ServiceManager ServiceManagerConfig `yaml:"service_manager"`
	Metadata       MetadataConfig       `yaml:"metadata"`
	Attachments    AttachmentsConfig    `yaml:"attachments"`
	Scanner        ScannerConfig        `yaml:"scanner"`
	Network        NetworkConfig        `yaml:"network"`
	Monitoring     MonitoringConfig     `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	Log             utils.LogConfig `yaml:",inline"`
	ListenAddress   string          `yaml:"listen_address"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
}

// ObjectStoreConfig selects how tenants map to buckets and how the S3 client behaves.
type ObjectStoreConfig struct {
	// Kind is single, shared or separate.
	Kind string `yaml:"kind"`

	// Credentials are the static bucket credentials used by single and shared mode.
	Credentials    types.ObjectStoreCredentials `yaml:",inline"`
	ForcePathStyle bool                         `yaml:"force_path_style"`

	PartSize     string `yaml:"part_size"`
	Concurrency  int    `yaml:"concurrency"`
	ListPageSize int32  `yaml:"list_page_size"`
	MaxRetries   int    `yaml:"max_retries"`
}

// PartSizeBytes parses PartSize ("8MiB", "16MB", ...).
func (o ObjectStoreConfig) PartSizeBytes() (int64, error) {
	n, err := humanize.ParseBytes(o.PartSize)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeInvalidConfig, "invalid object_store.part_size", err).
			WithDetail("part_size", o.PartSize)
	}
	return int64(n), nil
}

// ServiceManagerConfig holds the broker credentials and the provisioning settings used in
// separate mode.
type ServiceManagerConfig struct {
	Credentials    servicemanager.Credentials `yaml:",inline"`
	Provisioning   provisioner.Config         `yaml:",inline"`
	Poll           servicemanager.PollConfig  `yaml:",inline"`
	RequestTimeout time.Duration              `yaml:"request_timeout"`
}

// MetadataConfig selects the metadata store.
type MetadataConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// AttachmentsConfig lists the attachment entities served, e.g. "Books.attachments".
type AttachmentsConfig struct {
	Entities []string `yaml:"entities"`
}

// ScannerConfig configures the malware-scan trigger.
type ScannerConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// NetworkConfig represents network configuration
type NetworkConfig struct {
	Retry          retry.Config   `yaml:"retry"`
	CircuitBreaker circuit.Config `yaml:"circuit_breaker"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics metrics.Config `yaml:"metrics"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			Log: utils.LogConfig{
				Level:      "INFO",
				Format:     "json",
				MaxSizeMB:  100,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
			ListenAddress:   ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		ObjectStore: ObjectStoreConfig{
			Kind:         KindSingle,
			PartSize:     "8MiB",
			Concurrency:  4,
			ListPageSize: 1000,
			MaxRetries:   3,
		},
		ServiceManager: ServiceManagerConfig{
			Provisioning: provisioner.Config{
				Offering: provisioner.DefaultOffering,
				Plans:    append([]string(nil), provisioner.DefaultPlans...),
			},
			Poll: servicemanager.PollConfig{
				Interval: servicemanager.DefaultPollInterval,
				Timeout:  servicemanager.DefaultPollTimeout,
			},
			RequestTimeout: 30 * time.Second,
		},
		Metadata: MetadataConfig{
			Driver: DriverSQLite,
			DSN:    "attachments.db",
		},
		Attachments: AttachmentsConfig{
			Entities: []string{"Attachments"},
		},
		Scanner: ScannerConfig{
			Timeout: 10 * time.Second,
		},
		Network: NetworkConfig{
			Retry:          retry.DefaultConfig(),
			CircuitBreaker: circuit.DefaultConfig(),
		},
		Monitoring: MonitoringConfig{
			Metrics: *metrics.DefaultConfig(),
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from ATTACHMENTS_* environment variables. Values that
// do not parse are ignored.
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	setString(&c.Global.Log.Level, "ATTACHMENTS_LOG_LEVEL")
	setString(&c.Global.Log.Format, "ATTACHMENTS_LOG_FORMAT")
	setString(&c.Global.Log.File, "ATTACHMENTS_LOG_FILE")
	setString(&c.Global.ListenAddress, "ATTACHMENTS_LISTEN_ADDRESS")
	setBool(&c.Multitenancy, "ATTACHMENTS_MULTITENANCY")

	// Object store
	store := &c.ObjectStore
	setString(&store.Kind, "ATTACHMENTS_OBJECT_STORE_KIND")
	setString(&store.Credentials.Region, "ATTACHMENTS_OBJECT_STORE_REGION")
	setString(&store.Credentials.Bucket, "ATTACHMENTS_OBJECT_STORE_BUCKET")
	setString(&store.Credentials.AccessKeyID, "ATTACHMENTS_OBJECT_STORE_ACCESS_KEY_ID")
	setString(&store.Credentials.SecretAccessKey, "ATTACHMENTS_OBJECT_STORE_SECRET_ACCESS_KEY")
	setString(&store.Credentials.Endpoint, "ATTACHMENTS_OBJECT_STORE_ENDPOINT")
	setBool(&store.ForcePathStyle, "ATTACHMENTS_OBJECT_STORE_FORCE_PATH_STYLE")
	setString(&store.PartSize, "ATTACHMENTS_OBJECT_STORE_PART_SIZE")
	setInt(&store.Concurrency, "ATTACHMENTS_OBJECT_STORE_CONCURRENCY")

	// Service manager
	sm := &c.ServiceManager
	setString(&sm.Credentials.SMURL, "ATTACHMENTS_SM_URL")
	setString(&sm.Credentials.URL, "ATTACHMENTS_SM_TOKEN_URL")
	setString(&sm.Credentials.ClientID, "ATTACHMENTS_SM_CLIENT_ID")
	setString(&sm.Credentials.ClientSecret, "ATTACHMENTS_SM_CLIENT_SECRET")
	setString(&sm.Credentials.CertURL, "ATTACHMENTS_SM_CERT_URL")
	if val := getenv("ATTACHMENTS_SM_PLANS"); val != "" {
		sm.Provisioning.Plans = splitList(val)
	}
	setDuration(&sm.Poll.Interval, "ATTACHMENTS_SM_POLL_INTERVAL")
	setDuration(&sm.Poll.Timeout, "ATTACHMENTS_SM_POLL_TIMEOUT")

	// Metadata and attachments
	setString(&c.Metadata.Driver, "ATTACHMENTS_METADATA_DRIVER")
	setString(&c.Metadata.DSN, "ATTACHMENTS_METADATA_DSN")
	if val := getenv("ATTACHMENTS_ENTITIES"); val != "" {
		c.Attachments.Entities = splitList(val)
	}

	// Scanner
	setBool(&c.Scanner.Enabled, "ATTACHMENTS_SCANNER_ENABLED")
	setString(&c.Scanner.URL, "ATTACHMENTS_SCANNER_URL")

	setBool(&c.Monitoring.Metrics.Enabled, "ATTACHMENTS_METRICS_ENABLED")

	return nil
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func setString(dst *string, key string) {
	if val := getenv(key); val != "" {
		*dst = val
	}
}

func setBool(dst *bool, key string) {
	if val := getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if val := getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if val := getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func invalid(field, format string, args ...interface{}) error {
	return errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf(format, args...)).
		WithComponent("config").
		WithTarget(field)
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.Log.Level); err != nil {
		return invalid("global.log_level", "invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", c.Global.Log.Level)
	}
	if c.Global.ListenAddress == "" {
		return invalid("global.listen_address", "listen_address must not be empty")
	}

	if err := c.validateObjectStore(); err != nil {
		return err
	}

	switch c.Metadata.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Metadata.DSN == "" {
			return invalid("metadata.dsn", "metadata.dsn is required for the sqlite driver")
		}
	default:
		return invalid("metadata.driver", "invalid metadata.driver: %s (must be one of: %s, %s)", c.Metadata.Driver, DriverSQLite, DriverMemory)
	}

	if len(c.Attachments.Entities) == 0 {
		return invalid("attachments.entities", "at least one attachment entity must be configured")
	}

	if c.Scanner.Enabled && c.Scanner.URL == "" {
		return invalid("scanner.url", "scanner.url is required when the scanner is enabled")
	}

	return nil
}

func (c *Configuration) validateObjectStore() error {
	o := c.ObjectStore

	partSize, err := o.PartSizeBytes()
	if err != nil {
		return err
	}
	if partSize < MinPartSize {
		return invalid("object_store.part_size", "part_size must be at least %s", humanize.IBytes(MinPartSize))
	}
	if o.Concurrency <= 0 {
		return invalid("object_store.concurrency", "concurrency must be greater than 0")
	}

	switch o.Kind {
	case KindSingle, KindShared:
		if !o.Credentials.Complete() {
			return errors.NewError(errors.ErrCodeCredentialsMissing,
				fmt.Sprintf("object store credentials are required for %s mode", o.Kind)).
				WithComponent("config").
				WithTarget("object_store")
		}
	case KindSeparate:
		if !c.Multitenancy {
			return invalid("object_store.kind", "kind %s requires multitenancy", KindSeparate)
		}
		if err := c.ServiceManager.Credentials.Validate(); err != nil {
			return err
		}
		if c.ServiceManager.Poll.Interval < 0 || c.ServiceManager.Poll.Timeout < 0 {
			return invalid("service_manager.poll_interval", "poll settings must not be negative")
		}
	default:
		return invalid("object_store.kind", "invalid object_store.kind: %s (must be one of: %s)", o.Kind,
			strings.Join([]string{KindSingle, KindShared, KindSeparate}, ", "))
	}
	return nil
}
