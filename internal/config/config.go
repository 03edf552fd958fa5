package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr string           `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel   string           `yaml:"log_level" env:"LOG_LEVEL"`
	Storage    StorageConfig    `yaml:"storage"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Objects    ObjectsConfig    `yaml:"objects"`
	Cache      CacheConfig      `yaml:"cache"`
	Audit      AuditConfig      `yaml:"audit"`
	Logging    LoggingConfig    `yaml:"logging"`
	Server     ServerConfig     `yaml:"server"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// StorageConfig selects and configures the record backend.
type StorageConfig struct {
	Backend string          `yaml:"backend" env:"STORAGE_BACKEND"` // memory, bolt, s3
	Bolt    BoltConfig      `yaml:"bolt"`
	S3      S3BackendConfig `yaml:"s3"`
}

// BoltConfig holds the bbolt backend settings.
type BoltConfig struct {
	Path string `yaml:"path" env:"BOLT_PATH"`
}

// S3BackendConfig holds the settings of the S3 bucket all records are persisted in.
type S3BackendConfig struct {
	Endpoint     string `yaml:"endpoint" env:"S3_ENDPOINT"`
	Region       string `yaml:"region" env:"S3_REGION"`
	AccessKey    string `yaml:"access_key" env:"S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"S3_SECRET_KEY"`
	Bucket       string `yaml:"bucket" env:"S3_BUCKET"`
	Prefix       string `yaml:"prefix" env:"S3_PREFIX"`
	UsePathStyle bool   `yaml:"use_path_style" env:"S3_USE_PATH_STYLE"`
}

// EncryptionConfig holds the server keyring and key service configuration.
type EncryptionConfig struct {
	MasterPassword string           `yaml:"master_password" env:"ENCRYPTION_MASTER_PASSWORD"`
	MasterKeyFile  string           `yaml:"master_key_file" env:"ENCRYPTION_MASTER_KEY_FILE"`
	MasterKeySalt  string           `yaml:"master_key_salt" env:"ENCRYPTION_MASTER_KEY_SALT"`
	KeyService     KeyServiceConfig `yaml:"key_service"`
}

// KeyServiceConfig configures the external key service used for externally-managed objects.
type KeyServiceConfig struct {
	Provider     string                 `yaml:"provider" env:"KEY_SERVICE_PROVIDER"` // memory, vault, aws
	Timeout      time.Duration          `yaml:"timeout" env:"KEY_SERVICE_TIMEOUT"`
	DefaultKeyID string                 `yaml:"default_key_id" env:"KEY_SERVICE_DEFAULT_KEY_ID"`
	Memory       MemoryKeyServiceConfig `yaml:"memory"`
	Vault        VaultKeyServiceConfig  `yaml:"vault"`
	AWS          AWSKeyServiceConfig    `yaml:"aws"`
}

// MemoryKeyServiceConfig lists the in-process key-encryption keys.
type MemoryKeyServiceConfig struct {
	Keys []MemoryKeyConfig `yaml:"keys"`
}

// MemoryKeyConfig is one in-process key. Material is base64 of 32 bytes;
// when empty a random key is generated at start.
type MemoryKeyConfig struct {
	ID       string `yaml:"id"`
	Material string `yaml:"material"`
}

// VaultKeyServiceConfig holds the HashiCorp Vault Transit settings.
type VaultKeyServiceConfig struct {
	Address     string `yaml:"address" env:"KEY_SERVICE_VAULT_ADDRESS"`
	Token       string `yaml:"token" env:"KEY_SERVICE_VAULT_TOKEN"`
	Namespace   string `yaml:"namespace" env:"KEY_SERVICE_VAULT_NAMESPACE"`
	MountPath   string `yaml:"mount_path" env:"KEY_SERVICE_VAULT_MOUNT_PATH"`
	TLSCACert   string `yaml:"tls_ca_cert" env:"KEY_SERVICE_VAULT_TLS_CA_CERT"`
	TLSInsecure bool   `yaml:"tls_insecure" env:"KEY_SERVICE_VAULT_TLS_INSECURE"`
}

// AWSKeyServiceConfig holds the AWS KMS settings.
type AWSKeyServiceConfig struct {
	Region          string `yaml:"region" env:"KEY_SERVICE_AWS_REGION"`
	Endpoint        string `yaml:"endpoint" env:"KEY_SERVICE_AWS_ENDPOINT"`
	AccessKeyID     string `yaml:"access_key_id" env:"KEY_SERVICE_AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"KEY_SERVICE_AWS_SECRET_ACCESS_KEY"`
}

// ObjectsConfig holds object store limits.
type ObjectsConfig struct {
	MaxObjectSize     int64 `yaml:"max_object_size" env:"OBJECTS_MAX_SIZE"`
	DeleteConcurrency int   `yaml:"delete_concurrency" env:"OBJECTS_DELETE_CONCURRENCY"`
}

// LoggingConfig holds access log settings.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"LOGGING_ACCESS_LOG_FORMAT"` // default, json, clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOGGING_REDACT_HEADERS"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// CacheConfig holds record cache configuration.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" env:"CACHE_ENABLED"`
	MaxSize    int64         `yaml:"max_size" env:"CACHE_MAX_SIZE"`       // Max size in bytes
	MaxItems   int           `yaml:"max_items" env:"CACHE_MAX_ITEMS"`     // Max number of items
	DefaultTTL time.Duration `yaml:"default_ttl" env:"CACHE_DEFAULT_TTL"` // Default TTL
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout, otlp
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
}

// Default returns the configuration used before the file and environment are applied.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Storage: StorageConfig{
			Backend: "memory",
			Bolt:    BoltConfig{Path: "data/objects.db"},
			S3: S3BackendConfig{
				Region: "us-east-1",
				Prefix: "sse-object-store/",
			},
		},
		Encryption: EncryptionConfig{
			KeyService: KeyServiceConfig{
				Provider: "memory",
				Timeout:  5 * time.Second,
				Vault:    VaultKeyServiceConfig{MountPath: "transit"},
			},
		},
		Objects: ObjectsConfig{
			MaxObjectSize:     5 * 1024 * 1024 * 1024, // 5GiB, the single PUT limit of S3
			DeleteConcurrency: 8,
		},
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders: []string{
				"authorization",
				"x-amz-security-token",
				"x-amz-server-side-encryption-customer-key",
				"x-amz-server-side-encryption-customer-key-md5",
			},
		},
		Server: ServerConfig{
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1MB
			ShutdownTimeout:   30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  60 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:    false,
			MaxSize:    100 * 1024 * 1024, // 100MB default
			MaxItems:   1000,
			DefaultTTL: 5 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:   false,
			MaxEvents: 10000,
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "sse-object-store",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
	}
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func envBool(v string) bool {
	return v == "true" || v == "1"
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		config.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}

	// Storage
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		config.Storage.Backend = v
	}
	if v := os.Getenv("BOLT_PATH"); v != "" {
		config.Storage.Bolt.Path = v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		config.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("S3_REGION"); v != "" {
		config.Storage.S3.Region = v
	}
	if v := os.Getenv("S3_ACCESS_KEY"); v != "" {
		config.Storage.S3.AccessKey = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" {
		config.Storage.S3.SecretKey = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		config.Storage.S3.Bucket = v
	}
	if v := os.Getenv("S3_PREFIX"); v != "" {
		config.Storage.S3.Prefix = v
	}
	if v := os.Getenv("S3_USE_PATH_STYLE"); v != "" {
		config.Storage.S3.UsePathStyle = envBool(v)
	}

	// Encryption
	if v := os.Getenv("ENCRYPTION_MASTER_PASSWORD"); v != "" {
		config.Encryption.MasterPassword = v
	}
	if v := os.Getenv("ENCRYPTION_MASTER_KEY_FILE"); v != "" {
		config.Encryption.MasterKeyFile = v
	}
	if v := os.Getenv("ENCRYPTION_MASTER_KEY_SALT"); v != "" {
		config.Encryption.MasterKeySalt = v
	}
	ks := &config.Encryption.KeyService
	if v := os.Getenv("KEY_SERVICE_PROVIDER"); v != "" {
		ks.Provider = v
	}
	if v := os.Getenv("KEY_SERVICE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			ks.Timeout = d
		}
	}
	if v := os.Getenv("KEY_SERVICE_DEFAULT_KEY_ID"); v != "" {
		ks.DefaultKeyID = v
	}
	if v := os.Getenv("KEY_SERVICE_MEMORY_KEYS"); v != "" {
		// Comma-separated list of key ids with random material
		ks.Memory.Keys = nil
		for _, id := range splitList(v) {
			ks.Memory.Keys = append(ks.Memory.Keys, MemoryKeyConfig{ID: id})
		}
	}
	if v := os.Getenv("KEY_SERVICE_VAULT_ADDRESS"); v != "" {
		ks.Vault.Address = v
	}
	if v := os.Getenv("KEY_SERVICE_VAULT_TOKEN"); v != "" {
		ks.Vault.Token = v
	}
	if v := os.Getenv("KEY_SERVICE_VAULT_NAMESPACE"); v != "" {
		ks.Vault.Namespace = v
	}
	if v := os.Getenv("KEY_SERVICE_VAULT_MOUNT_PATH"); v != "" {
		ks.Vault.MountPath = v
	}
	if v := os.Getenv("KEY_SERVICE_VAULT_TLS_CA_CERT"); v != "" {
		ks.Vault.TLSCACert = v
	}
	if v := os.Getenv("KEY_SERVICE_VAULT_TLS_INSECURE"); v != "" {
		ks.Vault.TLSInsecure = envBool(v)
	}
	if v := os.Getenv("KEY_SERVICE_AWS_REGION"); v != "" {
		ks.AWS.Region = v
	}
	if v := os.Getenv("KEY_SERVICE_AWS_ENDPOINT"); v != "" {
		ks.AWS.Endpoint = v
	}
	if v := os.Getenv("KEY_SERVICE_AWS_ACCESS_KEY_ID"); v != "" {
		ks.AWS.AccessKeyID = v
	}
	if v := os.Getenv("KEY_SERVICE_AWS_SECRET_ACCESS_KEY"); v != "" {
		ks.AWS.SecretAccessKey = v
	}

	// Objects
	if v := os.Getenv("OBJECTS_MAX_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			config.Objects.MaxObjectSize = n
		}
	}
	if v := os.Getenv("OBJECTS_DELETE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Objects.DeleteConcurrency = n
		}
	}

	// Logging
	if v := os.Getenv("LOGGING_ACCESS_LOG_FORMAT"); v != "" {
		config.Logging.AccessLogFormat = v
	}
	if v := os.Getenv("LOGGING_REDACT_HEADERS"); v != "" {
		config.Logging.RedactHeaders = splitList(v)
	}

	// Server timeouts from environment
	if v := os.Getenv("SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.WriteTimeout = d
		}
	}
	if v := os.Getenv("SERVER_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.IdleTimeout = d
		}
	}
	if v := os.Getenv("SERVER_READ_HEADER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ReadHeaderTimeout = d
		}
	}
	if v := os.Getenv("SERVER_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("SERVER_MAX_HEADER_BYTES"); v != "" {
		var maxBytes int
		if _, err := fmt.Sscanf(v, "%d", &maxBytes); err == nil && maxBytes > 0 {
			config.Server.MaxHeaderBytes = maxBytes
		}
	}

	// Rate limiting
	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		config.RateLimit.Enabled = envBool(v)
	}
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		var limit int
		if _, err := fmt.Sscanf(v, "%d", &limit); err == nil && limit > 0 {
			config.RateLimit.Limit = limit
		}
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.RateLimit.Window = d
		}
	}

	// Cache configuration
	if v := os.Getenv("CACHE_ENABLED"); v != "" {
		config.Cache.Enabled = envBool(v)
	}
	if v := os.Getenv("CACHE_MAX_SIZE"); v != "" {
		var maxSize int64
		if _, err := fmt.Sscanf(v, "%d", &maxSize); err == nil && maxSize > 0 {
			config.Cache.MaxSize = maxSize
		}
	}
	if v := os.Getenv("CACHE_MAX_ITEMS"); v != "" {
		var maxItems int
		if _, err := fmt.Sscanf(v, "%d", &maxItems); err == nil && maxItems > 0 {
			config.Cache.MaxItems = maxItems
		}
	}
	if v := os.Getenv("CACHE_DEFAULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Cache.DefaultTTL = d
		}
	}

	// Audit configuration
	if v := os.Getenv("AUDIT_ENABLED"); v != "" {
		config.Audit.Enabled = envBool(v)
	}
	if v := os.Getenv("AUDIT_MAX_EVENTS"); v != "" {
		var maxEvents int
		if _, err := fmt.Sscanf(v, "%d", &maxEvents); err == nil && maxEvents > 0 {
			config.Audit.MaxEvents = maxEvents
		}
	}

	// Tracing configuration
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		config.Tracing.Enabled = envBool(v)
	}
	if v := os.Getenv("TRACING_SERVICE_NAME"); v != "" {
		config.Tracing.ServiceName = v
	}
	if v := os.Getenv("TRACING_SERVICE_VERSION"); v != "" {
		config.Tracing.ServiceVersion = v
	}
	if v := os.Getenv("TRACING_EXPORTER"); v != "" {
		config.Tracing.Exporter = v
	}
	if v := os.Getenv("TRACING_OTLP_ENDPOINT"); v != "" {
		config.Tracing.OtlpEndpoint = v
	}
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	if v := os.Getenv("TRACING_REDACT_SENSITIVE"); v != "" {
		config.Tracing.RedactSensitive = envBool(v)
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	switch c.Storage.Backend {
	case "memory":
	case "bolt":
		if c.Storage.Bolt.Path == "" {
			return fmt.Errorf("storage.bolt.path is required when backend is bolt")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when backend is s3")
		}
		if c.Storage.S3.AccessKey == "" || c.Storage.S3.SecretKey == "" {
			return fmt.Errorf("storage.s3.access_key and storage.s3.secret_key are required when backend is s3")
		}
	default:
		return fmt.Errorf("invalid storage.backend: %s (must be memory, bolt, or s3)", c.Storage.Backend)
	}

	// A durable backend outlives the process, so the server keyring must too.
	if c.Storage.Backend != "memory" && c.Encryption.MasterPassword == "" && c.Encryption.MasterKeyFile == "" {
		return fmt.Errorf("either encryption.master_password or encryption.master_key_file is required with a durable storage backend")
	}

	ks := c.Encryption.KeyService
	switch ks.Provider {
	case "memory":
	case "vault":
		if ks.Vault.Address == "" {
			return fmt.Errorf("encryption.key_service.vault.address is required when provider is vault")
		}
	case "aws":
		if ks.AWS.Region == "" {
			return fmt.Errorf("encryption.key_service.aws.region is required when provider is aws")
		}
	default:
		return fmt.Errorf("invalid encryption.key_service.provider: %s (must be memory, vault, or aws)", ks.Provider)
	}
	if ks.Timeout <= 0 {
		return fmt.Errorf("encryption.key_service.timeout must be positive")
	}
	for i, k := range ks.Memory.Keys {
		if k.ID == "" {
			return fmt.Errorf("encryption.key_service.memory.keys[%d].id is required", i)
		}
	}

	if c.Objects.MaxObjectSize <= 0 {
		return fmt.Errorf("objects.max_object_size must be positive")
	}
	if c.Objects.DeleteConcurrency <= 0 {
		return fmt.Errorf("objects.delete_concurrency must be positive")
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}
