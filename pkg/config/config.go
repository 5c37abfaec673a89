// Package config loads service settings. Defaults come first, then an
// optional YAML file named by CONFIG_FILE, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mediagate/pkg/logging"
	"mediagate/pkg/models"
	"mediagate/pkg/store"
)

type Config struct {
	Environment        string               `yaml:"environment"`
	StrictProdSecurity string               `yaml:"strict_prod_security"`
	Log                logging.Config       `yaml:"log"`
	HTTP               HTTPConfig           `yaml:"http"`
	Postgres           store.PostgresConfig `yaml:"postgres"`
	Redis              store.RedisConfig    `yaml:"redis"`
	KeyStore           KeyStoreConfig       `yaml:"keystore"`
	Vault              VaultConfig          `yaml:"vault"`
	Signature          SignatureConfig      `yaml:"signature"`
	Ticket             TicketConfig         `yaml:"ticket"`
	RateLimit          RateLimitConfig      `yaml:"rate_limit"`
	Trace              TraceConfig          `yaml:"trace"`
	Kafka              KafkaConfig          `yaml:"kafka"`
	Extractor          ExtractorConfig      `yaml:"extractor"`
	TailToken          string               `yaml:"-"`
}

type HTTPConfig struct {
	Addr               string        `yaml:"addr"`
	CORSAllowedOrigins string        `yaml:"cors_allowed_origins"`
	WSAllowedOrigins   string        `yaml:"ws_allowed_origins"`
	TrustedProxyCIDRs  string        `yaml:"trusted_proxy_cidrs"`
	ReadHeaderTimeout  time.Duration `yaml:"read_header_timeout"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// KeyStoreConfig selects the credential source. Provider is db, vault or static.
type KeyStoreConfig struct {
	Provider       string        `yaml:"provider"`
	StaticFile     string        `yaml:"static_file"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	EncryptionKey  string        `yaml:"-"`
	EncryptionSalt string        `yaml:"encryption_salt"`
}

type VaultConfig struct {
	Addr      string        `yaml:"addr"`
	Token     string        `yaml:"-"`
	Namespace string        `yaml:"namespace"`
	Mount     string        `yaml:"mount"`
	Prefix    string        `yaml:"prefix"`
	Timeout   time.Duration `yaml:"timeout"`
}

type SignatureConfig struct {
	MaxSkew           time.Duration `yaml:"max_skew"`
	KeyGrace          bool          `yaml:"key_grace"`
	OptionalTimestamp bool          `yaml:"optional_timestamp"`
	NonceGuard        bool          `yaml:"nonce_guard"`
	BaseStage         string        `yaml:"base_stage"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
}

type TicketConfig struct {
	Secret  string        `yaml:"-"`
	Subject string        `yaml:"subject"`
	TTL     time.Duration `yaml:"ttl"`
	BindIP  bool          `yaml:"bind_ip"`
}

type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Window  time.Duration `yaml:"window"`
}

// TraceConfig sizes the emitter and worker pool. Sinks lists postgres, kafka
// and hub in any combination.
type TraceConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	DropBelow     string        `yaml:"drop_below"`
	BlockTimeout  time.Duration `yaml:"block_timeout"`
	OverflowLimit int           `yaml:"overflow_limit"`
	Workers       int           `yaml:"workers"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	Sinks         []string      `yaml:"sinks"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// ExtractorConfig points at the media backend. An empty URL selects the
// built-in stub.
type ExtractorConfig struct {
	URL          string        `yaml:"url"`
	TokenHeader  string        `yaml:"token_header"`
	Token        string        `yaml:"-"`
	Timeout      time.Duration `yaml:"timeout"`
	Retries      int           `yaml:"retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		StrictProdSecurity: "true",
		Log:                logging.Config{Level: "info", Format: logging.FormatJSON},
		HTTP: HTTPConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Postgres: store.PostgresConfig{ConnectRetries: 30, RetryDelay: time.Second},
		Redis:    store.RedisConfig{Addr: "localhost:6379"},
		KeyStore: KeyStoreConfig{Provider: "db", CacheTTL: 30 * time.Second},
		Vault:    VaultConfig{Mount: "secret", Prefix: "mediagate/apps/", Timeout: 1500 * time.Millisecond},
		Signature: SignatureConfig{
			MaxSkew:      300 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		Ticket:    TicketConfig{Subject: "frontend_media_request", TTL: 10 * time.Minute},
		RateLimit: RateLimitConfig{Enabled: true, Window: time.Minute},
		Trace: TraceConfig{
			QueueSize:     1024,
			DropBelow:     string(models.LevelWarning),
			Workers:       2,
			BatchSize:     100,
			FlushInterval: 500 * time.Millisecond,
			WriteTimeout:  5 * time.Second,
			Sinks:         []string{"postgres", "hub"},
		},
		Kafka: KafkaConfig{Topic: "mediagate.trace"},
		Extractor: ExtractorConfig{
			TokenHeader:  "Authorization",
			Timeout:      3 * time.Second,
			Retries:      1,
			RetryDelay:   50 * time.Millisecond,
			FetchTimeout: 2 * time.Minute,
		},
	}
}

// Load builds the effective configuration and validates it.
func Load() (*Config, error) {
	cfg, err := Read()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read layers ENV_FILE, CONFIG_FILE and the environment over Default without
// validating. Tools that use a subset of the settings start here.
func Read() (*Config, error) {
	if path := strings.TrimSpace(os.Getenv("ENV_FILE")); path != "" {
		if err := LoadEnvFile(path, false); err != nil {
			return nil, fmt.Errorf("env file: %w", err)
		}
	}
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// LoadFile overlays the YAML document at path. Keys absent from the file keep
// their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config unmarshal %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields whose environment variable is set.
func (c *Config) ApplyEnv() {
	setString(&c.Environment, "ENVIRONMENT", "APP_ENV")
	setString(&c.StrictProdSecurity, "STRICT_PROD_SECURITY")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	setString(&c.Log.Output, "LOG_OUTPUT")

	setString(&c.HTTP.Addr, "ADDR")
	setString(&c.HTTP.CORSAllowedOrigins, "CORS_ALLOWED_ORIGINS")
	setString(&c.HTTP.WSAllowedOrigins, "WS_ALLOWED_ORIGINS")
	setString(&c.HTTP.TrustedProxyCIDRs, "TRUSTED_PROXY_CIDRS")
	setSeconds(&c.HTTP.ReadHeaderTimeout, "HTTP_READ_HEADER_TIMEOUT_SEC")
	setSeconds(&c.HTTP.ReadTimeout, "HTTP_READ_TIMEOUT_SEC")
	setSeconds(&c.HTTP.WriteTimeout, "HTTP_WRITE_TIMEOUT_SEC")
	setSeconds(&c.HTTP.IdleTimeout, "HTTP_IDLE_TIMEOUT_SEC")
	setSeconds(&c.HTTP.ShutdownTimeout, "SHUTDOWN_TIMEOUT_SEC")

	setString(&c.Postgres.URL, "DATABASE_URL")
	setString(&c.Postgres.User, "DATABASE_USER")
	setString(&c.Postgres.Password, "DATABASE_PASSWORD")
	setString(&c.Postgres.Host, "DATABASE_HOST")
	setInt(&c.Postgres.Port, "DATABASE_PORT")
	setString(&c.Postgres.Name, "DATABASE_NAME")
	setString(&c.Postgres.SSLMode, "DATABASE_SSLMODE")
	setBool(&c.Postgres.RequireTLS, "DATABASE_REQUIRE_TLS")
	setInt(&c.Postgres.ConnectRetries, "DB_CONNECT_RETRIES")
	setMillis(&c.Postgres.RetryDelay, "DB_CONNECT_RETRY_DELAY_MS")

	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")
	setBool(&c.Redis.TLS, "REDIS_TLS")
	setBool(&c.Redis.RequireTLS, "REDIS_REQUIRE_TLS")
	setBool(&c.Redis.TLSInsecure, "REDIS_TLS_INSECURE")
	setBool(&c.Redis.AllowInsecureTLS, "REDIS_ALLOW_INSECURE_TLS")
	setString(&c.Redis.ServerName, "REDIS_TLS_SERVER_NAME")
	setString(&c.Redis.CACertFile, "REDIS_TLS_CA_FILE")
	setString(&c.Redis.CertFile, "REDIS_TLS_CERT_FILE")
	setString(&c.Redis.KeyFile, "REDIS_TLS_KEY_FILE")

	setString(&c.KeyStore.Provider, "KEYSTORE_PROVIDER")
	setString(&c.KeyStore.StaticFile, "KEYSTORE_STATIC_FILE")
	setSeconds(&c.KeyStore.CacheTTL, "KEYSTORE_CACHE_TTL_SEC")
	setString(&c.KeyStore.EncryptionKey, "KEYSTORE_ENCRYPTION_KEY")
	setString(&c.KeyStore.EncryptionSalt, "KEYSTORE_ENCRYPTION_SALT")

	setString(&c.Vault.Addr, "VAULT_ADDR")
	setString(&c.Vault.Token, "VAULT_TOKEN")
	setString(&c.Vault.Namespace, "VAULT_NAMESPACE")
	setString(&c.Vault.Mount, "VAULT_KV_MOUNT")
	setString(&c.Vault.Prefix, "VAULT_KEY_PREFIX")
	setMillis(&c.Vault.Timeout, "VAULT_KEY_LOOKUP_TIMEOUT_MS")

	setSeconds(&c.Signature.MaxSkew, "SIGNATURE_MAX_SKEW_SEC")
	setBool(&c.Signature.KeyGrace, "KEY_GRACE_ENABLED")
	setBool(&c.Signature.OptionalTimestamp, "SIGNATURE_OPTIONAL_TIMESTAMP")
	setBool(&c.Signature.NonceGuard, "SIGNATURE_NONCE_GUARD")
	setString(&c.Signature.BaseStage, "TOLLGATE_BASE_STAGE")
	setInt64(&c.Signature.MaxBodyBytes, "MAX_REQUEST_BODY_BYTES")

	setString(&c.Ticket.Secret, "TICKET_SECRET")
	setString(&c.Ticket.Subject, "TICKET_SUBJECT")
	setSeconds(&c.Ticket.TTL, "TICKET_TTL_SEC")
	setBool(&c.Ticket.BindIP, "TICKET_BIND_IP")

	setBool(&c.RateLimit.Enabled, "RATE_LIMIT_ENABLED")
	setSeconds(&c.RateLimit.Window, "RATE_LIMIT_WINDOW_SEC")

	setInt(&c.Trace.QueueSize, "TRACE_QUEUE_SIZE")
	setString(&c.Trace.DropBelow, "TRACE_DROP_BELOW")
	setMillis(&c.Trace.BlockTimeout, "TRACE_BLOCK_TIMEOUT_MS")
	setInt(&c.Trace.OverflowLimit, "TRACE_OVERFLOW_LIMIT")
	setInt(&c.Trace.Workers, "TRACE_WORKERS")
	setInt(&c.Trace.BatchSize, "TRACE_BATCH_SIZE")
	setMillis(&c.Trace.FlushInterval, "TRACE_FLUSH_INTERVAL_MS")
	setMillis(&c.Trace.WriteTimeout, "TRACE_WRITE_TIMEOUT_MS")
	setList(&c.Trace.Sinks, "TRACE_SINKS")

	setList(&c.Kafka.Brokers, "KAFKA_BROKERS")
	setString(&c.Kafka.Topic, "KAFKA_TRACE_TOPIC")

	setString(&c.Extractor.URL, "EXTRACTOR_URL")
	setString(&c.Extractor.TokenHeader, "EXTRACTOR_AUTH_HEADER")
	setString(&c.Extractor.Token, "EXTRACTOR_AUTH_TOKEN")
	setMillis(&c.Extractor.Timeout, "EXTRACTOR_TIMEOUT_MS")
	setInt(&c.Extractor.Retries, "EXTRACTOR_RETRIES")
	setMillis(&c.Extractor.RetryDelay, "EXTRACTOR_RETRY_DELAY_MS")
	setSeconds(&c.Extractor.FetchTimeout, "EXTRACTOR_FETCH_TIMEOUT_SEC")

	setString(&c.TailToken, "TAIL_TOKEN")
}

// Validate rejects settings the gateway cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.KeyStore.Provider) {
	case "db", "static":
	case "vault":
		if strings.TrimSpace(c.Vault.Addr) == "" || strings.TrimSpace(c.Vault.Token) == "" {
			errs = append(errs, errors.New("KEYSTORE_PROVIDER=vault requires VAULT_ADDR and VAULT_TOKEN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown KEYSTORE_PROVIDER %q", c.KeyStore.Provider))
	}
	if strings.EqualFold(c.KeyStore.Provider, "static") && strings.TrimSpace(c.KeyStore.StaticFile) == "" {
		errs = append(errs, errors.New("KEYSTORE_PROVIDER=static requires KEYSTORE_STATIC_FILE"))
	}
	if c.Signature.MaxSkew <= 0 {
		errs = append(errs, errors.New("SIGNATURE_MAX_SKEW_SEC must be positive"))
	}
	if c.Signature.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if !knownLevel(c.Trace.DropBelow) {
		errs = append(errs, fmt.Errorf("unknown TRACE_DROP_BELOW level %q", c.Trace.DropBelow))
	}
	if c.Trace.QueueSize <= 0 || c.Trace.Workers <= 0 || c.Trace.BatchSize <= 0 {
		errs = append(errs, errors.New("trace queue size, workers and batch size must be positive"))
	}
	for _, sink := range c.Trace.Sinks {
		switch sink {
		case "postgres", "hub":
		case "kafka":
			if len(c.Kafka.Brokers) == 0 {
				errs = append(errs, errors.New("trace sink kafka requires KAFKA_BROKERS"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown trace sink %q", sink))
		}
	}
	return errors.Join(errs...)
}

// HasSink reports whether name is among the configured trace sinks.
func (c *Config) HasSink(name string) bool {
	for _, s := range c.Trace.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

func knownLevel(raw string) bool {
	switch models.Level(strings.ToLower(strings.TrimSpace(raw))) {
	case models.LevelDebug, models.LevelInfo, models.LevelWarning, models.LevelError, models.LevelCritical:
		return true
	}
	return false
}
