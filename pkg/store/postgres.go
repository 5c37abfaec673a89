package store

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var pgxPoolNewWithConfig = pgxpool.NewWithConfig

// PostgresConfig describes the log_trace / meta_app database. URL wins over
// the discrete fields when set.
type PostgresConfig struct {
	URL             string        `yaml:"url"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"-"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"sslmode"`
	RequireTLS      bool          `yaml:"require_tls"`
	ApplicationName string        `yaml:"application_name"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnectRetries  int           `yaml:"connect_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	PingTimeout     time.Duration `yaml:"ping_timeout"`
}

// DSN renders the connection string.
func (c PostgresConfig) DSN() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	user := strings.TrimSpace(c.User)
	if user == "" {
		user = "mediagate"
	}
	host := strings.TrimSpace(c.Host)
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port <= 0 || port > 65535 {
		port = 5432
	}
	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = "mediagate"
	}
	sslmode := strings.TrimSpace(c.SSLMode)
	if sslmode == "" {
		sslmode = "disable"
	}
	uri := &url.URL{
		Scheme: "postgres",
		Host:   host + ":" + strconv.Itoa(port),
		Path:   "/" + name,
	}
	if c.Password != "" {
		uri.User = url.UserPassword(user, c.Password)
	} else {
		uri.User = url.User(user)
	}
	q := uri.Query()
	q.Set("sslmode", sslmode)
	uri.RawQuery = q.Encode()
	return uri.String()
}

// NewPostgresPool connects and pings, retrying until ConnectRetries is spent
// or ctx ends.
func NewPostgresPool(ctx context.Context, c PostgresConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := c.DSN()
	if c.RequireTLS {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	appName := c.ApplicationName
	if appName == "" {
		appName = "mediagate"
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = appName
	cfg.MaxConns = 10
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	cfg.MinConns = 1
	if c.MinConns > 0 && c.MinConns <= cfg.MaxConns {
		cfg.MinConns = c.MinConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	retries := c.ConnectRetries
	if retries <= 0 {
		retries = 30
	}
	delay := c.RetryDelay
	if delay < 0 {
		delay = 0
	}
	pingTimeout := c.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err = pool.Ping(pingCtx)
			cancel()
			if err == nil {
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err
		logger.Warn("postgres not ready", zap.Int("attempt", attempt), zap.Int("max_attempts", retries), zap.Error(err))
		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("db connect aborted: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid database url: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("database tls required but sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("database tls required: set sslmode=require|verify-ca|verify-full")
	}
}
