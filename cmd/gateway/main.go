package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mediagate/pkg/auth"
	"mediagate/pkg/config"
	"mediagate/pkg/extract"
	"mediagate/pkg/hardening"
	"mediagate/pkg/httpx"
	"mediagate/pkg/logging"
	"mediagate/pkg/metrics"
	"mediagate/pkg/models"
	"mediagate/pkg/ratelimit"
	"mediagate/pkg/store"
	"mediagate/pkg/stream"
	"mediagate/pkg/telemetry"
	"mediagate/pkg/trace"
)

const serviceName = "mediagate-gateway"

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayLoadConfigFunc func() (*config.Config, error)
type gatewayInitTelemetryFunc func(ctx context.Context, cfg telemetry.Config, logger *zap.Logger) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context, cfg store.PostgresConfig, logger *zap.Logger) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context, cfg store.RedisConfig) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	loadConfigG    = config.Load
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context, cfg store.PostgresConfig, logger *zap.Logger) (gatewayDBCloser, error) {
		pool, err := store.NewPostgresPool(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return pool, nil
	}
	openRedisFnG = store.NewRedis
	listenFnG    = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runGateway(ctx, loadConfigG, initTelemetryG, openDBFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	ctx context.Context,
	loadConfig gatewayLoadConfigFunc,
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	if listen == nil {
		return errors.New("listen function required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cfg.Log.Service = serviceName
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := hardening.ValidateProduction(hardeningOptions(cfg)); err != nil {
		return err
	}

	shutdownTelemetry, err := initTelemetry(ctx, telemetry.ConfigFromEnv(serviceName), logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	var db gatewayDBCloser
	if strings.EqualFold(cfg.KeyStore.Provider, "db") || cfg.HasSink("postgres") {
		db, err = openDB(ctx, cfg.Postgres, logger)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer db.Close()
	}

	redisClient, err := openRedis(ctx, cfg.Redis)
	if err != nil {
		logger.Warn("redis unavailable, falling back to in-memory cache and limits", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient, logger)

	m := metrics.NewRegistry()
	hub := stream.NewHub()

	var keyDB gatewayDB
	if db != nil {
		keyDB = db
	}
	keys, err := buildKeyStore(cfg, keyDB, cache, logger)
	if err != nil {
		return err
	}

	verifierOpts := []auth.VerifierOption{
		auth.WithProviders(auth.DefaultProviders()),
		auth.WithMaxSkew(cfg.Signature.MaxSkew),
		auth.WithKeyGrace(cfg.Signature.KeyGrace),
		auth.WithLogger(logger),
		auth.WithMetrics(m),
	}
	if cfg.Signature.OptionalTimestamp {
		verifierOpts = append(verifierOpts, auth.WithOptionalTimestamp())
	}
	if cfg.Signature.NonceGuard {
		verifierOpts = append(verifierOpts, auth.WithNonceGuard(auth.CacheNonceGuard{Cache: cache}))
	}
	verifier := auth.NewVerifier(keys, verifierOpts...)

	sinks, err := buildSinks(cfg, keyDB, hub, logger, m)
	if err != nil {
		return err
	}
	defer sinks.close(logger)

	emitter := trace.NewEmitter(trace.EmitterConfig{
		QueueSize:     cfg.Trace.QueueSize,
		DropBelow:     models.ParseLevel(cfg.Trace.DropBelow),
		BlockTimeout:  cfg.Trace.BlockTimeout,
		OverflowLimit: cfg.Trace.OverflowLimit,
	}, logger, m)
	pool := trace.NewPool(emitter, sinks.all, trace.PoolConfig{
		Workers:       cfg.Trace.Workers,
		BatchSize:     cfg.Trace.BatchSize,
		FlushInterval: cfg.Trace.FlushInterval,
		WriteTimeout:  cfg.Trace.WriteTimeout,
	}, logger, m)
	pool.Start()

	s := &Server{
		Logger:           logger,
		Metrics:          m,
		Verifier:         verifier,
		Emitter:          emitter,
		Events:           hub,
		Extractor:        buildExtractor(cfg.Extractor),
		FetchTimeout:     cfg.Extractor.FetchTimeout,
		Resolver:         httpx.IPResolver{TrustedProxies: httpx.ParseCIDRs(cfg.HTTP.TrustedProxyCIDRs)},
		BaseStage:        cfg.Signature.BaseStage,
		MaxBody:          cfg.Signature.MaxBodyBytes,
		CORSOrigins:      cfg.HTTP.CORSAllowedOrigins,
		WSAllowedOrigins: cfg.HTTP.WSAllowedOrigins,
		TailToken:        cfg.TailToken,
		Tickets: auth.TicketValidator{
			Secret:  []byte(cfg.Ticket.Secret),
			Subject: cfg.Ticket.Subject,
			TTL:     cfg.Ticket.TTL,
			BindIP:  cfg.Ticket.BindIP,
		},
	}
	if sinks.reader != nil {
		s.Traces = sinks.reader
	}
	if cfg.RateLimit.Enabled {
		if redisClient != nil {
			s.Limiter = ratelimit.NewRedis(redisClient, cfg.RateLimit.Window)
		} else {
			s.Limiter = ratelimit.NewInMemory(cfg.RateLimit.Window)
		}
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
	logger.Info("gateway listening",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("keystore", cfg.KeyStore.Provider),
		zap.Strings("trace_sinks", cfg.Trace.Sinks))

	errCh := make(chan error, 1)
	go func() { errCh <- listen(server) }()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		serveErr = server.Shutdown(shutdownCtx)
		cancel()
		if err := <-errCh; serveErr == nil {
			serveErr = err
		}
	}
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := s.Wait(drainCtx); err != nil {
		logger.Warn("background stages still running at shutdown", zap.Error(err))
	}
	if err := pool.Close(drainCtx); err != nil {
		logger.Warn("trace pool did not drain", zap.Error(err))
	}
	return serveErr
}

func hardeningOptions(cfg *config.Config) hardening.Options {
	return hardening.Options{
		Service:               serviceName,
		Environment:           cfg.Environment,
		StrictProdSecurity:    cfg.StrictProdSecurity,
		DatabaseRequireTLS:    strconv.FormatBool(cfg.Postgres.RequireTLS),
		RedisAddr:             cfg.Redis.Addr,
		RedisRequireTLS:       strconv.FormatBool(cfg.Redis.RequireTLS),
		RedisTLSInsecure:      strconv.FormatBool(cfg.Redis.TLSInsecure),
		RedisAllowInsecureTLS: strconv.FormatBool(cfg.Redis.AllowInsecureTLS),
		CORSAllowedOrigins:    cfg.HTTP.CORSAllowedOrigins,
		SignatureMaxSkew:      cfg.Signature.MaxSkew,
		OptionalTimestamp:     cfg.Signature.OptionalTimestamp,
		TicketBindIP:          cfg.Ticket.BindIP,
		TicketSecretSet:       cfg.Ticket.Secret != "",
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "KEYSTORE_ENCRYPTION_KEY", Value: cfg.KeyStore.EncryptionKey},
			{Name: "TAIL_TOKEN", Value: cfg.TailToken},
		},
	}
}

// buildKeyStore assembles provider -> cache -> decryption. The cache sits
// below SealedKeyStore so it only ever holds ciphertext.
func buildKeyStore(cfg *config.Config, db gatewayDB, cache store.Cache, logger *zap.Logger) (auth.KeyStore, error) {
	var base auth.KeyStore
	cacheable := true
	switch strings.ToLower(strings.TrimSpace(cfg.KeyStore.Provider)) {
	case "vault":
		vs, err := auth.NewVaultKeyStore(cfg.Vault.Addr, cfg.Vault.Token, cfg.Vault.Namespace, cfg.Vault.Mount)
		if err != nil {
			return nil, fmt.Errorf("vault keystore: %w", err)
		}
		if cfg.Vault.Prefix != "" {
			vs.Prefix = cfg.Vault.Prefix
		}
		vs.Timeout = cfg.Vault.Timeout
		base = vs
	case "static":
		creds, err := loadStaticCredentials(cfg.KeyStore.StaticFile)
		if err != nil {
			return nil, fmt.Errorf("static keystore: %w", err)
		}
		base = auth.NewStaticKeyStore(creds...)
		cacheable = false
	default:
		if db == nil {
			return nil, errors.New("db keystore requires a database connection")
		}
		base = &auth.PostgresKeyStore{DB: db}
	}

	keys := base
	if cacheable && cfg.KeyStore.CacheTTL > 0 && cache != nil {
		keys = &auth.CachedKeyStore{Inner: base, Cache: cache, TTL: cfg.KeyStore.CacheTTL, Logger: logger}
	}
	if strings.TrimSpace(cfg.KeyStore.EncryptionKey) != "" {
		box, err := auth.NewSecretBox(cfg.KeyStore.EncryptionKey, cfg.KeyStore.EncryptionSalt)
		if err != nil {
			return nil, fmt.Errorf("keystore encryption: %w", err)
		}
		keys = &auth.SealedKeyStore{Inner: keys, Box: box}
	}
	return keys, nil
}

// loadStaticCredentials reads a JSON array of credentials, as stored in meta_app.
func loadStaticCredentials(path string) ([]models.AppCredential, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var creds []models.AppCredential
	if err := json.NewDecoder(f).Decode(&creds); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("%s: no credentials", path)
	}
	return creds, nil
}

type traceSinks struct {
	all     trace.MultiSink
	reader  *trace.PostgresSink
	closers []io.Closer
}

func (t traceSinks) close(logger *zap.Logger) {
	for _, c := range t.closers {
		if err := c.Close(); err != nil {
			logger.Warn("trace sink close failed", zap.Error(err))
		}
	}
}

func buildSinks(cfg *config.Config, db gatewayDB, hub *stream.Hub, logger *zap.Logger, m *metrics.Registry) (traceSinks, error) {
	var out traceSinks
	for _, name := range cfg.Trace.Sinks {
		switch name {
		case "postgres":
			if db == nil {
				return out, errors.New("trace sink postgres requires a database connection")
			}
			out.reader = trace.NewPostgresSink(db, logger, m)
			out.all = append(out.all, out.reader)
		case "kafka":
			k, err := trace.NewKafkaSink(trace.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
			if err != nil {
				return out, fmt.Errorf("trace sink kafka: %w", err)
			}
			out.all = append(out.all, k)
			out.closers = append(out.closers, k)
		case "hub":
			out.all = append(out.all, trace.HubSink{Hub: hub})
		default:
			return out, fmt.Errorf("unknown trace sink %q", name)
		}
	}
	return out, nil
}

func buildExtractor(cfg config.ExtractorConfig) extract.Extractor {
	if strings.TrimSpace(cfg.URL) == "" {
		return extract.Stub{}
	}
	var headers map[string]string
	if cfg.TokenHeader != "" && cfg.Token != "" {
		value := cfg.Token
		if strings.EqualFold(cfg.TokenHeader, "Authorization") && !strings.HasPrefix(value, "Bearer ") {
			value = "Bearer " + value
		}
		headers = map[string]string{cfg.TokenHeader: value}
	}
	return extract.HTTP{
		Client:     telemetry.InstrumentClient(&http.Client{Timeout: cfg.Timeout}),
		Endpoint:   cfg.URL,
		Headers:    headers,
		Retries:    cfg.Retries,
		RetryDelay: cfg.RetryDelay,
	}
}
