package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr             string `yaml:"addr"`
	Password         string `yaml:"-"`
	DB               int    `yaml:"db"`
	TLS              bool   `yaml:"tls"`
	RequireTLS       bool   `yaml:"require_tls"`
	TLSInsecure      bool   `yaml:"tls_insecure"`
	AllowInsecureTLS bool   `yaml:"allow_insecure_tls"`
	ServerName       string `yaml:"server_name"`
	CACertFile       string `yaml:"ca_cert_file"`
	CertFile         string `yaml:"cert_file"`
	KeyFile          string `yaml:"key_file"`
}

// NewRedis builds a client and pings it once.
func NewRedis(ctx context.Context, c RedisConfig) (*redis.Client, error) {
	addr := strings.TrimSpace(c.Addr)
	if addr == "" {
		addr = "localhost:6379"
	}
	db := c.DB
	if db < 0 {
		db = 0
	}
	tlsConfig, err := redisTLSConfig(c)
	if err != nil {
		return nil, err
	}
	if c.RequireTLS && tlsConfig == nil {
		return nil, fmt.Errorf("redis tls required but not enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  c.Password,
		DB:        db,
		TLSConfig: tlsConfig,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func redisTLSConfig(c RedisConfig) (*tls.Config, error) {
	if !c.TLS {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.TLSInsecure {
		if !c.AllowInsecureTLS {
			return nil, fmt.Errorf("redis tls_insecure requires allow_insecure_tls")
		}
		cfg.InsecureSkipVerify = true
	}
	if serverName := strings.TrimSpace(c.ServerName); serverName != "" {
		cfg.ServerName = serverName
	}
	if caFile := strings.TrimSpace(c.CACertFile); caFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(caFile))
		if err != nil {
			return nil, fmt.Errorf("read redis ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse redis ca cert: no valid certificates")
		}
		cfg.RootCAs = pool
	}
	certFile := strings.TrimSpace(c.CertFile)
	keyFile := strings.TrimSpace(c.KeyFile)
	if certFile != "" || keyFile != "" {
		if certFile == "" || keyFile == "" {
			return nil, fmt.Errorf("redis mTLS needs both cert_file and key_file")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
