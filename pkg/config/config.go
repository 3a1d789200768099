// Package config reads server settings from the environment. A .env file in
// the working directory is loaded first when present.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMemory = "memory"
	StoreScylla = "scylla"

	BrokerLocal = "local"
	BrokerKafka = "kafka"
	BrokerRedis = "redis"
)

type Config struct {
	HTTPAddr  string
	JWTSecret string
	TokenTTL  time.Duration

	Store          string
	ScyllaHosts    []string
	ScyllaKeyspace string

	Broker       string
	KafkaBrokers []string
	KafkaTopic   string
	// RedisAddr enables presence tracking and the redis broker. Empty means
	// no redis.
	RedisAddr    string
	RedisChannel string

	LogLevel       slog.Level
	LogFile        string
	AllowedOrigins []string
	NodeID         int64
}

// Load reads the configuration. Missing variables fall back to defaults that
// run everything in one process without external services.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		HTTPAddr:       getenv("HTTP_ADDR", ":8080"),
		JWTSecret:      getenv("JWT_SECRET", "dev-secret-change-me"),
		Store:          strings.ToLower(getenv("STORE", StoreMemory)),
		ScyllaHosts:    split(getenv("SCYLLA_HOSTS", "localhost:9042")),
		ScyllaKeyspace: getenv("SCYLLA_KEYSPACE", "support"),
		Broker:         strings.ToLower(getenv("BROKER", BrokerLocal)),
		KafkaBrokers:   split(getenv("KAFKA_BROKERS", "localhost:19092")),
		KafkaTopic:     getenv("KAFKA_TOPIC", "support-events"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisChannel:   getenv("REDIS_CHANNEL", "support-events"),
		LogFile:        os.Getenv("LOG_FILE"),
		AllowedOrigins: split(os.Getenv("ALLOWED_ORIGINS")),
	}

	var err error
	if cfg.TokenTTL, err = time.ParseDuration(getenv("TOKEN_TTL", "24h")); err != nil {
		return nil, fmt.Errorf("TOKEN_TTL: %w", err)
	}
	if cfg.NodeID, err = strconv.ParseInt(getenv("NODE_ID", "1"), 10, 64); err != nil {
		return nil, fmt.Errorf("NODE_ID: %w", err)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(getenv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case StoreMemory, StoreScylla:
	default:
		return fmt.Errorf("STORE: unknown store %q", c.Store)
	}
	switch c.Broker {
	case BrokerLocal, BrokerKafka:
	case BrokerRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("BROKER=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("BROKER: unknown broker %q", c.Broker)
	}
	return nil
}

// Logger builds the process logger. With LOG_FILE set, output goes to that
// file; the returned closer must be called on shutdown.
func (c *Config) Logger() (*slog.Logger, io.Closer, error) {
	var out io.WriteCloser = nopCloser{os.Stderr}
	if c.LogFile != "" {
		f, err := os.OpenFile(c.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
	}
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: c.LogLevel})
	return slog.New(handler), out, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func split(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
