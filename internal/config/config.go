// Package config loads the replica configuration file.
//
// A configuration file is YAML. Every field is optional; missing fields keep
// the values of Default. Durations are written as Go duration strings
// ("90s", "10m").
//
//	database: ./replica.db
//	queue: ./queue.db
//	index: ./index
//	types: ./types
//	listen: 127.0.0.1:8080
//	indexer:
//	  workers: 8
//	  visibility_timeout: 10m
//	blobs:
//	  backend: minio
//	  minio:
//	    endpoint: localhost:9000
//	    bucket: replica
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/replica/internal/blob/minio"
	"github.com/roach88/replica/internal/indexer"
	"github.com/roach88/replica/internal/queue"
)

// Blob backends.
const (
	BlobInline = "inline"
	BlobMinio  = "minio"
)

// Config is the full process configuration.
type Config struct {
	Database string  `yaml:"database"`
	Queue    string  `yaml:"queue"`
	Index    string  `yaml:"index"`
	Types    string  `yaml:"types"`
	Listen   string  `yaml:"listen"`
	Indexer  Indexer `yaml:"indexer"`
	Blobs    Blobs   `yaml:"blobs"`
}

// Indexer tunes the queue and the worker pool.
type Indexer struct {
	Workers            int           `yaml:"workers"`
	ReceiveBatch       int           `yaml:"receive_batch"`
	VisibilityTimeout  time.Duration `yaml:"visibility_timeout"`
	ErrorTimeout       time.Duration `yaml:"error_timeout"`
	MaxReceives        int           `yaml:"max_receives"`
	BuildDeadline      time.Duration `yaml:"build_deadline"`
	EmptyPollInterval  time.Duration `yaml:"empty_poll_interval"`
	RetryInterval      time.Duration `yaml:"retry_interval"`
	RedeliveryInterval time.Duration `yaml:"redelivery_interval"`
}

// Blobs selects where attachment bytes live.
type Blobs struct {
	Backend string       `yaml:"backend"`
	Minio   minio.Config `yaml:"minio"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	def := indexer.DefaultConfig()
	return &Config{
		Database: "replica.db",
		Queue:    "queue.db",
		Index:    "index",
		Types:    "types",
		Listen:   "127.0.0.1:8080",
		Indexer: Indexer{
			Workers:            def.Workers,
			ReceiveBatch:       def.ReceiveBatch,
			VisibilityTimeout:  queue.DefaultVisibilityTimeout,
			ErrorTimeout:       def.ErrorTimeout,
			MaxReceives:        queue.DefaultMaxReceives,
			BuildDeadline:      def.BuildDeadline,
			EmptyPollInterval:  def.EmptyPollInterval,
			RetryInterval:      def.RetryInterval,
			RedeliveryInterval: def.RedeliveryInterval,
		},
		Blobs: Blobs{Backend: BlobInline},
	}
}

// Load reads the file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return c.Validate()
}

// Validate checks field ranges and the blob backend settings.
func (c *Config) Validate() error {
	switch {
	case c.Database == "":
		return fmt.Errorf("database is required")
	case c.Queue == "":
		return fmt.Errorf("queue is required")
	case c.Index == "":
		return fmt.Errorf("index is required")
	case c.Indexer.Workers < 1:
		return fmt.Errorf("indexer.workers must be at least 1")
	case c.Indexer.ReceiveBatch < 1:
		return fmt.Errorf("indexer.receive_batch must be at least 1")
	case c.Indexer.MaxReceives < 1:
		return fmt.Errorf("indexer.max_receives must be at least 1")
	case c.Indexer.VisibilityTimeout <= 0:
		return fmt.Errorf("indexer.visibility_timeout must be positive")
	case c.Indexer.ErrorTimeout <= 0:
		return fmt.Errorf("indexer.error_timeout must be positive")
	case c.Indexer.RetryInterval <= 0 || c.Indexer.RedeliveryInterval <= 0:
		return fmt.Errorf("indexer.retry_interval and indexer.redelivery_interval must be positive")
	case c.Indexer.BuildDeadline <= 0:
		return fmt.Errorf("indexer.build_deadline must be positive")
	case c.Indexer.BuildDeadline >= c.Indexer.VisibilityTimeout:
		return fmt.Errorf("indexer.build_deadline must be shorter than indexer.visibility_timeout")
	}

	switch c.Blobs.Backend {
	case BlobInline:
	case BlobMinio:
		if c.Blobs.Minio.Endpoint == "" || c.Blobs.Minio.Bucket == "" {
			return fmt.Errorf("blobs.minio: endpoint and bucket are required")
		}
	default:
		return fmt.Errorf("blobs.backend: unknown backend %q", c.Blobs.Backend)
	}
	return nil
}

// IndexerConfig converts the indexer section for indexer.New.
func (c *Config) IndexerConfig() indexer.Config {
	cfg := indexer.DefaultConfig()
	cfg.Workers = c.Indexer.Workers
	cfg.ReceiveBatch = c.Indexer.ReceiveBatch
	cfg.DeferredBatch = c.Indexer.ReceiveBatch
	cfg.BuildDeadline = c.Indexer.BuildDeadline
	cfg.ErrorTimeout = c.Indexer.ErrorTimeout
	cfg.EmptyPollInterval = c.Indexer.EmptyPollInterval
	cfg.RetryInterval = c.Indexer.RetryInterval
	cfg.RedeliveryInterval = c.Indexer.RedeliveryInterval
	return cfg
}

// QueueOptions returns the queue settings.
func (c *Config) QueueOptions() []queue.Option {
	return []queue.Option{
		queue.WithVisibilityTimeout(c.Indexer.VisibilityTimeout),
		queue.WithMaxReceives(c.Indexer.MaxReceives),
	}
}
