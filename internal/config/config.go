// Package config centralizes runtime configuration. Values come from an
// optional YAML file first, then environment variables, then defaults; the
// environment always wins so containers can override a checked-in file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/model"
)

// Config represents runtime configuration for the API server, the worker and
// the CLI defaults.
type Config struct {
	Address     string `yaml:"address"`
	MaxFileSize int64  `yaml:"max_file_size"`
	OutputDir   string `yaml:"output_dir"`

	DatabaseURL string `yaml:"database_url"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	S3Endpoint   string `yaml:"s3_endpoint"`
	S3AccessKey  string `yaml:"s3_access_key"`
	S3SecretKey  string `yaml:"s3_secret_key"`
	S3Region     string `yaml:"s3_region"`
	S3UseSSL     bool   `yaml:"s3_use_ssl"`
	RawBucket    string `yaml:"raw_bucket"`
	OutputBucket string `yaml:"output_bucket"`

	// TikaURL points at the metadata extraction service. Empty means the
	// built-in local extractor is used instead.
	TikaURL     string        `yaml:"tika_url"`
	TikaTimeout time.Duration `yaml:"tika_timeout"`

	SigningSecret string `yaml:"signing_secret"`

	Numbering  model.NumberingConfig  `yaml:"numbering"`
	Processing model.ProcessingConfig `yaml:"processing"`
}

const (
	defaultAddress     = ":8080"
	defaultMaxFileSize = 100 << 20 // 100 MiB
	defaultOutputDir   = "output"
	defaultRedisAddr   = "127.0.0.1:6379"
	defaultRawBucket   = "casedoxx-raw"
	defaultOutBucket   = "casedoxx-productions"
	defaultTikaTimeout = 5 * time.Minute

	defaultPadWidth       = 8
	defaultWorkers        = 4
	defaultPerFileTimeout = 5 * time.Minute
	defaultJobTimeout     = time.Hour
	defaultPDFRenderDPI   = 150
	defaultPageChunkSize  = 5
)

// Load reads the optional config file named by CASEDOXX_CONFIG, applies
// environment overrides and fills in defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if path := os.Getenv("CASEDOXX_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Address, "CASEDOXX_ADDRESS")
	setInt64(&c.MaxFileSize, "CASEDOXX_MAX_FILE_BYTES")
	setString(&c.OutputDir, "CASEDOXX_OUTPUT_DIR")
	setString(&c.DatabaseURL, "CASEDOXX_DATABASE_URL")
	setString(&c.RedisAddr, "CASEDOXX_REDIS_ADDR")
	setString(&c.RedisPassword, "CASEDOXX_REDIS_PASSWORD")
	setInt(&c.RedisDB, "CASEDOXX_REDIS_DB")
	setString(&c.S3Endpoint, "CASEDOXX_S3_ENDPOINT")
	setString(&c.S3AccessKey, "CASEDOXX_S3_ACCESS_KEY")
	setString(&c.S3SecretKey, "CASEDOXX_S3_SECRET_KEY")
	setString(&c.S3Region, "CASEDOXX_S3_REGION")
	setBool(&c.S3UseSSL, "CASEDOXX_S3_USE_SSL")
	setString(&c.RawBucket, "CASEDOXX_RAW_BUCKET")
	setString(&c.OutputBucket, "CASEDOXX_OUTPUT_BUCKET")
	setString(&c.TikaURL, "CASEDOXX_TIKA_URL")
	setDuration(&c.TikaTimeout, "CASEDOXX_TIKA_TIMEOUT")
	setString(&c.SigningSecret, "CASEDOXX_SIGNING_SECRET")
	setString(&c.Numbering.Prefix, "CASEDOXX_BATES_PREFIX")
	setUint64(&c.Numbering.StartNumber, "CASEDOXX_BATES_START")
	setInt(&c.Numbering.PadWidth, "CASEDOXX_BATES_WIDTH")
	setInt(&c.Processing.Workers, "CASEDOXX_WORKERS")
	setDuration(&c.Processing.PerFileTimeout, "CASEDOXX_FILE_TIMEOUT")
	setDuration(&c.Processing.JobTimeout, "CASEDOXX_JOB_TIMEOUT")
	setInt(&c.Processing.PDFRenderDPI, "CASEDOXX_PDF_DPI")
	setInt(&c.Processing.PageChunkSize, "CASEDOXX_PDF_CHUNK_SIZE")
}

func (c *Config) applyDefaults() {
	if c.Address == "" {
		c.Address = defaultAddress
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = defaultMaxFileSize
	}
	if c.OutputDir == "" {
		c.OutputDir = defaultOutputDir
	}
	if c.RedisAddr == "" {
		c.RedisAddr = defaultRedisAddr
	}
	if c.RawBucket == "" {
		c.RawBucket = defaultRawBucket
	}
	if c.OutputBucket == "" {
		c.OutputBucket = defaultOutBucket
	}
	if c.TikaTimeout <= 0 {
		c.TikaTimeout = defaultTikaTimeout
	}
	if c.SigningSecret == "" {
		c.SigningSecret = "casedoxx-dev-secret"
	}
	if c.Numbering.PadWidth <= 0 {
		c.Numbering.PadWidth = defaultPadWidth
	}
	if c.Numbering.StartNumber == 0 {
		c.Numbering.StartNumber = 1
	}
	// Only the daemon default treats a zero per-file timeout as unset. Job
	// submissions keep an explicit zero, which means the deadline is already
	// past when the file starts.
	if c.Processing.PerFileTimeout <= 0 {
		c.Processing.PerFileTimeout = defaultPerFileTimeout
	}
	c.Processing = WithProcessingDefaults(c.Processing)
}

// WithProcessingDefaults fills the zero fields of a processing configuration
// so a partially specified job submission still runs with sane bounds.
func WithProcessingDefaults(p model.ProcessingConfig) model.ProcessingConfig {
	if p.Workers <= 0 {
		p.Workers = defaultWorkers
	}
	if p.JobTimeout <= 0 {
		p.JobTimeout = defaultJobTimeout
	}
	if p.PDFRenderDPI <= 0 {
		p.PDFRenderDPI = defaultPDFRenderDPI
	}
	if p.PageChunkSize <= 0 {
		p.PageChunkSize = defaultPageChunkSize
	}
	return p
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = parsed
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = parsed
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*dst = parsed
		}
	}
}
