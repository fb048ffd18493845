package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the configuration for the matching service
type Config struct {
	Vocabulary VocabularyConfig `koanf:"vocabulary"`
	Weights    WeightsConfig    `koanf:"weights"`
	Encoder    EncoderConfig    `koanf:"encoder"`
	Vectorizer VectorizerConfig `koanf:"vectorizer"`
	Corpus     CorpusConfig     `koanf:"corpus"`
	Ranker     RankerConfig     `koanf:"ranker"`
	Batch      BatchConfig      `koanf:"batch"`
	Feed       FeedConfig       `koanf:"feed"`
	History    HistoryConfig    `koanf:"history"`
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// VocabularyConfig locates the canonical attribute table
type VocabularyConfig struct {
	Path string `koanf:"path"`
}

// WeightsConfig locates the feature weight tables
type WeightsConfig struct {
	CurrentPath string `koanf:"current_path"`
	InitialPath string `koanf:"initial_path" validate:"required"`
}

// EncoderConfig holds feature hashing parameters
type EncoderConfig struct {
	Dimension int `koanf:"dimension" validate:"min=1"`
	Probes    int `koanf:"probes" validate:"min=1,max=16"`
}

// VectorizerConfig holds product and query vectorization parameters
type VectorizerConfig struct {
	PriceBucketWidth float64 `koanf:"price_bucket_width" validate:"gt=0"`
	MinTokenLen      int     `koanf:"min_token_len" validate:"min=1"`
	MaxTokenLen      int     `koanf:"max_token_len" validate:"gtefield=MinTokenLen"`
}

// CorpusConfig holds the on-disk locations of products and vectors
type CorpusConfig struct {
	Dir        string `koanf:"dir" validate:"required"`
	PartialDir string `koanf:"partial_dir" validate:"required"`
	ProductDir string `koanf:"product_dir" validate:"required"`
}

// RankerConfig bounds the result count of a match
type RankerConfig struct {
	DefaultTopK int `koanf:"default_top_k" validate:"min=1,ltefield=MaxTopK"`
	MaxTopK     int `koanf:"max_top_k" validate:"min=1"`
}

// BatchConfig holds batch vectorization settings
type BatchConfig struct {
	MaxConcurrency int `koanf:"max_concurrency" validate:"min=1"`
}

// FeedConfig holds retailer feed client configuration
type FeedConfig struct {
	BaseURL             string        `koanf:"base_url" validate:"omitempty,url"`
	Timeout             time.Duration `koanf:"timeout" validate:"gt=0"`
	UserAgent           string        `koanf:"user_agent" validate:"required"`
	RequestsPerSecond   float64       `koanf:"requests_per_second" validate:"gt=0"`
	Burst               int           `koanf:"burst" validate:"min=1"`
	MaxPages            int           `koanf:"max_pages" validate:"min=1"`
	EnableRobotsCheck   bool          `koanf:"enable_robots_check"`
	RobotsCacheDuration time.Duration `koanf:"robots_cache_duration"`
	FailureThreshold    uint32        `koanf:"failure_threshold" validate:"min=1"`
	BreakerTimeout      time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

// HistoryConfig locates the search history database
type HistoryConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path" validate:"required_if=Enabled true"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// Validate checks the configuration against its struct tags
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
