package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order of priority.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// sections are the top-level keys environment variables may address.
var sections = map[string]bool{
	"vocabulary": true,
	"weights":    true,
	"encoder":    true,
	"vectorizer": true,
	"corpus":     true,
	"ranker":     true,
	"batch":      true,
	"feed":       true,
	"history":    true,
	"server":     true,
	"logging":    true,
}

// Default returns a Config with all default values.
func Default() *Config {
	return &Config{
		Vocabulary: VocabularyConfig{
			Path: "attributes.properties",
		},
		Weights: WeightsConfig{
			CurrentPath: "weights.current.properties",
			InitialPath: "weights.initial.properties",
		},
		Encoder: EncoderConfig{
			Dimension: 1000,
			Probes:    2,
		},
		Vectorizer: VectorizerConfig{
			PriceBucketWidth: 25,
			MinTokenLen:      3,
			MaxTokenLen:      50,
		},
		Corpus: CorpusConfig{
			Dir:        "data/vectors",
			PartialDir: "data/partials",
			ProductDir: "data/products",
		},
		Ranker: RankerConfig{
			DefaultTopK: 5,
			MaxTopK:     25,
		},
		Batch: BatchConfig{
			MaxConcurrency: 100,
		},
		Feed: FeedConfig{
			BaseURL:             "",
			Timeout:             30 * time.Second,
			UserAgent:           "ProductMatch-Feed/1.0",
			RequestsPerSecond:   5,
			Burst:               1,
			MaxPages:            50,
			EnableRobotsCheck:   true,
			RobotsCacheDuration: 24 * time.Hour,
			FailureThreshold:    5,
			BreakerTimeout:      30 * time.Second,
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "data/history.db",
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration in three layers: struct defaults, an
// optional YAML file, then environment variables (RANKER_MAX_TOP_K ->
// ranker.max_top_k).
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit config file path; empty skips the file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file, or empty string.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps SECTION_FIELD_NAME to section.field_name and
// drops variables that do not address a config section.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)
	section, field, ok := strings.Cut(key, "_")
	if !ok || field == "" || !sections[section] {
		return ""
	}
	return section + "." + field
}
