// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/aristath/qtrainer/internal/utils"
)

// Fixed file layout under the data directory. The worker and the orchestrator
// agree on these paths; they are passed to the worker in its JSON argument.
const (
	DatasetFileName  = "uploaded_data.csv"
	ResultsDirName   = "results"
	ResultsFileName  = "results.json"
	ModelsDirName    = "models"
	ModelFileName    = "q_table.msgpack"
	UploadsDirName   = "uploads"
	DatabaseFileName = "trainer.db"
)

// Config holds application configuration
type Config struct {
	DataDir        string // Base directory for dataset, artifacts and the state database (always absolute)
	LogLevel       string
	Port           int
	DevMode        bool
	AllowedOrigins []string
	DefaultsFile   string // Optional YAML file overriding training parameter defaults
	Worker         WorkerConfig
	Archive        *ArchiveConfig
}

// WorkerConfig describes how the external training worker is invoked.
// The merged training parameters are appended as the final argument.
type WorkerConfig struct {
	Command string
	Args    []string
	Dir     string
}

// ArchiveConfig holds S3-compatible artifact archival settings
type ArchiveConfig struct {
	Enabled         bool
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // Custom endpoint for R2/MinIO; empty uses AWS
	AccessKeyID     string
	SecretAccessKey string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir, err := filepath.Abs(getEnv("QTRAINER_DATA_DIR", "./data"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	cfg := &Config{
		DataDir:        dataDir,
		Port:           getEnvAsInt("GO_PORT", 5000),
		DevMode:        getEnvAsBool("DEV_MODE", false),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:*", "http://127.0.0.1:*"}),
		DefaultsFile:   getEnv("TRAINING_DEFAULTS_FILE", ""),
		Worker: WorkerConfig{
			Command: getEnv("WORKER_COMMAND", "trainer"),
			Args:    strings.Fields(getEnv("WORKER_ARGS", "")),
			Dir:     getEnv("WORKER_DIR", ""),
		},
		Archive: loadArchiveConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Worker.Command == "" {
		return fmt.Errorf("WORKER_COMMAND must not be empty")
	}
	if c.Archive != nil && c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("ARCHIVE_BUCKET is required when archiving is enabled")
	}
	return nil
}

// EnsureDirs creates the data directory tree used by uploads and the worker.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{
		c.DataDir,
		filepath.Join(c.DataDir, UploadsDirName),
		filepath.Join(c.DataDir, ResultsDirName),
		filepath.Join(c.DataDir, ModelsDirName),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}
	return nil
}

// DatasetPath is where the validated CSV lives.
func (c *Config) DatasetPath() string { return filepath.Join(c.DataDir, DatasetFileName) }

// ResultsPath is the fixed result artifact location.
func (c *Config) ResultsPath() string {
	return filepath.Join(c.DataDir, ResultsDirName, ResultsFileName)
}

// ModelPath is the fixed trained model (Q-table) location.
func (c *Config) ModelPath() string {
	return filepath.Join(c.DataDir, ModelsDirName, ModelFileName)
}

// UploadsDir holds in-flight multipart uploads.
func (c *Config) UploadsDir() string { return filepath.Join(c.DataDir, UploadsDirName) }

// DatabasePath is the SQLite state database.
func (c *Config) DatabasePath() string { return filepath.Join(c.DataDir, DatabaseFileName) }

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	if items := utils.SplitList(os.Getenv(key)); len(items) > 0 {
		return items
	}
	return defaultValue
}

// loadArchiveConfig loads artifact archival settings; disabled unless ARCHIVE_ENABLED is set
func loadArchiveConfig() *ArchiveConfig {
	return &ArchiveConfig{
		Enabled:         getEnvAsBool("ARCHIVE_ENABLED", false),
		Bucket:          getEnv("ARCHIVE_BUCKET", ""),
		Prefix:          getEnv("ARCHIVE_PREFIX", "trainings"),
		Region:          getEnv("ARCHIVE_REGION", "auto"),
		Endpoint:        getEnv("ARCHIVE_ENDPOINT", ""),
		AccessKeyID:     getEnv("ARCHIVE_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("ARCHIVE_SECRET_ACCESS_KEY", ""),
	}
}
