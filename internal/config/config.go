package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Database
	DBDriver     string `yaml:"db_driver"`
	DBHost       string `yaml:"db_host"`
	DBPort       int    `yaml:"db_port"`
	DBUser       string `yaml:"db_user"`
	DBPassword   string `yaml:"db_password"`
	DBName       string `yaml:"db_name"`
	DBCharset    string `yaml:"db_charset"`
	DBPoolSize   int    `yaml:"db_pool_size"`
	DBAutocommit bool   `yaml:"db_autocommit"`
	DBSSLMode    string `yaml:"db_sslmode"` // postgres only
	DBPath       string `yaml:"db_path"`    // sqlite3 only

	// Annotated images
	UploadDirectory string `yaml:"upload_dir"`
	UploadURLPrefix string `yaml:"upload_url_prefix"`
	FontPath        string `yaml:"font_path"`
	FontSize        int    `yaml:"font_size"`
	ImageQuality    int    `yaml:"image_quality"`

	// External detection model
	InferenceURL     string `yaml:"inference_url"`
	InferenceTimeout int    `yaml:"inference_timeout"` // seconds

	LogDirectory string `yaml:"log_dir"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		DBDriver:         "mysql",
		DBHost:           "localhost",
		DBPort:           3306,
		DBUser:           "root",
		DBName:           "kaong_assessment",
		DBCharset:        "utf8mb4",
		DBPoolSize:       5,
		DBAutocommit:     true,
		DBSSLMode:        "disable",
		DBPath:           filepath.Join(".", "data", "assessments.db"),
		UploadDirectory:  filepath.Join(".", "static", "uploads"),
		UploadURLPrefix:  "/static/uploads",
		FontPath:         "arial.ttf",
		FontSize:         16,
		ImageQuality:     95,
		InferenceURL:     "http://localhost:5000/predict",
		InferenceTimeout: 30,
		LogDirectory:     filepath.Join(".", "logs"),
	}
}

// Load reads .env (if present), the YAML file named by CONFIG_FILE (if set)
// and finally the environment. Later sources win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.DBDriver = getEnv("DB_DRIVER", c.DBDriver)
	c.DBHost = getEnv("DB_HOST", c.DBHost)
	c.DBPort = getEnvAsInt("DB_PORT", c.DBPort)
	c.DBUser = getEnv("DB_USER", c.DBUser)
	c.DBPassword = getEnv("DB_PASSWORD", c.DBPassword)
	c.DBName = getEnv("DB_NAME", c.DBName)
	c.DBCharset = getEnv("DB_CHARSET", c.DBCharset)
	c.DBPoolSize = getEnvAsInt("DB_POOL_SIZE", c.DBPoolSize)
	c.DBAutocommit = getEnvAsBool("DB_AUTOCOMMIT", c.DBAutocommit)
	c.DBSSLMode = getEnv("DB_SSLMODE", c.DBSSLMode)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.UploadDirectory = getEnv("UPLOAD_DIR", c.UploadDirectory)
	c.UploadURLPrefix = getEnv("UPLOAD_URL_PREFIX", c.UploadURLPrefix)
	c.FontPath = getEnv("FONT_PATH", c.FontPath)
	c.FontSize = getEnvAsInt("FONT_SIZE", c.FontSize)
	c.ImageQuality = getEnvAsInt("IMAGE_QUALITY", c.ImageQuality)
	c.InferenceURL = getEnv("INFERENCE_URL", c.InferenceURL)
	c.InferenceTimeout = getEnvAsInt("INFERENCE_TIMEOUT", c.InferenceTimeout)
	c.LogDirectory = getEnv("LOG_DIR", c.LogDirectory)
}

// Validate rejects settings the services cannot start with.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "mysql", "postgres", "sqlite3":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.DBPoolSize < 1 {
		return fmt.Errorf("DB_POOL_SIZE must be at least 1, got %d", c.DBPoolSize)
	}
	if c.ImageQuality < 1 || c.ImageQuality > 100 {
		return fmt.Errorf("IMAGE_QUALITY must be within 1..100, got %d", c.ImageQuality)
	}
	if c.FontSize < 1 {
		return fmt.Errorf("FONT_SIZE must be positive, got %d", c.FontSize)
	}
	if c.UploadDirectory == "" {
		return fmt.Errorf("UPLOAD_DIR must not be empty")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
