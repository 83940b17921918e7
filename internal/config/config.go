package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Queue    QueueConfig    `mapstructure:"queue"`
	WhatsApp WhatsAppConfig `mapstructure:"whatsapp"`
	Drip     DripConfig     `mapstructure:"drip"`
	Import   ImportConfig   `mapstructure:"import"`
}

type ServerConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	CronSecret string `mapstructure:"cron_secret"`
	BaseURL    string `mapstructure:"base_url"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	Debug    bool   `mapstructure:"debug"`
}

// DSN renders the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type StorageConfig struct {
	Provider string   `mapstructure:"provider"` // none or s3
	S3       S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	Username string `mapstructure:"username"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether a Redis address is configured at all. The rate
// limiter runs fail-open without one.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

type QueueConfig struct {
	Names     []string      `mapstructure:"names"`
	Retention time.Duration `mapstructure:"retention"`
}

type WhatsAppConfig struct {
	APIURL        string  `mapstructure:"api_url"`
	PhoneNumberID string  `mapstructure:"phone_number_id"`
	AccessToken   string  `mapstructure:"access_token"`
	AppSecret     string  `mapstructure:"app_secret"`
	VerifyToken   string  `mapstructure:"verify_token"`
	SendRate      float64 `mapstructure:"send_rate"` // messages per second per organization
	SendBurst     int     `mapstructure:"send_burst"`
}

type DripConfig struct {
	// Scheduler is "asynq" (periodic jobs through Redis) or "cron" (in-process).
	Scheduler        string `mapstructure:"scheduler"`
	ProcessSpec      string `mapstructure:"process_spec"`
	MaintenanceSpec  string `mapstructure:"maintenance_spec"`
	BatchSize        int    `mapstructure:"batch_size"`
	LogRetentionDays int    `mapstructure:"log_retention_days"`
}

type ImportConfig struct {
	DefaultRegion string `mapstructure:"default_region"`
	MaxFileSize   int64  `mapstructure:"max_file_size"`
}

func Load() (*Config, error) {
	cfg := fromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Host:       getEnv("SERVER_HOST", "localhost"),
			Port:       getEnvAsInt("SERVER_PORT", 8080),
			CronSecret: getEnv("CRON_SECRET", ""),
			BaseURL:    getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnvAsInt("POSTGRES_PORT", 5432),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", ""),
			Name:     getEnv("POSTGRES_DB", "chirp"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
			Debug:    getEnvAsBool("POSTGRES_DEBUG", false),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
		},
		Storage: StorageConfig{
			Provider: getEnv("STORAGE_PROVIDER", "none"),
			S3: S3Config{
				Bucket:    getEnv("S3_BUCKET", ""),
				Region:    getEnv("S3_REGION", "eu-west-1"),
				Endpoint:  getEnv("S3_ENDPOINT", ""),
				AccessKey: getEnv("S3_ACCESS_KEY", ""),
				SecretKey: getEnv("S3_SECRET_KEY", ""),
			},
		},
		Worker: WorkerConfig{
			Concurrency: getEnvAsInt("WORKER_CONCURRENCY", 10),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			Username: getEnv("REDIS_USERNAME", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Names:     getEnvAsList("QUEUE_NAMES", []string{"drip-messages", "contact-imports", "maintenance"}),
			Retention: getEnvAsDuration("QUEUE_RETENTION", 24*time.Hour),
		},
		WhatsApp: WhatsAppConfig{
			APIURL:        getEnv("WHATSAPP_API_URL", "https://graph.facebook.com/v19.0"),
			PhoneNumberID: getEnv("WHATSAPP_PHONE_NUMBER_ID", ""),
			AccessToken:   getEnv("WHATSAPP_ACCESS_TOKEN", ""),
			AppSecret:     getEnv("WHATSAPP_APP_SECRET", ""),
			VerifyToken:   getEnv("WHATSAPP_VERIFY_TOKEN", ""),
			SendRate:      getEnvAsFloat("WHATSAPP_SEND_RATE", 20),
			SendBurst:     getEnvAsInt("WHATSAPP_SEND_BURST", 20),
		},
		Drip: DripConfig{
			Scheduler:        getEnv("DRIP_SCHEDULER", "asynq"),
			ProcessSpec:      getEnv("DRIP_PROCESS_SPEC", "*/1 * * * *"),
			MaintenanceSpec:  getEnv("DRIP_MAINTENANCE_SPEC", "0 3 * * *"),
			BatchSize:        getEnvAsInt("DRIP_BATCH_SIZE", 500),
			LogRetentionDays: getEnvAsInt("DRIP_LOG_RETENTION_DAYS", 90),
		},
		Import: ImportConfig{
			DefaultRegion: getEnv("IMPORT_DEFAULT_REGION", "NL"),
			MaxFileSize:   int64(getEnvAsInt("IMPORT_MAX_FILE_SIZE", 10<<20)),
		},
	}
}

// Validate checks the settings that have no sensible default.
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Storage.Provider == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when STORAGE_PROVIDER=s3")
	}
	if c.Drip.Scheduler != "asynq" && c.Drip.Scheduler != "cron" {
		return fmt.Errorf("DRIP_SCHEDULER must be asynq or cron, got %q", c.Drip.Scheduler)
	}
	if len(c.Queue.Names) == 0 {
		return fmt.Errorf("at least one queue name is required")
	}
	return nil
}

// LoadFromFile reads a YAML/JSON/TOML file on top of the environment
// configuration. Keys present in the file win.
func LoadFromFile(path string) (*Config, error) {
	cfg := fromEnv()

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	// slices decode in place, so a shorter list from the file would keep env leftovers
	if v.IsSet("queue.names") {
		cfg.Queue.Names = nil
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
