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
	Bot        BotConfig        `mapstructure:"bot"`
	Models     ModelsConfig     `mapstructure:"models"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Sessions   SessionsConfig   `mapstructure:"sessions"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Context    ContextConfig    `mapstructure:"context"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
}

type BotConfig struct {
	Token         string  `mapstructure:"token"`
	UpdateTimeout int     `mapstructure:"update_timeout"`
	AdminIDs      []int64 `mapstructure:"admin_ids"`
}

type ModelsConfig struct {
	Yandex YandexConfig `mapstructure:"yandex"`
	Art    ArtConfig    `mapstructure:"art"`
}

type YandexConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	FolderID    string        `mapstructure:"folder_id"`
	Model       string        `mapstructure:"model"`
	Temperature float32       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

type ArtConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	OperationsURL string        `mapstructure:"operations_url"`
	Model         string        `mapstructure:"model"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type StorageConfig struct {
	UseDatabase   bool           `mapstructure:"use_database"`
	DataDir       string         `mapstructure:"data_dir"`
	StateFile     string         `mapstructure:"state_file"`
	UnlimitedFile string         `mapstructure:"unlimited_file"`
	Database      DatabaseConfig `mapstructure:"database"`
}

// StatePath returns the location of the JSON state document.
func (s StorageConfig) StatePath() string {
	return joinDataPath(s.DataDir, s.StateFile)
}

// UnlimitedPath returns the location of the allow-list file.
func (s StorageConfig) UnlimitedPath() string {
	return joinDataPath(s.DataDir, s.UnlimitedFile)
}

func joinDataPath(dir, name string) string {
	if dir == "" || strings.HasPrefix(name, "/") {
		return name
	}
	return strings.TrimRight(dir, "/") + "/" + name
}

type DatabaseConfig struct {
	Type          string `mapstructure:"type"`
	DSN           string `mapstructure:"dsn"`
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	DBName        string `mapstructure:"dbname"`
	SSLMode       string `mapstructure:"sslmode"`
	Path          string `mapstructure:"path"`
	EncryptionKey string `mapstructure:"encryption_key"`
	MaxOpenConns  int    `mapstructure:"max_open_conns"`
}

// PostgresDSN builds a libpq style connection string unless an explicit DSN is set.
func (d DatabaseConfig) PostgresDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type SessionsConfig struct {
	Type  string        `mapstructure:"type"`
	TTL   time.Duration `mapstructure:"ttl"`
	Redis RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LimitsConfig struct {
	DailyLimit           int    `mapstructure:"daily_limit"`
	ImageGenerationLimit int    `mapstructure:"image_generation_limit"`
	Timezone             string `mapstructure:"timezone"`
}

// Location resolves the configured timezone used for day rollover.
func (l LimitsConfig) Location() (*time.Location, error) {
	if l.Timezone == "" || l.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(l.Timezone)
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type ContextConfig struct {
	MaxHistoryTurns     int    `mapstructure:"max_history_turns"`
	DefaultSystemPrompt string `mapstructure:"default_system_prompt"`
	MaxQuestionLen      int    `mapstructure:"max_question_len"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string `mapstructure:"default_language"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bot.update_timeout", 60)

	v.SetDefault("models.yandex.base_url", "https://llm.api.cloud.yandex.net/v1")
	v.SetDefault("models.yandex.model", "yandexgpt-lite/latest")
	v.SetDefault("models.yandex.temperature", 0.6)
	v.SetDefault("models.yandex.max_tokens", 2000)
	v.SetDefault("models.yandex.timeout", 60*time.Second)
	v.SetDefault("models.yandex.max_retries", 2)
	v.SetDefault("models.art.base_url", "https://llm.api.cloud.yandex.net/foundationModels/v1/imageGenerationAsync")
	v.SetDefault("models.art.operations_url", "https://llm.api.cloud.yandex.net/operations")
	v.SetDefault("models.art.model", "yandex-art/latest")
	v.SetDefault("models.art.poll_interval", 2*time.Second)
	v.SetDefault("models.art.timeout", 2*time.Minute)

	v.SetDefault("storage.use_database", false)
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("storage.state_file", "state.json")
	v.SetDefault("storage.unlimited_file", "unlimited_chats.txt")
	v.SetDefault("storage.database.type", "postgres")
	v.SetDefault("storage.database.host", "localhost")
	v.SetDefault("storage.database.port", 5432)
	v.SetDefault("storage.database.dbname", "yagptbot")
	v.SetDefault("storage.database.sslmode", "disable")
	v.SetDefault("storage.database.path", "data/yagptbot.db")
	v.SetDefault("storage.database.max_open_conns", 10)

	v.SetDefault("sessions.type", "memory")
	v.SetDefault("sessions.ttl", time.Hour)

	v.SetDefault("limits.daily_limit", 15)
	v.SetDefault("limits.image_generation_limit", 5)
	v.SetDefault("limits.timezone", "Local")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_minute", 20)
	v.SetDefault("rate_limit.burst", 5)

	v.SetDefault("context.max_history_turns", 20)
	v.SetDefault("context.default_system_prompt", "You are a helpful assistant.")
	v.SetDefault("context.max_question_len", 4000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("monitoring.metrics.port", 9090)
	v.SetDefault("monitoring.metrics.path", "/metrics")

	v.SetDefault("i18n.default_language", "english")
}

// LoadConfig loads configuration from file and environment variables.
// An empty path skips the file and uses defaults plus environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	bindings := map[string]string{
		"bot.token":                       "BOT_TOKEN",
		"models.yandex.api_key":           "YC_API_KEY",
		"models.yandex.folder_id":         "YC_FOLDER_ID",
		"storage.use_database":            "USE_DATABASE",
		"storage.data_dir":                "DATA_DIR",
		"storage.database.dsn":            "DATABASE_URL",
		"storage.database.password":       "DB_PASSWORD",
		"storage.database.encryption_key": "DB_ENCRYPTION_KEY",
		"sessions.redis.addr":             "REDIS_ADDR",
		"sessions.redis.password":         "REDIS_PASSWORD",
		"limits.daily_limit":              "DAILY_LIMIT",
		"limits.image_generation_limit":   "IMAGE_GENERATION_LIMIT",
		"i18n.default_language":           "BOT_LANGUAGE",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if raw := os.Getenv("ADMIN_CHAT_IDS"); raw != "" {
		ids, err := parseInt64List(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid ADMIN_CHAT_IDS: %w", err)
		}
		config.Bot.AdminIDs = ids
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func parseInt64List(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Limits.DailyLimit < 0 || cfg.Limits.ImageGenerationLimit < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if _, err := cfg.Limits.Location(); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Limits.Timezone, err)
	}
	if cfg.Context.MaxHistoryTurns <= 0 {
		return fmt.Errorf("context.max_history_turns must be positive")
	}
	switch cfg.I18n.DefaultLanguage {
	case "english", "russian":
	default:
		return fmt.Errorf("unsupported language: %s", cfg.I18n.DefaultLanguage)
	}
	switch cfg.Sessions.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported sessions type: %s", cfg.Sessions.Type)
	}
	if cfg.Storage.UseDatabase {
		switch cfg.Storage.Database.Type {
		case "postgres", "sqlite":
		default:
			return fmt.Errorf("unsupported database type: %s", cfg.Storage.Database.Type)
		}
		if cfg.Storage.Database.EncryptionKey == "" {
			return fmt.Errorf("storage.database.encryption_key is required when use_database is enabled")
		}
	}
	return nil
}
