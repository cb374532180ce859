package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the reasoning service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Databases DatabasesConfig `mapstructure:"databases"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// LLMConfig contains generation upstream settings. The API credential is
// not configured here: it arrives with each submission and is passed
// through as an opaque bearer token.
type LLMConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	DefaultModel string        `mapstructure:"default_model"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Temperature  float64       `mapstructure:"temperature"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	Backoff      time.Duration `mapstructure:"backoff"`
}

// DatabasesConfig contains storage backends. Redis is optional; when it is
// not configured fragments are fanned out in-process only.
type DatabasesConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a postgres connection string, preferring the explicit URL.
// Returns an empty string when postgres is not configured.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	if p.Host == "" || p.DBName == "" {
		return ""
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

type RedisConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
	Pass string `mapstructure:"pass"`
	DB   int    `mapstructure:"db"`
}

func (r RedisConfig) Addr() string {
	if r.Host == "" || r.Port == "" {
		return ""
	}
	return r.Host + ":" + r.Port
}

// BroadcastConfig tunes the fragment fan-out.
type BroadcastConfig struct {
	// BufferSize is the per-subscriber channel capacity. When a subscriber
	// falls behind by more than this, the oldest fragment is dropped.
	BufferSize int `mapstructure:"buffer_size"`
	// StreamMaxLen bounds the per-session Redis stream mirror (MAXLEN ~).
	StreamMaxLen int64 `mapstructure:"stream_max_len"`
}

// SchedulerConfig tunes job reclamation.
type SchedulerConfig struct {
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	RetainFinished time.Duration `mapstructure:"retain_finished"`
}

// LoadConfig reads configuration from file and environment (REASONER_*).
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("server.address", ":10011")
	viper.SetDefault("llm.base_url", "https://ollama.com/v1")
	viper.SetDefault("llm.default_model", "deepseek-v3.1:671b-cloud")
	viper.SetDefault("llm.max_tokens", 100000)
	viper.SetDefault("llm.temperature", 0.01)
	viper.SetDefault("llm.timeout", 10*time.Minute)
	viper.SetDefault("llm.max_retries", 3)
	viper.SetDefault("llm.backoff", 500*time.Millisecond)
	viper.SetDefault("broadcast.buffer_size", 256)
	viper.SetDefault("broadcast.stream_max_len", 10000)
	viper.SetDefault("scheduler.sweep_interval", 5*time.Second)
	viper.SetDefault("scheduler.retain_finished", time.Minute)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("REASONER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// config file is optional; defaults plus env are enough to run
	_ = viper.ReadInConfig()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return &config
}
