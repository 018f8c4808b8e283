package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds everything one deployment run needs. It is loaded once and
// never mutated afterwards.
type Config struct {
	ContainerName string        `mapstructure:"container_name"`
	ImageName     string        `mapstructure:"image_name"`
	DataVolume    string        `mapstructure:"data_volume"`
	LogsVolume    string        `mapstructure:"logs_volume"`
	EnvFile       string        `mapstructure:"env_file"`
	BuildContext  string        `mapstructure:"build_context"`
	DataMount     string        `mapstructure:"data_mount"`
	LogsMount     string        `mapstructure:"logs_mount"`
	Port          int           `mapstructure:"port"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
	Docker        DockerConfig  `mapstructure:"docker"`
	History       HistoryConfig `mapstructure:"history"`
	Log           LogConfig     `mapstructure:"log"`
}

// DockerConfig holds Docker daemon connection settings.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// HistoryConfig holds the deployment journal settings.
type HistoryConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig loads configuration from an optional YAML file and SHIPIT_*
// environment variables, on top of defaults that match the audio-bot
// deployment this tool grew out of.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("container_name", "youtube-audio-bot")
	v.SetDefault("image_name", "youtube-audio-bot:latest")
	v.SetDefault("data_volume", "youtube-audio-bot-data")
	v.SetDefault("logs_volume", "youtube-audio-bot-logs")
	v.SetDefault("env_file", ".env")
	v.SetDefault("build_context", ".")
	v.SetDefault("data_mount", "/app/data")
	v.SetDefault("logs_mount", "/app/logs")
	v.SetDefault("port", 8080)
	v.SetDefault("stop_timeout", "10s")
	v.SetDefault("docker.host", "")
	v.SetDefault("history.path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// Missing file falls back to defaults.
		}
	}

	v.SetEnvPrefix("SHIPIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.History.Path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		cfg.History.Path = filepath.Join(home, ".shipit", "history.db")
	}

	return &cfg, nil
}

// NewLogger builds a zap logger honoring the configured level and format.
// Logs go to stderr so they never interleave with the status output.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = level
	zapCfg.OutputPaths = []string{"stderr"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}
	if cfg.Format == "console" {
		zapCfg.Encoding = "console"
		zapCfg.EncoderConfig = zap.NewDevelopmentConfig().EncoderConfig
	}

	return zapCfg.Build()
}
