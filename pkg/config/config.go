package config

import (
	"time"

	"github.com/spf13/viper"
)

// FileFeedBackend selects the file feeder implementation.
const (
	FileFeedFsnotify = "fsnotify"
	FileFeedFanotify = "fanotify"
)

type Config struct {
	LogLevel                 string        `mapstructure:"logLevel"`
	GateVersion              string        `mapstructure:"gateVersion"`
	GateWorkers              int           `mapstructure:"gateWorkers"`
	GateMaxConnections       int           `mapstructure:"gateMaxConnections"`
	AuthDeadline             time.Duration `mapstructure:"authDeadline"`
	AuthDefaultAllow         bool          `mapstructure:"authDefaultAllow"`
	DecisionCacheSize        int           `mapstructure:"decisionCacheSize"`
	DecisionCacheTTL         time.Duration `mapstructure:"decisionCacheTTL"`
	DecisionCacheClearWindow time.Duration `mapstructure:"decisionCacheClearWindow"`
	MaxPathLength            int           `mapstructure:"maxPathLength"`
	HostRoot                 string        `mapstructure:"hostRoot"`
	EnablePIDIdentity        bool          `mapstructure:"pidIdentityEnabled"`
	EnablePrometheusExporter bool          `mapstructure:"prometheusExporterEnabled"`
	EnableExecFeed           bool          `mapstructure:"execFeedEnabled"`
	ExecPollInterval         time.Duration `mapstructure:"execPollInterval"`
	EnableFileFeed           bool          `mapstructure:"fileFeedEnabled"`
	FileFeedBackend          string        `mapstructure:"fileFeedBackend"`
	WatchPaths               []string      `mapstructure:"watchPaths"`
	EnableMountFeed          bool          `mapstructure:"mountFeedEnabled"`
	MountPollInterval        time.Duration `mapstructure:"mountPollInterval"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("gateVersion", "1.3.0")
	viper.SetDefault("gateWorkers", 4)
	viper.SetDefault("gateMaxConnections", 8)
	viper.SetDefault("authDeadline", 5*time.Second)
	viper.SetDefault("decisionCacheSize", 1024)
	viper.SetDefault("decisionCacheTTL", time.Minute)
	viper.SetDefault("decisionCacheClearWindow", 10*time.Second)
	viper.SetDefault("maxPathLength", 1024)
	viper.SetDefault("execPollInterval", 2*time.Second)
	viper.SetDefault("fileFeedBackend", FileFeedFsnotify)
	viper.SetDefault("mountPollInterval", 10*time.Second)

	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		return Config{}, err
	}

	var config Config
	err = viper.Unmarshal(&config)
	return config, err
}
