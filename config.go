package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"ApkExtractor/pkg/adb"
)

// ========================================
// Configuration - 配置
// ========================================

// Config holds all settings. Flags override env (APKX_*), env overrides the file.
type Config struct {
	AdbPath          string        `mapstructure:"adb-path"`
	Verbose          bool          `mapstructure:"verbose"`
	LogLevel         string        `mapstructure:"log-level"`
	LogFile          string        `mapstructure:"log-file"`
	ProgressInterval time.Duration `mapstructure:"progress-interval"`
	PollInterval     time.Duration `mapstructure:"poll-interval"`
	ConnectTimeout   time.Duration `mapstructure:"connect-timeout"`
	RemoteScript     string        `mapstructure:"remote-script"`
	DownloadDir      string        `mapstructure:"download-dir"`
	JournalPath      string        `mapstructure:"journal-path"`
	MetricsAddr      string        `mapstructure:"metrics-addr"`
	CacheDir         string        `mapstructure:"cache-dir"`
	Patterns         adb.Patterns  `mapstructure:"patterns"`

	// file the values came from, empty when none was found
	File string `mapstructure:"-"`
}

// setDefaults registers every key so env lookups and Unmarshal see them.
func setDefaults(v *viper.Viper) {
	defaults := adb.DefaultPatterns()

	v.SetDefault("adb-path", "adb")
	v.SetDefault("verbose", false)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-file", "")
	v.SetDefault("progress-interval", DefaultProgressInterval)
	v.SetDefault("poll-interval", 2*time.Second)
	v.SetDefault("connect-timeout", 30*time.Second)
	v.SetDefault("remote-script", DefaultRemoteScript)
	v.SetDefault("download-dir", "")
	v.SetDefault("journal-path", "")
	v.SetDefault("metrics-addr", "")
	v.SetDefault("cache-dir", "")
	v.SetDefault("patterns.connect-success", defaults.ConnectSuccess)
	v.SetDefault("patterns.bootstrap-success", defaults.BootstrapSuccess)
}

// LoadConfig reads file (or apkx.yaml from the usual places when file is empty)
// into v and returns the merged configuration. A missing default file is not an error.
func LoadConfig(v *viper.Viper, file string) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("APKX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("apkx")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "apkx"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail much later.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AdbPath) == "" {
		return errors.New("adb-path must not be empty")
	}
	if c.ProgressInterval < 10*time.Millisecond {
		return fmt.Errorf("progress-interval %s is too short (minimum 10ms)", c.ProgressInterval)
	}
	if c.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("poll-interval %s is too short (minimum 100ms)", c.PollInterval)
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect-timeout must not be negative")
	}
	if !strings.HasPrefix(c.RemoteScript, "/") {
		return fmt.Errorf("remote-script %q must be an absolute device path", c.RemoteScript)
	}
	if c.DownloadDir != "" {
		if info, err := os.Stat(c.DownloadDir); err == nil && !info.IsDir() {
			return fmt.Errorf("download-dir %q is not a directory", c.DownloadDir)
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log-level %q", c.LogLevel)
	}
	return nil
}

// LogConfig builds the logger settings. Verbose lowers the level to debug.
func (c *Config) LogConfig() LogConfig {
	lc := DefaultLogConfig()
	lc.Level = ParseLogLevel(c.LogLevel)
	if c.Verbose && lc.Level > ParseLogLevel("debug") {
		lc.Level = ParseLogLevel("debug")
	}
	lc.FilePath = c.LogFile
	return lc
}
