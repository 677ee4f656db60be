package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "apkx.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, err := LoadConfig(viper.New(), "")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.AdbPath != "adb" {
		t.Errorf("AdbPath = %q", cfg.AdbPath)
	}
	if cfg.ProgressInterval != DefaultProgressInterval {
		t.Errorf("ProgressInterval = %s", cfg.ProgressInterval)
	}
	if cfg.PollInterval != 2*time.Second || cfg.ConnectTimeout != 30*time.Second {
		t.Errorf("PollInterval = %s, ConnectTimeout = %s", cfg.PollInterval, cfg.ConnectTimeout)
	}
	if cfg.RemoteScript != DefaultRemoteScript {
		t.Errorf("RemoteScript = %q", cfg.RemoteScript)
	}
	if len(cfg.Patterns.ConnectSuccess) == 0 || len(cfg.Patterns.BootstrapSuccess) == 0 {
		t.Errorf("default patterns missing: %+v", cfg.Patterns)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
adb-path: /opt/platform-tools/adb
log-level: debug
progress-interval: 50ms
connect-timeout: 1m
remote-script: /sdcard/extract.sh
patterns:
  connect-success:
    - "verbunden mit"
`)
	cfg, err := LoadConfig(viper.New(), path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.File != path {
		t.Errorf("File = %q, want %q", cfg.File, path)
	}
	if cfg.AdbPath != "/opt/platform-tools/adb" || cfg.LogLevel != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.ProgressInterval != 50*time.Millisecond || cfg.ConnectTimeout != time.Minute {
		t.Errorf("durations = %s, %s", cfg.ProgressInterval, cfg.ConnectTimeout)
	}
	if len(cfg.Patterns.ConnectSuccess) != 1 || cfg.Patterns.ConnectSuccess[0] != "verbunden mit" {
		t.Errorf("ConnectSuccess = %v", cfg.Patterns.ConnectSuccess)
	}
	if len(cfg.Patterns.BootstrapSuccess) == 0 {
		t.Error("BootstrapSuccess should keep its default")
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "adb-path: /from/file/adb\npoll-interval: 1s\n")
	t.Setenv("APKX_ADB_PATH", "/from/env/adb")
	t.Setenv("APKX_POLL_INTERVAL", "500ms")

	cfg, err := LoadConfig(viper.New(), path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.AdbPath != "/from/env/adb" {
		t.Errorf("AdbPath = %q, env should win", cfg.AdbPath)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %s", cfg.PollInterval)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(viper.New(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("an explicit config file that does not exist should fail")
	}
	path := writeConfig(t, "adb-path: [unterminated\n")
	if _, err := LoadConfig(viper.New(), path); err == nil {
		t.Error("malformed YAML should fail")
	}
	path = writeConfig(t, "log-level: chatty\n")
	if _, err := LoadConfig(viper.New(), path); err == nil || !strings.Contains(err.Error(), "log-level") {
		t.Errorf("err = %v, want a log-level error", err)
	}
}

func TestConfigValidate(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain-file")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatal(err)
	}
	valid := func() Config {
		return Config{
			AdbPath:          "adb",
			LogLevel:         "info",
			ProgressInterval: 200 * time.Millisecond,
			PollInterval:     time.Second,
			ConnectTimeout:   30 * time.Second,
			RemoteScript:     DefaultRemoteScript,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"empty adb", func(c *Config) { c.AdbPath = " " }, "adb-path"},
		{"fast progress", func(c *Config) { c.ProgressInterval = time.Millisecond }, "progress-interval"},
		{"fast poll", func(c *Config) { c.PollInterval = 10 * time.Millisecond }, "poll-interval"},
		{"negative timeout", func(c *Config) { c.ConnectTimeout = -time.Second }, "connect-timeout"},
		{"relative script", func(c *Config) { c.RemoteScript = "extract.sh" }, "remote-script"},
		{"download dir is a file", func(c *Config) { c.DownloadDir = file }, "download-dir"},
		{"missing download dir is fine", func(c *Config) { c.DownloadDir = filepath.Join(t.TempDir(), "new") }, ""},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "log-level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestConfigLogConfig(t *testing.T) {
	cfg := Config{LogLevel: "warn", LogFile: "/tmp/apkx.log"}
	lc := cfg.LogConfig()
	if lc.Level != zerolog.WarnLevel || lc.FilePath != "/tmp/apkx.log" {
		t.Errorf("LogConfig = %+v", lc)
	}

	cfg.Verbose = true
	if lc := cfg.LogConfig(); lc.Level != zerolog.DebugLevel {
		t.Errorf("verbose level = %s, want debug", lc.Level)
	}

	cfg.LogLevel = "trace"
	if lc := cfg.LogConfig(); lc.Level != zerolog.TraceLevel {
		t.Errorf("verbose must not raise trace, got %s", lc.Level)
	}
}
