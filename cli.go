package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ApkExtractor/pkg/adb"
	"ApkExtractor/pkg/cache"
	"ApkExtractor/pkg/types"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "apkx",
	Short: "Extract installed APKs from an Android device over adb",
	Long: `apkx drives adb to connect a device over USB or wifi, runs an extraction
script on it, and pulls the resulting APK. Split bundles (.apks/.xapk/.apkm)
are unpacked to their base.apk.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	rootCmd.Version = AppVersion
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ./apkx.yaml or ~/.config/apkx/apkx.yaml)")
	pf.String("adb", "adb", "adb executable")
	pf.BoolP("verbose", "v", false, "echo raw adb output")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-file", "", "also write logs to this file")
	pf.String("journal", "", "event journal database (default <config dir>/journal.db)")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9464")
	pf.String("download-dir", "", "where downloads land when no path is given")

	viper.BindPFlag("adb-path", pf.Lookup("adb"))
	viper.BindPFlag("verbose", pf.Lookup("verbose"))
	viper.BindPFlag("log-level", pf.Lookup("log-level"))
	viper.BindPFlag("log-file", pf.Lookup("log-file"))
	viper.BindPFlag("journal-path", pf.Lookup("journal"))
	viper.BindPFlag("metrics-addr", pf.Lookup("metrics-addr"))
	viper.BindPFlag("download-dir", pf.Lookup("download-dir"))
}

// ========================================
// 命令运行环境
// ========================================

// cliEnv is everything one command invocation runs against.
type cliEnv struct {
	cfg      *Config
	app      *App
	cache    *cache.Service
	journal  *EventStore
	metrics  *MetricsServer
	watcher  *ConfigWatcher
	progress *ProgressRenderer
}

// withEnv wraps a command body with setup, signal handling and teardown.
func withEnv(run func(ctx context.Context, env *cliEnv, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		err = run(ctx, env, cmd, args)
		stop()
		env.close(err)
		return err
	}
}

func loadConfig() (*Config, error) {
	cfg, err := LoadConfig(viper.GetViper(), cfgFile)
	if err != nil {
		return nil, err
	}
	if err := InitLogger(cfg.LogConfig()); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}

// openEnv builds the App. adb missing is the only fatal condition; the cache,
// journal and config watcher degrade to warnings.
func openEnv(cmd *cobra.Command) (*cliEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	LogAppState(AppStarting, map[string]interface{}{"command": cmd.CommandPath(), "config": cfg.File})

	env := &cliEnv{cfg: cfg}

	env.cache, err = cache.New(cache.Config{
		ConfigDir: cfg.CacheDir,
		LogFunc: func(format string, args ...interface{}) {
			LogWarn("cache").Msgf(format, args...)
		},
	})
	if err != nil {
		LogWarn("cache").Err(err).Msg("Settings cache unavailable")
	}
	if cmd.Annotations[annotationPersistentLog] != "" {
		env.persistLogs()
	}

	journalPath := cfg.JournalPath
	if journalPath == "" && env.cache != nil {
		journalPath = filepath.Join(env.cache.ConfigDir(), "journal.db")
	}
	if journalPath != "" {
		if env.journal, err = NewEventStore(journalPath); err != nil {
			LogWarn("journal").Err(err).Str("path", journalPath).Msg("Event journal unavailable")
		}
	}

	env.metrics = StartMetricsServer(cfg.MetricsAddr)

	opts := Options{
		Executor:         adb.NewRunner(cfg.AdbPath),
		Patterns:         cfg.Patterns,
		ProgressInterval: cfg.ProgressInterval,
		RemoteScript:     cfg.RemoteScript,
		DownloadDir:      cfg.DownloadDir,
		Cache:            env.cache,
		Verbose:          cfg.Verbose,
	}
	if opts.DownloadDir == "" && env.cache != nil {
		opts.DownloadDir = env.cache.DownloadDir()
	}
	if env.journal != nil {
		opts.Recorder = env.journal
	}
	env.app = NewApp(opts)

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	version, err := env.app.CheckTool(ctx)
	cancel()
	if err != nil {
		env.close(err)
		return nil, fmt.Errorf("adb is not available (%s): %w", cfg.AdbPath, err)
	}
	LogInfo("app").Str("adb", cfg.AdbPath).Str("version", version).Msg("adb found")

	if env.journal != nil {
		if _, err := env.journal.StartSession(cmd.CommandPath(), version); err != nil {
			LogWarn("journal").Err(err).Msg("Failed to start journal session")
		}
	}

	if cfg.File != "" {
		env.watcher = NewConfigWatcher(cfg.File, env.app.SetPatterns)
		if err := env.watcher.Start(); err != nil {
			LogWarn("config_watcher").Err(err).Msg("Config hot reload disabled")
			env.watcher = nil
		}
	}
	return env, nil
}

// annotationPersistentLog marks long-running commands whose stderr is rarely
// seen; they log to a file under the config dir unless log-file is set.
const annotationPersistentLog = "persistent-log"

func (e *cliEnv) persistLogs() {
	if e.cfg.LogFile != "" || e.cache == nil {
		return
	}
	config := PersistentLogConfig(e.cache.ConfigDir())
	config.Level = e.cfg.LogConfig().Level
	if err := InitLogger(config); err != nil {
		LogWarn("app").Err(err).Msg("Persistent log disabled")
		return
	}
	LogInfo("app").Str("path", GetLogFilePath()).Msg("Logging to file")
}

// showProgress draws pull progress on stderr for the rest of the command.
func (e *cliEnv) showProgress() {
	if e.progress != nil {
		return
	}
	events, _ := e.app.Events()
	e.progress = NewProgressRenderer(os.Stderr)
	e.progress.Run(events)
}

func (e *cliEnv) close(runErr error) {
	if e.watcher != nil {
		e.watcher.Stop()
	}
	if e.app != nil {
		e.app.Shutdown()
	}
	if e.progress != nil {
		e.progress.Wait()
	}
	if e.journal != nil {
		status := "completed"
		if runErr != nil {
			status = "failed"
		}
		if err := e.journal.EndSession(status); err != nil {
			LogWarn("journal").Err(err).Msg("Failed to end journal session")
		}
		e.journal.Close()
	}
	if e.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		e.metrics.Stop(ctx)
		cancel()
	}
	if e.cache != nil {
		e.cache.Close()
	}
	CloseLogger()
}

// ========================================
// 连接参数
// ========================================

// transportFlags selects USB or wireless for commands that need a device.
type transportFlags struct {
	wireless string
	last     bool
}

func (f *transportFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.wireless, "wireless", "w", "", "connect over TCP/IP to ip[:port] instead of USB")
	cmd.Flags().BoolVar(&f.last, "last", false, "connect to the most recently used wireless address")
}

func (f *transportFlags) mode(c *cache.Service) (types.TransportMode, error) {
	switch {
	case f.wireless != "":
		return types.Wireless(f.wireless), nil
	case f.last:
		if c == nil || c.LastAddress() == "" {
			return types.TransportMode{}, errors.New("no wireless address has been used yet")
		}
		return types.Wireless(c.LastAddress()), nil
	}
	return types.USB(), nil
}

// connect brings the device to Connected, waiting for the RSA prompt to be
// accepted for at most connect-timeout.
func (e *cliEnv) connect(ctx context.Context, flags *transportFlags) (types.ConnectionSnapshot, error) {
	mode, err := flags.mode(e.cache)
	if err != nil {
		return types.ConnectionSnapshot{}, err
	}
	if e.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ConnectTimeout)
		defer cancel()
	}

	snap, err := e.app.Connect(ctx, mode)
	if err != nil {
		return snap, err
	}
	if snap.State == types.StateConnecting {
		snap, err = e.app.WaitForAuthorization(ctx, e.cfg.PollInterval)
		if errors.Is(err, context.DeadlineExceeded) {
			e.app.Cancel()
			return snap, fmt.Errorf("device was not authorized within %s", e.cfg.ConnectTimeout)
		}
		if err != nil {
			return snap, err
		}
	}
	if snap.State != types.StateConnected {
		return snap, errors.New("device connection failed")
	}
	return snap, nil
}
