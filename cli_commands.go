package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ApkExtractor/pkg/cache"
	"ApkExtractor/pkg/types"
)

func init() {
	rootCmd.AddCommand(devicesCmd, connectCmd, disconnectCmd, wirelessCmd,
		packagesCmd, extractCmd, runCmd, pullCmd, historyCmd, mcpCmd)
}

// ========================================
// devices
// ========================================

var devicesWait bool

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the devices adb can see",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(ctx context.Context, env *cliEnv, cmd *cobra.Command, args []string) error {
		var scan types.DeviceScan
		var err error
		if devicesWait {
			LogInfo("cli").Msg("Waiting for a device, plug it in and enable USB debugging")
			scan, err = env.app.WaitForDevice(ctx, env.cfg.PollInterval)
		} else {
			scan, err = env.app.ScanDevices(ctx)
		}
		if err != nil {
			return err
		}
		printDevices(cmd.OutOrStdout(), scan)
		return nil
	}),
}

func init() {
	devicesCmd.Flags().BoolVar(&devicesWait, "wait", false, "poll until a device appears")
}

func printDevices(w io.Writer, scan types.DeviceScan) {
	if len(scan.Lines) == 0 {
		fmt.Fprintln(w, "No devices found")
		return
	}
	fmt.Fprintf(w, "%-28s %-14s %-10s\n", "DEVICE", "STATUS", "TRANSPORT")
	for _, l := range scan.Lines {
		transport := "usb"
		if l.Wireless {
			transport = "wireless"
		}
		marker := ""
		if l.ID == scan.DeviceID {
			marker = " *"
		}
		fmt.Fprintf(w, "%-28s %-14s %-10s%s\n", l.ID, l.Status, transport, marker)
	}
}

// ========================================
// connect / disconnect / wireless
// ========================================

var connectFlags transportFlags

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to a device over USB or wifi and wait for it to be authorized",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(ctx context.Context, env *cliEnv, cmd *cobra.Command, args []string) error {
		snap, err := env.connect(ctx, &connectFlags)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "connected: %s (%s)\n", snap.DeviceID, snap.Mode)
		return nil
	}),
}

var disconnectFlags transportFlags

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Detach a wireless device (defaults to the last wireless address)",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(ctx context.Context, env *cliEnv, cmd *cobra.Command, args []string) error {
		if disconnectFlags.wireless == "" {
			disconnectFlags.last = true
		}
		mode, err := disconnectFlags.mode(env.cache)
		if err != nil {
			return err
		}
		if _, err := env.app.DisconnectAddress(ctx, mode.Address); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "disconnected %s\n", mode.Address)
		return nil
	}),
}

var wirelessCmd = &cobra.Command{
	Use:   "wireless <address>",
	Short: "Switch the USB device to TCP/IP debugging (adb tcpip)",
	Long: `Enables wireless debugging on the authorized USB device. The port of
<address> (default 5555) is the port adb will listen on. Afterwards unplug the
cable and run: apkx connect --wireless <address>`,
	Args: cobra.ExactArgs(1),
	RunE: withEnv(func(ctx context.Context, env *cliEnv, cmd *cobra.Command, args []string) error {
		res, err := env.app.EnableWireless(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s now listens on port %d; unplug USB and run: apkx connect --last\n", res.Serial, res.Port)
		return nil
	}),
}

func init() {
	connectFlags.register(connectCmd)
	disconnectFlags.register(disconnectCmd)
}

// ========================================
// packages
// ========================================

var (
	packagesFlags  transportFlags
	packagesFilter string
	packagesCached bool
)

var packagesCmd = &cobra.Command{
	Use:   "packages",
	Short: "List installed packages and their APK paths",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(ctx context.Context, env *cliEnv, cmd *cobra.Command, args []string) error {
		if packagesCached {
			return printCachedPackages(ctx, env, cmd.OutOrStdout())
		}
		if _, err := env.connect(ctx, &packagesFlags); err != nil {
			return err
		}
		if _, err := env.app.ListPackages(ctx); err != nil {
			return err
		}
		printPackages(cmd.OutOrStdout(), env.app.Packages(packagesFilter))
		return nil
	}),
}

func init() {
	packagesFlags.register(packagesCmd)
	packagesCmd.Flags().StringVarP(&packagesFilter, "filter", "f", "", "case-insensitive substring of the APK name or path")
	packagesCmd.Flags().BoolVar(&packagesCached, "cached", false, "print the last listing saved for the attached device without querying it")
}

// printCachedPackages only enumerates devices; pm is not run.
func printCachedPackages(ctx context.Context, env *cliEnv, w io.Writer) error {
	if env.cache == nil {
		return errors.New("settings cache unavailable")
	}
	scan, err := env.app.ScanDevices(ctx)
	if err != nil {
		return err
	}
	if !scan.Authorized() {
		return errors.New("no authorized device attached")
	}
	snap, ok := env.cache.GetPackages(scan.DeviceID)
	if !ok {
		return fmt.Errorf("no cached listing for %s, run packages without --cached first", scan.DeviceID)
	}
	fmt.Fprintf(w, "cached %s\n\n", time.Unix(snap.FetchedAt, 0).Format("2006-01-02 15:04:05"))
	printPackages(w, FilterPackages(snap.Entries, packagesFilter))
	return nil
}

func printPackages(w io.Writer, pkgs []types.PackageEntry) {
	if len(pkgs) == 0 {
		fmt.Fprintln(w, "No packages found")
		return
	}
	for _, p := range pkgs {
		fmt.Fprintf(w, "%-50s %s\n", p.Package, p.RemotePath)
	}
	fmt.Fprintf(w, "\n%d package(s)\n", len(pkgs))
}

// ========================================
// extract / run / pull
// ========================================

// scriptFlags are shared by extract and run.
type scriptFlags struct {
	transportFlags
	remote string
	target string
	pull   bool
	out    string
}

func (f *scriptFlags) register(cmd *cobra.Command) {
	f.transportFlags.register(cmd)
	cmd.Flags().StringVar(&f.remote, "remote", "", "device path of the script (default from config remote-script)")
	cmd.Flags().StringVarP(&f.target, "target", "t", "", "argument for the script, usually a package name (default: last target)")
	cmd.Flags().BoolVar(&f.pull, "pull", true, "pull the extracted APK when the script reports one")
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "local file or directory for the pulled APK")
}

func (f *scriptFlags) resolveTarget(c *cache.Service) string {
	if f.target == "" && c != nil {
		f.target = c.LastTarget()
	}
	return f.target
}

var (
	extractFlags  scriptFlags
	extractScript string
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Push a local extraction script, run it and pull the APK it extracts",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(ctx context.Context, env *cliEnv, cmd *cobra.Command, args []string) error {
		script := extractScript
		if script == "" && env.cache != nil {
			script, _ = env.cache.LastScript()
		}
		if script == "" {
			return errors.New("--script is required")
		}
		if _, err := env.connect(ctx, &extractFlags.transportFlags); err != nil {
			return err
		}
		res, err := env.app.PushAndRun(ctx, script, extractFlags.remote, extractFlags.resolveTarget(env.cache))
		if err != nil {
			return err
		}
		return finishScript(ctx, env, cmd.OutOrStdout(), res, &extractFlags)
	}),
}

var runFlags scriptFlags

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the extraction script already on the device and pull the APK it extracts",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(ctx context.Context, env *cliEnv, cmd *cobra.Command, args []string) error {
		if _, err := env.connect(ctx, &runFlags.transportFlags); err != nil {
			return err
		}
		res, err := env.app.RunScript(ctx, runFlags.remote, runFlags.resolveTarget(env.cache))
		if err != nil {
			return err
		}
		return finishScript(ctx, env, cmd.OutOrStdout(), res, &runFlags)
	}),
}

func init() {
	extractFlags.register(extractCmd)
	extractCmd.Flags().StringVarP(&extractScript, "script", "s", "", "local extraction script (default: last script)")
	runFlags.register(runCmd)
}

func finishScript(ctx context.Context, env *cliEnv, w io.Writer, res types.ScriptResult, f *scriptFlags) error {
	if env.cfg.Verbose && res.Stdout != "" {
		fmt.Fprintln(w, strings.TrimRight(res.Stdout, "\n"))
	}
	if !res.Ready {
		return errors.New("the script did not report an extracted APK (expected a line \"Extracted: <path>.apk\")")
	}
	fmt.Fprintf(w, "extracted on device: %s (%s)\n", res.ArtifactPath, res.Elapsed.Round(time.Millisecond))
	if !f.pull {
		return nil
	}
	env.showProgress()
	dl, err := env.app.Download(ctx, "", f.out)
	if err != nil {
		return err
	}
	printDownload(w, dl)
	return nil
}

var (
	pullFlags transportFlags
	pullOut   string
)

var pullCmd = &cobra.Command{
	Use:   "pull <remote-path>",
	Short: "Pull a file from the device, unpacking split bundles",
	Args:  cobra.ExactArgs(1),
	RunE: withEnv(func(ctx context.Context, env *cliEnv, cmd *cobra.Command, args []string) error {
		if _, err := env.connect(ctx, &pullFlags); err != nil {
			return err
		}
		env.showProgress()
		dl, err := env.app.Download(ctx, args[0], pullOut)
		if err != nil {
			return err
		}
		printDownload(cmd.OutOrStdout(), dl)
		return nil
	}),
}

func init() {
	pullFlags.register(pullCmd)
	pullCmd.Flags().StringVarP(&pullOut, "out", "o", "", "local file or directory (default: download dir)")
}

func printDownload(w io.Writer, dl types.DownloadResult) {
	fmt.Fprintf(w, "saved %s (%s in %s)\n", dl.LocalPath, formatBytes(dl.Bytes), dl.Elapsed.Round(time.Millisecond))
	o := dl.Outcome
	if o == nil {
		return
	}
	if o.Manifest != nil && o.Manifest.PackageName != "" {
		fmt.Fprintf(w, "bundle: %s %s (%d splits)\n", o.Manifest.PackageName, o.Manifest.VersionName, len(o.Manifest.Splits))
	}
	if o.Complete() {
		fmt.Fprintf(w, "base apk: %s\n", o.PrimaryPackagePath)
	}
	for _, warning := range o.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
}

// ========================================
// history
// ========================================

var (
	historyLimit   int
	historySession string
	historyErrors  bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past runs, or the events of one run, from the journal",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum rows")
	historyCmd.Flags().StringVar(&historySession, "session", "", "show the events of this session id")
	historyCmd.Flags().BoolVar(&historyErrors, "errors", false, "only warnings and errors")
}

// runHistory reads the journal only; adb is not needed.
func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer CloseLogger()

	path := cfg.JournalPath
	if path == "" {
		c, err := cache.New(cache.Config{ConfigDir: cfg.CacheDir})
		if err != nil {
			return err
		}
		path = filepath.Join(c.ConfigDir(), "journal.db")
	}
	store, err := NewEventStore(path)
	if err != nil {
		return err
	}
	defer store.Close()

	w := cmd.OutOrStdout()
	if historySession == "" {
		sessions, err := store.ListSessions(historyLimit)
		if err != nil {
			return err
		}
		printSessions(w, sessions)
		return nil
	}

	q := EventQuery{SessionID: historySession, Limit: historyLimit, Latest: true}
	if historyErrors {
		q.Levels = []EventLevel{LevelWarn, LevelError, LevelCritical}
	}
	events, err := store.QueryEvents(q)
	if err != nil {
		return err
	}
	printJournalEvents(w, events)
	return nil
}

func printSessions(w io.Writer, sessions []JournalSession) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions recorded")
		return
	}
	fmt.Fprintf(w, "%-36s %-19s %-10s %-7s %s\n", "SESSION", "STARTED", "STATUS", "EVENTS", "COMMAND")
	for _, s := range sessions {
		started := time.UnixMilli(s.StartTime).Format("2006-01-02 15:04:05")
		fmt.Fprintf(w, "%-36s %-19s %-10s %-7d %s\n", s.ID, started, s.Status, s.EventCount, s.Command)
	}
}

func printJournalEvents(w io.Writer, events []JournalEvent) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events")
		return
	}
	for _, e := range events {
		ts := time.UnixMilli(e.Timestamp).Format("15:04:05.000")
		line := fmt.Sprintf("%s %-8s %-10s %s", ts, e.Level, e.Category, e.Message)
		if e.ErrorKind != "" {
			line += " [" + e.ErrorKind + "]"
		}
		fmt.Fprintln(w, line)
	}
}

// ========================================
// mcp
// ========================================

var mcpCmd = &cobra.Command{
	Use:         "mcp",
	Short:       "Serve the extractor to MCP clients over stdio",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationPersistentLog: "true"},
	RunE: withEnv(func(ctx context.Context, env *cliEnv, cmd *cobra.Command, args []string) error {
		return StartMCPServer(env.app, env.journal)
	}),
}
