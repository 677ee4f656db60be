package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"ApkExtractor/pkg/adb"
	"ApkExtractor/pkg/cache"
	"ApkExtractor/pkg/types"
)

// DefaultRemoteScript is where the extraction script is pushed by default.
const DefaultRemoteScript = "/data/local/tmp/extract-apk.sh"

// Options configures an App.
type Options struct {
	Executor         adb.Executor
	Patterns         adb.Patterns
	ProgressInterval time.Duration
	RemoteScript     string
	DownloadDir      string
	Recorder         EventRecorder  // optional journal
	Cache            *cache.Service // optional settings/package cache
	Verbose          bool
}

// App struct
type App struct {
	exec     adb.Executor
	loop     *eventLoop
	bus      *EventBus
	recorder EventRecorder
	cache    *cache.Service

	// loop-owned
	slots            *slotTable
	state            *orchestratorState
	monitor          *ProgressMonitor
	patterns         adb.Patterns
	progressInterval time.Duration
	remoteScript     string
	downloadDir      string
	verbose          bool

	version      string
	shutdownOnce sync.Once
}

// NewApp creates a new App instance
func NewApp(opts Options) *App {
	if opts.Executor == nil {
		opts.Executor = adb.NewRunner("adb")
	}
	if opts.RemoteScript == "" {
		opts.RemoteScript = DefaultRemoteScript
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	a := &App{
		exec:             opts.Executor,
		loop:             newEventLoop(128),
		bus:              NewEventBus(256),
		recorder:         opts.Recorder,
		cache:            opts.Cache,
		slots:            newSlotTable(),
		state:            newOrchestratorState(),
		patterns:         opts.Patterns.Merge(adb.DefaultPatterns()),
		progressInterval: opts.ProgressInterval,
		remoteScript:     opts.RemoteScript,
		downloadDir:      opts.DownloadDir,
		verbose:          opts.Verbose,
	}
	RecordConnectionState(types.StateDisconnected)
	return a
}

// CheckTool runs `adb version`. A missing adb is the only startup-fatal condition.
func (a *App) CheckTool(ctx context.Context) (string, error) {
	res, err := a.exec.Run(ctx, adb.Version())
	RecordCommand("version", res, err)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", types.NewError(types.KindLaunchFailure, "version", strings.TrimSpace(res.Stdout+res.Stderr))
	}
	a.version = adb.ParseVersion(res.Stdout)
	LogAppState(AppReady, map[string]interface{}{"adb_version": a.version})
	return a.version, nil
}

// ToolVersion returns the version found by CheckTool.
func (a *App) ToolVersion() string {
	return a.version
}

// Shutdown cancels everything in flight and stops the loop.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		LogAppState(AppShuttingDown, nil)
		_ = a.loop.call(func() error {
			a.stopTransfer()
			a.slots.cancelAll(types.ErrShutdown)
			return nil
		})
		a.loop.stop()
		if r, ok := a.exec.(*adb.Runner); ok {
			if n := r.Terminate(); n > 0 {
				LogWarn("app").Int("killed", n).Msg("Killed leftover adb processes")
			}
		}
		a.bus.Close()
		LogAppState(AppStopped, nil)
	})
}

// Events subscribes to status events.
func (a *App) Events() (<-chan StatusEvent, func()) {
	return a.bus.Subscribe()
}

// ========================================
// 状态查询
// ========================================

// Status returns a snapshot of the connection state.
func (a *App) Status() types.ConnectionSnapshot {
	var snap types.ConnectionSnapshot
	_ = a.loop.call(func() error {
		snap = a.snapshot()
		return nil
	})
	return snap
}

// Packages filters the current package list.
func (a *App) Packages(query string) []types.PackageEntry {
	var out []types.PackageEntry
	_ = a.loop.call(func() error {
		out = FilterPackages(a.state.packages, query)
		return nil
	})
	return out
}

// SetPatterns replaces the success phrases; empty lists keep the defaults.
func (a *App) SetPatterns(p adb.Patterns) {
	a.loop.post(func() {
		a.patterns = p.Merge(adb.DefaultPatterns())
		LogInfo("config").Strs("connect", a.patterns.ConnectSuccess).Strs("bootstrap", a.patterns.BootstrapSuccess).Msg("Patterns updated")
	})
}

// SetDownloadDir changes where downloads land when no path is given.
func (a *App) SetDownloadDir(dir string) {
	a.loop.post(func() { a.downloadDir = dir })
}

// SetVerbose toggles echoing raw command output as log events.
func (a *App) SetVerbose(v bool) {
	a.loop.post(func() { a.verbose = v })
}

func (a *App) snapshot() types.ConnectionSnapshot {
	return a.state.snapshot(a.slots.pending())
}

// ========================================
// 公共阻塞 API
// ========================================

// Connect starts a connection attempt and waits for its first result.
// A waiting (unauthorized/offline) device returns a Connecting snapshot and no error.
func (a *App) Connect(ctx context.Context, mode types.TransportMode) (types.ConnectionSnapshot, error) {
	return await(ctx, a, func(ctx context.Context, done func(types.ConnectionSnapshot, error)) error {
		return a.beginConnect(ctx, mode, done)
	})
}

// PollConnection re-enumerates devices while Connecting.
func (a *App) PollConnection(ctx context.Context) (types.ConnectionSnapshot, error) {
	return await(ctx, a, a.beginPoll)
}

// WaitForAuthorization polls until the device is authorized, the attempt fails or ctx ends.
func (a *App) WaitForAuthorization(ctx context.Context, interval time.Duration) (types.ConnectionSnapshot, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for {
		snap := a.Status()
		if snap.State != types.StateConnecting {
			return snap, nil
		}
		if err := limiter.Wait(ctx); err != nil {
			return snap, err
		}
		snap, err := a.PollConnection(ctx)
		if err != nil && !errors.Is(err, types.ErrSlotBusy) {
			return snap, err
		}
	}
}

// Disconnect drops the device. Wireless connections are detached with `adb disconnect`.
func (a *App) Disconnect(ctx context.Context) (types.ConnectionSnapshot, error) {
	return await(ctx, a, a.beginDisconnect)
}

// DisconnectAddress runs `adb disconnect <address>` whether or not this App is
// connected to it. A connection to that address is dropped as by Disconnect.
func (a *App) DisconnectAddress(ctx context.Context, address string) (types.ConnectionSnapshot, error) {
	return await(ctx, a, func(ctx context.Context, done func(types.ConnectionSnapshot, error)) error {
		return a.beginDetach(ctx, address, done)
	})
}

// EnableWireless switches the authorized USB device to TCP/IP on the port of address.
func (a *App) EnableWireless(ctx context.Context, address string) (types.BootstrapResult, error) {
	return await(ctx, a, func(ctx context.Context, done func(types.BootstrapResult, error)) error {
		return a.beginEnableWireless(ctx, address, done)
	})
}

// ScanDevices runs a single enumeration without touching the connection state.
func (a *App) ScanDevices(ctx context.Context) (types.DeviceScan, error) {
	return await(ctx, a, a.beginScan)
}

// WaitForDevice polls `adb devices` until any device line appears.
func (a *App) WaitForDevice(ctx context.Context, interval time.Duration) (types.DeviceScan, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return types.DeviceScan{}, err
		}
		scan, err := a.ScanDevices(ctx)
		if err != nil {
			if errors.Is(err, types.ErrSlotBusy) {
				continue
			}
			return scan, err
		}
		if len(scan.Lines) > 0 {
			return scan, nil
		}
	}
}

// PushAndRun pushes a local script and runs it with target as its argument.
func (a *App) PushAndRun(ctx context.Context, local, remote, target string) (types.ScriptResult, error) {
	return await(ctx, a, func(ctx context.Context, done func(types.ScriptResult, error)) error {
		return a.beginPushAndRun(ctx, local, remote, target, done)
	})
}

// RunScript runs a script already on the device.
func (a *App) RunScript(ctx context.Context, remote, target string) (types.ScriptResult, error) {
	return await(ctx, a, func(ctx context.Context, done func(types.ScriptResult, error)) error {
		return a.beginExecute(ctx, remote, target, done)
	})
}

// ListPackages refreshes the package list.
func (a *App) ListPackages(ctx context.Context) ([]types.PackageEntry, error) {
	return await(ctx, a, a.beginList)
}

// Download pulls remote (the extracted apk when empty) to local (the download dir when empty).
func (a *App) Download(ctx context.Context, remote, local string) (types.DownloadResult, error) {
	return await(ctx, a, func(ctx context.Context, done func(types.DownloadResult, error)) error {
		return a.beginDownload(ctx, remote, local, done)
	})
}

// Cancel abandons every pending operation. A Connected device stays connected.
func (a *App) Cancel() int {
	n := 0
	_ = a.loop.call(func() error {
		a.stopTransfer()
		n = a.slots.cancelAll(types.ErrCanceled)
		if a.state.conn == types.StateConnecting {
			a.dropConnection()
		}
		if n > 0 {
			a.logEvent(LevelWarn, "system", fmt.Sprintf("canceled %d pending operation(s)", n))
		}
		return nil
	})
	return n
}

// await starts a flow on the loop and blocks until it completes.
func await[T any](ctx context.Context, a *App, start func(context.Context, func(T, error)) error) (T, error) {
	type outcome struct {
		v   T
		err error
	}
	var zero T
	ch := make(chan outcome, 1)
	done := once(func(v T, err error) { ch <- outcome{v, err} })

	if err := a.loop.call(func() error { return start(ctx, done) }); err != nil {
		return zero, err
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		// the op contexts derive from ctx, so the workers are already being killed
		return zero, ctx.Err()
	case <-a.loop.done:
		select {
		case r := <-ch:
			return r.v, r.err
		default:
			return zero, types.ErrShutdown
		}
	}
}

// once makes a completion callback idempotent.
func once[T any](fn func(T, error)) func(T, error) {
	var o sync.Once
	return func(v T, err error) {
		o.Do(func() { fn(v, err) })
	}
}

// ========================================
// 命令派发 (loop only)
// ========================================

// dispatch runs cmd for op on a worker and marshals the result back onto the loop.
// next runs only while op still holds its slot and the command launched.
func (a *App) dispatch(op *PendingOperation, cmd adb.Command, next func(types.CommandResult)) {
	op.Command = cmd.String()
	timer := StartOperation("adb", cmd.Action).AddDetail("slot", string(op.Slot)).AddDetail("command", op.Command)
	call := adb.Go(op.ctx, a.exec, cmd)

	go func() {
		res, err := call.Result()
		RecordCommand(cmd.Action, res, err)
		if err != nil {
			timer.EndWithError(err)
		} else {
			timer.AddDetail("exit_code", res.ExitCode).End()
		}

		a.loop.post(func() {
			if !a.slots.holds(op) {
				// cancelled; no partial delivery
				return
			}
			if err != nil {
				if op.ctx.Err() != nil {
					a.slots.release(op)
					if op.abort != nil {
						op.abort(types.ErrCanceled)
					}
					return
				}
				a.abortAll(err)
				return
			}
			if a.verbose {
				a.echoOutput(op.Slot, cmd, res)
			}
			next(res)
		})
	}()
}

// abortAll handles a launch failure: every pending token is cleared and the
// connection returns to Disconnected.
func (a *App) abortAll(err error) {
	a.stopTransfer()
	a.state.clearArtifact()
	a.dropConnection()
	a.emitError(LevelCritical, "system", err)
	a.slots.cancelAll(err)
}

func (a *App) stopTransfer() {
	if a.monitor != nil {
		a.monitor.Stop()
		a.monitor = nil
	}
	a.state.transfer = nil
}

// ========================================
// 事件发布 (loop only)
// ========================================

func (a *App) emit(ev StatusEvent) {
	if ev.ID == "" {
		fresh := newEvent(ev.Kind)
		ev.ID, ev.Time = fresh.ID, fresh.Time
	}
	if ev.DeviceID == "" {
		ev.DeviceID = a.state.deviceID
	}
	RecordEvent(ev)

	if ev.Kind != EventProgress {
		logFor(ev.Level).
			Str("module", "event").
			Str("kind", string(ev.Kind)).
			Str("category", ev.Category).
			Str("device", ev.DeviceID).
			Msg(ev.Message)
		if a.recorder != nil {
			a.recorder.Record(ev)
		}
	}
	a.bus.Publish(ev)
}

func logFor(level EventLevel) *zerolog.Event {
	switch level {
	case LevelWarn:
		return Logger.Warn()
	case LevelError, LevelCritical:
		return Logger.Error()
	default:
		return Logger.Info()
	}
}

func (a *App) logEvent(level EventLevel, category, message string) {
	ev := newEvent(EventLog)
	ev.Level, ev.Category, ev.Message = level, category, message
	a.emit(ev)
}

func (a *App) emitError(level EventLevel, category string, err error) {
	ev := newEvent(EventLog)
	ev.Level, ev.Category = level, category
	ev.Message = err.Error()
	ev.Error = err.Error()
	ev.ErrKind = types.KindOf(err)
	a.emit(ev)
}

func (a *App) emitProgress(r ProgressReport) {
	ev := newEvent(EventProgress)
	ev.Category = string(types.SlotPull)
	ev.Percent, ev.Current, ev.Total = r.Percent, r.Current, r.Total
	a.emit(ev)
}

// setState changes the connection state and announces it.
func (a *App) setState(s types.ConnectionState) {
	prev := a.state.conn
	a.state.conn = s
	a.announceState(prev)
}

func (a *App) announceState(prev types.ConnectionState) {
	if prev == a.state.conn {
		return
	}
	RecordConnectionState(a.state.conn)
	ev := newEvent(EventConnection)
	ev.Level = LevelInfo
	ev.Category = string(types.SlotConnect)
	ev.State = a.state.conn
	ev.Message = "connection " + string(a.state.conn)
	if a.state.deviceID != "" {
		ev.Message += ": " + a.state.deviceID
	}
	a.emit(ev)
}

func (a *App) echoOutput(slot types.Slot, cmd adb.Command, res types.CommandResult) {
	out := strings.TrimSpace(res.Stdout)
	if e := strings.TrimSpace(res.Stderr); e != "" {
		out = strings.TrimSpace(out + "\n" + e)
	}
	LogDebug("adb").
		Str("slot", string(slot)).
		Str("command", cmd.String()).
		Int("exit_code", res.ExitCode).
		Str("stdout", res.Stdout).
		Str("stderr", res.Stderr).
		Msg("Raw command output")
	a.logEvent(LevelInfo, string(slot), fmt.Sprintf("$ %s (exit %d)\n%s", cmd, res.ExitCode, out))
}
