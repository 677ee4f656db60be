package main

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"ApkExtractor/pkg/adb"
	"ApkExtractor/pkg/types"
)

// fakeHandler answers one adb invocation.
type fakeHandler func(ctx context.Context, cmd adb.Command) (types.CommandResult, error)

// fakeExecutor scripts adb per action. Handlers queued for an action are used
// in order; the last one keeps answering.
type fakeExecutor struct {
	mu       sync.Mutex
	handlers map[string][]fakeHandler
	calls    []adb.Command
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{handlers: make(map[string][]fakeHandler)}
}

func (f *fakeExecutor) on(action string, hs ...fakeHandler) *fakeExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[action] = append(f.handlers[action], hs...)
	return f
}

func (f *fakeExecutor) Run(ctx context.Context, cmd adb.Command) (types.CommandResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	var h fakeHandler
	if q := f.handlers[cmd.Action]; len(q) > 0 {
		h = q[0]
		if len(q) > 1 {
			f.handlers[cmd.Action] = q[1:]
		}
	}
	f.mu.Unlock()

	if h == nil {
		return types.CommandResult{Command: cmd.String(), ExitCode: 1, Stderr: "unexpected command: " + cmd.String()}, nil
	}
	res, err := h(ctx, cmd)
	res.Command = cmd.String()
	return res, err
}

// called returns the recorded invocations of action.
func (f *fakeExecutor) called(action string) []adb.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []adb.Command
	for _, c := range f.calls {
		if c.Action == action {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeExecutor) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeExecutor) count(action string) int {
	return len(f.called(action))
}

func reply(stdout string) fakeHandler {
	return func(ctx context.Context, cmd adb.Command) (types.CommandResult, error) {
		return types.CommandResult{Stdout: stdout}, nil
	}
}

func replyErr(code int, stdout, stderr string) fakeHandler {
	return func(ctx context.Context, cmd adb.Command) (types.CommandResult, error) {
		return types.CommandResult{Stdout: stdout, Stderr: stderr, ExitCode: code}, nil
	}
}

// block waits for cancellation, the way a killed adb process ends.
func block(started chan<- struct{}) fakeHandler {
	return func(ctx context.Context, cmd adb.Command) (types.CommandResult, error) {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return types.CommandResult{ExitCode: -1}, ctx.Err()
	}
}

// writeLocal simulates adb pull: half of data, a pause, then the rest.
func writeLocal(data []byte, pause time.Duration) fakeHandler {
	return func(ctx context.Context, cmd adb.Command) (types.CommandResult, error) {
		local := cmd.Args[len(cmd.Args)-1]
		half := len(data) / 2
		if err := os.WriteFile(local, data[:half], 0644); err != nil {
			return types.CommandResult{ExitCode: 1, Stderr: err.Error()}, nil
		}
		select {
		case <-time.After(pause):
		case <-ctx.Done():
			return types.CommandResult{ExitCode: -1}, ctx.Err()
		}
		f, err := os.OpenFile(local, os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return types.CommandResult{ExitCode: 1, Stderr: err.Error()}, nil
		}
		_, err = f.Write(data[half:])
		f.Close()
		if err != nil {
			return types.CommandResult{ExitCode: 1, Stderr: err.Error()}, nil
		}
		return types.CommandResult{Stdout: "1 file pulled"}, nil
	}
}

const (
	usbSerial       = "R58M123ABC"
	wirelessAddress = "192.168.1.20:5555"

	devicesUSB          = "List of devices attached\n" + usbSerial + "\tdevice\n"
	devicesWireless     = "List of devices attached\n" + wirelessAddress + "\tdevice\n"
	devicesBoth         = "List of devices attached\n" + usbSerial + "\tdevice\n" + wirelessAddress + "\tdevice\n"
	devicesUnauthorized = "List of devices attached\n" + usbSerial + "\tunauthorized\n"
	devicesNone         = "List of devices attached\n\n"
)

func newTestApp(t *testing.T, exec *fakeExecutor) *App {
	t.Helper()
	app := NewApp(Options{
		Executor:         exec,
		ProgressInterval: 10 * time.Millisecond,
		DownloadDir:      t.TempDir(),
	})
	t.Cleanup(app.Shutdown)
	return app
}

// connectedApp returns an app already Connected over USB.
func connectedApp(t *testing.T, exec *fakeExecutor) *App {
	t.Helper()
	exec.on("devices", reply(devicesUSB))
	app := newTestApp(t, exec)
	snap, err := app.Connect(context.Background(), types.USB())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if snap.State != types.StateConnected {
		t.Fatalf("state = %s, want connected", snap.State)
	}
	return app
}

// drain returns the events already delivered to ch.
func drain(ch <-chan StatusEvent) []StatusEvent {
	var out []StatusEvent
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventsOfKind(events []StatusEvent, kind EventKind) []StatusEvent {
	var out []StatusEvent
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// waitFor polls cond for up to a second.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func zipBytes(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}
