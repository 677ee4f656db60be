package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDefaultLogConfig(t *testing.T) {
	config := DefaultLogConfig()
	if config.Level != zerolog.InfoLevel {
		t.Errorf("Expected default level Info, got %s", config.Level)
	}
	if !config.Console {
		t.Error("Expected console output to be enabled by default")
	}
	if config.FilePath != "" {
		t.Error("Expected file output to be disabled by default")
	}
	if config.ConsoleOut != os.Stderr {
		t.Error("Console output should go to stderr, stdout is for command output")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{" warn ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"chatty", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestInitLoggerConsoleLevel(t *testing.T) {
	var buf bytes.Buffer
	err := InitLogger(LogConfig{Level: zerolog.WarnLevel, Console: true, ConsoleOut: &buf})
	if err != nil {
		t.Fatalf("Failed to init logger: %v", err)
	}
	defer InitLogger(DefaultLogConfig())

	LogInfo("test").Msg("hidden message")
	LogWarn("test").Str("device", "R58M123ABC").Msg("visible message")

	output := buf.String()
	if strings.Contains(output, "hidden message") {
		t.Error("Info message should be filtered at warn level")
	}
	if !strings.Contains(output, "visible message") || !strings.Contains(output, "R58M123ABC") {
		t.Errorf("Expected warn message with fields, got %q", output)
	}
}

func TestPersistentLogger(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "apkx.log")

	pl, err := NewPersistentLogger(LogConfig{
		Level:      zerolog.InfoLevel,
		FilePath:   logPath,
		MaxSizeMB:  1,
		MaxAgeDays: 7,
		MaxBackups: 5,
	})
	if err != nil {
		t.Fatalf("Failed to create persistent logger: %v", err)
	}
	defer pl.Close()

	testData := []byte("Test log message\n")
	n, err := pl.Write(testData)
	if err != nil {
		t.Errorf("Failed to write: %v", err)
	}
	if n != len(testData) {
		t.Errorf("Expected to write %d bytes, wrote %d", len(testData), n)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "Test log message") {
		t.Error("Log file does not contain expected message")
	}
}

func TestPersistentLoggerRotation(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "rotate.log")

	pl, err := NewPersistentLogger(LogConfig{FilePath: logPath, MaxSizeMB: 1, MaxBackups: 5})
	if err != nil {
		t.Fatalf("Failed to create persistent logger: %v", err)
	}
	defer pl.Close()

	chunk := bytes.Repeat([]byte("x"), 700*1024)
	if _, err := pl.Write(chunk); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := pl.Write(chunk); err != nil {
		t.Fatalf("second write: %v", err)
	}

	rotated, _ := filepath.Glob(filepath.Join(dir, "rotate_*.log"))
	if len(rotated) != 1 {
		t.Fatalf("Expected one rotated file, got %v", rotated)
	}
	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("Current log file missing after rotation: %v", err)
	}
	if info.Size() != int64(len(chunk)) {
		t.Errorf("Current log size = %d, want %d", info.Size(), len(chunk))
	}
}

func TestPersistentLoggerClosed(t *testing.T) {
	pl, err := NewPersistentLogger(LogConfig{FilePath: filepath.Join(t.TempDir(), "closed.log")})
	if err != nil {
		t.Fatalf("Failed to create persistent logger: %v", err)
	}
	if err := pl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := pl.Write([]byte("late\n")); !errors.Is(err, os.ErrClosed) {
		t.Errorf("Write after Close = %v, want os.ErrClosed", err)
	}
	// second close is a no-op
	if err := pl.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestCompressLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.log")
	if err := os.WriteFile(path, []byte("rotated content\n"), 0644); err != nil {
		t.Fatal(err)
	}
	compressLogFile(path)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Original file should be removed after compression")
	}
	if _, err := os.Stat(path + ".gz"); err != nil {
		t.Errorf("Compressed file missing: %v", err)
	}
}

func TestOperationTimer(t *testing.T) {
	var buf bytes.Buffer
	if err := InitLogger(LogConfig{Level: zerolog.DebugLevel}); err != nil {
		t.Fatalf("Failed to init logger: %v", err)
	}
	Logger = zerolog.New(&buf).Level(zerolog.DebugLevel)
	defer InitLogger(DefaultLogConfig())

	timer := StartOperation("adb", "pull")
	timer.AddDetail("slot", "pull").AddDetail("exit_code", 0)
	time.Sleep(5 * time.Millisecond)
	timer.End()

	StartOperation("adb", "push").EndWithError(os.ErrNotExist)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 log lines, got %d: %q", len(lines), buf.String())
	}

	var first map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if first["operation"] != "pull" || first["slot"] != "pull" || first["level"] != "debug" {
		t.Errorf("Unexpected fields: %v", first)
	}
	if ms, ok := first["duration_ms"].(float64); !ok || ms < 5 {
		t.Errorf("duration_ms = %v, want >= 5", first["duration_ms"])
	}
	if !strings.Contains(lines[1], `"level":"warn"`) || !strings.Contains(lines[1], "file does not exist") {
		t.Errorf("Failed operation should log a warning with the error: %s", lines[1])
	}
}

func TestCloseLogger(t *testing.T) {
	config := DefaultLogConfig()
	config.Console = false
	config.FilePath = filepath.Join(t.TempDir(), "apkx.log")

	if err := InitLogger(config); err != nil {
		t.Fatalf("Failed to init logger: %v", err)
	}
	if GetLogFilePath() != config.FilePath {
		t.Errorf("GetLogFilePath = %q, want %q", GetLogFilePath(), config.FilePath)
	}
	LogInfo("test").Msg("test message before close")

	CloseLogger()
	if GetLogFilePath() != "" {
		t.Error("GetLogFilePath should be empty after CloseLogger")
	}
	InitLogger(DefaultLogConfig())

	content, err := os.ReadFile(config.FilePath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "test message before close") {
		t.Error("Log file does not contain the message")
	}
}

func TestPersistentLogConfig(t *testing.T) {
	dir := t.TempDir()
	config := PersistentLogConfig(dir)
	if config.FilePath != filepath.Join(dir, "logs", "apkx.log") {
		t.Errorf("FilePath = %q", config.FilePath)
	}
	if !config.Console || !config.Compress || config.MaxSizeMB != 10 {
		t.Errorf("PersistentLogConfig should keep the defaults, got %+v", config)
	}

	if err := InitLogger(config); err != nil {
		t.Fatalf("Failed to init logger: %v", err)
	}
	defer InitLogger(DefaultLogConfig())
	defer CloseLogger()
	if _, err := os.Stat(filepath.Join(dir, "logs")); err != nil {
		t.Errorf("log directory not created: %v", err)
	}
}

func TestInitLoggerAddsCaller(t *testing.T) {
	var buf bytes.Buffer
	if err := InitLogger(LogConfig{Level: zerolog.InfoLevel, Console: true, ConsoleOut: &buf}); err != nil {
		t.Fatalf("Failed to init logger: %v", err)
	}
	defer InitLogger(DefaultLogConfig())

	LogInfo("test").Msg("where am I")
	if !strings.Contains(buf.String(), "logger_test.go:") {
		t.Errorf("Expected caller file in output, got %q", buf.String())
	}
}

// syncBuffer is written by the app's loop goroutine and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLogUserAction(t *testing.T) {
	var buf syncBuffer
	Logger = zerolog.New(&buf)
	defer InitLogger(DefaultLogConfig())

	exec := newFakeExecutor().
		on("devices", reply(devicesUSB)).
		on("list", reply("package:/data/app/com.example.app-1/base.apk=com.example.app\n"))
	app := connectedApp(t, exec)
	if _, err := app.ListPackages(context.Background()); err != nil {
		t.Fatalf("ListPackages: %v", err)
	}
	if _, err := app.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	app.Shutdown()

	var actions []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("Invalid JSON log line %q: %v", line, err)
		}
		if entry["category"] != "user_interaction" {
			continue
		}
		actions = append(actions, entry["action"].(string))
		if entry["action"] == string(ActionPackageList) && entry["device_id"] != usbSerial {
			t.Errorf("package_list device_id = %v", entry["device_id"])
		}
	}
	want := []string{"device_connect", "package_list", "device_disconnect"}
	if strings.Join(actions, ",") != strings.Join(want, ",") {
		t.Errorf("user actions = %v, want %v", actions, want)
	}
}

func TestVerboseLogsRawOutput(t *testing.T) {
	var buf syncBuffer
	Logger = zerolog.New(&buf).Level(zerolog.DebugLevel)
	defer InitLogger(DefaultLogConfig())

	exec := newFakeExecutor().on("list", replyErr(0, "package:/data/app/a-1/base.apk=com.a\n", "warning: stale\n"))
	app := connectedApp(t, exec)
	app.SetVerbose(true)
	if _, err := app.ListPackages(context.Background()); err != nil {
		t.Fatalf("ListPackages: %v", err)
	}
	app.Shutdown()

	output := buf.String()
	if !strings.Contains(output, `"message":"Raw command output"`) || !strings.Contains(output, "warning: stale") {
		t.Errorf("Expected the raw stdout and stderr at debug level, got %q", output)
	}
	if strings.Count(output, "Raw command output") != 1 {
		t.Error("Only the command run after SetVerbose should be echoed")
	}
}
