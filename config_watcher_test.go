package main

import (
	"os"
	"testing"
	"time"

	"ApkExtractor/pkg/adb"
)

func TestConfigWatcherReloadsPatterns(t *testing.T) {
	path := writeConfig(t, "patterns:\n  connect-success: [\"connected to\"]\n")

	applied := make(chan adb.Patterns, 4)
	w := NewConfigWatcher(path, func(p adb.Patterns) { applied <- p })
	w.delay = 20 * time.Millisecond
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	body := "patterns:\n  connect-success: [\"verbunden mit\"]\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-applied:
		if len(p.ConnectSuccess) != 1 || p.ConnectSuccess[0] != "verbunden mit" {
			t.Errorf("applied patterns = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("config change was not applied")
	}
}

func TestConfigWatcherKeepsPatternsOnBadFile(t *testing.T) {
	path := writeConfig(t, "log-level: info\n")

	applied := make(chan adb.Patterns, 4)
	w := NewConfigWatcher(path, func(p adb.Patterns) { applied <- p })
	w.delay = 20 * time.Millisecond
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("log-level: [broken\n"), 0644); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-applied:
		t.Errorf("a broken file must not be applied, got %+v", p)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestConfigWatcherStop(t *testing.T) {
	w := NewConfigWatcher(writeConfig(t, ""), func(adb.Patterns) {})
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w.Stop()
	w.Stop()
}
