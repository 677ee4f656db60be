package main

import (
	"errors"
	"sync"
	"testing"

	"ApkExtractor/pkg/types"
)

func TestEventLoopRunsInOrder(t *testing.T) {
	l := newEventLoop(16)
	defer l.stop()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		if !l.post(func() { got = append(got, i) }) {
			t.Fatal("post rejected on a running loop")
		}
	}
	if err := l.call(func() error { return nil }); err != nil {
		t.Fatalf("call: %v", err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran as %d", i, v)
		}
	}
	if len(got) != 100 {
		t.Errorf("ran %d tasks, want 100", len(got))
	}
}

func TestEventLoopCallReturnsError(t *testing.T) {
	l := newEventLoop(1)
	defer l.stop()

	want := errors.New("boom")
	if err := l.call(func() error { return want }); !errors.Is(err, want) {
		t.Errorf("call = %v, want %v", err, want)
	}
}

func TestEventLoopRecoversPanics(t *testing.T) {
	l := newEventLoop(4)
	defer l.stop()

	l.post(func() { panic("handler bug") })
	if err := l.call(func() error { return nil }); err != nil {
		t.Errorf("loop should survive a panic, call = %v", err)
	}
}

func TestEventLoopStop(t *testing.T) {
	l := newEventLoop(8)

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 5; i++ {
		l.post(func() {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}
	l.stop()
	l.stop()

	mu.Lock()
	defer mu.Unlock()
	if ran != 5 {
		t.Errorf("ran %d queued tasks before exit, want 5", ran)
	}
	if l.post(func() {}) {
		t.Error("post after stop should be rejected")
	}
	if err := l.call(func() error { return nil }); !errors.Is(err, types.ErrShutdown) {
		t.Errorf("call after stop = %v, want ErrShutdown", err)
	}
}
