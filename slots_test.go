package main

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"ApkExtractor/pkg/types"
)

func TestSlotAcquireBusy(t *testing.T) {
	st := newSlotTable()

	op, err := st.acquire(context.Background(), types.SlotPull, nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !st.holds(op) || !st.busy(types.SlotPull) {
		t.Fatal("slot should be held")
	}
	if _, err := st.acquire(context.Background(), types.SlotPull, nil); !errors.Is(err, types.ErrSlotBusy) {
		t.Errorf("second acquire err = %v, want ErrSlotBusy", err)
	}
	if _, err := st.acquire(context.Background(), types.SlotList, nil); err != nil {
		t.Errorf("other slots stay free: %v", err)
	}

	st.release(op)
	if st.holds(op) || st.busy(types.SlotPull) {
		t.Error("slot should be free after release")
	}
	if op.Context().Err() == nil {
		t.Error("release should cancel the operation context")
	}
	// a stale token does not free its successor
	next, _ := st.acquire(context.Background(), types.SlotPull, nil)
	st.release(op)
	if !st.holds(next) {
		t.Error("releasing a stale token freed the new one")
	}
}

func TestSlotPendingOrder(t *testing.T) {
	st := newSlotTable()
	for _, s := range []types.Slot{types.SlotPull, types.SlotConnect, types.SlotList, types.SlotSizeCheck} {
		if _, err := st.acquire(context.Background(), s, nil); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{"connect", "list", "size-check", "pull"}
	if got := st.pending(); !reflect.DeepEqual(got, want) {
		t.Errorf("pending = %v, want %v", got, want)
	}
}

func TestSlotCancelAll(t *testing.T) {
	st := newSlotTable()
	var aborted []types.Slot
	var sawHeld bool
	abort := func(slot types.Slot) func(error) {
		return func(err error) {
			if !errors.Is(err, types.ErrCanceled) {
				t.Errorf("abort err = %v", err)
			}
			// tokens are cleared before any abort runs
			sawHeld = sawHeld || len(st.ops) != 0
			aborted = append(aborted, slot)
		}
	}
	push, _ := st.acquire(context.Background(), types.SlotPush, abort(types.SlotPush))
	list, _ := st.acquire(context.Background(), types.SlotList, abort(types.SlotList))

	if n := st.cancelAll(types.ErrCanceled); n != 2 {
		t.Errorf("cancelAll = %d, want 2", n)
	}
	if len(aborted) != 2 {
		t.Errorf("aborted = %v", aborted)
	}
	if sawHeld {
		t.Error("an abort observed a token still held")
	}
	if push.Context().Err() == nil || list.Context().Err() == nil {
		t.Error("contexts should be cancelled")
	}
	if len(st.pending()) != 0 {
		t.Errorf("pending = %v", st.pending())
	}
	if n := st.cancelAll(types.ErrCanceled); n != 0 {
		t.Errorf("second cancelAll = %d", n)
	}
}

func TestSlotCancelExcept(t *testing.T) {
	st := newSlotTable()
	st.acquire(context.Background(), types.SlotPull, nil)
	keep, _ := st.acquire(context.Background(), types.SlotDisconnect, nil)

	if n := st.cancelExcept(types.ErrCanceled, types.SlotDisconnect); n != 1 {
		t.Errorf("cancelExcept = %d, want 1", n)
	}
	if !st.holds(keep) {
		t.Error("kept slot was cancelled")
	}
	if st.busy(types.SlotPull) {
		t.Error("pull should be cancelled")
	}
}

func TestSlotParentContext(t *testing.T) {
	st := newSlotTable()
	parent, cancel := context.WithCancel(context.Background())
	op, _ := st.acquire(parent, types.SlotExecute, nil)
	cancel()
	if op.Context().Err() == nil {
		t.Error("operation context should derive from the caller's")
	}
	if !st.holds(op) {
		t.Error("a cancelled caller does not release the slot by itself")
	}
}
