package main

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"ApkExtractor/pkg/types"
)

// PendingOperation is the token of one in-flight command.
type PendingOperation struct {
	ID      string
	Slot    types.Slot
	Command string
	Started time.Time

	ctx    context.Context
	cancel context.CancelFunc
	abort  func(error) // completes the owning flow when the token is cancelled
}

// Context is cancelled when the token is released or cancelled.
func (op *PendingOperation) Context() context.Context {
	return op.ctx
}

// slotTable holds at most one pending operation per slot. Loop-owned, no lock.
type slotTable struct {
	ops map[types.Slot]*PendingOperation
}

func newSlotTable() *slotTable {
	return &slotTable{ops: make(map[types.Slot]*PendingOperation)}
}

// acquire reserves slot. A second dispatch into an occupied slot is rejected with ErrSlotBusy.
func (t *slotTable) acquire(parent context.Context, slot types.Slot, abort func(error)) (*PendingOperation, error) {
	if _, busy := t.ops[slot]; busy {
		return nil, types.ErrSlotBusy
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	op := &PendingOperation{
		ID:      uuid.New().String(),
		Slot:    slot,
		Started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		abort:   abort,
	}
	t.ops[slot] = op
	pendingOperations.Set(float64(len(t.ops)))
	return op, nil
}

// release frees the slot if op still holds it.
func (t *slotTable) release(op *PendingOperation) {
	if op == nil {
		return
	}
	if cur, ok := t.ops[op.Slot]; ok && cur == op {
		delete(t.ops, op.Slot)
	}
	op.cancel()
	pendingOperations.Set(float64(len(t.ops)))
}

// holds reports whether op is still the live token of its slot.
func (t *slotTable) holds(op *PendingOperation) bool {
	return op != nil && t.ops[op.Slot] == op
}

func (t *slotTable) busy(slot types.Slot) bool {
	_, ok := t.ops[slot]
	return ok
}

// pending lists occupied slots in fixed order.
func (t *slotTable) pending() []string {
	out := make([]string, 0, len(t.ops))
	for slot := range t.ops {
		out = append(out, string(slot))
	}
	sort.Slice(out, func(i, j int) bool { return slotOrder(out[i]) < slotOrder(out[j]) })
	return out
}

// cancelAll clears every token first, then kills the workers and completes their flows.
func (t *slotTable) cancelAll(err error) int {
	ops := make([]*PendingOperation, 0, len(t.ops))
	for _, op := range t.ops {
		ops = append(ops, op)
	}
	t.ops = make(map[types.Slot]*PendingOperation)
	pendingOperations.Set(0)

	for _, op := range ops {
		op.cancel()
	}
	for _, op := range ops {
		if op.abort != nil {
			op.abort(err)
		}
	}
	return len(ops)
}

// cancelExcept cancels every token except the ones for keep.
func (t *slotTable) cancelExcept(err error, keep ...types.Slot) int {
	n := 0
	for slot, op := range t.ops {
		skip := false
		for _, k := range keep {
			if k == slot {
				skip = true
			}
		}
		if skip {
			continue
		}
		delete(t.ops, slot)
		op.cancel()
		if op.abort != nil {
			op.abort(err)
		}
		n++
	}
	pendingOperations.Set(float64(len(t.ops)))
	return n
}

func slotOrder(s string) int {
	for i, slot := range types.AllSlots {
		if string(slot) == s {
			return i
		}
	}
	return len(types.AllSlots)
}
