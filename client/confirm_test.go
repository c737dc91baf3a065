package client

import (
	"testing"

	"driftpursuit/replication/tick"
)

func TestConfirmHistoryShiftsWindow(t *testing.T) {
	history := NewConfirmHistory(tick.New(10))
	if !history.Contains(tick.New(10)) {
		t.Fatalf("expected the seed tick to be confirmed")
	}
	if history.Contains(tick.New(9)) {
		t.Fatalf("tick 9 was never confirmed")
	}

	//1.- Confirming a newer tick shifts the mask and keeps older bits.
	history.Confirm(tick.New(12))
	if !history.Contains(tick.New(12)) || !history.Contains(tick.New(10)) {
		t.Fatalf("expected 12 and 10 confirmed, got %v", history)
	}
	if history.Contains(tick.New(11)) {
		t.Fatalf("tick 11 was never confirmed")
	}

	//2.- Backfilling inside the window sets the right bit.
	history.Confirm(tick.New(11))
	if !history.Contains(tick.New(11)) {
		t.Fatalf("expected backfilled 11, got %v", history)
	}
}

func TestConfirmHistoryOldTicksAssumedReceived(t *testing.T) {
	history := NewConfirmHistory(tick.New(100))
	if !history.Contains(tick.New(30)) {
		t.Fatalf("ticks older than the 64-bit window count as received")
	}
	if history.Contains(tick.New(90)) {
		t.Fatalf("in-window unconfirmed tick must read false")
	}
}

func TestConfirmHistoryLargeJumpClearsMask(t *testing.T) {
	history := NewConfirmHistory(tick.New(1))
	history.Confirm(tick.New(200))
	if history.Contains(tick.New(199)) {
		t.Fatalf("mask must clear on a jump past the window")
	}
	if !history.Contains(tick.New(200)) {
		t.Fatalf("the jumped-to tick must be confirmed")
	}
}

func TestContainsAny(t *testing.T) {
	history := NewConfirmHistory(tick.New(20))
	history.Confirm(tick.New(24))

	if !history.ContainsAny(tick.New(18), tick.New(21)) {
		t.Fatalf("range covering tick 20 must match")
	}
	if history.ContainsAny(tick.New(21), tick.New(23)) {
		t.Fatalf("range of unconfirmed ticks must not match")
	}
	if !history.ContainsAny(tick.New(22), tick.New(30)) {
		t.Fatalf("range covering the last tick must match")
	}
	if history.ContainsAny(tick.New(25), tick.New(30)) {
		t.Fatalf("future-only range must not match")
	}
}

func TestMutateTicksCompletion(t *testing.T) {
	ticks := NewMutateTicks()

	//1.- A two-message tick completes only after both packets land.
	if ticks.Record(tick.New(5), 2) {
		t.Fatalf("first of two packets must not complete the tick")
	}
	if ticks.Complete(tick.New(5)) {
		t.Fatalf("tick must not read complete early")
	}
	if !ticks.Record(tick.New(5), 2) {
		t.Fatalf("second packet must complete the tick")
	}
	if !ticks.Complete(tick.New(5)) {
		t.Fatalf("tick must read complete")
	}

	//2.- Single-message ticks complete immediately.
	if !ticks.Record(tick.New(6), 1) {
		t.Fatalf("single packet tick must complete at once")
	}

	ticks.Reset()
	if ticks.Complete(tick.New(5)) {
		t.Fatalf("reset must clear completion state")
	}
}
