package health

import "testing"

func TestTrackerSetAndSnapshot(t *testing.T) {
	tracker := NewTracker()
	tracker.Setf(ComponentControl, LevelOK, "listening on %s", "control.sock")
	snap := tracker.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(snap))
	}
	if snap[ComponentControl].Level != LevelOK {
		t.Fatalf("expected level ok")
	}
	if snap[ComponentControl].Message != "listening on control.sock" {
		t.Fatalf("unexpected message %q", snap[ComponentControl].Message)
	}
}

func TestTrackerOverall(t *testing.T) {
	tracker := NewTracker()
	tracker.Setf(ComponentNamespace, LevelOK, "ready")
	tracker.Setf(ComponentListeners, LevelWarn, "partial")
	if tracker.Overall() != LevelWarn {
		t.Fatalf("expected overall warn")
	}
	tracker.Setf(ComponentStatus, LevelError, "down")
	if tracker.Overall() != LevelError {
		t.Fatalf("expected overall error")
	}
}

func TestTrackerSummary(t *testing.T) {
	tracker := NewTracker()
	tracker.Setf(ComponentControl, LevelOK, "up")
	sum := tracker.Summary()
	if sum[ComponentControl] != "ok: up" {
		t.Fatalf("unexpected summary %q", sum[ComponentControl])
	}
}
