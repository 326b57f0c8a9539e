package audit

import (
	"path/filepath"
	"testing"

	"github.com/outpost-guac/guacbridge/internal/guacamole"
)

func TestStoreRecordsSessionLifecycle(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer store.Close()

	store.SessionStarted("sess-1", guacamole.ProtocolRDP)
	store.SessionEnded("sess-1", nil)

	events, err := store.RecentEvents(10)
	if err != nil {
		t.Fatalf("RecentEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("RecentEvents() returned %d events, want 2", len(events))
	}

	var sawStarted, sawEnded bool
	for _, e := range events {
		if e.SessionID != "sess-1" {
			t.Errorf("SessionID = %q, want sess-1", e.SessionID)
		}
		switch e.Phase {
		case "started":
			sawStarted = true
			if e.Protocol != string(guacamole.ProtocolRDP) {
				t.Errorf("Protocol = %q, want %q", e.Protocol, guacamole.ProtocolRDP)
			}
		case "ended":
			sawEnded = true
		}
	}
	if !sawStarted || !sawEnded {
		t.Errorf("expected both started and ended events, got %+v", events)
	}
}

func TestStoreRecordsFailureKind(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer store.Close()

	store.SessionStarted("sess-2", guacamole.ProtocolVNC)
	store.SessionEnded("sess-2", guacamole.NewConnectionFailure("dial failed", nil))

	events, err := store.RecentEvents(10)
	if err != nil {
		t.Fatalf("RecentEvents() error = %v", err)
	}

	found := false
	for _, e := range events {
		if e.Phase == "ended" {
			found = true
			if e.ErrorKind != string(guacamole.KindConnection) {
				t.Errorf("ErrorKind = %q, want %q", e.ErrorKind, guacamole.KindConnection)
			}
		}
	}
	if !found {
		t.Error("expected an ended event to be recorded")
	}
}
