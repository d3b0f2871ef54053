package router

import (
	"testing"

	"teamrouter/internal/model"
)

func TestPresenceLifecycle(t *testing.T) {
	reg := NewPresenceRegistry(1000, 2)
	if reg.TimeoutMs != 2000 {
		t.Fatalf("timeout: %d", reg.TimeoutMs)
	}

	entry := reg.Register("coder-1", map[string]any{"role": "coder"}, 100)
	if entry.Status != model.PresenceOnline || entry.LastChange != 100 {
		t.Fatalf("register: %+v", entry)
	}

	// Heartbeat while online refreshes last_seen, not last_change.
	entry = reg.Heartbeat("coder-1", 500)
	if entry.LastSeen != 500 || entry.LastChange != 100 {
		t.Fatalf("heartbeat: %+v", entry)
	}

	// Silence past the timeout flips the agent offline.
	expired := reg.Expire(2600)
	if len(expired) != 1 || expired[0].Status != model.PresenceOffline {
		t.Fatalf("expire: %+v", expired)
	}

	// Coming back online updates last_change.
	entry = reg.Heartbeat("coder-1", 3000)
	if entry.Status != model.PresenceOnline || entry.LastChange != 3000 {
		t.Fatalf("revive: %+v", entry)
	}

	// Register preserves meta when none is given.
	entry = reg.Register("coder-1", nil, 3100)
	if entry.Meta == nil || entry.Meta["role"] != "coder" {
		t.Fatalf("meta lost: %+v", entry)
	}

	snapshot := reg.Snapshot(3200)
	if len(snapshot) != 1 {
		t.Fatalf("snapshot: %v", snapshot)
	}
	if _, ok := reg.Get("ghost", 3200); ok {
		t.Fatal("unknown agent found")
	}
}
