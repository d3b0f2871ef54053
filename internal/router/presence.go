package router

import (
	"sync"

	"teamrouter/internal/model"
)

// PresenceRegistry tracks agent liveness. Agents register with optional
// metadata and keep themselves online via heartbeats; entries silently go
// offline once they miss timeout_ms of heartbeats.
type PresenceRegistry struct {
	mu        sync.Mutex
	TimeoutMs int64
	entries   map[string]*model.PresenceEntry
}

// NewPresenceRegistry derives the offline timeout from the heartbeat
// interval and its multiplier.
func NewPresenceRegistry(intervalMs, timeoutMultiplier int64) *PresenceRegistry {
	return &PresenceRegistry{
		TimeoutMs: intervalMs * timeoutMultiplier,
		entries:   make(map[string]*model.PresenceEntry),
	}
}

// Register marks an agent online and replaces its metadata when given.
func (r *PresenceRegistry) Register(agent string, meta map[string]any, now int64) model.PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[agent]
	if !ok {
		entry = &model.PresenceEntry{
			Agent:      agent,
			Status:     model.PresenceOnline,
			LastSeen:   now,
			LastChange: now,
			Meta:       meta,
		}
		r.entries[agent] = entry
		return *entry
	}
	entry.LastSeen = now
	if entry.Status != model.PresenceOnline {
		entry.Status = model.PresenceOnline
		entry.LastChange = now
	}
	if meta != nil {
		entry.Meta = meta
	}
	return *entry
}

// Heartbeat refreshes an agent's liveness, creating the entry when absent.
func (r *PresenceRegistry) Heartbeat(agent string, now int64) model.PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[agent]
	if !ok {
		entry = &model.PresenceEntry{
			Agent:      agent,
			Status:     model.PresenceOnline,
			LastSeen:   now,
			LastChange: now,
		}
		r.entries[agent] = entry
		return *entry
	}
	entry.LastSeen = now
	if entry.Status != model.PresenceOnline {
		entry.Status = model.PresenceOnline
		entry.LastChange = now
	}
	return *entry
}

// Expire flips stale online entries to offline and returns them.
func (r *PresenceRegistry) Expire(now int64) []model.PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expireLocked(now)
}

func (r *PresenceRegistry) expireLocked(now int64) []model.PresenceEntry {
	var expired []model.PresenceEntry
	for _, entry := range r.entries {
		if entry.Status == model.PresenceOnline && now-entry.LastSeen > r.TimeoutMs {
			entry.Status = model.PresenceOffline
			entry.LastChange = now
			expired = append(expired, *entry)
		}
	}
	return expired
}

// Snapshot expires stale entries, then returns a copy of the registry.
func (r *PresenceRegistry) Snapshot(now int64) map[string]model.PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked(now)
	snapshot := make(map[string]model.PresenceEntry, len(r.entries))
	for agent, entry := range r.entries {
		snapshot[agent] = *entry
	}
	return snapshot
}

// Get expires stale entries, then returns the agent's entry if known.
func (r *PresenceRegistry) Get(agent string, now int64) (model.PresenceEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked(now)
	entry, ok := r.entries[agent]
	if !ok {
		return model.PresenceEntry{}, false
	}
	return *entry, true
}
