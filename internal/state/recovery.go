package state

import (
	"os"
	"sort"

	"teamrouter/internal/model"
	"teamrouter/internal/storage"
)

// RecoveryResult is everything rebuilt from disk at startup.
type RecoveryResult struct {
	RouterState  model.RouterState
	InboxByAgent map[string][]string
	Tasks        map[string]*model.Task
	MaxEpoch     int64
	MaxSeq       int64
}

// RecoverState rebuilds the router's durable view: the epoch/seq counters,
// the pending inbox per agent, and the task projection. When agents is nil
// they are discovered from the inbox journals and message logs.
func RecoverState(layout storage.Layout, agents []string) (RecoveryResult, error) {
	if err := layout.Ensure(); err != nil {
		return RecoveryResult{}, err
	}
	if agents == nil {
		discovered, err := DiscoverAgents(layout)
		if err != nil {
			return RecoveryResult{}, err
		}
		agents = discovered
	}

	routerState, maxEpoch, maxSeq, err := RecoverRouterState(layout)
	if err != nil {
		return RecoveryResult{}, err
	}
	tasks, err := RecoverTasks(layout)
	if err != nil {
		return RecoveryResult{}, err
	}
	inboxByAgent, err := RecoverInbox(layout, agents)
	if err != nil {
		return RecoveryResult{}, err
	}
	return RecoveryResult{
		RouterState:  routerState,
		InboxByAgent: inboxByAgent,
		Tasks:        tasks,
		MaxEpoch:     maxEpoch,
		MaxSeq:       maxSeq,
	}, nil
}

// DiscoverAgents unions the inbox journal names with every recipient seen in
// the message logs, sorted.
func DiscoverAgents(layout storage.Layout) ([]string, error) {
	set := make(map[string]bool)
	journaled, err := storage.ListInboxAgents(layout)
	if err != nil {
		return nil, err
	}
	for _, agent := range journaled {
		set[agent] = true
	}
	err = storage.IterMessageEvents(layout, func(record map[string]any) error {
		for _, agent := range normalizeAgents(record["to"]) {
			set[agent] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	agents := make([]string, 0, len(set))
	for agent := range set {
		agents = append(agents, agent)
	}
	sort.Strings(agents)
	return agents, nil
}

// RecoverRouterState restores the epoch/seq counters. With a state snapshot
// the epoch is bumped for the new run; without one the logs are scanned and
// the next epoch starts past the highest seen.
func RecoverRouterState(layout storage.Layout) (model.RouterState, int64, int64, error) {
	if _, err := os.Stat(layout.RouterStatePath()); err == nil {
		loaded, err := LoadRouterState(layout)
		if err != nil {
			return model.RouterState{}, 0, 0, err
		}
		bumped := IncrementEpoch(loaded)
		return bumped, bumped.Epoch - 1, bumped.LastSeq, nil
	}

	maxEpoch, maxSeq, err := ScanLogsForMax(layout)
	if err != nil {
		return model.RouterState{}, 0, 0, err
	}
	nextEpoch := maxEpoch + 1
	if maxEpoch <= 0 {
		nextEpoch = 1
	}
	return model.RouterState{Epoch: nextEpoch, LastSeq: maxSeq}, maxEpoch, maxSeq, nil
}

// ScanLogsForMax walks the message logs for the highest epoch and seq.
func ScanLogsForMax(layout storage.Layout) (int64, int64, error) {
	var maxEpoch, maxSeq int64
	err := storage.IterMessageEvents(layout, func(record map[string]any) error {
		if epoch, ok := model.IntLike(record["epoch"]); ok && epoch > maxEpoch {
			maxEpoch = epoch
		}
		if seq, ok := model.IntLike(record["seq"]); ok && seq > maxSeq {
			maxSeq = seq
		}
		return nil
	})
	return maxEpoch, maxSeq, err
}

// RecoverInbox restores the pending ids per agent. Agents with a journal are
// replayed from it; agents without one fall back to a reconstruction from
// the delivered/accepted ack logs.
func RecoverInbox(layout storage.Layout, agents []string) (map[string][]string, error) {
	inboxByAgent := make(map[string][]string, len(agents))
	missing := false
	for _, agent := range agents {
		if !storage.InboxExists(layout, agent) {
			missing = true
			break
		}
	}
	fallback := map[string][]string{}
	if missing {
		rebuilt, err := RebuildInboxFromLogs(layout, agents)
		if err != nil {
			return nil, err
		}
		fallback = rebuilt
	}

	for _, agent := range agents {
		if storage.InboxExists(layout, agent) {
			pending, err := storage.LoadPendingIDs(layout, agent)
			if err != nil {
				return nil, err
			}
			inboxByAgent[agent] = pending
		} else {
			inboxByAgent[agent] = fallback[agent]
		}
	}
	return inboxByAgent, nil
}

// RebuildInboxFromLogs reconstructs pending ids as (delivered − accepted)
// from the ack logs, ordered by message seq. When no delivered acks survive
// at all, every message recipient pair counts as delivered.
func RebuildInboxFromLogs(layout storage.Layout, agents []string) (map[string][]string, error) {
	type pair struct{ agent, id string }
	delivered := make(map[pair]bool)
	accepted := make(map[pair]bool)
	messageOrder := make(map[string]int64)

	err := storage.IterMessageEvents(layout, func(record map[string]any) error {
		id, _ := record["id"].(string)
		if id == "" {
			return nil
		}
		seq, _ := model.IntLike(record["seq"])
		messageOrder[id] = seq
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = storage.IterAckEvents(layout, func(record map[string]any) error {
		id, _ := record["id"].(string)
		agent, _ := record["agent"].(string)
		if id == "" || agent == "" {
			return nil
		}
		switch record["ack"] {
		case "delivered":
			delivered[pair{agent, id}] = true
		case "accepted":
			accepted[pair{agent, id}] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(delivered) == 0 {
		err = storage.IterMessageEvents(layout, func(record map[string]any) error {
			id, _ := record["id"].(string)
			for _, agent := range normalizeAgents(record["to"]) {
				delivered[pair{agent, id}] = true
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	inboxByAgent := make(map[string][]string, len(agents))
	for _, agent := range agents {
		inboxByAgent[agent] = nil
	}
	for p := range delivered {
		if accepted[p] {
			continue
		}
		inboxByAgent[p.agent] = append(inboxByAgent[p.agent], p.id)
	}
	for agent, ids := range inboxByAgent {
		sort.SliceStable(ids, func(i, j int) bool {
			return messageOrder[ids[i]] < messageOrder[ids[j]]
		})
		inboxByAgent[agent] = ids
	}
	return inboxByAgent, nil
}

// RecoverTasks loads the task snapshot, or replays the message logs in
// (epoch, seq) order when the snapshot is gone.
func RecoverTasks(layout storage.Layout) (map[string]*model.Task, error) {
	if _, err := os.Stat(layout.TasksPath()); err == nil {
		return LoadTasks(layout)
	}

	var events []map[string]any
	err := storage.IterMessageEvents(layout, func(record map[string]any) error {
		events = append(events, record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool {
		ei, _ := model.IntLike(events[i]["epoch"])
		ej, _ := model.IntLike(events[j]["epoch"])
		if ei != ej {
			return ei < ej
		}
		si, _ := model.IntLike(events[i]["seq"])
		sj, _ := model.IntLike(events[j]["seq"])
		return si < sj
	})
	tasks := make(map[string]*model.Task)
	for _, event := range events {
		ApplyMessageToTasks(tasks, event)
	}
	return tasks, nil
}

func normalizeAgents(value any) []string {
	switch v := value.(type) {
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		return []string{v}
	default:
		return nil
	}
}
