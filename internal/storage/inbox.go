package storage

import (
	"os"
	"strings"
)

// Inbox journal events.
const (
	InboxEventDeliver  = "deliver"
	InboxEventAccepted = "accepted"
)

// AppendInboxEvent appends a deliver/accepted event to an agent's inbox
// journal.
func AppendInboxEvent(layout Layout, agent, eventType, messageID string, ts int64) error {
	return AppendJSONL(layout.InboxPath(agent), map[string]any{
		"event": eventType,
		"id":    messageID,
		"ts":    ts,
	})
}

// LoadPendingIDs replays an agent's inbox journal and returns the message ids
// delivered but not yet accepted, in first-delivery order.
func LoadPendingIDs(layout Layout, agent string) ([]string, error) {
	records, err := ReadJSONL(layout.InboxPath(agent))
	if err != nil {
		return nil, err
	}
	return PendingIDsFromEvents(records), nil
}

// PendingIDsFromEvents folds deliver/accepted events into the pending id
// list. Repeat deliveries of an id keep its original position.
func PendingIDsFromEvents(events []map[string]any) []string {
	var pending []string
	seen := make(map[string]bool)
	for _, event := range events {
		messageID, _ := event["id"].(string)
		if messageID == "" {
			continue
		}
		switch event["event"] {
		case InboxEventDeliver:
			if !seen[messageID] {
				pending = append(pending, messageID)
				seen[messageID] = true
			}
		case InboxEventAccepted:
			if seen[messageID] {
				delete(seen, messageID)
				filtered := pending[:0]
				for _, id := range pending {
					if id != messageID {
						filtered = append(filtered, id)
					}
				}
				pending = filtered
			}
		}
	}
	return pending
}

// ListInboxAgents returns the agents that have an inbox journal on disk.
func ListInboxAgents(layout Layout) ([]string, error) {
	entries, err := os.ReadDir(layout.InboxDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var agents []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, ".jsonl") {
			agents = append(agents, strings.TrimSuffix(name, ".jsonl"))
		}
	}
	return agents, nil
}

// InboxExists reports whether an agent has an inbox journal on disk.
func InboxExists(layout Layout, agent string) bool {
	_, err := os.Stat(layout.InboxPath(agent))
	return err == nil
}
