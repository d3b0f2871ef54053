package state

import (
	"teamrouter/internal/model"
	"teamrouter/internal/storage"
)

// LoadTasks reads the task projection; missing or malformed files yield an
// empty map.
func LoadTasks(layout storage.Layout) (map[string]*model.Task, error) {
	tasks := make(map[string]*model.Task)
	_, err := storage.ReadJSON(layout.TasksPath(), &tasks)
	if err != nil {
		return make(map[string]*model.Task), err
	}
	if tasks == nil {
		tasks = make(map[string]*model.Task)
	}
	return tasks, nil
}

// SaveTasks atomically persists the task projection.
func SaveTasks(layout storage.Layout, tasks map[string]*model.Task) error {
	return storage.WriteJSONAtomic(layout.TasksPath(), tasks)
}

// TaskUpdate carries the optional fields of one task mutation.
type TaskUpdate struct {
	Status        model.TaskStatus
	Owner         any
	Deadline      int64
	HasDeadline   bool
	LastUpdateSeq int64
	HasSeq        bool
}

// UpdateTask applies a partial update, creating the entry on first touch.
func UpdateTask(tasks map[string]*model.Task, taskID string, update TaskUpdate) *model.Task {
	entry, ok := tasks[taskID]
	if !ok {
		entry = &model.Task{Retries: 0}
		tasks[taskID] = entry
	}
	if update.Status != "" {
		entry.Status = update.Status
	}
	if update.Owner != nil {
		entry.Owner = update.Owner
	}
	if update.HasDeadline {
		entry.Deadline = update.Deadline
	}
	if update.HasSeq {
		entry.LastUpdateSeq = update.LastUpdateSeq
	}
	return entry
}

// IncrementTaskRetries bumps a task's retry counter, creating the entry when
// needed.
func IncrementTaskRetries(tasks map[string]*model.Task, taskID string, amount int) *model.Task {
	entry, ok := tasks[taskID]
	if !ok {
		entry = &model.Task{Retries: 0}
		tasks[taskID] = entry
	}
	entry.Retries += amount
	return entry
}

// StatusForAction maps an action to the task status it implies, or "" when
// the action does not move the task lifecycle.
func StatusForAction(action string) model.TaskStatus {
	switch action {
	case "assign":
		return model.TaskOpen
	case "done":
		return model.TaskDone
	case "fail":
		return model.TaskFailed
	case "verify":
		return model.TaskVerifyPending
	case "verified":
		return model.TaskVerified
	default:
		return ""
	}
}

// ApplyMessageToTasks folds one message into the task projection. Messages
// without a task_id or a lifecycle-moving action are ignored. Owner falls
// back to the recipient list when the message names none.
func ApplyMessageToTasks(tasks map[string]*model.Task, message model.Message) {
	taskID := model.GetString(message, "task_id")
	if taskID == "" {
		return
	}
	status := StatusForAction(model.GetString(message, "action"))
	if status == "" {
		return
	}

	owner := message["owner"]
	if owner == nil {
		if to, ok := message["to"]; ok {
			owner = to
		}
	}
	update := TaskUpdate{Status: status, Owner: owner}
	if deadline, ok := model.GetInt(message, "deadline"); ok {
		update.Deadline = deadline
		update.HasDeadline = true
	}
	if seq, ok := model.GetInt(message, "seq"); ok {
		update.LastUpdateSeq = seq
		update.HasSeq = true
	}
	UpdateTask(tasks, taskID, update)
}
