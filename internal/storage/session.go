package storage

import (
	"time"

	"github.com/google/uuid"

	"teamrouter/internal/model"
)

// InitOrLoadSession returns the workspace session, creating it with a fresh
// uuid on first use. An existing session is never rewritten.
func InitOrLoadSession(layout Layout, workspace string, roles []string) (model.Session, error) {
	if err := layout.Ensure(); err != nil {
		return model.Session{}, err
	}
	var session model.Session
	exists, err := ReadJSON(layout.SessionPath(), &session)
	if err != nil {
		return model.Session{}, err
	}
	if exists {
		return session, nil
	}
	if roles == nil {
		roles = []string{}
	}
	session = model.Session{
		SessionID: uuid.NewString(),
		CreatedAt: time.Now().UnixMilli(),
		Workspace: workspace,
		Roles:     roles,
	}
	if err := WriteJSONAtomic(layout.SessionPath(), session); err != nil {
		return model.Session{}, err
	}
	return session, nil
}
