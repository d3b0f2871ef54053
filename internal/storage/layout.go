// Package storage owns the on-disk layout under <workspace>/.codex_team and
// the primitives for reading and writing it: atomic JSON snapshots,
// append-only JSONL logs, per-agent inbox journals, and the blob store.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// RootDirName is the per-workspace storage directory.
const RootDirName = ".codex_team"

// Layout resolves every path the router persists to. All paths are derived
// from the workspace root so a layout can be constructed cheaply anywhere.
type Layout struct {
	Root string
}

// ForWorkspace returns the layout rooted at <workspace>/.codex_team.
func ForWorkspace(workspace string) Layout {
	return Layout{Root: filepath.Join(workspace, RootDirName)}
}

// Ensure creates the directory tree. Safe to call repeatedly.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.MetaDir(), l.StateDir(), l.InboxDir(), l.LogsDir(), l.BlobsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure storage dir %s: %w", dir, err)
		}
	}
	return nil
}

func (l Layout) MetaDir() string  { return filepath.Join(l.Root, "meta") }
func (l Layout) StateDir() string { return filepath.Join(l.Root, "state") }
func (l Layout) InboxDir() string { return filepath.Join(l.Root, "inbox") }
func (l Layout) LogsDir() string  { return filepath.Join(l.Root, "logs") }
func (l Layout) BlobsDir() string { return filepath.Join(l.Root, "blobs") }

func (l Layout) SessionPath() string     { return filepath.Join(l.MetaDir(), "session.json") }
func (l Layout) RouterStatePath() string { return filepath.Join(l.StateDir(), "router.json") }
func (l Layout) TasksPath() string       { return filepath.Join(l.StateDir(), "tasks.json") }
func (l Layout) FailuresLogPath() string { return filepath.Join(l.LogsDir(), "failures.log") }

func (l Layout) InboxPath(agent string) string {
	return filepath.Join(l.InboxDir(), agent+".jsonl")
}

func (l Layout) MessagesLogPath(epoch int64) string {
	return filepath.Join(l.LogsDir(), fmt.Sprintf("messages-%d.jsonl", epoch))
}

func (l Layout) AcksLogPath(epoch int64) string {
	return filepath.Join(l.LogsDir(), fmt.Sprintf("acks-%d.jsonl", epoch))
}

func (l Layout) BlobPath(blobID string) string {
	return filepath.Join(l.BlobsDir(), blobID+".json")
}
