// Package sandbox is the agent's per-job ephemeral execution environment:
// a scratch workspace, a shallow clone of the target commit, and a
// process-group-scoped run of the repository's build procedure with
// line-framed log capture and deadline enforcement.
package sandbox

import (
	"fmt"
	"os"
)

// Workspace is an ephemeral scratch directory, one per job, destroyed on
// exit from FINALIZE regardless of build outcome.
type Workspace struct {
	Dir string
}

// NewWorkspace creates a fresh scratch directory under root (the
// implementation's configured scratch root; os.TempDir() if root is
// empty).
func NewWorkspace(root, jobID string) (*Workspace, error) {
	dir, err := os.MkdirTemp(root, "raibid-job-"+jobID+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace for job %s: %w", jobID, err)
	}
	return &Workspace{Dir: dir}, nil
}

// Close removes the workspace and everything under it. Safe to call on a
// partially-populated or already-failed workspace.
func (w *Workspace) Close() error {
	if w == nil || w.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(w.Dir); err != nil {
		return fmt.Errorf("remove workspace %s: %w", w.Dir, err)
	}
	return nil
}
