// Package store persists runtime state as JSON files: one file per
// workflow, one per session, and a single lock-table file. All writes
// are whole-file replacements through a temp-file rename, so readers
// never observe a partial document.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jlneal/choragen/internal/scope"
	"github.com/jlneal/choragen/internal/session"
	"github.com/jlneal/choragen/internal/types"
	"github.com/jlneal/choragen/internal/workflow"
)

const (
	workflowsDir  = "workflows"
	sessionsDir   = "sessions"
	lockTableFile = "locks.json"
)

// FileStore is the file-backed implementation of the runtime's
// persistence interfaces.
type FileStore struct {
	root string
}

// Compile-time interface checks.
var (
	_ scope.TablePersister = (*FileStore)(nil)
	_ session.Persister    = (*FileStore)(nil)
	_ workflow.Persister   = (*FileStore)(nil)
)

// NewFileStore creates a FileStore rooted at dir, creating the workflow
// and session subdirectories if needed.
func NewFileStore(dir string) (*FileStore, error) {
	for _, sub := range []string{workflowsDir, sessionsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, types.WrapError(types.STORE_WRITE_FAILED,
				fmt.Sprintf("failed to create store directory %s", sub), err)
		}
	}
	return &FileStore{root: dir}, nil
}

// Root returns the store's root directory.
func (s *FileStore) Root() string {
	return s.root
}

// SaveWorkflow writes a workflow's JSON document.
func (s *FileStore) SaveWorkflow(w *workflow.Workflow) error {
	return s.writeJSON(filepath.Join(workflowsDir, w.ID.String()+".json"), w)
}

// LoadWorkflow reads a workflow by ID.
func (s *FileStore) LoadWorkflow(id types.ID) (*workflow.Workflow, error) {
	var w workflow.Workflow
	if err := s.readJSON(filepath.Join(workflowsDir, id.String()+".json"), &w); err != nil {
		if types.CodeOf(err) == types.STORE_NOT_FOUND {
			return nil, types.NewError(workflow.ErrWorkflowNotFound,
				fmt.Sprintf("workflow %s not found", id))
		}
		return nil, err
	}
	return &w, nil
}

// ListWorkflows reads every persisted workflow.
func (s *FileStore) ListWorkflows() ([]*workflow.Workflow, error) {
	paths, err := filepath.Glob(filepath.Join(s.root, workflowsDir, "*.json"))
	if err != nil {
		return nil, types.WrapError(types.STORE_READ_FAILED, "failed to scan workflows", err)
	}

	workflows := make([]*workflow.Workflow, 0, len(paths))
	for _, path := range paths {
		var w workflow.Workflow
		if err := s.readJSONPath(path, &w); err != nil {
			return nil, err
		}
		workflows = append(workflows, &w)
	}
	return workflows, nil
}

// SaveSession writes a session's JSON document.
func (s *FileStore) SaveSession(sess *session.AgentSession) error {
	return s.writeJSON(filepath.Join(sessionsDir, sess.ID.String()+".json"), sess)
}

// LoadSession reads a session by ID.
func (s *FileStore) LoadSession(id types.ID) (*session.AgentSession, error) {
	var sess session.AgentSession
	if err := s.readJSON(filepath.Join(sessionsDir, id.String()+".json"), &sess); err != nil {
		if types.CodeOf(err) == types.STORE_NOT_FOUND {
			return nil, types.NewError(session.ErrSessionNotFound,
				fmt.Sprintf("session %s not found", id))
		}
		return nil, err
	}
	return &sess, nil
}

// SaveLockTable writes the lock-table snapshot.
func (s *FileStore) SaveLockTable(table *scope.LockTable) error {
	return s.writeJSON(lockTableFile, table)
}

// LoadLockTable reads the lock-table snapshot. A missing file yields a
// nil table, not an error: a fresh store simply has no locks.
func (s *FileStore) LoadLockTable() (*scope.LockTable, error) {
	var table scope.LockTable
	if err := s.readJSON(lockTableFile, &table); err != nil {
		if types.CodeOf(err) == types.STORE_NOT_FOUND {
			return nil, nil
		}
		return nil, err
	}
	return &table, nil
}

// writeJSON marshals v and replaces the file at rel atomically: write to
// a temp file in the same directory, then rename over the target.
func (s *FileStore) writeJSON(rel string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return types.WrapError(types.STORE_WRITE_FAILED,
			fmt.Sprintf("failed to encode %s", rel), err)
	}

	path := filepath.Join(s.root, rel)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return types.WrapError(types.STORE_WRITE_FAILED,
			fmt.Sprintf("failed to create temp file for %s", rel), err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return types.WrapError(types.STORE_WRITE_FAILED,
			fmt.Sprintf("failed to write %s", rel), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return types.WrapError(types.STORE_WRITE_FAILED,
			fmt.Sprintf("failed to close temp file for %s", rel), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return types.WrapError(types.STORE_WRITE_FAILED,
			fmt.Sprintf("failed to replace %s", rel), err)
	}
	return nil
}

func (s *FileStore) readJSON(rel string, v any) error {
	return s.readJSONPath(filepath.Join(s.root, rel), v)
}

func (s *FileStore) readJSONPath(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return types.NewError(types.STORE_NOT_FOUND,
				fmt.Sprintf("%s does not exist", path))
		}
		return types.WrapError(types.STORE_READ_FAILED,
			fmt.Sprintf("failed to read %s", path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return types.WrapError(types.STORE_DECODE_FAILED,
			fmt.Sprintf("failed to decode %s", path), err)
	}
	return nil
}
