package worker

import (
	"io/fs"
	"path/filepath"
	"sort"
)

// FileChanges summarizes what the agent produced in the workspace.
type FileChanges struct {
	Created  []string `json:"created,omitempty"`
	Modified []string `json:"modified,omitempty"`
}

// Any reports whether the agent touched any files.
func (fc *FileChanges) Any() bool {
	return len(fc.Created) > 0 || len(fc.Modified) > 0
}

// detectChanges inspects the workspace after the agent exits.
//
// In repo mode, files committed since the baseline HEAD count as
// modified and untracked files count as created. In fresh mode every
// file in the scratch directory counts as created.
func (w *Worker) detectChanges(ws *Workspace) (*FileChanges, error) {
	changes := &FileChanges{}

	switch ws.Mode {
	case ModeRepo:
		if ws.BaselineSHA != "" {
			committed, err := w.git.CommittedChanges(ws.Path, ws.BaselineSHA)
			if err != nil {
				return nil, err
			}
			changes.Modified = committed
		}
		untracked, err := w.git.UntrackedFiles(ws.Path)
		if err != nil {
			return nil, err
		}
		changes.Created = untracked

	case ModeFresh:
		err := filepath.WalkDir(ws.Path, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, relErr := filepath.Rel(ws.Path, path)
			if relErr != nil {
				return relErr
			}
			changes.Created = append(changes.Created, filepath.ToSlash(rel))
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Strings(changes.Created)
	sort.Strings(changes.Modified)
	return changes, nil
}
