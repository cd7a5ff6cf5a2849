package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// ProjectContext is the optional active project pointer persisted at
// context.json. The bridge daemon requires one; the relay ignores it.
type ProjectContext struct {
	ProjectID   string    `json:"projectId"`
	ProjectName string    `json:"projectName"`
	HyveID      string    `json:"hyveId"`
	HyveName    string    `json:"hyveName,omitempty"`
	SetAt       time.Time `json:"setAt"`
}

// LoadContext reads the active project context. Returns (nil, nil)
// when no context has been set.
func LoadContext(path string) (*ProjectContext, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read context: %w", err)
	}

	pc := &ProjectContext{}
	if err := json.Unmarshal(data, pc); err != nil {
		return nil, fmt.Errorf("parse context: %w", err)
	}
	if pc.ProjectID == "" {
		return nil, fmt.Errorf("context has no projectId")
	}
	return pc, nil
}

// SaveContext persists the active project context with mode 0600.
func SaveContext(path string, pc *ProjectContext) error {
	if pc.ProjectID == "" {
		return fmt.Errorf("context has no projectId")
	}
	if pc.SetAt.IsZero() {
		pc.SetAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(pc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	data = append(data, '\n')

	return writeFileAtomic(path, data, 0o600)
}

// ClearContext removes the active project pointer. Missing file is not
// an error.
func ClearContext(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove context: %w", err)
	}
	return nil
}
