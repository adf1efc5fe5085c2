package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Checkpoint is the on-disk (and cxdb-mirrored) snapshot written after every
// stage: enough to resume a run from exactly this point (§4.12).
type Checkpoint struct {
	Timestamp time.Time `json:"timestamp"`

	CurrentNode string `json:"current_node"`
	NextNodeID  string `json:"next_node_id,omitempty"`

	CompletedNodes  []string                 `json:"completed_nodes"`
	VisitedOutcomes map[string]StageStatus   `json:"visited_outcomes,omitempty"`
	NodeRetries     map[string]int           `json:"node_retries"`
	RerouteCount    int                      `json:"reroute_count"`

	ContextValues map[string]string `json:"context_values"`
	GitCommitSHA  string            `json:"git_commit_sha"`

	Extra map[string]any `json:"extra,omitempty"`
}

func NewCheckpoint() *Checkpoint {
	return &Checkpoint{
		NodeRetries:   map[string]int{},
		ContextValues: map[string]string{},
	}
}

func (cp *Checkpoint) Save(path string) error {
	if cp == nil {
		return fmt.Errorf("checkpoint is nil")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func LoadCheckpoint(path string) (*Checkpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// ToRunState reconstructs a RunState from a loaded checkpoint, used when
// resuming a paused or crashed run (§4.12).
func (cp *Checkpoint) ToRunState() *RunState {
	if cp == nil {
		return NewRunState()
	}
	rs := NewRunState()
	rs.CompletedNodes = append([]string(nil), cp.CompletedNodes...)
	rs.RerouteCount = cp.RerouteCount
	for k, v := range cp.VisitedOutcomes {
		rs.VisitedOutcomes[k] = v
	}
	for k, v := range cp.NodeRetries {
		rs.RetryCounters[k] = v
	}
	return rs
}
