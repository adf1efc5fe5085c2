package runtime

// RunState is the pipeline runner's checkpointable state (§3): what has
// run, what it returned, how many times each stage has been retried, and
// how many times the goal gate has rerouted execution. A RunState plus a
// Context fully determines where a resumed run picks back up.
type RunState struct {
	CompletedNodes  []string                 `json:"completed_nodes"`
	VisitedOutcomes map[string]StageStatus   `json:"visited_outcomes"`
	RetryCounters   map[string]int           `json:"retry_counters"`
	RerouteCount    int                      `json:"reroute_count"`
	NextNodeID      string                   `json:"next_node_id,omitempty"`
}

func NewRunState() *RunState {
	return &RunState{
		VisitedOutcomes: map[string]StageStatus{},
		RetryCounters:   map[string]int{},
	}
}

// RecordOutcome appends nodeID to CompletedNodes and records its terminal
// status for goal-gate and resume bookkeeping.
func (r *RunState) RecordOutcome(nodeID string, status StageStatus) {
	if r == nil {
		return
	}
	r.CompletedNodes = append(r.CompletedNodes, nodeID)
	if r.VisitedOutcomes == nil {
		r.VisitedOutcomes = map[string]StageStatus{}
	}
	r.VisitedOutcomes[nodeID] = status
}

// Clone returns a deep copy, used when a parallel branch needs to evolve
// its own RunState independent of its siblings and the parent.
func (r *RunState) Clone() *RunState {
	if r == nil {
		return NewRunState()
	}
	out := &RunState{
		CompletedNodes: append([]string(nil), r.CompletedNodes...),
		RerouteCount:   r.RerouteCount,
	}
	out.VisitedOutcomes = make(map[string]StageStatus, len(r.VisitedOutcomes))
	for k, v := range r.VisitedOutcomes {
		out.VisitedOutcomes[k] = v
	}
	out.RetryCounters = make(map[string]int, len(r.RetryCounters))
	for k, v := range r.RetryCounters {
		out.RetryCounters[k] = v
	}
	return out
}
