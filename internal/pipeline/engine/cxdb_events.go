package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/orchestra-run/orchestra/internal/cxdb"
	"github.com/orchestra-run/orchestra/internal/pipeline/model"
	"github.com/orchestra-run/orchestra/internal/pipeline/runtime"
)

// cxdbPipelineStarted appends the PipelineLifecycle{status=started} turn
// the resume path scans for (§4.11) and stores the run's standing
// artifacts (manifest, resolved config, compiled graph).
func (e *Engine) cxdbPipelineStarted(ctx context.Context, graphHash string) error {
	if e == nil || e.CXDB == nil {
		return nil
	}
	data := map[string]any{
		"pipeline_name": e.Graph.Name,
		"status":        "started",
		"timestamp_ms":  nowMS(),
		"graph_hash":    graphHash,
	}
	if len(e.DotSource) > 0 {
		dotPath := filepath.Join(e.LogsRoot, "graph.dot")
		data["dot_file_path"] = dotPath
	}
	if _, _, err := e.CXDB.Append(ctx, cxdb.TypePipelineLifecycle, 1, data); err != nil {
		return err
	}
	_, _ = e.CXDB.PutArtifactFile(ctx, "", "manifest.json", filepath.Join(e.LogsRoot, "manifest.json"))
	if _, err := os.Stat(filepath.Join(e.LogsRoot, "run_config.json")); err == nil {
		_, _ = e.CXDB.PutArtifactFile(ctx, "", "run_config.json", filepath.Join(e.LogsRoot, "run_config.json"))
	}
	if _, err := os.Stat(filepath.Join(e.LogsRoot, "graph.dot")); err == nil {
		_, _ = e.CXDB.PutArtifactFile(ctx, "", "graph.dot", filepath.Join(e.LogsRoot, "graph.dot"))
	}
	return nil
}

func (e *Engine) cxdbStageStarted(ctx context.Context, node *model.Node) {
	if e == nil || e.CXDB == nil || node == nil {
		return
	}
	_, _, _ = e.CXDB.Append(ctx, cxdb.TypeNodeExecution, 1, map[string]any{
		"node_id":      node.ID,
		"handler_type": resolvedHandlerType(node),
		"status":       "started",
		"timestamp_ms": nowMS(),
		"prompt":       node.Prompt(),
	})
}

func (e *Engine) cxdbStageRetrying(ctx context.Context, node *model.Node, attempt int, out runtime.Outcome) {
	if e == nil || e.CXDB == nil || node == nil {
		return
	}
	_, _, _ = e.CXDB.Append(ctx, cxdb.TypeNodeExecution, 1, map[string]any{
		"node_id":        node.ID,
		"handler_type":   resolvedHandlerType(node),
		"status":         "retrying",
		"timestamp_ms":   nowMS(),
		"attempt":        uint64(attempt),
		"failure_reason": out.FailureReason,
		"notes":          out.Notes,
	})
}

func (e *Engine) cxdbStageFinished(ctx context.Context, node *model.Node, out runtime.Outcome) {
	if e == nil || e.CXDB == nil || node == nil {
		return
	}
	_, _, _ = e.CXDB.Append(ctx, cxdb.TypeNodeExecution, 1, map[string]any{
		"node_id":             node.ID,
		"handler_type":        resolvedHandlerType(node),
		"status":              string(out.Status),
		"timestamp_ms":        nowMS(),
		"outcome":             string(out.Status),
		"preferred_label":     out.PreferredLabel,
		"failure_reason":      out.FailureReason,
		"notes":               out.Notes,
		"suggested_next_ids":  out.SuggestedNextIDs,
	})

	stageDir := filepath.Join(e.LogsRoot, node.ID)
	stageTar := filepath.Join(stageDir, "stage.tgz")
	if _, err := os.Stat(stageTar); err != nil {
		_ = writeTarGz(stageTar, stageDir, includeInStageArchive)
	}
	for _, name := range []string{
		"prompt.md",
		"response.md",
		"status.json",
		"parallel_results.json",
		"stage.tgz",
		"events.ndjson",
		"stdout.log",
		"stderr.log",
		"diff.patch",
	} {
		if _, err := os.Stat(filepath.Join(stageDir, name)); err == nil {
			_, _ = e.CXDB.PutArtifactFile(ctx, node.ID, name, filepath.Join(stageDir, name))
		}
	}
}

// cxdbCheckpointSaved appends a Checkpoint turn carrying the full RunState
// plus the id of the stage that would execute next, so a resumed run can
// rebuild exactly where this one left off (§4.12).
func (e *Engine) cxdbCheckpointSaved(ctx context.Context, state *runtime.RunState, nextNodeID string, sha string) {
	if e == nil || e.CXDB == nil {
		return
	}
	if state == nil {
		state = runtime.NewRunState()
	}
	visited := make(map[string]string, len(state.VisitedOutcomes))
	for k, v := range state.VisitedOutcomes {
		visited[k] = string(v)
	}
	visitedJSON, _ := json.Marshal(visited)
	retriesJSON, _ := json.Marshal(state.RetryCounters)
	ctxJSON, _ := json.Marshal(e.Context.SnapshotValues())
	workspaceJSON, _ := json.Marshal(map[string]string{"git_commit_sha": sha})

	_, _, _ = e.CXDB.Append(ctx, cxdb.TypeCheckpoint, 1, map[string]any{
		"completed_nodes":         append([]string(nil), state.CompletedNodes...),
		"visited_outcomes_json":   string(visitedJSON),
		"retry_counters_json":     string(retriesJSON),
		"reroute_count":           uint64(state.RerouteCount),
		"next_node_id":            nextNodeID,
		"context_snapshot_json":   string(ctxJSON),
		"workspace_snapshot_json": string(workspaceJSON),
		"timestamp_ms":            nowMS(),
	})

	cpPath := filepath.Join(e.LogsRoot, "checkpoint.json")
	if _, err := os.Stat(cpPath); err == nil {
		_, _ = e.CXDB.PutArtifactFile(ctx, "", "checkpoint.json", cpPath)
	}
}

func (e *Engine) cxdbPipelineCompleted(ctx context.Context, finalStatus string, durationMS uint64) (string, error) {
	if e == nil || e.CXDB == nil {
		return "", nil
	}
	turnID, _, err := e.CXDB.Append(ctx, cxdb.TypePipelineLifecycle, 1, map[string]any{
		"pipeline_name": e.Graph.Name,
		"status":        finalStatus,
		"timestamp_ms":  nowMS(),
		"duration_ms":   durationMS,
	})
	return turnID, err
}

func (e *Engine) cxdbPipelineFailed(ctx context.Context, reason string, durationMS uint64) (string, error) {
	if e == nil || e.CXDB == nil {
		return "", nil
	}
	turnID, _, err := e.CXDB.Append(ctx, cxdb.TypePipelineLifecycle, 1, map[string]any{
		"pipeline_name": e.Graph.Name,
		"status":        "failed",
		"timestamp_ms":  nowMS(),
		"duration_ms":   durationMS,
		"error":         reason,
	})
	return turnID, err
}

func (e *Engine) cxdbPipelinePaused(ctx context.Context, durationMS uint64) (string, error) {
	if e == nil || e.CXDB == nil {
		return "", nil
	}
	turnID, _, err := e.CXDB.Append(ctx, cxdb.TypePipelineLifecycle, 1, map[string]any{
		"pipeline_name": e.Graph.Name,
		"status":        "paused",
		"timestamp_ms":  nowMS(),
		"duration_ms":   durationMS,
	})
	return turnID, err
}

func (e *Engine) cxdbParallelStarted(ctx context.Context, nodeID string, branchCount int) {
	if e == nil || e.CXDB == nil {
		return
	}
	_, _, _ = e.CXDB.Append(ctx, cxdb.TypeParallelExecution, 1, map[string]any{
		"node_id":      nodeID,
		"status":       "started",
		"branch_count": uint64(branchCount),
		"timestamp_ms": nowMS(),
	})
}

func (e *Engine) cxdbParallelCompleted(ctx context.Context, nodeID string, branchCount, successCount, failureCount int, durationMS uint64) {
	if e == nil || e.CXDB == nil {
		return
	}
	_, _, _ = e.CXDB.Append(ctx, cxdb.TypeParallelExecution, 1, map[string]any{
		"node_id":       nodeID,
		"status":        "completed",
		"branch_count":  uint64(branchCount),
		"success_count": uint64(successCount),
		"failure_count": uint64(failureCount),
		"duration_ms":   durationMS,
		"timestamp_ms":  nowMS(),
	})
}

func (e *Engine) cxdbWorktreeEvent(ctx context.Context, event, repo string, branchIDs []string, mergedSHA string) {
	if e == nil || e.CXDB == nil {
		return
	}
	_, _, _ = e.CXDB.Append(ctx, cxdb.TypeWorktreeEvent, 1, map[string]any{
		"event":        event,
		"repo":         repo,
		"branch_ids":   branchIDs,
		"merged_sha":   mergedSHA,
		"timestamp_ms": nowMS(),
	})
}

func (e *Engine) cxdbAgentTurnCompleted(ctx context.Context, turn runtime.AgentTurn) {
	if e == nil || e.CXDB == nil {
		return
	}
	messagesJSON, _ := json.Marshal(turn.Messages)
	toolCallsJSON, _ := json.Marshal(turn.ToolCalls)
	_, _, _ = e.CXDB.Append(ctx, cxdb.TypeAgentTurn, 1, map[string]any{
		"turn_number":     uint64(turn.TurnNumber),
		"node_id":         turn.NodeID,
		"model":           turn.Model,
		"provider":        turn.Provider,
		"messages_json":   string(messagesJSON),
		"tool_calls_json": string(toolCallsJSON),
		"files_written":   turn.FilesWritten,
		"input_tokens":    uint64(turn.InputTokens),
		"output_tokens":   uint64(turn.OutputTokens),
		"git_sha":         turn.GitSHA,
		"commit_message":  turn.CommitMessage,
	})
}

func resolvedHandlerType(n *model.Node) string {
	if n == nil {
		return ""
	}
	if t := strings.TrimSpace(n.TypeOverride()); t != "" {
		return t
	}
	return shapeToType(n.Shape())
}
