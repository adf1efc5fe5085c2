package cxdb

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

type RegistryBundle struct {
	RegistryVersion int            `json:"registry_version"`
	BundleID        string         `json:"bundle_id"`
	Types           map[string]any `json:"types"`
	Enums           map[string]any `json:"enums,omitempty"`
}

// Published type IDs (§4.11): the six observer event types, the Artifact
// type, and the supplemental conversational types below. Every turn the
// engine appends uses one of these shapes.
const (
	TypePipelineLifecycle = "run.orchestra.pipeline.PipelineLifecycle"
	TypeNodeExecution     = "run.orchestra.pipeline.NodeExecution"
	TypeCheckpoint        = "run.orchestra.pipeline.Checkpoint"
	TypeAgentTurn         = "run.orchestra.pipeline.AgentTurn"
	TypeParallelExecution = "run.orchestra.pipeline.ParallelExecution"
	TypeWorktreeEvent     = "run.orchestra.pipeline.WorktreeEvent"
	// TypeArtifact is not one of the six observer event types (§4.11) but
	// records a reference to a blob PutArtifactFile stored in cxdb's
	// content-addressed blob store, grounded on the teacher's artifact
	// turn concept.
	TypeArtifact = "run.orchestra.pipeline.Artifact"

	// Supplemental fine-grained turn types for the live conversational
	// stream (assistant text, tool invocations, tool results) a handler
	// emits mid-stage, alongside the coarser NodeExecution summary turn.
	TypeAssistantMessage = "run.orchestra.pipeline.AssistantMessage"
	TypeToolCall          = "run.orchestra.pipeline.ToolCall"
	TypeToolResult        = "run.orchestra.pipeline.ToolResult"
	TypePrompt            = "run.orchestra.pipeline.Prompt"
	TypeGitCheckpoint     = "run.orchestra.pipeline.GitCheckpoint"
)

// OrchestraRegistryBundle returns the registry bundle publishing every type
// declared above (the six observer event types, Artifact, and the
// supplemental conversational types), each with numeric
// field tags so a reader can decode any payload version without a schema.
func OrchestraRegistryBundle() (bundleID string, bundle RegistryBundle, sha256hex string, err error) {
	bundle = RegistryBundle{
		RegistryVersion: 1,
		Types: map[string]any{
			TypePipelineLifecycle: typeDef(map[string]any{
				"1": field("pipeline_name", "string"),
				"2": field("status", "string"),
				"3": fieldSemantic("timestamp_ms", "u64", "unix_ms"),
				"4": field("dot_file_path", "string", opt()),
				"5": field("graph_hash", "string", opt()),
				"6": fieldSemantic("duration_ms", "u64", "duration_ms", opt()),
				"7": field("error", "string", opt()),
			}),
			TypeNodeExecution: typeDef(map[string]any{
				"1":  field("node_id", "string"),
				"2":  field("handler_type", "string", opt()),
				"3":  field("status", "string"),
				"4":  fieldSemantic("timestamp_ms", "u64", "unix_ms"),
				"5":  field("prompt", "string", opt()),
				"6":  field("response", "string", opt()),
				"7":  field("outcome", "string", opt()),
				"8":  fieldSemantic("duration_ms", "u64", "duration_ms", opt()),
				"9":  field("attempt", "u64", opt()),
				"10": field("preferred_label", "string", opt()),
				"11": field("failure_reason", "string", opt()),
				"12": field("notes", "string", opt()),
				"13": fieldArray("suggested_next_ids", "string", opt()),
			}),
			TypeCheckpoint: typeDef(map[string]any{
				"1": fieldArray("completed_nodes", "string"),
				"2": field("visited_outcomes_json", "string"),
				"3": field("retry_counters_json", "string"),
				"4": field("reroute_count", "u64"),
				"5": field("next_node_id", "string", opt()),
				"6": field("context_snapshot_json", "string"),
				"7": field("workspace_snapshot_json", "string", opt()),
				"8": fieldSemantic("timestamp_ms", "u64", "unix_ms"),
			}),
			TypeAgentTurn: typeDef(map[string]any{
				"1": field("turn_number", "u64"),
				"2": field("node_id", "string"),
				"3": field("model", "string", opt()),
				"4": field("provider", "string", opt()),
				"5": field("messages_json", "string", opt()),
				"6": field("tool_calls_json", "string", opt()),
				"7": fieldArray("files_written", "string", opt()),
				"8": fieldSemantic("input_tokens", "u64", "count", opt()),
				"9": fieldSemantic("output_tokens", "u64", "count", opt()),
				"10": field("git_sha", "string", opt()),
				"11": field("commit_message", "string", opt()),
			}),
			TypeParallelExecution: typeDef(map[string]any{
				"1": field("node_id", "string"),
				"2": field("status", "string"),
				"3": field("branch_count", "u64"),
				"4": field("success_count", "u64", opt()),
				"5": field("failure_count", "u64", opt()),
				"6": fieldSemantic("duration_ms", "u64", "duration_ms", opt()),
				"7": fieldSemantic("timestamp_ms", "u64", "unix_ms"),
			}),
			TypeWorktreeEvent: typeDef(map[string]any{
				"1": field("event", "string"),
				"2": field("repo", "string"),
				"3": fieldArray("branch_ids", "string", opt()),
				"4": field("merged_sha", "string", opt()),
				"5": fieldSemantic("timestamp_ms", "u64", "unix_ms"),
			}),
			TypeArtifact: typeDef(map[string]any{
				"1": field("run_id", "string"),
				"2": field("node_id", "string", opt()),
				"3": field("name", "string"),
				"4": field("mime", "string", opt()),
				"5": field("content_hash", "string"),
				"6": field("bytes_len", "u64", opt()),
				"7": field("local_path", "string", opt()),
			}),
			TypeAssistantMessage: typeDef(map[string]any{
				"1": field("node_id", "string"),
				"2": field("text", "string", opt()),
				"3": fieldSemantic("timestamp_ms", "u64", "unix_ms"),
			}),
			TypeToolCall: typeDef(map[string]any{
				"1": field("node_id", "string"),
				"2": field("tool_name", "string"),
				"3": field("args_json", "string", opt()),
				"4": fieldSemantic("timestamp_ms", "u64", "unix_ms"),
			}),
			TypeToolResult: typeDef(map[string]any{
				"1": field("node_id", "string"),
				"2": field("tool_name", "string"),
				"3": field("result_json", "string", opt()),
				"4": field("is_error", "bool", opt()),
				"5": fieldSemantic("timestamp_ms", "u64", "unix_ms"),
			}),
			TypePrompt: typeDef(map[string]any{
				"1": field("node_id", "string"),
				"2": field("text", "string"),
				"3": fieldSemantic("timestamp_ms", "u64", "unix_ms"),
			}),
			TypeGitCheckpoint: typeDef(map[string]any{
				"1": field("node_id", "string", opt()),
				"2": field("git_sha", "string"),
				"3": fieldSemantic("timestamp_ms", "u64", "unix_ms"),
			}),
		},
		Enums: map[string]any{},
	}

	raw, err := json.Marshal(bundle)
	if err != nil {
		return "", RegistryBundle{}, "", err
	}
	sum := sha256.Sum256(raw)
	sha256hex = hex.EncodeToString(sum[:])
	bundleID = fmt.Sprintf("orchestra-pipeline-v1#%s", sha256hex[:12])
	bundle.BundleID = bundleID
	return bundleID, bundle, sha256hex, nil
}

func typeDef(fields map[string]any) map[string]any {
	return map[string]any{
		"versions": map[string]any{
			"1": map[string]any{
				"fields": fields,
			},
		},
	}
}

func field(name, typ string, opts ...map[string]any) map[string]any {
	out := map[string]any{"name": name, "type": typ}
	for _, o := range opts {
		for k, v := range o {
			out[k] = v
		}
	}
	return out
}

func fieldSemantic(name, typ, semantic string, opts ...map[string]any) map[string]any {
	out := field(name, typ, opts...)
	out["semantic"] = semantic
	return out
}

func fieldArray(name, itemsType string, opts ...map[string]any) map[string]any {
	out := map[string]any{
		"name":  name,
		"type":  "array",
		"items": itemsType,
	}
	for _, o := range opts {
		for k, v := range o {
			out[k] = v
		}
	}
	return out
}

func opt() map[string]any { return map[string]any{"optional": true} }

// fieldTagsFor resolves typeID's field-name -> numeric-tag mapping from the
// published bundle, used by EncodeTurnPayload so callers address fields by
// name while the wire format carries the compact numeric tag.
func fieldTagsFor(typeID string) (map[string]uint32, error) {
	registryOnce.Do(loadRegistryTags)
	tags, ok := registryTags[typeID]
	if !ok {
		return nil, fmt.Errorf("cxdb: type %q is not published in the registry bundle", typeID)
	}
	return tags, nil
}
