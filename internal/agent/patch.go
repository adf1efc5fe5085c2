package agent

import (
	"fmt"
	"strings"
)

// PatchOpType identifies the kind of file operation in a v4a patch.
type PatchOpType string

const (
	PatchOpAdd    PatchOpType = "add"
	PatchOpDelete PatchOpType = "delete"
	PatchOpUpdate PatchOpType = "update"
	PatchOpMove   PatchOpType = "move"
)

// Patch is a parsed v4a patch: one or more file operations.
type Patch struct {
	Operations []PatchOperation
}

// PatchOperation is a single file operation within a Patch.
type PatchOperation struct {
	Type    PatchOpType
	Path    string
	MoveTo  string
	Content []string
	Hunks   []Hunk
}

// Hunk is a single change region within an Update operation. MatchLines and
// ReplaceLines preserve the interleaved context/change order, which is what
// lets applyPatchHunk locate and replace the right span of the file.
type Hunk struct {
	ContextHint  string
	ContextLines []string
	DeleteLines  []string
	AddLines     []string
	MatchLines   []string
	ReplaceLines []string
}

// PatchResult summarizes the effect of applying a Patch.
type PatchResult struct {
	Summary       string
	FilesCreated  int
	FilesDeleted  int
	FilesModified int
	FilesMoved    int
	Details       []string
}

// ParsePatch parses a v4a format patch string into a structured Patch. The
// parser is lenient with trailing whitespace but strict on the *** markers.
func ParsePatch(input string) (*Patch, error) {
	if input == "" {
		return nil, fmt.Errorf("invalid patch: empty input")
	}

	lines := strings.Split(input, "\n")
	if strings.TrimRight(lines[0], " \t\r") != "*** Begin Patch" {
		return nil, fmt.Errorf("invalid patch: expected '*** Begin Patch' on first line, got %q", lines[0])
	}

	patch := &Patch{}
	i := 1

	for i < len(lines) {
		line := strings.TrimRight(lines[i], " \t\r")

		if line == "" || line == "*** End Patch" {
			i++
			continue
		}

		switch {
		case strings.HasPrefix(line, "*** Add File: "):
			op, nextI := parseAddFile(lines, i)
			patch.Operations = append(patch.Operations, op)
			i = nextI

		case strings.HasPrefix(line, "*** Delete File: "):
			path := strings.TrimRight(strings.TrimPrefix(line, "*** Delete File: "), " \t\r")
			patch.Operations = append(patch.Operations, PatchOperation{Type: PatchOpDelete, Path: path})
			i++

		case strings.HasPrefix(line, "*** Update File: "):
			op, nextI := parseUpdateFile(lines, i)
			patch.Operations = append(patch.Operations, op)
			i = nextI

		case strings.HasPrefix(line, "*** Move File: "):
			op, err := parseMoveFile(line)
			if err != nil {
				return nil, err
			}
			patch.Operations = append(patch.Operations, op)
			i++

		default:
			i++
		}
	}

	return patch, nil
}

func parseAddFile(lines []string, i int) (PatchOperation, int) {
	path := strings.TrimRight(strings.TrimPrefix(strings.TrimRight(lines[i], " \t\r"), "*** Add File: "), " \t\r")
	i++

	var content []string
	for i < len(lines) {
		l := lines[i]
		if strings.HasPrefix(strings.TrimRight(l, " \t\r"), "*** ") {
			break
		}
		if strings.HasPrefix(l, "+") {
			content = append(content, l[1:])
		}
		i++
	}
	return PatchOperation{Type: PatchOpAdd, Path: path, Content: content}, i
}

func parseUpdateFile(lines []string, i int) (PatchOperation, int) {
	path := strings.TrimRight(strings.TrimPrefix(strings.TrimRight(lines[i], " \t\r"), "*** Update File: "), " \t\r")
	i++

	op := PatchOperation{Type: PatchOpUpdate, Path: path}

	for i < len(lines) {
		l := strings.TrimRight(lines[i], " \t\r")

		if isFileMarker(l) || l == "*** End Patch" {
			break
		}

		switch {
		case strings.HasPrefix(l, "@@@") || strings.HasPrefix(l, "@@"):
			hunk, nextI := parseHunk(lines, i)
			op.Hunks = append(op.Hunks, hunk)
			i = nextI
		case strings.HasPrefix(l, " ") || strings.HasPrefix(l, "-") || strings.HasPrefix(l, "+"):
			hunk, nextI := parseHunkLines(lines, i, "")
			op.Hunks = append(op.Hunks, hunk)
			i = nextI
		default:
			i++
		}
	}

	return op, i
}

func parseHunk(lines []string, i int) (Hunk, int) {
	hint := extractContextHint(strings.TrimRight(lines[i], " \t\r"))
	i++
	return parseHunkLines(lines, i, hint)
}

func parseHunkLines(lines []string, i int, contextHint string) (Hunk, int) {
	hunk := Hunk{ContextHint: contextHint}

	for i < len(lines) {
		l := lines[i]
		trimmed := strings.TrimRight(l, " \t\r")

		if strings.HasPrefix(trimmed, "@@@") || strings.HasPrefix(trimmed, "@@") {
			break
		}
		if isFileMarker(trimmed) || trimmed == "*** End Patch" {
			break
		}
		if trimmed == "*** End of File" {
			i++
			break
		}
		if len(l) == 0 {
			i++
			continue
		}

		rest := l[1:]
		switch l[0] {
		case ' ':
			hunk.ContextLines = append(hunk.ContextLines, rest)
			hunk.MatchLines = append(hunk.MatchLines, rest)
			hunk.ReplaceLines = append(hunk.ReplaceLines, rest)
		case '-':
			hunk.DeleteLines = append(hunk.DeleteLines, rest)
			hunk.MatchLines = append(hunk.MatchLines, rest)
		case '+':
			hunk.AddLines = append(hunk.AddLines, rest)
			hunk.ReplaceLines = append(hunk.ReplaceLines, rest)
		default:
			hunk.ContextLines = append(hunk.ContextLines, l)
			hunk.MatchLines = append(hunk.MatchLines, l)
			hunk.ReplaceLines = append(hunk.ReplaceLines, l)
		}
		i++
	}

	return hunk, i
}

func extractContextHint(line string) string {
	if strings.HasPrefix(line, "@@@") {
		hint := strings.TrimPrefix(line, "@@@")
		if idx := strings.Index(hint, "@@@"); idx >= 0 {
			hint = hint[:idx]
		}
		return strings.TrimSpace(hint)
	}
	if strings.HasPrefix(line, "@@") {
		return strings.TrimSpace(strings.TrimPrefix(line, "@@"))
	}
	return ""
}

func isFileMarker(line string) bool {
	return strings.HasPrefix(line, "*** Add File:") ||
		strings.HasPrefix(line, "*** Delete File:") ||
		strings.HasPrefix(line, "*** Update File:") ||
		strings.HasPrefix(line, "*** Move File:")
}

func parseMoveFile(line string) (PatchOperation, error) {
	rest := strings.TrimRight(strings.TrimPrefix(line, "*** Move File: "), " \t\r")
	parts := strings.SplitN(rest, " -> ", 2)
	if len(parts) != 2 {
		return PatchOperation{}, fmt.Errorf("invalid move syntax: expected 'old/path -> new/path', got %q", rest)
	}
	return PatchOperation{Type: PatchOpMove, Path: strings.TrimSpace(parts[0]), MoveTo: strings.TrimSpace(parts[1])}, nil
}

// ApplyPatch parses and applies a v4a patch against the local filesystem
// rooted at workDir, the way the apply_patch tool hands the model's raw
// patch text straight to the filesystem.
func ApplyPatch(workDir, patchText string) (string, error) {
	patch, err := ParsePatch(patchText)
	if err != nil {
		return "", err
	}
	result, err := applyPatch(patch, NewLocalExecutionEnvironment(workDir))
	if err != nil {
		return "", err
	}
	return result.Summary, nil
}

func applyPatch(patch *Patch, env ExecutionEnvironment) (*PatchResult, error) {
	result := &PatchResult{}

	for _, op := range patch.Operations {
		switch op.Type {
		case PatchOpAdd:
			content := strings.Join(op.Content, "\n")
			if _, err := env.WriteFile(op.Path, content); err != nil {
				return nil, fmt.Errorf("add file %s: %w", op.Path, err)
			}
			result.FilesCreated++
			result.Details = append(result.Details, fmt.Sprintf("Added: %s", op.Path))

		case PatchOpDelete:
			// ExecutionEnvironment has no Delete method; emptying the file is
			// the closest available approximation.
			if _, err := env.WriteFile(op.Path, ""); err != nil {
				return nil, fmt.Errorf("delete file %s: %w", op.Path, err)
			}
			result.FilesDeleted++
			result.Details = append(result.Details, fmt.Sprintf("Deleted: %s", op.Path))

		case PatchOpUpdate:
			if err := applyUpdateOperation(op, env); err != nil {
				return nil, err
			}
			result.FilesModified++
			result.Details = append(result.Details, fmt.Sprintf("Updated: %s", op.Path))

		case PatchOpMove:
			if err := applyMoveOperation(op, env); err != nil {
				return nil, err
			}
			result.FilesMoved++
			result.Details = append(result.Details, fmt.Sprintf("Moved: %s -> %s", op.Path, op.MoveTo))

		default:
			return nil, fmt.Errorf("unknown operation type: %s", op.Type)
		}
	}

	result.Summary = strings.Join(result.Details, "\n")
	return result, nil
}

func applyUpdateOperation(op PatchOperation, env ExecutionEnvironment) error {
	content, err := env.ReadFile(op.Path, nil, nil)
	if err != nil {
		return fmt.Errorf("read file for update %s: %w", op.Path, err)
	}
	fileLines := strings.Split(stripLineNumbers(content), "\n")

	for _, hunk := range op.Hunks {
		fileLines = applyPatchHunk(fileLines, hunk)
	}

	if _, err := env.WriteFile(op.Path, strings.Join(fileLines, "\n")); err != nil {
		return fmt.Errorf("write updated file %s: %w", op.Path, err)
	}
	return nil
}

func applyPatchHunk(fileLines []string, hunk Hunk) []string {
	if len(hunk.MatchLines) == 0 {
		return append(fileLines, hunk.AddLines...)
	}

	matchIdx := findSequence(fileLines, hunk.MatchLines)
	if matchIdx < 0 {
		matchIdx = findSequenceFuzzy(fileLines, hunk.MatchLines)
	}
	if matchIdx < 0 {
		return append(fileLines, hunk.AddLines...)
	}

	var result []string
	result = append(result, fileLines[:matchIdx]...)
	result = append(result, hunk.ReplaceLines...)
	result = append(result, fileLines[matchIdx+len(hunk.MatchLines):]...)
	return result
}

func applyMoveOperation(op PatchOperation, env ExecutionEnvironment) error {
	content, err := env.ReadFile(op.Path, nil, nil)
	if err != nil {
		return fmt.Errorf("read file for move %s: %w", op.Path, err)
	}
	content = stripLineNumbers(content)

	if _, err := env.WriteFile(op.MoveTo, content); err != nil {
		return fmt.Errorf("write moved file %s: %w", op.MoveTo, err)
	}
	if _, err := env.WriteFile(op.Path, ""); err != nil {
		return fmt.Errorf("clear source file after move %s: %w", op.Path, err)
	}
	return nil
}

func findSequence(fileLines, seq []string) int {
	if len(seq) == 0 || len(fileLines) < len(seq) {
		return -1
	}
	for i := 0; i <= len(fileLines)-len(seq); i++ {
		match := true
		for j := 0; j < len(seq); j++ {
			if strings.TrimRight(fileLines[i+j], " \t") != strings.TrimRight(seq[j], " \t") {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func findSequenceFuzzy(fileLines, seq []string) int {
	if len(seq) == 0 || len(fileLines) < len(seq) {
		return -1
	}
	for i := 0; i <= len(fileLines)-len(seq); i++ {
		match := true
		for j := 0; j < len(seq); j++ {
			if strings.TrimSpace(fileLines[i+j]) != strings.TrimSpace(seq[j]) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
