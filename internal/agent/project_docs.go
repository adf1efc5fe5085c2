package agent

import "strings"

// ProjectDoc is a project-root file whose content is inlined into the
// system prompt, e.g. a CLAUDE.md/AGENTS.md style instructions file.
type ProjectDoc struct {
	Path    string
	Content string
}

// LoadProjectDocs reads each of files relative to env's working directory,
// skipping any that don't exist or fail to read rather than failing the
// whole call.
func LoadProjectDocs(env ExecutionEnvironment, files ...string) ([]ProjectDoc, error) {
	var out []ProjectDoc
	for _, f := range files {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		content, err := env.ReadFile(f, nil, nil)
		if err != nil {
			continue
		}
		out = append(out, ProjectDoc{Path: f, Content: stripLineNumbers(content)})
	}
	return out, nil
}

// stripLineNumbers undoes ReadFile's "%4d\t" line-number prefix so project
// docs are inlined as plain text rather than numbered listings.
func stripLineNumbers(numbered string) string {
	lines := strings.Split(numbered, "\n")
	for i, l := range lines {
		if idx := strings.Index(l, "\t"); idx >= 0 {
			lines[i] = l[idx+1:]
		}
	}
	return strings.Join(lines, "\n")
}
