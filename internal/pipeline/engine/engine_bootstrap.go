package engine

import (
	"github.com/orchestra-run/orchestra/internal/pipeline/model"
	"github.com/orchestra-run/orchestra/internal/pipeline/runtime"
)

func newBaseEngine(g *model.Graph, dotSource []byte, opts RunOptions) *Engine {
	e := &Engine{
		Graph:       g,
		Options:     opts,
		DotSource:   append([]byte{}, dotSource...),
		LogsRoot:    opts.LogsRoot,
		WorktreeDir: opts.WorktreeDir,
		Context:     runtime.NewContext(),
		RunState:    runtime.NewRunState(),
		Registry:    NewDefaultRegistry(),
		Interviewer: &AutoApproveInterviewer{},
	}
	if opts.Interviewer != nil {
		e.Interviewer = opts.Interviewer
	}
	e.RunBranch = buildRunBranch(opts.RunBranchPrefix, opts.RunID)
	return e
}
