package assets

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/wolfeidau/assetpipe/internal/rules"
)

// Explanation describes how a build treats one context-relative path.
type Explanation struct {
	Path      string
	Selection rules.Result
	// Entry is the configuration key when the file is an entry file
	Entry string
	// Module is set for files only reachable through an entry
	Module bool
	Copy   bool
	// Output is the planned output path; empty for modules and inlined files
	Output   string
	Optimize rules.Result
}

// Explain selects the pipeline for rel without running it. The file does
// not have to exist; hashed names are then computed over empty content.
func (p *Pipeline) Explain(rel string) (*Explanation, error) {
	rel = strings.TrimPrefix(path.Clean(filepath.ToSlash(rel)), "./")
	ex := &Explanation{Path: rel}

	entries, err := p.entryFiles()
	if err != nil {
		return nil, err
	}
	ex.Entry = entries[rel]

	if ex.Entry == "" {
		if out, ok := p.claimCopy(rel); ok {
			ex.Copy = true
			ex.Output = out
			ex.Optimize, err = p.optimize.Select(out)
			return ex, err
		}
	}

	if ex.Selection, err = p.selectPipeline(rel); err != nil {
		return nil, err
	}

	switch {
	case ex.Entry != "":
		return ex, nil
	case p.registry.HasEntryStage(ex.Selection.Stages):
		ex.Module = true
		return ex, nil
	}

	abs := filepath.Join(p.contextDir, filepath.FromSlash(rel))
	content, err := os.ReadFile(abs)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	job := &Job{Source: abs, RelPath: rel, Stages: ex.Selection.Stages, Content: content}
	if ex.Output, err = p.planOutput(job); err != nil {
		return nil, err
	}
	if ex.Output != "" {
		if ex.Optimize, err = p.optimize.Select(ex.Output); err != nil {
			return nil, err
		}
	}
	return ex, nil
}
