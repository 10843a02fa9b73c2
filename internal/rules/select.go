package rules

import (
	"path/filepath"
	"strings"

	"github.com/wolfeidau/assetpipe/internal/errdefs"
)

// SelectOptions tunes a single selection.
type SelectOptions struct {
	// Strict fails with a NoMatchError when no rule matches
	Strict bool
}

// Overlap records two matching rules contributing the same stage, or two
// emitting stages, for one path. Winner names the rule whose stage was kept.
type Overlap struct {
	Stage  string
	Rule   string
	By     string
	Winner string
}

// Result is the outcome of selecting a pipeline for one path.
type Result struct {
	Path     string
	Stages   []StageRef
	Rules    []string
	Overlaps []Overlap
}

// PassThrough reports whether the file is copied unmodified.
func (r Result) PassThrough() bool {
	return len(r.Stages) == 0
}

// StageIDs returns the ordered stage ids.
func (r Result) StageIDs() []string {
	ids := make([]string, 0, len(r.Stages))
	for _, s := range r.Stages {
		ids = append(ids, s.ID)
	}
	return ids
}

type selected struct {
	ref  StageRef
	kind Kind
	rule string
}

// Select scans rules in declaration order and returns the ordered stage
// sequence for path. A later emitting stage supersedes an earlier one; a
// transform stage already selected is not selected twice. Both cases are
// reported as overlaps. An empty result means pass through.
func Select(path string, rules []Rule, opts SelectOptions) (Result, error) {
	path = normalize(path)
	if path == "" {
		return Result{}, ErrEmptyPath
	}

	res := Result{Path: path}
	var stages []selected

	for _, rule := range rules {
		if !rule.Match(path) {
			continue
		}
		res.Rules = append(res.Rules, rule.Name)

		if rule.Mode == ModeReplace {
			for _, s := range stages {
				res.Overlaps = append(res.Overlaps, Overlap{Stage: s.ref.ID, Rule: s.rule, By: rule.Name, Winner: rule.Name})
			}
			stages = stages[:0]
		}

		for i, ref := range rule.Stages {
			kind := rule.kinds[i]
			if kind == KindEmit {
				if idx := indexOfKind(stages, KindEmit); idx >= 0 {
					res.Overlaps = append(res.Overlaps, Overlap{Stage: stages[idx].ref.ID, Rule: stages[idx].rule, By: rule.Name, Winner: rule.Name})
					stages = append(stages[:idx], stages[idx+1:]...)
				}
			} else if idx := indexOfStage(stages, ref.ID); idx >= 0 {
				res.Overlaps = append(res.Overlaps, Overlap{Stage: ref.ID, Rule: stages[idx].rule, By: rule.Name, Winner: stages[idx].rule})
				continue
			}
			stages = append(stages, selected{ref: ref, kind: kind, rule: rule.Name})
		}

		if rule.Mode == ModeStop {
			break
		}
	}

	if opts.Strict && len(res.Rules) == 0 {
		return Result{}, &errdefs.NoMatchError{Path: path}
	}

	res.Stages = make([]StageRef, 0, len(stages))
	for _, s := range stages {
		res.Stages = append(res.Stages, s.ref)
	}
	return res, nil
}

func indexOfKind(stages []selected, kind Kind) int {
	for i, s := range stages {
		if s.kind == kind {
			return i
		}
	}
	return -1
}

func indexOfStage(stages []selected, id string) int {
	for i, s := range stages {
		if s.ref.ID == id {
			return i
		}
	}
	return -1
}

func normalize(path string) string {
	path = filepath.ToSlash(path)
	for strings.HasPrefix(path, "./") {
		path = path[2:]
	}
	return strings.TrimPrefix(path, "/")
}
