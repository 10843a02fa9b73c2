package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/assetpipe/internal/config"
	"github.com/wolfeidau/assetpipe/internal/errdefs"
	"github.com/wolfeidau/assetpipe/internal/naming"
	"github.com/wolfeidau/assetpipe/internal/rules"
	"github.com/wolfeidau/assetpipe/internal/stages"
	"github.com/wolfeidau/assetpipe/internal/telemetry"
)

// Job is one source file and the pipeline selected for it.
type Job struct {
	Source  string
	RelPath string
	Stages  []rules.StageRef
	Rules   []string
	// Output is the planned output path; empty when the file is inlined
	Output  string
	Content []byte
}

// PassThrough reports whether no rule matched the file.
func (j *Job) PassThrough() bool {
	return len(j.Stages) == 0
}

// EntryPlan groups the files of one entry by the artifact they end up in.
type EntryPlan struct {
	Name         string
	Scripts      []*Job
	Styles       []*Job
	ScriptOutput string
	StyleOutput  string
}

// CopyJob copies a file verbatim.
type CopyJob struct {
	Source  string
	RelPath string
	Output  string
}

// FileOverlap is a rule overlap observed while planning one file.
type FileOverlap struct {
	Path string
	rules.Overlap
}

// Plan is everything a build will do, computed before any stage runs.
type Plan struct {
	Assets  []*Job
	Entries []*EntryPlan
	Copies  []CopyJob
	// Modules are files only reachable through an entry
	Modules  []string
	Overlaps []FileOverlap
	// Unmatched lists files rejected by strict selection when failures are
	// tolerated
	Unmatched []error
}

// Plan walks the context directory and selects a pipeline for every file.
// Output paths are resolved and checked for conflicts; no stage runs.
func (p *Pipeline) Plan(ctx context.Context) (*Plan, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "assetpipe.plan")
	defer span.End()

	info, err := os.Stat(p.contextDir)
	if err != nil {
		return nil, errdefs.Configuration("context", err)
	}
	if !info.IsDir() {
		return nil, errdefs.Configuration("context", fmt.Errorf("%w: %s is not a directory", errdefs.ErrInvalidOption, p.contextDir))
	}

	pl := &Plan{}

	entryFiles, err := p.entryFiles()
	if err != nil {
		return nil, err
	}

	err = filepath.WalkDir(p.contextDir, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if abs == p.contextDir {
			return nil
		}
		if d.IsDir() {
			if p.Ignored(abs) {
				return filepath.SkipDir
			}
			return nil
		}
		if p.Ignored(abs) || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(p.contextDir, abs)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if _, ok := entryFiles[rel]; ok {
			return nil
		}
		if out, ok := p.claimCopy(rel); ok {
			pl.Copies = append(pl.Copies, CopyJob{Source: abs, RelPath: rel, Output: out})
			return nil
		}

		res, err := p.selectPipeline(rel)
		if err != nil {
			var noMatch *errdefs.NoMatchError
			if errors.As(err, &noMatch) && p.keepGoing {
				log.Warn().Str("path", rel).Msg("no rule matches file, skipping")
				pl.Unmatched = append(pl.Unmatched, err)
				return nil
			}
			return err
		}
		pl.addOverlaps(res)

		if p.registry.HasEntryStage(res.Stages) {
			pl.Modules = append(pl.Modules, rel)
			return nil
		}

		job, err := p.newJob(abs, rel, res)
		if err != nil {
			return err
		}
		pl.Assets = append(pl.Assets, job)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := p.planEntries(ctx, pl); err != nil {
		return nil, err
	}

	if err := checkConflicts(pl); err != nil {
		telemetry.GetMetrics().OutputConflicts.Add(ctx, 1)
		return nil, err
	}

	if len(pl.Overlaps) > 0 {
		telemetry.GetMetrics().RuleOverlapsTotal.Add(ctx, int64(len(pl.Overlaps)))
		for _, o := range pl.Overlaps {
			log.Warn().
				Str("path", o.Path).
				Str("stage", o.Stage).
				Str("rule", o.Rule).
				Str("by", o.By).
				Str("winner", o.Winner).
				Msg("overlapping rules")
		}
	}

	return pl, nil
}

func (pl *Plan) addOverlaps(res rules.Result) {
	for _, o := range res.Overlaps {
		pl.Overlaps = append(pl.Overlaps, FileOverlap{Path: res.Path, Overlap: o})
	}
}

// Ignored reports whether builds leave abs out: hidden files, node_modules,
// and the output and cache directories with everything below them.
func (p *Pipeline) Ignored(abs string) bool {
	name := filepath.Base(abs)
	if strings.HasPrefix(name, ".") || name == "node_modules" {
		return true
	}
	return within(abs, p.outputDir) || within(abs, p.cacheDir)
}

func within(abs, dir string) bool {
	return abs == dir || strings.HasPrefix(abs, dir+string(filepath.Separator))
}

func (p *Pipeline) claimCopy(rel string) (string, bool) {
	for _, spec := range p.copies {
		if out, ok := spec.claim(rel); ok {
			return out, true
		}
	}
	return "", false
}

func (p *Pipeline) selectPipeline(rel string) (rules.Result, error) {
	if p.strict {
		return p.rules.SelectStrict(rel)
	}
	return p.rules.Select(rel)
}

// entryFiles maps the context-relative path of every entry file to the
// configuration key naming it.
func (p *Pipeline) entryFiles() (map[string]string, error) {
	files := make(map[string]string)
	for _, name := range p.cfg.EntryNames() {
		for i, f := range p.cfg.Entry[name] {
			field := fmt.Sprintf("entry.%s[%d]", name, i)
			rel, err := config.EntryPath(f)
			if err != nil {
				return nil, errdefs.Configuration(field, err)
			}
			files[rel] = field
		}
	}
	return files, nil
}

func (p *Pipeline) newJob(abs, rel string, res rules.Result) (*Job, error) {
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	job := &Job{Source: abs, RelPath: rel, Stages: res.Stages, Rules: res.Rules, Content: content}
	if job.Output, err = p.planOutput(job); err != nil {
		return nil, errdefs.StageExecution(rel, emitterID(p.registry, res.Stages), err)
	}
	return job, nil
}

// planOutput asks the pipeline's emitting stage where the file will land.
// Without one the file keeps its relative path.
func (p *Pipeline) planOutput(job *Job) (string, error) {
	for i := len(job.Stages) - 1; i >= 0; i-- {
		ref := job.Stages[i]
		s, ok := p.registry.Get(ref.ID)
		if !ok || s.Kind() != rules.KindEmit {
			continue
		}
		planner, ok := s.(stages.Planner)
		if !ok {
			return "", fmt.Errorf("emitting stage %q cannot plan its output", ref.ID)
		}
		return planner.Plan(&stages.Asset{Source: job.Source, RelPath: job.RelPath, Content: job.Content, Original: job.Content}, stages.Options(ref.Options))
	}
	return job.RelPath, nil
}

func emitterID(reg *stages.Registry, refs []rules.StageRef) string {
	for i := len(refs) - 1; i >= 0; i-- {
		if kind, _ := reg.Kind(refs[i].ID); kind == rules.KindEmit {
			return refs[i].ID
		}
	}
	return ""
}

func (p *Pipeline) planEntries(ctx context.Context, pl *Plan) error {
	for _, name := range p.cfg.EntryNames() {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := &EntryPlan{Name: name}

		for i, f := range p.cfg.Entry[name] {
			field := fmt.Sprintf("entry.%s[%d]", name, i)
			rel, _ := config.EntryPath(f)
			abs := filepath.Join(p.contextDir, filepath.FromSlash(rel))

			res, err := p.selectPipeline(rel)
			if err != nil {
				return err
			}
			pl.addOverlaps(res)

			content, err := os.ReadFile(abs)
			if err != nil {
				return errdefs.Configuration(field, err)
			}
			job := &Job{Source: abs, RelPath: rel, Stages: res.Stages, Rules: res.Rules, Content: content}

			switch {
			case hasStage(res.Stages, stages.IDScript):
				entry.Scripts = append(entry.Scripts, job)
			case hasStage(res.Stages, stages.IDExtract):
				entry.Styles = append(entry.Styles, job)
			default:
				return errdefs.Configuration(field,
					fmt.Errorf("%w: %s selects neither the %s nor the %s stage", errdefs.ErrInvalidOption, rel, stages.IDScript, stages.IDExtract))
			}
		}

		var err error
		if len(entry.Scripts) > 0 {
			entry.ScriptOutput, err = p.env.Script.Filename.Resolve(entryInput(name, entry.Scripts))
			if err != nil {
				return errdefs.Configuration("output.filename", err)
			}
		}
		if len(entry.Styles) > 0 {
			entry.StyleOutput, err = p.env.CSSFilename.Resolve(entryInput(name, entry.Styles))
			if err != nil {
				return errdefs.Configuration("output.css_filename", err)
			}
		}
		pl.Entries = append(pl.Entries, entry)
	}
	return nil
}

// entryInput names an entry artifact after its first file and hashes the
// concatenated sources of all its files.
func entryInput(name string, jobs []*Job) naming.Input {
	return naming.Input{RelPath: jobs[0].RelPath, Name: name, Content: concatSources(jobs)}
}

func concatSources(jobs []*Job) []byte {
	var buf bytes.Buffer
	for _, job := range jobs {
		buf.Write(job.Content)
	}
	return buf.Bytes()
}

func hasStage(refs []rules.StageRef, id string) bool {
	for _, ref := range refs {
		if ref.ID == id {
			return true
		}
	}
	return false
}

// checkConflicts fails when two producers plan the same output path.
func checkConflicts(pl *Plan) error {
	owners := map[string]string{ManifestName: "the build manifest"}
	claim := func(out, owner string) error {
		if out == "" {
			return nil
		}
		if prev, ok := owners[out]; ok {
			return errdefs.Configuration("output", fmt.Errorf("%w: %s and %s both write %s", errdefs.ErrOutputConflict, prev, owner, out))
		}
		owners[out] = owner
		return nil
	}

	for _, job := range pl.Assets {
		if err := claim(job.Output, job.RelPath); err != nil {
			return err
		}
	}
	for _, e := range pl.Entries {
		if err := claim(e.ScriptOutput, "entry "+e.Name); err != nil {
			return err
		}
		if err := claim(e.StyleOutput, "entry "+e.Name+" stylesheet"); err != nil {
			return err
		}
	}
	for _, c := range pl.Copies {
		if err := claim(c.Output, c.RelPath); err != nil {
			return err
		}
	}
	return nil
}
