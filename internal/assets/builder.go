package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/assetpipe/internal/errdefs"
	"github.com/wolfeidau/assetpipe/internal/fsutil"
	"github.com/wolfeidau/assetpipe/internal/rules"
	"github.com/wolfeidau/assetpipe/internal/stages"
	"github.com/wolfeidau/assetpipe/internal/telemetry"
)

// Result summarizes a committed build.
type Result struct {
	ID       string
	Manifest *Manifest
	Plan     *Plan
	// Failures are the files skipped under the continue error policy
	Failures []error
	Duration time.Duration
}

// artifact is an asset headed for the output directory.
type artifact struct {
	*stages.Asset
	sources []string
}

// build is the state of one Build call.
type build struct {
	p    *Pipeline
	plan *Plan

	mu        sync.Mutex
	artifacts []*artifact
	failures  []error
}

// Build plans and runs every pipeline, then replaces the output directory
// with the result in one rename. On failure or cancellation the previous
// output is left untouched.
func (p *Pipeline) Build(ctx context.Context) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	started := time.Now()
	id, err := newBuildID()
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.Tracer().Start(ctx, "assetpipe.build",
		trace.WithAttributes(attribute.String("assetpipe.build_id", id)))
	defer span.End()

	m := telemetry.GetMetrics()
	m.BuildsTotal.Add(ctx, 1)

	res, err := p.build(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			m.BuildsCancelled.Add(ctx, 1)
		} else {
			m.BuildErrorsTotal.Add(ctx, 1)
		}
		return nil, err
	}

	res.Duration = time.Since(started)
	m.BuildDuration.Record(ctx, float64(res.Duration.Milliseconds()))

	p.mmu.Lock()
	p.manifest = res.Manifest
	p.mmu.Unlock()

	log.Info().
		Str("id", res.ID).
		Int("files", len(res.Manifest.Files)).
		Int("failures", len(res.Failures)).
		Dur("duration", res.Duration).
		Str("output", p.outputDir).
		Msg("build committed")

	return res, nil
}

func (p *Pipeline) build(ctx context.Context, id string) (*Result, error) {
	lock, err := fsutil.TryLock(p.outputDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn().Err(err).Str("path", lock.Path()).Msg("failed to release build lock")
		}
	}()

	plan, err := p.Plan(ctx)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Int("assets", len(plan.Assets)).
		Int("entries", len(plan.Entries)).
		Int("copies", len(plan.Copies)).
		Int("modules", len(plan.Modules)).
		Msg("build planned")

	b := &build{p: p, plan: plan, failures: plan.Unmatched}

	p.index.reset()
	// copied files are referenced by their final URL
	for _, c := range plan.Copies {
		p.index.add(c.Source, p.env.PublicPath+c.Output)
	}

	if err := b.runAssets(ctx); err != nil {
		return nil, err
	}
	if err := b.runEntries(ctx); err != nil {
		return nil, err
	}
	if err := b.runCopies(ctx); err != nil {
		return nil, err
	}
	if err := b.runOptimize(ctx); err != nil {
		return nil, err
	}

	manifest, err := b.commit(ctx, id)
	if err != nil {
		return nil, err
	}

	return &Result{ID: id, Manifest: manifest, Plan: plan, Failures: b.failures}, nil
}

// fail records err when failures are tolerated and returns it otherwise.
// Cancellation always stops the build.
func (b *build) fail(ctx context.Context, err error) error {
	if !b.p.keepGoing || ctx.Err() != nil {
		return err
	}

	log.Warn().Err(err).Msg("skipping failed file")
	telemetry.GetMetrics().FilesFailedTotal.Add(ctx, 1)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, err)
	return nil
}

func (b *build) runAssets(ctx context.Context) error {
	jobs := b.plan.Assets
	results := make([]*artifact, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.p.workers)

	for i, job := range jobs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			a, err := b.p.processAsset(gctx, job)
			if err != nil {
				return b.fail(gctx, err)
			}
			results[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, a := range results {
		if a != nil {
			b.artifacts = append(b.artifacts, a)
		}
	}
	return nil
}

// processAsset runs the pipeline of a standalone file and records its URL.
// Inlined assets yield no artifact.
func (p *Pipeline) processAsset(ctx context.Context, job *Job) (*artifact, error) {
	m := telemetry.GetMetrics()
	m.BytesIn.Add(ctx, int64(len(job.Content)))
	if job.PassThrough() {
		m.FilesPassedThrough.Add(ctx, 1)
	} else {
		m.FilesProcessedTotal.Add(ctx, 1)
	}

	a := &stages.Asset{Source: job.Source, RelPath: job.RelPath, Content: bytes.Clone(job.Content), Original: job.Content}
	if stageID, err := p.run(ctx, a, job.Stages); err != nil {
		return nil, errdefs.StageExecution(job.RelPath, stageID, err)
	}

	// no emitting stage: the file keeps its relative path
	if a.Output == "" && !a.Inline {
		a.Output = job.RelPath
		a.URL = p.env.PublicPath + job.RelPath
	}
	p.index.add(job.Source, a.URL)

	if a.Inline {
		return nil, nil
	}
	return &artifact{Asset: a, sources: []string{job.RelPath}}, nil
}

func (b *build) runEntries(ctx context.Context) error {
	entries := b.plan.Entries
	results := make([][2]*artifact, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.p.workers)

	for i, e := range entries {
		if gctx.Err() != nil {
			break
		}
		if len(e.Scripts) > 0 {
			g.Go(func() error {
				a, err := b.p.bundleScripts(gctx, e)
				if err != nil {
					return b.fail(gctx, err)
				}
				results[i][0] = a
				return nil
			})
		}
		if len(e.Styles) > 0 {
			g.Go(func() error {
				a, err := b.p.mergeStyles(gctx, e)
				if err != nil {
					return b.fail(gctx, err)
				}
				results[i][1] = a
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, pair := range results {
		for _, a := range pair {
			if a != nil {
				b.artifacts = append(b.artifacts, a)
			}
		}
	}
	return nil
}

// bundleScripts compiles the scripts of an entry into one bundle using the
// pipeline of its first script.
func (p *Pipeline) bundleScripts(ctx context.Context, e *EntryPlan) (*artifact, error) {
	first := e.Scripts[0]
	sources := make([]string, 0, len(e.Scripts))
	rels := make([]string, 0, len(e.Scripts))
	for _, job := range e.Scripts {
		sources = append(sources, job.Source)
		rels = append(rels, job.RelPath)
	}

	content := concatSources(e.Scripts)
	telemetry.GetMetrics().BytesIn.Add(ctx, int64(len(content)))

	a := &stages.Asset{
		Source:   first.Source,
		RelPath:  first.RelPath,
		Name:     e.Name,
		Sources:  sources,
		Content:  content,
		Original: content,
	}
	if stageID, err := p.run(ctx, a, first.Stages); err != nil {
		return nil, errdefs.StageExecution(first.RelPath, stageID, err)
	}
	return &artifact{Asset: a, sources: rels}, nil
}

// mergeStyles runs each stylesheet of an entry through its pipeline and
// concatenates the results, in entry order, into the entry's CSS file.
func (p *Pipeline) mergeStyles(ctx context.Context, e *EntryPlan) (*artifact, error) {
	merged := &stages.Asset{
		RelPath:   e.Styles[0].RelPath,
		Name:      e.Name,
		Output:    e.StyleOutput,
		URL:       p.env.PublicPath + e.StyleOutput,
		Mergeable: true,
	}

	var (
		buf  bytes.Buffer
		rels []string
	)
	for i, job := range e.Styles {
		telemetry.GetMetrics().BytesIn.Add(ctx, int64(len(job.Content)))

		a := &stages.Asset{
			Source:   job.Source,
			RelPath:  job.RelPath,
			Name:     e.Name,
			Content:  bytes.Clone(job.Content),
			Original: job.Content,
		}
		if stageID, err := p.run(ctx, a, job.Stages); err != nil {
			return nil, errdefs.StageExecution(job.RelPath, stageID, err)
		}

		if buf.Len() > 0 && !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
			buf.WriteByte('\n')
		}
		buf.Write(a.Content)
		for out, v := range a.Variants {
			merged.AddVariant(out, v)
		}
		// a stage counts as applied to the bundle when every part went through it
		if i == 0 {
			merged.Applied = a.Applied
		} else {
			merged.Applied = intersect(merged.Applied, a.Applied)
		}
		rels = append(rels, job.RelPath)
	}

	merged.Content = buf.Bytes()
	return &artifact{Asset: merged, sources: rels}, nil
}

func intersect(a, b []string) []string {
	var out []string
	for _, s := range a {
		for _, t := range b {
			if s == t {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

func (b *build) runCopies(ctx context.Context) error {
	m := telemetry.GetMetrics()
	for _, c := range b.plan.Copies {
		if err := ctx.Err(); err != nil {
			return err
		}
		content, err := os.ReadFile(c.Source)
		if err != nil {
			return fmt.Errorf("copy %s: %w", c.RelPath, err)
		}
		m.BytesIn.Add(ctx, int64(len(content)))
		m.FilesCopiedTotal.Add(ctx, 1)

		b.artifacts = append(b.artifacts, &artifact{
			Asset: &stages.Asset{
				Source:  c.Source,
				RelPath: c.RelPath,
				Content: content,
				Output:  c.Output,
				URL:     b.p.env.PublicPath + c.Output,
			},
			sources: []string{c.RelPath},
		})
	}
	return nil
}

// runOptimize matches the optimize rules against output paths and runs the
// selected stages that an artifact has not been through yet.
func (b *build) runOptimize(ctx context.Context) error {
	if b.p.optimize.Len() == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.p.workers)

	for _, a := range b.artifacts {
		if gctx.Err() != nil {
			break
		}
		res, err := b.p.optimize.Select(a.Output)
		if err != nil {
			return err
		}
		var refs []rules.StageRef
		for _, ref := range res.Stages {
			if !a.HasApplied(ref.ID) {
				refs = append(refs, ref)
			}
		}
		if len(refs) == 0 {
			continue
		}

		g.Go(func() error {
			if stageID, err := b.p.run(gctx, a.Asset, refs); err != nil {
				return b.fail(gctx, errdefs.StageExecution(a.Output, stageID, err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// commit writes every artifact and the manifest into a staging directory
// and swaps it in for the output directory.
func (b *build) commit(ctx context.Context, id string) (*Manifest, error) {
	sort.Slice(b.artifacts, func(i, j int) bool { return b.artifacts[i].Output < b.artifacts[j].Output })

	owners := map[string]string{ManifestName: "the build manifest"}
	for _, a := range b.artifacts {
		outputs := append([]string{a.Output}, sortedKeys(a.Variants)...)
		for _, out := range outputs {
			if prev, ok := owners[out]; ok {
				return nil, errdefs.Configuration("output",
					fmt.Errorf("%w: %s and %s both write %s", errdefs.ErrOutputConflict, prev, a.RelPath, out))
			}
			owners[out] = a.RelPath
		}
	}

	staging, err := fsutil.NewStaging(b.p.outputDir, id)
	if err != nil {
		return nil, err
	}
	defer staging.Cleanup()

	m := telemetry.GetMetrics()
	for _, a := range b.artifacts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := staging.Write(a.Output, a.Content); err != nil {
			return nil, fmt.Errorf("write %s: %w", a.Output, err)
		}
		m.BytesOut.Add(ctx, int64(len(a.Content)))

		for _, out := range sortedKeys(a.Variants) {
			if err := staging.Write(out, a.Variants[out]); err != nil {
				return nil, fmt.Errorf("write %s: %w", out, err)
			}
			m.BytesOut.Add(ctx, int64(len(a.Variants[out])))
		}
	}

	manifest := newManifest(b.artifacts, b.plan.Entries)
	data, err := manifest.Marshal()
	if err != nil {
		return nil, err
	}
	if err := staging.Write(ManifestName, data); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := staging.Commit(); err != nil {
		return nil, err
	}
	return manifest, nil
}

// run applies refs to a one stage at a time, recording a span and metrics
// per stage. The failing stage id is returned with the error.
func (p *Pipeline) run(ctx context.Context, a *stages.Asset, refs []rules.StageRef) (string, error) {
	m := telemetry.GetMetrics()
	for i, ref := range refs {
		if a.HasApplied(ref.ID) {
			continue
		}

		sctx, span := telemetry.Tracer().Start(ctx, "assetpipe.stage",
			trace.WithAttributes(
				attribute.String("assetpipe.stage", ref.ID),
				attribute.String("assetpipe.path", a.RelPath),
			))
		attrs := metric.WithAttributes(attribute.String("stage", ref.ID))

		started := time.Now()
		_, err := p.registry.Run(sctx, a, refs[i:i+1])
		m.StageRunsTotal.Add(sctx, 1, attrs)
		m.StageDuration.Record(sctx, float64(time.Since(started).Microseconds())/1000, attrs)

		if err != nil {
			m.StageErrorsTotal.Add(sctx, 1, attrs)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return ref.ID, err
		}
		span.End()
	}
	return "", nil
}

func newBuildID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate build id: %w", err)
	}
	return base58.Encode(id[:]), nil
}
