// Package stages implements the transformation steps a pipeline is made of.
package stages

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wolfeidau/assetpipe/internal/naming"
	"github.com/wolfeidau/assetpipe/internal/rules"
)

// Stage identifiers.
const (
	IDSass        = "sass"
	IDCSS         = "css"
	IDExtract     = "extract"
	IDMinifyCSS   = "minify-css"
	IDFile        = "file"
	IDURL         = "url"
	IDSVGURL      = "svg-url"
	IDImagemin    = "imagemin"
	IDScript      = "script"
	IDPrecompress = "precompress"
)

// Stage transforms a single asset. Implementations hold no per-invocation
// state and are safe for concurrent use.
type Stage interface {
	ID() string
	Kind() rules.Kind
	// Entry reports whether the stage only runs on entry points. Files whose
	// pipeline contains such a stage are modules, not standalone assets.
	Entry() bool
	Apply(ctx context.Context, a *Asset, opts Options) error
}

// Validator is implemented by stages that check their options at load time.
type Validator interface {
	Validate(opts Options) error
}

// Planner is implemented by emitting stages to report the output path ahead
// of execution. An empty path means the asset is inlined.
type Planner interface {
	Plan(a *Asset, opts Options) (string, error)
}

// Resolver maps a reference found in a stylesheet or script to the URL of the
// emitted asset, or to its data URI when inlined.
type Resolver interface {
	Resolve(dir, ref string) (string, bool)
}

// Asset is a file moving through a pipeline.
type Asset struct {
	// Source is the absolute source path
	Source string
	// RelPath is the slash-separated path relative to the context directory
	RelPath string
	// Name is the entry name for entry assets
	Name string
	// Sources are the absolute source paths bundled into an entry asset
	Sources []string
	Content []byte
	// Original is the source content before any stage ran; naming templates
	// hash it so planned and built output paths agree
	Original []byte
	// Output is the slash-separated path relative to the output directory
	Output string
	// URL is how other assets reference this one: a public URL or a data URI
	URL    string
	Inline bool
	// Mergeable outputs are concatenated with other assets sharing the output
	Mergeable bool
	// Variants are additional files derived from the asset, keyed by output path
	Variants map[string][]byte
	Applied  []string
}

// HasApplied reports whether the stage id already ran on the asset.
func (a *Asset) HasApplied(id string) bool {
	for _, applied := range a.Applied {
		if applied == id {
			return true
		}
	}
	return false
}

// AddVariant records an additional output derived from the asset.
func (a *Asset) AddVariant(output string, content []byte) {
	if a.Variants == nil {
		a.Variants = make(map[string][]byte)
	}
	a.Variants[output] = content
}

// SourceMap selects how source maps are produced.
type SourceMap string

const (
	SourceMapNone   SourceMap = "none"
	SourceMapInline SourceMap = "inline-source-map"
	SourceMapLinked SourceMap = "source-map"
)

// Env carries the build-wide dependencies of stages.
type Env struct {
	PublicPath  string
	CSSFilename naming.Template
	Resolver    Resolver
	Sass        *SassCompiler
	SourceMap   SourceMap
	Script      ScriptContext
}

// Registry maps stage ids to stages. It satisfies rules.Catalog.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]Stage
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]Stage)}
}

// Default returns a registry holding every built-in stage bound to env.
func Default(env Env) *Registry {
	r := NewRegistry()
	for _, s := range []Stage{
		&sassStage{env: env},
		&cssStage{env: env},
		&extractStage{env: env},
		&minifyCSSStage{},
		&fileStage{env: env},
		&urlStage{env: env},
		&svgURLStage{},
		&imageminStage{},
		&scriptStage{env: env},
		&precompressStage{},
	} {
		r.MustRegister(s)
	}
	return r
}

// Register adds s, failing when its id is already taken.
func (r *Registry) Register(s Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.stages[s.ID()]; exists {
		return fmt.Errorf("stage %q already registered", s.ID())
	}
	r.stages[s.ID()] = s
	return nil
}

// MustRegister is Register that panics on a duplicate id.
func (r *Registry) MustRegister(s Stage) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// Get returns the stage registered under id.
func (r *Registry) Get(id string) (Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.stages[id]
	return s, ok
}

// Kind implements rules.Catalog.
func (r *Registry) Kind(id string) (rules.Kind, bool) {
	s, ok := r.Get(id)
	if !ok {
		return rules.KindTransform, false
	}
	return s.Kind(), true
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.stages))
	for id := range r.stages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks the options of every stage reference against its stage.
func (r *Registry) Validate(refs []rules.StageRef) error {
	for _, ref := range refs {
		s, ok := r.Get(ref.ID)
		if !ok {
			return fmt.Errorf("unknown stage %q", ref.ID)
		}
		if v, ok := s.(Validator); ok {
			if err := v.Validate(Options(ref.Options)); err != nil {
				return err
			}
		}
	}
	return nil
}

// HasEntryStage reports whether any referenced stage only runs on entries.
func (r *Registry) HasEntryStage(refs []rules.StageRef) bool {
	for _, ref := range refs {
		if s, ok := r.Get(ref.ID); ok && s.Entry() {
			return true
		}
	}
	return false
}

// Run applies refs to a in order, skipping stages the asset already went
// through. The failing stage id is returned alongside the error.
func (r *Registry) Run(ctx context.Context, a *Asset, refs []rules.StageRef) (string, error) {
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return ref.ID, err
		}
		if a.HasApplied(ref.ID) {
			continue
		}
		s, ok := r.Get(ref.ID)
		if !ok {
			return ref.ID, fmt.Errorf("unknown stage %q", ref.ID)
		}
		if err := s.Apply(ctx, a, Options(ref.Options)); err != nil {
			return ref.ID, err
		}
		a.Applied = append(a.Applied, ref.ID)
	}
	return "", nil
}

type base struct{}

func (base) Kind() rules.Kind { return rules.KindTransform }
func (base) Entry() bool      { return false }
