package assets

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/assetpipe/internal/config"
	"github.com/wolfeidau/assetpipe/internal/errdefs"
	"github.com/wolfeidau/assetpipe/internal/fsutil"
	"github.com/wolfeidau/assetpipe/internal/naming"
	"github.com/wolfeidau/assetpipe/internal/rules"
	"github.com/wolfeidau/assetpipe/internal/stages"
)

// ManifestName is the build manifest written at the root of the output.
const ManifestName = "manifest.json"

// Pipeline manages the asset build process. Builds are serialized; the
// compiled rules, stages and provide shim are fixed at construction.
type Pipeline struct {
	cfg      *config.Config
	env      stages.Env
	registry *stages.Registry
	rules    *rules.Set
	optimize *rules.Set
	copies   []copySpec
	index    *index
	sass     *stages.SassCompiler

	contextDir string
	outputDir  string
	cacheDir   string

	keepGoing bool
	strict    bool
	workers   int
	minify    *bool

	mu       sync.Mutex
	mmu      sync.RWMutex
	manifest *Manifest
}

// New validates cfg and prepares a pipeline. Close releases the Sass
// compiler when one was started.
func New(cfg *config.Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:        cfg,
		index:      newIndex(),
		contextDir: cfg.ContextDir(),
		outputDir:  cfg.OutputDir(),
		cacheDir:   cfg.CacheDirPath(),
		keepGoing:  cfg.OnError == config.OnErrorContinue,
		strict:     cfg.Strict,
		workers:    cfg.WorkerCount(),
	}
	for _, opt := range opts {
		opt(p)
	}

	filename, err := naming.Parse(cfg.Output.Filename)
	if err != nil {
		return nil, errdefs.Configuration("output.filename", err)
	}
	cssFilename, err := naming.Parse(cfg.Output.CSSFilename)
	if err != nil {
		return nil, errdefs.Configuration("output.css_filename", err)
	}

	inject, err := p.writeProvideShim()
	if err != nil {
		return nil, err
	}

	minify := cfg.Mode == config.ModeProduction
	if p.minify != nil {
		minify = *p.minify
	}

	p.sass = stages.NewSassCompiler(stages.SassConfig{
		Binary:       cfg.Sass.Binary,
		IncludePaths: cfg.SassIncludePaths(),
		OutputStyle:  cfg.Sass.OutputStyle,
		Timeout:      time.Minute,
	})

	p.env = stages.Env{
		PublicPath:  cfg.Output.PublicPath,
		CSSFilename: cssFilename,
		Resolver:    p.index,
		Sass:        p.sass,
		SourceMap:   cfg.SourceMap(),
		Script: stages.ScriptContext{
			Root:      p.contextDir,
			Filename:  filename,
			Minify:    minify,
			Inject:    inject,
			NodePaths: cfg.NodePathDirs(),
		},
	}
	p.registry = stages.Default(p.env)

	if p.rules, p.optimize, err = cfg.CompileRules(p.registry); err != nil {
		return nil, err
	}

	for i, cp := range cfg.Copy {
		spec, err := newCopySpec(cp)
		if err != nil {
			return nil, errdefs.Configuration(fmt.Sprintf("copy[%d]", i), err)
		}
		p.copies = append(p.copies, spec)
	}

	return p, nil
}

// Close stops the Sass compiler.
func (p *Pipeline) Close() error {
	return p.sass.Close()
}

// Config returns the configuration the pipeline was built from.
func (p *Pipeline) Config() *config.Config {
	return p.cfg
}

// Registry returns the stage registry bound to this pipeline.
func (p *Pipeline) Registry() *stages.Registry {
	return p.registry
}

// Rules returns the compiled selection rules.
func (p *Pipeline) Rules() *rules.Set {
	return p.rules
}

// OptimizeRules returns the compiled rules applied to emitted outputs.
func (p *Pipeline) OptimizeRules() *rules.Set {
	return p.optimize
}

// ContextDir returns the absolute source directory.
func (p *Pipeline) ContextDir() string {
	return p.contextDir
}

// OutputDir returns the absolute output directory.
func (p *Pipeline) OutputDir() string {
	return p.outputDir
}

// Manifest returns the manifest of the last committed build, or nil.
func (p *Pipeline) Manifest() *Manifest {
	p.mmu.RLock()
	defer p.mmu.RUnlock()
	return p.manifest
}

// writeProvideShim renders the provide table into the cache directory and
// returns the inject list for the script stage. The file is rewritten only
// when its content changes so watchers are not retriggered.
func (p *Pipeline) writeProvideShim() ([]string, error) {
	shim := p.cfg.Provide.Shim()
	if len(shim) == 0 {
		return nil, nil
	}

	shimPath := filepath.Join(p.cacheDir, "provide.js")
	existing, err := os.ReadFile(shimPath)
	if err == nil && bytes.Equal(existing, shim) {
		return []string{shimPath}, nil
	}
	if err := fsutil.WriteFileAtomic(shimPath, shim, 0o644); err != nil {
		return nil, fmt.Errorf("write provide shim: %w", err)
	}
	log.Debug().Str("path", shimPath).Strs("symbols", p.cfg.Provide.Names()).Msg("wrote provide shim")
	return []string{shimPath}, nil
}

// index maps absolute source paths to the URL of their emitted artifact or
// their data URI. It is the stages.Resolver used by the css and script
// stages and is refilled by every build.
type index struct {
	mu   sync.RWMutex
	urls map[string]string
}

func newIndex() *index {
	return &index{urls: make(map[string]string)}
}

func (ix *index) reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.urls = make(map[string]string)
}

func (ix *index) add(source, url string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.urls[filepath.Clean(source)] = url
}

// Resolve implements stages.Resolver.
func (ix *index) Resolve(dir, ref string) (string, bool) {
	target := filepath.Join(dir, filepath.FromSlash(stages.StripRefSuffix(ref)))

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	url, ok := ix.urls[target]
	return url, ok
}

// copySpec is a compiled copy pattern.
type copySpec struct {
	from  string
	to    string
	match glob.Glob
}

func newCopySpec(cp config.CopyPattern) (copySpec, error) {
	from, err := config.CopyDir(cp.From)
	if err != nil {
		return copySpec{}, err
	}
	to := from
	if cp.To != "" {
		if to, err = config.CopyDir(cp.To); err != nil {
			return copySpec{}, err
		}
	}
	spec := copySpec{from: from, to: to}
	if cp.Glob != "" {
		if spec.match, err = glob.Compile(cp.Glob, '/'); err != nil {
			return copySpec{}, fmt.Errorf("%w: %v", errdefs.ErrInvalidPattern, err)
		}
	}
	return spec, nil
}

// claim reports whether rel is copied by the pattern and where it lands.
func (c copySpec) claim(rel string) (string, bool) {
	sub := rel
	if c.from != "" {
		if !strings.HasPrefix(rel, c.from+"/") {
			return "", false
		}
		sub = strings.TrimPrefix(rel, c.from+"/")
	}
	if c.match != nil && !c.match.Match(sub) {
		return "", false
	}
	return path.Join(c.to, sub), true
}
