package stages

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bep/godartsass/v2"
	"github.com/rs/zerolog/log"
)

// SassConfig configures the Dart Sass compiler.
type SassConfig struct {
	// Binary is the dart sass executable, "sass" on $PATH when empty
	Binary       string
	IncludePaths []string
	OutputStyle  string
	Timeout      time.Duration
}

// SassCompiler wraps a single Dart Sass process shared by all workers. The
// process starts on first use.
type SassCompiler struct {
	cfg SassConfig

	mu         sync.Mutex
	transpiler *godartsass.Transpiler
}

// NewSassCompiler creates a compiler; no process is started until Compile.
func NewSassCompiler(cfg SassConfig) *SassCompiler {
	return &SassCompiler{cfg: cfg}
}

func (c *SassCompiler) start() (*godartsass.Transpiler, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transpiler != nil {
		return c.transpiler, nil
	}

	t, err := godartsass.Start(godartsass.Options{
		DartSassEmbeddedFilename: c.cfg.Binary,
		Timeout:                  c.cfg.Timeout,
		LogEventHandler: func(ev godartsass.LogEvent) {
			switch ev.Type {
			case godartsass.LogEventTypeDebug:
				log.Debug().Str("stage", IDSass).Msg(ev.Message)
			default:
				log.Warn().Str("stage", IDSass).Msg(ev.Message)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start dart sass: %w", err)
	}
	c.transpiler = t
	return t, nil
}

func (c *SassCompiler) discard(t *godartsass.Transpiler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transpiler == t {
		c.transpiler = nil
	}
}

// Compile compiles src, read from path, to CSS. The file's directory is added
// to the include paths so relative imports resolve. A dart sass process that
// died is restarted once.
func (c *SassCompiler) Compile(src []byte, path string, sourceMap bool) (css, sourceMapJSON string, err error) {
	for attempt := 0; ; attempt++ {
		css, sourceMapJSON, err = c.compile(src, path, sourceMap)
		if attempt == 0 && errors.Is(err, godartsass.ErrShutdown) {
			continue
		}
		return css, sourceMapJSON, err
	}
}

func (c *SassCompiler) compile(src []byte, path string, sourceMap bool) (string, string, error) {
	t, err := c.start()
	if err != nil {
		return "", "", err
	}

	syntax := godartsass.SourceSyntaxSCSS
	if strings.EqualFold(filepath.Ext(path), ".sass") {
		syntax = godartsass.SourceSyntaxSASS
	}

	res, err := t.Execute(godartsass.Args{
		Source:                  string(src),
		URL:                     (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String(),
		SourceSyntax:            syntax,
		OutputStyle:             godartsass.ParseOutputStyle(c.cfg.OutputStyle),
		EnableSourceMap:         sourceMap,
		SourceMapIncludeSources: sourceMap,
		IncludePaths:            append([]string{filepath.Dir(path)}, c.cfg.IncludePaths...),
	})
	if err != nil {
		var sassErr godartsass.SassError
		if errors.As(err, &sassErr) {
			return "", "", errors.New(sassErr.Message)
		}
		if errors.Is(err, godartsass.ErrShutdown) {
			c.discard(t)
		}
		return "", "", err
	}
	return res.CSS, res.SourceMap, nil
}

// Close stops the Dart Sass process if it was started.
func (c *SassCompiler) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transpiler == nil {
		return nil
	}
	err := c.transpiler.Close()
	c.transpiler = nil
	if errors.Is(err, godartsass.ErrShutdown) {
		return nil
	}
	return err
}

// sassStage compiles .scss and .sass sources; plain CSS passes through.
type sassStage struct {
	base
	env Env
}

func (s *sassStage) ID() string  { return IDSass }
func (s *sassStage) Entry() bool { return true }

func (s *sassStage) Apply(ctx context.Context, a *Asset, opts Options) error {
	ext := strings.ToLower(filepath.Ext(a.RelPath))
	if ext != ".scss" && ext != ".sass" {
		return nil
	}
	if s.env.Sass == nil {
		return errors.New("sass compiler not configured")
	}

	inline := s.env.SourceMap == SourceMapInline
	css, sm, err := s.env.Sass.Compile(a.Content, a.Source, inline)
	if err != nil {
		return err
	}
	if inline && sm != "" {
		css = appendInlineSourceMap(css, sm)
	}
	a.Content = []byte(css)
	return nil
}
