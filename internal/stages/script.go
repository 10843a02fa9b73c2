package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/wolfeidau/assetpipe/internal/errdefs"
	"github.com/wolfeidau/assetpipe/internal/naming"
)

const assetNamespace = "assetpipe-asset"

// ScriptContext is everything the script stage needs beyond its options.
// Inject lists the provide shims, which is how global symbols reach modules.
type ScriptContext struct {
	// Root is the absolute context directory; entry imports resolve from it
	Root      string
	Filename  naming.Template
	Minify    bool
	Inject    []string
	NodePaths []string
}

var targets = map[string]api.Target{
	"es2015": api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"es2021": api.ES2021,
	"es2022": api.ES2022,
	"esnext": api.ESNext,
}

var formats = map[string]api.Format{
	"iife": api.FormatIIFE,
	"esm":  api.FormatESModule,
	"cjs":  api.FormatCommonJS,
}

// modules esbuild loads itself; the asset plugin never claims them
var moduleExts = map[string]bool{
	".js": true, ".mjs": true, ".cjs": true, ".jsx": true,
	".ts": true, ".tsx": true, ".json": true, ".css": true,
}

// scriptStage bundles the scripts of an entry into one file with esbuild.
type scriptStage struct {
	base
	env Env
}

func (s *scriptStage) ID() string  { return IDScript }
func (s *scriptStage) Entry() bool { return true }

type scriptOptions struct {
	target api.Target
	format api.Format
	minify bool
}

func (s *scriptStage) options(opts Options) (scriptOptions, error) {
	so := scriptOptions{minify: s.env.Script.Minify}

	target, err := opts.String("target", "es2017")
	if err != nil {
		return so, err
	}
	var ok bool
	if so.target, ok = targets[strings.ToLower(target)]; !ok {
		return so, fmt.Errorf("%w: unknown target %q", errdefs.ErrInvalidOption, target)
	}

	format, err := opts.String("format", "iife")
	if err != nil {
		return so, err
	}
	if so.format, ok = formats[strings.ToLower(format)]; !ok {
		return so, fmt.Errorf("%w: unknown format %q", errdefs.ErrInvalidOption, format)
	}

	if so.minify, err = opts.Bool("minify", so.minify); err != nil {
		return so, err
	}
	return so, nil
}

func (s *scriptStage) Validate(opts Options) error {
	_, err := s.options(opts)
	return err
}

func (s *scriptStage) Apply(ctx context.Context, a *Asset, opts Options) error {
	so, err := s.options(opts)
	if err != nil {
		return err
	}
	sc := s.env.Script
	if sc.Root == "" || sc.Filename.String() == "" {
		return errors.New("script context not configured")
	}

	sources := a.Sources
	if len(sources) == 0 {
		sources = []string{a.Source}
	}

	out, err := sc.Filename.Resolve(nameInput(a))
	if err != nil {
		return err
	}
	outfile := filepath.Join(sc.Root, filepath.FromSlash(out))

	buildOpts := api.BuildOptions{
		Bundle:            true,
		Write:             false,
		AbsWorkingDir:     sc.Root,
		Outfile:           outfile,
		Format:            so.format,
		Platform:          api.PlatformBrowser,
		Target:            so.target,
		MinifyWhitespace:  so.minify,
		MinifyIdentifiers: so.minify,
		MinifySyntax:      so.minify,
		Sourcemap:         esbuildSourceMap(s.env.SourceMap),
		Inject:            sc.Inject,
		NodePaths:         sc.NodePaths,
		Plugins:           []api.Plugin{assetPlugin(s.env.Resolver)},
		LogLevel:          api.LogLevelSilent,
	}

	if len(sources) == 1 {
		buildOpts.EntryPoints = sources
	} else {
		buildOpts.Stdin = &api.StdinOptions{
			Contents:   entryImports(sc.Root, sources),
			ResolveDir: sc.Root,
			Sourcefile: a.Name + ".entry.js",
			Loader:     api.LoaderJS,
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	result := api.Build(buildOpts)
	if len(result.Errors) > 0 {
		return messagesError(result.Errors)
	}

	var found bool
	for _, f := range result.OutputFiles {
		if filepath.Clean(f.Path) == outfile {
			a.Content = f.Contents
			found = true
			continue
		}
		rel, err := filepath.Rel(sc.Root, f.Path)
		if err != nil {
			return err
		}
		a.AddVariant(filepath.ToSlash(rel), f.Contents)
	}
	if !found {
		return fmt.Errorf("esbuild produced no output for %s", out)
	}

	a.Output = out
	a.URL = s.env.PublicPath + out
	a.Inline = false
	return nil
}

func esbuildSourceMap(sm SourceMap) api.SourceMap {
	switch sm {
	case SourceMapInline:
		return api.SourceMapInline
	case SourceMapLinked:
		return api.SourceMapLinked
	default:
		return api.SourceMapNone
	}
}

// entryImports builds a virtual module importing every source in order.
func entryImports(root string, sources []string) string {
	var sb strings.Builder
	for _, src := range sources {
		rel, err := filepath.Rel(root, src)
		if err != nil {
			rel = src
		}
		spec, _ := json.Marshal("./" + filepath.ToSlash(rel))
		fmt.Fprintf(&sb, "import %s;\n", spec)
	}
	return sb.String()
}

// assetPlugin turns imports of emitted assets into modules exporting their URL.
func assetPlugin(resolver Resolver) api.Plugin {
	return api.Plugin{
		Name: "assetpipe-assets",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: `^\.\.?/`}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				if resolver == nil || moduleExts[strings.ToLower(path.Ext(StripRefSuffix(args.Path)))] {
					return api.OnResolveResult{}, nil
				}
				url, ok := resolver.Resolve(args.ResolveDir, args.Path)
				if !ok {
					return api.OnResolveResult{}, nil
				}
				return api.OnResolveResult{
					Path:       filepath.Join(args.ResolveDir, filepath.FromSlash(StripRefSuffix(args.Path))),
					Namespace:  assetNamespace,
					PluginData: url,
				}, nil
			})
			build.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: assetNamespace}, func(args api.OnLoadArgs) (api.OnLoadResult, error) {
				url, _ := args.PluginData.(string)
				quoted, err := json.Marshal(url)
				if err != nil {
					return api.OnLoadResult{}, err
				}
				contents := "export default " + string(quoted) + ";\n"
				return api.OnLoadResult{Contents: &contents, Loader: api.LoaderJS}, nil
			})
		},
	}
}

func messagesError(msgs []api.Message) error {
	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Location != nil {
			lines = append(lines, fmt.Sprintf("%s:%d:%d: %s", msg.Location.File, msg.Location.Line, msg.Location.Column, msg.Text))
			continue
		}
		lines = append(lines, msg.Text)
	}
	return errors.New(strings.Join(lines, "; "))
}
