package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/assetpipe/internal/config"
	"github.com/wolfeidau/assetpipe/internal/errdefs"
	"github.com/wolfeidau/assetpipe/internal/fsutil"
	"github.com/wolfeidau/assetpipe/internal/rules"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Root = t.TempDir()
	cfg.Entry = map[string]config.Files{}
	cfg.Devtool = "none"
	cfg.Copy = nil
	cfg.Provide = nil
	cfg.Workers = 2
	require.NoError(t, os.MkdirAll(cfg.ContextDir(), 0o755))
	return cfg
}

func writeSource(t *testing.T, cfg *config.Config, rel string, content []byte) {
	t.Helper()
	path := filepath.Join(cfg.ContextDir(), filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o600))
}

func newTestPipeline(t *testing.T, cfg *config.Config, opts ...Option) *Pipeline {
	t.Helper()
	p, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func noisyJPEG(t *testing.T) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(rng.Intn(256)), G: uint8(x * 4), B: uint8(y * 4), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}))
	return buf.Bytes()
}

func smallPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// readTree returns every file below dir keyed by slash path.
func readTree(t *testing.T, dir string) map[string][]byte {
	t.Helper()
	files := make(map[string][]byte)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestBuildImageIsRenamedAndCompressed(t *testing.T) {
	cfg := newTestConfig(t)
	src := noisyJPEG(t)
	writeSource(t, cfg, "img/photo.JPEG", src)

	p := newTestPipeline(t, cfg)
	res, err := p.Build(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Failures)

	out, err := os.ReadFile(filepath.Join(cfg.OutputDir(), "img", "photo.jpeg"))
	require.NoError(t, err)
	require.Less(t, len(out), len(src))

	_, err = jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)

	f, ok := res.Manifest.File("img/photo.jpeg")
	require.True(t, ok)
	require.Equal(t, []string{"img/photo.JPEG"}, f.Sources)
	require.Equal(t, []string{"file", "imagemin"}, f.Stages)
	require.Equal(t, len(out), f.Size)
}

func TestBuildHashedNameFollowsPlan(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Rules = []rules.Definition{{
		Name: "images",
		Test: `\.jpg$`,
		Use: []rules.StageRef{
			{ID: "imagemin"},
			{ID: "file", Options: map[string]any{"name": "[name].[contenthash:8].[ext]"}},
		},
	}}
	writeSource(t, cfg, "a.jpg", noisyJPEG(t))

	p := newTestPipeline(t, cfg)
	pl, err := p.Plan(context.Background())
	require.NoError(t, err)
	require.Len(t, pl.Assets, 1)
	planned := pl.Assets[0].Output

	ex, err := p.Explain("a.jpg")
	require.NoError(t, err)
	require.Equal(t, planned, ex.Output)

	res, err := p.Build(context.Background())
	require.NoError(t, err)
	f, ok := res.Manifest.File(planned)
	require.True(t, ok, "manifest has %s", planned)
	require.Equal(t, []string{"imagemin", "file"}, f.Stages)
	require.FileExists(t, filepath.Join(cfg.OutputDir(), planned))
}

func TestBuildFontKeepsBytes(t *testing.T) {
	cfg := newTestConfig(t)
	font := []byte("wOF2 not really a font")
	writeSource(t, cfg, "fonts/icon.woff2", font)

	p := newTestPipeline(t, cfg)
	_, err := p.Build(context.Background())
	require.NoError(t, err)

	out, err := os.ReadFile(filepath.Join(cfg.OutputDir(), "fonts", "icon.woff2"))
	require.NoError(t, err)
	require.Equal(t, font, out)
}

func TestBuildFontExtensionIgnoresCase(t *testing.T) {
	cfg := newTestConfig(t)
	writeSource(t, cfg, "misc/ICON.WOFF2", []byte("font"))

	p := newTestPipeline(t, cfg)
	res, err := p.Build(context.Background())
	require.NoError(t, err)

	tree := readTree(t, cfg.OutputDir())
	require.Equal(t, []byte("font"), tree["fonts/ICON.woff2"])
	require.NotContains(t, tree, "misc/ICON.WOFF2")

	f, ok := res.Manifest.File("fonts/ICON.woff2")
	require.True(t, ok)
	require.Equal(t, []string{"file"}, f.Stages)
}

func TestBuildInlinesOverlappingSVG(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Entry["app"] = config.Files{"./css/app.css"}
	writeSource(t, cfg, "icon.svg", []byte(`<svg xmlns="http://www.w3.org/2000/svg"><circle r="1"/></svg>`))
	writeSource(t, cfg, "css/app.css", []byte(".icon { background: url(../icon.svg) no-repeat; }\n"))

	p := newTestPipeline(t, cfg)

	ex, err := p.Explain("icon.svg")
	require.NoError(t, err)
	require.Equal(t, []string{"svg-url"}, ex.Selection.StageIDs())
	require.Equal(t, []string{"fonts", "svg-inline"}, ex.Selection.Rules)
	require.Len(t, ex.Selection.Overlaps, 1)
	require.Empty(t, ex.Output)

	res, err := p.Build(context.Background())
	require.NoError(t, err)

	tree := readTree(t, cfg.OutputDir())
	require.NotContains(t, tree, "icon.svg")
	require.NotContains(t, tree, "fonts/icon.svg")
	require.Contains(t, string(tree["css/app.css"]), "data:image/svg+xml")

	require.Equal(t, Entrypoint{Styles: []string{"css/app.css"}}, res.Manifest.Entrypoints["app"])
	require.NotEmpty(t, res.Plan.Overlaps)
}

func TestBuildStylesheetSyntaxErrorAborts(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Entry["app"] = config.Files{"./css/app.css"}
	writeSource(t, cfg, "css/app.css", []byte("body { color: red;\n"))

	previous := filepath.Join(cfg.OutputDir(), "previous.txt")
	require.NoError(t, os.MkdirAll(cfg.OutputDir(), 0o755))
	require.NoError(t, os.WriteFile(previous, []byte("keep"), 0o600))

	p := newTestPipeline(t, cfg)
	_, err := p.Build(context.Background())

	var stageErr *errdefs.StageExecutionError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, "css/app.css", stageErr.Path)
	require.Equal(t, "css", stageErr.Stage)

	require.FileExists(t, previous)
	require.NoFileExists(t, filepath.Join(cfg.OutputDir(), ManifestName))

	entries, err := os.ReadDir(cfg.Root)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), "staging", "staging directory left behind")
	}
}

func TestBuildIsIdempotent(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Entry["app"] = config.Files{"./js/app.js", "./css/app.css"}
	writeSource(t, cfg, "js/util.js", []byte("export const answer = 42;\n"))
	writeSource(t, cfg, "js/app.js", []byte("import { answer } from './util.js';\nimport logo from '../img/logo.png';\nconsole.log(answer, logo);\n"))
	writeSource(t, cfg, "css/app.css", []byte("body { background: url(../img/logo.png); }\n"))
	writeSource(t, cfg, "img/logo.png", smallPNG(t))
	writeSource(t, cfg, "docs/readme.txt", []byte("passed through"))

	p := newTestPipeline(t, cfg, WithWorkers(4))

	_, err := p.Build(context.Background())
	require.NoError(t, err)
	first := readTree(t, cfg.OutputDir())

	_, err = p.Build(context.Background())
	require.NoError(t, err)
	second := readTree(t, cfg.OutputDir())

	require.Equal(t, first, second)
	require.Contains(t, first, "js/app.js")
	require.Contains(t, first, "css/app.css")
	require.Contains(t, first, "img/logo.png")
	require.Equal(t, []byte("passed through"), first["docs/readme.txt"])
	require.NotContains(t, first, "js/util.js", "modules are bundled, not emitted")

	require.Contains(t, string(first["js/app.js"]), "../img/logo.png")
	require.Contains(t, string(first["css/app.css"]), "../img/logo.png")

	var m Manifest
	require.NoError(t, json.Unmarshal(first[ManifestName], &m))
	require.Equal(t, Entrypoint{Scripts: []string{"js/app.js"}, Styles: []string{"css/app.css"}}, m.Entrypoints["app"])
}

func TestBuildEmptyContext(t *testing.T) {
	cfg := newTestConfig(t)

	p := newTestPipeline(t, cfg)
	res, err := p.Build(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Manifest.Files)

	tree := readTree(t, cfg.OutputDir())
	require.Len(t, tree, 1)
	require.Contains(t, tree, ManifestName)
}

func TestBuildKeepGoing(t *testing.T) {
	cfg := newTestConfig(t)
	writeSource(t, cfg, "img/broken.png", []byte("not a png"))
	writeSource(t, cfg, "fonts/icon.woff", []byte("font"))

	_, err := newTestPipeline(t, cfg).Build(context.Background())
	var stageErr *errdefs.StageExecutionError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, "imagemin", stageErr.Stage)

	p := newTestPipeline(t, cfg, WithKeepGoing(true))
	res, err := p.Build(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	require.ErrorAs(t, res.Failures[0], &stageErr)
	require.Equal(t, "img/broken.png", stageErr.Path)
	require.FileExists(t, filepath.Join(cfg.OutputDir(), "fonts", "icon.woff"))
}

func TestBuildStrict(t *testing.T) {
	cfg := newTestConfig(t)
	writeSource(t, cfg, "docs/readme.txt", []byte("unmatched"))

	p := newTestPipeline(t, cfg, WithStrict(true))
	_, err := p.Build(context.Background())
	var noMatch *errdefs.NoMatchError
	require.ErrorAs(t, err, &noMatch)
	require.Equal(t, "docs/readme.txt", noMatch.Path)

	p = newTestPipeline(t, cfg, WithStrict(true), WithKeepGoing(true))
	res, err := p.Build(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	require.NotContains(t, readTree(t, cfg.OutputDir()), "docs/readme.txt")
}

func TestPlanDetectsOutputConflicts(t *testing.T) {
	cfg := newTestConfig(t)
	writeSource(t, cfg, "a/icon.woff", []byte("a"))
	writeSource(t, cfg, "b/icon.woff", []byte("b"))

	p := newTestPipeline(t, cfg)
	_, err := p.Plan(context.Background())

	var cfgErr *errdefs.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.ErrorIs(t, err, errdefs.ErrOutputConflict)
	require.Contains(t, err.Error(), "fonts/icon.woff")

	_, err = os.Stat(cfg.OutputDir())
	require.True(t, errors.Is(err, fs.ErrNotExist), "nothing is written for an invalid plan")
}

func TestPlanSkipsModulesAndHiddenFiles(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Entry["app"] = config.Files{"./js/app.js"}
	writeSource(t, cfg, "js/app.js", []byte("import './lib.js';\n"))
	writeSource(t, cfg, "js/lib.js", []byte("console.log('lib');\n"))
	writeSource(t, cfg, ".hidden/secret.png", []byte("x"))
	writeSource(t, cfg, "node_modules/pkg/index.js", []byte("x"))

	p := newTestPipeline(t, cfg)
	pl, err := p.Plan(context.Background())
	require.NoError(t, err)

	require.Equal(t, []string{"js/lib.js"}, pl.Modules)
	require.Empty(t, pl.Assets)
	require.Len(t, pl.Entries, 1)
	require.Equal(t, "js/app.js", pl.Entries[0].ScriptOutput)
	require.Empty(t, pl.Entries[0].StyleOutput)
}

func TestPlanEntryErrors(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Entry["app"] = config.Files{"./js/missing.js"}

	p := newTestPipeline(t, cfg)
	_, err := p.Plan(context.Background())
	var cfgErr *errdefs.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "entry.app[0]", cfgErr.Field)

	cfg.Entry["app"] = config.Files{"./img/logo.png"}
	writeSource(t, cfg, "img/logo.png", []byte("png"))
	p = newTestPipeline(t, cfg)
	_, err = p.Plan(context.Background())
	require.ErrorAs(t, err, &cfgErr)
	require.ErrorIs(t, err, errdefs.ErrInvalidOption)
}

func TestBuildCopiesPatterns(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Copy = []config.CopyPattern{{From: "img/static/", To: "static/"}}
	writeSource(t, cfg, "img/static/robots.txt", []byte("User-agent: *"))
	writeSource(t, cfg, "img/static/nested/photo.JPG", noisyJPEG(t))

	p := newTestPipeline(t, cfg)
	res, err := p.Build(context.Background())
	require.NoError(t, err)

	tree := readTree(t, cfg.OutputDir())
	require.Equal(t, []byte("User-agent: *"), tree["static/robots.txt"])
	require.Contains(t, tree, "static/nested/photo.JPG")
	require.NotContains(t, tree, "img/static/robots.txt")

	// copied images still go through the optimize rules
	f, ok := res.Manifest.File("static/nested/photo.JPG")
	require.True(t, ok)
	require.Equal(t, []string{"imagemin"}, f.Stages)
}

func TestBuildPrecompressVariants(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Optimize = append(cfg.Optimize, rules.Definition{
		Name: "precompress",
		Test: `\.txt$`,
		Use:  []rules.StageRef{{ID: "precompress", Options: map[string]any{"min_size": 16}}},
	})
	writeSource(t, cfg, "docs/big.txt", []byte(strings.Repeat("compressible text ", 64)))

	p := newTestPipeline(t, cfg)
	res, err := p.Build(context.Background())
	require.NoError(t, err)

	tree := readTree(t, cfg.OutputDir())
	require.Contains(t, tree, "docs/big.txt.gz")
	require.Contains(t, tree, "docs/big.txt.zst")

	f, ok := res.Manifest.File("docs/big.txt.gz")
	require.True(t, ok)
	require.Equal(t, "docs/big.txt", f.VariantOf)
}

func TestBuildCancelled(t *testing.T) {
	cfg := newTestConfig(t)
	writeSource(t, cfg, "fonts/icon.woff", []byte("font"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newTestPipeline(t, cfg)
	_, err := p.Build(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NoDirExists(t, cfg.OutputDir())
}

func TestBuildLocked(t *testing.T) {
	cfg := newTestConfig(t)
	p := newTestPipeline(t, cfg)

	lock, err := fsutil.TryLock(cfg.OutputDir())
	require.NoError(t, err)
	defer func() { _ = lock.Unlock() }()

	_, err = p.Build(context.Background())
	require.ErrorIs(t, err, errdefs.ErrBuildLocked)
}
