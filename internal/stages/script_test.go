package stages

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/assetpipe/internal/naming"
	"github.com/wolfeidau/assetpipe/internal/provide"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func scriptEnv(root string) Env {
	return Env{
		PublicPath: "../",
		SourceMap:  SourceMapNone,
		Script: ScriptContext{
			Root:     root,
			Filename: naming.MustParse("js/[name].js"),
		},
	}
}

func TestScriptBundlesEntry(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "js", "util.js"), "export function greet(n) { return 'hello ' + n; }\n")
	writeFile(t, filepath.Join(root, "js", "app.js"), "import { greet } from './util.js';\nconsole.log(greet('world'));\n")

	stage := &scriptStage{env: scriptEnv(root)}
	a := &Asset{Source: filepath.Join(root, "js", "app.js"), RelPath: "js/app.js", Name: "app"}
	require.NoError(t, stage.Apply(context.Background(), a, Options{}))

	require.Equal(t, "js/app.js", a.Output)
	require.Equal(t, "../js/app.js", a.URL)
	require.Contains(t, string(a.Content), "hello ")
	require.Contains(t, string(a.Content), "greet")
}

func TestScriptMultipleSources(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "js", "a.js"), "console.log('first-module');\n")
	writeFile(t, filepath.Join(root, "js", "b.js"), "console.log('second-module');\n")

	stage := &scriptStage{env: scriptEnv(root)}
	a := &Asset{
		Name:    "vendor",
		RelPath: "js/a.js",
		Sources: []string{filepath.Join(root, "js", "a.js"), filepath.Join(root, "js", "b.js")},
	}
	require.NoError(t, stage.Apply(context.Background(), a, Options{}))

	out := string(a.Content)
	require.Equal(t, "js/vendor.js", a.Output)
	require.Contains(t, out, "first-module")
	require.Contains(t, out, "second-module")
	require.Less(t, strings.Index(out, "first-module"), strings.Index(out, "second-module"))
}

func TestScriptResolvesAssets(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "img", "logo.png"), "png")
	writeFile(t, filepath.Join(root, "js", "app.js"), "import logo from '../img/logo.png';\ndocument.title = logo;\n")

	env := scriptEnv(root)
	env.Resolver = mapResolver{filepath.Join(root, "img", "logo.png"): "../img/logo.png"}
	stage := &scriptStage{env: env}

	a := &Asset{Source: filepath.Join(root, "js", "app.js"), RelPath: "js/app.js", Name: "app"}
	require.NoError(t, stage.Apply(context.Background(), a, Options{}))
	require.Contains(t, string(a.Content), `"../img/logo.png"`)
}

func TestScriptProvideShim(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "node_modules", "jquery", "package.json"), `{"name":"jquery","main":"jquery.js"}`)
	writeFile(t, filepath.Join(root, "node_modules", "jquery", "jquery.js"), "module.exports = function jqueryMarker() {};\n")
	writeFile(t, filepath.Join(root, "js", "app.js"), "$('body');\n")

	shim := filepath.Join(root, ".assetpipe", "provide.js")
	writeFile(t, shim, string(provide.Table{"$": {Module: "jquery"}}.Shim()))

	env := scriptEnv(root)
	env.Script.Inject = []string{shim}
	stage := &scriptStage{env: env}

	a := &Asset{Source: filepath.Join(root, "js", "app.js"), RelPath: "js/app.js", Name: "app"}
	require.NoError(t, stage.Apply(context.Background(), a, Options{}))
	require.Contains(t, string(a.Content), "jqueryMarker")
}

func TestScriptSyntaxError(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "js", "app.js"), "const = ;\n")

	stage := &scriptStage{env: scriptEnv(root)}
	a := &Asset{Source: filepath.Join(root, "js", "app.js"), RelPath: "js/app.js", Name: "app"}
	err := stage.Apply(context.Background(), a, Options{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "app.js:1:")
}

func TestScriptLinkedSourceMap(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "js", "app.js"), "console.log('mapped');\n")

	env := scriptEnv(root)
	env.SourceMap = SourceMapLinked
	stage := &scriptStage{env: env}

	a := &Asset{Source: filepath.Join(root, "js", "app.js"), RelPath: "js/app.js", Name: "app"}
	require.NoError(t, stage.Apply(context.Background(), a, Options{}))
	require.Contains(t, a.Variants, "js/app.js.map")
	require.Contains(t, string(a.Content), "sourceMappingURL=app.js.map")
}
