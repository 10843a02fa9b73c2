package stages

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func requireSass(t *testing.T) *SassCompiler {
	t.Helper()
	if _, err := exec.LookPath("sass"); err != nil {
		t.Skip("dart sass not installed")
	}
	c := NewSassCompiler(SassConfig{})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSassPassesPlainCSS(t *testing.T) {
	stage := &sassStage{env: Env{}}

	a := &Asset{RelPath: "css/plain.css", Content: []byte(".a{}")}
	require.NoError(t, stage.Apply(context.Background(), a, Options{}))
	require.Equal(t, ".a{}", string(a.Content))
}

func TestSassNotConfigured(t *testing.T) {
	stage := &sassStage{env: Env{}}

	a := &Asset{RelPath: "scss/theme.scss", Content: []byte("$c: red; .a { color: $c; }")}
	require.Error(t, stage.Apply(context.Background(), a, Options{}))
}

func TestSassCompiles(t *testing.T) {
	compiler := requireSass(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "scss", "_vars.scss"), "$brand: #336699;\n")

	stage := &sassStage{env: Env{Sass: compiler, SourceMap: SourceMapNone}}
	a := &Asset{
		Source:  filepath.Join(root, "scss", "theme.scss"),
		RelPath: "scss/theme.scss",
		Content: []byte("@use 'vars';\n.a { .b { color: vars.$brand; } }\n"),
	}
	require.NoError(t, stage.Apply(context.Background(), a, Options{}))
	require.Contains(t, string(a.Content), ".a .b")
	require.Contains(t, string(a.Content), "#336699")
	require.NoError(t, CheckCSS(a.Content))
}

func TestSassError(t *testing.T) {
	compiler := requireSass(t)

	stage := &sassStage{env: Env{Sass: compiler}}
	a := &Asset{Source: "/src/scss/broken.scss", RelPath: "scss/broken.scss", Content: []byte(".a { color: $missing; }")}
	err := stage.Apply(context.Background(), a, Options{})
	require.ErrorContains(t, err, "Undefined variable")
}
