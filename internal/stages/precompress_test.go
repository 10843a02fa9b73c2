package stages

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func TestPrecompress(t *testing.T) {
	stage := &precompressStage{}
	content := []byte(strings.Repeat("body { margin: 0; padding: 0; }\n", 100))

	a := &Asset{RelPath: "css/app.css", Output: "css/app.css", Content: content}
	require.NoError(t, stage.Apply(context.Background(), a, Options{}))
	require.Len(t, a.Variants, 2)
	require.Equal(t, content, a.Content)

	zr, err := gzip.NewReader(bytes.NewReader(a.Variants["css/app.css.gz"]))
	require.NoError(t, err)
	unzipped, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Equal(t, content, unzipped)

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	unzstd, err := dec.DecodeAll(a.Variants["css/app.css.zst"], nil)
	require.NoError(t, err)
	require.Equal(t, content, unzstd)
}

func TestPrecompressDeterministic(t *testing.T) {
	stage := &precompressStage{}
	content := []byte(strings.Repeat("console.log('hello');\n", 200))

	first := &Asset{Output: "js/app.js", Content: content}
	second := &Asset{Output: "js/app.js", Content: content}
	require.NoError(t, stage.Apply(context.Background(), first, Options{}))
	require.NoError(t, stage.Apply(context.Background(), second, Options{}))
	require.Equal(t, first.Variants, second.Variants)
}

func TestPrecompressSkips(t *testing.T) {
	stage := &precompressStage{}

	small := &Asset{Output: "a.css", Content: []byte("a{}")}
	require.NoError(t, stage.Apply(context.Background(), small, Options{}))
	require.Empty(t, small.Variants)

	inline := &Asset{Inline: true, Content: bytes.Repeat([]byte("a"), 4096)}
	require.NoError(t, stage.Apply(context.Background(), inline, Options{}))
	require.Empty(t, inline.Variants)

	gzOnly := &Asset{Output: "a.js", Content: bytes.Repeat([]byte("a"), 4096)}
	require.NoError(t, stage.Apply(context.Background(), gzOnly, Options{"algorithms": []any{"gzip"}, "min_size": 10}))
	require.Len(t, gzOnly.Variants, 1)
	require.Contains(t, gzOnly.Variants, "a.js.gz")
}
