package stages

import (
	"bytes"
	"context"
	"fmt"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/wolfeidau/assetpipe/internal/errdefs"
)

const defaultPrecompressMinSize = 1024

// precompressStage writes .gz and .zst siblings next to an emitted asset so a
// static file server can serve them directly.
type precompressStage struct {
	base
}

func (s *precompressStage) ID() string { return IDPrecompress }

func parsePrecompressOptions(opts Options) ([]string, int, error) {
	algorithms, err := opts.Strings("algorithms", []string{"gzip", "zstd"})
	if err != nil {
		return nil, 0, err
	}
	for _, alg := range algorithms {
		if alg != "gzip" && alg != "zstd" {
			return nil, 0, fmt.Errorf("%w: unknown algorithm %q", errdefs.ErrInvalidOption, alg)
		}
	}
	minSize, err := opts.Int("min_size", defaultPrecompressMinSize)
	if err != nil {
		return nil, 0, err
	}
	return algorithms, minSize, nil
}

func (s *precompressStage) Validate(opts Options) error {
	_, _, err := parsePrecompressOptions(opts)
	return err
}

func (s *precompressStage) Apply(ctx context.Context, a *Asset, opts Options) error {
	algorithms, minSize, err := parsePrecompressOptions(opts)
	if err != nil {
		return err
	}
	if a.Inline || a.Output == "" || len(a.Content) < minSize {
		return nil
	}

	for _, alg := range algorithms {
		var (
			out []byte
			ext string
		)
		switch alg {
		case "gzip":
			out, err = gzipBytes(a.Content)
			ext = ".gz"
		case "zstd":
			out, err = zstdBytes(a.Content)
			ext = ".zst"
		}
		if err != nil {
			return fmt.Errorf("%s: %w", alg, err)
		}
		if len(out) < len(a.Content) {
			a.AddVariant(a.Output+ext, out)
		}
	}
	return nil
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func zstdBytes(b []byte) ([]byte, error) {
	// a single encoder goroutine keeps the output byte-for-byte reproducible
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(b, make([]byte, 0, len(b)/2)), nil
}
