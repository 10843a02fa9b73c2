package stages

import (
	"context"

	"github.com/evanw/esbuild/pkg/api"
)

// minifyCSSStage minifies stylesheets with esbuild's CSS printer. Legal
// comments (/*! ... */) survive only with keep_comments.
type minifyCSSStage struct {
	base
}

func (s *minifyCSSStage) ID() string { return IDMinifyCSS }

func (s *minifyCSSStage) Validate(opts Options) error {
	_, err := opts.Bool("keep_comments", false)
	return err
}

func (s *minifyCSSStage) Apply(ctx context.Context, a *Asset, opts Options) error {
	keepComments, err := opts.Bool("keep_comments", false)
	if err != nil {
		return err
	}

	result := api.Transform(string(a.Content), api.TransformOptions{
		Loader:           api.LoaderCSS,
		Sourcefile:       a.RelPath,
		MinifyWhitespace: true,
		MinifySyntax:     true,
		LegalComments:    cond(keepComments, api.LegalCommentsInline, api.LegalCommentsNone),
		LogLevel:         api.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		return messagesError(result.Errors)
	}
	a.Content = result.Code
	return nil
}

func cond[T any](condition bool, trueVal, falseVal T) T {
	if condition {
		return trueVal
	}
	return falseVal
}
