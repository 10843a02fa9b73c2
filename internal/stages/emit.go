package stages

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/wolfeidau/assetpipe/internal/errdefs"
	"github.com/wolfeidau/assetpipe/internal/naming"
	"github.com/wolfeidau/assetpipe/internal/rules"
)

const defaultFileName = "[path][name].[ext]"

var fontTypes = map[string]string{
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".otf":   "font/otf",
	".eot":   "application/vnd.ms-fontobject",
	".svg":   "image/svg+xml",
}

// MediaType returns the MIME type used for data URIs of p.
func MediaType(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if t, ok := fontTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			return mt
		}
		return t
	}
	return "application/octet-stream"
}

func nameInput(a *Asset) naming.Input {
	content := a.Original
	if content == nil {
		content = a.Content
	}
	return naming.Input{RelPath: a.RelPath, Name: a.Name, Content: content}
}

type fileOptions struct {
	name       naming.Template
	outputPath string
	publicPath string
}

func parseFileOptions(env Env, opts Options) (fileOptions, error) {
	name, err := opts.String("name", defaultFileName)
	if err != nil {
		return fileOptions{}, err
	}
	tmpl, err := naming.Parse(name)
	if err != nil {
		return fileOptions{}, err
	}
	outputPath, err := opts.String("output_path", "")
	if err != nil {
		return fileOptions{}, err
	}
	publicPath, err := opts.String("public_path", env.PublicPath)
	if err != nil {
		return fileOptions{}, err
	}
	return fileOptions{name: tmpl, outputPath: outputPath, publicPath: publicPath}, nil
}

func (o fileOptions) resolve(a *Asset) (string, error) {
	name, err := o.name.Resolve(nameInput(a))
	if err != nil {
		return "", err
	}
	return naming.Join(o.outputPath, name), nil
}

// fileStage emits the asset under its naming template.
type fileStage struct {
	env Env
}

func (s *fileStage) ID() string       { return IDFile }
func (s *fileStage) Kind() rules.Kind { return rules.KindEmit }
func (s *fileStage) Entry() bool      { return false }

func (s *fileStage) Validate(opts Options) error {
	_, err := parseFileOptions(s.env, opts)
	return err
}

func (s *fileStage) Plan(a *Asset, opts Options) (string, error) {
	fo, err := parseFileOptions(s.env, opts)
	if err != nil {
		return "", err
	}
	return fo.resolve(a)
}

func (s *fileStage) Apply(ctx context.Context, a *Asset, opts Options) error {
	fo, err := parseFileOptions(s.env, opts)
	if err != nil {
		return err
	}
	out, err := fo.resolve(a)
	if err != nil {
		return err
	}
	a.Output = out
	a.URL = fo.publicPath + out
	a.Inline = false
	return nil
}

// urlStage inlines small assets as base64 data URIs and emits larger ones
// like the file stage. A limit of zero inlines everything.
type urlStage struct {
	env Env
}

func (s *urlStage) ID() string       { return IDURL }
func (s *urlStage) Kind() rules.Kind { return rules.KindEmit }
func (s *urlStage) Entry() bool      { return false }

func (s *urlStage) Validate(opts Options) error {
	limit, err := opts.Int("limit", 0)
	if err != nil {
		return err
	}
	if limit < 0 {
		return fmt.Errorf("%w: limit must not be negative", errdefs.ErrInvalidOption)
	}
	if _, err := opts.String("mimetype", ""); err != nil {
		return err
	}
	_, err = parseFileOptions(s.env, opts)
	return err
}

func (s *urlStage) inline(a *Asset, opts Options) (bool, error) {
	limit, err := opts.Int("limit", 0)
	if err != nil {
		return false, err
	}
	return limit == 0 || len(a.Content) < limit, nil
}

func (s *urlStage) Plan(a *Asset, opts Options) (string, error) {
	inline, err := s.inline(a, opts)
	if err != nil || inline {
		return "", err
	}
	fo, err := parseFileOptions(s.env, opts)
	if err != nil {
		return "", err
	}
	return fo.resolve(a)
}

func (s *urlStage) Apply(ctx context.Context, a *Asset, opts Options) error {
	inline, err := s.inline(a, opts)
	if err != nil {
		return err
	}
	if !inline {
		return (&fileStage{env: s.env}).Apply(ctx, a, opts)
	}

	mediaType, err := opts.String("mimetype", MediaType(a.RelPath))
	if err != nil {
		return err
	}
	a.Output = ""
	a.Inline = true
	a.URL = "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(a.Content)
	return nil
}

// svgURLStage inlines SVG as a URL-encoded data URI, which is shorter than
// base64 for markup.
type svgURLStage struct{}

func (s *svgURLStage) ID() string       { return IDSVGURL }
func (s *svgURLStage) Kind() rules.Kind { return rules.KindEmit }
func (s *svgURLStage) Entry() bool      { return false }

func (s *svgURLStage) Validate(opts Options) error {
	enc, err := opts.String("encoding", "")
	if err != nil {
		return err
	}
	switch enc {
	case "", "none", "base64":
		return nil
	default:
		return fmt.Errorf("%w: encoding must be none or base64, got %q", errdefs.ErrInvalidOption, enc)
	}
}

func (s *svgURLStage) Plan(a *Asset, opts Options) (string, error) {
	return "", nil
}

func (s *svgURLStage) Apply(ctx context.Context, a *Asset, opts Options) error {
	enc, err := opts.String("encoding", "")
	if err != nil {
		return err
	}

	a.Output = ""
	a.Inline = true
	if enc == "base64" {
		a.URL = "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString(a.Content)
		return nil
	}
	a.URL = "data:image/svg+xml," + EncodeSVG(a.Content)
	return nil
}

// EncodeSVG URL-encodes markup for a data URI: whitespace runs collapse to one
// space, double quotes become single quotes, and only characters that are
// unsafe in a URL are escaped.
func EncodeSVG(svg []byte) string {
	s := strings.Join(strings.Fields(string(svg)), " ")
	s = strings.ReplaceAll(s, `"`, "'")
	s = strings.ReplaceAll(s, "> <", "><")

	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch r {
		case '%', '#', '<', '>', '{', '}', '|', '\\', '^', '`', '[', ']':
			sb.WriteString(url.PathEscape(string(r)))
		default:
			if r < 0x20 || r > 0x7e {
				sb.WriteString(url.PathEscape(string(r)))
				continue
			}
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
