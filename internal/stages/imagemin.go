package stages

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"path"
	"strings"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/xml"

	"github.com/wolfeidau/assetpipe/internal/errdefs"
)

const defaultJPEGQuality = 75

// imageminStage recompresses raster images and minifies SVG. The result is
// kept only when it is smaller than the input.
type imageminStage struct {
	base
}

func (s *imageminStage) ID() string { return IDImagemin }

type imageminOptions struct {
	jpeg, png, gif, svg bool

	jpegQuality int
	pngQuantize bool
	pngDither   float64
	svgTitle    bool
	svgComments bool
}

func parseImageminOptions(opts Options) (imageminOptions, error) {
	o := imageminOptions{jpegQuality: defaultJPEGQuality, jpeg: true, png: true, gif: true, svg: true, svgTitle: true, svgComments: true}

	// naming a format limits the stage to the named formats
	jpegOpts, hasJPEG, err := opts.Sub("jpeg")
	if err != nil {
		return o, err
	}
	pngOpts, hasPNG, err := opts.Sub("png")
	if err != nil {
		return o, err
	}
	_, hasGIF, err := opts.Sub("gif")
	if err != nil {
		return o, err
	}
	svgOpts, hasSVG, err := opts.Sub("svg")
	if err != nil {
		return o, err
	}
	if hasJPEG || hasPNG || hasGIF || hasSVG {
		o.jpeg, o.png, o.gif, o.svg = hasJPEG, hasPNG, hasGIF, hasSVG
	}

	if o.jpegQuality, err = jpegOpts.Int("quality", defaultJPEGQuality); err != nil {
		return o, err
	}
	if o.jpegQuality < 1 || o.jpegQuality > 100 {
		return o, fmt.Errorf("%w: jpeg.quality must be between 1 and 100, got %d", errdefs.ErrInvalidOption, o.jpegQuality)
	}
	if _, err = jpegOpts.Bool("progressive", false); err != nil {
		return o, err
	}
	if o.pngQuantize, err = pngOpts.Bool("quantize", false); err != nil {
		return o, err
	}
	if o.pngDither, err = pngOpts.Float("floyd", 0); err != nil {
		return o, err
	}
	if o.pngDither < 0 || o.pngDither > 1 {
		return o, fmt.Errorf("%w: png.floyd must be between 0 and 1, got %v", errdefs.ErrInvalidOption, o.pngDither)
	}
	if o.svgTitle, err = svgOpts.Bool("remove_title", true); err != nil {
		return o, err
	}
	if o.svgComments, err = svgOpts.Bool("remove_comments", true); err != nil {
		return o, err
	}
	return o, nil
}

func (s *imageminStage) Validate(opts Options) error {
	_, err := parseImageminOptions(opts)
	return err
}

func (s *imageminStage) Apply(ctx context.Context, a *Asset, opts Options) error {
	o, err := parseImageminOptions(opts)
	if err != nil {
		return err
	}

	target := a.Output
	if target == "" {
		target = a.RelPath
	}

	var out []byte
	switch strings.ToLower(path.Ext(target)) {
	case ".jpg", ".jpeg":
		if !o.jpeg {
			return nil
		}
		out, err = recompressJPEG(a.Content, o.jpegQuality)
	case ".png":
		if !o.png {
			return nil
		}
		out, err = recompressPNG(a.Content, o.pngQuantize, o.pngDither)
	case ".gif":
		if !o.gif {
			return nil
		}
		out, err = recompressGIF(a.Content)
	case ".svg":
		if !o.svg {
			return nil
		}
		out, err = MinifySVG(a.Content, o.svgTitle, o.svgComments)
	default:
		return nil
	}
	if err != nil {
		return err
	}

	if len(out) < len(a.Content) {
		a.Content = out
	}
	return nil
}

func recompressJPEG(b []byte, quality int) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func recompressPNG(b []byte, quantize bool, dither float64) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("decode png: %w", err)
	}

	// an image with few colours converts to a palette losslessly
	if pal, ok := exactPalette(img, 256); ok {
		img = toPaletted(img, pal, nil)
	} else if quantize {
		pal := append(color.Palette{color.Transparent}, palette.Plan9[:255]...)
		var drawer draw.Drawer = draw.Src
		if dither > 0 {
			drawer = draw.FloydSteinberg
		}
		img = toPaletted(img, pal, drawer)
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func exactPalette(img image.Image, limit int) (color.Palette, bool) {
	if p, ok := img.(*image.Paletted); ok {
		return p.Palette, true
	}
	seen := make(map[color.NRGBA64]struct{})
	var pal color.Palette
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBA64Model.Convert(img.At(x, y)).(color.NRGBA64)
			if _, ok := seen[c]; ok {
				continue
			}
			if len(pal) == limit {
				return nil, false
			}
			seen[c] = struct{}{}
			pal = append(pal, c)
		}
	}
	return pal, true
}

func toPaletted(img image.Image, pal color.Palette, drawer draw.Drawer) *image.Paletted {
	if p, ok := img.(*image.Paletted); ok && drawer == nil {
		return p
	}
	bounds := img.Bounds()
	dst := image.NewPaletted(bounds, pal)
	if drawer == nil {
		drawer = draw.Src
	}
	drawer.Draw(dst, bounds, img, bounds.Min)
	return dst
}

func recompressGIF(b []byte) ([]byte, error) {
	g, err := gif.DecodeAll(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("decode gif: %w", err)
	}
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, g); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MinifySVG drops comments, whitespace-only text between elements and,
// optionally, <title> elements.
func MinifySVG(b []byte, removeTitle, removeComments bool) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(b))

	l := xml.NewLexer(parse.NewInputBytes(b))
	skipDepth := 0
	for {
		tt, data := l.Next()
		switch tt {
		case xml.ErrorToken:
			if err := l.Err(); err != io.EOF {
				return nil, err
			}
			if skipDepth > 0 {
				return nil, fmt.Errorf("unterminated <title> element")
			}
			return buf.Bytes(), nil
		case xml.StartTagToken:
			if skipDepth > 0 || (removeTitle && string(l.Text()) == "title") {
				skipDepth++
				continue
			}
		case xml.StartTagCloseVoidToken:
			if skipDepth > 0 {
				skipDepth--
				continue
			}
		case xml.EndTagToken:
			if skipDepth > 0 {
				skipDepth--
				continue
			}
		case xml.CommentToken:
			if removeComments {
				continue
			}
		case xml.TextToken:
			if skipDepth == 0 && len(bytes.TrimSpace(data)) == 0 {
				continue
			}
		}
		if skipDepth > 0 {
			continue
		}
		buf.Write(data)
	}
}
