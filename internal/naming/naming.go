// Package naming resolves output naming templates such as "[path][name].[ext]".
package naming

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/wolfeidau/assetpipe/internal/errdefs"
)

const maxHashLength = 16

type placeholder int

const (
	literal placeholder = iota
	phPath
	phName
	phExt
	phHash
)

type part struct {
	kind   placeholder
	text   string
	length int
}

// Input describes the file a template is resolved for.
type Input struct {
	// RelPath is the slash-separated source path relative to the context directory
	RelPath string
	// Name overrides the base name, e.g. an entry name
	Name string
	// Content is hashed for [hash] and [contenthash]
	Content []byte
}

// Template is a parsed naming template. The zero value is not usable.
type Template struct {
	raw   string
	parts []part
}

// Parse parses tmpl, rejecting empty templates and unknown placeholders.
func Parse(tmpl string) (Template, error) {
	if strings.TrimSpace(tmpl) == "" {
		return Template{}, fmt.Errorf("%w: empty template", errdefs.ErrInvalidTemplate)
	}

	t := Template{raw: tmpl}
	rest := tmpl
	for rest != "" {
		open := strings.IndexByte(rest, '[')
		if open < 0 {
			t.parts = append(t.parts, part{kind: literal, text: rest})
			break
		}
		if open > 0 {
			t.parts = append(t.parts, part{kind: literal, text: rest[:open]})
		}
		end := strings.IndexByte(rest[open:], ']')
		if end < 0 {
			return Template{}, fmt.Errorf("%w: unterminated placeholder in %q", errdefs.ErrInvalidTemplate, tmpl)
		}
		p, err := parsePlaceholder(rest[open+1 : open+end])
		if err != nil {
			return Template{}, fmt.Errorf("%w: %v in %q", errdefs.ErrInvalidTemplate, err, tmpl)
		}
		t.parts = append(t.parts, p)
		rest = rest[open+end+1:]
	}

	return t, nil
}

// MustParse is Parse for templates known to be valid.
func MustParse(tmpl string) Template {
	t, err := Parse(tmpl)
	if err != nil {
		panic(err)
	}
	return t
}

func parsePlaceholder(s string) (part, error) {
	name, size, hasSize := strings.Cut(s, ":")
	switch name {
	case "path", "name", "ext":
		if hasSize {
			return part{}, fmt.Errorf("placeholder [%s] takes no length", name)
		}
		kinds := map[string]placeholder{"path": phPath, "name": phName, "ext": phExt}
		return part{kind: kinds[name]}, nil
	case "hash", "contenthash":
		p := part{kind: phHash, length: maxHashLength}
		if hasSize {
			n, err := strconv.Atoi(size)
			if err != nil || n < 1 || n > maxHashLength {
				return part{}, fmt.Errorf("hash length %q must be between 1 and %d", size, maxHashLength)
			}
			p.length = n
		}
		return p, nil
	default:
		return part{}, fmt.Errorf("unknown placeholder [%s]", s)
	}
}

// String returns the template source.
func (t Template) String() string {
	return t.raw
}

// Hashed reports whether the template depends on file content.
func (t Template) Hashed() bool {
	for _, p := range t.parts {
		if p.kind == phHash {
			return true
		}
	}
	return false
}

// Resolve produces the slash-separated output path for in. The result never
// escapes the output directory.
func (t Template) Resolve(in Input) (string, error) {
	if len(t.parts) == 0 {
		return "", fmt.Errorf("%w: template not parsed", errdefs.ErrInvalidTemplate)
	}

	rel := strings.TrimPrefix(path.Clean("/"+in.RelPath), "/")
	dir, base := path.Split(rel)
	ext := path.Ext(base)
	name := in.Name
	if name == "" {
		name = strings.TrimSuffix(base, ext)
	}
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))

	var sb strings.Builder
	for _, p := range t.parts {
		switch p.kind {
		case literal:
			sb.WriteString(p.text)
		case phPath:
			sb.WriteString(dir)
		case phName:
			sb.WriteString(name)
		case phExt:
			if ext == "" {
				// "[name].[ext]" on an extensionless file yields "name"
				out := strings.TrimSuffix(sb.String(), ".")
				sb.Reset()
				sb.WriteString(out)
				continue
			}
			sb.WriteString(ext)
		case phHash:
			sb.WriteString(ContentHash(in.Content)[:p.length])
		}
	}

	out := path.Clean(sb.String())
	if out == "." || out == "/" || path.IsAbs(out) || out == ".." || strings.HasPrefix(out, "../") {
		return "", fmt.Errorf("%w: %q resolves to %q outside the output directory", errdefs.ErrInvalidTemplate, t.raw, out)
	}
	return out, nil
}

// ContentHash returns the hex xxhash64 of b.
func ContentHash(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

// Join joins an output prefix (e.g. "fonts/") and a resolved name into a
// clean slash-separated path.
func Join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}
