package stages

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"
)

// cssStage checks stylesheet syntax and rewrites url() references to the
// URLs of the emitted assets.
type cssStage struct {
	base
	env Env
}

func (s *cssStage) ID() string  { return IDCSS }
func (s *cssStage) Entry() bool { return true }

func (s *cssStage) Validate(opts Options) error {
	_, err := opts.Bool("url", true)
	return err
}

func (s *cssStage) Apply(ctx context.Context, a *Asset, opts Options) error {
	if err := CheckCSS(a.Content); err != nil {
		return err
	}

	rewrite, err := opts.Bool("url", true)
	if err != nil {
		return err
	}
	if !rewrite || s.env.Resolver == nil {
		return nil
	}

	out, err := rewriteURLs(a, s.env.Resolver)
	if err != nil {
		return err
	}
	a.Content = out
	return nil
}

// CheckCSS returns the first syntax error in b, with its line and column.
func CheckCSS(b []byte) error {
	p := css.NewParser(parse.NewInputBytes(b), false)
	for {
		gt, _, _ := p.Next()
		if gt != css.ErrorGrammar {
			continue
		}
		if p.HasParseError() {
			return p.Err()
		}
		if err := p.Err(); err != io.EOF {
			return err
		}
		break
	}

	// the grammar parser tolerates unterminated blocks
	depth := 0
	l := css.NewLexer(parse.NewInputBytes(b))
	for {
		tt, _ := l.Next()
		switch tt {
		case css.ErrorToken:
			if err := l.Err(); err != io.EOF {
				return err
			}
			if depth != 0 {
				return errors.New("unexpected end of stylesheet: unclosed block")
			}
			return nil
		case css.LeftBraceToken:
			depth++
		case css.RightBraceToken:
			depth--
			if depth < 0 {
				return errors.New("unexpected closing brace")
			}
		case css.BadURLToken:
			return errors.New("malformed url()")
		}
	}
}

func rewriteURLs(a *Asset, resolver Resolver) ([]byte, error) {
	dir := filepath.Dir(a.Source)
	var buf bytes.Buffer
	buf.Grow(len(a.Content))

	l := css.NewLexer(parse.NewInputBytes(a.Content))
	for {
		tt, data := l.Next()
		switch tt {
		case css.ErrorToken:
			if err := l.Err(); err != io.EOF {
				return nil, err
			}
			return buf.Bytes(), nil
		case css.URLToken:
			ref := urlTokenValue(data)
			if !isLocalRef(ref) {
				buf.Write(data)
				continue
			}
			resolved, ok := resolver.Resolve(dir, ref)
			if !ok {
				log.Warn().Str("path", a.RelPath).Str("url", ref).Msg("unresolved url reference left unchanged")
				buf.Write(data)
				continue
			}
			// query and fragment survive on emitted files, e.g. font.eot?#iefix
			if !strings.HasPrefix(resolved, "data:") {
				resolved += ref[len(StripRefSuffix(ref)):]
			}
			fmt.Fprintf(&buf, `url("%s")`, strings.ReplaceAll(resolved, `"`, `\"`))
		default:
			buf.Write(data)
		}
	}
}

func urlTokenValue(data []byte) string {
	s := string(data)
	if len(s) >= 4 && strings.EqualFold(s[:4], "url(") {
		s = s[4:]
	}
	s = strings.TrimSuffix(s, ")")
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		s = s[1 : len(s)-1]
	}
	return s
}

// isLocalRef reports whether ref points into the source tree rather than at
// a data URI, an absolute URL, or a fragment.
func isLocalRef(ref string) bool {
	switch {
	case ref == "":
		return false
	case strings.HasPrefix(ref, "#"), strings.HasPrefix(ref, "/"):
		return false
	case strings.HasPrefix(ref, "data:"):
		return false
	}
	if i := strings.Index(ref, ":"); i > 0 && !strings.ContainsAny(ref[:i], "/.") {
		return false
	}
	return true
}

// StripRefSuffix removes the query string and fragment from a reference.
func StripRefSuffix(ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		return ref[:i]
	}
	return ref
}

func appendInlineSourceMap(code, sourceMap string) string {
	return code + "\n/*# sourceMappingURL=data:application/json;charset=utf-8;base64," +
		base64.StdEncoding.EncodeToString([]byte(sourceMap)) + " */\n"
}
