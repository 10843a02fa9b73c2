package devserver

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
)

const clientScript = `<script src="` + clientPath + `"></script>`

// InjectClient inserts the live reload script before the closing body tag of
// HTML responses. Documents without one get it appended.
func InjectClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		// ranges of a rewritten body would be wrong
		r.Header.Del("Range")
		r.Header.Del("If-Range")

		iw := &injectWriter{ResponseWriter: w}
		next.ServeHTTP(iw, r)
		iw.finish()
	})
}

// injectWriter buffers HTML bodies and passes everything else through.
type injectWriter struct {
	http.ResponseWriter
	status  int
	decided bool
	html    bool
	buf     bytes.Buffer
}

func (w *injectWriter) WriteHeader(code int) {
	if w.decided {
		return
	}
	w.decided = true
	w.status = code

	h := w.Header()
	w.html = code == http.StatusOK &&
		strings.HasPrefix(h.Get("Content-Type"), "text/html") &&
		h.Get("Content-Encoding") == ""
	if w.html {
		h.Del("Content-Length")
		return
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *injectWriter) Write(b []byte) (int, error) {
	if !w.decided {
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", http.DetectContentType(b))
		}
		w.WriteHeader(http.StatusOK)
	}
	if w.html {
		return w.buf.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

func (w *injectWriter) finish() {
	if !w.html {
		return
	}
	body := injectScript(w.buf.Bytes())
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.ResponseWriter.WriteHeader(w.status)
	_, _ = w.ResponseWriter.Write(body)
}

func (w *injectWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// injectScript inserts the client script before the last </body>, matched
// case-insensitively.
func injectScript(html []byte) []byte {
	idx := lastIndexFold(html, []byte("</body>"))
	if idx < 0 {
		return append(html, clientScript...)
	}
	out := make([]byte, 0, len(html)+len(clientScript))
	out = append(out, html[:idx]...)
	out = append(out, clientScript...)
	return append(out, html[idx:]...)
}

func lastIndexFold(s, sep []byte) int {
	for i := len(s) - len(sep); i >= 0; i-- {
		if bytes.EqualFold(s[i:i+len(sep)], sep) {
			return i
		}
	}
	return -1
}
