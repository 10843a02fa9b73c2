package devserver

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/assetpipe/internal/assets"
	"github.com/wolfeidau/assetpipe/internal/config"
)

func newTestPipeline(t *testing.T) (*assets.Pipeline, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.Root = t.TempDir()
	cfg.Entry = map[string]config.Files{"app": {"./css/app.css"}}
	cfg.Devtool = "none"
	cfg.Copy = nil
	cfg.Provide = nil

	writeFile(t, filepath.Join(cfg.ContextDir(), "css", "app.css"), "body { margin: 0; }\n")
	writeFile(t, filepath.Join(cfg.Root, "index.html"), `<html><body><link rel="stylesheet" href="dist/css/app.css"></body></html>`)

	p, err := assets.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, cfg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHandler(t *testing.T) {
	p, _ := newTestPipeline(t)
	s := New(p)

	h, err := s.Handler()
	require.NoError(t, err)

	rec := get(t, h, "/__assetpipe/")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	_, err = s.Rebuild(context.Background())
	require.NoError(t, err)

	rec = get(t, h, "/__assetpipe/")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `<a href="../css/app.css"><code>../css/app.css</code></a>`)
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = get(t, h, "/__assetpipe/client.js")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "new EventSource(\"/__assetpipe/events\")")

	rec = get(t, h, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), clientScript+"</body>")

	rec = get(t, h, "/dist/css/app.css")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "margin: 0")
}

func TestHandlerWithoutInline(t *testing.T) {
	p, cfg := newTestPipeline(t)
	cfg.DevServer.Inline = false

	h, err := New(p).Handler()
	require.NoError(t, err)

	rec := get(t, h, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), clientScript)
}

func TestRebuildPublishes(t *testing.T) {
	p, cfg := newTestPipeline(t)
	s := New(p)

	events, unsubscribe := s.Broker().Subscribe()
	defer unsubscribe()

	res, err := s.Rebuild(context.Background())
	require.NoError(t, err)
	require.Equal(t, Event{Type: EventReload, BuildID: res.ID}, <-events)

	writeFile(t, filepath.Join(cfg.ContextDir(), "css", "app.css"), "body { margin: 0;\n")
	_, err = s.Rebuild(context.Background())
	require.Error(t, err)

	ev := <-events
	require.Equal(t, EventError, ev.Type)
	require.Contains(t, ev.Message, "css/app.css")
}

func TestRunRebuildsOnChange(t *testing.T) {
	p, cfg := newTestPipeline(t)
	s := New(p, WithHost("127.0.0.1"), WithPort(0), WithDebounce(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var addr string
	select {
	case addr = <-s.Addr():
	case err := <-done:
		t.Fatalf("server stopped: %v", err)
	case <-time.After(30 * time.Second):
		t.Fatal("server did not start")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+eventsPath, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool { return s.Broker().Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)
	writeFile(t, filepath.Join(cfg.ContextDir(), "css", "app.css"), "body { margin: 1px; }\n")

	ev := readEvent(t, bufio.NewReader(resp.Body))
	require.Equal(t, EventReload, ev.Type)

	out, err := http.Get("http://" + addr + "/dist/css/app.css")
	require.NoError(t, err)
	body, err := io.ReadAll(out.Body)
	_ = out.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), "margin: 1px")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
