package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		realIP     string
		remoteAddr string
		expected   string
	}{
		{name: "forwarded single", xff: "192.168.1.1", expected: "192.168.1.1"},
		{name: "forwarded takes first", xff: "203.0.113.1, 198.51.100.1", expected: "203.0.113.1"},
		{name: "forwarded trims spaces", xff: " 203.0.113.1  ,198.51.100.1", expected: "203.0.113.1"},
		{name: "forwarded wins over real ip", xff: "203.0.113.1", realIP: "192.168.1.100", expected: "203.0.113.1"},
		{name: "real ip", realIP: "192.168.1.100", expected: "192.168.1.100"},
		{name: "remote ipv4", remoteAddr: "192.168.1.1:54321", expected: "192.168.1.1"},
		{name: "remote ipv6", remoteAddr: "[2001:db8::1]:54321", expected: "2001:db8::1"},
		{name: "remote without port", remoteAddr: "192.168.1.1", expected: "192.168.1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			if tt.remoteAddr != "" {
				r.RemoteAddr = tt.remoteAddr
			}
			require.Equal(t, tt.expected, ExtractClientIP(r))
		})
	}
}

func TestClientIPMiddleware(t *testing.T) {
	var capturedIP string
	handler := ClientIPMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedIP = ClientIPFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.1")
	handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "203.0.113.1", capturedIP)
	require.Empty(t, ClientIPFromContext(r.Context()))
}

func TestRequestLogger(t *testing.T) {
	tests := []struct {
		name   string
		status int
		level  string
	}{
		{name: "ok", status: 0, level: "debug"},
		{name: "not found", status: http.StatusNotFound, level: "debug"},
		{name: "server error", status: http.StatusBadGateway, level: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := zerolog.New(&buf).Level(zerolog.DebugLevel)

			handler := RequestLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.status != 0 {
					w.WriteHeader(tt.status)
				}
				_, _ = w.Write([]byte("hello"))
			}))

			r := httptest.NewRequest(http.MethodGet, "/css/app.css", nil)
			r.RemoteAddr = "10.0.0.1:1234"
			handler.ServeHTTP(httptest.NewRecorder(), r)

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

			wantStatus := tt.status
			if wantStatus == 0 {
				wantStatus = http.StatusOK
			}
			require.Equal(t, tt.level, entry["level"])
			require.Equal(t, "/css/app.css", entry["path"])
			require.Equal(t, "10.0.0.1", entry["client_ip"])
			require.EqualValues(t, wantStatus, entry["status"])
			require.EqualValues(t, 5, entry["bytes"])
		})
	}
}

func TestRequestLoggerUsesContextClientIP(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.DebugLevel)

	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
		ClientIPMiddleware(),
		RequestLogger(log),
	)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "203.0.113.7", entry["client_ip"])
}

func TestRequestLoggerKeepsFlusher(t *testing.T) {
	var flushed bool
	handler := RequestLogger(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushed = w.(http.Flusher)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.True(t, flushed)
}

func TestChainOrderAndNoCache(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(http.NotFoundHandler(), mark("outer"), NoCache(), mark("inner"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, []string{"outer", "inner"}, order)
	require.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"*"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "http://localhost:8080")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCompress(t *testing.T) {
	compress, err := Compress()
	require.NoError(t, err)

	body := strings.Repeat("body { margin: 0; }\n", 200)
	h := compress(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte(body))
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	require.Less(t, w.Body.Len(), len(body))

	events := compress(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(body))
	}))
	w = httptest.NewRecorder()
	events.ServeHTTP(w, r)
	require.Empty(t, w.Header().Get("Content-Encoding"))
}
