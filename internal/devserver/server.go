// Package devserver serves the project while rebuilding on change and tells
// connected browsers to reload after every committed build.
package devserver

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/assetpipe/internal/assets"
	"github.com/wolfeidau/assetpipe/internal/errdefs"
	apphttp "github.com/wolfeidau/assetpipe/internal/http"
	"github.com/wolfeidau/assetpipe/internal/telemetry"
)

const (
	basePath   = "/__assetpipe/"
	eventsPath = basePath + "events"
	clientPath = basePath + "client.js"
)

//go:embed static
var static embed.FS

// Option configures a Server.
type Option func(*Server)

// WithHost sets the interface to listen on; empty listens on all of them.
func WithHost(host string) Option {
	return func(s *Server) { s.host = host }
}

// WithPort overrides the configured port. Zero picks a free port.
func WithPort(port int) Option {
	return func(s *Server) { s.port = port }
}

// WithDebounce sets how long the watcher waits for changes to settle.
func WithDebounce(d time.Duration) Option {
	return func(s *Server) { s.debounce = d }
}

// WithListenTimeout bounds how long Run retries a port that is in use.
func WithListenTimeout(d time.Duration) Option {
	return func(s *Server) { s.listenTimeout = d }
}

// Server is the development server.
type Server struct {
	pipeline      *assets.Pipeline
	broker        *Broker
	host          string
	port          int
	inline        bool
	contentBase   string
	debounce      time.Duration
	listenTimeout time.Duration

	addr chan string
}

func New(p *assets.Pipeline, opts ...Option) *Server {
	cfg := p.Config()
	s := &Server{
		pipeline:      p,
		broker:        NewBroker(),
		port:          cfg.DevServer.Port,
		inline:        cfg.DevServer.Inline,
		contentBase:   cfg.ContentBaseDir(),
		debounce:      100 * time.Millisecond,
		listenTimeout: 15 * time.Second,
		addr:          make(chan string, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Broker returns the event broker browsers subscribe to.
func (s *Server) Broker() *Broker {
	return s.broker
}

// Addr returns the listen address once Run is serving.
func (s *Server) Addr() <-chan string {
	return s.addr
}

// Handler returns the HTTP handler: the event stream, the client script and
// the build status page below /__assetpipe/, the content base everywhere
// else.
func (s *Server) Handler() (http.Handler, error) {
	tmplText, err := static.ReadFile("static/status.html")
	if err != nil {
		return nil, err
	}
	tmpl, err := assets.ParseTemplate("status", string(tmplText), template.FuncMap{
		"entrypoint": s.entrypoint,
	})
	if err != nil {
		return nil, err
	}
	client, err := static.ReadFile("static/client.js")
	if err != nil {
		return nil, err
	}

	var content http.Handler = http.FileServer(http.Dir(s.contentBase))
	if s.inline {
		content = InjectClient(content)
	}

	mux := http.NewServeMux()
	mux.Handle("GET "+eventsPath, s.broker)
	mux.HandleFunc("GET "+clientPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		_, _ = w.Write(client)
	})
	mux.Handle("GET "+basePath+"{$}", s.pipeline.Handler(tmpl, "status", "assetpipe"))
	mux.Handle("/", content)

	compress, err := apphttp.Compress()
	if err != nil {
		return nil, fmt.Errorf("failed to create compression middleware: %w", err)
	}

	return apphttp.Chain(mux,
		apphttp.ClientIPMiddleware(),
		apphttp.RequestLogger(log.Logger),
		apphttp.CORS([]string{"*"}),
		apphttp.NoCache(),
		compress,
	), nil
}

// entryURLs are the public URLs of one entry's outputs.
type entryURLs struct {
	Scripts []string
	Styles  []string
}

func (s *Server) entrypoint(name string) (entryURLs, error) {
	scripts, styles, err := s.pipeline.LoadEntrypoint(name)
	if err != nil {
		return entryURLs{}, fmt.Errorf("entrypoint %s: %w", name, err)
	}
	return entryURLs{Scripts: scripts, Styles: styles}, nil
}

// Rebuild runs a build and tells browsers about the outcome. Stage failures
// are published as error events and returned.
func (s *Server) Rebuild(ctx context.Context) (*assets.Result, error) {
	res, err := s.pipeline.Build(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.publish(ctx, Event{Type: EventError, Message: err.Error()})
		}
		return nil, err
	}
	s.publish(ctx, Event{Type: EventReload, BuildID: res.ID})
	return res, nil
}

func (s *Server) publish(ctx context.Context, ev Event) {
	n := s.broker.Publish(ev)
	telemetry.GetMetrics().ReloadsPublished.Add(ctx, int64(n))
	log.Debug().Str("type", ev.Type).Int("clients", n).Msg("published build event")
}

func (s *Server) onChange(ctx context.Context, paths []string) {
	telemetry.GetMetrics().RebuildsTotal.Add(ctx, 1)
	log.Info().Int("changed", len(paths)).Str("first", paths[0]).Msg("rebuilding")

	if _, err := s.Rebuild(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("rebuild failed")
	}
}

// Run builds once, then serves and rebuilds on change until ctx is done.
// A configuration error in the first build is fatal; stage failures are
// reported and the server keeps watching.
func (s *Server) Run(ctx context.Context) error {
	if _, err := s.Rebuild(ctx); err != nil {
		if errdefs.IsConfiguration(err) || ctx.Err() != nil {
			return err
		}
		log.Error().Err(err).Msg("initial build failed, waiting for changes")
	}

	handler, err := s.Handler()
	if err != nil {
		return err
	}

	watcher, err := NewWatcher(s.pipeline.ContextDir(), s.debounce, s.pipeline.Ignored)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.pipeline.ContextDir(), err)
	}
	defer func() { _ = watcher.Close() }()

	ln, err := s.listen(ctx)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
		// request contexts end with ctx so event streams let Shutdown finish
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	addr := ln.Addr().String()
	s.addr <- addr
	log.Info().
		Str("addr", addr).
		Str("content_base", s.contentBase).
		Bool("inline", s.inline).
		Msg("dev server listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return watcher.Run(gctx, s.onChange)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// listen retries while the port is held, typically by a dev server that is
// still shutting down.
func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	var lc net.ListenConfig

	return backoff.Retry(ctx, func() (net.Listener, error) {
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil && !errors.Is(err, syscall.EADDRINUSE) {
			return nil, backoff.Permanent(err)
		}
		return ln, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(s.listenTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Str("addr", addr).Dur("retry_in", next).Msg("address in use")
		}),
	)
}
