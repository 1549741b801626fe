// Package admin serves the queue board, Prometheus metrics and, optionally,
// net/http/pprof over one HTTP listener.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"

	"jobflow/internal/processor"
	rtsup "jobflow/internal/runtime/supervisor"
	"jobflow/internal/storage"
	logx "jobflow/pkg/logx"
)

const DefaultRoute = "admin/queues"

type Config struct {
	Addr  string
	Route string
	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	source  Source
	journal storage.Journal
	metrics http.Handler

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

// New builds the service. metrics may be nil, in which case /metrics is not mounted.
func New(cfg Config, source Source, journal storage.Journal, metrics http.Handler, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, source: source, journal: journal, metrics: metrics, log: log.With(logx.Component("admin"))}
}

// Addr is the bound listener address, or "" while not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Handler builds the router. It is also used directly in tests.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	route := normalizeRoute(cfg.Route)
	r := httprouter.New()
	r.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.GET(route, s.board)
	r.GET(route+"/:channel", s.channel)
	if s.metrics != nil {
		r.Handler(http.MethodGet, "/metrics", s.metrics)
	}
	if cfg.Pprof {
		r.HandlerFunc(http.MethodGet, "/debug/pprof", hpprof.Index)
		r.GET("/debug/pprof/:name", func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
			switch ps.ByName("name") {
			case "cmdline":
				hpprof.Cmdline(w, req)
			case "profile":
				hpprof.Profile(w, req)
			case "symbol":
				hpprof.Symbol(w, req)
			case "trace":
				hpprof.Trace(w, req)
			default:
				hpprof.Index(w, req)
			}
		})
	}
	r.PanicHandler = func(w http.ResponseWriter, req *http.Request, v any) {
		s.log.Error("admin handler panicked", logx.String("path", req.URL.Path), logx.Any("panic", v))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
	return r
}

func (s *Service) board(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, collect(r.Context(), s.source.Processors(), s.journal))
}

func (s *Service) channel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("channel")
	for _, p := range s.source.Processors() {
		if p != nil && p.Name() == name {
			b := collect(r.Context(), []*processor.Processor{p}, s.journal)
			if len(b.Channels) == 1 {
				writeJSON(w, http.StatusOK, b.Channels[0])
				return
			}
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "channel not found"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Start runs the HTTP server under a restart loop. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return
			}
		}
		if s.sup != nil {
			s.mu.Unlock()
			return
		}
		// the board is optional; a broken listener never stops the app
		s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

// Stop shuts the server down gracefully, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		sup.Cancel()
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("admin stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = "127.0.0.1:3000"
	}
	if !isLoopbackAddr(addr) {
		s.log.Warn("admin board bound to non-loopback addr without auth", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("admin listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cur.ReadTimeout,
		WriteTimeout:      cur.WriteTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("admin started",
		logx.String("addr", ln.Addr().String()),
		logx.String("route", normalizeRoute(cur.Route)),
		logx.Bool("pprof", cur.Pprof),
	)
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.ln = nil, nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("admin server exited unexpectedly")
	}
	return err
}

func normalizeRoute(route string) string {
	r := strings.Trim(strings.TrimSpace(route), "/")
	if r == "" {
		r = DefaultRoute
	}
	return "/" + r
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || strings.TrimSpace(h) == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
