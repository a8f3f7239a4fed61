// Package server exposes the gateway data over HTTP: a curated passthrough
// of gateway API paths, derived endpoints for dashboards and collectors, and
// a web fallback that serves the gateway's own UI.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pwproxy/pwproxy/pkg/common"
	"github.com/pwproxy/pwproxy/pkg/config"
	"github.com/pwproxy/pwproxy/pkg/log"
	"github.com/pwproxy/pwproxy/pkg/powerwall"
)

// allowlist is the set of gateway API paths proxied through verbatim.
// Everything else under /api is refused so the write surface of the gateway
// stays unreachable.
var allowlist = []string{
	"/api/status", "/api/site_info/site_name", "/api/meters/site",
	"/api/meters/solar", "/api/sitemaster", "/api/powerwalls",
	"/api/customer/registration", "/api/system_status", "/api/system_status/grid_status",
	"/api/system/update/status", "/api/site_info", "/api/system_status/grid_faults",
	"/api/operation", "/api/site_info/grid_codes", "/api/solars", "/api/solars/brands",
	"/api/customer", "/api/meters", "/api/installer", "/api/networks",
	"/api/system/networks", "/api/meters/readings", "/api/synchrometer/ct_voltage_references",
	"/api/troubleshooting/problems", "/api/auth/toggle/supported", "/api/solar_powerwall",
}

// Server is the HTTP proxy in front of one Powerwall.
type Server struct {
	cfg   config.Config
	pw    *powerwall.Client
	stats *Stats

	listenAddr string
	webProxy   *httputil.ReverseProxy
	httpServer *http.Server
}

// Configured initializes the Server. It uses lflag to register command-line
// overrides for configuration.
func Configured(cfg config.Config, pw *powerwall.Client) *Server {
	srv := &Server{
		cfg:   cfg,
		pw:    pw,
		stats: NewStats(),
	}

	listenAddr := lflag.String("http-listen", cfg.ListenAddr(), "HTTP server listen address")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()

	// derived endpoints and their gateway-path aliases
	mux.HandleFunc("GET /aggregates", s.handleAggregates)
	mux.HandleFunc("GET /api/meters/aggregates", s.handleAggregates)
	mux.HandleFunc("GET /soe", s.handleSoe)
	mux.HandleFunc("GET /api/system_status/soe", s.handleScaledSoe)
	mux.HandleFunc("GET /csv", s.handleCSV)
	mux.HandleFunc("GET /vitals", s.handleVitals)
	mux.HandleFunc("GET /strings", s.handleStrings)
	mux.HandleFunc("GET /temps", s.handleTemps)
	mux.HandleFunc("GET /temps/pw", s.handleTempsPW)
	mux.HandleFunc("GET /alerts", s.handleAlerts)
	mux.HandleFunc("GET /alerts/pw", s.handleAlertsPW)
	mux.HandleFunc("GET /freq", s.handleFreq)
	mux.HandleFunc("GET /pod", s.handlePod)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /stats/clear", s.handleStatsClear)
	mux.HandleFunc("GET /help", s.handleHelp)

	// the problems endpoint answers even when the upstream has nothing
	mux.HandleFunc("GET /api/troubleshooting/problems", s.handleProblems)
	for _, path := range allowlist {
		if path == "/api/troubleshooting/problems" {
			continue
		}
		mux.HandleFunc("GET "+path, s.handleAllowed)
	}

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.stats.Registry(), promhttp.HandlerOpts{}))

	// everything else is the gateway web UI
	if l, ok := s.pw.Local(); ok {
		s.webProxy = s.newWebProxy(l)
	}
	mux.HandleFunc("/", s.handleWeb)

	return gziphandler.GzipHandler(mux)
}

// newWebProxy forwards browser traffic to the gateway's own web server with
// our session attached.
func (s *Server) newWebProxy(l *powerwall.Local) *httputil.ReverseProxy {
	target := &url.URL{Scheme: "https", Host: l.Host()}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = l.Client().Transport
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Host = target.Host
		l.Authorize(req)
	}
	proxy.ModifyResponse = func(resp *http.Response) error {
		s.setCacheHeaders(resp.Header, resp.Header.Get("Content-Type"))
		return nil
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Ctx(r.Context()).DebugContext(r.Context(), "gateway web proxy failed",
			slog.String("path", r.URL.Path), slog.Any("error", err))
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy
}

// Run starts the HTTP server and blocks until the context is canceled or an
// error occurs. It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server",
			slog.String("addr", s.listenAddr),
			slog.String("version", common.Version()),
			slog.Bool("cloudMode", s.pw.CloudMode()),
			slog.Bool("tls", s.cfg.TLSMode == config.TLSModeOn))
		var err error
		if s.cfg.TLSMode == config.TLSModeOn {
			err = s.httpServer.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

// respond writes one API response. Upstream failures still answer 200 with a
// marker body; collectors polling these endpoints treat the markers as data
// gaps rather than scrape failures.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, payload []byte, contentType string, err error) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err != nil {
		if errors.Is(err, powerwall.ErrTimeout) || errors.Is(err, powerwall.ErrUnsupported) {
			s.stats.CountTimeout()
			payload = []byte("TIMEOUT!")
		} else {
			log.Ctx(r.Context()).ErrorContext(r.Context(), "upstream request failed",
				slog.String("path", r.URL.Path), slog.Any("error", err))
			s.stats.CountError()
			payload = []byte("ERROR!")
		}
	} else {
		s.stats.CountGet(r.URL.Path)
	}
	w.Header().Set("Content-Type", contentType)
	if _, werr := w.Write(payload); werr != nil {
		log.Ctx(r.Context()).DebugContext(r.Context(), "socket broken sending response",
			slog.String("path", r.URL.Path))
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, r *http.Request, payload []byte, err error) {
	s.respond(w, r, payload, "application/json", err)
}

// respondValue marshals v and serves it as JSON.
func (s *Server) respondValue(w http.ResponseWriter, r *http.Request, v any) {
	payload, err := json.Marshal(v)
	s.respondJSON(w, r, payload, err)
}
