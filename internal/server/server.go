// Package server puts the access gate in front of the device HTTP service
// and exposes the management API under /security.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"hostgate/internal/decision"
	"hostgate/internal/gate"
	"hostgate/internal/hostid"
	"hostgate/internal/prompt"
)

const maxBodyBytes = 64 << 10

// ErrAddrInUse is returned by ListenAndServe when another process already
// holds the listen address.
var ErrAddrInUse = errors.New("address already in use")

type Server struct {
	gate     *gate.Gate
	upstream *url.URL
	logger   *slog.Logger
	now      func() time.Time
	router   chi.Router
}

// New builds the router. Requests that match no local route are forwarded
// to upstream, or answered with 404 when upstream is nil.
func New(g *gate.Gate, upstream *url.URL, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		gate:     g,
		upstream: upstream,
		logger:   logger,
		now:      time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(s.guard)

	r.Get("/health", s.handleHealth)
	r.Route("/security", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Post("/decision", s.handleDecision)
		r.Delete("/whitelist/{host}", s.handleUnallow)
		r.Delete("/blacklist/{host}", s.handleUndeny)
	})
	r.NotFound(s.forwarder())

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if isAddrAlreadyInUse(err) {
			return ErrAddrInUse
		}
		return err
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("hostgate listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("hostgate stopped")
	return nil
}

func isAddrAlreadyInUse(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		if errno == 10048 { // Windows WSAEADDRINUSE
			return true
		}
		if errno == syscall.EADDRINUSE {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "only one usage of each socket address")
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.logger.Info("http request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

// guard runs every request except CORS preflights through the gate. The
// path is cleaned first, and the cleaned path is what routing and the
// upstream see, so the gate judges exactly what gets served.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cleaned := gate.CleanPath(r.URL.Path); cleaned != r.URL.Path || r.URL.RawPath != "" {
			u := *r.URL
			u.Path = cleaned
			u.RawPath = ""
			r = r.WithContext(r.Context())
			r.URL = &u
		}
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		raw := requester(r)
		d := s.gate.Evaluate(r.Context(), raw, r.Method, r.URL.Path)
		if !d.Allowed() {
			s.deny(w, s.gate.Host(raw), d)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requester picks the host a request is attributed to: Origin, then
// Referer, then the peer address. A header claiming loopback from a
// non-loopback peer is ignored.
func requester(r *http.Request) string {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}

	claimed := strings.TrimSpace(r.Header.Get("Origin"))
	if claimed == "" || claimed == "null" {
		claimed = strings.TrimSpace(r.Header.Get("Referer"))
	}
	if claimed == "" {
		return remote
	}
	if hostid.Normalize(claimed).IsLoopback() && !hostid.Normalize(remote).IsLoopback() {
		return remote
	}
	return claimed
}

type denial struct {
	Error     string `json:"error"`
	Host      string `json:"host"`
	Reason    string `json:"reason"`
	Scope     string `json:"scope"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) deny(w http.ResponseWriter, host hostid.Identity, d decision.Decision) {
	writeJSON(w, http.StatusForbidden, denial{
		Error:     "AccessDenied",
		Host:      string(host),
		Reason:    string(d.Reason),
		Scope:     string(d.Scope),
		Timestamp: s.timestamp(),
	})
}

func (s *Server) forwarder() http.HandlerFunc {
	if s.upstream == nil {
		return func(w http.ResponseWriter, r *http.Request) {
			s.fail(w, http.StatusNotFound, "NotFound")
		}
	}
	proxy := httputil.NewSingleHostReverseProxy(s.upstream)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.Error("upstream request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.fail(w, http.StatusBadGateway, "UpstreamUnavailable")
	}
	return proxy.ServeHTTP
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type stateResponse struct {
	gate.State
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse{State: s.gate.State(), Timestamp: s.timestamp()})
}

type decisionRequest struct {
	Host     string `json:"host"`
	Decision string `json:"decision"`
}

type decisionResponse struct {
	Success  bool   `json:"success"`
	Host     string `json:"host"`
	Decision string `json:"decision"`
	Resolved bool   `json:"resolved"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Host = strings.TrimSpace(req.Host)
	req.Decision = strings.TrimSpace(req.Decision)
	if req.Host == "" || req.Decision == "" {
		s.fail(w, http.StatusBadRequest, "host and decision required")
		return
	}
	result, ok := prompt.ParseResult(req.Decision)
	if !ok || result == prompt.Timeout {
		s.fail(w, http.StatusBadRequest, "invalid decision")
		return
	}

	host, resolved := s.gate.Decide(req.Host, result)
	s.logger.Info("security decision applied", "host", string(host), "decision", string(result), "resolved", resolved)
	writeJSON(w, http.StatusOK, decisionResponse{
		Success:  true,
		Host:     string(host),
		Decision: string(result),
		Resolved: resolved,
	})
}

type removalResponse struct {
	Success bool   `json:"success"`
	Host    string `json:"host"`
}

func (s *Server) handleUnallow(w http.ResponseWriter, r *http.Request) {
	host := s.gate.Unallow(hostParam(r))
	s.logger.Info("security whitelist removed", "host", string(host))
	writeJSON(w, http.StatusOK, removalResponse{Success: true, Host: string(host)})
}

func (s *Server) handleUndeny(w http.ResponseWriter, r *http.Request) {
	host := s.gate.Undeny(hostParam(r))
	s.logger.Info("security blacklist removed", "host", string(host))
	writeJSON(w, http.StatusOK, removalResponse{Success: true, Host: string(host)})
}

func hostParam(r *http.Request) string {
	raw := chi.URLParam(r, "host")
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

type errorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Timestamp: s.timestamp()})
}

func (s *Server) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
