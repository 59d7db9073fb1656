package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cuemby/tsimd/pkg/app"
	"github.com/cuemby/tsimd/pkg/apierr"
	"github.com/cuemby/tsimd/pkg/log"
	"github.com/cuemby/tsimd/pkg/sse"
)

const cookieName = "tsimd_session"

// ServerOptions configures the HTTP server. Timeouts are conservative
// defaults suitable for a local control-plane server. No WriteTimeout is
// set, so a progress-stream connection stays open until the client
// disconnects or the run reaches DONE.
type ServerOptions struct {
	Addr              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
}

func (o *ServerOptions) applyDefaults() {
	if o.Addr == "" {
		o.Addr = "127.0.0.1:8443"
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 10 * time.Second
	}
	if o.ReadHeaderTimeout == 0 {
		o.ReadHeaderTimeout = 5 * time.Second
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = 120 * time.Second
	}
	if o.ShutdownTimeout == 0 {
		o.ShutdownTimeout = 10 * time.Second
	}
}

// Server hosts the HTTP API described in the router's doc comment.
type Server struct {
	http *http.Server
	app  *app.Application
	sse  *sse.Dispatcher
	opts ServerOptions
}

// NewServer constructs a Server bound to app. It does not start listening
// until Start is called.
func NewServer(a *app.Application, opts ServerOptions) *Server {
	opts.applyDefaults()

	s := &Server{
		app: a,
		sse: sse.NewDispatcher(a.Progress),
		opts: opts,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/logout", s.handleLogout)
	mux.HandleFunc("/main", s.requireSession(s.handleSubmit))
	mux.HandleFunc("/progress", s.requireSession(s.handleProgress))
	mux.HandleFunc("/progress-stream", s.requireSession(s.handleProgressStream))
	mux.HandleFunc("/cancel", s.requireSession(s.handleCancel))
	mux.HandleFunc("/pdf", s.handlePDF) // session OR token checked inside
	mux.HandleFunc("/services-config", s.handleServicesConfig)
	mux.HandleFunc("/test-config", s.handleTestConfig)
	mux.HandleFunc("/cleanup", s.requireAdmin(s.handleCleanup))
	mux.HandleFunc("/admin/queue", s.requireAdmin(s.handleAdminQueue))

	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadTimeout:       opts.ReadTimeout,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		IdleTimeout:       opts.IdleTimeout,
	}
	return s
}

// Start begins serving HTTP in a background goroutine. errCh receives a
// non-nil error if the listener fails for a reason other than a graceful
// Stop.
func (s *Server) Start(errCh chan<- error) {
	go func() {
		log.WithComponent("api").Info().Str("addr", s.opts.Addr).Msg("http api listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
}

// Stop gracefully shuts the server down, waiting up to ShutdownTimeout.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(apierr.CodeOf(err))
	writeJSON(w, status, envelope{Success: false, Message: err.Error()})
}

func statusFor(code apierr.Code) int {
	switch code {
	case apierr.InvalidInput:
		return http.StatusBadRequest
	case apierr.AuthRequired:
		return http.StatusUnauthorized
	case apierr.Forbidden:
		return http.StatusForbidden
	case apierr.NotFound:
		return http.StatusNotFound
	case apierr.Conflict:
		return http.StatusConflict
	case apierr.CapacityExhausted:
		return http.StatusServiceUnavailable
	case apierr.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
