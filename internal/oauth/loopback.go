package oauth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rezkam/calsync/internal/domain"
	"github.com/rezkam/calsync/internal/state"
)

const (
	callbackPath   = "/oauth2callback"
	portAttempts   = 10 // configured port plus nine above it
	shutdownWindow = 5 * time.Second
)

// CallbackServer is the loopback HTTP listener that receives the
// authorization redirect. It binds 127.0.0.1 only.
type CallbackServer struct {
	manager *Manager
	store   state.Store
	logger  *slog.Logger

	listener net.Listener
	server   *http.Server
	port     int

	authDone chan struct{}
	doneOnce sync.Once
}

// NewCallbackServer wires the server; Start binds the port.
func NewCallbackServer(manager *Manager, store state.Store, logger *slog.Logger) *CallbackServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackServer{
		manager:  manager,
		store:    store,
		logger:   logger,
		authDone: make(chan struct{}),
	}
}

// Done is closed after the first successful authorization callback. Callers
// wait on it rather than polling credential state, which may already be
// populated from a previous grant.
func (s *CallbackServer) Done() <-chan struct{} {
	return s.authDone
}

// Start binds the configured loopback port, auto-advancing up to nine
// ports when it is taken. A changed port is persisted and flagged, since
// the OAuth client's registered redirect URI must be updated to match.
func (s *CallbackServer) Start(ctx context.Context, configuredPort int) error {
	listener, port, err := bindLoopback(configuredPort)
	if err != nil {
		return err
	}
	s.listener = listener
	s.port = port

	if port != configuredPort {
		s.logger.WarnContext(ctx, "configured callback port was taken; bound a nearby one — update the OAuth client's registered redirect URI",
			"configured_port", configuredPort,
			"bound_port", port)
		if err := s.persistPort(ctx, port); err != nil {
			listener.Close()
			return err
		}
	}

	s.manager.SetRedirectURI(s.RedirectURI())

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+callbackPath, s.handleCallback)
	mux.HandleFunc("GET /favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "calsync callback server")
	})

	s.server = &http.Server{
		Handler:           otelhttp.NewHandler(mux, "oauth-callback"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.ErrorContext(ctx, "callback server failed", "error", err)
		}
	}()

	s.logger.InfoContext(ctx, "callback server listening", "addr", listener.Addr().String())
	return nil
}

// bindLoopback tries the configured port, then the nine above it.
func bindLoopback(configuredPort int) (net.Listener, int, error) {
	for k := 0; k < portAttempts; k++ {
		port := configuredPort + k
		listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return listener, port, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, 0, fmt.Errorf("failed to bind callback port %d: %w", port, err)
		}
	}
	return nil, 0, fmt.Errorf("all callback ports %d-%d are in use", configuredPort, configuredPort+portAttempts-1)
}

func (s *CallbackServer) persistPort(ctx context.Context, port int) error {
	doc, err := s.store.Load(ctx)
	if errors.Is(err, domain.ErrStateNotFound) {
		doc = state.NewDocument()
	} else if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	doc.RedirectPort = port
	if err := s.store.Save(ctx, doc); err != nil {
		return fmt.Errorf("failed to persist callback port: %w", err)
	}
	return nil
}

// Port returns the bound port.
func (s *CallbackServer) Port() int {
	return s.port
}

// RedirectURI returns the redirect URI for the bound port.
func (s *CallbackServer) RedirectURI() string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", s.port, callbackPath)
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if err := s.manager.HandleCallback(r.Context(), r.URL.Query()); err != nil {
		s.logger.ErrorContext(r.Context(), "authorization callback failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "<html><body><h1>Authentication failed</h1><p>%s</p></body></html>",
			html.EscapeString(err.Error()))
		return
	}

	fmt.Fprint(w, "<html><body><h1>Authentication complete</h1><p>You can close this window and return to calsync.</p></body></html>")
	s.doneOnce.Do(func() { close(s.authDone) })
}

// Shutdown stops the listener, waiting briefly for in-flight requests.
func (s *CallbackServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownWindow)
	defer cancel()
	return s.server.Shutdown(ctx)
}
