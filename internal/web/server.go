package web

import (
	"context"
	"io/fs"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/cjeanneret/LithoGo/internal/debug"
	"github.com/cjeanneret/LithoGo/internal/logic/exposure"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, broadcaster *StatusBroadcaster, ctrl Controller, defaults exposure.Settings, formDefaults FormConfig) *Server {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("web: failed to sub static fs: %v", err)
	}

	handlers := NewHandlers(broadcaster, ctrl, defaults, formDefaults, subFS)

	return &Server{
		addr:     addr,
		handlers: handlers,
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /config", s.handlers.HandleConfig)
	mux.HandleFunc("GET /status", s.handlers.HandleStatus)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	mux.HandleFunc("POST /positions", s.handlers.HandlePositions)
	mux.HandleFunc("POST /positions/grid", s.handlers.HandleGrid)
	mux.HandleFunc("POST /references", s.handlers.HandleReferences)
	mux.HandleFunc("DELETE /references", s.handlers.HandleClearReferences)
	mux.HandleFunc("POST /align", s.handlers.HandleAlign)
	mux.HandleFunc("POST /run", s.handlers.HandleRun)
	mux.HandleFunc("POST /cancel", s.handlers.HandleCancel)
	mux.HandleFunc("POST /jog", s.handlers.HandleJog)
	mux.HandleFunc("POST /shutter", s.handlers.HandleShutter)
	mux.HandleFunc("POST /origin/estimate", s.handlers.HandleEstimateOrigin)
	mux.HandleFunc("POST /origin/reset", s.handlers.HandleResetOrigin)
	mux.HandleFunc("GET /snapshot.png", s.handlers.HandleSnapshotPNG)
	mux.HandleFunc("GET /snapshot.tiff", s.handlers.HandleSnapshotTIFF)
	mux.HandleFunc("GET /ws", s.handlers.HandleWS)
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(s.handlers.staticFS))))
	mux.HandleFunc("GET /{$}", s.handlers.ServeIndex) // exact match for root only

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// gracefully. Controller events are relayed to SSE clients while it runs.
func (s *Server) Run(ctx context.Context) error {
	if s.handlers.Ctrl != nil {
		events, unsub := s.handlers.Ctrl.Subscribe()
		defer unsub()
		go s.handlers.Broadcaster.Forward(ctx, events)
	}

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
		// Streams and websockets end with ctx.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
