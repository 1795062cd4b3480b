package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/termtunnel/termtunnel/internal/config"
	"github.com/termtunnel/termtunnel/internal/ratelimit"
	"github.com/termtunnel/termtunnel/internal/store"
)

// Server owns the listener, the routing state and the background sweeps.
type Server struct {
	cfg   *config.ServerConfig
	state *State
}

// New wires up a server from its config: persistence, the auth rate
// limiter (Redis when configured, in-process otherwise) and shared state.
func New(cfg *config.ServerConfig, st *store.Store) (*Server, error) {
	var limiter ratelimit.Limiter
	if cfg.Database.RedisURL != "" {
		rl, err := ratelimit.NewRedisLimiter(cfg.Database.RedisURL, cfg.Security.RateLimitPerMinute)
		if err != nil {
			return nil, fmt.Errorf("redis rate limiter: %w", err)
		}
		limiter = rl
		slog.Info("rate limiting via redis", "url", cfg.Database.RedisURL)
	} else {
		limiter = ratelimit.NewMemoryLimiter(cfg.Security.RateLimitPerMinute)
		slog.Info("rate limiting in memory")
	}

	return &Server{
		cfg:   cfg,
		state: NewState(cfg, st, limiter),
	}, nil
}

// State exposes the routing state, mainly for tests.
func (s *Server) State() *State {
	return s.state
}

// ListenAndServe runs the HTTP server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.Host, fmt.Sprintf("%d", s.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.state.StartReapers(ctx)

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	srv := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	slog.Info("server listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/ws/agent", s.state.HandleAgentWS)
	mux.HandleFunc("/ws/user", s.state.HandleUserWS)
	mux.HandleFunc("GET /", s.handleIndex)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, indexPage, s.state.SessionCount())
}

const indexPage = `<!DOCTYPE html>
<html>
<head><title>termtunnel</title></head>
<body>
<h1>termtunnel</h1>
<p>Terminal tunnel server. Connect agents to /ws/agent and clients to /ws/user.</p>
<p>Active sessions: %d</p>
</body>
</html>
`
