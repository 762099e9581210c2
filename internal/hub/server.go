package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/opshub/internal/audit"
	"github.com/danmuck/opshub/internal/config"
	"github.com/danmuck/opshub/internal/jobstore"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

// Server owns the hub's store, audit log and HTTP listener.
type Server struct {
	cfg    config.Config
	store  jobstore.Store
	audit  *audit.Log
	router *gin.Engine
	http   *http.Server
}

func NewServer(cfg config.Config) (*Server, error) {
	store, err := jobstore.Open(cfg)
	if err != nil {
		return nil, err
	}
	auditLog, err := audit.Open(cfg.HubAuditPath())
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if cfg.Hub.Token == "" {
		log.Warn().Str("env", config.EnvHubToken).Msg("hub token not set, all writes will be rejected")
	}

	svc := NewService(store, auditLog)
	router := NewRouter(svc, RouterOptions{
		Token:               cfg.Hub.Token,
		CorsOrigins:         cfg.Hub.CorsOrigins,
		RequireAuthForReads: cfg.Hub.RequireAuthForReads,
		WritesPerSecond:     cfg.Hub.WritesPerSecond,
		WriteBurst:          cfg.Hub.WriteBurst,
	})
	return &Server{
		cfg:    cfg,
		store:  store,
		audit:  auditLog,
		router: router,
		http: &http.Server{
			Addr:              cfg.Hub.Addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve blocks until ctx is cancelled or the listener fails, then drains
// in-flight requests and closes the store and audit log.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Hub.Addr)
	if err != nil {
		s.close()
		return fmt.Errorf("hub listen %s: %w", s.cfg.Hub.Addr, err)
	}
	log.Info().
		Str("addr", ln.Addr().String()).
		Str("root", s.cfg.Root).
		Str("backend", string(s.cfg.Backend)).
		Msg("hub listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = s.http.Shutdown(shutdownCtx)
	s.close()
	if err != nil {
		return fmt.Errorf("hub shutdown: %w", err)
	}
	log.Info().Msg("hub stopped")
	return nil
}

func (s *Server) close() {
	if err := s.audit.Close(); err != nil {
		log.Warn().Err(err).Msg("close hub audit log")
	}
	if err := s.store.Close(); err != nil {
		log.Warn().Err(err).Msg("close job store")
	}
}
