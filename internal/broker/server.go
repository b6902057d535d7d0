package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tiger/live-translation-relay/api/wire"
	"github.com/tiger/live-translation-relay/transports/websocket"
)

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Addr      string
	QueueSize int
	Transport websocket.Config
}

// Server exposes the hub over websocket plus metrics and service status.
type Server struct {
	cfg      ServerConfig
	hub      *Hub
	acceptor *websocket.Acceptor
	gatherer prometheus.Gatherer
	log      zerolog.Logger
}

// NewServer builds a server for hub. gatherer may be nil to disable /metrics.
func NewServer(cfg ServerConfig, hub *Hub, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		hub:      hub,
		acceptor: websocket.NewAcceptor(cfg.Transport),
		gatherer: gatherer,
		log:      log,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveWS)
	mux.HandleFunc("GET /services/{id}", s.serveService)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("broker listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.acceptor.Accept(w, r)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	peer := NewPeer(uuid.NewString(), conn, s.cfg.QueueSize, s.log)
	s.hub.AddPeer(peer)
	go peer.WritePump()
	defer func() {
		s.hub.RemovePeer(peer)
		peer.Close()
	}()

	log := s.log.With().Str("peer", peer.ID()).Str("remote", conn.RemoteAddr()).Logger()
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("peer read ended")
			return
		}
		m, err := wire.Decode(raw)
		if err != nil {
			log.Warn().Err(err).Msg("dropping malformed message")
			continue
		}
		if err := s.hub.Handle(r.Context(), peer, m); err != nil {
			log.Warn().Err(err).Str("type", string(m.Type)).Msg("message rejected")
		}
	}
}

type serviceStatus struct {
	ServiceID string   `json:"serviceId"`
	Active    bool     `json:"active"`
	Languages []string `json:"languages"`
}

func (s *Server) serveService(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(serviceStatus{
		ServiceID: id,
		Active:    s.hub.IsServiceActive(id),
		Languages: s.hub.ActiveLanguages(id),
	})
}
