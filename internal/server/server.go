package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"worktrace/internal/ingest"
	"worktrace/internal/model"
	"worktrace/internal/quota"
	"worktrace/internal/syncer"
	"worktrace/internal/wt"
)

// Snapshot is the agent state published on /stats and pushed to websocket
// clients.
type Snapshot struct {
	Time      time.Time                  `json:"time"`
	SessionID string                     `json:"session_id,omitempty"`
	Queue     ingest.Stats               `json:"queue"`
	Storage   quota.Usage                `json:"storage"`
	Pending   map[wt.Table]model.Pending `json:"pending"`
	Budget    syncer.BudgetStatus        `json:"api_budget"`
	LastSync  *syncer.Result             `json:"last_sync,omitempty"`
}

// Source produces snapshots. Implementations only read agent state.
type Source interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Submitter accepts producer events.
type Submitter interface {
	Submit(kind ingest.Kind, payload any) bool
}

// Server exposes health, stats, metrics, event intake and a websocket push
// channel.
type Server struct {
	source       Source
	submitter    Submitter
	gatherer     prometheus.Gatherer
	pushInterval time.Duration
	logger       wt.Logger
	router       chi.Router
}

// New builds the router. submitter may be nil, in which case POST /events
// is not served.
func New(source Source, submitter Submitter, gatherer prometheus.Gatherer, pushInterval time.Duration, logger wt.Logger) *Server {
	s := &Server{
		source:       source,
		submitter:    submitter,
		gatherer:     gatherer,
		pushInterval: pushInterval,
		logger:       logger.With("component", "server"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/ws", s.handleWebsocket)
	if submitter != nil {
		r.Post("/events", s.handleEvent)
	}
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("operational server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.source.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("building stats snapshot", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleEvent answers 202 when the event was queued and 503 when it was
// dropped. A dropped event is a missed sample, so producers do not retry.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	kind, payload, err := ingest.DecodeEvent(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !s.submitter.Submit(kind, payload) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "dropped"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// handleWebsocket pushes a snapshot on connect and then every push
// interval. Messages from the client are discarded.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		s.logger.Warn("accept websocket", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()

	for {
		snap, err := s.source.Snapshot(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("building push snapshot", "error", err)
			}
			return
		}
		if err := wsjson.Write(ctx, conn, snap); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
