package api

import (
	"context"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"stridesync/internal/domain"
	"stridesync/internal/metrics"
	"stridesync/internal/queue"
)

// Syncer is the queue surface exposed to operators.
type Syncer interface {
	Stats() queue.Stats
	StartSync(ctx context.Context, userID int64, maxActivities int) (domain.Job, error)
	RegisterProgressCallback(userID int64, fn queue.ProgressFunc) uint64
	UnregisterProgressCallbackIf(userID int64, token uint64) bool
}

type SyncStateReader interface {
	GetSyncState(ctx context.Context, userID int64) (domain.SyncState, error)
}

type RateLimitReader interface {
	State() domain.RateLimitState
}

type Deps struct {
	Queue         Syncer
	SyncStates    SyncStateReader
	RateLimit     RateLimitReader
	Metrics       *metrics.Registry
	Gatherer      prometheus.Gatherer
	MaxActivities int
	EnableDebug   bool
}

type Server struct {
	r    *chi.Mux
	deps Deps
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func NewServer(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	s := &Server{r: r, deps: deps}

	r.Get("/health", s.health)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/metrics", s.metricsSnapshot)
		r.Post("/metrics/reset", s.metricsReset)
		r.Get("/queue", s.queueStats)
		r.Get("/ratelimit", s.rateLimit)
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Post("/sync", s.startSync)
			r.Get("/sync", s.getSync)
			r.Get("/progress", s.progress)
		})
	})

	// Debug routes (pprof)
	if deps.EnableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metricsSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Metrics.Snapshot())
}

func (s *Server) metricsReset(w http.ResponseWriter, r *http.Request) {
	s.deps.Metrics.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Queue.Stats())
}

func (s *Server) rateLimit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.RateLimit.State())
}

type startSyncReq struct {
	MaxActivities *int `json:"max_activities"`
}

type startSyncResp struct {
	JobID  string `json:"job_id"`
	UserID int64  `json:"user_id"`
}

func (s *Server) startSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	maxActivities := s.deps.MaxActivities
	if r.ContentLength != 0 {
		var req startSyncReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.MaxActivities != nil {
			maxActivities = *req.MaxActivities
		}
	}

	job, err := s.deps.Queue.StartSync(r.Context(), userID, maxActivities)
	if errors.Is(err, queue.ErrSyncActive) {
		http.Error(w, "sync already running", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, startSyncResp{JobID: job.ID, UserID: userID})
}

func (s *Server) getSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	state, err := s.deps.SyncStates.GetSyncState(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type progressMessage struct {
	UserID  int64          `json:"user_id"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"at"`
}

// progress streams the user's sync progress over a websocket. Messages are dropped when the
// client falls behind; the queue never blocks on a slow reader.
func (s *Server) progress(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events := make(chan progressMessage, 64)
	token := s.deps.Queue.RegisterProgressCallback(userID, func(uid int64, message string, data map[string]any) {
		select {
		case events <- progressMessage{UserID: uid, Message: message, Data: data, At: time.Now().UTC()}:
		default:
		}
	})
	// a newer stream for the same user keeps its registration when this one closes
	defer s.deps.Queue.UnregisterProgressCallbackIf(userID, token)
	log.Debug().Int64("user_id", userID).Msg("progress stream opened")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			log.Debug().Int64("user_id", userID).Msg("progress stream closed")
			return
		case <-r.Context().Done():
			return
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
