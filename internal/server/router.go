package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/config"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/deadletter"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/idle"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/ledger"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/log"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/message"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/queue"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/stage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps carries everything the ops surface reads or pokes. The worker's hot
// path never goes through HTTP; this router exists for health probes,
// scraping and manual dead-letter triage.
type Deps struct {
	Cfg    *config.Config
	Logger *log.Logger
	Queue  queue.Queue
	Ledger ledger.Ledger
	DLQ    deadletter.Store
	Idle   *idle.Coordinator

	// Pings are per-backend health checks, keyed by a label for logs.
	Pings map[string]func(context.Context) error
}

func SetupRouter(r *chi.Mux, d Deps) {
	logger := d.Logger
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		for name, ping := range d.Pings {
			if err := ping(req.Context()); err != nil {
				logger.Error("Backend health check failed", zap.Error(err), zap.String("backend", name))
				http.Error(w, name+" unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("OK"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(d.Cfg.JWTSecret, logger))

		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			depth, err := d.Queue.Depth(req.Context())
			if err != nil {
				logger.Error("Failed to read queue depth", zap.Error(err))
				depth = -1
			}
			resp := struct {
				Stage  string     `json:"stage"`
				Worker string     `json:"worker_id"`
				Depth  int64      `json:"queue_depth"`
				Idle   idle.State `json:"idle"`
			}{
				Stage:  d.Cfg.Stage,
				Worker: d.Cfg.WorkerID,
				Depth:  depth,
				Idle:   d.Idle.Snapshot(),
			}
			if err := json.NewEncoder(w).Encode(resp); err != nil {
				logger.Error("Failed to encode status response", zap.Error(err))
				http.Error(w, "Failed to encode response", http.StatusInternalServerError)
			}
		})

		r.Get("/ledger/{correlationID}", func(w http.ResponseWriter, req *http.Request) {
			cid := chi.URLParam(req, "correlationID")
			rec, err := d.Ledger.Get(req.Context(), cid)
			if err != nil {
				logger.Error("Failed to get ledger record", zap.Error(err), zap.String("correlation_id", cid))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if rec == nil {
				http.Error(w, "Not found", http.StatusNotFound)
				return
			}
			if err := json.NewEncoder(w).Encode(rec); err != nil {
				logger.Error("Failed to encode ledger response", zap.Error(err))
				http.Error(w, "Failed to encode response", http.StatusInternalServerError)
			}
		})

		r.Get("/dlq", func(w http.ResponseWriter, req *http.Request) {
			limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
			if limit <= 0 {
				limit = 10
			}
			queueName := req.URL.Query().Get("queue")
			if queueName == "" {
				if st, err := stage.Lookup(d.Cfg.Stage); err == nil {
					queueName = st.Queue
				}
			}
			entries, err := d.DLQ.List(req.Context(), queueName, limit)
			if err != nil {
				logger.Error("Failed to list dead letters", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if entries == nil {
				entries = []deadletter.Entry{}
			}
			if err := json.NewEncoder(w).Encode(entries); err != nil {
				logger.Error("Failed to encode dead-letter response", zap.Error(err))
				http.Error(w, "Failed to encode response", http.StatusInternalServerError)
			}
		})

		// Requeue puts a dead-lettered payload back on its source queue as a
		// fresh message. The correlation ID is preserved, so a completed
		// ledger record from a prior success still short-circuits it.
		r.Post("/dlq/requeue", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				ID int64 `json:"id"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				logger.Error("Failed to decode requeue request", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			entry, err := d.DLQ.Get(req.Context(), body.ID)
			if err != nil {
				logger.Error("Failed to get dead letter", zap.Error(err), zap.Int64("id", body.ID))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if entry == nil {
				http.Error(w, "Not found", http.StatusNotFound)
				return
			}
			items := []message.WorkItem{{
				Queue:         entry.Queue,
				Class:         entry.Class,
				CorrelationID: entry.CorrelationID,
				Payload:       entry.Payload,
			}}
			ids, err := d.Queue.Enqueue(req.Context(), items)
			if err != nil {
				logger.Error("Failed to requeue dead letter", zap.Error(err), zap.Int64("id", body.ID))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if err := d.DLQ.Remove(req.Context(), body.ID); err != nil {
				logger.Error("Failed to remove requeued dead letter", zap.Error(err), zap.Int64("id", body.ID))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			logger.Info("Requeued dead letter",
				zap.Int64("dlq_id", body.ID), zap.Int64s("message_ids", ids))
			if err := json.NewEncoder(w).Encode(ids); err != nil {
				logger.Error("Failed to encode requeue response", zap.Error(err))
				http.Error(w, "Failed to encode response", http.StatusInternalServerError)
			}
		})
	})
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Error("Missing authorization token")
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
				tokenStr = tokenStr[7:]
			}
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Error("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
