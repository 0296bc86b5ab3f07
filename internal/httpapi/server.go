// Package httpapi exposes the operator HTTP surface: engine lifecycle,
// idempotent order placement, the safety breaker and a status stream.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"premium-hedge-bot/internal/apperr"
	"premium-hedge-bot/internal/engine"
	"premium-hedge-bot/internal/exec"
	"premium-hedge-bot/internal/idempotency"
	"premium-hedge-bot/internal/metrics"
	"premium-hedge-bot/internal/safety"

	"go.uber.org/zap"
)

const (
	headerIdempotencyKey    = "Idempotency-Key"
	headerIdempotencyReplay = "Idempotency-Replay"
	maxBodyBytes            = 1 << 20
)

// Engine is the lifecycle surface of *engine.Engine.
type Engine interface {
	ID() string
	Start(ctx context.Context, cfg engine.Config) (engine.Status, error)
	Stop(ctx context.Context, reason string) engine.Status
	Status() engine.Status
	ResetSafety(reason string) safety.Snapshot
}

// Orders places operator orders. *exec.Gateway satisfies it.
type Orders interface {
	Submit(ctx context.Context, req exec.OrderRequest) (exec.OrderResult, error)
}

type Options struct {
	Engine         Engine
	Orders         Orders
	Idempotency    *idempotency.Store
	Journal        engine.Journal
	Metrics        *metrics.Metrics
	Log            *zap.Logger
	StreamInterval time.Duration
	Now            func() time.Time
}

type Server struct {
	engine         Engine
	orders         Orders
	idem           *idempotency.Store
	journal        engine.Journal
	metrics        *metrics.Metrics
	log            *zap.Logger
	streamInterval time.Duration
	now            func() time.Time
}

func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	interval := opts.StreamInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	idem := opts.Idempotency
	if idem == nil {
		idem = idempotency.New(idempotency.Options{Log: log})
	}
	return &Server{
		engine:         opts.Engine,
		orders:         opts.Orders,
		idem:           idem,
		journal:        opts.Journal,
		metrics:        metrics.OrNoop(opts.Metrics),
		log:            log,
		streamInterval: interval,
		now:            now,
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /engine/start", s.handleStart)
	mux.HandleFunc("POST /engine/stop", s.handleStop)
	mux.HandleFunc("GET /engine/status", s.handleStatus)
	mux.HandleFunc("GET /engine/stream", s.handleStream)
	mux.HandleFunc("POST /orders", s.handleOrder)
	mux.HandleFunc("GET /safety", s.handleSafety)
	mux.HandleFunc("POST /safety/reset", s.handleSafetyReset)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.recoverMiddleware(mux)
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("http handler panic",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
				)
				s.writeError(w, apperr.New(apperr.CodeInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.engine.Status()
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		EngineID: st.Engine.ID,
		Leader:   st.Leader,
		Running:  st.Engine.Running,
		SafeMode: st.Safety.SafeMode,
		Time:     s.now(),
	})
}

// decodeJSON strictly decodes an object body. Keys are matched without
// underscores and case, so entry_pct and entryPct name the same field.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raw); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "invalid JSON body", err)
	}
	fields := make(map[string]json.RawMessage, len(raw))
	for key, val := range raw {
		name := strings.ToLower(strings.ReplaceAll(key, "_", ""))
		if _, dup := fields[name]; dup {
			return apperr.Newf(apperr.CodeValidation, "duplicate field %q", key)
		}
		fields[name] = val
	}
	normalized, err := json.Marshal(fields)
	if err != nil {
		return apperr.Wrap(apperr.CodeValidation, "invalid JSON body", err)
	}
	dec := json.NewDecoder(bytes.NewReader(normalized))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "invalid JSON body", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.Error("encode response failed", zap.Error(err))
		status = http.StatusInternalServerError
		payload, _ = json.Marshal(apperr.New(apperr.CodeInternal, "internal error").Body())
	}
	s.writeRaw(w, status, payload)
}

func (s *Server) writeRaw(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		s.log.Debug("write response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	appErr := apperr.From(err)
	if appErr.Status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("code", string(appErr.Code)), zap.Error(err))
	}
	s.writeJSON(w, appErr.Status, appErr.Body())
}
