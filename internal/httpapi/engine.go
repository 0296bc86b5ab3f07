package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	cfg, err := req.config()
	if err != nil {
		s.writeError(w, err)
		return
	}
	st, err := s.engine.Start(r.Context(), cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Stop(r.Context(), req.Reason))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleSafety(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Status().Safety)
}

func (s *Server) handleSafetyReset(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	snap := s.engine.ResetSafety(req.Reason)
	s.log.Info("safety reset via api", zap.String("reason", snap.LastResetReason))
	s.writeJSON(w, http.StatusOK, snap)
}

// handleStream pushes the engine status over a websocket every stream
// interval until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	// The stream outlives the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("status stream accept failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close(websocket.StatusInternalError, "stream closed") }()

	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()
	for {
		if err := s.pushStatus(ctx, conn); err != nil {
			if !isClosed(err) {
				s.log.Debug("status stream write failed", zap.Error(err))
			}
			return
		}
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) pushStatus(ctx context.Context, conn *websocket.Conn) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.streamInterval)
	defer cancel()
	return wsjson.Write(writeCtx, conn, s.engine.Status())
}

func isClosed(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway
}
