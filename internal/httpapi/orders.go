package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"premium-hedge-bot/internal/apperr"
	"premium-hedge-bot/internal/exec"
	"premium-hedge-bot/internal/idempotency"
	"premium-hedge-bot/internal/journal"
	"premium-hedge-bot/internal/safety"

	"go.uber.org/zap"
)

// handleOrder places one operator order. Live orders need an
// Idempotency-Key; a repeated key with the same request replays the
// stored response byte for byte.
func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	var body orderRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	req := body.toExec()
	if err := req.Validate(); err != nil {
		s.writeError(w, apperr.Wrap(apperr.CodeValidation, err.Error(), err))
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		if !req.DryRun {
			s.writeError(w, apperr.New(apperr.CodeIdempotencyKeyRequired, "Idempotency-Key header is required for live orders"))
			return
		}
		s.placeOrder(w, r, req, "", "")
		return
	}

	fp, err := idempotency.Fingerprint(fingerprintFields(req))
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.CodeInternal, "fingerprint failed", err))
		return
	}
	status, rec, err := s.idem.Acquire(r.Context(), key, fp)
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.CodeValidation, err.Error(), err))
		return
	}
	switch status {
	case idempotency.StatusReplay:
		s.metrics.IdempotencyReplays.Inc()
		s.log.Info("idempotent replay", zap.String("key", key))
		w.Header().Set(headerIdempotencyReplay, "true")
		s.writeRaw(w, rec.StatusCode, rec.Body)
		return
	case idempotency.StatusPending:
		s.writeError(w, apperr.New(apperr.CodeIdempotencyPending, "a request with this Idempotency-Key is still in progress"))
		return
	case idempotency.StatusConflict:
		s.metrics.IdempotencyConflicts.Inc()
		s.log.Warn("idempotency key reused with a different request", zap.String("key", key))
		s.writeError(w, apperr.New(apperr.CodeIdempotencyConflict, "Idempotency-Key was already used for a different request"))
		return
	}
	s.placeOrder(w, r, req, key, fp)
}

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request, req exec.OrderRequest, key, fp string) {
	res, err := s.orders.Submit(r.Context(), req)
	s.recordOrder(req, res, key, err)
	if err != nil {
		if key != "" {
			s.idem.Fail(r.Context(), key)
		}
		s.writeError(w, submitError(err))
		return
	}
	payload, err := json.Marshal(orderResponse{Order: res})
	if err != nil {
		if key != "" {
			s.idem.Fail(r.Context(), key)
		}
		s.writeError(w, apperr.Wrap(apperr.CodeInternal, "encode order response", err))
		return
	}
	if key != "" {
		if err := s.idem.Complete(r.Context(), key, http.StatusOK, payload, fp); err != nil {
			s.log.Error("idempotency complete failed", zap.String("key", key), zap.Error(err))
		}
	}
	s.writeRaw(w, http.StatusOK, payload)
}

func (s *Server) recordOrder(req exec.OrderRequest, res exec.OrderResult, key string, err error) {
	if s.journal == nil {
		return
	}
	entry := journal.Order{
		Time:           s.now(),
		EngineID:       s.engine.ID(),
		Source:         "api",
		Venue:          req.Venue,
		Symbol:         req.Symbol,
		Side:           string(req.Side),
		Amount:         req.Amount,
		OrderID:        res.OrderID,
		ClientOrderID:  res.ClientOrderID,
		IdempotencyKey: key,
		Status:         res.Status,
		DryRun:         req.DryRun,
	}
	if err != nil {
		entry.Error = err.Error()
		entry.Status = "rejected"
	}
	s.journal.RecordOrder(entry)
}

func submitError(err error) error {
	switch {
	case errors.Is(err, safety.ErrTripped):
		return apperr.Wrap(apperr.CodeSafetyTripped, "safety breaker is tripped; live orders are blocked", err)
	case errors.Is(err, exec.ErrInvalidOrder), errors.Is(err, exec.ErrUnknownVenue):
		return apperr.Wrap(apperr.CodeValidation, err.Error(), err)
	default:
		return apperr.Wrap(apperr.CodeVenue, "order submission failed", err)
	}
}

func fingerprintFields(req exec.OrderRequest) idempotency.Fields {
	return idempotency.Fields{
		Venue:        req.Venue,
		Symbol:       req.Symbol,
		Side:         string(req.Side),
		Type:         string(req.Type),
		Amount:       req.Amount,
		Price:        req.Price,
		ReduceOnly:   req.ReduceOnly,
		TimeInForce:  req.TimeInForce,
		PositionSide: string(req.PositionSide),
		DryRun:       req.DryRun,
	}
}
