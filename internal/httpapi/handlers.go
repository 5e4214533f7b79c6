package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"orderflow/internal/orders"
)

func decodeJSON(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	switch {
	case err == nil:
		return nil
	case optional && errors.Is(err, io.EOF):
		return nil
	default:
		return badRequest("Invalid JSON body: " + err.Error())
	}
}

func idempotencyKey(r *http.Request) string {
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		return key
	}
	return r.Header.Get("X-Idempotency-Key")
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := callerFrom(ctx)
	key := idempotencyKey(r)

	existing, found, err := s.guard.Lookup(ctx, key)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if found {
		if !caller.IsAdmin() && existing.UserID != caller.UserID {
			s.fail(w, r, orders.ErrIdempotencyConflict)
			return
		}
		writeJSON(w, http.StatusOK, envelope{
			Success:       true,
			Message:       "Order already exists (idempotent response)",
			IsIdempotent:  true,
			Data:          map[string]any{"order": viewOrder(existing, nil)},
			CorrelationID: CorrelationID(ctx),
		})
		return
	}

	var req orders.CreateRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.UserID == 0 {
		req.UserID = caller.UserID
	}
	if !caller.IsAdmin() && req.UserID != caller.UserID {
		s.fail(w, r, errOtherUser)
		return
	}
	req.IdempotencyKey = key

	res, err := s.initiator.Initiate(ctx, req, CorrelationID(ctx))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.guard.Remember(ctx, key, res.Order.ID)

	status, message := http.StatusCreated, "Order created successfully"
	if res.Existing {
		status, message = http.StatusOK, "Order already exists"
	}
	sagaID := ""
	if res.Saga != nil {
		sagaID = res.Saga.ID
	}
	writeJSON(w, status, envelope{
		Success:      true,
		Message:      message,
		IsIdempotent: res.Existing,
		Data: map[string]any{
			"order":    viewOrder(res.Order, nil),
			"sagaId":   sagaID,
			"nextStep": res.NextStep,
		},
		CorrelationID: CorrelationID(ctx),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	order, state, err := s.orders.Get(r.Context(), chi.URLParam(r, "orderId"), caller)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, "", map[string]any{"order": viewOrder(order, state)})
}

func (s *Server) handleListByUser(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	verr := &orders.ValidationError{}
	userID, err := strconv.ParseInt(chi.URLParam(r, "userId"), 10, 64)
	if err != nil || userID < 1 {
		verr.Add("userId", "must be a positive integer")
	}
	q := orders.ListQuery{UserID: userID, Status: orders.Status(r.URL.Query().Get("status"))}
	for name, dst := range map[string]*int{"page": &q.Page, "limit": &q.Limit} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			verr.Add(name, "must be an integer")
			continue
		}
		*dst = n
	}
	if err := verr.OrNil(); err != nil {
		s.fail(w, r, err)
		return
	}

	page, err := s.orders.ListByUser(r.Context(), caller, q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]orderView, 0, len(page.Orders))
	for _, o := range page.Orders {
		views = append(views, viewOrder(o, nil))
	}
	s.ok(w, r, http.StatusOK, "", map[string]any{
		"orders": views,
		"pagination": pagination{
			Total:      page.Total,
			Page:       page.Page,
			Limit:      page.Limit,
			TotalPages: page.TotalPages,
		},
	})
}

type statusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var body statusRequest
	if err := decodeJSON(r, &body, false); err != nil {
		s.fail(w, r, err)
		return
	}
	order, err := s.orders.AdminTransition(r.Context(), chi.URLParam(r, "orderId"), orders.Status(body.Status), body.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, "Order status updated to "+string(order.Status), map[string]any{
		"order": statusView{ID: order.ID, Status: order.Status, StatusHistory: order.StatusHistory},
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body cancelRequest
	if err := decodeJSON(r, &body, true); err != nil {
		s.fail(w, r, err)
		return
	}
	caller, _ := callerFrom(r.Context())
	order, err := s.orders.Cancel(r.Context(), chi.URLParam(r, "orderId"), caller, body.Reason, CorrelationID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, r, http.StatusOK, "Order cancelled successfully", map[string]any{
		"order": statusView{ID: order.ID, Status: order.Status},
	})
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	order, decision, err := s.orders.Pay(r.Context(), chi.URLParam(r, "orderId"), caller, CorrelationID(r.Context()))
	if err != nil {
		var data any
		if errors.Is(err, orders.ErrPaymentDeclined) && order != nil {
			data = map[string]any{"order": statusView{ID: order.ID, Status: order.Status}, "reason": decision.Reason}
		}
		s.failWith(w, r, err, data)
		return
	}
	s.ok(w, r, http.StatusOK, "Payment processed successfully", map[string]any{
		"order":         viewOrder(order, nil),
		"transactionId": decision.TransactionID,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		s.fail(w, r, &apiError{status: http.StatusNotFound, code: CodeNotFound, message: "Status stream not enabled"})
		return
	}
	caller, _ := callerFrom(r.Context())
	orderID := chi.URLParam(r, "orderId")
	if _, _, err := s.orders.Get(r.Context(), orderID, caller); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.stream.Serve(w, r, orderID); err != nil {
		s.logger.Warn("status stream ended", zap.String("order_id", orderID), zap.Error(err))
	}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp time.Time         `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "healthy", Checks: make(map[string]string, len(s.health)), Timestamp: time.Now().UTC()}
	status := http.StatusOK
	for name, check := range s.health {
		if err := check(ctx); err != nil {
			resp.Checks[name] = "down"
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			s.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		resp.Checks[name] = "up"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
