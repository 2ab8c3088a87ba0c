package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dmehra2102/order-orchestrator/internal/order/domain"
	"github.com/dmehra2102/order-orchestrator/pkg/resilience"
)

const (
	unavailableMessage = "Service temporarily unavailable, please try again later"
	internalMessage    = "internal error"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error to its HTTP status and user-visible message.
// Transport failures never leak their cause.
func statusFor(err error) (int, string) {
	if errors.Is(err, resilience.ErrServiceUnavailable) {
		return http.StatusInternalServerError, unavailableMessage
	}
	switch domain.KindOf(err) {
	case domain.KindOrderNotFound, domain.KindUserNotFound, domain.KindCardNumberNotFound:
		return http.StatusNotFound, err.Error()
	case domain.KindFailedOrderStatus, domain.KindInvalidRequest, domain.KindStockUnavailable:
		return http.StatusBadRequest, err.Error()
	case domain.KindFailedPayOrder:
		return http.StatusPaymentRequired, err.Error()
	case domain.KindOrderBusy, domain.KindConcurrentUpdate:
		return http.StatusConflict, err.Error()
	}
	return http.StatusInternalServerError, internalMessage
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "status", status, "err", err)
	} else {
		h.log.InfoContext(r.Context(), "request rejected", "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, errorResp{MessageError: msg})
}
