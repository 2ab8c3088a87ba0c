package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/order-orchestrator/internal/order/application"
	"github.com/dmehra2102/order-orchestrator/internal/order/domain"
	payment "github.com/dmehra2102/order-orchestrator/internal/payment/domain"
)

// Identity headers set by the gateway after authentication.
const (
	HeaderSubID     = "X-User-SubId"
	HeaderUsername  = "X-User-UserName"
	HeaderFirstName = "X-User-FirstName"
	HeaderLastName  = "X-User-LastName"
	HeaderEmail     = "X-User-Email"
	HeaderRole      = "X-User-Role"
)

const refundConfirmation = "Order successfully cancelled"

type Orchestrator interface {
	CreateOrder(ctx context.Context, user domain.User, items []domain.LineItem, addr domain.Address) (domain.Order, error)
	PayOrder(ctx context.Context, id uuid.UUID, card string) (payment.Settlement, error)
	RefundOrder(ctx context.Context, id uuid.UUID, card string) error
}

type Handler struct {
	log          *slog.Logger
	service      *application.Service
	orchestrator Orchestrator
	tracer       trace.Tracer
}

func NewHandler(log *slog.Logger, service *application.Service, orchestrator Orchestrator) *Handler {
	return &Handler{
		log:          log,
		service:      service,
		orchestrator: orchestrator,
		tracer:       otel.Tracer("order-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Route("/order/api/v1", func(r chi.Router) {
		r.Post("/create", h.createOrder)
		r.Post("/pay", h.payOrder)
		r.Post("/refunded", h.refundOrder)
		r.Get("/{orderUuid}", h.getOrder)
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.CreateOrder")
	defer span.End()
	r = r.WithContext(ctx)

	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, domain.NewInvalidRequest("invalid body"))
		return
	}
	if req.Address == nil {
		h.writeError(w, r, domain.NewInvalidRequest("delivery address is required"))
		return
	}
	items := make([]domain.LineItem, 0, len(req.OrderRequests))
	for _, it := range req.OrderRequests {
		items = append(items, domain.LineItem{ArticleID: it.ArticleID, Quantity: it.Quantity})
	}
	if err := domain.ValidateLineItems(items); err != nil {
		h.writeError(w, r, err)
		return
	}

	user, err := h.service.ResolveUser(ctx, identityFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	o, err := h.orchestrator.CreateOrder(ctx, user, items, *req.Address)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResp(o))
}

func (h *Handler) payOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.PayOrder")
	defer span.End()
	r = r.WithContext(ctx)

	id, card, ok := h.decodePayment(w, r)
	if !ok {
		return
	}
	st, err := h.orchestrator.PayOrder(ctx, id, card)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := paymentResp{Status: string(st.Status)}
	if st.PaymentID != uuid.Nil {
		resp.PaymentID = &st.PaymentID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) refundOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.RefundOrder")
	defer span.End()
	r = r.WithContext(ctx)

	id, card, ok := h.decodePayment(w, r)
	if !ok {
		return
	}
	if err := h.orchestrator.RefundOrder(ctx, id, card); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(refundConfirmation))
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "orderUuid"))
	if err != nil {
		h.writeError(w, r, domain.NewInvalidRequest("orderUuid must be a valid uuid"))
		return
	}
	o, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *Handler) decodePayment(w http.ResponseWriter, r *http.Request) (uuid.UUID, string, bool) {
	var req paymentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, domain.NewInvalidRequest("invalid body"))
		return uuid.Nil, "", false
	}
	id, err := req.validate()
	if err != nil {
		h.writeError(w, r, err)
		return uuid.Nil, "", false
	}
	return id, req.CardNumber, true
}

func identityFrom(r *http.Request) domain.User {
	return domain.User{
		SubID:     r.Header.Get(HeaderSubID),
		Username:  r.Header.Get(HeaderUsername),
		FirstName: unescape(r.Header.Get(HeaderFirstName)),
		LastName:  unescape(r.Header.Get(HeaderLastName)),
		Email:     r.Header.Get(HeaderEmail),
		Role:      domain.Role(r.Header.Get(HeaderRole)),
	}
}

func unescape(s string) string {
	if v, err := url.QueryUnescape(s); err == nil {
		return v
	}
	return s
}
