package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/avinashpj22/shoppersApp/internal/domain"
	"github.com/avinashpj22/shoppersApp/internal/service/order"
)

// Handler — HTTP-фасад командной стороны сервиса заказов.
type Handler struct {
	orders   *order.Service
	validate *validator.Validate
	logger   *log.Entry
}

// NewHandler создаёт HTTP-обработчик.
func NewHandler(orders *order.Service) *Handler {
	return &Handler{
		orders:   orders,
		validate: validator.New(),
		logger:   log.WithField("component", "http-handler"),
	}
}

// Router собирает маршруты сервиса.
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /orders", h.createOrder)
	mux.HandleFunc("GET /orders/{id}", h.getOrder)
	mux.HandleFunc("GET /orders/{id}/timeline", h.getTimeline)
	mux.HandleFunc("GET /customers/{id}/orders", h.listCustomerOrders)
	mux.HandleFunc("POST /orders/{id}/confirm", h.confirmOrder)
	mux.HandleFunc("POST /orders/{id}/ship", h.shipOrder)
	mux.HandleFunc("POST /orders/{id}/cancel", h.cancelOrder)
	mux.HandleFunc("POST /orders/{id}/complete", h.completeOrder)
	return mux
}

type createOrderItemRequest struct {
	ProductID  string `json:"product_id" validate:"required"`
	Qty        int32  `json:"qty" validate:"gt=0"`
	PriceMinor int64  `json:"price_minor" validate:"gte=0"`
}

type createOrderRequest struct {
	CustomerID string                   `json:"customer_id" validate:"required"`
	Currency   string                   `json:"currency" validate:"required,len=3"`
	Items      []createOrderItemRequest `json:"items" validate:"required,min=1,dive"`
}

type shipOrderRequest struct {
	TrackingNumber string `json:"tracking_number" validate:"required"`
}

type orderItemResponse struct {
	ProductID  string `json:"product_id"`
	Qty        int32  `json:"qty"`
	PriceMinor int64  `json:"price_minor"`
}

type orderResponse struct {
	ID             string              `json:"id"`
	CustomerID     string              `json:"customer_id"`
	Status         string              `json:"status"`
	Currency       string              `json:"currency"`
	AmountMinor    int64               `json:"amount_minor"`
	Items          []orderItemResponse `json:"items"`
	TrackingNumber string              `json:"tracking_number,omitempty"`
	Version        int64               `json:"version"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
}

type timelineEventResponse struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items := make([]domain.OrderLineItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.OrderLineItem{
			ProductID:  item.ProductID,
			Qty:        item.Qty,
			PriceMinor: item.PriceMinor,
		})
	}

	created, err := h.orders.Create(req.CustomerID, req.Currency, items)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toOrderResponse(created))
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	found, err := h.orders.Get(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toOrderResponse(found))
}

func (h *Handler) getTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := h.orders.Timeline(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	out := make([]timelineEventResponse, 0, len(events))
	for _, event := range events {
		out = append(out, timelineEventResponse{
			Type:     event.Type,
			Reason:   event.Reason,
			Occurred: event.Occurred,
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) listCustomerOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListByCustomer(r.PathValue("id"), 100)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderResponse(o))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) confirmOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, func() (domain.Order, error) {
		return h.orders.Confirm(r.PathValue("id"))
	})
}

func (h *Handler) shipOrder(w http.ResponseWriter, r *http.Request) {
	var req shipOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.transition(w, func() (domain.Order, error) {
		return h.orders.Ship(r.PathValue("id"), req.TrackingNumber)
	})
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, func() (domain.Order, error) {
		return h.orders.Cancel(r.PathValue("id"))
	})
}

func (h *Handler) completeOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, func() (domain.Order, error) {
		return h.orders.Complete(r.PathValue("id"))
	})
}

func (h *Handler) transition(w http.ResponseWriter, op func() (domain.Order, error)) {
	updated, err := op()
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toOrderResponse(updated))
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		h.writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, domain.ErrIllegalTransition):
		h.writeError(w, http.StatusConflict, err.Error())
	case domain.IsVersionConflict(err):
		h.writeError(w, http.StatusConflict, "concurrent update, retry")
	case domain.IsInvalidArgument(err):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.WithError(err).Error("request failed")
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.WithError(err).Warn("write response failed")
	}
}

func toOrderResponse(o domain.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, orderItemResponse{
			ProductID:  item.ProductID,
			Qty:        item.Qty,
			PriceMinor: item.PriceMinor,
		})
	}
	return orderResponse{
		ID:             o.ID,
		CustomerID:     o.CustomerID,
		Status:         string(o.Status),
		Currency:       o.Currency,
		AmountMinor:    o.AmountMinor,
		Items:          items,
		TrackingNumber: o.TrackingNumber,
		Version:        o.Version,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
		CompletedAt:    o.CompletedAt,
	}
}
