package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"rentmarket/internal/domain"
	"rentmarket/internal/service/order"
	"rentmarket/internal/service/payment"
)

const callbackSecretHeader = "X-Callback-Token"

// Server — HTTP-интерфейс движка заказов поверх сервисов order и payment.
type Server struct {
	orders      *order.Service
	payments    *payment.Service
	idempotency domain.IdempotencyRepository
	auth        *Authenticator
	logger      *log.Entry
	// callbackSecret защищает эндпоинт платёжного callback: шлюз не проходит
	// пользовательскую аутентификацию и подтверждает себя общим секретом.
	callbackSecret string
}

// NewServer конструирует HTTP-сервер с зависимостями.
func NewServer(
	orders *order.Service,
	payments *payment.Service,
	idempotency domain.IdempotencyRepository,
	auth *Authenticator,
	callbackSecret string,
	logger *log.Entry,
) *Server {
	if logger == nil {
		logger = log.WithField("component", "http")
	}
	return &Server{
		orders:         orders,
		payments:       payments,
		idempotency:    idempotency,
		auth:           auth,
		logger:         logger,
		callbackSecret: callbackSecret,
	}
}

// Router настраивает маршруты и middleware.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestLogger(s.logger))

	r.Route("/api", func(r chi.Router) {
		// Callback шлюза не несёт пользовательского токена.
		r.Post("/payments/callback", s.handlePaymentCallback)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware)

			r.With(Idempotency(s.idempotency, s.logger)).Post("/orders", s.handleCreateOrder)
			r.Get("/orders", s.handleListOrders)
			r.Get("/orders/{orderID}", s.handleGetOrder)
			r.Get("/orders/{orderID}/history", s.handleOrderHistory)
			r.Get("/orders/{orderID}/payments", s.handleOrderPayments)
			r.Post("/orders/{orderID}/audit", s.handleAuditOrder)
			r.Post("/orders/{orderID}/cancel", s.handleCancelOrder)
			r.Post("/orders/{orderID}/start", s.handleStartUse)
			r.Post("/orders/{orderID}/return", s.handleReturnOrder)

			r.Get("/items/{itemID}/availability", s.handleItemAvailability)

			r.Post("/payments", s.handleLinkPayment)
			r.Post("/payments/{paymentID}/refund", s.handleRefundPayment)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

type createOrderItemRequest struct {
	ItemID   string `json:"itemId"`
	Quantity int32  `json:"quantity"`
}

type createOrderRequest struct {
	Items     []createOrderItemRequest `json:"items"`
	StartDate string                   `json:"startDate"`
	EndDate   string                   `json:"endDate"`
	Remark    string                   `json:"remark,omitempty"`
}

type orderItemResponse struct {
	ID          string `json:"id"`
	ItemID      string `json:"itemId"`
	Quantity    int32  `json:"quantity"`
	PricePerDay string `json:"pricePerDay"`
	TotalAmount string `json:"totalAmount"`
}

type orderResponse struct {
	ID               string              `json:"id"`
	OrderNo          string              `json:"orderNo"`
	UserID           string              `json:"userId"`
	Status           string              `json:"status"`
	StartDate        string              `json:"startDate"`
	EndDate          string              `json:"endDate"`
	TotalAmount      string              `json:"totalAmount"`
	DepositAmount    string              `json:"depositAmount"`
	ActualReturnDate string              `json:"actualReturnDate,omitempty"`
	Remark           string              `json:"remark,omitempty"`
	Items            []orderItemResponse `json:"items"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

func toOrderResponse(o domain.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, orderItemResponse{
			ID:          item.ID,
			ItemID:      item.ItemID,
			Quantity:    item.Quantity,
			PricePerDay: item.PricePerDay.StringFixed(2),
			TotalAmount: item.TotalAmount.StringFixed(2),
		})
	}

	resp := orderResponse{
		ID:            o.ID,
		OrderNo:       o.OrderNo,
		UserID:        o.UserID,
		Status:        string(o.Status),
		StartDate:     o.StartDate.Format(domain.DateLayout),
		EndDate:       o.EndDate.Format(domain.DateLayout),
		TotalAmount:   o.TotalAmount.StringFixed(2),
		DepositAmount: o.DepositAmount.StringFixed(2),
		Remark:        o.Remark,
		Items:         items,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
	if o.ActualReturnDate != nil {
		resp.ActualReturnDate = o.ActualReturnDate.UTC().Format(time.RFC3339)
	}
	return resp
}

type paymentResponse struct {
	ID             string    `json:"id"`
	PaymentNo      string    `json:"paymentNo"`
	OrderID        string    `json:"orderId"`
	Amount         string    `json:"amount"`
	Method         string    `json:"method"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	ExternalTxnID  string    `json:"externalTxnId,omitempty"`
	RefundedAmount string    `json:"refundedAmount"`
	RefundOfID     string    `json:"refundOfId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

func toPaymentResponse(p domain.Payment) paymentResponse {
	return paymentResponse{
		ID:             p.ID,
		PaymentNo:      p.PaymentNo,
		OrderID:        p.OrderID,
		Amount:         p.Amount.StringFixed(2),
		Method:         string(p.Method),
		Type:           string(p.Type),
		Status:         string(p.Status),
		ExternalTxnID:  p.ExternalTxnID,
		RefundedAmount: p.RefundedAmount.StringFixed(2),
		RefundOfID:     p.RefundOfID,
		CreatedAt:      p.CreatedAt,
	}
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	auth, ok := AuthFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	startDate, err := time.ParseInLocation(domain.DateLayout, req.StartDate, time.UTC)
	if err != nil {
		writeError(w, http.StatusBadRequest, "startDate must be in YYYY-MM-DD format")
		return
	}
	endDate, err := time.ParseInLocation(domain.DateLayout, req.EndDate, time.UTC)
	if err != nil {
		writeError(w, http.StatusBadRequest, "endDate must be in YYYY-MM-DD format")
		return
	}

	items := make([]order.CreateItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, order.CreateItem{ItemID: item.ItemID, Quantity: item.Quantity})
	}

	created, err := s.orders.Create(r.Context(), auth, order.CreateRequest{
		Items:     items,
		StartDate: startDate,
		EndDate:   endDate,
		Remark:    req.Remark,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toOrderResponse(created))
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	auth, ok := AuthFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = auth.UserID
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	orders, err := s.orders.ListByUser(r.Context(), auth, userID, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	auth, ok := AuthFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	o, err := s.orders.Get(r.Context(), auth, chi.URLParam(r, "orderID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

type historyEventResponse struct {
	Type      string    `json:"type"`
	OldStatus string    `json:"oldStatus,omitempty"`
	NewStatus string    `json:"newStatus,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Occurred  time.Time `json:"occurred"`
}

func (s *Server) handleOrderHistory(w http.ResponseWriter, r *http.Request) {
	auth, ok := AuthFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	events, err := s.orders.History(r.Context(), auth, chi.URLParam(r, "orderID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	resp := make([]historyEventResponse, 0, len(events))
	for _, event := range events {
		resp = append(resp, historyEventResponse{
			Type:      event.Type,
			OldStatus: string(event.OldStatus),
			NewStatus: string(event.NewStatus),
			Actor:     event.Actor,
			Reason:    event.Reason,
			Occurred:  event.Occurred,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOrderPayments(w http.ResponseWriter, r *http.Request) {
	auth, ok := AuthFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	payments, err := s.payments.ListByOrder(r.Context(), auth, chi.URLParam(r, "orderID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	resp := make([]paymentResponse, 0, len(payments))
	for _, p := range payments {
		resp = append(resp, toPaymentResponse(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

type auditRequest struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment,omitempty"`
}

func (s *Server) handleAuditOrder(w http.ResponseWriter, r *http.Request) {
	auth, ok := AuthFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req auditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	o, err := s.orders.Audit(r.Context(), auth, chi.URLParam(r, "orderID"), req.Approved, req.Comment)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	auth, ok := AuthFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	o, err := s.orders.Cancel(r.Context(), auth, chi.URLParam(r, "orderID"), req.Reason)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

func (s *Server) handleStartUse(w http.ResponseWriter, r *http.Request) {
	auth, ok := AuthFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	o, err := s.orders.StartUse(r.Context(), auth, chi.URLParam(r, "orderID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

type returnRequest struct {
	HasDamage         bool   `json:"hasDamage"`
	DamageDescription string `json:"damageDescription,omitempty"`
}

func (s *Server) handleReturnOrder(w http.ResponseWriter, r *http.Request) {
	auth, ok := AuthFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req returnRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	o, err := s.orders.Return(r.Context(), auth, chi.URLParam(r, "orderID"), req.HasDamage, req.DamageDescription)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

type availabilityResponse struct {
	ItemID    string `json:"itemId"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	Available bool   `json:"available"`
}

func (s *Server) handleItemAvailability(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")

	start, err := time.ParseInLocation(domain.DateLayout, r.URL.Query().Get("start"), time.UTC)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start must be in YYYY-MM-DD format")
		return
	}
	end, err := time.ParseInLocation(domain.DateLayout, r.URL.Query().Get("end"), time.UTC)
	if err != nil {
		writeError(w, http.StatusBadRequest, "end must be in YYYY-MM-DD format")
		return
	}

	available, err := s.orders.IsItemAvailable(r.Context(), itemID, start, end)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, availabilityResponse{
		ItemID:    itemID,
		StartDate: start.Format(domain.DateLayout),
		EndDate:   end.Format(domain.DateLayout),
		Available: available,
	})
}

type linkPaymentRequest struct {
	OrderID string          `json:"orderId"`
	Amount  decimal.Decimal `json:"amount"`
	Method  string          `json:"method"`
	Type    string          `json:"type"`
}

func (s *Server) handleLinkPayment(w http.ResponseWriter, r *http.Request) {
	auth, ok := AuthFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req linkPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := s.payments.Link(r.Context(), auth, req.OrderID, req.Amount,
		domain.PaymentMethod(req.Method), domain.PaymentType(req.Type))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentResponse(p))
}

type callbackRequest struct {
	PaymentNo     string `json:"paymentNo"`
	ExternalTxnID string `json:"externalTxnId"`
	Success       bool   `json:"success"`
}

func (s *Server) handlePaymentCallback(w http.ResponseWriter, r *http.Request) {
	provided := r.Header.Get(callbackSecretHeader)
	if s.callbackSecret == "" ||
		subtle.ConstantTimeCompare([]byte(provided), []byte(s.callbackSecret)) != 1 {
		writeError(w, http.StatusForbidden, "invalid callback token")
		return
	}

	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PaymentNo == "" || req.ExternalTxnID == "" {
		writeError(w, http.StatusBadRequest, "paymentNo and externalTxnId are required")
		return
	}

	p, err := s.payments.ConfirmCallback(r.Context(), req.PaymentNo, req.ExternalTxnID, req.Success)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

type refundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason,omitempty"`
}

func (s *Server) handleRefundPayment(w http.ResponseWriter, r *http.Request) {
	auth, ok := AuthFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := s.payments.Refund(r.Context(), auth, chi.URLParam(r, "paymentID"), req.Amount, req.Reason)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

// writeServiceError транслирует доменные ошибки в HTTP-статусы.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var (
		invalidRange *domain.InvalidRangeError
		unavailable  *domain.ItemUnavailableError
		conflict     *domain.ConflictError
		illegal      *domain.IllegalStateError
		exceeds      *domain.RefundExceedsPaidError
	)

	switch {
	case errors.As(err, &invalidRange),
		errors.Is(err, domain.ErrUserRequired),
		errors.Is(err, domain.ErrItemsRequired),
		errors.Is(err, domain.ErrItemQtyInvalid),
		errors.Is(err, domain.ErrPaymentAmountInvalid),
		errors.Is(err, domain.ErrPaymentMethodInvalid),
		errors.Is(err, domain.ErrPaymentTypeInvalid),
		errors.Is(err, domain.ErrOrderIDRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrPaymentNotFound),
		errors.Is(err, domain.ErrItemNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &unavailable),
		errors.As(err, &conflict),
		errors.As(err, &illegal),
		errors.Is(err, domain.ErrPaymentNotPending),
		errors.Is(err, domain.ErrExternalTxnConflict),
		errors.Is(err, domain.ErrOrderVersionConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &exceeds):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
