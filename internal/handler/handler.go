// Package handler содержит HTTP-обработчики API POS-сервиса прачечной.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smartlaundry/pos-system/internal/ledger"
	"github.com/smartlaundry/pos-system/internal/middleware"
	"github.com/smartlaundry/pos-system/internal/model"
	"github.com/smartlaundry/pos-system/internal/repository"
	"github.com/smartlaundry/pos-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterOwner(ctx context.Context, storeName, login, password string) (*model.User, error)
	AuthenticateUser(ctx context.Context, login, password string) (*model.User, error)
	CreateOrder(ctx context.Context, storeID uuid.UUID, req service.CreateOrderRequest) (model.Order, []model.OrderItem, error)
	TransitionOrder(ctx context.Context, storeID, orderID uuid.UUID, to model.ExecutionStatus) (model.Order, error)
	ApplyPayment(ctx context.Context, storeID, orderID uuid.UUID, ev ledger.PaymentEvent) (model.Order, error)
	GetOrder(ctx context.Context, storeID, orderID uuid.UUID) (*model.Order, []model.OrderItem, error)
	GetOrdersToday(ctx context.Context, storeID uuid.UUID, status model.ExecutionStatus) ([]model.Order, error)
	GetOrdersReady(ctx context.Context, storeID uuid.UUID) ([]model.Order, error)
	GetUnpaidOrders(ctx context.Context, storeID uuid.UUID, age time.Duration) ([]model.Order, error)
	SearchCustomers(ctx context.Context, storeID uuid.UUID, query string) ([]model.Customer, error)
	GetCustomerOrders(ctx context.Context, storeID, customerID uuid.UUID) ([]model.Order, error)
	GetPointsBalance(ctx context.Context, storeID, customerID uuid.UUID) (*model.PointsBalance, error)
	GetPointTransactions(ctx context.Context, storeID, customerID uuid.UUID) ([]model.PointTransaction, error)
	ListServices(ctx context.Context, storeID uuid.UUID) ([]model.LaundryService, error)
}

// Возраст заказа, после которого он считается давно неоплаченным.
const unpaidAge = 24 * time.Hour

// Handler реализует HTTP-обработчики API POS-сервиса.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type registerRequest struct {
	StoreName string `json:"store_name"`
	Login     string `json:"login"`
	Password  string `json:"password"`
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register создаёт новую точку с первым сотрудником и выдаёт токен.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.StoreName == "" || req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.RegisterOwner(r.Context(), req.StoreName, req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register owner error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.issueToken(w, user)
}

// Login выполняет аутентификацию сотрудника и выдаёт токен.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.issueToken(w, user)
}

func (h *Handler) issueToken(w http.ResponseWriter, user *model.User) {
	token, err := h.authMiddleware.GenerateToken(user.ID, user.StoreID)
	if err != nil {
		h.logger.Error("generate token error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, token)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type orderItemRequest struct {
	ServiceName string            `json:"service_name"`
	ServiceType model.ServiceType `json:"service_type"`
	Price       int64             `json:"price"`
	Quantity    int               `json:"quantity"`
	WeightKg    float64           `json:"weight_kg"`
}

type createOrderRequest struct {
	CustomerName  string             `json:"customer_name"`
	CustomerPhone string             `json:"customer_phone"`
	Notes         string             `json:"notes,omitempty"`
	Items         []orderItemRequest `json:"items"`
}

type orderItemResponse struct {
	ServiceName string  `json:"service_name"`
	ServiceType string  `json:"service_type"`
	Price       int64   `json:"price"`
	Quantity    int     `json:"quantity,omitempty"`
	WeightKg    float64 `json:"weight_kg,omitempty"`
	LineTotal   int64   `json:"line_total"`
}

type orderResponse struct {
	ID              string              `json:"id"`
	Number          string              `json:"number"`
	CustomerID      string              `json:"customer_id"`
	Subtotal        int64               `json:"subtotal"`
	TaxAmount       int64               `json:"tax_amount"`
	DiscountAmount  int64               `json:"discount_amount"`
	TotalAmount     int64               `json:"total_amount"`
	PaidAmount      int64               `json:"paid_amount"`
	PaymentMethod   string              `json:"payment_method,omitempty"`
	ExecutionStatus string              `json:"execution_status"`
	PaymentStatus   string              `json:"payment_status"`
	PointsEarned    int                 `json:"points_earned"`
	PointsRedeemed  int                 `json:"points_redeemed"`
	Notes           string              `json:"notes,omitempty"`
	CreatedAt       string              `json:"created_at"`
	Items           []orderItemResponse `json:"items,omitempty"`
}

func toOrderResponse(o model.Order, items []model.OrderItem) orderResponse {
	resp := orderResponse{
		ID:              o.ID.String(),
		Number:          o.Number,
		CustomerID:      o.CustomerID.String(),
		Subtotal:        o.Subtotal,
		TaxAmount:       o.TaxAmount,
		DiscountAmount:  o.DiscountAmount,
		TotalAmount:     o.TotalAmount,
		PaidAmount:      o.PaidAmount,
		PaymentMethod:   string(o.PaymentMethod),
		ExecutionStatus: string(o.ExecutionStatus),
		PaymentStatus:   string(o.PaymentStatus),
		PointsEarned:    o.PointsEarned,
		PointsRedeemed:  o.PointsRedeemed,
		Notes:           o.Notes,
		CreatedAt:       o.CreatedAt.Format(time.RFC3339),
	}
	for _, it := range items {
		resp.Items = append(resp.Items, orderItemResponse{
			ServiceName: it.ServiceName,
			ServiceType: string(it.ServiceType),
			Price:       it.Price,
			Quantity:    it.Quantity,
			WeightKg:    it.WeightKg,
			LineTotal:   it.LineTotal,
		})
	}
	return resp
}

// CreateOrder принимает новый заказ от кассира.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	storeID, ok := middleware.GetStoreIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	items := make([]service.OrderItemRequest, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, service.OrderItemRequest{
			ServiceName: it.ServiceName,
			ServiceType: it.ServiceType,
			Price:       it.Price,
			Quantity:    it.Quantity,
			WeightKg:    it.WeightKg,
		})
	}

	order, orderItems, err := h.service.CreateOrder(r.Context(), storeID, service.CreateOrderRequest{
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		Notes:         req.Notes,
		Items:         items,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidPhone):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, service.ErrInvalidOrderItem):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		default:
			h.logger.Error("create order error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, toOrderResponse(order, orderItems))
}

// GetOrders возвращает заказы точки за сегодня, опционально по статусу выполнения.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	storeID, ok := middleware.GetStoreIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	status := model.ExecutionStatus(r.URL.Query().Get("status"))
	if status != "" && !model.ValidExecutionStatus(status) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	orders, err := h.service.GetOrdersToday(r.Context(), storeID, status)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeOrderList(w, orders)
}

// GetOrdersReady возвращает заказы, готовые к выдаче.
func (h *Handler) GetOrdersReady(w http.ResponseWriter, r *http.Request) {
	storeID, ok := middleware.GetStoreIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetOrdersReady(r.Context(), storeID)
	if err != nil {
		h.logger.Error("get ready orders error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeOrderList(w, orders)
}

// GetUnpaidOrders возвращает давно неоплаченные заказы.
func (h *Handler) GetUnpaidOrders(w http.ResponseWriter, r *http.Request) {
	storeID, ok := middleware.GetStoreIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetUnpaidOrders(r.Context(), storeID, unpaidAge)
	if err != nil {
		h.logger.Error("get unpaid orders error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeOrderList(w, orders)
}

// GetOrder возвращает заказ с позициями.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	storeID, ok := middleware.GetStoreIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, err := uuid.Parse(chiURLParam(r, "id"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, items, err := h.service.GetOrder(r.Context(), storeID, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get order error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(*order, items))
}

type statusRequest struct {
	Status model.ExecutionStatus `json:"status"`
}

// UpdateStatus переводит заказ в новый статус выполнения.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	storeID, ok := middleware.GetStoreIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, err := uuid.Parse(chiURLParam(r, "id"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !model.ValidExecutionStatus(req.Status) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	order, err := h.service.TransitionOrder(r.Context(), storeID, orderID, req.Status)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, ledger.ErrInvalidTransition), errors.Is(err, repository.ErrOrderConflict):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("update status error", zap.Error(err), zap.String("order", orderID.String()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order, nil))
}

type paymentRequest struct {
	Status         model.PaymentStatus `json:"status"`
	Amount         int64               `json:"amount"`
	Method         model.PaymentMethod `json:"method,omitempty"`
	DiscountAmount int64               `json:"discount_amount,omitempty"`
	RedeemPoints   int                 `json:"redeem_points,omitempty"`
}

// ApplyPayment применяет платёжное событие к заказу.
func (h *Handler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	storeID, ok := middleware.GetStoreIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, err := uuid.Parse(chiURLParam(r, "id"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !model.ValidPaymentStatus(req.Status) || !model.ValidPaymentMethod(req.Method) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	order, err := h.service.ApplyPayment(r.Context(), storeID, orderID, ledger.PaymentEvent{
		To:             req.Status,
		Amount:         req.Amount,
		Method:         req.Method,
		DiscountAmount: req.DiscountAmount,
		RedeemPoints:   req.RedeemPoints,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, ledger.ErrInsufficientPoints), errors.Is(err, ledger.ErrInsufficientPayment):
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
		case errors.Is(err, ledger.ErrInvalidTransition),
			errors.Is(err, ledger.ErrConflictingDiscountSource),
			errors.Is(err, repository.ErrOrderConflict):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, ledger.ErrDiscountExceedsSubtotal):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("apply payment error", zap.Error(err), zap.String("order", orderID.String()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order, nil))
}

type customerResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// SearchCustomers ищет клиентов точки по имени или телефону.
func (h *Handler) SearchCustomers(w http.ResponseWriter, r *http.Request) {
	storeID, ok := middleware.GetStoreIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	customers, err := h.service.SearchCustomers(r.Context(), storeID, r.URL.Query().Get("q"))
	if err != nil {
		h.logger.Error("search customers error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]customerResponse, 0, len(customers))
	for _, c := range customers {
		resp = append(resp, customerResponse{ID: c.ID.String(), Name: c.Name, Phone: c.Phone})
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetCustomerOrders возвращает историю заказов клиента.
func (h *Handler) GetCustomerOrders(w http.ResponseWriter, r *http.Request) {
	storeID, ok := middleware.GetStoreIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	customerID, err := uuid.Parse(chiURLParam(r, "id"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	orders, err := h.service.GetCustomerOrders(r.Context(), storeID, customerID)
	if err != nil {
		h.logger.Error("get customer orders error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeOrderList(w, orders)
}

type balanceResponse struct {
	AccumulatedPoints int `json:"accumulated_points"`
	CurrentPoints     int `json:"current_points"`
}

// GetPointsBalance возвращает бонусный счёт клиента.
func (h *Handler) GetPointsBalance(w http.ResponseWriter, r *http.Request) {
	storeID, ok := middleware.GetStoreIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	customerID, err := uuid.Parse(chiURLParam(r, "id"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	balance, err := h.service.GetPointsBalance(r.Context(), storeID, customerID)
	if err != nil {
		h.logger.Error("get points balance error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{
		AccumulatedPoints: balance.AccumulatedPoints,
		CurrentPoints:     balance.CurrentPoints,
	})
}

type transactionResponse struct {
	OrderID       string `json:"order_id,omitempty"`
	PointsChanged int    `json:"points_changed"`
	Type          string `json:"type"`
	CreatedAt     string `json:"created_at"`
}

// GetPointsHistory возвращает журнал операций с баллами клиента.
func (h *Handler) GetPointsHistory(w http.ResponseWriter, r *http.Request) {
	storeID, ok := middleware.GetStoreIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	customerID, err := uuid.Parse(chiURLParam(r, "id"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	transactions, err := h.service.GetPointTransactions(r.Context(), storeID, customerID)
	if err != nil {
		h.logger.Error("get points history error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]transactionResponse, 0, len(transactions))
	for _, tx := range transactions {
		tr := transactionResponse{
			PointsChanged: tx.PointsChanged,
			Type:          string(tx.Type),
			CreatedAt:     tx.CreatedAt.Format(time.RFC3339),
		}
		if tx.OrderID != nil {
			tr.OrderID = tx.OrderID.String()
		}
		resp = append(resp, tr)
	}

	writeJSON(w, http.StatusOK, resp)
}

type serviceResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Price       int64  `json:"price"`
	ServiceType string `json:"service_type"`
	Category    string `json:"category,omitempty"`
}

// ListServices возвращает прайс-лист точки.
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	storeID, ok := middleware.GetStoreIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	services, err := h.service.ListServices(r.Context(), storeID)
	if err != nil {
		h.logger.Error("list services error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]serviceResponse, 0, len(services))
	for _, s := range services {
		resp = append(resp, serviceResponse{
			ID:          s.ID.String(),
			Name:        s.Name,
			Price:       s.Price,
			ServiceType: string(s.ServiceType),
			Category:    s.Category,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeOrderList(w http.ResponseWriter, orders []model.Order) {
	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o, nil))
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
