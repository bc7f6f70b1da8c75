// Package service реализует бизнес-логику POS-сервиса прачечной.
package service

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/smartlaundry/pos-system/internal/ledger"
	"github.com/smartlaundry/pos-system/internal/model"
	"github.com/smartlaundry/pos-system/internal/repository"
	"github.com/smartlaundry/pos-system/internal/validation"
	"github.com/smartlaundry/pos-system/internal/whatsapp"
)

// ErrInvalidCredentials возвращается при неверном логине или пароле.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidPhone возвращается, если номер телефона клиента не распознан.
	ErrInvalidPhone = errors.New("invalid phone number")
	// ErrInvalidOrderItem возвращается при некорректной позиции заказа.
	ErrInvalidOrderItem = errors.New("invalid order item")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateStoreWithOwner(ctx context.Context, storeName, login string, passwordHash []byte) (*model.Store, *model.User, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetStore(ctx context.Context, storeID uuid.UUID) (*model.Store, error)
	GetOrCreateCustomer(ctx context.Context, storeID uuid.UUID, name, phone string) (*model.Customer, error)
	GetCustomer(ctx context.Context, storeID, customerID uuid.UUID) (*model.Customer, error)
	SearchCustomers(ctx context.Context, storeID uuid.UUID, query string, limit int) ([]model.Customer, error)
	ListServices(ctx context.Context, storeID uuid.UUID) ([]model.LaundryService, error)
	CreateOrder(ctx context.Context, store *model.Store, order model.Order, items []model.OrderItem) (model.Order, error)
	GetOrder(ctx context.Context, storeID, orderID uuid.UUID) (*model.Order, []model.OrderItem, error)
	GetOrdersToday(ctx context.Context, storeID uuid.UUID, status model.ExecutionStatus) ([]model.Order, error)
	GetOrdersReady(ctx context.Context, storeID uuid.UUID) ([]model.Order, error)
	GetUnpaidOrders(ctx context.Context, storeID uuid.UUID, cutoff time.Time) ([]model.Order, error)
	GetCustomerOrders(ctx context.Context, storeID, customerID uuid.UUID, limit int) ([]model.Order, error)
	UpdateExecutionStatus(ctx context.Context, orderID uuid.UUID, from, to model.ExecutionStatus) error
	GetPointsBalance(ctx context.Context, storeID, customerID uuid.UUID) (*model.PointsBalance, error)
	GetPointTransactions(ctx context.Context, storeID, customerID uuid.UUID, limit int) ([]model.PointTransaction, error)
	ApplyPaymentResult(ctx context.Context, prev model.Order, res ledger.Result) error
	GetOrdersForReminder(ctx context.Context, cutoff time.Time, limit int) ([]repository.ReminderOrder, error)
	MarkReminded(ctx context.Context, orderID uuid.UUID) error
}

// Notifier описывает канал отправки сообщений клиентам.
type Notifier interface {
	Send(ctx context.Context, phone, message string) error
}

// Service содержит бизнес-логику POS-сервиса.
type Service struct {
	repo             Repository
	notifier         Notifier
	logger           *zap.Logger
	taxRate          float64
	reminderInterval time.Duration
	reminderAge      time.Duration
}

// Options задаёт настройки сервиса.
type Options struct {
	TaxRate          float64
	ReminderInterval time.Duration
	ReminderAge      time.Duration
}

// NewService создаёт сервис с указанным репозиторием и каналом уведомлений.
// notifier может быть nil, тогда уведомления не отправляются.
func NewService(repo Repository, notifier Notifier, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReminderInterval <= 0 {
		opts.ReminderInterval = time.Hour
	}
	if opts.ReminderAge <= 0 {
		opts.ReminderAge = 24 * time.Hour
	}

	return &Service{
		repo:             repo,
		notifier:         notifier,
		logger:           logger,
		taxRate:          opts.TaxRate,
		reminderInterval: opts.ReminderInterval,
		reminderAge:      opts.ReminderAge,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterOwner создаёт новую точку и её первого сотрудника.
func (s *Service) RegisterOwner(ctx context.Context, storeName, login, password string) (*model.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	_, user, err := s.repo.CreateStoreWithOwner(ctx, storeName, login, hash)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// AuthenticateUser проверяет логин и пароль сотрудника.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

// OrderItemRequest описывает позицию создаваемого заказа.
type OrderItemRequest struct {
	ServiceName string
	ServiceType model.ServiceType
	Price       int64
	Quantity    int
	WeightKg    float64
}

// CreateOrderRequest описывает запрос на создание заказа.
type CreateOrderRequest struct {
	CustomerName  string
	CustomerPhone string
	Notes         string
	Items         []OrderItemRequest
}

// CreateOrder создаёт заказ: находит или заводит клиента по телефону,
// считает суммы позиций и налог, резервирует номер и отправляет клиенту
// уведомление о приёме.
func (s *Service) CreateOrder(ctx context.Context, storeID uuid.UUID, req CreateOrderRequest) (model.Order, []model.OrderItem, error) {
	phone := validation.NormalizePhone(req.CustomerPhone)
	if phone == "" {
		return model.Order{}, nil, ErrInvalidPhone
	}
	if req.CustomerName == "" || len(req.Items) == 0 {
		return model.Order{}, nil, ErrInvalidOrderItem
	}

	store, err := s.repo.GetStore(ctx, storeID)
	if err != nil {
		return model.Order{}, nil, err
	}

	var subtotal int64
	items := make([]model.OrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		if it.ServiceName == "" || it.Price < 0 {
			return model.Order{}, nil, ErrInvalidOrderItem
		}
		switch it.ServiceType {
		case model.ServiceTypeKilo:
			if it.WeightKg <= 0 {
				return model.Order{}, nil, ErrInvalidOrderItem
			}
		case model.ServiceTypeCombined:
			if it.WeightKg <= 0 || it.Quantity <= 0 {
				return model.Order{}, nil, ErrInvalidOrderItem
			}
		case model.ServiceTypeUnit, model.ServiceTypeProduct:
			if it.Quantity <= 0 {
				return model.Order{}, nil, ErrInvalidOrderItem
			}
		default:
			return model.Order{}, nil, ErrInvalidOrderItem
		}

		lineTotal := ledger.LineTotal(it.ServiceType, it.Price, it.Quantity, it.WeightKg)
		subtotal += lineTotal
		items = append(items, model.OrderItem{
			ServiceName: it.ServiceName,
			ServiceType: it.ServiceType,
			Price:       it.Price,
			Quantity:    it.Quantity,
			WeightKg:    it.WeightKg,
			LineTotal:   lineTotal,
		})
	}

	customer, err := s.repo.GetOrCreateCustomer(ctx, storeID, req.CustomerName, phone)
	if err != nil {
		return model.Order{}, nil, err
	}

	tax := int64(math.Floor(float64(subtotal)*s.taxRate + 0.5))
	order := model.Order{
		StoreID:    storeID,
		CustomerID: customer.ID,
		Subtotal:   subtotal,
		TaxAmount:  tax,
		// Скидки на момент создания нет, итог совпадает с subtotal + налог.
		TotalAmount: subtotal + tax,
		Notes:       req.Notes,
	}

	created, err := s.repo.CreateOrder(ctx, store, order, items)
	if err != nil {
		return model.Order{}, nil, err
	}

	s.notify(customer.Phone, whatsapp.OrderCreatedMessage(customer.Name, created))

	return created, items, nil
}

// TransitionOrder переводит заказ в новый статус выполнения. Уведомления
// отправляются при готовности заказа и после выдачи.
func (s *Service) TransitionOrder(ctx context.Context, storeID, orderID uuid.UUID, to model.ExecutionStatus) (model.Order, error) {
	order, _, err := s.repo.GetOrder(ctx, storeID, orderID)
	if err != nil {
		return model.Order{}, err
	}

	updated, err := ledger.TransitionExecution(*order, to)
	if err != nil {
		return model.Order{}, err
	}

	if err := s.repo.UpdateExecutionStatus(ctx, orderID, order.ExecutionStatus, to); err != nil {
		return model.Order{}, err
	}

	switch to {
	case model.ExecutionReadyForPickup, model.ExecutionCompleted:
		customer, err := s.repo.GetCustomer(ctx, storeID, order.CustomerID)
		if err != nil {
			s.logger.Warn("load customer for notification", zap.Error(err))
			break
		}
		if to == model.ExecutionReadyForPickup {
			s.notify(customer.Phone, whatsapp.OrderReadyMessage(customer.Name, updated))
		} else {
			s.notify(customer.Phone, whatsapp.OrderCompletedMessage(customer.Name))
		}
	}

	return updated, nil
}

// ApplyPayment применяет платёжное событие к заказу: собирает снимок заказа
// и бонусного счёта, вычисляет результат через ledger и сохраняет его
// атомарно.
func (s *Service) ApplyPayment(ctx context.Context, storeID, orderID uuid.UUID, ev ledger.PaymentEvent) (model.Order, error) {
	order, items, err := s.repo.GetOrder(ctx, storeID, orderID)
	if err != nil {
		return model.Order{}, err
	}

	store, err := s.repo.GetStore(ctx, storeID)
	if err != nil {
		return model.Order{}, err
	}

	balance, err := s.repo.GetPointsBalance(ctx, storeID, order.CustomerID)
	if err != nil {
		return model.Order{}, err
	}

	res, err := ledger.ApplyPayment(*order, items, ev, balance, store.PointsEnabled)
	if err != nil {
		return model.Order{}, err
	}

	if err := s.repo.ApplyPaymentResult(ctx, *order, res); err != nil {
		return model.Order{}, err
	}

	return res.Order, nil
}

// GetOrder возвращает заказ точки с позициями.
func (s *Service) GetOrder(ctx context.Context, storeID, orderID uuid.UUID) (*model.Order, []model.OrderItem, error) {
	return s.repo.GetOrder(ctx, storeID, orderID)
}

// GetOrdersToday возвращает заказы точки за сегодня.
func (s *Service) GetOrdersToday(ctx context.Context, storeID uuid.UUID, status model.ExecutionStatus) ([]model.Order, error) {
	return s.repo.GetOrdersToday(ctx, storeID, status)
}

// GetOrdersReady возвращает заказы точки, готовые к выдаче.
func (s *Service) GetOrdersReady(ctx context.Context, storeID uuid.UUID) ([]model.Order, error) {
	return s.repo.GetOrdersReady(ctx, storeID)
}

// GetUnpaidOrders возвращает неоплаченные заказы точки старше указанного возраста.
func (s *Service) GetUnpaidOrders(ctx context.Context, storeID uuid.UUID, age time.Duration) ([]model.Order, error) {
	return s.repo.GetUnpaidOrders(ctx, storeID, time.Now().Add(-age))
}

// SearchCustomers ищет клиентов точки по имени или телефону.
func (s *Service) SearchCustomers(ctx context.Context, storeID uuid.UUID, query string) ([]model.Customer, error) {
	return s.repo.SearchCustomers(ctx, storeID, query, 20)
}

// GetCustomerOrders возвращает историю заказов клиента.
func (s *Service) GetCustomerOrders(ctx context.Context, storeID, customerID uuid.UUID) ([]model.Order, error) {
	return s.repo.GetCustomerOrders(ctx, storeID, customerID, 20)
}

// GetPointsBalance возвращает бонусный счёт клиента. Для клиента без
// операций возвращается нулевой счёт.
func (s *Service) GetPointsBalance(ctx context.Context, storeID, customerID uuid.UUID) (*model.PointsBalance, error) {
	balance, err := s.repo.GetPointsBalance(ctx, storeID, customerID)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return &model.PointsBalance{StoreID: storeID, CustomerID: customerID}, nil
	}
	return balance, nil
}

// GetPointTransactions возвращает журнал операций с баллами клиента.
func (s *Service) GetPointTransactions(ctx context.Context, storeID, customerID uuid.UUID) ([]model.PointTransaction, error) {
	return s.repo.GetPointTransactions(ctx, storeID, customerID, 50)
}

// ListServices возвращает прайс-лист точки.
func (s *Service) ListServices(ctx context.Context, storeID uuid.UUID) ([]model.LaundryService, error) {
	return s.repo.ListServices(ctx, storeID)
}

// notify отправляет сообщение клиенту в фоне: доставка не задерживает
// обработку запроса, ошибки не прерывают основную операцию и только
// логируются.
func (s *Service) notify(phone, message string) {
	if s.notifier == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 40*time.Second)
		defer cancel()

		if err := s.notifier.Send(ctx, phone, message); err != nil {
			s.logger.Warn("send notification", zap.String("phone", phone), zap.Error(err))
		}
	}()
}

// StartPaymentReminders запускает фоновый процесс напоминаний об оплате.
func (s *Service) StartPaymentReminders(ctx context.Context) {
	if s.notifier == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(s.reminderInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processReminderBatch(ctx)
			}
		}
	}()
}

func (s *Service) processReminderBatch(ctx context.Context) {
	cutoff := time.Now().Add(-s.reminderAge)

	orders, err := s.repo.GetOrdersForReminder(ctx, cutoff, 100)
	if err != nil {
		s.logger.Warn("select orders for reminder", zap.Error(err))
		return
	}

	for _, ro := range orders {
		msg := whatsapp.PaymentReminderMessage(ro.CustomerName, ro.Order)
		if err := s.notifier.Send(ctx, ro.CustomerPhone, msg); err != nil {
			s.logger.Warn("send payment reminder",
				zap.String("order", ro.Order.Number), zap.Error(err))
			continue
		}
		if err := s.repo.MarkReminded(ctx, ro.Order.ID); err != nil {
			s.logger.Warn("mark reminded", zap.String("order", ro.Order.Number), zap.Error(err))
		}
	}
}
