package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/smartlaundry/pos-system/internal/ledger"
	"github.com/smartlaundry/pos-system/internal/model"
	"github.com/smartlaundry/pos-system/internal/repository"
)

type stubRepo struct {
	store    *model.Store
	storeErr error

	user    *model.User
	userErr error

	createOwnerErr error

	customer *model.Customer

	order    *model.Order
	items    []model.OrderItem
	orderErr error

	createdOrder model.Order
	createdItems []model.OrderItem

	balance *model.PointsBalance

	appliedPrev   *model.Order
	appliedResult *ledger.Result
	applyErr      error

	statusFrom model.ExecutionStatus
	statusTo   model.ExecutionStatus
	statusErr  error

	reminders    []repository.ReminderOrder
	remindedIDs  []uuid.UUID
	remindersErr error
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateStoreWithOwner(ctx context.Context, storeName, login string, passwordHash []byte) (*model.Store, *model.User, error) {
	if s.createOwnerErr != nil {
		return nil, nil, s.createOwnerErr
	}
	return s.store, s.user, nil
}

func (s *stubRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return s.user, s.userErr
}

func (s *stubRepo) GetStore(ctx context.Context, storeID uuid.UUID) (*model.Store, error) {
	return s.store, s.storeErr
}

func (s *stubRepo) GetOrCreateCustomer(ctx context.Context, storeID uuid.UUID, name, phone string) (*model.Customer, error) {
	if s.customer != nil {
		return s.customer, nil
	}
	return &model.Customer{ID: uuid.New(), StoreID: storeID, Name: name, Phone: phone}, nil
}

func (s *stubRepo) GetCustomer(ctx context.Context, storeID, customerID uuid.UUID) (*model.Customer, error) {
	if s.customer == nil {
		return nil, repository.ErrCustomerNotFound
	}
	return s.customer, nil
}

func (s *stubRepo) SearchCustomers(ctx context.Context, storeID uuid.UUID, query string, limit int) ([]model.Customer, error) {
	return nil, nil
}

func (s *stubRepo) ListServices(ctx context.Context, storeID uuid.UUID) ([]model.LaundryService, error) {
	return nil, nil
}

func (s *stubRepo) CreateOrder(ctx context.Context, store *model.Store, order model.Order, items []model.OrderItem) (model.Order, error) {
	order.ID = uuid.New()
	order.Number = store.OrderPrefix + "-20260830-0001"
	order.ExecutionStatus = model.ExecutionInQueue
	order.PaymentStatus = model.PaymentPending
	s.createdOrder = order
	s.createdItems = items
	return order, nil
}

func (s *stubRepo) GetOrder(ctx context.Context, storeID, orderID uuid.UUID) (*model.Order, []model.OrderItem, error) {
	if s.orderErr != nil {
		return nil, nil, s.orderErr
	}
	return s.order, s.items, nil
}

func (s *stubRepo) GetOrdersToday(ctx context.Context, storeID uuid.UUID, status model.ExecutionStatus) ([]model.Order, error) {
	return nil, nil
}

func (s *stubRepo) GetOrdersReady(ctx context.Context, storeID uuid.UUID) ([]model.Order, error) {
	return nil, nil
}

func (s *stubRepo) GetUnpaidOrders(ctx context.Context, storeID uuid.UUID, cutoff time.Time) ([]model.Order, error) {
	return nil, nil
}

func (s *stubRepo) GetCustomerOrders(ctx context.Context, storeID, customerID uuid.UUID, limit int) ([]model.Order, error) {
	return nil, nil
}

func (s *stubRepo) UpdateExecutionStatus(ctx context.Context, orderID uuid.UUID, from, to model.ExecutionStatus) error {
	s.statusFrom = from
	s.statusTo = to
	return s.statusErr
}

func (s *stubRepo) GetPointsBalance(ctx context.Context, storeID, customerID uuid.UUID) (*model.PointsBalance, error) {
	return s.balance, nil
}

func (s *stubRepo) GetPointTransactions(ctx context.Context, storeID, customerID uuid.UUID, limit int) ([]model.PointTransaction, error) {
	return nil, nil
}

func (s *stubRepo) ApplyPaymentResult(ctx context.Context, prev model.Order, res ledger.Result) error {
	if s.applyErr != nil {
		return s.applyErr
	}
	s.appliedPrev = &prev
	s.appliedResult = &res
	return nil
}

func (s *stubRepo) GetOrdersForReminder(ctx context.Context, cutoff time.Time, limit int) ([]repository.ReminderOrder, error) {
	return s.reminders, s.remindersErr
}

func (s *stubRepo) MarkReminded(ctx context.Context, orderID uuid.UUID) error {
	s.remindedIDs = append(s.remindedIDs, orderID)
	return nil
}

type stubNotifier struct {
	mu       sync.Mutex
	phones   []string
	messages []string
	err      error
	sent     chan struct{}
}

func (n *stubNotifier) Send(ctx context.Context, phone, message string) error {
	if n.err != nil {
		return n.err
	}
	n.mu.Lock()
	n.phones = append(n.phones, phone)
	n.messages = append(n.messages, message)
	n.mu.Unlock()
	if n.sent != nil {
		n.sent <- struct{}{}
	}
	return nil
}

func (n *stubNotifier) sentTo() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.phones...)
}

// waitSent дожидается фоновой отправки уведомления.
func waitSent(t *testing.T, n *stubNotifier) {
	t.Helper()
	select {
	case <-n.sent:
	case <-time.After(time.Second):
		t.Fatal("notification was not sent")
	}
}

func testStore() *model.Store {
	return &model.Store{ID: uuid.New(), Name: "Smart Laundry", OrderPrefix: "ORD", PointsEnabled: true}
}

func TestRegisterOwner_PropagatesDuplicateError(t *testing.T) {
	repo := &stubRepo{createOwnerErr: repository.ErrUserExists}
	svc := NewService(repo, nil, nil, Options{})

	_, err := svc.RegisterOwner(context.Background(), "Smart Laundry", "owner", "pass")
	if !errors.Is(err, repository.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestAuthenticateUser(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}

	repo := &stubRepo{user: &model.User{ID: uuid.New(), Login: "kasir", PasswordHash: hash}}
	svc := NewService(repo, nil, nil, Options{})

	if _, err := svc.AuthenticateUser(context.Background(), "kasir", "correct"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	if _, err := svc.AuthenticateUser(context.Background(), "kasir", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	repo = &stubRepo{userErr: repository.ErrUserNotFound}
	svc = NewService(repo, nil, nil, Options{})
	if _, err := svc.AuthenticateUser(context.Background(), "ghost", "pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestCreateOrder_ComputesTotals(t *testing.T) {
	store := testStore()
	repo := &stubRepo{store: store}
	notifier := &stubNotifier{sent: make(chan struct{}, 1)}
	svc := NewService(repo, notifier, nil, Options{TaxRate: 0.1})

	order, items, err := svc.CreateOrder(context.Background(), store.ID, CreateOrderRequest{
		CustomerName:  "Budi",
		CustomerPhone: "081234567890",
		Items: []OrderItemRequest{
			{ServiceName: "Cuci Setrika", ServiceType: model.ServiceTypeKilo, Price: 10000, WeightKg: 3.7},
			{ServiceName: "Bed Cover", ServiceType: model.ServiceTypeUnit, Price: 25000, Quantity: 2},
		},
	})
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}

	// 37000 + 50000 позиций, налог 10%.
	if order.Subtotal != 87000 {
		t.Fatalf("Subtotal = %d, want 87000", order.Subtotal)
	}
	if order.TaxAmount != 8700 {
		t.Fatalf("TaxAmount = %d, want 8700", order.TaxAmount)
	}
	if order.TotalAmount != 95700 {
		t.Fatalf("TotalAmount = %d, want 95700", order.TotalAmount)
	}
	if len(items) != 2 || items[0].LineTotal != 37000 || items[1].LineTotal != 50000 {
		t.Fatalf("unexpected items: %+v", items)
	}

	waitSent(t, notifier)
	if sent := notifier.sentTo(); len(sent) != 1 || sent[0] != "+6281234567890" {
		t.Fatalf("expected order-created notification to +6281234567890, got %v", sent)
	}
}

type blockingNotifier struct {
	release chan struct{}
}

func (n *blockingNotifier) Send(ctx context.Context, phone, message string) error {
	<-n.release
	return nil
}

func TestCreateOrder_SlowNotifierDoesNotBlock(t *testing.T) {
	store := testStore()
	repo := &stubRepo{store: store}
	notifier := &blockingNotifier{release: make(chan struct{})}
	defer close(notifier.release)

	svc := NewService(repo, notifier, nil, Options{})

	done := make(chan error, 1)
	go func() {
		_, _, err := svc.CreateOrder(context.Background(), store.ID, CreateOrderRequest{
			CustomerName:  "Budi",
			CustomerPhone: "081234567890",
			Items: []OrderItemRequest{
				{ServiceName: "Cuci Kering", ServiceType: model.ServiceTypeKilo, Price: 7000, WeightKg: 2},
			},
		})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("CreateOrder error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CreateOrder blocked on notification delivery")
	}
}

func TestCreateOrder_Validation(t *testing.T) {
	store := testStore()
	repo := &stubRepo{store: store}
	svc := NewService(repo, nil, nil, Options{})

	tests := []struct {
		name    string
		req     CreateOrderRequest
		wantErr error
	}{
		{
			name:    "bad phone",
			req:     CreateOrderRequest{CustomerName: "Budi", CustomerPhone: "abc", Items: []OrderItemRequest{{ServiceName: "X", ServiceType: model.ServiceTypeUnit, Quantity: 1}}},
			wantErr: ErrInvalidPhone,
		},
		{
			name:    "no items",
			req:     CreateOrderRequest{CustomerName: "Budi", CustomerPhone: "081234567890"},
			wantErr: ErrInvalidOrderItem,
		},
		{
			name: "kilo without weight",
			req: CreateOrderRequest{CustomerName: "Budi", CustomerPhone: "081234567890",
				Items: []OrderItemRequest{{ServiceName: "Cuci", ServiceType: model.ServiceTypeKilo, Price: 7000}}},
			wantErr: ErrInvalidOrderItem,
		},
		{
			name: "unit without quantity",
			req: CreateOrderRequest{CustomerName: "Budi", CustomerPhone: "081234567890",
				Items: []OrderItemRequest{{ServiceName: "Sepatu", ServiceType: model.ServiceTypeUnit, Price: 30000}}},
			wantErr: ErrInvalidOrderItem,
		},
		{
			name: "unknown service type",
			req: CreateOrderRequest{CustomerName: "Budi", CustomerPhone: "081234567890",
				Items: []OrderItemRequest{{ServiceName: "X", ServiceType: "hourly", Price: 1000, Quantity: 1}}},
			wantErr: ErrInvalidOrderItem,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.CreateOrder(context.Background(), store.ID, tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTransitionOrder(t *testing.T) {
	store := testStore()
	customer := &model.Customer{ID: uuid.New(), Name: "Budi", Phone: "+628123456789"}
	order := &model.Order{
		ID:              uuid.New(),
		StoreID:         store.ID,
		CustomerID:      customer.ID,
		Number:          "ORD-20260830-0001",
		ExecutionStatus: model.ExecutionInProgress,
		PaymentStatus:   model.PaymentPending,
	}

	repo := &stubRepo{store: store, customer: customer, order: order}
	notifier := &stubNotifier{sent: make(chan struct{}, 1)}
	svc := NewService(repo, notifier, nil, Options{})

	updated, err := svc.TransitionOrder(context.Background(), store.ID, order.ID, model.ExecutionReadyForPickup)
	if err != nil {
		t.Fatalf("TransitionOrder error: %v", err)
	}
	if updated.ExecutionStatus != model.ExecutionReadyForPickup {
		t.Fatalf("status = %s, want ready_for_pickup", updated.ExecutionStatus)
	}
	if repo.statusFrom != model.ExecutionInProgress || repo.statusTo != model.ExecutionReadyForPickup {
		t.Fatalf("guarded update got %s -> %s", repo.statusFrom, repo.statusTo)
	}
	waitSent(t, notifier)
	if sent := notifier.sentTo(); len(sent) != 1 {
		t.Fatalf("expected one notification, got %d", len(sent))
	}
}

func TestTransitionOrder_Invalid(t *testing.T) {
	store := testStore()
	order := &model.Order{ID: uuid.New(), ExecutionStatus: model.ExecutionCompleted}
	repo := &stubRepo{store: store, order: order}
	svc := NewService(repo, nil, nil, Options{})

	_, err := svc.TransitionOrder(context.Background(), store.ID, order.ID, model.ExecutionInProgress)
	if !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestApplyPayment_PersistsLedgerResult(t *testing.T) {
	store := testStore()
	order := &model.Order{
		ID:              uuid.New(),
		StoreID:         store.ID,
		CustomerID:      uuid.New(),
		Subtotal:        37000,
		TotalAmount:     37000,
		ExecutionStatus: model.ExecutionInQueue,
		PaymentStatus:   model.PaymentPending,
	}
	items := []model.OrderItem{
		{ServiceType: model.ServiceTypeKilo, Price: 10000, WeightKg: 3.7, LineTotal: 37000},
	}

	repo := &stubRepo{store: store, order: order, items: items}
	svc := NewService(repo, nil, nil, Options{})

	updated, err := svc.ApplyPayment(context.Background(), store.ID, order.ID, ledger.PaymentEvent{
		To:     model.PaymentCompleted,
		Amount: 37000,
		Method: model.PaymentMethodQRIS,
	})
	if err != nil {
		t.Fatalf("ApplyPayment error: %v", err)
	}

	if updated.PaymentStatus != model.PaymentCompleted {
		t.Fatalf("payment status = %s, want completed", updated.PaymentStatus)
	}
	if updated.PointsEarned != 4 {
		t.Fatalf("points earned = %d, want 4", updated.PointsEarned)
	}

	if repo.appliedPrev == nil || repo.appliedPrev.PaymentStatus != model.PaymentPending {
		t.Fatalf("expected snapshot with pending status, got %+v", repo.appliedPrev)
	}
	if repo.appliedResult == nil || len(repo.appliedResult.Transactions) != 1 {
		t.Fatalf("expected one point transaction in result")
	}
}

func TestApplyPayment_InsufficientPoints(t *testing.T) {
	store := testStore()
	order := &model.Order{
		ID:            uuid.New(),
		StoreID:       store.ID,
		CustomerID:    uuid.New(),
		Subtotal:      50000,
		TotalAmount:   50000,
		PaymentStatus: model.PaymentPending,
	}

	repo := &stubRepo{store: store, order: order, balance: &model.PointsBalance{CurrentPoints: 120}}
	svc := NewService(repo, nil, nil, Options{})

	_, err := svc.ApplyPayment(context.Background(), store.ID, order.ID, ledger.PaymentEvent{
		To:           model.PaymentCompleted,
		Amount:       50000,
		RedeemPoints: 150,
	})
	if !errors.Is(err, ledger.ErrInsufficientPoints) {
		t.Fatalf("expected ErrInsufficientPoints, got %v", err)
	}
	if repo.appliedResult != nil {
		t.Fatalf("nothing must be persisted on validation failure")
	}
}

func TestGetPointsBalance_ZeroForNewCustomer(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, nil, Options{})

	bal, err := svc.GetPointsBalance(context.Background(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("GetPointsBalance error: %v", err)
	}
	if bal.CurrentPoints != 0 || bal.AccumulatedPoints != 0 {
		t.Fatalf("expected zero balance, got %+v", bal)
	}
}

func TestProcessReminderBatch(t *testing.T) {
	orderID := uuid.New()
	repo := &stubRepo{
		reminders: []repository.ReminderOrder{
			{
				Order:         model.Order{ID: orderID, Number: "ORD-20260829-0007", TotalAmount: 45000},
				CustomerName:  "Siti",
				CustomerPhone: "+628111222333",
			},
		},
	}
	notifier := &stubNotifier{}
	svc := NewService(repo, notifier, nil, Options{})

	svc.processReminderBatch(context.Background())

	if sent := notifier.sentTo(); len(sent) != 1 || sent[0] != "+628111222333" {
		t.Fatalf("expected reminder to +628111222333, got %v", sent)
	}
	if len(repo.remindedIDs) != 1 || repo.remindedIDs[0] != orderID {
		t.Fatalf("expected order marked reminded, got %v", repo.remindedIDs)
	}
}

func TestProcessReminderBatch_SendFailureSkipsMark(t *testing.T) {
	repo := &stubRepo{
		reminders: []repository.ReminderOrder{
			{Order: model.Order{ID: uuid.New(), Number: "ORD-20260829-0008"}, CustomerPhone: "+628111"},
		},
	}
	notifier := &stubNotifier{err: errors.New("gateway down")}
	svc := NewService(repo, notifier, nil, Options{})

	svc.processReminderBatch(context.Background())

	if len(repo.remindedIDs) != 0 {
		t.Fatalf("failed reminder must not be marked, got %v", repo.remindedIDs)
	}
}

func TestStartPaymentReminders_NoNotifier(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, nil, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		svc.StartPaymentReminders(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartPaymentReminders did not return without notifier")
	}
}
