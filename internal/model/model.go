// Package model содержит доменные сущности POS-системы прачечной.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Store представляет точку (филиал) прачечной. Все данные привязаны к точке.
type Store struct {
	ID            uuid.UUID
	Name          string
	OrderPrefix   string
	PointsEnabled bool
	CreatedAt     time.Time
}

// User представляет сотрудника, работающего с кассой точки.
type User struct {
	ID           uuid.UUID
	StoreID      uuid.UUID
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Customer представляет клиента прачечной.
type Customer struct {
	ID        uuid.UUID
	StoreID   uuid.UUID
	Name      string
	Phone     string
	CreatedAt time.Time
}

// ServiceType описывает способ тарификации услуги.
type ServiceType string

const (
	ServiceTypeUnit     ServiceType = "unit"
	ServiceTypeKilo     ServiceType = "kilo"
	ServiceTypeCombined ServiceType = "combined"
	ServiceTypeProduct  ServiceType = "product"
)

// LaundryService описывает услугу из прайс-листа точки.
type LaundryService struct {
	ID          uuid.UUID
	StoreID     uuid.UUID
	Name        string
	Price       int64
	ServiceType ServiceType
	Category    string
	IsActive    bool
}

// ExecutionStatus описывает стадию физического выполнения заказа.
type ExecutionStatus string

const (
	ExecutionInQueue        ExecutionStatus = "in_queue"
	ExecutionInProgress     ExecutionStatus = "in_progress"
	ExecutionReadyForPickup ExecutionStatus = "ready_for_pickup"
	ExecutionCompleted      ExecutionStatus = "completed"
	ExecutionCancelled      ExecutionStatus = "cancelled"
)

// PaymentStatus описывает стадию оплаты заказа.
type PaymentStatus string

const (
	PaymentPending     PaymentStatus = "pending"
	PaymentDownPayment PaymentStatus = "down_payment"
	PaymentCompleted   PaymentStatus = "completed"
	PaymentRefunded    PaymentStatus = "refunded"
)

// PaymentMethod описывает способ оплаты.
type PaymentMethod string

const (
	PaymentMethodCash     PaymentMethod = "cash"
	PaymentMethodQRIS     PaymentMethod = "qris"
	PaymentMethodTransfer PaymentMethod = "transfer"
)

// Order описывает заказ клиента. Денежные поля хранятся в рупиях (int64).
type Order struct {
	ID              uuid.UUID
	StoreID         uuid.UUID
	CustomerID      uuid.UUID
	Number          string
	Subtotal        int64
	TaxAmount       int64
	DiscountAmount  int64
	TotalAmount     int64
	PaidAmount      int64
	PaymentMethod   PaymentMethod
	ExecutionStatus ExecutionStatus
	PaymentStatus   PaymentStatus
	PointsEarned    int
	PointsRedeemed  int
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderItem описывает одну позицию заказа. Название и цена услуги
// фиксируются на момент продажи и после создания не меняются.
type OrderItem struct {
	ID          uuid.UUID
	OrderID     uuid.UUID
	ServiceName string
	ServiceType ServiceType
	Price       int64
	Quantity    int
	WeightKg    float64
	LineTotal   int64
}

// PointsBalance содержит бонусный счёт клиента в рамках одной точки.
type PointsBalance struct {
	ID                uuid.UUID
	StoreID           uuid.UUID
	CustomerID        uuid.UUID
	AccumulatedPoints int
	CurrentPoints     int
}

// TransactionType описывает тип операции с баллами.
type TransactionType string

const (
	TransactionEarning    TransactionType = "earning"
	TransactionRedemption TransactionType = "redemption"
)

// PointTransaction описывает одно изменение баллов. Записи не изменяются
// и не удаляются.
type PointTransaction struct {
	ID            uuid.UUID
	BalanceID     uuid.UUID
	OrderID       *uuid.UUID
	PointsChanged int
	Type          TransactionType
	CreatedAt     time.Time
}

// ValidExecutionStatus проверяет, что значение входит в множество статусов выполнения.
func ValidExecutionStatus(s ExecutionStatus) bool {
	switch s {
	case ExecutionInQueue, ExecutionInProgress, ExecutionReadyForPickup, ExecutionCompleted, ExecutionCancelled:
		return true
	}
	return false
}

// ValidPaymentStatus проверяет, что значение входит в множество статусов оплаты.
func ValidPaymentStatus(s PaymentStatus) bool {
	switch s {
	case PaymentPending, PaymentDownPayment, PaymentCompleted, PaymentRefunded:
		return true
	}
	return false
}

// ValidPaymentMethod проверяет способ оплаты. Пустое значение допустимо,
// пока заказ не оплачен.
func ValidPaymentMethod(m PaymentMethod) bool {
	switch m {
	case "", PaymentMethodCash, PaymentMethodQRIS, PaymentMethodTransfer:
		return true
	}
	return false
}
