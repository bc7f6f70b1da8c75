// Package ledger реализует правила жизненного цикла заказа: переходы
// статусов выполнения и оплаты, применение скидок и списания баллов,
// начисление баллов при полной оплате. Пакет не выполняет I/O: все функции
// чистые, работают со снимком заказа и бонусного счёта, а результат
// сохраняет вызывающая сторона.
package ledger

import (
	"errors"
	"math"
	"time"

	"github.com/smartlaundry/pos-system/internal/model"
)

// PointValue задаёт курс конвертации: один балл равен 100 рупиям скидки.
const PointValue int64 = 100

// ErrInvalidTransition возвращается при запросе недопустимого перехода статуса.
var (
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInsufficientPayment возвращается, если внесённой суммы не хватает для полной оплаты.
	ErrInsufficientPayment = errors.New("insufficient payment amount")
	// ErrConflictingDiscountSource возвращается, если одновременно запрошены скидка и списание баллов.
	ErrConflictingDiscountSource = errors.New("conflicting discount source")
	// ErrInsufficientPoints возвращается при попытке списать больше баллов, чем доступно.
	ErrInsufficientPoints = errors.New("insufficient points")
	// ErrDiscountExceedsSubtotal возвращается, если скидка превышает сумму позиций заказа.
	ErrDiscountExceedsSubtotal = errors.New("discount exceeds subtotal")
)

// executionTransitions задаёт допустимые переходы статуса выполнения.
// Статусы completed и cancelled терминальные.
var executionTransitions = map[model.ExecutionStatus][]model.ExecutionStatus{
	model.ExecutionInQueue:        {model.ExecutionInProgress, model.ExecutionCancelled},
	model.ExecutionInProgress:     {model.ExecutionReadyForPickup, model.ExecutionCancelled},
	model.ExecutionReadyForPickup: {model.ExecutionCompleted},
	model.ExecutionCompleted:      {},
	model.ExecutionCancelled:      {},
}

// paymentTransitions задаёт допустимые переходы статуса оплаты.
var paymentTransitions = map[model.PaymentStatus][]model.PaymentStatus{
	model.PaymentPending:     {model.PaymentDownPayment, model.PaymentCompleted},
	model.PaymentDownPayment: {model.PaymentCompleted},
	model.PaymentCompleted:   {model.PaymentRefunded},
	model.PaymentRefunded:    {},
}

func allowed(list []model.ExecutionStatus, to model.ExecutionStatus) bool {
	for _, s := range list {
		if s == to {
			return true
		}
	}
	return false
}

func allowedPayment(list []model.PaymentStatus, to model.PaymentStatus) bool {
	for _, s := range list {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionExecution сообщает, допустим ли переход статуса выполнения.
func CanTransitionExecution(from, to model.ExecutionStatus) bool {
	return allowed(executionTransitions[from], to)
}

// TransitionExecution возвращает копию заказа с новым статусом выполнения
// либо ErrInvalidTransition. Заказ со статусом оплаты refunded заморожен.
func TransitionExecution(o model.Order, to model.ExecutionStatus) (model.Order, error) {
	if o.PaymentStatus == model.PaymentRefunded {
		return o, ErrInvalidTransition
	}
	if !CanTransitionExecution(o.ExecutionStatus, to) {
		return o, ErrInvalidTransition
	}
	o.ExecutionStatus = to
	return o, nil
}

// PaymentEvent описывает запрос на изменение статуса оплаты.
// DiscountAmount и RedeemPoints взаимоисключающие: ненулевые значения
// обоих полей отклоняются. Для перехода в down_payment сумма должна быть
// строго меньше итога заказа: платёж на полную сумму оформляется
// событием completed, иначе возвращается ErrInsufficientPayment.
type PaymentEvent struct {
	To             model.PaymentStatus
	Amount         int64
	Method         model.PaymentMethod
	DiscountAmount int64
	RedeemPoints   int
}

// Result содержит итог применения платёжного события: обновлённые поля
// заказа, операции с баллами для записи в журнал и обновлённый бонусный
// счёт. Либо заполняется целиком, либо возвращается ошибка — частичных
// обновлений не бывает.
type Result struct {
	Order        model.Order
	Transactions []model.PointTransaction
	Balance      *model.PointsBalance
}

// ApplyPayment проверяет платёжное событие и вычисляет его последствия.
// Снимок бонусного счёта balance может быть nil, если счёт ещё не заведён.
// pointsEnabled — флаг бонусной программы точки: при false начисление
// пропускается, списание ранее накопленных баллов остаётся доступным.
func ApplyPayment(o model.Order, items []model.OrderItem, ev PaymentEvent, balance *model.PointsBalance, pointsEnabled bool) (Result, error) {
	if !allowedPayment(paymentTransitions[o.PaymentStatus], ev.To) {
		return Result{}, ErrInvalidTransition
	}

	res := Result{Order: o}
	now := time.Now()

	if ev.To == model.PaymentRefunded {
		// Полный возврат: сумма не передаётся, поля денег не трогаем.
		res.Order.PaymentStatus = model.PaymentRefunded
		return res, nil
	}

	if ev.DiscountAmount < 0 {
		return Result{}, ErrDiscountExceedsSubtotal
	}
	if ev.RedeemPoints < 0 {
		return Result{}, ErrInsufficientPoints
	}
	if ev.DiscountAmount > 0 && ev.RedeemPoints > 0 {
		return Result{}, ErrConflictingDiscountSource
	}

	// Скидка применяется один раз — на событии, переводящем заказ в
	// down_payment или completed. Повторный источник скидки конфликтует
	// с уже применённым.
	hasDiscount := o.DiscountAmount > 0 || o.PointsRedeemed > 0
	wantsDiscount := ev.DiscountAmount > 0 || ev.RedeemPoints > 0
	if hasDiscount && wantsDiscount {
		return Result{}, ErrConflictingDiscountSource
	}

	discount := o.DiscountAmount
	redeemed := o.PointsRedeemed

	if wantsDiscount {
		if ev.RedeemPoints > 0 {
			current := 0
			if balance != nil {
				current = balance.CurrentPoints
			}
			if ev.RedeemPoints > current {
				return Result{}, ErrInsufficientPoints
			}
			discount = int64(ev.RedeemPoints) * PointValue
			redeemed = ev.RedeemPoints
		} else {
			discount = ev.DiscountAmount
		}
		if discount > o.Subtotal {
			return Result{}, ErrDiscountExceedsSubtotal
		}
	}

	total := o.Subtotal + o.TaxAmount - discount
	paid := o.PaidAmount + ev.Amount

	switch ev.To {
	case model.PaymentDownPayment:
		if ev.Amount <= 0 || ev.Amount >= total {
			return Result{}, ErrInsufficientPayment
		}
	case model.PaymentCompleted:
		if paid < total {
			return Result{}, ErrInsufficientPayment
		}
	}

	res.Order.PaymentStatus = ev.To
	res.Order.DiscountAmount = discount
	res.Order.TotalAmount = total
	res.Order.PaidAmount = paid
	res.Order.PointsRedeemed = redeemed
	if ev.Method != "" {
		res.Order.PaymentMethod = ev.Method
	}

	var bal model.PointsBalance
	if balance != nil {
		bal = *balance
	} else {
		bal = model.PointsBalance{
			StoreID:    o.StoreID,
			CustomerID: o.CustomerID,
		}
	}
	balanceChanged := false
	orderID := o.ID

	if wantsDiscount && redeemed > 0 {
		bal.CurrentPoints -= redeemed
		balanceChanged = true
		res.Transactions = append(res.Transactions, model.PointTransaction{
			OrderID:       &orderID,
			PointsChanged: -redeemed,
			Type:          model.TransactionRedemption,
			CreatedAt:     now,
		})
	}

	// Начисление срабатывает ровно один раз: при входе в completed с ещё
	// не заполненным points_earned. Повторное событие completed (идемпотентный
	// ретрай) баллов не добавляет.
	if ev.To == model.PaymentCompleted && o.PointsEarned == 0 && pointsEnabled {
		earned := EarnedPoints(items)
		res.Order.PointsEarned = earned
		if earned > 0 {
			bal.AccumulatedPoints += earned
			bal.CurrentPoints += earned
			balanceChanged = true
			res.Transactions = append(res.Transactions, model.PointTransaction{
				OrderID:       &orderID,
				PointsChanged: earned,
				Type:          model.TransactionEarning,
				CreatedAt:     now,
			})
		}
	}

	if balanceChanged {
		res.Balance = &bal
	}

	return res, nil
}

// EarnedPoints считает баллы за заказ: услуги по весу дают балл за каждый
// килограмм (вес округляется арифметически), штучные — балл за единицу,
// комбинированные — и то и другое. Товары баллов не дают.
func EarnedPoints(items []model.OrderItem) int {
	total := 0
	for _, it := range items {
		switch it.ServiceType {
		case model.ServiceTypeKilo:
			total += roundHalfUp(it.WeightKg)
		case model.ServiceTypeUnit:
			total += it.Quantity
		case model.ServiceTypeCombined:
			total += roundHalfUp(it.WeightKg) + it.Quantity
		}
	}
	return total
}

// RemainingBalance возвращает остаток к оплате. Значение всегда вычисляется
// из текущих полей заказа и отдельно не хранится.
func RemainingBalance(o model.Order) int64 {
	rest := o.TotalAmount - o.PaidAmount
	if rest < 0 {
		return 0
	}
	return rest
}

// LineTotal считает стоимость позиции: по весу для kilo и combined,
// по количеству для остальных типов.
func LineTotal(serviceType model.ServiceType, price int64, quantity int, weightKg float64) int64 {
	switch serviceType {
	case model.ServiceTypeKilo, model.ServiceTypeCombined:
		return int64(math.Round(float64(price) * weightKg))
	default:
		return price * int64(quantity)
	}
}

func roundHalfUp(v float64) int {
	return int(math.Floor(v + 0.5))
}
