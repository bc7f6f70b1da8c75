// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/smartlaundry/pos-system/internal/ledger"
	"github.com/smartlaundry/pos-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrStoreNotFound возвращается, если точка не найдена.
	ErrStoreNotFound = errors.New("store not found")
	// ErrCustomerNotFound возвращается, если клиент не найден.
	ErrCustomerNotFound = errors.New("customer not found")
	// ErrOrderNotFound возвращается, если заказ не найден в рамках точки.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderConflict возвращается, если заказ изменился между чтением снимка и записью.
	ErrOrderConflict = errors.New("order modified concurrently")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при временных ошибках: сбоях сериализации,
// дедлоках и обрывах соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// defaultServices — стартовый прайс-лист новой точки.
var defaultServices = []model.LaundryService{
	{Name: "Cuci Kering", Price: 7000, ServiceType: model.ServiceTypeKilo, Category: "Kiloan"},
	{Name: "Cuci Setrika", Price: 10000, ServiceType: model.ServiceTypeKilo, Category: "Kiloan"},
	{Name: "Setrika Saja", Price: 5000, ServiceType: model.ServiceTypeKilo, Category: "Kiloan"},
	{Name: "Cuci Express", Price: 15000, ServiceType: model.ServiceTypeKilo, Category: "Express"},
	{Name: "Bed Cover", Price: 25000, ServiceType: model.ServiceTypeUnit, Category: "Satuan"},
	{Name: "Selimut", Price: 20000, ServiceType: model.ServiceTypeUnit, Category: "Satuan"},
	{Name: "Sepatu", Price: 30000, ServiceType: model.ServiceTypeUnit, Category: "Satuan"},
	{Name: "Parfum Ekstra", Price: 5000, ServiceType: model.ServiceTypeProduct, Category: "Produk"},
}

// CreateStoreWithOwner создаёт точку и первого пользователя одной транзакцией,
// заполняя прайс-лист услугами по умолчанию.
func (r *PostgresRepository) CreateStoreWithOwner(ctx context.Context, storeName, login string, passwordHash []byte) (*model.Store, *model.User, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	store := &model.Store{
		ID:            uuid.New(),
		Name:          storeName,
		OrderPrefix:   "ORD",
		PointsEnabled: true,
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO stores (id, name) VALUES ($1, $2) RETURNING order_prefix, points_enabled, created_at`,
		store.ID, store.Name,
	).Scan(&store.OrderPrefix, &store.PointsEnabled, &store.CreatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("insert store: %w", err)
	}

	user := &model.User{
		ID:           uuid.New(),
		StoreID:      store.ID,
		Login:        login,
		PasswordHash: passwordHash,
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO users (id, store_id, login, password_hash) VALUES ($1, $2, $3, $4) RETURNING created_at`,
		user.ID, user.StoreID, user.Login, user.PasswordHash,
	).Scan(&user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, nil, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return nil, nil, fmt.Errorf("insert user: %w", err)
	}

	for _, s := range defaultServices {
		_, err = tx.Exec(ctx,
			`INSERT INTO services (id, store_id, name, price, service_type, category) VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.New(), store.ID, s.Name, s.Price, string(s.ServiceType), s.Category,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("insert default service: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit tx: %w", err)
	}

	return store, user, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, store_id, login, password_hash, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.StoreID, &u.Login, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetStore возвращает точку по идентификатору.
func (r *PostgresRepository) GetStore(ctx context.Context, storeID uuid.UUID) (*model.Store, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, order_prefix, points_enabled, created_at FROM stores WHERE id = $1`,
		storeID,
	)

	var s model.Store
	err := row.Scan(&s.ID, &s.Name, &s.OrderPrefix, &s.PointsEnabled, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStoreNotFound
		}
		return nil, fmt.Errorf("get store: %w", err)
	}

	return &s, nil
}

// GetOrCreateCustomer возвращает клиента точки по телефону, создавая его при
// первом обращении. Имя существующего клиента не перезаписывается.
func (r *PostgresRepository) GetOrCreateCustomer(ctx context.Context, storeID uuid.UUID, name, phone string) (*model.Customer, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO customers (id, store_id, name, phone) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (store_id, phone) DO NOTHING`,
		uuid.New(), storeID, name, phone,
	)
	if err != nil {
		return nil, fmt.Errorf("insert customer: %w", err)
	}

	row := r.pool.QueryRow(ctx,
		`SELECT id, store_id, name, phone, created_at FROM customers WHERE store_id = $1 AND phone = $2`,
		storeID, phone,
	)

	var c model.Customer
	if err := row.Scan(&c.ID, &c.StoreID, &c.Name, &c.Phone, &c.CreatedAt); err != nil {
		return nil, fmt.Errorf("select customer: %w", err)
	}

	return &c, nil
}

// GetCustomer возвращает клиента точки по идентификатору.
func (r *PostgresRepository) GetCustomer(ctx context.Context, storeID, customerID uuid.UUID) (*model.Customer, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, store_id, name, phone, created_at FROM customers WHERE store_id = $1 AND id = $2`,
		storeID, customerID,
	)

	var c model.Customer
	err := row.Scan(&c.ID, &c.StoreID, &c.Name, &c.Phone, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}

	return &c, nil
}

// SearchCustomers ищет клиентов точки по имени или телефону.
func (r *PostgresRepository) SearchCustomers(ctx context.Context, storeID uuid.UUID, query string, limit int) ([]model.Customer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, store_id, name, phone, created_at
		 FROM customers
		 WHERE store_id = $1 AND (name ILIKE '%' || $2 || '%' OR phone LIKE '%' || $2 || '%')
		 ORDER BY name
		 LIMIT $3`,
		storeID, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search customers: %w", err)
	}
	defer rows.Close()

	var res []model.Customer
	for rows.Next() {
		var c model.Customer
		if err := rows.Scan(&c.ID, &c.StoreID, &c.Name, &c.Phone, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListServices возвращает активные услуги точки.
func (r *PostgresRepository) ListServices(ctx context.Context, storeID uuid.UUID) ([]model.LaundryService, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, store_id, name, price, service_type, category, is_active
		 FROM services
		 WHERE store_id = $1 AND is_active
		 ORDER BY category, name`,
		storeID,
	)
	if err != nil {
		return nil, fmt.Errorf("select services: %w", err)
	}
	defer rows.Close()

	var res []model.LaundryService
	for rows.Next() {
		var s model.LaundryService
		var serviceType string
		if err := rows.Scan(&s.ID, &s.StoreID, &s.Name, &s.Price, &serviceType, &s.Category, &s.IsActive); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		s.ServiceType = model.ServiceType(serviceType)
		res = append(res, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateOrder сохраняет заказ с позициями, резервируя очередной дневной номер
// атомарным инкрементом счётчика (store, day).
func (r *PostgresRepository) CreateOrder(ctx context.Context, store *model.Store, order model.Order, items []model.OrderItem) (model.Order, error) {
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		now := time.Now()

		var seq int
		err = tx.QueryRow(ctx,
			`INSERT INTO order_counters (store_id, day, last_seq) VALUES ($1, $2, 1)
			 ON CONFLICT (store_id, day) DO UPDATE SET last_seq = order_counters.last_seq + 1
			 RETURNING last_seq`,
			store.ID, now.Format("2006-01-02"),
		).Scan(&seq)
		if err != nil {
			return fmt.Errorf("reserve order number: %w", err)
		}

		order.ID = uuid.New()
		order.Number = fmt.Sprintf("%s-%s-%04d", store.OrderPrefix, now.Format("20060102"), seq)

		err = tx.QueryRow(ctx,
			`INSERT INTO orders (id, store_id, customer_id, number, subtotal, tax_amount, total_amount, execution_status, payment_status, notes)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 RETURNING created_at, updated_at`,
			order.ID, order.StoreID, order.CustomerID, order.Number,
			order.Subtotal, order.TaxAmount, order.TotalAmount,
			string(model.ExecutionInQueue), string(model.PaymentPending), order.Notes,
		).Scan(&order.CreatedAt, &order.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for i := range items {
			items[i].ID = uuid.New()
			items[i].OrderID = order.ID
			_, err = tx.Exec(ctx,
				`INSERT INTO order_items (id, order_id, service_name, service_type, price, quantity, weight_kg, line_total)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				items[i].ID, items[i].OrderID, items[i].ServiceName, string(items[i].ServiceType),
				items[i].Price, items[i].Quantity, items[i].WeightKg, items[i].LineTotal,
			)
			if err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
	if err != nil {
		return model.Order{}, err
	}

	order.ExecutionStatus = model.ExecutionInQueue
	order.PaymentStatus = model.PaymentPending
	return order, nil
}

const orderColumns = `id, store_id, customer_id, number, subtotal, tax_amount, discount_amount, total_amount,
	paid_amount, payment_method, execution_status, payment_status, points_earned, points_redeemed,
	notes, created_at, updated_at`

func scanOrder(row pgx.Row) (model.Order, error) {
	var o model.Order
	var method *string
	var execution, payment string

	err := row.Scan(
		&o.ID, &o.StoreID, &o.CustomerID, &o.Number, &o.Subtotal, &o.TaxAmount, &o.DiscountAmount, &o.TotalAmount,
		&o.PaidAmount, &method, &execution, &payment, &o.PointsEarned, &o.PointsRedeemed,
		&o.Notes, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return model.Order{}, err
	}

	if method != nil {
		o.PaymentMethod = model.PaymentMethod(*method)
	}
	o.ExecutionStatus = model.ExecutionStatus(execution)
	o.PaymentStatus = model.PaymentStatus(payment)
	return o, nil
}

// GetOrder возвращает заказ точки с позициями.
func (r *PostgresRepository) GetOrder(ctx context.Context, storeID, orderID uuid.UUID) (*model.Order, []model.OrderItem, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE store_id = $1 AND id = $2`,
		storeID, orderID,
	)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrOrderNotFound
		}
		return nil, nil, fmt.Errorf("get order: %w", err)
	}

	items, err := r.getOrderItems(ctx, o.ID)
	if err != nil {
		return nil, nil, err
	}

	return &o, items, nil
}

func (r *PostgresRepository) getOrderItems(ctx context.Context, orderID uuid.UUID) ([]model.OrderItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, service_name, service_type, price, quantity, weight_kg, line_total
		 FROM order_items WHERE order_id = $1`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	var items []model.OrderItem
	for rows.Next() {
		var it model.OrderItem
		var serviceType string
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ServiceName, &serviceType, &it.Price, &it.Quantity, &it.WeightKg, &it.LineTotal); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		it.ServiceType = model.ServiceType(serviceType)
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

func (r *PostgresRepository) queryOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var res []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetOrdersToday возвращает заказы точки за текущие сутки, опционально
// отфильтрованные по статусу выполнения.
func (r *PostgresRepository) GetOrdersToday(ctx context.Context, storeID uuid.UUID, status model.ExecutionStatus) ([]model.Order, error) {
	if status != "" {
		return r.queryOrders(ctx,
			`SELECT `+orderColumns+` FROM orders
			 WHERE store_id = $1 AND created_at >= date_trunc('day', now()) AND execution_status = $2
			 ORDER BY created_at DESC`,
			storeID, string(status),
		)
	}

	return r.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE store_id = $1 AND created_at >= date_trunc('day', now())
		 ORDER BY created_at DESC`,
		storeID,
	)
}

// GetOrdersReady возвращает заказы точки, готовые к выдаче.
func (r *PostgresRepository) GetOrdersReady(ctx context.Context, storeID uuid.UUID) ([]model.Order, error) {
	return r.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE store_id = $1 AND execution_status = $2
		 ORDER BY updated_at DESC`,
		storeID, string(model.ExecutionReadyForPickup),
	)
}

// GetUnpaidOrders возвращает неоплаченные и неотменённые заказы точки старше cutoff.
func (r *PostgresRepository) GetUnpaidOrders(ctx context.Context, storeID uuid.UUID, cutoff time.Time) ([]model.Order, error) {
	return r.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE store_id = $1 AND payment_status = $2 AND execution_status <> $3 AND created_at < $4
		 ORDER BY created_at`,
		storeID, string(model.PaymentPending), string(model.ExecutionCancelled), cutoff,
	)
}

// GetCustomerOrders возвращает историю заказов клиента.
func (r *PostgresRepository) GetCustomerOrders(ctx context.Context, storeID, customerID uuid.UUID, limit int) ([]model.Order, error) {
	return r.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE store_id = $1 AND customer_id = $2
		 ORDER BY created_at DESC
		 LIMIT $3`,
		storeID, customerID, limit,
	)
}

// UpdateExecutionStatus переводит заказ из ожидаемого статуса в новый.
// Возвращает ErrOrderConflict, если заказ уже не в ожидаемом статусе.
func (r *PostgresRepository) UpdateExecutionStatus(ctx context.Context, orderID uuid.UUID, from, to model.ExecutionStatus) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET execution_status = $2, updated_at = now() WHERE id = $1 AND execution_status = $3`,
		orderID, string(to), string(from),
	)
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return ErrOrderConflict
	}

	return nil
}

// GetPointsBalance возвращает бонусный счёт клиента либо nil, если счёт ещё не заведён.
func (r *PostgresRepository) GetPointsBalance(ctx context.Context, storeID, customerID uuid.UUID) (*model.PointsBalance, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, store_id, customer_id, accumulated_points, current_points
		 FROM points_balances WHERE store_id = $1 AND customer_id = $2`,
		storeID, customerID,
	)

	var b model.PointsBalance
	err := row.Scan(&b.ID, &b.StoreID, &b.CustomerID, &b.AccumulatedPoints, &b.CurrentPoints)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get points balance: %w", err)
	}

	return &b, nil
}

// GetPointTransactions возвращает журнал операций с баллами клиента.
func (r *PostgresRepository) GetPointTransactions(ctx context.Context, storeID, customerID uuid.UUID, limit int) ([]model.PointTransaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT t.id, t.balance_id, t.order_id, t.points_changed, t.transaction_type, t.created_at
		 FROM point_transactions t
		 JOIN points_balances b ON b.id = t.balance_id
		 WHERE b.store_id = $1 AND b.customer_id = $2
		 ORDER BY t.created_at DESC
		 LIMIT $3`,
		storeID, customerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select point transactions: %w", err)
	}
	defer rows.Close()

	var res []model.PointTransaction
	for rows.Next() {
		var t model.PointTransaction
		var txType string
		if err := rows.Scan(&t.ID, &t.BalanceID, &t.OrderID, &t.PointsChanged, &txType, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan point transaction: %w", err)
		}
		t.Type = model.TransactionType(txType)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ApplyPaymentResult сохраняет итог платёжного события одной транзакцией:
// поля заказа обновляются только если заказ не изменился со времени чтения
// снимка (иначе ErrOrderConflict), строка бонусного счёта блокируется
// FOR UPDATE, изменения баллов применяются дельтами и проверяются против
// актуального значения.
func (r *PostgresRepository) ApplyPaymentResult(ctx context.Context, prev model.Order, res ledger.Result) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var method *string
		if res.Order.PaymentMethod != "" {
			m := string(res.Order.PaymentMethod)
			method = &m
		}

		cmdTag, err := tx.Exec(ctx,
			`UPDATE orders
			 SET payment_status = $2, discount_amount = $3, total_amount = $4, paid_amount = $5,
			     payment_method = COALESCE($6, payment_method), points_earned = $7, points_redeemed = $8,
			     updated_at = now()
			 WHERE id = $1 AND payment_status = $9 AND points_earned = $10`,
			prev.ID,
			string(res.Order.PaymentStatus), res.Order.DiscountAmount, res.Order.TotalAmount, res.Order.PaidAmount,
			method, res.Order.PointsEarned, res.Order.PointsRedeemed,
			string(prev.PaymentStatus), prev.PointsEarned,
		)
		if err != nil {
			return fmt.Errorf("update order payment: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrOrderConflict
		}

		if len(res.Transactions) == 0 {
			return tx.Commit(ctx)
		}

		// Суммарные дельты: current меняют все операции, accumulated — только начисления.
		var currentDelta, accumulatedDelta int
		for _, t := range res.Transactions {
			currentDelta += t.PointsChanged
			if t.PointsChanged > 0 {
				accumulatedDelta += t.PointsChanged
			}
		}

		balanceID, err := lockBalance(ctx, tx, res.Balance.StoreID, res.Balance.CustomerID)
		if err != nil {
			return err
		}

		var newCurrent int
		err = tx.QueryRow(ctx,
			`UPDATE points_balances
			 SET accumulated_points = accumulated_points + $2, current_points = current_points + $3
			 WHERE id = $1
			 RETURNING current_points`,
			balanceID, accumulatedDelta, currentDelta,
		).Scan(&newCurrent)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.CheckViolation {
				return ledger.ErrInsufficientPoints
			}
			return fmt.Errorf("update points balance: %w", err)
		}

		for _, t := range res.Transactions {
			_, err = tx.Exec(ctx,
				`INSERT INTO point_transactions (id, balance_id, order_id, points_changed, transaction_type)
				 VALUES ($1, $2, $3, $4, $5)`,
				uuid.New(), balanceID, t.OrderID, t.PointsChanged, string(t.Type),
			)
			if err != nil {
				return fmt.Errorf("insert point transaction: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// lockBalance возвращает идентификатор строки бонусного счёта под блокировкой,
// создавая её при отсутствии.
func lockBalance(ctx context.Context, tx pgx.Tx, storeID, customerID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx,
		`SELECT id FROM points_balances WHERE store_id = $1 AND customer_id = $2 FOR UPDATE`,
		storeID, customerID,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("lock points balance: %w", err)
	}

	id = uuid.New()
	_, err = tx.Exec(ctx,
		`INSERT INTO points_balances (id, store_id, customer_id) VALUES ($1, $2, $3)
		 ON CONFLICT (store_id, customer_id) DO NOTHING`,
		id, storeID, customerID,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert points balance: %w", err)
	}

	err = tx.QueryRow(ctx,
		`SELECT id FROM points_balances WHERE store_id = $1 AND customer_id = $2 FOR UPDATE`,
		storeID, customerID,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("lock points balance: %w", err)
	}

	return id, nil
}

// ReminderOrder описывает неоплаченный заказ вместе с контактами клиента
// для отправки напоминания.
type ReminderOrder struct {
	Order         model.Order
	CustomerName  string
	CustomerPhone string
}

// GetOrdersForReminder возвращает заказы всех точек с просроченной оплатой,
// по которым ещё не отправлялось напоминание в текущем окне.
func (r *PostgresRepository) GetOrdersForReminder(ctx context.Context, cutoff time.Time, limit int) ([]ReminderOrder, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT o.id, o.store_id, o.customer_id, o.number, o.total_amount, o.paid_amount, o.created_at,
		        c.name, c.phone
		 FROM orders o
		 JOIN customers c ON c.id = o.customer_id
		 WHERE o.payment_status = $1 AND o.execution_status <> $2 AND o.created_at < $3
		   AND (o.reminded_at IS NULL OR o.reminded_at < $3)
		 ORDER BY o.created_at
		 LIMIT $4`,
		string(model.PaymentPending), string(model.ExecutionCancelled), cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders for reminder: %w", err)
	}
	defer rows.Close()

	var res []ReminderOrder
	for rows.Next() {
		var ro ReminderOrder
		if err := rows.Scan(
			&ro.Order.ID, &ro.Order.StoreID, &ro.Order.CustomerID, &ro.Order.Number,
			&ro.Order.TotalAmount, &ro.Order.PaidAmount, &ro.Order.CreatedAt,
			&ro.CustomerName, &ro.CustomerPhone,
		); err != nil {
			return nil, fmt.Errorf("scan reminder order: %w", err)
		}
		res = append(res, ro)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkReminded фиксирует время отправки напоминания об оплате.
func (r *PostgresRepository) MarkReminded(ctx context.Context, orderID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders SET reminded_at = now() WHERE id = $1`,
		orderID,
	)
	if err != nil {
		return fmt.Errorf("mark reminded: %w", err)
	}
	return nil
}
