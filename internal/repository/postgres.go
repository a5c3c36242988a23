// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/smolentsov/logmarket/internal/ledger"
	"github.com/smolentsov/logmarket/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrEntryNotFound возвращается, если запись леджера не найдена.
	ErrEntryNotFound = errors.New("ledger entry not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInsufficientFunds возвращается при покупке на сумму, превышающую баланс.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInsufficientBalanceToReverse возвращается, если отмена ранее применённой
	// записи увела бы баланс пользователя в минус.
	ErrInsufficientBalanceToReverse = errors.New("insufficient balance to reverse entry")
	// ErrDuplicateOrderNumber возвращается при коллизии номера заказа.
	// Вызывающая сторона повторяет попытку с новым номером.
	ErrDuplicateOrderNumber = errors.New("duplicate order number")
)

// EntryFilter задаёт критерии выборки записей леджера. Нулевые поля не фильтруют.
type EntryFilter struct {
	UserID *int64
	Kind   model.EntryKind
	Status model.EntryStatus
}

// StatusChange описывает результат перехода статуса записи леджера.
type StatusChange struct {
	UserID       int64
	OldStatus    model.EntryStatus
	NewStatus    model.EntryStatus
	BalanceCents int64
}

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

// withRetry повторяет транзакцию при serialization failure или deadlock.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) &&
			(pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected) {
			return retry.RetryableError(err)
		}

		return err
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя вместе со строкой баланса.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO balances (user_id, amount) VALUES ($1, 0)`, id)
	if err != nil {
		return 0, fmt.Errorf("create balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, role, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetUserRole возвращает роль пользователя.
func (r *PostgresRepository) GetUserRole(ctx context.Context, userID int64) (model.Role, error) {
	var role model.Role
	err := r.pool.QueryRow(ctx, `SELECT role FROM users WHERE id = $1`, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("get user role: %w", err)
	}
	return role, nil
}

// GetBalance возвращает текущий баланс пользователя в центах.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (int64, error) {
	var amount int64
	err := r.pool.QueryRow(ctx,
		`SELECT amount FROM balances WHERE user_id = $1`, userID,
	).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return amount, nil
}

// CreateDepositEntry сохраняет новую запись о депозите в статусе pending.
// Баланс при этом не меняется: эффект появится после перевода записи
// в статус completed администратором.
func (r *PostgresRepository) CreateDepositEntry(ctx context.Context, entry model.LedgerEntry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, kind, amount, status, currency, external_ref)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.UserID, string(entry.Kind), entry.AmountCents,
		string(entry.Status), entry.Currency, entry.ExternalRef,
	)
	if err != nil {
		return fmt.Errorf("insert deposit entry: %w", err)
	}
	return nil
}

// CreatePurchase атомарно проводит покупку: блокирует строку баланса,
// проверяет достаточность средств, списывает сумму, создаёт запись леджера
// в статусе completed и заказ. Возвращает баланс после списания.
func (r *PostgresRepository) CreatePurchase(ctx context.Context, entry model.LedgerEntry, order model.Order) (int64, error) {
	var newBalance int64

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Блокировка строки баланса сериализует параллельные покупки одного
		// пользователя: обе не могут пройти проверку по досписочному балансу.
		var balance int64
		err = tx.QueryRow(ctx,
			`SELECT amount FROM balances WHERE user_id = $1 FOR UPDATE`, entry.UserID,
		).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock balance: %w", err)
		}

		if balance < entry.AmountCents {
			return ErrInsufficientFunds
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, user_id, kind, amount, status, currency)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			entry.ID, entry.UserID, string(entry.Kind), entry.AmountCents,
			string(entry.Status), entry.Currency,
		)
		if err != nil {
			return fmt.Errorf("insert purchase entry: %w", err)
		}

		newBalance = balance - entry.AmountCents
		_, err = tx.Exec(ctx,
			`UPDATE balances SET amount = $2, updated_at = now() WHERE user_id = $1`,
			entry.UserID, newBalance,
		)
		if err != nil {
			return fmt.Errorf("debit balance: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO orders (id, user_id, order_number, product_id, product_name, amount, status, payment_method)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			order.ID, order.UserID, order.OrderNumber, order.ProductID,
			order.ProductName, order.AmountCents, string(order.Status), order.PaymentMethod,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return fmt.Errorf("%w: %s", ErrDuplicateOrderNumber, order.OrderNumber)
			}
			return fmt.Errorf("insert order: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return newBalance, nil
}

// CreateAdjustment атомарно создаёт корректировку администратора: запись
// леджера сразу в статусе completed, начисление на баланс и строку аудита.
func (r *PostgresRepository) CreateAdjustment(ctx context.Context, entry model.LedgerEntry, adminID int64, note string) (int64, error) {
	var newBalance int64

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var balance int64
		err = tx.QueryRow(ctx,
			`SELECT amount FROM balances WHERE user_id = $1 FOR UPDATE`, entry.UserID,
		).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock balance: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, user_id, kind, amount, status, currency)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			entry.ID, entry.UserID, string(entry.Kind), entry.AmountCents,
			string(entry.Status), entry.Currency,
		)
		if err != nil {
			return fmt.Errorf("insert adjustment entry: %w", err)
		}

		newBalance = balance + ledger.Effect(entry.Kind, entry.AmountCents, entry.Status)
		_, err = tx.Exec(ctx,
			`UPDATE balances SET amount = $2, updated_at = now() WHERE user_id = $1`,
			entry.UserID, newBalance,
		)
		if err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO admin_actions (admin_id, action_type, affected_table, affected_id, note)
			 VALUES ($1, $2, $3, $4, $5)`,
			adminID, "balance_adjustment", "ledger_entries", entry.ID, note,
		)
		if err != nil {
			return fmt.Errorf("insert admin action: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return newBalance, nil
}

// UpdateEntryStatus переводит запись леджера в новый статус и применяет к
// балансу разницу эффектов старого и нового статусов. Запись и строка баланса
// блокируются на время транзакции, поэтому параллельные переходы по одной
// записи не могут прочитать устаревший статус. Переход в тот же статус —
// идемпотентный no-op.
func (r *PostgresRepository) UpdateEntryStatus(ctx context.Context, entryID string, newStatus model.EntryStatus, adminID int64, note string) (*StatusChange, error) {
	var change *StatusChange

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			userID    int64
			kind      model.EntryKind
			amount    int64
			oldStatus model.EntryStatus
		)
		err = tx.QueryRow(ctx,
			`SELECT user_id, kind, amount, status FROM ledger_entries WHERE id = $1 FOR UPDATE`,
			entryID,
		).Scan(&userID, &kind, &amount, &oldStatus)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrEntryNotFound
			}
			return fmt.Errorf("lock entry: %w", err)
		}

		if oldStatus == newStatus {
			var balance int64
			if err := tx.QueryRow(ctx,
				`SELECT amount FROM balances WHERE user_id = $1`, userID,
			).Scan(&balance); err != nil {
				return fmt.Errorf("get balance: %w", err)
			}
			change = &StatusChange{UserID: userID, OldStatus: oldStatus, NewStatus: newStatus, BalanceCents: balance}
			return tx.Commit(ctx)
		}

		var balance int64
		err = tx.QueryRow(ctx,
			`SELECT amount FROM balances WHERE user_id = $1 FOR UPDATE`, userID,
		).Scan(&balance)
		if err != nil {
			return fmt.Errorf("lock balance: %w", err)
		}

		delta := ledger.Delta(kind, amount, oldStatus, newStatus)
		newBalance := balance + delta
		if newBalance < 0 {
			// Переход отклоняется целиком: статус записи не меняется.
			return ErrInsufficientBalanceToReverse
		}

		if delta != 0 {
			_, err = tx.Exec(ctx,
				`UPDATE balances SET amount = $2, updated_at = now() WHERE user_id = $1`,
				userID, newBalance,
			)
			if err != nil {
				return fmt.Errorf("apply delta: %w", err)
			}
		}

		_, err = tx.Exec(ctx,
			`UPDATE ledger_entries SET status = $2, updated_at = now() WHERE id = $1`,
			entryID, string(newStatus),
		)
		if err != nil {
			return fmt.Errorf("update entry status: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO admin_actions (admin_id, action_type, affected_table, affected_id, note)
			 VALUES ($1, $2, $3, $4, $5)`,
			adminID, "set_entry_status", "ledger_entries", entryID,
			fmt.Sprintf("%s -> %s; %s", oldStatus, newStatus, note),
		)
		if err != nil {
			return fmt.Errorf("insert admin action: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		change = &StatusChange{UserID: userID, OldStatus: oldStatus, NewStatus: newStatus, BalanceCents: newBalance}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return change, nil
}

// GetEntry возвращает запись леджера по идентификатору.
func (r *PostgresRepository) GetEntry(ctx context.Context, entryID string) (*model.LedgerEntry, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, kind, amount, status, currency, external_ref, created_at, updated_at
		 FROM ledger_entries WHERE id = $1`,
		entryID,
	)

	var e model.LedgerEntry
	err := row.Scan(&e.ID, &e.UserID, &e.Kind, &e.AmountCents, &e.Status,
		&e.Currency, &e.ExternalRef, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("get entry: %w", err)
	}

	return &e, nil
}

// ListEntries возвращает записи леджера по фильтру, новые первыми.
func (r *PostgresRepository) ListEntries(ctx context.Context, filter EntryFilter) ([]model.LedgerEntry, error) {
	query := `SELECT id, user_id, kind, amount, status, currency, external_ref, created_at, updated_at
	          FROM ledger_entries WHERE 1=1`
	args := []any{}

	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	query += " ORDER BY created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select entries: %w", err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.AmountCents, &e.Status,
			&e.Currency, &e.ExternalRef, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return entries, nil
}

// GetOrdersByUser возвращает заказы пользователя, новые первыми.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, order_number, product_id, product_name, amount, status, payment_method, created_at, updated_at
		 FROM orders
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.OrderNumber, &o.ProductID, &o.ProductName,
			&o.AmountCents, &o.Status, &o.PaymentMethod, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// UpdateOrderStatus меняет статус исполнения заказа и пишет строку аудита.
// Статус заказа не влияет на баланс: он отражает только стадию выдачи товара.
func (r *PostgresRepository) UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus, adminID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`,
		orderID, string(status),
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO admin_actions (admin_id, action_type, affected_table, affected_id, note)
		 VALUES ($1, $2, $3, $4, $5)`,
		adminID, "set_order_status", "orders", orderID, string(status),
	)
	if err != nil {
		return fmt.Errorf("insert admin action: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// ListAdminActions возвращает последние записи журнала действий администраторов.
func (r *PostgresRepository) ListAdminActions(ctx context.Context, limit int) ([]model.AdminAction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, admin_id, action_type, affected_table, affected_id, note, created_at
		 FROM admin_actions
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select admin actions: %w", err)
	}
	defer rows.Close()

	var actions []model.AdminAction
	for rows.Next() {
		var a model.AdminAction
		if err := rows.Scan(&a.ID, &a.AdminID, &a.ActionType, &a.AffectedTable,
			&a.AffectedID, &a.Note, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan admin action: %w", err)
		}
		actions = append(actions, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return actions, nil
}
