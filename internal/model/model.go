// Package model содержит доменные сущности сервиса logmarket.
package model

import "time"

// Role определяет роль пользователя в системе.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User представляет зарегистрированного пользователя магазина.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	Role         Role
	CreatedAt    time.Time
}

// EntryKind описывает тип записи леджера.
type EntryKind string

const (
	EntryKindDeposit    EntryKind = "deposit"
	EntryKindPurchase   EntryKind = "purchase"
	EntryKindAdjustment EntryKind = "adjustment"
)

// EntryStatus описывает статус записи леджера. От статуса зависит,
// учтена ли сумма записи в балансе пользователя.
type EntryStatus string

const (
	EntryStatusPending   EntryStatus = "pending"
	EntryStatusCompleted EntryStatus = "completed"
	EntryStatusFailed    EntryStatus = "failed"
)

// LedgerEntry описывает одно событие, влияющее на баланс пользователя:
// депозит, покупку или ручную корректировку администратора.
// Kind и AmountCents неизменяемы после создания, меняется только Status.
type LedgerEntry struct {
	ID          string
	UserID      int64
	Kind        EntryKind
	AmountCents int64
	Status      EntryStatus
	Currency    string
	ExternalRef string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OrderStatus описывает статус исполнения заказа. Он независим от статуса
// записи леджера и не влияет на баланс.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// Order описывает заказ, созданный при покупке товара с баланса.
type Order struct {
	ID            string
	UserID        int64
	OrderNumber   string
	ProductID     string
	ProductName   string
	AmountCents   int64
	Status        OrderStatus
	PaymentMethod string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AdminAction описывает запись журнала действий администратора.
// Журнал только пополняется, записи не редактируются и не удаляются.
type AdminAction struct {
	ID            int64
	AdminID       int64
	ActionType    string
	AffectedTable string
	AffectedID    string
	Note          string
	CreatedAt     time.Time
}

// Balance содержит текущий доступный баланс пользователя.
type Balance struct {
	Current float64 `json:"current"`
}

// BalanceUpdate описывает событие изменения баланса, публикуемое
// после успешной фиксации транзакции.
type BalanceUpdate struct {
	UserID       int64
	BalanceCents int64
}
