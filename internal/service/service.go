// Package service реализует бизнес-логику сервиса logmarket.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/smolentsov/logmarket/internal/ledger"
	"github.com/smolentsov/logmarket/internal/model"
	"github.com/smolentsov/logmarket/internal/notify"
	"github.com/smolentsov/logmarket/internal/ordernum"
	"github.com/smolentsov/logmarket/internal/repository"
)

// ErrInvalidAmount возвращается для неположительной суммы или суммы
// с точностью меньше цента.
var (
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidStatus возвращается для неизвестного статуса записи или заказа.
	ErrInvalidStatus = errors.New("invalid status")
	// ErrPermissionDenied возвращается при попытке выполнить привилегированную
	// операцию без роли администратора.
	ErrPermissionDenied = errors.New("permission denied")
)

const orderNumberAttempts = 5

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserRole(ctx context.Context, userID int64) (model.Role, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
	CreateDepositEntry(ctx context.Context, entry model.LedgerEntry) error
	CreatePurchase(ctx context.Context, entry model.LedgerEntry, order model.Order) (int64, error)
	CreateAdjustment(ctx context.Context, entry model.LedgerEntry, adminID int64, note string) (int64, error)
	UpdateEntryStatus(ctx context.Context, entryID string, newStatus model.EntryStatus, adminID int64, note string) (*repository.StatusChange, error)
	GetEntry(ctx context.Context, entryID string) (*model.LedgerEntry, error)
	ListEntries(ctx context.Context, filter repository.EntryFilter) ([]model.LedgerEntry, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus, adminID int64) error
	ListAdminActions(ctx context.Context, limit int) ([]model.AdminAction, error)
}

// PurchaseResult содержит идентификаторы созданного заказа.
type PurchaseResult struct {
	OrderID     string
	OrderNumber string
}

// StatusResult содержит старый и новый статус записи после перехода.
type StatusResult struct {
	OldStatus model.EntryStatus
	NewStatus model.EntryStatus
}

// Service содержит бизнес-логику сервиса logmarket.
type Service struct {
	repo     Repository
	notifier *notify.Client
	logger   *zap.Logger
	updates  chan model.BalanceUpdate
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом уведомлений.
func NewService(repo Repository, notifier *notify.Client, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
		updates:  make(chan model.BalanceUpdate, 64),
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// BalanceUpdates возвращает канал событий изменения баланса. События
// публикуются после фиксации транзакции; при переполнении канала
// событие отбрасывается, подписчик не блокирует леджер.
func (s *Service) BalanceUpdates() <-chan model.BalanceUpdate {
	return s.updates
}

func (s *Service) publishBalance(userID, balanceCents int64) {
	select {
	case s.updates <- model.BalanceUpdate{UserID: userID, BalanceCents: balanceCents}:
	default:
	}
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// requireAdmin проверяет, что пользователь имеет роль администратора.
// Сам движок переходов не знает про роли, проверка выполняется здесь.
func (s *Service) requireAdmin(ctx context.Context, userID int64) error {
	role, err := s.repo.GetUserRole(ctx, userID)
	if err != nil {
		return err
	}
	if role != model.RoleAdmin {
		return ErrPermissionDenied
	}
	return nil
}

// amountToCents переводит сумму в центы. Отклоняются неположительные
// значения и значения с точностью меньше цента.
func amountToCents(amount float64) (int64, error) {
	d := decimal.NewFromFloat(amount)
	if d.LessThanOrEqual(decimal.Zero) {
		return 0, ErrInvalidAmount
	}

	cents := d.Mul(decimal.NewFromInt(100))
	if !cents.IsInteger() {
		return 0, fmt.Errorf("%w: sub-cent precision", ErrInvalidAmount)
	}

	return cents.IntPart(), nil
}

// GetBalance возвращает баланс пользователя в виде структуры model.Balance.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	cents, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{Current: float64(cents) / 100}, nil
}

// SubmitDeposit создаёт запись о депозите в статусе pending и возвращает её
// идентификатор. Баланс изменится только после подтверждения администратором.
func (s *Service) SubmitDeposit(ctx context.Context, userID int64, amount float64, currency, externalRef string) (string, error) {
	cents, err := amountToCents(amount)
	if err != nil {
		return "", err
	}

	entry := model.LedgerEntry{
		ID:          uuid.NewString(),
		UserID:      userID,
		Kind:        model.EntryKindDeposit,
		AmountCents: cents,
		Status:      model.EntryStatusPending,
		Currency:    currency,
		ExternalRef: externalRef,
	}

	if err := s.repo.CreateDepositEntry(ctx, entry); err != nil {
		return "", err
	}

	return entry.ID, nil
}

// Purchase проводит покупку товара с баланса: списание и создание заказа
// выполняются одной транзакцией. Запись леджера создаётся сразу в статусе
// completed, поэтому её эффект всегда совпадает с уже применённым списанием.
func (s *Service) Purchase(ctx context.Context, userID int64, productID, productName string, price float64) (*PurchaseResult, error) {
	cents, err := amountToCents(price)
	if err != nil {
		return nil, err
	}

	var (
		result     PurchaseResult
		newBalance int64
	)

	for attempt := 0; attempt < orderNumberAttempts; attempt++ {
		number, err := ordernum.Generate()
		if err != nil {
			return nil, fmt.Errorf("generate order number: %w", err)
		}

		entry := model.LedgerEntry{
			ID:          uuid.NewString(),
			UserID:      userID,
			Kind:        model.EntryKindPurchase,
			AmountCents: cents,
			Status:      model.EntryStatusCompleted,
			Currency:    "USD",
		}
		order := model.Order{
			ID:            uuid.NewString(),
			UserID:        userID,
			OrderNumber:   number,
			ProductID:     productID,
			ProductName:   productName,
			AmountCents:   cents,
			Status:        model.OrderStatusPending,
			PaymentMethod: "balance",
		}

		newBalance, err = s.repo.CreatePurchase(ctx, entry, order)
		if err != nil {
			if errors.Is(err, repository.ErrDuplicateOrderNumber) {
				continue
			}
			return nil, err
		}

		result = PurchaseResult{OrderID: order.ID, OrderNumber: order.OrderNumber}
		break
	}

	if result.OrderID == "" {
		return nil, fmt.Errorf("%w: out of attempts", repository.ErrDuplicateOrderNumber)
	}

	s.publishBalance(userID, newBalance)
	s.sendNotification(notify.Event{
		Type:        "invoice",
		UserID:      userID,
		OrderNumber: result.OrderNumber,
		Amount:      float64(cents) / 100,
	})

	return &result, nil
}

// AdminSetEntryStatus переводит запись леджера в новый статус от имени
// администратора. Возвращает старый и новый статус для подтверждения.
func (s *Service) AdminSetEntryStatus(ctx context.Context, entryID string, newStatus model.EntryStatus, adminID int64, note string) (*StatusResult, error) {
	if !ledger.IsValidStatus(newStatus) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, newStatus)
	}

	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}

	change, err := s.repo.UpdateEntryStatus(ctx, entryID, newStatus, adminID, note)
	if err != nil {
		return nil, err
	}

	if change.OldStatus != change.NewStatus {
		s.publishBalance(change.UserID, change.BalanceCents)
		s.sendNotification(notify.Event{
			Type:    "entry_status",
			UserID:  change.UserID,
			EntryID: entryID,
			Status:  string(change.NewStatus),
		})
	}

	return &StatusResult{OldStatus: change.OldStatus, NewStatus: change.NewStatus}, nil
}

// AdminAdjustBalance создаёт корректировку, начисляющую сумму на баланс
// пользователя. Списание корректировкой не предусмотрено: ошибочное
// начисление отменяется переводом его записи в статус failed.
func (s *Service) AdminAdjustBalance(ctx context.Context, userID int64, amount float64, note string, adminID int64) (string, error) {
	cents, err := amountToCents(amount)
	if err != nil {
		return "", err
	}

	if err := s.requireAdmin(ctx, adminID); err != nil {
		return "", err
	}

	entry := model.LedgerEntry{
		ID:          uuid.NewString(),
		UserID:      userID,
		Kind:        model.EntryKindAdjustment,
		AmountCents: cents,
		Status:      model.EntryStatusCompleted,
		Currency:    "USD",
	}

	newBalance, err := s.repo.CreateAdjustment(ctx, entry, adminID, note)
	if err != nil {
		return "", err
	}

	s.publishBalance(userID, newBalance)

	return entry.ID, nil
}

// ListEntries возвращает записи леджера пользователя.
func (s *Service) ListEntries(ctx context.Context, userID int64, kind model.EntryKind, status model.EntryStatus) ([]model.LedgerEntry, error) {
	return s.repo.ListEntries(ctx, repository.EntryFilter{
		UserID: &userID,
		Kind:   kind,
		Status: status,
	})
}

// AdminListEntries возвращает записи леджера всех пользователей по фильтру.
func (s *Service) AdminListEntries(ctx context.Context, adminID int64, filter repository.EntryFilter) ([]model.LedgerEntry, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	return s.repo.ListEntries(ctx, filter)
}

// GetOrdersByUser возвращает заказы пользователя.
func (s *Service) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}

// AdminSetOrderStatus меняет статус исполнения заказа от имени администратора.
func (s *Service) AdminSetOrderStatus(ctx context.Context, orderID string, status model.OrderStatus, adminID int64) error {
	switch status {
	case model.OrderStatusPending, model.OrderStatusProcessing,
		model.OrderStatusCompleted, model.OrderStatusCancelled:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	if err := s.requireAdmin(ctx, adminID); err != nil {
		return err
	}

	return s.repo.UpdateOrderStatus(ctx, orderID, status, adminID)
}

// AdminListActions возвращает последние записи журнала действий администраторов.
func (s *Service) AdminListActions(ctx context.Context, adminID int64, limit int) ([]model.AdminAction, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAdminActions(ctx, limit)
}

// sendNotification отправляет уведомление в фоне. Ошибки доставки пишутся
// в лог и не влияют на результат операции леджера.
func (s *Service) sendNotification(ev notify.Event) {
	if s.notifier == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.notifier.Send(ctx, ev); err != nil {
			s.logger.Warn("notification delivery failed",
				zap.String("type", ev.Type),
				zap.Int64("userID", ev.UserID),
				zap.Error(err))
		}
	}()
}
