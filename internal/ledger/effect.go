// Package ledger содержит чистую арифметику влияния записей леджера на баланс.
package ledger

import "github.com/smolentsov/logmarket/internal/model"

// Effect возвращает вклад записи в баланс пользователя в центах.
// Вклад — чистая функция от (тип, сумма, статус): завершённый депозит
// и завершённая корректировка дают +amount, завершённая покупка даёт
// -amount, статусы pending и failed дают 0.
func Effect(kind model.EntryKind, amountCents int64, status model.EntryStatus) int64 {
	if status != model.EntryStatusCompleted {
		return 0
	}

	switch kind {
	case model.EntryKindDeposit, model.EntryKindAdjustment:
		return amountCents
	case model.EntryKindPurchase:
		return -amountCents
	default:
		return 0
	}
}

// Delta возвращает величину, которую нужно применить к балансу при переходе
// записи из статуса oldStatus в статус newStatus. Любой переход сводится к
// одной этой формуле, отдельных путей для отдельных переходов нет.
func Delta(kind model.EntryKind, amountCents int64, oldStatus, newStatus model.EntryStatus) int64 {
	return Effect(kind, amountCents, newStatus) - Effect(kind, amountCents, oldStatus)
}

// IsValidStatus сообщает, является ли строка допустимым статусом записи.
func IsValidStatus(s model.EntryStatus) bool {
	switch s {
	case model.EntryStatusPending, model.EntryStatusCompleted, model.EntryStatusFailed:
		return true
	}
	return false
}

// IsValidKind сообщает, является ли строка допустимым типом записи.
func IsValidKind(k model.EntryKind) bool {
	switch k {
	case model.EntryKindDeposit, model.EntryKindPurchase, model.EntryKindAdjustment:
		return true
	}
	return false
}
