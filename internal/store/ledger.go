package store

import (
	"context"
	"time"

	"PaymentProcessor/internal/models"

	"github.com/holiman/uint256"
)

// Ledger is the sole owner of Order and Withdraw records, account balances
// and the outbox tables.
//
// Every mutating operation runs inside WithinTx. The transaction travels in
// the context: a WithinTx call made with a context that already carries one
// joins it as a nested unit, so a counterpart invoked during a transfer sees
// the state the outer operation has already written. A failed nested unit
// rolls back only its own writes; a failed outer unit rolls back everything.
type Ledger interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error

	NextDerivationIndex(ctx context.Context) (int64, error)

	GetOrder(ctx context.Context, orderID uint64) (*models.Order, error)
	CreateOrder(ctx context.Context, order *models.Order) error
	UpdateOrder(ctx context.Context, order *models.Order) error

	GetWithdraw(ctx context.Context, orderID uint64) (*models.Withdraw, error)
	CreateWithdraw(ctx context.Context, w *models.Withdraw) error
	UpdateWithdrawState(ctx context.Context, orderID uint64, state models.WithdrawState) error

	Balance(ctx context.Context, asset, owner models.Address) (*uint256.Int, error)
	Credit(ctx context.Context, asset, owner models.Address, amount *uint256.Int) error
	Debit(ctx context.Context, asset, owner models.Address, amount *uint256.Int) error
	Allowance(ctx context.Context, token, owner, spender models.Address) (*uint256.Int, error)
	SetAllowance(ctx context.Context, token, owner, spender models.Address, amount *uint256.Int) error

	// Setting returns "" for a key that was never written. SeedSetting
	// writes only when the key is absent.
	Setting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error
	SeedSetting(ctx context.Context, key, value string) error

	// Inside WithinTx the unpublished/undelivered listings claim their rows
	// until the transaction ends; concurrent relays skip claimed rows.
	AppendEvent(ctx context.Context, ev *models.Event) error
	ListOrderEvents(ctx context.Context, orderID uint64) ([]*models.Event, error)
	ListUnpublishedEvents(ctx context.Context, limit int) ([]*models.Event, error)
	MarkEventPublished(ctx context.Context, id string, at time.Time) error

	AppendDeal(ctx context.Context, rec *models.DealRecord) error
	ListUndeliveredDeals(ctx context.Context, limit int) ([]*models.DealRecord, error)
	MarkDealDelivered(ctx context.Context, id string, at time.Time) error
}
