package chain

import (
	"context"
	"fmt"
	"sync"

	"PaymentProcessor/internal/models"
	"PaymentProcessor/internal/store"

	"github.com/holiman/uint256"
)

// ReceiveHook runs when value lands on an address, the way a contract's
// receive function would. It executes inside the sender's transaction; an
// error rejects the transfer and with it the whole triggering operation.
type ReceiveHook func(ctx context.Context, from, asset models.Address, amount *uint256.Int) error

// Bank moves native currency and tokens between ledger balances.
type Bank struct {
	Ledger store.Ledger

	mu    sync.RWMutex
	hooks map[models.Address]ReceiveHook
}

func NewBank(ledger store.Ledger) *Bank {
	return &Bank{Ledger: ledger, hooks: make(map[models.Address]ReceiveHook)}
}

// OnReceive registers (or with a nil hook, clears) the receive hook for addr.
func (b *Bank) OnReceive(addr models.Address, hook ReceiveHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if hook == nil {
		delete(b.hooks, addr)
		return
	}
	b.hooks[addr] = hook
}

func (b *Bank) hook(addr models.Address) ReceiveHook {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hooks[addr]
}

func (b *Bank) Balance(ctx context.Context, asset, owner models.Address) (*uint256.Int, error) {
	return b.Ledger.Balance(ctx, asset, owner)
}

// Deposit credits value entering from outside the ledger.
func (b *Bank) Deposit(ctx context.Context, asset, to models.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return models.Invalid("amount", "zero-value deposit")
	}
	return b.Ledger.Credit(ctx, asset, to, amount)
}

// Transfer moves amount of asset from one holder to another and then runs
// the recipient's receive hook, all in one ledger transaction.
func (b *Bank) Transfer(ctx context.Context, asset, from, to models.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return models.Invalid("amount", "zero-value transfer")
	}
	if to.IsZero() {
		return models.Invalid("recipient", "is empty")
	}
	return b.Ledger.WithinTx(ctx, func(ctx context.Context) error {
		if err := b.Ledger.Debit(ctx, asset, from, amount); err != nil {
			return err
		}
		if err := b.Ledger.Credit(ctx, asset, to, amount); err != nil {
			return err
		}
		if hook := b.hook(to); hook != nil {
			if err := hook(ctx, from, asset, amount); err != nil {
				return fmt.Errorf("recipient %s rejected transfer: %w", to, err)
			}
		}
		return nil
	})
}

func (b *Bank) Approve(ctx context.Context, token, owner, spender models.Address, amount *uint256.Int) error {
	if token == models.NativeAsset {
		return models.Invalid("token", "native currency has no allowance")
	}
	return b.Ledger.SetAllowance(ctx, token, owner, spender, amount)
}

func (b *Bank) Allowance(ctx context.Context, token, owner, spender models.Address) (*uint256.Int, error) {
	return b.Ledger.Allowance(ctx, token, owner, spender)
}

// TransferFrom lets spender pull a pre-approved token amount from owner.
func (b *Bank) TransferFrom(ctx context.Context, token, spender, owner, to models.Address, amount *uint256.Int) error {
	if token == models.NativeAsset {
		return models.Invalid("token", "native currency cannot be pulled")
	}
	if amount == nil || amount.IsZero() {
		return models.Invalid("amount", "zero-value transfer")
	}
	return b.Ledger.WithinTx(ctx, func(ctx context.Context) error {
		allowed, err := b.Ledger.Allowance(ctx, token, owner, spender)
		if err != nil {
			return err
		}
		if allowed.Lt(amount) {
			return &models.ValidationError{
				Field:  "allowance",
				Reason: fmt.Sprintf("%s approved %s for %s, needs %s", owner, allowed.Dec(), spender, amount.Dec()),
				Cause:  models.ErrInsufficientAllowance,
			}
		}
		if err := b.Ledger.SetAllowance(ctx, token, owner, spender, new(uint256.Int).Sub(allowed, amount)); err != nil {
			return err
		}
		return b.Transfer(ctx, token, owner, to, amount)
	})
}
