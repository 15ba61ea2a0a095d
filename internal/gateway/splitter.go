package gateway

import (
	"context"
	"fmt"
	"sync"

	"PaymentProcessor/internal/chain"
	"PaymentProcessor/internal/models"
	"PaymentProcessor/internal/pricing"

	"github.com/holiman/uint256"
)

// Splitter is the in-process gateway. It divides funds already sent to its
// own address: the fee goes to Vault, the voucher discount to DiscountPool
// and the remainder to the requested destination.
type Splitter struct {
	Addr           models.Address
	Merchant       string
	Vault          models.Address
	DiscountPool   models.Address
	FeeCapPermille uint64
	// VoucherUnit is the native value one voucher is worth.
	VoucherUnit *uint256.Int
	Bank        *chain.Bank

	mu     sync.RWMutex
	paused bool
}

func (s *Splitter) Address() models.Address { return s.Addr }
func (s *Splitter) MerchantID() string      { return s.Merchant }

func (s *Splitter) SetPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
}

func (s *Splitter) Paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

func (s *Splitter) AcceptPayment(ctx context.Context, req PaymentRequest) (*uint256.Int, error) {
	if err := s.check(req.Destination, req.Value, req.Fee); err != nil {
		return nil, err
	}
	discount := s.discount(req)
	err := s.Bank.Ledger.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.pay(ctx, models.NativeAsset, s.Vault, req.Fee); err != nil {
			return err
		}
		if err := s.pay(ctx, models.NativeAsset, s.DiscountPool, discount); err != nil {
			return err
		}
		rest := new(uint256.Int).Sub(req.Value, req.Fee)
		rest.Sub(rest, discount)
		return s.pay(ctx, models.NativeAsset, req.Destination, rest)
	})
	if err != nil {
		return nil, fmt.Errorf("gateway accept payment: %w", err)
	}
	return discount, nil
}

func (s *Splitter) AcceptTokenPayment(ctx context.Context, req TokenPaymentRequest) error {
	if req.Token == models.NativeAsset {
		return models.Invalid("token", "is empty")
	}
	if err := s.check(req.Destination, req.Amount, req.Fee); err != nil {
		return err
	}
	err := s.Bank.Ledger.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.pay(ctx, req.Token, s.Vault, req.Fee); err != nil {
			return err
		}
		return s.pay(ctx, req.Token, req.Destination, new(uint256.Int).Sub(req.Amount, req.Fee))
	})
	if err != nil {
		return fmt.Errorf("gateway accept token payment: %w", err)
	}
	return nil
}

func (s *Splitter) check(dest models.Address, value, fee *uint256.Int) error {
	if s.Paused() {
		return &models.AuthorizationError{Paused: true}
	}
	if dest.IsZero() {
		return models.Invalid("destination", "is empty")
	}
	if value == nil || value.IsZero() {
		return models.Invalid("value", "must be positive")
	}
	if fee == nil {
		return models.Invalid("fee", "is required")
	}
	capPermille := s.FeeCapPermille
	if capPermille == 0 {
		capPermille = pricing.DefaultFeeCapPermille
	}
	if fee.Gt(pricing.Permille(value, capPermille)) {
		return models.Invalid("fee", "exceeds gateway fee cap")
	}
	return nil
}

// discount is min(vouchers*VoucherUnit, value*payback/1000, value-fee).
func (s *Splitter) discount(req PaymentRequest) *uint256.Int {
	if req.VouchersApply == 0 || req.PaybackPermille == 0 || s.VoucherUnit == nil || s.DiscountPool.IsZero() {
		return new(uint256.Int)
	}
	byVouchers, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(req.VouchersApply), s.VoucherUnit)
	if overflow {
		byVouchers.SetAllOne()
	}
	out := pricing.Min(byVouchers, pricing.Permille(req.Value, req.PaybackPermille))
	return pricing.Min(out, new(uint256.Int).Sub(req.Value, req.Fee))
}

func (s *Splitter) pay(ctx context.Context, asset, to models.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	return s.Bank.Transfer(ctx, asset, s.Addr, to, amount)
}
