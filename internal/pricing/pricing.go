package pricing

import (
	"PaymentProcessor/internal/models"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const PermilleBase = 1000

// DefaultFeeCapPermille caps the intermediary fee at 1.5% of the price.
const DefaultFeeCapPermille = 15

type Service struct {
	FeeCapPermille uint64
	Decimals       int32
	Denom          string
}

func (s Service) capPermille() uint64 {
	if s.FeeCapPermille == 0 {
		return DefaultFeeCapPermille
	}
	return s.FeeCapPermille
}

// MaxFee is FeeCapPermille * price / 1000, rounded down.
func (s Service) MaxFee(price *uint256.Int) *uint256.Int {
	return Permille(price, s.capPermille())
}

func (s Service) ValidateFee(price, fee *uint256.Int) error {
	if price == nil || price.IsZero() {
		return models.Invalid("price", "must be positive")
	}
	if fee == nil {
		return models.Invalid("fee", "is required")
	}
	if fee.Gt(s.MaxFee(price)) {
		return models.Invalid("fee", "exceeds "+uint256.NewInt(s.capPermille()).Dec()+" permille of price")
	}
	return nil
}

// Permille returns amount * permille / 1000 without intermediate overflow.
func Permille(amount *uint256.Int, permille uint64) *uint256.Int {
	if amount == nil {
		return new(uint256.Int)
	}
	out, overflow := new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(permille), uint256.NewInt(PermilleBase))
	if overflow {
		// permille <= 1000 never overflows; larger factors saturate.
		return new(uint256.Int).SetAllOne()
	}
	return out
}

// RefundAmount is what a full-lifecycle refund pays back: price minus any
// discount granted at settlement.
func RefundAmount(price, discount *uint256.Int) (*uint256.Int, error) {
	if discount == nil {
		return price.Clone(), nil
	}
	out, underflow := new(uint256.Int).SubOverflow(price, discount)
	if underflow {
		return nil, models.Invalid("discount", "exceeds price")
	}
	return out, nil
}

func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}

// Format renders a base-unit amount with the configured decimals, e.g.
// 1500000 with 6 decimals is "1.5".
func (s Service) Format(amount *uint256.Int) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount.ToBig(), -s.Decimals).String()
}

// Parse accepts a base-unit decimal string.
func Parse(v string) (*uint256.Int, error) {
	if v == "" {
		return nil, models.Invalid("amount", "is required")
	}
	out, err := uint256.FromDecimal(v)
	if err != nil {
		return nil, &models.ValidationError{Field: "amount", Reason: "not an unsigned integer", Cause: err}
	}
	return out, nil
}
