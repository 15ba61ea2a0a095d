package payments

import (
	"context"
	"fmt"

	"PaymentProcessor/internal/chain"
	"PaymentProcessor/internal/gateway"
	"PaymentProcessor/internal/models"
	"PaymentProcessor/internal/pricing"

	"github.com/holiman/uint256"
)

// Route names the collaborators a settlement goes through.
type Route struct {
	Gateway gateway.Client
	Wallet  *gateway.MerchantWallet
}

type Payment struct {
	OrderID       uint64
	From          models.Address
	Origin        models.Address
	Price         *uint256.Int
	Fee           *uint256.Int
	VouchersApply uint64
	Asset         models.Address
}

type Result struct {
	Destination models.Address
	Discount    *uint256.Int
	// Direct is set when the price went straight to the merchant's fund
	// address, bypassing the gateway.
	Direct bool
}

// Router moves an order's payment to its destination and reports the
// discount granted along the way.
type Router struct {
	Bank    *chain.Bank
	Pricing pricing.Service
}

func (r *Router) ValidateFee(price, fee *uint256.Int) error {
	return r.Pricing.ValidateFee(price, fee)
}

func (r *Router) Settle(ctx context.Context, route Route, p Payment) (*Result, error) {
	if p.Price == nil || p.Price.IsZero() {
		return nil, models.Invalid("value", "zero-value payment")
	}
	if route.Wallet == nil {
		return nil, models.Invalid("merchant wallet", "is not configured")
	}
	if !route.Wallet.FundAddress.IsZero() {
		if err := r.Bank.Transfer(ctx, p.Asset, p.From, route.Wallet.FundAddress, p.Price); err != nil {
			return nil, fmt.Errorf("order %d: pay fund address: %w", p.OrderID, err)
		}
		return &Result{Destination: route.Wallet.FundAddress, Discount: new(uint256.Int), Direct: true}, nil
	}
	if route.Gateway == nil {
		return nil, models.Invalid("gateway", "is not configured")
	}
	if err := r.Bank.Transfer(ctx, p.Asset, p.From, route.Gateway.Address(), p.Price); err != nil {
		return nil, fmt.Errorf("order %d: pay gateway: %w", p.OrderID, err)
	}
	res := &Result{Destination: route.Wallet.Address(), Discount: new(uint256.Int)}
	if p.Asset != models.NativeAsset {
		err := route.Gateway.AcceptTokenPayment(ctx, gateway.TokenPaymentRequest{
			Destination: route.Wallet.Address(),
			Fee:         p.Fee,
			Token:       p.Asset,
			Amount:      p.Price,
		})
		if err != nil {
			return nil, fmt.Errorf("order %d: %w", p.OrderID, err)
		}
		return res, nil
	}
	discount, err := route.Gateway.AcceptPayment(ctx, gateway.PaymentRequest{
		Destination:     route.Wallet.Address(),
		Origin:          p.Origin,
		Fee:             p.Fee,
		VouchersApply:   p.VouchersApply,
		PaybackPermille: route.Wallet.PaybackPermille,
		Value:           p.Price,
	})
	if err != nil {
		return nil, fmt.Errorf("order %d: %w", p.OrderID, err)
	}
	if discount != nil {
		if discount.Gt(p.Price) {
			return nil, models.Invalid("discount", "gateway granted more than the price")
		}
		res.Discount = discount
	}
	return res, nil
}
