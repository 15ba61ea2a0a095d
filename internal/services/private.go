package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"PaymentProcessor/internal/access"
	"PaymentProcessor/internal/chain"
	"PaymentProcessor/internal/gateway"
	"PaymentProcessor/internal/models"
	"PaymentProcessor/internal/payments"
	"PaymentProcessor/internal/store"

	"github.com/holiman/uint256"
)

// PrivateProcessor is the variant without order registration: payments
// are routed as they arrive, and refunds are standalone withdrawals
// funded by an operator.
type PrivateProcessor struct {
	// Address holds refund funds until they are withdrawn and is the
	// spender token payers approve.
	Address       models.Address
	AddressPrefix string
	Ledger        store.Ledger
	Bank          *chain.Bank
	Guard         *access.Guard
	Router        *payments.Router
	Tokens        gateway.TokenRegistry
	Settings      *Settings
	Logger        *slog.Logger
	Now           func() time.Time
}

type PayForOrderRequest struct {
	OrderID       uint64
	Origin        models.Address
	Fee           *uint256.Int
	VouchersApply uint64
	Value         *uint256.Int
}

type PayForOrderInTokensRequest struct {
	OrderID uint64
	Origin  models.Address
	Fee     *uint256.Int
	Token   models.Address
	Amount  *uint256.Int
}

type RefundRequest struct {
	OrderID uint64
	Client  models.Address
	Reason  string
	Amount  *uint256.Int
	// Token is empty for a native refund.
	Token models.Address
}

func (p *PrivateProcessor) refunds() refundEscrow {
	return refundEscrow{ledger: p.Ledger, bank: p.Bank}
}

// PayForOrder routes value from the payer to the merchant at once. No
// order record is kept; the audit event is the only trace.
func (p *PrivateProcessor) PayForOrder(ctx context.Context, caller models.Address, req PayForOrderRequest) (*payments.Result, error) {
	var res *payments.Result
	err := unit(ctx, p.Ledger, "private.pay_for_order", req.OrderID, func(ctx context.Context) error {
		if err := p.Guard.RequireNotPaused(ctx); err != nil {
			return err
		}
		if err := p.validatePayment(req.OrderID, req.Origin, req.Value, req.Fee); err != nil {
			return err
		}
		if err := p.Bank.Transfer(ctx, models.NativeAsset, caller, p.Address, req.Value); err != nil {
			return err
		}
		route, err := p.Settings.Route(ctx)
		if err != nil {
			return err
		}
		res, err = p.Router.Settle(ctx, route, payments.Payment{
			OrderID:       req.OrderID,
			From:          p.Address,
			Origin:        req.Origin,
			Price:         req.Value,
			Fee:           req.Fee,
			VouchersApply: req.VouchersApply,
		})
		if err != nil {
			return err
		}
		return emit(ctx, p.Ledger, nowOr(p.Now), &models.Event{
			Kind:        models.EventOrderPaidNative,
			OrderID:     req.OrderID,
			Counterpart: req.Origin,
			Price:       req.Value.Clone(),
			Fee:         req.Fee.Clone(),
			Discount:    res.Discount.Clone(),
		})
	})
	if err != nil {
		return nil, err
	}
	loggerOr(p.Logger).InfoContext(ctx, "payment routed",
		slog.Uint64("order_id", req.OrderID),
		slog.String("destination", res.Destination.String()),
		slog.String("discount", res.Discount.Dec()))
	return res, nil
}

// PayForOrderInTokens pulls amount of token from the payer, who must have
// approved the processor's address, and routes it to the merchant.
func (p *PrivateProcessor) PayForOrderInTokens(ctx context.Context, caller models.Address, req PayForOrderInTokensRequest) (*payments.Result, error) {
	var res *payments.Result
	err := unit(ctx, p.Ledger, "private.pay_for_order_in_tokens", req.OrderID, func(ctx context.Context) error {
		if err := p.Guard.RequireNotPaused(ctx); err != nil {
			return err
		}
		if err := p.validatePayment(req.OrderID, req.Origin, req.Amount, req.Fee); err != nil {
			return err
		}
		if req.Token == models.NativeAsset {
			return models.Invalid("token", "is empty")
		}
		if err := requireAllowedToken(ctx, p.Tokens, req.Token); err != nil {
			return err
		}
		if err := p.Bank.TransferFrom(ctx, req.Token, p.Address, caller, p.Address, req.Amount); err != nil {
			return err
		}
		route, err := p.Settings.Route(ctx)
		if err != nil {
			return err
		}
		res, err = p.Router.Settle(ctx, route, payments.Payment{
			OrderID: req.OrderID,
			From:    p.Address,
			Origin:  req.Origin,
			Price:   req.Amount,
			Fee:     req.Fee,
			Asset:   req.Token,
		})
		if err != nil {
			return err
		}
		return emit(ctx, p.Ledger, nowOr(p.Now), &models.Event{
			Kind:        models.EventOrderPaidToken,
			OrderID:     req.OrderID,
			Counterpart: req.Origin,
			Asset:       req.Token,
			Price:       req.Amount.Clone(),
			Fee:         req.Fee.Clone(),
		})
	})
	if err != nil {
		return nil, err
	}
	loggerOr(p.Logger).InfoContext(ctx, "token payment routed",
		slog.Uint64("order_id", req.OrderID),
		slog.String("token", req.Token.String()),
		slog.String("destination", res.Destination.String()))
	return res, nil
}

func (p *PrivateProcessor) validatePayment(orderID uint64, origin models.Address, value, fee *uint256.Int) error {
	if err := requireOrderID(orderID); err != nil {
		return err
	}
	if value == nil || value.IsZero() {
		return models.Invalid("value", "zero-value payment")
	}
	if err := p.Router.ValidateFee(value, fee); err != nil {
		return err
	}
	if err := chain.ValidateAddress(origin, p.AddressPrefix); err != nil {
		return fmt.Errorf("origin: %w", err)
	}
	return nil
}

// RefundPayment takes value from the calling operator into custody and
// registers it as a pending refund to req.Client.
func (p *PrivateProcessor) RefundPayment(ctx context.Context, caller models.Address, req RefundRequest) (*models.Withdraw, error) {
	req.Token = models.NativeAsset
	return p.refund(ctx, caller, req)
}

// RefundTokenPayment is RefundPayment for tokens; the operator must have
// approved the processor's address for the amount.
func (p *PrivateProcessor) RefundTokenPayment(ctx context.Context, caller models.Address, req RefundRequest) (*models.Withdraw, error) {
	if req.Token == models.NativeAsset {
		return nil, models.Invalid("token", "is empty")
	}
	return p.refund(ctx, caller, req)
}

func (p *PrivateProcessor) refund(ctx context.Context, caller models.Address, req RefundRequest) (*models.Withdraw, error) {
	var w *models.Withdraw
	err := unit(ctx, p.Ledger, "private.refund", req.OrderID, func(ctx context.Context) error {
		if err := p.Guard.RequireNotPaused(ctx); err != nil {
			return err
		}
		if err := p.Guard.RequireOperator(ctx, caller); err != nil {
			return err
		}
		if err := requireOrderID(req.OrderID); err != nil {
			return err
		}
		if err := chain.ValidateAddress(req.Client, p.AddressPrefix); err != nil {
			return fmt.Errorf("client: %w", err)
		}
		if req.Token != models.NativeAsset {
			if err := requireAllowedToken(ctx, p.Tokens, req.Token); err != nil {
				return err
			}
		}

		w = &models.Withdraw{
			OrderID: req.OrderID,
			Amount:  cloneOrZero(req.Amount),
			Client:  req.Client,
			Asset:   req.Token,
			Custody: p.Address,
			Reason:  req.Reason,
		}
		if err := p.refunds().open(ctx, w); err != nil {
			return err
		}
		if req.Token == models.NativeAsset {
			if err := p.Bank.Transfer(ctx, models.NativeAsset, caller, p.Address, w.Amount); err != nil {
				return err
			}
		} else if err := p.Bank.TransferFrom(ctx, req.Token, p.Address, caller, p.Address, w.Amount); err != nil {
			return err
		}
		return emit(ctx, p.Ledger, nowOr(p.Now), &models.Event{
			Kind:        models.EventRefundInitiated,
			OrderID:     req.OrderID,
			Counterpart: req.Client,
			Asset:       req.Token,
			Amount:      w.Amount.Clone(),
			Reason:      req.Reason,
		})
	})
	if err != nil {
		return nil, err
	}
	loggerOr(p.Logger).InfoContext(ctx, "refund initiated", slog.Uint64("order_id", req.OrderID), slog.String("state", string(w.State)))
	return w, nil
}

// WithdrawRefund pays out a pending native refund. Anyone may call it.
func (p *PrivateProcessor) WithdrawRefund(ctx context.Context, orderID uint64) (*models.Withdraw, error) {
	return p.withdraw(ctx, orderID, models.NativeAsset)
}

// WithdrawTokenRefund pays out a pending token refund recorded for token.
func (p *PrivateProcessor) WithdrawTokenRefund(ctx context.Context, orderID uint64, token models.Address) (*models.Withdraw, error) {
	if token == models.NativeAsset {
		return nil, models.Invalid("token", "is empty")
	}
	return p.withdraw(ctx, orderID, token)
}

func (p *PrivateProcessor) withdraw(ctx context.Context, orderID uint64, asset models.Address) (*models.Withdraw, error) {
	var w *models.Withdraw
	err := unit(ctx, p.Ledger, "private.withdraw", orderID, func(ctx context.Context) error {
		if err := p.Guard.RequireNotPaused(ctx); err != nil {
			return err
		}
		var err error
		w, err = p.refunds().discharge(ctx, orderID, asset, nil)
		if err != nil {
			return err
		}
		return emit(ctx, p.Ledger, nowOr(p.Now), &models.Event{
			Kind:        models.EventRefundWithdrawn,
			OrderID:     orderID,
			Counterpart: w.Client,
			Asset:       w.Asset,
			Amount:      w.Amount.Clone(),
			Reason:      w.Reason,
		})
	})
	if err != nil {
		return nil, err
	}
	loggerOr(p.Logger).InfoContext(ctx, "refund withdrawn", slog.Uint64("order_id", orderID), slog.String("state", string(w.State)))
	return w, nil
}

func (p *PrivateProcessor) Withdrawal(ctx context.Context, orderID uint64) (*models.Withdraw, error) {
	if err := requireOrderID(orderID); err != nil {
		return nil, err
	}
	return p.Ledger.GetWithdraw(ctx, orderID)
}

func cloneOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}
