package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"PaymentProcessor/internal/access"
	"PaymentProcessor/internal/chain"
	"PaymentProcessor/internal/gateway"
	"PaymentProcessor/internal/models"
	"PaymentProcessor/internal/payments"
	"PaymentProcessor/internal/pricing"
	"PaymentProcessor/internal/store"

	"github.com/holiman/uint256"
)

const roleAcceptor = "the order's acceptor"

// ErrDerivationExhausted means every non-hardened escrow child index of the
// configured xpub has been handed out.
var ErrDerivationExhausted = errors.New("escrow derivation indexes exhausted")

// Processor drives the full order lifecycle:
//
//	null -open-> created -pay-> paid -settle-> finalized
//	created -cancel-> cancelled
//	paid -beginRefund-> refunding -completeRefund-> refunded
//
// Every call is one ledger transaction. State is written before value
// leaves custody.
type Processor struct {
	// Address is the processor's own account, the spender token
	// payers approve.
	Address       models.Address
	AddressPrefix string
	Ledger        store.Ledger
	Bank          *chain.Bank
	Guard         *access.Guard
	Router        *payments.Router
	Tokens        gateway.TokenRegistry
	Deriver       EscrowDeriver
	Settings      *Settings
	Logger        *slog.Logger
	Now           func() time.Time
}

type OpenRequest struct {
	OrderID       uint64
	Price         *uint256.Int
	Acceptor      models.Address
	Origin        models.Address
	Fee           *uint256.Int
	Asset         models.Address
	VouchersApply uint64
}

func (p *Processor) refunds() refundEscrow {
	return refundEscrow{ledger: p.Ledger, bank: p.Bank}
}

func (p *Processor) Open(ctx context.Context, caller models.Address, req OpenRequest) (*models.Order, error) {
	var order *models.Order
	err := unit(ctx, p.Ledger, "processor.open", req.OrderID, func(ctx context.Context) error {
		if err := p.Guard.RequireNotPaused(ctx); err != nil {
			return err
		}
		if err := p.Guard.RequireOperator(ctx, caller); err != nil {
			return err
		}
		if err := p.validateOpen(ctx, req); err != nil {
			return err
		}
		if existing, err := p.Ledger.GetOrder(ctx, req.OrderID); err == nil {
			return models.NewStateError(req.OrderID, models.OrderNull, existing.State)
		} else if !errors.Is(err, models.ErrNotFound) {
			return err
		}

		idx, err := p.Ledger.NextDerivationIndex(ctx)
		if err != nil {
			return err
		}
		if idx < 0 || idx > math.MaxInt32 {
			return fmt.Errorf("derivation index %d: %w", idx, ErrDerivationExhausted)
		}
		escrow, err := p.Deriver.Derive(uint32(idx))
		if err != nil {
			return fmt.Errorf("derive escrow address: %w", err)
		}

		order = &models.Order{
			ID:              req.OrderID,
			State:           models.OrderCreated,
			Price:           req.Price.Clone(),
			Fee:             req.Fee.Clone(),
			Acceptor:        req.Acceptor,
			Origin:          req.Origin,
			Asset:           req.Asset,
			VouchersApply:   req.VouchersApply,
			Discount:        new(uint256.Int),
			EscrowAddress:   models.Address(escrow),
			DerivationIndex: idx,
		}
		if err := p.Ledger.CreateOrder(ctx, order); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return models.NewStateError(req.OrderID, models.OrderNull, models.OrderCreated)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	loggerOr(p.Logger).InfoContext(ctx, "order opened",
		slog.Uint64("order_id", order.ID),
		slog.String("state", string(order.State)),
		slog.String("escrow", order.EscrowAddress.String()))
	return order, nil
}

func (p *Processor) validateOpen(ctx context.Context, req OpenRequest) error {
	if err := requireOrderID(req.OrderID); err != nil {
		return err
	}
	if err := p.Router.ValidateFee(req.Price, req.Fee); err != nil {
		return err
	}
	if err := chain.ValidateAddress(req.Acceptor, p.AddressPrefix); err != nil {
		return fmt.Errorf("acceptor: %w", err)
	}
	if err := chain.ValidateAddress(req.Origin, p.AddressPrefix); err != nil {
		return fmt.Errorf("origin: %w", err)
	}
	if req.Asset != models.NativeAsset {
		return requireAllowedToken(ctx, p.Tokens, req.Asset)
	}
	return nil
}

func requireAllowedToken(ctx context.Context, tokens gateway.TokenRegistry, token models.Address) error {
	if tokens == nil {
		return models.Invalid("token", "no tokens are accepted")
	}
	ok, err := tokens.IsAllowed(ctx, token)
	if err != nil {
		return err
	}
	if !ok {
		return models.Invalid("token", fmt.Sprintf("%s is not on the allow-list", token))
	}
	return nil
}

// PayNative moves the order's price from the acceptor into escrow.
func (p *Processor) PayNative(ctx context.Context, caller models.Address, orderID uint64, value *uint256.Int) (*models.Order, error) {
	if value == nil {
		value = new(uint256.Int)
	}
	return p.pay(ctx, caller, orderID, value)
}

// PayToken pulls the order's price in tokens from the acceptor, who must
// have approved the processor's address for at least that amount.
func (p *Processor) PayToken(ctx context.Context, caller models.Address, orderID uint64) (*models.Order, error) {
	return p.pay(ctx, caller, orderID, nil)
}

// pay takes the native path when value is set and the token path otherwise.
func (p *Processor) pay(ctx context.Context, caller models.Address, orderID uint64, value *uint256.Int) (*models.Order, error) {
	native := value != nil
	var order *models.Order
	err := unit(ctx, p.Ledger, "processor.pay", orderID, func(ctx context.Context) error {
		if err := p.Guard.RequireNotPaused(ctx); err != nil {
			return err
		}
		var err error
		order, err = loadOrder(ctx, p.Ledger, orderID, models.OrderCreated)
		if err != nil {
			return err
		}
		if err := access.RequireCaller(caller, order.Acceptor, roleAcceptor); err != nil {
			return err
		}
		if native != order.IsNative() {
			got := models.NativeAsset
			if !native {
				got = models.AnyToken
			}
			return &models.AssetMismatchError{OrderID: orderID, Want: order.Asset, Got: got}
		}
		if native && !value.Eq(order.Price) {
			return models.Invalid("value", fmt.Sprintf("sent %s, order price is %s", value.Dec(), order.Price.Dec()))
		}

		order.State = models.OrderPaid
		if err := p.Ledger.UpdateOrder(ctx, order); err != nil {
			return err
		}

		ev := &models.Event{OrderID: orderID, Counterpart: caller, Asset: order.Asset, Price: order.Price.Clone(), Amount: order.Price.Clone()}
		if native {
			ev.Kind = models.EventPaymentReceivedNative
			if err := p.Bank.Transfer(ctx, models.NativeAsset, caller, order.EscrowAddress, value); err != nil {
				return err
			}
		} else {
			ev.Kind = models.EventPaymentReceivedToken
			if err := p.Bank.TransferFrom(ctx, order.Asset, p.Address, caller, order.EscrowAddress, order.Price); err != nil {
				return err
			}
		}
		return emit(ctx, p.Ledger, nowOr(p.Now), ev)
	})
	if err != nil {
		return nil, err
	}
	loggerOr(p.Logger).InfoContext(ctx, "order paid", slog.Uint64("order_id", orderID), slog.String("state", string(order.State)))
	return order, nil
}

func (p *Processor) Cancel(ctx context.Context, caller models.Address, orderID uint64, out DealOutcome) (*models.Order, error) {
	var order *models.Order
	err := unit(ctx, p.Ledger, "processor.cancel", orderID, func(ctx context.Context) error {
		if err := p.Guard.RequireNotPaused(ctx); err != nil {
			return err
		}
		if err := p.Guard.RequireOperator(ctx, caller); err != nil {
			return err
		}
		var err error
		order, err = loadOrder(ctx, p.Ledger, orderID, models.OrderCreated)
		if err != nil {
			return err
		}
		if err := validateOutcome(out, true); err != nil {
			return err
		}

		order.State = models.OrderCancelled
		if err := p.Ledger.UpdateOrder(ctx, order); err != nil {
			return err
		}
		ev := &models.Event{Kind: models.EventOrderCancelled, OrderID: orderID, Counterpart: order.Origin, Asset: order.Asset, Price: order.Price.Clone(), Reason: out.Reason}
		if err := emit(ctx, p.Ledger, nowOr(p.Now), ev); err != nil {
			return err
		}
		return recordDeal(ctx, p.Settings, order, models.DealCancelled, out)
	})
	if err != nil {
		return nil, err
	}
	loggerOr(p.Logger).InfoContext(ctx, "order cancelled", slog.Uint64("order_id", orderID), slog.String("state", string(order.State)))
	return order, nil
}

// BeginRefund moves a paid order to refunding and registers a pending
// withdrawal of price minus discount to the order's origin.
func (p *Processor) BeginRefund(ctx context.Context, caller models.Address, orderID uint64, out DealOutcome) (*models.Withdraw, error) {
	var w *models.Withdraw
	err := unit(ctx, p.Ledger, "processor.begin_refund", orderID, func(ctx context.Context) error {
		if err := p.Guard.RequireNotPaused(ctx); err != nil {
			return err
		}
		if err := p.Guard.RequireOperator(ctx, caller); err != nil {
			return err
		}
		order, err := loadOrder(ctx, p.Ledger, orderID, models.OrderPaid)
		if err != nil {
			return err
		}
		if err := validateOutcome(out, true); err != nil {
			return err
		}
		amount, err := pricing.RefundAmount(order.Price, order.Discount)
		if err != nil {
			return err
		}

		w = &models.Withdraw{
			OrderID: orderID,
			Amount:  amount,
			Client:  order.Origin,
			Asset:   order.Asset,
			Custody: order.EscrowAddress,
			Reason:  out.Reason,
		}
		if err := p.refunds().open(ctx, w); err != nil {
			return err
		}
		order.State = models.OrderRefunding
		if err := p.Ledger.UpdateOrder(ctx, order); err != nil {
			return err
		}
		ev := &models.Event{Kind: models.EventRefundInitiated, OrderID: orderID, Counterpart: order.Origin, Asset: order.Asset, Price: order.Price.Clone(), Amount: amount.Clone(), Reason: out.Reason}
		if err := emit(ctx, p.Ledger, nowOr(p.Now), ev); err != nil {
			return err
		}
		return recordDeal(ctx, p.Settings, order, models.DealRefunded, out)
	})
	if err != nil {
		return nil, err
	}
	loggerOr(p.Logger).InfoContext(ctx, "refund initiated", slog.Uint64("order_id", orderID), slog.String("state", string(models.OrderRefunding)))
	return w, nil
}

// CompleteRefundNative pays out a pending native refund. Anyone may call it.
func (p *Processor) CompleteRefundNative(ctx context.Context, orderID uint64) (*models.Withdraw, error) {
	return p.completeRefund(ctx, orderID, models.NativeAsset)
}

// CompleteRefundToken pays out a pending token refund; asset must be the
// order's token. Anyone may call it.
func (p *Processor) CompleteRefundToken(ctx context.Context, orderID uint64, asset models.Address) (*models.Withdraw, error) {
	if asset == models.NativeAsset {
		return nil, models.Invalid("asset", "token address is empty")
	}
	return p.completeRefund(ctx, orderID, asset)
}

func (p *Processor) completeRefund(ctx context.Context, orderID uint64, asset models.Address) (*models.Withdraw, error) {
	var w *models.Withdraw
	err := unit(ctx, p.Ledger, "processor.complete_refund", orderID, func(ctx context.Context) error {
		if err := p.Guard.RequireNotPaused(ctx); err != nil {
			return err
		}
		order, err := loadOrder(ctx, p.Ledger, orderID, models.OrderRefunding)
		if err != nil {
			return err
		}
		w, err = p.refunds().discharge(ctx, orderID, asset, func(ctx context.Context, w *models.Withdraw) error {
			order.State = models.OrderRefunded
			return p.Ledger.UpdateOrder(ctx, order)
		})
		if err != nil {
			return err
		}
		ev := &models.Event{Kind: models.EventRefundWithdrawn, OrderID: orderID, Counterpart: w.Client, Asset: w.Asset, Amount: w.Amount.Clone(), Reason: w.Reason}
		return emit(ctx, p.Ledger, nowOr(p.Now), ev)
	})
	if err != nil {
		return nil, err
	}
	loggerOr(p.Logger).InfoContext(ctx, "refund withdrawn", slog.Uint64("order_id", orderID), slog.String("state", string(models.OrderRefunded)))
	return w, nil
}

// Settle finalizes a paid order and routes its funds out of escrow to the
// merchant, directly or through the gateway. A native-path discount is
// kept on the order.
func (p *Processor) Settle(ctx context.Context, caller models.Address, orderID uint64, out DealOutcome) (*models.Order, error) {
	var order *models.Order
	err := unit(ctx, p.Ledger, "processor.settle", orderID, func(ctx context.Context) error {
		if err := p.Guard.RequireNotPaused(ctx); err != nil {
			return err
		}
		if err := p.Guard.RequireOperator(ctx, caller); err != nil {
			return err
		}
		var err error
		order, err = loadOrder(ctx, p.Ledger, orderID, models.OrderPaid)
		if err != nil {
			return err
		}
		if err := validateOutcome(out, false); err != nil {
			return err
		}

		order.State = models.OrderFinalized
		if err := p.Ledger.UpdateOrder(ctx, order); err != nil {
			return err
		}
		route, err := p.Settings.Route(ctx)
		if err != nil {
			return err
		}
		res, err := p.Router.Settle(ctx, route, payments.Payment{
			OrderID:       orderID,
			From:          order.EscrowAddress,
			Origin:        order.Origin,
			Price:         order.Price,
			Fee:           order.Fee,
			VouchersApply: order.VouchersApply,
			Asset:         order.Asset,
		})
		if err != nil {
			return err
		}
		if !res.Discount.IsZero() {
			order.Discount = res.Discount.Clone()
			if err := p.Ledger.UpdateOrder(ctx, order); err != nil {
				return err
			}
		}

		now := nowOr(p.Now)
		paid := &models.Event{OrderID: orderID, Counterpart: order.Origin, Asset: order.Asset, Price: order.Price.Clone(), Fee: order.Fee.Clone()}
		if order.IsNative() {
			paid.Kind = models.EventOrderPaidNative
			paid.Discount = order.Discount.Clone()
		} else {
			paid.Kind = models.EventOrderPaidToken
		}
		if err := emit(ctx, p.Ledger, now, paid); err != nil {
			return err
		}
		settled := &models.Event{Kind: models.EventPaymentSettled, OrderID: orderID, Counterpart: res.Destination, Asset: order.Asset, Amount: order.Price.Clone(), Discount: res.Discount.Clone()}
		if err := emit(ctx, p.Ledger, now, settled); err != nil {
			return err
		}
		return recordDeal(ctx, p.Settings, order, models.DealCompleted, out)
	})
	if err != nil {
		return nil, err
	}
	loggerOr(p.Logger).InfoContext(ctx, "order settled",
		slog.Uint64("order_id", orderID),
		slog.String("state", string(order.State)),
		slog.String("discount", order.Discount.Dec()))
	return order, nil
}

func (p *Processor) Order(ctx context.Context, orderID uint64) (*models.Order, error) {
	if err := requireOrderID(orderID); err != nil {
		return nil, err
	}
	return p.Ledger.GetOrder(ctx, orderID)
}

func (p *Processor) Withdrawal(ctx context.Context, orderID uint64) (*models.Withdraw, error) {
	if err := requireOrderID(orderID); err != nil {
		return nil, err
	}
	return p.Ledger.GetWithdraw(ctx, orderID)
}

func (p *Processor) Events(ctx context.Context, orderID uint64) ([]*models.Event, error) {
	return p.Ledger.ListOrderEvents(ctx, orderID)
}
