package services

import (
	"context"
	"errors"

	"PaymentProcessor/internal/chain"
	"PaymentProcessor/internal/models"
	"PaymentProcessor/internal/store"
)

// refundEscrow registers refund obligations and pays each one out exactly
// once. Both processor variants share it.
type refundEscrow struct {
	ledger store.Ledger
	bank   *chain.Bank
}

// open records a Pending withdrawal for w.OrderID. There must be no prior
// withdrawal for the id, pending or completed.
func (r refundEscrow) open(ctx context.Context, w *models.Withdraw) error {
	if err := requireReason(w.Reason); err != nil {
		return err
	}
	if w.Amount == nil || w.Amount.IsZero() {
		return models.Invalid("amount", "zero-value refund")
	}
	if w.Client.IsZero() {
		return models.Invalid("client", "is empty")
	}
	existing, err := r.ledger.GetWithdraw(ctx, w.OrderID)
	switch {
	case err == nil:
		return models.NewWithdrawStateError(w.OrderID, models.WithdrawNull, existing.State)
	case !errors.Is(err, models.ErrNotFound):
		return err
	}
	w.State = models.WithdrawPending
	if err := r.ledger.CreateWithdraw(ctx, w); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return models.NewWithdrawStateError(w.OrderID, models.WithdrawNull, models.WithdrawPending)
		}
		return err
	}
	return nil
}

// discharge pays out the pending withdrawal for orderID through asset.
// The Withdrawn state, and whatever commit runs, is written before the
// transfer: a recipient that calls back in sees the record already closed.
func (r refundEscrow) discharge(ctx context.Context, orderID uint64, asset models.Address, commit func(ctx context.Context, w *models.Withdraw) error) (*models.Withdraw, error) {
	w, err := r.ledger.GetWithdraw(ctx, orderID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.NewWithdrawStateError(orderID, models.WithdrawPending, models.WithdrawNull)
	}
	if err != nil {
		return nil, err
	}
	if w.State != models.WithdrawPending {
		return nil, models.NewWithdrawStateError(orderID, models.WithdrawPending, w.State)
	}
	if w.Asset != asset {
		return nil, &models.AssetMismatchError{OrderID: orderID, Want: w.Asset, Got: asset}
	}

	if err := r.ledger.UpdateWithdrawState(ctx, orderID, models.WithdrawWithdrawn); err != nil {
		return nil, err
	}
	w.State = models.WithdrawWithdrawn
	if commit != nil {
		if err := commit(ctx, w); err != nil {
			return nil, err
		}
	}

	if err := r.bank.Transfer(ctx, w.Asset, w.Custody, w.Client, w.Amount); err != nil {
		return nil, err
	}
	return w, nil
}
