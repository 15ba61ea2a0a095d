package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"PaymentProcessor/internal/history"
	"PaymentProcessor/internal/models"
	"PaymentProcessor/internal/store"
)

// Publisher ships one audit event to the outside world.
type Publisher interface {
	Publish(ctx context.Context, ev *models.Event) error
}

// Worker relays the ledger outboxes: audit events go to the Publisher and
// deal records to the remote deal-history ledger. Rows are marked only
// after delivery succeeds, so a failed tick is retried on the next one.
type Worker struct {
	Ledger     store.Ledger
	Publisher  Publisher
	History    history.Client
	MerchantID string
	BatchSize  int
	Interval   time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

func (w *Worker) Run(ctx context.Context) {
	w.dialHistory(ctx)
	ticker := time.NewTicker(w.interval())
	defer ticker.Stop()

	for {
		if err := w.RelayOnce(ctx); err != nil {
			w.logger().ErrorContext(ctx, "relay error", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RelayOnce drains one batch from each outbox.
func (w *Worker) RelayOnce(ctx context.Context) error {
	return errors.Join(w.publishEvents(ctx), w.deliverDeals(ctx))
}

// publishEvents stops at the first failure so events leave in order. The
// batch is claimed inside one transaction, so concurrent workers never pick
// up the same rows; rows marked before a failure still commit.
func (w *Worker) publishEvents(ctx context.Context) error {
	if w.Publisher == nil {
		return nil
	}
	var failed error
	published := 0
	err := w.Ledger.WithinTx(ctx, func(ctx context.Context) error {
		evs, err := w.Ledger.ListUnpublishedEvents(ctx, w.batchSize())
		if err != nil {
			return fmt.Errorf("list events: %w", err)
		}
		for _, ev := range evs {
			if err := w.Publisher.Publish(ctx, ev); err != nil {
				failed = fmt.Errorf("publish event %s: %w", ev.ID, err)
				return nil
			}
			if err := w.Ledger.MarkEventPublished(ctx, ev.ID, w.now()); err != nil {
				return fmt.Errorf("mark event %s: %w", ev.ID, err)
			}
			published++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if published > 0 {
		w.logger().InfoContext(ctx, "audit events published", slog.Int("count", published))
	}
	return failed
}

// deliverDeals keeps going past a rejected record; the remote ledger
// deduplicates by record id, so a later retry is safe.
func (w *Worker) deliverDeals(ctx context.Context) error {
	if w.History == nil {
		return nil
	}
	var errs []error
	delivered := 0
	err := w.Ledger.WithinTx(ctx, func(ctx context.Context) error {
		recs, err := w.Ledger.ListUndeliveredDeals(ctx, w.batchSize())
		if err != nil {
			return fmt.Errorf("list deals: %w", err)
		}
		for _, rec := range recs {
			if err := w.History.Deliver(ctx, w.MerchantID, rec); err != nil {
				errs = append(errs, fmt.Errorf("deliver deal %s: %w", rec.ID, err))
				continue
			}
			if err := w.Ledger.MarkDealDelivered(ctx, rec.ID, w.now()); err != nil {
				return fmt.Errorf("mark deal %s: %w", rec.ID, err)
			}
			delivered++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if delivered > 0 {
		w.logger().InfoContext(ctx, "deal records delivered", slog.Int("count", delivered))
	}
	return errors.Join(errs...)
}

func (w *Worker) interval() time.Duration {
	if w.Interval <= 0 {
		return 10 * time.Second
	}
	return w.Interval
}

func (w *Worker) batchSize() int {
	if w.BatchSize <= 0 {
		return 100
	}
	return w.BatchSize
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}
