package services

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"PaymentProcessor/internal/history"
	"PaymentProcessor/internal/models"
	"PaymentProcessor/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("PaymentProcessor/internal/services")
	meter  = otel.Meter("PaymentProcessor/internal/services")

	// operations counts committed and rejected units by name.
	operations = int64Counter(meter, "processor.operations", "Processor operations by outcome")
)

// int64Counter reports a failed instrument through the otel error handler
// and falls back to a no-op counter when none was returned.
func int64Counter(m metric.Meter, name, description string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		otel.Handle(err)
	}
	if c == nil {
		return noop.Int64Counter{}
	}
	return c
}

// EscrowDeriver hands out the custody address for an order.
type EscrowDeriver interface {
	Derive(index uint32) (string, error)
}

// DealOutcome is what an operator reports when closing a deal; it feeds
// the reputation record.
type DealOutcome struct {
	ClientReputation   uint32
	MerchantReputation uint32
	DealHash           string
	Reason             string
}

// unit runs fn as one ledger transaction under a span named op.
func unit(ctx context.Context, ledger store.Ledger, op string, orderID uint64, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.String("order_id", strconv.FormatUint(orderID, 10))))
	defer span.End()
	if err := ledger.WithinTx(ctx, fn); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		operations.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", "rejected")))
		return err
	}
	operations.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", "committed")))
	return nil
}

func requireOrderID(orderID uint64) error {
	if orderID == 0 {
		return models.Invalid("order id", "must be positive")
	}
	return nil
}

func requireReason(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return models.Invalid("reason", "is empty")
	}
	return nil
}

// loadOrder fetches the order and checks it is in want. A missing order is
// in state null.
func loadOrder(ctx context.Context, ledger store.Ledger, orderID uint64, want models.OrderState) (*models.Order, error) {
	order, err := ledger.GetOrder(ctx, orderID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.NewStateError(orderID, want, models.OrderNull)
	}
	if err != nil {
		return nil, err
	}
	if order.State != want {
		return nil, models.NewStateError(orderID, want, order.State)
	}
	return order, nil
}

func emit(ctx context.Context, ledger store.Ledger, now time.Time, ev *models.Event) error {
	ev.ID = uuid.NewString()
	ev.CreatedAt = now
	return ledger.AppendEvent(ctx, ev)
}

func recordDeal(ctx context.Context, settings *Settings, order *models.Order, kind models.DealKind, out DealOutcome) error {
	rec, err := settings.Recorder(ctx)
	if err != nil || rec == nil {
		return err
	}
	return rec.RecordDeal(ctx, &models.DealRecord{
		OrderID:            order.ID,
		Kind:               kind,
		Client:             order.Origin,
		ClientReputation:   out.ClientReputation,
		MerchantReputation: out.MerchantReputation,
		DealHash:           out.DealHash,
		Reason:             out.Reason,
		Price:              order.Price.Clone(),
	})
}

func validateOutcome(out DealOutcome, needReason bool) error {
	if needReason {
		if err := requireReason(out.Reason); err != nil {
			return err
		}
	}
	_, err := history.NormalizeDealHash(out.DealHash)
	return err
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

func nowOr(now func() time.Time) time.Time {
	if now != nil {
		return now()
	}
	return time.Now().UTC()
}
