package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"PaymentProcessor/internal/models"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the Postgres Ledger. Amounts and ids are NUMERIC columns moved as
// decimal text so the full uint64/uint256 ranges survive.
type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

type pgTxKey struct{}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.Pool
}

func inTx(ctx context.Context) bool {
	_, ok := ctx.Value(pgTxKey{}).(pgx.Tx)
	return ok
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	var (
		tx  pgx.Tx
		err error
	)
	if outer, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		// pgx runs this as a savepoint.
		tx, err = outer.Begin(ctx)
	} else {
		tx, err = s.Pool.Begin(ctx)
	}
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(context.WithValue(ctx, pgTxKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) NextDerivationIndex(ctx context.Context) (int64, error) {
	var idx int64
	err := s.q(ctx).QueryRow(ctx, "SELECT nextval('order_derivation_index_seq')").Scan(&idx)
	return idx, err
}

const orderColumns = `order_id::text, state, price::text, fee::text, acceptor, origin,
	asset, vouchers_apply::text, discount::text, escrow_address, derivation_index,
	created_at, updated_at`

func (s *Store) GetOrder(ctx context.Context, orderID uint64) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE order_id=$1::numeric`
	if inTx(ctx) {
		query += " FOR UPDATE"
	}
	order, err := scanOrder(s.q(ctx).QueryRow(ctx, query, formatID(orderID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", orderID, models.ErrNotFound)
	}
	return order, err
}

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	row := s.q(ctx).QueryRow(ctx, `
		INSERT INTO orders (
			order_id, state, price, fee, acceptor, origin, asset,
			vouchers_apply, discount, escrow_address, derivation_index
		) VALUES ($1::numeric,$2,$3::numeric,$4::numeric,$5,$6,$7,$8::numeric,$9::numeric,$10,$11)
		RETURNING created_at, updated_at
	`,
		formatID(order.ID),
		order.State,
		order.Price.Dec(),
		order.Fee.Dec(),
		order.Acceptor,
		order.Origin,
		order.Asset,
		formatID(order.VouchersApply),
		decOrZero(order.Discount),
		order.EscrowAddress,
		order.DerivationIndex,
	)
	if err := row.Scan(&order.CreatedAt, &order.UpdatedAt); err != nil {
		return mapDuplicate(err, "order", order.ID)
	}
	return nil
}

// UpdateOrder persists the mutable fields: state and discount.
func (s *Store) UpdateOrder(ctx context.Context, order *models.Order) error {
	row := s.q(ctx).QueryRow(ctx, `
		UPDATE orders
		SET state=$2, discount=$3::numeric, updated_at=now()
		WHERE order_id=$1::numeric
		RETURNING updated_at
	`, formatID(order.ID), order.State, decOrZero(order.Discount))
	if err := row.Scan(&order.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("order %d: %w", order.ID, models.ErrNotFound)
		}
		return err
	}
	return nil
}

const withdrawColumns = `order_id::text, state, amount::text, client, asset, custody,
	reason, created_at, updated_at`

func (s *Store) GetWithdraw(ctx context.Context, orderID uint64) (*models.Withdraw, error) {
	query := `SELECT ` + withdrawColumns + ` FROM withdrawals WHERE order_id=$1::numeric`
	if inTx(ctx) {
		query += " FOR UPDATE"
	}
	row := s.q(ctx).QueryRow(ctx, query, formatID(orderID))

	var w models.Withdraw
	var id, amount string
	err := row.Scan(&id, &w.State, &amount, &w.Client, &w.Asset, &w.Custody, &w.Reason, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("withdrawal %d: %w", orderID, models.ErrNotFound)
		}
		return nil, err
	}
	if w.OrderID, err = strconv.ParseUint(id, 10, 64); err != nil {
		return nil, err
	}
	if w.Amount, err = uint256.FromDecimal(amount); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) CreateWithdraw(ctx context.Context, w *models.Withdraw) error {
	row := s.q(ctx).QueryRow(ctx, `
		INSERT INTO withdrawals (order_id, state, amount, client, asset, custody, reason)
		VALUES ($1::numeric,$2,$3::numeric,$4,$5,$6,$7)
		RETURNING created_at, updated_at
	`, formatID(w.OrderID), w.State, w.Amount.Dec(), w.Client, w.Asset, w.Custody, w.Reason)
	if err := row.Scan(&w.CreatedAt, &w.UpdatedAt); err != nil {
		return mapDuplicate(err, "withdrawal", w.OrderID)
	}
	return nil
}

func (s *Store) UpdateWithdrawState(ctx context.Context, orderID uint64, state models.WithdrawState) error {
	res, err := s.q(ctx).Exec(ctx, `
		UPDATE withdrawals SET state=$2, updated_at=now() WHERE order_id=$1::numeric
	`, formatID(orderID), state)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("withdrawal %d: %w", orderID, models.ErrNotFound)
	}
	return nil
}

func (s *Store) Balance(ctx context.Context, asset, owner models.Address) (*uint256.Int, error) {
	var v string
	err := s.q(ctx).QueryRow(ctx, `
		SELECT amount::text FROM balances WHERE asset=$1 AND owner=$2
	`, asset, owner).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return new(uint256.Int), nil
		}
		return nil, err
	}
	return uint256.FromDecimal(v)
}

func (s *Store) Credit(ctx context.Context, asset, owner models.Address, amount *uint256.Int) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO balances (asset, owner, amount)
		VALUES ($1, $2, $3::numeric)
		ON CONFLICT (asset, owner) DO UPDATE SET amount = balances.amount + EXCLUDED.amount
	`, asset, owner, amount.Dec())
	return err
}

func (s *Store) Debit(ctx context.Context, asset, owner models.Address, amount *uint256.Int) error {
	res, err := s.q(ctx).Exec(ctx, `
		UPDATE balances SET amount = amount - $3::numeric
		WHERE asset=$1 AND owner=$2 AND amount >= $3::numeric
	`, asset, owner, amount.Dec())
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		have, err := s.Balance(ctx, asset, owner)
		if err != nil {
			return err
		}
		return insufficientFunds(owner, have, amount)
	}
	return nil
}

func (s *Store) Allowance(ctx context.Context, token, owner, spender models.Address) (*uint256.Int, error) {
	var v string
	err := s.q(ctx).QueryRow(ctx, `
		SELECT amount::text FROM allowances WHERE token=$1 AND owner=$2 AND spender=$3
	`, token, owner, spender).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return new(uint256.Int), nil
		}
		return nil, err
	}
	return uint256.FromDecimal(v)
}

func (s *Store) SetAllowance(ctx context.Context, token, owner, spender models.Address, amount *uint256.Int) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO allowances (token, owner, spender, amount)
		VALUES ($1, $2, $3, $4::numeric)
		ON CONFLICT (token, owner, spender) DO UPDATE SET amount = EXCLUDED.amount
	`, token, owner, spender, amount.Dec())
	return err
}

func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.q(ctx).QueryRow(ctx, `SELECT value FROM processor_settings WHERE key=$1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return v, err
}

func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO processor_settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
	return err
}

func (s *Store) SeedSetting(ctx context.Context, key, value string) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO processor_settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING
	`, key, value)
	return err
}

// claim locks listed outbox rows for the rest of the caller's transaction.
func claim(ctx context.Context) string {
	if inTx(ctx) {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

const eventColumns = `id, order_id::text, kind, counterpart, asset, price::text, fee::text,
	discount::text, amount::text, reason, created_at, published_at`

func (s *Store) AppendEvent(ctx context.Context, ev *models.Event) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO audit_events (
			id, order_id, kind, counterpart, asset, price, fee, discount, amount, reason, created_at
		) VALUES ($1,$2::numeric,$3,$4,$5,$6::numeric,$7::numeric,$8::numeric,$9::numeric,$10,$11)
	`,
		ev.ID,
		formatID(ev.OrderID),
		ev.Kind,
		ev.Counterpart,
		ev.Asset,
		nullableDec(ev.Price),
		nullableDec(ev.Fee),
		nullableDec(ev.Discount),
		nullableDec(ev.Amount),
		ev.Reason,
		ev.CreatedAt,
	)
	return err
}

func (s *Store) ListOrderEvents(ctx context.Context, orderID uint64) ([]*models.Event, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT `+eventColumns+` FROM audit_events
		WHERE order_id=$1::numeric ORDER BY seq
	`, formatID(orderID))
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func (s *Store) ListUnpublishedEvents(ctx context.Context, limit int) ([]*models.Event, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT `+eventColumns+` FROM audit_events
		WHERE published_at IS NULL ORDER BY seq LIMIT $1
	`+claim(ctx), limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func (s *Store) MarkEventPublished(ctx context.Context, id string, at time.Time) error {
	_, err := s.q(ctx).Exec(ctx, `UPDATE audit_events SET published_at=$2 WHERE id=$1`, id, at)
	return err
}

const dealColumns = `id, order_id::text, kind, history_address, client, client_reputation,
	merchant_reputation, deal_hash, reason, price::text, created_at, delivered_at`

func (s *Store) AppendDeal(ctx context.Context, rec *models.DealRecord) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO deal_records (
			id, order_id, kind, history_address, client, client_reputation,
			merchant_reputation, deal_hash, reason, price, created_at
		) VALUES ($1,$2::numeric,$3,$4,$5,$6,$7,$8,$9,$10::numeric,$11)
	`,
		rec.ID,
		formatID(rec.OrderID),
		rec.Kind,
		rec.History,
		rec.Client,
		int64(rec.ClientReputation),
		int64(rec.MerchantReputation),
		rec.DealHash,
		rec.Reason,
		nullableDec(rec.Price),
		rec.CreatedAt,
	)
	return err
}

func (s *Store) ListUndeliveredDeals(ctx context.Context, limit int) ([]*models.DealRecord, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT `+dealColumns+` FROM deal_records
		WHERE delivered_at IS NULL ORDER BY seq LIMIT $1
	`+claim(ctx), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.DealRecord
	for rows.Next() {
		var rec models.DealRecord
		var id string
		var clientRep, merchantRep int64
		var price sql.NullString
		var deliveredAt sql.NullTime
		if err := rows.Scan(
			&rec.ID,
			&id,
			&rec.Kind,
			&rec.History,
			&rec.Client,
			&clientRep,
			&merchantRep,
			&rec.DealHash,
			&rec.Reason,
			&price,
			&rec.CreatedAt,
			&deliveredAt,
		); err != nil {
			return nil, err
		}
		if rec.OrderID, err = strconv.ParseUint(id, 10, 64); err != nil {
			return nil, err
		}
		rec.ClientReputation = uint32(clientRep)
		rec.MerchantReputation = uint32(merchantRep)
		if rec.Price, err = parseNullable(price); err != nil {
			return nil, err
		}
		if deliveredAt.Valid {
			rec.DeliveredAt = &deliveredAt.Time
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *Store) MarkDealDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := s.q(ctx).Exec(ctx, `UPDATE deal_records SET delivered_at=$2 WHERE id=$1`, id, at)
	return err
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var order models.Order
	var id, price, fee, vouchers, discount string
	err := row.Scan(
		&id,
		&order.State,
		&price,
		&fee,
		&order.Acceptor,
		&order.Origin,
		&order.Asset,
		&vouchers,
		&discount,
		&order.EscrowAddress,
		&order.DerivationIndex,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if order.ID, err = strconv.ParseUint(id, 10, 64); err != nil {
		return nil, err
	}
	if order.VouchersApply, err = strconv.ParseUint(vouchers, 10, 64); err != nil {
		return nil, err
	}
	if order.Price, err = uint256.FromDecimal(price); err != nil {
		return nil, err
	}
	if order.Fee, err = uint256.FromDecimal(fee); err != nil {
		return nil, err
	}
	if order.Discount, err = uint256.FromDecimal(discount); err != nil {
		return nil, err
	}
	return &order, nil
}

func collectEvents(rows pgx.Rows) ([]*models.Event, error) {
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		var ev models.Event
		var id string
		var price, fee, discount, amount sql.NullString
		var publishedAt sql.NullTime
		if err := rows.Scan(
			&ev.ID,
			&id,
			&ev.Kind,
			&ev.Counterpart,
			&ev.Asset,
			&price,
			&fee,
			&discount,
			&amount,
			&ev.Reason,
			&ev.CreatedAt,
			&publishedAt,
		); err != nil {
			return nil, err
		}
		var err error
		if ev.OrderID, err = strconv.ParseUint(id, 10, 64); err != nil {
			return nil, err
		}
		if ev.Price, err = parseNullable(price); err != nil {
			return nil, err
		}
		if ev.Fee, err = parseNullable(fee); err != nil {
			return nil, err
		}
		if ev.Discount, err = parseNullable(discount); err != nil {
			return nil, err
		}
		if ev.Amount, err = parseNullable(amount); err != nil {
			return nil, err
		}
		if publishedAt.Valid {
			ev.PublishedAt = &publishedAt.Time
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func formatID(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func decOrZero(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func nullableDec(v *uint256.Int) any {
	if v == nil {
		return nil
	}
	return v.Dec()
}

func parseNullable(v sql.NullString) (*uint256.Int, error) {
	if !v.Valid {
		return nil, nil
	}
	return uint256.FromDecimal(v.String)
}

func mapDuplicate(err error, record string, id uint64) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s %d: %w", record, id, ErrDuplicate)
	}
	return err
}
