package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"PaymentProcessor/internal/models"

	"github.com/holiman/uint256"
)

var ErrDuplicate = errors.New("record already exists")

type balanceKey struct {
	asset models.Address
	owner models.Address
}

type allowanceKey struct {
	token   models.Address
	owner   models.Address
	spender models.Address
}

// Memory is an in-process Ledger. Outermost transactions are serialized by a
// single mutex and rolled back through an undo journal.
type Memory struct {
	mu         sync.Mutex
	seq        int64
	orders     map[uint64]*models.Order
	withdraws  map[uint64]*models.Withdraw
	balances   map[balanceKey]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	settings   map[string]string
	events     []*models.Event
	deals      []*models.DealRecord
	Now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		orders:     make(map[uint64]*models.Order),
		withdraws:  make(map[uint64]*models.Withdraw),
		balances:   make(map[balanceKey]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
		settings:   make(map[string]string),
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

type memTxKey struct{}

type memTx struct {
	owner *Memory
	undo  []func()
}

func (tx *memTx) onRollback(fn func()) {
	tx.undo = append(tx.undo, fn)
}

func (tx *memTx) rollbackTo(mark int) {
	for i := len(tx.undo) - 1; i >= mark; i-- {
		tx.undo[i]()
	}
	tx.undo = tx.undo[:mark]
}

func (m *Memory) txFrom(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	if tx != nil && tx.owner == m {
		return tx
	}
	return nil
}

func (m *Memory) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx := m.txFrom(ctx); tx != nil {
		mark := len(tx.undo)
		done := false
		defer func() {
			if !done {
				tx.rollbackTo(mark)
			}
		}()
		if err := fn(ctx); err != nil {
			return err
		}
		done = true
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{owner: m}
	done := false
	defer func() {
		if !done {
			tx.rollbackTo(0)
		}
	}()
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}
	done = true
	return nil
}

// do runs fn against the caller's transaction, or as a standalone atomic
// step when there is none.
func (m *Memory) do(ctx context.Context, fn func(tx *memTx) error) error {
	if tx := m.txFrom(ctx); tx != nil {
		return fn(tx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memTx{owner: m})
}

func (m *Memory) NextDerivationIndex(ctx context.Context) (int64, error) {
	var idx int64
	err := m.do(ctx, func(tx *memTx) error {
		m.seq++
		idx = m.seq
		return nil
	})
	return idx, err
}

func (m *Memory) GetOrder(ctx context.Context, orderID uint64) (*models.Order, error) {
	var out *models.Order
	err := m.do(ctx, func(tx *memTx) error {
		o, ok := m.orders[orderID]
		if !ok {
			return fmt.Errorf("order %d: %w", orderID, models.ErrNotFound)
		}
		out = o.Clone()
		return nil
	})
	return out, err
}

func (m *Memory) CreateOrder(ctx context.Context, order *models.Order) error {
	return m.do(ctx, func(tx *memTx) error {
		if _, ok := m.orders[order.ID]; ok {
			return fmt.Errorf("order %d: %w", order.ID, ErrDuplicate)
		}
		now := m.Now()
		stored := order.Clone()
		stored.CreatedAt, stored.UpdatedAt = now, now
		m.orders[order.ID] = stored
		tx.onRollback(func() { delete(m.orders, order.ID) })
		order.CreatedAt, order.UpdatedAt = now, now
		return nil
	})
}

func (m *Memory) UpdateOrder(ctx context.Context, order *models.Order) error {
	return m.do(ctx, func(tx *memTx) error {
		prev, ok := m.orders[order.ID]
		if !ok {
			return fmt.Errorf("order %d: %w", order.ID, models.ErrNotFound)
		}
		stored := order.Clone()
		stored.CreatedAt = prev.CreatedAt
		stored.UpdatedAt = m.Now()
		m.orders[order.ID] = stored
		tx.onRollback(func() { m.orders[order.ID] = prev })
		order.UpdatedAt = stored.UpdatedAt
		return nil
	})
}

func (m *Memory) GetWithdraw(ctx context.Context, orderID uint64) (*models.Withdraw, error) {
	var out *models.Withdraw
	err := m.do(ctx, func(tx *memTx) error {
		w, ok := m.withdraws[orderID]
		if !ok {
			return fmt.Errorf("withdrawal %d: %w", orderID, models.ErrNotFound)
		}
		out = w.Clone()
		return nil
	})
	return out, err
}

func (m *Memory) CreateWithdraw(ctx context.Context, w *models.Withdraw) error {
	return m.do(ctx, func(tx *memTx) error {
		if _, ok := m.withdraws[w.OrderID]; ok {
			return fmt.Errorf("withdrawal %d: %w", w.OrderID, ErrDuplicate)
		}
		now := m.Now()
		stored := w.Clone()
		stored.CreatedAt, stored.UpdatedAt = now, now
		m.withdraws[w.OrderID] = stored
		tx.onRollback(func() { delete(m.withdraws, w.OrderID) })
		w.CreatedAt, w.UpdatedAt = now, now
		return nil
	})
}

func (m *Memory) UpdateWithdrawState(ctx context.Context, orderID uint64, state models.WithdrawState) error {
	return m.do(ctx, func(tx *memTx) error {
		prev, ok := m.withdraws[orderID]
		if !ok {
			return fmt.Errorf("withdrawal %d: %w", orderID, models.ErrNotFound)
		}
		next := prev.Clone()
		next.State = state
		next.UpdatedAt = m.Now()
		m.withdraws[orderID] = next
		tx.onRollback(func() { m.withdraws[orderID] = prev })
		return nil
	})
}

func (m *Memory) Balance(ctx context.Context, asset, owner models.Address) (*uint256.Int, error) {
	out := new(uint256.Int)
	err := m.do(ctx, func(tx *memTx) error {
		if v, ok := m.balances[balanceKey{asset, owner}]; ok {
			out.Set(v)
		}
		return nil
	})
	return out, err
}

func (m *Memory) setBalance(tx *memTx, key balanceKey, v *uint256.Int) {
	prev, existed := m.balances[key]
	m.balances[key] = v
	tx.onRollback(func() {
		if existed {
			m.balances[key] = prev
		} else {
			delete(m.balances, key)
		}
	})
}

func (m *Memory) Credit(ctx context.Context, asset, owner models.Address, amount *uint256.Int) error {
	return m.do(ctx, func(tx *memTx) error {
		key := balanceKey{asset, owner}
		cur := new(uint256.Int)
		if v, ok := m.balances[key]; ok {
			cur.Set(v)
		}
		next, overflow := new(uint256.Int).AddOverflow(cur, amount)
		if overflow {
			return models.Invalid("amount", "balance overflow")
		}
		m.setBalance(tx, key, next)
		return nil
	})
}

func (m *Memory) Debit(ctx context.Context, asset, owner models.Address, amount *uint256.Int) error {
	return m.do(ctx, func(tx *memTx) error {
		key := balanceKey{asset, owner}
		cur := new(uint256.Int)
		if v, ok := m.balances[key]; ok {
			cur.Set(v)
		}
		if cur.Lt(amount) {
			return insufficientFunds(owner, cur, amount)
		}
		m.setBalance(tx, key, new(uint256.Int).Sub(cur, amount))
		return nil
	})
}

func (m *Memory) Allowance(ctx context.Context, token, owner, spender models.Address) (*uint256.Int, error) {
	out := new(uint256.Int)
	err := m.do(ctx, func(tx *memTx) error {
		if v, ok := m.allowances[allowanceKey{token, owner, spender}]; ok {
			out.Set(v)
		}
		return nil
	})
	return out, err
}

func (m *Memory) SetAllowance(ctx context.Context, token, owner, spender models.Address, amount *uint256.Int) error {
	return m.do(ctx, func(tx *memTx) error {
		key := allowanceKey{token, owner, spender}
		prev, existed := m.allowances[key]
		m.allowances[key] = amount.Clone()
		tx.onRollback(func() {
			if existed {
				m.allowances[key] = prev
			} else {
				delete(m.allowances, key)
			}
		})
		return nil
	})
}

func (m *Memory) Setting(ctx context.Context, key string) (string, error) {
	var out string
	err := m.do(ctx, func(tx *memTx) error {
		out = m.settings[key]
		return nil
	})
	return out, err
}

func (m *Memory) PutSetting(ctx context.Context, key, value string) error {
	return m.do(ctx, func(tx *memTx) error {
		m.putSetting(tx, key, value)
		return nil
	})
}

func (m *Memory) SeedSetting(ctx context.Context, key, value string) error {
	return m.do(ctx, func(tx *memTx) error {
		if _, ok := m.settings[key]; !ok {
			m.putSetting(tx, key, value)
		}
		return nil
	})
}

func (m *Memory) putSetting(tx *memTx, key, value string) {
	prev, existed := m.settings[key]
	m.settings[key] = value
	tx.onRollback(func() {
		if existed {
			m.settings[key] = prev
		} else {
			delete(m.settings, key)
		}
	})
}

func (m *Memory) AppendEvent(ctx context.Context, ev *models.Event) error {
	return m.do(ctx, func(tx *memTx) error {
		cp := *ev
		n := len(m.events)
		m.events = append(m.events, &cp)
		tx.onRollback(func() { m.events = m.events[:n] })
		return nil
	})
}

func (m *Memory) ListOrderEvents(ctx context.Context, orderID uint64) ([]*models.Event, error) {
	var out []*models.Event
	err := m.do(ctx, func(tx *memTx) error {
		for _, ev := range m.events {
			if ev.OrderID == orderID {
				cp := *ev
				out = append(out, &cp)
			}
		}
		return nil
	})
	return out, err
}

func (m *Memory) ListUnpublishedEvents(ctx context.Context, limit int) ([]*models.Event, error) {
	var out []*models.Event
	err := m.do(ctx, func(tx *memTx) error {
		for _, ev := range m.events {
			if limit > 0 && len(out) >= limit {
				break
			}
			if ev.PublishedAt == nil {
				cp := *ev
				out = append(out, &cp)
			}
		}
		return nil
	})
	return out, err
}

func (m *Memory) MarkEventPublished(ctx context.Context, id string, at time.Time) error {
	return m.do(ctx, func(tx *memTx) error {
		for _, ev := range m.events {
			if ev.ID != id {
				continue
			}
			prev := ev.PublishedAt
			ev.PublishedAt = &at
			tx.onRollback(func() { ev.PublishedAt = prev })
			return nil
		}
		return fmt.Errorf("event %s: %w", id, models.ErrNotFound)
	})
}

func (m *Memory) AppendDeal(ctx context.Context, rec *models.DealRecord) error {
	return m.do(ctx, func(tx *memTx) error {
		cp := *rec
		n := len(m.deals)
		m.deals = append(m.deals, &cp)
		tx.onRollback(func() { m.deals = m.deals[:n] })
		return nil
	})
}

func (m *Memory) ListUndeliveredDeals(ctx context.Context, limit int) ([]*models.DealRecord, error) {
	var out []*models.DealRecord
	err := m.do(ctx, func(tx *memTx) error {
		for _, rec := range m.deals {
			if limit > 0 && len(out) >= limit {
				break
			}
			if rec.DeliveredAt == nil {
				cp := *rec
				out = append(out, &cp)
			}
		}
		return nil
	})
	return out, err
}

func (m *Memory) MarkDealDelivered(ctx context.Context, id string, at time.Time) error {
	return m.do(ctx, func(tx *memTx) error {
		for _, rec := range m.deals {
			if rec.ID != id {
				continue
			}
			prev := rec.DeliveredAt
			rec.DeliveredAt = &at
			tx.onRollback(func() { rec.DeliveredAt = prev })
			return nil
		}
		return fmt.Errorf("deal record %s: %w", id, models.ErrNotFound)
	})
}

func insufficientFunds(owner models.Address, have, want *uint256.Int) error {
	return &models.ValidationError{
		Field:  "balance",
		Reason: fmt.Sprintf("%s holds %s, needs %s", owner, have.Dec(), want.Dec()),
		Cause:  models.ErrInsufficientFunds,
	}
}
