package models

import (
	"time"

	"github.com/holiman/uint256"
)

// Address is a bech32 account or contract address on the host platform.
type Address string

// NativeAsset marks an order or withdrawal settled in the native currency.
const NativeAsset Address = ""

// AnyToken stands in for the token path when a caller names no token.
const AnyToken Address = "*"

func (a Address) String() string {
	return string(a)
}

func (a Address) IsZero() bool {
	return a == ""
}

type OrderState string

const (
	OrderNull      OrderState = "null"
	OrderCreated   OrderState = "created"
	OrderPaid      OrderState = "paid"
	OrderFinalized OrderState = "finalized"
	OrderRefunding OrderState = "refunding"
	OrderRefunded  OrderState = "refunded"
	OrderCancelled OrderState = "cancelled"
)

type WithdrawState string

const (
	WithdrawNull      WithdrawState = "null"
	WithdrawPending   WithdrawState = "pending"
	WithdrawWithdrawn WithdrawState = "withdrawn"
)

type Order struct {
	ID              uint64
	State           OrderState
	Price           *uint256.Int
	Fee             *uint256.Int
	Acceptor        Address
	Origin          Address
	Asset           Address
	VouchersApply   uint64
	Discount        *uint256.Int
	EscrowAddress   Address
	DerivationIndex int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (o *Order) IsNative() bool {
	return o.Asset == NativeAsset
}

func (o *Order) Clone() *Order {
	c := *o
	c.Price = cloneAmount(o.Price)
	c.Fee = cloneAmount(o.Fee)
	c.Discount = cloneAmount(o.Discount)
	return &c
}

type Withdraw struct {
	OrderID   uint64
	State     WithdrawState
	Amount    *uint256.Int
	Client    Address
	Asset     Address
	Custody   Address
	Reason    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (w *Withdraw) IsNative() bool {
	return w.Asset == NativeAsset
}

func (w *Withdraw) Clone() *Withdraw {
	c := *w
	c.Amount = cloneAmount(w.Amount)
	return &c
}

type EventKind string

const (
	EventPaymentReceivedNative EventKind = "payment_received_native"
	EventPaymentReceivedToken  EventKind = "payment_received_token"
	EventOrderPaidNative       EventKind = "order_paid_native"
	EventOrderPaidToken        EventKind = "order_paid_token"
	EventPaymentSettled        EventKind = "payment_settled"
	EventOrderCancelled        EventKind = "order_cancelled"
	EventRefundInitiated       EventKind = "refund_initiated"
	EventRefundWithdrawn       EventKind = "refund_withdrawn"
)

// Event is one row of the append-only audit trail.
type Event struct {
	ID          string
	OrderID     uint64
	Kind        EventKind
	Counterpart Address
	Asset       Address
	Price       *uint256.Int
	Fee         *uint256.Int
	Discount    *uint256.Int
	Amount      *uint256.Int
	Reason      string
	CreatedAt   time.Time
	PublishedAt *time.Time
}

type DealKind string

const (
	DealCompleted DealKind = "deal"
	DealCancelled DealKind = "cancel"
	DealRefunded  DealKind = "refund"
)

// DealRecord is an outcome queued for the external deal-history ledger.
type DealRecord struct {
	ID                 string
	OrderID            uint64
	Kind               DealKind
	// History is the deals-history collaborator the record was written to.
	History            Address
	Client             Address
	ClientReputation   uint32
	MerchantReputation uint32
	DealHash           string
	Reason             string
	Price              *uint256.Int
	CreatedAt          time.Time
	DeliveredAt        *time.Time
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return v.Clone()
}
