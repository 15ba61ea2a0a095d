package history

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"PaymentProcessor/internal/models"
	"PaymentProcessor/internal/store"

	"github.com/google/uuid"
)

// Recorder accepts deal outcomes for the reputation ledger. A failed
// RecordDeal fails the operation that produced the outcome.
type Recorder interface {
	MerchantID() string
	RecordDeal(ctx context.Context, rec *models.DealRecord) error
}

// Client delivers a queued record to the remote deal-history ledger.
type Client interface {
	Deliver(ctx context.Context, merchantID string, rec *models.DealRecord) error
}

// Outbox is the Recorder the processor writes through. Records land in the
// ledger inside the caller's transaction and the worker delivers them.
type Outbox struct {
	Ledger   store.Ledger
	Merchant string
	// Address identifies this deals history among the configured ones.
	Address  models.Address
	Now      func() time.Time
}

func NewOutbox(ledger store.Ledger, merchantID string, addr models.Address) *Outbox {
	return &Outbox{Ledger: ledger, Merchant: merchantID, Address: addr, Now: func() time.Time { return time.Now().UTC() }}
}

func (o *Outbox) MerchantID() string { return o.Merchant }

func (o *Outbox) RecordDeal(ctx context.Context, rec *models.DealRecord) error {
	hash, err := NormalizeDealHash(rec.DealHash)
	if err != nil {
		return err
	}
	if rec.Client.IsZero() {
		return models.Invalid("client", "is empty")
	}
	rec.DealHash = hash
	rec.History = o.Address
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = o.Now()
	}
	return o.Ledger.AppendDeal(ctx, rec)
}

// NormalizeDealHash accepts a 32-byte hash in hex, with or without a 0x
// prefix, and returns it lowercased without the prefix.
func NormalizeDealHash(v string) (string, error) {
	v = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(v), "0x"), "0X")
	b, err := hex.DecodeString(v)
	if err != nil {
		return "", &models.ValidationError{Field: "deal hash", Reason: "not hex", Cause: err}
	}
	if len(b) != 32 {
		return "", models.Invalid("deal hash", "must be 32 bytes")
	}
	return hex.EncodeToString(b), nil
}

// dealPayload is the wire form shared by the HTTP and websocket clients.
type dealPayload struct {
	ID                 string    `json:"id"`
	MerchantID         string    `json:"merchant_id"`
	History            string    `json:"history,omitempty"`
	OrderID            string    `json:"order_id"`
	Kind               string    `json:"kind"`
	Client             string    `json:"client"`
	ClientReputation   uint32    `json:"client_reputation"`
	MerchantReputation uint32    `json:"merchant_reputation"`
	DealHash           string    `json:"deal_hash"`
	Reason             string    `json:"reason,omitempty"`
	Price              string    `json:"price,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

func encodeDeal(merchantID string, rec *models.DealRecord) dealPayload {
	p := dealPayload{
		ID:                 rec.ID,
		MerchantID:         merchantID,
		History:            rec.History.String(),
		OrderID:            formatOrderID(rec.OrderID),
		Kind:               string(rec.Kind),
		Client:             rec.Client.String(),
		ClientReputation:   rec.ClientReputation,
		MerchantReputation: rec.MerchantReputation,
		DealHash:           rec.DealHash,
		Reason:             rec.Reason,
		CreatedAt:          rec.CreatedAt,
	}
	if rec.Price != nil {
		p.Price = rec.Price.Dec()
	}
	return p
}
