package gateway

import (
	"context"
	"strings"
	"sync"

	"PaymentProcessor/internal/models"

	"github.com/holiman/uint256"
)

type PaymentRequest struct {
	Destination     models.Address
	Origin          models.Address
	Fee             *uint256.Int
	VouchersApply   uint64
	PaybackPermille uint64
	Value           *uint256.Int
}

type TokenPaymentRequest struct {
	Destination models.Address
	Fee         *uint256.Int
	Token       models.Address
	Amount      *uint256.Int
}

// Client is the shared settlement collaborator. The caller transfers the
// full payment to Address() first; the gateway then splits what it holds.
type Client interface {
	Address() models.Address
	MerchantID() string
	AcceptPayment(ctx context.Context, req PaymentRequest) (discount *uint256.Int, err error)
	AcceptTokenPayment(ctx context.Context, req TokenPaymentRequest) error
}

// MerchantWallet is the merchant-side collaborator: the default payout
// destination, an optional direct fund address and the payback rate
// offered to buyers through vouchers.
type MerchantWallet struct {
	Addr            models.Address
	Merchant        string
	FundAddress     models.Address
	PaybackPermille uint64
}

func (w *MerchantWallet) Address() models.Address { return w.Addr }
func (w *MerchantWallet) MerchantID() string      { return w.Merchant }

// TokenRegistry is the allow-list of fungible tokens the processor accepts.
type TokenRegistry interface {
	IsAllowed(ctx context.Context, token models.Address) (bool, error)
}

type StaticRegistry struct {
	mu     sync.RWMutex
	tokens map[models.Address]struct{}
}

func NewStaticRegistry(tokens ...models.Address) *StaticRegistry {
	r := &StaticRegistry{tokens: make(map[models.Address]struct{}, len(tokens))}
	for _, t := range tokens {
		if t = models.Address(strings.TrimSpace(string(t))); t != "" {
			r.tokens[t] = struct{}{}
		}
	}
	return r
}

func (r *StaticRegistry) IsAllowed(ctx context.Context, token models.Address) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tokens[token]
	return ok, nil
}

func (r *StaticRegistry) Allow(token models.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = struct{}{}
}
