package services

import (
	"context"
	"strings"
	"testing"

	"PaymentProcessor/internal/access"
	"PaymentProcessor/internal/chain"
	"PaymentProcessor/internal/gateway"
	"PaymentProcessor/internal/history"
	"PaymentProcessor/internal/models"
	"PaymentProcessor/internal/payments"
	"PaymentProcessor/internal/store"
	"PaymentProcessor/internal/testutil"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

const merchantID = "merchant-1"

var (
	owner       = testutil.Address("owner")
	operator    = testutil.Address("operator")
	acceptor    = testutil.Address("acceptor")
	origin      = testutil.Address("origin")
	stranger    = testutil.Address("stranger")
	merchant    = testutil.Address("merchant")
	fund        = testutil.Address("fund")
	vault       = testutil.Address("vault")
	pool        = testutil.Address("discount-pool")
	gatewayAddr = testutil.Address("gateway")
	historyAddr = testutil.Address("history")
	processor   = testutil.Address("processor")
	token       = testutil.Address("token")
	otherToken  = testutil.Address("other-token")

	dealHash = strings.Repeat("5a", 32)
)

type harness struct {
	t        *testing.T
	ctx      context.Context
	ledger   store.Ledger
	bank     *chain.Bank
	guard    *access.Guard
	splitter *gateway.Splitter
	wallet   *gateway.MerchantWallet
	dir      *Directory
	settings *Settings
	proc     *Processor
	priv     *PrivateProcessor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessOn(t, store.NewMemory())
}

func newHarnessOn(t *testing.T, ledger store.Ledger) *harness {
	t.Helper()
	ctx := context.Background()
	bank := chain.NewBank(ledger)
	guard := access.NewGuard(owner, access.NewMemoryRoleStore(operator))

	splitter := &gateway.Splitter{
		Addr:         gatewayAddr,
		Merchant:     merchantID,
		Vault:        vault,
		DiscountPool: pool,
		VoucherUnit:  uint256.NewInt(10),
		Bank:         bank,
	}
	wallet := &gateway.MerchantWallet{Addr: merchant, Merchant: merchantID}

	dir := NewDirectory()
	dir.RegisterGateway(splitter)
	dir.RegisterWallet(wallet)
	dir.RegisterHistory(historyAddr, history.NewOutbox(ledger, merchantID, historyAddr))

	settings := &Settings{MerchantID: merchantID, Guard: guard, Directory: dir, Ledger: ledger}
	require.NoError(t, settings.Seed(ctx, Defaults{Gateway: gatewayAddr, MerchantWallet: merchant, DealsHistory: historyAddr}))

	router := &payments.Router{Bank: bank}
	tokens := gateway.NewStaticRegistry(token, otherToken)

	return &harness{
		t:        t,
		ctx:      ctx,
		ledger:   ledger,
		bank:     bank,
		guard:    guard,
		splitter: splitter,
		wallet:   wallet,
		dir:      dir,
		settings: settings,
		proc: &Processor{
			Address:       processor,
			AddressPrefix: testutil.Prefix,
			Ledger:        ledger,
			Bank:          bank,
			Guard:         guard,
			Router:        router,
			Tokens:        tokens,
			Deriver:       testutil.Deriver{},
			Settings:      settings,
		},
		priv: &PrivateProcessor{
			Address:       processor,
			AddressPrefix: testutil.Prefix,
			Ledger:        ledger,
			Bank:          bank,
			Guard:         guard,
			Router:        router,
			Tokens:        tokens,
			Settings:      settings,
		},
	}
}

func (h *harness) deposit(asset, to models.Address, amount uint64) {
	h.t.Helper()
	require.NoError(h.t, h.bank.Deposit(h.ctx, asset, to, uint256.NewInt(amount)))
}

func (h *harness) balance(asset, owner models.Address) uint64 {
	h.t.Helper()
	got, err := h.bank.Balance(h.ctx, asset, owner)
	require.NoError(h.t, err)
	return got.Uint64()
}

func (h *harness) open(id, price, fee uint64, asset models.Address) *models.Order {
	h.t.Helper()
	order, err := h.proc.Open(h.ctx, operator, OpenRequest{
		OrderID:  id,
		Price:    uint256.NewInt(price),
		Acceptor: acceptor,
		Origin:   origin,
		Fee:      uint256.NewInt(fee),
		Asset:    asset,
	})
	require.NoError(h.t, err)
	return order
}

// openPaid opens a native order and pays it from a freshly funded acceptor.
func (h *harness) openPaid(id, price, fee uint64) *models.Order {
	h.t.Helper()
	h.open(id, price, fee, models.NativeAsset)
	h.deposit(models.NativeAsset, acceptor, price)
	order, err := h.proc.PayNative(h.ctx, acceptor, id, uint256.NewInt(price))
	require.NoError(h.t, err)
	return order
}

func (h *harness) openPaidToken(id, price, fee uint64) *models.Order {
	h.t.Helper()
	h.open(id, price, fee, token)
	h.deposit(token, acceptor, price)
	require.NoError(h.t, h.bank.Approve(h.ctx, token, acceptor, processor, uint256.NewInt(price)))
	order, err := h.proc.PayToken(h.ctx, acceptor, id)
	require.NoError(h.t, err)
	return order
}

func (h *harness) state(id uint64) models.OrderState {
	h.t.Helper()
	order, err := h.ledger.GetOrder(h.ctx, id)
	require.NoError(h.t, err)
	return order.State
}

func (h *harness) eventKinds(id uint64) []models.EventKind {
	h.t.Helper()
	evs, err := h.ledger.ListOrderEvents(h.ctx, id)
	require.NoError(h.t, err)
	out := make([]models.EventKind, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Kind)
	}
	return out
}

func (h *harness) deals() []*models.DealRecord {
	h.t.Helper()
	recs, err := h.ledger.ListUndeliveredDeals(h.ctx, 0)
	require.NoError(h.t, err)
	return recs
}

func outcome(reason string) DealOutcome {
	return DealOutcome{ClientReputation: 5, MerchantReputation: 4, DealHash: dealHash, Reason: reason}
}
