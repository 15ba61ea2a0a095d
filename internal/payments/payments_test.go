package payments

import (
	"context"
	"errors"
	"testing"

	"PaymentProcessor/internal/chain"
	"PaymentProcessor/internal/gateway"
	"PaymentProcessor/internal/models"
	"PaymentProcessor/internal/store"
	"PaymentProcessor/internal/testutil"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	escrow   = testutil.Address("escrow")
	buyer    = testutil.Address("buyer")
	merchant = testutil.Address("merchant")
	fund     = testutil.Address("fund")
	token    = testutil.Address("token")
)

type fakeGateway struct {
	addr     models.Address
	discount *uint256.Int
	err      error
	native   []gateway.PaymentRequest
	tokens   []gateway.TokenPaymentRequest
}

func (g *fakeGateway) Address() models.Address { return g.addr }
func (g *fakeGateway) MerchantID() string      { return "merchant-1" }

func (g *fakeGateway) AcceptPayment(_ context.Context, req gateway.PaymentRequest) (*uint256.Int, error) {
	g.native = append(g.native, req)
	return g.discount, g.err
}

func (g *fakeGateway) AcceptTokenPayment(_ context.Context, req gateway.TokenPaymentRequest) error {
	g.tokens = append(g.tokens, req)
	return g.err
}

func setup(t *testing.T, asset models.Address, amount uint64) (*Router, *chain.Bank) {
	t.Helper()
	bank := chain.NewBank(store.NewMemory())
	require.NoError(t, bank.Deposit(context.Background(), asset, escrow, uint256.NewInt(amount)))
	return &Router{Bank: bank}, bank
}

func balance(t *testing.T, bank *chain.Bank, asset, owner models.Address) uint64 {
	t.Helper()
	got, err := bank.Balance(context.Background(), asset, owner)
	require.NoError(t, err)
	return got.Uint64()
}

func TestSettleNativeThroughGateway(t *testing.T) {
	r, bank := setup(t, models.NativeAsset, 1000)
	gw := &fakeGateway{addr: testutil.Address("gateway"), discount: uint256.NewInt(20)}
	wallet := &gateway.MerchantWallet{Addr: merchant, PaybackPermille: 50}

	res, err := r.Settle(context.Background(), Route{Gateway: gw, Wallet: wallet}, Payment{
		OrderID:       7,
		From:          escrow,
		Origin:        buyer,
		Price:         uint256.NewInt(1000),
		Fee:           uint256.NewInt(10),
		VouchersApply: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, merchant, res.Destination)
	assert.Equal(t, uint64(20), res.Discount.Uint64())
	assert.False(t, res.Direct)

	require.Len(t, gw.native, 1)
	req := gw.native[0]
	assert.Equal(t, merchant, req.Destination)
	assert.Equal(t, buyer, req.Origin)
	assert.Equal(t, uint64(4), req.VouchersApply)
	assert.Equal(t, uint64(50), req.PaybackPermille)
	assert.Equal(t, uint64(1000), req.Value.Uint64())
	assert.Equal(t, uint64(1000), balance(t, bank, models.NativeAsset, gw.addr))
}

func TestSettleTokenHasNoDiscount(t *testing.T) {
	r, bank := setup(t, token, 2000)
	gw := &fakeGateway{addr: testutil.Address("gateway"), discount: uint256.NewInt(99)}

	res, err := r.Settle(context.Background(), Route{Gateway: gw, Wallet: &gateway.MerchantWallet{Addr: merchant}}, Payment{
		OrderID: 8,
		From:    escrow,
		Price:   uint256.NewInt(2000),
		Fee:     uint256.NewInt(30),
		Asset:   token,
	})
	require.NoError(t, err)
	assert.True(t, res.Discount.IsZero())
	assert.Empty(t, gw.native)
	require.Len(t, gw.tokens, 1)
	assert.Equal(t, token, gw.tokens[0].Token)
	assert.Equal(t, uint64(30), gw.tokens[0].Fee.Uint64())
	assert.Equal(t, uint64(2000), balance(t, bank, token, gw.addr))
}

func TestSettleDirectToFundAddress(t *testing.T) {
	r, bank := setup(t, models.NativeAsset, 1000)
	gw := &fakeGateway{addr: testutil.Address("gateway")}

	res, err := r.Settle(context.Background(), Route{Gateway: gw, Wallet: &gateway.MerchantWallet{Addr: merchant, FundAddress: fund}}, Payment{
		OrderID: 9,
		From:    escrow,
		Price:   uint256.NewInt(1000),
		Fee:     uint256.NewInt(10),
	})
	require.NoError(t, err)
	assert.True(t, res.Direct)
	assert.Equal(t, fund, res.Destination)
	assert.Empty(t, gw.native)
	assert.Equal(t, uint64(1000), balance(t, bank, models.NativeAsset, fund))
}

func TestSettleRejects(t *testing.T) {
	r, _ := setup(t, models.NativeAsset, 1000)
	wallet := &gateway.MerchantWallet{Addr: merchant}
	ctx := context.Background()

	_, err := r.Settle(ctx, Route{Gateway: &fakeGateway{addr: testutil.Address("gateway")}, Wallet: wallet}, Payment{From: escrow, Price: new(uint256.Int)})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = r.Settle(ctx, Route{Wallet: wallet}, Payment{From: escrow, Price: uint256.NewInt(1)})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = r.Settle(ctx, Route{Gateway: &fakeGateway{addr: testutil.Address("gateway")}}, Payment{From: escrow, Price: uint256.NewInt(1)})
	assert.ErrorIs(t, err, models.ErrValidation)

	greedy := &fakeGateway{addr: testutil.Address("gateway"), discount: uint256.NewInt(2000)}
	_, err = r.Settle(ctx, Route{Gateway: greedy, Wallet: wallet}, Payment{From: escrow, Price: uint256.NewInt(1000), Fee: new(uint256.Int)})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestSettlePropagatesGatewayFailure(t *testing.T) {
	r, _ := setup(t, models.NativeAsset, 1000)
	boom := errors.New("gateway down")
	gw := &fakeGateway{addr: testutil.Address("gateway"), err: boom}

	_, err := r.Settle(context.Background(), Route{Gateway: gw, Wallet: &gateway.MerchantWallet{Addr: merchant}}, Payment{
		OrderID: 1, From: escrow, Price: uint256.NewInt(1000), Fee: uint256.NewInt(1),
	})
	assert.ErrorIs(t, err, boom)
}

func TestSettleWithSplitterConservesValue(t *testing.T) {
	r, bank := setup(t, models.NativeAsset, 1000)
	vault, pool := testutil.Address("vault"), testutil.Address("pool")
	splitter := &gateway.Splitter{
		Addr:         testutil.Address("gateway"),
		Vault:        vault,
		DiscountPool: pool,
		VoucherUnit:  uint256.NewInt(10),
		Bank:         bank,
	}

	res, err := r.Settle(context.Background(), Route{Gateway: splitter, Wallet: &gateway.MerchantWallet{Addr: merchant, PaybackPermille: 100}}, Payment{
		OrderID: 3, From: escrow, Origin: buyer, Price: uint256.NewInt(1000), Fee: uint256.NewInt(15), VouchersApply: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(30), res.Discount.Uint64())
	assert.Equal(t, uint64(15), balance(t, bank, models.NativeAsset, vault))
	assert.Equal(t, uint64(30), balance(t, bank, models.NativeAsset, pool))
	assert.Equal(t, uint64(955), balance(t, bank, models.NativeAsset, merchant))
	assert.Equal(t, uint64(0), balance(t, bank, models.NativeAsset, escrow))
}

func TestValidateFee(t *testing.T) {
	r := &Router{}
	assert.NoError(t, r.ValidateFee(uint256.NewInt(1000), uint256.NewInt(15)))
	assert.ErrorIs(t, r.ValidateFee(uint256.NewInt(1000), uint256.NewInt(16)), models.ErrValidation)
}
