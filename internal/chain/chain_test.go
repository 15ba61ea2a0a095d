package chain

import (
	"context"
	"errors"
	"testing"

	"PaymentProcessor/internal/models"
	"PaymentProcessor/internal/store"
	"PaymentProcessor/internal/testutil"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var token = testutil.Address("token")

func TestValidateAddress(t *testing.T) {
	addr := testutil.Address("alice")
	require.NoError(t, ValidateAddress(addr, testutil.Prefix))
	require.NoError(t, ValidateAddress(addr, ""))

	assert.ErrorIs(t, ValidateAddress(addr, "cosmos"), models.ErrValidation)
	assert.ErrorIs(t, ValidateAddress("", testutil.Prefix), models.ErrValidation)
	assert.ErrorIs(t, ValidateAddress("not-an-address", ""), models.ErrValidation)

	corrupted := addr[:len(addr)-1] + "q"
	if corrupted == addr {
		corrupted = addr[:len(addr)-1] + "p"
	}
	assert.ErrorIs(t, ValidateAddress(corrupted, ""), models.ErrValidation)
}

func TestAddressDeriver(t *testing.T) {
	d := AddressDeriver{XPub: testutil.XPub(t), Prefix: testutil.Prefix}

	a, err := d.Derive(1)
	require.NoError(t, err)
	b, err := d.Derive(2)
	require.NoError(t, err)
	again, err := d.Derive(1)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, again)
	assert.NoError(t, ValidateAddress(models.Address(a), testutil.Prefix))
}

func TestAddressDeriverRequiresConfig(t *testing.T) {
	_, err := AddressDeriver{Prefix: "pay"}.Derive(0)
	assert.Error(t, err)
	_, err = AddressDeriver{XPub: testutil.XPub(t)}.Derive(0)
	assert.Error(t, err)
}

func TestBankTransfer(t *testing.T) {
	ctx := context.Background()
	bank := NewBank(store.NewMemory())
	alice, bob := testutil.Address("alice"), testutil.Address("bob")
	require.NoError(t, bank.Deposit(ctx, models.NativeAsset, alice, uint256.NewInt(100)))

	require.NoError(t, bank.Transfer(ctx, models.NativeAsset, alice, bob, uint256.NewInt(40)))
	assertBalance(t, bank, models.NativeAsset, alice, 60)
	assertBalance(t, bank, models.NativeAsset, bob, 40)

	err := bank.Transfer(ctx, models.NativeAsset, alice, bob, uint256.NewInt(61))
	assert.ErrorIs(t, err, models.ErrInsufficientFunds)
	err = bank.Transfer(ctx, models.NativeAsset, alice, bob, new(uint256.Int))
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestBankRejectingHookRollsBackTransfer(t *testing.T) {
	ctx := context.Background()
	bank := NewBank(store.NewMemory())
	alice, bob := testutil.Address("alice"), testutil.Address("bob")
	require.NoError(t, bank.Deposit(ctx, models.NativeAsset, alice, uint256.NewInt(100)))

	rejected := errors.New("no thanks")
	bank.OnReceive(bob, func(ctx context.Context, from, asset models.Address, amount *uint256.Int) error {
		return rejected
	})

	err := bank.Transfer(ctx, models.NativeAsset, alice, bob, uint256.NewInt(10))
	assert.ErrorIs(t, err, rejected)
	assertBalance(t, bank, models.NativeAsset, alice, 100)
	assertBalance(t, bank, models.NativeAsset, bob, 0)

	bank.OnReceive(bob, nil)
	require.NoError(t, bank.Transfer(ctx, models.NativeAsset, alice, bob, uint256.NewInt(10)))
}

func TestBankHookSeesCreditedBalance(t *testing.T) {
	ctx := context.Background()
	bank := NewBank(store.NewMemory())
	alice, bob := testutil.Address("alice"), testutil.Address("bob")
	require.NoError(t, bank.Deposit(ctx, models.NativeAsset, alice, uint256.NewInt(100)))

	var seen uint64
	bank.OnReceive(bob, func(ctx context.Context, from, asset models.Address, amount *uint256.Int) error {
		bal, err := bank.Balance(ctx, asset, bob)
		seen = bal.Uint64()
		return err
	})
	require.NoError(t, bank.Transfer(ctx, models.NativeAsset, alice, bob, uint256.NewInt(25)))
	assert.Equal(t, uint64(25), seen)
}

func TestBankTransferFrom(t *testing.T) {
	ctx := context.Background()
	bank := NewBank(store.NewMemory())
	owner, spender, to := testutil.Address("owner"), testutil.Address("spender"), testutil.Address("to")
	require.NoError(t, bank.Deposit(ctx, token, owner, uint256.NewInt(500)))

	err := bank.TransferFrom(ctx, token, spender, owner, to, uint256.NewInt(100))
	assert.ErrorIs(t, err, models.ErrInsufficientAllowance)

	require.NoError(t, bank.Approve(ctx, token, owner, spender, uint256.NewInt(150)))
	require.NoError(t, bank.TransferFrom(ctx, token, spender, owner, to, uint256.NewInt(100)))

	allowance, err := bank.Allowance(ctx, token, owner, spender)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), allowance.Uint64())
	assertBalance(t, bank, token, owner, 400)
	assertBalance(t, bank, token, to, 100)

	err = bank.TransferFrom(ctx, models.NativeAsset, spender, owner, to, uint256.NewInt(1))
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.ErrorIs(t, bank.Approve(ctx, models.NativeAsset, owner, spender, uint256.NewInt(1)), models.ErrValidation)
}

func TestBankTransferFromRestoresAllowanceOnFailure(t *testing.T) {
	ctx := context.Background()
	bank := NewBank(store.NewMemory())
	owner, spender, to := testutil.Address("owner"), testutil.Address("spender"), testutil.Address("to")
	require.NoError(t, bank.Deposit(ctx, token, owner, uint256.NewInt(10)))
	require.NoError(t, bank.Approve(ctx, token, owner, spender, uint256.NewInt(100)))

	err := bank.TransferFrom(ctx, token, spender, owner, to, uint256.NewInt(50))
	assert.ErrorIs(t, err, models.ErrInsufficientFunds)

	allowance, err := bank.Allowance(ctx, token, owner, spender)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), allowance.Uint64())
}

func assertBalance(t *testing.T, bank *Bank, asset, owner models.Address, want uint64) {
	t.Helper()
	got, err := bank.Balance(context.Background(), asset, owner)
	require.NoError(t, err)
	assert.Equal(t, want, got.Uint64(), "balance of %s", owner)
}
