package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"PaymentProcessor/internal/access"
	"PaymentProcessor/internal/chain"
	"PaymentProcessor/internal/gateway"
	"PaymentProcessor/internal/history"
	"PaymentProcessor/internal/models"
	"PaymentProcessor/internal/payments"
	"PaymentProcessor/internal/pricing"
	"PaymentProcessor/internal/services"
	"PaymentProcessor/internal/store"
	"PaymentProcessor/internal/testutil"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
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
	vault       = testutil.Address("vault")
	gatewayAddr = testutil.Address("gateway")
	historyAddr = testutil.Address("history")
	processor   = testutil.Address("processor")
	token       = testutil.Address("token")

	dealHash = strings.Repeat("5a", 32)
)

type fixture struct {
	t      *testing.T
	ledger *store.Memory
	bank   *chain.Bank
	auth   *Authenticator
	server *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	ledger := store.NewMemory()
	bank := chain.NewBank(ledger)
	guard := access.NewGuard(owner, access.NewMemoryRoleStore(operator))

	dir := services.NewDirectory()
	dir.RegisterGateway(&gateway.Splitter{Addr: gatewayAddr, Merchant: merchantID, Vault: vault, Bank: bank})
	dir.RegisterWallet(&gateway.MerchantWallet{Addr: merchant, Merchant: merchantID})
	dir.RegisterHistory(historyAddr, history.NewOutbox(ledger, merchantID, historyAddr))

	settings := &services.Settings{MerchantID: merchantID, Guard: guard, Directory: dir, Ledger: ledger}
	require.NoError(t, settings.Seed(ctx, services.Defaults{Gateway: gatewayAddr, MerchantWallet: merchant, DealsHistory: historyAddr}))

	pricingSvc := pricing.Service{Decimals: 6, Denom: "upay"}
	router := &payments.Router{Bank: bank, Pricing: pricingSvc}
	tokens := gateway.NewStaticRegistry(token)

	proc := &services.Processor{
		Address: processor, AddressPrefix: testutil.Prefix, Ledger: ledger, Bank: bank, Guard: guard,
		Router: router, Tokens: tokens, Deriver: testutil.Deriver{}, Settings: settings,
	}
	priv := &services.PrivateProcessor{
		Address: processor, AddressPrefix: testutil.Prefix, Ledger: ledger, Bank: bank, Guard: guard,
		Router: router, Tokens: tokens, Settings: settings,
	}

	auth := NewAuthenticator("test-secret", "payment-processor")
	handler := NewHandler(proc, priv, settings, guard, bank, pricingSvc)
	return &fixture{t: t, ledger: ledger, bank: bank, auth: auth, server: NewServer(handler, auth)}
}

func (f *fixture) do(method, path string, caller models.Address, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if caller != "" {
		tok, err := f.auth.Issue(caller, time.Hour)
		require.NoError(f.t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	f.server.Router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) deposit(asset, to models.Address, amount string) {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/admin/deposits", owner, map[string]string{"asset": asset.String(), "to": to.String(), "amount": amount})
	require.Equal(f.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (f *fixture) balance(asset, addr models.Address) uint64 {
	f.t.Helper()
	got, err := f.bank.Balance(context.Background(), asset, addr)
	require.NoError(f.t, err)
	return got.Uint64()
}

func (f *fixture) open(id uint64, asset models.Address) {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/orders", operator, map[string]any{
		"orderId": id, "price": "1000", "acceptor": acceptor, "origin": origin, "fee": "15", "asset": asset,
	})
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func outcomeBody(reason string) map[string]any {
	return map[string]any{"clientReputation": 5, "merchantReputation": 4, "dealHash": dealHash, "reason": reason}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	decodeBody(t, rec, &resp)
	return resp.Code
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMutatingRoutesRequireToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/orders", "", map[string]any{"orderId": 1})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/admin/pause", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	out := httptest.NewRecorder()
	f.server.Router.ServeHTTP(out, req)
	assert.Equal(t, http.StatusUnauthorized, out.Code)
}

func TestNativeOrderOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.deposit(models.NativeAsset, acceptor, "1000")
	f.open(1, models.NativeAsset)

	rec := f.do(http.MethodPost, "/orders/1/pay", acceptor, map[string]string{"value": "1000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPost, "/orders/1/settle", operator, outcomeBody(""))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var settled settlementResponse
	decodeBody(t, rec, &settled)
	assert.Equal(t, string(models.OrderFinalized), settled.Order.State)
	assert.Equal(t, "0.001", settled.Order.Price.Display)

	rec = f.do(http.MethodGet, "/orders/1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var order orderResponse
	decodeBody(t, rec, &order)
	assert.Equal(t, "1", order.OrderID)
	assert.Nil(t, order.Withdrawal)
	kinds := make([]string, 0, len(order.Events))
	for _, ev := range order.Events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []string{"payment_received_native", "order_paid_native", "payment_settled"}, kinds)

	assert.Equal(t, uint64(15), f.balance(models.NativeAsset, vault))
	assert.Equal(t, uint64(985), f.balance(models.NativeAsset, merchant))

	rec = f.do(http.MethodGet, "/balances/"+merchant.String(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"value":"985"`)
}

func TestRefundOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.deposit(models.NativeAsset, acceptor, "1000")
	f.open(2, models.NativeAsset)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/orders/2/pay", acceptor, map[string]string{"value": "1000"}).Code)

	rec := f.do(http.MethodPost, "/orders/2/refund", operator, outcomeBody("damaged"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPost, "/orders/2/refund/complete", "", map[string]string{"asset": token.String()})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "ASSET_MISMATCH", errorCode(t, rec))

	rec = f.do(http.MethodPost, "/orders/2/refund/complete", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var w withdrawalResponse
	decodeBody(t, rec, &w)
	assert.Equal(t, string(models.WithdrawWithdrawn), w.State)
	assert.Equal(t, uint64(1000), f.balance(models.NativeAsset, origin))

	rec = f.do(http.MethodPost, "/orders/2/refund/complete", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTokenOrderOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.deposit(token, acceptor, "1000")
	f.open(3, token)

	rec := f.do(http.MethodPost, "/orders/3/pay", acceptor, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INSUFFICIENT_FUNDS", errorCode(t, rec))

	rec = f.do(http.MethodPost, "/allowances", acceptor, map[string]string{"token": token.String(), "spender": processor.String(), "amount": "1000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPost, "/orders/3/pay", acceptor, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(http.MethodPost, "/orders/3/settle", operator, outcomeBody(""))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, uint64(985), f.balance(token, merchant))
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)
	f.open(4, models.NativeAsset)

	cases := []struct {
		name   string
		method string
		path   string
		caller models.Address
		body   any
		status int
		code   string
	}{
		{"stranger pays", http.MethodPost, "/orders/4/pay", stranger, map[string]string{"value": "1000"}, http.StatusForbidden, "FORBIDDEN"},
		{"open twice", http.MethodPost, "/orders", operator, map[string]any{"orderId": 4, "price": "1000", "acceptor": acceptor, "origin": origin, "fee": "15"}, http.StatusConflict, "INVALID_STATE"},
		{"fee over cap", http.MethodPost, "/orders", operator, map[string]any{"orderId": 5, "price": "1000", "acceptor": acceptor, "origin": origin, "fee": "16"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"bad amount", http.MethodPost, "/orders", operator, map[string]any{"orderId": 5, "price": "-1", "acceptor": acceptor, "origin": origin, "fee": "1"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"unknown order", http.MethodGet, "/orders/404", "", nil, http.StatusNotFound, "NOT_FOUND"},
		{"bad order id", http.MethodGet, "/orders/abc", "", nil, http.StatusBadRequest, "INVALID_INPUT"},
		{"settle unpaid", http.MethodPost, "/orders/4/settle", operator, outcomeBody(""), http.StatusConflict, "INVALID_STATE"},
		{"operator admin", http.MethodPost, "/admin/pause", operator, nil, http.StatusForbidden, "FORBIDDEN"},
		{"stranger deposit", http.MethodPost, "/admin/deposits", stranger, map[string]string{"to": stranger.String(), "amount": "1"}, http.StatusForbidden, "FORBIDDEN"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(tc.method, tc.path, tc.caller, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, errorCode(t, rec))
		})
	}

	rec := f.do(http.MethodPost, "/orders", operator, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPauseOverHTTP(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/admin/pause", owner, nil).Code)

	rec := f.do(http.MethodPost, "/orders", operator, map[string]any{"orderId": 1, "price": "1000", "acceptor": acceptor, "origin": origin, "fee": "1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "PAUSED", errorCode(t, rec))

	// configuration stays available while paused
	rec = f.do(http.MethodPut, "/admin/merchant-wallet", owner, map[string]string{"address": merchant.String()})
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/admin/unpause", owner, nil).Code)
	f.open(1, models.NativeAsset)
}

func TestOperatorManagementOverHTTP(t *testing.T) {
	f := newFixture(t)
	newOp := testutil.Address("new-operator")

	rec := f.do(http.MethodPut, "/admin/operators/"+newOp.String(), owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodPost, "/orders", newOp, map[string]any{"orderId": 8, "price": "1000", "acceptor": acceptor, "origin": origin, "fee": "1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(http.MethodDelete, "/admin/operators/"+newOp.String(), owner, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(http.MethodPost, "/orders/8/cancel", newOp, outcomeBody("changed mind"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPut, "/admin/owner", owner, map[string]string{"address": stranger.String()})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/admin/pause", stranger, nil).Code)
}

func TestPrivateFlowOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.deposit(models.NativeAsset, acceptor, "1000")
	f.deposit(models.NativeAsset, operator, "400")

	rec := f.do(http.MethodPost, "/private/orders/20/pay", acceptor, map[string]any{"origin": origin, "fee": "10", "value": "1000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var routed routedResponse
	decodeBody(t, rec, &routed)
	assert.Equal(t, "20", routed.OrderID)
	assert.Equal(t, merchant.String(), routed.Destination)
	assert.Equal(t, uint64(990), f.balance(models.NativeAsset, merchant))

	rec = f.do(http.MethodPost, "/private/orders/20/refund", operator, map[string]any{"client": origin, "reason": "returned", "amount": "400"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(http.MethodGet, "/withdrawals/20", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var w withdrawalResponse
	decodeBody(t, rec, &w)
	assert.Equal(t, string(models.WithdrawPending), w.State)
	assert.Equal(t, "400", w.Amount.Value)

	rec = f.do(http.MethodPost, "/private/orders/20/withdraw", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, uint64(400), f.balance(models.NativeAsset, origin))

	rec = f.do(http.MethodPost, "/private/orders/20/withdraw", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{&models.AuthorizationError{Paused: true}, http.StatusForbidden},
		{&models.AuthorizationError{Caller: stranger, Role: "owner"}, http.StatusForbidden},
		{models.NewStateError(1, models.OrderPaid, models.OrderCreated), http.StatusConflict},
		{models.Invalid("fee", "too high"), http.StatusBadRequest},
		{&models.AssetMismatchError{OrderID: 1, Want: token}, http.StatusUnprocessableEntity},
		{fmt.Errorf("order 1: %w", models.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _ := statusFor(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
	}
}

func TestAuthenticator(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	auth := &Authenticator{Secret: []byte("s1"), Issuer: "pp", Now: func() time.Time { return now }}

	tok, err := auth.Issue(operator, time.Minute)
	require.NoError(t, err)
	caller, err := auth.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, operator, caller)

	other := &Authenticator{Secret: []byte("s2"), Issuer: "pp", Now: auth.Now}
	_, err = other.Parse(tok)
	assert.Error(t, err)

	wrongIssuer := &Authenticator{Secret: []byte("s1"), Issuer: "elsewhere", Now: auth.Now}
	_, err = wrongIssuer.Parse(tok)
	assert.Error(t, err)

	later := &Authenticator{Secret: []byte("s1"), Issuer: "pp", Now: func() time.Time { return now.Add(time.Hour) }}
	_, err = later.Parse(tok)
	assert.Error(t, err)

	_, ok := bearer("Basic abc")
	assert.False(t, ok)
	raw, ok := bearer("bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", raw)
	assert.Equal(t, models.Address(""), CallerFrom(context.Background()))
}

func TestParseAmountNamesField(t *testing.T) {
	_, err := parseAmount("fee", "1.5")
	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "fee", ve.Field)

	v, err := parseAmount("fee", "15")
	require.NoError(t, err)
	assert.True(t, v.Eq(uint256.NewInt(15)))
}
