package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"PaymentProcessor/internal/access"
	"PaymentProcessor/internal/chain"
	"PaymentProcessor/internal/models"
	"PaymentProcessor/internal/pricing"
	"PaymentProcessor/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
)

type Handler struct {
	Orders   *services.Processor
	Private  *services.PrivateProcessor
	Settings *services.Settings
	Guard    *access.Guard
	Bank     *chain.Bank
	Pricing  pricing.Service
	Logger   *slog.Logger
}

type openOrderRequest struct {
	OrderID       uint64 `json:"orderId"`
	Price         string `json:"price"`
	Acceptor      string `json:"acceptor"`
	Origin        string `json:"origin"`
	Fee           string `json:"fee"`
	Asset         string `json:"asset"`
	VouchersApply uint64 `json:"vouchersApply"`
}

// payOrderRequest carries value for a native order; a token order is paid
// with an empty body.
type payOrderRequest struct {
	Value string `json:"value"`
}

type outcomeRequest struct {
	ClientReputation   uint32 `json:"clientReputation"`
	MerchantReputation uint32 `json:"merchantReputation"`
	DealHash           string `json:"dealHash"`
	Reason             string `json:"reason"`
}

type assetRequest struct {
	Asset string `json:"asset"`
}

type payForOrderRequest struct {
	Origin        string `json:"origin"`
	Fee           string `json:"fee"`
	VouchersApply uint64 `json:"vouchersApply"`
	Value         string `json:"value"`
	Token         string `json:"token"`
}

type refundPaymentRequest struct {
	Client string `json:"client"`
	Reason string `json:"reason"`
	Amount string `json:"amount"`
	Token  string `json:"token"`
}

type addressRequest struct {
	Address string `json:"address"`
}

type transferRequest struct {
	Asset  string `json:"asset"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type approveRequest struct {
	Token   string `json:"token"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

type amountResponse struct {
	Value   string `json:"value"`
	Display string `json:"display"`
}

type orderResponse struct {
	OrderID       string              `json:"orderId"`
	State         string              `json:"state"`
	Price         amountResponse      `json:"price"`
	Fee           amountResponse      `json:"fee"`
	Discount      amountResponse      `json:"discount"`
	Asset         string              `json:"asset"`
	Acceptor      string              `json:"acceptor"`
	Origin        string              `json:"origin"`
	VouchersApply uint64              `json:"vouchersApply"`
	EscrowAddress string              `json:"escrowAddress"`
	CreatedAt     string              `json:"createdAt,omitempty"`
	UpdatedAt     string              `json:"updatedAt,omitempty"`
	Withdrawal    *withdrawalResponse `json:"withdrawal,omitempty"`
	Events        []eventResponse     `json:"events,omitempty"`
}

type withdrawalResponse struct {
	OrderID string         `json:"orderId"`
	State   string         `json:"state"`
	Amount  amountResponse `json:"amount"`
	Asset   string         `json:"asset"`
	Client  string         `json:"client"`
	Reason  string         `json:"reason"`
}

type eventResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Counterpart string `json:"counterpart,omitempty"`
	Asset       string `json:"asset,omitempty"`
	Price       string `json:"price,omitempty"`
	Fee         string `json:"fee,omitempty"`
	Discount    string `json:"discount,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Reason      string `json:"reason,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

type settlementResponse struct {
	Order    orderResponse  `json:"order"`
	Discount amountResponse `json:"discount"`
}

type routedResponse struct {
	OrderID     string         `json:"orderId"`
	Destination string         `json:"destination"`
	Discount    amountResponse `json:"discount"`
	Direct      bool           `json:"direct"`
}

func NewHandler(orders *services.Processor, private *services.PrivateProcessor, settings *services.Settings, guard *access.Guard, bank *chain.Bank, pricingSvc pricing.Service) *Handler {
	return &Handler{
		Orders:   orders,
		Private:  private,
		Settings: settings,
		Guard:    guard,
		Bank:     bank,
		Pricing:  pricingSvc,
	}
}

func (h *Handler) OpenOrder(w http.ResponseWriter, r *http.Request) {
	var req openOrderRequest
	if !decode(w, r, &req, false) {
		return
	}
	price, err := parseAmount("price", req.Price)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	fee, err := parseAmount("fee", req.Fee)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	order, err := h.Orders.Open(r.Context(), CallerFrom(r.Context()), services.OpenRequest{
		OrderID:       req.OrderID,
		Price:         price,
		Acceptor:      models.Address(req.Acceptor),
		Origin:        models.Address(req.Origin),
		Fee:           fee,
		Asset:         models.Address(req.Asset),
		VouchersApply: req.VouchersApply,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.order(order))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	order, err := h.Orders.Order(r.Context(), orderID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := h.order(order)

	withdraw, err := h.Orders.Withdrawal(r.Context(), orderID)
	switch {
	case err == nil:
		resp.Withdrawal = h.withdrawal(withdraw)
	case !errors.Is(err, models.ErrNotFound):
		h.fail(w, r, err)
		return
	}

	events, err := h.Orders.Events(r.Context(), orderID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	for _, ev := range events {
		resp.Events = append(resp.Events, eventView(ev))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	withdraw, err := h.Private.Withdrawal(r.Context(), orderID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.withdrawal(withdraw))
}

func (h *Handler) PayOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req payOrderRequest
	if !decode(w, r, &req, true) {
		return
	}

	var (
		order *models.Order
		err   error
	)
	caller := CallerFrom(r.Context())
	if req.Value == "" {
		order, err = h.Orders.PayToken(r.Context(), caller, orderID)
	} else {
		var value *uint256.Int
		value, err = parseAmount("value", req.Value)
		if err == nil {
			order, err = h.Orders.PayNative(r.Context(), caller, orderID, value)
		}
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.order(order))
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req outcomeRequest
	if !decode(w, r, &req, false) {
		return
	}
	order, err := h.Orders.Cancel(r.Context(), CallerFrom(r.Context()), orderID, req.outcome())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.order(order))
}

func (h *Handler) BeginRefund(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req outcomeRequest
	if !decode(w, r, &req, false) {
		return
	}
	withdraw, err := h.Orders.BeginRefund(r.Context(), CallerFrom(r.Context()), orderID, req.outcome())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.withdrawal(withdraw))
}

// CompleteRefund pays out a refunding order. An empty body or asset takes
// the native path; naming a token takes the token path.
func (h *Handler) CompleteRefund(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req assetRequest
	if !decode(w, r, &req, true) {
		return
	}
	var (
		withdraw *models.Withdraw
		err      error
	)
	if req.Asset == "" {
		withdraw, err = h.Orders.CompleteRefundNative(r.Context(), orderID)
	} else {
		withdraw, err = h.Orders.CompleteRefundToken(r.Context(), orderID, models.Address(req.Asset))
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.withdrawal(withdraw))
}

func (h *Handler) SettleOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req outcomeRequest
	if !decode(w, r, &req, false) {
		return
	}
	order, err := h.Orders.Settle(r.Context(), CallerFrom(r.Context()), orderID, req.outcome())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementResponse{
		Order:    h.order(order),
		Discount: h.amount(order.Discount),
	})
}

func (h *Handler) PayForOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req payForOrderRequest
	if !decode(w, r, &req, false) {
		return
	}
	fee, err := parseAmount("fee", req.Fee)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	value, err := parseAmount("value", req.Value)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	caller := CallerFrom(r.Context())
	origin := models.Address(req.Origin)
	var routed routedResponse
	if req.Token == "" {
		res, err := h.Private.PayForOrder(r.Context(), caller, services.PayForOrderRequest{
			OrderID:       orderID,
			Origin:        origin,
			Fee:           fee,
			VouchersApply: req.VouchersApply,
			Value:         value,
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		routed = routedResponse{Destination: res.Destination.String(), Discount: h.amount(res.Discount), Direct: res.Direct}
	} else {
		res, err := h.Private.PayForOrderInTokens(r.Context(), caller, services.PayForOrderInTokensRequest{
			OrderID: orderID,
			Origin:  origin,
			Fee:     fee,
			Token:   models.Address(req.Token),
			Amount:  value,
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		routed = routedResponse{Destination: res.Destination.String(), Discount: h.amount(res.Discount), Direct: res.Direct}
	}
	routed.OrderID = strconv.FormatUint(orderID, 10)
	writeJSON(w, http.StatusOK, routed)
}

func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req refundPaymentRequest
	if !decode(w, r, &req, false) {
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	refund := services.RefundRequest{
		OrderID: orderID,
		Client:  models.Address(req.Client),
		Reason:  req.Reason,
		Amount:  amount,
		Token:   models.Address(req.Token),
	}

	var withdraw *models.Withdraw
	caller := CallerFrom(r.Context())
	if req.Token == "" {
		withdraw, err = h.Private.RefundPayment(r.Context(), caller, refund)
	} else {
		withdraw, err = h.Private.RefundTokenPayment(r.Context(), caller, refund)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.withdrawal(withdraw))
}

func (h *Handler) WithdrawRefund(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req assetRequest
	if !decode(w, r, &req, true) {
		return
	}
	var (
		withdraw *models.Withdraw
		err      error
	)
	if req.Asset == "" {
		withdraw, err = h.Private.WithdrawRefund(r.Context(), orderID)
	} else {
		withdraw, err = h.Private.WithdrawTokenRefund(r.Context(), orderID, models.Address(req.Asset))
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.withdrawal(withdraw))
}

func (h *Handler) SetGateway(w http.ResponseWriter, r *http.Request) {
	h.configure(w, r, h.Settings.SetGateway)
}

func (h *Handler) SetMerchantWallet(w http.ResponseWriter, r *http.Request) {
	h.configure(w, r, h.Settings.SetMerchantWallet)
}

func (h *Handler) SetDealsHistory(w http.ResponseWriter, r *http.Request) {
	h.configure(w, r, h.Settings.SetDealsHistory)
}

func (h *Handler) TransferOwnership(w http.ResponseWriter, r *http.Request) {
	h.configure(w, r, h.Guard.TransferOwnership)
}

func (h *Handler) configure(w http.ResponseWriter, r *http.Request, set func(ctx context.Context, caller, addr models.Address) error) {
	var req addressRequest
	if !decode(w, r, &req, false) {
		return
	}
	if err := set(r.Context(), CallerFrom(r.Context()), models.Address(req.Address)); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": req.Address})
}

func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.Guard.Pause(r.Context(), CallerFrom(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (h *Handler) Unpause(w http.ResponseWriter, r *http.Request) {
	if err := h.Guard.Unpause(r.Context(), CallerFrom(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (h *Handler) AddOperator(w http.ResponseWriter, r *http.Request) {
	addr := models.Address(chi.URLParam(r, "address"))
	if err := h.Guard.AddOperator(r.Context(), CallerFrom(r.Context()), addr); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"operator": addr.String()})
}

func (h *Handler) RemoveOperator(w http.ResponseWriter, r *http.Request) {
	addr := models.Address(chi.URLParam(r, "address"))
	if err := h.Guard.RemoveOperator(r.Context(), CallerFrom(r.Context()), addr); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Deposit credits value that entered the ledger from outside. Owner only.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decode(w, r, &req, false) {
		return
	}
	if err := h.Guard.RequireOwner(r.Context(), CallerFrom(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	to := models.Address(req.To)
	if err := chain.ValidateAddress(to, h.Orders.AddressPrefix); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Bank.Deposit(r.Context(), models.Address(req.Asset), to, amount); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeBalance(w, r, models.Address(req.Asset), to)
}

// Approve lets the caller grant spender an allowance of token.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !decode(w, r, &req, false) {
		return
	}
	if req.Token == "" {
		h.fail(w, r, models.Invalid("token", "is empty"))
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	owner := CallerFrom(r.Context())
	token, spender := models.Address(req.Token), models.Address(req.Spender)
	if err := h.Bank.Approve(r.Context(), token, owner, spender, amount); err != nil {
		h.fail(w, r, err)
		return
	}
	allowance, err := h.Bank.Allowance(r.Context(), token, owner, spender)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     req.Token,
		"owner":     owner.String(),
		"spender":   req.Spender,
		"allowance": h.amount(allowance),
	})
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	owner := models.Address(chi.URLParam(r, "address"))
	h.writeBalance(w, r, models.Address(r.URL.Query().Get("asset")), owner)
}

func (h *Handler) writeBalance(w http.ResponseWriter, r *http.Request, asset, owner models.Address) {
	balance, err := h.Bank.Balance(r.Context(), asset, owner)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address": owner.String(),
		"asset":   asset.String(),
		"balance": h.amount(balance),
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger().ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		writeError(w, status, code, "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) amount(v *uint256.Int) amountResponse {
	if v == nil {
		v = new(uint256.Int)
	}
	return amountResponse{Value: v.Dec(), Display: h.Pricing.Format(v)}
}

func (h *Handler) order(o *models.Order) orderResponse {
	resp := orderResponse{
		OrderID:       strconv.FormatUint(o.ID, 10),
		State:         string(o.State),
		Price:         h.amount(o.Price),
		Fee:           h.amount(o.Fee),
		Discount:      h.amount(o.Discount),
		Asset:         o.Asset.String(),
		Acceptor:      o.Acceptor.String(),
		Origin:        o.Origin.String(),
		VouchersApply: o.VouchersApply,
		EscrowAddress: o.EscrowAddress.String(),
	}
	if !o.CreatedAt.IsZero() {
		resp.CreatedAt = o.CreatedAt.Format(time.RFC3339)
	}
	if !o.UpdatedAt.IsZero() {
		resp.UpdatedAt = o.UpdatedAt.Format(time.RFC3339)
	}
	return resp
}

func (h *Handler) withdrawal(wd *models.Withdraw) *withdrawalResponse {
	return &withdrawalResponse{
		OrderID: strconv.FormatUint(wd.OrderID, 10),
		State:   string(wd.State),
		Amount:  h.amount(wd.Amount),
		Asset:   wd.Asset.String(),
		Client:  wd.Client.String(),
		Reason:  wd.Reason,
	}
}

func eventView(ev *models.Event) eventResponse {
	return eventResponse{
		ID:          ev.ID,
		Kind:        string(ev.Kind),
		Counterpart: ev.Counterpart.String(),
		Asset:       ev.Asset.String(),
		Price:       decOrEmpty(ev.Price),
		Fee:         decOrEmpty(ev.Fee),
		Discount:    decOrEmpty(ev.Discount),
		Amount:      decOrEmpty(ev.Amount),
		Reason:      ev.Reason,
		CreatedAt:   ev.CreatedAt.Format(time.RFC3339),
	}
}

func decOrEmpty(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}

func (req outcomeRequest) outcome() services.DealOutcome {
	return services.DealOutcome{
		ClientReputation:   req.ClientReputation,
		MerchantReputation: req.MerchantReputation,
		DealHash:           req.DealHash,
		Reason:             req.Reason,
	}
}

// decode reads a JSON body into dst. With optional set, an empty body is
// accepted and leaves dst zero.
func decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid json body")
	return false
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	orderID, err := strconv.ParseUint(chi.URLParam(r, "orderId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid order id")
		return 0, false
	}
	return orderID, true
}

func parseAmount(field, v string) (*uint256.Int, error) {
	out, err := pricing.Parse(v)
	if err != nil {
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			ve.Field = field
		}
		return nil, err
	}
	return out, nil
}
