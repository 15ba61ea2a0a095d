package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PaymentProcessor/internal/access"
	"PaymentProcessor/internal/chain"
	"PaymentProcessor/internal/config"
	"PaymentProcessor/internal/db"
	"PaymentProcessor/internal/gateway"
	"PaymentProcessor/internal/history"
	internalhttp "PaymentProcessor/internal/http"
	"PaymentProcessor/internal/models"
	"PaymentProcessor/internal/observability"
	"PaymentProcessor/internal/payments"
	"PaymentProcessor/internal/pricing"
	"PaymentProcessor/internal/services"
	"PaymentProcessor/internal/store"

	"github.com/holiman/uint256"
)

func main() {
	ctx := context.Background()
	shutdownOtel, err := observability.Setup(ctx, "payment-processor-api")
	if err != nil {
		fatal("otel setup failed", err)
	}
	defer func() { _ = shutdownOtel(context.Background()) }()

	cfg, err := config.Load("")
	if err != nil {
		fatal("config load failed", err)
	}

	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		fatal("db connect failed", err)
	}
	defer pool.Close()

	st := store.New(pool)
	bank := chain.NewBank(st)

	roles, err := roleStore(ctx, cfg)
	if err != nil {
		fatal("role store failed", err)
	}
	guard := access.NewGuard(models.Address(cfg.Processor.Owner), roles)

	dir := services.NewDirectory()
	for _, gc := range cfg.AllGateways() {
		splitter, err := newSplitter(gc, cfg.Processor.MerchantID, bank)
		if err != nil {
			fatal("gateway config", err, slog.String("address", gc.Address))
		}
		dir.RegisterGateway(splitter)
	}
	for _, wc := range cfg.AllMerchantWallets() {
		dir.RegisterWallet(&gateway.MerchantWallet{
			Addr:            models.Address(wc.Address),
			Merchant:        cfg.Processor.MerchantID,
			FundAddress:     models.Address(wc.FundAddress),
			PaybackPermille: wc.PaybackPermille,
		})
	}
	for _, addr := range addresses(cfg.AllHistories()) {
		dir.RegisterHistory(addr, history.NewOutbox(st, cfg.Processor.MerchantID, addr))
	}

	settings := &services.Settings{MerchantID: cfg.Processor.MerchantID, Guard: guard, Directory: dir, Ledger: st}
	if err := settings.Seed(ctx, services.Defaults{
		Gateway:        models.Address(cfg.Gateway.Address),
		MerchantWallet: models.Address(cfg.MerchantWallet.Address),
		DealsHistory:   models.Address(cfg.History.Address),
	}); err != nil {
		fatal("seed collaborators failed", err)
	}

	pricingSvc := pricing.Service{
		FeeCapPermille: cfg.Processor.FeeCapPermille,
		Decimals:       int32(cfg.Chain.Decimals),
		Denom:          cfg.Chain.Denom,
	}
	router := &payments.Router{Bank: bank, Pricing: pricingSvc}
	tokens := gateway.NewStaticRegistry(addresses(cfg.Tokens)...)
	processorAddr := models.Address(cfg.Processor.Address)

	proc := &services.Processor{
		Address:       processorAddr,
		AddressPrefix: cfg.Chain.Bech32Prefix,
		Ledger:        st,
		Bank:          bank,
		Guard:         guard,
		Router:        router,
		Tokens:        tokens,
		Deriver:       chain.AddressDeriver{XPub: cfg.Wallet.XPub, Prefix: cfg.Chain.Bech32Prefix},
		Settings:      settings,
	}
	priv := &services.PrivateProcessor{
		Address:       processorAddr,
		AddressPrefix: cfg.Chain.Bech32Prefix,
		Ledger:        st,
		Bank:          bank,
		Guard:         guard,
		Router:        router,
		Tokens:        tokens,
		Settings:      settings,
	}

	auth := internalhttp.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	h := internalhttp.NewHandler(proc, priv, settings, guard, bank, pricingSvc)
	srv := internalhttp.NewServer(h, auth)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("api listening", slog.String("addr", cfg.Server.Addr), slog.String("merchant_id", cfg.Processor.MerchantID))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("server error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}

// roleStore seeds the configured operators into the selected store.
func roleStore(ctx context.Context, cfg *config.Config) (access.RoleStore, error) {
	ops := addresses(cfg.Processor.Operators)
	if cfg.Processor.RoleStore != "redis" {
		return access.NewMemoryRoleStore(ops...), nil
	}
	client, err := access.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	roles := access.NewRedisRoleStore(client, cfg.Processor.MerchantID)
	for _, op := range ops {
		if err := roles.AddOperator(ctx, op); err != nil {
			return nil, err
		}
	}
	return roles, nil
}

func newSplitter(gc config.Gateway, merchantID string, bank *chain.Bank) (*gateway.Splitter, error) {
	voucherUnit := new(uint256.Int)
	if gc.VoucherUnit != "" {
		var err error
		if voucherUnit, err = pricing.Parse(gc.VoucherUnit); err != nil {
			return nil, err
		}
	}
	return &gateway.Splitter{
		Addr:           models.Address(gc.Address),
		Merchant:       merchantID,
		Vault:          models.Address(gc.Vault),
		DiscountPool:   models.Address(gc.DiscountPool),
		FeeCapPermille: gc.FeeCapPermille,
		VoucherUnit:    voucherUnit,
		Bank:           bank,
	}, nil
}

func addresses(in []string) []models.Address {
	out := make([]models.Address, 0, len(in))
	for _, v := range in {
		out = append(out, models.Address(v))
	}
	return out
}

func fatal(msg string, err error, attrs ...any) {
	slog.Error(msg, append([]any{slog.String("error", err.Error())}, attrs...)...)
	os.Exit(1)
}
