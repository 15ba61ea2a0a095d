package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"PaymentProcessor/internal/access"
	"PaymentProcessor/internal/gateway"
	"PaymentProcessor/internal/history"
	"PaymentProcessor/internal/models"
	"PaymentProcessor/internal/payments"
	"PaymentProcessor/internal/store"
)

// Directory resolves collaborator addresses to the collaborators deployed
// at them.
type Directory struct {
	mu        sync.RWMutex
	gateways  map[models.Address]gateway.Client
	wallets   map[models.Address]*gateway.MerchantWallet
	histories map[models.Address]history.Recorder
}

func NewDirectory() *Directory {
	return &Directory{
		gateways:  make(map[models.Address]gateway.Client),
		wallets:   make(map[models.Address]*gateway.MerchantWallet),
		histories: make(map[models.Address]history.Recorder),
	}
}

func (d *Directory) RegisterGateway(gw gateway.Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gateways[gw.Address()] = gw
}

func (d *Directory) RegisterWallet(w *gateway.MerchantWallet) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wallets[w.Address()] = w
}

func (d *Directory) RegisterHistory(addr models.Address, rec history.Recorder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.histories[addr] = rec
}

func (d *Directory) gateway(addr models.Address) (gateway.Client, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	gw, ok := d.gateways[addr]
	return gw, ok
}

func (d *Directory) wallet(addr models.Address) (*gateway.MerchantWallet, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.wallets[addr]
	return w, ok
}

func (d *Directory) history(addr models.Address) (history.Recorder, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.histories[addr]
	return rec, ok
}

// Ledger setting keys holding the selected collaborator addresses.
const (
	settingGateway        = "gateway"
	settingMerchantWallet = "merchant_wallet"
	settingDealsHistory   = "deals_history"
)

// Settings selects the processor's current collaborators. The selection is
// kept in the ledger, so every replica and every restart resolves the same
// addresses. The configuration calls are owner-only, stay available while
// paused, and only accept a collaborator bound to the processor's own
// merchant id.
type Settings struct {
	MerchantID string
	Guard      *access.Guard
	Directory  *Directory
	Ledger     store.Ledger
	Logger     *slog.Logger
}

// Defaults are the collaborators selected when the ledger holds no choice.
type Defaults struct {
	Gateway        models.Address
	MerchantWallet models.Address
	DealsHistory   models.Address
}

// Seed stores the defaults for every collaborator that has never been
// selected. Choices already in the ledger are left alone.
func (s *Settings) Seed(ctx context.Context, d Defaults) error {
	return s.Ledger.WithinTx(ctx, func(ctx context.Context) error {
		if !d.Gateway.IsZero() {
			if _, err := s.resolveGateway(d.Gateway); err != nil {
				return err
			}
			if err := s.Ledger.SeedSetting(ctx, settingGateway, d.Gateway.String()); err != nil {
				return err
			}
		}
		if !d.MerchantWallet.IsZero() {
			if _, err := s.resolveWallet(d.MerchantWallet); err != nil {
				return err
			}
			if err := s.Ledger.SeedSetting(ctx, settingMerchantWallet, d.MerchantWallet.String()); err != nil {
				return err
			}
		}
		if !d.DealsHistory.IsZero() {
			if _, err := s.resolveHistory(d.DealsHistory); err != nil {
				return err
			}
			if err := s.Ledger.SeedSetting(ctx, settingDealsHistory, d.DealsHistory.String()); err != nil {
				return err
			}
		}
		return nil
	})
}

// Route resolves the selected gateway and merchant wallet. Either is nil
// while unselected.
func (s *Settings) Route(ctx context.Context) (payments.Route, error) {
	var route payments.Route
	addr, err := s.Ledger.Setting(ctx, settingGateway)
	if err != nil {
		return route, err
	}
	if addr != "" {
		if route.Gateway, err = s.resolveGateway(models.Address(addr)); err != nil {
			return route, err
		}
	}
	addr, err = s.Ledger.Setting(ctx, settingMerchantWallet)
	if err != nil {
		return route, err
	}
	if addr != "" {
		if route.Wallet, err = s.resolveWallet(models.Address(addr)); err != nil {
			return route, err
		}
	}
	return route, nil
}

// Recorder is nil while no deals history is selected.
func (s *Settings) Recorder(ctx context.Context) (history.Recorder, error) {
	addr, err := s.Ledger.Setting(ctx, settingDealsHistory)
	if err != nil || addr == "" {
		return nil, err
	}
	return s.resolveHistory(models.Address(addr))
}

func (s *Settings) SetGateway(ctx context.Context, caller, addr models.Address) error {
	if err := s.Guard.RequireOwner(ctx, caller); err != nil {
		return err
	}
	if _, err := s.resolveGateway(addr); err != nil {
		return err
	}
	if err := s.Ledger.PutSetting(ctx, settingGateway, addr.String()); err != nil {
		return err
	}
	s.logger().InfoContext(ctx, "gateway configured", slog.String("address", addr.String()))
	return nil
}

func (s *Settings) SetMerchantWallet(ctx context.Context, caller, addr models.Address) error {
	if err := s.Guard.RequireOwner(ctx, caller); err != nil {
		return err
	}
	if _, err := s.resolveWallet(addr); err != nil {
		return err
	}
	if err := s.Ledger.PutSetting(ctx, settingMerchantWallet, addr.String()); err != nil {
		return err
	}
	s.logger().InfoContext(ctx, "merchant wallet configured", slog.String("address", addr.String()))
	return nil
}

func (s *Settings) SetDealsHistory(ctx context.Context, caller, addr models.Address) error {
	if err := s.Guard.RequireOwner(ctx, caller); err != nil {
		return err
	}
	if _, err := s.resolveHistory(addr); err != nil {
		return err
	}
	if err := s.Ledger.PutSetting(ctx, settingDealsHistory, addr.String()); err != nil {
		return err
	}
	s.logger().InfoContext(ctx, "deals history configured", slog.String("address", addr.String()))
	return nil
}

func (s *Settings) resolveGateway(addr models.Address) (gateway.Client, error) {
	gw, ok := s.Directory.gateway(addr)
	if !ok {
		return nil, models.Invalid("gateway", fmt.Sprintf("no gateway at %s", addr))
	}
	return gw, s.checkMerchant("gateway", gw.MerchantID())
}

func (s *Settings) resolveWallet(addr models.Address) (*gateway.MerchantWallet, error) {
	w, ok := s.Directory.wallet(addr)
	if !ok {
		return nil, models.Invalid("merchant wallet", fmt.Sprintf("no merchant wallet at %s", addr))
	}
	return w, s.checkMerchant("merchant wallet", w.MerchantID())
}

func (s *Settings) resolveHistory(addr models.Address) (history.Recorder, error) {
	rec, ok := s.Directory.history(addr)
	if !ok {
		return nil, models.Invalid("deals history", fmt.Sprintf("no deals history at %s", addr))
	}
	return rec, s.checkMerchant("deals history", rec.MerchantID())
}

func (s *Settings) checkMerchant(field, got string) error {
	if got != s.MerchantID {
		return models.Invalid(field, fmt.Sprintf("bound to merchant %q, want %q", got, s.MerchantID))
	}
	return nil
}

func (s *Settings) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
