package access

import (
	"context"
	"sync"

	"PaymentProcessor/internal/models"
)

const (
	RoleOwner    = "the owner"
	RoleOperator = "a trusted operator"
)

// RoleStore keeps the owner, the trusted-operator set and the pause flag.
// Owner returns the zero address until an owner has been stored.
type RoleStore interface {
	Owner(ctx context.Context) (models.Address, error)
	SetOwner(ctx context.Context, addr models.Address) error
	IsOperator(ctx context.Context, addr models.Address) (bool, error)
	AddOperator(ctx context.Context, addr models.Address) error
	RemoveOperator(ctx context.Context, addr models.Address) error
	Operators(ctx context.Context) ([]models.Address, error)
	Paused(ctx context.Context) (bool, error)
	SetPaused(ctx context.Context, paused bool) error
}

// Guard answers every authorization question the processor asks. Each
// mutating entry point calls it before touching any record.
//
// The configured owner only applies while the RoleStore holds none; after
// the first TransferOwnership the stored owner wins everywhere.
type Guard struct {
	configured models.Address
	Roles      RoleStore
}

func NewGuard(owner models.Address, roles RoleStore) *Guard {
	return &Guard{configured: owner, Roles: roles}
}

func (g *Guard) Owner(ctx context.Context) (models.Address, error) {
	owner, err := g.Roles.Owner(ctx)
	if err != nil {
		return "", err
	}
	if owner.IsZero() {
		return g.configured, nil
	}
	return owner, nil
}

func (g *Guard) RequireOwner(ctx context.Context, caller models.Address) error {
	if caller.IsZero() {
		return &models.AuthorizationError{Caller: caller, Role: RoleOwner}
	}
	owner, err := g.Owner(ctx)
	if err != nil {
		return err
	}
	if caller != owner {
		return &models.AuthorizationError{Caller: caller, Role: RoleOwner}
	}
	return nil
}

func (g *Guard) RequireOperator(ctx context.Context, caller models.Address) error {
	if caller.IsZero() {
		return &models.AuthorizationError{Caller: caller, Role: RoleOperator}
	}
	ok, err := g.Roles.IsOperator(ctx, caller)
	if err != nil {
		return err
	}
	if !ok {
		return &models.AuthorizationError{Caller: caller, Role: RoleOperator}
	}
	return nil
}

func (g *Guard) RequireNotPaused(ctx context.Context) error {
	paused, err := g.Roles.Paused(ctx)
	if err != nil {
		return err
	}
	if paused {
		return &models.AuthorizationError{Paused: true}
	}
	return nil
}

// RequireCaller checks caller against an address recorded on an order, such
// as its payment acceptor.
func RequireCaller(caller, want models.Address, role string) error {
	if caller.IsZero() || caller != want {
		return &models.AuthorizationError{Caller: caller, Role: role}
	}
	return nil
}

func (g *Guard) TransferOwnership(ctx context.Context, caller, newOwner models.Address) error {
	if err := g.RequireOwner(ctx, caller); err != nil {
		return err
	}
	if newOwner.IsZero() {
		return models.Invalid("owner", "is empty")
	}
	return g.Roles.SetOwner(ctx, newOwner)
}

func (g *Guard) AddOperator(ctx context.Context, caller, addr models.Address) error {
	if err := g.RequireOwner(ctx, caller); err != nil {
		return err
	}
	if addr.IsZero() {
		return models.Invalid("operator", "is empty")
	}
	return g.Roles.AddOperator(ctx, addr)
}

func (g *Guard) RemoveOperator(ctx context.Context, caller, addr models.Address) error {
	if err := g.RequireOwner(ctx, caller); err != nil {
		return err
	}
	return g.Roles.RemoveOperator(ctx, addr)
}

func (g *Guard) Pause(ctx context.Context, caller models.Address) error {
	if err := g.RequireOwner(ctx, caller); err != nil {
		return err
	}
	return g.Roles.SetPaused(ctx, true)
}

func (g *Guard) Unpause(ctx context.Context, caller models.Address) error {
	if err := g.RequireOwner(ctx, caller); err != nil {
		return err
	}
	return g.Roles.SetPaused(ctx, false)
}

// MemoryRoleStore is the single-process RoleStore.
type MemoryRoleStore struct {
	mu        sync.RWMutex
	owner     models.Address
	operators map[models.Address]struct{}
	paused    bool
}

func NewMemoryRoleStore(operators ...models.Address) *MemoryRoleStore {
	s := &MemoryRoleStore{operators: make(map[models.Address]struct{}, len(operators))}
	for _, op := range operators {
		s.operators[op] = struct{}{}
	}
	return s
}

func (s *MemoryRoleStore) Owner(ctx context.Context) (models.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owner, nil
}

func (s *MemoryRoleStore) SetOwner(ctx context.Context, addr models.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owner = addr
	return nil
}

func (s *MemoryRoleStore) IsOperator(ctx context.Context, addr models.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.operators[addr]
	return ok, nil
}

func (s *MemoryRoleStore) AddOperator(ctx context.Context, addr models.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operators[addr] = struct{}{}
	return nil
}

func (s *MemoryRoleStore) RemoveOperator(ctx context.Context, addr models.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.operators, addr)
	return nil
}

func (s *MemoryRoleStore) Operators(ctx context.Context) ([]models.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Address, 0, len(s.operators))
	for op := range s.operators {
		out = append(out, op)
	}
	return out, nil
}

func (s *MemoryRoleStore) Paused(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused, nil
}

func (s *MemoryRoleStore) SetPaused(ctx context.Context, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
	return nil
}
