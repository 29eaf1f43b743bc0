package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a wallet id or address is unknown.
var ErrNotFound = errors.New("wallet: not found")

// Repository is the wallet registry boundary. The coordinator never touches
// wallet records directly; it reads snapshots and reports confirmed balance
// changes back through this interface.
// Implementations: InMemoryRepository (bootstrap/testing); a persistent
// registry plugs in behind the same interface.
type Repository interface {
	// List returns a snapshot of every wallet in the fleet.
	List(ctx context.Context) ([]Snapshot, error)

	// Get returns one wallet by id.
	Get(ctx context.Context, id string) (Snapshot, error)

	// UpdateBalance records a new confirmed balance for an address.
	UpdateBalance(ctx context.Context, address string, newBalance decimal.Decimal) error
}

// ---------------------------------------------------------------------------
// In-memory repository
// ---------------------------------------------------------------------------

// InMemoryRepository holds the fleet in memory. Safe for concurrent use.
type InMemoryRepository struct {
	mu        sync.RWMutex
	byID      map[string]Snapshot
	byAddress map[string]string // address -> id
	order     []string          // insertion order for stable List output
}

// NewInMemoryRepository creates an empty registry.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		byID:      make(map[string]Snapshot),
		byAddress: make(map[string]string),
	}
}

// Add registers a wallet. Replaces an existing record with the same id.
func (r *InMemoryRepository) Add(w Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[w.ID]; !exists {
		r.order = append(r.order, w.ID)
	}
	r.byID[w.ID] = w
	r.byAddress[w.Address] = w.ID
}

// List returns all wallets in insertion order.
func (r *InMemoryRepository) List(_ context.Context) ([]Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out, nil
}

// Get returns one wallet by id.
func (r *InMemoryRepository) Get(_ context.Context, id string) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byID[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	return w, nil
}

// UpdateBalance records a new balance for the wallet holding address.
func (r *InMemoryRepository) UpdateBalance(_ context.Context, address string, newBalance decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byAddress[address]
	if !ok {
		return fmt.Errorf("%w: address %s", ErrNotFound, address)
	}
	w := r.byID[id]
	w.Balance = newBalance
	r.byID[id] = w
	return nil
}

// Len returns the number of registered wallets.
func (r *InMemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
