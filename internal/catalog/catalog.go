// Package catalog talks to the external catalog, the source of truth for total stock.
package catalog

import (
	"context"
	"sync"

	"github.com/ariefcatur/go-stock-reservations/internal/stock"
)

// Catalog returns the catalog's total stock for a key. It fails with
// stock.ErrProductNotFound for unknown keys and wraps stock.ErrCatalogUnavailable
// on transport errors.
type Catalog interface {
	FetchTotalStock(ctx context.Context, key stock.Key) (int, error)
}

// Static is an in-memory catalog for tests and local runs.
type Static struct {
	mu    sync.RWMutex
	stock map[stock.Key]int
	calls int
}

func NewStatic() *Static { return &Static{stock: map[stock.Key]int{}} }

func (s *Static) Set(key stock.Key, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[key] = total
}

func (s *Static) FetchTotalStock(_ context.Context, key stock.Key) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	n, ok := s.stock[key]
	if !ok {
		return 0, stock.ErrProductNotFound
	}
	return n, nil
}

// Calls reports how many lookups were served.
func (s *Static) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}
