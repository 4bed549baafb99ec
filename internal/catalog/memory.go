package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Memory is an in-process Store. It backs tests and the "memory" driver;
// data is lost on restart.
type Memory struct {
	mu           sync.RWMutex
	products     map[string]Product
	destinations map[int64]Destination
}

func NewMemory() *Memory {
	return &Memory{
		products:     map[string]Product{},
		destinations: map[int64]Destination{},
	}
}

func (m *Memory) ListProducts(ctx context.Context, opt ListProductsOptions) ([]Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	all := make([]Product, 0, len(m.products))
	for _, p := range m.products {
		if opt.ActiveOnly && !p.Active {
			continue
		}
		all = append(all, p)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	if opt.Offset >= len(all) {
		return nil, nil
	}
	all = all[opt.Offset:]
	if opt.Limit > 0 && len(all) > opt.Limit {
		all = all[:opt.Limit]
	}
	return all, nil
}

func (m *Memory) GetProduct(ctx context.Context, id string) (Product, error) {
	if err := ctx.Err(); err != nil {
		return Product{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) PutProduct(ctx context.Context, p Product) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
	return nil
}

func (m *Memory) UpdateProductPrice(ctx context.Context, id string, price decimal.Decimal, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return ErrNotFound
	}
	p.PrevPrice = p.Price
	p.Price = price
	p.LastChecked = at
	m.products[id] = p
	return nil
}

func (m *Memory) FlagProduct(ctx context.Context, id, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return ErrNotFound
	}
	p.ReviewReason = reason
	m.products[id] = p
	return nil
}

func (m *Memory) ListDestinations(ctx context.Context, f DestinationFilter) ([]Destination, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Destination, 0, len(m.destinations))
	for _, d := range m.destinations {
		if f.matches(d) {
			out = append(out, d)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (m *Memory) GetDestination(ctx context.Context, chatID int64) (Destination, error) {
	if err := ctx.Err(); err != nil {
		return Destination{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.destinations[chatID]
	if !ok {
		return Destination{}, ErrNotFound
	}
	return d, nil
}

func (m *Memory) PutDestination(ctx context.Context, d Destination) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destinations[d.ChatID] = d
	return nil
}

func (m *Memory) SetDestinationAuthorized(ctx context.Context, chatID int64, authorized bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.destinations[chatID]
	if !ok {
		return ErrNotFound
	}
	d.Authorized = authorized
	m.destinations[chatID] = d
	return nil
}

func (m *Memory) TouchDestination(ctx context.Context, chatID int64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.destinations[chatID]
	if !ok {
		return ErrNotFound
	}
	if at.After(d.LastMessageAt) {
		d.LastMessageAt = at
		m.destinations[chatID] = d
	}
	return nil
}

func (m *Memory) Close() error { return nil }
