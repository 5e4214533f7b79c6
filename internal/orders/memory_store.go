package orders

import (
	"context"
	"errors"
	"sort"
	"sync"

	"orderflow/internal/orders/saga"
)

// MemoryStore is an in-process Store used by tests and for running
// without Postgres.
type MemoryStore struct {
	mu      sync.Mutex
	orders  map[string]*Order
	sagas   map[string]*saga.State
	byKey   map[string]string
	updates int
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
		sagas:  make(map[string]*saga.State),
		byKey:  make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, order *Order, state *saga.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[order.IdempotencyKey]; ok {
		return ErrIdempotencyConflict
	}
	if _, ok := s.orders[order.ID]; ok {
		return errors.New("order id already exists")
	}
	stored := order.Clone()
	stored.Version = 1
	order.Version = 1
	s.orders[order.ID] = stored
	s.sagas[order.ID] = state.Clone()
	s.byKey[order.IdempotencyKey] = order.ID
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, orderID string) (*Order, *saga.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	return order.Clone(), s.sagas[orderID].Clone(), nil
}

func (s *MemoryStore) FindByIdempotencyKey(ctx context.Context, key string) (*Order, *saga.State, error) {
	s.mu.Lock()
	id, ok := s.byKey[key]
	s.mu.Unlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) Update(ctx context.Context, orderID string, fn func(*Order, *saga.State) error) (*Order, *saga.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.orders[orderID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	order := current.Clone()
	state := s.sagas[orderID].Clone()
	if state == nil {
		state = saga.New("", orderID, order.CreatedAt)
	}
	if err := fn(order, state); err != nil {
		if errors.Is(err, ErrUnchanged) {
			return current.Clone(), s.sagas[orderID].Clone(), nil
		}
		return nil, nil, err
	}
	if order.Version != current.Version {
		return nil, nil, ErrConcurrentUpdate
	}
	order.Version++
	s.orders[orderID] = order
	s.sagas[orderID] = state
	s.updates++
	return order.Clone(), state.Clone(), nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, q ListQuery) ([]*Order, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*Order
	for _, o := range s.orders {
		if o.UserID != q.UserID {
			continue
		}
		if q.Status != "" && o.Status != q.Status {
			continue
		}
		matched = append(matched, o)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	start := (q.Page - 1) * q.Limit
	if start < 0 || start >= total {
		return []*Order{}, total, nil
	}
	end := start + q.Limit
	if end > total {
		end = total
	}
	out := make([]*Order, 0, end-start)
	for _, o := range matched[start:end] {
		out = append(out, o.Clone())
	}
	return out, total, nil
}

// Writes reports how many updates were committed (for testing/inspection).
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}
