package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atmx/papertrade/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions stage changes on private copies and publish them under the
// data mutex on commit, so a failed callback leaves no trace.
type MemoryStore struct {
	mu         sync.RWMutex
	portfolios map[string]*model.Portfolio
	orders     map[string]*model.Order
	orderSeq   []string // insertion order
	trades     []model.Trade
	tradeIDs   map[string]struct{}

	locks *userLocks
	opts  options
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		portfolios: make(map[string]*model.Portfolio),
		orders:     make(map[string]*model.Order),
		tradeIDs:   make(map[string]struct{}),
		locks:      newUserLocks(),
		opts:       applyOptions(opts),
	}
}

func (s *MemoryStore) WithPortfolio(ctx context.Context, userID string, fn func(Tx) error) error {
	unlock, err := s.locks.lock(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: lock %s: %v", ErrPersistence, userID, err)
	}
	defer unlock()

	s.mu.RLock()
	p, ok := s.portfolios[userID]
	if ok {
		p = p.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		p = model.NewPortfolio(userID, s.opts.initialCash, s.opts.now())
	}

	tx := &memTx{
		s:         s,
		userID:    userID,
		portfolio: p,
		updated:   make(map[string]*model.Order),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	return tx.commit()
}

func (s *MemoryStore) GetPortfolio(_ context.Context, userID string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[userID]
	if !ok {
		return model.NewPortfolio(userID, s.opts.initialCash, s.opts.now()), nil
	}
	return p.Clone(), nil
}

func (s *MemoryStore) GetOrder(_ context.Context, orderID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return copyOrder(o), nil
}

func (s *MemoryStore) ListOrders(_ context.Context, userID string) ([]model.Order, error) {
	return s.filterOrders(func(o *model.Order) bool { return o.UserID == userID }), nil
}

func (s *MemoryStore) ListPendingOrders(_ context.Context, userID string) ([]model.Order, error) {
	return s.filterOrders(func(o *model.Order) bool {
		return o.Status == model.StatusPending && (userID == "" || o.UserID == userID)
	}), nil
}

func (s *MemoryStore) filterOrders(keep func(*model.Order) bool) []model.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, id := range s.orderSeq {
		if o := s.orders[id]; keep(o) {
			result = append(result, *copyOrder(o))
		}
	}
	return result
}

func (s *MemoryStore) ListTrades(_ context.Context, userID string, since time.Time) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if userID != "" && t.UserID != userID {
			continue
		}
		if t.ExecutedAt.Before(since) {
			continue
		}
		result = append(result, t)
	}
	return result, nil
}

func (s *MemoryStore) Close() error { return nil }

// memTx stages one user's changes until commit.
type memTx struct {
	s         *MemoryStore
	userID    string
	portfolio *model.Portfolio
	newOrders []*model.Order
	updated   map[string]*model.Order
	trades    []model.Trade
}

func (tx *memTx) Portfolio() *model.Portfolio { return tx.portfolio }

// lookup finds the staged or committed version of an order owned by the
// transaction's user.
func (tx *memTx) lookup(orderID string) (*model.Order, bool) {
	if o, ok := tx.updated[orderID]; ok {
		return o, true
	}
	for _, o := range tx.newOrders {
		if o.OrderID == orderID {
			return o, true
		}
	}
	tx.s.mu.RLock()
	o, ok := tx.s.orders[orderID]
	tx.s.mu.RUnlock()
	if !ok || o.UserID != tx.userID {
		return nil, false
	}
	return o, true
}

func (tx *memTx) Order(orderID string) (*model.Order, error) {
	o, ok := tx.lookup(orderID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return copyOrder(o), nil
}

func (tx *memTx) AppendOrder(o *model.Order) error {
	if o.UserID != tx.userID {
		return fmt.Errorf("%w: order %s belongs to %s, not %s", ErrPersistence, o.OrderID, o.UserID, tx.userID)
	}
	if _, exists := tx.lookup(o.OrderID); exists {
		return fmt.Errorf("%w: order %s", ErrDuplicate, o.OrderID)
	}
	tx.s.mu.RLock()
	_, exists := tx.s.orders[o.OrderID]
	tx.s.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: order %s", ErrDuplicate, o.OrderID)
	}
	tx.newOrders = append(tx.newOrders, copyOrder(o))
	return nil
}

func (tx *memTx) UpdateOrder(orderID string, fn func(*model.Order) error) error {
	cur, ok := tx.lookup(orderID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	next := copyOrder(cur)
	if err := fn(next); err != nil {
		return err
	}
	next.OrderID, next.UserID = cur.OrderID, cur.UserID

	for i, o := range tx.newOrders {
		if o.OrderID == orderID {
			tx.newOrders[i] = next
			return nil
		}
	}
	tx.updated[orderID] = next
	return nil
}

func (tx *memTx) AppendTrade(t *model.Trade) error {
	if t.UserID != tx.userID {
		return fmt.Errorf("%w: trade %s belongs to %s, not %s", ErrPersistence, t.TradeID, t.UserID, tx.userID)
	}
	for _, staged := range tx.trades {
		if staged.TradeID == t.TradeID {
			return fmt.Errorf("%w: trade %s", ErrDuplicate, t.TradeID)
		}
	}
	tx.s.mu.RLock()
	_, exists := tx.s.tradeIDs[t.TradeID]
	tx.s.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: trade %s", ErrDuplicate, t.TradeID)
	}
	tx.trades = append(tx.trades, *t)
	return nil
}

// commit publishes the transaction. Ids are checked again under the write
// lock since another user's transaction may have taken one since staging.
func (tx *memTx) commit() error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range tx.newOrders {
		if _, exists := s.orders[o.OrderID]; exists {
			return fmt.Errorf("%w: order %s", ErrDuplicate, o.OrderID)
		}
	}
	for _, t := range tx.trades {
		if _, exists := s.tradeIDs[t.TradeID]; exists {
			return fmt.Errorf("%w: trade %s", ErrDuplicate, t.TradeID)
		}
	}

	tx.portfolio.Version++
	s.portfolios[tx.userID] = tx.portfolio

	for _, o := range tx.newOrders {
		s.orders[o.OrderID] = o
		s.orderSeq = append(s.orderSeq, o.OrderID)
	}
	for id, o := range tx.updated {
		s.orders[id] = o
	}
	for _, t := range tx.trades {
		s.trades = append(s.trades, t)
		s.tradeIDs[t.TradeID] = struct{}{}
	}
	return nil
}
