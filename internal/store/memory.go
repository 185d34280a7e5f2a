package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/quantfold/marketsim/internal/market/model"
)

// MemoryStore is an in-process Store used by the engine tests and as the
// default backend when no database is configured. Update transactions are
// serialized by a store-wide mutex; version checks on Put still apply so a
// caller holding a record read outside the transaction cannot clobber a
// newer write.
type MemoryStore struct {
	mu          sync.RWMutex
	instruments map[string]*model.Instrument
	history     map[string][]model.PricePoint
	accounts    map[uuid.UUID]*model.Account
	orders      map[uuid.UUID]*model.StandingOrder
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instruments: make(map[string]*model.Instrument),
		history:     make(map[string][]model.PricePoint),
		accounts:    make(map[uuid.UUID]*model.Account),
		orders:      make(map[uuid.UUID]*model.StandingOrder),
	}
}

// Update runs fn in a write transaction. Staged writes become visible to
// reads within the same transaction and commit together when fn returns nil.
func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newMemTx(s, false)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// View runs fn in a read-only transaction.
func (s *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(newMemTx(s, true))
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

type memTx struct {
	store    *MemoryStore
	readonly bool

	instruments map[string]*model.Instrument
	history     map[string][]model.PricePoint
	accounts    map[uuid.UUID]*model.Account
	orders      map[uuid.UUID]*model.StandingOrder
}

func newMemTx(s *MemoryStore, readonly bool) *memTx {
	return &memTx{
		store:       s,
		readonly:    readonly,
		instruments: make(map[string]*model.Instrument),
		history:     make(map[string][]model.PricePoint),
		accounts:    make(map[uuid.UUID]*model.Account),
		orders:      make(map[uuid.UUID]*model.StandingOrder),
	}
}

func (tx *memTx) commit() {
	for ticker, inst := range tx.instruments {
		tx.store.instruments[ticker] = inst
	}
	for ticker, pts := range tx.history {
		tx.store.history[ticker] = append(tx.store.history[ticker], pts...)
	}
	for id, acct := range tx.accounts {
		tx.store.accounts[id] = acct
	}
	for id, order := range tx.orders {
		tx.store.orders[id] = order
	}
}

func (tx *memTx) writable() error {
	if tx.readonly {
		return fmt.Errorf("write inside read-only transaction")
	}
	return nil
}

func (tx *memTx) Instrument(ticker string) (*model.Instrument, error) {
	if inst, ok := tx.instruments[ticker]; ok {
		return inst.Clone(), nil
	}
	if inst, ok := tx.store.instruments[ticker]; ok {
		return inst.Clone(), nil
	}
	return nil, fmt.Errorf("instrument %s: %w", ticker, ErrNotFound)
}

func (tx *memTx) Instruments() ([]*model.Instrument, error) {
	seen := make(map[string]bool, len(tx.store.instruments))
	out := make([]*model.Instrument, 0, len(tx.store.instruments))
	for ticker, inst := range tx.instruments {
		seen[ticker] = true
		out = append(out, inst.Clone())
	}
	for ticker, inst := range tx.store.instruments {
		if !seen[ticker] {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

func (tx *memTx) CreateInstrument(inst *model.Instrument) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, ok := tx.instruments[inst.Ticker]; ok {
		return fmt.Errorf("instrument %s: %w", inst.Ticker, ErrExists)
	}
	if _, ok := tx.store.instruments[inst.Ticker]; ok {
		return fmt.Errorf("instrument %s: %w", inst.Ticker, ErrExists)
	}
	cp := inst.Clone()
	cp.Version = 1
	tx.instruments[inst.Ticker] = cp
	return nil
}

func (tx *memTx) PutInstrument(inst *model.Instrument) error {
	if err := tx.writable(); err != nil {
		return err
	}
	current, ok := tx.instruments[inst.Ticker]
	if !ok {
		current, ok = tx.store.instruments[inst.Ticker]
	}
	if !ok {
		return fmt.Errorf("instrument %s: %w", inst.Ticker, ErrNotFound)
	}
	if current.Version != inst.Version {
		return fmt.Errorf("instrument %s version %d (have %d): %w", inst.Ticker, inst.Version, current.Version, ErrConflict)
	}
	cp := inst.Clone()
	cp.Version = current.Version + 1
	tx.instruments[inst.Ticker] = cp
	return nil
}

func (tx *memTx) AppendPricePoint(ticker string, pt model.PricePoint) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if last, ok, _ := tx.LastPricePoint(ticker); ok && pt.Timestamp <= last.Timestamp {
		return fmt.Errorf("price point for %s at %d not after %d", ticker, pt.Timestamp, last.Timestamp)
	}
	tx.history[ticker] = append(tx.history[ticker], pt)
	return nil
}

func (tx *memTx) LastPricePoint(ticker string) (model.PricePoint, bool, error) {
	if pts := tx.history[ticker]; len(pts) > 0 {
		return pts[len(pts)-1], true, nil
	}
	if pts := tx.store.history[ticker]; len(pts) > 0 {
		return pts[len(pts)-1], true, nil
	}
	return model.PricePoint{}, false, nil
}

func (tx *memTx) PriceHistory(ticker string, limit int) ([]model.PricePoint, error) {
	all := append([]model.PricePoint{}, tx.store.history[ticker]...)
	all = append(all, tx.history[ticker]...)
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (tx *memTx) Account(id uuid.UUID) (*model.Account, error) {
	if acct, ok := tx.accounts[id]; ok {
		return acct.Clone(), nil
	}
	if acct, ok := tx.store.accounts[id]; ok {
		return acct.Clone(), nil
	}
	return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
}

func (tx *memTx) Accounts() ([]*model.Account, error) {
	seen := make(map[uuid.UUID]bool, len(tx.store.accounts))
	out := make([]*model.Account, 0, len(tx.store.accounts))
	for id, acct := range tx.accounts {
		seen[id] = true
		out = append(out, acct.Clone())
	}
	for id, acct := range tx.store.accounts {
		if !seen[id] {
			out = append(out, acct.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (tx *memTx) CreateAccount(acct *model.Account) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, ok := tx.accounts[acct.ID]; ok {
		return fmt.Errorf("account %s: %w", acct.ID, ErrExists)
	}
	if _, ok := tx.store.accounts[acct.ID]; ok {
		return fmt.Errorf("account %s: %w", acct.ID, ErrExists)
	}
	cp := acct.Clone()
	cp.Version = 1
	tx.accounts[acct.ID] = cp
	return nil
}

func (tx *memTx) PutAccount(acct *model.Account) error {
	if err := tx.writable(); err != nil {
		return err
	}
	current, ok := tx.accounts[acct.ID]
	if !ok {
		current, ok = tx.store.accounts[acct.ID]
	}
	if !ok {
		return fmt.Errorf("account %s: %w", acct.ID, ErrNotFound)
	}
	if current.Version != acct.Version {
		return fmt.Errorf("account %s version %d (have %d): %w", acct.ID, acct.Version, current.Version, ErrConflict)
	}
	cp := acct.Clone()
	cp.Version = current.Version + 1
	tx.accounts[acct.ID] = cp
	return nil
}

func (tx *memTx) Order(id uuid.UUID) (*model.StandingOrder, error) {
	if order, ok := tx.orders[id]; ok {
		return order.Clone(), nil
	}
	if order, ok := tx.store.orders[id]; ok {
		return order.Clone(), nil
	}
	return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
}

func (tx *memTx) CreateOrder(order *model.StandingOrder) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, ok := tx.orders[order.ID]; ok {
		return fmt.Errorf("order %s: %w", order.ID, ErrExists)
	}
	if _, ok := tx.store.orders[order.ID]; ok {
		return fmt.Errorf("order %s: %w", order.ID, ErrExists)
	}
	cp := order.Clone()
	cp.Version = 1
	tx.orders[order.ID] = cp
	return nil
}

func (tx *memTx) PutOrder(order *model.StandingOrder) error {
	if err := tx.writable(); err != nil {
		return err
	}
	current, ok := tx.orders[order.ID]
	if !ok {
		current, ok = tx.store.orders[order.ID]
	}
	if !ok {
		return fmt.Errorf("order %s: %w", order.ID, ErrNotFound)
	}
	if current.Version != order.Version {
		return fmt.Errorf("order %s version %d (have %d): %w", order.ID, order.Version, current.Version, ErrConflict)
	}
	cp := order.Clone()
	cp.Version = current.Version + 1
	tx.orders[order.ID] = cp
	return nil
}

func (tx *memTx) OpenOrdersByTicker(ticker string) ([]*model.StandingOrder, error) {
	return tx.openOrders(func(o *model.StandingOrder) bool { return o.Ticker == ticker }), nil
}

func (tx *memTx) OpenOrders() ([]*model.StandingOrder, error) {
	return tx.openOrders(func(o *model.StandingOrder) bool { return true }), nil
}

func (tx *memTx) openOrders(match func(*model.StandingOrder) bool) []*model.StandingOrder {
	var out []*model.StandingOrder
	seen := make(map[uuid.UUID]bool)
	for id, order := range tx.orders {
		seen[id] = true
		if !order.Terminal() && match(order) {
			out = append(out, order.Clone())
		}
	}
	for id, order := range tx.store.orders {
		if !seen[id] && !order.Terminal() && match(order) {
			out = append(out, order.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}
