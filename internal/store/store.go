// Package store provides the transactional document store backing the
// market engine. Every engine mutation runs inside Update as a single
// read-modify-write transaction; records carry versions and a Put against a
// stale version fails with ErrConflict so callers can retry.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/marketsim/internal/market/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a write loses an optimistic version
	// check. It is transient; callers retry a bounded number of times.
	ErrConflict = errors.New("write conflict")
	// ErrExists is returned when creating a record that already exists.
	ErrExists = errors.New("record already exists")
)

// Tx is the set of operations available inside a store transaction. Reads
// observe writes staged earlier in the same transaction. All returned
// records are copies; mutations take effect only through Put/Create calls
// and only if the whole transaction commits.
type Tx interface {
	// Instruments
	Instrument(ticker string) (*model.Instrument, error)
	Instruments() ([]*model.Instrument, error)
	CreateInstrument(inst *model.Instrument) error
	PutInstrument(inst *model.Instrument) error

	// Price history (append-only)
	AppendPricePoint(ticker string, pt model.PricePoint) error
	LastPricePoint(ticker string) (model.PricePoint, bool, error)
	PriceHistory(ticker string, limit int) ([]model.PricePoint, error)

	// Accounts
	Account(id uuid.UUID) (*model.Account, error)
	Accounts() ([]*model.Account, error)
	CreateAccount(acct *model.Account) error
	PutAccount(acct *model.Account) error

	// Standing orders
	Order(id uuid.UUID) (*model.StandingOrder, error)
	CreateOrder(order *model.StandingOrder) error
	PutOrder(order *model.StandingOrder) error
	OpenOrdersByTicker(ticker string) ([]*model.StandingOrder, error)
	OpenOrders() ([]*model.StandingOrder, error)
}

// Store is a transactional document store. Update commits all staged writes
// atomically or not at all; View runs a read-only transaction.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// WithRetry runs fn until it succeeds, fails with a non-conflict error, or
// exhausts attempts. fn must re-read everything it mutates on each attempt.
// After the final attempt the ErrConflict is surfaced to the caller as a
// transient failure.
func WithRetry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); !errors.Is(err, ErrConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff << uint(i)):
		}
	}
	return err
}
