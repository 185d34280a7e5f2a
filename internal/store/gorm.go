package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quantfold/marketsim/internal/market/model"
)

// GormStore is the database-backed Store. Transactions map to database
// transactions and Put operations guard with a version predicate, so a
// racing writer surfaces as ErrConflict instead of silently clobbering
// state.
type GormStore struct {
	db *gorm.DB
}

// OpenPostgres opens a PostgreSQL-backed store.
func OpenPostgres(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return newGormStore(db)
}

// OpenSQLite opens a SQLite-backed store; ":memory:" gives an ephemeral
// database for tests.
func OpenSQLite(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return newGormStore(db)
}

func newGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&instrumentRow{}, &pricePointRow{}, &accountRow{}, &orderRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Update runs fn inside a database transaction.
func (s *GormStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(txdb *gorm.DB) error {
		return fn(&gormTx{db: txdb})
	})
}

// View runs fn inside a database transaction; writes are still rolled back
// by returning an error, but callers are expected not to write.
func (s *GormStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(txdb *gorm.DB) error {
		return fn(&gormTx{db: txdb})
	})
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type instrumentRow struct {
	Ticker        string          `gorm:"primaryKey"`
	BasePrice     decimal.Decimal `gorm:"type:numeric"`
	Volatility    decimal.Decimal `gorm:"type:numeric"`
	Liquidity     decimal.Decimal `gorm:"type:numeric"`
	PriceDecimals int32
	Correlations  string `gorm:"type:text"`
	Composite     bool
	Constituents  string          `gorm:"type:text"`
	Price         decimal.Decimal `gorm:"type:numeric"`
	UpdatedAt     time.Time
	Version       uint64
}

func (instrumentRow) TableName() string { return "instruments" }

type pricePointRow struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Ticker    string `gorm:"index:idx_price_points_ticker_ts,unique"`
	Timestamp int64  `gorm:"index:idx_price_points_ticker_ts,unique"`
	Price     decimal.Decimal `gorm:"type:numeric"`
}

func (pricePointRow) TableName() string { return "price_points" }

type accountRow struct {
	ID             uuid.UUID       `gorm:"primaryKey;type:uuid"`
	Cash           decimal.Decimal `gorm:"type:numeric"`
	Longs          string          `gorm:"type:text"`
	Shorts         string          `gorm:"type:text"`
	MarginEligible bool
	PeakValue      decimal.Decimal `gorm:"type:numeric"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        uint64
}

func (accountRow) TableName() string { return "accounts" }

type orderRow struct {
	ID           uuid.UUID `gorm:"primaryKey;type:uuid"`
	AccountID    uuid.UUID `gorm:"type:uuid;index"`
	Ticker       string    `gorm:"index"`
	Direction    string
	Shares       decimal.Decimal `gorm:"type:numeric"`
	FilledShares decimal.Decimal `gorm:"type:numeric"`
	LimitPrice   decimal.Decimal `gorm:"type:numeric"`
	AllowPartial bool
	Status       string `gorm:"index"`
	CreatedAt    time.Time
	ExpiresAt    time.Time
	UpdatedAt    time.Time
	Version      uint64
}

func (orderRow) TableName() string { return "standing_orders" }

func instrumentToRow(inst *model.Instrument) (*instrumentRow, error) {
	corr, err := json.Marshal(inst.Correlations)
	if err != nil {
		return nil, fmt.Errorf("encode correlations for %s: %w", inst.Ticker, err)
	}
	cons, err := json.Marshal(inst.Constituents)
	if err != nil {
		return nil, fmt.Errorf("encode constituents for %s: %w", inst.Ticker, err)
	}
	return &instrumentRow{
		Ticker:        inst.Ticker,
		BasePrice:     inst.BasePrice,
		Volatility:    inst.Volatility,
		Liquidity:     inst.Liquidity,
		PriceDecimals: inst.PriceDecimals,
		Correlations:  string(corr),
		Composite:     inst.Composite,
		Constituents:  string(cons),
		Price:         inst.Price,
		UpdatedAt:     inst.UpdatedAt,
		Version:       inst.Version,
	}, nil
}

func rowToInstrument(row *instrumentRow) (*model.Instrument, error) {
	inst := &model.Instrument{
		Ticker:        row.Ticker,
		BasePrice:     row.BasePrice,
		Volatility:    row.Volatility,
		Liquidity:     row.Liquidity,
		PriceDecimals: row.PriceDecimals,
		Composite:     row.Composite,
		Price:         row.Price,
		UpdatedAt:     row.UpdatedAt,
		Version:       row.Version,
	}
	if row.Correlations != "" {
		if err := json.Unmarshal([]byte(row.Correlations), &inst.Correlations); err != nil {
			return nil, fmt.Errorf("decode correlations for %s: %w", row.Ticker, err)
		}
	}
	if row.Constituents != "" {
		if err := json.Unmarshal([]byte(row.Constituents), &inst.Constituents); err != nil {
			return nil, fmt.Errorf("decode constituents for %s: %w", row.Ticker, err)
		}
	}
	return inst, nil
}

func accountToRow(acct *model.Account) (*accountRow, error) {
	longs, err := json.Marshal(acct.Longs)
	if err != nil {
		return nil, fmt.Errorf("encode long positions for %s: %w", acct.ID, err)
	}
	shorts, err := json.Marshal(acct.Shorts)
	if err != nil {
		return nil, fmt.Errorf("encode short positions for %s: %w", acct.ID, err)
	}
	return &accountRow{
		ID:             acct.ID,
		Cash:           acct.Cash,
		Longs:          string(longs),
		Shorts:         string(shorts),
		MarginEligible: acct.MarginEligible,
		PeakValue:      acct.PeakValue,
		CreatedAt:      acct.CreatedAt,
		UpdatedAt:      acct.UpdatedAt,
		Version:        acct.Version,
	}, nil
}

// rowToAccount decodes a stored account. Position documents go through the
// normalization in the model package so legacy loosely-typed shapes either
// become well-formed records or are rejected outright.
func rowToAccount(row *accountRow) (*model.Account, error) {
	acct := &model.Account{
		ID:             row.ID,
		Cash:           row.Cash,
		Longs:          make(map[string]*model.LongPosition),
		Shorts:         make(map[string]*model.ShortPosition),
		MarginEligible: row.MarginEligible,
		PeakValue:      row.PeakValue,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
		Version:        row.Version,
	}
	if row.Longs != "" {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal([]byte(row.Longs), &raw); err != nil {
			return nil, fmt.Errorf("account %s long positions: %w", row.ID, model.ErrCorruptState)
		}
		for ticker, doc := range raw {
			pos, err := model.DecodeLongPosition(doc)
			if err != nil {
				return nil, fmt.Errorf("account %s: %w", row.ID, err)
			}
			acct.Longs[ticker] = pos
		}
	}
	if row.Shorts != "" {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal([]byte(row.Shorts), &raw); err != nil {
			return nil, fmt.Errorf("account %s short positions: %w", row.ID, model.ErrCorruptState)
		}
		for ticker, doc := range raw {
			pos, err := model.DecodeShortPosition(doc)
			if err != nil {
				return nil, fmt.Errorf("account %s: %w", row.ID, err)
			}
			acct.Shorts[ticker] = pos
		}
	}
	return acct, nil
}

func orderToRow(order *model.StandingOrder) *orderRow {
	return &orderRow{
		ID:           order.ID,
		AccountID:    order.AccountID,
		Ticker:       order.Ticker,
		Direction:    order.Direction,
		Shares:       order.Shares,
		FilledShares: order.FilledShares,
		LimitPrice:   order.LimitPrice,
		AllowPartial: order.AllowPartial,
		Status:       order.Status,
		CreatedAt:    order.CreatedAt,
		ExpiresAt:    order.ExpiresAt,
		UpdatedAt:    order.UpdatedAt,
		Version:      order.Version,
	}
}

func rowToOrder(row *orderRow) *model.StandingOrder {
	return &model.StandingOrder{
		ID:           row.ID,
		AccountID:    row.AccountID,
		Ticker:       row.Ticker,
		Direction:    row.Direction,
		Shares:       row.Shares,
		FilledShares: row.FilledShares,
		LimitPrice:   row.LimitPrice,
		AllowPartial: row.AllowPartial,
		Status:       row.Status,
		CreatedAt:    row.CreatedAt,
		ExpiresAt:    row.ExpiresAt,
		UpdatedAt:    row.UpdatedAt,
		Version:      row.Version,
	}
}

type gormTx struct {
	db *gorm.DB
}

func (tx *gormTx) Instrument(ticker string) (*model.Instrument, error) {
	var row instrumentRow
	if err := tx.db.Where("ticker = ?", ticker).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("instrument %s: %w", ticker, ErrNotFound)
		}
		return nil, fmt.Errorf("load instrument %s: %w", ticker, err)
	}
	return rowToInstrument(&row)
}

func (tx *gormTx) Instruments() ([]*model.Instrument, error) {
	var rows []instrumentRow
	if err := tx.db.Order("ticker").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	out := make([]*model.Instrument, 0, len(rows))
	for i := range rows {
		inst, err := rowToInstrument(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (tx *gormTx) CreateInstrument(inst *model.Instrument) error {
	row, err := instrumentToRow(inst)
	if err != nil {
		return err
	}
	row.Version = 1
	if err := tx.db.Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("instrument %s: %w", inst.Ticker, ErrExists)
		}
		return fmt.Errorf("create instrument %s: %w", inst.Ticker, err)
	}
	return nil
}

func (tx *gormTx) PutInstrument(inst *model.Instrument) error {
	res := tx.db.Model(&instrumentRow{}).
		Where("ticker = ? AND version = ?", inst.Ticker, inst.Version).
		Updates(map[string]interface{}{
			"price":      inst.Price,
			"updated_at": inst.UpdatedAt,
			"version":    inst.Version + 1,
		})
	if res.Error != nil {
		return fmt.Errorf("update instrument %s: %w", inst.Ticker, res.Error)
	}
	if res.RowsAffected == 0 {
		return tx.missOrConflict(&instrumentRow{}, "ticker = ?", inst.Ticker)
	}
	return nil
}

func (tx *gormTx) AppendPricePoint(ticker string, pt model.PricePoint) error {
	row := &pricePointRow{Ticker: ticker, Timestamp: pt.Timestamp, Price: pt.Price}
	if err := tx.db.Create(row).Error; err != nil {
		return fmt.Errorf("append price point for %s: %w", ticker, err)
	}
	return nil
}

func (tx *gormTx) LastPricePoint(ticker string) (model.PricePoint, bool, error) {
	var row pricePointRow
	err := tx.db.Where("ticker = ?", ticker).Order("timestamp DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.PricePoint{}, false, nil
	}
	if err != nil {
		return model.PricePoint{}, false, fmt.Errorf("last price point for %s: %w", ticker, err)
	}
	return model.PricePoint{Timestamp: row.Timestamp, Price: row.Price}, true, nil
}

func (tx *gormTx) PriceHistory(ticker string, limit int) ([]model.PricePoint, error) {
	q := tx.db.Where("ticker = ?", ticker).Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []pricePointRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("price history for %s: %w", ticker, err)
	}
	out := make([]model.PricePoint, len(rows))
	for i := range rows {
		// reverse back to ascending order
		out[len(rows)-1-i] = model.PricePoint{Timestamp: rows[i].Timestamp, Price: rows[i].Price}
	}
	return out, nil
}

func (tx *gormTx) Account(id uuid.UUID) (*model.Account, error) {
	var row accountRow
	if err := tx.db.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load account %s: %w", id, err)
	}
	return rowToAccount(&row)
}

func (tx *gormTx) Accounts() ([]*model.Account, error) {
	var rows []accountRow
	if err := tx.db.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	out := make([]*model.Account, 0, len(rows))
	for i := range rows {
		acct, err := rowToAccount(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, nil
}

func (tx *gormTx) CreateAccount(acct *model.Account) error {
	row, err := accountToRow(acct)
	if err != nil {
		return err
	}
	row.Version = 1
	if err := tx.db.Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("account %s: %w", acct.ID, ErrExists)
		}
		return fmt.Errorf("create account %s: %w", acct.ID, err)
	}
	return nil
}

func (tx *gormTx) PutAccount(acct *model.Account) error {
	row, err := accountToRow(acct)
	if err != nil {
		return err
	}
	res := tx.db.Model(&accountRow{}).
		Where("id = ? AND version = ?", acct.ID, acct.Version).
		Updates(map[string]interface{}{
			"cash":       row.Cash,
			"longs":      row.Longs,
			"shorts":     row.Shorts,
			"peak_value": row.PeakValue,
			"updated_at": row.UpdatedAt,
			"version":    acct.Version + 1,
		})
	if res.Error != nil {
		return fmt.Errorf("update account %s: %w", acct.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return tx.missOrConflict(&accountRow{}, "id = ?", acct.ID)
	}
	return nil
}

func (tx *gormTx) Order(id uuid.UUID) (*model.StandingOrder, error) {
	var row orderRow
	if err := tx.db.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load order %s: %w", id, err)
	}
	return rowToOrder(&row), nil
}

func (tx *gormTx) CreateOrder(order *model.StandingOrder) error {
	row := orderToRow(order)
	row.Version = 1
	if err := tx.db.Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("order %s: %w", order.ID, ErrExists)
		}
		return fmt.Errorf("create order %s: %w", order.ID, err)
	}
	return nil
}

func (tx *gormTx) PutOrder(order *model.StandingOrder) error {
	res := tx.db.Model(&orderRow{}).
		Where("id = ? AND version = ?", order.ID, order.Version).
		Updates(map[string]interface{}{
			"filled_shares": order.FilledShares,
			"status":        order.Status,
			"updated_at":    order.UpdatedAt,
			"version":       order.Version + 1,
		})
	if res.Error != nil {
		return fmt.Errorf("update order %s: %w", order.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return tx.missOrConflict(&orderRow{}, "id = ?", order.ID)
	}
	return nil
}

func (tx *gormTx) OpenOrdersByTicker(ticker string) ([]*model.StandingOrder, error) {
	return tx.openOrders(tx.db.Where("ticker = ?", ticker))
}

func (tx *gormTx) OpenOrders() ([]*model.StandingOrder, error) {
	return tx.openOrders(tx.db)
}

func (tx *gormTx) openOrders(q *gorm.DB) ([]*model.StandingOrder, error) {
	var rows []orderRow
	err := q.Where("status IN ?", []string{model.OrderStatusPending, model.OrderStatusPartiallyFilled}).
		Order("created_at, id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	out := make([]*model.StandingOrder, len(rows))
	for i := range rows {
		out[i] = rowToOrder(&rows[i])
	}
	return out, nil
}

// missOrConflict distinguishes a version-check failure from a missing row
// after an UPDATE touched nothing.
func (tx *gormTx) missOrConflict(mdl interface{}, cond string, arg interface{}) error {
	var count int64
	if err := tx.db.Model(mdl).Where(cond, arg).Count(&count).Error; err != nil {
		return fmt.Errorf("check record existence: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrConflict
}
