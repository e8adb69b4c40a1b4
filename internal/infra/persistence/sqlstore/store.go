// Package sqlstore implements the lot store over database/sql. The sqlite and
// postgres packages supply the driver and dialect; rows, conditional
// decrements and rule evaluation live here.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"supplycore/pkg/domain"
)

var _ domain.LotStore = (*Store)(nil)

// Dialect captures the SQL differences between supported databases.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2, ...) instead of "?".
	Numbered bool
	Schema   []string
}

// SQLite targets modernc.org/sqlite.
var SQLite = Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS supply_lots (
			lot_id INTEGER PRIMARY KEY,
			product_id INTEGER NOT NULL,
			owner TEXT NOT NULL,
			quantity INTEGER NOT NULL CHECK (quantity > 0),
			quantity_left INTEGER NOT NULL CHECK (quantity_left >= 0 AND quantity_left <= quantity),
			created_at_ns INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS supply_lots_product_created ON supply_lots (product_id, created_at_ns, lot_id)`,
	},
}

// Postgres targets pgx through database/sql.
var Postgres = Dialect{
	Name:     "postgres",
	Numbered: true,
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS supply_lots (
			lot_id BIGINT PRIMARY KEY,
			product_id BIGINT NOT NULL,
			owner TEXT NOT NULL,
			quantity BIGINT NOT NULL CHECK (quantity > 0),
			quantity_left BIGINT NOT NULL CHECK (quantity_left >= 0 AND quantity_left <= quantity),
			created_at_ns BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS supply_lots_product_created ON supply_lots (product_id, created_at_ns, lot_id)`,
	},
}

// Rebind rewrites "?" placeholders for dialects with numbered parameters.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Store persists lots as rows and runs each transaction inside a database transaction.
type Store struct {
	db      *sql.DB
	dialect Dialect
	engine  *domain.RulesEngine
	nowFn   func() time.Time
}

// New applies the dialect schema and returns a store over db.
func New(ctx context.Context, db *sql.DB, dialect Dialect, engine *domain.RulesEngine) (*Store, error) {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	for _, stmt := range dialect.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("apply %s schema: %w", dialect.Name, err)
		}
	}
	return &Store{db: db, dialect: dialect, engine: engine, nowFn: func() time.Time { return time.Now().UTC() }}, nil
}

// DB exposes the underlying handle for integration hooks.
func (s *Store) DB() *sql.DB { return s.db }

// RulesEngine exposes the configured engine so callers can register rules.
func (s *Store) RulesEngine() *domain.RulesEngine { return s.engine }

// SetNowFunc overrides the clock used for lots created without a timestamp.
func (s *Store) SetNowFunc(fn func() time.Time) { s.nowFn = fn }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// RunInTransaction runs fn inside a database transaction. Rules see the
// transaction's own writes; a blocking violation rolls everything back.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.LotTransaction) error) (domain.Result, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Result{}, fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	tx := &transaction{view: view{ctx: ctx, q: sqlTx, dialect: s.dialect}, now: s.nowFn()}
	if err := fn(tx); err != nil {
		return domain.Result{}, err
	}
	var result domain.Result
	if len(tx.changes) > 0 {
		res, err := s.engine.Evaluate(ctx, tx, tx.changes)
		if err != nil {
			return domain.Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return domain.Result{}, fmt.Errorf("commit: %w", err)
	}
	committed = true
	return result, nil
}

// View runs fn against committed rows.
func (s *Store) View(ctx context.Context, fn func(domain.LotView) error) error {
	return fn(view{ctx: ctx, q: s.db, dialect: s.dialect})
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const lotColumns = `lot_id, product_id, owner, quantity, quantity_left, created_at_ns`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLot(row rowScanner) (domain.SupplyLot, error) {
	var (
		id, product, qty, left, created int64
		owner                           string
	)
	if err := row.Scan(&id, &product, &owner, &qty, &left, &created); err != nil {
		return domain.SupplyLot{}, err
	}
	return domain.SupplyLot{
		ID:           domain.LotID(id),
		Product:      domain.ProductID(product),
		Owner:        domain.Address(owner),
		Quantity:     uint64(qty),
		QuantityLeft: uint64(left),
		CreatedAt:    time.Unix(0, created).UTC(),
	}, nil
}

type view struct {
	ctx     context.Context
	q       queryer
	dialect Dialect
}

func (v view) FindLot(id domain.LotID) (domain.SupplyLot, bool, error) {
	row := v.q.QueryRowContext(v.ctx, v.dialect.Rebind(`SELECT `+lotColumns+` FROM supply_lots WHERE lot_id = ?`), int64(id))
	lot, err := scanLot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SupplyLot{}, false, nil
	}
	if err != nil {
		return domain.SupplyLot{}, false, fmt.Errorf("find lot %d: %w", id, err)
	}
	return lot, true, nil
}

func (v view) ListLotsByProduct(product domain.ProductID, owner domain.Address) ([]domain.SupplyLot, error) {
	query := `SELECT ` + lotColumns + ` FROM supply_lots WHERE product_id = ?`
	args := []any{int64(product)}
	if owner != "" {
		query += ` AND owner = ?`
		args = append(args, string(owner))
	}
	query += ` ORDER BY created_at_ns, lot_id`
	return v.query(query, args...)
}

func (v view) ListLots(q domain.LotQuery) (domain.LotPage, error) {
	q = q.Normalize()
	var (
		where []string
		args  []any
	)
	if q.Product != 0 {
		where = append(where, "product_id = ?")
		args = append(args, int64(q.Product))
	}
	if q.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, string(q.Owner))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}
	var total int
	if err := v.q.QueryRowContext(v.ctx, v.dialect.Rebind(`SELECT COUNT(*) FROM supply_lots`+clause), args...).Scan(&total); err != nil {
		return domain.LotPage{}, fmt.Errorf("count lots: %w", err)
	}
	order := " ORDER BY created_at_ns, lot_id"
	if q.Descending {
		order = " ORDER BY created_at_ns DESC, lot_id DESC"
	}
	lots, err := v.query(`SELECT `+lotColumns+` FROM supply_lots`+clause+order+` LIMIT ? OFFSET ?`, append(args, q.Limit, q.Offset())...)
	if err != nil {
		return domain.LotPage{}, err
	}
	return domain.LotPage{Lots: lots, Total: total, Page: q.Page, Limit: q.Limit}, nil
}

func (v view) query(query string, args ...any) ([]domain.SupplyLot, error) {
	rows, err := v.q.QueryContext(v.ctx, v.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("select lots: %w", err)
	}
	defer func() { _ = rows.Close() }()
	lots := []domain.SupplyLot{}
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lots: %w", err)
	}
	return lots, nil
}

type transaction struct {
	view
	changes []domain.Change
	now     time.Time
}

// fitsColumn reports whether a quantity survives the BIGINT columns.
func fitsColumn(v uint64) bool { return v <= math.MaxInt64 }

func (tx *transaction) CreateLot(lot domain.SupplyLot) (domain.SupplyLot, error) {
	if lot.ID == 0 {
		return domain.SupplyLot{}, fmt.Errorf("create lot: id is required")
	}
	if lot.Quantity == 0 || !fitsColumn(lot.Quantity) || !fitsColumn(lot.QuantityLeft) {
		return domain.SupplyLot{}, fmt.Errorf("create lot %d: %w", lot.ID, domain.ErrInvalidQuantity)
	}
	if _, exists, err := tx.FindLot(lot.ID); err != nil {
		return domain.SupplyLot{}, err
	} else if exists {
		return domain.SupplyLot{}, fmt.Errorf("create lot %d: %w", lot.ID, domain.ErrLotExists)
	}
	if lot.CreatedAt.IsZero() {
		lot.CreatedAt = tx.now
	}
	lot.CreatedAt = lot.CreatedAt.UTC()
	lot.Owner = domain.NormalizeAddress(string(lot.Owner))
	_, err := tx.q.ExecContext(tx.ctx, tx.dialect.Rebind(`INSERT INTO supply_lots (`+lotColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
		int64(lot.ID), int64(lot.Product), string(lot.Owner), int64(lot.Quantity), int64(lot.QuantityLeft), lot.CreatedAt.UnixNano())
	if err != nil {
		return domain.SupplyLot{}, fmt.Errorf("insert lot %d: %w", lot.ID, err)
	}
	tx.changes = append(tx.changes, domain.Change{Entity: domain.EntityLot, Action: domain.ActionCreate, After: lot})
	return lot, nil
}

// DecrementLot issues a single conditional UPDATE so concurrent writers from
// other processes cannot drive quantity_left below zero.
func (tx *transaction) DecrementLot(id domain.LotID, delta uint64) (domain.SupplyLot, error) {
	if delta == 0 || !fitsColumn(delta) {
		return domain.SupplyLot{}, fmt.Errorf("decrement lot %d: %w", id, domain.ErrInvalidQuantity)
	}
	row := tx.q.QueryRowContext(tx.ctx, tx.dialect.Rebind(`UPDATE supply_lots SET quantity_left = quantity_left - ?
		WHERE lot_id = ? AND quantity_left >= ? RETURNING `+lotColumns), int64(delta), int64(id), int64(delta))
	updated, err := scanLot(row)
	if errors.Is(err, sql.ErrNoRows) {
		current, ok, findErr := tx.FindLot(id)
		if findErr != nil {
			return domain.SupplyLot{}, findErr
		}
		if !ok {
			return domain.SupplyLot{}, domain.NewNotFound(domain.EntityLot, id)
		}
		return domain.SupplyLot{}, fmt.Errorf("lot %d holds %d, need %d: %w", id, current.QuantityLeft, delta, domain.ErrLotContention)
	}
	if err != nil {
		return domain.SupplyLot{}, fmt.Errorf("decrement lot %d: %w", id, err)
	}
	before := updated
	before.QuantityLeft += delta
	tx.changes = append(tx.changes, domain.Change{Entity: domain.EntityLot, Action: domain.ActionUpdate, Before: before, After: updated})
	return updated, nil
}

func (tx *transaction) RestoreLot(id domain.LotID, delta uint64) (domain.SupplyLot, error) {
	if delta == 0 || !fitsColumn(delta) {
		return domain.SupplyLot{}, fmt.Errorf("restore lot %d: %w", id, domain.ErrInvalidQuantity)
	}
	row := tx.q.QueryRowContext(tx.ctx, tx.dialect.Rebind(`UPDATE supply_lots SET quantity_left = quantity_left + ?
		WHERE lot_id = ? AND quantity_left + ? <= quantity RETURNING `+lotColumns), int64(delta), int64(id), int64(delta))
	updated, err := scanLot(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, ok, findErr := tx.FindLot(id); findErr != nil {
			return domain.SupplyLot{}, findErr
		} else if !ok {
			return domain.SupplyLot{}, domain.NewNotFound(domain.EntityLot, id)
		}
		return domain.SupplyLot{}, fmt.Errorf("restore %d onto lot %d: %w", delta, id, domain.ErrInvalidQuantity)
	}
	if err != nil {
		return domain.SupplyLot{}, fmt.Errorf("restore lot %d: %w", id, err)
	}
	before := updated
	before.QuantityLeft -= delta
	tx.changes = append(tx.changes, domain.Change{Entity: domain.EntityLot, Action: domain.ActionRestore, Before: before, After: updated})
	return updated, nil
}
