package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"lanzo/backend/internal/domain"
	"lanzo/backend/internal/store"
	"lanzo/backend/internal/xid"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates any missing tables. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

const productColumns = `id, name, track_stock, stock, cost_cents, price_cents, batch_enabled,
	selection_strategy, wholesale_tiers, recipe, active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var (
		p       domain.Product
		tiers   []byte
		recipe  []byte
		enabled bool
		strat   string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.TrackStock, &p.Stock, &p.CostCents, &p.PriceCents, &enabled,
		&strat, &tiers, &recipe, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Product{}, err
	}
	p.BatchManagement = domain.BatchManagement{Enabled: enabled, SelectionStrategy: strat}
	if err := unmarshalJSON(tiers, &p.WholesaleTiers); err != nil {
		return domain.Product{}, fmt.Errorf("product %s tiers: %w", p.ID, err)
	}
	if err := unmarshalJSON(recipe, &p.Recipe); err != nil {
		return domain.Product{}, fmt.Errorf("product %s recipe: %w", p.ID, err)
	}
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products := make([]domain.Product, 0, 128)
	err := s.ScanProducts(ctx, func(p domain.Product) error {
		products = append(products, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) ScanProducts(ctx context.Context, fn func(domain.Product) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY name, id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || product.PriceCents < 0 || product.CostCents < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	tiers, recipe, err := productJSON(product)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, product.ID, product.Name, product.TrackStock, product.Stock, product.CostCents, product.PriceCents,
		product.BatchManagement.Enabled, product.Strategy(), tiers, recipe, product.Active,
		product.CreatedAt, product.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, store.ErrInvalidTransaction
	}
	if err != nil {
		return nil, err
	}
	product.BatchManagement.SelectionStrategy = product.Strategy()
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || strings.TrimSpace(product.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}
	tiers, recipe, err := productJSON(product)
	if err != nil {
		return nil, err
	}

	updated, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, track_stock = $3, stock = $4, cost_cents = $5, price_cents = $6,
			batch_enabled = $7, selection_strategy = $8, wholesale_tiers = $9, recipe = $10,
			active = $11, updated_at = $12
		WHERE id = $1
		RETURNING `+productColumns,
		product.ID, product.Name, product.TrackStock, product.Stock, product.CostCents, product.PriceCents,
		product.BatchManagement.Enabled, product.Strategy(), tiers, recipe, product.Active, time.Now().UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

const batchColumns = `id, product_id, sku, stock, cost_cents, price_cents, created_at, expiry_date, attributes, is_active`

func scanBatch(row rowScanner) (domain.Batch, error) {
	var (
		b      domain.Batch
		expiry sql.NullTime
		attrs  []byte
	)
	if err := row.Scan(&b.ID, &b.ProductID, &b.SKU, &b.Stock, &b.CostCents, &b.PriceCents,
		&b.CreatedAt, &expiry, &attrs, &b.IsActive); err != nil {
		return domain.Batch{}, err
	}
	if expiry.Valid {
		at := expiry.Time
		b.ExpiryDate = &at
	}
	if err := unmarshalJSON(attrs, &b.Attributes); err != nil {
		return domain.Batch{}, fmt.Errorf("batch %s attributes: %w", b.ID, err)
	}
	if len(b.Attributes) == 0 {
		b.Attributes = nil
	}
	return b, nil
}

func (s *Store) CreateBatch(ctx context.Context, batch domain.Batch) (*domain.Batch, error) {
	if batch.ProductID == "" || batch.Stock.IsNegative() || batch.CostCents < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if batch.ID == "" {
		batch.ID = xid.New("batch")
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	attrs, err := marshalJSON(batch.Attributes, "{}")
	if err != nil {
		return nil, err
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, batch.ProductID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO batches (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, batch.ID, batch.ProductID, batch.SKU, batch.Stock, batch.CostCents, batch.PriceCents,
		batch.CreatedAt, nullTime(batch.ExpiryDate), attrs, batch.IsActive)
	if isUniqueViolation(err) {
		return nil, store.ErrInvalidTransaction
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) UpdateBatch(ctx context.Context, batch domain.Batch) (*domain.Batch, error) {
	updated, err := updateBatch(ctx, s.db, batch)
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func updateBatch(ctx context.Context, q queryRower, batch domain.Batch) (domain.Batch, error) {
	attrs, err := marshalJSON(batch.Attributes, "{}")
	if err != nil {
		return domain.Batch{}, err
	}
	updated, err := scanBatch(q.QueryRowContext(ctx, `
		UPDATE batches
		SET sku = $2, stock = $3, cost_cents = $4, price_cents = $5, expiry_date = $6,
			attributes = $7, is_active = $8
		WHERE id = $1
		RETURNING `+batchColumns,
		batch.ID, batch.SKU, batch.Stock, batch.CostCents, batch.PriceCents,
		nullTime(batch.ExpiryDate), attrs, batch.IsActive))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Batch{}, store.ErrNotFound
	}
	return updated, err
}

// PutBatches writes a consumption plan's lot updates together. A missing lot
// aborts the whole set.
func (s *Store) PutBatches(ctx context.Context, batches []domain.Batch) error {
	for _, b := range batches {
		if b.ID == "" || b.ProductID == "" {
			return store.ErrInvalidTransaction
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, b := range batches {
		if _, err := updateBatch(ctx, tx, b); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListBatchesByProduct(ctx context.Context, productID string) ([]domain.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM batches
		WHERE product_id = $1
		ORDER BY created_at, id
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Batch, 0, 8)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ScanBatches(ctx context.Context, fn func(domain.Batch) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+batchColumns+` FROM batches ORDER BY created_at, id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return rows.Err()
}

const saleColumns = `ts, items, total_cents, fulfillment_status`

func scanSale(row rowScanner) (domain.Sale, error) {
	var (
		sale  domain.Sale
		items []byte
	)
	if err := row.Scan(&sale.Timestamp, &items, &sale.TotalCents, &sale.FulfillmentStatus); err != nil {
		return domain.Sale{}, err
	}
	if err := unmarshalJSON(items, &sale.Items); err != nil {
		return domain.Sale{}, fmt.Errorf("sale %s items: %w", sale.Timestamp.Format(time.RFC3339Nano), err)
	}
	return sale, nil
}

// Sales are keyed by their nanosecond timestamp; ts keeps a queryable copy
// at the column's microsecond precision.
func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.Timestamp.IsZero() || len(sale.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if sale.FulfillmentStatus == "" {
		sale.FulfillmentStatus = domain.SaleStatusCompleted
	}
	items, err := marshalJSON(sale.Items, "[]")
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sales (ts_nanos, `+saleColumns+`)
		VALUES ($1, $2, $3, $4, $5)
	`, sale.Timestamp.UnixNano(), sale.Timestamp, items, sale.TotalCents, sale.FulfillmentStatus)
	if isUniqueViolation(err) {
		return nil, store.ErrInvalidTransaction
	}
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) GetSale(ctx context.Context, timestamp time.Time) (*domain.Sale, error) {
	var nanos int64
	row := s.db.QueryRowContext(ctx, `SELECT ts_nanos, `+saleColumns+` FROM sales WHERE ts_nanos = $1`, timestamp.UnixNano())
	sale, err := scanSale(nanosScanner{row: row, nanos: &nanos})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sale.Timestamp = time.Unix(0, nanos).UTC()
	return &sale, nil
}

func (s *Store) UpdateSaleStatus(ctx context.Context, timestamp time.Time, status string) (*domain.Sale, error) {
	var nanos int64
	row := s.db.QueryRowContext(ctx, `
		UPDATE sales SET fulfillment_status = $2
		WHERE ts_nanos = $1
		RETURNING ts_nanos, `+saleColumns,
		timestamp.UnixNano(), status)
	sale, err := scanSale(nanosScanner{row: row, nanos: &nanos})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sale.Timestamp = time.Unix(0, nanos).UTC()
	return &sale, nil
}

func (s *Store) CountSales(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sales`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) ScanSales(ctx context.Context, fn func(domain.Sale) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT ts_nanos, `+saleColumns+` FROM sales ORDER BY ts_nanos`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var nanos int64
		sale, err := scanSale(nanosScanner{row: rows, nanos: &nanos})
		if err != nil {
			return err
		}
		sale.Timestamp = time.Unix(0, nanos).UTC()
		if err := fn(sale); err != nil {
			return err
		}
	}
	return rows.Err()
}

// nanosScanner peels the leading ts_nanos column off a sale row.
type nanosScanner struct {
	row   rowScanner
	nanos *int64
}

func (n nanosScanner) Scan(dest ...any) error {
	return n.row.Scan(append([]any{n.nanos}, dest...)...)
}

func (s *Store) ListDailyStats(ctx context.Context) ([]domain.DailyStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, revenue_cents, profit_cents, orders, items_sold
		FROM daily_stats
		ORDER BY date
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make([]domain.DailyStat, 0, 64)
	for rows.Next() {
		var stat domain.DailyStat
		if err := rows.Scan(&stat.Date, &stat.RevenueCents, &stat.ProfitCents, &stat.Orders, &stat.ItemsSold); err != nil {
			return nil, err
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Store) GetDailyStat(ctx context.Context, date string) (*domain.DailyStat, error) {
	var stat domain.DailyStat
	err := s.db.QueryRowContext(ctx, `
		SELECT date, revenue_cents, profit_cents, orders, items_sold
		FROM daily_stats
		WHERE date = $1
	`, date).Scan(&stat.Date, &stat.RevenueCents, &stat.ProfitCents, &stat.Orders, &stat.ItemsSold)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &stat, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putDailyStat(ctx context.Context, e execer, stat domain.DailyStat) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO daily_stats (date, revenue_cents, profit_cents, orders, items_sold)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (date)
		DO UPDATE SET revenue_cents = EXCLUDED.revenue_cents,
			profit_cents = EXCLUDED.profit_cents,
			orders = EXCLUDED.orders,
			items_sold = EXCLUDED.items_sold
	`, stat.Date, stat.RevenueCents, stat.ProfitCents, stat.Orders, stat.ItemsSold)
	return err
}

func (s *Store) PutDailyStat(ctx context.Context, stat domain.DailyStat) error {
	if stat.Date == "" {
		return store.ErrInvalidTransaction
	}
	return putDailyStat(ctx, s.db, stat)
}

func (s *Store) ReplaceDailyStats(ctx context.Context, stats []domain.DailyStat) error {
	for _, stat := range stats {
		if stat.Date == "" {
			return store.ErrInvalidTransaction
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_stats`); err != nil {
		return err
	}
	for _, stat := range stats {
		if err := putDailyStat(ctx, tx, stat); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetInventorySummary(ctx context.Context) (*domain.InventorySummary, error) {
	var summary domain.InventorySummary
	err := s.db.QueryRowContext(ctx, `
		SELECT value_cents, updated_at FROM inventory_summary WHERE id = 1
	`).Scan(&summary.ValueCents, &summary.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

func (s *Store) PutInventorySummary(ctx context.Context, summary domain.InventorySummary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_summary (id, value_cents, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id)
		DO UPDATE SET value_cents = EXCLUDED.value_cents, updated_at = EXCLUDED.updated_at
	`, max(summary.ValueCents, 0), summary.UpdatedAt)
	return err
}

// AdjustInventorySummary applies delta in a single statement so concurrent
// writers never lose an update.
func (s *Store) AdjustInventorySummary(ctx context.Context, delta int64, at time.Time) (*domain.InventorySummary, error) {
	var summary domain.InventorySummary
	err := s.db.QueryRowContext(ctx, `
		UPDATE inventory_summary
		SET value_cents = GREATEST(value_cents + $1, 0), updated_at = $2
		WHERE id = 1
		RETURNING value_cents, updated_at
	`, delta, at).Scan(&summary.ValueCents, &summary.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

func (s *Store) CreateWasteRecord(ctx context.Context, record domain.WasteRecord) (*domain.WasteRecord, error) {
	if record.ProductID == "" || !record.Quantity.IsPositive() {
		return nil, store.ErrInvalidTransaction
	}
	if record.ID == "" {
		record.ID = xid.New("waste")
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO waste_log (id, product_id, quantity, unit, cost_at_time_cents, loss_amount_cents, reason, notes, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, record.ID, record.ProductID, record.Quantity, record.Unit, record.CostAtTimeCents,
		record.LossAmountCents, record.Reason, record.Notes, record.Timestamp)
	if isUniqueViolation(err) {
		return nil, store.ErrInvalidTransaction
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Store) ListWasteRecords(ctx context.Context, from time.Time, to time.Time) ([]domain.WasteRecord, error) {
	var (
		clauses []string
		args    []any
	)
	if !from.IsZero() {
		args = append(args, from)
		clauses = append(clauses, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if !to.IsZero() {
		args = append(args, to)
		clauses = append(clauses, fmt.Sprintf("ts < $%d", len(args)))
	}
	query := `SELECT id, product_id, quantity, unit, cost_at_time_cents, loss_amount_cents, reason, notes, ts FROM waste_log`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY ts DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.WasteRecord, 0, 32)
	for rows.Next() {
		var rec domain.WasteRecord
		if err := rows.Scan(&rec.ID, &rec.ProductID, &rec.Quantity, &rec.Unit, &rec.CostAtTimeCents,
			&rec.LossAmountCents, &rec.Reason, &rec.Notes, &rec.Timestamp); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func productJSON(p domain.Product) (string, string, error) {
	tiers, err := marshalJSON(p.WholesaleTiers, "[]")
	if err != nil {
		return "", "", err
	}
	recipe, err := marshalJSON(p.Recipe, "[]")
	if err != nil {
		return "", "", err
	}
	return tiers, recipe, nil
}

// marshalJSON encodes v, storing empty instead of a JSON null.
func marshalJSON(v any, empty string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(raw) == "null" {
		return empty, nil
	}
	return string(raw), nil
}

func unmarshalJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value.UTC(), Valid: true}
}
