package queue

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"supply-orders/internal/models"
	"supply-orders/internal/util"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound indicates no pending order has the given local id.
var ErrNotFound = errors.New("pending order not found")

// Queue is the durable client-side store of orders awaiting submission. It
// survives process restarts and is shared by every process that opens the
// same file.
type Queue struct {
	db     *sqlx.DB
	now    func() time.Time
	logger *zap.Logger
}

type pendingRow struct {
	LocalID             int64          `db:"local_id"`
	RestaurantID        string         `db:"restaurant_id"`
	Items               string         `db:"items"`
	TotalAmount         string         `db:"total_amount"`
	Status              string         `db:"status"`
	DeliveryAddress     string         `db:"delivery_address"`
	DeliveryTime        string         `db:"delivery_time"`
	SpecialInstructions string         `db:"special_instructions"`
	IdempotencyKey      string         `db:"idempotency_key"`
	CreatedAt           string         `db:"created_at"`
	Attempts            int            `db:"attempts"`
	LastError           string         `db:"last_error"`
	LastAttemptAt       sql.NullString `db:"last_attempt_at"`
}

func dsn(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
}

// Open opens or creates the queue file at path and brings its schema up to date.
func Open(path string) (*Queue, error) {
	if err := migrateUp(path); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open pending queue: %w", err)
	}
	// a single connection serializes writers inside this process; other
	// processes wait on the file lock
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping pending queue: %w", err)
	}

	q := &Queue{db: db, now: time.Now, logger: util.Named("queue")}
	q.refreshDepth(context.Background())
	return q, nil
}

func migrateUp(path string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("init migration source: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Close closes the queue file
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue stores p with status pending_sync and returns its local id. The
// idempotency key and total are filled in when absent.
func (q *Queue) Enqueue(ctx context.Context, p *models.PendingOrder) (int64, error) {
	if len(p.Items) == 0 {
		return 0, models.NewValidationError("pending order has no items")
	}
	if p.IdempotencyKey == "" {
		p.IdempotencyKey = uuid.NewString()
	}
	if p.TotalAmount.IsZero() {
		p.TotalAmount = models.TotalOf(p.Items)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = q.now().UTC()
	}
	p.Status = models.PendingStatusSync
	p.Attempts = 0
	p.LastError = ""
	p.LastAttemptAt = nil

	items, err := json.Marshal(p.Items)
	if err != nil {
		return 0, fmt.Errorf("failed to encode items: %w", err)
	}

	query := `
		INSERT INTO pending_orders (restaurant_id, items, total_amount, status, delivery_address,
			delivery_time, special_instructions, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := q.db.ExecContext(ctx, query,
		p.RestaurantID,
		string(items),
		p.TotalAmount.String(),
		string(p.Status),
		p.DeliveryAddress,
		formatTime(p.DeliveryTime),
		p.SpecialInstructions,
		p.IdempotencyKey,
		formatTime(p.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue order: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read local id: %w", err)
	}
	p.LocalID = id

	q.logger.Info("Order queued",
		zap.Int64("local_id", id),
		zap.String("idempotency_key", p.IdempotencyKey),
		zap.String("total", p.TotalAmount.StringFixed(2)))
	q.refreshDepth(ctx)
	return id, nil
}

// ListPending returns every queued order, oldest first.
func (q *Queue) ListPending(ctx context.Context) ([]*models.PendingOrder, error) {
	var rows []pendingRow
	if err := q.db.SelectContext(ctx, &rows, `SELECT * FROM pending_orders ORDER BY local_id`); err != nil {
		return nil, fmt.Errorf("failed to list pending orders: %w", err)
	}

	orders := make([]*models.PendingOrder, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		orders = append(orders, p)
	}
	return orders, nil
}

// Get returns one queued order.
func (q *Queue) Get(ctx context.Context, localID int64) (*models.PendingOrder, error) {
	var row pendingRow
	err := q.db.GetContext(ctx, &row, `SELECT * FROM pending_orders WHERE local_id = ?`, localID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending order: %w", err)
	}
	return row.toModel()
}

// Count returns the number of queued orders.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	if err := q.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM pending_orders`); err != nil {
		return 0, fmt.Errorf("failed to count pending orders: %w", err)
	}
	return n, nil
}

// Remove deletes an order after the backend confirmed it.
func (q *Queue) Remove(ctx context.Context, localID int64) error {
	if err := q.delete(ctx, localID); err != nil {
		return err
	}
	q.logger.Info("Pending order removed", zap.Int64("local_id", localID))
	return nil
}

// Discard deletes an order on explicit operator request. The order is never
// submitted.
func (q *Queue) Discard(ctx context.Context, localID int64) error {
	if err := q.delete(ctx, localID); err != nil {
		return err
	}
	q.logger.Warn("Pending order discarded", zap.Int64("local_id", localID))
	return nil
}

func (q *Queue) delete(ctx context.Context, localID int64) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM pending_orders WHERE local_id = ?`, localID)
	if err != nil {
		return fmt.Errorf("failed to delete pending order: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}
	q.refreshDepth(ctx)
	return nil
}

// RecordFailure notes a failed submission attempt and returns the attempt count.
func (q *Queue) RecordFailure(ctx context.Context, localID int64, cause error) (int, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var attempts int
	query := `
		UPDATE pending_orders
		SET attempts = attempts + 1, last_error = ?, last_attempt_at = ?
		WHERE local_id = ?
		RETURNING attempts`

	err := q.db.GetContext(ctx, &attempts, query, msg, formatTime(q.now()), localID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record attempt: %w", err)
	}
	return attempts, nil
}

// MarkForReconciliation takes an order out of automatic sync until an
// operator retries or discards it.
func (q *Queue) MarkForReconciliation(ctx context.Context, localID int64, reason string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE pending_orders SET status = ?, last_error = ? WHERE local_id = ?`,
		string(models.PendingStatusNeedsReconciliation), reason, localID)
	if err != nil {
		return fmt.Errorf("failed to flag pending order: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}
	q.logger.Warn("Pending order needs reconciliation",
		zap.Int64("local_id", localID),
		zap.String("reason", reason))
	return nil
}

// ResetAttempts returns a flagged order to automatic sync.
func (q *Queue) ResetAttempts(ctx context.Context, localID int64) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE pending_orders SET status = ?, attempts = 0, last_error = '' WHERE local_id = ?`,
		string(models.PendingStatusSync), localID)
	if err != nil {
		return fmt.Errorf("failed to reset pending order: %w", err)
	}
	return expectOneRow(res)
}

func (q *Queue) refreshDepth(ctx context.Context) {
	n, err := q.Count(ctx)
	if err != nil {
		q.logger.Debug("Failed to refresh queue depth", zap.Error(err))
		return
	}
	util.PendingQueueDepth.Set(float64(n))
}

func (r *pendingRow) toModel() (*models.PendingOrder, error) {
	p := &models.PendingOrder{
		LocalID:             r.LocalID,
		RestaurantID:        r.RestaurantID,
		Status:              models.PendingStatus(r.Status),
		DeliveryAddress:     r.DeliveryAddress,
		SpecialInstructions: r.SpecialInstructions,
		IdempotencyKey:      r.IdempotencyKey,
		Attempts:            r.Attempts,
		LastError:           r.LastError,
	}

	var err error
	if err = json.Unmarshal([]byte(r.Items), &p.Items); err != nil {
		return nil, fmt.Errorf("pending order %d: bad items: %w", r.LocalID, err)
	}
	if p.TotalAmount, err = decimal.NewFromString(r.TotalAmount); err != nil {
		return nil, fmt.Errorf("pending order %d: bad total: %w", r.LocalID, err)
	}
	if p.DeliveryTime, err = parseTime(r.DeliveryTime); err != nil {
		return nil, fmt.Errorf("pending order %d: bad delivery time: %w", r.LocalID, err)
	}
	if p.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, fmt.Errorf("pending order %d: bad created_at: %w", r.LocalID, err)
	}
	if r.LastAttemptAt.Valid {
		at, err := parseTime(r.LastAttemptAt.String)
		if err != nil {
			return nil, fmt.Errorf("pending order %d: bad last_attempt_at: %w", r.LocalID, err)
		}
		p.LastAttemptAt = &at
	}
	return p, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
