package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	sqlite3 "github.com/mattn/go-sqlite3"

	"resumekit.app/unlock/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteStorage is the durable backend. Every mutation that must be atomic
// per record is a single conditional statement, so concurrent webhook
// retries and download requests cannot both win.
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

func NewSQLiteStorage(ctx context.Context, path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	storage := &SQLiteStorage{
		db:   db,
		path: path,
	}

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return storage, nil
}

// Migrate applies the embedded schema migrations to db.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `INSERT INTO orders (transaction_id, session_id, template_id, gateway, gateway_order_id,
		amount_minor, currency, status, failure_reason, customer_name, customer_email, customer_phone,
		verification_attempts, source_ip, created_at, verified_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		order.TransactionID,
		order.SessionID,
		order.TemplateID,
		order.Gateway,
		order.GatewayOrderID,
		order.AmountMinor,
		order.Currency,
		string(order.Status),
		order.FailureReason,
		order.CustomerName,
		order.CustomerEmail,
		order.CustomerPhone,
		order.VerificationAttempts,
		order.SourceIP,
		toNanos(order.CreatedAt),
		nullableNanos(order.VerifiedAt),
		toNanos(order.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return models.ErrDuplicateOrder
	}
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

const orderColumns = `transaction_id, session_id, template_id, gateway, gateway_order_id, amount_minor,
	currency, status, failure_reason, customer_name, customer_email, customer_phone,
	verification_attempts, source_ip, created_at, verified_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (*models.Order, error) {
	var (
		order      models.Order
		status     string
		createdAt  int64
		verifiedAt sql.NullInt64
		updatedAt  int64
	)
	err := row.Scan(
		&order.TransactionID,
		&order.SessionID,
		&order.TemplateID,
		&order.Gateway,
		&order.GatewayOrderID,
		&order.AmountMinor,
		&order.Currency,
		&status,
		&order.FailureReason,
		&order.CustomerName,
		&order.CustomerEmail,
		&order.CustomerPhone,
		&order.VerificationAttempts,
		&order.SourceIP,
		&createdAt,
		&verifiedAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	order.Status = models.OrderStatus(status)
	order.CreatedAt = fromNanos(createdAt)
	order.VerifiedAt = fromNullableNanos(verifiedAt)
	order.UpdatedAt = fromNanos(updatedAt)
	return &order, nil
}

func (s *SQLiteStorage) GetOrder(ctx context.Context, txnID string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE transaction_id = ?`

	order, err := scanOrder(s.db.QueryRowContext(ctx, query, txnID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return order, nil
}

func (s *SQLiteStorage) TransitionOrder(ctx context.Context, txnID string, from, to models.OrderStatus, reason string, at time.Time) (bool, error) {
	var verifiedAt any
	if to == models.OrderVerified {
		verifiedAt = toNanos(at)
	}

	query := `UPDATE orders SET
		status = ?,
		failure_reason = CASE WHEN ? = '' THEN failure_reason ELSE ? END,
		verified_at = COALESCE(?, verified_at),
		updated_at = ?
		WHERE transaction_id = ? AND status = ?`

	result, err := s.db.ExecContext(ctx, query,
		string(to), reason, reason, verifiedAt, toNanos(at), txnID, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update order status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows == 1, nil
}

func (s *SQLiteStorage) SetGatewayOrderID(ctx context.Context, txnID, gatewayOrderID string, at time.Time) error {
	query := `UPDATE orders SET gateway_order_id = ?, updated_at = ?
		WHERE transaction_id = ? AND status = 'PENDING'`

	result, err := s.db.ExecContext(ctx, query, gatewayOrderID, toNanos(at), txnID)
	if err != nil {
		return fmt.Errorf("failed to set gateway order id: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return models.ErrOrderNotFound
	}
	return nil
}

func (s *SQLiteStorage) IncrementOrderAttempts(ctx context.Context, txnID string, maxAttempts int, at time.Time) (*models.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `UPDATE orders SET
		verification_attempts = verification_attempts + 1,
		status = CASE WHEN status = 'PENDING' AND verification_attempts + 1 >= ? THEN 'BLOCKED' ELSE status END,
		failure_reason = CASE WHEN status = 'PENDING' AND verification_attempts + 1 >= ?
			THEN 'too many verification attempts' ELSE failure_reason END,
		updated_at = ?
		WHERE transaction_id = ?`,
		maxAttempts, maxAttempts, toNanos(at), txnID)
	if err != nil {
		return nil, fmt.Errorf("failed to increment attempts: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, nil
	}

	order, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE transaction_id = ?`, txnID))
	if err != nil {
		return nil, fmt.Errorf("failed to reload order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("error committing transaction: %w", err)
	}
	return order, nil
}

func (s *SQLiteStorage) DeleteExpiredOrders(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM orders WHERE status = 'PENDING' AND created_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired orders: %w", err)
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

const entitlementColumns = `id, owner_id, template_id, order_id, granted_at, expires_at,
	downloads_used, max_downloads, is_active`

func scanEntitlement(row interface{ Scan(...any) error }) (*models.Entitlement, error) {
	var (
		ent       models.Entitlement
		grantedAt int64
		expiresAt sql.NullInt64
	)
	err := row.Scan(
		&ent.ID,
		&ent.OwnerID,
		&ent.TemplateID,
		&ent.OrderID,
		&grantedAt,
		&expiresAt,
		&ent.DownloadsUsed,
		&ent.MaxDownloads,
		&ent.IsActive,
	)
	if err != nil {
		return nil, err
	}
	ent.GrantedAt = fromNanos(grantedAt)
	ent.ExpiresAt = fromNullableNanos(expiresAt)
	return &ent, nil
}

func (s *SQLiteStorage) CreateEntitlement(ctx context.Context, ent *models.Entitlement) (*models.Entitlement, bool, error) {
	query := `INSERT INTO entitlements (id, owner_id, template_id, order_id, granted_at, expires_at,
		downloads_used, max_downloads, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO NOTHING`

	result, err := s.db.ExecContext(ctx, query,
		ent.ID,
		ent.OwnerID,
		ent.TemplateID,
		ent.OrderID,
		toNanos(ent.GrantedAt),
		nullableNanos(ent.ExpiresAt),
		ent.DownloadsUsed,
		ent.MaxDownloads,
		ent.IsActive,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to save entitlement: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	stored, err := s.GetEntitlementByOrder(ctx, ent.OrderID)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, fmt.Errorf("entitlement for order %s missing after insert", ent.OrderID)
	}
	return stored, rows == 1, nil
}

func (s *SQLiteStorage) GetEntitlement(ctx context.Context, id string) (*models.Entitlement, error) {
	ent, err := scanEntitlement(s.db.QueryRowContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entitlement: %w", err)
	}
	return ent, nil
}

func (s *SQLiteStorage) GetEntitlementByOrder(ctx context.Context, orderID string) (*models.Entitlement, error) {
	ent, err := scanEntitlement(s.db.QueryRowContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE order_id = ?`, orderID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entitlement: %w", err)
	}
	return ent, nil
}

func (s *SQLiteStorage) FindEntitlements(ctx context.Context, ownerID, templateID string) ([]*models.Entitlement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements
		WHERE owner_id = ? AND template_id = ? ORDER BY granted_at DESC`, ownerID, templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entitlements: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("Failed to close rows: %v", err)
		}
	}()

	var entitlements []*models.Entitlement
	for rows.Next() {
		ent, err := scanEntitlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entitlement: %w", err)
		}
		entitlements = append(entitlements, ent)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entitlements: %w", err)
	}
	return entitlements, nil
}

func (s *SQLiteStorage) ConsumeDownload(ctx context.Context, id string) (*models.Entitlement, bool, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE entitlements SET
		downloads_used = downloads_used + 1,
		is_active = CASE WHEN downloads_used + 1 >= max_downloads THEN 0 ELSE is_active END
		WHERE id = ? AND is_active = 1 AND downloads_used < max_downloads`, id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to consume download: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	ent, err := s.GetEntitlement(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return ent, rows == 1, nil
}

func (s *SQLiteStorage) DeactivateEntitlement(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE entitlements SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate entitlement: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return models.ErrEntitlementNotFound
	}
	return nil
}

func (s *SQLiteStorage) SaveToken(ctx context.Context, token *models.DownloadToken) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO download_tokens
		(token_hash, owner_id, template_id, entitlement_id, issued_at, expires_at, use_count, used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		token.TokenHash,
		token.OwnerID,
		token.TemplateID,
		token.EntitlementID,
		toNanos(token.IssuedAt),
		toNanos(token.ExpiresAt),
		token.UseCount,
		nullableNanos(token.UsedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save download token: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetToken(ctx context.Context, tokenHash string) (*models.DownloadToken, error) {
	var (
		token     models.DownloadToken
		issuedAt  int64
		expiresAt int64
		usedAt    sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT token_hash, owner_id, template_id, entitlement_id,
		issued_at, expires_at, use_count, used_at FROM download_tokens WHERE token_hash = ?`, tokenHash).Scan(
		&token.TokenHash,
		&token.OwnerID,
		&token.TemplateID,
		&token.EntitlementID,
		&issuedAt,
		&expiresAt,
		&token.UseCount,
		&usedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load download token: %w", err)
	}
	token.IssuedAt = fromNanos(issuedAt)
	token.ExpiresAt = fromNanos(expiresAt)
	token.UsedAt = fromNullableNanos(usedAt)
	return &token, nil
}

func (s *SQLiteStorage) MarkTokenUsed(ctx context.Context, tokenHash string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE download_tokens SET use_count = use_count + 1, used_at = ?
		WHERE token_hash = ? AND use_count = 0`, toNanos(at), tokenHash)
	if err != nil {
		return false, fmt.Errorf("failed to mark token used: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows == 1, nil
}

func (s *SQLiteStorage) DeleteExpiredTokens(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM download_tokens WHERE expires_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

func (s *SQLiteStorage) RecordPaymentEvent(ctx context.Context, event *models.PaymentEvent) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO payment_events
		(id, transaction_id, gateway, gateway_payment_id, outcome, reason, payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.TransactionID,
		event.Gateway,
		event.GatewayPaymentID,
		event.Outcome,
		event.Reason,
		event.Payload,
		toNanos(event.ReceivedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record payment event: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ListPaymentEvents(ctx context.Context, txnID string) ([]*models.PaymentEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, transaction_id, gateway, gateway_payment_id, outcome,
		reason, payload, received_at FROM payment_events WHERE transaction_id = ? ORDER BY received_at`, txnID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment events: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("Failed to close rows: %v", err)
		}
	}()

	var events []*models.PaymentEvent
	for rows.Next() {
		var (
			event      models.PaymentEvent
			receivedAt int64
		)
		if err := rows.Scan(&event.ID, &event.TransactionID, &event.Gateway, &event.GatewayPaymentID,
			&event.Outcome, &event.Reason, &event.Payload, &receivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment event: %w", err)
		}
		event.ReceivedAt = fromNanos(receivedAt)
		events = append(events, &event)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payment events: %w", err)
	}
	return events, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

func fromNullableNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
