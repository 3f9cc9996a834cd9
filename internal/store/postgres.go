package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// PostgresStore provides receipt, line item and claim persistence.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InsertReceipt(ctx context.Context, r Receipt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO receipts (id, user_id, team_id, merchant, date, total, tax, currency,
			payment_method, category, status, image_key, full_text, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, r.ID, r.UserID, r.TeamID, r.Merchant, r.Date, r.Total, r.Tax, r.Currency,
		r.PaymentMethod, r.Category, r.Status, r.ImageKey, r.FullText, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReceipt(ctx context.Context, userID, id string) (Receipt, error) {
	var r Receipt
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, team_id, merchant, date, total, tax, currency,
			payment_method, category, status, image_key, full_text, created_at, updated_at
		FROM receipts
		WHERE id = $1 AND user_id = $2
	`, id, userID).Scan(&r.ID, &r.UserID, &r.TeamID, &r.Merchant, &r.Date, &r.Total, &r.Tax,
		&r.Currency, &r.PaymentMethod, &r.Category, &r.Status, &r.ImageKey, &r.FullText,
		&r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return Receipt{}, ErrNotFound
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("get receipt: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListReceipts(ctx context.Context, userID string, f ReceiptFilter) ([]Receipt, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}
	argN := 2

	if f.TeamID != "" {
		where = append(where, fmt.Sprintf("team_id = $%d", argN))
		args = append(args, f.TeamID)
		argN++
	}
	if f.Category != "" {
		where = append(where, fmt.Sprintf("category = $%d", argN))
		args = append(args, f.Category)
		argN++
	}
	if f.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", argN))
		args = append(args, f.Status)
		argN++
	}
	if f.DateFrom != nil {
		where = append(where, fmt.Sprintf("date >= $%d", argN))
		args = append(args, *f.DateFrom)
		argN++
	}
	if f.DateTo != nil {
		where = append(where, fmt.Sprintf("date <= $%d", argN))
		args = append(args, *f.DateTo)
		argN++
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`
		SELECT id, user_id, team_id, merchant, date, total, tax, currency,
			payment_method, category, status, image_key, full_text, created_at, updated_at
		FROM receipts
		WHERE %s
		ORDER BY date DESC, created_at DESC
		LIMIT %d OFFSET %d
	`, strings.Join(where, " AND "), limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	receipts := make([]Receipt, 0)
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.ID, &r.UserID, &r.TeamID, &r.Merchant, &r.Date, &r.Total, &r.Tax,
			&r.Currency, &r.PaymentMethod, &r.Category, &r.Status, &r.ImageKey, &r.FullText,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func (s *PostgresStore) UpdateReceiptStatus(ctx context.Context, userID, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE receipts SET status = $1, updated_at = NOW()
		WHERE id = $2 AND user_id = $3
	`, status, id, userID)
	if err != nil {
		return fmt.Errorf("update receipt status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteReceipt(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM receipts WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete receipt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) InsertLineItems(ctx context.Context, items []LineItem) error {
	for _, item := range items {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO line_items (id, receipt_id, description, amount, created_at)
			VALUES ($1,$2,$3,$4,$5)
		`, item.ID, item.ReceiptID, item.Description, item.Amount, item.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert line item: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListLineItems(ctx context.Context, receiptID string) ([]LineItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, receipt_id, description, amount, created_at
		FROM line_items
		WHERE receipt_id = $1
		ORDER BY created_at
	`, receiptID)
	if err != nil {
		return nil, fmt.Errorf("list line items: %w", err)
	}
	defer rows.Close()

	items := make([]LineItem, 0)
	for rows.Next() {
		var item LineItem
		if err := rows.Scan(&item.ID, &item.ReceiptID, &item.Description, &item.Amount, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) InsertClaim(ctx context.Context, c Claim) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO claims (id, team_id, user_id, title, description, amount, currency, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, c.ID, c.TeamID, c.UserID, c.Title, c.Description, c.Amount, c.Currency, c.Status, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListClaims(ctx context.Context, userID string, limit, offset int) ([]Claim, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, team_id, user_id, title, description, amount, currency, status, created_at, updated_at
		FROM claims
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()

	claims := make([]Claim, 0)
	for rows.Next() {
		var c Claim
		if err := rows.Scan(&c.ID, &c.TeamID, &c.UserID, &c.Title, &c.Description, &c.Amount,
			&c.Currency, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// SummaryCounts returns totals for the dashboard header.
func (s *PostgresStore) SummaryCounts(ctx context.Context, userID string) (receipts int, claims int, spend float64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM receipts WHERE user_id = $1),
			(SELECT count(*) FROM claims WHERE user_id = $1),
			(SELECT coalesce(sum(total), 0) FROM receipts WHERE user_id = $1)
	`, userID).Scan(&receipts, &claims, &spend)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("summary counts: %w", err)
	}
	return receipts, claims, spend, nil
}
