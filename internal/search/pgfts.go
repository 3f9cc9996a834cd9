package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across receipts, line_items and claims
// using plainto_tsquery and ts_rank, with ts_headline for snippets. Both
// queries run on ctx so a caller-side deadline aborts them in Postgres.
func (p *PgFTS) Search(ctx context.Context, q Params, userID string) ([]Hit, int, error) {
	if strings.TrimSpace(q.Query) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Query, userID}
	argN := 3

	var subQueries []string

	if sourceWanted(q.Sources, SourceReceipt) {
		where := []string{"r.fts @@ " + tsQuery, "r.user_id = $2"}
		where, args, argN = appendReceiptFilters(where, args, argN, q, "r")
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'receipt'::text AS type, r.id, r.merchant AS title,
				ts_headline('english', coalesce(r.full_text, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				r.id AS receipt_id, r.merchant, to_char(r.date, 'YYYY-MM-DD') AS date,
				r.total::float8 AS total, r.currency, r.category,
				ts_rank(r.fts, %s) AS rank
			FROM receipts r
			WHERE %s`, tsQuery, tsQuery, strings.Join(where, " AND ")))
	}

	if sourceWanted(q.Sources, SourceLineItem) {
		where := []string{"li.fts @@ " + tsQuery, "r.user_id = $2"}
		where, args, argN = appendReceiptFilters(where, args, argN, q, "r")
		if q.MinAmount != nil {
			where = append(where, fmt.Sprintf("li.amount >= $%d", argN))
			args = append(args, *q.MinAmount)
			argN++
		}
		if q.MaxAmount != nil {
			where = append(where, fmt.Sprintf("li.amount <= $%d", argN))
			args = append(args, *q.MaxAmount)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'line_item'::text AS type, li.id, li.description AS title,
				ts_headline('english', coalesce(li.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				r.id AS receipt_id, r.merchant, to_char(r.date, 'YYYY-MM-DD') AS date,
				li.amount::float8 AS total, r.currency, r.category,
				ts_rank(li.fts, %s) AS rank
			FROM line_items li
			JOIN receipts r ON r.id = li.receipt_id
			WHERE %s`, tsQuery, tsQuery, strings.Join(where, " AND ")))
	}

	if sourceWanted(q.Sources, SourceClaim) {
		where := []string{"c.fts @@ " + tsQuery, "c.user_id = $2"}
		if q.TeamID != "" {
			where = append(where, fmt.Sprintf("c.team_id = $%d", argN))
			args = append(args, q.TeamID)
			argN++
		}
		if q.Currency != "" {
			where = append(where, fmt.Sprintf("c.currency = $%d", argN))
			args = append(args, q.Currency)
			argN++
		}
		if q.MinAmount != nil {
			where = append(where, fmt.Sprintf("c.amount >= $%d", argN))
			args = append(args, *q.MinAmount)
			argN++
		}
		if q.MaxAmount != nil {
			where = append(where, fmt.Sprintf("c.amount <= $%d", argN))
			args = append(args, *q.MaxAmount)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'claim'::text AS type, c.id, c.title,
				ts_headline('english', coalesce(c.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS receipt_id, ''::text AS merchant, ''::text AS date,
				c.amount::float8 AS total, c.currency, ''::text AS category,
				ts_rank(c.fts, %s) AS rank
			FROM claims c
			WHERE %s`, tsQuery, tsQuery, strings.Join(where, " AND ")))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	order := "rank DESC"
	switch q.SortBy {
	case "date":
		order = "date DESC, rank DESC"
	case "amount":
		order = "total DESC, rank DESC"
	}

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, receipt_id, merchant, date, total, currency, category
		FROM (%s) sub
		ORDER BY %s
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		order, limit, offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var typ string
		if err := rows.Scan(&typ, &h.ID, &h.Title, &h.Snippet, &h.ReceiptID, &h.Merchant,
			&h.Date, &h.Total, &h.Currency, &h.Category); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		h.Type = SourceType(typ)
		hits = append(hits, h)
	}

	return hits, total, rows.Err()
}

// appendReceiptFilters adds the receipt-level filters shared by the receipt
// and line-item sub-queries. alias is the receipts table alias.
func appendReceiptFilters(where []string, args []any, argN int, q Params, alias string) ([]string, []any, int) {
	if q.TeamID != "" {
		where = append(where, fmt.Sprintf("%s.team_id = $%d", alias, argN))
		args = append(args, q.TeamID)
		argN++
	}
	if len(q.Merchants) > 0 {
		where = append(where, fmt.Sprintf("%s.merchant = ANY($%d)", alias, argN))
		args = append(args, q.Merchants)
		argN++
	}
	if len(q.Categories) > 0 {
		where = append(where, fmt.Sprintf("%s.category = ANY($%d)", alias, argN))
		args = append(args, q.Categories)
		argN++
	}
	if q.Currency != "" {
		where = append(where, fmt.Sprintf("%s.currency = $%d", alias, argN))
		args = append(args, q.Currency)
		argN++
	}
	if q.DateFrom != nil {
		where = append(where, fmt.Sprintf("%s.date >= $%d", alias, argN))
		args = append(args, *q.DateFrom)
		argN++
	}
	if q.DateTo != nil {
		where = append(where, fmt.Sprintf("%s.date <= $%d", alias, argN))
		args = append(args, *q.DateTo)
		argN++
	}
	return where, args, argN
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ReceiptRecord, []LineItemRecord, []ClaimRecord, error) {
	receiptRows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, coalesce(team_id, ''), merchant, full_text,
			to_char(date, 'YYYY-MM-DD'), total::float8, currency, category, status
		FROM receipts
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load receipts: %w", err)
	}
	defer receiptRows.Close()

	receipts := make([]ReceiptRecord, 0)
	for receiptRows.Next() {
		var r ReceiptRecord
		if err := receiptRows.Scan(&r.ID, &r.UserID, &r.TeamID, &r.Merchant, &r.FullText,
			&r.Date, &r.Total, &r.Currency, &r.Category, &r.Status); err != nil {
			return nil, nil, nil, fmt.Errorf("scan receipt: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := receiptRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate receipts: %w", err)
	}

	itemRows, err := p.db.QueryContext(ctx, `
		SELECT li.id, li.receipt_id, r.user_id, li.description, li.amount::float8,
			r.merchant, to_char(r.date, 'YYYY-MM-DD')
		FROM line_items li
		JOIN receipts r ON r.id = li.receipt_id
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load line items: %w", err)
	}
	defer itemRows.Close()

	items := make([]LineItemRecord, 0)
	for itemRows.Next() {
		var li LineItemRecord
		if err := itemRows.Scan(&li.ID, &li.ReceiptID, &li.UserID, &li.Description,
			&li.Amount, &li.Merchant, &li.Date); err != nil {
			return nil, nil, nil, fmt.Errorf("scan line item: %w", err)
		}
		items = append(items, li)
	}
	if err := itemRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate line items: %w", err)
	}

	claimRows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, team_id, title, description, amount::float8, currency, status
		FROM claims
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load claims: %w", err)
	}
	defer claimRows.Close()

	claims := make([]ClaimRecord, 0)
	for claimRows.Next() {
		var c ClaimRecord
		if err := claimRows.Scan(&c.ID, &c.UserID, &c.TeamID, &c.Title, &c.Description,
			&c.Amount, &c.Currency, &c.Status); err != nil {
			return nil, nil, nil, fmt.Errorf("scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	if err := claimRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate claims: %w", err)
	}

	return receipts, items, claims, nil
}
