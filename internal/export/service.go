package export

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/noa10/mataresit-app-sub010/internal/store"
)

// ReceiptSource supplies the receipts a report covers.
type ReceiptSource interface {
	ListReceipts(ctx context.Context, userID string, f store.ReceiptFilter) ([]store.Receipt, error)
}

// Service generates expense reports.
type Service struct {
	receipts ReceiptSource
}

// NewService creates an export service.
func NewService(receipts ReceiptSource) *Service {
	return &Service{receipts: receipts}
}

// ExpenseReport builds a PDF summarizing a user's receipts for the
// requested period.
func (s *Service) ExpenseReport(ctx context.Context, req Request) (*Result, error) {
	receipts, err := s.receipts.ListReceipts(ctx, req.UserID, store.ReceiptFilter{
		Category: req.Category,
		DateFrom: req.From,
		DateTo:   req.To,
	})
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	if len(receipts) == 0 {
		return nil, ErrNoReceipts
	}

	html, err := RenderReportHTML(buildTemplateData(req, receipts))
	if err != nil {
		return nil, err
	}
	return exportPDF(html, reportTitle(req))
}

func buildTemplateData(req Request, receipts []store.Receipt) TemplateData {
	sort.Slice(receipts, func(i, j int) bool {
		return receipts[i].Date.Before(receipts[j].Date)
	})

	data := TemplateData{
		Title:       reportTitle(req),
		Period:      periodLabel(req),
		GeneratedAt: time.Now(),
	}

	type catAgg struct {
		amount float64
		count  int
	}
	byCategory := make(map[string]*catAgg)
	byCurrency := make(map[string]float64)

	for _, r := range receipts {
		category := r.Category
		if category == "" {
			category = "Uncategorized"
		}
		data.Rows = append(data.Rows, TemplateRow{
			Date:          r.Date.Format("2006-01-02"),
			Merchant:      r.Merchant,
			Category:      category,
			PaymentMethod: r.PaymentMethod,
			Amount:        fmt.Sprintf("%s %.2f", r.Currency, r.Total),
		})
		if byCategory[category] == nil {
			byCategory[category] = &catAgg{}
		}
		byCategory[category].amount += r.Total
		byCategory[category].count++
		byCurrency[r.Currency] += r.Total
	}

	for category, agg := range byCategory {
		data.CategoryTotals = append(data.CategoryTotals, CategoryTotal{
			Category: category,
			Amount:   fmt.Sprintf("%.2f", agg.amount),
			Count:    agg.count,
		})
	}
	sort.Slice(data.CategoryTotals, func(i, j int) bool {
		return data.CategoryTotals[i].Category < data.CategoryTotals[j].Category
	})

	for currency, total := range byCurrency {
		data.GrandTotals = append(data.GrandTotals, CurrencyTotal{
			Currency: currency,
			Amount:   fmt.Sprintf("%.2f", total),
		})
	}
	sort.Slice(data.GrandTotals, func(i, j int) bool {
		return data.GrandTotals[i].Currency < data.GrandTotals[j].Currency
	})

	return data
}

func reportTitle(req Request) string {
	if req.Category != "" {
		return "Expense Report " + req.Category
	}
	return "Expense Report"
}

func periodLabel(req Request) string {
	const layout = "Jan 2, 2006"
	switch {
	case req.From != nil && req.To != nil:
		return req.From.Format(layout) + " to " + req.To.Format(layout)
	case req.From != nil:
		return "from " + req.From.Format(layout)
	case req.To != nil:
		return "until " + req.To.Format(layout)
	default:
		return "all time"
	}
}
