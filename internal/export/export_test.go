package export

import (
	"strings"
	"testing"
	"time"

	"github.com/noa10/mataresit-app-sub010/internal/store"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestBuildTemplateDataAggregates(t *testing.T) {
	receipts := []store.Receipt{
		{Merchant: "Grab", Date: date(2026, 8, 3), Total: 18.50, Currency: "MYR", Category: "Transport", PaymentMethod: "card"},
		{Merchant: "Starbucks", Date: date(2026, 8, 1), Total: 21.00, Currency: "MYR", Category: "Food", PaymentMethod: "card"},
		{Merchant: "Grab", Date: date(2026, 8, 2), Total: 12.00, Currency: "MYR", Category: "Transport", PaymentMethod: "cash"},
		{Merchant: "Amazon", Date: date(2026, 8, 4), Total: 9.99, Currency: "USD", Category: ""},
	}

	data := buildTemplateData(Request{UserID: "user-1"}, receipts)

	if len(data.Rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(data.Rows))
	}
	// Rows come back date-ascending.
	if data.Rows[0].Merchant != "Starbucks" || data.Rows[3].Merchant != "Amazon" {
		t.Errorf("rows not sorted by date: %v", data.Rows)
	}

	if len(data.CategoryTotals) != 3 {
		t.Fatalf("expected 3 categories, got %d", len(data.CategoryTotals))
	}
	var transport *CategoryTotal
	for i := range data.CategoryTotals {
		if data.CategoryTotals[i].Category == "Transport" {
			transport = &data.CategoryTotals[i]
		}
	}
	if transport == nil {
		t.Fatal("missing Transport category")
	}
	if transport.Count != 2 || transport.Amount != "30.50" {
		t.Errorf("transport total: count=%d amount=%s", transport.Count, transport.Amount)
	}

	if len(data.GrandTotals) != 2 {
		t.Fatalf("expected 2 currencies, got %d", len(data.GrandTotals))
	}
	if data.GrandTotals[0].Currency != "MYR" || data.GrandTotals[0].Amount != "51.50" {
		t.Errorf("MYR grand total wrong: %+v", data.GrandTotals[0])
	}
}

func TestRenderReportHTML(t *testing.T) {
	from := date(2026, 8, 1)
	to := date(2026, 8, 31)
	data := buildTemplateData(Request{UserID: "user-1", From: &from, To: &to}, []store.Receipt{
		{Merchant: "Tesco", Date: date(2026, 8, 10), Total: 104.20, Currency: "MYR", Category: "Groceries", PaymentMethod: "card"},
	})

	html, err := RenderReportHTML(data)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}

	for _, want := range []string{
		"Expense Report",
		"Aug 1, 2026 to Aug 31, 2026",
		"Tesco",
		"Groceries",
		"MYR 104.20",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered report missing %q", want)
		}
	}
}

func TestRenderReportHTMLEscapes(t *testing.T) {
	data := buildTemplateData(Request{}, []store.Receipt{
		{Merchant: "<script>alert(1)</script>", Date: date(2026, 8, 10), Total: 1, Currency: "MYR"},
	})
	html, err := RenderReportHTML(data)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if strings.Contains(html, "<script>alert(1)</script>") {
		t.Error("merchant name was not escaped")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Expense Report", "Expense-Report"},
		{"Expense Report Food & Drink", "Expense-Report-Food--Drink"},
		{"///", "report"},
		{strings.Repeat("a", 60), strings.Repeat("a", 50)},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	if got := percentEncodeForDataURL("a b"); got != "a%20b" {
		t.Errorf("space: got %q", got)
	}
	if got := percentEncodeForDataURL("a+b"); got != "a%2Bb" {
		t.Errorf("plus: got %q", got)
	}
	if got := percentEncodeForDataURL("safe-chars_.~"); got != "safe-chars_.~" {
		t.Errorf("unreserved: got %q", got)
	}
}
