package export

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

// TemplateRow is one receipt line in the rendered report.
type TemplateRow struct {
	Date          string
	Merchant      string
	Category      string
	PaymentMethod string
	Amount        string
}

// CategoryTotal aggregates spending for one category.
type CategoryTotal struct {
	Category string
	Amount   string
	Count    int
}

// CurrencyTotal is the grand total for one currency.
type CurrencyTotal struct {
	Currency string
	Amount   string
}

// TemplateData is everything the report template needs.
type TemplateData struct {
	Title          string
	Period         string
	GeneratedAt    time.Time
	Rows           []TemplateRow
	CategoryTotals []CategoryTotal
	GrandTotals    []CurrencyTotal
}

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).Parse(reportTemplateHTML))

// RenderReportHTML renders the expense report template.
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return buf.String(), nil
}

const reportTemplateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 800px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    h2 { margin-top: 2rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    table { width: 100%; border-collapse: collapse; margin: 1rem 0; }
    th { text-align: left; border-bottom: 2px solid #333; padding: 0.4rem; }
    td { border-bottom: 1px solid #ddd; padding: 0.4rem; }
    td.amount, th.amount { text-align: right; }
    .totals td { font-weight: bold; border-bottom: none; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.Period}} | generated {{formatDate .GeneratedAt "Jan 2, 2006 15:04"}}</div>

  <table>
    <tr><th>Date</th><th>Merchant</th><th>Category</th><th>Payment</th><th class="amount">Amount</th></tr>
    {{range .Rows}}
    <tr>
      <td>{{.Date}}</td>
      <td>{{.Merchant}}</td>
      <td>{{.Category}}</td>
      <td>{{.PaymentMethod}}</td>
      <td class="amount">{{.Amount}}</td>
    </tr>
    {{end}}
  </table>

  {{if .CategoryTotals}}
  <h2>By Category</h2>
  <table>
    <tr><th>Category</th><th>Receipts</th><th class="amount">Total</th></tr>
    {{range .CategoryTotals}}
    <tr><td>{{.Category}}</td><td>{{.Count}}</td><td class="amount">{{.Amount}}</td></tr>
    {{end}}
  </table>
  {{end}}

  <h2>Total</h2>
  <table>
    {{range .GrandTotals}}
    <tr class="totals"><td>{{.Currency}}</td><td class="amount">{{.Amount}}</td></tr>
    {{end}}
  </table>
</body>
</html>`
