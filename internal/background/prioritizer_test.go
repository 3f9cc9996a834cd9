package background

import (
	"strings"
	"testing"
	"time"

	"github.com/noa10/mataresit-app-sub010/internal/search"
)

func TestDefaultPriorityPolicy(t *testing.T) {
	from := time.Now().AddDate(0, -1, 0)
	to := time.Now()
	min := 10.0

	tests := []struct {
		name   string
		query  string
		params search.Params
		want   Priority
	}{
		{
			name:  "urgency keyword",
			query: "urgent: find receipts",
			want:  PriorityUrgent,
		},
		{
			name:  "urgency keyword mid-sentence",
			query: "show me the grab rides ASAP",
			want:  PriorityUrgent,
		},
		{
			name:  "importance keyword",
			query: "I need the critical invoices",
			want:  PriorityHigh,
		},
		{
			name:  "deferral keyword",
			query: "maybe show my old coffee runs",
			want:  PriorityLow,
		},
		{
			name:  "urgency beats deferral",
			query: "urgent but maybe later",
			want:  PriorityUrgent,
		},
		{
			name:  "long query is high",
			query: strings.Repeat("receipts from the office supply store ", 4),
			want:  PriorityHigh,
		},
		{
			name:  "many filters is high",
			query: "lunch",
			params: search.Params{
				Merchants:  []string{"Starbucks"},
				Categories: []string{"Food"},
				Currency:   "MYR",
				DateFrom:   &from,
				DateTo:     &to,
				MinAmount:  &min,
			},
			want: PriorityHigh,
		},
		{
			name:  "plain query is normal",
			query: "coffee",
			want:  PriorityNormal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DefaultPriorityPolicy(tt.query, tt.params, LoadSnapshot{})
			if got != tt.want {
				t.Errorf("priority for %q: expected %s, got %s", tt.query, tt.want, got)
			}
		})
	}
}

func TestParsePriority(t *testing.T) {
	if p, ok := ParsePriority("urgent"); !ok || p != PriorityUrgent {
		t.Errorf("expected urgent, got %v ok=%v", p, ok)
	}
	if _, ok := ParsePriority("whenever"); ok {
		t.Error("expected unknown priority to be rejected")
	}
}
