package store

import "time"

type Receipt struct {
	ID            string
	UserID        string
	TeamID        *string
	Merchant      string
	Date          time.Time
	Total         float64
	Tax           float64
	Currency      string
	PaymentMethod string
	Category      string
	Status        string
	ImageKey      string
	FullText      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type LineItem struct {
	ID          string
	ReceiptID   string
	Description string
	Amount      float64
	CreatedAt   time.Time
}

type Claim struct {
	ID          string
	TeamID      string
	UserID      string
	Title       string
	Description string
	Amount      float64
	Currency    string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ReceiptFilter narrows ListReceipts results.
type ReceiptFilter struct {
	TeamID   string
	Category string
	Status   string
	DateFrom *time.Time
	DateTo   *time.Time
	Limit    int
	Offset   int
}
