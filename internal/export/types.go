// Package export renders expense reports as PDF documents.
package export

import (
	"errors"
	"time"
)

// Request describes one expense report to generate.
type Request struct {
	UserID   string
	From     *time.Time
	To       *time.Time
	Category string
}

// Result is the generated document.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates that headless Chromium is not
	// installed on this host.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrNoReceipts indicates the requested period has nothing to report.
	ErrNoReceipts = errors.New("export has no receipts")
)
