// Package mock provides a test double for the billing Sink.
package mock

import (
	"context"
	"sync"

	"github.com/relayline/frontdesk/internal/billing"
)

// OverageReport records a single invocation of ReportOverage.
type OverageReport struct {
	// CustomerID is the payment processor customer id the event was keyed by.
	CustomerID string
	// Minutes is the reported overage.
	Minutes int
}

// Sink is a mock implementation of billing.Sink.
type Sink struct {
	mu sync.Mutex

	// ReportErr, if non-nil, is returned by every ReportOverage call.
	ReportErr error

	// Reports records every invocation in order.
	Reports []OverageReport
}

// ReportOverage records the call and returns ReportErr.
func (s *Sink) ReportOverage(_ context.Context, customerID string, minutes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Reports = append(s.Reports, OverageReport{CustomerID: customerID, Minutes: minutes})
	return s.ReportErr
}

// ReportCount returns the number of recorded reports. Thread-safe.
func (s *Sink) ReportCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Reports)
}

// Ensure Sink implements billing.Sink at compile time.
var _ billing.Sink = (*Sink)(nil)
