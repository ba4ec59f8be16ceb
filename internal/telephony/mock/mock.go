// Package mock provides a test double for the telephony transfer client.
package mock

import (
	"context"
	"sync"
)

// TransferCall records a single invocation of Client.TransferCall.
type TransferCall struct {
	CallSID string
	Number  string
	Summary string
}

// Client is a mock transfer client.
type Client struct {
	mu sync.Mutex

	// Err, if non-nil, is returned by every TransferCall.
	Err error

	// Calls records every invocation in order.
	Calls []TransferCall
}

// TransferCall records the call and returns Err.
func (c *Client) TransferCall(_ context.Context, callSID, number, summary string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, TransferCall{CallSID: callSID, Number: number, Summary: summary})
	return c.Err
}

// CallCount returns the number of recorded transfers. Thread-safe.
func (c *Client) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}
