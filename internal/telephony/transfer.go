// Package telephony drives the carrier's call control API. Its single job is
// redirecting a live call to a human agent by swapping the call's instruction
// document mid-flight.
package telephony

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// dialTimeoutSeconds is how long the carrier rings the human agent before
// giving up on the transfer leg.
const dialTimeoutSeconds = 30

// Client updates live calls through the carrier REST API.
type Client struct {
	api    *openapi.ApiService
	logger *slog.Logger
}

// New creates a Client authenticated with the carrier account credentials.
func New(accountSID, authToken string, logger *slog.Logger) (*Client, error) {
	if accountSID == "" || authToken == "" {
		return nil, fmt.Errorf("telephony: account SID and auth token are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Client{api: rest.Api, logger: logger}, nil
}

// TransferCall redirects the live call identified by callSID to number. The
// conversation summary cannot ride along in the instruction document; it is
// logged here and persisted with the transfer record by the caller.
func (c *Client) TransferCall(ctx context.Context, callSID, number, summary string) error {
	if callSID == "" || number == "" {
		return fmt.Errorf("telephony: call SID and number are required")
	}

	twiml, err := TransferTwiML(number)
	if err != nil {
		return fmt.Errorf("building transfer instructions: %w", err)
	}

	params := &openapi.UpdateCallParams{}
	params.SetTwiml(twiml)

	if _, err := c.api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("updating call %s: %w", callSID, err)
	}

	c.logger.Info("call redirected to human agent",
		"call_sid", callSID, "number", number, "summary_chars", len(summary))
	return nil
}

// TransferTwiML renders the instruction document that dials the human agent.
// The agent's phone shows the business transfer number as caller id.
func TransferTwiML(number string) (string, error) {
	escaped, err := escapeXML(number)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		`<Response><Dial timeout="%d" callerId="%s"><Number>%s</Number></Dial></Response>`,
		dialTimeoutSeconds, escaped, escaped), nil
}

func escapeXML(s string) (string, error) {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return "", err
	}
	return buf.String(), nil
}
