package finalize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relayline/frontdesk/internal/store"
	"github.com/relayline/frontdesk/pkg/provider/llm"
	"github.com/relayline/frontdesk/pkg/types"
)

const leadPrompt = `Extract the caller's contact details from this phone call transcript.
Reply with a single JSON object and nothing else:
{"name": string or null, "email": string or null, "phone": string or null, "notes": string or null}
Use null for anything the caller did not state. Put anything worth following up on in notes.`

const bookingPrompt = `Determine whether an appointment was agreed during this phone call transcript.
Reply with a single JSON object and nothing else:
{"has_booking": bool, "date": "YYYY-MM-DD" or null, "start_time": "HH:MM" or null, "end_time": "HH:MM" or null, "customer_name": string or null, "customer_phone": string or null, "customer_email": string or null, "service": string or null, "notes": string or null}
Set has_booking true only if the caller and assistant agreed on an appointment.`

type leadExtraction struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
	Notes string `json:"notes"`
}

type bookingExtraction struct {
	HasBooking    bool   `json:"has_booking"`
	Date          string `json:"date"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	CustomerName  string `json:"customer_name"`
	CustomerPhone string `json:"customer_phone"`
	CustomerEmail string `json:"customer_email"`
	Service       string `json:"service"`
	Notes         string `json:"notes"`
}

// extractLead runs the post-call lead pass and persists a lead when the
// transcript yields at least one identity field. The caller number backfills
// a missing phone but does not by itself create a lead.
func (f *Finalizer) extractLead(ctx context.Context, call *Call) error {
	resp, err := f.cfg.LLM.Complete(ctx, extractionRequest(leadPrompt, call.Turns))
	if err != nil {
		return fmt.Errorf("lead extraction pass: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("lead extraction pass: empty response")
	}

	var lead leadExtraction
	if err := decodeJSONObject(resp.Content, &lead); err != nil {
		return fmt.Errorf("parsing lead extraction: %w", err)
	}

	if lead.Name == "" && lead.Email == "" && lead.Phone == "" {
		f.logger.Debug("no lead recoverable", "call_sid", call.CallSID)
		return nil
	}
	if lead.Phone == "" {
		lead.Phone = call.CallerNumber
	}

	return f.cfg.Calls.InsertLead(ctx, &store.Lead{
		TenantID: call.TenantID,
		CallSID:  call.CallSID,
		Name:     lead.Name,
		Email:    lead.Email,
		Phone:    lead.Phone,
		Notes:    lead.Notes,
	})
}

// extractBooking runs the post-call booking pass for calls where the in-band
// marker did not already record an appointment.
func (f *Finalizer) extractBooking(ctx context.Context, call *Call) error {
	resp, err := f.cfg.LLM.Complete(ctx, extractionRequest(bookingPrompt, call.Turns))
	if err != nil {
		return fmt.Errorf("booking extraction pass: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("booking extraction pass: empty response")
	}

	var b bookingExtraction
	if err := decodeJSONObject(resp.Content, &b); err != nil {
		return fmt.Errorf("parsing booking extraction: %w", err)
	}
	if !b.HasBooking {
		return nil
	}
	if b.CustomerName == "" && b.Date == "" {
		f.logger.Warn("booking detected but detail insufficient", "call_sid", call.CallSID)
		return nil
	}

	status := store.AppointmentPending
	if b.Date != "" && b.StartTime != "" {
		status = store.AppointmentConfirmed
	}

	return f.cfg.Calls.InsertAppointment(ctx, &store.Appointment{
		TenantID:      call.TenantID,
		CallSID:       call.CallSID,
		CustomerName:  b.CustomerName,
		CustomerPhone: b.CustomerPhone,
		CustomerEmail: b.CustomerEmail,
		Date:          b.Date,
		StartTime:     b.StartTime,
		EndTime:       b.EndTime,
		Service:       b.Service,
		Notes:         b.Notes,
		Status:        status,
	})
}

// extractionRequest builds a deterministic single-message completion over the
// rendered transcript.
func extractionRequest(system string, turns []types.Turn) llm.CompletionRequest {
	return llm.CompletionRequest{
		SystemPrompt: system,
		Messages: []types.Message{
			{Role: "user", Content: renderTranscript(turns)},
		},
		MaxTokens:   300,
		Temperature: 0,
	}
}

// renderTranscript flattens turns into "speaker: text" lines.
func renderTranscript(turns []types.Turn) string {
	var sb strings.Builder
	for _, turn := range turns {
		fmt.Fprintf(&sb, "%s: %s\n", turn.Speaker, turn.Content)
	}
	return sb.String()
}

// decodeJSONObject parses the first JSON object found in raw, tolerating
// markdown code fences and prose around it.
func decodeJSONObject(raw string, v any) error {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in %q", raw)
	}
	return json.Unmarshal([]byte(raw[start:end+1]), v)
}
