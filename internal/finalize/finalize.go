// Package finalize runs the once-per-call post-processing pipeline: transcript
// persistence, minute accounting, and the lead and booking extraction passes.
//
// Every step is isolated: a failure in one is logged with the call id and the
// remaining steps still run. Partial persistence is acceptable; the logs are
// the input for offline reconciliation.
package finalize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/relayline/frontdesk/internal/billing"
	"github.com/relayline/frontdesk/internal/observe"
	"github.com/relayline/frontdesk/internal/store"
	"github.com/relayline/frontdesk/pkg/provider/llm"
	"github.com/relayline/frontdesk/pkg/types"
)

const (
	// stepTimeout bounds each external call made during finalisation.
	stepTimeout = 30 * time.Second

	// summaryMaxChars truncates the stored call summary.
	summaryMaxChars = 200
)

// Call is the snapshot of a finished call handed to the Finalizer by its
// session. The session is gone by the time the pipeline runs.
type Call struct {
	CallSID      string
	TenantID     string
	CallerNumber string
	StreamSID    string

	StartedAt time.Time
	// EndedAt zero means the pipeline stamps the current time.
	EndedAt time.Time

	// Status is the terminal session status, StatusCompleted when empty.
	Status string

	Turns []types.Turn

	// BookingRecorded skips the booking extraction pass when the in-band
	// marker already persisted an appointment.
	BookingRecorded bool
}

// Config carries the Finalizer's dependencies.
type Config struct {
	Tenants store.TenantStore
	Calls   store.CallStore

	// LLM runs the extraction passes. Nil disables them.
	LLM llm.Provider

	// Billing receives overage events for paid tenants. Nil disables
	// reporting.
	Billing billing.Sink

	// Metrics records billed minutes. May be nil.
	Metrics *observe.Metrics

	Logger *slog.Logger

	// Now is indirected for tests. Nil means time.Now.
	Now func() time.Time
}

// Finalizer runs the post-call pipeline. Safe for concurrent use across
// calls; each call id is processed at most once.
type Finalizer struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	done map[string]struct{}
}

// New creates a Finalizer.
func New(cfg Config) (*Finalizer, error) {
	if cfg.Tenants == nil || cfg.Calls == nil {
		return nil, fmt.Errorf("finalize: Tenants and Calls stores are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Finalizer{
		cfg:    cfg,
		logger: logger,
		now:    now,
		done:   make(map[string]struct{}),
	}, nil
}

// Finalize runs the pipeline for one call. Repeat invocations for the same
// call id are no-ops, so the stop frame, the socket close, and a completed
// transfer can all race to trigger it safely.
func (f *Finalizer) Finalize(call *Call) {
	f.mu.Lock()
	if _, seen := f.done[call.CallSID]; seen {
		f.mu.Unlock()
		return
	}
	f.done[call.CallSID] = struct{}{}
	f.mu.Unlock()

	endedAt := call.EndedAt
	if endedAt.IsZero() {
		endedAt = f.now()
	}
	durationSec := int(endedAt.Sub(call.StartedAt).Seconds())
	if durationSec < 0 {
		durationSec = 0
	}
	minutes := (durationSec + 59) / 60

	status := call.Status
	if status == "" {
		status = store.StatusCompleted
	}

	f.logger.Info("finalising call",
		"call_sid", call.CallSID, "tenant_id", call.TenantID,
		"duration_sec", durationSec, "minutes", minutes, "status", status)

	f.step(call.CallSID, "persist turns", func(ctx context.Context) error {
		if len(call.Turns) == 0 {
			return nil
		}
		return f.cfg.Calls.AppendTurns(ctx, call.CallSID, call.Turns)
	})

	f.step(call.CallSID, "persist session", func(ctx context.Context) error {
		return f.cfg.Calls.UpsertSession(ctx, &store.CallSession{
			CallSID:         call.CallSID,
			TenantID:        call.TenantID,
			CallerNumber:    call.CallerNumber,
			StreamSID:       call.StreamSID,
			StartedAt:       call.StartedAt,
			EndedAt:         endedAt,
			DurationSeconds: durationSec,
			Status:          status,
			Summary:         summarize(call.Turns),
		})
	})

	f.step(call.CallSID, "minute accounting", func(ctx context.Context) error {
		return f.accountMinutes(ctx, call, minutes)
	})

	if f.cfg.LLM != nil && hasUserTurns(call.Turns) {
		f.step(call.CallSID, "lead extraction", func(ctx context.Context) error {
			return f.extractLead(ctx, call)
		})

		if !call.BookingRecorded {
			f.step(call.CallSID, "booking extraction", func(ctx context.Context) error {
				return f.extractBooking(ctx, call)
			})
		}
	}
}

// Finalized reports whether the pipeline already ran for callSID.
func (f *Finalizer) Finalized(callSID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, seen := f.done[callSID]
	return seen
}

// accountMinutes charges the call's rounded-up minutes against the tenant's
// trial or paid allowance. Partial minutes always round up.
func (f *Finalizer) accountMinutes(ctx context.Context, call *Call, minutes int) error {
	if minutes == 0 {
		return nil
	}
	tenant, err := f.cfg.Tenants.GetTenant(ctx, call.TenantID)
	if err != nil {
		return fmt.Errorf("loading tenant: %w", err)
	}
	if tenant == nil {
		return fmt.Errorf("tenant %s not found", call.TenantID)
	}

	if !tenant.PaidPlan {
		if err := f.cfg.Tenants.AddTrialMinutes(ctx, tenant.ID, minutes); err != nil {
			return err
		}
		f.cfg.Metrics.RecordMinutes(ctx, minutes)
		return nil
	}

	total, err := f.cfg.Tenants.AddPaidMinutes(ctx, tenant.ID, minutes)
	if err != nil {
		return err
	}
	f.cfg.Metrics.RecordMinutes(ctx, minutes)
	overage := total - tenant.PaidMinutesIncluded
	if overage <= 0 || f.cfg.Billing == nil {
		return nil
	}
	if tenant.BillingCustomerID == "" {
		f.logger.Warn("overage with no billing customer id",
			"tenant_id", tenant.ID, "overage_minutes", overage)
		return nil
	}
	if err := f.cfg.Billing.ReportOverage(ctx, tenant.BillingCustomerID, overage); err != nil {
		return fmt.Errorf("reporting overage: %w", err)
	}
	return nil
}

// step runs one pipeline stage with its own timeout, logging failure instead
// of propagating it.
func (f *Finalizer) step(callSID, name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		f.logger.Error("finalisation step failed",
			"step", name, "call_sid", callSID, "error", err)
	}
}

// summarize concatenates the user turns, truncated for list views.
func summarize(turns []types.Turn) string {
	var parts []string
	for _, turn := range turns {
		if turn.Speaker == types.SpeakerUser {
			parts = append(parts, turn.Content)
		}
	}
	summary := strings.Join(parts, " ")
	if len(summary) > summaryMaxChars {
		summary = summary[:summaryMaxChars]
	}
	return summary
}

func hasUserTurns(turns []types.Turn) bool {
	for _, turn := range turns {
		if turn.Speaker == types.SpeakerUser {
			return true
		}
	}
	return false
}
