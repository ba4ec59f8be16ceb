package finalize

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	billingmock "github.com/relayline/frontdesk/internal/billing/mock"
	"github.com/relayline/frontdesk/internal/observe"
	"github.com/relayline/frontdesk/internal/store"
	"github.com/relayline/frontdesk/pkg/provider/llm"
	llmmock "github.com/relayline/frontdesk/pkg/provider/llm/mock"
	"github.com/relayline/frontdesk/pkg/types"
)

var callStart = time.Date(2026, 8, 25, 15, 0, 0, 0, time.UTC)

func trialTenant() *store.Tenant {
	return &store.Tenant{
		ID:               "tenant-1",
		BusinessName:     "Shear Genius",
		TrialMinutes:     10,
		TrialMinutesUsed: 0,
	}
}

func noLeadNoBooking() []*llm.CompletionResponse {
	return []*llm.CompletionResponse{
		{Content: `{"name": null, "email": null, "phone": null, "notes": null}`},
		{Content: `{"has_booking": false}`},
	}
}

type finFixture struct {
	fin     *Finalizer
	mem     *store.MemStore
	llm     *llmmock.Provider
	billing *billingmock.Sink
}

func newFinalizer(t *testing.T, tenant *store.Tenant, responses []*llm.CompletionResponse) *finFixture {
	t.Helper()

	f := &finFixture{
		mem:     store.NewMemStore(),
		llm:     &llmmock.Provider{CompleteResponses: responses},
		billing: &billingmock.Sink{},
	}
	f.mem.PutTenant(tenant)

	fin, err := New(Config{
		Tenants: f.mem,
		Calls:   f.mem,
		LLM:     f.llm,
		Billing: f.billing,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:     func() time.Time { return callStart.Add(time.Hour) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.fin = fin
	return f
}

func finishedCall(duration time.Duration, turns ...types.Turn) *Call {
	return &Call{
		CallSID:      "CA123",
		TenantID:     "tenant-1",
		CallerNumber: "+15559876543",
		StreamSID:    "MZ123",
		StartedAt:    callStart,
		EndedAt:      callStart.Add(duration),
		Turns:        turns,
	}
}

func userTurn(text string) types.Turn {
	return types.Turn{
		Speaker:   types.SpeakerUser,
		Content:   text,
		Type:      types.TurnTranscription,
		Timestamp: callStart,
	}
}

func TestFinalize_MinuteRounding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		duration time.Duration
		want     int
	}{
		{1 * time.Second, 1},
		{12 * time.Second, 1},
		{60 * time.Second, 1},
		{61 * time.Second, 2},
		{119 * time.Second, 2},
		{120 * time.Second, 2},
	}

	for _, tt := range tests {
		f := newFinalizer(t, trialTenant(), noLeadNoBooking())
		f.fin.Finalize(finishedCall(tt.duration, userTurn("hi")))

		tenant, _ := f.mem.GetTenant(t.Context(), "tenant-1")
		if tenant.TrialMinutesUsed != tt.want {
			t.Errorf("%v: trial_minutes_used = %d, want %d",
				tt.duration, tenant.TrialMinutesUsed, tt.want)
		}
	}
}

func TestFinalize_RecordsBilledMinutes(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	mem := store.NewMemStore()
	mem.PutTenant(trialTenant())
	fin, err := New(Config{
		Tenants: mem,
		Calls:   mem,
		LLM:     &llmmock.Provider{CompleteResponses: noLeadNoBooking()},
		Metrics: metrics,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:     func() time.Time { return callStart.Add(time.Hour) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// 61 seconds rounds up to 2 minutes.
	fin.Finalize(finishedCall(61*time.Second, userTurn("hi")))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name != "frontdesk.billing.minutes" {
				continue
			}
			sum := sm.Metrics[i].Data.(metricdata.Sum[int64])
			if got := sum.DataPoints[0].Value; got != 2 {
				t.Errorf("billed minutes = %d, want 2", got)
			}
			return
		}
	}
	t.Error("frontdesk.billing.minutes not recorded")
}

func TestFinalize_PaidOverageReported(t *testing.T) {
	t.Parallel()

	tenant := trialTenant()
	tenant.PaidPlan = true
	tenant.PaidMinutesIncluded = 100
	tenant.PaidMinutesUsed = 99
	tenant.BillingCustomerID = "cus_42"

	f := newFinalizer(t, tenant, noLeadNoBooking())
	f.fin.Finalize(finishedCall(5*time.Minute, userTurn("long call")))

	got, _ := f.mem.GetTenant(t.Context(), "tenant-1")
	if got.PaidMinutesUsed != 104 {
		t.Errorf("paid_minutes_used = %d, want 104", got.PaidMinutesUsed)
	}
	if f.billing.ReportCount() != 1 {
		t.Fatalf("expected 1 overage report, got %d", f.billing.ReportCount())
	}
	report := f.billing.Reports[0]
	if report.CustomerID != "cus_42" || report.Minutes != 4 {
		t.Errorf("report = %+v, want cus_42/4", report)
	}
}

func TestFinalize_PaidWithinAllowanceNotReported(t *testing.T) {
	t.Parallel()

	tenant := trialTenant()
	tenant.PaidPlan = true
	tenant.PaidMinutesIncluded = 100
	tenant.PaidMinutesUsed = 10
	tenant.BillingCustomerID = "cus_42"

	f := newFinalizer(t, tenant, noLeadNoBooking())
	f.fin.Finalize(finishedCall(2*time.Minute, userTurn("short call")))

	if f.billing.ReportCount() != 0 {
		t.Errorf("expected no overage report, got %d", f.billing.ReportCount())
	}
}

func TestFinalize_Idempotent(t *testing.T) {
	t.Parallel()

	f := newFinalizer(t, trialTenant(), noLeadNoBooking())
	call := finishedCall(90*time.Second, userTurn("hello"))

	f.fin.Finalize(call)
	f.fin.Finalize(call)

	tenant, _ := f.mem.GetTenant(t.Context(), "tenant-1")
	if tenant.TrialMinutesUsed != 2 {
		t.Errorf("minutes charged twice: %d", tenant.TrialMinutesUsed)
	}
	if got := len(f.mem.TurnsFor("CA123")); got != 1 {
		t.Errorf("turns persisted twice: %d", got)
	}
	if !f.fin.Finalized("CA123") {
		t.Error("Finalized should report true")
	}
}

func TestFinalize_SessionRecord(t *testing.T) {
	t.Parallel()

	f := newFinalizer(t, trialTenant(), noLeadNoBooking())
	f.fin.Finalize(finishedCall(45*time.Second, userTurn("what are your hours?")))

	sess := f.mem.GetSession("CA123")
	if sess == nil {
		t.Fatal("session not persisted")
	}
	if sess.Status != store.StatusCompleted {
		t.Errorf("status = %q", sess.Status)
	}
	if !sess.EndedAt.After(sess.StartedAt) {
		t.Error("ended_at must be after started_at")
	}
	if sess.DurationSeconds != 45 {
		t.Errorf("duration = %d", sess.DurationSeconds)
	}
	if sess.Summary != "what are your hours?" {
		t.Errorf("summary = %q", sess.Summary)
	}
}

func TestFinalize_SummaryTruncated(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("tell me everything about your services ", 10)
	f := newFinalizer(t, trialTenant(), noLeadNoBooking())
	f.fin.Finalize(finishedCall(30*time.Second, userTurn(long)))

	sess := f.mem.GetSession("CA123")
	if len(sess.Summary) != 200 {
		t.Errorf("summary length = %d, want 200", len(sess.Summary))
	}
}

func TestFinalize_TransferredStatusPreserved(t *testing.T) {
	t.Parallel()

	f := newFinalizer(t, trialTenant(), noLeadNoBooking())
	call := finishedCall(30*time.Second, userTurn("get me a human"))
	call.Status = store.StatusTransferred

	f.fin.Finalize(call)

	if got := f.mem.GetSession("CA123").Status; got != store.StatusTransferred {
		t.Errorf("status = %q, want transferred", got)
	}
}

func TestFinalize_LeadPersistedWithCallerNumberBackfill(t *testing.T) {
	t.Parallel()

	responses := []*llm.CompletionResponse{
		{Content: `{"name": "Sarah Jones", "email": null, "phone": null, "notes": "asked about coloring"}`},
		{Content: `{"has_booking": false}`},
	}
	f := newFinalizer(t, trialTenant(), responses)
	f.fin.Finalize(finishedCall(30*time.Second, userTurn("hi, this is Sarah Jones")))

	if f.mem.LeadCount() != 1 {
		t.Fatalf("expected 1 lead, got %d", f.mem.LeadCount())
	}
	lead := f.mem.Leads[0]
	if lead.Name != "Sarah Jones" {
		t.Errorf("name = %q", lead.Name)
	}
	if lead.Phone != "+15559876543" {
		t.Errorf("phone not backfilled from caller number: %q", lead.Phone)
	}
	if lead.Source != "phone" || lead.Status != "new" {
		t.Errorf("lead defaults = %q/%q", lead.Source, lead.Status)
	}
}

func TestFinalize_NoLeadWhenNothingRecovered(t *testing.T) {
	t.Parallel()

	f := newFinalizer(t, trialTenant(), noLeadNoBooking())
	f.fin.Finalize(finishedCall(30*time.Second, userTurn("what are your hours?")))

	if f.mem.LeadCount() != 0 {
		t.Errorf("caller number alone must not create a lead, got %d", f.mem.LeadCount())
	}
}

func TestFinalize_BookingExtraction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		booking    string
		wantCount  int
		wantStatus string
	}{
		{
			name:       "confirmed with date and time",
			booking:    `{"has_booking": true, "date": "2026-09-01", "start_time": "14:00", "customer_name": "Sam"}`,
			wantCount:  1,
			wantStatus: store.AppointmentConfirmed,
		},
		{
			name:       "pending without start time",
			booking:    `{"has_booking": true, "date": "2026-09-01", "customer_name": "Sam"}`,
			wantCount:  1,
			wantStatus: store.AppointmentPending,
		},
		{
			name:      "no booking",
			booking:   `{"has_booking": false}`,
			wantCount: 0,
		},
		{
			name:      "booking without any detail",
			booking:   `{"has_booking": true}`,
			wantCount: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			responses := []*llm.CompletionResponse{
				{Content: `{"name": null, "email": null, "phone": null, "notes": null}`},
				{Content: tt.booking},
			}
			f := newFinalizer(t, trialTenant(), responses)
			f.fin.Finalize(finishedCall(30*time.Second, userTurn("book me in")))

			if f.mem.AppointmentCount() != tt.wantCount {
				t.Fatalf("appointments = %d, want %d", f.mem.AppointmentCount(), tt.wantCount)
			}
			if tt.wantCount == 1 && f.mem.Appointments[0].Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", f.mem.Appointments[0].Status, tt.wantStatus)
			}
		})
	}
}

func TestFinalize_BookingPassSkippedWhenAlreadyRecorded(t *testing.T) {
	t.Parallel()

	f := newFinalizer(t, trialTenant(), noLeadNoBooking())
	call := finishedCall(30*time.Second, userTurn("book me in"))
	call.BookingRecorded = true

	f.fin.Finalize(call)

	// Only the lead pass should have run.
	if got := len(f.llm.CompleteCalls); got != 1 {
		t.Errorf("expected 1 extraction pass, got %d", got)
	}
}

func TestFinalize_ExtractionSkippedWithoutUserTurns(t *testing.T) {
	t.Parallel()

	f := newFinalizer(t, trialTenant(), noLeadNoBooking())
	f.fin.Finalize(finishedCall(5 * time.Second))

	if got := len(f.llm.CompleteCalls); got != 0 {
		t.Errorf("extraction must be skipped for silent calls, got %d passes", got)
	}
}

func TestFinalize_StepIsolation(t *testing.T) {
	t.Parallel()

	f := newFinalizer(t, trialTenant(), nil)
	f.llm.CompleteErr = errors.New("llm down")

	f.fin.Finalize(finishedCall(30*time.Second, userTurn("hello")))

	// Extraction failed, but the session and minutes must still be persisted.
	if f.mem.GetSession("CA123") == nil {
		t.Error("session not persisted despite extraction failure")
	}
	tenant, _ := f.mem.GetTenant(t.Context(), "tenant-1")
	if tenant.TrialMinutesUsed != 1 {
		t.Errorf("minutes not charged: %d", tenant.TrialMinutesUsed)
	}
}

func TestFinalize_EndedAtDefaultsToNow(t *testing.T) {
	t.Parallel()

	f := newFinalizer(t, trialTenant(), noLeadNoBooking())
	call := finishedCall(0, userTurn("hi"))
	call.EndedAt = time.Time{}

	f.fin.Finalize(call)

	sess := f.mem.GetSession("CA123")
	if sess.DurationSeconds != 3600 {
		t.Errorf("duration = %d, want 3600 from injected clock", sess.DurationSeconds)
	}
}
