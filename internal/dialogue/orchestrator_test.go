package dialogue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/relayline/frontdesk/internal/observe"
	"github.com/relayline/frontdesk/internal/store"
	"github.com/relayline/frontdesk/pkg/provider/llm"
	llmmock "github.com/relayline/frontdesk/pkg/provider/llm/mock"
	ttsmock "github.com/relayline/frontdesk/pkg/provider/tts/mock"
	"github.com/relayline/frontdesk/pkg/types"
)

type emittedChunk struct {
	index int
	text  string
}

type fakeTransfer struct {
	calls []transferCall
	err   error
}

type transferCall struct {
	callSID string
	number  string
	summary string
}

func (f *fakeTransfer) TransferCall(_ context.Context, callSID, number, summary string) error {
	f.calls = append(f.calls, transferCall{callSID, number, summary})
	return f.err
}

type orchFixture struct {
	orch     *Orchestrator
	llm      *llmmock.Provider
	tts      *ttsmock.Provider
	mem      *store.MemStore
	transfer *fakeTransfer
	emitted  *[]emittedChunk
}

func newFixture(t *testing.T, tenant *store.Tenant, chunks []llm.Chunk) *orchFixture {
	t.Helper()

	f := &orchFixture{
		llm:      &llmmock.Provider{StreamChunks: chunks},
		tts:      &ttsmock.Provider{},
		mem:      store.NewMemStore(),
		transfer: &fakeTransfer{},
		emitted:  &[]emittedChunk{},
	}

	orch, err := New(Config{
		LLM:     f.llm,
		TTS:     f.tts,
		Voice:   types.VoiceProfile{ID: "voice-1", Name: "Rachel"},
		Tenant:  tenant,
		CallSID: "CA123",
		Calls:   f.mem,
		Transfer: f.transfer,
		EmitAudio: func(index int, mulaw []byte) {
			*f.emitted = append(*f.emitted, emittedChunk{index, string(mulaw)})
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    func() time.Time { return time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.orch = orch
	return f
}

func TestHandleUtterance_StreamsSentences(t *testing.T) {
	t.Parallel()

	f := newFixture(t, promptTenant(), []llm.Chunk{
		{Text: "Hello "},
		{Text: "there. We open "},
		{Text: "at 9 AM.", FinishReason: "stop"},
	})

	f.orch.HandleUtterance(t.Context(), "Hi, are you open?")

	want := []emittedChunk{
		{0, "Hello there."},
		{1, "We open at nine AM."},
	}
	assertEmitted(t, *f.emitted, want)

	turns := f.orch.Turns()
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Speaker != types.SpeakerUser || turns[0].Type != types.TurnTranscription {
		t.Errorf("turn 0 = %+v", turns[0])
	}
	if turns[1].Content != "Hello there. We open at 9 AM." {
		t.Errorf("assistant turn = %q", turns[1].Content)
	}

	if len(f.llm.StreamCalls) != 1 {
		t.Fatalf("expected 1 stream call, got %d", len(f.llm.StreamCalls))
	}
	req := f.llm.StreamCalls[0].Req
	if req.SystemPrompt == "" {
		t.Error("system prompt not set")
	}
	if req.MaxTokens != maxResponseTokens || req.Temperature != responseTemperature {
		t.Errorf("req bounds = %d/%v", req.MaxTokens, req.Temperature)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "Hi, are you open?" {
		t.Errorf("messages = %+v", req.Messages)
	}
}

func TestHandleUtterance_EmptyDiscarded(t *testing.T) {
	t.Parallel()

	f := newFixture(t, promptTenant(), nil)

	f.orch.HandleUtterance(t.Context(), "")
	f.orch.HandleUtterance(t.Context(), "   \t ")

	if len(f.llm.StreamCalls) != 0 {
		t.Errorf("empty utterances must not reach the LLM, got %d calls", len(f.llm.StreamCalls))
	}
	if len(f.orch.Turns()) != 0 {
		t.Errorf("empty utterances must not be logged, got %d turns", len(f.orch.Turns()))
	}
}

func TestHandleUtterance_TransferInitiated(t *testing.T) {
	t.Parallel()

	f := newFixture(t, promptTenant(), []llm.Chunk{
		{Text: "Of course, let me connect you now. INITIATING_TRANSFER", FinishReason: "stop"},
	})

	f.orch.HandleUtterance(t.Context(), "Can I talk to a person?")

	assertEmitted(t, *f.emitted, []emittedChunk{{0, "Of course, let me connect you now."}})

	if len(f.transfer.calls) != 1 {
		t.Fatalf("expected 1 transfer call, got %d", len(f.transfer.calls))
	}
	call := f.transfer.calls[0]
	if call.callSID != "CA123" || call.number != "+15551234567" {
		t.Errorf("transfer call = %+v", call)
	}
	if !strings.Contains(call.summary, "user: Can I talk to a person?") {
		t.Errorf("summary missing conversation: %q", call.summary)
	}

	if f.mem.TransferCount() != 1 {
		t.Fatalf("expected 1 transfer record, got %d", f.mem.TransferCount())
	}
	rec := f.mem.Transfers[0]
	if rec.Status != store.TransferInitiated || rec.Number != "+15551234567" {
		t.Errorf("record = %+v", rec)
	}
	if !f.orch.TransferStarted() {
		t.Error("TransferStarted should report true")
	}

	for _, turn := range f.orch.Turns() {
		if strings.Contains(turn.Content, MarkerTransfer) {
			t.Errorf("marker leaked into call log: %q", turn.Content)
		}
	}
}

func TestHandleUtterance_TransferNumberMissing(t *testing.T) {
	t.Parallel()

	tenant := promptTenant()
	tenant.TransferNumber = ""
	tenant.ContactEmail = "hello@sheargenius.example"

	f := newFixture(t, tenant, []llm.Chunk{
		{Text: "One moment please. INITIATING_TRANSFER", FinishReason: "stop"},
	})

	f.orch.HandleUtterance(t.Context(), "Get me a human.")

	if len(f.transfer.calls) != 0 {
		t.Error("transfer API must not be called without a number")
	}
	if len(*f.emitted) != 2 {
		t.Fatalf("expected sentence plus fallback, got %d chunks", len(*f.emitted))
	}
	fallback := (*f.emitted)[1]
	if fallback.index != 1 {
		t.Errorf("fallback index = %d, want 1", fallback.index)
	}
	if !strings.Contains(fallback.text, "hello@sheargenius.example") {
		t.Errorf("fallback missing contact email: %q", fallback.text)
	}

	if f.mem.TransferCount() != 1 {
		t.Fatalf("expected failed transfer record")
	}
	rec := f.mem.Transfers[0]
	if rec.Status != store.TransferFailed || rec.Reason != "number not configured" {
		t.Errorf("record = %+v", rec)
	}
	if f.orch.TransferStarted() {
		t.Error("fallback path must not report a started transfer")
	}
}

func TestHandleUtterance_TransferDisabled(t *testing.T) {
	t.Parallel()

	tenant := promptTenant()
	tenant.TransferEnabled = false

	f := newFixture(t, tenant, []llm.Chunk{
		{Text: "Sure thing. INITIATING_TRANSFER", FinishReason: "stop"},
	})

	f.orch.HandleUtterance(t.Context(), "Transfer me.")

	if len(f.transfer.calls) != 0 || f.mem.TransferCount() != 0 {
		t.Error("disabled tenant must produce no transfer side effects")
	}
	assertEmitted(t, *f.emitted, []emittedChunk{{0, "Sure thing."}})

	turns := f.orch.Turns()
	last := turns[len(turns)-1]
	if last.Content != "Sure thing." {
		t.Errorf("assistant turn = %q, marker not stripped", last.Content)
	}
}

func TestHandleUtterance_TransferAPIFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, promptTenant(), []llm.Chunk{
		{Text: "Connecting you. INITIATING_TRANSFER", FinishReason: "stop"},
	})
	f.transfer.err = errors.New("carrier rejected update")

	f.orch.HandleUtterance(t.Context(), "Human please.")

	if f.mem.TransferCount() != 1 {
		t.Fatalf("expected failed transfer record")
	}
	rec := f.mem.Transfers[0]
	if rec.Status != store.TransferFailed || rec.Reason != "carrier rejected update" {
		t.Errorf("record = %+v", rec)
	}
	if f.orch.TransferStarted() {
		t.Error("failed transfer must not report started")
	}
}

func TestHandleUtterance_BookingConfirmed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, promptTenant(), []llm.Chunk{
		{Text: bookingResponse, FinishReason: "stop"},
	})

	f.orch.HandleUtterance(t.Context(), "Book me for Tuesday at two.")

	if f.mem.AppointmentCount() != 1 {
		t.Fatalf("expected 1 appointment, got %d", f.mem.AppointmentCount())
	}
	appt := f.mem.Appointments[0]
	if appt.Status != store.AppointmentConfirmed {
		t.Errorf("status = %q", appt.Status)
	}
	if appt.Date != "2026-09-01" || appt.StartTime != "14:00" || appt.CustomerName != "Sarah Jones" {
		t.Errorf("appointment = %+v", appt)
	}
	if appt.TenantID != "tenant-1" || appt.CallSID != "CA123" {
		t.Errorf("appointment keys = %q/%q", appt.TenantID, appt.CallSID)
	}

	if len(*f.emitted) != 2 {
		t.Fatalf("expected prose plus confirmation, got %d chunks", len(*f.emitted))
	}
	confirmation := (*f.emitted)[1]
	if confirmation.index != 1 {
		t.Errorf("confirmation index = %d", confirmation.index)
	}
	if !strings.Contains(confirmation.text, "September one") || !strings.Contains(confirmation.text, "two PM") {
		t.Errorf("confirmation = %q", confirmation.text)
	}

	for _, turn := range f.orch.Turns() {
		if strings.Contains(turn.Content, "DATE:") || strings.Contains(turn.Content, MarkerBooking) {
			t.Errorf("booking block leaked into call log: %q", turn.Content)
		}
	}
}

func TestHandleUtterance_BookingIncomplete(t *testing.T) {
	t.Parallel()

	f := newFixture(t, promptTenant(), []llm.Chunk{
		{Text: "Let me book that. BOOKING_APPOINTMENT\nDATE: 2026-09-01\nSTART_TIME: 14:00", FinishReason: "stop"},
	})

	f.orch.HandleUtterance(t.Context(), "Book me in.")

	if f.mem.AppointmentCount() != 0 {
		t.Error("incomplete booking block must not persist an appointment")
	}
	// Only the prose sentence plays; no confirmation.
	assertEmitted(t, *f.emitted, []emittedChunk{{0, "Let me book that."}})
}

func TestHandleUtterance_LLMFailureSpeaksApology(t *testing.T) {
	t.Parallel()

	f := newFixture(t, promptTenant(), nil)
	f.llm.StreamErr = errors.New("upstream 500")

	f.orch.HandleUtterance(t.Context(), "Hello?")

	if len(*f.emitted) != 1 || (*f.emitted)[0].index != 0 {
		t.Fatalf("expected single apology chunk at index 0, got %+v", *f.emitted)
	}
	if !strings.Contains((*f.emitted)[0].text, "having a little trouble") {
		t.Errorf("apology text = %q", (*f.emitted)[0].text)
	}

	turns := f.orch.Turns()
	last := turns[len(turns)-1]
	if last.Type != types.TurnAIResponse || last.Content != apologySentence {
		t.Errorf("apology turn = %+v", last)
	}
}

func TestHandleUtterance_TTSFailureKeepsIndicesContiguous(t *testing.T) {
	t.Parallel()

	f := newFixture(t, promptTenant(), []llm.Chunk{
		{Text: "First sentence. Second sentence.", FinishReason: "stop"},
	})
	f.tts.SynthesizeFunc = func(_ context.Context, text string, _ types.VoiceProfile) ([]byte, error) {
		if text == "First sentence." {
			return nil, errors.New("tts 503")
		}
		return []byte(text), nil
	}

	f.orch.HandleUtterance(t.Context(), "Talk to me.")

	// The failed sentence is silent; the surviving one must still start at 0.
	assertEmitted(t, *f.emitted, []emittedChunk{{0, "Second sentence."}})
}

func TestSpeakGreeting(t *testing.T) {
	t.Parallel()

	f := newFixture(t, promptTenant(), nil)

	f.orch.SpeakGreeting(t.Context())

	assertEmitted(t, *f.emitted, []emittedChunk{{0, "Thanks for calling Shear Genius!"}})
	turns := f.orch.Turns()
	if len(turns) != 1 || turns[0].Type != types.TurnGreeting {
		t.Fatalf("turns = %+v", turns)
	}
}

func TestSpeakGreeting_DefaultIntro(t *testing.T) {
	t.Parallel()

	tenant := promptTenant()
	tenant.IntroText = ""
	f := newFixture(t, tenant, nil)

	f.orch.SpeakGreeting(t.Context())

	if len(*f.emitted) != 1 || !strings.Contains((*f.emitted)[0].text, "Thank you for calling Shear Genius") {
		t.Errorf("emitted = %+v", *f.emitted)
	}
}

func TestHandleUtterance_HistoryWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, promptTenant(), []llm.Chunk{
		{Text: "Noted.", FinishReason: "stop"},
	})

	for i := 0; i < 8; i++ {
		f.orch.HandleUtterance(t.Context(), "Tell me more.")
	}

	last := f.llm.StreamCalls[len(f.llm.StreamCalls)-1].Req
	if len(last.Messages) != historyWindow {
		t.Errorf("window = %d messages, want %d", len(last.Messages), historyWindow)
	}
	if last.Messages[len(last.Messages)-1].Role != "user" {
		t.Error("window must end with the current user utterance")
	}
}

func TestHandleUtterance_CustomerNameCapture(t *testing.T) {
	t.Parallel()

	f := newFixture(t, promptTenant(), []llm.Chunk{
		{Text: "Nice to meet you.", FinishReason: "stop"},
	})

	f.orch.HandleUtterance(t.Context(), "Hi, my name is Sarah Jones.")
	if got := f.orch.CustomerName(); got != "Sarah Jones" {
		t.Fatalf("CustomerName = %q", got)
	}

	f.orch.HandleUtterance(t.Context(), "What are your hours?")
	last := f.llm.StreamCalls[len(f.llm.StreamCalls)-1].Req
	if !strings.Contains(last.SystemPrompt, "The caller's name is Sarah Jones.") {
		t.Error("captured name missing from system prompt")
	}
}

func TestHandleUtterance_RecordsPipelineMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	orch, err := New(Config{
		LLM:       &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Hello there. We are open.", FinishReason: "stop"}}},
		TTS:       &ttsmock.Provider{},
		Voice:     types.VoiceProfile{ID: "voice-1", Name: "Rachel"},
		Tenant:    promptTenant(),
		CallSID:   "CA123",
		Calls:     store.NewMemStore(),
		EmitAudio: func(int, []byte) {},
		Metrics:   metrics,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	orch.HandleUtterance(t.Context(), "Hi, are you open?")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	find := func(name string) *metricdata.Metrics {
		for _, sm := range rm.ScopeMetrics {
			for i := range sm.Metrics {
				if sm.Metrics[i].Name == name {
					return &sm.Metrics[i]
				}
			}
		}
		return nil
	}

	llmDur := find("frontdesk.llm.duration")
	if llmDur == nil {
		t.Fatal("frontdesk.llm.duration not recorded")
	}
	if got := llmDur.Data.(metricdata.Histogram[float64]).DataPoints[0].Count; got != 1 {
		t.Errorf("llm duration samples = %d, want 1", got)
	}

	// Two sentences, two synthesis calls.
	ttsDur := find("frontdesk.tts.duration")
	if ttsDur == nil {
		t.Fatal("frontdesk.tts.duration not recorded")
	}
	if got := ttsDur.Data.(metricdata.Histogram[float64]).DataPoints[0].Count; got != 2 {
		t.Errorf("tts duration samples = %d, want 2", got)
	}

	reqs := find("frontdesk.provider.requests")
	if reqs == nil {
		t.Fatal("frontdesk.provider.requests not recorded")
	}
	counts := map[string]int64{}
	for _, dp := range reqs.Data.(metricdata.Sum[int64]).DataPoints {
		prov, _ := dp.Attributes.Value(attribute.Key("provider"))
		status, _ := dp.Attributes.Value(attribute.Key("status"))
		counts[prov.AsString()+"/"+status.AsString()] = dp.Value
	}
	if counts["llm/ok"] != 1 {
		t.Errorf("llm/ok requests = %d, want 1", counts["llm/ok"])
	}
	if counts["tts/ok"] != 2 {
		t.Errorf("tts/ok requests = %d, want 2", counts["tts/ok"])
	}
}

func TestHandleUtterance_RecordsProviderErrorStatus(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	orch, err := New(Config{
		LLM:       &llmmock.Provider{StreamErr: errors.New("upstream 500")},
		TTS:       &ttsmock.Provider{},
		Voice:     types.VoiceProfile{ID: "voice-1", Name: "Rachel"},
		Tenant:    promptTenant(),
		CallSID:   "CA123",
		Calls:     store.NewMemStore(),
		EmitAudio: func(int, []byte) {},
		Metrics:   metrics,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	orch.HandleUtterance(t.Context(), "Hello?")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name != "frontdesk.provider.requests" {
				continue
			}
			for _, dp := range sm.Metrics[i].Data.(metricdata.Sum[int64]).DataPoints {
				prov, _ := dp.Attributes.Value(attribute.Key("provider"))
				status, _ := dp.Attributes.Value(attribute.Key("status"))
				if prov.AsString() == "llm" && status.AsString() == "error" && dp.Value == 1 {
					return
				}
			}
		}
	}
	t.Error("expected one llm/error provider request")
}

func assertEmitted(t *testing.T, got, want []emittedChunk) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("emitted %d chunks, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
