// Package dialogue drives the per-call conversation loop.
//
// The Orchestrator owns the conversation history and session memory for one
// call. Each final utterance from STT becomes one streaming LLM request whose
// output is chunked at sentence boundaries, synthesised per sentence, and
// emitted with monotonic chunk indices. After the stream ends the accumulated
// response is scanned for in-band markers (transfer, booking) and the marker
// side effects run before the clean text is appended to history.
package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/relayline/frontdesk/internal/observe"
	"github.com/relayline/frontdesk/internal/store"
	"github.com/relayline/frontdesk/pkg/provider/llm"
	"github.com/relayline/frontdesk/pkg/provider/tts"
	"github.com/relayline/frontdesk/pkg/types"
)

const (
	// historyWindow is how many trailing turns are sent to the LLM.
	historyWindow = 10

	// maxResponseTokens bounds each reply; phone answers are short by design.
	maxResponseTokens = 150

	responseTemperature = 0.7

	// synthesisTimeout bounds each per-sentence TTS request.
	synthesisTimeout = 30 * time.Second

	// apologySentence is spoken when the LLM fails mid-call.
	apologySentence = "I'm sorry, I'm having a little trouble right now. Could you say that again?"
)

// Transferer hands the live call to a human agent via the carrier's telephony
// control API.
type Transferer interface {
	TransferCall(ctx context.Context, callSID, number, summary string) error
}

// Config carries everything an Orchestrator needs for one call.
type Config struct {
	LLM    llm.Provider
	TTS    tts.Provider
	Voice  types.VoiceProfile
	Tenant *store.Tenant

	CallSID string

	// Calls receives transfer and appointment records produced by marker
	// handlers.
	Calls store.CallStore

	// Transfer may be nil; the transfer marker then always takes the fallback
	// path.
	Transfer Transferer

	// EmitAudio receives each synthesised sentence with its chunk index.
	// Indices restart at 0 for every response.
	EmitAudio func(index int, mulaw []byte)

	// Metrics records stage latencies and provider outcomes. May be nil.
	Metrics *observe.Metrics

	Logger *slog.Logger

	// Now is indirected for tests. Nil means time.Now.
	Now func() time.Time
}

// Orchestrator maintains one call's dialogue state. All exported methods are
// safe for concurrent use, but utterance handling is single-flight: finals
// arriving while a turn is in progress are discarded.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	busy    bool
	history []types.Message
	turns   []types.Turn

	introPlayed      bool
	pricingDiscussed bool
	customerName     string
	transferStarted  bool
	bookingRecorded  bool
}

// New creates an Orchestrator for one call.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.LLM == nil || cfg.TTS == nil || cfg.Tenant == nil {
		return nil, fmt.Errorf("dialogue: LLM, TTS, and Tenant are required")
	}
	if cfg.EmitAudio == nil {
		return nil, fmt.Errorf("dialogue: EmitAudio is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{cfg: cfg, logger: logger, now: now}, nil
}

// SpeakGreeting synthesises the tenant's intro text as chunk 0 of a synthetic
// response, so ordering and half-duplex gating hold during the greeting too.
func (o *Orchestrator) SpeakGreeting(ctx context.Context) {
	intro := o.cfg.Tenant.IntroText
	if intro == "" {
		intro = fmt.Sprintf("Thank you for calling %s. How can I help you today?", o.cfg.Tenant.BusinessName)
	}

	o.synthesize(ctx, 0, intro)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.introPlayed = true
	o.history = append(o.history, types.Message{Role: "assistant", Content: intro})
	o.turns = append(o.turns, types.Turn{
		Speaker:   types.SpeakerAssistant,
		Content:   intro,
		Type:      types.TurnGreeting,
		Timestamp: o.now(),
	})
}

// HandleUtterance processes one final utterance end to end: LLM stream,
// per-sentence synthesis, marker side effects, history update.
//
// Empty or whitespace-only utterances are discarded with no LLM call. When a
// previous turn is still in progress the utterance is dropped.
func (o *Orchestrator) HandleUtterance(ctx context.Context, utterance string) {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return
	}

	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		o.logger.Debug("utterance dropped, turn in progress", "call_sid", o.cfg.CallSID)
		return
	}
	o.busy = true
	o.history = append(o.history, types.Message{Role: "user", Content: utterance})
	o.turns = append(o.turns, types.Turn{
		Speaker:   types.SpeakerUser,
		Content:   utterance,
		Type:      types.TurnTranscription,
		Timestamp: o.now(),
	})
	o.extractCustomerNameLocked(utterance)
	req := o.buildRequestLocked()
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.busy = false
		o.mu.Unlock()
	}()

	full, nextIndex := o.streamResponse(ctx, req)
	if full == "" {
		return
	}

	nextIndex = o.handleTransferMarker(ctx, full, nextIndex)
	o.handleBookingMarker(ctx, full, nextIndex)

	clean := StripMarkers(full)
	o.mu.Lock()
	if clean != "" {
		o.history = append(o.history, types.Message{Role: "assistant", Content: clean})
		o.turns = append(o.turns, types.Turn{
			Speaker:   types.SpeakerAssistant,
			Content:   clean,
			Type:      types.TurnAIResponse,
			Timestamp: o.now(),
		})
	}
	if strings.Contains(clean, "dollars") || strings.Contains(clean, "$") {
		o.pricingDiscussed = true
	}
	o.mu.Unlock()
}

// Busy reports whether an utterance is currently being processed.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy
}

// TransferStarted reports whether a transfer was successfully initiated.
func (o *Orchestrator) TransferStarted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transferStarted
}

// BookingRecorded reports whether an appointment was persisted during the
// call. The finaliser skips its booking extraction pass when true.
func (o *Orchestrator) BookingRecorded() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bookingRecorded
}

// Turns returns a copy of the full conversation log for the finaliser.
func (o *Orchestrator) Turns() []types.Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	turns := make([]types.Turn, len(o.turns))
	copy(turns, o.turns)
	return turns
}

// CustomerName returns the caller name captured from the conversation, if any.
func (o *Orchestrator) CustomerName() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.customerName
}

// HistoryText renders the conversation as "role: text" lines, used as the
// summary handed to a human agent on transfer.
func (o *Orchestrator) HistoryText() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var sb strings.Builder
	for _, m := range o.history {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	return sb.String()
}

// ─── streaming ───────────────────────────────────────────────────────────────

// streamResponse runs one streaming completion, flushing complete sentences
// to TTS as they appear. It returns the full accumulated text (markers
// included) and the next free chunk index.
func (o *Orchestrator) streamResponse(ctx context.Context, req llm.CompletionRequest) (string, int) {
	llmStart := time.Now()
	ch, err := o.cfg.LLM.StreamCompletion(ctx, req)
	if err != nil {
		o.logger.Error("llm stream failed", "call_sid", o.cfg.CallSID, "error", err)
		o.cfg.Metrics.ProviderRequest(ctx, "llm", "error")
		o.cfg.Metrics.ProviderError(ctx, "llm")
		o.speakApology(ctx)
		return "", 0
	}

	var full, buf strings.Builder
	index := 0

	// Chunk indices must stay contiguous or downstream playback stalls, so
	// the index only advances when audio was actually emitted. Sentences that
	// are marker-only, or whose synthesis failed, consume no index.
	flush := func(sentence string) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			return
		}
		if spoken := StripMarkers(sentence); spoken != "" {
			if o.synthesize(ctx, index, spoken) {
				index++
			}
		}
	}

	streamOK := true
	for chunk := range ch {
		if chunk.FinishReason == "error" {
			o.logger.Error("llm stream error", "call_sid", o.cfg.CallSID, "error", chunk.Text)
			o.cfg.Metrics.ProviderError(ctx, "llm")
			streamOK = false
			break
		}
		if chunk.Text == "" {
			continue
		}
		full.WriteString(chunk.Text)
		buf.WriteString(chunk.Text)

		for {
			idx := firstSentenceBoundary(buf.String())
			if idx < 0 {
				break
			}
			sentence := buf.String()[:idx+1]
			rest := strings.TrimLeft(buf.String()[idx+1:], " \t\n\r")
			buf.Reset()
			buf.WriteString(rest)
			flush(sentence)
		}
	}

	// Flush whatever remains as the final chunk.
	flush(buf.String())

	o.cfg.Metrics.RecordLLMDuration(ctx, time.Since(llmStart))
	if streamOK {
		o.cfg.Metrics.ProviderRequest(ctx, "llm", "ok")
	} else {
		o.cfg.Metrics.ProviderRequest(ctx, "llm", "error")
	}

	if full.Len() == 0 {
		o.speakApology(ctx)
		return "", 0
	}
	return full.String(), index
}

// speakApology emits the fixed apology as a single-chunk response and logs it
// as an assistant turn.
func (o *Orchestrator) speakApology(ctx context.Context) {
	o.synthesize(ctx, 0, apologySentence)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.turns = append(o.turns, types.Turn{
		Speaker:   types.SpeakerAssistant,
		Content:   apologySentence,
		Type:      types.TurnAIResponse,
		Timestamp: o.now(),
	})
}

// synthesize converts one sentence to audio and emits it, reporting whether
// audio was emitted. TTS failure means a silent turn: the error is logged and
// the call stays open.
func (o *Orchestrator) synthesize(ctx context.Context, index int, text string) bool {
	sctx, cancel := context.WithTimeout(ctx, synthesisTimeout)
	defer cancel()

	start := time.Now()
	samples, err := o.cfg.TTS.Synthesize(sctx, NormalizeForSpeech(text), o.cfg.Voice)
	if err != nil {
		o.logger.Error("tts synthesis failed", "call_sid", o.cfg.CallSID, "chunk", index, "error", err)
		o.cfg.Metrics.ProviderRequest(ctx, "tts", "error")
		o.cfg.Metrics.ProviderError(ctx, "tts")
		return false
	}
	o.cfg.Metrics.RecordTTSDuration(ctx, time.Since(start))
	o.cfg.Metrics.ProviderRequest(ctx, "tts", "ok")
	o.cfg.EmitAudio(index, samples)
	return true
}

// buildRequestLocked assembles the completion request from the system prompt
// and the trailing history window. Caller must hold o.mu.
func (o *Orchestrator) buildRequestLocked() llm.CompletionRequest {
	system := BuildSystemPrompt(o.cfg.Tenant, o.cfg.Voice, o.now())
	if o.customerName != "" {
		system += fmt.Sprintf("\nThe caller's name is %s.\n", o.customerName)
	}

	tail := o.history
	if len(tail) > historyWindow {
		tail = tail[len(tail)-historyWindow:]
	}
	msgs := make([]types.Message, len(tail))
	copy(msgs, tail)

	return llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     msgs,
		MaxTokens:    maxResponseTokens,
		Temperature:  responseTemperature,
	}
}

// ─── marker side effects ─────────────────────────────────────────────────────

// handleTransferMarker runs the transfer state machine when the response
// contains the transfer sentinel. It returns the next free chunk index.
func (o *Orchestrator) handleTransferMarker(ctx context.Context, full string, nextIndex int) int {
	if !HasTransferMarker(full) {
		return nextIndex
	}
	tenant := o.cfg.Tenant

	if !tenant.TransferEnabled {
		// Marker is stripped from history by the caller; nothing else to do.
		return nextIndex
	}

	if tenant.TransferNumber == "" {
		fallback := fmt.Sprintf(
			"I'm sorry, no one is available to take your call right now. Please reach us by email at %s.",
			tenant.ContactEmail)
		if o.synthesize(ctx, nextIndex, fallback) {
			nextIndex++
		}

		o.recordTransfer(ctx, store.TransferFailed, "", "number not configured")
		o.appendTurn(types.SpeakerAssistant, fallback, types.TurnTransferFallback)
		return nextIndex
	}

	summary := o.HistoryText()
	if o.cfg.Transfer == nil {
		o.recordTransfer(ctx, store.TransferFailed, tenant.TransferNumber, "transfer client not configured")
		return nextIndex
	}
	if err := o.cfg.Transfer.TransferCall(ctx, o.cfg.CallSID, tenant.TransferNumber, summary); err != nil {
		o.logger.Error("transfer failed", "call_sid", o.cfg.CallSID, "error", err)
		o.recordTransfer(ctx, store.TransferFailed, tenant.TransferNumber, err.Error())
		return nextIndex
	}

	o.recordTransfer(ctx, store.TransferInitiated, tenant.TransferNumber, "")
	o.appendTurn(types.SpeakerSystem, "call transferred to "+tenant.TransferNumber, types.TurnTransfer)
	o.mu.Lock()
	o.transferStarted = true
	o.mu.Unlock()
	return nextIndex
}

// handleBookingMarker parses the booking block and persists the appointment.
func (o *Orchestrator) handleBookingMarker(ctx context.Context, full string, nextIndex int) {
	if !HasBookingMarker(full) {
		return
	}
	req, ok := ParseBookingBlock(full)
	if !ok || !req.Complete() {
		o.logger.Warn("booking block incomplete, ignoring",
			"call_sid", o.cfg.CallSID, "parsed", fmt.Sprintf("%+v", req))
		return
	}

	appt := &store.Appointment{
		TenantID:      o.cfg.Tenant.ID,
		CallSID:       o.cfg.CallSID,
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		CustomerEmail: req.CustomerEmail,
		Date:          req.Date,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
		Service:       req.Service,
		Notes:         req.Notes,
		Status:        store.AppointmentConfirmed,
	}

	if o.cfg.Calls != nil {
		if err := o.cfg.Calls.InsertAppointment(ctx, appt); err != nil {
			o.logger.Error("appointment insert failed", "call_sid", o.cfg.CallSID, "error", err)
			o.appendTurn(types.SpeakerSystem, "booking could not be saved", types.TurnBookingError)
			return
		}
	}

	o.mu.Lock()
	o.bookingRecorded = true
	o.mu.Unlock()

	confirmation := fmt.Sprintf("You're all set for %s at %s. We look forward to seeing you.",
		spokenDate(req.Date), spokenTime(req.StartTime))
	o.synthesize(ctx, nextIndex, confirmation)
	o.appendTurn(types.SpeakerAssistant, confirmation, types.TurnBookingConfirmation)
}

// spokenDate renders a YYYY-MM-DD booking date in a form a voice can read.
// Unparseable input passes through untouched.
func spokenDate(date string) string {
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		return date
	}
	return d.Format("Monday, January 2")
}

// spokenTime renders an HH:MM booking time in a form a voice can read.
func spokenTime(clock string) string {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return clock
	}
	if t.Minute() == 0 {
		return t.Format("3 PM")
	}
	return t.Format("3:04 PM")
}

// recordTransfer persists a transfer record, logging failures.
func (o *Orchestrator) recordTransfer(ctx context.Context, status, number, reason string) {
	if o.cfg.Calls == nil {
		return
	}
	rec := &store.TransferRecord{
		TenantID: o.cfg.Tenant.ID,
		CallSID:  o.cfg.CallSID,
		Number:   number,
		Summary:  o.HistoryText(),
		Status:   status,
		Reason:   reason,
	}
	if err := o.cfg.Calls.InsertTransfer(ctx, rec); err != nil {
		o.logger.Error("transfer record insert failed", "call_sid", o.cfg.CallSID, "error", err)
	}
}

// appendTurn adds one turn to the call log.
func (o *Orchestrator) appendTurn(speaker types.Speaker, content string, turnType types.TurnType) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.turns = append(o.turns, types.Turn{
		Speaker:   speaker,
		Content:   content,
		Type:      turnType,
		Timestamp: o.now(),
	})
}

// ─── session variables ───────────────────────────────────────────────────────

var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:my name is|My name is) ([A-Z][a-zA-Z]+(?: [A-Z][a-zA-Z]+)?)`),
	regexp.MustCompile(`(?:this is|This is) ([A-Z][a-zA-Z]+(?: [A-Z][a-zA-Z]+)?)`),
	regexp.MustCompile(`(?:I'm|I am) ([A-Z][a-zA-Z]+(?: [A-Z][a-zA-Z]+)?)`),
}

// extractCustomerNameLocked captures the caller's name from common phrasings.
// Caller must hold o.mu. The first capture wins; later phrases do not
// overwrite it.
func (o *Orchestrator) extractCustomerNameLocked(utterance string) {
	if o.customerName != "" {
		return
	}
	for _, re := range namePatterns {
		if m := re.FindStringSubmatch(utterance); m != nil {
			o.customerName = m[1]
			return
		}
	}
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// character that is immediately followed by a whitespace character. Returns -1
// if no such boundary exists in s.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}
