// Package ingress owns the carrier-facing side of a call: the media WebSocket,
// the per-call session state machine, and the session registry.
//
// One Session is bound per carrier call id. The session multiplexes three
// peers: the carrier socket it reads frames from, the STT socket it forwards
// caller audio to, and the dialogue pipeline whose synthesised sentences it
// writes back. All carrier writes go through one mutex so the greeting, the
// reassembly queue, and the hangup frame never interleave.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relayline/frontdesk/internal/dialogue"
	"github.com/relayline/frontdesk/internal/finalize"
	"github.com/relayline/frontdesk/internal/gate"
	"github.com/relayline/frontdesk/internal/observe"
	"github.com/relayline/frontdesk/internal/playback"
	"github.com/relayline/frontdesk/internal/store"
	"github.com/relayline/frontdesk/pkg/audio"
	"github.com/relayline/frontdesk/pkg/provider/llm"
	"github.com/relayline/frontdesk/pkg/provider/stt"
	"github.com/relayline/frontdesk/pkg/provider/tts"
	"github.com/relayline/frontdesk/pkg/types"
)

const (
	// startDeadline bounds the wait for the carrier start frame. A socket that
	// never sends start is torn down with no state persisted.
	startDeadline = 10 * time.Second

	// rejectionBudget caps how long a denied caller may spend listening to the
	// rejection message before the hangup frame is forced out.
	rejectionBudget = 10 * time.Second

	// synthesisTimeout bounds the rejection-message TTS request.
	synthesisTimeout = 30 * time.Second
)

// Conn is the minimal frame transport a Session needs. Production sessions
// wrap a carrier WebSocket; tests supply an in-memory implementation.
type Conn interface {
	// ReadFrame returns the next raw frame from the carrier.
	ReadFrame(ctx context.Context) ([]byte, error)
	// WriteFrame delivers one raw frame to the carrier.
	WriteFrame(ctx context.Context, data []byte) error
	Close() error
}

// Deps carries the shared dependencies every Session draws on. All fields
// except Transfer and Metrics are required.
type Deps struct {
	Tenants  store.TenantStore
	Calls    store.CallStore
	Gate     *gate.Gate
	STT      stt.Provider
	LLM      llm.Provider
	TTS      tts.Provider
	Transfer dialogue.Transferer
	Final    *finalize.Finalizer
	Registry *Registry
	Metrics  *observe.Metrics
	Logger   *slog.Logger

	// Now is indirected for tests. Nil means time.Now.
	Now func() time.Time
}

// ValidateDeps reports whether deps is complete enough to serve calls.
// Servers call this once at startup instead of failing the first call.
func ValidateDeps(d Deps) error {
	return d.validate()
}

func (d Deps) validate() error {
	if d.Tenants == nil || d.Calls == nil || d.Gate == nil {
		return fmt.Errorf("ingress: Tenants, Calls, and Gate are required")
	}
	if d.STT == nil || d.LLM == nil || d.TTS == nil {
		return fmt.Errorf("ingress: STT, LLM, and TTS providers are required")
	}
	if d.Final == nil {
		return fmt.Errorf("ingress: finalizer is required")
	}
	return nil
}

// Session drives one call from upgrade to finalisation. Create with
// NewSession, then call Run exactly once.
type Session struct {
	conn    Conn
	deps    Deps
	callSID string
	logger  *slog.Logger
	now     func() time.Time

	cancel context.CancelFunc

	writeMu sync.Mutex

	// speaking gates caller audio: while assistant playback is in flight, no
	// bytes are forwarded to STT.
	speaking atomic.Bool

	// lastAudio is the wall-clock UnixNano of the most recent caller audio
	// forwarded to STT, consumed when the matching final transcript arrives.
	lastAudio atomic.Int64
	markMu   sync.Mutex
	pending  int
	markSeq  int

	streamSID    string
	callerNumber string
	startedAt    time.Time
	admitted     bool

	tenant *store.Tenant
	voice  types.VoiceProfile

	sttSession stt.SessionHandle
	orch       *dialogue.Orchestrator
	queue      *playback.Queue

	done        chan struct{}
	wg          sync.WaitGroup
	cleanupOnce sync.Once
}

// NewSession binds a session to callSID and registers it. A second session
// for the same call id is rejected.
func NewSession(callSID string, conn Conn, deps Deps) (*Session, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if callSID == "" {
		return nil, fmt.Errorf("ingress: call SID is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	s := &Session{
		conn:    conn,
		deps:    deps,
		callSID: callSID,
		logger:  logger.With("call_sid", callSID),
		now:     now,
		done:    make(chan struct{}),
	}
	if deps.Registry != nil {
		if err := deps.Registry.Add(callSID, s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Run processes the call until the carrier socket closes or sends stop, then
// finalises. It returns the error that ended the session, nil on a normal
// hangup.
func (s *Session) Run(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	defer s.cleanup()

	start, err := s.awaitStart(ctx)
	if err != nil {
		return err
	}

	clientID := start.CustomParameters["client_id"]
	if clientID == "" {
		return fmt.Errorf("start frame missing client_id")
	}
	s.streamSID = start.StreamSID
	s.callerNumber = start.CustomParameters["caller"]
	s.startedAt = s.now()

	tenant, err := s.deps.Tenants.GetTenant(ctx, clientID)
	if err != nil {
		return fmt.Errorf("loading tenant %s: %w", clientID, err)
	}
	if tenant == nil {
		return fmt.Errorf("unknown tenant %s", clientID)
	}
	s.tenant = tenant
	s.voice = s.loadVoice(ctx, tenant)

	decision := s.deps.Gate.Check(ctx, tenant)
	if !decision.Allowed {
		s.deps.Metrics.CallDenied(ctx, decision.Reason)
		s.logger.Info("call denied", "tenant_id", tenant.ID, "reason", decision.Reason)
		s.reject(ctx, decision.Reason)
		return nil
	}
	s.admitted = true
	s.deps.Metrics.CallStarted(ctx)
	s.logger.Info("call admitted",
		"tenant_id", tenant.ID, "reason", decision.Reason, "caller", s.callerNumber)

	if err := s.startPipeline(ctx); err != nil {
		return err
	}

	return s.readLoop(ctx)
}

// awaitStart consumes frames until the start frame arrives. connected frames
// and anything else before start are ignored.
func (s *Session) awaitStart(ctx context.Context) (*StartFrame, error) {
	ctx, cancel := context.WithTimeout(ctx, startDeadline)
	defer cancel()

	for {
		data, err := s.conn.ReadFrame(ctx)
		if err != nil {
			return nil, fmt.Errorf("waiting for start frame: %w", err)
		}
		frame, err := parseFrame(data)
		if err != nil {
			s.logger.Warn("malformed frame before start", "error", err)
			continue
		}
		switch frame.Event {
		case EventStart:
			if frame.Start == nil {
				return nil, fmt.Errorf("start frame without payload")
			}
			if frame.Start.StreamSID == "" {
				frame.Start.StreamSID = frame.StreamSID
			}
			return frame.Start, nil
		case EventConnected:
			// Handshake ack, no state change.
		default:
			s.logger.Debug("frame before start ignored", "event", frame.Event)
		}
	}
}

// loadVoice resolves the tenant's voice profile, degrading to an empty
// profile when the lookup fails.
func (s *Session) loadVoice(ctx context.Context, tenant *store.Tenant) types.VoiceProfile {
	if tenant.VoiceProfileID == "" {
		return types.VoiceProfile{}
	}
	voice, err := s.deps.Tenants.GetVoiceProfile(ctx, tenant.VoiceProfileID)
	if err != nil || voice == nil {
		s.logger.Warn("voice profile unavailable",
			"voice_profile_id", tenant.VoiceProfileID, "error", err)
		return types.VoiceProfile{}
	}
	return *voice
}

// startPipeline connects STT, the dialogue orchestrator, and the reassembly
// queue, then plays the greeting.
func (s *Session) startPipeline(ctx context.Context) error {
	sttSess, err := s.deps.STT.StartStream(ctx, stt.StreamConfig{
		Encoding:   "mulaw",
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
	})
	if err != nil {
		// The call continues without understanding; a graceful caller hangup
		// still finalises.
		s.deps.Metrics.ProviderRequest(ctx, "stt", "error")
		s.deps.Metrics.ProviderError(ctx, "stt")
		s.logger.Error("stt connect failed, call degraded", "error", err)
	} else {
		s.sttSession = sttSess
		s.deps.Metrics.ProviderRequest(ctx, "stt", "ok")
	}

	s.queue = playback.New(func(mulaw []byte) {
		s.sendAudio(ctx, mulaw)
	}, playback.WithMetrics(s.deps.Metrics))

	orch, err := dialogue.New(dialogue.Config{
		LLM:      s.deps.LLM,
		TTS:      s.deps.TTS,
		Voice:    s.voice,
		Tenant:   s.tenant,
		CallSID:  s.callSID,
		Calls:    s.deps.Calls,
		Transfer: s.deps.Transfer,
		EmitAudio: func(index int, mulaw []byte) {
			s.queue.Push(index, mulaw)
		},
		Metrics: s.deps.Metrics,
		Logger:  s.logger,
		Now:     s.now,
	})
	if err != nil {
		return fmt.Errorf("starting dialogue: %w", err)
	}
	s.orch = orch

	orch.SpeakGreeting(ctx)

	if s.sttSession != nil {
		s.wg.Add(1)
		go s.consumeTranscripts(ctx, s.sttSession)
	}
	return nil
}

// readLoop dispatches carrier frames until stop or socket close.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		data, err := s.conn.ReadFrame(ctx)
		if err != nil {
			// Socket close is the authoritative cancellation signal.
			s.logger.Debug("carrier socket closed", "error", err)
			return nil
		}
		frame, err := parseFrame(data)
		if err != nil {
			s.logger.Warn("malformed carrier frame ignored", "error", err)
			continue
		}

		switch frame.Event {
		case EventMedia:
			s.handleMedia(frame.Media)
		case EventMark:
			s.handleMark()
		case EventStop:
			s.logger.Info("stop frame received")
			return nil
		case EventConnected, EventStart:
			// Repeats are harmless.
		default:
			s.logger.Debug("unexpected frame ignored", "event", frame.Event)
		}
	}
}

// handleMedia forwards caller audio to STT unless the assistant is speaking.
func (s *Session) handleMedia(media *MediaFrame) {
	if media == nil || s.sttSession == nil || s.speaking.Load() {
		return
	}
	payload, err := audio.DecodePayload(media.Payload)
	if err != nil {
		s.logger.Warn("undecodable media payload ignored", "error", err)
		return
	}
	if err := s.sttSession.SendAudio(payload); err != nil {
		s.logger.Debug("stt send failed", "error", err)
		return
	}
	s.lastAudio.Store(time.Now().UnixNano())
}

// handleMark clears the speaking flag once every queued playback checkpoint
// has been echoed back.
func (s *Session) handleMark() {
	s.markMu.Lock()
	defer s.markMu.Unlock()
	if s.pending > 0 {
		s.pending--
	}
	if s.pending == 0 {
		s.speaking.Store(false)
	}
}

// sendAudio writes one synthesised sentence plus its playback checkpoint.
// Only the reassembly queue calls it, already in strict sentence order.
func (s *Session) sendAudio(ctx context.Context, mulaw []byte) {
	s.markMu.Lock()
	s.pending++
	s.markSeq++
	name := fmt.Sprintf("sentence-%d", s.markSeq)
	s.markMu.Unlock()
	s.speaking.Store(true)

	if err := s.writeFrame(ctx, mediaOut(s.streamSID, mulaw)); err != nil {
		s.logger.Debug("media write failed", "error", err)
		return
	}
	if err := s.writeFrame(ctx, markOut(s.streamSID, name)); err != nil {
		s.logger.Debug("mark write failed", "error", err)
	}
}

// consumeTranscripts drives the orchestrator from STT finals. Partials are
// drained and discarded so the STT reader never blocks.
func (s *Session) consumeTranscripts(ctx context.Context, sess stt.SessionHandle) {
	defer s.wg.Done()

	finals := sess.Finals()
	partials := sess.Partials()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case _, ok := <-partials:
			if !ok {
				partials = nil
			}
		case tr, ok := <-finals:
			if !ok {
				return
			}
			text := strings.TrimSpace(tr.Text)
			if text == "" {
				continue
			}
			if s.orch.Busy() {
				s.logger.Debug("final dropped, turn in progress", "text", text)
				continue
			}
			s.deps.Metrics.TranscriptFinal(ctx)
			if last := s.lastAudio.Swap(0); last > 0 {
				s.deps.Metrics.RecordSTTDuration(ctx, time.Since(time.Unix(0, last)))
			}
			s.orch.HandleUtterance(ctx, text)
		}
	}
}

// reject plays the admission rejection message and hangs up. No STT or LLM
// spend occurs on this path.
func (s *Session) reject(ctx context.Context, reason string) {
	msg := gate.RejectionMessage(s.tenant, reason)

	sctx, cancel := context.WithTimeout(ctx, synthesisTimeout)
	samples, err := s.deps.TTS.Synthesize(sctx, msg, s.voice)
	cancel()
	if err != nil {
		s.deps.Metrics.ProviderError(ctx, "tts")
		s.logger.Error("rejection synthesis failed", "error", err)
	} else {
		if err := s.writeFrame(ctx, mediaOut(s.streamSID, samples)); err == nil {
			s.waitForPlayback(ctx, samples)
		}
	}

	if err := s.writeFrame(ctx, stopOut(s.streamSID)); err != nil {
		s.logger.Debug("stop write failed", "error", err)
	}
}

// waitForPlayback sleeps for the rejection message's duration, capped by the
// rejection budget, so the caller hears it before the hangup frame lands.
func (s *Session) waitForPlayback(ctx context.Context, samples []byte) {
	wait := time.Duration(audio.DurationSeconds(samples)*float64(time.Second)) + time.Second
	if wait > rejectionBudget {
		wait = rejectionBudget
	}
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}

// writeFrame marshals and sends one frame, serialising all carrier writers.
func (s *Session) writeFrame(ctx context.Context, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteFrame(ctx, data)
}

// cleanup tears the session down and hands the call to the finaliser. It is
// idempotent: stop frames, socket errors, and transfers can all race here.
func (s *Session) cleanup() {
	s.cleanupOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		close(s.done)
		if s.sttSession != nil {
			if err := s.sttSession.Close(); err != nil {
				s.logger.Debug("stt close failed", "error", err)
			}
		}
		s.wg.Wait()

		if s.admitted {
			status := store.StatusCompleted
			if s.orch != nil && s.orch.TransferStarted() {
				status = store.StatusTransferred
			}
			call := &finalize.Call{
				CallSID:      s.callSID,
				TenantID:     s.tenant.ID,
				CallerNumber: s.callerNumber,
				StreamSID:    s.streamSID,
				StartedAt:    s.startedAt,
				EndedAt:      s.now(),
				Status:       status,
			}
			if s.orch != nil {
				call.Turns = s.orch.Turns()
				call.BookingRecorded = s.orch.BookingRecorded()
			}
			s.deps.Final.Finalize(call)
			s.deps.Metrics.CallEnded(context.Background())
		}

		if s.deps.Registry != nil {
			s.deps.Registry.Remove(s.callSID)
		}
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("conn close failed", "error", err)
		}
	})
}
