// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider in unit tests to verify which sentences were synthesised and to
// return controlled audio payloads without a live TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Payloads: map[string][]byte{"Hello there.": {0x01, 0x02}},
//	}
//	samples, _ := p.Synthesize(ctx, "Hello there.", voice)
package mock

import (
	"context"
	"sync"

	"github.com/relayline/frontdesk/pkg/provider/tts"
	"github.com/relayline/frontdesk/pkg/types"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the sentence passed to Synthesize.
	Text string
	// Voice is the voice profile passed to Synthesize.
	Voice types.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Payloads maps input text to the audio payload returned for it. Text with
	// no entry returns a copy of the text bytes, so every call yields a
	// distinct non-empty payload by default.
	Payloads map[string][]byte

	// SynthesizeFunc, if non-nil, replaces the default Synthesize behaviour
	// entirely (call recording still happens first). Useful for injecting
	// per-call delays or ordering constraints.
	SynthesizeFunc func(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error)

	// SynthesizeErr, if non-nil, is returned by every Synthesize call.
	SynthesizeErr error

	// Voices is returned by ListVoices.
	Voices []types.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records (read after test) ---

	// SynthesizeCalls records every invocation of Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// ListVoicesCallCount is the number of times ListVoices was called.
	ListVoicesCallCount int
}

// Synthesize records the call and returns the scripted payload for text.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	fn := p.SynthesizeFunc
	err := p.SynthesizeErr
	payload, scripted := p.Payloads[text]
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, voice)
	}
	if err != nil {
		return nil, err
	}
	if scripted {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		return cp, nil
	}
	return []byte(text), nil
}

// ListVoices records the call and returns Voices, ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCallCount++
	return p.Voices, p.ListVoicesErr
}

// SynthesizeCallCount returns the number of Synthesize calls. Thread-safe.
func (p *Provider) SynthesizeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesCallCount = 0
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
