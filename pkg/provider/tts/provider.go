// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs) and
// presents a uniform per-request interface. The primary entry point is
// Synthesize, which converts one sentence of text into raw μ-law 8 kHz audio.
// The dialogue pipeline calls Synthesize once per sentence chunk; the playback
// queue reassembles the results in strict sentence order.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/relayline/frontdesk/pkg/types"
)

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel (one per in-flight sentence).
type Provider interface {
	// Synthesize converts text into raw μ-law 8 kHz mono audio samples, with
	// any container header already removed. The returned slice is owned by the
	// caller.
	//
	// voice specifies the voice profile to use. Providers should return an
	// error if the requested voice is not available. An empty text returns an
	// error rather than an empty payload.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error)

	// ListVoices returns all voice profiles available from this provider. The
	// list reflects the provider's current catalogue and may change between
	// calls if the underlying service adds or removes voices.
	//
	// Returns an error if the provider cannot be reached or if ctx is cancelled
	// before the list is retrieved.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
