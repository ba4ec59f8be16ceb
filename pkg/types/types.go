// Package types defines the shared types used across all Frontdesk packages.
//
// These types form the lingua franca between providers, the per-call session,
// and the stores. Each package defines its own domain types; cross-cutting data
// structures live here to avoid circular imports.
package types

import "time"

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// VoiceProfile identifies a TTS voice and its presentation metadata.
// Profiles are immutable for the duration of a call.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable display name (spoken by the assistant when
	// introducing itself).
	Name string

	// Accent is a free-form accent tag (e.g., "American", "British").
	Accent string

	// Gender is a free-form gender tag used only for catalogue display.
	Gender string

	// Provider names the TTS backend that owns this voice (e.g., "elevenlabs").
	Provider string
}

// Speaker identifies who produced a conversation turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
	SpeakerSystem    Speaker = "system"
)

// TurnType classifies a conversation turn for the call log.
type TurnType string

const (
	TurnGreeting            TurnType = "greeting"
	TurnTranscription       TurnType = "transcription"
	TurnAIResponse          TurnType = "ai_response"
	TurnTransfer            TurnType = "transfer"
	TurnTransferFallback    TurnType = "transfer_fallback"
	TurnBookingConfirmation TurnType = "booking_confirmation"
	TurnBookingError        TurnType = "booking_error"
)

// Turn is a single entry in a call's conversation log. Turns are append-only
// and ordered by timestamp within a call.
type Turn struct {
	// Speaker is who produced this turn.
	Speaker Speaker

	// Content is the turn text with any in-band markers already stripped.
	Content string

	// Type classifies the turn.
	Type TurnType

	// Timestamp is when the turn was recorded.
	Timestamp time.Time
}
