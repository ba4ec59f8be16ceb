// Package audio provides μ-law payload helpers for the carrier media stream.
//
// The carrier delivers and accepts 8 kHz mono μ-law audio, base64-encoded
// inside JSON media frames. TTS vendors sometimes wrap their μ-law output in a
// WAV or AU container; StripContainer removes the wrapper so the carrier only
// ever receives raw samples.
package audio

import (
	"bytes"
	"encoding/base64"
)

const (
	// SampleRate is the carrier's fixed narrowband sample rate in Hz.
	SampleRate = 8000

	// Channels is the carrier's fixed channel count.
	Channels = 1

	// Silence is the μ-law encoding of a zero-amplitude sample.
	Silence byte = 0xFF
)

// Container header sizes. A canonical WAV header is 44 bytes; a Sun AU header
// is 24 bytes.
const (
	wavHeaderLen = 44
	auHeaderLen  = 24
)

var (
	riffMagic = []byte("RIFF")
	auMagic   = []byte(".snd")
)

// StripContainer returns the raw μ-law samples in payload, removing a leading
// WAV or AU container header if one is present. Payloads shorter than the
// detected header are returned unchanged. The returned slice aliases payload.
func StripContainer(payload []byte) []byte {
	switch {
	case len(payload) >= wavHeaderLen && bytes.HasPrefix(payload, riffMagic):
		return payload[wavHeaderLen:]
	case len(payload) >= auHeaderLen && bytes.HasPrefix(payload, auMagic):
		return payload[auHeaderLen:]
	}
	return payload
}

// EncodePayload base64-encodes raw μ-law samples for a carrier media frame.
func EncodePayload(mulaw []byte) string {
	return base64.StdEncoding.EncodeToString(mulaw)
}

// DecodePayload decodes the base64 payload of a carrier media frame into raw
// μ-law samples.
func DecodePayload(payload string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(payload)
}

// DurationSeconds returns the playback duration of a raw μ-law payload in
// seconds. At 8 kHz mono, one byte is one sample.
func DurationSeconds(mulaw []byte) float64 {
	return float64(len(mulaw)) / float64(SampleRate)
}
