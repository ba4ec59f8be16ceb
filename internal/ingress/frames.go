package ingress

import (
	"encoding/json"
	"fmt"

	"github.com/relayline/frontdesk/pkg/audio"
)

// Carrier media-stream event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
)

// Frame is one carrier media-stream message, inbound or outbound. Only the
// payload matching Event is populated.
type Frame struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid,omitempty"`
	Start     *StartFrame `json:"start,omitempty"`
	Media     *MediaFrame `json:"media,omitempty"`
	Mark      *MarkFrame  `json:"mark,omitempty"`
}

// StartFrame carries the call metadata the carrier sends once after connect.
type StartFrame struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	CustomParameters map[string]string `json:"customParameters"`
}

// MediaFrame carries one base64 μ-law payload in either direction.
type MediaFrame struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// MarkFrame is the playback checkpoint the carrier echoes back once all audio
// queued before it has been played to the caller.
type MarkFrame struct {
	Name string `json:"name"`
}

// parseFrame decodes one carrier message.
func parseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("malformed carrier frame: %w", err)
	}
	return f, nil
}

// mediaOut builds an outbound media frame with the stream id echoed back.
func mediaOut(streamSID string, mulaw []byte) Frame {
	return Frame{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &MediaFrame{Payload: audio.EncodePayload(mulaw)},
	}
}

// markOut builds an outbound mark frame used to learn when playback finished.
func markOut(streamSID, name string) Frame {
	return Frame{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      &MarkFrame{Name: name},
	}
}

// stopOut builds the outbound stop frame that hangs up the call.
func stopOut(streamSID string) Frame {
	return Frame{Event: EventStop, StreamSID: streamSID}
}
