package bridge

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/MrWong99/phonebridge/internal/observe"
	"github.com/MrWong99/phonebridge/pkg/audio"
)

// ConnectedMessage is sent to a game client when a call binds to it.
const ConnectedMessage = "connected"

// Telephony media stream event names.
const (
	eventStart = "start"
	eventMedia = "media"
)

// streamEvent is one inbound message on the telephony leg. Only the fields
// the bridge uses are decoded; "connected", "stop", "mark" and "dtmf"
// events are accepted and ignored.
type streamEvent struct {
	Event string       `json:"event"`
	Start *streamStart `json:"start,omitempty"`
	Media *streamMedia `json:"media,omitempty"`
}

type streamStart struct {
	StreamSid string `json:"streamSid"`
	CallSid   string `json:"callSid"`
}

type streamMedia struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

// outboundMedia is the message that plays audio into a call.
type outboundMedia struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid"`
	Media     outboundChunk `json:"media"`
}

type outboundChunk struct {
	Payload string `json:"payload"`
}

// frameError tags a media message that could not be turned into a frame with
// the metric reason for dropping it.
type frameError struct {
	reason string
	err    error
}

func (e *frameError) Error() string { return fmt.Sprintf("bridge: %s: %v", e.reason, e.err) }
func (e *frameError) Unwrap() error { return e.err }

// toFrame decodes the timestamp and base64 payload of m.
func (m *streamMedia) toFrame() (audio.Frame, error) {
	ts, err := strconv.ParseUint(m.Timestamp, 10, 32)
	if err != nil {
		return audio.Frame{}, &frameError{reason: observe.DropReasonBadTimestamp, err: err}
	}
	payload, err := audio.DecodePayload(m.Payload)
	if err != nil {
		return audio.Frame{}, &frameError{reason: observe.DropReasonBadPayload, err: err}
	}
	return audio.Frame{Payload: payload, Timestamp: uint32(ts), Track: m.Track}, nil
}

// encodeMedia builds the outbound JSON for a mu-law chunk.
func encodeMedia(streamSid string, mulaw []byte) ([]byte, error) {
	return json.Marshal(outboundMedia{
		Event:     eventMedia,
		StreamSid: streamSid,
		Media:     outboundChunk{Payload: audio.EncodePayload(mulaw)},
	})
}
