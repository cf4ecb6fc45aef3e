package bridge

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/MrWong99/phonebridge/internal/observe"
	"github.com/MrWong99/phonebridge/pkg/audio"
)

func TestStreamMedia_ToFrame(t *testing.T) {
	t.Parallel()
	payload := []byte{0xFF, 0x7F, 0x00, 0x80}
	encoded := base64.StdEncoding.EncodeToString(payload)

	tests := []struct {
		name       string
		media      streamMedia
		wantReason string
		wantFrame  audio.Frame
	}{
		{
			name:      "inbound",
			media:     streamMedia{Track: "inbound", Chunk: "3", Timestamp: "40", Payload: encoded},
			wantFrame: audio.Frame{Payload: payload, Timestamp: 40, Track: "inbound"},
		},
		{
			name:      "max timestamp",
			media:     streamMedia{Track: "outbound", Timestamp: "4294967295", Payload: encoded},
			wantFrame: audio.Frame{Payload: payload, Timestamp: 4294967295, Track: "outbound"},
		},
		{
			name:       "timestamp overflow",
			media:      streamMedia{Track: "inbound", Timestamp: "4294967296", Payload: encoded},
			wantReason: observe.DropReasonBadTimestamp,
		},
		{
			name:       "timestamp not a number",
			media:      streamMedia{Track: "inbound", Timestamp: "soon", Payload: encoded},
			wantReason: observe.DropReasonBadTimestamp,
		},
		{
			name:       "payload not base64",
			media:      streamMedia{Track: "inbound", Timestamp: "0", Payload: "***"},
			wantReason: observe.DropReasonBadPayload,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := tc.media.toFrame()
			if tc.wantReason != "" {
				var fe *frameError
				if !errors.As(err, &fe) {
					t.Fatalf("err = %v, want *frameError", err)
				}
				if fe.reason != tc.wantReason {
					t.Errorf("reason = %q, want %q", fe.reason, tc.wantReason)
				}
				return
			}
			if err != nil {
				t.Fatalf("toFrame: %v", err)
			}
			if got.Timestamp != tc.wantFrame.Timestamp || got.Track != tc.wantFrame.Track {
				t.Errorf("frame = {ts %d, track %q}, want {ts %d, track %q}",
					got.Timestamp, got.Track, tc.wantFrame.Timestamp, tc.wantFrame.Track)
			}
			if string(got.Payload) != string(tc.wantFrame.Payload) {
				t.Errorf("payload = %x, want %x", got.Payload, tc.wantFrame.Payload)
			}
		})
	}
}

func TestStreamEvent_DecodesTelephonyMessages(t *testing.T) {
	t.Parallel()
	raw := `{"event":"start","sequenceNumber":"1","start":{"streamSid":"MZ123","callSid":"CA9","tracks":["inbound"]},"streamSid":"MZ123"}`
	var ev streamEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("unmarshal start: %v", err)
	}
	if ev.Event != eventStart || ev.Start == nil || ev.Start.StreamSid != "MZ123" || ev.Start.CallSid != "CA9" {
		t.Errorf("start event = %+v", ev)
	}

	raw = `{"event":"media","media":{"track":"inbound","chunk":"2","timestamp":"20","payload":"/w=="}}`
	ev = streamEvent{}
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("unmarshal media: %v", err)
	}
	if ev.Media == nil || ev.Media.Timestamp != "20" || ev.Media.Payload != "/w==" {
		t.Errorf("media event = %+v", ev)
	}
}

func TestEncodeMedia(t *testing.T) {
	t.Parallel()
	msg, err := encodeMedia("MZ123", []byte{0xFF, 0x80})
	if err != nil {
		t.Fatalf("encodeMedia: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["event"] != "media" {
		t.Errorf("event = %v, want media", got["event"])
	}
	if got["streamSid"] != "MZ123" {
		t.Errorf("streamSid = %v, want MZ123", got["streamSid"])
	}
	media, ok := got["media"].(map[string]any)
	if !ok {
		t.Fatalf("media = %T, want object", got["media"])
	}
	if media["payload"] != "/4A=" {
		t.Errorf("payload = %v, want /4A=", media["payload"])
	}
	if len(media) != 1 {
		t.Errorf("media has extra fields: %v", media)
	}
}
