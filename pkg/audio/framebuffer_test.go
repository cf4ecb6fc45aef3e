package audio_test

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/phonebridge/pkg/audio"
)

func inbound(ts uint32, size int) audio.Frame {
	return audio.Frame{
		Payload:   bytes.Repeat([]byte{0x55}, size),
		Timestamp: ts,
		Track:     audio.InboundTrack,
	}
}

// push feeds f to b and fails the test if the frame is rejected.
func push(t *testing.T, b *audio.FrameBuffer, f audio.Frame) []byte {
	t.Helper()
	unit, err := b.Push(f)
	if err != nil {
		t.Fatalf("Push(ts=%d): %v", f.Timestamp, err)
	}
	return unit
}

func TestSilenceFor(t *testing.T) {
	tests := []struct {
		name       string
		prev, curr uint32
		want       int
	}{
		{"first frame", 0, 0, 0},
		{"on time", 20, 40, 0},
		{"early", 20, 35, 0},
		{"backwards", 100, 40, 0},
		{"one frame lost", 20, 60, 160},
		{"odd gap", 0, 27, 56},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := audio.SilenceFor(tt.prev, tt.curr); got != tt.want {
				t.Errorf("SilenceFor(%d, %d) = %d, want %d", tt.prev, tt.curr, got, tt.want)
			}
		})
	}
}

func TestFrameBuffer_PaddingAccounting(t *testing.T) {
	// Timestamps with gaps of 20, 60, 25, 10 and 45 ms.
	stamps := []uint32{0, 20, 80, 105, 115, 160}
	b := audio.NewFrameBuffer()

	var payload, silence int
	prev := uint32(0)
	for _, ts := range stamps {
		if unit := push(t, b, inbound(ts, 100)); unit != nil {
			t.Fatalf("unexpected flush at ts=%d", ts)
		}
		payload += 100
		if gap := int(ts) - int(prev); gap >= 20 {
			silence += 8 * (gap - 20)
		}
		prev = ts
	}

	if b.Len() != payload+silence {
		t.Errorf("Len = %d, want %d payload + %d silence", b.Len(), payload, silence)
	}
	if b.Padded() != silence {
		t.Errorf("Padded = %d, want %d", b.Padded(), silence)
	}
	if b.LastTimestamp() != 160 {
		t.Errorf("LastTimestamp = %d, want 160", b.LastTimestamp())
	}
}

func TestFrameBuffer_SilenceBytes(t *testing.T) {
	b := audio.NewFrameBuffer()
	push(t, b, inbound(0, 160))
	unit := push(t, b, inbound(400, 160)) // 380 ms missing -> 3040 bytes of silence
	if unit == nil {
		t.Fatal("expected a flush: 160 + 3040 + 160 >= 3200")
	}
	if len(unit) != 3360 {
		t.Fatalf("flush size = %d, want 3360", len(unit))
	}
	for i := 160; i < 160+3040; i++ {
		if unit[i] != audio.Silence {
			t.Fatalf("byte %d = %#02x, want silence", i, unit[i])
		}
	}
	if b.Len() != 0 {
		t.Errorf("buffer not drained: %d bytes left", b.Len())
	}
}

func TestFrameBuffer_FlushesAtThreshold(t *testing.T) {
	b := audio.NewFrameBuffer()
	var flushes [][]byte
	for i := range 45 {
		if unit := push(t, b, inbound(uint32(i*20), audio.FrameBytes)); unit != nil {
			flushes = append(flushes, unit)
			if b.Len() != 0 {
				t.Fatalf("buffer holds %d bytes right after flush", b.Len())
			}
			if i != 19 && i != 39 {
				t.Fatalf("flush after frame %d, want after frames 19 and 39", i)
			}
		}
	}
	if len(flushes) != 2 {
		t.Fatalf("got %d flushes, want 2", len(flushes))
	}
	for _, unit := range flushes {
		if len(unit) != audio.FlushBytes {
			t.Errorf("flush size = %d, want %d", len(unit), audio.FlushBytes)
		}
	}
	if b.Len() != 5*audio.FrameBytes {
		t.Errorf("remaining = %d, want %d", b.Len(), 5*audio.FrameBytes)
	}
}

func TestFrameBuffer_IrregularSizes(t *testing.T) {
	b := audio.NewFrameBuffer()
	if unit := push(t, b, inbound(0, 3199)); unit != nil {
		t.Fatal("flushed below threshold")
	}
	unit := push(t, b, inbound(10, 1))
	if len(unit) != 3200 {
		t.Fatalf("flush size = %d, want 3200", len(unit))
	}
}

func TestFrameBuffer_IgnoresOtherTracks(t *testing.T) {
	b := audio.NewFrameBuffer()
	push(t, b, inbound(0, 160))
	out := audio.Frame{Payload: make([]byte, 4000), Timestamp: 5000, Track: "outbound"}
	if unit := push(t, b, out); unit != nil {
		t.Fatal("outbound frame triggered a flush")
	}
	if b.Len() != 160 || b.LastTimestamp() != 0 {
		t.Errorf("outbound frame changed state: len=%d last=%d", b.Len(), b.LastTimestamp())
	}
}

func TestFrameBuffer_RejectsRunawayTimestamp(t *testing.T) {
	tests := []struct {
		name string
		ts   uint32
	}{
		{"just past the limit", 20 + audio.MaxGapMs + 1},
		{"max uint32", math.MaxUint32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := audio.NewFrameBuffer()
			push(t, b, inbound(20, 160))

			unit, err := b.Push(inbound(tt.ts, 160))
			if !errors.Is(err, audio.ErrTimestampGap) {
				t.Fatalf("Push err = %v, want ErrTimestampGap", err)
			}
			if unit != nil || b.Len() != 160 || b.LastTimestamp() != 20 || b.Padded() != 0 {
				t.Errorf("rejected frame changed state: unit=%d len=%d last=%d padded=%d",
					len(unit), b.Len(), b.LastTimestamp(), b.Padded())
			}

			// The stream carries on from the last good frame.
			push(t, b, inbound(40, 160))
			if b.Len() != 320 || b.Padded() != 0 {
				t.Errorf("after recovery len=%d padded=%d, want 320 and 0", b.Len(), b.Padded())
			}
		})
	}
}

func TestFrameBuffer_PadsUpToMaxGap(t *testing.T) {
	b := audio.NewFrameBuffer()
	push(t, b, inbound(0, 0))
	unit := push(t, b, inbound(audio.MaxGapMs, 0))
	if want := audio.SilenceFor(0, audio.MaxGapMs); len(unit) != want || b.Padded() != want {
		t.Errorf("flush = %d bytes, padded = %d, want %d", len(unit), b.Padded(), want)
	}
}
