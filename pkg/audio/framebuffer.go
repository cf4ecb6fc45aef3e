package audio

import (
	"bytes"
	"errors"
	"fmt"
)

// MaxGapMs is the longest timing gap that is padded with silence. A frame
// stamped further ahead than this is rejected with [ErrTimestampGap].
const MaxGapMs = 60_000

// ErrTimestampGap is returned by [FrameBuffer.Push] for a frame whose
// timestamp jumps more than [MaxGapMs] past the previous one.
var ErrTimestampGap = errors.New("audio: timestamp gap too large")

// FrameBuffer accumulates inbound telephony frames for one call and hands
// them out in flush units of at least [FlushBytes] bytes.
//
// Missing time between frames is filled with mu-law silence so the
// recogniser sees a continuous stream. Frames that arrive less than
// [FrameMs] after the previous one are appended without padding; the
// upstream provider occasionally delivers them early and they are kept.
//
// A FrameBuffer is owned by a single goroutine and is not safe for
// concurrent use.
type FrameBuffer struct {
	buf           []byte
	lastTimestamp uint32
	padded        int
}

// NewFrameBuffer returns an empty buffer with room for one flush unit.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{buf: make([]byte, 0, FlushBytes)}
}

// Push appends f to the buffer and returns a flush unit once the buffered
// audio reaches [FlushBytes]. The returned slice is owned by the caller; the
// buffer is empty after a flush. Frames on any track other than
// [InboundTrack] are ignored.
//
// A frame more than [MaxGapMs] ahead of the previous one is not buffered and
// leaves the buffer unchanged; Push reports it with [ErrTimestampGap].
func (b *FrameBuffer) Push(f Frame) ([]byte, error) {
	if f.Track != InboundTrack {
		return nil, nil
	}
	if uint64(f.Timestamp) > uint64(b.lastTimestamp)+MaxGapMs {
		return nil, fmt.Errorf("%w: %d ms after %d", ErrTimestampGap, f.Timestamp-b.lastTimestamp, b.lastTimestamp)
	}

	if gap := SilenceFor(b.lastTimestamp, f.Timestamp); gap > 0 {
		b.buf = append(b.buf, bytes.Repeat([]byte{Silence}, gap)...)
		b.padded += gap
	}
	b.buf = append(b.buf, f.Payload...)
	b.lastTimestamp = f.Timestamp

	if len(b.buf) < FlushBytes {
		return nil, nil
	}
	unit := b.buf
	b.buf = make([]byte, 0, FlushBytes)
	return unit, nil
}

// Len reports the number of buffered bytes.
func (b *FrameBuffer) Len() int { return len(b.buf) }

// Padded reports the silence bytes inserted since the buffer was created.
func (b *FrameBuffer) Padded() int { return b.padded }

// LastTimestamp reports the timestamp of the most recent inbound frame.
func (b *FrameBuffer) LastTimestamp() uint32 { return b.lastTimestamp }

// SilenceFor returns the number of silence bytes to insert before a frame
// stamped current when the previous frame was stamped previous. It is never
// negative.
func SilenceFor(previous, current uint32) int {
	if uint64(current) < uint64(previous)+FrameMs {
		return 0
	}
	return BytesPerMs * int(uint64(current)-uint64(previous)-FrameMs)
}
