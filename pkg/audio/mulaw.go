package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
)

// ErrDecode is returned (wrapped) by [DecodePayload] when a media payload is
// not valid base64.
var ErrDecode = errors.New("audio: malformed payload")

const (
	mulawClip = 32635
	mulawBias = 0x84
)

// LinearToMulaw compands one signed 16-bit sample into an 8-bit mu-law code.
//
// math.MinInt16 has no positive counterpart; it is left as-is rather than
// negated, so it encodes to 0x7F instead of wrapping around.
func LinearToMulaw(sample int16) byte {
	pcm := sample
	sign := (pcm >> 8) & 0x80
	if sign != 0 && pcm != math.MinInt16 {
		pcm = -pcm
	}
	if pcm > mulawClip {
		pcm = mulawClip
	}
	pcm += mulawBias

	exponent := int16(7)
	for mask := int16(0x4000); pcm&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (pcm >> (exponent + 3)) & 0x0F
	ulaw := sign | exponent<<4 | mantissa
	return byte(^ulaw)
}

// MulawToLinear expands an 8-bit mu-law code into a signed 16-bit sample.
func MulawToLinear(code byte) int16 {
	u := ^code
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	sample := ((int32(mantissa) << 3) + mulawBias) << exponent
	sample -= mulawBias
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// EncodePCM16LE converts little-endian 16-bit PCM (low byte first) into
// mu-law, one output byte per sample. A trailing odd byte is ignored.
func EncodePCM16LE(pcm []byte) []byte {
	in := samples(pcm)
	out := make([]byte, len(in))
	for i, v := range in {
		out[i] = LinearToMulaw(v)
	}
	return out
}

// DecodePayload decodes a base64 media payload into raw mu-law bytes.
func DecodePayload(payload string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return b, nil
}

// EncodePayload base64-encodes raw mu-law bytes for an outbound media message.
func EncodePayload(mulaw []byte) string {
	return base64.StdEncoding.EncodeToString(mulaw)
}
