// Package opus wraps the gopus codec for the voice gateway's audio format.
// Discord voice uses 48 kHz Opus at a 20 ms frame size.
package opus

import (
	"fmt"

	"layeh.com/gopus"
)

const (
	// SampleRate is the gateway's native Opus sample rate.
	SampleRate = 48000

	// FrameSizeMs is the gateway's Opus frame duration.
	FrameSizeMs = 20

	// FrameSamples is the number of samples per channel per frame.
	FrameSamples = SampleRate * FrameSizeMs / 1000 // 960
)

// Decoder decodes one speaker's Opus stream to interleaved PCM16. Each
// speaker needs its own Decoder because the codec carries state across
// consecutive frames.
type Decoder struct {
	dec      *gopus.Decoder
	channels int
}

// NewDecoder creates a Decoder for the given channel count at the gateway
// sample rate.
func NewDecoder(channels int) (*Decoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec, channels: channels}, nil
}

// Decode decodes a single Opus packet into little-endian PCM16 bytes.
func (d *Decoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, FrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// Encoder encodes interleaved PCM16 into Opus packets for the gateway.
type Encoder struct {
	enc      *gopus.Encoder
	channels int
}

// NewEncoder creates an Encoder for the given channel count at the gateway
// sample rate.
func NewEncoder(channels int) (*Encoder, error) {
	enc, err := gopus.NewEncoder(SampleRate, channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	return &Encoder{enc: enc, channels: channels}, nil
}

// Encode encodes exactly one frame of little-endian PCM16 bytes
// (FrameSamples × channels samples) into an Opus packet.
func (e *Encoder) Encode(pcmBytes []byte) ([]byte, error) {
	pcm := bytesToInt16s(pcmBytes)
	data, err := e.enc.Encode(pcm, FrameSamples, len(pcmBytes))
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return data, nil
}

// int16sToBytes converts int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
