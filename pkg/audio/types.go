// Package audio defines the PCM types and sample-rate conversion primitives
// shared by the capture and playback pipelines.
//
// All PCM data in this package is 16-bit little-endian ("pcm16"). A frame's
// byte length is always a multiple of two; functions that receive misaligned
// data ignore the trailing partial sample.
package audio

import "time"

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// AudioFrame represents a single buffer of PCM audio flowing through a
// pipeline, tagged with its format.
type AudioFrame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for the Discord gateway, 24000 for the
	// realtime backend).
	SampleRate int

	// Channels: 1 for mono (backend), 2 for stereo (gateway).
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// OpusPacket is a single encoded packet received from the voice gateway,
// keyed by the RTP synchronisation source of the speaker that produced it.
type OpusPacket struct {
	SSRC      uint32
	Sequence  uint16
	Timestamp uint32
	Opus      []byte
}

// SpeakingUpdate signals that a participant started or stopped speaking.
// It also carries the SSRC→user mapping the gateway announces, which is the
// only way to attribute OpusPackets to a user.
type SpeakingUpdate struct {
	UserID   string
	SSRC     uint32
	Speaking bool
}
