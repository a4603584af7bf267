package audio

import "math"

// StreamResampler converts a continuous 16-bit mono PCM stream between two
// sample rates using linear interpolation, preserving interpolation state
// across pushes so that chunk boundaries do not produce discontinuities.
//
// A StreamResampler is owned by exactly one capture or playback stream and is
// not safe for concurrent use.
type StreamResampler struct {
	fromRate int
	toRate   int

	// step is the source-sample advance per output sample (fromRate/toRate).
	step float64

	// pending holds input bytes not yet fully consumed by interpolation.
	pending []byte

	// pos is the fractional read cursor into pending, in samples.
	pos float64
}

// NewStreamResampler creates a resampler converting fromRate to toRate.
// Rates must be positive.
func NewStreamResampler(fromRate, toRate int) *StreamResampler {
	return &StreamResampler{
		fromRate: fromRate,
		toRate:   toRate,
		step:     float64(fromRate) / float64(toRate),
	}
}

// Push appends pcm to the stream and returns all output samples that can be
// produced so far. The last input sample is retained internally because it may
// still contribute to the next interpolation window.
func (r *StreamResampler) Push(pcm []byte) []byte {
	if len(pcm) == 0 {
		return nil
	}
	if r.fromRate == r.toRate {
		out := make([]byte, len(pcm)&^1)
		copy(out, pcm)
		return out
	}
	r.pending = append(r.pending, pcm...)
	return r.generate()
}

// Flush duplicates the final sample once so the interpolation walk can emit
// any trailing fractional output, returns it, and resets all state. The
// resampler may be reused afterwards.
func (r *StreamResampler) Flush() []byte {
	if len(r.pending) >= 2 {
		last := len(r.pending) &^ 1
		r.pending = append(r.pending, r.pending[last-2], r.pending[last-1])
	}
	out := r.generate()
	r.pending = nil
	r.pos = 0
	return out
}

// PendingBytes reports how many unconsumed input bytes are buffered.
func (r *StreamResampler) PendingBytes() int {
	return len(r.pending)
}

// generate walks the cursor across pending, emitting one interpolated sample
// per step while a full interpolation window (pos and pos+1) is available,
// then drops the consumed whole-sample prefix and keeps the fractional
// remainder of the cursor.
func (r *StreamResampler) generate() []byte {
	avail := len(r.pending) / 2
	var out []byte
	for r.pos+1 < float64(avail) {
		i0 := int(r.pos)
		frac := r.pos - float64(i0)
		s0 := sampleAt(r.pending, i0)
		s1 := sampleAt(r.pending, i0+1)
		v := clamp16(math.Round(float64(s0)*(1-frac) + float64(s1)*frac))
		out = append(out, byte(v), byte(v>>8))
		r.pos += r.step
	}

	consumed := int(r.pos)
	if consumed > avail {
		consumed = avail
	}
	r.pending = append(r.pending[:0], r.pending[consumed*2:]...)
	r.pos -= float64(consumed)
	return out
}
