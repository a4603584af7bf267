package audio

import "math"

// Resample converts 16-bit mono PCM from fromRate to toRate using linear
// interpolation. The output holds floor(inputSamples * toRate/fromRate)
// samples, but at least one when the input is non-empty. Equal rates return a
// byte-for-byte copy. Interpolated values are rounded to nearest and clamped
// to the int16 range.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate <= 0 || toRate <= 0 {
		return pcm
	}
	pcm = pcm[:len(pcm)&^1]
	if len(pcm) == 0 {
		return nil
	}
	if fromRate == toRate {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out
	}

	srcSamples := len(pcm) / 2
	ratio := float64(toRate) / float64(fromRate)
	dstSamples := int(float64(srcSamples) * ratio)
	if dstSamples < 1 {
		dstSamples = 1
	}

	out := make([]byte, dstSamples*2)
	for i := range dstSamples {
		pos := float64(i) / ratio
		i0 := int(pos)
		if i0 > srcSamples-1 {
			i0 = srcSamples - 1
		}
		i1 := i0 + 1
		if i1 > srcSamples-1 {
			i1 = srcSamples - 1
		}
		frac := pos - float64(i0)

		s0 := sampleAt(pcm, i0)
		s1 := sampleAt(pcm, i1)
		v := clamp16(math.Round(float64(s0)*(1-frac) + float64(s1)*frac))
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono
// output. Uses int32 arithmetic to prevent overflow and clamps to int16.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		avg := (l + r) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// sampleAt reads the little-endian int16 sample at index i.
func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

// clamp16 rounds v into the signed 16-bit range.
func clamp16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
