package zelda

import "github.com/valerio/go-dsphle/dsphle/bit"

// Number of raw samples kept between frames so the 4-tap filter can look
// behind the first sample of a buffer.
const resampleHistorySize = 4

// Largest raw sample count a single buffer can need: phase 0xFFF with the
// highest 4.12 ratio.
const maxRawSamples = (0xFFF + MixingBufferSize*0xFFFF) >> 12

// neededRawSamples is the number of raw samples consumed to produce one
// buffer of resampled samples. Ratio and phase are both 20.12 here.
func neededRawSamples(v *VPB) int {
	ratio := uint32(v.ResamplingRatio)
	pos := uint32(v.CurrentPosFrac)
	return int((pos + MixingBufferSize*ratio) >> 12)
}

// resample converts src (history followed by the raw samples) to one buffer
// using the position state of the VPB, then stores the new phase back.
func (r *Renderer) resample(v *VPB, src []int16, dst *MixingBuffer) {
	ratio := uint32(v.ResamplingRatio)
	pos := uint32(v.CurrentPosFrac)

	// Above 4:1 interpolation is not worth it, pick the nearest sample.
	if ratio>>12 >= 4 {
		for i := range dst {
			pos += ratio
			dst[i] = src[pos>>12]
		}
	} else {
		for i := range dst {
			// 0x40 groups of 4 coefficients, selected by the 6 most
			// significant bits of the fractional position.
			idx := ((pos & 0xFFF) >> 6) * 4
			coeffs := r.resamplingCoeffs[idx : idx+4]
			input := src[pos>>12 : (pos>>12)+4]

			var acc int64
			for k := range coeffs {
				acc += 2 * int64(coeffs[k]) * int64(input[k])
			}
			dst[i] = bit.Clamp16Wide(acc >> 16)

			pos += ratio
		}
	}

	v.CurrentPosFrac = uint16(pos & 0xFFF)
}

// addBuffersWithVolumeRamp mixes src into dst while ramping vol by step
// every sample. vol holds a 1.15 volume in its upper 16 bits. The ramp
// itself is never clamped, only the accumulated samples are.
func addBuffersWithVolumeRamp(dst, src *MixingBuffer, vol, step int32) int32 {
	if vol == 0 && step == 0 {
		return vol
	}

	for i := range dst {
		contribution := ((vol >> 16) * int32(src[i])) >> 16
		dst[i] = bit.Clamp16(int32(dst[i]) + contribution)
		vol += step
	}
	return vol
}

// applyVolumeInPlace scales buf by a fixed point volume with fracBits
// fractional bits (15 for 1.15, 12 for 4.12).
func applyVolumeInPlace(buf *MixingBuffer, vol uint16, fracBits uint) {
	for i, s := range buf {
		tmp := int32(s) * int32(vol)
		tmp >>= fracBits
		buf[i] = bit.Clamp16(tmp)
	}
}

func applyVolumeInPlace1_15(buf *MixingBuffer, vol uint16) {
	applyVolumeInPlace(buf, vol, 15)
}
