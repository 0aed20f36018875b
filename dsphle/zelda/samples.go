package zelda

import (
	"errors"
	"fmt"

	"github.com/valerio/go-dsphle/dsphle/bit"
	"github.com/valerio/go-dsphle/dsphle/memory"
)

// ErrBadSource is returned for VPBs naming an unknown source kind or
// address space.
var ErrBadSource = errors.New("zelda: bad sample source")

const (
	afcSamplesPerBlock = 16
	afcBlockSize       = 9 // 1 header byte + 16 4-bit nibbles
	afcBlockSizeLQ     = 5 // 1 header byte + 16 2-bit values
)

func (r *Renderer) sourceBus(s memory.Space) (memory.Bus, error) {
	switch s {
	case memory.SpaceMain:
		return r.main, nil
	case memory.SpaceARAM:
		return r.aram, nil
	default:
		return nil, fmt.Errorf("address space %s: %w", s, ErrBadSource)
	}
}

// loadRawSamples fills dst with the next raw samples of the voice, handling
// looping and end of sample.
func (r *Renderer) loadRawSamples(v *VPB, dst []int16) error {
	mem, err := r.sourceBus(v.Space)
	if err != nil {
		return err
	}

	switch v.Kind {
	case SourcePCM16:
		return loadPCMSamples(mem, v, dst, 2)
	case SourcePCM8:
		return loadPCMSamples(mem, v, dst, 1)
	case SourceAFC, SourceAFCLowQuality:
		return r.loadAFCSamples(mem, v, dst)
	default:
		return fmt.Errorf("source kind %s: %w", v.Kind, ErrBadSource)
	}
}

// atEnd handles a voice whose position reached its sample count. It reports
// true when the voice is finished, otherwise the position was moved back to
// the loop start.
func atEnd(v *VPB) bool {
	if !v.Looping || v.LoopStart >= v.Length {
		v.CurrentPosition = v.Length
		v.Done = true
		return true
	}
	v.CurrentPosition = v.LoopStart
	return false
}

// loadPCMSamples copies big endian PCM16 (width 2) or PCM8 (width 1)
// samples, one contiguous run at a time.
func loadPCMSamples(mem memory.Bus, v *VPB, dst []int16, width uint32) error {
	n := 0
	for n < len(dst) {
		if v.CurrentPosition >= v.Length && atEnd(v) {
			clear(dst[n:])
			return nil
		}

		run := min(uint32(len(dst)-n), v.Length-v.CurrentPosition)
		addr := v.BaseAddress + v.CurrentPosition*width
		out := dst[n : n+int(run)]

		if width == 2 {
			if err := memory.ReadSamples(mem, addr, out); err != nil {
				return fmt.Errorf("pcm16 samples: %w", err)
			}
		} else {
			raw := make([]byte, run)
			if err := mem.ReadAt(addr, raw); err != nil {
				return fmt.Errorf("pcm8 samples: %w", err)
			}
			for i, b := range raw {
				out[i] = int16(int8(b)) << 8
			}
		}

		n += int(run)
		v.CurrentPosition += run
	}
	return nil
}

// loadAFCSamples decodes AFC samples block by block. The last decoded block
// and the decoder history are kept in the VPB so every voice has its own
// decoder state.
func (r *Renderer) loadAFCSamples(mem memory.Bus, v *VPB, dst []int16) error {
	blockSize := uint32(afcBlockSize)
	if v.Kind == SourceAFCLowQuality {
		blockSize = afcBlockSizeLQ
	}

	for i := range dst {
		if v.CurrentPosition >= v.Length {
			if atEnd(v) {
				clear(dst[i:])
				return nil
			}
			// Seek back to the block holding the loop start.
			v.AFCYN1, v.AFCYN2 = v.AFCLoopYN1, v.AFCLoopYN2
			v.AFCCachedBlock = 0
		}

		block := v.CurrentPosition / afcSamplesPerBlock
		if v.AFCCachedBlock != block+1 {
			var buf [afcBlockSize]byte
			src := buf[:blockSize]
			addr := v.BaseAddress + block*blockSize
			if err := mem.ReadAt(addr, src); err != nil {
				return fmt.Errorf("afc block %d: %w", block, err)
			}
			decodeAFCBlock(&r.afcCoeffs, src, &v.AFCDecoded, &v.AFCYN1, &v.AFCYN2)
			v.AFCCachedBlock = block + 1
		}

		dst[i] = v.AFCDecoded[v.CurrentPosition%afcSamplesPerBlock]
		v.CurrentPosition++
	}
	return nil
}

// decodeAFCBlock decodes one 9 byte (4-bit) or 5 byte (2-bit) AFC block into
// 16 samples, updating the decoder history.
func decodeAFCBlock(coeffs *[afcCoeffsSize]int16, src []byte, dst *[afcSamplesPerBlock]int16, yn1, yn2 *int16) {
	header := src[0]
	// The scale is a 16 bit signed value on hardware, 1<<15 wraps.
	delta := int16(uint16(1) << (header >> 4))
	idx := int(header & 0xF)

	var nibbles [afcSamplesPerBlock]int16
	if len(src) == afcBlockSize {
		for i := 0; i < afcSamplesPerBlock; i += 2 {
			b := src[1+i/2]
			nibbles[i] = int16(b >> 4)
			nibbles[i+1] = int16(b & 0xF)
		}
		for i, n := range nibbles {
			if n >= 8 {
				n -= 16
			}
			nibbles[i] = n << 11
		}
	} else {
		for i := 0; i < afcSamplesPerBlock; i += 4 {
			b := src[1+i/4]
			nibbles[i] = int16((b >> 6) & 3)
			nibbles[i+1] = int16((b >> 4) & 3)
			nibbles[i+2] = int16((b >> 2) & 3)
			nibbles[i+3] = int16(b & 3)
		}
		for i, n := range nibbles {
			if n >= 2 {
				n -= 4
			}
			nibbles[i] = n << 13
		}
	}

	c0, c1 := int32(coeffs[idx*2]), int32(coeffs[idx*2+1])
	h1, h2 := int32(*yn1), int32(*yn2)
	for i, n := range nibbles {
		sample := int32(delta)*int32(n) + h1*c0 + h2*c1
		sample >>= 11
		out := bit.Clamp16(sample)
		dst[i] = out
		h2 = h1
		h1 = int32(out)
	}

	*yn1 = int16(h1)
	*yn2 = int16(h2)
}
