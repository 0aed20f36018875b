package zelda

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/valerio/go-dsphle/dsphle/memory"
)

// MixingBufferSize is the number of samples rendered per frame and bus.
const MixingBufferSize = 0x50

// Sizes of the coefficient tables uploaded by the setup command.
const (
	sineTableSize        = 0x80
	resamplingCoeffsSize = 0x100
	afcCoeffsSize        = 0x20
)

// MixingBuffer accumulates the contribution of every voice to one bus.
type MixingBuffer [MixingBufferSize]int16

// FrameSink receives every finalized frame as interleaved left/right
// samples. The slice is only valid during the call.
type FrameSink interface {
	PushFrame(samples []int16)
}

// Renderer mixes voices into the mixing buses and publishes frames to guest
// memory. It is driven one step at a time by the UCode.
type Renderer struct {
	main   memory.Bus
	aram   memory.Bus
	sink   FrameSink
	logger *slog.Logger

	// Whether the frame buses are cleared and ready for voices.
	prepared bool

	// Main memory addresses where output samples are copied. They advance
	// by one frame after every finalize.
	outputLeftAddr  uint32
	outputRightAddr uint32

	// 1.15 volume applied to the front buses before upload.
	outputVolume uint16

	buses [BusCount]MixingBuffer

	// Base address where VPBs are stored linearly in main memory.
	vpbBaseAddr uint32
	reverbAddr  uint32

	// sin(x) for x in [0;pi/4], 1.15. Uploaded for completeness, no mixing
	// path reads it yet.
	sineTable        [sineTableSize]int16
	resamplingCoeffs [resamplingCoeffsSize]int16
	afcCoeffs        [afcCoeffsSize]int16

	raw   [resampleHistorySize + maxRawSamples]int16
	frame [2 * MixingBufferSize]int16
}

// NewRenderer creates a renderer reading VPBs and output buffers from main
// and sample data from either main or aram.
func NewRenderer(main, aram memory.Bus, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{
		main:   main,
		aram:   aram,
		logger: logger,
	}
}

func (r *Renderer) SetFrameSink(s FrameSink)                          { r.sink = s }
func (r *Renderer) SetSineTable(t [sineTableSize]int16)               { r.sineTable = t }
func (r *Renderer) SetResamplingCoeffs(c [resamplingCoeffsSize]int16) { r.resamplingCoeffs = c }
func (r *Renderer) SetAFCCoeffs(c [afcCoeffsSize]int16)               { r.afcCoeffs = c }
func (r *Renderer) SetVPBBaseAddress(addr uint32)                     { r.vpbBaseAddr = addr }
func (r *Renderer) SetOutputVolume(vol uint16)                        { r.outputVolume = vol }
func (r *Renderer) SetOutputLeftBufferAddr(addr uint32)               { r.outputLeftAddr = addr }
func (r *Renderer) SetOutputRightBufferAddr(addr uint32)              { r.outputRightAddr = addr }
func (r *Renderer) SetReverbAddr(addr uint32)                         { r.reverbAddr = addr }

func (r *Renderer) VPBBaseAddress() uint32 { return r.vpbBaseAddr }
func (r *Renderer) OutputVolume() uint16   { return r.outputVolume }
func (r *Renderer) Prepared() bool         { return r.prepared }

// OutputAddrs returns the addresses the next frame will be written to.
func (r *Renderer) OutputAddrs() (left, right uint32) {
	return r.outputLeftAddr, r.outputRightAddr
}

// PrepareFrame clears every bus. Calling it again before FinalizeFrame is a
// no-op.
func (r *Renderer) PrepareFrame() {
	if r.prepared {
		return
	}
	for b := range r.buses {
		clear(r.buses[b][:])
	}
	r.prepared = true
}

// AddVoice renders one voice into the buses and writes its updated VPB
// back. Disabled or finished voices are left alone.
func (r *Renderer) AddVoice(voiceID uint16) error {
	vpb, err := ReadVPB(r.main, r.vpbBaseAddr, voiceID)
	if err != nil {
		return err
	}
	if !vpb.Enabled || vpb.Done {
		return nil
	}

	var input MixingBuffer
	if err := r.loadInputSamples(&input, &vpb); err != nil {
		return fmt.Errorf("voice %d: %w", voiceID, err)
	}

	for b := range vpb.Channels {
		ch := &vpb.Channels[b]
		vol := addBuffersWithVolumeRamp(&r.buses[b], &input, int32(ch.Current)<<16, ch.Step)
		ch.Current = int16(vol >> 16)
	}

	return WriteVPB(r.main, r.vpbBaseAddr, voiceID, &vpb)
}

// loadInputSamples produces one buffer of resampled input for a voice.
func (r *Renderer) loadInputSamples(dst *MixingBuffer, v *VPB) error {
	if v.ResamplingRatio == 0 {
		clear(dst[:])
		return nil
	}

	needed := neededRawSamples(v)
	raw := r.raw[:resampleHistorySize+needed]
	copy(raw, v.ResampleHistory[:])

	if err := r.loadRawSamples(v, raw[resampleHistorySize:]); err != nil {
		return err
	}

	r.resample(v, raw, dst)

	// The last raw samples become the history of the next frame.
	copy(v.ResampleHistory[:], raw[needed:])
	return nil
}

// FinalizeFrame applies the output volume to the front buses, uploads them
// to the output buffers and hands the interleaved frame to the sink.
func (r *Renderer) FinalizeFrame() error {
	left := &r.buses[BusFrontLeft]
	right := &r.buses[BusFrontRight]

	applyVolumeInPlace1_15(left, r.outputVolume)
	applyVolumeInPlace1_15(right, r.outputVolume)

	var errs []error
	if err := memory.WriteSamples(r.main, r.outputLeftAddr, left[:]); err != nil {
		errs = append(errs, fmt.Errorf("left output buffer: %w", err))
	}
	if err := memory.WriteSamples(r.main, r.outputRightAddr, right[:]); err != nil {
		errs = append(errs, fmt.Errorf("right output buffer: %w", err))
	}
	r.outputLeftAddr += 2 * MixingBufferSize
	r.outputRightAddr += 2 * MixingBufferSize

	for i := range left {
		r.frame[2*i] = left[i]
		r.frame[2*i+1] = right[i]
	}
	if r.sink != nil {
		r.sink.PushFrame(r.frame[:])
	}

	for b := range r.buses {
		clear(r.buses[b][:])
	}
	r.prepared = false

	return errors.Join(errs...)
}
