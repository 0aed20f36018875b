package zelda

import (
	"log/slog"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valerio/go-dsphle/dsphle/memory"
)

type recordingSink struct {
	frames [][]int16
}

func (s *recordingSink) PushFrame(samples []int16) {
	s.frames = append(s.frames, append([]int16(nil), samples...))
}

func newTestRenderer(t *testing.T) (*Renderer, *memory.RAM, *memory.RAM) {
	t.Helper()
	main := memory.NewRAM("main", testMainSize, 0xFFFFFFFF)
	aram := memory.NewRAM("aram", testARAMSize, 0xFFFFFFFF)
	return NewRenderer(main, aram, slog.Default()), main, aram
}

func rampSamples(n int, scale int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(i) * scale
	}
	return out
}

func TestAddBuffersWithVolumeRamp_ZeroVolumeIsNoOp(t *testing.T) {
	var dst, src MixingBuffer
	for i := range dst {
		dst[i] = int16(i * 7)
		src[i] = int16(0x7FFF - i*300)
	}
	before := dst

	vol := addBuffersWithVolumeRamp(&dst, &src, 0, 0)

	assert.Equal(t, before, dst)
	assert.Zero(t, vol)
}

func TestAddBuffersWithVolumeRamp(t *testing.T) {
	tests := []struct {
		name    string
		dst     int16
		src     int16
		vol     int32
		step    int32
		first   int16
		second  int16
		wantVol int32
	}{
		{
			name: "constant half volume",
			src:  0x4000, vol: 0x4000 << 16,
			first: 0x1000, second: 0x1000,
			wantVol: 0x4000 << 16,
		},
		{
			name: "ramp down",
			src:  0x4000, vol: 0x4000 << 16, step: -0x10000,
			first: 0x1000, second: 0x0FFF,
			wantVol: (0x4000 - MixingBufferSize) << 16,
		},
		{
			name: "ramp up from silence",
			src:  0x7FFF, vol: 0, step: 0x10000,
			first: 0, second: 0,
			wantVol: MixingBufferSize << 16,
		},
		{
			name: "accumulation saturates",
			dst:  0x7F00, src: 0x7FFF, vol: 0x7FFF << 16,
			first: 0x7FFF, second: 0x7FFF,
			wantVol: 0x7FFF << 16,
		},
		{
			name: "negative saturation",
			dst:  -0x7F00, src: -0x8000, vol: 0x7FFF << 16,
			first: -0x8000, second: -0x8000,
			wantVol: 0x7FFF << 16,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst, src MixingBuffer
			for i := range dst {
				dst[i] = tt.dst
				src[i] = tt.src
			}

			vol := addBuffersWithVolumeRamp(&dst, &src, tt.vol, tt.step)

			assert.Equal(t, tt.first, dst[0])
			assert.Equal(t, tt.second, dst[1])
			assert.Equal(t, tt.wantVol, vol)
		})
	}
}

func TestNeededRawSamples(t *testing.T) {
	tests := []struct {
		ratio, frac uint16
		want        int
	}{
		{0x1000, 0, 80},
		{0x0800, 0x800, 40},
		{0x1800, 0xFFF, 120},
		{0x4000, 0, 320},
		{0, 0x123, 0},
	}

	for _, tt := range tests {
		v := VPB{ResamplingRatio: tt.ratio, CurrentPosFrac: tt.frac}
		assert.Equal(t, tt.want, neededRawSamples(&v), "ratio 0x%04X frac 0x%03X", tt.ratio, tt.frac)
	}
}

func TestResample_Nearest(t *testing.T) {
	r, _, _ := newTestRenderer(t)
	v := VPB{ResamplingRatio: 0x4000}
	src := rampSamples(resampleHistorySize+neededRawSamples(&v), 1)

	var dst MixingBuffer
	r.resample(&v, src, &dst)

	for i := range dst {
		assert.Equal(t, int16(4*(i+1)), dst[i], "sample %d", i)
	}
	assert.Zero(t, v.CurrentPosFrac)
}

func TestResample_Filter(t *testing.T) {
	r, _, _ := newTestRenderer(t)
	var coeffs [resamplingCoeffsSize]int16
	coeffs[2] = 0x4000
	r.SetResamplingCoeffs(coeffs)

	v := VPB{ResamplingRatio: 0x1000}
	src := rampSamples(resampleHistorySize+neededRawSamples(&v), 100)

	var dst MixingBuffer
	r.resample(&v, src, &dst)

	// Phase stays 0, so every output picks tap 2 at half gain.
	for i := range dst {
		assert.Equal(t, int16((i+2)*50), dst[i], "sample %d", i)
	}
	assert.Zero(t, v.CurrentPosFrac)
}

func TestResample_KeepsPhase(t *testing.T) {
	r, _, _ := newTestRenderer(t)
	v := VPB{ResamplingRatio: 0x0C00, CurrentPosFrac: 0x400}
	src := make([]int16, resampleHistorySize+neededRawSamples(&v))

	var dst MixingBuffer
	r.resample(&v, src, &dst)

	assert.Equal(t, uint16((0x400+MixingBufferSize*0x0C00)&0xFFF), v.CurrentPosFrac)
}

func TestLoadInputSamples_HistoryCarriesOver(t *testing.T) {
	r, main, _ := newTestRenderer(t)
	var coeffs [resamplingCoeffsSize]int16
	coeffs[0] = 0x4000
	r.SetResamplingCoeffs(coeffs)

	require.NoError(t, memory.WriteSamples(main, testSamples, rampSamples(1000, 2)))
	v := VPB{
		ResamplingRatio: 0x1000,
		Kind:            SourcePCM16,
		Space:           memory.SpaceMain,
		BaseAddress:     testSamples,
		Length:          1000,
	}

	var first, second MixingBuffer
	require.NoError(t, r.loadInputSamples(&first, &v))
	require.NoError(t, r.loadInputSamples(&second, &v))

	// Tap 0 reads 4 samples behind, the first of which come from history.
	assert.Equal(t, []int16{0, 0, 0, 0, 0, 1}, first[:6])
	assert.Equal(t, int16(76), second[0])
	assert.Equal(t, [4]int16{312, 314, 316, 318}, v.ResampleHistory)
	assert.Equal(t, uint32(160), v.CurrentPosition)
}

func TestLoadInputSamples_ZeroRatioIsSilent(t *testing.T) {
	r, main, _ := newTestRenderer(t)
	constantPCM16(t, main, testSamples, 100, 0x1234)
	v := VPB{Kind: SourcePCM16, BaseAddress: testSamples, Length: 100}

	dst := MixingBuffer{1, 2, 3}
	require.NoError(t, r.loadInputSamples(&dst, &v))

	assert.Equal(t, MixingBuffer{}, dst)
	assert.Zero(t, v.CurrentPosition)
}

func TestLoadPCMSamples(t *testing.T) {
	_, main, aram := newTestRenderer(t)
	require.NoError(t, memory.WriteSamples(main, testSamples, rampSamples(10, 1)))
	require.NoError(t, aram.WriteAt(0x100, []byte{0x01, 0xFF, 0x80, 0x7F}))

	tests := []struct {
		name     string
		pcm8     bool
		vpb      VPB
		n        int
		want     []int16
		wantPos  uint32
		wantDone bool
	}{
		{
			name:     "end without loop is silent",
			vpb:      VPB{Length: 10, CurrentPosition: 6},
			n:        8,
			want:     []int16{6, 7, 8, 9, 0, 0, 0, 0},
			wantPos:  10,
			wantDone: true,
		},
		{
			name:    "loop wraps",
			vpb:     VPB{Length: 10, LoopStart: 4, Looping: true},
			n:       20,
			want:    []int16{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 4, 5, 6, 7, 8, 9, 4, 5, 6, 7},
			wantPos: 8,
		},
		{
			name:     "loop start past the end finishes",
			vpb:      VPB{Length: 10, CurrentPosition: 8, LoopStart: 10, Looping: true},
			n:        4,
			want:     []int16{8, 9, 0, 0},
			wantPos:  10,
			wantDone: true,
		},
		{
			name:     "already finished",
			vpb:      VPB{Length: 10, CurrentPosition: 10},
			n:        3,
			want:     []int16{0, 0, 0},
			wantPos:  10,
			wantDone: true,
		},
		{
			name:    "pcm8 scales to 16 bits",
			pcm8:    true,
			vpb:     VPB{Length: 4},
			n:       4,
			want:    []int16{0x0100, -0x0100, -0x8000, 0x7F00},
			wantPos: 4,
		},
		{
			name:    "pcm8 loop wraps",
			pcm8:    true,
			vpb:     VPB{Length: 4, LoopStart: 1, Looping: true},
			n:       9,
			want:    []int16{0x0100, -0x0100, -0x8000, 0x7F00, -0x0100, -0x8000, 0x7F00, -0x0100, -0x8000},
			wantPos: 3,
		},
		{
			name:     "pcm8 end without loop is silent",
			pcm8:     true,
			vpb:      VPB{Length: 4, CurrentPosition: 2},
			n:        4,
			want:     []int16{-0x8000, 0x7F00, 0, 0},
			wantPos:  4,
			wantDone: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := tt.vpb
			var mem memory.Bus = main
			width := uint32(2)
			v.BaseAddress = testSamples
			if tt.pcm8 {
				mem, width = aram, 1
				v.BaseAddress = 0x100
			}
			dst := make([]int16, tt.n)
			for i := range dst {
				dst[i] = -1
			}

			require.NoError(t, loadPCMSamples(mem, &v, dst, width))

			assert.Equal(t, tt.want, dst)
			assert.Equal(t, tt.wantPos, v.CurrentPosition)
			assert.Equal(t, tt.wantDone, v.Done)
		})
	}
}

func TestLoadPCMSamples_OutOfRange(t *testing.T) {
	_, main, _ := newTestRenderer(t)
	v := VPB{BaseAddress: testMainSize - 2, Length: 100}

	err := loadPCMSamples(main, &v, make([]int16, 8), 2)
	assert.ErrorIs(t, err, memory.ErrOutOfRange)
}

func TestLoadRawSamples_BadSource(t *testing.T) {
	r, _, _ := newTestRenderer(t)

	v := VPB{Kind: SourceKind(9), Length: 4}
	assert.ErrorIs(t, r.loadRawSamples(&v, make([]int16, 4)), ErrBadSource)

	v = VPB{Space: memory.Space(7), Length: 4}
	assert.ErrorIs(t, r.loadRawSamples(&v, make([]int16, 4)), ErrBadSource)
}

func TestDecodeAFCBlock(t *testing.T) {
	var identity [afcCoeffsSize]int16
	// Predictor 1 adds the previous sample (1.0 in 4.11).
	identity[2] = 0x0800

	tests := []struct {
		name     string
		src      []byte
		want     []int16
		yn1, yn2 int16
	}{
		{
			name: "4-bit nibbles",
			src:  []byte{0x00, 0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC, 0xDE, 0xF0},
			want: []int16{1, 2, 3, 4, 5, 6, 7, -8, -7, -6, -5, -4, -3, -2, -1, 0},
			yn1:  0, yn2: -1,
		},
		{
			name: "scale",
			src:  []byte{0x20, 0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC, 0xDE, 0xF0},
			want: []int16{4, 8, 12, 16, 20, 24, 28, -32, -28, -24, -20, -16, -12, -8, -4, 0},
			yn1:  0, yn2: -4,
		},
		{
			name: "predictor",
			src:  []byte{0x01, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11},
			want: []int16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
			yn1:  16, yn2: 15,
		},
		{
			name: "2-bit values",
			src:  []byte{0x00, 0x78, 0x78, 0x78, 0x78},
			want: []int16{4, -4, -8, 0, 4, -4, -8, 0, 4, -4, -8, 0, 4, -4, -8, 0},
			yn1:  0, yn2: -8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst [afcSamplesPerBlock]int16
			var yn1, yn2 int16

			decodeAFCBlock(&identity, tt.src, &dst, &yn1, &yn2)

			assert.Equal(t, tt.want, dst[:])
			assert.Equal(t, tt.yn1, yn1)
			assert.Equal(t, tt.yn2, yn2)
		})
	}
}

func TestLoadAFCSamples(t *testing.T) {
	r, _, aram := newTestRenderer(t)
	// Two 9 byte blocks decoding to 1s then 2s.
	require.NoError(t, aram.WriteAt(0x200, []byte{
		0x00, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11,
		0x00, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22,
	}))
	// Three 5 byte blocks decoding to 4s, 8s and -16s.
	require.NoError(t, aram.WriteAt(0x300, []byte{
		0x00, 0x55, 0x55, 0x55, 0x55,
		0x10, 0x55, 0x55, 0x55, 0x55,
		0x20, 0xFF, 0xFF, 0xFF, 0xFF,
	}))

	tests := []struct {
		name       string
		vpb        VPB
		n          int
		want       []int16
		wantPos    uint32
		wantCached uint32
		wantDone   bool
	}{
		{
			name:       "loop seeks back to the loop block",
			vpb:        VPB{Kind: SourceAFC, BaseAddress: 0x200, Length: 32, LoopStart: 16, Looping: true, AFCLoopYN1: 0x55},
			n:          40,
			want:       slices.Concat(slices.Repeat([]int16{1}, 16), slices.Repeat([]int16{2}, 24)),
			wantPos:    24,
			wantCached: 2,
		},
		{
			name:       "end without loop is silent",
			vpb:        VPB{Kind: SourceAFC, BaseAddress: 0x200, Length: 20},
			n:          24,
			want:       slices.Concat(slices.Repeat([]int16{1}, 16), slices.Repeat([]int16{2}, 4), make([]int16, 4)),
			wantPos:    20,
			wantCached: 2,
			wantDone:   true,
		},
		{
			name:       "already finished",
			vpb:        VPB{Kind: SourceAFC, BaseAddress: 0x200, Length: 20, CurrentPosition: 20, AFCCachedBlock: 2},
			n:          3,
			want:       []int16{0, 0, 0},
			wantPos:    20,
			wantCached: 2,
			wantDone:   true,
		},
		{
			name:       "low quality blocks are 5 bytes",
			vpb:        VPB{Kind: SourceAFCLowQuality, BaseAddress: 0x300, Length: 48},
			n:          48,
			want:       slices.Concat(slices.Repeat([]int16{4}, 16), slices.Repeat([]int16{8}, 16), slices.Repeat([]int16{-16}, 16)),
			wantPos:    48,
			wantCached: 3,
		},
		{
			name:       "low quality start mid sample",
			vpb:        VPB{Kind: SourceAFCLowQuality, BaseAddress: 0x300, Length: 48, CurrentPosition: 30},
			n:          4,
			want:       []int16{8, 8, -16, -16},
			wantPos:    34,
			wantCached: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := tt.vpb
			v.Space = memory.SpaceARAM
			dst := make([]int16, tt.n)
			for i := range dst {
				dst[i] = -1
			}

			require.NoError(t, r.loadRawSamples(&v, dst))

			assert.Equal(t, tt.want, dst)
			assert.Equal(t, tt.wantPos, v.CurrentPosition)
			assert.Equal(t, tt.wantCached, v.AFCCachedBlock)
			assert.Equal(t, tt.wantDone, v.Done)
		})
	}
}

func TestLoadAFCSamples_VoicesKeepOwnHistory(t *testing.T) {
	r, _, aram := newTestRenderer(t)
	var coeffs [afcCoeffsSize]int16
	// Predictor 1 adds the previous sample.
	coeffs[2] = 0x0800
	r.SetAFCCoeffs(coeffs)

	require.NoError(t, aram.WriteAt(0x400, slices.Repeat([]byte{0x01, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11}, 2)))
	require.NoError(t, aram.WriteAt(0x500, slices.Repeat([]byte{0x01, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22}, 2)))
	a := VPB{Kind: SourceAFC, Space: memory.SpaceARAM, BaseAddress: 0x400, Length: 32}
	b := VPB{Kind: SourceAFC, Space: memory.SpaceARAM, BaseAddress: 0x500, Length: 32}

	// Voices are decoded in turn within a frame.
	outA := make([]int16, 32)
	outB := make([]int16, 32)
	require.NoError(t, r.loadRawSamples(&a, outA[:16]))
	require.NoError(t, r.loadRawSamples(&b, outB[:16]))
	require.NoError(t, r.loadRawSamples(&a, outA[16:]))
	require.NoError(t, r.loadRawSamples(&b, outB[16:]))

	assert.Equal(t, rampSamples(33, 1)[1:], outA)
	assert.Equal(t, rampSamples(33, 2)[1:], outB)
	assert.Equal(t, int16(32), a.AFCYN1)
	assert.Equal(t, int16(31), a.AFCYN2)
	assert.Equal(t, int16(64), b.AFCYN1)
	assert.Equal(t, int16(62), b.AFCYN2)
}

func TestAddVoice(t *testing.T) {
	r, main, _ := newTestRenderer(t)
	r.SetVPBBaseAddress(testVPBBase)
	constantPCM16(t, main, testSamples, 1000, 0x4000)

	v := VPB{
		Enabled:         true,
		ResamplingRatio: 0x4000,
		Kind:            SourcePCM16,
		Space:           memory.SpaceMain,
		BaseAddress:     testSamples,
		Length:          1000,
	}
	v.Channels[BusFrontLeft] = Channel{Current: 0x4000}
	v.Channels[BusBackRightReverb] = Channel{Current: 0x1000, Step: 0x10000}
	require.NoError(t, WriteVPB(main, testVPBBase, 3, &v))

	r.PrepareFrame()
	require.NoError(t, r.AddVoice(3))

	fl := r.buses[BusFrontLeft]
	assert.Equal(t, int16(0x1000), fl[0])
	assert.Equal(t, int16(0x1000), fl[MixingBufferSize-1])
	assert.Equal(t, MixingBuffer{}, r.buses[BusFrontRight])

	got, err := ReadVPB(main, testVPBBase, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(320), got.CurrentPosition)
	assert.Equal(t, int16(0x4000), got.Channels[BusFrontLeft].Current)
	assert.Equal(t, int16(0x1000+MixingBufferSize), got.Channels[BusBackRightReverb].Current)
	assert.Equal(t, int32(0x10000), got.Channels[BusBackRightReverb].Step)
}

func TestAddVoice_DisabledOrDone(t *testing.T) {
	for _, v := range []VPB{{}, {Enabled: true, Done: true, ResamplingRatio: 0x1000, Length: 100}} {
		r, main, _ := newTestRenderer(t)
		r.SetVPBBaseAddress(testVPBBase)
		v.Channels[BusFrontLeft].Current = 0x7FFF
		require.NoError(t, WriteVPB(main, testVPBBase, 0, &v))

		r.PrepareFrame()
		require.NoError(t, r.AddVoice(0))

		got, err := ReadVPB(main, testVPBBase, 0)
		require.NoError(t, err)
		assert.Equal(t, v.Encode(), got.Encode())
		assert.Equal(t, MixingBuffer{}, r.buses[BusFrontLeft])
	}
}

func TestFinalizeFrame(t *testing.T) {
	r, main, _ := newTestRenderer(t)
	sink := &recordingSink{}
	r.SetFrameSink(sink)
	r.SetOutputVolume(0x4000)
	r.SetOutputLeftBufferAddr(testLeftBuf)
	r.SetOutputRightBufferAddr(testRightBuf)

	r.PrepareFrame()
	for i := range MixingBufferSize {
		r.buses[BusFrontLeft][i] = 0x1000
		r.buses[BusFrontRight][i] = -0x1000
		r.buses[BusBackLeft][i] = 0x1234
	}

	require.NoError(t, r.FinalizeFrame())

	left := make([]int16, MixingBufferSize)
	right := make([]int16, MixingBufferSize)
	require.NoError(t, memory.ReadSamples(main, testLeftBuf, left))
	require.NoError(t, memory.ReadSamples(main, testRightBuf, right))
	assert.Equal(t, int16(0x0800), left[0])
	assert.Equal(t, int16(-0x0800), right[MixingBufferSize-1])

	require.Len(t, sink.frames, 1)
	assert.Equal(t, []int16{0x0800, -0x0800, 0x0800, -0x0800}, sink.frames[0][:4])

	l, rr := r.OutputAddrs()
	assert.Equal(t, uint32(testLeftBuf+2*MixingBufferSize), l)
	assert.Equal(t, uint32(testRightBuf+2*MixingBufferSize), rr)
	assert.False(t, r.Prepared())
	for b := range BusCount {
		assert.Equal(t, MixingBuffer{}, r.buses[b], "bus %s", b)
	}
}

func TestFinalizeFrame_VolumeClamps(t *testing.T) {
	r, main, _ := newTestRenderer(t)
	r.SetOutputVolume(0xFFFF)
	r.SetOutputLeftBufferAddr(testLeftBuf)
	r.SetOutputRightBufferAddr(testRightBuf)

	r.PrepareFrame()
	r.buses[BusFrontLeft][0] = 0x7000
	r.buses[BusFrontRight][0] = -0x7000

	require.NoError(t, r.FinalizeFrame())

	l, err := memory.Read16(main, testLeftBuf)
	require.NoError(t, err)
	rr, err := memory.Read16(main, testRightBuf)
	require.NoError(t, err)
	assert.Equal(t, int16(0x7FFF), int16(l))
	assert.Equal(t, int16(-0x8000), int16(rr))
}

func TestFinalizeFrame_OutputOutOfRange(t *testing.T) {
	r, _, _ := newTestRenderer(t)
	r.SetOutputVolume(0x8000)
	r.SetOutputLeftBufferAddr(testMainSize)
	r.SetOutputRightBufferAddr(testRightBuf)

	r.PrepareFrame()
	err := r.FinalizeFrame()

	assert.ErrorIs(t, err, memory.ErrOutOfRange)
	l, _ := r.OutputAddrs()
	assert.Equal(t, uint32(testMainSize+2*MixingBufferSize), l)
}
