package zelda

import (
	"fmt"

	"github.com/valerio/go-dsphle/dsphle/bit"
	"github.com/valerio/go-dsphle/dsphle/memory"
)

// VPBSize is the size in bytes of one voice parameter block in main memory.
const VPBSize = 0x180

// Only the first vpbWords words are interpreted; the rest of the block is
// left alone.
const vpbWords = 0x50

// Word offsets inside a VPB.
const (
	vpbEnabled         = 0x00
	vpbDone            = 0x01
	vpbResamplingRatio = 0x02
	vpbCurrentPosFrac  = 0x03
	vpbSourceKind      = 0x04
	vpbAddressSpace    = 0x05
	vpbLooping         = 0x06
	vpbBaseAddress     = 0x08
	vpbCurrentPosition = 0x0A
	vpbLoopStart       = 0x0C
	vpbLength          = 0x0E
	vpbResampleHistory = 0x10
	vpbAFCYN1          = 0x14
	vpbAFCYN2          = 0x15
	vpbAFCLoopYN1      = 0x16
	vpbAFCLoopYN2      = 0x17
	vpbAFCCachedBlock  = 0x18
	vpbAFCDecoded      = 0x1A
	vpbChannels        = 0x30
	vpbChannelWords    = 4
)

// SourceKind is the encoding of the samples a voice plays.
type SourceKind uint16

const (
	SourcePCM16 SourceKind = iota
	SourcePCM8
	SourceAFC
	SourceAFCLowQuality
)

func (k SourceKind) String() string {
	switch k {
	case SourcePCM16:
		return "PCM16"
	case SourcePCM8:
		return "PCM8"
	case SourceAFC:
		return "AFC"
	case SourceAFCLowQuality:
		return "AFC-LQ"
	default:
		return fmt.Sprintf("source(%d)", uint16(k))
	}
}

// Bus identifies one of the eight mixing buffers.
type Bus int

const (
	BusFrontLeft Bus = iota
	BusFrontRight
	BusBackLeft
	BusBackRight
	BusFrontLeftReverb
	BusFrontRightReverb
	BusBackLeftReverb
	BusBackRightReverb
	BusCount
)

var busNames = [BusCount]string{
	"FL", "FR", "BL", "BR", "FL-rev", "FR-rev", "BL-rev", "BR-rev",
}

func (b Bus) String() string {
	if b < 0 || b >= BusCount {
		return fmt.Sprintf("bus(%d)", int(b))
	}
	return busNames[b]
}

// Channel is the per-bus volume state of a voice. Volumes are 1.15; Step is
// added every output sample to a running volume holding Current in its
// upper 16 bits.
type Channel struct {
	Current int16
	Target  int16
	Step    int32
}

// VPB is the decoded form of a voice parameter block.
type VPB struct {
	Enabled         bool
	Done            bool
	ResamplingRatio uint16 // 4.12, 0x1000 plays at the output rate
	CurrentPosFrac  uint16
	Kind            SourceKind
	Space           memory.Space
	Looping         bool

	BaseAddress     uint32
	CurrentPosition uint32
	LoopStart       uint32
	Length          uint32

	ResampleHistory [4]int16

	AFCYN1, AFCYN2         int16
	AFCLoopYN1, AFCLoopYN2 int16
	// AFCCachedBlock is the block number of AFCDecoded plus one, zero when
	// nothing is cached.
	AFCCachedBlock uint32
	AFCDecoded     [afcSamplesPerBlock]int16

	Channels [BusCount]Channel

	raw [vpbWords]uint16
}

func vpbAddress(base uint32, voiceID uint16) uint32 {
	return base + uint32(voiceID)*VPBSize
}

// DecodeVPB interprets raw words as a VPB.
func DecodeVPB(words [vpbWords]uint16) VPB {
	w32 := func(i int) uint32 { return bit.Combine(words[i], words[i+1]) }

	v := VPB{
		Enabled:         words[vpbEnabled] != 0,
		Done:            words[vpbDone] != 0,
		ResamplingRatio: words[vpbResamplingRatio],
		CurrentPosFrac:  words[vpbCurrentPosFrac] & 0xFFF,
		Kind:            SourceKind(words[vpbSourceKind]),
		Space:           memory.Space(words[vpbAddressSpace]),
		Looping:         words[vpbLooping] != 0,
		BaseAddress:     w32(vpbBaseAddress),
		CurrentPosition: w32(vpbCurrentPosition),
		LoopStart:       w32(vpbLoopStart),
		Length:          w32(vpbLength),
		AFCYN1:          int16(words[vpbAFCYN1]),
		AFCYN2:          int16(words[vpbAFCYN2]),
		AFCLoopYN1:      int16(words[vpbAFCLoopYN1]),
		AFCLoopYN2:      int16(words[vpbAFCLoopYN2]),
		AFCCachedBlock:  w32(vpbAFCCachedBlock),
		raw:             words,
	}
	for i := range v.ResampleHistory {
		v.ResampleHistory[i] = int16(words[vpbResampleHistory+i])
	}
	for i := range v.AFCDecoded {
		v.AFCDecoded[i] = int16(words[vpbAFCDecoded+i])
	}
	for b := range v.Channels {
		off := vpbChannels + b*vpbChannelWords
		v.Channels[b] = Channel{
			Current: int16(words[off]),
			Target:  int16(words[off+1]),
			Step:    int32(w32(off + 2)),
		}
	}
	return v
}

// Encode returns the raw words of the VPB. Words the renderer does not
// interpret keep the value they were decoded with.
func (v *VPB) Encode() [vpbWords]uint16 {
	words := v.raw
	put32 := func(i int, x uint32) {
		words[i] = bit.High(x)
		words[i+1] = bit.Low(x)
	}

	words[vpbEnabled] = boolWord(v.Enabled)
	words[vpbDone] = boolWord(v.Done)
	words[vpbResamplingRatio] = v.ResamplingRatio
	words[vpbCurrentPosFrac] = v.CurrentPosFrac & 0xFFF
	words[vpbSourceKind] = uint16(v.Kind)
	words[vpbAddressSpace] = uint16(v.Space)
	words[vpbLooping] = boolWord(v.Looping)
	put32(vpbBaseAddress, v.BaseAddress)
	put32(vpbCurrentPosition, v.CurrentPosition)
	put32(vpbLoopStart, v.LoopStart)
	put32(vpbLength, v.Length)
	for i, s := range v.ResampleHistory {
		words[vpbResampleHistory+i] = uint16(s)
	}
	words[vpbAFCYN1] = uint16(v.AFCYN1)
	words[vpbAFCYN2] = uint16(v.AFCYN2)
	words[vpbAFCLoopYN1] = uint16(v.AFCLoopYN1)
	words[vpbAFCLoopYN2] = uint16(v.AFCLoopYN2)
	put32(vpbAFCCachedBlock, v.AFCCachedBlock)
	for i, s := range v.AFCDecoded {
		words[vpbAFCDecoded+i] = uint16(s)
	}
	for b, ch := range v.Channels {
		off := vpbChannels + b*vpbChannelWords
		words[off] = uint16(ch.Current)
		words[off+1] = uint16(ch.Target)
		put32(off+2, uint32(ch.Step))
	}
	return words
}

// ReadVPB loads the VPB of a voice from guest memory.
func ReadVPB(mem memory.Bus, base uint32, voiceID uint16) (VPB, error) {
	var words [vpbWords]uint16
	addr := vpbAddress(base, voiceID)
	if err := memory.ReadWords(mem, addr, words[:]); err != nil {
		return VPB{}, fmt.Errorf("fetch vpb %d at 0x%08X: %w", voiceID, addr, err)
	}
	return DecodeVPB(words), nil
}

// WriteVPB stores the VPB of a voice to guest memory.
func WriteVPB(mem memory.Bus, base uint32, voiceID uint16, v *VPB) error {
	words := v.Encode()
	addr := vpbAddress(base, voiceID)
	if err := memory.WriteWords(mem, addr, words[:]); err != nil {
		return fmt.Errorf("store vpb %d at 0x%08X: %w", voiceID, addr, err)
	}
	return nil
}

func boolWord(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}
