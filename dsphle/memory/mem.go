package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrOutOfRange is returned for any access that does not fit inside the
// backing memory once the address mask is applied.
var ErrOutOfRange = errors.New("memory: address out of range")

// Guest memory layout of the host console.
const (
	MainMemorySize = 24 * 1024 * 1024
	ARAMSize       = 16 * 1024 * 1024

	// MainMemoryMask strips the cached/uncached segment bits of CPU addresses
	// (0x80000000, 0xC0000000) to get a physical offset.
	MainMemoryMask = 0x01FFFFFF
	// ARAMMask keeps ARAM addresses as-is, they are already physical.
	ARAMMask = 0xFFFFFFFF
)

// Space selects one of the two address spaces a sample source can live in.
type Space uint8

const (
	SpaceMain Space = iota
	SpaceARAM
)

func (s Space) String() string {
	switch s {
	case SpaceMain:
		return "main"
	case SpaceARAM:
		return "aram"
	default:
		return fmt.Sprintf("space(%d)", uint8(s))
	}
}

// Bus is byte addressable guest memory. Implementations must bounds check
// every access and never panic on a bad address.
type Bus interface {
	ReadAt(addr uint32, p []byte) error
	WriteAt(addr uint32, p []byte) error
}

// RAM is a flat, bounds checked memory region.
type RAM struct {
	name string
	data []byte
	mask uint32
}

var _ Bus = (*RAM)(nil)

// NewRAM creates a zeroed memory region of the given size. Addresses are
// and-ed with mask before being checked against the size.
func NewRAM(name string, size int, mask uint32) *RAM {
	return &RAM{
		name: name,
		data: make([]byte, size),
		mask: mask,
	}
}

// NewMainMemory creates a main memory region of size bytes. Segment bits
// of addresses are ignored like on the console; MainMemorySize is the real
// size.
func NewMainMemory(size int) *RAM {
	return NewRAM("main", size, MainMemoryMask)
}

// NewARAM creates an auxiliary memory region of size bytes; ARAMSize is the
// real size.
func NewARAM(size int) *RAM {
	return NewRAM("aram", size, ARAMMask)
}

func (r *RAM) Name() string { return r.name }
func (r *RAM) Size() int    { return len(r.data) }

// Bytes exposes the backing store, used by snapshots.
func (r *RAM) Bytes() []byte { return r.data }

// Load replaces the whole content of the region.
func (r *RAM) Load(data []byte) error {
	if len(data) != len(r.data) {
		return fmt.Errorf("memory %s: load of %d bytes into %d byte region: %w", r.name, len(data), len(r.data), ErrOutOfRange)
	}
	copy(r.data, data)
	return nil
}

func (r *RAM) offset(addr uint32, n int) (int, error) {
	off := uint64(addr & r.mask)
	if off+uint64(n) > uint64(len(r.data)) {
		return 0, fmt.Errorf("memory %s: %d bytes at 0x%08X: %w", r.name, n, addr, ErrOutOfRange)
	}
	return int(off), nil
}

func (r *RAM) ReadAt(addr uint32, p []byte) error {
	off, err := r.offset(addr, len(p))
	if err != nil {
		return err
	}
	copy(p, r.data[off:])
	return nil
}

func (r *RAM) WriteAt(addr uint32, p []byte) error {
	off, err := r.offset(addr, len(p))
	if err != nil {
		return err
	}
	copy(r.data[off:], p)
	return nil
}

// Big endian accessors, the guest CPU and the DSP both see memory that way.

func Read16(b Bus, addr uint32) (uint16, error) {
	var buf [2]byte
	if err := b.ReadAt(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func Read32(b Bus, addr uint32) (uint32, error) {
	var buf [4]byte
	if err := b.ReadAt(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func Write8(b Bus, addr uint32, v uint8) error {
	return b.WriteAt(addr, []byte{v})
}

func Write16(b Bus, addr uint32, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return b.WriteAt(addr, buf[:])
}

func Write32(b Bus, addr uint32, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return b.WriteAt(addr, buf[:])
}

// ReadWords fills dst with consecutive big endian 16 bit words.
func ReadWords(b Bus, addr uint32, dst []uint16) error {
	buf := make([]byte, 2*len(dst))
	if err := b.ReadAt(addr, buf); err != nil {
		return err
	}
	for i := range dst {
		dst[i] = binary.BigEndian.Uint16(buf[2*i:])
	}
	return nil
}

// WriteWords stores src as consecutive big endian 16 bit words.
func WriteWords(b Bus, addr uint32, src []uint16) error {
	buf := make([]byte, 2*len(src))
	for i, w := range src {
		binary.BigEndian.PutUint16(buf[2*i:], w)
	}
	return b.WriteAt(addr, buf)
}

// ReadSamples fills dst with consecutive big endian signed 16 bit samples.
func ReadSamples(b Bus, addr uint32, dst []int16) error {
	buf := make([]byte, 2*len(dst))
	if err := b.ReadAt(addr, buf); err != nil {
		return err
	}
	for i := range dst {
		dst[i] = int16(binary.BigEndian.Uint16(buf[2*i:]))
	}
	return nil
}

// WriteSamples stores src as consecutive big endian signed 16 bit samples.
func WriteSamples(b Bus, addr uint32, src []int16) error {
	buf := make([]byte, 2*len(src))
	for i, s := range src {
		binary.BigEndian.PutUint16(buf[2*i:], uint16(s))
	}
	return b.WriteAt(addr, buf)
}
