package zelda

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/valerio/go-dsphle/dsphle/mail"
	"github.com/valerio/go-dsphle/dsphle/memory"
)

// Guest memory layout used by the tests.
const (
	testVPBBase    = 0x1000
	testCoeffsAddr = 0x8000
	testAFCAddr    = 0x9000
	testLeftBuf    = 0xA000
	testRightBuf   = 0xB000
	testSamples    = 0x10000

	testMainSize = 0x40000
	testARAMSize = 0x10000
)

type testDSP struct {
	main  *memory.RAM
	aram  *memory.RAM
	mails *mail.Handler
	ucode *UCode
}

func newTestDSP(t *testing.T, opts ...Option) *testDSP {
	t.Helper()
	d := &testDSP{
		main:  memory.NewRAM("main", testMainSize, 0xFFFFFFFF),
		aram:  memory.NewRAM("aram", testARAMSize, 0xFFFFFFFF),
		mails: mail.NewHandler(),
	}
	d.ucode = NewUCode(d.main, d.aram, d.mails, opts...)
	// Boot mails.
	d.mails.Drain()
	return d
}

// command sends a header announcing the command word plus params, then the
// words themselves.
func (d *testDSP) command(opcode uint32, sync uint8, extra uint16, params ...uint32) {
	d.ucode.HandleMail(uint32(len(params) + 1))
	d.ucode.HandleMail(CommandWord(opcode, sync, extra))
	for _, p := range params {
		d.ucode.HandleMail(p)
	}
}

func (d *testDSP) setup(voices uint16) {
	d.command(CmdSetup, 0x01, voices, testVPBBase, testCoeffsAddr, testAFCAddr, 0)
}

func (d *testDSP) render(frames uint8, volume uint16) {
	d.ucode.HandleMail(4)
	d.ucode.HandleMail(CommandWord(CmdRender, frames, 0))
	d.ucode.HandleMail(uint32(volume))
	d.ucode.HandleMail(testLeftBuf)
	d.ucode.HandleMail(testRightBuf)
}

// sync admits the voices of a group of 16 whose flag bits are set.
func (d *testDSP) sync(group uint8, flags uint16) {
	d.ucode.HandleMail(0)
	d.ucode.HandleMail(uint32(group)<<16 | uint32(flags))
}

// step calls Update up to limit times, stopping when rendering is over.
func (d *testDSP) step(limit int) {
	for range limit {
		if d.ucode.MailState() != StateRendering {
			return
		}
		d.ucode.Update()
	}
}

func (d *testDSP) drainValues() []uint32 {
	var out []uint32
	for _, m := range d.mails.Drain() {
		out = append(out, m.Value)
	}
	return out
}

func (d *testDSP) writeVPB(t *testing.T, voice uint16, v *VPB) {
	t.Helper()
	require.NoError(t, WriteVPB(d.main, testVPBBase, voice, v))
}

func (d *testDSP) readVPB(t *testing.T, voice uint16) VPB {
	t.Helper()
	v, err := ReadVPB(d.main, testVPBBase, voice)
	require.NoError(t, err)
	return v
}

func (d *testDSP) readOutput(t *testing.T, addr uint32) []int16 {
	t.Helper()
	out := make([]int16, MixingBufferSize)
	require.NoError(t, memory.ReadSamples(d.main, addr, out))
	return out
}

func ack(sync uint16) []uint32 {
	return []uint32{mail.DSPSync, mail.SyncPrefix | uint32(sync)}
}

func constantPCM16(t *testing.T, mem memory.Bus, addr uint32, n int, value int16) {
	t.Helper()
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = value
	}
	require.NoError(t, memory.WriteSamples(mem, addr, samples))
}
