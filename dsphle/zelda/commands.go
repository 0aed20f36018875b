package zelda

import (
	"fmt"

	"github.com/valerio/go-dsphle/dsphle/bit"
	"github.com/valerio/go-dsphle/dsphle/memory"
)

// Command opcodes, bits 24-30 of the first word of a command.
const (
	CmdNop00           = 0x00
	CmdSetup           = 0x01
	CmdRender          = 0x02
	CmdNop03           = 0x03
	CmdSetOutputVolume = 0x04
	CmdSetOutputBufs   = 0x05
	CmdSetVPBBase      = 0x06
	CmdNop0A           = 0x0A
	CmdNop0B           = 0x0B
	CmdNop0C           = 0x0C
	CmdUnknown0D       = 0x0D
	CmdNop0E           = 0x0E
	CmdNop0F           = 0x0F
)

// MaxVoices is the number of voices the sync flag bitmap can address.
const MaxVoices = syncFlagGroups * 16

type commandInfo struct {
	name   string
	params uint32
}

// commandTable is the closed command set: opcode to parameter word count.
// Opcodes missing from it crash the ucode.
var commandTable = map[uint32]commandInfo{
	CmdNop00:           {"nop", 0},
	CmdSetup:           {"setup", 4},
	CmdRender:          {"render", 3},
	CmdNop03:           {"nop", 0},
	CmdSetOutputVolume: {"set output volume", 1},
	CmdSetOutputBufs:   {"set output buffers", 2},
	CmdSetVPBBase:      {"set vpb base", 1},
	CmdNop0A:           {"nop", 0},
	CmdNop0B:           {"nop", 0},
	CmdNop0C:           {"nop", 0},
	CmdUnknown0D:       {"cmd 0d", 1},
	CmdNop0E:           {"nop", 0},
	CmdNop0F:           {"nop", 0},
}

// CommandWords returns the total number of mails (command word included)
// the header of a command with this opcode has to announce.
func CommandWords(opcode uint32) (uint32, bool) {
	info, ok := commandTable[opcode]
	if !ok {
		return 0, false
	}
	return info.params + 1, true
}

// CommandWord builds the first word of a command.
func CommandWord(opcode uint32, sync uint8, extra uint16) uint32 {
	return (opcode&0x7F)<<24 | uint32(sync)<<16 | uint32(extra)
}

// CommandMails returns the mails a CPU sends for one command: the header
// announcing the word count, the command word, then the parameters.
func CommandMails(opcode uint32, sync uint8, extra uint16, params ...uint32) []uint32 {
	out := make([]uint32, 0, len(params)+2)
	out = append(out, uint32(len(params)+1), CommandWord(opcode, sync, extra))
	return append(out, params...)
}

func opcodeOf(cmd uint32) uint32 {
	return bit.ExtractBits(cmd, 30, 24)
}

// commandResult tells RunPendingCommands what to do after a command ran.
type commandResult int

const (
	// commandAcked sends a standard ack and moves on to the next command.
	commandAcked commandResult = iota
	// commandSilent moves on without a standard ack; the command sent its
	// own reply.
	commandSilent
	// commandStopped ends the drain: rendering started or the ucode halted.
	commandStopped
)

// executeCommand runs the command whose first word was just read from the
// command buffer.
func (u *UCode) executeCommand(cmd uint32) commandResult {
	opcode := opcodeOf(cmd)
	extra := bit.Low(cmd)

	switch opcode {
	case CmdNop00, CmdNop03, CmdNop0A, CmdNop0B, CmdNop0C, CmdNop0E, CmdNop0F:
		return commandAcked

	case CmdSetup:
		if !u.setVoicesPerFrame(extra) {
			return commandStopped
		}
		u.renderer.SetVPBBaseAddress(u.cmds.Read32())
		coeffsAddr := u.cmds.Read32()
		afcAddr := u.cmds.Read32()
		u.renderer.SetReverbAddr(u.cmds.Read32())
		if err := u.loadTables(coeffsAddr, afcAddr); err != nil {
			u.halt("setup command tables unreadable", "error", err)
			return commandStopped
		}
		return commandAcked

	case CmdRender:
		u.renderingRequestedFrames = bit.ExtractBits(cmd, 23, 16)
		if extra != 0 && !u.setVoicesPerFrame(extra) {
			return commandStopped
		}
		u.renderer.SetOutputVolume(uint16(u.cmds.Read32()))
		u.renderer.SetOutputLeftBufferAddr(u.cmds.Read32())
		u.renderer.SetOutputRightBufferAddr(u.cmds.Read32())
		u.renderingCurrFrame = 0
		u.renderingCurrVoice = 0

		if u.renderingRequestedFrames == 0 {
			u.logger.Warn("Render command for zero frames")
			u.renderDone()
			return commandSilent
		}
		u.setState(StateRendering)
		return commandStopped

	case CmdSetOutputVolume:
		u.renderer.SetOutputVolume(uint16(u.cmds.Read32()))
		return commandAcked

	case CmdSetOutputBufs:
		u.renderer.SetOutputLeftBufferAddr(u.cmds.Read32())
		u.renderer.SetOutputRightBufferAddr(u.cmds.Read32())
		return commandAcked

	case CmdSetVPBBase:
		u.renderer.SetVPBBaseAddress(u.cmds.Read32())
		return commandAcked

	case CmdUnknown0D:
		u.logger.Warn("CMD0D", "param", hex32(u.cmds.Read32()))
		return commandAcked

	default:
		u.halt("received a non-existing command", "opcode", opcode)
		return commandStopped
	}
}

func (u *UCode) setVoicesPerFrame(n uint16) bool {
	if int(n) > MaxVoices {
		u.halt("too many voices per frame", "voices", n, "max", MaxVoices)
		return false
	}
	u.renderingVoicesPerFrame = uint32(n)
	return true
}

// loadTables copies the coefficient tables from main memory. The resampling
// coefficients and the sine table share one upload, 0x200 words apart.
func (u *UCode) loadTables(coeffsAddr, afcAddr uint32) error {
	var resampling [resamplingCoeffsSize]int16
	if err := memory.ReadSamples(u.main, coeffsAddr, resampling[:]); err != nil {
		return fmt.Errorf("resampling coefficients: %w", err)
	}

	var sine [sineTableSize]int16
	if err := memory.ReadSamples(u.main, coeffsAddr+0x200*2, sine[:]); err != nil {
		return fmt.Errorf("sine table: %w", err)
	}

	var afc [afcCoeffsSize]int16
	if err := memory.ReadSamples(u.main, afcAddr, afc[:]); err != nil {
		return fmt.Errorf("afc coefficients: %w", err)
	}

	u.renderer.SetResamplingCoeffs(resampling)
	u.renderer.SetSineTable(sine)
	u.renderer.SetAFCCoeffs(afc)
	return nil
}
