package zelda

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	clone "github.com/huandu/go-clone/generic"
)

// ErrBadSnapshot is returned when decoding a snapshot that was not produced
// by SaveState or is inconsistent.
var ErrBadSnapshot = errors.New("zelda: bad snapshot")

const (
	snapshotMagic   = "ZDSP"
	snapshotVersion = uint16(1)

	maxHaltReasonLen = 1024
)

// ProtocolState is the mailbox and command side of a snapshot. Every field
// has a fixed size.
type ProtocolState struct {
	State            MailState
	ExpectedCmdMails uint32
	CmdWordPending   bool

	SyncArmed          bool
	SyncMaxVoiceID     uint32
	SyncVoiceSkipFlags [syncFlagGroups]uint16

	CmdWords        [CommandBufferSize]uint32
	CmdRead         uint32
	CmdWrite        uint32
	CmdCount        uint32
	PendingCommands uint32
	CmdCanExecute   bool
	RenderAckGate   bool

	HeldRemaining uint32

	RenderingRequestedFrames uint32
	RenderingVoicesPerFrame  uint32
	RenderingCurrFrame       uint32
	RenderingCurrVoice       uint32
	LastRenderSync           uint16
}

// RendererState is the renderer side of a snapshot.
type RendererState struct {
	Prepared         bool
	OutputLeftAddr   uint32
	OutputRightAddr  uint32
	OutputVolume     uint16
	Buses            [BusCount]MixingBuffer
	VPBBaseAddr      uint32
	ReverbAddr       uint32
	SineTable        [sineTableSize]int16
	ResamplingCoeffs [resamplingCoeffsSize]int16
	AFCCoeffs        [afcCoeffsSize]int16
	Frame            [2 * MixingBufferSize]int16
}

// State is a complete snapshot of a UCode. Guest memory is not included.
type State struct {
	Protocol   ProtocolState
	Renderer   RendererState
	HaltReason string
	HeldMails  []uint32
}

// State captures the ucode state. The result shares nothing with the ucode.
func (u *UCode) State() *State {
	s := &State{
		Protocol: ProtocolState{
			State:                    u.state,
			ExpectedCmdMails:         u.expectedCmdMails,
			CmdWordPending:           u.cmdWordPending,
			SyncArmed:                u.syncArmed,
			SyncMaxVoiceID:           u.syncMaxVoiceID,
			SyncVoiceSkipFlags:       u.syncVoiceSkipFlags,
			CmdWords:                 u.cmds.words,
			CmdRead:                  u.cmds.read,
			CmdWrite:                 u.cmds.write,
			CmdCount:                 u.cmds.count,
			PendingCommands:          u.pendingCommands,
			CmdCanExecute:            u.cmdCanExecute,
			RenderAckGate:            u.renderAckGate,
			HeldRemaining:            u.heldRemaining,
			RenderingRequestedFrames: u.renderingRequestedFrames,
			RenderingVoicesPerFrame:  u.renderingVoicesPerFrame,
			RenderingCurrFrame:       u.renderingCurrFrame,
			RenderingCurrVoice:       u.renderingCurrVoice,
			LastRenderSync:           u.lastRenderSync,
		},
		Renderer:   u.renderer.state(),
		HaltReason: u.haltReason,
		HeldMails:  u.held,
	}
	return clone.Clone(s)
}

// Restore replaces the ucode state with s. The ucode keeps its memory,
// mailbox, logger and frame sink.
func (u *UCode) Restore(s *State) error {
	if err := s.validate(); err != nil {
		return err
	}
	s = clone.Clone(s)

	p := &s.Protocol
	u.state = p.State
	u.expectedCmdMails = p.ExpectedCmdMails
	u.cmdWordPending = p.CmdWordPending
	u.syncArmed = p.SyncArmed
	u.syncMaxVoiceID = p.SyncMaxVoiceID
	u.syncVoiceSkipFlags = p.SyncVoiceSkipFlags
	u.cmds.words = p.CmdWords
	u.cmds.read = p.CmdRead
	u.cmds.write = p.CmdWrite
	u.cmds.count = p.CmdCount
	u.pendingCommands = p.PendingCommands
	u.cmdCanExecute = p.CmdCanExecute
	u.renderAckGate = p.RenderAckGate
	u.heldRemaining = p.HeldRemaining
	u.renderingRequestedFrames = p.RenderingRequestedFrames
	u.renderingVoicesPerFrame = p.RenderingVoicesPerFrame
	u.renderingCurrFrame = p.RenderingCurrFrame
	u.renderingCurrVoice = p.RenderingCurrVoice
	u.lastRenderSync = p.LastRenderSync

	u.haltReason = s.HaltReason
	u.held = s.HeldMails
	u.renderer.restore(&s.Renderer)
	return nil
}

func (s *State) validate() error {
	p := &s.Protocol
	switch {
	case p.State > StateHalted:
		return fmt.Errorf("mail state %d: %w", p.State, ErrBadSnapshot)
	case p.CmdRead >= CommandBufferSize || p.CmdWrite >= CommandBufferSize || p.CmdCount > CommandBufferSize:
		return fmt.Errorf("command buffer cursors: %w", ErrBadSnapshot)
	case !cursorsMatchCount(p.CmdRead, p.CmdWrite, p.CmdCount):
		return fmt.Errorf("command buffer holds %d words between %d and %d: %w", p.CmdCount, p.CmdRead, p.CmdWrite, ErrBadSnapshot)
	case p.PendingCommands > p.CmdCount:
		return fmt.Errorf("%d pending commands in %d words: %w", p.PendingCommands, p.CmdCount, ErrBadSnapshot)
	case p.RenderingVoicesPerFrame > MaxVoices:
		return fmt.Errorf("voices per frame %d: %w", p.RenderingVoicesPerFrame, ErrBadSnapshot)
	case len(s.HeldMails) > maxHeldMails:
		return fmt.Errorf("%d held mails: %w", len(s.HeldMails), ErrBadSnapshot)
	case len(s.HaltReason) > maxHaltReasonLen:
		return fmt.Errorf("halt reason too long: %w", ErrBadSnapshot)
	}
	return nil
}

// cursorsMatchCount reports whether count is the distance from read to write.
// Equal cursors mean either an empty or a full ring.
func cursorsMatchCount(read, write, count uint32) bool {
	used := (write - read) % CommandBufferSize
	return count == used || (used == 0 && count == CommandBufferSize)
}

func (r *Renderer) state() RendererState {
	return RendererState{
		Prepared:         r.prepared,
		OutputLeftAddr:   r.outputLeftAddr,
		OutputRightAddr:  r.outputRightAddr,
		OutputVolume:     r.outputVolume,
		Buses:            r.buses,
		VPBBaseAddr:      r.vpbBaseAddr,
		ReverbAddr:       r.reverbAddr,
		SineTable:        r.sineTable,
		ResamplingCoeffs: r.resamplingCoeffs,
		AFCCoeffs:        r.afcCoeffs,
		Frame:            r.frame,
	}
}

func (r *Renderer) restore(s *RendererState) {
	r.prepared = s.Prepared
	r.outputLeftAddr = s.OutputLeftAddr
	r.outputRightAddr = s.OutputRightAddr
	r.outputVolume = s.OutputVolume
	r.buses = s.Buses
	r.vpbBaseAddr = s.VPBBaseAddr
	r.reverbAddr = s.ReverbAddr
	r.sineTable = s.SineTable
	r.resamplingCoeffs = s.ResamplingCoeffs
	r.afcCoeffs = s.AFCCoeffs
	r.frame = s.Frame
}

// MarshalBinary encodes the snapshot as magic, version, the fixed size
// protocol and renderer parts, then the length prefixed halt reason and
// held mails. Everything is big endian.
func (s *State) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(snapshotMagic)

	parts := []any{
		snapshotVersion,
		&s.Protocol,
		&s.Renderer,
		uint16(len(s.HaltReason)),
	}
	for _, p := range parts {
		if err := binary.Write(&buf, binary.BigEndian, p); err != nil {
			return nil, fmt.Errorf("encoding snapshot: %w", err)
		}
	}
	buf.WriteString(s.HaltReason)

	if err := binary.Write(&buf, binary.BigEndian, uint32(len(s.HeldMails))); err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	if len(s.HeldMails) > 0 {
		if err := binary.Write(&buf, binary.BigEndian, s.HeldMails); err != nil {
			return nil, fmt.Errorf("encoding snapshot: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a snapshot produced by MarshalBinary.
func (s *State) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != snapshotMagic {
		return fmt.Errorf("missing magic: %w", ErrBadSnapshot)
	}

	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return fmt.Errorf("version: %w", ErrBadSnapshot)
	}
	if version != snapshotVersion {
		return fmt.Errorf("unsupported version %d: %w", version, ErrBadSnapshot)
	}

	var out State
	if err := binary.Read(r, binary.BigEndian, &out.Protocol); err != nil {
		return fmt.Errorf("protocol state: %w", ErrBadSnapshot)
	}
	if err := binary.Read(r, binary.BigEndian, &out.Renderer); err != nil {
		return fmt.Errorf("renderer state: %w", ErrBadSnapshot)
	}

	var reasonLen uint16
	if err := binary.Read(r, binary.BigEndian, &reasonLen); err != nil || reasonLen > maxHaltReasonLen {
		return fmt.Errorf("halt reason: %w", ErrBadSnapshot)
	}
	reason := make([]byte, reasonLen)
	if _, err := io.ReadFull(r, reason); err != nil {
		return fmt.Errorf("halt reason: %w", ErrBadSnapshot)
	}
	out.HaltReason = string(reason)

	var held uint32
	if err := binary.Read(r, binary.BigEndian, &held); err != nil || held > maxHeldMails {
		return fmt.Errorf("held mails: %w", ErrBadSnapshot)
	}
	if held > 0 {
		out.HeldMails = make([]uint32, held)
		if err := binary.Read(r, binary.BigEndian, out.HeldMails); err != nil {
			return fmt.Errorf("held mails: %w", ErrBadSnapshot)
		}
	}
	if r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes: %w", r.Len(), ErrBadSnapshot)
	}

	if err := out.validate(); err != nil {
		return err
	}
	*s = out
	return nil
}

// SaveState writes a binary snapshot of the ucode to w.
func (u *UCode) SaveState(w io.Writer) error {
	data, err := u.State().MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// LoadState restores a snapshot written by SaveState.
func (u *UCode) LoadState(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	var s State
	if err := s.UnmarshalBinary(data); err != nil {
		return err
	}
	return u.Restore(&s)
}
