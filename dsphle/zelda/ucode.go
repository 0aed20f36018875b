package zelda

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/valerio/go-dsphle/dsphle/bit"
	"github.com/valerio/go-dsphle/dsphle/mail"
	"github.com/valerio/go-dsphle/dsphle/memory"
)

// MailState is the state of the mail handling state machine.
type MailState uint32

const (
	// StateWaiting accepts new commands and runs queued ones.
	StateWaiting MailState = iota
	// StateRendering is active while a render command is in flight; only
	// sync mails are interpreted.
	StateRendering
	// StateWritingCmd is receiving the words of a multi-word command.
	StateWritingCmd
	// StateHalted is terminal, the ucode crashed.
	StateHalted
)

func (s MailState) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateRendering:
		return "RENDERING"
	case StateWritingCmd:
		return "WRITING_CMD"
	case StateHalted:
		return "HALTED"
	default:
		return fmt.Sprintf("MailState(%d)", uint32(s))
	}
}

// CommandAck is the kind of acknowledgement sent to the CPU.
type CommandAck uint32

const (
	AckStandard CommandAck = iota
	AckDoneRendering
)

const (
	// Control mails from the CPU carry this prefix in their upper half.
	controlMailPrefix = 0xCDD1

	syncFlagGroups = 256

	// Mails held while rendering before the ucode gives up.
	maxHeldMails = 256
)

// Low half of control mails.
const (
	ControlHalt        = 0x0000
	ControlReplaceCode = 0x0001
	ControlRebootROM   = 0x0002
	ControlResume      = 0x0003
)

// UCode emulates the mail protocol of the Zelda family of audio ucodes.
//
// The original control flow relies on interrupt handlers to process mails
// while audio renders. Here it is an explicit state machine: HandleMail
// consumes one mail, Update performs at most one unit of rendering work.
// Neither is reentrant and neither calls the other.
type UCode struct {
	main     memory.Bus
	mails    *mail.Handler
	renderer *Renderer
	logger   *slog.Logger

	updateInterval time.Duration
	renderAckGate  bool

	state            MailState
	expectedCmdMails uint32
	// Set while the next mail of a command is its command word.
	cmdWordPending bool
	haltReason     string

	// While rendering, only voices below syncMaxVoiceID are rendered until
	// a sync mail raises it. Sync mails also carry 16 bit voice flags, one
	// bit per voice (bit 15 is the first voice of a group of 16).
	syncArmed          bool
	syncMaxVoiceID     uint32
	syncVoiceSkipFlags [syncFlagGroups]uint16

	cmds            *CommandBuffer
	pendingCommands uint32
	cmdCanExecute   bool

	// Mails received during rendering that are not sync mails. They are
	// replayed once rendering completes. heldRemaining counts the words of
	// the last held command still to come.
	held          []uint32
	heldRemaining uint32

	renderingRequestedFrames uint32
	renderingVoicesPerFrame  uint32
	renderingCurrFrame       uint32
	renderingCurrVoice       uint32
	lastRenderSync           uint16
}

// NewUCode creates the ucode and sends its boot mails. main holds VPBs,
// coefficient tables and output buffers; aram holds sample data.
func NewUCode(main, aram memory.Bus, mails *mail.Handler, opts ...Option) *UCode {
	cfg := config{
		logger:         slog.Default(),
		updateInterval: DefaultUpdateInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	u := &UCode{
		main:           main,
		mails:          mails,
		renderer:       NewRenderer(main, aram, cfg.logger),
		logger:         cfg.logger,
		updateInterval: cfg.updateInterval,
		renderAckGate:  cfg.renderAckGate,
		cmds:           newCommandBuffer(cfg.logger),
		cmdCanExecute:  true,
	}
	u.renderer.SetFrameSink(cfg.sink)

	u.mails.PushMail(mail.DSPInit, true)
	u.mails.PushMail(mail.Handshake, false)
	return u
}

// Renderer returns the voice renderer driven by this ucode.
func (u *UCode) Renderer() *Renderer { return u.renderer }

// MailState returns the current mail state.
func (u *UCode) MailState() MailState { return u.state }

// HaltReason describes why the ucode halted, empty while running.
func (u *UCode) HaltReason() string { return u.haltReason }

// UpdateInterval is how often the host is expected to call Update.
func (u *UCode) UpdateInterval() time.Duration { return u.updateInterval }

// LastRenderSync is the sync value of the last DONE_RENDERING ack, the
// number of frames it covered.
func (u *UCode) LastRenderSync() uint16 { return u.lastRenderSync }

// RenderingInProgress reports whether requested frames are still missing.
func (u *UCode) RenderingInProgress() bool {
	return u.renderingCurrFrame != u.renderingRequestedFrames
}

func (u *UCode) setState(s MailState) {
	if s != u.state {
		u.logger.Debug("Mail state", "from", u.state, "to", s)
	}
	u.state = s
}

// halt moves to the terminal state, logging enough context to diagnose the
// crash.
func (u *UCode) halt(reason string, args ...any) {
	args = append(args, "state", u.state, "pending_commands", u.pendingCommands)
	u.logger.Error("UCode halted: "+reason, args...)
	u.haltReason = reason
	u.setState(StateHalted)
}

// HandleMail consumes one mail sent by the CPU.
func (u *UCode) HandleMail(m uint32) {
	switch u.state {
	case StateWaiting:
		u.handleWaitingMail(m)
	case StateWritingCmd:
		u.handleCommandMail(m)
	case StateRendering:
		u.handleRenderingMail(m)
	case StateHalted:
		u.logger.Warn("Received mail while halted", "mail", hex32(m), "reason", u.haltReason)
	}
}

func (u *UCode) handleWaitingMail(m uint32) {
	switch {
	case m&0x80000000 != 0:
		u.handleControlMail(m)
	case bit.Low(m) == 0:
		u.halt("sync mail received while rendering was not active", "mail", hex32(m))
	default:
		u.expectedCmdMails = uint32(bit.Low(m))
		u.cmdWordPending = true
		u.setState(StateWritingCmd)
	}
}

func (u *UCode) handleControlMail(m uint32) {
	if bit.High(m) != controlMailPrefix {
		u.logger.Error("Control mail without 0xCDD1 prefix", "mail", hex32(m))
	}

	switch bit.Low(m) {
	case ControlResume:
		u.cmdCanExecute = true
		u.RunPendingCommands()
	case ControlHalt:
		u.halt("halt requested by the CPU")
	case ControlReplaceCode:
		u.halt("ucode replacement requested", "dropped_commands", u.pendingCommands)
	case ControlRebootROM:
		u.halt("reboot to ROM requested", "dropped_commands", u.pendingCommands)
	default:
		u.halt("unknown control mail", "mail", hex32(m))
	}
}

func (u *UCode) handleCommandMail(m uint32) {
	if u.cmdWordPending {
		u.cmdWordPending = false
		opcode := opcodeOf(m)
		want, ok := CommandWords(opcode)
		if !ok {
			u.halt("unknown command", "opcode", opcode, "mail", hex32(m))
			return
		}
		if want != u.expectedCmdMails {
			u.halt("command length does not match its opcode",
				"opcode", opcode, "announced_words", u.expectedCmdMails, "expected_words", want)
			return
		}
	}

	if !u.cmds.Write32(m) {
		u.halt("command buffer overflow", "mail", hex32(m))
		return
	}

	u.expectedCmdMails--
	if u.expectedCmdMails == 0 {
		u.pendingCommands++
		u.setState(StateWaiting)
		u.RunPendingCommands()
	}
}

func (u *UCode) handleRenderingMail(m uint32) {
	switch {
	case u.syncArmed:
		u.syncArmed = false
		group := bit.ExtractBits(m, 23, 16)
		maxVoice := (bit.ExtractBits(m, 19, 16) + 1) << 4
		u.syncMaxVoiceID = max(u.syncMaxVoiceID, maxVoice)
		u.syncVoiceSkipFlags[group] = bit.Low(m)
	case u.heldRemaining > 0:
		u.hold(m)
		u.heldRemaining--
	case m&0x80000000 != 0:
		if bit.High(m) != controlMailPrefix {
			u.halt("unexpected mail while rendering", "mail", hex32(m))
			return
		}
		u.hold(m)
	case bit.Low(m) == 0:
		u.syncArmed = true
	default:
		if u.hold(m) {
			u.heldRemaining = uint32(bit.Low(m))
		}
	}
}

func (u *UCode) hold(m uint32) bool {
	if len(u.held) >= maxHeldMails {
		u.halt("too many mails received while rendering", "mail", hex32(m))
		return false
	}
	u.held = append(u.held, m)
	return true
}

// RunPendingCommands executes queued commands until the queue is empty or a
// command that takes over the control flow (rendering) starts. Nothing runs
// while rendering or while the CPU has not acknowledged the last render.
func (u *UCode) RunPendingCommands() {
	if u.RenderingInProgress() || !u.cmdCanExecute {
		return
	}

	for u.pendingCommands > 0 && u.state == StateWaiting && u.cmdCanExecute {
		u.pendingCommands--

		cmd := u.cmds.Read32()
		u.logger.Debug("Running command", "opcode", opcodeOf(cmd), "mail", hex32(cmd))
		switch u.executeCommand(cmd) {
		case commandStopped:
			return
		case commandAcked:
			u.sendCommandAck(AckStandard, bit.High(cmd))
		}
	}
}

func (u *UCode) sendCommandAck(kind CommandAck, sync uint16) {
	switch kind {
	case AckStandard:
		u.mails.PushMail(mail.DSPSync, true)
		u.mails.PushMail(mail.SyncPrefix|uint32(sync), false)
	case AckDoneRendering:
		u.lastRenderSync = sync
		u.mails.PushMail(mail.DSPFrameEnd, true)
		u.logger.Debug("Rendering done", "frames", sync)
	}
}

// Update performs one unit of rendering work: preparing a frame, rendering
// one voice, or finalizing a frame. It does nothing outside of RENDERING or
// when the next voice has not been admitted by a sync mail yet.
func (u *UCode) Update() {
	if u.state != StateRendering {
		return
	}

	if !u.renderer.Prepared() {
		u.renderer.PrepareFrame()
		return
	}

	for u.renderingCurrVoice < u.renderingVoicesPerFrame {
		if u.renderingCurrVoice >= u.syncMaxVoiceID {
			return
		}

		voice := u.renderingCurrVoice
		u.renderingCurrVoice++

		flags := u.syncVoiceSkipFlags[voice>>4]
		if !bit.IsSet16(uint16(0xF-(voice&0xF)), flags) {
			continue
		}
		if err := u.renderer.AddVoice(uint16(voice)); err != nil {
			u.logger.Warn("Voice render failed, voice muted", "voice", voice, "error", err)
		}
		return
	}

	if err := u.renderer.FinalizeFrame(); err != nil {
		u.logger.Warn("Frame output failed", "frame", u.renderingCurrFrame, "error", err)
	}
	u.renderingCurrVoice = 0
	u.syncMaxVoiceID = 0
	u.renderingCurrFrame++

	if !u.RenderingInProgress() {
		u.finishRendering()
	}
}

func (u *UCode) finishRendering() {
	u.setState(StateWaiting)
	u.renderDone()

	u.RunPendingCommands()
	u.replayHeldMails()
}

// renderDone reports a completed render command. With the render-ack gate
// on, further commands wait for the CPU's resume mail.
func (u *UCode) renderDone() {
	u.sendCommandAck(AckDoneRendering, uint16(u.renderingCurrFrame))
	if u.renderAckGate {
		u.cmdCanExecute = false
	}
}

// replayHeldMails feeds the mails held during rendering back through the
// state machine, stopping early if one of them starts a new render.
func (u *UCode) replayHeldMails() {
	for len(u.held) > 0 && (u.state == StateWaiting || u.state == StateWritingCmd) {
		m := u.held[0]
		u.held = u.held[1:]
		u.HandleMail(m)
	}
	if len(u.held) == 0 {
		u.held = nil
		u.heldRemaining = 0
	}
}

// Status is a read-only summary of the protocol state for debuggers.
type Status struct {
	State           MailState
	HaltReason      string
	PendingCommands int
	BufferedWords   int
	HeldMails       int
	RequestedFrames uint32
	CurrentFrame    uint32
	VoicesPerFrame  uint32
	CurrentVoice    uint32
	SyncMaxVoiceID  uint32
	OutputVolume    uint16
	VPBBaseAddress  uint32
	// Addresses the next frame is written to.
	OutputLeft, OutputRight uint32
}

// Status returns a summary of the current protocol state.
func (u *UCode) Status() Status {
	left, right := u.renderer.OutputAddrs()
	return Status{
		State:           u.state,
		HaltReason:      u.haltReason,
		PendingCommands: int(u.pendingCommands),
		BufferedWords:   u.cmds.Len(),
		HeldMails:       len(u.held),
		RequestedFrames: u.renderingRequestedFrames,
		CurrentFrame:    u.renderingCurrFrame,
		VoicesPerFrame:  u.renderingVoicesPerFrame,
		CurrentVoice:    u.renderingCurrVoice,
		SyncMaxVoiceID:  u.syncMaxVoiceID,
		OutputVolume:    u.renderer.OutputVolume(),
		VPBBaseAddress:  u.renderer.VPBBaseAddress(),
		OutputLeft:      left,
		OutputRight:     right,
	}
}

func hex32(v uint32) string {
	return fmt.Sprintf("0x%08X", v)
}
