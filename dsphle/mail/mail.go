package mail

import (
	"fmt"
	"log/slog"
)

// Mails sent by the DSP to the CPU. The 0xDCD1 prefix marks task messages
// that also raise the DSP interrupt on the CPU side.
const (
	DSPInit     uint32 = 0xDCD10000
	DSPSync     uint32 = 0xDCD10004
	DSPFrameEnd uint32 = 0xDCD10005

	// Handshake sent right after DSPInit.
	Handshake uint32 = 0xF3551111
	// SyncPrefix is or-ed with the 16 bit sync value of a standard ack.
	SyncPrefix uint32 = 0xF3550000
)

// Mail is one outgoing 32 bit message.
type Mail struct {
	Value     uint32
	Interrupt bool
}

// Handler is the outgoing (DSP to CPU) side of the mailbox. It queues mails
// in order and notifies the CPU when a mail requests an interrupt.
type Handler struct {
	queue  []Mail
	irq    func()
	logger *slog.Logger
}

type HandlerOption func(*Handler)

// WithInterrupt wires the callback raised for every mail pushed with the
// interrupt flag, usually the DSP interrupt line of the CPU.
func WithInterrupt(irq func()) HandlerOption { return func(h *Handler) { h.irq = irq } }

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) HandlerOption { return func(h *Handler) { h.logger = l } }

// NewHandler creates an empty outgoing mailbox.
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// PushMail queues a mail for the CPU.
func (h *Handler) PushMail(value uint32, interrupt bool) {
	h.queue = append(h.queue, Mail{Value: value, Interrupt: interrupt})
	h.logger.Debug("dsp mail out", "mail", hex32(value), "interrupt", interrupt)
	if interrupt && h.irq != nil {
		h.irq()
	}
}

// Pending returns the number of mails not read by the CPU yet.
func (h *Handler) Pending() int {
	return len(h.queue)
}

// Pop consumes the oldest queued mail.
func (h *Handler) Pop() (Mail, bool) {
	if len(h.queue) == 0 {
		return Mail{}, false
	}
	m := h.queue[0]
	h.queue = h.queue[1:]
	return m, true
}

// Drain consumes every queued mail.
func (h *Handler) Drain() []Mail {
	out := h.queue
	h.queue = nil
	return out
}

// Queue returns a copy of the queued mails, oldest first.
func (h *Handler) Queue() []Mail {
	out := make([]Mail, len(h.queue))
	copy(out, h.queue)
	return out
}

// SetQueue replaces the queued mails, used when restoring a snapshot.
func (h *Handler) SetQueue(mails []Mail) {
	h.queue = append(h.queue[:0:0], mails...)
}

func hex32(v uint32) string {
	return fmt.Sprintf("0x%08X", v)
}
