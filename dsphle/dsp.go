package dsphle

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	clone "github.com/huandu/go-clone/generic"
	"github.com/valerio/go-dsphle/dsphle/mail"
	"github.com/valerio/go-dsphle/dsphle/memory"
	"github.com/valerio/go-dsphle/dsphle/zelda"
)

// Config holds the host side settings of a DSP.
type Config struct {
	MainMemorySize int
	ARAMSize       int

	// UpdateInterval is how often a real-time host calls Step.
	UpdateInterval time.Duration
	// RenderAckGate makes the ucode wait for the resume control mail after
	// each render before running further commands.
	RenderAckGate bool
	// MaxBufferedSamples caps the samples kept for GetSamples; the oldest
	// are dropped first.
	MaxBufferedSamples int

	Logger *slog.Logger
}

// DefaultConfig returns a configuration matching the console.
func DefaultConfig() Config {
	return Config{
		MainMemorySize:     memory.MainMemorySize,
		ARAMSize:           memory.ARAMSize,
		UpdateInterval:     zelda.DefaultUpdateInterval,
		MaxBufferedSamples: 32 * 1024,
		Logger:             slog.Default(),
	}
}

// DSP is the host facing side of the emulated audio DSP. It owns guest
// memory, the outgoing mailbox and the ucode, and serializes every access
// to them so a host audio callback can pull samples while another
// goroutine feeds mails.
type DSP struct {
	// mu protects the ucode, guest memory and the mailbox.
	mu sync.Mutex

	main  *memory.RAM
	aram  *memory.RAM
	mails *mail.Handler
	ucode *zelda.UCode

	logger     *slog.Logger
	interrupts uint64
	frames     uint64
	sinks      []zelda.FrameSink

	maxSamples   int
	samples      []int16
	samplesMu    sync.Mutex // protects samples
	droppedTotal uint64
}

// New creates a DSP running the Zelda ucode. Every rendered frame is
// buffered for GetSamples and forwarded to sinks.
func New(cfg Config, sinks ...zelda.FrameSink) *DSP {
	def := DefaultConfig()
	if cfg.MainMemorySize == 0 {
		cfg.MainMemorySize = def.MainMemorySize
	}
	if cfg.ARAMSize == 0 {
		cfg.ARAMSize = def.ARAMSize
	}
	if cfg.UpdateInterval == 0 {
		cfg.UpdateInterval = def.UpdateInterval
	}
	if cfg.MaxBufferedSamples == 0 {
		cfg.MaxBufferedSamples = def.MaxBufferedSamples
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	d := &DSP{
		main:       memory.NewMainMemory(cfg.MainMemorySize),
		aram:       memory.NewARAM(cfg.ARAMSize),
		logger:     cfg.Logger,
		sinks:      sinks,
		maxSamples: cfg.MaxBufferedSamples,
	}
	d.mails = mail.NewHandler(
		mail.WithLogger(cfg.Logger),
		mail.WithInterrupt(func() { d.interrupts++ }),
	)

	opts := []zelda.Option{
		zelda.WithLogger(cfg.Logger),
		zelda.WithUpdateInterval(cfg.UpdateInterval),
		zelda.WithFrameSink(d),
	}
	if cfg.RenderAckGate {
		opts = append(opts, zelda.WithRenderAckGate())
	}
	d.ucode = zelda.NewUCode(d.main, d.aram, d.mails, opts...)
	return d
}

// Main returns guest main memory. Callers must not use it concurrently
// with the DSP.
func (d *DSP) Main() *memory.RAM { return d.main }

// ARAM returns the auxiliary sample memory.
func (d *DSP) ARAM() *memory.RAM { return d.aram }

// UpdateInterval is how often a real-time host should call Step.
func (d *DSP) UpdateInterval() time.Duration { return d.ucode.UpdateInterval() }

// Memory returns the memory region of an address space.
func (d *DSP) Memory(s memory.Space) (memory.Bus, error) {
	switch s {
	case memory.SpaceMain:
		return d.main, nil
	case memory.SpaceARAM:
		return d.aram, nil
	default:
		return nil, fmt.Errorf("address space %s: %w", s, memory.ErrOutOfRange)
	}
}

// SendMail delivers a CPU to DSP mail.
func (d *DSP) SendMail(m uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ucode.HandleMail(m)
}

// ReadMail pops the oldest DSP to CPU mail.
func (d *DSP) ReadMail() (mail.Mail, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mails.Pop()
}

// DrainMails pops every DSP to CPU mail not read yet.
func (d *DSP) DrainMails() []mail.Mail {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mails.Drain()
}

// PendingMails is the number of DSP to CPU mails not read yet.
func (d *DSP) PendingMails() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mails.Pending()
}

// Step performs one unit of rendering work.
func (d *DSP) Step() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ucode.Update()
}

// RunUntilIdle steps until rendering completes, the ucode waits for a mail,
// or limit steps ran. It returns the number of steps performed.
func (d *DSP) RunUntilIdle(limit int) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	for n := 0; n < limit; n++ {
		before := d.progress()
		d.ucode.Update()
		if d.progress() == before {
			return n
		}
	}
	return limit
}

type progress struct {
	status   zelda.Status
	prepared bool
}

func (d *DSP) progress() progress {
	return progress{status: d.ucode.Status(), prepared: d.ucode.Renderer().Prepared()}
}

// Status returns a summary of the ucode state.
func (d *DSP) Status() zelda.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ucode.Status()
}

// Frames is the number of frames rendered since creation.
func (d *DSP) Frames() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

// Interrupts is the number of DSP interrupts raised towards the CPU.
func (d *DSP) Interrupts() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interrupts
}

// ReadVPB decodes the VPB of a voice using the base address set by the CPU.
func (d *DSP) ReadVPB(voice uint16) (zelda.VPB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return zelda.ReadVPB(d.main, d.ucode.Renderer().VPBBaseAddress(), voice)
}

// PushFrame buffers a rendered frame and forwards it to the sinks. It is
// called by the renderer with mu held.
func (d *DSP) PushFrame(frame []int16) {
	d.frames++
	for _, s := range d.sinks {
		s.PushFrame(frame)
	}

	d.samplesMu.Lock()
	defer d.samplesMu.Unlock()
	d.samples = append(d.samples, frame...)
	if over := len(d.samples) - d.maxSamples; over > 0 {
		d.samples = d.samples[over:]
		d.droppedTotal += uint64(over)
	}
}

// GetSamples pops up to count interleaved stereo samples.
func (d *DSP) GetSamples(count int) []int16 {
	d.samplesMu.Lock()
	defer d.samplesMu.Unlock()

	count = min(count, len(d.samples))
	out := make([]int16, count)
	copy(out, d.samples)
	d.samples = d.samples[count:]
	return out
}

// DroppedSamples is the number of samples discarded because nobody pulled
// them in time.
func (d *DSP) DroppedSamples() uint64 {
	d.samplesMu.Lock()
	defer d.samplesMu.Unlock()
	return d.droppedTotal
}

// Snapshot is the complete state of a DSP, guest memory included.
type Snapshot struct {
	Main  []byte
	ARAM  []byte
	Mails []mail.Mail
	UCode *zelda.State
}

// Snapshot captures the DSP. The result shares no memory with it.
func (d *DSP) Snapshot() *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	return clone.Clone(&Snapshot{
		Main:  d.main.Bytes(),
		ARAM:  d.aram.Bytes(),
		Mails: d.mails.Queue(),
		UCode: d.ucode.State(),
	})
}

// RestoreSnapshot replaces the whole DSP state. Buffered samples are
// dropped.
func (d *DSP) RestoreSnapshot(s *Snapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(s.Main) != d.main.Size() || len(s.ARAM) != d.aram.Size() {
		return fmt.Errorf("snapshot memory is %d+%d bytes, want %d+%d: %w",
			len(s.Main), len(s.ARAM), d.main.Size(), d.aram.Size(), zelda.ErrBadSnapshot)
	}
	if s.UCode == nil {
		return fmt.Errorf("snapshot without ucode state: %w", zelda.ErrBadSnapshot)
	}
	if err := d.ucode.Restore(s.UCode); err != nil {
		return err
	}

	if err := d.main.Load(s.Main); err != nil {
		return err
	}
	if err := d.aram.Load(s.ARAM); err != nil {
		return err
	}
	d.mails.SetQueue(s.Mails)

	d.samplesMu.Lock()
	d.samples = nil
	d.samplesMu.Unlock()

	d.logger.Debug("Snapshot restored", "state", s.UCode.Protocol.State, "mails", len(s.Mails))
	return nil
}
