package zelda

import (
	"log/slog"
	"time"
)

// DefaultUpdateInterval is how often the host should call Update.
const DefaultUpdateInterval = 5 * time.Millisecond

type config struct {
	logger         *slog.Logger
	updateInterval time.Duration
	renderAckGate  bool
	sink           FrameSink
}

// Option configures a UCode.
type Option func(*config)

// WithLogger replaces the default logger of the ucode and its renderer.
func WithLogger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

// WithUpdateInterval sets the host scheduling quantum reported by
// UpdateInterval.
func WithUpdateInterval(d time.Duration) Option { return func(c *config) { c.updateInterval = d } }

// WithRenderAckGate blocks command execution after each completed render
// until the CPU acknowledges it with the resume control mail (0xCDD10003).
func WithRenderAckGate() Option { return func(c *config) { c.renderAckGate = true } }

// WithFrameSink forwards every finalized frame to s.
func WithFrameSink(s FrameSink) Option { return func(c *config) { c.sink = s } }
