package zelda

import "log/slog"

// CommandBufferSize is the capacity, in 32 bit words, of the command queue.
const CommandBufferSize = 64

// CommandBuffer is the circular queue filled by mails in WRITING_CMD state and
// drained when commands execute.
type CommandBuffer struct {
	words  [CommandBufferSize]uint32
	read   uint32
	write  uint32
	count  uint32
	logger *slog.Logger
}

func newCommandBuffer(logger *slog.Logger) *CommandBuffer {
	return &CommandBuffer{logger: logger}
}

// Len returns the number of words written and not read yet.
func (c *CommandBuffer) Len() int {
	return int(c.count)
}

// Write32 appends a word. It returns false, leaving the queue untouched, when
// the queue is full.
func (c *CommandBuffer) Write32(v uint32) bool {
	if c.count == CommandBufferSize {
		c.logger.Error("Command buffer overflow", "word", hex32(v))
		return false
	}
	c.words[c.write] = v
	c.write = (c.write + 1) % CommandBufferSize
	c.count++
	return true
}

// Read32 consumes the oldest word. Reading an empty queue logs the underrun
// and returns 0 without moving the cursors.
func (c *CommandBuffer) Read32() uint32 {
	if c.count == 0 {
		c.logger.Warn("Reading too many command params")
		return 0
	}
	v := c.words[c.read]
	c.read = (c.read + 1) % CommandBufferSize
	c.count--
	return v
}
