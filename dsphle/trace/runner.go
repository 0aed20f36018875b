package trace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/valerio/go-dsphle/dsphle/mail"
	"github.com/valerio/go-dsphle/dsphle/memory"
	"github.com/valerio/go-dsphle/dsphle/timing"
)

// ErrExpectation is returned when the DSP sent a different mail than the
// trace expected.
var ErrExpectation = errors.New("trace: unexpected mail")

// DefaultIdleLimit bounds the updates performed by one idle operation.
const DefaultIdleLimit = 1 << 20

// Target is the DSP a trace is replayed against.
type Target interface {
	SendMail(m uint32)
	ReadMail() (mail.Mail, bool)
	Step()
	RunUntilIdle(limit int) int
	Memory(s memory.Space) (memory.Bus, error)
}

// Result summarizes a replay.
type Result struct {
	Mails        int
	Updates      int
	Expectations int
}

// Runner replays parsed traces.
type Runner struct {
	target    Target
	limiter   timing.Limiter
	paced     bool
	logger    *slog.Logger
	idleLimit int
}

type RunnerOption func(*Runner)

// WithLimiter paces every update, for real-time playback.
func WithLimiter(l timing.Limiter) RunnerOption {
	return func(r *Runner) {
		r.limiter = l
		r.paced = true
	}
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) RunnerOption { return func(r *Runner) { r.logger = l } }

// WithIdleLimit bounds the updates performed by one idle operation.
func WithIdleLimit(n int) RunnerOption { return func(r *Runner) { r.idleLimit = n } }

func NewRunner(target Target, opts ...RunnerOption) *Runner {
	r := &Runner{
		target:    target,
		limiter:   timing.NewNoOpLimiter(),
		logger:    slog.Default(),
		idleLimit: DefaultIdleLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes ops in order, stopping at the first failure or when ctx is
// done.
func (r *Runner) Run(ctx context.Context, ops []Op) (Result, error) {
	var res Result
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := r.exec(ctx, op, &res); err != nil {
			return res, fmt.Errorf("line %d (%s): %w", op.Line, op.Kind, err)
		}
	}
	r.logger.Debug("Trace done", "mails", res.Mails, "updates", res.Updates, "expectations", res.Expectations)
	return res, nil
}

func (r *Runner) exec(ctx context.Context, op Op, res *Result) error {
	switch op.Kind {
	case KindMail:
		r.target.SendMail(op.Value)
		res.Mails++

	case KindTick:
		for range op.Value {
			if err := ctx.Err(); err != nil {
				return err
			}
			r.limiter.WaitForNextTick()
			r.target.Step()
			res.Updates++
		}

	case KindIdle:
		if r.paced {
			// Step one update at a time so playback keeps its pace.
			for n := 0; n < r.idleLimit; n++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				r.limiter.WaitForNextTick()
				if r.target.RunUntilIdle(1) == 0 {
					break
				}
				res.Updates++
			}
			return nil
		}
		res.Updates += r.target.RunUntilIdle(r.idleLimit)

	case KindWrite:
		mem, err := r.target.Memory(op.Space)
		if err != nil {
			return err
		}
		addr := op.Addr
		for _, v := range op.Values {
			switch op.Width {
			case 1:
				err = memory.Write8(mem, addr, uint8(v))
			case 2:
				err = memory.Write16(mem, addr, uint16(v))
			default:
				err = memory.Write32(mem, addr, v)
			}
			if err != nil {
				return err
			}
			addr += uint32(op.Width)
		}
		return nil

	case KindFill:
		mem, err := r.target.Memory(op.Space)
		if err != nil {
			return err
		}
		return mem.WriteAt(op.Addr, bytes.Repeat([]byte{byte(op.Value)}, int(op.Count)))

	case KindExpect:
		m, ok := r.target.ReadMail()
		if !ok {
			return fmt.Errorf("%w: wanted 0x%08X, mailbox is empty", ErrExpectation, op.Value)
		}
		if m.Value != op.Value {
			return fmt.Errorf("%w: wanted 0x%08X, got 0x%08X", ErrExpectation, op.Value, m.Value)
		}
		res.Expectations++

	default:
		return fmt.Errorf("%w: operation %s", ErrSyntax, op.Kind)
	}
	return nil
}
