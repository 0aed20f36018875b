package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/urfave/cli"
	"github.com/valerio/go-dsphle/dsphle"
	"github.com/valerio/go-dsphle/dsphle/backend/terminal"
	"github.com/valerio/go-dsphle/dsphle/debug"
	"github.com/valerio/go-dsphle/dsphle/timing"
	"github.com/valerio/go-dsphle/dsphle/trace"
	"github.com/valerio/go-dsphle/dsphle/wav"
	"github.com/valerio/go-dsphle/dsphle/zelda"
	"golang.org/x/term"
)

func main() {
	app := cli.NewApp()
	app.Name = "zeldadsp"
	app.Description = "High level emulation of the Zelda audio ucode"
	app.Usage = "zeldadsp <command> [options] <trace file>"
	app.Version = "1.0.0"

	traceFlags := []cli.Flag{
		cli.BoolFlag{
			Name:  "ack-gate",
			Usage: "Wait for the resume control mail after each render",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "Enable debug logging",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:      "run",
			Usage:     "Replay a mail trace",
			ArgsUsage: "<trace file>",
			Flags: append([]cli.Flag{
				cli.StringFlag{
					Name:  "wav",
					Usage: "Write the rendered audio to a WAV file",
				},
				cli.BoolFlag{
					Name:  "realtime",
					Usage: "Pace updates at the console's rate",
				},
				cli.BoolFlag{
					Name:  "monitor",
					Usage: "Show a live terminal monitor (implies --realtime)",
				},
			}, traceFlags...),
			Action: runTrace,
		},
		{
			Name:      "vpb",
			Usage:     "Replay a mail trace and dump the voice parameter blocks",
			ArgsUsage: "<trace file>",
			Flags: append([]cli.Flag{
				cli.IntFlag{
					Name:  "count",
					Usage: "Number of voices to decode (default: voices per frame)",
				},
				cli.BoolFlag{
					Name:  "all",
					Usage: "Include disabled voices",
				},
			}, traceFlags...),
			Action: dumpVoices,
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		slog.Error("Error running zeldadsp", "error", err)
		os.Exit(1)
	}
}

func loadTrace(c *cli.Context) ([]trace.Op, error) {
	if c.NArg() == 0 {
		cli.ShowCommandHelp(c, c.Command.Name)
		return nil, errors.New("no trace file provided")
	}

	path := c.Args().First()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ops, err := trace.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return ops, nil
}

func newLogger(c *cli.Context) *slog.Logger {
	level := slog.LevelInfo
	if c.Bool("debug") {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

func newConfig(c *cli.Context, logger *slog.Logger) dsphle.Config {
	cfg := dsphle.DefaultConfig()
	cfg.RenderAckGate = c.Bool("ack-gate")
	cfg.Logger = logger
	return cfg
}

func runTrace(c *cli.Context) error {
	ops, err := loadTrace(c)
	if err != nil {
		return err
	}

	logger := newLogger(c)
	var sinks []zelda.FrameSink

	var mon *terminal.Monitor
	if c.Bool("monitor") {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			return errors.New("--monitor needs a terminal on stdout")
		}
		screen, err := tcell.NewScreen()
		if err != nil {
			return fmt.Errorf("failed to create screen: %w", err)
		}
		mon = terminal.NewMonitor(screen, nil)
		if err := mon.Init(); err != nil {
			return err
		}
		defer mon.Close()
		logger = mon.Logger()
		sinks = append(sinks, mon)
	}
	slog.SetDefault(logger)

	var out *wav.Writer
	if path := c.String("wav"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out, err = wav.NewWriter(f, timing.SampleRate)
		if err != nil {
			return err
		}
		sinks = append(sinks, out)
	}

	d := dsphle.New(newConfig(c, logger), sinks...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := []trace.RunnerOption{trace.WithLogger(logger)}
	var adaptive *timing.AdaptiveLimiter
	switch {
	case mon != nil:
		mon.SetSource(d)
		limiter := timing.NewTickerLimiter(d.UpdateInterval())
		defer limiter.Stop()
		opts = append(opts, trace.WithLimiter(&monitorLimiter{Limiter: limiter, mon: mon, cancel: cancel}))
	case c.Bool("realtime"):
		adaptive = timing.NewAdaptiveLimiter(d.UpdateInterval())
		opts = append(opts, trace.WithLimiter(adaptive))
	}

	start := time.Now()
	res, err := trace.NewRunner(d, opts...).Run(ctx, ops)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Trace failed", "error", err)
	}

	logger.Info("Trace finished",
		"mails", res.Mails,
		"updates", res.Updates,
		"frames", d.Frames(),
		"elapsed", time.Since(start),
		"state", d.Status().State)
	if adaptive != nil && adaptive.Dropped() > 0 {
		logger.Warn("Playback fell behind", "dropped_updates", adaptive.Dropped())
	}
	for _, m := range d.DrainMails() {
		logger.Info("Unread mail", "value", fmt.Sprintf("0x%08X", m.Value), "interrupt", m.Interrupt)
	}

	if out != nil {
		size, ferr := out.Finish()
		if ferr != nil {
			return fmt.Errorf("failed to finish wav: %w", ferr)
		}
		logger.Info("Wrote audio", "path", c.String("wav"), "samples", out.Samples(), "bytes", size)
	}

	if mon != nil && !errors.Is(err, context.Canceled) {
		// keep the final state on screen until the user quits
		for mon.Update() {
			time.Sleep(50 * time.Millisecond)
		}
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// monitorLimiter refreshes the monitor before every update and holds
// playback while it is paused.
type monitorLimiter struct {
	timing.Limiter
	mon    *terminal.Monitor
	cancel context.CancelFunc
}

func (l *monitorLimiter) WaitForNextTick() {
	for {
		if !l.mon.Update() {
			l.cancel()
			return
		}
		if !l.mon.Paused() {
			break
		}
		time.Sleep(50 * time.Millisecond)
		l.Limiter.Reset()
	}
	l.Limiter.WaitForNextTick()
}

func dumpVoices(c *cli.Context) error {
	ops, err := loadTrace(c)
	if err != nil {
		return err
	}

	logger := newLogger(c)
	d := dsphle.New(newConfig(c, logger))
	if _, err := trace.NewRunner(d, trace.WithLogger(logger)).Run(context.Background(), ops); err != nil {
		return err
	}

	st := d.Status()
	count := c.Int("count")
	if count <= 0 {
		count = int(st.VoicesPerFrame)
	}

	voices, err := debug.ExtractVoices(d.Main(), st.VPBBaseAddress, count, c.Bool("all"))
	if err != nil {
		return fmt.Errorf("failed to read voices: %w", err)
	}

	fmt.Println(debug.StatusReport(st))
	if len(voices) == 0 {
		fmt.Println("no voices")
		return nil
	}
	fmt.Println(debug.VoiceTable(voices))
	return nil
}
