// Package trace replays scripted CPU activity against a DSP.
//
// A trace is a line oriented text file. Blank lines and everything after a
// '#' are ignored. Numbers are hexadecimal (with or without a 0x prefix)
// unless noted otherwise.
//
//	mail <value>                        send one CPU to DSP mail
//	cmd <opcode> <sync> <extra> [params...]
//	                                    send a whole command, header included
//	sync <group> <flags>                send a sync mail and its voice flags
//	tick [n]                            call Update n times (decimal, default 1)
//	idle                                update until the DSP has nothing to do
//	write8|write16|write32 <main|aram> <addr> <values...>
//	fill <main|aram> <addr> <count> <byte>
//	                                    count is decimal
//	expect <value>                      the next DSP to CPU mail must be value
package trace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/valerio/go-dsphle/dsphle/memory"
	"github.com/valerio/go-dsphle/dsphle/zelda"
)

// ErrSyntax is returned for malformed trace lines.
var ErrSyntax = errors.New("trace: syntax error")

// Kind is the type of a trace operation.
type Kind int

const (
	KindMail Kind = iota
	KindTick
	KindIdle
	KindWrite
	KindFill
	KindExpect
)

func (k Kind) String() string {
	switch k {
	case KindMail:
		return "mail"
	case KindTick:
		return "tick"
	case KindIdle:
		return "idle"
	case KindWrite:
		return "write"
	case KindFill:
		return "fill"
	case KindExpect:
		return "expect"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Op is one parsed trace operation. cmd and sync lines expand to several
// mail operations sharing the same line number.
type Op struct {
	Kind Kind
	Line int

	// Mail to send or expect, tick count, fill byte.
	Value uint32

	Space  memory.Space
	Addr   uint32
	Width  int // bytes per written value
	Values []uint32
	Count  uint32
}

// Parse reads a whole trace.
func Parse(r io.Reader) ([]Op, error) {
	var ops []Op
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}

		parsed, err := parseLine(fields)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		for i := range parsed {
			parsed[i].Line = line
		}
		ops = append(ops, parsed...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading trace: %w", err)
	}
	return ops, nil
}

func parseLine(fields []string) ([]Op, error) {
	name, args := strings.ToLower(fields[0]), fields[1:]

	switch name {
	case "mail", "expect":
		if len(args) != 1 {
			return nil, syntaxError("%s takes one value", name)
		}
		v, err := parseHex(args[0], 32)
		if err != nil {
			return nil, err
		}
		kind := KindMail
		if name == "expect" {
			kind = KindExpect
		}
		return []Op{{Kind: kind, Value: v}}, nil

	case "cmd":
		if len(args) < 3 {
			return nil, syntaxError("cmd takes an opcode, a sync value and the extra field")
		}
		opcode, err := parseHex(args[0], 7)
		if err != nil {
			return nil, err
		}
		if _, ok := zelda.CommandWords(opcode); !ok {
			return nil, syntaxError("unknown opcode 0x%02X", opcode)
		}
		sync, err := parseHex(args[1], 8)
		if err != nil {
			return nil, err
		}
		extra, err := parseHex(args[2], 16)
		if err != nil {
			return nil, err
		}
		params, err := parseValues(args[3:], 32)
		if err != nil {
			return nil, err
		}
		return mailOps(zelda.CommandMails(opcode, uint8(sync), uint16(extra), params...)), nil

	case "sync":
		if len(args) != 2 {
			return nil, syntaxError("sync takes a voice group and the voice flags")
		}
		group, err := parseHex(args[0], 8)
		if err != nil {
			return nil, err
		}
		flags, err := parseHex(args[1], 16)
		if err != nil {
			return nil, err
		}
		return mailOps([]uint32{0, group<<16 | flags}), nil

	case "tick":
		n := uint64(1)
		if len(args) > 1 {
			return nil, syntaxError("tick takes at most one count")
		}
		if len(args) == 1 {
			var err error
			if n, err = strconv.ParseUint(args[0], 0, 32); err != nil || n == 0 {
				return nil, syntaxError("bad tick count %q", args[0])
			}
		}
		return []Op{{Kind: KindTick, Value: uint32(n)}}, nil

	case "idle":
		if len(args) != 0 {
			return nil, syntaxError("idle takes no argument")
		}
		return []Op{{Kind: KindIdle}}, nil

	case "write8", "write16", "write32":
		width := map[string]int{"write8": 1, "write16": 2, "write32": 4}[name]
		if len(args) < 3 {
			return nil, syntaxError("%s takes a space, an address and values", name)
		}
		space, addr, err := parseLocation(args[0], args[1])
		if err != nil {
			return nil, err
		}
		values, err := parseValues(args[2:], 8*width)
		if err != nil {
			return nil, err
		}
		return []Op{{Kind: KindWrite, Space: space, Addr: addr, Width: width, Values: values}}, nil

	case "fill":
		if len(args) != 4 {
			return nil, syntaxError("fill takes a space, an address, a count and a byte")
		}
		space, addr, err := parseLocation(args[0], args[1])
		if err != nil {
			return nil, err
		}
		count, err := strconv.ParseUint(args[2], 0, 32)
		if err != nil {
			return nil, syntaxError("bad fill count %q", args[2])
		}
		b, err := parseHex(args[3], 8)
		if err != nil {
			return nil, err
		}
		return []Op{{Kind: KindFill, Space: space, Addr: addr, Count: uint32(count), Value: b}}, nil

	default:
		return nil, syntaxError("unknown operation %q", fields[0])
	}
}

func mailOps(mails []uint32) []Op {
	ops := make([]Op, len(mails))
	for i, m := range mails {
		ops[i] = Op{Kind: KindMail, Value: m}
	}
	return ops
}

func parseLocation(space, addr string) (memory.Space, uint32, error) {
	var s memory.Space
	switch strings.ToLower(space) {
	case "main":
		s = memory.SpaceMain
	case "aram":
		s = memory.SpaceARAM
	default:
		return 0, 0, syntaxError("unknown memory %q", space)
	}
	a, err := parseHex(addr, 32)
	if err != nil {
		return 0, 0, err
	}
	return s, a, nil
}

func parseValues(args []string, bits int) ([]uint32, error) {
	values := make([]uint32, 0, len(args))
	for _, a := range args {
		v, err := parseHex(a, bits)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func parseHex(s string, bits int) (uint32, error) {
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(digits, 16, bits)
	if err != nil {
		return 0, syntaxError("bad %d bit value %q", bits, s)
	}
	return uint32(v), nil
}

func syntaxError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSyntax, fmt.Sprintf(format, args...))
}
