package debug

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/valerio/go-dsphle/dsphle/memory"
	"github.com/valerio/go-dsphle/dsphle/zelda"
)

// Voice is a decoded VPB together with its voice number.
type Voice struct {
	ID  uint16
	VPB zelda.VPB
}

// ExtractVoices decodes count VPBs starting at base. Disabled voices are
// skipped unless all is set.
func ExtractVoices(mem memory.Bus, base uint32, count int, all bool) ([]Voice, error) {
	var voices []Voice
	for i := range count {
		vpb, err := zelda.ReadVPB(mem, base, uint16(i))
		if err != nil {
			return voices, err
		}
		if !vpb.Enabled && !all {
			continue
		}
		voices = append(voices, Voice{ID: uint16(i), VPB: vpb})
	}
	return voices, nil
}

var voiceHeaders = []string{"voice", "state", "source", "ratio", "position", "loop", "length", "FL", "FR", "BL", "BR"}

// VoiceTable renders the voices as a table.
func VoiceTable(voices []Voice) string {
	s := newStyles()
	rows := make([][]string, 0, len(voices))
	for _, v := range voices {
		rows = append(rows, voiceRow(v))
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(s.muted).
		Headers(voiceHeaders...).
		Rows(rows...)
	return t.String()
}

func voiceRow(v Voice) []string {
	p := &v.VPB
	loop := "-"
	if p.Looping {
		loop = fmt.Sprintf("0x%X", p.LoopStart)
	}
	row := []string{
		fmt.Sprintf("%d", v.ID),
		voiceState(p),
		fmt.Sprintf("%s@%s:0x%X", p.Kind, p.Space, p.BaseAddress),
		fmt.Sprintf("%.3f", float64(p.ResamplingRatio)/0x1000),
		fmt.Sprintf("0x%X", p.CurrentPosition),
		loop,
		fmt.Sprintf("0x%X", p.Length),
	}
	for b := zelda.BusFrontLeft; b <= zelda.BusBackRight; b++ {
		row = append(row, volume(p.Channels[b]))
	}
	return row
}

func voiceState(p *zelda.VPB) string {
	switch {
	case !p.Enabled:
		return "off"
	case p.Done:
		return "done"
	default:
		return "play"
	}
}

// volume formats a 1.15 channel volume, with its ramp direction.
func volume(ch zelda.Channel) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%.2f", float64(ch.Current)/0x8000)
	switch {
	case ch.Step > 0:
		b.WriteString("↑")
	case ch.Step < 0:
		b.WriteString("↓")
	}
	return b.String()
}
