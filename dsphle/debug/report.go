package debug

import (
	"fmt"
	"strings"

	"github.com/valerio/go-dsphle/dsphle/zelda"
)

// StatusReport renders the ucode state as labelled lines.
func StatusReport(st zelda.Status) string {
	s := newStyles()

	state := st.State.String()
	switch st.State {
	case zelda.StateHalted:
		state = s.halted.Render(state)
	case zelda.StateRendering:
		state = s.active.Render(state)
	default:
		state = s.waiting.Render(state)
	}

	lines := [][2]string{
		{"state", state},
		{"pending commands", fmt.Sprintf("%d (%d words)", st.PendingCommands, st.BufferedWords)},
		{"held mails", fmt.Sprintf("%d", st.HeldMails)},
		{"frame", fmt.Sprintf("%d/%d", st.CurrentFrame, st.RequestedFrames)},
		{"voice", fmt.Sprintf("%d/%d (sync %d)", st.CurrentVoice, st.VoicesPerFrame, st.SyncMaxVoiceID)},
		{"output volume", fmt.Sprintf("0x%04X", st.OutputVolume)},
		{"vpb base", fmt.Sprintf("0x%08X", st.VPBBaseAddress)},
		{"output buffers", fmt.Sprintf("0x%08X 0x%08X", st.OutputLeft, st.OutputRight)},
	}
	if st.HaltReason != "" {
		lines = append(lines, [2]string{"halt reason", s.halted.Render(st.HaltReason)})
	}

	var b strings.Builder
	b.WriteString(s.title.Render(" zelda ucode "))
	b.WriteByte('\n')
	for _, l := range lines {
		fmt.Fprintf(&b, "%s %s\n", s.label.Render(fmt.Sprintf("%-17s", l[0]+":")), s.value.Render(l[1]))
	}
	return b.String()
}

// PeakLevels returns the absolute peak of each channel of an interleaved
// stereo frame.
func PeakLevels(frame []int16) (left, right int) {
	for i := 0; i+1 < len(frame); i += 2 {
		left = max(left, abs(int(frame[i])))
		right = max(right, abs(int(frame[i+1])))
	}
	return left, right
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
