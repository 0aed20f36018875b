// Package wav writes rendered DSP frames to a 16 bit stereo WAVE file.
//
// The RIFF and data chunk sizes are written as placeholders and patched by
// Finish, so the amount of audio doesn't need to be known up front.
// See http://soundfile.sapp.org/doc/WaveFormat/ for the format.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const wavTypePCM = 1

// Offsets of the size placeholders patched by Finish.
const (
	riffSizeOffset = 4
	dataSizeOffset = 40
	headerSize     = 44
)

// ErrInvalidChunkHeaderLength means that the provided chunk name was not 4
// characters.
var ErrInvalidChunkHeaderLength = errors.New("wav: chunk header name is not 4 characters")

// ErrFinished is returned when writing after Finish.
var ErrFinished = errors.New("wav: writer already finished")

type format struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// A Writer writes a WAV file into ws. It implements zelda.FrameSink.
type Writer struct {
	ws       io.WriteSeeker
	samples  int64
	err      error
	finished bool
}

// NewWriter writes the WAV header to ws and returns a Writer for the
// interleaved stereo samples that follow.
func NewWriter(ws io.WriteSeeker, sampleRate int) (*Writer, error) {
	w := &Writer{ws: ws}

	// Zero length for now, Finish comes back to fill it.
	if err := w.writeChunkHeader("RIFF", 0); err != nil {
		return nil, err
	}
	if _, err := ws.Write([]byte("WAVE")); err != nil {
		return nil, err
	}

	if err := w.writeChunkHeader("fmt ", 16); err != nil {
		return nil, err
	}
	f := format{AudioFormat: wavTypePCM, Channels: 2, SampleRate: uint32(sampleRate), BitsPerSample: 16}
	f.ByteRate = uint32(sampleRate) * 2 * (16 / 8)
	f.BlockAlign = 2 * (16 / 8)
	if err := binary.Write(ws, binary.LittleEndian, f); err != nil {
		return nil, err
	}

	if err := w.writeChunkHeader("data", 0); err != nil {
		return nil, err
	}
	return w, nil
}

// WriteFrame writes interleaved stereo samples.
func (w *Writer) WriteFrame(samples []int16) error {
	if w.finished {
		return ErrFinished
	}
	if err := binary.Write(w.ws, binary.LittleEndian, samples); err != nil {
		return fmt.Errorf("wav: writing samples: %w", err)
	}
	w.samples += int64(len(samples))
	return nil
}

// PushFrame writes a rendered frame. The first error is kept and reported
// by Err and Finish; later frames are dropped.
func (w *Writer) PushFrame(samples []int16) {
	if w.err != nil {
		return
	}
	w.err = w.WriteFrame(samples)
}

// Err returns the first error hit by PushFrame.
func (w *Writer) Err() error { return w.err }

// Samples is the number of samples (both channels) written so far.
func (w *Writer) Samples() int64 { return w.samples }

// Finish must be called when all data has been written. It patches the
// chunk sizes and returns the total file length.
func (w *Writer) Finish() (int64, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.finished {
		return 0, ErrFinished
	}
	w.finished = true

	wlen, err := w.ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}

	patches := []struct {
		offset int64
		value  int32
	}{
		{riffSizeOffset, int32(wlen - 8)},
		{dataSizeOffset, int32(wlen - headerSize)},
	}
	for _, p := range patches {
		if _, err := w.ws.Seek(p.offset, io.SeekStart); err != nil {
			return 0, err
		}
		if err := binary.Write(w.ws, binary.LittleEndian, p.value); err != nil {
			return 0, err
		}
	}

	if _, err := w.ws.Seek(wlen, io.SeekStart); err != nil {
		return 0, err
	}
	return wlen, nil
}

func (w *Writer) writeChunkHeader(chunk string, initialSize int) error {
	if len(chunk) != 4 {
		return ErrInvalidChunkHeaderLength
	}
	if _, err := w.ws.Write([]byte(chunk)); err != nil {
		return err
	}
	return binary.Write(w.ws, binary.LittleEndian, int32(initialSize))
}
