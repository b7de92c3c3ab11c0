package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// DefaultSampleRate is the capture rate assumed when a client does not send one.
const DefaultSampleRate = 16000

var ErrNoDataChunk = errors.New("invalid wav: data chunk not found")

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	dataSize := uint32(len(pcm))
	header := []any{
		[4]byte{'R', 'I', 'F', 'F'},
		uint32(36) + dataSize,
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16),
		uint16(audioFormat),
		uint16(numChannels),
		uint32(sampleRate),
		uint32(sampleRate * numChannels * bitsPerSample / 8),
		uint16(numChannels * bitsPerSample / 8),
		uint16(bitsPerSample),
		[4]byte{'d', 'a', 't', 'a'},
		dataSize,
	}

	w := bufio.NewWriter(out)
	for _, field := range header {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return err
		}
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// IsWAV reports whether b starts with a RIFF/WAVE header.
func IsWAV(b []byte) bool {
	return len(b) >= 12 && bytes.HasPrefix(b, []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WAVE"))
}

// StripWAVHeader returns the data chunk of a WAV payload and the sample rate
// from its fmt chunk. Input that is not WAV is returned unchanged with rate 0.
func StripWAVHeader(b []byte) ([]byte, int, error) {
	if !IsWAV(b) {
		return b, 0, nil
	}

	rate := 0
	i := 12
	for i+8 <= len(b) {
		id := string(b[i : i+4])
		size := int(binary.LittleEndian.Uint32(b[i+4 : i+8]))
		next := i + 8 + size

		switch id {
		case "fmt ":
			if size >= 8 && i+16 <= len(b) {
				rate = int(binary.LittleEndian.Uint32(b[i+12 : i+16]))
			}
		case "data":
			if next > len(b) {
				// Streaming writers leave the size unset; take what is there.
				return b[i+8:], rate, nil
			}
			return b[i+8 : next], rate, nil
		}

		if size%2 != 0 {
			next++
		}
		i = next
	}
	return nil, rate, ErrNoDataChunk
}
