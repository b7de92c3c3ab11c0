package audio

import (
	"encoding/binary"
	"math"
)

// MaxLevel is the top of the loudness scale returned by Level.
const MaxLevel = 128

// Level returns the loudness of a PCM16LE chunk on a 0..MaxLevel scale: the
// RMS of the mean-removed samples, scaled from int16 range. A constant DC
// offset therefore reads as silence.
func Level(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	mean := sum / float64(n)

	var sq float64
	for i := 0; i < n; i++ {
		d := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) - mean
		sq += d * d
	}
	rms := math.Sqrt(sq / float64(n))
	level := rms / 32768 * MaxLevel
	if level > MaxLevel {
		level = MaxLevel
	}
	return level
}

// DurationMillis is the playback length of PCM16LE mono audio at sampleRate.
func DurationMillis(pcm []byte, sampleRate int) int64 {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return int64(len(pcm)/2) * 1000 / int64(sampleRate)
}
