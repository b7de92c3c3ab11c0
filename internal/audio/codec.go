package audio

import (
	"fmt"
	"strings"

	"github.com/zaf/g711"
)

// Encoding names accepted from capture clients.
const (
	EncodingPCM16 = "pcm_s16le"
	EncodingULaw  = "mulaw"
	EncodingALaw  = "alaw"
)

// NormalizeEncoding maps client spellings onto the Encoding constants.
func NormalizeEncoding(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "pcm", "pcm16", "pcm_s16le", "linear16":
		return EncodingPCM16, nil
	case "mulaw", "ulaw", "pcmu", "g711_ulaw":
		return EncodingULaw, nil
	case "alaw", "pcma", "g711_alaw":
		return EncodingALaw, nil
	default:
		return "", fmt.Errorf("unsupported audio encoding %q", name)
	}
}

// ToPCM16 converts a chunk in the given encoding to PCM16LE.
func ToPCM16(encoding string, chunk []byte) ([]byte, error) {
	switch encoding {
	case EncodingPCM16:
		if len(chunk)%2 != 0 {
			return nil, fmt.Errorf("pcm16 chunk has odd length %d", len(chunk))
		}
		return chunk, nil
	case EncodingULaw:
		return g711.DecodeUlaw(chunk), nil
	case EncodingALaw:
		return g711.DecodeAlaw(chunk), nil
	default:
		return nil, fmt.Errorf("unsupported audio encoding %q", encoding)
	}
}
