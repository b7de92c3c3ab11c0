package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/ent0n29/carevoice/internal/audio"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioChunk MessageType = "client_audio_chunk"
	TypeClientControl    MessageType = "client_control"
	TypeCaptureState     MessageType = "capture_state"
	TypeSTTCommitted     MessageType = "stt_committed"
	TypeAssistantMessage MessageType = "assistant_message"
	TypeSystemEvent      MessageType = "system_event"
	TypeErrorEvent       MessageType = "error_event"
)

// Control actions a client may send.
const (
	ActionStart  = "start"
	ActionStop   = "stop"
	ActionCancel = "cancel"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	// Encoding defaults to pcm_s16le; mulaw and alaw are decoded server side.
	Encoding string `json:"encoding,omitempty"`
	TSMs     int64  `json:"ts_ms"`
}

// PCM16 returns the chunk payload as PCM16LE.
func (c ClientAudioChunk) PCM16() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(c.PCM16Base64)
	if err != nil {
		return nil, fmt.Errorf("decode audio chunk: %w", err)
	}
	enc, err := audio.NormalizeEncoding(c.Encoding)
	if err != nil {
		return nil, err
	}
	return audio.ToPCM16(enc, raw)
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Reason    string      `json:"reason,omitempty"`
	// SampleRate applies to the capture a start action opens.
	SampleRate int   `json:"sample_rate,omitempty"`
	TSMs       int64 `json:"ts_ms,omitempty"`
}

type CaptureState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	EndReason string      `json:"end_reason,omitempty"`
}

type STTCommitted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms"`
}

// AssistantMessage carries one assistant reply. Text is null when the
// backend answered without an extractable reply.
type AssistantMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Text      *string     `json:"text"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		switch msg.Action {
		case ActionStart, ActionStop, ActionCancel:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// MessageTypeOf returns the wire type of an outbound message, or "" for
// values this package does not define.
func MessageTypeOf(msg any) MessageType {
	switch m := msg.(type) {
	case CaptureState:
		return m.Type
	case STTCommitted:
		return m.Type
	case AssistantMessage:
		return m.Type
	case SystemEvent:
		return m.Type
	case ErrorEvent:
		return m.Type
	default:
		return ""
	}
}
