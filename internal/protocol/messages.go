package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeUserText      MessageType = "user_text"
	TypeSTTPartial    MessageType = "stt_partial"
	TypeSTTFinal      MessageType = "stt_final"
	TypeVoiceSelect   MessageType = "voice_select"
	TypeClientControl MessageType = "client_control"

	TypeMessageAppended MessageType = "message_appended"
	TypeStateChanged    MessageType = "state_changed"
	TypeStageChanged    MessageType = "stage_changed"
	TypeCelebration     MessageType = "celebration"
	TypeToast           MessageType = "toast"
	TypePromo           MessageType = "promo"
	TypeStageIntro      MessageType = "stage_intro"
	TypeAssistantAudio  MessageType = "assistant_audio"
	TypeSystemEvent     MessageType = "system_event"
	TypeErrorEvent      MessageType = "error_event"
)

// Control actions carried by client_control.
const (
	ActionToggleListening    = "toggle_listening"
	ActionStopListening      = "stop_listening"
	ActionToggleMute         = "toggle_mute"
	ActionStageNext          = "stage_next"
	ActionStagePrev          = "stage_prev"
	ActionTalkToHuman        = "talk_to_human"
	ActionInteracted         = "interacted"
	ActionPlaybackBlocked    = "playback_blocked"
	ActionCaptureUnavailable = "capture_unavailable"
	ActionCaptureAvailable   = "capture_available"
)

var knownActions = map[string]struct{}{
	ActionToggleListening:    {},
	ActionStopListening:      {},
	ActionToggleMute:         {},
	ActionStageNext:          {},
	ActionStagePrev:          {},
	ActionTalkToHuman:        {},
	ActionInteracted:         {},
	ActionPlaybackBlocked:    {},
	ActionCaptureUnavailable: {},
	ActionCaptureAvailable:   {},
}

var (
	ErrUnsupportedType   = errors.New("unsupported message type")
	ErrUnsupportedAction = errors.New("unsupported control action")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

type UserText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Text      string      `json:"text"`
}

type STTPartial struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id,omitempty"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence,omitempty"`
	TSMs       int64       `json:"ts_ms,omitempty"`
}

type STTFinal struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type VoiceSelect struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	VoiceID   string      `json:"voice_id"`
	Model     string      `json:"model"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Action    string      `json:"action"`
	Reason    string      `json:"reason,omitempty"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type MessageAppended struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"session_id"`
	MessageID    string      `json:"message_id"`
	Role         string      `json:"role"`
	Text         string      `json:"text"`
	IsTranscript bool        `json:"is_transcript"`
	CreatedAtMS  int64       `json:"created_at_ms"`
}

type StateChanged struct {
	Type              MessageType `json:"type"`
	SessionID         string      `json:"session_id"`
	Activity          string      `json:"activity"`
	Processing        bool        `json:"processing"`
	Listening         bool        `json:"listening"`
	Speaking          bool        `json:"speaking"`
	Muted             bool        `json:"muted"`
	PartialTranscript *string     `json:"partial_transcript"`
}

type StageChanged struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	From      int         `json:"from"`
	To        int         `json:"to"`
	Title     string      `json:"title"`
	Total     int         `json:"total"`
	Manual    bool        `json:"manual"`
}

type Celebration struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Active    bool        `json:"active"`
}

type Toast struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Variant     string      `json:"variant,omitempty"`
}

type Promo struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Open      bool        `json:"open"`
	Stage     int         `json:"stage"`
}

type StageIntro struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Stage     int         `json:"stage"`
	MessageID string      `json:"message_id"`
	Spoken    bool        `json:"spoken"`
}

type AssistantAudio struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	MessageID   string      `json:"message_id"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	Source      string      `json:"source"`
	AudioBase64 string      `json:"audio_base64"`
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

// TypeOf returns the wire type of a protocol message, or "" for unknown values.
func TypeOf(msg any) MessageType {
	switch m := msg.(type) {
	case UserText:
		return m.Type
	case STTPartial:
		return m.Type
	case STTFinal:
		return m.Type
	case VoiceSelect:
		return m.Type
	case ClientControl:
		return m.Type
	case MessageAppended:
		return m.Type
	case StateChanged:
		return m.Type
	case StageChanged:
		return m.Type
	case Celebration:
		return m.Type
	case Toast:
		return m.Type
	case Promo:
		return m.Type
	case StageIntro:
		return m.Type
	case AssistantAudio:
		return m.Type
	case SystemEvent:
		return m.Type
	case ErrorEvent:
		return m.Type
	default:
		return ""
	}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeUserText:
		var msg UserText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSTTPartial:
		var msg STTPartial
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSTTFinal:
		var msg STTFinal
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeVoiceSelect:
		var msg VoiceSelect
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.VoiceID) == "" {
			return nil, errors.New("invalid voice_select")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.TrimSpace(msg.Action)
		if msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		if _, ok := knownActions[msg.Action]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedAction, msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
