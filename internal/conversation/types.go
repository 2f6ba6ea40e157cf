package conversation

import (
	"errors"
	"time"
)

var (
	ErrEmptyMessage = errors.New("message text is empty")
	ErrTurnInFlight = errors.New("a turn is already in progress")
	ErrBusy         = errors.New("conversation is busy")
	ErrClosed       = errors.New("conversation is closed")
)

// Canned agent copy.
const (
	HandOffText        = "I'm connecting you with a human representative. Please hold on for a moment while I transfer your conversation."
	FirstLoginGreeting = "Hi, I am your voice agent, here to assist you with the next process."
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Activity is the single mutually exclusive voice state of a conversation.
type Activity string

const (
	ActivityIdle      Activity = "idle"
	ActivityListening Activity = "listening"
	ActivityThinking  Activity = "thinking"
	ActivitySpeaking  Activity = "speaking"
)

type Message struct {
	ID           string    `json:"id"`
	Role         Role      `json:"role"`
	Text         string    `json:"text"`
	CreatedAt    time.Time `json:"created_at"`
	IsTranscript bool      `json:"is_transcript"`
}

// State is a point-in-time copy of a conversation.
type State struct {
	Messages          []Message `json:"messages"`
	Activity          Activity  `json:"activity"`
	Muted             bool      `json:"muted"`
	PartialTranscript *string   `json:"partial_transcript"`
	Stage             int       `json:"stage"`
	Interacted        bool      `json:"interacted"`
	CompletedTurns    int       `json:"completed_turns"`
}

func (s State) Processing() bool { return s.Activity == ActivityThinking }
func (s State) Listening() bool  { return s.Activity == ActivityListening }
func (s State) Speaking() bool   { return s.Activity == ActivitySpeaking }

// Timings holds the delays of the stage side effects.
type Timings struct {
	ReplyLatency  time.Duration
	Celebration   time.Duration
	IntroDelay    time.Duration
	PromoDuration time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		ReplyLatency:  800 * time.Millisecond,
		Celebration:   1200 * time.Millisecond,
		IntroDelay:    350 * time.Millisecond,
		PromoDuration: 1500 * time.Millisecond,
	}
}

// Sink receives every outbound event of a conversation, in emission order.
type Sink interface {
	Emit(msg any)
}

type SinkFunc func(msg any)

func (f SinkFunc) Emit(msg any) { f(msg) }
