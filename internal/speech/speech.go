// Package speech adapts speech capture and speech output to the conversation.
// Capture is driven by the browser's recognizer; output is synthesized server-side
// and pushed to the browser as audio clips.
package speech

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrCaptureUnavailable means the client has no speech recognizer.
	ErrCaptureUnavailable = errors.New("speech capture unavailable")
	// ErrPlaybackBlocked means the client refused audio playback, usually because
	// the user has not interacted with the page yet.
	ErrPlaybackBlocked = errors.New("audio playback blocked")

	ErrOutputUnavailable = errors.New("speech output unavailable")
)

// Callbacks receive recognizer results while capture is active.
type Callbacks struct {
	OnPartial func(text string)
	OnFinal   func(text string)
}

type CaptureHandle interface {
	// Stop ends capture. Calling it more than once is a no-op.
	Stop()
}

type Capture interface {
	Supported() bool
	Start(ctx context.Context, cbs Callbacks) (CaptureHandle, error)
}

// Utterance is one piece of agent text to be spoken.
type Utterance struct {
	MessageID string
	Text      string
	VoiceID   string
	Model     string
}

// Clip is a chunk of encoded audio for the client to play.
type Clip struct {
	MessageID   string
	Seq         int
	Format      string
	ContentType string
	Source      string
	Data        []byte
}

type AudioSink interface {
	PlayAudio(ctx context.Context, clip Clip) error
}

type SpeechHandle interface {
	// Wait blocks until speech finished, failed, or ctx is done.
	Wait(ctx context.Context) error
	Stop()
}

type Output interface {
	Supported() bool
	Speak(ctx context.Context, u Utterance, sink AudioSink) (SpeechHandle, error)
}

// task runs fn in the background and exposes it as a SpeechHandle.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func startTask(ctx context.Context, fn func(ctx context.Context) error) *task {
	ctx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer cancel()
		t.err = fn(ctx)
	}()
	return t
}

func (t *task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *task) Stop() {
	t.once.Do(t.cancel)
}

type doneHandle struct{ err error }

func (h doneHandle) Wait(context.Context) error { return h.err }
func (h doneHandle) Stop()                      {}
