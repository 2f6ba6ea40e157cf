package speech

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ent0n29/voiceenroll/internal/provider"
)

const maxRemoteClipBytes = 8 << 20

// Synthesizer is the provider call RemoteOutput depends on.
type Synthesizer interface {
	Configured() bool
	Synthesize(ctx context.Context, req provider.SynthesisRequest) (*provider.Audio, error)
}

// RemoteOutput speaks through the hosted TTS provider, using the same wire
// contract as the /tts proxy route.
type RemoteOutput struct {
	synth   Synthesizer
	observe func(d time.Duration)
}

// NewRemoteOutput builds a provider-backed output. observe, when set, receives
// the upstream latency of every successful synthesis.
func NewRemoteOutput(synth Synthesizer, observe func(time.Duration)) *RemoteOutput {
	return &RemoteOutput{synth: synth, observe: observe}
}

func (o *RemoteOutput) Supported() bool {
	return o != nil && o.synth != nil && o.synth.Configured()
}

func (o *RemoteOutput) Speak(ctx context.Context, u Utterance, sink AudioSink) (SpeechHandle, error) {
	if !o.Supported() {
		return nil, ErrOutputUnavailable
	}
	text := SanitizeText(u.Text)
	if text == "" {
		return doneHandle{}, nil
	}
	return startTask(ctx, func(ctx context.Context) error {
		start := time.Now()
		audio, err := o.synth.Synthesize(ctx, provider.SynthesisRequest{
			Text:    text,
			VoiceID: u.VoiceID,
			ModelID: u.Model,
		})
		if err != nil {
			return err
		}
		defer audio.Body.Close()
		data, err := io.ReadAll(io.LimitReader(audio.Body, maxRemoteClipBytes))
		if err != nil {
			return fmt.Errorf("read synthesized audio: %w", err)
		}
		if o.observe != nil {
			o.observe(time.Since(start))
		}
		return sink.PlayAudio(ctx, Clip{
			MessageID:   u.MessageID,
			Seq:         1,
			Format:      "mp3",
			ContentType: audio.ContentType,
			Source:      "elevenlabs",
			Data:        data,
		})
	}), nil
}
