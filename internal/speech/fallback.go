package speech

import (
	"context"
	"errors"
	"fmt"
)

// FallbackOutput prefers Primary and switches to Secondary when primary synthesis
// fails. OnFallback is told about the primary failure and decides whether the
// secondary should run (it returns false when audio has since been muted).
type FallbackOutput struct {
	Primary    Output
	Secondary  Output
	OnFallback func(err error) bool
}

func (f *FallbackOutput) Supported() bool {
	return supported(f.Primary) || supported(f.Secondary)
}

func (f *FallbackOutput) Speak(ctx context.Context, u Utterance, sink AudioSink) (SpeechHandle, error) {
	if !supported(f.Primary) {
		if !supported(f.Secondary) {
			return nil, ErrOutputUnavailable
		}
		return f.Secondary.Speak(ctx, u, sink)
	}
	return startTask(ctx, func(ctx context.Context) error {
		primaryErr := runOutput(ctx, f.Primary, u, sink)
		if primaryErr == nil || !shouldFallback(ctx, primaryErr) {
			return primaryErr
		}
		if !supported(f.Secondary) {
			if f.OnFallback != nil {
				f.OnFallback(primaryErr)
			}
			return primaryErr
		}
		if f.OnFallback != nil && !f.OnFallback(primaryErr) {
			return nil
		}
		if err := runOutput(ctx, f.Secondary, u, sink); err != nil {
			return fmt.Errorf("primary speech failed: %v; fallback speech failed: %w", primaryErr, err)
		}
		return nil
	}), nil
}

func runOutput(ctx context.Context, out Output, u Utterance, sink AudioSink) error {
	h, err := out.Speak(ctx, u, sink)
	if err != nil {
		return err
	}
	defer h.Stop()
	return h.Wait(ctx)
}

// shouldFallback excludes failures a second synthesizer cannot fix.
func shouldFallback(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrPlaybackBlocked) {
		return false
	}
	return true
}

func supported(o Output) bool {
	return o != nil && o.Supported()
}
