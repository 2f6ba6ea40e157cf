package speech

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/voiceenroll/internal/provider"
)

type recordingSink struct {
	mu    sync.Mutex
	clips []Clip
	err   error
}

func (s *recordingSink) PlayAudio(_ context.Context, clip Clip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.clips = append(s.clips, clip)
	return nil
}

func (s *recordingSink) sources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.clips))
	for _, c := range s.clips {
		out = append(out, c.Source)
	}
	return out
}

type fakeSynth struct {
	err  error
	text string
}

func (f *fakeSynth) Configured() bool { return true }

func (f *fakeSynth) Synthesize(_ context.Context, req provider.SynthesisRequest) (*provider.Audio, error) {
	f.text = req.Text
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Audio{Body: io.NopCloser(strings.NewReader("mp3")), ContentType: "audio/mpeg"}, nil
}

type fakeGenerator struct {
	mu    sync.Mutex
	texts []string
}

func (g *fakeGenerator) GenerateSpeech(text string) (io.Reader, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.texts = append(g.texts, text)
	return bytes.NewReader([]byte("local-mp3")), nil
}

func TestClientCaptureDeliversOnlyWhileActive(t *testing.T) {
	c := NewClientCapture()
	if c.Partial("ignored") {
		t.Fatalf("Partial() delivered without an active capture")
	}

	var partials, finals []string
	h, err := c.Start(context.Background(), Callbacks{
		OnPartial: func(s string) { partials = append(partials, s) },
		OnFinal:   func(s string) { finals = append(finals, s) },
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	c.Partial(" Hi ")
	c.Final("Hi Maya")
	if c.Active() {
		t.Fatalf("capture still active after final transcript")
	}
	c.Final("late")
	h.Stop()
	h.Stop()

	if len(partials) != 1 || partials[0] != "Hi" {
		t.Fatalf("partials = %v", partials)
	}
	if len(finals) != 1 || finals[0] != "Hi Maya" {
		t.Fatalf("finals = %v", finals)
	}
}

func TestClientCaptureUnsupported(t *testing.T) {
	c := NewClientCapture()
	c.SetSupported(false)
	if _, err := c.Start(context.Background(), Callbacks{}); !errors.Is(err, ErrCaptureUnavailable) {
		t.Fatalf("Start() error = %v, want ErrCaptureUnavailable", err)
	}
}

func TestRemoteOutputDeliversClip(t *testing.T) {
	synth := &fakeSynth{}
	sink := &recordingSink{}
	out := NewRemoteOutput(synth, nil)

	h, err := out.Speak(context.Background(), Utterance{MessageID: "m1", Text: "**Hello** there"}, sink)
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if synth.text != "Hello there" {
		t.Fatalf("synthesized text = %q", synth.text)
	}
	if got := sink.sources(); len(got) != 1 || got[0] != "elevenlabs" {
		t.Fatalf("sources = %v", got)
	}
}

func TestFallbackOutputUsesSecondaryOnFailure(t *testing.T) {
	gen := &fakeGenerator{}
	local, err := NewLocalOutput(gen)
	if err != nil {
		t.Fatalf("NewLocalOutput() error = %v", err)
	}
	var fallbackErr error
	out := &FallbackOutput{
		Primary:   NewRemoteOutput(&fakeSynth{err: errors.New("quota exceeded")}, nil),
		Secondary: local,
		OnFallback: func(err error) bool {
			fallbackErr = err
			return true
		},
	}
	sink := &recordingSink{}

	h, err := out.Speak(context.Background(), Utterance{MessageID: "m1", Text: "Thanks! What next?"}, sink)
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if fallbackErr == nil || !strings.Contains(fallbackErr.Error(), "quota") {
		t.Fatalf("OnFallback error = %v", fallbackErr)
	}
	for _, src := range sink.sources() {
		if src != "local" {
			t.Fatalf("sources = %v, want only local", sink.sources())
		}
	}
	if len(sink.sources()) == 0 {
		t.Fatalf("no fallback audio delivered")
	}
}

func TestFallbackOutputRespectsVeto(t *testing.T) {
	gen := &fakeGenerator{}
	local, _ := NewLocalOutput(gen)
	out := &FallbackOutput{
		Primary:    NewRemoteOutput(&fakeSynth{err: errors.New("boom")}, nil),
		Secondary:  local,
		OnFallback: func(error) bool { return false },
	}
	h, err := out.Speak(context.Background(), Utterance{Text: "hello"}, &recordingSink{})
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(gen.texts) != 0 {
		t.Fatalf("secondary ran after veto: %v", gen.texts)
	}
}

func TestFallbackOutputSkipsBlockedPlayback(t *testing.T) {
	gen := &fakeGenerator{}
	local, _ := NewLocalOutput(gen)
	out := &FallbackOutput{Primary: NewRemoteOutput(&fakeSynth{}, nil), Secondary: local}
	h, _ := out.Speak(context.Background(), Utterance{Text: "hello"}, &recordingSink{err: ErrPlaybackBlocked})
	if err := h.Wait(context.Background()); !errors.Is(err, ErrPlaybackBlocked) {
		t.Fatalf("Wait() error = %v, want ErrPlaybackBlocked", err)
	}
	if len(gen.texts) != 0 {
		t.Fatalf("secondary ran for blocked playback")
	}
}

func TestLocalOutputChunksSentences(t *testing.T) {
	local, err := NewLocalOutput(&fakeGenerator{})
	if err != nil {
		t.Fatalf("NewLocalOutput() error = %v", err)
	}
	chunks := local.Chunks("We cover projects. Fees are flexible. What would you like to know next?")
	if len(chunks) != 3 {
		t.Fatalf("chunks = %q, want 3 sentences", chunks)
	}
	long := strings.Repeat("word ", 100)
	for _, c := range local.Chunks(long) {
		if len([]rune(c)) > maxLocalChunkRunes {
			t.Fatalf("chunk length %d exceeds limit", len([]rune(c)))
		}
	}
}

func TestSpeechHandleStopCancels(t *testing.T) {
	h := startTask(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	h.Stop()
	h.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() error = %v, want context.Canceled", err)
	}
}

func TestSanitizeText(t *testing.T) {
	got := SanitizeText("See [the plan](https://example.com) 🎉 for ₹ fees, 700+ CIBIL.")
	if got != "See the plan for ₹ fees, 700+ CIBIL." {
		t.Fatalf("SanitizeText() = %q", got)
	}
}
