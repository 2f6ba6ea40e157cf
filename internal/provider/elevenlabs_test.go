package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSynthesizeSendsFixedSettingsAndNormalizedModel(t *testing.T) {
	var gotPath, gotQuery, gotKey string
	var gotBody map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("optimize_streaming_latency")
		gotKey = r.Header.Get("xi-api-key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("mp3-bytes"))
	}))
	defer upstream.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: upstream.URL, DefaultVoiceID: "voice-default"})
	audio, err := c.Synthesize(context.Background(), SynthesisRequest{Text: "hello", ModelID: "not-allowed"})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	defer audio.Body.Close()
	data, _ := io.ReadAll(audio.Body)

	if string(data) != "mp3-bytes" {
		t.Fatalf("body = %q", string(data))
	}
	if gotPath != "/v1/text-to-speech/voice-default" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotQuery != "2" {
		t.Fatalf("optimize_streaming_latency = %q, want 2", gotQuery)
	}
	if gotKey != "k" {
		t.Fatalf("xi-api-key = %q", gotKey)
	}
	if gotBody["model_id"] != DefaultTTSModel {
		t.Fatalf("model_id = %v, want %q", gotBody["model_id"], DefaultTTSModel)
	}
	settings, _ := gotBody["voice_settings"].(map[string]any)
	if settings["stability"] != 0.4 || settings["similarity_boost"] != 0.7 {
		t.Fatalf("voice_settings = %v", settings)
	}
}

func TestSynthesizePropagatesUpstreamStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"invalid key"}`))
	}))
	defer upstream.Close()

	c := NewClient(Config{APIKey: "bad", BaseURL: upstream.URL, DefaultVoiceID: "v"})
	_, err := c.Synthesize(context.Background(), SynthesisRequest{Text: "hello"})
	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("error = %v, want *UpstreamError", err)
	}
	if upErr.Status != http.StatusUnauthorized {
		t.Fatalf("status = %d", upErr.Status)
	}
	if !strings.Contains(string(upErr.Body), "invalid key") {
		t.Fatalf("body = %q", string(upErr.Body))
	}
}

func TestClientWithoutKeyIsNotConfigured(t *testing.T) {
	c := NewClient(Config{})
	if c.Configured() {
		t.Fatalf("Configured() = true without key")
	}
	if _, err := c.ListVoices(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("ListVoices() error = %v, want ErrNotConfigured", err)
	}
}

func TestListVoicesProjectsCatalog(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voices" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"voices":[{"voice_id":"a","name":"Laila","category":"premade","labels":{"accent":"indian"}}]}`))
	}))
	defer upstream.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: upstream.URL})
	voices, err := c.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices() error = %v", err)
	}
	if len(voices) != 1 || voices[0] != (Voice{ID: "a", Name: "Laila", Category: "premade"}) {
		t.Fatalf("voices = %+v", voices)
	}
}

func TestConvertSpeechUploadsMultipart(t *testing.T) {
	var gotModel, gotAudio string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm() error = %v", err)
			return
		}
		gotModel = r.FormValue("model_id")
		f, _, err := r.FormFile("audio")
		if err == nil {
			b, _ := io.ReadAll(f)
			gotAudio = string(b)
			_ = f.Close()
		}
		_, _ = w.Write([]byte("converted"))
	}))
	defer upstream.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: upstream.URL, DefaultVoiceID: "v"})
	audio, err := c.ConvertSpeech(context.Background(), ConversionRequest{Audio: strings.NewReader("raw-webm")})
	if err != nil {
		t.Fatalf("ConvertSpeech() error = %v", err)
	}
	_ = audio.Body.Close()

	if gotModel != DefaultS2SModel {
		t.Fatalf("model_id = %q, want %q", gotModel, DefaultS2SModel)
	}
	if gotAudio != "raw-webm" {
		t.Fatalf("audio = %q", gotAudio)
	}
}

func TestSynthesizeStreamsBodyPastHeaderTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("first-"))
		w.(http.Flusher).Flush()
		time.Sleep(150 * time.Millisecond)
		_, _ = w.Write([]byte("second"))
	}))
	defer upstream.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: upstream.URL, DefaultVoiceID: "v", Timeout: 50 * time.Millisecond})
	audio, err := c.Synthesize(context.Background(), SynthesisRequest{Text: "a long answer"})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	defer audio.Body.Close()
	data, err := io.ReadAll(audio.Body)
	if err != nil {
		t.Fatalf("reading body error = %v", err)
	}
	if string(data) != "first-second" {
		t.Fatalf("body = %q, want the full stream", data)
	}
}

func TestSynthesizeTimesOutWaitingForHeaders(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	c := NewClient(Config{APIKey: "k", BaseURL: upstream.URL, DefaultVoiceID: "v", Timeout: 50 * time.Millisecond})
	if _, err := c.Synthesize(context.Background(), SynthesisRequest{Text: "hi"}); err == nil {
		t.Fatalf("Synthesize() error = nil, want header timeout")
	}
}
