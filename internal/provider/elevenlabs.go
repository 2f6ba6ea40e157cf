package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config controls the ElevenLabs HTTP client.
type Config struct {
	APIKey         string
	BaseURL        string
	DefaultVoiceID string
	DefaultModel   string
	S2SModel       string
	Timeout        time.Duration
}

// Client is a thin, stateless wrapper over the ElevenLabs REST API.
// Each method maps to exactly one upstream request; nothing is retried or cached.
type Client struct {
	cfg  Config
	http *http.Client
}

// Voice is the projected catalog entry exposed to browsers.
type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// SynthesisRequest is a normalized text-to-speech call.
type SynthesisRequest struct {
	Text    string
	VoiceID string
	ModelID string
}

// ConversionRequest is a normalized speech-to-speech call.
type ConversionRequest struct {
	VoiceID  string
	ModelID  string
	Filename string
	Audio    io.Reader
}

// Audio is a successful upstream audio response. Callers must close Body.
type Audio struct {
	Body        io.ReadCloser
	ContentType string
}

// Fixed voice settings for every synthesis call.
var voiceSettings = map[string]any{
	"stability":        0.4,
	"similarity_boost": 0.7,
}

func NewClient(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.DefaultModel = NormalizeTTSModel(cfg.DefaultModel, DefaultTTSModel)
	cfg.S2SModel = NormalizeS2SModel(cfg.S2SModel, DefaultS2SModel)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	// Timeout bounds the wait for response headers only. Audio bodies are
	// streamed to the caller and may take longer than that to arrive.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.Timeout
	return &Client{
		cfg:  cfg,
		http: &http.Client{Transport: transport},
	}
}

// Configured reports whether a credential is available.
func (c *Client) Configured() bool {
	return c != nil && c.cfg.APIKey != ""
}

func (c *Client) DefaultVoiceID() string { return c.cfg.DefaultVoiceID }

func (c *Client) DefaultModel() string { return c.cfg.DefaultModel }

// Normalize fills in the default voice and replaces a missing or unsupported model.
func (c *Client) Normalize(req SynthesisRequest) SynthesisRequest {
	req.VoiceID = strings.TrimSpace(req.VoiceID)
	if req.VoiceID == "" {
		req.VoiceID = c.cfg.DefaultVoiceID
	}
	req.ModelID = NormalizeTTSModel(req.ModelID, c.cfg.DefaultModel)
	return req
}

// Synthesize performs one text-to-speech call and returns the audio stream.
func (c *Client) Synthesize(ctx context.Context, req SynthesisRequest) (*Audio, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	req = c.Normalize(req)
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("text is required")
	}

	u, err := url.Parse(c.cfg.BaseURL + "/v1/text-to-speech/" + url.PathEscape(req.VoiceID))
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("optimize_streaming_latency", "2")
	u.RawQuery = q.Encode()

	payload, err := json.Marshal(map[string]any{
		"text":           req.Text,
		"model_id":       req.ModelID,
		"voice_settings": voiceSettings,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create tts request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", c.cfg.APIKey)
	httpReq.Header.Set("Accept", "audio/mpeg")
	httpReq.Header.Set("Content-Type", "application/json")

	return c.doAudio(httpReq, "tts")
}

// ConvertSpeech forwards an uploaded recording to the speech-to-speech endpoint.
func (c *Client) ConvertSpeech(ctx context.Context, req ConversionRequest) (*Audio, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	if req.Audio == nil {
		return nil, fmt.Errorf("audio is required")
	}
	voiceID := strings.TrimSpace(req.VoiceID)
	if voiceID == "" {
		voiceID = c.cfg.DefaultVoiceID
	}
	modelID := NormalizeS2SModel(req.ModelID, c.cfg.S2SModel)
	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		filename = "audio.webm"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("audio", filename)
	if err != nil {
		return nil, fmt.Errorf("create audio part: %w", err)
	}
	if _, err := io.Copy(part, req.Audio); err != nil {
		return nil, fmt.Errorf("copy audio part: %w", err)
	}
	if err := mw.WriteField("model_id", modelID); err != nil {
		return nil, fmt.Errorf("write model_id: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	u := c.cfg.BaseURL + "/v1/speech-to-speech/" + url.PathEscape(voiceID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &body)
	if err != nil {
		return nil, fmt.Errorf("create s2s request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", c.cfg.APIKey)
	httpReq.Header.Set("Accept", "audio/mpeg")
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	return c.doAudio(httpReq, "s2s")
}

// ListVoices fetches the voice catalog and projects each entry to {id, name, category}.
func (c *Client) ListVoices(ctx context.Context) ([]Voice, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	// The catalog is read fully here, so the whole exchange gets the timeout.
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("create voices request: %w", err)
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs voices request: %w", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 2<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &UpstreamError{Op: "voices", Status: res.StatusCode, ContentType: res.Header.Get("Content-Type"), Body: body}
	}

	var parsed struct {
		Voices []struct {
			VoiceID  string `json:"voice_id"`
			Name     string `json:"name"`
			Category string `json:"category"`
		} `json:"voices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode voices: %w", err)
	}

	out := make([]Voice, 0, len(parsed.Voices))
	for _, v := range parsed.Voices {
		out = append(out, Voice{
			ID:       strings.TrimSpace(v.VoiceID),
			Name:     strings.TrimSpace(v.Name),
			Category: strings.TrimSpace(v.Category),
		})
	}
	return out, nil
}

func (c *Client) doAudio(req *http.Request, op string) (*Audio, error) {
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs %s request: %w", op, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer res.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
		return nil, &UpstreamError{Op: op, Status: res.StatusCode, ContentType: res.Header.Get("Content-Type"), Body: body}
	}
	return &Audio{Body: res.Body, ContentType: "audio/mpeg"}, nil
}
