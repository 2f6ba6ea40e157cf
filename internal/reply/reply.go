// Package reply produces the agent's answer to a user message.
package reply

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// DefaultText is the templated answer used when no reply backend is configured.
const DefaultText = "Thanks! I can help with program details, fees, and co‑applicant steps. What would you like to know next?"

// Turn is one prior message in the conversation history.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Request is the normalized reply request.
type Request struct {
	SessionID     string `json:"session_id"`
	Stage         int    `json:"stage"`
	StageTitle    string `json:"stage_title"`
	SystemPersona string `json:"system_prompt"`
	History       []Turn `json:"history,omitempty"`
	InputText     string `json:"input_text"`
}

// Generator turns a user message into agent text.
type Generator interface {
	GenerateReply(ctx context.Context, req Request) (string, error)
}

// TemplateGenerator always returns the same text.
type TemplateGenerator struct {
	Text string
}

func (g TemplateGenerator) GenerateReply(ctx context.Context, _ Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(g.Text) == "" {
		return DefaultText, nil
	}
	return g.Text, nil
}

// Config controls generator construction.
type Config struct {
	Mode    string
	HTTPURL string
}

func NewGenerator(cfg Config) (Generator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "", "template":
		return TemplateGenerator{Text: DefaultText}, nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("reply HTTP url is required for http mode")
		}
		return NewHTTPGenerator(cfg.HTTPURL), nil
	default:
		return nil, fmt.Errorf("unsupported reply mode %q", cfg.Mode)
	}
}
