package prefs

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// Stored keys, matching what the browser used to keep in localStorage.
const (
	KeyVoiceID         = "voice_id"
	KeyVoiceModel      = "voice_model"
	KeyFirstLoginShown = "firstLoginShown"
)

var ErrInvalidClientID = errors.New("client id is required")

// VoiceSelection is the user's chosen synthesized voice.
type VoiceSelection struct {
	VoiceID string `json:"voice_id"`
	Model   string `json:"voice_model"`
}

// Prefs is everything remembered about one browser client.
type Prefs struct {
	ClientID        string         `json:"client_id"`
	Voice           VoiceSelection `json:"voice"`
	FirstLoginShown bool           `json:"first_login_shown"`
}

// Store persists per-client preferences. Get on an unknown client returns zero Prefs.
type Store interface {
	Get(ctx context.Context, clientID string) (Prefs, error)
	SaveVoice(ctx context.Context, clientID string, voice VoiceSelection) error
	MarkGreetingShown(ctx context.Context, clientID string) error
	Close() error
}

func validClientID(clientID string) (string, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" || len(clientID) > 128 {
		return "", ErrInvalidClientID
	}
	return clientID, nil
}

// fromValues builds Prefs from key/value rows.
func fromValues(clientID string, values map[string]string) Prefs {
	p := Prefs{ClientID: clientID}
	p.Voice.VoiceID = values[KeyVoiceID]
	p.Voice.Model = values[KeyVoiceModel]
	p.FirstLoginShown, _ = strconv.ParseBool(values[KeyFirstLoginShown])
	return p
}

// voiceValues returns the rows to upsert for a voice selection; empty fields are skipped.
func voiceValues(voice VoiceSelection) map[string]string {
	out := make(map[string]string, 2)
	if v := strings.TrimSpace(voice.VoiceID); v != "" {
		out[KeyVoiceID] = v
	}
	if v := strings.TrimSpace(voice.Model); v != "" {
		out[KeyVoiceModel] = v
	}
	return out
}
