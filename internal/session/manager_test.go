package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("client-1", "voice-a", "eleven_v3")
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ClientID != "client-1" || got.VoiceID != "voice-a" || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}
	if _, err := m.ActiveForClient("client-1"); err != nil {
		t.Fatalf("ActiveForClient() error = %v", err)
	}

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if _, err := m.ActiveForClient("client-1"); err != ErrNotFound {
		t.Fatalf("ActiveForClient() after End error = %v, want ErrNotFound", err)
	}
}

func TestManagerFinishTurnClearsMatchingTurn(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("client-1", "", "")
	if err := m.StartTurn(s.ID, "turn-1"); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if err := m.FinishTurn(s.ID, "turn-1"); err != nil {
		t.Fatalf("FinishTurn() error = %v", err)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ActiveTurnID != "" {
		t.Fatalf("ActiveTurnID = %q, want empty", got.ActiveTurnID)
	}
	if got.TurnCount != 1 {
		t.Fatalf("TurnCount = %d, want 1", got.TurnCount)
	}
}

func TestManagerUpdateVoice(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("client-1", "voice-a", "eleven_v3")
	if err := m.UpdateVoice(s.ID, "voice-b", "eleven_turbo_v2"); err != nil {
		t.Fatalf("UpdateVoice() error = %v", err)
	}
	got, _ := m.Get(s.ID)
	if got.VoiceID != "voice-b" || got.VoiceModel != "eleven_turbo_v2" {
		t.Fatalf("voice = %q/%q", got.VoiceID, got.VoiceModel)
	}
	if err := m.UpdateVoice("missing", "x", "y"); err != ErrNotFound {
		t.Fatalf("UpdateVoice(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s := m.Create("client-1", "", "")

	var expired atomic.Int32
	m.SetExpireHook(func(*Session) { expired.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(120 * time.Millisecond)
	if expired.Load() != 1 {
		t.Fatalf("expire hook calls = %d, want 1", expired.Load())
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
	_ = s
}
