package prefs

import (
	"context"
	"errors"
	"testing"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	p, err := s.Get(ctx, "client-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.Voice != (VoiceSelection{}) || p.FirstLoginShown {
		t.Fatalf("fresh prefs = %+v, want zero", p)
	}

	if err := s.SaveVoice(ctx, "client-1", VoiceSelection{VoiceID: "voice-a", Model: "eleven_turbo_v2"}); err != nil {
		t.Fatalf("SaveVoice() error = %v", err)
	}
	if err := s.SaveVoice(ctx, "client-1", VoiceSelection{VoiceID: "voice-b"}); err != nil {
		t.Fatalf("SaveVoice() second error = %v", err)
	}
	if err := s.MarkGreetingShown(ctx, "client-1"); err != nil {
		t.Fatalf("MarkGreetingShown() error = %v", err)
	}

	p, err = s.Get(ctx, "client-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.Voice.VoiceID != "voice-b" || p.Voice.Model != "eleven_turbo_v2" {
		t.Fatalf("voice = %+v, want voice-b/eleven_turbo_v2", p.Voice)
	}
	if !p.FirstLoginShown {
		t.Fatalf("FirstLoginShown = false after MarkGreetingShown")
	}

	other, err := s.Get(ctx, "client-2")
	if err != nil {
		t.Fatalf("Get(other) error = %v", err)
	}
	if other.Voice.VoiceID != "" {
		t.Fatalf("prefs leaked across clients: %+v", other)
	}

	if _, err := s.Get(ctx, "  "); !errors.Is(err, ErrInvalidClientID) {
		t.Fatalf("Get(blank) error = %v, want ErrInvalidClientID", err)
	}
}

func TestInMemoryStoreRoundTrip(t *testing.T) {
	exerciseStore(t, NewInMemoryStore())
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s, err := NewSQLiteStore(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestNewStoreDefaultsToMemory(t *testing.T) {
	s, err := NewStore(context.Background(), "", "")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("NewStore() = %T, want *InMemoryStore", s)
	}
}
