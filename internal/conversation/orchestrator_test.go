package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/ent0n29/voiceenroll/internal/prefs"
	"github.com/ent0n29/voiceenroll/internal/protocol"
	"github.com/ent0n29/voiceenroll/internal/provider"
	"github.com/ent0n29/voiceenroll/internal/reply"
	"github.com/ent0n29/voiceenroll/internal/session"
	"github.com/ent0n29/voiceenroll/internal/stage"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *session.Manager, prefs.Store) {
	t.Helper()
	sessions := session.NewManager(time.Minute)
	store := prefs.NewInMemoryStore()
	o := NewOrchestrator(Dependencies{
		Rules:        stage.Rules{},
		Timings:      testTimings(),
		DefaultVoice: prefs.VoiceSelection{VoiceID: "default-voice", Model: provider.DefaultTTSModel},
		Sessions:     sessions,
		Prefs:        store,
	})
	t.Cleanup(func() { o.Close(context.Background()) })
	return o, sessions, store
}

func readUntil(t *testing.T, outbound <-chan any, match func(any) bool) any {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-outbound:
			if match(msg) {
				return msg
			}
		case <-timeout:
			t.Fatalf("timed out waiting for outbound message")
			return nil
		}
	}
}

func TestRunConnectionRunsTurnFromUserText(t *testing.T) {
	o, sessions, _ := newTestOrchestrator(t)
	s := sessions.Create("client-1", "", "")

	inbound := make(chan any, 4)
	outbound := make(chan any, 64)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.RunConnection(ctx, s, inbound, outbound) }()

	readUntil(t, outbound, func(m any) bool {
		ev, ok := m.(protocol.SystemEvent)
		return ok && ev.Code == "session_ready"
	})

	inbound <- protocol.UserText{Type: protocol.TypeUserText, Text: "Hi Maya"}
	got := readUntil(t, outbound, func(m any) bool {
		ev, ok := m.(protocol.MessageAppended)
		return ok && ev.Role == "agent"
	}).(protocol.MessageAppended)
	if got.Text != reply.DefaultText || got.SessionID != s.ID {
		t.Fatalf("agent message = %+v", got)
	}

	inbound <- protocol.UserText{Type: protocol.TypeUserText, Text: "   "}
	errEv := readUntil(t, outbound, func(m any) bool {
		_, ok := m.(protocol.ErrorEvent)
		return ok
	}).(protocol.ErrorEvent)
	if errEv.Code != "empty_message" {
		t.Fatalf("error code = %q, want empty_message", errEv.Code)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("RunConnection did not return after cancel")
	}

	// The conversation survives the connection.
	conv, ok := o.Get(s.ID)
	if !ok {
		t.Fatalf("conversation dropped after disconnect")
	}
	if n := len(conv.Snapshot().Messages); n != 2 {
		t.Fatalf("messages = %d, want 2", n)
	}
	waitFor(t, "turn recorded on session", func() bool {
		got, err := sessions.Get(s.ID)
		return err == nil && got.TurnCount == 1 && got.ActiveTurnID == ""
	})
}

func TestVoiceSelectNormalizesAndPersists(t *testing.T) {
	o, sessions, store := newTestOrchestrator(t)
	s := sessions.Create("client-2", "", "")

	inbound := make(chan any, 4)
	outbound := make(chan any, 64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.RunConnection(ctx, s, inbound, outbound) }()

	inbound <- protocol.VoiceSelect{Type: protocol.TypeVoiceSelect, VoiceID: "laila", Model: "made-up-model"}
	inbound <- protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionToggleMute}
	readUntil(t, outbound, func(m any) bool {
		st, ok := m.(protocol.StateChanged)
		return ok && st.Muted
	})

	conv, _ := o.Get(s.ID)
	want := prefs.VoiceSelection{VoiceID: "laila", Model: provider.DefaultTTSModel}
	if got := conv.Voice(); got != want {
		t.Fatalf("Voice() = %+v, want %+v", got, want)
	}
	p, err := store.Get(context.Background(), "client-2")
	if err != nil {
		t.Fatalf("prefs Get() error = %v", err)
	}
	if p.Voice != want {
		t.Fatalf("stored voice = %+v, want %+v", p.Voice, want)
	}
	cur, _ := sessions.Get(s.ID)
	if cur.VoiceID != "laila" || cur.VoiceModel != provider.DefaultTTSModel {
		t.Fatalf("session voice = %q/%q", cur.VoiceID, cur.VoiceModel)
	}
}

func TestEndSessionClosesConversationAndSavesVoice(t *testing.T) {
	o, sessions, store := newTestOrchestrator(t)
	s := sessions.Create("client-3", "v9", provider.DefaultTTSModel)
	conv := o.Open(s)

	o.EndSession(context.Background(), s.ID)

	if _, ok := o.Get(s.ID); ok {
		t.Fatalf("conversation still registered after EndSession")
	}
	if err := conv.SendMessage(context.Background(), "hello", false); err != ErrClosed {
		t.Fatalf("SendMessage() after end error = %v, want ErrClosed", err)
	}
	p, _ := store.Get(context.Background(), "client-3")
	if p.Voice.VoiceID != "v9" {
		t.Fatalf("stored voice = %+v", p.Voice)
	}
}

func TestToggleListeningWhileBusyIsReported(t *testing.T) {
	release := make(chan struct{})
	sessions := session.NewManager(time.Minute)
	o := NewOrchestrator(Dependencies{
		Reply:    blockingReply{release: release},
		Rules:    stage.Rules{},
		Timings:  testTimings(),
		Sessions: sessions,
	})
	defer o.Close(context.Background())
	defer close(release)
	s := sessions.Create("", "", "")

	inbound := make(chan any, 4)
	outbound := make(chan any, 64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.RunConnection(ctx, s, inbound, outbound) }()

	inbound <- protocol.UserText{Type: protocol.TypeUserText, Text: "question"}
	readUntil(t, outbound, func(m any) bool {
		st, ok := m.(protocol.StateChanged)
		return ok && st.Processing
	})
	inbound <- protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionToggleListening}
	readUntil(t, outbound, func(m any) bool {
		ev, ok := m.(protocol.SystemEvent)
		return ok && ev.Code == "listening_rejected"
	})
}
