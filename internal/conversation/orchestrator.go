package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/voiceenroll/internal/observability"
	"github.com/ent0n29/voiceenroll/internal/prefs"
	"github.com/ent0n29/voiceenroll/internal/protocol"
	"github.com/ent0n29/voiceenroll/internal/provider"
	"github.com/ent0n29/voiceenroll/internal/reply"
	"github.com/ent0n29/voiceenroll/internal/session"
	"github.com/ent0n29/voiceenroll/internal/speech"
	"github.com/ent0n29/voiceenroll/internal/stage"
)

// Dependencies are shared by every conversation the orchestrator opens.
type Dependencies struct {
	Reply        reply.Generator
	Output       speech.Output
	Fallback     speech.Output
	Rules        stage.Rules
	Timings      Timings
	DefaultVoice prefs.VoiceSelection
	Sessions     *session.Manager
	Prefs        prefs.Store
	Metrics      *observability.Metrics
	Logger       *slog.Logger
}

// Orchestrator owns the live conversations, keyed by session id, and bridges
// websocket connections to them.
type Orchestrator struct {
	deps   Dependencies
	logger *slog.Logger

	mu    sync.Mutex
	convs map[string]*entry
}

type entry struct {
	conv    *Conversation
	capture *speech.ClientCapture
}

func NewOrchestrator(deps Dependencies) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = observability.Logger()
	}
	if deps.Timings == (Timings{}) {
		deps.Timings = DefaultTimings()
	}
	o := &Orchestrator{
		deps:   deps,
		logger: deps.Logger,
		convs:  make(map[string]*entry),
	}
	if deps.Sessions != nil {
		deps.Sessions.SetExpireHook(func(s *session.Session) {
			o.logger.Info("session expired", "session_id", s.ID)
			if deps.Metrics != nil {
				deps.Metrics.SessionEvents.WithLabelValues("expired").Inc()
			}
			o.EndSession(context.Background(), s.ID)
		})
	}
	return o
}

// Open returns the conversation for a session, creating it on first use.
func (o *Orchestrator) Open(s *session.Session) *Conversation {
	return o.open(s).conv
}

func (o *Orchestrator) open(s *session.Session) *entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.convs[s.ID]; ok {
		return e
	}
	capture := speech.NewClientCapture()
	conv := New(Config{
		SessionID: s.ID,
		Voice:     o.voiceFor(s.VoiceID, s.VoiceModel),
		Reply:     o.deps.Reply,
		Output:    o.deps.Output,
		Fallback:  o.deps.Fallback,
		Capture:   capture,
		Rules:     o.deps.Rules,
		Timings:   o.deps.Timings,
		Metrics:   o.deps.Metrics,
		Logger:    o.logger,
		TurnHook:  o.turnHook(s.ID),
	})
	e := &entry{conv: conv, capture: capture}
	o.convs[s.ID] = e
	if o.deps.Metrics != nil {
		o.deps.Metrics.ActiveSessions.Inc()
		o.deps.Metrics.SessionEvents.WithLabelValues("opened").Inc()
	}
	return e
}

// turnHook mirrors the conversation's active turn onto the session record.
func (o *Orchestrator) turnHook(sessionID string) func(string, bool) {
	sessions := o.deps.Sessions
	if sessions == nil {
		return nil
	}
	return func(turnID string, done bool) {
		var err error
		if done {
			err = sessions.FinishTurn(sessionID, turnID)
		} else {
			err = sessions.StartTurn(sessionID, turnID)
		}
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			o.logger.Warn("session turn bookkeeping failed", "session_id", sessionID, "error", err)
		}
	}
}

func (o *Orchestrator) Get(sessionID string) (*Conversation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.convs[sessionID]
	if !ok {
		return nil, false
	}
	return e.conv, true
}

func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.convs)
}

// EndSession closes the conversation and remembers the voice the user ended with.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) {
	o.mu.Lock()
	e, ok := o.convs[sessionID]
	delete(o.convs, sessionID)
	o.mu.Unlock()
	if !ok {
		return
	}

	voice := e.conv.Voice()
	e.conv.Close()
	if o.deps.Metrics != nil {
		o.deps.Metrics.ActiveSessions.Dec()
		o.deps.Metrics.SessionEvents.WithLabelValues("closed").Inc()
	}

	if o.deps.Sessions == nil || o.deps.Prefs == nil {
		return
	}
	s, err := o.deps.Sessions.Get(sessionID)
	if err != nil || s.ClientID == "" {
		return
	}
	if err := o.deps.Prefs.SaveVoice(ctx, s.ClientID, voice); err != nil {
		o.logger.Warn("persist voice preference failed", "session_id", sessionID, "error", err)
	}
}

// Close ends every open conversation.
func (o *Orchestrator) Close(ctx context.Context) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.convs))
	for id := range o.convs {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		o.EndSession(ctx, id)
	}
}

// RunConnection pumps one websocket connection. The conversation outlives the
// connection; a reconnect with the same session id resumes it.
func (o *Orchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	e := o.open(s)
	sink := &channelSink{metrics: o.deps.Metrics, outbound: outbound}
	detach := e.conv.Attach(sink)
	defer detach()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if o.deps.Sessions != nil {
				_ = o.deps.Sessions.Touch(s.ID)
			}
			o.dispatch(ctx, s, e, msg, sink)
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, s *session.Session, e *entry, msg any, sink Sink) {
	conv := e.conv
	switch m := msg.(type) {
	case protocol.UserText:
		o.submit(s, conv, m.Text, false, sink)
	case protocol.STTPartial:
		e.capture.Partial(m.Text)
	case protocol.STTFinal:
		if !e.capture.Final(m.Text) {
			o.logger.Debug("final transcript without active capture dropped", "session_id", s.ID)
		}
	case protocol.VoiceSelect:
		o.selectVoice(ctx, s, conv, m)
	case protocol.ClientControl:
		o.control(s, e, m, sink)
	default:
		o.logger.Debug("unhandled inbound message", "session_id", s.ID)
	}
}

func (o *Orchestrator) submit(s *session.Session, conv *Conversation, text string, isTranscript bool, sink Sink) {
	// Turns run on the conversation's lifetime, not the connection's.
	err := conv.SubmitAsync(context.Background(), text, isTranscript)
	if err == nil {
		return
	}
	code := "turn_rejected"
	switch {
	case errors.Is(err, ErrEmptyMessage):
		code = "empty_message"
	case errors.Is(err, ErrTurnInFlight):
		code = "turn_in_flight"
	case errors.Is(err, ErrClosed):
		code = "session_closed"
	}
	sink.Emit(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: s.ID,
		Code:      code,
		Source:    "conversation",
		Retryable: errors.Is(err, ErrTurnInFlight),
		Detail:    err.Error(),
	})
}

func (o *Orchestrator) selectVoice(ctx context.Context, s *session.Session, conv *Conversation, m protocol.VoiceSelect) {
	sel := o.voiceFor(m.VoiceID, m.Model)
	conv.SetVoice(sel)
	if o.deps.Sessions != nil {
		_ = o.deps.Sessions.UpdateVoice(s.ID, sel.VoiceID, sel.Model)
	}
	if o.deps.Prefs != nil && s.ClientID != "" {
		if err := o.deps.Prefs.SaveVoice(ctx, s.ClientID, sel); err != nil {
			o.logger.Warn("save voice preference failed", "session_id", s.ID, "error", err)
		}
	}
}

func (o *Orchestrator) control(s *session.Session, e *entry, m protocol.ClientControl, sink Sink) {
	conv := e.conv
	switch m.Action {
	case protocol.ActionToggleListening:
		if err := conv.ToggleListening(context.Background()); err != nil {
			sink.Emit(protocol.SystemEvent{
				Type:      protocol.TypeSystemEvent,
				SessionID: s.ID,
				Code:      "listening_rejected",
				Detail:    err.Error(),
			})
		}
	case protocol.ActionStopListening:
		conv.StopListening()
	case protocol.ActionToggleMute:
		conv.ToggleMute()
	case protocol.ActionStageNext:
		conv.NextStage()
	case protocol.ActionStagePrev:
		conv.PrevStage()
	case protocol.ActionTalkToHuman:
		conv.TalkToHuman()
	case protocol.ActionInteracted:
		conv.MarkInteracted()
	case protocol.ActionPlaybackBlocked:
		conv.PlaybackBlocked()
	case protocol.ActionCaptureUnavailable:
		e.capture.SetSupported(false)
		conv.StopListening()
	case protocol.ActionCaptureAvailable:
		e.capture.SetSupported(true)
	}
}

// voiceFor fills in the default voice and normalizes the model against the allow-list.
func (o *Orchestrator) voiceFor(voiceID, model string) prefs.VoiceSelection {
	voiceID = strings.TrimSpace(voiceID)
	if voiceID == "" {
		voiceID = o.deps.DefaultVoice.VoiceID
	}
	return prefs.VoiceSelection{
		VoiceID: voiceID,
		Model:   provider.NormalizeTTSModel(model, o.deps.DefaultVoice.Model),
	}
}

// channelSink writes events to a connection's outbound queue. Events the UI
// cannot recover from get a bounded wait; cosmetic ones are dropped when full.
type channelSink struct {
	metrics  *observability.Metrics
	outbound chan<- any
}

const criticalSendTimeout = 600 * time.Millisecond

func (s *channelSink) Emit(msg any) {
	msgType, critical := outboundMessageMeta(msg)
	record := func(result string) {
		if s.metrics != nil {
			s.metrics.ObserveOutboundMessage(msgType, result)
		}
	}

	if !critical {
		select {
		case s.outbound <- msg:
			record("delivered")
		default:
			record("dropped")
			if s.metrics != nil {
				s.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
			}
		}
		return
	}

	timer := time.NewTimer(criticalSendTimeout)
	defer timer.Stop()
	select {
	case s.outbound <- msg:
		record("delivered")
	case <-timer.C:
		record("timeout")
		if s.metrics != nil {
			s.metrics.SessionEvents.WithLabelValues("outbound_timeout_critical").Inc()
		}
	}
}

func outboundMessageMeta(msg any) (msgType string, critical bool) {
	t := protocol.TypeOf(msg)
	switch t {
	case "":
		return "unknown", false
	case protocol.TypeCelebration, protocol.TypePromo:
		return string(t), false
	default:
		return string(t), true
	}
}
