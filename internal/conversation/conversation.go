// Package conversation drives one enrollment conversation: user turns, agent
// replies, speech, listening, and the stage side effects the browser renders.
package conversation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/voiceenroll/internal/effects"
	"github.com/ent0n29/voiceenroll/internal/observability"
	"github.com/ent0n29/voiceenroll/internal/policy"
	"github.com/ent0n29/voiceenroll/internal/prefs"
	"github.com/ent0n29/voiceenroll/internal/protocol"
	"github.com/ent0n29/voiceenroll/internal/reliability"
	"github.com/ent0n29/voiceenroll/internal/reply"
	"github.com/ent0n29/voiceenroll/internal/speech"
	"github.com/ent0n29/voiceenroll/internal/stage"
)

const historyLimit = 20

// Config wires a Conversation. Output is the preferred synthesizer; Fallback,
// when set, takes over after an Output failure.
type Config struct {
	SessionID string
	Voice     prefs.VoiceSelection
	Reply     reply.Generator
	Output    speech.Output
	Fallback  speech.Output
	Capture   speech.Capture
	Rules     stage.Rules
	Timings   Timings
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	// TurnHook, when set, is called with done=false as a turn is accepted and
	// with done=true once it has finished.
	TurnHook func(turnID string, done bool)
}

type Conversation struct {
	id          string
	reply       reply.Generator
	output      speech.Output
	hasFallback bool
	capture     speech.Capture
	stages      *stage.Controller
	effects     *effects.Scheduler
	timings     Timings
	metrics     *observability.Metrics
	logger      *slog.Logger
	turnHook    func(turnID string, done bool)

	ctx    context.Context
	cancel context.CancelFunc
	turns  sync.WaitGroup

	emitMu     sync.Mutex
	sink       Sink
	sinkGen    uint64
	sinkClosed bool

	mu             sync.Mutex
	messages       []Message
	activity       Activity
	muted          bool
	partial        *string
	interacted     bool
	inFlight       bool
	completedTurns int
	voice          prefs.VoiceSelection
	captureHandle  speech.CaptureHandle
	speaking       speech.SpeechHandle
	closed         bool
}

func New(cfg Config) *Conversation {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.Logger()
	}
	gen := cfg.Reply
	if gen == nil {
		gen = reply.TemplateGenerator{Text: reply.DefaultText}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conversation{
		id:       cfg.SessionID,
		reply:    gen,
		capture:  cfg.Capture,
		stages:   stage.NewController(cfg.Rules),
		effects:  effects.NewScheduler(),
		timings:  cfg.Timings,
		metrics:  cfg.Metrics,
		logger:   logger.With("session_id", cfg.SessionID),
		turnHook: cfg.TurnHook,
		ctx:      ctx,
		cancel:   cancel,
		activity: ActivityIdle,
		voice:    cfg.Voice,
	}
	c.output = cfg.Output
	if cfg.Fallback != nil {
		c.hasFallback = true
		c.output = &speech.FallbackOutput{
			Primary:    cfg.Output,
			Secondary:  cfg.Fallback,
			OnFallback: c.onSpeechFallback,
		}
	}
	return c
}

func (c *Conversation) ID() string { return c.id }

// Attach routes future events to sink and replays the current state to it.
// The returned func detaches the sink unless a newer one has been attached.
func (c *Conversation) Attach(sink Sink) (detach func()) {
	c.emitMu.Lock()
	if c.sinkClosed {
		c.emitMu.Unlock()
		return func() {}
	}
	c.sinkGen++
	gen := c.sinkGen
	c.sink = sink
	c.emitMu.Unlock()

	cur := c.stages.Current()
	c.emit(protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: c.id,
		Code:      "session_ready",
		Detail:    fmt.Sprintf("stage=%d", cur),
	})
	c.mu.Lock()
	state := c.stateEventLocked()
	c.mu.Unlock()
	c.emit(state)

	return func() {
		c.emitMu.Lock()
		defer c.emitMu.Unlock()
		if c.sinkGen == gen {
			c.sink = nil
		}
	}
}

// SendMessage runs one full turn and returns when the agent has finished speaking.
func (c *Conversation) SendMessage(ctx context.Context, text string, isTranscript bool) error {
	run, err := c.beginTurn(text, isTranscript)
	if err != nil {
		return err
	}
	run(ctx)
	return nil
}

// SubmitAsync validates and starts a turn, then runs it in the background.
// Validation errors are returned synchronously.
func (c *Conversation) SubmitAsync(ctx context.Context, text string, isTranscript bool) error {
	run, err := c.beginTurn(text, isTranscript)
	if err != nil {
		return err
	}
	c.turns.Add(1)
	go func() {
		defer c.turns.Done()
		run(ctx)
	}()
	return nil
}

// Wait blocks until every background turn has returned.
func (c *Conversation) Wait() {
	c.turns.Wait()
}

func (c *Conversation) beginTurn(text string, isTranscript bool) (func(ctx context.Context), error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.inFlight {
		c.mu.Unlock()
		c.turnEvent("rejected_in_flight")
		return nil, ErrTurnInFlight
	}
	c.inFlight = true
	c.interacted = true
	if c.activity == ActivityListening {
		c.stopListeningLocked()
	}
	userMsg := c.appendLocked(RoleUser, text, isTranscript)
	c.activity = ActivityThinking
	req := reply.Request{
		SessionID: c.id,
		InputText: text,
		History:   c.historyLocked(),
	}
	voice := c.voice
	state := c.stateEventLocked()
	c.mu.Unlock()

	c.emit(messageEvent(c.id, userMsg))
	c.emit(state)

	turnID := uuid.NewString()
	if c.turnHook != nil {
		c.turnHook(turnID, false)
	}
	return func(ctx context.Context) {
		if c.turnHook != nil {
			defer c.turnHook(turnID, true)
		}
		c.runTurn(ctx, req, voice, isTranscript)
	}, nil
}

func (c *Conversation) runTurn(ctx context.Context, req reply.Request, voice prefs.VoiceSelection, isTranscript bool) {
	turnCtx, cancel := context.WithCancel(c.ctx)
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	defer cancel()

	start := time.Now()
	completed := false
	defer func() { c.finishTurn(start, completed) }()

	p := stage.Lookup(c.stages.Current())
	req.Stage = p.Stage
	req.StageTitle = p.Title
	req.SystemPersona = p.SystemPersona

	c.turnEvent("started")
	c.logger.Info("turn started",
		"stage", p.Stage,
		"transcript", isTranscript,
		"text", policy.Redact(req.InputText),
	)

	agentText, ok := c.generateReply(turnCtx, req)
	if !ok {
		return
	}

	c.mu.Lock()
	agentMsg := c.appendLocked(RoleAgent, agentText, false)
	c.activity = ActivitySpeaking
	muted := c.muted
	state := c.stateEventLocked()
	c.mu.Unlock()
	c.emit(messageEvent(c.id, agentMsg))
	c.emit(state)

	if !muted {
		c.speak(turnCtx, agentMsg, voice)
	}
	completed = turnCtx.Err() == nil
}

// finishTurn always clears the activity, then counts the turn, applies any stage
// advance, and only then releases the in-flight guard.
func (c *Conversation) finishTurn(start time.Time, completed bool) {
	c.mu.Lock()
	if c.closed {
		c.inFlight = false
		c.mu.Unlock()
		return
	}
	c.activity = ActivityIdle
	if completed {
		c.completedTurns++
	}
	n := c.completedTurns
	state := c.stateEventLocked()
	c.mu.Unlock()
	c.emit(state)

	if completed {
		c.metrics.ObserveTurnPhase("turn_total", c.stages.Current(), time.Since(start))
		c.turnEvent("completed")
		if tr, ok := c.stages.AdvanceIfEligible(n); ok {
			c.applyTransition(tr)
		}
	} else {
		c.turnEvent("abandoned")
	}

	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()
}

func (c *Conversation) generateReply(ctx context.Context, req reply.Request) (string, bool) {
	if d := c.timings.ReplyLatency; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", false
		case <-t.C:
		}
	}

	start := time.Now()
	text, err := c.reply.GenerateReply(ctx, req)
	c.metrics.ObserveTurnPhase("reply", req.Stage, time.Since(start))
	if ctx.Err() != nil {
		return "", false
	}
	text = strings.TrimSpace(text)
	if err == nil && text != "" {
		return text, true
	}

	if err == nil {
		err = reply.ErrEmptyReply
	}
	code, retryable := reliability.Classify(err)
	c.logger.Warn("reply generation failed; using template", "code", code, "error", err)
	c.turnEvent("reply_fallback")
	c.emit(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.id,
		Code:      code,
		Source:    "reply",
		Retryable: retryable,
		Detail:    err.Error(),
	})
	return reply.DefaultText, true
}

func (c *Conversation) speak(ctx context.Context, msg Message, voice prefs.VoiceSelection) {
	if c.output == nil {
		c.logger.Debug("no speech output configured; skipping")
		return
	}
	if !c.output.Supported() {
		c.speechFailed(speech.ErrOutputUnavailable, true)
		return
	}
	start := time.Now()
	h, err := c.output.Speak(ctx, speech.Utterance{
		MessageID: msg.ID,
		Text:      msg.Text,
		VoiceID:   voice.VoiceID,
		Model:     voice.Model,
	}, c)
	if err != nil {
		c.reportSpeechError(err)
		return
	}

	c.mu.Lock()
	c.speaking = h
	c.mu.Unlock()

	err = h.Wait(ctx)
	h.Stop()

	c.mu.Lock()
	if c.speaking == h {
		c.speaking = nil
	}
	c.mu.Unlock()

	c.metrics.ObserveTurnPhase("speech", c.stages.Current(), time.Since(start))
	if err != nil && ctx.Err() == nil {
		c.reportSpeechError(err)
	}
}

func (c *Conversation) reportSpeechError(err error) {
	if errors.Is(err, speech.ErrPlaybackBlocked) {
		c.logger.Info("audio playback blocked until the user interacts")
		c.emit(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: c.id, Code: "playback_blocked"})
		return
	}
	c.speechFailed(err, !c.hasFallback)
}

// speechFailed logs a synthesis failure and reports it to the client. The toast
// is left out when a fallback voice already announced the failure.
func (c *Conversation) speechFailed(err error, toast bool) {
	code, retryable := speechErrorCode(err)
	c.logger.Warn("speech failed", "code", code, "error", err)
	c.emitSpeechFailure(err, code, retryable, toast)
}

func (c *Conversation) emitSpeechFailure(err error, code string, retryable, toast bool) {
	if toast {
		c.emit(protocol.Toast{
			Type:        protocol.TypeToast,
			SessionID:   c.id,
			Title:       "TTS failed",
			Description: err.Error(),
			Variant:     "destructive",
		})
	}
	c.emit(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.id,
		Code:      code,
		Source:    "tts",
		Retryable: retryable,
		Detail:    err.Error(),
	})
}

func speechErrorCode(err error) (string, bool) {
	if errors.Is(err, speech.ErrOutputUnavailable) {
		return "tts_unavailable", false
	}
	return reliability.Classify(err)
}

// onSpeechFallback reports a primary synthesis failure and decides whether the
// fallback voice may speak.
func (c *Conversation) onSpeechFallback(err error) bool {
	code, retryable := speechErrorCode(err)
	c.logger.Warn("tts failed; trying local fallback", "code", code, "error", err)
	c.turnEvent("tts_fallback")
	c.metrics.ObserveTurnIndicator("tts_fallback")
	if c.metrics != nil {
		c.metrics.ProviderErrors.WithLabelValues("elevenlabs", code).Inc()
	}
	c.emitSpeechFailure(err, code, retryable, true)

	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.muted && c.interacted && !c.closed
}

// PlayAudio delivers synthesized audio to the attached client.
func (c *Conversation) PlayAudio(ctx context.Context, clip speech.Clip) error {
	c.mu.Lock()
	interacted, closed := c.interacted, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !interacted {
		return speech.ErrPlaybackBlocked
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.emit(protocol.AssistantAudio{
		Type:        protocol.TypeAssistantAudio,
		SessionID:   c.id,
		MessageID:   clip.MessageID,
		Seq:         clip.Seq,
		Format:      clip.Format,
		Source:      clip.Source,
		AudioBase64: base64.StdEncoding.EncodeToString(clip.Data),
	})
	return nil
}

// ToggleListening starts capture when idle and stops it when listening.
// It is rejected while the agent is thinking or speaking.
func (c *Conversation) ToggleListening(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.interacted = true
	switch c.activity {
	case ActivityListening:
		c.stopListeningLocked()
		state := c.stateEventLocked()
		c.mu.Unlock()
		c.emit(state)
		return nil
	case ActivityThinking, ActivitySpeaking:
		c.mu.Unlock()
		return ErrBusy
	}
	if c.inFlight {
		c.mu.Unlock()
		return ErrBusy
	}
	if c.capture == nil || !c.capture.Supported() {
		c.mu.Unlock()
		c.captureUnavailable(speech.ErrCaptureUnavailable)
		return nil
	}
	h, err := c.capture.Start(ctx, speech.Callbacks{
		OnPartial: c.onPartial,
		OnFinal:   c.onFinal,
	})
	if err != nil {
		c.mu.Unlock()
		c.captureUnavailable(err)
		return nil
	}
	c.captureHandle = h
	c.activity = ActivityListening
	empty := ""
	c.partial = &empty
	state := c.stateEventLocked()
	c.mu.Unlock()
	c.emit(state)
	return nil
}

func (c *Conversation) captureUnavailable(err error) {
	c.logger.Warn("speech capture not supported; listening ignored", "error", err)
	c.emit(protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: c.id,
		Code:      "capture_unavailable",
		Detail:    err.Error(),
	})
}

// StopListening ends capture. Calling it when not listening does nothing.
func (c *Conversation) StopListening() {
	c.mu.Lock()
	if c.activity != ActivityListening {
		c.mu.Unlock()
		return
	}
	c.stopListeningLocked()
	state := c.stateEventLocked()
	c.mu.Unlock()
	c.emit(state)
}

func (c *Conversation) stopListeningLocked() {
	if c.captureHandle != nil {
		c.captureHandle.Stop()
		c.captureHandle = nil
	}
	c.partial = nil
	c.activity = ActivityIdle
}

func (c *Conversation) onPartial(text string) {
	c.mu.Lock()
	if c.activity != ActivityListening {
		c.mu.Unlock()
		return
	}
	c.partial = &text
	state := c.stateEventLocked()
	c.mu.Unlock()
	c.emit(state)
}

func (c *Conversation) onFinal(text string) {
	c.mu.Lock()
	if c.activity != ActivityListening {
		c.mu.Unlock()
		return
	}
	c.captureHandle = nil
	c.partial = nil
	c.activity = ActivityIdle
	state := c.stateEventLocked()
	c.mu.Unlock()
	c.emit(state)

	if strings.TrimSpace(text) == "" {
		return
	}
	if err := c.SubmitAsync(c.ctx, text, true); err != nil {
		c.logger.Warn("transcript not submitted", "error", err)
	}
}

// ToggleMute flips the mute flag. Audio already sent keeps playing.
func (c *Conversation) ToggleMute() bool {
	c.mu.Lock()
	c.muted = !c.muted
	muted := c.muted
	state := c.stateEventLocked()
	c.mu.Unlock()
	c.emit(state)
	return muted
}

// TalkToHuman appends the hand-off notice.
func (c *Conversation) TalkToHuman() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.interacted = true
	msg := c.appendLocked(RoleAgent, HandOffText, false)
	c.mu.Unlock()
	c.turnEvent("talk_to_human")
	c.emit(messageEvent(c.id, msg))
}

// MarkInteracted records a user gesture, which unlocks audio playback.
func (c *Conversation) MarkInteracted() {
	c.mu.Lock()
	c.interacted = true
	c.mu.Unlock()
}

// PlaybackBlocked records that the client refused to autoplay audio.
func (c *Conversation) PlaybackBlocked() {
	c.mu.Lock()
	c.interacted = false
	c.mu.Unlock()
	c.metrics.ObserveTurnIndicator("playback_blocked")
	c.logger.Info("client reported blocked playback")
}

func (c *Conversation) SetVoice(v prefs.VoiceSelection) {
	c.mu.Lock()
	c.voice = v
	c.mu.Unlock()
}

func (c *Conversation) Voice() prefs.VoiceSelection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voice
}

// NextStage and PrevStage are the manual stage tester controls.
func (c *Conversation) NextStage() bool {
	if c.isClosed() {
		return false
	}
	tr, ok := c.stages.Next()
	if ok {
		c.applyTransition(tr)
	}
	return ok
}

func (c *Conversation) PrevStage() bool {
	if c.isClosed() {
		return false
	}
	tr, ok := c.stages.Prev()
	if ok {
		c.applyTransition(tr)
	}
	return ok
}

func (c *Conversation) Stage() int { return c.stages.Current() }

func (c *Conversation) applyTransition(tr stage.Transition) {
	p := stage.Lookup(tr.To)
	kind := "auto"
	if tr.Manual {
		kind = "manual"
	}
	if c.metrics != nil {
		c.metrics.StageTransitions.WithLabelValues(kind, strconv.Itoa(tr.To)).Inc()
	}
	c.logger.Info("stage changed", "from", tr.From, "to", tr.To, "kind", kind)
	c.emit(protocol.StageChanged{
		Type:      protocol.TypeStageChanged,
		SessionID: c.id,
		From:      tr.From,
		To:        tr.To,
		Title:     p.Title,
		Total:     stage.Total,
		Manual:    tr.Manual,
	})
	if !tr.Increased() {
		return
	}

	c.emit(protocol.Celebration{Type: protocol.TypeCelebration, SessionID: c.id, Active: true})
	c.effects.After(c.timings.Celebration, func() {
		c.emit(protocol.Celebration{Type: protocol.TypeCelebration, SessionID: c.id, Active: false})
	})
	c.emit(protocol.Toast{
		Type:        protocol.TypeToast,
		SessionID:   c.id,
		Title:       fmt.Sprintf("Stage %d completed!", tr.From),
		Description: "Unlocked: " + p.Title,
	})
	to := tr.To
	c.effects.After(c.timings.IntroDelay, func() { c.introduce(to) })
	if p.Promo {
		c.emit(protocol.Promo{Type: protocol.TypePromo, SessionID: c.id, Open: true, Stage: to})
		c.effects.After(c.timings.PromoDuration, func() {
			c.emit(protocol.Promo{Type: protocol.TypePromo, SessionID: c.id, Open: false, Stage: to})
		})
	}
}

// introduce appends the stage intro and speaks it when the user has interacted,
// audio is not muted, and nothing else is going on.
func (c *Conversation) introduce(stageNum int) {
	p := stage.Lookup(stageNum)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	msg := c.appendLocked(RoleAgent, p.SpokenIntro, false)
	spoken := c.interacted && !c.muted && !c.inFlight && c.activity == ActivityIdle &&
		c.output != nil && c.output.Supported()
	if spoken {
		c.inFlight = true
		c.activity = ActivitySpeaking
	}
	voice := c.voice
	state := c.stateEventLocked()
	c.mu.Unlock()

	c.emit(messageEvent(c.id, msg))
	c.emit(protocol.StageIntro{
		Type:      protocol.TypeStageIntro,
		SessionID: c.id,
		Stage:     p.Stage,
		MessageID: msg.ID,
		Spoken:    spoken,
	})
	if !spoken {
		return
	}

	c.emit(state)
	c.speak(c.ctx, msg, voice)

	c.mu.Lock()
	c.inFlight = false
	closed := c.closed
	if !closed {
		c.activity = ActivityIdle
	}
	state = c.stateEventLocked()
	c.mu.Unlock()
	if !closed {
		c.emit(state)
	}
}

// Snapshot returns a copy of the conversation state.
func (c *Conversation) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := make([]Message, len(c.messages))
	copy(msgs, c.messages)
	var partial *string
	if c.partial != nil {
		p := *c.partial
		partial = &p
	}
	return State{
		Messages:          msgs,
		Activity:          c.activity,
		Muted:             c.muted,
		PartialTranscript: partial,
		Stage:             c.stages.Current(),
		Interacted:        c.interacted,
		CompletedTurns:    c.completedTurns,
	}
}

// Close cancels pending side effects, capture, and speech. Nothing is emitted afterwards.
func (c *Conversation) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.captureHandle != nil {
		c.captureHandle.Stop()
		c.captureHandle = nil
	}
	sp := c.speaking
	c.speaking = nil
	c.activity = ActivityIdle
	c.partial = nil
	c.mu.Unlock()

	c.emitMu.Lock()
	c.sinkClosed = true
	c.sink = nil
	c.emitMu.Unlock()

	c.effects.Flush()
	c.cancel()
	if sp != nil {
		sp.Stop()
	}
}

func (c *Conversation) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conversation) emit(msg any) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.sink == nil {
		return
	}
	c.sink.Emit(msg)
}

func (c *Conversation) turnEvent(event string) {
	if c.metrics == nil {
		return
	}
	c.metrics.TurnEvents.WithLabelValues(event).Inc()
}

func (c *Conversation) appendLocked(role Role, text string, isTranscript bool) Message {
	msg := Message{
		ID:           uuid.NewString(),
		Role:         role,
		Text:         text,
		CreatedAt:    time.Now().UTC(),
		IsTranscript: isTranscript,
	}
	c.messages = append(c.messages, msg)
	return msg
}

func (c *Conversation) historyLocked() []reply.Turn {
	msgs := c.messages
	if len(msgs) > historyLimit {
		msgs = msgs[len(msgs)-historyLimit:]
	}
	out := make([]reply.Turn, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, reply.Turn{Role: string(m.Role), Text: m.Text})
	}
	return out
}

func (c *Conversation) stateEventLocked() protocol.StateChanged {
	var partial *string
	if c.partial != nil {
		p := *c.partial
		partial = &p
	}
	return protocol.StateChanged{
		Type:              protocol.TypeStateChanged,
		SessionID:         c.id,
		Activity:          string(c.activity),
		Processing:        c.activity == ActivityThinking,
		Listening:         c.activity == ActivityListening,
		Speaking:          c.activity == ActivitySpeaking,
		Muted:             c.muted,
		PartialTranscript: partial,
	}
}

func messageEvent(sessionID string, m Message) protocol.MessageAppended {
	return protocol.MessageAppended{
		Type:         protocol.TypeMessageAppended,
		SessionID:    sessionID,
		MessageID:    m.ID,
		Role:         string(m.Role),
		Text:         m.Text,
		IsTranscript: m.IsTranscript,
		CreatedAtMS:  m.CreatedAt.UnixMilli(),
	}
}
