package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voiceenroll/internal/config"
	"github.com/ent0n29/voiceenroll/internal/conversation"
	"github.com/ent0n29/voiceenroll/internal/observability"
	"github.com/ent0n29/voiceenroll/internal/prefs"
	"github.com/ent0n29/voiceenroll/internal/protocol"
	"github.com/ent0n29/voiceenroll/internal/provider"
	"github.com/ent0n29/voiceenroll/internal/session"
	"github.com/ent0n29/voiceenroll/internal/stage"
)

type Conversations interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
	EndSession(ctx context.Context, sessionID string)
	ActiveCount() int
}

type Server struct {
	cfg           config.Config
	sessions      *session.Manager
	conversations Conversations
	tts           *provider.Client
	prefs         prefs.Store
	metrics       *observability.Metrics
	upgrader      websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, conversations Conversations, tts *provider.Client, store prefs.Store, metrics *observability.Metrics) *Server {
	if store == nil {
		store = prefs.NewInMemoryStore()
	}
	if tts == nil {
		tts = provider.NewClient(provider.Config{})
	}
	return &Server{
		cfg:           cfg,
		sessions:      sessions,
		conversations: conversations,
		tts:           tts,
		prefs:         store,
		metrics:       metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				if strings.EqualFold(u.Host, r.Host) {
					return true
				}
				for _, allowed := range cfg.CORSOrigins {
					if strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
						return true
					}
				}
				return false
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestContext)
	r.Use(recoverPanics)
	r.Use(cors.Handler(s.corsOptions()))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	// The browser front end historically called the /api/... paths.
	r.Post("/tts", s.handleTTS)
	r.Post("/api/tts/eleven", s.handleTTS)
	r.Get("/sample", s.handleSample)
	r.Get("/api/tts/sample", s.handleSample)
	r.Get("/voices", s.handleListVoices)
	r.Get("/api/tts/voices", s.handleListVoices)
	r.Post("/s2s", s.handleS2S)
	r.Post("/api/s2s/eleven", s.handleS2S)

	r.Post("/v1/enroll/session", s.handleCreateSession)
	r.Post("/v1/enroll/session/{id}/end", s.handleEndSession)
	r.Get("/v1/enroll/session/ws", s.handleSessionWS)
	r.Get("/v1/prefs/{client_id}", s.handleGetPrefs)
	r.Put("/v1/prefs/{client_id}", s.handlePutPrefs)
	r.Post("/v1/prefs/{client_id}/greeting", s.handleGreetingShown)
	r.Get("/v1/stages", s.handleListStages)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

// corsOptions mirrors the permissive default the browser front end expects
// unless APP_CORS_ORIGINS narrows it.
func (s *Server) corsOptions() cors.Options {
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}
}

func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		if reqID != "" {
			w.Header().Set("X-Request-Id", reqID)
			r = r.WithContext(observability.WithRequestID(r.Context(), reqID))
		}
		next.ServeHTTP(w, r)
	})
}

// recoverPanics turns a handler panic into a 500 carrying the panic message.
func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			loggerFor(r).Error("handler panic",
				"method", r.Method,
				"path", r.URL.Path,
				"panic", fmt.Sprint(rec),
			)
			respondError(w, http.StatusInternalServerError, "internal_error", fmt.Sprint(rec))
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	active := 0
	if s.conversations != nil {
		active = s.conversations.ActiveCount()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"provider_configured":  s.tts.Configured(),
		"local_tts_enabled":    s.cfg.LocalTTSEnabled,
		"reply_mode":           s.cfg.ReplyMode,
		"active_conversations": active,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":              "ready",
		"provider_configured": s.tts.Configured(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	logger := loggerFor(r)

	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if len(clientID) > 128 {
		respondError(w, http.StatusBadRequest, "bad_request", prefs.ErrInvalidClientID.Error())
		return
	}

	stored, err := s.prefs.Get(r.Context(), clientID)
	if err != nil {
		logger.Warn("load preferences failed; using defaults", "client_id", clientID, "error", err)
		stored = prefs.Prefs{ClientID: clientID}
	}
	voice := s.normalizeVoice(stored.Voice)

	greeting := ""
	if err == nil && !stored.FirstLoginShown {
		greeting = conversation.FirstLoginGreeting
		if err := s.prefs.MarkGreetingShown(r.Context(), clientID); err != nil {
			logger.Warn("mark greeting shown failed", "client_id", clientID, "error", err)
		}
	}

	// One live conversation per client: a reload replaces the previous session.
	if prev, err := s.sessions.ActiveForClient(clientID); err == nil {
		if _, err := s.sessions.End(prev.ID); err == nil {
			if s.conversations != nil {
				s.conversations.EndSession(r.Context(), prev.ID)
			}
			if s.metrics != nil {
				s.metrics.SessionEvents.WithLabelValues("replaced").Inc()
			}
			logger.Info("previous session replaced", "session_id", prev.ID, "client_id", clientID)
		}
	}

	sess := s.sessions.Create(clientID, voice.VoiceID, voice.Model)
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("created").Inc()
	}
	logger.Info("enrollment session created", "session_id", sess.ID, "client_id", clientID)

	first := stage.Lookup(1)
	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		ClientID:        sess.ClientID,
		Status:          sess.Status,
		Stage:           first.Stage,
		StageTitle:      first.Title,
		VoiceID:         sess.VoiceID,
		VoiceModel:      sess.VoiceModel,
		FirstGreeting:   greeting,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if s.conversations != nil {
		s.conversations.EndSession(r.Context(), id)
	}
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "query parameter session_id is required")
		return
	}
	if s.conversations == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "conversations not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil || sess.Status != session.StatusActive {
		respondError(w, http.StatusNotFound, "session_not_found", "session not found or ended")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	logger := loggerFor(r).With("session_id", sessionID)
	s.sessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		if err := s.conversations.RunConnection(ctx, sess, inbound, outbound); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("connection ended with error", "error", err)
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.sessionEvent("ws_write_error")
					cancel()
					return
				}
				if s.metrics != nil {
					if t := protocol.TypeOf(msg); t != "" {
						s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
					}
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(s.sessions.InactivityTimeout()))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.sessions.InactivityTimeout()))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.sessions.InactivityTimeout()))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
				s.observeOutbound(string(protocol.TypeErrorEvent), "queued")
			default:
				// Keep websocket writes single-threaded; drop if outbound queue is saturated.
				s.observeOutbound(string(protocol.TypeErrorEvent), "drop_full")
			}
			continue
		}

		if s.metrics != nil {
			s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeOf(parsed))).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.sessionEvent("ws_disconnected")
}

func (s *Server) sessionEvent(event string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (s *Server) observeOutbound(msgType, outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveOutboundMessage(msgType, outcome)
	}
}

// normalizeVoice fills in the configured default voice and model.
func (s *Server) normalizeVoice(v prefs.VoiceSelection) prefs.VoiceSelection {
	voiceID := strings.TrimSpace(v.VoiceID)
	if voiceID == "" {
		voiceID = s.tts.DefaultVoiceID()
	}
	return prefs.VoiceSelection{
		VoiceID: voiceID,
		Model:   provider.NormalizeTTSModel(v.Model, s.tts.DefaultModel()),
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func loggerFor(r *http.Request) *slog.Logger {
	return observability.LoggerFromContext(r.Context())
}
