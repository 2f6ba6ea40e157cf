// Command enrollprobe drives a scripted enrollment conversation against a
// running server and reports per-turn latency and stage progress.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voiceenroll/internal/protocol"
)

type options struct {
	baseURL        string
	clientID       string
	turns          int
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	walkStages     bool
	verbose        bool
}

type createSessionRequest struct {
	ClientID string `json:"client_id,omitempty"`
}

type createSessionResponse struct {
	SessionID     string `json:"session_id"`
	Stage         int    `json:"stage"`
	StageTitle    string `json:"stage_title"`
	VoiceID       string `json:"voice_id"`
	FirstGreeting string `json:"first_greeting"`
}

type wsEnvelope struct {
	Type     string `json:"type"`
	Role     string `json:"role,omitempty"`
	Text     string `json:"text,omitempty"`
	Activity string `json:"activity,omitempty"`
	Code     string `json:"code,omitempty"`
	Detail   string `json:"detail,omitempty"`
	From     int    `json:"from,omitempty"`
	To       int    `json:"to,omitempty"`
	Title    string `json:"title,omitempty"`
}

type turnResult struct {
	ReplyAfter time.Duration
	IdleAfter  time.Duration
	StageTo    int
}

// stageGrace covers the celebration delay between a reply and the stage change.
const stageGrace = 1500 * time.Millisecond

var defaultUtterances = []string{
	"Hi Maya",
	"What does the program cover?",
	"How much are the fees?",
	"Who can be my co-applicant?",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "enrollprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "enrollprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	var interTurnMS int
	var turnTimeoutMS int

	fs := flag.NewFlagSet("enrollprobe", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8787", "server base URL")
	fs.StringVar(&cfg.clientID, "client-id", "enrollprobe", "client_id used for the synthetic session")
	fs.IntVar(&cfg.turns, "turns", 4, "number of turns to send")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 400, "delay between turns in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for the agent to go idle per turn in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	fs.BoolVar(&cfg.walkStages, "walk-stages", false, "after the turns, step through every stage with stage_next")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	cfg.texts = splitTexts(textsRaw)
	if strings.TrimSpace(textsRaw) != "" && len(cfg.texts) == 0 {
		return options{}, fmt.Errorf("texts produced no non-empty utterances")
	}
	if len(cfg.texts) == 0 {
		cfg.texts = append([]string(nil), defaultUtterances...)
	}
	return cfg, nil
}

func splitTexts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	created, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, created.SessionID)
	}()

	if cfg.verbose {
		fmt.Printf("enrollprobe: session=%s stage=%d (%s) voice=%s\n", created.SessionID, created.Stage, created.StageTitle, created.VoiceID)
		if created.FirstGreeting != "" {
			fmt.Printf("enrollprobe: first greeting: %q\n", created.FirstGreeting)
		}
	}

	wsURL, err := wsURLForSession(cfg.baseURL, created.SessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan wsEnvelope, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh, cfg.verbose)

	if err := conn.WriteJSON(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: created.SessionID,
		Action:    protocol.ActionInteracted,
	}); err != nil {
		return fmt.Errorf("send interacted: %w", err)
	}

	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		start := time.Now()
		if err := conn.WriteJSON(protocol.UserText{
			Type:      protocol.TypeUserText,
			SessionID: created.SessionID,
			Text:      text,
		}); err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}
		res, err := awaitTurn(events, readErrCh, start, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		if cfg.verbose {
			line := fmt.Sprintf("enrollprobe: turn %d/%d text=%q reply_ms=%d idle_ms=%d", i+1, cfg.turns, text, res.ReplyAfter.Milliseconds(), res.IdleAfter.Milliseconds())
			if res.StageTo > 0 {
				line += fmt.Sprintf(" stage->%d", res.StageTo)
			}
			fmt.Println(line)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	if cfg.walkStages {
		if err := walkStages(conn, events, readErrCh, created.SessionID, cfg); err != nil {
			return err
		}
	}

	if cfg.verbose {
		fmt.Println("enrollprobe: completed")
	}
	return nil
}

func walkStages(conn *websocket.Conn, events <-chan wsEnvelope, readErrCh <-chan error, sessionID string, cfg options) error {
	for {
		if err := conn.WriteJSON(protocol.ClientControl{
			Type:      protocol.TypeClientControl,
			SessionID: sessionID,
			Action:    protocol.ActionStageNext,
		}); err != nil {
			return fmt.Errorf("send stage_next: %w", err)
		}
		to, err := awaitStage(events, readErrCh, cfg.turnTimeout)
		if err != nil {
			// The last stage does not move, so silence means we are done.
			return nil
		}
		if cfg.verbose {
			fmt.Printf("enrollprobe: stage -> %d\n", to)
		}
	}
}

func createSession(ctx context.Context, client *http.Client, cfg options) (createSessionResponse, error) {
	payload, err := json.Marshal(createSessionRequest{ClientID: strings.TrimSpace(cfg.clientID)})
	if err != nil {
		return createSessionResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/enroll/session", bytes.NewReader(payload))
	if err != nil {
		return createSessionResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return createSessionResponse{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return createSessionResponse{}, err
	}
	if res.StatusCode != http.StatusCreated {
		return createSessionResponse{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return createSessionResponse{}, err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return createSessionResponse{}, fmt.Errorf("missing session_id in response")
	}
	return out, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/enroll/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/enroll/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- wsEnvelope, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == string(protocol.TypeErrorEvent) && verbose {
			fmt.Fprintf(os.Stderr, "enrollprobe: error_event code=%s detail=%s\n", env.Code, env.Detail)
		}
		select {
		case events <- env:
		default:
		}
	}
}

// awaitTurn waits for the agent reply and the following idle state. A stage
// change emitted right after the turn is picked up if it arrives within stageGrace.
func awaitTurn(events <-chan wsEnvelope, readErrCh <-chan error, start time.Time, timeout time.Duration) (turnResult, error) {
	var res turnResult
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	sawReply := false
	for {
		select {
		case env := <-events:
			switch {
			case env.Type == string(protocol.TypeMessageAppended) && env.Role == "agent" && !sawReply:
				sawReply = true
				res.ReplyAfter = time.Since(start)
			case env.Type == string(protocol.TypeStateChanged) && env.Activity == "idle" && sawReply:
				res.IdleAfter = time.Since(start)
				res.StageTo = drainStage(events, stageGrace)
				return res, nil
			case env.Type == string(protocol.TypeErrorEvent) && env.Code == "turn_in_flight":
				return res, fmt.Errorf("server rejected turn: %s", env.Detail)
			}
		case err := <-readErrCh:
			return res, err
		case <-timer.C:
			return res, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func awaitStage(events <-chan wsEnvelope, readErrCh <-chan error, timeout time.Duration) (int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-events:
			if env.Type == string(protocol.TypeStageChanged) {
				return env.To, nil
			}
		case err := <-readErrCh:
			return 0, err
		case <-timer.C:
			return 0, fmt.Errorf("no stage change within %s", timeout)
		}
	}
}

func drainStage(events <-chan wsEnvelope, grace time.Duration) int {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for {
		select {
		case env := <-events:
			if env.Type == string(protocol.TypeStageChanged) {
				return env.To
			}
		case <-timer.C:
			return 0
		}
	}
}
