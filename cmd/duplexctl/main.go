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

	"github.com/ent0n29/duplex/internal/audio"
	"github.com/ent0n29/duplex/internal/protocol"
	"github.com/ent0n29/duplex/internal/session"
)

type options struct {
	baseURL        string
	userID         string
	conversationID string
	voice          string
	texts          []string
	wavPath        string
	stream         bool
	chunkMS        int
	realtime       float64
	outPath        string
	turnTimeout    time.Duration
	verbose        bool
}

// turnResult is what the client saw for one assistant turn.
type turnResult struct {
	TurnID     string
	Reason     string
	Text       string
	Error      string
	PCM        []byte
	SampleRate int
	Chunks     int
}

type wsEnvelope struct {
	Type        protocol.MessageType `json:"type"`
	TurnID      string               `json:"turn_id,omitempty"`
	Code        string               `json:"code,omitempty"`
	Detail      string               `json:"detail,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	Text        string               `json:"text,omitempty"`
	TextDelta   string               `json:"text_delta,omitempty"`
	Error       string               `json:"error,omitempty"`
	Format      string               `json:"format,omitempty"`
	SampleRate  int                  `json:"sample_rate,omitempty"`
	AudioBase64 string               `json:"audio_base64,omitempty"`
	Calls       []protocol.ToolCall  `json:"calls,omitempty"`
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "duplexctl: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()
	if _, err := run(ctx, cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "duplexctl: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	var turnTimeoutMS int

	fs := flag.NewFlagSet("duplexctl", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "duplexd base URL")
	fs.StringVar(&cfg.userID, "user-id", "duplexctl", "user_id for the session")
	fs.StringVar(&cfg.conversationID, "conversation-id", "", "resume an existing conversation")
	fs.StringVar(&cfg.voice, "voice", "", "optional provider voice")
	fs.StringVar(&textsRaw, "texts", "", "text turns separated by '|'")
	fs.StringVar(&cfg.wavPath, "wav", "", "send this WAV file as an audio turn")
	fs.BoolVar(&cfg.stream, "stream", false, "stream the WAV as paced chunks and commit (manual turn mode)")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds when streaming")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.StringVar(&cfg.outPath, "out", "", "write the assistant audio of all turns to this WAV file")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 30000, "timeout waiting for assistant_turn_end per turn in milliseconds")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print turn progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	for _, part := range strings.Split(textsRaw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			cfg.texts = append(cfg.texts, t)
		}
	}
	cfg.wavPath = strings.TrimSpace(cfg.wavPath)
	if len(cfg.texts) == 0 && cfg.wavPath == "" {
		return options{}, fmt.Errorf("nothing to send: pass -texts or -wav")
	}
	if cfg.stream && cfg.wavPath == "" {
		return options{}, fmt.Errorf("-stream requires -wav")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(ctx context.Context, cfg options, stdout io.Writer) ([]turnResult, error) {
	httpClient := &http.Client{Timeout: 45 * time.Second}

	var clip []byte
	clipRate := 0
	if cfg.wavPath != "" {
		data, err := os.ReadFile(cfg.wavPath)
		if err != nil {
			return nil, err
		}
		if cfg.stream {
			clip, clipRate, err = audio.DecodeWAV(data)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", cfg.wavPath, err)
			}
		} else {
			clip = data
		}
	}

	created, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, created.SessionID)
	}()
	if cfg.verbose {
		fmt.Fprintf(stdout, "duplexctl: session=%s conversation=%s provider=%s mode=%s resumed=%t\n",
			created.SessionID, created.ConversationID, created.Provider, created.TurnMode, created.Resumed)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, created.SessionID)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	turnCh := make(chan turnResult, 8)
	readErrCh := make(chan error, 1)
	go readLoop(conn, turnCh, readErrCh, stdout, cfg.verbose)

	var results []turnResult
	await := func(label string) error {
		res, err := awaitTurnEnd(ctx, turnCh, readErrCh, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("%s await assistant_turn_end: %w", label, err)
		}
		if cfg.verbose {
			fmt.Fprintf(stdout, "duplexctl: %s turn=%s reason=%s audio=%s text=%q\n",
				label, res.TurnID, res.Reason, audio.Duration(len(res.PCM), res.SampleRate), res.Text)
		}
		results = append(results, res)
		return nil
	}

	for i, text := range cfg.texts {
		if err := conn.WriteJSON(protocol.ClientTextTurn{Type: protocol.TypeClientTextTurn, Text: text}); err != nil {
			return results, fmt.Errorf("text turn %d send: %w", i+1, err)
		}
		if err := await(fmt.Sprintf("text %d/%d", i+1, len(cfg.texts))); err != nil {
			return results, err
		}
	}

	if len(clip) > 0 {
		if cfg.stream {
			if err := sendStream(conn, clip, clipRate, cfg.chunkMS, cfg.realtime); err != nil {
				return results, fmt.Errorf("stream audio: %w", err)
			}
			if err := conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionCommit}); err != nil {
				return results, fmt.Errorf("commit: %w", err)
			}
		} else {
			msg := protocol.ClientAudioTurn{
				Type:        protocol.TypeClientAudioTurn,
				AudioBase64: protocol.EncodeAudio(clip),
				Format:      "wav",
			}
			if err := conn.WriteJSON(msg); err != nil {
				return results, fmt.Errorf("audio turn send: %w", err)
			}
		}
		if err := await("audio"); err != nil {
			return results, err
		}
	}

	if cfg.outPath != "" {
		pcm, rate := joinAudio(results)
		if len(pcm) == 0 {
			return results, fmt.Errorf("no assistant audio to write")
		}
		if err := audio.WriteWAVPCM16LEFile(cfg.outPath, pcm, rate); err != nil {
			return results, fmt.Errorf("write %s: %w", cfg.outPath, err)
		}
		if cfg.verbose {
			fmt.Fprintf(stdout, "duplexctl: wrote %s (%s)\n", cfg.outPath, audio.Duration(len(pcm), rate))
		}
	}
	return results, nil
}

func createSession(ctx context.Context, client *http.Client, cfg options) (session.CreateResponse, error) {
	reqBody := session.CreateRequest{
		UserID:         cfg.userID,
		ConversationID: strings.TrimSpace(cfg.conversationID),
		Voice:          strings.TrimSpace(cfg.voice),
	}
	if cfg.stream {
		reqBody.TurnMode = "manual"
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return session.CreateResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/realtime/session", bytes.NewReader(payload))
	if err != nil {
		return session.CreateResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return session.CreateResponse{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return session.CreateResponse{}, err
	}
	if res.StatusCode != http.StatusCreated {
		return session.CreateResponse{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out session.CreateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return session.CreateResponse{}, err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return session.CreateResponse{}, fmt.Errorf("missing session_id in response")
	}
	return out, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/realtime/session/"+url.PathEscape(sessionID)+"/end", nil)
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
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/realtime/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readLoop folds server messages into one turnResult per assistant_turn_end.
// Tool calls the gateway forwards are answered with an error so the turn can
// finish.
func readLoop(conn *websocket.Conn, turnCh chan<- turnResult, readErrCh chan<- error, stdout io.Writer, verbose bool) {
	var cur turnResult
	var text strings.Builder
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
		switch env.Type {
		case protocol.TypeAssistantTextDelta:
			text.WriteString(env.TextDelta)
		case protocol.TypeAssistantAudio:
			if env.AudioBase64 == "" {
				continue
			}
			pcm, err := protocol.DecodeAudio(env.AudioBase64)
			if err != nil {
				continue
			}
			cur.PCM = append(cur.PCM, pcm...)
			cur.SampleRate = env.SampleRate
			cur.Chunks++
		case protocol.TypeToolCalls:
			results := make([]protocol.ToolResult, 0, len(env.Calls))
			for _, c := range env.Calls {
				if verbose {
					fmt.Fprintf(stdout, "duplexctl: tool call %s(%s)\n", c.Name, c.Arguments)
				}
				results = append(results, protocol.ToolResult{CallID: c.CallID, Name: c.Name, Output: `{"error":"tool not available in duplexctl"}`})
			}
			_ = conn.WriteJSON(protocol.ClientToolResults{Type: protocol.TypeClientToolResults, Results: results, Continue: true})
		case protocol.TypeAssistantTurnEnd:
			cur.TurnID = env.TurnID
			cur.Reason = env.Reason
			cur.Error = env.Error
			cur.Text = env.Text
			if cur.Text == "" {
				cur.Text = text.String()
			}
			select {
			case turnCh <- cur:
			default:
			}
			cur = turnResult{}
			text.Reset()
		case protocol.TypeErrorEvent:
			if verbose {
				fmt.Fprintf(stdout, "duplexctl: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		case protocol.TypeSystemEvent:
			if verbose {
				fmt.Fprintf(stdout, "duplexctl: system_event %s\n", env.Code)
			}
		}
	}
}

func sendStream(conn *websocket.Conn, pcm []byte, sampleRate, chunkMS int, realtime float64) error {
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate16kHz
	}
	for i, chunk := range audio.IterChunks(pcm, sampleRate, chunkMS) {
		msg := protocol.ClientAudioChunk{
			Type:        protocol.TypeClientAudioChunk,
			Seq:         i + 1,
			PCM16Base64: protocol.EncodeAudio(chunk),
			SampleRate:  sampleRate,
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		pause := time.Duration(float64(audio.Duration(len(chunk), sampleRate)) / realtime)
		if pause > 0 {
			time.Sleep(pause)
		}
	}
	return nil
}

func awaitTurnEnd(ctx context.Context, turnCh <-chan turnResult, readErrCh <-chan error, timeout time.Duration) (turnResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-turnCh:
		if res.Error != "" {
			return res, fmt.Errorf("turn %s ended with %s: %s", res.TurnID, res.Reason, res.Error)
		}
		return res, nil
	case err := <-readErrCh:
		return turnResult{}, err
	case <-ctx.Done():
		return turnResult{}, ctx.Err()
	case <-timer.C:
		return turnResult{}, fmt.Errorf("timeout after %s", timeout)
	}
}

// joinAudio concatenates turn audio, resampling to the first turn's rate.
func joinAudio(results []turnResult) ([]byte, int) {
	var out []byte
	rate := 0
	for _, r := range results {
		if len(r.PCM) == 0 {
			continue
		}
		if rate == 0 {
			rate = r.SampleRate
		}
		out = append(out, audio.Resample(r.PCM, r.SampleRate, rate)...)
	}
	return out, rate
}
