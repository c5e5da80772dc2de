package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const defaultRealtimeURL = "wss://api.openai.com/v1/realtime"

// RealtimeConfig describes one realtime agent session.
type RealtimeConfig struct {
	APIKey       string
	Model        string
	Voice        string
	Instructions string
	// URL overrides the realtime endpoint. Empty means the public API.
	URL    string
	Logger *slog.Logger
}

// RealtimeSession is a Provider backed by the OpenAI realtime API over a
// websocket. Turn-taking stays with the caller: the session never creates
// responses on its own, it answers only when TriggerResponse is called.
type RealtimeSession struct {
	conn   *websocket.Conn
	ev     Events
	logger *slog.Logger
	cancel context.CancelFunc

	mu     sync.Mutex
	state  State
	closed bool
}

// DialRealtime opens the session, configures it for PCM16 audio with server
// VAD segmentation, and starts the event read loop.
func DialRealtime(ctx context.Context, cfg RealtimeConfig, ev Events) (*RealtimeSession, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	url := cfg.URL
	if url == "" {
		url = defaultRealtimeURL + "?model=" + cfg.Model
	}
	headers := http.Header{
		"Authorization": []string{"Bearer " + cfg.APIKey},
		"OpenAI-Beta":   []string{"realtime=v1"},
	}
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	conn.SetReadLimit(10 * 1024 * 1024)

	s := &RealtimeSession{
		conn:   conn,
		ev:     ev,
		logger: cfg.Logger,
		state:  StateIdle,
	}

	// create_response stays off: the room's arbitration decides when the
	// agent answers, not the VAD.
	err = wsjson.Write(ctx, conn, map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":          []string{"audio", "text"},
			"voice":               cfg.Voice,
			"instructions":        cfg.Instructions,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           0.6,
				"prefix_padding_ms":   300,
				"silence_duration_ms": 500,
				"create_response":     false,
			},
		},
	})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "session setup failed")
		return nil, fmt.Errorf("configure session: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.readLoop(loopCtx)
	return s, nil
}

func (s *RealtimeSession) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed && s.ev.OnError != nil {
				s.ev.OnError(fmt.Errorf("realtime read: %w", err))
			}
			return
		}

		var msg map[string]any
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		kind, _ := msg["type"].(string)
		s.handleEvent(kind, msg)
	}
}

func (s *RealtimeSession) handleEvent(kind string, msg map[string]any) {
	switch kind {
	case "input_audio_buffer.speech_started":
		s.setState(StateListening)
	case "input_audio_buffer.committed":
		s.setState(StateProcessing)
	case "response.created":
		s.setState(StateProcessing)
	case "response.audio.delta":
		s.setState(StateSpeaking)
		if s.ev.OnAudioDelta == nil {
			return
		}
		encoded, _ := msg["delta"].(string)
		pcm, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			s.logger.Warn("undecodable audio delta", "err", err)
			return
		}
		s.ev.OnAudioDelta(pcm)
	case "response.audio.done":
		if s.ev.OnAudioDone != nil {
			s.ev.OnAudioDone()
		}
	case "response.done":
		s.setState(StateIdle)
	case "response.audio_transcript.delta":
		if text, ok := msg["delta"].(string); ok && s.ev.OnTranscript != nil {
			s.ev.OnTranscript("assistant", text, false)
		}
	case "response.audio_transcript.done":
		if text, ok := msg["transcript"].(string); ok && s.ev.OnTranscript != nil {
			s.ev.OnTranscript("assistant", text, true)
		}
	case "conversation.item.input_audio_transcription.completed":
		if text, ok := msg["transcript"].(string); ok && text != "" && s.ev.OnTranscript != nil {
			s.ev.OnTranscript("user", text, true)
		}
	case "error":
		if s.ev.OnError != nil {
			s.ev.OnError(fmt.Errorf("realtime event error: %v", msg["error"]))
		}
	}
}

func (s *RealtimeSession) setState(next State) {
	s.mu.Lock()
	if s.closed || s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	if s.ev.OnStateChange != nil {
		s.ev.OnStateChange(next)
	}
}

// SendAudio appends PCM16 audio to the input buffer.
func (s *RealtimeSession) SendAudio(ctx context.Context, pcm []byte) error {
	return wsjson.Write(ctx, s.conn, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitAudio closes the current input segment.
func (s *RealtimeSession) CommitAudio(ctx context.Context) error {
	return wsjson.Write(ctx, s.conn, map[string]any{"type": "input_audio_buffer.commit"})
}

// TriggerResponse asks the model to answer the committed input now.
func (s *RealtimeSession) TriggerResponse(ctx context.Context) error {
	return wsjson.Write(ctx, s.conn, map[string]any{"type": "response.create"})
}

// CancelResponse aborts the in-flight response.
func (s *RealtimeSession) CancelResponse(ctx context.Context) error {
	return wsjson.Write(ctx, s.conn, map[string]any{"type": "response.cancel"})
}

// Close ends the session and stops the read loop.
func (s *RealtimeSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "session closed")
}

var _ Provider = (*RealtimeSession)(nil)
