package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stride-coach/stride/pkg/coach/tools"
)

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview-2025-06-03"
	DefaultVoice = "alloy"

	defaultDialTimeout = 10 * time.Second
)

var ErrMissingAPIKey = errors.New("upstream: api key is required")

// DialError reports a failed websocket handshake.
type DialError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dial realtime %s (status %d): %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("dial realtime %s: %v", e.URL, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

type Dialer struct {
	URL         string
	APIKey      string
	DialTimeout time.Duration
	// ReadLimit caps a single upstream message. Zero leaves gorilla's default.
	ReadLimit int64

	ws *websocket.Dialer
}

func NewDialer(url, apiKey string, dialTimeout time.Duration) *Dialer {
	if strings.TrimSpace(url) == "" {
		url = DefaultURL
	}
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	return &Dialer{
		URL:         url,
		APIKey:      apiKey,
		DialTimeout: dialTimeout,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: dialTimeout,
		},
	}
}

// Dial opens the realtime socket.
func (d *Dialer) Dial(ctx context.Context) (*websocket.Conn, error) {
	if strings.TrimSpace(d.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	ws := d.ws
	if ws == nil {
		ws = &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: d.DialTimeout}
	}

	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+strings.TrimSpace(d.APIKey))
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && d.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, d.DialTimeout)
		defer cancel()
	}

	conn, resp, err := ws.DialContext(dialCtx, d.URL, headers)
	if err != nil {
		dialErr := &DialError{URL: d.URL, Err: err}
		if resp != nil {
			dialErr.StatusCode = resp.StatusCode
		}
		return nil, dialErr
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return conn, nil
}

type AudioFormatConfig struct {
	Model string `json:"model"`
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type SessionConfig struct {
	Modalities              []string           `json:"modalities"`
	Instructions            string             `json:"instructions"`
	Voice                   string             `json:"voice"`
	InputAudioFormat        string             `json:"input_audio_format"`
	OutputAudioFormat       string             `json:"output_audio_format"`
	InputAudioTranscription AudioFormatConfig  `json:"input_audio_transcription"`
	TurnDetection           TurnDetection      `json:"turn_detection"`
	Tools                   []tools.Definition `json:"tools"`
	ToolChoice              string             `json:"tool_choice"`
}

type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

// NewSessionUpdate builds the configuration event sent once after dialing.
func NewSessionUpdate(instructions, voice string, defs []tools.Definition) SessionUpdate {
	if strings.TrimSpace(voice) == "" {
		voice = DefaultVoice
	}
	if defs == nil {
		defs = []tools.Definition{}
	}
	return SessionUpdate{
		Type: "session.update",
		Session: SessionConfig{
			Modalities:              []string{"text", "audio"},
			Instructions:            instructions,
			Voice:                   voice,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: AudioFormatConfig{Model: "whisper-1"},
			TurnDetection: TurnDetection{
				Type:              "server_vad",
				Threshold:         0.5,
				PrefixPaddingMS:   300,
				SilenceDurationMS: 500,
			},
			Tools:      defs,
			ToolChoice: "auto",
		},
	}
}

// JSONWriter is the subset of *websocket.Conn Negotiate needs.
type JSONWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteJSON(v any) error
}

// Negotiate sends the session configuration on a freshly dialed connection.
func Negotiate(conn JSONWriter, update SessionUpdate, writeTimeout time.Duration) error {
	if conn == nil {
		return fmt.Errorf("negotiate: connection is nil")
	}
	if writeTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return fmt.Errorf("negotiate: %w", err)
		}
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	}
	if err := conn.WriteJSON(update); err != nil {
		return fmt.Errorf("negotiate: send session.update: %w", err)
	}
	return nil
}
