package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stride-coach/stride/pkg/coach/tools"
)

func TestDialer_SendsHeadersAndSessionUpdate(t *testing.T) {
	type seen struct {
		auth, beta string
		update     map[string]any
	}
	got := make(chan seen, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := seen{auth: r.Header.Get("Authorization"), beta: r.Header.Get("OpenAI-Beta")}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&s.update); err != nil {
			t.Errorf("read session.update: %v", err)
		}
		got <- s
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	d := NewDialer(wsURL, "sk-test", time.Second)
	conn, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	catalog, err := tools.LoadCatalog()
	if err != nil {
		t.Fatalf("LoadCatalog() error = %v", err)
	}
	if err := Negotiate(conn, NewSessionUpdate(catalog.Instructions, "", catalog.Tools), time.Second); err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}

	var s seen
	select {
	case s = <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("server never received session.update")
	}
	if s.auth != "Bearer sk-test" {
		t.Fatalf("Authorization=%q", s.auth)
	}
	if s.beta != "realtime=v1" {
		t.Fatalf("OpenAI-Beta=%q", s.beta)
	}
	if s.update["type"] != "session.update" {
		t.Fatalf("type=%v", s.update["type"])
	}
	session := s.update["session"].(map[string]any)
	if session["voice"] != DefaultVoice || session["tool_choice"] != "auto" {
		t.Fatalf("session=%v", session)
	}
	if session["input_audio_format"] != "pcm16" || session["output_audio_format"] != "pcm16" {
		t.Fatalf("audio formats=%v/%v", session["input_audio_format"], session["output_audio_format"])
	}
	td := session["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" || td["threshold"] != 0.5 || td["silence_duration_ms"] != float64(500) {
		t.Fatalf("turn_detection=%v", td)
	}
	if n := len(session["tools"].([]any)); n != len(tools.Names) {
		t.Fatalf("tools=%d, want %d", n, len(tools.Names))
	}
}

func TestDialer_RequiresAPIKey(t *testing.T) {
	_, err := NewDialer("ws://127.0.0.1:1", " ", time.Second).Dial(context.Background())
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("err=%v", err)
	}
}

func TestDialer_ReportsHandshakeStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewDialer("ws"+strings.TrimPrefix(srv.URL, "http"), "sk-bad", time.Second).Dial(context.Background())
	var dialErr *DialError
	if !errors.As(err, &dialErr) {
		t.Fatalf("err=%T %v", err, err)
	}
	if dialErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d", dialErr.StatusCode)
	}
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"response.function_call_arguments.done","name":"log_run","arguments":"{\"distance_miles\":3}","call_id":"call_1"}`))
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}
	if ev.Name != "log_run" || ev.CallID != "call_1" || ev.Arguments != `{"distance_miles":3}` {
		t.Fatalf("event=%+v", ev)
	}

	if _, err := DecodeEvent([]byte(`{`)); err == nil {
		t.Fatal("expected error for malformed json")
	}
	if _, err := DecodeEvent([]byte(`{"delta":"AAAA"}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestEvent_ErrorMessage(t *testing.T) {
	if got := (Event{Type: EventError}).ErrorMessage(); got != "Unknown error" {
		t.Fatalf("got %q", got)
	}
	ev, _ := DecodeEvent([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad audio"}}`))
	if got := ev.ErrorMessage(); got != "bad audio" {
		t.Fatalf("got %q", got)
	}
	if ev.Type != EventError || ev.Error == nil || ev.Error.Type != "invalid_request_error" {
		t.Fatalf("event=%+v", ev)
	}
	blank := Event{Type: EventError, Error: &ErrorDetail{Code: "server_error", Message: "  "}}
	if got := blank.ErrorMessage(); got != "Unknown error" {
		t.Fatalf("got %q", got)
	}
}

func TestOutboundBuilders(t *testing.T) {
	tests := []struct {
		v    any
		want string
	}{
		{AppendAudio([]byte{0x01, 0x02, 0x03}), `{"type":"input_audio_buffer.append","audio":"AQID"}`},
		{CommitAudio(), `{"type":"input_audio_buffer.commit"}`},
		{CreateResponse(), `{"type":"response.create"}`},
		{UserText("hi"), `{"type":"conversation.item.create","item":{"type":"message","role":"user","content":[{"type":"input_text","text":"hi"}]}}`},
		{FunctionOutput("call_1", []byte(`{"pace":"8:20"}`)), `{"type":"conversation.item.create","item":{"type":"function_call_output","call_id":"call_1","output":"{\"pace\":\"8:20\"}"}}`},
	}
	for _, tt := range tests {
		got, err := json.Marshal(tt.v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if string(got) != tt.want {
			t.Fatalf("got %s\nwant %s", got, tt.want)
		}
	}
}
