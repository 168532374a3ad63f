// Package upstream speaks the OpenAI Realtime websocket protocol.
package upstream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound event types the relay acts on.
const (
	EventAudioDelta                = "response.audio.delta"
	EventInputTranscriptCompleted  = "conversation.item.input_audio_transcription.completed"
	EventAudioTranscriptDelta      = "response.audio_transcript.delta"
	EventAudioTranscriptDone       = "response.audio_transcript.done"
	EventFunctionCallArgumentsDone = "response.function_call_arguments.done"
	EventError                     = "error"
)

// Event is the union of the inbound fields the relay reads. Unused fields stay zero.
type Event struct {
	Type       string       `json:"type"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Name       string       `json:"name,omitempty"`
	Arguments  string       `json:"arguments,omitempty"`
	CallID     string       `json:"call_id,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail is the body of an error event.
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// DecodeEvent parses one upstream text frame.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode upstream event: %w", err)
	}
	if strings.TrimSpace(ev.Type) == "" {
		return Event{}, fmt.Errorf("decode upstream event: missing type")
	}
	return ev, nil
}

// AudioBytes decodes the base64 audio of a response.audio.delta event.
func (e Event) AudioBytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(e.Delta)
	if err != nil {
		return nil, fmt.Errorf("decode audio delta: %w", err)
	}
	return b, nil
}

// ErrorMessage returns the message of an error event, or "Unknown error".
func (e Event) ErrorMessage() string {
	if e.Error == nil || strings.TrimSpace(e.Error.Message) == "" {
		return "Unknown error"
	}
	return e.Error.Message
}

type AudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type AudioCommit struct {
	Type string `json:"type"`
}

type ResponseCreate struct {
	Type string `json:"type"`
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type ItemCreate struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

func AppendAudio(pcm []byte) AudioAppend {
	return AudioAppend{Type: "input_audio_buffer.append", Audio: base64.StdEncoding.EncodeToString(pcm)}
}

func CommitAudio() AudioCommit {
	return AudioCommit{Type: "input_audio_buffer.commit"}
}

func CreateResponse() ResponseCreate {
	return ResponseCreate{Type: "response.create"}
}

func UserText(text string) ItemCreate {
	return ItemCreate{
		Type: "conversation.item.create",
		Item: ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

// FunctionOutput carries a tool result back to the model. output must be the
// JSON encoding of the result object.
func FunctionOutput(callID string, output []byte) ItemCreate {
	return ItemCreate{
		Type: "conversation.item.create",
		Item: ConversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: string(output),
		},
	}
}
