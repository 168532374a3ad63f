// Package protocol defines the JSON frames exchanged with browser clients on
// the live chat socket. Audio travels as raw binary frames and is not modelled here.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	TypeCommitAudio = "commit_audio"
	TypeTextMessage = "text_message"

	TypeUserTranscript           = "user_transcript"
	TypeAssistantTranscriptDelta = "assistant_transcript_delta"
	TypeAssistantTranscript      = "assistant_transcript"
	TypeFunctionCall             = "function_call"
	TypeError                    = "error"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// ClientCommitAudio asks for the buffered microphone audio to be committed as a turn.
type ClientCommitAudio struct {
	Type string `json:"type"`
}

// ClientTextMessage is a typed user turn.
type ClientTextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// DecodeClientMessage parses one text frame from the client.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeCommitAudio:
		return ClientCommitAudio{Type: typ}, nil
	case TypeTextMessage:
		var msg ClientTextMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text_message", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("text_message.text is required", "text")
		}
		msg.Type = typ
		return msg, nil
	default:
		return nil, unsupported("unsupported message type", "type")
	}
}

type ServerUserTranscript struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerAssistantTranscriptDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerAssistantTranscript struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ServerFunctionCall reports a completed tool call. Arguments is the decoded
// argument object, or the raw string when it could not be decoded.
type ServerFunctionCall struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	Arguments any    `json:"arguments"`
	Result    any    `json:"result"`
}

type ServerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func UserTranscript(text string) ServerUserTranscript {
	return ServerUserTranscript{Type: TypeUserTranscript, Text: text}
}

func AssistantTranscriptDelta(text string) ServerAssistantTranscriptDelta {
	return ServerAssistantTranscriptDelta{Type: TypeAssistantTranscriptDelta, Text: text}
}

func AssistantTranscript(text string) ServerAssistantTranscript {
	return ServerAssistantTranscript{Type: TypeAssistantTranscript, Text: text}
}

func FunctionCall(name string, arguments, result any) ServerFunctionCall {
	return ServerFunctionCall{Type: TypeFunctionCall, Name: name, Arguments: arguments, Result: result}
}

func Error(message string) ServerError {
	return ServerError{Type: TypeError, Message: message}
}
