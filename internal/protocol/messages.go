package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeQuery       MessageType = "query"
	TypeAnswerDelta MessageType = "answer_delta"
	TypeAnswer      MessageType = "answer"
	TypeErrorEvent  MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientQuery asks one question over an open socket. RequestID is echoed back
// on every event produced for it.
type ClientQuery struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Q         string      `json:"q"`
	SessionID string      `json:"session_id,omitempty"`
}

type AnswerDelta struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
	TextDelta string      `json:"text_delta"`
}

type AnswerEvent struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
	Answer    string      `json:"answer"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeQuery:
		var msg ClientQuery
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
