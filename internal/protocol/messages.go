package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/memoria/internal/memory"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeSendMessage  MessageType = "send_message"
	TypeClientPing   MessageType = "client_ping"
	TypeChatResponse MessageType = "chat_response"
	TypeSystemEvent  MessageType = "system_event"
	TypeErrorEvent   MessageType = "error_event"
)

// System event codes.
const (
	EventReady       = "ready"
	EventTurnStarted = "turn_started"
	EventPong        = "pong"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// SendMessage asks for one chat turn. An empty ConversationID starts a new
// conversation titled after the content.
type SendMessage struct {
	Type           MessageType `json:"type"`
	RequestID      string      `json:"request_id,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Content        string      `json:"content"`
}

type ClientPing struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
}

type ChatResponse struct {
	Type             MessageType    `json:"type"`
	RequestID        string         `json:"request_id,omitempty"`
	ConversationID   string         `json:"conversation_id"`
	UserMessage      memory.Message `json:"user_message"`
	AssistantMessage memory.Message `json:"assistant_message"`
}

type SystemEvent struct {
	Type           MessageType `json:"type"`
	RequestID      string      `json:"request_id,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Code           string      `json:"code"`
	Detail         string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSendMessage:
		var msg SendMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Content) == "" {
			return nil, errors.New("invalid send_message: content is required")
		}
		return msg, nil
	case TypeClientPing:
		var msg ClientPing
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
