package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientMessage  MessageType = "client_message"
	TypeClientControl  MessageType = "client_control"
	TypeAssistantReply MessageType = "assistant_reply"
	TypeSystemEvent    MessageType = "system_event"
	TypeErrorEvent     MessageType = "error_event"
)

// Control actions accepted from clients.
const (
	ActionPing  = "ping"
	ActionClose = "close"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// Envelope is decoded first to dispatch on the type tag.
type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientMessage is one chat line from the client. Contact overrides the contact
// the connection was opened with.
type ClientMessage struct {
	Type        MessageType `json:"type"`
	ClientMsgID string      `json:"client_msg_id,omitempty"`
	Contact     string      `json:"phone_number,omitempty"`
	Text        string      `json:"text"`
}

// ClientControl is a ping or a request to close the socket.
type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
}

// AssistantReply answers one ClientMessage.
type AssistantReply struct {
	Type    MessageType `json:"type"`
	ReplyTo string      `json:"reply_to,omitempty"`
	Contact string      `json:"phone_number"`
	Text    string      `json:"text"`
	TSMs    int64       `json:"ts_ms"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes an inbound frame into a ClientMessage or a
// ClientControl.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientMessage:
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Text = strings.TrimSpace(msg.Text)
		msg.Contact = strings.TrimSpace(msg.Contact)
		if msg.Text == "" {
			return nil, errors.New("invalid client_message: empty text")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionPing, ActionClose:
			return msg, nil
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the type tag of a protocol value.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ClientMessage:
		return m.Type, true
	case ClientControl:
		return m.Type, true
	case AssistantReply:
		return m.Type, true
	case SystemEvent:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
