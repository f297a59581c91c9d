package signal

import (
	"encoding/json"
	"fmt"
)

// Message is the flat signaling envelope. Exactly one of Request, Response
// or Notification is true; the remaining fields are read according to that
// flag.
type Message struct {
	Request      bool `json:"request,omitempty"`
	Response     bool `json:"response,omitempty"`
	Notification bool `json:"notification,omitempty"`

	ID     uint64 `json:"id,omitempty"`
	Method string `json:"method,omitempty"`

	OK          bool   `json:"ok,omitempty"`
	ErrorCode   int    `json:"errorCode,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`

	Data json.RawMessage `json:"data,omitempty"`
}

func NewRequest(id uint64, method string, data json.RawMessage) *Message {
	return &Message{Request: true, ID: id, Method: method, Data: data}
}

func NewNotification(method string, data json.RawMessage) *Message {
	return &Message{Notification: true, Method: method, Data: data}
}

// NewSuccessResponse pairs with the request carrying the same id.
func NewSuccessResponse(id uint64, data json.RawMessage) *Message {
	return &Message{Response: true, ID: id, OK: true, Data: data}
}

func NewErrorResponse(id uint64, code int, reason string) *Message {
	return &Message{Response: true, ID: id, ErrorCode: code, ErrorReason: reason}
}

// Parse decodes and shape-checks one inbound frame. A frame that claims
// more or less than one role, or a request/notification without a method,
// is rejected here so downstream code never sees it.
func Parse(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	roles := 0
	if msg.Request {
		roles++
	}
	if msg.Response {
		roles++
	}
	if msg.Notification {
		roles++
	}
	if roles != 1 {
		return nil, fmt.Errorf("message must be exactly one of request, response or notification")
	}

	if (msg.Request || msg.Notification) && msg.Method == "" {
		return nil, fmt.Errorf("request or notification without method")
	}
	if msg.Request && msg.ID == 0 {
		return nil, fmt.Errorf("request without id")
	}
	if msg.Response && msg.ID == 0 {
		return nil, fmt.Errorf("response without id")
	}
	return &msg, nil
}
