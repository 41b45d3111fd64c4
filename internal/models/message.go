package models

import "encoding/json"

// MessageType identifies the kind of an Envelope. It doubles as the last
// segment of the topic the envelope travels on.
type MessageType string

const (
	MessageTypeOffer       MessageType = "offer"
	MessageTypeAnswer      MessageType = "answer"
	MessageTypeCandidate   MessageType = "candidate"
	MessageTypeJoinRoom    MessageType = "join_room"
	MessageTypeLeaveRoom   MessageType = "leave_room"
	MessageTypeChat        MessageType = "chat_message"
	MessageTypeViewerCount MessageType = "viewer_count"
	MessageTypeError       MessageType = "error"
)

// Envelope is the unit carried by every transport. Envelopes are never
// modified after being published.
type Envelope struct {
	Type      MessageType     `json:"type"`
	RoomID    string          `json:"roomId"`
	SessionID string          `json:"sessionId,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// FrameAction is the verb of a broker frame.
type FrameAction string

const (
	FrameSubscribe   FrameAction = "subscribe"
	FrameUnsubscribe FrameAction = "unsubscribe"
	FramePublish     FrameAction = "publish"
	FrameEvent       FrameAction = "event"
	FrameError       FrameAction = "error"
)

// Frame is what travels over the broker WebSocket.
type Frame struct {
	Action   FrameAction `json:"action"`
	Topic    string      `json:"topic,omitempty"`
	Envelope *Envelope   `json:"envelope,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// JoinPayload accompanies a join_room envelope.
type JoinPayload struct {
	Role Role `json:"role"`
}

// ChatPayload accompanies an outbound chat_message envelope.
type ChatPayload struct {
	Text string `json:"text"`
}

// ViewerCountPayload accompanies a viewer_count envelope.
type ViewerCountPayload struct {
	Count int `json:"count"`
}
