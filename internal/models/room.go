package models

import (
	"fmt"
	"time"
)

// Role is the part a participant plays in a live event.
type Role string

const (
	RoleHost   Role = "host"
	RoleViewer Role = "viewer"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleHost, RoleViewer:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Participant is a verified identity supplied by the identity service.
type Participant struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// ChatMessage is one comment in a room. Seq is assigned on arrival and is
// strictly increasing within a room.
type ChatMessage struct {
	ID            string    `json:"id"`
	RoomID        string    `json:"roomId"`
	ParticipantID string    `json:"participantId"`
	Text          string    `json:"text"`
	Seq           uint64    `json:"seq"`
	SentAt        time.Time `json:"sentAt"`
}

// RoomMetadata stores information about an event room
type RoomMetadata struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"` // Short, shareable room code
	HostID      string    `json:"hostId"`
	Title       string    `json:"title,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	MaxViewers  int       `json:"maxViewers"`
	ViewerCount int       `json:"viewerCount"`
}

// CreateRoomRequest is the request body for creating an event room
type CreateRoomRequest struct {
	EventID    string `json:"eventId"`
	Title      string `json:"title"`
	MaxViewers int    `json:"maxViewers" binding:"omitempty,min=1,max=10000"`
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}
