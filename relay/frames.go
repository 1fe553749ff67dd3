// Package relay implements the real-time message relay: the per-connection
// protocol state machine, the room subscription manager binding connections
// to broker consumers, and the durability/ordering contract between
// persisted history and live fan-out.
package relay

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/chatrelay/chatrelay/store"
)

// Client frame types.
const (
	FrameAuth    = "AUTH"
	FrameJoin    = "JOIN"
	FrameLeave   = "LEAVE"
	FrameMessage = "MESSAGE"
	// FrameSend is accepted as an alias for FrameMessage.
	FrameSend = "SEND"
)

// Server frame types.
const (
	FrameAuthSuccess    = "AUTH_SUCCESS"
	FrameJoinSuccess    = "JOIN_SUCCESS"
	FrameLeaveSuccess   = "LEAVE_SUCCESS"
	FrameMessageHistory = "MESSAGE_HISTORY"
	FrameNewMessage     = "NEW_MESSAGE"
	FrameError          = "ERROR"
)

// clientFrame is the superset envelope for every inbound frame. Which fields
// are meaningful depends on Type.
type clientFrame struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	RoomID  string `json:"roomId,omitempty"`
	Content string `json:"content,omitempty"`
}

func parseClientFrame(raw []byte) (*clientFrame, error) {
	var f clientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		return nil, errors.New("missing frame type")
	}
	return &f, nil
}

type authSuccessFrame struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

type joinSuccessFrame struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	RoomName string `json:"roomName"`
}

type leaveSuccessFrame struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

type historyFrame struct {
	Type     string          `json:"type"`
	RoomID   string          `json:"roomId"`
	Messages []store.Message `json:"messages"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// MessageFrame is both the NEW_MESSAGE frame sent to clients and the payload
// published to the broker: what goes over the fan-out is exactly what every
// subscriber's client receives. Clients deduplicate by ID, which may appear
// in both a history backfill and a live delivery.
type MessageFrame struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessageFrame builds the fan-out payload for a persisted message.
func NewMessageFrame(msg *store.Message) MessageFrame {
	return MessageFrame{
		Type:      FrameNewMessage,
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		Sender:    msg.Sender,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	}
}
