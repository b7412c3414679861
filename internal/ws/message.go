package ws

import (
	"github.com/chatchat/internal/model"
	"github.com/chatchat/internal/session"
)

type EventType string

const (
	EventRoomState   EventType = "room_state"
	EventSendMessage EventType = "send_message"
	EventRefresh     EventType = "refresh"
	EventError       EventType = "error"
)

// IncomingMessage is what a view sends to the client process.
type IncomingMessage struct {
	Type EventType `json:"type"`
	Text string    `json:"text,omitempty"`
}

// OutgoingMessage is what the client process sends to a view.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// MessageView is a message as a view renders it.
type MessageView struct {
	model.ChatMessage
	Mine bool `json:"mine"`
}

// RoomStatePayload is the full room view: messages, presence split by liveness, and access.
type RoomStatePayload struct {
	RoomID      string           `json:"room_id"`
	Messages    []MessageView    `json:"messages"`
	Online      []model.ChatUser `json:"online"`
	Offline     []model.ChatUser `json:"offline"`
	OnlineCount int              `json:"online_count"`
	Loading     bool             `json:"loading"`
	Authorized  bool             `json:"authorized"`
	Error       string           `json:"error,omitempty"`
	Version     uint64           `json:"version"`
}

// NewRoomState renders st for the viewer uid.
func NewRoomState(st session.State, uid string) RoomStatePayload {
	msgs := make([]MessageView, len(st.Messages))
	for i, m := range st.Messages {
		msgs[i] = MessageView{ChatMessage: m, Mine: m.IsSentBy(uid)}
	}
	online, offline := model.PartitionOnline(st.Users)
	return RoomStatePayload{
		RoomID:      st.RoomID,
		Messages:    msgs,
		Online:      online,
		Offline:     offline,
		OnlineCount: len(online),
		Loading:     st.Loading,
		Authorized:  st.Authorized,
		Error:       st.ErrMessage(),
		Version:     st.Version,
	}
}

type ErrorPayload struct {
	Message string `json:"message"`
}
