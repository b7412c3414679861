package model

import (
	"errors"
	"sort"
	"strings"
)

// ErrIncomplete is returned by decoders when a remote record lacks a required field.
var ErrIncomplete = errors.New("incomplete record")

// Wire field names of a message record under chat-rooms/{roomId}/messages/{autoId}.
const (
	FieldText           = "text"
	FieldSenderID       = "senderId"
	FieldSenderName     = "senderName"
	FieldSenderPhotoURL = "senderPhotoURL"
	FieldTimestamp      = "timestamp"
)

// UnknownSenderName is written when the identity has no display name.
const UnknownSenderName = "Unknown User"

// ChatMessage is an immutable message of a room. ID is assigned by the store.
type ChatMessage struct {
	ID             string  `json:"id"`
	RoomID         string  `json:"room_id"`
	Text           string  `json:"text"`
	SenderID       string  `json:"sender_id"`
	SenderName     string  `json:"sender_name"`
	SenderPhotoURL string  `json:"sender_photo_url,omitempty"`
	Timestamp      float64 `json:"timestamp"`
}

// IsSentBy reports whether uid authored the message.
func (m ChatMessage) IsSentBy(uid string) bool {
	return uid != "" && m.SenderID == uid
}

// Record encodes the message body as it is written to the store.
func (m ChatMessage) Record() map[string]any {
	return map[string]any{
		FieldText:           m.Text,
		FieldSenderID:       m.SenderID,
		FieldSenderName:     m.SenderName,
		FieldSenderPhotoURL: m.SenderPhotoURL,
		FieldTimestamp:      m.Timestamp,
	}
}

// DecodeMessage builds a ChatMessage from a child of the messages collection.
// Records without text, senderId, senderName or a numeric timestamp yield ErrIncomplete.
func DecodeMessage(roomID, key string, value any) (ChatMessage, error) {
	rec, ok := value.(map[string]any)
	if !ok {
		return ChatMessage{}, ErrIncomplete
	}
	text, ok := rec[FieldText].(string)
	if !ok || strings.TrimSpace(text) == "" {
		return ChatMessage{}, ErrIncomplete
	}
	senderID, ok := rec[FieldSenderID].(string)
	if !ok {
		return ChatMessage{}, ErrIncomplete
	}
	senderName, ok := rec[FieldSenderName].(string)
	if !ok {
		return ChatMessage{}, ErrIncomplete
	}
	ts, ok := AsFloat(rec[FieldTimestamp])
	if !ok {
		return ChatMessage{}, ErrIncomplete
	}
	photo, _ := rec[FieldSenderPhotoURL].(string)
	return ChatMessage{
		ID:             key,
		RoomID:         roomID,
		Text:           text,
		SenderID:       senderID,
		SenderName:     senderName,
		SenderPhotoURL: photo,
		Timestamp:      ts,
	}, nil
}

// SortByTimestamp orders messages ascending by timestamp. Equal timestamps keep
// their incoming order, which for snapshots is the store key order.
func SortByTimestamp(msgs []ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp < msgs[j].Timestamp })
}

// NormalizeText trims text for sending; ok is false when nothing is left.
func NormalizeText(text string) (string, bool) {
	t := strings.TrimSpace(text)
	return t, t != ""
}
