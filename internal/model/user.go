package model

import (
	"encoding/json"
	"sort"
	"time"
)

// Wire field names of a presence record under chat-rooms/{roomId}/users/{userId}.
const (
	FieldName     = "name"
	FieldEmail    = "email"
	FieldPhotoURL = "photoURL"
	FieldIsOnline = "isOnline"
	FieldLastSeen = "lastSeen"
)

// Identity is the currently authenticated account as the identity provider reports it.
type Identity struct {
	UID         string `json:"uid"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	PhotoURL    string `json:"photo_url,omitempty"`
}

// SenderName returns the name written into messages and presence.
func (i Identity) SenderName() string {
	if i.DisplayName == "" {
		return UnknownSenderName
	}
	return i.DisplayName
}

// ChatUser is the presence record of one user in one room.
type ChatUser struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Email    string  `json:"email"`
	PhotoURL string  `json:"photo_url,omitempty"`
	IsOnline bool    `json:"is_online"`
	LastSeen float64 `json:"last_seen"`
}

// Record encodes the full presence record (written with overwrite semantics).
func (u ChatUser) Record() map[string]any {
	return map[string]any{
		FieldName:     u.Name,
		FieldEmail:    u.Email,
		FieldPhotoURL: u.PhotoURL,
		FieldIsOnline: u.IsOnline,
		FieldLastSeen: u.LastSeen,
	}
}

// PresenceFor builds the online presence record written when identity enters a room.
func PresenceFor(id Identity, now float64) ChatUser {
	return ChatUser{
		ID:       id.UID,
		Name:     id.SenderName(),
		Email:    id.Email,
		PhotoURL: id.PhotoURL,
		IsOnline: true,
		LastSeen: now,
	}
}

// DecodeUser builds a ChatUser from a child of the users collection.
// Name and email are required; isOnline defaults to false and lastSeen to now.
func DecodeUser(key string, value any, now float64) (ChatUser, error) {
	rec, ok := value.(map[string]any)
	if !ok {
		return ChatUser{}, ErrIncomplete
	}
	name, ok := rec[FieldName].(string)
	if !ok {
		return ChatUser{}, ErrIncomplete
	}
	email, ok := rec[FieldEmail].(string)
	if !ok {
		return ChatUser{}, ErrIncomplete
	}
	online, _ := rec[FieldIsOnline].(bool)
	lastSeen, ok := AsFloat(rec[FieldLastSeen])
	if !ok {
		lastSeen = now
	}
	photo, _ := rec[FieldPhotoURL].(string)
	return ChatUser{
		ID:       key,
		Name:     name,
		Email:    email,
		PhotoURL: photo,
		IsOnline: online,
		LastSeen: lastSeen,
	}, nil
}

// SortUsers orders users by id so a published set does not depend on delivery order.
func SortUsers(users []ChatUser) {
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
}

// PartitionOnline splits users into online and offline, keeping order.
func PartitionOnline(users []ChatUser) (online, offline []ChatUser) {
	online = make([]ChatUser, 0, len(users))
	offline = make([]ChatUser, 0)
	for _, u := range users {
		if u.IsOnline {
			online = append(online, u)
		} else {
			offline = append(offline, u)
		}
	}
	return online, offline
}

// EpochSeconds converts t to fractional seconds since the Unix epoch.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// AsFloat accepts the numeric shapes a decoded record may carry.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
