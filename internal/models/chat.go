package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// SessionContext identifies the conversation a message belongs to: the chatbase the user talks to
// and, optionally, the server-side session within it.
type SessionContext struct {
	ChatBaseID int64
	SessionID  string
}

// Key returns a stable string form of the context, suitable as a storage key.
func (c SessionContext) Key() string {
	key := strconv.FormatInt(c.ChatBaseID, 10)
	if c.SessionID != "" {
		key += "/" + c.SessionID
	}
	return key
}

// ChatBase is a conversational widget configured on the hub.
type ChatBase struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name"`
	RolePrompt string  `json:"rolePrompt"`
	Greeting   string  `json:"greeting"`
	AppID      string  `json:"appId"`
	Status     string  `json:"status"`
	GroupIDs   []int64 `json:"groupIds"`
	CreatedAt  HubTime `json:"createdAt"`
	UpdatedAt  HubTime `json:"updatedAt"`
}

// Chatbase statuses reported by the hub.
const (
	ChatBaseActive   = "ACTIVE"
	ChatBaseInactive = "INACTIVE"
)

// ChatHistory is one stored exchange of a chatbase session: the user's message and the reply it got.
type ChatHistory struct {
	ID          int64   `json:"id"`
	ChatBaseID  int64   `json:"chatBaseId"`
	UserMessage string  `json:"userMessage"`
	AIResponse  string  `json:"aiResponse"`
	Timestamp   HubTime `json:"timestamp"`
}

// Page is the hub's paginated list response.
type Page[T any] struct {
	Content       []T   `json:"content"`
	TotalElements int64 `json:"totalElements"`
	TotalPages    int   `json:"totalPages"`
	Number        int   `json:"number"`
	Size          int   `json:"size"`
	First         bool  `json:"first"`
	Last          bool  `json:"last"`
	Empty         bool  `json:"empty"`
}

// Conversation is an archived transcript, kept locally once its exchanges are finalized.
type Conversation struct {
	ID       string
	Context  SessionContext
	Title    string
	Messages []Message
	Updated  time.Time
}

// HubTime is a timestamp as the hub serializes it. Depending on the entity the hub emits either epoch
// milliseconds or a zone-less local date time, neither of which time.Time decodes, so the value is kept
// as display text. Epoch values are converted to RFC 3339.
type HubTime string

// UnmarshalJSON accepts a JSON string, a JSON number of epoch milliseconds, or null.
func (t *HubTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = HubTime(s)
		return nil
	}

	millis, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid hub timestamp %s: %w", data, err)
	}
	*t = HubTime(time.UnixMilli(millis).UTC().Format(time.RFC3339))
	return nil
}
