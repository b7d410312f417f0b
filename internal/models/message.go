package models

import "time"

// Message represents an individual entry within a chat transcript. It contains the participant's role,
// the text exchanged, and the time the message was created. A message is frozen once its text can no
// longer change; only the trailing assistant message of a transcript is ever left unfrozen.
type Message struct {
	ID        string
	Role      Role
	Text      string
	Timestamp time.Time

	Frozen bool
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a user message. A user message is frozen as soon as it is appended.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message. While a reply is streaming, its text grows until
	// the stream terminates.
	RoleAssistant Role = "assistant"
)

// ErrorReplyText replaces the text of an assistant reply that could not be obtained.
const ErrorReplyText = "Error: Could not get a response."
