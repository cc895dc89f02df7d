package models

// Role tags a turn in a conversation history.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one role-tagged message in a session's ordered history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
