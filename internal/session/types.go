package session

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation. Turns are never mutated after creation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Label is the speaker prefix used when rendering history.
func (t Turn) Label() string {
	if t.Role == RoleUser {
		return "User"
	}
	return "Assistant"
}

// HistoryResponse is the payload returned by the session history endpoint.
type HistoryResponse struct {
	SessionID string `json:"session_id"`
	MaxTurns  int    `json:"max_turns"`
	Turns     []Turn `json:"turns"`
}
