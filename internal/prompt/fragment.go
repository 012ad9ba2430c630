package prompt

// Role tags the speaker of a prompt fragment.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Fragment is one role-tagged unit of prompt text. Fragments are built
// per request and discarded after serialization; they are never stored.
type Fragment struct {
	Role     Role
	Text     string
	Origin   string
	Priority int
}
