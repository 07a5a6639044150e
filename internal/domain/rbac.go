package domain

// APIKey is a hashed credential bound to an actor.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type RoleBinding struct {
	ActorID   string `json:"actor_id"`
	RoleID    string `json:"role_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Principal is the resolved identity of a caller.
type Principal struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}
