package schema

import "time"

// Group links two or more users who share expenses and categories.
type Group struct {
	ID           string     `json:"_id"`
	Name         string     `json:"name"`
	Members      []Ref      `json:"members"`
	ConnectionID string     `json:"connectionId,omitempty"`
	CreatedAt    *time.Time `json:"createdAt,omitempty"`
}

// HasMember reports whether userID belongs to the group.
func (g *Group) HasMember(userID string) bool {
	for _, m := range g.Members {
		if string(m) == userID {
			return true
		}
	}
	return false
}

// User is the authenticated account.
type User struct {
	ID               string         `json:"_id"`
	Phone            string         `json:"phone"`
	Username         string         `json:"username,omitempty"`
	BiometricEnabled bool           `json:"biometricEnabled,omitempty"`
	ProfileImage     string         `json:"profileImage,omitempty"`
	Settings         map[string]any `json:"settings,omitempty"`
}

// Session is what a successful login or registration returns.
type Session struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}
