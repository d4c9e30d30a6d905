package schema

import (
	"fmt"
	"strings"
)

// Scope is the partition a record belongs to: personal, or one group.
type Scope struct {
	GroupID string
}

// Personal is the scope of records without a group.
var Personal = Scope{}

// GroupScope returns the scope of the given group.
func GroupScope(groupID string) Scope {
	return Scope{GroupID: groupID}
}

// IsPersonal reports whether s is the personal scope.
func (s Scope) IsPersonal() bool {
	return s.GroupID == ""
}

// String renders "personal" or "group:<id>".
func (s Scope) String() string {
	if s.IsPersonal() {
		return "personal"
	}
	return "group:" + s.GroupID
}

// ParseScope is the inverse of Scope.String. A bare group id is accepted too.
func ParseScope(s string) (Scope, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == "personal":
		return Personal, nil
	case strings.HasPrefix(s, "group:"):
		id := strings.TrimPrefix(s, "group:")
		if id == "" {
			return Scope{}, fmt.Errorf("invalid scope %q: empty group id", s)
		}
		return GroupScope(id), nil
	default:
		return GroupScope(s), nil
	}
}

// MarshalText encodes the scope as String does.
func (s Scope) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes the form produced by MarshalText.
func (s *Scope) UnmarshalText(text []byte) error {
	parsed, err := ParseScope(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
