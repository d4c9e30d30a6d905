package schema

import (
	"strings"
	"time"
)

// Category groups expenses. Categories may be personal or shared with a group.
type Category struct {
	ID          string     `json:"_id,omitempty"`
	Name        string     `json:"name"`
	Icon        string     `json:"icon"`
	Color       string     `json:"color,omitempty"`
	UserID      Ref        `json:"userId,omitempty"`
	GroupID     Ref        `json:"groupId,omitempty"`
	IsVisible   *bool      `json:"isVisible,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`

	Status Status `json:"status,omitempty"`
}

// DefaultCategoryColor is used when a category is created without a color.
const DefaultCategoryColor = "#333"

// Validate checks the fields the server requires.
func (c *Category) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return invalid("name is required")
	}
	if strings.TrimSpace(c.Icon) == "" {
		return invalid("icon is required")
	}
	return nil
}

// SetDefaults fills optional fields the way the server would.
func (c *Category) SetDefaults() {
	if c.Color == "" {
		c.Color = DefaultCategoryColor
	}
	if c.IsVisible == nil {
		visible := true
		c.IsVisible = &visible
	}
}

// Visible reports whether the category should be shown.
func (c *Category) Visible() bool {
	return c.IsVisible == nil || *c.IsVisible
}

// Scope returns the partition the category belongs to.
func (c *Category) Scope() Scope {
	return GroupScope(string(c.GroupID))
}

// CategoryUpdate is a partial update. Nil fields are left unchanged.
type CategoryUpdate struct {
	Name      *string `json:"name,omitempty"`
	Icon      *string `json:"icon,omitempty"`
	Color     *string `json:"color,omitempty"`
	IsVisible *bool   `json:"isVisible,omitempty"`
}
