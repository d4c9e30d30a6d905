package gateway

import (
	"context"
	"net/http"

	"github.com/mezgeb/mezgeb/internal/schema"
)

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Phone           string `json:"phone"`
	Password        string `json:"password"`
	Username        string `json:"username"`
	EnableBiometric bool   `json:"enableBiometric,omitempty"`
}

// Login exchanges phone and password for a session. The returned token is
// not stored on c; use WithToken.
func (c *Client) Login(ctx context.Context, phone, password string) (*schema.Session, error) {
	var result schema.Session
	err := c.doRequest(ctx, http.MethodPost, "/auth/login", nil, LoginRequest{Phone: phone, Password: password}, nil, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Register creates an account and returns its first session.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*schema.Session, error) {
	var result schema.Session
	if err := c.doRequest(ctx, http.MethodPost, "/auth/register", nil, req, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (*schema.User, error) {
	var result schema.User
	if err := c.doRequest(ctx, http.MethodGet, "/auth/me", nil, nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateSettings merges settings into the user's settings. A "profileImage"
// key updates the profile image instead.
func (c *Client) UpdateSettings(ctx context.Context, settings map[string]any) (*schema.User, error) {
	var result schema.User
	if err := c.doRequest(ctx, http.MethodPatch, "/auth/settings", nil, settings, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
