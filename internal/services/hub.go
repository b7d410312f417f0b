package services

import (
	"context"
	"fmt"
	"net/http"

	"github.com/MegaGrindStone/chatbase-ui/internal/models"
)

// Credentials are the username and password used to log in or register.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// User is the profile of a hub user.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Login exchanges credentials for a bearer token.
func (c Client) Login(ctx context.Context, creds Credentials) (string, error) {
	var token string
	if err := c.call(ctx, http.MethodPost, "/user/login", nil, creds, &token); err != nil {
		return "", fmt.Errorf("failed to log in: %w", err)
	}
	if token == "" {
		return "", fmt.Errorf("failed to log in: empty token")
	}
	return token, nil
}

// Register creates a new hub user.
func (c Client) Register(ctx context.Context, creds Credentials) error {
	if err := c.call(ctx, http.MethodPost, "/user/register", nil, creds, nil); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	return nil
}

// Profile returns the profile of the user the token belongs to.
func (c Client) Profile(ctx context.Context) (User, error) {
	var u User
	if err := c.call(ctx, http.MethodGet, "/user/profile", nil, nil, &u); err != nil {
		return User{}, fmt.Errorf("failed to fetch profile: %w", err)
	}
	return u, nil
}

// ChatBases returns a page of the chatbases configured on the hub.
func (c Client) ChatBases(ctx context.Context, page, pageSize int) (models.Page[models.ChatBase], error) {
	var res models.Page[models.ChatBase]
	if err := c.call(ctx, http.MethodGet, "/mcp/chatbases", pageQuery(page, pageSize), nil, &res); err != nil {
		return models.Page[models.ChatBase]{}, fmt.Errorf("failed to fetch chatbases: %w", err)
	}
	return res, nil
}
