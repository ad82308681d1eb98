package rocketchat

import (
	"context"
	"errors"
	"fmt"
)

// Profile field names, as accepted by users.update.
const (
	FieldName  = "name"
	FieldEmail = "email"
	FieldBio   = "bio"
)

// Email is one address of a user.
type Email struct {
	Address  string `json:"address"`
	Verified bool   `json:"verified"`
}

// RoomRef is a room a user belongs to, as listed by users.info. The
// listing carries the internal name only; match rooms by ID.
type RoomRef struct {
	ID   string `json:"rid"`
	Name string `json:"name"`
	Type string `json:"t"`
}

// User is a Rocket.Chat account.
type User struct {
	ID       string    `json:"_id"`
	Username string    `json:"username"`
	Name     string    `json:"name"`
	Bio      string    `json:"bio"`
	Emails   []Email   `json:"emails"`
	Rooms    []RoomRef `json:"rooms"`
}

// Email returns the primary address, or "".
func (u User) Email() string {
	if len(u.Emails) == 0 {
		return ""
	}
	return u.Emails[0].Address
}

// Profile returns the synchronized profile fields. Absent fields are "".
func (u User) Profile() map[string]string {
	return map[string]string{
		FieldName:  u.Name,
		FieldEmail: u.Email(),
		FieldBio:   u.Bio,
	}
}

// NewUser describes an account to create.
type NewUser struct {
	Username string
	Name     string
	Email    string
	Password string
}

// UserInfo fetches a user and the rooms it belongs to. Returns
// ErrUserNotFound for unknown usernames.
func (c *Client) UserInfo(ctx context.Context, username string) (*User, error) {
	var response struct {
		User User `json:"user"`
	}
	err := c.get(ctx, "users.info", map[string]any{
		"username": username,
		"fields":   map[string]int{"userRooms": 1},
	}, &response)
	if err != nil {
		if isUserNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
		}
		return nil, err
	}
	return &response.User, nil
}

// CreateUser provisions an account. No welcome mail is sent and default
// channels are not joined.
func (c *Client) CreateUser(ctx context.Context, user NewUser) (*User, error) {
	if user.Username == "" || user.Password == "" {
		return nil, errors.New("rocketchat: username and password are required to create a user")
	}
	var response struct {
		User User `json:"user"`
	}
	err := c.post(ctx, "users.create", map[string]any{
		"username":            user.Username,
		"name":                user.Name,
		"email":               user.Email,
		"password":            user.Password,
		"verified":            true,
		"sendWelcomeEmail":    false,
		"joinDefaultChannels": false,
	}, &response)
	if err != nil {
		return nil, err
	}
	c.logger.Info("created rocket.chat user", "username", user.Username, "user_id", response.User.ID)
	return &response.User, nil
}

// UpdateUser sets profile fields of the user with the given id.
func (c *Client) UpdateUser(ctx context.Context, userID string, fields map[string]string) error {
	return c.post(ctx, "users.update", map[string]any{
		"userId": userID,
		"data":   fields,
	}, nil)
}
