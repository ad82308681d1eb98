package rocketchat

import (
	"context"
)

// SyncField is the custom field marking rooms managed by the synchronizer.
const SyncField = "ldapSync"

const listPageSize = 100

// Room is a private group.
type Room struct {
	ID           string         `json:"_id"`
	Name         string         `json:"name"`
	FriendlyName string         `json:"fname"`
	Topic        string         `json:"topic"`
	Description  string         `json:"description"`
	CustomFields map[string]any `json:"customFields"`
}

// Key returns the friendly name, falling back to the internal name.
func (r Room) Key() string {
	if r.FriendlyName != "" {
		return r.FriendlyName
	}
	return r.Name
}

// ListSyncRooms lists every private group carrying the sync marker.
func (c *Client) ListSyncRooms(ctx context.Context) ([]Room, error) {
	var rooms []Room
	for offset := 0; ; {
		var response struct {
			Groups []Room `json:"groups"`
			Total  int    `json:"total"`
		}
		err := c.get(ctx, "groups.listAll", map[string]any{
			"query":  map[string]bool{"customFields." + SyncField: true},
			"count":  listPageSize,
			"offset": offset,
		}, &response)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, response.Groups...)
		offset += len(response.Groups)
		if len(response.Groups) == 0 || offset >= response.Total {
			return rooms, nil
		}
	}
}

// CreateSyncRoom creates a private group carrying the sync marker.
func (c *Client) CreateSyncRoom(ctx context.Context, name string) (*Room, error) {
	var response struct {
		Group Room `json:"group"`
	}
	err := c.post(ctx, "groups.create", map[string]any{
		"name":         name,
		"customFields": map[string]bool{SyncField: true},
	}, &response)
	if err != nil {
		return nil, err
	}
	return &response.Group, nil
}

// SetDescription sets the description of a group.
func (c *Client) SetDescription(ctx context.Context, roomID, description string) error {
	return c.post(ctx, "groups.setDescription", map[string]string{
		"roomId":      roomID,
		"description": description,
	}, nil)
}

// SetTopic sets the topic of a group.
func (c *Client) SetTopic(ctx context.Context, roomID, topic string) error {
	return c.post(ctx, "groups.setTopic", map[string]string{
		"roomId": roomID,
		"topic":  topic,
	}, nil)
}

// Kick removes a user from a group.
func (c *Client) Kick(ctx context.Context, roomID, userID string) error {
	return c.post(ctx, "groups.kick", map[string]string{
		"roomId": roomID,
		"userId": userID,
	}, nil)
}

// Invite adds a user to a group.
func (c *Client) Invite(ctx context.Context, roomID, userID string) error {
	return c.post(ctx, "groups.invite", map[string]string{
		"roomId": roomID,
		"userId": userID,
	}, nil)
}
