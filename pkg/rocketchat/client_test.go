package rocketchat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/mscno/roomsync/testutl"
)

func newTestClient(t *testing.T, apiURL string) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		APIURL:    apiURL,
		UserID:    testutl.ServiceUserID,
		AuthToken: testutl.ServiceAuthToken,
		RateLimit: rate.Inf,
	})
	require.NoError(t, err)
	return client
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.Error(t, err)

	_, err = NewClient(ClientConfig{APIURL: "http://localhost:3000/api"})
	assert.Error(t, err)

	client, err := NewClient(ClientConfig{APIURL: "https://chat.example.org/api/", UserID: "u", AuthToken: "t"})
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.org/websocket", client.realtimeURL)
	assert.Equal(t, "https://chat.example.org/api", client.apiURL)
}

func TestDeriveRealtimeURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:3000/api":     "ws://localhost:3000/websocket",
		"https://chat.example.org/api":  "wss://chat.example.org/websocket",
		"https://example.org/chat/api/": "wss://example.org/chat/websocket",
	}
	for in, want := range tests {
		got, err := deriveRealtimeURL(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}

func TestUserInfo(t *testing.T) {
	chat := testutl.NewFakeChat(t)
	chat.AddUser("jdoe", "John Doe", "jdoe@univ.fr", "")
	roomID := chat.AddRoom("Direction du SI", true)
	chat.AddMember("Direction du SI", "jdoe")
	client := newTestClient(t, chat.APIURL())

	user, err := client.UserInfo(context.Background(), "jdoe")
	require.NoError(t, err)
	assert.Equal(t, "jdoe", user.Username)
	assert.Equal(t, "jdoe@univ.fr", user.Email())
	assert.Equal(t, map[string]string{"name": "John Doe", "email": "jdoe@univ.fr", "bio": ""}, user.Profile())
	require.Len(t, user.Rooms, 1)
	assert.Equal(t, roomID, user.Rooms[0].ID)
	assert.Equal(t, "Direction-du-SI", user.Rooms[0].Name)

	calls := chat.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, `{"userRooms":1}`, calls[0].Query["fields"])
}

func TestUserInfoNotFound(t *testing.T) {
	chat := testutl.NewFakeChat(t)
	client := newTestClient(t, chat.APIURL())

	_, err := client.UserInfo(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestCreateAndUpdateUser(t *testing.T) {
	chat := testutl.NewFakeChat(t)
	client := newTestClient(t, chat.APIURL())
	ctx := context.Background()

	user, err := client.CreateUser(ctx, NewUser{Username: "jdoe", Name: "John", Email: "jdoe@univ.fr", Password: "pw"})
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)

	require.NoError(t, client.UpdateUser(ctx, user.ID, map[string]string{"bio": "DSIUN"}))
	_, _, bio, ok := chat.Profile("jdoe")
	require.True(t, ok)
	assert.Equal(t, "DSIUN", bio)

	_, err = client.CreateUser(ctx, NewUser{Username: "nopw"})
	assert.Error(t, err)
}

func TestListSyncRoomsPaginates(t *testing.T) {
	chat := testutl.NewFakeChat(t)
	for i := 0; i < listPageSize+5; i++ {
		chat.AddRoom(string(rune('A'+i%26))+string(rune('a'+i/26)), true)
	}
	chat.AddRoom("unmanaged", false)
	client := newTestClient(t, chat.APIURL())

	rooms, err := client.ListSyncRooms(context.Background())
	require.NoError(t, err)
	assert.Len(t, rooms, listPageSize+5)
	for _, room := range rooms {
		assert.NotEqual(t, "unmanaged", room.Key())
	}
	assert.Len(t, chat.Calls(), 2)
}

func TestCreateSyncRoomDuplicate(t *testing.T) {
	chat := testutl.NewFakeChat(t)
	chat.AddRoom("DSIUN", false)
	client := newTestClient(t, chat.APIURL())
	ctx := context.Background()

	room, err := client.CreateSyncRoom(ctx, "LAB")
	require.NoError(t, err)
	require.NoError(t, client.SetDescription(ctx, room.ID, "desc"))
	require.NoError(t, client.SetTopic(ctx, room.ID, "topic"))
	description, topic, sync, ok := chat.Room("LAB")
	require.True(t, ok)
	assert.Equal(t, "desc", description)
	assert.Equal(t, "topic", topic)
	assert.True(t, sync)

	_, err = client.CreateSyncRoom(ctx, "DSIUN")
	assert.True(t, IsDuplicateName(err))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "groups.create", apiErr.Method)
}

func TestKickAndInvite(t *testing.T) {
	chat := testutl.NewFakeChat(t)
	userID := chat.AddUser("jdoe", "", "", "")
	r1 := chat.AddRoom("R1", true)
	r2 := chat.AddRoom("R2", true)
	chat.AddMember("R1", "jdoe")
	client := newTestClient(t, chat.APIURL())
	ctx := context.Background()

	require.NoError(t, client.Kick(ctx, r1, userID))
	require.NoError(t, client.Invite(ctx, r2, userID))
	assert.Equal(t, []string{"R2"}, chat.Rooms("jdoe"))

	err := client.Invite(ctx, "missing", userID)
	var apiErr *APIError
	assert.True(t, errors.As(err, &apiErr))
}

func TestNonJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer srv.Close()
	client := newTestClient(t, srv.URL+"/api")

	_, err := client.UserInfo(context.Background(), "jdoe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected json")
	assert.False(t, errors.Is(err, ErrUserNotFound))
}

func TestUnauthorized(t *testing.T) {
	chat := testutl.NewFakeChat(t)
	client, err := NewClient(ClientConfig{APIURL: chat.APIURL(), UserID: "x", AuthToken: "wrong", RateLimit: rate.Inf})
	require.NoError(t, err)

	err = client.Kick(context.Background(), "r", "u")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestQueryString(t *testing.T) {
	qs, err := queryString(nil)
	require.NoError(t, err)
	assert.Equal(t, "", qs)

	qs, err = queryString(map[string]any{"username": "jdoe", "fields": map[string]int{"userRooms": 1}})
	require.NoError(t, err)
	assert.Equal(t, "?fields=%7B%22userRooms%22%3A1%7D&username=jdoe", qs)
}
