package testutl

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"golang.org/x/net/websocket"
)

// Call is one REST call received by FakeChat.
type Call struct {
	Method string
	Query  map[string]string
	Body   map[string]any
}

type fakeUser struct {
	id       string
	username string
	name     string
	email    string
	bio      string
}

type fakeRoom struct {
	id string
	// name is the slug; fname is the display name rooms are created with.
	name        string
	fname       string
	topic       string
	description string
	sync        bool
	members     map[string]bool
}

// FakeChat is an in-memory Rocket.Chat REST server.
type FakeChat struct {
	Server *httptest.Server

	mu     sync.Mutex
	users  map[string]*fakeUser
	rooms  map[string]*fakeRoom
	calls  []Call
	nextID int
	fail   map[string]int

	rtMu     sync.Mutex
	realtime map[*realtimeSession]bool
}

// NewFakeChat starts a FakeChat closed at the end of the test.
func NewFakeChat(t *testing.T) *FakeChat {
	t.Helper()
	f := &FakeChat{
		users: make(map[string]*fakeUser),
		rooms: make(map[string]*fakeRoom),
		fail:  make(map[string]int),

		realtime: make(map[*realtimeSession]bool),
	}
	mux := http.NewServeMux()
	mux.Handle("/websocket", websocket.Handler(f.serveRealtime))
	mux.HandleFunc("/", f.serveHTTP)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

// APIURL returns the REST root to configure clients with.
func (f *FakeChat) APIURL() string {
	return f.Server.URL + "/api"
}

// AddUser registers an account and returns its id.
func (f *FakeChat) AddUser(username, name, email, bio string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := &fakeUser{id: f.newID("u"), username: username, name: name, email: email, bio: bio}
	f.users[username] = u
	return u.id
}

// AddRoom registers a private group with the given display name and
// returns its id. Its internal name is the slug of the display name.
func (f *FakeChat) AddRoom(name string, sync bool) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &fakeRoom{id: f.newID("r"), name: Slug(name), fname: name, sync: sync, members: make(map[string]bool)}
	f.rooms[r.id] = r
	return r.id
}

// AddMember puts a user in a room.
func (f *FakeChat) AddMember(roomName, username string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room := f.roomByName(roomName)
	user := f.users[username]
	if room == nil || user == nil {
		panic(fmt.Sprintf("unknown room %q or user %q", roomName, username))
	}
	room.members[user.id] = true
}

// FailNext makes the next n calls to method fail with a server error.
func (f *FakeChat) FailNext(method string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[method] = n
}

// Calls returns every call received so far.
func (f *FakeChat) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Mutations returns the calls that change server state, in order.
func (f *FakeChat) Mutations() []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Method != "users.info" && c.Method != "groups.listAll" {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls forgets the recorded calls.
func (f *FakeChat) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Rooms returns the sorted names of the rooms username belongs to.
func (f *FakeChat) Rooms(username string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[username]
	if user == nil {
		return nil
	}
	var names []string
	for _, room := range f.rooms {
		if room.members[user.id] {
			names = append(names, room.fname)
		}
	}
	sort.Strings(names)
	return names
}

// Profile returns the name, email and bio of username.
func (f *FakeChat) Profile(username string) (name, email, bio string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[username]
	if user == nil {
		return "", "", "", false
	}
	return user.name, user.email, user.bio, true
}

// Room returns the description and topic of a room.
func (f *FakeChat) Room(name string) (description, topic string, sync, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room := f.roomByName(name)
	if room == nil {
		return "", "", false, false
	}
	return room.description, room.topic, room.sync, true
}

func (f *FakeChat) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s%03d", prefix, f.nextID)
}

func (f *FakeChat) roomByName(name string) *fakeRoom {
	for _, room := range f.rooms {
		if room.fname == name || room.name == Slug(name) {
			return room
		}
	}
	return nil
}

// Slug mimics the room name Rocket.Chat derives from a display name when
// special characters are allowed: spaces become dashes, other characters
// outside [A-Za-z0-9._-] are dropped.
func Slug(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == ' ':
			return '-'
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		default:
			return -1
		}
	}, strings.TrimSpace(name))
}

func (f *FakeChat) userByID(id string) *fakeUser {
	for _, user := range f.users {
		if user.id == id {
			return user
		}
	}
	return nil
}

func (f *FakeChat) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Auth-Token") != ServiceAuthToken || r.Header.Get("X-User-Id") != ServiceUserID {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"status": "error", "message": "You must be logged in to do this."})
		return
	}
	method := strings.TrimPrefix(r.URL.Path, "/api/v1/")

	call := Call{Method: method, Query: map[string]string{}}
	for key := range r.URL.Query() {
		call.Query[key] = r.URL.Query().Get(key)
	}
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&call.Body); err != nil {
			writeError(w, "invalid JSON", "")
			return
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)

	if f.fail[method] > 0 {
		f.fail[method]--
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "internal error"})
		return
	}

	switch method {
	case "users.info":
		f.usersInfo(w, call)
	case "users.create":
		f.usersCreate(w, call)
	case "users.update":
		f.usersUpdate(w, call)
	case "groups.listAll":
		f.groupsListAll(w, call)
	case "groups.create":
		f.groupsCreate(w, call)
	case "groups.setDescription", "groups.setTopic", "groups.kick", "groups.invite":
		f.groupsUpdate(w, method, call)
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "Not found"})
	}
}

func (f *FakeChat) userJSON(u *fakeUser) map[string]any {
	rooms := []map[string]any{}
	for _, room := range f.rooms {
		if room.members[u.id] {
			rooms = append(rooms, map[string]any{"rid": room.id, "name": room.name, "t": "p"})
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i]["rid"].(string) < rooms[j]["rid"].(string) })
	out := map[string]any{
		"_id":      u.id,
		"username": u.username,
		"rooms":    rooms,
	}
	if u.name != "" {
		out["name"] = u.name
	}
	if u.email != "" {
		out["emails"] = []map[string]any{{"address": u.email, "verified": true}}
	}
	if u.bio != "" {
		out["bio"] = u.bio
	}
	return out
}

func (f *FakeChat) usersInfo(w http.ResponseWriter, call Call) {
	user := f.users[call.Query["username"]]
	if user == nil {
		writeError(w, "User not found.", "error-invalid-user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": f.userJSON(user)})
}

func (f *FakeChat) usersCreate(w http.ResponseWriter, call Call) {
	username, _ := call.Body["username"].(string)
	if f.users[username] != nil {
		writeError(w, username+" is already in use :(", "error-field-unavailable")
		return
	}
	name, _ := call.Body["name"].(string)
	email, _ := call.Body["email"].(string)
	user := &fakeUser{id: f.newID("u"), username: username, name: name, email: email}
	f.users[username] = user
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": f.userJSON(user)})
}

func (f *FakeChat) usersUpdate(w http.ResponseWriter, call Call) {
	userID, _ := call.Body["userId"].(string)
	user := f.userByID(userID)
	if user == nil {
		writeError(w, "User not found.", "error-invalid-user")
		return
	}
	data, _ := call.Body["data"].(map[string]any)
	for key, value := range data {
		s, _ := value.(string)
		switch key {
		case "name":
			user.name = s
		case "email":
			user.email = s
		case "bio":
			user.bio = s
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": f.userJSON(user)})
}

func (f *FakeChat) groupsListAll(w http.ResponseWriter, call Call) {
	var query map[string]any
	_ = json.Unmarshal([]byte(call.Query["query"]), &query)
	onlySync := query["customFields.ldapSync"] == true

	groups := []map[string]any{}
	for _, room := range f.rooms {
		if onlySync && !room.sync {
			continue
		}
		groups = append(groups, map[string]any{
			"_id":          room.id,
			"name":         room.name,
			"fname":        room.fname,
			"customFields": map[string]any{"ldapSync": room.sync},
		})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i]["_id"].(string) < groups[j]["_id"].(string) })

	var offset, count int
	fmt.Sscan(call.Query["offset"], &offset)
	fmt.Sscan(call.Query["count"], &count)
	total := len(groups)
	if offset > total {
		offset = total
	}
	end := total
	if count > 0 && offset+count < total {
		end = offset + count
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"groups":  groups[offset:end],
		"offset":  offset,
		"count":   end - offset,
		"total":   total,
	})
}

func (f *FakeChat) groupsCreate(w http.ResponseWriter, call Call) {
	name, _ := call.Body["name"].(string)
	if f.roomByName(name) != nil {
		writeError(w, "A channel with name '"+name+"' exists", "error-duplicate-channel-name")
		return
	}
	fields, _ := call.Body["customFields"].(map[string]any)
	room := &fakeRoom{id: f.newID("r"), name: Slug(name), fname: name, sync: fields["ldapSync"] == true, members: make(map[string]bool)}
	f.rooms[room.id] = room
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "group": map[string]any{"_id": room.id, "name": room.name, "fname": room.fname}})
}

func (f *FakeChat) groupsUpdate(w http.ResponseWriter, method string, call Call) {
	roomID, _ := call.Body["roomId"].(string)
	room := f.rooms[roomID]
	if room == nil {
		writeError(w, "The required \"roomId\" or \"roomName\" param provided does not match any group", "error-room-not-found")
		return
	}
	userID, _ := call.Body["userId"].(string)
	switch method {
	case "groups.setDescription":
		room.description, _ = call.Body["description"].(string)
	case "groups.setTopic":
		room.topic, _ = call.Body["topic"].(string)
	case "groups.kick":
		delete(room.members, userID)
	case "groups.invite":
		if f.userByID(userID) == nil {
			writeError(w, "Invalid user", "error-invalid-user")
			return
		}
		room.members[userID] = true
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func writeError(w http.ResponseWriter, message, errorType string) {
	body := map[string]any{"success": false, "error": message}
	if errorType != "" {
		body["errorType"] = errorType
	}
	writeJSON(w, http.StatusBadRequest, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
