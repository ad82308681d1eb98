package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/time/rate"

	"github.com/mscno/roomsync/pkg/identity"
	"github.com/mscno/roomsync/pkg/rocketchat"
	"github.com/mscno/roomsync/pkg/structure"
	"github.com/mscno/roomsync/testutl"
)

func newTestEngine(t *testing.T, fake *testutl.FakeChat, dryRun bool) *Engine {
	t.Helper()
	client, err := rocketchat.NewClient(rocketchat.ClientConfig{
		APIURL:    fake.APIURL(),
		UserID:    testutl.ServiceUserID,
		AuthToken: testutl.ServiceAuthToken,
		RateLimit: rate.Inf,
	})
	require.NoError(t, err)
	engine, err := New(Config{
		Chat:     client,
		DryRun:   dryRun,
		Password: func() (string, error) { return "correct-horse-battery-staple", nil },
	})
	require.NoError(t, err)
	return engine
}

func methods(calls []testutl.Call) []string {
	out := make([]string, len(calls))
	for i, call := range calls {
		out[i] = call.Method
	}
	return out
}

func TestNewRequiresChat(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestReconcileCreatesAccount(t *testing.T) {
	fake := testutl.NewFakeChat(t)
	engine := newTestEngine(t, fake, false)
	id := staffIdentity()

	require.NoError(t, engine.Reconcile(context.Background(), id))

	name, email, bio, ok := fake.Profile("jdoe")
	require.True(t, ok)
	assert.Equal(t, "Jane Doe", name)
	assert.Equal(t, "jane.doe@example.org", email)
	assert.Equal(t, Bio(id), bio)
	assert.Equal(t, []string{"DSIUN", "UP1"}, fake.Rooms("jdoe"))

	description, topic, sync, ok := fake.Room("DSIUN")
	require.True(t, ok)
	assert.True(t, sync)
	assert.Equal(t, "Private exchange room for members of DSIUN", description)
	assert.Equal(t, "Direction du système d'information", topic)

	for _, call := range fake.Calls() {
		if call.Method == "users.create" {
			assert.Equal(t, "correct-horse-battery-staple", call.Body["password"])
			assert.Equal(t, false, call.Body["sendWelcomeEmail"])
		}
	}

	fake.ResetCalls()
	require.NoError(t, engine.Reconcile(context.Background(), id))
	assert.Empty(t, fake.Mutations(), "second pass must be a no-op")
}

func TestReconcileSendsOnlyDifferingFields(t *testing.T) {
	fake := testutl.NewFakeChat(t)
	id := staffIdentity()
	id.PrimaryAffiliation = "student"
	fake.AddUser("jdoe", "Jane Doe", "jane.doe@example.org", "stale bio")
	engine := newTestEngine(t, fake, false)

	require.NoError(t, engine.Reconcile(context.Background(), id))

	mutations := fake.Mutations()
	require.Len(t, mutations, 1)
	assert.Equal(t, "users.update", mutations[0].Method)
	assert.Equal(t, map[string]any{"bio": Bio(id)}, mutations[0].Body["data"])
}

func TestReconcileClearsField(t *testing.T) {
	fake := testutl.NewFakeChat(t)
	fake.AddUser("guest1", "Guest", "", "Old role, Old unit")
	engine := newTestEngine(t, fake, false)

	id := staffIdentity()
	id.Username = "guest1"
	id.DisplayName = "Guest"
	id.Email = ""
	id.PrimaryAffiliation = "affiliate"
	id.Roles = nil
	id.Unit = nil
	id.ParentUnit = nil
	require.NoError(t, engine.Reconcile(context.Background(), id))

	mutations := fake.Mutations()
	require.Len(t, mutations, 1)
	assert.Equal(t, map[string]any{"bio": ""}, mutations[0].Body["data"])
	_, _, bio, _ := fake.Profile("guest1")
	assert.Equal(t, "", bio)
}

func TestReconcileMovesRooms(t *testing.T) {
	fake := testutl.NewFakeChat(t)
	parent := &structure.OrgUnit{Code: "R3", Name: "R3", Description: "Room three"}
	id := staffIdentity()
	id.Unit = &structure.OrgUnit{Code: "R2", Name: "R2", Description: "Room two", Parent: parent}
	id.ParentUnit = parent

	fake.AddUser("jdoe", id.DisplayName, id.Email, Bio(id))
	fake.AddRoom("R1", true)
	fake.AddRoom("R2", true)
	fake.AddRoom("Lounge", false)
	fake.AddMember("R1", "jdoe")
	fake.AddMember("R2", "jdoe")
	fake.AddMember("Lounge", "jdoe")
	engine := newTestEngine(t, fake, false)

	require.NoError(t, engine.Reconcile(context.Background(), id))

	mutations := fake.Mutations()
	assert.Equal(t, []string{
		"groups.kick",
		"groups.create",
		"groups.setDescription",
		"groups.setTopic",
		"groups.invite",
	}, methods(mutations))
	assert.Equal(t, "R3", mutations[1].Body["name"])
	assert.Equal(t, []string{"Lounge", "R2", "R3"}, fake.Rooms("jdoe"))
}

func TestReconcileRemovesNonStaffFromSyncRooms(t *testing.T) {
	fake := testutl.NewFakeChat(t)
	id := staffIdentity()
	id.PrimaryAffiliation = "student"
	fake.AddUser("jdoe", id.DisplayName, id.Email, Bio(id))
	fake.AddRoom("DSIUN", true)
	fake.AddMember("DSIUN", "jdoe")
	engine := newTestEngine(t, fake, false)

	require.NoError(t, engine.Reconcile(context.Background(), id))
	assert.Equal(t, []string{"groups.kick"}, methods(fake.Mutations()))
	assert.Empty(t, fake.Rooms("jdoe"))
}

func TestReconcileSkipsDuplicateName(t *testing.T) {
	fake := testutl.NewFakeChat(t)
	id := staffIdentity()
	fake.AddUser("jdoe", id.DisplayName, id.Email, Bio(id))
	fake.AddRoom("DSIUN", false)
	engine := newTestEngine(t, fake, false)

	require.NoError(t, engine.Reconcile(context.Background(), id))

	assert.Equal(t, []string{"UP1"}, fake.Rooms("jdoe"))
	for _, call := range fake.Mutations() {
		if call.Method == "groups.invite" {
			assert.NotEqual(t, "DSIUN", call.Body["roomId"])
		}
	}
	_, _, sync, _ := fake.Room("DSIUN")
	assert.False(t, sync)
}

func spacedIdentity() identity.Identity {
	id := staffIdentity()
	id.Unit = &structure.OrgUnit{Code: "DSI", Name: "Direction du SI", Description: "Systèmes d'information"}
	id.ParentUnit = nil
	return id
}

func TestReconcileMatchesMembershipByRoomID(t *testing.T) {
	fake := testutl.NewFakeChat(t)
	id := spacedIdentity()
	fake.AddUser("jdoe", id.DisplayName, id.Email, Bio(id))
	roomID := fake.AddRoom("Direction du SI", true)
	fake.AddMember("Direction du SI", "jdoe")
	engine := newTestEngine(t, fake, false)

	plan, err := engine.Plan(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, plan.Empty(), "member of %s already: %v", roomID, plan)

	require.NoError(t, engine.Reconcile(context.Background(), id))
	assert.Empty(t, fake.Mutations())

	id.PrimaryAffiliation = "student"
	require.NoError(t, engine.Reconcile(context.Background(), id))
	mutations := fake.Mutations()
	require.Len(t, mutations, 1)
	assert.Equal(t, "groups.kick", mutations[0].Method)
	assert.Equal(t, roomID, mutations[0].Body["roomId"])
	assert.Empty(t, fake.Rooms("jdoe"))
}

func TestReconcileCreatedRoomWithSpacesIsStable(t *testing.T) {
	fake := testutl.NewFakeChat(t)
	engine := newTestEngine(t, fake, false)
	id := spacedIdentity()

	require.NoError(t, engine.Reconcile(context.Background(), id))
	assert.Equal(t, []string{"Direction du SI"}, fake.Rooms("jdoe"))

	fake.ResetCalls()
	require.NoError(t, engine.Reconcile(context.Background(), id))
	assert.Empty(t, fake.Mutations(), "second pass must be a no-op")
}

// racingChat creates the sync room behind the engine's back right before
// the engine tries to, as a concurrent reconcile of a colleague would.
type racingChat struct {
	Chat
	fake *testutl.FakeChat
}

func (r racingChat) CreateSyncRoom(ctx context.Context, name string) (*rocketchat.Room, error) {
	r.fake.AddRoom(name, true)
	return r.Chat.CreateSyncRoom(ctx, name)
}

func TestReconcileJoinsRoomCreatedConcurrently(t *testing.T) {
	fake := testutl.NewFakeChat(t)
	id := spacedIdentity()
	fake.AddUser("jdoe", id.DisplayName, id.Email, Bio(id))
	base := newTestEngine(t, fake, false)
	engine, err := New(Config{Chat: racingChat{Chat: base.chat, fake: fake}})
	require.NoError(t, err)

	require.NoError(t, engine.Reconcile(context.Background(), id))
	assert.Equal(t, []string{"Direction du SI"}, fake.Rooms("jdoe"))
	assert.Equal(t, []string{"groups.create", "groups.invite"}, methods(fake.Mutations()))
}

func TestReconcileChatFailure(t *testing.T) {
	fake := testutl.NewFakeChat(t)
	id := staffIdentity()
	fake.AddUser("jdoe", id.DisplayName, id.Email, Bio(id))
	fake.AddRoom("DSIUN", true)
	fake.AddRoom("UP1", true)
	fake.FailNext("groups.invite", 1)
	engine := newTestEngine(t, fake, false)

	err := engine.Reconcile(context.Background(), id)
	require.Error(t, err)
	var syncErr *SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, "jdoe", syncErr.Username)
	assert.True(t, strings.HasPrefix(syncErr.Op, "groups.invite"))

	var apiErr *rocketchat.APIError
	assert.True(t, errors.As(err, &apiErr))

	// The aborted invite is retried on the next pass.
	require.NoError(t, engine.Reconcile(context.Background(), id))
	assert.Equal(t, []string{"DSIUN", "UP1"}, fake.Rooms("jdoe"))
}

func TestReconcileDryRun(t *testing.T) {
	fake := testutl.NewFakeChat(t)
	fake.AddRoom("DSIUN", true)
	engine := newTestEngine(t, fake, true)
	id := staffIdentity()

	require.NoError(t, engine.Reconcile(context.Background(), id))
	assert.Empty(t, fake.Mutations())

	plan, err := engine.Plan(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, plan.Create)
	assert.False(t, plan.Empty())
	assert.Equal(t, DesiredProfile(id), plan.Fields)
	require.Len(t, plan.Add, 2)
	assert.NotEmpty(t, plan.Add[0].RoomID)
	assert.Equal(t, "UP1", plan.Add[1].FriendlyName)
	assert.Empty(t, plan.Add[1].RoomID)
	assert.Empty(t, plan.Remove)
}

func TestReconcileSerializesSameUser(t *testing.T) {
	fake := testutl.NewFakeChat(t)
	engine := newTestEngine(t, fake, false)
	id := staffIdentity()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- engine.Reconcile(context.Background(), id)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	var creates int
	for _, call := range fake.Calls() {
		if call.Method == "users.create" || call.Method == "groups.create" {
			creates++
		}
	}
	assert.Equal(t, 3, creates, "one account and two rooms")
	assert.Equal(t, 0, engine.inflight.len())
}

func TestNewPassphrase(t *testing.T) {
	passphrase, err := NewPassphrase()
	require.NoError(t, err)
	words := strings.Split(passphrase, "-")
	assert.Len(t, words, 12)
	assert.True(t, bip39.IsMnemonicValid(strings.Join(words, " ")))

	other, err := NewPassphrase()
	require.NoError(t, err)
	assert.NotEqual(t, passphrase, other)
}
