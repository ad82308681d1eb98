// Package reconcile converges a Rocket.Chat account towards the state derived
// from its directory identity.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/mscno/roomsync/pkg/identity"
	"github.com/mscno/roomsync/pkg/rocketchat"
)

// Chat is the subset of *rocketchat.Client the engine drives.
type Chat interface {
	UserInfo(ctx context.Context, username string) (*rocketchat.User, error)
	CreateUser(ctx context.Context, user rocketchat.NewUser) (*rocketchat.User, error)
	UpdateUser(ctx context.Context, userID string, fields map[string]string) error
	ListSyncRooms(ctx context.Context) ([]rocketchat.Room, error)
	CreateSyncRoom(ctx context.Context, name string) (*rocketchat.Room, error)
	SetDescription(ctx context.Context, roomID, description string) error
	SetTopic(ctx context.Context, roomID, topic string) error
	Kick(ctx context.Context, roomID, userID string) error
	Invite(ctx context.Context, roomID, userID string) error
}

// Config configures an Engine.
type Config struct {
	Chat   Chat
	Logger *slog.Logger
	// DryRun logs the plan of every reconciliation without applying it.
	DryRun bool
	// RoomAffiliations overrides DefaultRoomAffiliations.
	RoomAffiliations []string
	// Password generates the initial credential of created accounts.
	// Defaults to NewPassphrase.
	Password func() (string, error)
}

// Engine reconciles identities. It is safe for concurrent use; calls for
// the same username are serialized.
type Engine struct {
	chat         Chat
	logger       *slog.Logger
	dryRun       bool
	affiliations []string
	password     func() (string, error)
	inflight     keyedMutex
}

// New returns an Engine.
func New(config Config) (*Engine, error) {
	if config.Chat == nil {
		return nil, errors.New("reconcile: chat client is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.RoomAffiliations == nil {
		config.RoomAffiliations = DefaultRoomAffiliations
	}
	if config.Password == nil {
		config.Password = NewPassphrase
	}
	return &Engine{
		chat:         config.Chat,
		logger:       config.Logger,
		dryRun:       config.DryRun,
		affiliations: config.RoomAffiliations,
		password:     config.Password,
	}, nil
}

// SyncError is returned when a chat operation fails during a reconciliation.
type SyncError struct {
	Username string
	Op       string
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %s: %v", e.Username, e.Op, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// RoomChange is a membership change on an existing or missing sync room.
type RoomChange struct {
	RoomSpec
	// RoomID is empty when the room has to be created.
	RoomID string
}

// Plan is the set of mutations a reconciliation issues.
type Plan struct {
	Username string
	// Create is set when the account does not exist yet.
	Create bool
	// Fields holds the profile fields to update.
	Fields map[string]string
	Remove []RoomChange
	Add    []RoomChange
}

// Empty reports whether the plan mutates nothing.
func (p Plan) Empty() bool {
	return !p.Create && len(p.Fields) == 0 && len(p.Remove) == 0 && len(p.Add) == 0
}

// LogValue implements slog.LogValuer.
func (p Plan) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", p.Username),
		slog.Bool("create", p.Create),
		slog.Any("fields", sortedKeys(p.Fields)),
		slog.Any("remove", roomNames(p.Remove)),
		slog.Any("add", roomNames(p.Add)),
	)
}

// Plan computes the mutations Reconcile would issue for id without applying
// them.
func (e *Engine) Plan(ctx context.Context, id identity.Identity) (Plan, error) {
	account, err := e.chat.UserInfo(ctx, id.Username)
	if err != nil && !errors.Is(err, rocketchat.ErrUserNotFound) {
		return Plan{}, &SyncError{Username: id.Username, Op: "users.info", Err: err}
	}
	plan := Plan{Username: id.Username, Create: account == nil}
	if account == nil {
		account = &rocketchat.User{Username: id.Username}
	}
	plan.Fields = DiffProfile(account.Profile(), DesiredProfile(id))

	index, err := e.roomIndex(ctx)
	if err != nil {
		return Plan{}, &SyncError{Username: id.Username, Op: "groups.listAll", Err: err}
	}
	plan.Remove, plan.Add = e.diffRooms(id, account, index)
	return plan, nil
}

// Reconcile converges the account of id: it creates the account when it is
// missing, updates profile fields that differ and moves the account between
// sync rooms. Removals are issued before additions.
func (e *Engine) Reconcile(ctx context.Context, id identity.Identity) error {
	if id.Username == "" {
		return errors.New("reconcile: identity has no username")
	}
	unlock := e.inflight.Lock(id.Username)
	defer unlock()

	if e.dryRun {
		plan, err := e.Plan(ctx, id)
		if err != nil {
			return err
		}
		e.logger.Info("dry run", "plan", plan)
		return nil
	}

	account, err := e.account(ctx, id)
	if err != nil {
		return err
	}

	if fields := DiffProfile(account.Profile(), DesiredProfile(id)); len(fields) > 0 {
		if err := e.chat.UpdateUser(ctx, account.ID, fields); err != nil {
			return &SyncError{Username: id.Username, Op: "users.update", Err: err}
		}
		e.logger.Info("updated profile", "username", id.Username, "fields", sortedKeys(fields))
	}

	index, err := e.roomIndex(ctx)
	if err != nil {
		return &SyncError{Username: id.Username, Op: "groups.listAll", Err: err}
	}
	remove, add := e.diffRooms(id, account, index)

	for _, room := range remove {
		if err := e.chat.Kick(ctx, room.RoomID, account.ID); err != nil {
			return &SyncError{Username: id.Username, Op: "groups.kick " + room.FriendlyName, Err: err}
		}
		e.logger.Info("removed from room", "username", id.Username, "room", room.FriendlyName)
	}
	for _, room := range add {
		if room.RoomID == "" {
			created, err := e.createRoom(ctx, room.RoomSpec)
			switch {
			case rocketchat.IsDuplicateName(err):
				// Another reconcile may have created the room since the
				// index was read.
				index, lerr := e.roomIndex(ctx)
				if lerr != nil {
					return &SyncError{Username: id.Username, Op: "groups.listAll", Err: lerr}
				}
				existing, ok := index.byKey[room.FriendlyName]
				if !ok {
					e.logger.Warn("room name already taken by a room without the sync marker, skipping",
						"username", id.Username, "room", room.FriendlyName, "field", rocketchat.SyncField)
					continue
				}
				room.RoomID = existing.ID
			case err != nil:
				return &SyncError{Username: id.Username, Op: "groups.create " + room.FriendlyName, Err: err}
			default:
				room.RoomID = created.ID
			}
		}
		if err := e.chat.Invite(ctx, room.RoomID, account.ID); err != nil {
			return &SyncError{Username: id.Username, Op: "groups.invite " + room.FriendlyName, Err: err}
		}
		e.logger.Info("added to room", "username", id.Username, "room", room.FriendlyName)
	}
	return nil
}

// account fetches the account of id, creating it when it does not exist.
func (e *Engine) account(ctx context.Context, id identity.Identity) (*rocketchat.User, error) {
	account, err := e.chat.UserInfo(ctx, id.Username)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, rocketchat.ErrUserNotFound) {
		return nil, &SyncError{Username: id.Username, Op: "users.info", Err: err}
	}

	password, err := e.password()
	if err != nil {
		return nil, &SyncError{Username: id.Username, Op: "password", Err: err}
	}
	account, err = e.chat.CreateUser(ctx, rocketchat.NewUser{
		Username: id.Username,
		Name:     id.DisplayName,
		Email:    id.Email,
		Password: password,
	})
	if err != nil {
		return nil, &SyncError{Username: id.Username, Op: "users.create", Err: err}
	}
	// A new account belongs to no room yet.
	account.Rooms = nil
	return account, nil
}

func (e *Engine) createRoom(ctx context.Context, spec RoomSpec) (*rocketchat.Room, error) {
	room, err := e.chat.CreateSyncRoom(ctx, spec.FriendlyName)
	if err != nil {
		return nil, err
	}
	if err := e.chat.SetDescription(ctx, room.ID, spec.Description); err != nil {
		return nil, err
	}
	if spec.Topic != "" {
		if err := e.chat.SetTopic(ctx, room.ID, spec.Topic); err != nil {
			return nil, err
		}
	}
	e.logger.Info("created sync room", "room", spec.FriendlyName, "room_id", room.ID)
	return room, nil
}

// syncRooms indexes the sync rooms by friendly name and by id.
type syncRooms struct {
	byKey map[string]rocketchat.Room
	byID  map[string]rocketchat.Room
}

func (e *Engine) roomIndex(ctx context.Context) (syncRooms, error) {
	rooms, err := e.chat.ListSyncRooms(ctx)
	if err != nil {
		return syncRooms{}, err
	}
	index := syncRooms{
		byKey: make(map[string]rocketchat.Room, len(rooms)),
		byID:  make(map[string]rocketchat.Room, len(rooms)),
	}
	for _, room := range rooms {
		index.byID[room.ID] = room
		key := room.Key()
		if _, ok := index.byKey[key]; ok {
			e.logger.Warn("several sync rooms share a name, keeping the first", "room", key, "room_id", room.ID)
			continue
		}
		index.byKey[key] = room
	}
	return index, nil
}

// diffRooms compares the sync rooms the account belongs to with its target
// rooms. Memberships are matched by room id since users.info does not list
// friendly names.
func (e *Engine) diffRooms(id identity.Identity, account *rocketchat.User, index syncRooms) (remove, add []RoomChange) {
	current := map[string][]string{}
	for _, ref := range account.Rooms {
		room, ok := index.byID[ref.ID]
		if !ok {
			continue
		}
		key := room.Key()
		if !slices.Contains(current[key], room.ID) {
			current[key] = append(current[key], room.ID)
		}
	}

	targets := TargetRooms(id, e.affiliations)
	wanted := make(map[string]bool, len(targets))
	for _, spec := range targets {
		wanted[spec.FriendlyName] = true
		if len(current[spec.FriendlyName]) > 0 {
			continue
		}
		add = append(add, RoomChange{RoomSpec: spec, RoomID: index.byKey[spec.FriendlyName].ID})
	}
	for _, key := range sortedKeys(current) {
		if wanted[key] {
			continue
		}
		for _, roomID := range current[key] {
			remove = append(remove, RoomChange{RoomSpec: RoomSpec{FriendlyName: key}, RoomID: roomID})
		}
	}
	return remove, add
}

// DiffProfile returns the desired fields whose live value differs. Fields
// missing from live compare as "".
func DiffProfile(live, desired map[string]string) map[string]string {
	diff := map[string]string{}
	for field, value := range desired {
		if live[field] != value {
			diff[field] = value
		}
	}
	return diff
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func roomNames(changes []RoomChange) []string {
	names := make([]string, len(changes))
	for i, change := range changes {
		names[i] = change.FriendlyName
	}
	return names
}
