// Package identity builds canonical Identity records from directory
// person entries.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mscno/roomsync/pkg/directory"
	"github.com/mscno/roomsync/pkg/roles"
	"github.com/mscno/roomsync/pkg/structure"
)

// ErrNotFound is returned by Get for usernames unknown to the directory.
var ErrNotFound = errors.New("unknown directory identity")

var attributes = []string{
	"uid",
	"displayName",
	"mail",
	"eduPersonPrimaryAffiliation",
	"supannEntiteAffectation",
	"supannRoleGenerique",
	"supannCivilite",
	"supannListeRouge",
	"modifyTimestamp",
}

// Identity is the directory view of a person. It is built once per query
// and treated as a value: nothing modifies it after construction.
type Identity struct {
	Username           string
	DisplayName        string
	Email              string
	PrimaryAffiliation string
	Redlisted          bool
	// Roles holds resolved generic role labels in directory order.
	Roles []string
	// Unit is the assigned unit, or the guest unit.
	Unit *structure.OrgUnit
	// ParentUnit is Unit's parent, when it has one.
	ParentUnit   *structure.OrgUnit
	LastModified time.Time
}

// Category is the simplified affiliation of an identity.
type Category string

const (
	CategoryStaff   Category = "staff"
	CategoryStudent Category = "student"
	CategoryGuest   Category = "guest"
)

// SimplifyAffiliation groups eduPersonPrimaryAffiliation values.
func SimplifyAffiliation(affiliation string) Category {
	switch affiliation {
	case "staff", "teacher", "researcher", "emeritus", "retired":
		return CategoryStaff
	case "student", "alum":
		return CategoryStudent
	default:
		return CategoryGuest
	}
}

// Category returns the simplified affiliation of id.
func (id Identity) Category() Category {
	return SimplifyAffiliation(id.PrimaryAffiliation)
}

// Directory is the subset of *directory.Directory the loader needs.
type Directory interface {
	Search(ctx context.Context, request directory.SearchRequest) ([]directory.Entry, error)
	SearchOne(ctx context.Context, request directory.SearchRequest) (directory.Entry, error)
	DN(rdn string) string
}

// Units looks up organizational units by code.
type Units interface {
	Lookup(code string) *structure.OrgUnit
}

// Roles resolves role codes into labels.
type Roles interface {
	ResolveAll(ctx context.Context, codes []string, gender roles.Gender) []string
}

// Loader reads persons from the directory.
type Loader struct {
	dir    Directory
	units  Units
	roles  Roles
	logger *slog.Logger
}

// Config holds the collaborators of a Loader.
type Config struct {
	Directory Directory
	Units     Units
	Roles     Roles
	Logger    *slog.Logger
}

// NewLoader creates a Loader.
func NewLoader(config Config) (*Loader, error) {
	if config.Directory == nil || config.Units == nil || config.Roles == nil {
		return nil, fmt.Errorf("identity: directory, units and roles are required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Loader{
		dir:    config.Directory,
		units:  config.Units,
		roles:  config.Roles,
		logger: config.Logger,
	}, nil
}

// Get loads the person with the given uid.
func (l *Loader) Get(ctx context.Context, username string) (Identity, error) {
	entry, err := l.dir.SearchOne(ctx, directory.SearchRequest{
		Base:       l.dir.DN("ou=people"),
		Filter:     "(uid=" + directory.EscapeFilter(username) + ")",
		Attributes: attributes,
	})
	if errors.Is(err, directory.ErrNotFound) {
		return Identity{}, fmt.Errorf("%w: %s", ErrNotFound, username)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("load identity %s: %w", username, err)
	}
	return l.build(ctx, entry), nil
}

// List loads every person matching filter, in directory order.
func (l *Loader) List(ctx context.Context, filter string) ([]Identity, error) {
	entries, err := l.dir.Search(ctx, directory.SearchRequest{
		Base:       l.dir.DN("ou=people"),
		Filter:     "(&(uid=*)" + directory.NormalizeFilter(filter) + ")",
		Attributes: attributes,
	})
	if err != nil {
		return nil, fmt.Errorf("list identities %q: %w", filter, err)
	}
	identities := make([]Identity, 0, len(entries))
	for _, entry := range entries {
		identities = append(identities, l.build(ctx, entry))
	}
	return identities, nil
}

func (l *Loader) build(ctx context.Context, entry directory.Entry) Identity {
	gender := roles.GenderFromCivilite(entry.Get("supannCivilite"))
	unit := l.units.Lookup(entry.Get("supannEntiteAffectation"))

	id := Identity{
		Username:           entry.Get("uid"),
		DisplayName:        entry.Get("displayName"),
		Email:              entry.Get("mail"),
		PrimaryAffiliation: entry.Get("eduPersonPrimaryAffiliation"),
		Redlisted:          entry.Get("supannListeRouge") == "TRUE",
		Roles:              l.roles.ResolveAll(ctx, entry.Many("supannRoleGenerique"), gender),
		Unit:               unit,
		ParentUnit:         unit.Parent,
	}
	if ts := entry.Get("modifyTimestamp"); ts != "" {
		modified, err := ParseGeneralizedTime(ts)
		if err != nil {
			l.logger.Debug("ignoring malformed modifyTimestamp", "username", id.Username, "value", ts)
		} else {
			id.LastModified = modified
		}
	}
	return id
}

var generalizedTimeLayouts = []string{
	"20060102150405Z0700",
	"20060102150405.999999999Z0700",
	"200601021504Z0700",
}

// ParseGeneralizedTime parses an LDAP GeneralizedTime value.
func ParseGeneralizedTime(value string) (time.Time, error) {
	for _, layout := range generalizedTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid generalized time %q", value)
}
