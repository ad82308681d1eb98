// Package roles resolves SUPANN generic role codes into display labels.
package roles

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mscno/roomsync/pkg/directory"
)

// Gender selects the inflection of a role label.
type Gender string

const (
	Neutral Gender = ""
	Male    Gender = "m"
	Female  Gender = "f"
)

// GenderFromCivilite maps a supannCivilite value to a Gender.
func GenderFromCivilite(civilite string) Gender {
	switch civilite {
	case "M.":
		return Male
	case "Mme", "Mlle":
		return Female
	default:
		return Neutral
	}
}

// attribute returns the directory attribute holding the label for g.
func (g Gender) attribute() string {
	if g == Neutral {
		return "displayName"
	}
	return "displayName;x-gender-" + string(g)
}

// GenericRole is a resolved role label.
type GenericRole struct {
	Code   string
	Gender Gender
	Label  string
}

// Directory is the subset of *directory.Directory the resolver needs.
type Directory interface {
	SearchOne(ctx context.Context, request directory.SearchRequest) (directory.Entry, error)
	DN(rdn string) string
}

type key struct {
	code   string
	gender Gender
}

// Resolver memoizes role labels for the lifetime of the process. Missing
// roles are memoized too; lookups that failed to reach the directory are not.
type Resolver struct {
	dir    Directory
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[key]*GenericRole
	group singleflight.Group
}

// New creates an empty Resolver.
func New(dir Directory, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		dir:    dir,
		logger: logger,
		cache:  make(map[key]*GenericRole),
	}
}

// Resolve returns the label of code for gender. ok is false when the role
// does not exist or has no label for that gender.
func (r *Resolver) Resolve(ctx context.Context, code string, gender Gender) (label string, ok bool) {
	k := key{code: code, gender: gender}

	r.mu.RLock()
	role, cached := r.cache[k]
	r.mu.RUnlock()
	if cached {
		return labelOf(role)
	}

	v, _, _ := r.group.Do(code+"|"+string(gender), func() (any, error) {
		r.mu.RLock()
		role, cached := r.cache[k]
		r.mu.RUnlock()
		if cached {
			return role, nil
		}
		role, err := r.lookup(ctx, code, gender)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[k] = role
		r.mu.Unlock()
		return role, nil
	})
	role, _ = v.(*GenericRole)
	return labelOf(role)
}

// ResolveAll resolves codes in order, dropping the ones without a label.
func (r *Resolver) ResolveAll(ctx context.Context, codes []string, gender Gender) []string {
	labels := make([]string, 0, len(codes))
	for _, code := range codes {
		if label, ok := r.Resolve(ctx, code, gender); ok {
			labels = append(labels, label)
		}
	}
	return labels
}

func (r *Resolver) lookup(ctx context.Context, code string, gender Gender) (*GenericRole, error) {
	entry, err := r.dir.SearchOne(ctx, directory.SearchRequest{
		Base:   r.dir.DN("ou=supannRoleGenerique,ou=tables"),
		Filter: "(up1TableKey=" + directory.EscapeFilter(code) + ")",
		Attributes: []string{
			"displayName",
			"displayName;x-gender-m",
			"displayName;x-gender-f",
		},
	})
	switch {
	case errors.Is(err, directory.ErrNotFound):
		r.logger.Debug("unknown generic role", "code", code)
		return nil, nil
	case err != nil:
		r.logger.Warn("generic role lookup failed", "code", code, "error", err)
		return nil, err
	}
	return &GenericRole{Code: code, Gender: gender, Label: entry.Get(gender.attribute())}, nil
}

func labelOf(role *GenericRole) (string, bool) {
	if role == nil || role.Label == "" {
		return "", false
	}
	return role.Label, true
}
