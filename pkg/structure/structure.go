// Package structure caches the organizational units (SUPANN "structures")
// of the directory as an immutable forest that is swapped atomically on
// every refresh.
package structure

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mscno/roomsync/pkg/directory"
)

const (
	// GuestCode is the code of the synthetic unit returned for unknown codes.
	GuestCode = "guest"
	// GuestName is the display name of the guest unit.
	GuestName = "Visiteur"

	// IncludedFlag marks units whose parent link is kept.
	IncludedFlag = "included"

	// DefaultRefreshInterval is how often Run reloads the units.
	DefaultRefreshInterval = time.Hour
)

var attributes = []string{
	"supannCodeEntite",
	"ou",
	"description",
	"up1Flags",
	"supannCodeEntiteParent",
}

// OrgUnit is a node of the organizational forest. Units belong to the
// snapshot they were loaded in and must not be modified.
type OrgUnit struct {
	Code        string
	Name        string
	Description string
	ParentCode  string
	// Parent points into the same snapshot. Nil for roots.
	Parent *OrgUnit
}

// IsGuest reports whether u is the synthetic guest unit.
func (u *OrgUnit) IsGuest() bool {
	return u != nil && u.Code == GuestCode
}

// Directory is the subset of *directory.Directory the cache needs.
type Directory interface {
	Search(ctx context.Context, request directory.SearchRequest) ([]directory.Entry, error)
	DN(rdn string) string
}

type snapshot struct {
	units    map[string]*OrgUnit
	guest    *OrgUnit
	loadedAt time.Time
}

// Cache holds the latest snapshot of organizational units. Lookup is safe
// for concurrent use with Refresh.
type Cache struct {
	dir    Directory
	logger *slog.Logger
	now    func() time.Time

	current atomic.Pointer[snapshot]
}

// Config holds configuration for creating a Cache.
type Config struct {
	Logger *slog.Logger
	// Now overrides the clock used to stamp snapshots.
	Now func() time.Time
}

// New creates a Cache holding only the guest unit. Call Refresh to load
// the directory units.
func New(dir Directory, config Config) *Cache {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	c := &Cache{dir: dir, logger: config.Logger, now: config.Now}
	guest := newGuest()
	c.current.Store(&snapshot{
		units: map[string]*OrgUnit{GuestCode: guest},
		guest: guest,
	})
	return c
}

func newGuest() *OrgUnit {
	return &OrgUnit{Code: GuestCode, Name: GuestName}
}

// Lookup returns the unit with the given code, or the guest unit.
func (c *Cache) Lookup(code string) *OrgUnit {
	snap := c.current.Load()
	if unit, ok := snap.units[code]; ok {
		return unit
	}
	return snap.guest
}

// Len returns the number of cached units, guest included.
func (c *Cache) Len() int {
	return len(c.current.Load().units)
}

// LoadedAt returns when the current snapshot was built. Zero before the
// first successful refresh.
func (c *Cache) LoadedAt() time.Time {
	return c.current.Load().loadedAt
}

// Refresh lists every unit and publishes a new snapshot. On failure the
// previous snapshot stays in place.
func (c *Cache) Refresh(ctx context.Context) error {
	entries, err := c.dir.Search(ctx, directory.SearchRequest{
		Base:       c.dir.DN("ou=structures"),
		Filter:     "(objectClass=*)",
		Attributes: attributes,
	})
	if err != nil {
		return fmt.Errorf("refresh structures: %w", err)
	}

	guest := newGuest()
	units := map[string]*OrgUnit{GuestCode: guest}
	for _, entry := range entries {
		code := entry.Get("supannCodeEntite")
		if code == "" {
			continue
		}
		if code == GuestCode {
			c.logger.Warn("ignoring directory unit using the reserved guest code", "dn", entry.DN)
			continue
		}
		unit := &OrgUnit{
			Code:        code,
			Name:        entry.Get("ou"),
			Description: entry.Get("description"),
		}
		if entry.Has("up1Flags", IncludedFlag) {
			unit.ParentCode = entry.Get("supannCodeEntiteParent")
		}
		if unit.Name != "" {
			unit.Description = StripDescriptionPrefix(unit.Name, unit.Description)
		}
		units[code] = unit
	}

	// Parents may be listed after their children, so links are resolved
	// once every unit is known. Sorted for a deterministic cycle break.
	codes := make([]string, 0, len(units))
	for code := range units {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		unit := units[code]
		if unit.ParentCode == "" {
			continue
		}
		parent, ok := units[unit.ParentCode]
		if !ok {
			c.logger.Debug("unit parent not found", "code", code, "parent", unit.ParentCode)
			continue
		}
		if reaches(parent, unit) {
			c.logger.Warn("dropping parent link closing a cycle", "code", code, "parent", unit.ParentCode)
			continue
		}
		unit.Parent = parent
	}

	c.current.Store(&snapshot{units: units, guest: guest, loadedAt: c.now()})
	c.logger.Info("refreshed structures", "count", len(units))
	return nil
}

// reaches reports whether target is from or one of its ancestors.
func reaches(from, target *OrgUnit) bool {
	for u := from; u != nil; u = u.Parent {
		if u == target {
			return true
		}
	}
	return false
}

// Run refreshes the cache every interval until ctx is done. Failures are
// logged and the previous snapshot is kept.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Error("periodic structure refresh failed", "error", err)
			}
		}
	}
}

// StripDescriptionPrefix removes a leading "<CODE> : " or "<name> : "
// classification prefix from a unit description.
func StripDescriptionPrefix(name, description string) string {
	prefix := regexp.MustCompile(`^([A-Z][A-Z0-9]+( [0-9]+)?|` + regexp.QuoteMeta(name) + `) : `)
	return prefix.ReplaceAllString(description, "")
}
