// Package directory exposes the LDAP search primitives the synchronizer
// needs: subtree searches returning rows whose attributes may be
// multi-valued.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ErrNotFound is returned by SearchOne when no row matches.
var ErrNotFound = errors.New("directory entry not found")

// ErrTransport marks failures to reach or query the directory.
var ErrTransport = errors.New("directory unreachable")

// Entry is a single search result row. Attribute names are case
// insensitive, as they are in LDAP.
type Entry struct {
	DN         string
	Attributes map[string][]string
}

// NewEntry builds an Entry, normalizing attribute names.
func NewEntry(dn string, attributes map[string][]string) Entry {
	normalized := make(map[string][]string, len(attributes))
	for name, values := range attributes {
		key := strings.ToLower(name)
		normalized[key] = append(normalized[key], values...)
	}
	return Entry{DN: dn, Attributes: normalized}
}

// Get returns the first value of the attribute, or "" when absent.
func (e Entry) Get(name string) string {
	values := e.Attributes[strings.ToLower(name)]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Many returns every value of a multi-valued attribute.
func (e Entry) Many(name string) []string {
	values := e.Attributes[strings.ToLower(name)]
	return append([]string(nil), values...)
}

// Has reports whether the multi-valued attribute contains value.
func (e Entry) Has(name, value string) bool {
	for _, v := range e.Attributes[strings.ToLower(name)] {
		if v == value {
			return true
		}
	}
	return false
}

// SearchRequest describes a subtree search.
type SearchRequest struct {
	Base       string
	Filter     string
	Attributes []string
	// SizeLimit caps the number of rows returned. Zero means no limit.
	SizeLimit int
}

// Conn is the transport a Directory issues searches through.
type Conn interface {
	Search(ctx context.Context, request SearchRequest) ([]Entry, error)
}

// Directory issues searches relative to a base DN and logs failures.
type Directory struct {
	conn   Conn
	base   string
	logger *slog.Logger
}

// Config holds configuration for creating a Directory.
type Config struct {
	// Base is the suffix every search base is relative to (e.g. "dc=univ,dc=fr").
	Base   string
	Logger *slog.Logger
}

// New creates a Directory on top of conn.
func New(conn Conn, config Config) (*Directory, error) {
	if conn == nil {
		return nil, fmt.Errorf("directory: conn is required")
	}
	if config.Base == "" {
		return nil, fmt.Errorf("directory: base is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Directory{conn: conn, base: config.Base, logger: config.Logger}, nil
}

// DN joins rdn with the configured base.
func (d *Directory) DN(rdn string) string {
	if rdn == "" {
		return d.base
	}
	return rdn + "," + d.base
}

// Search runs request and keeps only the requested attributes of each row.
// Transport failures are logged and returned wrapped in ErrTransport.
func (d *Directory) Search(ctx context.Context, request SearchRequest) ([]Entry, error) {
	entries, err := d.conn.Search(ctx, request)
	if err != nil {
		d.logger.Error("directory search failed",
			"base", request.Base,
			"filter", request.Filter,
			"error", err,
		)
		return nil, fmt.Errorf("%w: search %s %s: %w", ErrTransport, request.Base, request.Filter, err)
	}
	for i := range entries {
		entries[i] = pick(entries[i], request.Attributes)
	}
	return entries, nil
}

// SearchOne returns the first row matching request, or ErrNotFound.
func (d *Directory) SearchOne(ctx context.Context, request SearchRequest) (Entry, error) {
	request.SizeLimit = 1
	entries, err := d.Search(ctx, request)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, ErrNotFound
	}
	return entries[0], nil
}

// EscapeFilter escapes a value for inclusion in an LDAP filter.
func EscapeFilter(value string) string {
	return ldap.EscapeFilter(value)
}

// NormalizeFilter wraps a bare filter expression in parentheses.
func NormalizeFilter(filter string) string {
	filter = strings.TrimSpace(filter)
	if filter == "" || strings.HasPrefix(filter, "(") {
		return filter
	}
	return "(" + filter + ")"
}

func pick(entry Entry, attributes []string) Entry {
	if len(attributes) == 0 {
		return entry
	}
	picked := make(map[string][]string, len(attributes))
	for _, name := range attributes {
		key := strings.ToLower(name)
		if values, ok := entry.Attributes[key]; ok {
			picked[key] = values
		}
	}
	return Entry{DN: entry.DN, Attributes: picked}
}
