// Package journal records the outcome of the last reconciliation of every
// user.
package journal

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("no journal entry")

// Entry is the outcome of the last reconciliation of a user.
type Entry struct {
	Username string    `json:"username"`
	SyncedAt time.Time `json:"synced_at"`
	// Error is the reconciliation error, empty on success.
	Error string `json:"error,omitempty"`
}

// OK reports whether the reconciliation succeeded.
func (e Entry) OK() bool {
	return e.Error == ""
}

type Store interface {
	Record(ctx context.Context, entry Entry) error
	// Get returns ErrNotFound for users never reconciled.
	Get(ctx context.Context, username string) (*Entry, error)
	List(ctx context.Context) ([]Entry, error)
}

// Fresh reports whether username was reconciled successfully less than
// maxAge before now.
func Fresh(ctx context.Context, store Store, username string, maxAge time.Duration, now time.Time) (bool, error) {
	if maxAge <= 0 {
		return false, nil
	}
	entry, err := store.Get(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return entry.OK() && now.Sub(entry.SyncedAt) < maxAge, nil
}
