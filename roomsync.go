// Package roomsync keeps Rocket.Chat accounts and private rooms in line with
// an LDAP directory.
package roomsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mscno/roomsync/pkg/identity"
	"github.com/mscno/roomsync/pkg/journal"
)

// Identities loads directory identities. *identity.Loader implements it.
type Identities interface {
	Get(ctx context.Context, username string) (identity.Identity, error)
	List(ctx context.Context, filter string) ([]identity.Identity, error)
}

// Reconciler converges one account. *reconcile.Engine implements it.
type Reconciler interface {
	Reconcile(ctx context.Context, id identity.Identity) error
}

type Config struct {
	Identities Identities
	Reconciler Reconciler
	// Journal records reconciliation outcomes. Defaults to an in-memory
	// journal.
	Journal journal.Store
	// ResyncAfter makes SyncOnline skip users reconciled successfully more
	// recently than this. Zero reconciles on every event.
	ResyncAfter time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// Summary counts the outcome of a batch.
type Summary struct {
	Seen   int
	Synced int
	Failed int
}

func (s Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("seen", s.Seen),
		slog.Int("synced", s.Synced),
		slog.Int("failed", s.Failed),
	)
}

// Counters are the totals since the Syncer was created.
type Counters struct {
	Reconciled int64
	Failed     int64
	Skipped    int64
}

// Syncer loads identities from the directory and reconciles their accounts.
type Syncer struct {
	identities  Identities
	reconciler  Reconciler
	journal     journal.Store
	resyncAfter time.Duration
	logger      *slog.Logger
	now         func() time.Time

	reconciled atomic.Int64
	failed     atomic.Int64
	skipped    atomic.Int64
}

func New(config Config) (*Syncer, error) {
	if config.Identities == nil || config.Reconciler == nil {
		return nil, errors.New("roomsync: identities and reconciler are required")
	}
	if config.Journal == nil {
		config.Journal = journal.NewMemoryStore()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Syncer{
		identities:  config.Identities,
		reconciler:  config.Reconciler,
		journal:     config.Journal,
		resyncAfter: config.ResyncAfter,
		logger:      config.Logger,
		now:         config.Now,
	}, nil
}

// SyncUser reconciles the account of username. Usernames unknown to the
// directory are logged and ignored.
func (s *Syncer) SyncUser(ctx context.Context, username string) error {
	id, err := s.identities.Get(ctx, username)
	if errors.Is(err, identity.ErrNotFound) {
		s.logger.Info("ignoring unknown user", "username", username)
		return nil
	}
	if err != nil {
		s.failed.Add(1)
		return fmt.Errorf("load %s: %w", username, err)
	}
	return s.reconcile(ctx, id)
}

// SyncOnline is the listener callback: it reconciles username unless the
// journal shows a recent successful pass. Errors are logged.
func (s *Syncer) SyncOnline(ctx context.Context, username string) {
	fresh, err := journal.Fresh(ctx, s.journal, username, s.resyncAfter, s.now())
	if err != nil {
		s.logger.Warn("failed to read sync journal", "username", username, "error", err)
	}
	if fresh {
		s.skipped.Add(1)
		s.logger.Debug("recently synchronized, skipping", "username", username)
		return
	}
	if err := s.SyncUser(ctx, username); err != nil {
		s.logger.Error("failed to synchronize user", "username", username, "error", err)
	}
}

// SyncUsers reconciles every identity matching filter, one at a time. A
// failing identity is logged and counted; the batch goes on. The returned
// error reports listing failures and cancellation only.
func (s *Syncer) SyncUsers(ctx context.Context, filter string) (Summary, error) {
	var summary Summary
	ids, err := s.identities.List(ctx, filter)
	if err != nil {
		return summary, fmt.Errorf("list identities: %w", err)
	}
	s.logger.Info("synchronizing users", "filter", filter, "count", len(ids))

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Seen++
		if err := s.reconcile(ctx, id); err != nil {
			summary.Failed++
			s.logger.Error("failed to synchronize user", "username", id.Username, "error", err)
			continue
		}
		summary.Synced++
	}
	s.logger.Info("synchronization done", "summary", summary)
	return summary, nil
}

// Counters returns the totals since the Syncer was created.
func (s *Syncer) Counters() Counters {
	return Counters{
		Reconciled: s.reconciled.Load(),
		Failed:     s.failed.Load(),
		Skipped:    s.skipped.Load(),
	}
}

func (s *Syncer) reconcile(ctx context.Context, id identity.Identity) error {
	s.logger.Debug("reconciling user",
		"username", id.Username,
		"category", id.Category(),
		"redlisted", id.Redlisted,
	)
	err := s.reconciler.Reconcile(ctx, id)

	entry := journal.Entry{Username: id.Username, SyncedAt: s.now()}
	if err != nil {
		s.failed.Add(1)
		entry.Error = err.Error()
	} else {
		s.reconciled.Add(1)
	}
	if jerr := s.journal.Record(ctx, entry); jerr != nil {
		s.logger.Warn("failed to record sync journal", "username", id.Username, "error", jerr)
	}
	return err
}
