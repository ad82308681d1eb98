package commands

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/time/rate"

	"github.com/mscno/roomsync"
	"github.com/mscno/roomsync/pkg/directory"
	"github.com/mscno/roomsync/pkg/identity"
	"github.com/mscno/roomsync/pkg/journal"
	"github.com/mscno/roomsync/pkg/oskeyring"
	"github.com/mscno/roomsync/pkg/reconcile"
	"github.com/mscno/roomsync/pkg/rocketchat"
	"github.com/mscno/roomsync/pkg/roles"
	"github.com/mscno/roomsync/pkg/structure"
)

// SyncFlags configure how accounts are reconciled.
type SyncFlags struct {
	DryRun           bool     `help:"Log the planned changes without applying them." env:"ROOMSYNC_DRY_RUN"`
	RoomAffiliations []string `help:"Primary affiliations given unit rooms." default:"staff,teacher,researcher,emeritus" env:"ROOMSYNC_ROOM_AFFILIATIONS"`
	JournalPath      string   `help:"bbolt file recording sync outcomes. In memory when empty." type:"path" env:"ROOMSYNC_JOURNAL"`
}

// stack is the wired synchronization pipeline.
type stack struct {
	units   *structure.Cache
	chat    *rocketchat.Client
	syncer  *roomsync.Syncer
	closers []io.Closer
}

func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	return errors.Join(errs...)
}

func (g *Globals) chatClient(ctx *cliCtx) (*rocketchat.Client, error) {
	token := g.Chat.Token
	if token == "" && g.Chat.UserID != "" {
		stored, err := oskeyring.LoadToken(ctx.OSKeyring, g.Chat.UserID)
		if err != nil && !errors.Is(err, oskeyring.ErrNotFound) {
			return nil, err
		}
		token = stored
	}
	if token == "" {
		return nil, fmt.Errorf("no chat token: set --chat-token or ROOMSYNC_CHAT_TOKEN, or run 'roomsync auth set-token'")
	}
	limit := rate.Limit(g.Chat.RateLimit)
	if g.Chat.RateLimit <= 0 {
		limit = rate.Inf
	}
	return rocketchat.NewClient(rocketchat.ClientConfig{
		APIURL:      g.Chat.URL,
		RealtimeURL: g.Chat.RealtimeURL,
		UserID:      g.Chat.UserID,
		AuthToken:   token,
		RateLimit:   limit,
		Logger:      ctx.Logger,
	})
}

func (g *Globals) directoryConn(ctx *cliCtx) (directory.Conn, io.Closer, error) {
	if ctx.DirectoryConn != nil {
		return ctx.DirectoryConn, nil, nil
	}
	conn, err := directory.NewLDAPConn(directory.LDAPConfig{
		URI:         g.LDAP.URI,
		BindDN:      g.LDAP.BindDN,
		Password:    g.LDAP.Password,
		IdleTimeout: g.LDAP.IdleTimeout,
		Logger:      ctx.Logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return conn, conn, nil
}

// build wires the pipeline and loads the structure tree once. A failed load
// leaves the guest-only tree in place; listen retries it on every refresh
// tick.
func (g *Globals) build(ctx *cliCtx, flags SyncFlags, configure func(*roomsync.Config)) (_ *stack, err error) {
	s := &stack{}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.chat, err = g.chatClient(ctx)
	if err != nil {
		return nil, err
	}

	conn, closer, err := g.directoryConn(ctx)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		s.closers = append(s.closers, closer)
	}
	dir, err := directory.New(conn, directory.Config{Base: g.LDAP.Base, Logger: ctx.Logger})
	if err != nil {
		return nil, err
	}

	s.units = structure.New(dir, structure.Config{Logger: ctx.Logger})
	if err := s.units.Refresh(ctx); err != nil {
		ctx.Logger.Error("initial structure load failed, continuing with the guest unit only", "error", err)
	}
	loader, err := identity.NewLoader(identity.Config{
		Directory: dir,
		Units:     s.units,
		Roles:     roles.New(dir, ctx.Logger),
		Logger:    ctx.Logger,
	})
	if err != nil {
		return nil, err
	}

	engine, err := reconcile.New(reconcile.Config{
		Chat:             s.chat,
		Logger:           ctx.Logger,
		DryRun:           flags.DryRun,
		RoomAffiliations: flags.RoomAffiliations,
	})
	if err != nil {
		return nil, err
	}

	config := roomsync.Config{
		Identities: loader,
		Reconciler: engine,
		Logger:     ctx.Logger,
	}
	if flags.JournalPath != "" {
		store, err := journal.OpenBolt(flags.JournalPath)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store)
		config.Journal = store
	}
	if configure != nil {
		configure(&config)
	}
	s.syncer, err = roomsync.New(config)
	if err != nil {
		return nil, err
	}
	return s, nil
}
