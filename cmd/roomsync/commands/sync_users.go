package commands

import (
	"fmt"
)

type SyncUsersCmd struct {
	SyncFlags
	Filter string `arg:"" help:"LDAP filter selecting the users, e.g. (eduPersonPrimaryAffiliation=staff)."`
}

func (c *SyncUsersCmd) Run(ctx *cliCtx, g *Globals) error {
	s, err := g.build(ctx, c.SyncFlags, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	summary, err := s.syncer.SyncUsers(ctx, c.Filter)
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.Stdout, "seen=%d synced=%d failed=%d\n", summary.Seen, summary.Synced, summary.Failed)
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d users failed to synchronize", summary.Failed, summary.Seen)
	}
	return nil
}

type SyncUserCmd struct {
	SyncFlags
	Username string `arg:"" help:"Username (uid) to synchronize."`
}

func (c *SyncUserCmd) Run(ctx *cliCtx, g *Globals) error {
	s, err := g.build(ctx, c.SyncFlags, nil)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.syncer.SyncUser(ctx, c.Username)
}
