package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/mscno/roomsync/pkg/journal"
)

type JournalCmd struct {
	List JournalListCmd `cmd:"" help:"List the last sync outcome of every user."`
}

type JournalListCmd struct {
	Path   string `arg:"" help:"Journal file." type:"existingfile"`
	Failed bool   `help:"Only show failed users."`
}

func (c *JournalListCmd) Run(ctx *cliCtx) error {
	store, err := journal.OpenBolt(c.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(ctx.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tSYNCED AT\tERROR")
	for _, entry := range entries {
		if c.Failed && entry.OK() {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", entry.Username, entry.SyncedAt.Format(time.RFC3339), entry.Error)
	}
	return w.Flush()
}
