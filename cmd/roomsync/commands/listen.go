package commands

import (
	"context"
	"errors"
	"time"

	"github.com/mscno/roomsync"
	"github.com/mscno/roomsync/pkg/listener"
	"github.com/mscno/roomsync/pkg/structure"
	"github.com/mscno/roomsync/server"
)

type ListenCmd struct {
	SyncFlags
	Policy          string        `help:"What to do when the realtime connection is lost." enum:"exit,reconnect" default:"exit" env:"ROOMSYNC_DISCONNECT_POLICY"`
	MaxAttempts     int           `help:"Give up after this many consecutive failed connections (reconnect policy). Zero retries forever." default:"0" env:"ROOMSYNC_MAX_ATTEMPTS"`
	ResyncAfter     time.Duration `help:"Skip users synchronized successfully more recently than this." default:"0s" env:"ROOMSYNC_RESYNC_AFTER"`
	RefreshInterval time.Duration `help:"How often the structure tree is reloaded." default:"1h" env:"ROOMSYNC_REFRESH_INTERVAL"`
	StatusAddr      string        `help:"Serve /healthz and /status on this address." env:"ROOMSYNC_STATUS_ADDR"`
	StatusOrigins   []string      `help:"Origins allowed to read the status endpoints from a browser." env:"ROOMSYNC_STATUS_ORIGINS"`
}

func (c *ListenCmd) Run(ctx *cliCtx, g *Globals) error {
	s, err := g.build(ctx, c.SyncFlags, func(config *roomsync.Config) {
		config.ResyncAfter = c.ResyncAfter
	})
	if err != nil {
		return err
	}
	defer s.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	interval := c.RefreshInterval
	if interval <= 0 {
		interval = structure.DefaultRefreshInterval
	}
	go s.units.Run(runCtx, interval)

	l, err := listener.New(listener.Config{
		Dial: func(ctx context.Context) (listener.Conn, error) {
			conn, err := s.chat.DialRealtime(ctx)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		UserID:      s.chat.UserID(),
		AuthToken:   s.chat.AuthToken(),
		OnOnline:    s.syncer.SyncOnline,
		Policy:      listener.Policy(c.Policy),
		MaxAttempts: c.MaxAttempts,
		Logger:      ctx.Logger,
	})
	if err != nil {
		return err
	}

	serverErrs := make(chan error, 1)
	if c.StatusAddr != "" {
		srv, err := server.New(server.Config{
			Addr:           c.StatusAddr,
			Status:         statusFunc(l, s),
			AllowedOrigins: c.StatusOrigins,
			Logger:         ctx.Logger,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := srv.ListenAndServe(runCtx); err != nil {
				serverErrs <- err
				cancel()
			}
		}()
	}

	err = l.Run(runCtx)
	select {
	case serr := <-serverErrs:
		return serr
	default:
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		ctx.Logger.Info("shutting down")
		return nil
	}
	return err
}

func statusFunc(l *listener.Listener, s *stack) server.StatusFunc {
	return func() server.Status {
		stats := l.Stats()
		counters := s.syncer.Counters()
		status := server.Status{
			State:      stats.State.String(),
			Healthy:    stats.State == listener.Streaming,
			Events:     stats.Events,
			Sessions:   stats.Sessions,
			Reconciled: counters.Reconciled,
			Failed:     counters.Failed,
			Skipped:    counters.Skipped,
			Units:      s.units.Len(),
		}
		if !stats.LastEvent.IsZero() {
			status.LastEvent = &stats.LastEvent
		}
		if loaded := s.units.LoadedAt(); !loaded.IsZero() {
			status.UnitsLoadedAt = &loaded
		}
		return status
	}
}
