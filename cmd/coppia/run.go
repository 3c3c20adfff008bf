package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"coppia/internal/cli"
	applog "coppia/internal/log"
	"coppia/internal/services"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep the queue in sync and follow your partner's changes live",
		Long: `run probes the server, replays queued writes whenever it becomes reachable
and merges live updates from the household until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.requireHousehold(); err != nil {
				return err
			}
			return a.run(cmd.Context(), cmd)
		},
	}
}

func (a *app) run(ctx context.Context, cmd *cobra.Command) error {
	s, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	logger := a.logger.WithComponent(applog.ComponentSync)
	logger.InfoContext(ctx, "Client started",
		applog.FieldHouseholdID, a.cfg.HouseholdID,
		applog.FieldUserID, a.cfg.UserID,
		"backend", a.cfg.DataBackend,
		"pending", s.queue.Count())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.prober.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := s.engine.Start(gctx); err != nil {
		return err
	}
	scheduler := services.NewDrainScheduler(s.engine, func() int { return len(s.queue.ListPending()) },
		services.DrainSchedulerConfig{Interval: a.cfg.SyncInterval})
	if err := scheduler.Start(gctx); err != nil {
		return err
	}

	<-gctx.Done()

	shutdownCtx, cancel := cli.ShutdownContext()
	defer cancel()
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.WarnContext(shutdownCtx, "Drain scheduler did not stop cleanly", applog.FieldError, err)
	}
	if err := s.engine.Stop(shutdownCtx); err != nil {
		logger.WarnContext(shutdownCtx, "Sync engine did not stop cleanly", applog.FieldError, err)
	}
	if err := g.Wait(); err != nil {
		return err
	}

	st := s.engine.Stats()
	fmt.Fprintf(cmd.OutOrStdout(),
		"stopped: %d applied, %d already applied, %d rejected, %d live updates, %d still queued\n",
		st.Applied, st.AlreadyApplied, st.Rejected, st.LiveUpdates, s.queue.Count())
	return nil
}
