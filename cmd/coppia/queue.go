package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"coppia/internal/core"
)

type table struct {
	tw *tabwriter.Writer
}

func newTable(out io.Writer, header ...any) *table {
	t := &table{tw: tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)}
	t.row(header...)
	return t
}

func (t *table) row(cells ...any) {
	for i, c := range cells {
		if i > 0 {
			fmt.Fprint(t.tw, "\t")
		}
		fmt.Fprint(t.tw, c)
	}
	fmt.Fprintln(t.tw)
}

func (t *table) flush() error {
	return t.tw.Flush()
}

func newQueueCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the offline write queue",
	}

	printEntries := func(cmd *cobra.Command, entries []core.QueueEntry) error {
		w := newTable(cmd.OutOrStdout(), "ID", "KIND", "STATUS", "ATTEMPTS", "QUEUED", "LAST ERROR")
		for _, e := range entries {
			w.row(e.ID, string(e.Kind), string(e.Status), e.AttemptCount, e.CreatedAt.Local().Format(time.DateTime), e.LastError)
		}
		return w.flush()
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List writes waiting to be sent, oldest first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				s, err := a.openSession(cmd.Context())
				if err != nil {
					return err
				}
				defer s.Close()
				return printEntries(cmd, s.queue.ListPending())
			},
		},
		&cobra.Command{
			Use:   "failed",
			Short: "List writes that were rejected or ran out of attempts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				s, err := a.openSession(cmd.Context())
				if err != nil {
					return err
				}
				defer s.Close()
				return printEntries(cmd, s.queue.ListFailed())
			},
		},
		&cobra.Command{
			Use:   "count",
			Short: "Print how many writes are still in the queue",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				s, err := a.openSession(cmd.Context())
				if err != nil {
					return err
				}
				defer s.Close()
				fmt.Fprintln(cmd.OutOrStdout(), s.queue.Count())
				return nil
			},
		},
		&cobra.Command{
			Use:   "retry ENTRY_ID",
			Short: "Send a failed write again with a fresh attempt budget",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.requireHousehold(); err != nil {
					return err
				}
				ctx := cmd.Context()
				s, err := a.openSession(ctx)
				if err != nil {
					return err
				}
				defer s.Close()

				if err := s.queue.Retry(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", args[0])

				if _, online := s.flush(ctx); !online {
					fmt.Fprintln(cmd.OutOrStdout(), "offline: it will be sent when the server is reachable")
					return nil
				}
				if e, ok := s.queue.Get(args[0]); ok && e.Status == core.StatusFailed {
					return fmt.Errorf("write %s failed again: %s", e.ID, e.LastError)
				}
				return nil
			},
		},
	)
	return cmd
}
