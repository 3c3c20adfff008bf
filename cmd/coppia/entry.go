package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"coppia/internal/core"
	"coppia/internal/sheets"
)

type amountFlags struct {
	date        string
	description string
	amount      string
}

func (f *amountFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.date, "date", "", "date as YYYY-MM-DD (default today)")
	cmd.Flags().StringVarP(&f.description, "desc", "d", "", "description")
	cmd.Flags().StringVarP(&f.amount, "amount", "a", "", "amount in euros, e.g. 12,50")
	cmd.MarkFlagRequired("desc")
	cmd.MarkFlagRequired("amount")
}

func (f *amountFlags) parse() (core.Date, core.Money, error) {
	date := today()
	if f.date != "" {
		d, err := core.ParseDate(f.date)
		if err != nil {
			return core.Date{}, core.Money{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", f.date)
		}
		date = d
	}
	cents, err := core.ParseDecimalToCents(f.amount)
	if err != nil {
		return core.Date{}, core.Money{}, fmt.Errorf("invalid amount %q: %w", f.amount, err)
	}
	return date, core.Money{Cents: cents}, nil
}

func today() core.Date {
	y, m, d := time.Now().Date()
	return core.NewDate(y, int(m), d)
}

func newExpenseCmd(a *app) *cobra.Command {
	var (
		f                  amountFlags
		primary, secondary string
	)
	cmd := &cobra.Command{
		Use:   "expense",
		Short: "Record a shared expense",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			date, amount, err := f.parse()
			if err != nil {
				return err
			}
			e := core.Expense{Date: date, Description: f.description, Amount: amount, Primary: primary, Secondary: secondary}
			if err := e.Validate(); err != nil {
				return err
			}
			return a.submit(cmd, core.OpCreateExpense, e)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVarP(&primary, "primary", "p", "", "primary category")
	cmd.Flags().StringVarP(&secondary, "secondary", "s", "", "secondary category")
	cmd.MarkFlagRequired("primary")
	cmd.MarkFlagRequired("secondary")
	return cmd
}

func newIncomeCmd(a *app) *cobra.Command {
	var (
		f        amountFlags
		category string
	)
	cmd := &cobra.Command{
		Use:   "income",
		Short: "Record an income credited to the household",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			date, amount, err := f.parse()
			if err != nil {
				return err
			}
			i := core.Income{Date: date, Description: f.description, Amount: amount, Category: category}
			if err := i.Validate(); err != nil {
				return err
			}
			return a.submit(cmd, core.OpCreateIncome, i)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVarP(&category, "category", "c", "", "income category")
	cmd.MarkFlagRequired("category")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete RECORD_ID",
		Short: "Delete a ledger record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.submit(cmd, core.OpDeleteRecord, core.DeletePayload{RecordID: args[0]})
		},
	}
}

// submit queues the write durably, then tries to deliver it right away.
func (a *app) submit(cmd *cobra.Command, kind core.OperationKind, v any) error {
	if err := a.requireHousehold(); err != nil {
		return err
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}

	ctx := cmd.Context()
	s, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	id := s.queue.Enqueue(ctx, kind, payload)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "queued %s %s\n", kind, id)

	res, online := s.flush(ctx)
	if !online {
		fmt.Fprintf(out, "offline: %d write(s) waiting, they will be sent when the server is reachable\n", len(s.queue.ListPending()))
		return nil
	}

	if e, ok := s.queue.Get(id); ok && e.Status == core.StatusFailed {
		return fmt.Errorf("write %s failed: %s", id, e.LastError)
	}
	fmt.Fprintf(out, "synced: %d confirmed, %d failed, %d pending\n", res.Confirmed, res.Failed, len(s.queue.ListPending()))
	return nil
}

func newRecordsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "records",
		Short: "List the household's records as stored on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.requireHousehold(); err != nil {
				return err
			}
			b, err := newBackend(a.cfg)
			if err != nil {
				return err
			}
			lister, ok := b.(interface {
				Records(ctx context.Context) ([]core.LedgerRecord, error)
			})
			if !ok {
				return fmt.Errorf("the %s backend cannot list records", a.cfg.DataBackend)
			}

			records, err := lister.Records(cmd.Context())
			if err != nil {
				return err
			}

			w := newTable(cmd.OutOrStdout(), "DATE", "KIND", "DESCRIPTION", "AMOUNT", "CATEGORY", "BY", "ID")
			for _, r := range records {
				row, err := sheets.RowFromRecord(r)
				if err != nil {
					continue
				}
				category := row.Primary
				if row.Secondary != "" {
					category += " / " + row.Secondary
				}
				w.row(row.Date, string(row.Kind), row.Description, fmt.Sprintf("%.2f", row.Amount), category, row.CreatedBy, row.RecordID)
			}
			return w.flush()
		},
	}
}
