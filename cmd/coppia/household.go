package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"coppia/internal/core"
	"coppia/internal/services"
)

func newHouseholdCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "household",
		Short: "Create or inspect a household",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "Create a household and print the invite your partner joins with",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				b, err := newBackend(a.cfg)
				if err != nil {
					return err
				}
				h, err := services.NewPairingService(b).CreateHousehold(cmd.Context(), a.cfg.UserID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "household %s\nask your partner to run: coppia join %s\n", h.ID, h.ID)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show [HOUSEHOLD_ID]",
			Short: "Show who belongs to a household",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id := a.cfg.HouseholdID
				if len(args) == 1 {
					id = args[0]
				}
				if id == "" {
					return fmt.Errorf("no household selected: pass an ID or --household")
				}
				b, err := newBackend(a.cfg)
				if err != nil {
					return err
				}
				h, err := services.NewPairingService(b).Household(cmd.Context(), id)
				if err != nil {
					return err
				}

				partner := h.SecondaryUserID
				if partner == "" {
					partner = "(waiting for partner)"
				}
				w := newTable(cmd.OutOrStdout(), "HOUSEHOLD", "PRIMARY", "PARTNER")
				w.row(h.ID, h.PrimaryUserID, partner)
				return w.flush()
			},
		},
	)
	return cmd
}

func newJoinCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "join HOUSEHOLD_ID",
		Short: "Join your partner's household",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBackend(a.cfg)
			if err != nil {
				return err
			}

			outcome, err := services.NewPairingService(b).Join(cmd.Context(), args[0], a.cfg.UserID)
			var conflict *core.PairingConflictError
			switch {
			case errors.As(err, &conflict):
				return errors.New(conflict.Message())
			case errors.Is(err, core.ErrHouseholdNotFound):
				return fmt.Errorf("household %s does not exist", args[0])
			case err != nil:
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s household %s\nset HOUSEHOLD_ID=%s to start recording\n", outcome, args[0], args[0])
			return nil
		},
	}
}
