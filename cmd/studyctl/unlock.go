package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUnlockCmd(opts *options) *cobra.Command {
	var (
		userID  int64
		pending bool
	)
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Run an unlock scan for one user or drain all flagged users",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (userID > 0) == pending {
				return fmt.Errorf("pass exactly one of --user or --pending")
			}

			svc, closeFn, err := opts.service(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			if pending {
				n, err := svc.UnlockPending(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "processed %d flagged users\n", n)
				return nil
			}

			n, err := svc.Unlock(cmd.Context(), userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unlocked %d subjects for user %d\n", n, userID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id to scan")
	cmd.Flags().BoolVar(&pending, "pending", false, "drain every flagged user")
	return cmd
}
