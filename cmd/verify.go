// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/asch/ssdsim/internal/bench"
	"github.com/asch/ssdsim/internal/ssdsim/session"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Write the whole device and read it back.",
	Long: `Write a pattern to every sector of the device and read it back, first in
ascending and then in descending address order. Any difference fails the
command.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSimulator(cmd.Context(), func(s *session.Session) error {
			for _, order := range []bench.Order{bench.Ascending, bench.Descending} {
				if err := bench.VerifyAll(cmd.Context(), s, order); err != nil {
					return fmt.Errorf("%s: %w", order, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", order)
			}

			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
