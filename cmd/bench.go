// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/asch/ssdsim/internal/bench"
	"github.com/asch/ssdsim/internal/ssdsim/session"
)

var benchOpts bench.Options

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure write and read throughput of the simulator.",
	Long: `Submit a batch of writes to the same range, retrieve all completions and
repeat the same with reads. Throughput and mean latency are printed for both
phases.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSimulator(cmd.Context(), func(s *session.Session) error {
			res, err := bench.Run(cmd.Context(), s, benchOpts)
			if err != nil {
				return err
			}

			for _, p := range []struct {
				name  string
				phase bench.Phase
			}{{"write", res.Write}, {"read", res.Read}} {
				log.Debug().Str("phase", p.name).Int64("bytes", p.phase.Bytes).Dur("elapsed", p.phase.Elapsed).Send()
				fmt.Fprintf(cmd.OutOrStdout(), "%-5s %8.2f MB/s  mean latency %v\n", p.name, p.phase.Rate(), p.phase.MeanLatency())
			}

			return nil
		})
	},
}

func init() {
	benchCmd.Flags().IntVarP(&benchOpts.Commands, "commands", "n", 10, "Commands submitted per phase")
	benchCmd.Flags().Uint32VarP(&benchOpts.Sectors, "sectors", "s", 256, "Sectors transferred by one command")
	benchCmd.Flags().Uint64Var(&benchOpts.Lba, "lba", 0, "First sector of the benchmarked range")
	rootCmd.AddCommand(benchCmd)
}
