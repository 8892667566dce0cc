// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/asch/ssdsim/internal/bench"
	"github.com/asch/ssdsim/internal/config"
	"github.com/asch/ssdsim/internal/ssdsim/session"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print geometry and device info of the configured device.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSimulator(cmd.Context(), func(s *session.Session) error {
			info, err := bench.DeviceInfo(cmd.Context(), s)
			if err != nil {
				return err
			}

			g := config.Cfg.Geometry
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "channels:         %d\n", g.Channels)
			fmt.Fprintf(out, "devices/channel:  %d\n", g.DevicesPerChannel)
			fmt.Fprintf(out, "blocks/device:    %d\n", g.BlocksPerDevice)
			fmt.Fprintf(out, "pages/block:      %d\n", g.PagesPerBlock)
			fmt.Fprintf(out, "bytes/page:       %d\n", g.BytesPerPage)
			fmt.Fprintf(out, "bytes/sector:     %d\n", info.BytesPerSector)
			fmt.Fprintf(out, "sectors/page:     %d\n", info.SectorsPerPage)
			fmt.Fprintf(out, "total sectors:    %d\n", info.TotalSectors)

			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
