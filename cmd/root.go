// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package cmd provides the command-line interface of the simulator.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/asch/ssdsim/internal/bench"
	"github.com/asch/ssdsim/internal/config"
	"github.com/asch/ssdsim/internal/ssdsim"
	"github.com/asch/ssdsim/internal/ssdsim/loader"
	"github.com/asch/ssdsim/internal/ssdsim/session"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ssdsim",
	Short: "Flash SSD simulator.",
	Long: `ssdsim simulates the addressing and command layer of a flash SSD.

Clients exchange Read, Write, GetDeviceInfo, LoadModule and Shutdown commands
with the simulated device. Logical block addresses are striped over channels,
devices, pages and blocks of the flash array. Pages are kept in memory or in
an S3 bucket, and the device can be exposed as a Linux block device through
BUSE.

Every option can be set in the configuration file or overriden by an
environment variable:

` + config.Usage(),
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Configure(configPath); err != nil {
			return err
		}

		loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

		if config.Cfg.Profiler {
			runProfiler(config.Cfg.ProfilerPort)
		}

		return nil
	},
}

// Execute runs the command selected by the program arguments.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfig, "Path to configuration file")
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}

// Runs simulator for the duration of fn, which gets a session with SimpleFtl
// loaded. The simulator is shut down afterwards.
func withSimulator(ctx context.Context, fn func(s *session.Session) error) error {
	sim, err := ssdsim.NewWithDefaults()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- sim.Run(context.Background()) }()

	s, err := sim.Session()
	if err == nil {
		err = bench.LoadModule(ctx, s, loader.SimpleFtl)
	}

	if err == nil {
		err = fn(s)
		s.Close()
	}

	if serr := sim.Shutdown(context.Background()); serr != nil && err == nil {
		err = serr
	}

	if rerr := <-done; rerr != nil && err == nil {
		err = rerr
	}

	return err
}
