// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asch/buse/lib/go/buse"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/asch/ssdsim/internal/blockdev"
	"github.com/asch/ssdsim/internal/config"
	"github.com/asch/ssdsim/internal/monitor"
	"github.com/asch/ssdsim/internal/ssdsim"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the simulator until SIGINT or SIGTERM.",
	Long: `Run the simulator until SIGINT or SIGTERM. Optionally the simulated device
is exposed as /dev/buse%d and its state is served over HTTP.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// Creates the simulator and everything around it, then serves until the
// simulator is shut down.
func serve(ctx context.Context) error {
	sim, err := ssdsim.NewWithDefaults()
	if err != nil {
		return err
	}

	if config.Cfg.Monitor.Enabled {
		m := monitor.New(sim.Dispatcher)
		if _, err := m.Start(config.Cfg.Monitor.Address); err != nil {
			return err
		}
		defer m.Stop(context.Background())
	}

	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()

	var device *buse.Buse
	if config.Cfg.Buse.Enabled {
		d, err := newBuseDevice(sim)
		if err != nil {
			sim.Shutdown(context.Background())
			<-done
			return err
		}
		device = &d
		log.Info().Msgf("BUSE device %d registered!", config.Cfg.Buse.Major)
	}

	registerSigHandlers(sim, device)

	if device != nil {
		device.Run()

		log.Info().Msgf("Removing buse%d", config.Cfg.Buse.Major)
		device.RemoveDevice()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := sim.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Shutdown failed.")
		}
	}

	return <-done
}

func newBuseDevice(sim *ssdsim.Simulator) (buse.Buse, error) {
	rw := blockdev.New(sim.Session, sim.Geometry.Info(), blockdev.Options{
		BlockSize:      int64(config.Cfg.Buse.BlockSize),
		WriteChunkSize: int64(config.Cfg.Buse.WriteChunkSize),
		Sessions:       config.Cfg.Buse.Threads,
	})

	return buse.New(rw, buse.Options{
		Durable:        config.Cfg.Buse.Durable,
		WriteChunkSize: int64(config.Cfg.Buse.WriteChunkSize),
		BlockSize:      int64(config.Cfg.Buse.BlockSize),
		Threads:        int(config.Cfg.Buse.Threads),
		Major:          int64(config.Cfg.Buse.Major),
		WriteShmSize:   int64(config.Cfg.Buse.WriteBufSize),
		ReadShmSize:    int64(config.Cfg.Buse.ReadBufSize),
		Size:           rw.Size(),
		CollisionArea:  int64(config.Cfg.Buse.CollisionSize),
		QueueDepth:     int64(config.Cfg.Buse.QueueDepth),
		Scheduler:      config.Cfg.Buse.Scheduler,
	})
}

// Register handler for graceful stop when SIGINT or SIGTERM came in. With a
// block device the device is stopped first and the simulator is shut down
// once it is removed.
func registerSigHandlers(sim *ssdsim.Simulator, device *buse.Buse) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan

		if device != nil {
			log.Info().Msgf("Received interrupt, stopping buse%d device!", config.Cfg.Buse.Major)
			device.StopDevice()
			return
		}

		log.Info().Str("name", sim.Name()).Msg("Received interrupt, shutting down simulator!")
		if err := sim.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("Shutdown failed.")
		}
	}()
}
