// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// ssdsim simulates the addressing and command layer of a flash SSD. Clients
// talk to the simulated device through sessions exchanging fixed size
// command messages, and the device stripes logical addresses over the
// channels, devices, pages and blocks of a flash array.
//
// Project structure is following:
//
// - cmd contains the command-line interface. Every subcommand runs the
// simulator in-process.
//
// - internal/ssdsim contains all packages related only to the simulator.
// See the package descriptions in the source code for more details.
//
// - internal/blockdev exposes the simulated device as a BUSE block device.
//
// - internal/bench contains throughput benchmark and whole device
// verification driven through a session.
//
// - internal/trace and internal/monitor record and serve what the simulator
// does.
//
// - internal/config contains configuration package which is common for all
// the subcommands.
package main

import (
	"github.com/tebeka/atexit"

	"github.com/asch/ssdsim/cmd"
)

// Runs the selected subcommand. Handlers registered by atexit, like closing
// of the command trace, are run before the process ends.
func main() {
	if err := cmd.Execute(); err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
