// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// ssdsim simulates the addressing and command layer of a flash SSD. Clients
// talk to the simulated device through sessions which exchange command
// messages with a dispatcher. The dispatcher translates logical block
// addresses to physical flash locations and keeps the data in a page store.
//
// ssdsim defines two interfaces. One for the page store and one for the
// module loader. These two parts can be trivially changed just by
// implementing corresponding interface.
package ssdsim
