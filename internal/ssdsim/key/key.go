// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package key hands out message correlation ids. Every session owns its own
// generator, ids are unique within the session only.
package key

import (
	"sync"
)

// Generator of ids. The zero value is ready to use and starts at 0.
type Generator struct {
	key   uint32
	mutex sync.Mutex
}

// Returns value of currently unassigned key. It is not reserved, use Next()
// to actually take it.
func (g *Generator) Current() uint32 {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	return g.key
}

// Returns currently unassigned key and advances the generator. The counter
// wraps around after 2^32 keys, so callers which keep keys alive for long
// should use NextFree().
func (g *Generator) Next() uint32 {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	tmp := g.key
	g.key++

	return tmp
}

// Returns the first key for which inUse reports false and advances past it.
// The second return value is false when every key is taken.
func (g *Generator) NextFree(inUse func(uint32) bool) (uint32, bool) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	start := g.key
	for {
		tmp := g.key
		g.key++

		if !inUse(tmp) {
			return tmp, true
		}

		if g.key == start {
			return 0, false
		}
	}
}

// Replaces the value of the next unassigned key.
func (g *Generator) Replace(newKey uint32) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.key = newKey
}
