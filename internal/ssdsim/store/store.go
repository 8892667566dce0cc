// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package store defines the backing array of flash pages the dispatcher reads
// and programs. Implementations live in the subpackages: memstore keeps pages
// in memory, objstore keeps every page as an object in an object store and
// null ignores everything for benchmarking the command path itself.
package store

import (
	"errors"
	"fmt"

	"github.com/asch/ssdsim/internal/ssdsim/geometry"
	"github.com/asch/ssdsim/internal/ssdsim/translation"
)

var ErrOutOfBounds = errors.New("access beyond the flash array")

// Store is a page addressed byte array. offset is in bytes from the beginning
// of the page and the access never crosses the page end. Pages never written
// read back as zeros. Implementations must be safe for concurrent use;
// concurrent accesses to the same bytes are not ordered.
type Store interface {
	ReadPage(addr translation.PhysicalAddress, offset uint32, buf []byte) error
	WritePage(addr translation.PhysicalAddress, offset uint32, data []byte) error
	Close() error
}

// CheckBounds validates one page access against the geometry.
func CheckBounds(g geometry.Geometry, addr translation.PhysicalAddress, offset uint32, length int) error {
	if addr.Channel >= g.ChannelCount ||
		addr.Device >= g.DevicesPerChannel ||
		addr.Block >= g.BlocksPerDevice ||
		addr.Page >= g.PagesPerBlock {

		return fmt.Errorf("%w: page %s", ErrOutOfBounds, addr)
	}

	if uint64(offset)+uint64(length) > uint64(g.BytesPerPage) {
		return fmt.Errorf("%w: %d bytes at offset %d of %d byte page",
			ErrOutOfBounds, length, offset, g.BytesPerPage)
	}

	return nil
}
