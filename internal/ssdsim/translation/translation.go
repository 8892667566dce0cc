// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package translation maps logical sectors to physical flash coordinates.
//
// The mapping is a fixed round-robin stripe over the page address space:
// consecutive logical pages go to consecutive channels first, then to the
// next device on every channel, then to the next page and finally to the next
// block. There is no mapping table, the function is pure and needs only the
// geometry.
package translation

import (
	"errors"
	"fmt"

	"github.com/asch/ssdsim/internal/ssdsim/geometry"
)

// ErrInvalidAddress is returned for logical sectors which fall behind the
// last block of the device. Callers are expected to check the range before
// translating, so seeing it means broken configuration or a bug.
var ErrInvalidAddress = errors.New("invalid address")

// Physical coordinate of one flash page. The sector offset inside the page is
// not part of it and is carried by the caller.
type PhysicalAddress struct {
	Channel uint32
	Device  uint32
	Block   uint32
	Page    uint32
}

func (a PhysicalAddress) String() string {
	return fmt.Sprintf("ch%d/dev%d/blk%d/pg%d", a.Channel, a.Device, a.Block, a.Page)
}

// Translator caches the strides derived from the geometry. It holds no
// mutable state and is safe for concurrent use.
type Translator struct {
	geometry       geometry.Geometry
	sectorsPerPage uint64

	// Set when the geometry is invalid. Every translation fails with it.
	invalid error

	// Number of logical pages before the device, page and block index
	// advance respectively.
	deviceStride uint64
	pageStride   uint64
	blockStride  uint64
}

func New(g geometry.Geometry) *Translator {
	if err := g.Validate(); err != nil {
		return &Translator{geometry: g, invalid: err}
	}

	channels := uint64(g.ChannelCount)
	devices := uint64(g.DevicesPerChannel)
	pages := uint64(g.PagesPerBlock)

	return &Translator{
		geometry:       g,
		sectorsPerPage: uint64(g.SectorsPerPage()),
		deviceStride:   channels,
		pageStride:     channels * devices,
		blockStride:    channels * devices * pages,
	}
}

// Translate is the stateless form of Translator.Translate.
func Translate(lba uint64, g geometry.Geometry) (PhysicalAddress, error) {
	return New(g).Translate(lba)
}

func (t *Translator) Geometry() geometry.Geometry {
	return t.geometry
}

// Translate returns the page holding the logical sector lba. All sectors of
// one logical page share the same physical address.
func (t *Translator) Translate(lba uint64) (PhysicalAddress, error) {
	if t.invalid != nil {
		return PhysicalAddress{}, fmt.Errorf("%w: %w", ErrInvalidAddress, t.invalid)
	}

	stripe := lba / t.sectorsPerPage

	block := stripe / t.blockStride
	if block >= uint64(t.geometry.BlocksPerDevice) {
		return PhysicalAddress{}, fmt.Errorf("%w: lba %d maps to block %d of %d",
			ErrInvalidAddress, lba, block, t.geometry.BlocksPerDevice)
	}

	return PhysicalAddress{
		Channel: uint32(stripe % uint64(t.geometry.ChannelCount)),
		Device:  uint32(stripe / t.deviceStride % uint64(t.geometry.DevicesPerChannel)),
		Page:    uint32(stripe / t.pageStride % uint64(t.geometry.PagesPerBlock)),
		Block:   uint32(block),
	}, nil
}

// PageOffset returns the sector offset of lba inside its page.
func (t *Translator) PageOffset(lba uint64) uint32 {
	if t.invalid != nil {
		return 0
	}

	return uint32(lba % t.sectorsPerPage)
}

// PageIndex returns the logical page (stripe index) stored at addr. It is the
// inverse of the page part of Translate.
func (t *Translator) PageIndex(addr PhysicalAddress) uint64 {
	return uint64(addr.Block)*t.blockStride +
		uint64(addr.Page)*t.pageStride +
		uint64(addr.Device)*t.deviceStride +
		uint64(addr.Channel)
}

// Lba returns the logical sector stored at sector offset inside page addr.
func (t *Translator) Lba(addr PhysicalAddress, offset uint32) uint64 {
	return t.PageIndex(addr)*t.sectorsPerPage + uint64(offset)
}
