// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package geometry describes the shape of the simulated flash array. A
// Geometry is a plain value: it is built once at startup and handed by value
// to every component which needs it, so nobody can change it behind the
// dispatcher's back.
package geometry

import (
	"errors"
	"fmt"
	"math/bits"
)

const (
	// Sector is the unit of logical addressing. It is always 512 bytes, no
	// matter how big the physical pages are.
	SectorSize = 512
)

var ErrInvalidGeometry = errors.New("invalid geometry")

// Geometry of the flash array. Channels are the outermost dimension, pages
// are the smallest programmable unit.
type Geometry struct {
	ChannelCount      uint32
	DevicesPerChannel uint32
	BlocksPerDevice   uint32
	PagesPerBlock     uint32
	BytesPerPage      uint32
}

// DeviceInfo is what a caller learns about the device through the
// GetDeviceInfo command. It is the only source of addressable capacity and
// transfer granularity for clients.
type DeviceInfo struct {
	BytesPerSector uint32
	SectorsPerPage uint32
	TotalSectors   uint64
}

// Returns validated geometry with given dimensions.
func New(channels, devicesPerChannel, blocksPerDevice, pagesPerBlock, bytesPerPage uint32) (Geometry, error) {
	g := Geometry{
		ChannelCount:      channels,
		DevicesPerChannel: devicesPerChannel,
		BlocksPerDevice:   blocksPerDevice,
		PagesPerBlock:     pagesPerBlock,
		BytesPerPage:      bytesPerPage,
	}

	return g, g.Validate()
}

// Validate checks that all dimensions are positive, the page holds a whole
// number of sectors and the number of sectors fits into uint64.
func (g Geometry) Validate() error {
	switch {
	case g.ChannelCount == 0:
		return fmt.Errorf("%w: zero channels", ErrInvalidGeometry)
	case g.DevicesPerChannel == 0:
		return fmt.Errorf("%w: zero devices per channel", ErrInvalidGeometry)
	case g.BlocksPerDevice == 0:
		return fmt.Errorf("%w: zero blocks per device", ErrInvalidGeometry)
	case g.PagesPerBlock == 0:
		return fmt.Errorf("%w: zero pages per block", ErrInvalidGeometry)
	case g.BytesPerPage == 0 || g.BytesPerPage%SectorSize != 0:
		return fmt.Errorf("%w: page size %d is not a multiple of %d",
			ErrInvalidGeometry, g.BytesPerPage, SectorSize)
	}

	if !g.fits() {
		return fmt.Errorf("%w: %s has more than 2^64 sectors", ErrInvalidGeometry, g)
	}

	return nil
}

// Reports whether the product of all dimensions in sectors does not overflow.
// Every partial product is then smaller too.
func (g Geometry) fits() bool {
	total := uint64(1)
	for _, d := range []uint32{g.ChannelCount, g.DevicesPerChannel, g.BlocksPerDevice, g.PagesPerBlock, g.SectorsPerPage()} {
		hi, lo := bits.Mul64(total, uint64(d))
		if hi != 0 {
			return false
		}
		total = lo
	}

	return true
}

func (g Geometry) SectorsPerPage() uint32 {
	return g.BytesPerPage / SectorSize
}

// Number of pages sharing the same block and page index, i.e. one page on
// every device of every channel.
func (g Geometry) StripeWidth() uint64 {
	return uint64(g.ChannelCount) * uint64(g.DevicesPerChannel)
}

func (g Geometry) TotalPages() uint64 {
	return g.StripeWidth() * uint64(g.BlocksPerDevice) * uint64(g.PagesPerBlock)
}

func (g Geometry) TotalSectors() uint64 {
	return g.TotalPages() * uint64(g.SectorsPerPage())
}

// Info returns the descriptor answered to GetDeviceInfo.
func (g Geometry) Info() DeviceInfo {
	return DeviceInfo{
		BytesPerSector: SectorSize,
		SectorsPerPage: g.SectorsPerPage(),
		TotalSectors:   g.TotalSectors(),
	}
}

// ValidRange reports whether count sectors starting at lba are addressable.
// Zero length ranges are never valid.
func (g Geometry) ValidRange(lba uint64, count uint32) bool {
	total := g.TotalSectors()
	return count > 0 && lba < total && uint64(count) <= total-lba
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dch x %ddev x %dblk x %dpg x %dB",
		g.ChannelCount, g.DevicesPerChannel, g.BlocksPerDevice, g.PagesPerBlock, g.BytesPerPage)
}
