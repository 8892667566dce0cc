// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package blockdev exposes the simulated device as a Linux block device. It
// implements BuseReadWriter interface which can be passed to the buse
// package. Buse package wraps the communication with the BUSE kernel module
// and does all the necessary configuration and low level operations.
//
// Every read and write coming from the kernel is turned into Read and Write
// commands of a client session, so the kernel sees exactly what any other
// client of the simulator sees.
package blockdev

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/asch/buse/lib/go/buse"
	"github.com/rs/zerolog/log"

	"github.com/asch/ssdsim/internal/ssdsim/geometry"
	"github.com/asch/ssdsim/internal/ssdsim/session"
)

const (
	// Size of the metadata for one write in the write chunk read from the
	// kernel.
	WriteItemSize = 32

	// Sector is a linux constant, which is always 512, no matter how big your sectors or blocks
	// are. Please be careful since the terminology is ambiguous.
	sectorUnit = 512
)

// Dialer opens a new session to the simulator.
type Dialer func() (*session.Session, error)

// Options to use in New() due to the number of parameters.
type Options struct {
	// Block size of the device as seen by the kernel. 512 or 4096.
	BlockSize int64

	// Size of the write chunk handed over by the kernel.
	WriteChunkSize int64

	// Number of idle sessions kept for reuse. BUSE calls BuseRead and
	// BuseWrite from one go routine per queue, so the number of queues is
	// a good value.
	Sessions int
}

// One write from the metadata section of the write chunk.
type extent struct {
	Sector uint64
	Length uint64
	SeqNo  uint64
	Flag   uint64
}

var _ buse.BuseReadWriter = (*Device)(nil)

type Device struct {
	dial Dialer
	info geometry.DeviceInfo

	blockSize    int64
	metadataSize int

	// Idle sessions.
	pool chan *session.Session
}

// Returns device serving the kernel through sessions created by dial. info
// describes the simulated device, the kernel block device has the same
// capacity.
func New(dial Dialer, info geometry.DeviceInfo, o Options) *Device {
	if o.Sessions <= 0 {
		o.Sessions = 1
	}

	return &Device{
		dial:         dial,
		info:         info,
		blockSize:    o.BlockSize,
		metadataSize: int(o.WriteChunkSize / o.BlockSize * WriteItemSize),
		pool:         make(chan *session.Session, o.Sessions),
	}
}

// Size of the device in bytes rounded down to whole blocks.
func (d *Device) Size() int64 {
	size := int64(d.info.TotalSectors) * sectorUnit

	return size / d.blockSize * d.blockSize
}

// Handle writes comming from the buse library. writes contain number write
// commands in this call and chunk contains memory where these commands are
// stored together with their data. First part of the chunk are metadata, until
// metadataSize and the rest are data of all writes in the same order.
//
// All writes of the chunk are submitted on one session before we wait for
// their completion.
func (d *Device) BuseWrite(writes int64, chunk []byte) error {
	s, err := d.acquire()
	if err != nil {
		return err
	}
	defer d.release(s)

	metadata := chunk[:d.metadataSize]
	data := chunk[d.metadataSize:]

	p := s.Pipeline(context.Background())
	for i := int64(0); i < writes; i++ {
		e := parseExtent(metadata[:WriteItemSize])
		metadata = metadata[WriteItemSize:]

		size := e.Length * sectorUnit
		if err := p.Write(e.Sector, data[:size]); err != nil {
			p.Wait()
			return err
		}
		data = data[size:]
	}

	err = p.Wait()
	if err != nil {
		log.Info().Err(err).Int64("writes", writes).Send()
	}

	return err
}

// Read extent starting at sector with length length to the buffer chunk. Both
// are in device blocks. Length of the chunk is the same as length variable.
func (d *Device) BuseRead(sector, length int64, chunk []byte) error {
	s, err := d.acquire()
	if err != nil {
		return err
	}
	defer d.release(s)

	lba := uint64(sector * d.blockSize / sectorUnit)
	size := length * d.blockSize

	p := s.Pipeline(context.Background())
	if err := p.Read(lba, chunk[:size]); err != nil {
		p.Wait()
		return err
	}

	err = p.Wait()
	if err != nil {
		log.Info().Err(err).Int64("sector", sector).Int64("length", length).Send()
	}

	return err
}

// Before buse library communicating with the kernel starts we open one session
// to find out early whether the simulator is reachable.
func (d *Device) BusePreRun() {
	s, err := d.acquire()
	if err != nil {
		log.Error().Err(err).Msg("Simulator is not reachable.")
		return
	}
	d.release(s)

	log.Info().Int64("size", d.Size()).Int64("block_size", d.blockSize).Msg("Block device ready.")
}

// After disconnecting from the kernel module all idle sessions are closed.
func (d *Device) BusePostRemove() {
	for {
		select {
		case s := <-d.pool:
			s.Close()
		default:
			return
		}
	}
}

// Returns idle session or a new one.
func (d *Device) acquire() (*session.Session, error) {
	select {
	case s := <-d.pool:
		return s, nil
	default:
	}

	s, err := d.dial()
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}

	return s, nil
}

// Returns session to the pool. Broken sessions and sessions over the pool
// capacity are closed.
func (d *Device) release(s *session.Session) {
	if s.Err() != nil {
		s.Close()
		return
	}

	select {
	case d.pool <- s:
	default:
		s.Close()
	}
}

// Parses write extent information from 32 bytes of raw memory. The memory is
// one write in metadata section of the chunk. Sector and length are in 512
// byte units, which is also the unit of simulator addresses.
func parseExtent(b []byte) extent {
	return extent{
		Sector: binary.LittleEndian.Uint64(b[:8]),
		Length: binary.LittleEndian.Uint64(b[8:16]),
		SeqNo:  binary.LittleEndian.Uint64(b[16:24]),
		Flag:   binary.LittleEndian.Uint64(b[24:32]),
	}
}
