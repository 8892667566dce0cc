// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/asch/ssdsim/internal/ssdsim/geometry"
	"github.com/asch/ssdsim/internal/ssdsim/protocol"
)

// Pause before resubmitting when the endpoint queue is full of commands of
// other sessions.
const retryDelay = 100 * time.Microsecond

// Pipeline keeps as many reads and writes of one session in flight as the
// queue depth allows. Transfers larger than the session maximum are split.
// A Pipeline is not safe for concurrent use.
type Pipeline struct {
	s   *Session
	ctx context.Context

	pending int

	// Destination buffers of reads in flight.
	reads map[uint32][]byte

	// First failed command.
	err error
}

func (s *Session) Pipeline(ctx context.Context) *Pipeline {
	return &Pipeline{
		s:     s,
		ctx:   ctx,
		reads: make(map[uint32][]byte),
	}
}

// Write submits data to be written at lba. Length of data must be a multiple
// of the sector size. The data are copied before Write returns.
func (p *Pipeline) Write(lba uint64, data []byte) error {
	return p.split(protocol.CodeWrite, lba, data)
}

// Read submits read of len(buf) bytes from lba. buf is filled by the time
// Wait returns.
func (p *Pipeline) Read(lba uint64, buf []byte) error {
	return p.split(protocol.CodeRead, lba, buf)
}

// Wait blocks until every submitted command completes. It returns the first
// error of a command or of the session.
func (p *Pipeline) Wait() error {
	for p.pending > 0 {
		if err := p.reap(); err != nil {
			return err
		}
	}

	err := p.err
	p.err = nil

	return err
}

func (p *Pipeline) split(code protocol.Code, lba uint64, buf []byte) error {
	if len(buf)%geometry.SectorSize != 0 {
		return fmt.Errorf("%w: %d bytes is not whole sectors", protocol.ErrInvalidPayload, len(buf))
	}

	limit := p.s.opts.MaxTransfer / geometry.SectorSize * geometry.SectorSize
	if limit == 0 {
		limit = geometry.SectorSize
	}

	for len(buf) > 0 {
		n := len(buf)
		if n > limit {
			n = limit
		}

		if err := p.submit(code, lba, buf[:n]); err != nil {
			return err
		}

		lba += uint64(n / geometry.SectorSize)
		buf = buf[n:]
	}

	return nil
}

func (p *Pipeline) submit(code protocol.Code, lba uint64, buf []byte) error {
	m, err := p.allocate(len(buf))
	if err != nil {
		return err
	}

	m.Command = code
	m.Descriptor.Lba = lba
	m.Descriptor.SectorCount = uint32(len(buf) / geometry.SectorSize)

	if code == protocol.CodeWrite {
		copy(m.Payload(), buf)
	}

	for {
		err = p.s.Submit(m)
		if !errors.Is(err, protocol.ErrQueueFull) {
			break
		}

		if p.pending > 0 {
			err = p.reap()
		} else {
			err = p.sleep()
		}

		if err != nil {
			break
		}
	}

	if err != nil {
		p.s.Deallocate(m)
		return err
	}

	if code == protocol.CodeRead {
		p.reads[m.ID()] = buf
	}
	p.pending++

	return nil
}

// Allocates message, waiting for completions to return payload memory when
// the pool is exhausted.
func (p *Pipeline) allocate(size int) (*protocol.Message, error) {
	for {
		m, err := p.s.Allocate(size, true)
		if err == nil || !errors.Is(err, protocol.ErrAllocationFailure) || p.pending == 0 {
			return m, err
		}

		if err := p.reap(); err != nil {
			return nil, err
		}
	}
}

// Retrieves one completion and releases its message.
func (p *Pipeline) reap() error {
	m, err := p.s.Wait(p.ctx)
	if err != nil {
		return err
	}
	p.pending--

	if buf, ok := p.reads[m.ID()]; ok {
		copy(buf, m.Payload())
		delete(p.reads, m.ID())
	}

	if err := m.Err(); err != nil && p.err == nil {
		p.err = fmt.Errorf("%s of %d sectors at %d: %w",
			m.Command, m.Descriptor.SectorCount, m.Descriptor.Lba, err)
	}

	return p.s.Deallocate(m)
}

func (p *Pipeline) sleep() error {
	select {
	case <-time.After(retryDelay):
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}
