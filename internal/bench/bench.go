// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package bench drives the simulator from the client side. It measures
// throughput of pipelined commands and verifies the whole device by writing
// and reading it back.
package bench

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/asch/ssdsim/internal/ssdsim/geometry"
	"github.com/asch/ssdsim/internal/ssdsim/protocol"
	"github.com/asch/ssdsim/internal/ssdsim/session"
)

const mb = 1024 * 1024

// Options of the benchmark. Zero values select the defaults.
type Options struct {
	// Number of commands submitted before the first completion is
	// retrieved. It is limited by the session queue depth.
	Commands int

	// Sectors transferred by one command.
	Sectors uint32

	// All commands address the same range starting here.
	Lba uint64
}

// Phase is the measurement of one command type.
type Phase struct {
	Commands int
	Bytes    int64

	// Wall clock time from the first submission to the last completion.
	Elapsed time.Duration

	// Time from submission to retrieval of every command by id.
	Latencies map[uint32]time.Duration
}

// Rate in MB/s.
func (p Phase) Rate() float64 {
	if p.Elapsed <= 0 {
		return 0
	}

	return float64(p.Bytes) / mb / p.Elapsed.Seconds()
}

// MeanLatency is the average time a command spent between submission and
// retrieval.
func (p Phase) MeanLatency() time.Duration {
	if len(p.Latencies) == 0 {
		return 0
	}

	var total time.Duration
	for _, l := range p.Latencies {
		total += l
	}

	return total / time.Duration(len(p.Latencies))
}

type Result struct {
	Write Phase
	Read  Phase
}

// Run submits all writes before retrieving any completion, then does the same
// with reads of the same range.
func Run(ctx context.Context, s *session.Session, o Options) (Result, error) {
	if o.Commands <= 0 {
		o.Commands = 10
	}

	if o.Sectors == 0 {
		o.Sectors = 256
	}

	size := int(o.Sectors) * geometry.SectorSize
	messages := make([]*protocol.Message, 0, o.Commands)

	defer func() { release(ctx, s, messages...) }()

	for i := 0; i < o.Commands; i++ {
		m, err := s.Allocate(size, true)
		if err != nil {
			return Result{}, err
		}
		for j := range m.Payload() {
			m.Payload()[j] = 0xaa
		}
		messages = append(messages, m)
	}

	var res Result
	var err error

	res.Write, err = phase(ctx, s, messages, protocol.CodeWrite, o)
	if err != nil {
		return res, err
	}

	for _, m := range messages {
		if err := s.Reset(m); err != nil {
			return res, err
		}
	}

	res.Read, err = phase(ctx, s, messages, protocol.CodeRead, o)
	if err != nil {
		return res, err
	}

	log.Info().Float64("write_mbps", res.Write.Rate()).Float64("read_mbps", res.Read.Rate()).
		Dur("write_latency", res.Write.MeanLatency()).Dur("read_latency", res.Read.MeanLatency()).
		Msg("Benchmark finished.")

	return res, nil
}

func phase(ctx context.Context, s *session.Session, messages []*protocol.Message, code protocol.Code, o Options) (Phase, error) {
	p := Phase{
		Commands:  len(messages),
		Latencies: make(map[uint32]time.Duration, len(messages)),
	}

	submitted := make(map[uint32]time.Time, len(messages))
	received := 0

	retrieve := func() error {
		m, err := s.Wait(ctx)
		if err != nil {
			return err
		}

		p.Latencies[m.ID()] = time.Since(submitted[m.ID()])
		received++

		if err := m.Err(); err != nil {
			return fmt.Errorf("%s of message %d: %w", code, m.ID(), err)
		}
		p.Bytes += int64(m.TransferSize())

		return nil
	}

	start := time.Now()

	for _, m := range messages {
		m.Command = code
		m.Descriptor.Lba = o.Lba
		m.Descriptor.SectorCount = o.Sectors

		for {
			submitted[m.ID()] = time.Now()
			err := s.Submit(m)
			if err == nil {
				break
			}

			if !errors.Is(err, protocol.ErrQueueFull) || received == len(submitted)-1 {
				return p, err
			}

			if err := retrieve(); err != nil {
				return p, err
			}
		}
	}

	for received < len(messages) {
		if err := retrieve(); err != nil {
			return p, err
		}
	}

	p.Elapsed = time.Since(start)

	return p, nil
}

// Deallocates messages once nothing is in flight. When the outstanding
// completions cannot be drained the messages stay allocated, deallocation of
// a submitted message would terminate the session.
func release(ctx context.Context, s *session.Session, messages ...*protocol.Message) {
	for s.Outstanding() > 0 {
		if _, err := s.Wait(ctx); err != nil {
			log.Warn().Err(err).Int("outstanding", s.Outstanding()).Msg("Messages left allocated.")
			return
		}
	}

	for _, m := range messages {
		if err := s.Deallocate(m); err != nil {
			log.Error().Err(err).Uint32("id", m.ID()).Msg("Deallocation failed.")
			return
		}
	}
}
