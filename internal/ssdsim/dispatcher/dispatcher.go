// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package dispatcher is the device side of the command protocol. It takes
// submitted messages from a transport endpoint, executes them against the
// translator and the backing store on a pool of workers and hands every
// message back to the session it came from.
//
// Commands run concurrently, so completions come back in any order. The
// dispatcher gives no ordering between overlapping writes in flight at the
// same time; a write is visible to every read submitted after its completion
// was observed.
package dispatcher

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/asch/ssdsim/internal/ssdsim/geometry"
	"github.com/asch/ssdsim/internal/ssdsim/loader"
	"github.com/asch/ssdsim/internal/ssdsim/protocol"
	"github.com/asch/ssdsim/internal/ssdsim/store"
	"github.com/asch/ssdsim/internal/ssdsim/translation"
	"github.com/asch/ssdsim/internal/ssdsim/transport"
	"github.com/asch/ssdsim/internal/trace"
)

// Options to use in New() due to the number of optional collaborators.
type Options struct {
	// Number of commands executed concurrently. Zero means one per CPU.
	Workers int

	// Resolves LoadModule. Without it LoadModule is unsupported.
	Loader loader.Loader

	// Receives one entry per completed command. Optional.
	Recorder trace.Recorder
}

type Dispatcher struct {
	geometry   geometry.Geometry
	info       geometry.DeviceInfo
	translator *translation.Translator
	store      store.Store
	endpoint   *transport.Endpoint
	loader     loader.Loader
	recorder   trace.Recorder
	workers    int

	stats counters

	// Closed when a fatal error stops the dispatcher.
	halt     chan struct{}
	haltOnce sync.Once
	fatal    error
}

// New returns dispatcher serving endpoint. The geometry is fixed for the
// life of the dispatcher.
func New(g geometry.Geometry, st store.Store, endpoint *transport.Endpoint, opts Options) *Dispatcher {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	return &Dispatcher{
		geometry:   g,
		info:       g.Info(),
		translator: translation.New(g),
		store:      st,
		endpoint:   endpoint,
		loader:     opts.Loader,
		recorder:   opts.Recorder,
		workers:    workers,
		halt:       make(chan struct{}),
	}
}

func (d *Dispatcher) Geometry() geometry.Geometry {
	return d.geometry
}

func (d *Dispatcher) Info() geometry.DeviceInfo {
	return d.info
}

// Name of the endpoint clients dial.
func (d *Dispatcher) Name() string {
	return d.endpoint.Name()
}

// Run serves commands until a Shutdown command arrives, ctx is cancelled or a
// fatal error occurs. Every message queued before the stop is completed
// before Run returns. Shutdown returns nil, cancellation returns ctx.Err()
// and a fatal error is returned as is.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Info().Str("name", d.Name()).Stringer("geometry", d.geometry).
		Int("workers", d.workers).Msg("Dispatcher started.")

	work := make(chan transport.Request)

	var wg sync.WaitGroup
	wg.Add(d.workers)
	for i := 0; i < d.workers; i++ {
		go d.worker(ctx, work, &wg)
	}

	var shutdowns []transport.Request
	var err error

loop:
	for {
		select {
		case r := <-d.endpoint.Requests():
			if r.Message.Command == protocol.CodeShutdown {
				d.stats.inflight.Add(1)
				shutdowns = append(shutdowns, r)
				break loop
			}
			d.schedule(work, r)

		case <-d.halt:
			break loop

		case <-ctx.Done():
			err = ctx.Err()
			break loop
		}
	}

	// No new requests past this point, the queue only drains.
	d.endpoint.Close()

	for {
		select {
		case r := <-d.endpoint.Requests():
			if r.Message.Command == protocol.CodeShutdown {
				d.stats.inflight.Add(1)
				shutdowns = append(shutdowns, r)
				continue
			}
			d.schedule(work, r)
			continue
		default:
		}
		break
	}

	close(work)
	wg.Wait()

	for _, r := range shutdowns {
		d.complete(r, protocol.StatusSuccess, time.Now())
	}

	if d.fatal != nil {
		log.Error().Err(d.fatal).Str("name", d.Name()).Msg("Dispatcher terminated.")
		return d.fatal
	}

	log.Info().Str("name", d.Name()).Msg("Dispatcher stopped.")

	return err
}

// Hands r to a worker. After a fatal error nothing is executed any more, the
// messages are only given back so that no session waits forever.
func (d *Dispatcher) schedule(work chan<- transport.Request, r transport.Request) {
	d.stats.inflight.Add(1)

	if d.halted() {
		d.complete(r, protocol.StatusInternal, time.Now())
		return
	}

	work <- r
}

func (d *Dispatcher) worker(ctx context.Context, work <-chan transport.Request, wg *sync.WaitGroup) {
	defer wg.Done()

	for r := range work {
		start := time.Now()

		status := protocol.StatusInternal
		if !d.halted() {
			status = d.execute(ctx, r.Message)
		}

		d.complete(r, status, start)
	}
}

// Executes one command and returns its status.
func (d *Dispatcher) execute(ctx context.Context, m *protocol.Message) protocol.Status {
	switch m.Command {
	case protocol.CodeGetDeviceInfo:
		m.Descriptor.DeviceInfo = d.info
		return protocol.StatusSuccess

	case protocol.CodeRead:
		return d.transfer(m, false)

	case protocol.CodeWrite:
		return d.transfer(m, true)

	case protocol.CodeLoadModule:
		return d.loadModule(ctx, m)
	}

	return protocol.StatusUnsupported
}

func (d *Dispatcher) loadModule(ctx context.Context, m *protocol.Message) protocol.Status {
	if d.loader == nil {
		return protocol.StatusUnsupported
	}

	if err := d.loader.Load(ctx, m.Descriptor.ModuleName); err != nil {
		log.Info().Err(err).Uint32("id", m.ID()).Msg("LoadModule failed.")
		return protocol.StatusModuleLoadFailed
	}

	return protocol.StatusSuccess
}

// Moves the sectors of a Read or Write between the payload and the store. The
// range is split at page boundaries, every piece is one page access at the
// sector offset inside the page.
func (d *Dispatcher) transfer(m *protocol.Message, write bool) protocol.Status {
	desc := m.Descriptor

	if !d.geometry.ValidRange(desc.Lba, desc.SectorCount) {
		return protocol.StatusInvalidRange
	}

	if m.PayloadSize() < m.TransferSize() {
		return protocol.StatusInvalidPayload
	}

	payload := m.Payload()[:m.TransferSize()]
	lba := desc.Lba
	remaining := desc.SectorCount

	for remaining > 0 {
		addr, err := d.translator.Translate(lba)
		if err != nil {
			d.die(err)
			return protocol.StatusInternal
		}

		sector := d.translator.PageOffset(lba)
		n := d.info.SectorsPerPage - sector
		if n > remaining {
			n = remaining
		}

		size := n * geometry.SectorSize
		chunk := payload[:size]
		payload = payload[size:]
		offset := sector * geometry.SectorSize

		if write {
			err = d.store.WritePage(addr, offset, chunk)
		} else {
			err = d.store.ReadPage(addr, offset, chunk)
		}

		if errors.Is(err, store.ErrOutOfBounds) {
			d.die(err)
			return protocol.StatusInternal
		}

		if err != nil {
			log.Error().Err(err).Uint32("id", m.ID()).Stringer("addr", addr).Msg("Store access failed.")
			return protocol.StatusInternal
		}

		lba += uint64(n)
		remaining -= n
	}

	if write {
		d.stats.bytesWritten.Add(uint64(m.TransferSize()))
	} else {
		d.stats.bytesRead.Add(uint64(m.TransferSize()))
	}

	return protocol.StatusSuccess
}

// Records the result, accounts it and gives the message back to its session.
func (d *Dispatcher) complete(r transport.Request, status protocol.Status, start time.Time) {
	m := r.Message

	log.Debug().Uint32("id", m.ID()).Stringer("cmd", m.Command).
		Uint64("lba", m.Descriptor.Lba).Uint32("count", m.Descriptor.SectorCount).
		Stringer("status", status).Send()

	if d.recorder != nil {
		d.recorder.Record(trace.Entry{
			Session:     r.Source,
			ID:          m.ID(),
			Command:     m.Command.String(),
			Lba:         m.Descriptor.Lba,
			SectorCount: m.Descriptor.SectorCount,
			Status:      status.String(),
			Start:       start.UnixNano(),
			End:         time.Now().UnixNano(),
		})
	}

	d.stats.record(m.Command, status)

	if !m.Complete(status) {
		log.Error().Uint32("id", m.ID()).Stringer("state", m.State()).Msg("Completing message which is not submitted.")
	}

	r.Reply()
}

// Stops the dispatcher because of a broken invariant.
func (d *Dispatcher) die(err error) {
	d.haltOnce.Do(func() {
		d.fatal = err
		log.Error().Err(err).Msg("Fatal dispatcher error.")
		close(d.halt)
	})
}

func (d *Dispatcher) halted() bool {
	select {
	case <-d.halt:
		return true
	default:
		return false
	}
}
