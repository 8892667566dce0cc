// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package dispatcher

import (
	"sync/atomic"

	"github.com/asch/ssdsim/internal/ssdsim/protocol"
)

// Stats is a snapshot of the dispatcher counters.
type Stats struct {
	Completed    map[string]uint64 `json:"completed"`
	Failed       uint64            `json:"failed"`
	InFlight     int64             `json:"in_flight"`
	BytesRead    uint64            `json:"bytes_read"`
	BytesWritten uint64            `json:"bytes_written"`
}

type counters struct {
	completed    [protocol.CodeShutdown + 1]atomic.Uint64
	unknown      atomic.Uint64
	failed       atomic.Uint64
	inflight     atomic.Int64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

func (c *counters) record(code protocol.Code, status protocol.Status) {
	if int(code) < len(c.completed) {
		c.completed[code].Add(1)
	} else {
		c.unknown.Add(1)
	}

	if status != protocol.StatusSuccess {
		c.failed.Add(1)
	}

	c.inflight.Add(-1)
}

// Stats returns the current counters. Commands completed by the shutdown path
// are included.
func (d *Dispatcher) Stats() Stats {
	c := &d.stats

	s := Stats{
		Completed:    make(map[string]uint64, len(c.completed)+1),
		Failed:       c.failed.Load(),
		InFlight:     c.inflight.Load(),
		BytesRead:    c.bytesRead.Load(),
		BytesWritten: c.bytesWritten.Load(),
	}

	for i := range c.completed {
		s.Completed[protocol.Code(i).String()] = c.completed[i].Load()
	}

	if n := c.unknown.Load(); n > 0 {
		s.Completed["Unknown"] = n
	}

	return s
}
