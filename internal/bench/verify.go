// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package bench

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/asch/ssdsim/internal/ssdsim/geometry"
	"github.com/asch/ssdsim/internal/ssdsim/protocol"
	"github.com/asch/ssdsim/internal/ssdsim/session"
)

// Largest transfer used by VerifyAll.
const MaxSectorsPerTransfer = 256

var ErrMismatch = errors.New("data read back differ from data written")

// Order in which VerifyAll walks the device.
type Order int

const (
	Ascending Order = iota
	Descending
)

func (o Order) String() string {
	if o == Descending {
		return "descending"
	}

	return "ascending"
}

// Submits m and waits for its completion. The message is left Completed.
func roundTrip(ctx context.Context, s *session.Session, m *protocol.Message) error {
	if err := s.Submit(m); err != nil {
		return err
	}

	got, err := s.Wait(ctx)
	if err != nil {
		return err
	}

	if got != m {
		return protocol.Violation("completion of message %d while waiting for %d", got.ID(), m.ID())
	}

	return m.Err()
}

// DeviceInfo asks the device for its capacity and transfer granularity.
func DeviceInfo(ctx context.Context, s *session.Session) (geometry.DeviceInfo, error) {
	m, err := s.Allocate(0, true)
	if err != nil {
		return geometry.DeviceInfo{}, err
	}
	defer release(ctx, s, m)

	m.Command = protocol.CodeGetDeviceInfo
	if err := roundTrip(ctx, s, m); err != nil {
		return geometry.DeviceInfo{}, err
	}

	return m.Descriptor.DeviceInfo, nil
}

// LoadModule loads the named module into the device and waits for the result.
func LoadModule(ctx context.Context, s *session.Session, name string) error {
	m, err := s.Allocate(0, true)
	if err != nil {
		return err
	}
	defer release(ctx, s, m)

	m.Command = protocol.CodeLoadModule
	m.Descriptor.ModuleName = name

	if err := roundTrip(ctx, s, m); err != nil {
		return fmt.Errorf("loading %s: %w", name, err)
	}

	return nil
}

// VerifyAll writes every sector of the device and reads it back right after,
// in transfers of at most MaxSectorsPerTransfer sectors. The same two messages
// are reused for the whole run.
func VerifyAll(ctx context.Context, s *session.Session, order Order) error {
	info, err := DeviceInfo(ctx, s)
	if err != nil {
		return err
	}

	size := MaxSectorsPerTransfer * int(info.BytesPerSector)

	w, err := s.Allocate(size, true)
	if err != nil {
		return err
	}
	defer release(ctx, s, w)

	r, err := s.Allocate(size, true)
	if err != nil {
		return err
	}
	defer release(ctx, s, r)

	for i := range w.Payload() {
		w.Payload()[i] = byte(i % 255)
	}

	total := info.TotalSectors
	transfers := 0

	verify := func(lba uint64, count uint32) error {
		w.Command = protocol.CodeWrite
		w.Descriptor.Lba = lba
		w.Descriptor.SectorCount = count
		if err := roundTrip(ctx, s, w); err != nil {
			return fmt.Errorf("writing %d sectors at %d: %w", count, lba, err)
		}

		r.Command = protocol.CodeRead
		r.Descriptor.Lba = lba
		r.Descriptor.SectorCount = count
		if err := roundTrip(ctx, s, r); err != nil {
			return fmt.Errorf("reading %d sectors at %d: %w", count, lba, err)
		}

		read, _ := s.Message(r.ID())
		n := int(count) * int(info.BytesPerSector)
		if !bytes.Equal(w.Payload()[:n], read.Payload()[:n]) {
			return fmt.Errorf("%w: %d sectors at %d", ErrMismatch, count, lba)
		}

		transfers++

		if err := s.Reset(w); err != nil {
			return err
		}

		return s.Reset(r)
	}

	if order == Ascending {
		for lba := uint64(0); lba < total; lba += MaxSectorsPerTransfer {
			count := uint32(min(MaxSectorsPerTransfer, total-lba))
			if err := verify(lba, count); err != nil {
				return err
			}
		}
	} else {
		for lba := total; lba > 0; {
			count := uint32(min(MaxSectorsPerTransfer, lba))
			lba -= uint64(count)
			if err := verify(lba, count); err != nil {
				return err
			}
		}
	}

	log.Info().Stringer("order", order).Uint64("sectors", total).Int("transfers", transfers).
		Msg("Device verified.")

	return nil
}
