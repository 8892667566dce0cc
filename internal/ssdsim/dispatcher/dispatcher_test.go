// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/asch/ssdsim/internal/ssdsim/geometry"
	"github.com/asch/ssdsim/internal/ssdsim/protocol"
	"github.com/asch/ssdsim/internal/ssdsim/session"
	"github.com/asch/ssdsim/internal/ssdsim/store"
	"github.com/asch/ssdsim/internal/ssdsim/store/memstore"
	"github.com/asch/ssdsim/internal/ssdsim/translation"
	"github.com/asch/ssdsim/internal/ssdsim/transport"
	"github.com/asch/ssdsim/internal/trace"
)

var (
	bigGeometry   = geometry.Geometry{ChannelCount: 4, DevicesPerChannel: 2, BlocksPerDevice: 128, PagesPerBlock: 256, BytesPerPage: 8192}
	smallGeometry = geometry.Geometry{ChannelCount: 2, DevicesPerChannel: 1, BlocksPerDevice: 2, PagesPerBlock: 2, BytesPerPage: 1024}
)

type mockLoader struct {
	mock.Mock
}

func (m *mockLoader) Load(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

type memRecorder struct {
	lock    sync.Mutex
	entries []trace.Entry
}

func (r *memRecorder) Record(e trace.Entry) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.entries = append(r.entries, e)
}

// Fails every write with err.
type failingStore struct {
	store.Store
	err error
}

func (f failingStore) WritePage(translation.PhysicalAddress, uint32, []byte) error {
	return f.err
}

type fixture struct {
	t    *testing.T
	d    *Dispatcher
	s    *session.Session
	done chan error
}

func start(t *testing.T, g geometry.Geometry, st store.Store, opts Options) *fixture {
	t.Helper()

	registry := transport.NewRegistry()
	endpoint, err := registry.Listen("", 64)
	require.NoError(t, err)

	f := &fixture{
		t:    t,
		d:    New(g, st, endpoint, opts),
		done: make(chan error, 1),
	}

	go func() { f.done <- f.d.Run(context.Background()) }()

	f.s, err = session.Dial(registry, endpoint.Name(), session.Options{})
	require.NoError(t, err)

	return f
}

func (f *fixture) wait() *protocol.Message {
	f.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m, err := f.s.Wait(ctx)
	require.NoError(f.t, err)

	return m
}

func (f *fixture) do(code protocol.Code, lba uint64, count uint32, data []byte) *protocol.Message {
	f.t.Helper()

	m, err := f.s.Allocate(len(data), true)
	require.NoError(f.t, err)

	m.Command = code
	m.Descriptor.Lba = lba
	m.Descriptor.SectorCount = count
	copy(m.Payload(), data)

	require.NoError(f.t, f.s.Submit(m))
	got := f.wait()
	require.Same(f.t, m, got)

	return m
}

func (f *fixture) write(lba uint64, data []byte) protocol.Status {
	f.t.Helper()

	m := f.do(protocol.CodeWrite, lba, uint32(len(data)/geometry.SectorSize), data)
	require.NoError(f.t, f.s.Deallocate(m))

	return m.Status
}

func (f *fixture) read(lba uint64, count uint32) ([]byte, protocol.Status) {
	f.t.Helper()

	m := f.do(protocol.CodeRead, lba, count, make([]byte, int(count)*geometry.SectorSize))
	data := append([]byte(nil), m.Payload()...)
	require.NoError(f.t, f.s.Deallocate(m))

	return data, m.Status
}

func (f *fixture) shutdown() error {
	f.t.Helper()

	m := f.do(protocol.CodeShutdown, 0, 0, nil)
	assert.Equal(f.t, protocol.StatusSuccess, m.Status)

	select {
	case err := <-f.done:
		return err
	case <-time.After(5 * time.Second):
		f.t.Fatal("dispatcher did not stop")
	}

	return nil
}

func pattern(sectors int, seed byte) []byte {
	buf := make([]byte, sectors*geometry.SectorSize)
	for i := range buf {
		buf[i] = seed + byte(i/geometry.SectorSize) + byte(i)
	}

	return buf
}

func TestDeviceInfo(t *testing.T) {
	f := start(t, bigGeometry, memstore.New(bigGeometry), Options{})

	m := f.do(protocol.CodeGetDeviceInfo, 0, 0, nil)
	require.Equal(t, protocol.StatusSuccess, m.Status)
	assert.Equal(t, geometry.DeviceInfo{
		BytesPerSector: 512,
		SectorsPerPage: 16,
		TotalSectors:   4194304,
	}, m.Descriptor.DeviceInfo)

	assert.NoError(t, f.shutdown())
}

func TestWriteRead(t *testing.T) {
	f := start(t, bigGeometry, memstore.New(bigGeometry), Options{Workers: 4})

	tests := []struct {
		name    string
		lba     uint64
		sectors int
	}{
		{"one sector", 0, 1},
		{"one page", 16, 16},
		{"unaligned across pages", 37, 40},
		{"whole stripe", 512, 128},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := pattern(tt.sectors, byte(i))
			require.Equal(t, protocol.StatusSuccess, f.write(tt.lba, data))

			got, status := f.read(tt.lba, uint32(tt.sectors))
			require.Equal(t, protocol.StatusSuccess, status)
			assert.True(t, bytes.Equal(data, got))
		})
	}

	assert.NoError(t, f.shutdown())
}

func TestUnwrittenReadsZero(t *testing.T) {
	f := start(t, bigGeometry, memstore.New(bigGeometry), Options{})

	got, status := f.read(1000, 8)
	require.Equal(t, protocol.StatusSuccess, status)
	assert.Equal(t, make([]byte, 8*geometry.SectorSize), got)

	assert.NoError(t, f.shutdown())
}

func TestLastWriteWins(t *testing.T) {
	f := start(t, bigGeometry, memstore.New(bigGeometry), Options{})

	require.Equal(t, protocol.StatusSuccess, f.write(100, pattern(4, 1)))
	second := pattern(2, 2)
	require.Equal(t, protocol.StatusSuccess, f.write(101, second))

	got, status := f.read(100, 4)
	require.Equal(t, protocol.StatusSuccess, status)

	want := pattern(4, 1)
	copy(want[geometry.SectorSize:], second)
	assert.Equal(t, want, got)

	assert.NoError(t, f.shutdown())
}

func TestRangeBoundary(t *testing.T) {
	f := start(t, smallGeometry, memstore.New(smallGeometry), Options{})
	total := smallGeometry.TotalSectors()
	require.EqualValues(t, 16, total)

	assert.Equal(t, protocol.StatusSuccess, f.write(total-2, pattern(2, 0)))
	assert.Equal(t, protocol.StatusInvalidRange, f.write(total-1, pattern(2, 0)))
	assert.Equal(t, protocol.StatusInvalidRange, f.write(total, pattern(1, 0)))

	_, status := f.read(total, 1)
	assert.Equal(t, protocol.StatusInvalidRange, status)

	_, status = f.read(0, 0)
	assert.Equal(t, protocol.StatusInvalidRange, status)

	assert.NoError(t, f.shutdown())
}

func TestInvalidPayload(t *testing.T) {
	f := start(t, smallGeometry, memstore.New(smallGeometry), Options{})

	m := f.do(protocol.CodeRead, 0, 2, make([]byte, geometry.SectorSize))
	assert.Equal(t, protocol.StatusInvalidPayload, m.Status)
	assert.ErrorIs(t, m.Err(), protocol.ErrInvalidPayload)

	assert.NoError(t, f.shutdown())
}

func TestUnsupportedCommand(t *testing.T) {
	f := start(t, smallGeometry, memstore.New(smallGeometry), Options{})

	m := f.do(protocol.Code(42), 0, 0, nil)
	assert.Equal(t, protocol.StatusUnsupported, m.Status)

	// Without a loader LoadModule is not available either.
	m = f.do(protocol.CodeLoadModule, 0, 0, nil)
	assert.Equal(t, protocol.StatusUnsupported, m.Status)

	assert.NoError(t, f.shutdown())
}

func TestLoadModule(t *testing.T) {
	l := &mockLoader{}
	l.On("Load", mock.Anything, "SimpleFtl.dll").Return(nil).Once()
	l.On("Load", mock.Anything, "Missing").Return(errors.New("unknown module")).Once()

	f := start(t, smallGeometry, memstore.New(smallGeometry), Options{Loader: l})

	load := func(name string) protocol.Status {
		m, err := f.s.Allocate(0, true)
		require.NoError(t, err)
		m.Command = protocol.CodeLoadModule
		m.Descriptor.ModuleName = name
		require.NoError(t, f.s.Submit(m))
		require.Same(t, m, f.wait())
		require.NoError(t, f.s.Deallocate(m))
		return m.Status
	}

	assert.Equal(t, protocol.StatusSuccess, load("SimpleFtl.dll"))
	assert.Equal(t, protocol.StatusModuleLoadFailed, load("Missing"))

	assert.NoError(t, f.shutdown())
	l.AssertExpectations(t)
}

func TestOutOfOrderCompletions(t *testing.T) {
	const k = 32

	f := start(t, bigGeometry, memstore.New(bigGeometry), Options{Workers: 8})

	submitted := make(map[uint32]*protocol.Message)
	for i := 0; i < k; i++ {
		m, err := f.s.Allocate(16*geometry.SectorSize, true)
		require.NoError(t, err)
		m.Command = protocol.CodeWrite
		m.Descriptor.Lba = uint64(i * 16)
		m.Descriptor.SectorCount = 16
		copy(m.Payload(), pattern(16, byte(i)))
		require.NoError(t, f.s.Submit(m))
		submitted[m.ID()] = m
	}
	require.Len(t, submitted, k)

	seen := make(map[uint32]bool)
	for i := 0; i < k; i++ {
		m := f.wait()
		assert.Equal(t, protocol.StatusSuccess, m.Status)
		assert.False(t, seen[m.ID()], "id %d completed twice", m.ID())
		assert.Same(t, submitted[m.ID()], m)
		seen[m.ID()] = true
	}
	assert.False(t, f.s.HasResponse())

	for i := 0; i < k; i++ {
		got, status := f.read(uint64(i*16), 16)
		require.Equal(t, protocol.StatusSuccess, status)
		assert.Equal(t, pattern(16, byte(i)), got)
	}

	assert.NoError(t, f.shutdown())
}

func TestFireAndForget(t *testing.T) {
	f := start(t, smallGeometry, memstore.New(smallGeometry), Options{})

	m, err := f.s.Allocate(2*geometry.SectorSize, false)
	require.NoError(t, err)
	m.Command = protocol.CodeWrite
	m.Descriptor.Lba = 4
	m.Descriptor.SectorCount = 2
	copy(m.Payload(), pattern(2, 7))
	require.NoError(t, f.s.Submit(m))

	require.Eventually(t, func() bool { return f.s.Outstanding() == 0 }, 5*time.Second, time.Millisecond)
	assert.False(t, f.s.HasResponse())

	count, used := f.s.Allocated()
	assert.Zero(t, count)
	assert.Zero(t, used)

	got, status := f.read(4, 2)
	require.Equal(t, protocol.StatusSuccess, status)
	assert.Equal(t, pattern(2, 7), got)

	assert.NoError(t, f.shutdown())
}

func TestShutdownDrainsQueue(t *testing.T) {
	f := start(t, bigGeometry, memstore.New(bigGeometry), Options{Workers: 2})

	var writes []*protocol.Message
	for i := 0; i < 8; i++ {
		m, err := f.s.Allocate(8*geometry.SectorSize, true)
		require.NoError(t, err)
		m.Command = protocol.CodeWrite
		m.Descriptor.Lba = uint64(i * 8)
		m.Descriptor.SectorCount = 8
		require.NoError(t, f.s.Submit(m))
		writes = append(writes, m)
	}

	stop, err := f.s.Allocate(0, true)
	require.NoError(t, err)
	stop.Command = protocol.CodeShutdown
	require.NoError(t, f.s.Submit(stop))

	for range writes {
		m := f.wait()
		assert.NotSame(t, stop, m, "shutdown completed before queued writes")
		assert.Equal(t, protocol.StatusSuccess, m.Status)
	}
	assert.Same(t, stop, f.wait())

	select {
	case err := <-f.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	for _, m := range writes {
		require.NoError(t, f.s.Reset(m))
	}
	assert.ErrorIs(t, f.s.Submit(writes[0]), protocol.ErrClosed)
	assert.NoError(t, f.s.Err())
}

func TestCancelledContext(t *testing.T) {
	registry := transport.NewRegistry()
	endpoint, err := registry.Listen("cancel", 4)
	require.NoError(t, err)

	d := New(smallGeometry, memstore.New(smallGeometry), endpoint, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, d.Run(ctx), context.Canceled)
	assert.True(t, endpoint.Closed())
}

func TestStoreFailure(t *testing.T) {
	st := failingStore{Store: memstore.New(smallGeometry), err: errors.New("bucket unavailable")}
	f := start(t, smallGeometry, st, Options{})

	assert.Equal(t, protocol.StatusInternal, f.write(0, pattern(1, 0)))

	// Not fatal, reads still work.
	_, status := f.read(0, 1)
	assert.Equal(t, protocol.StatusSuccess, status)

	assert.NoError(t, f.shutdown())
}

func TestAddressFailureIsFatal(t *testing.T) {
	st := failingStore{
		Store: memstore.New(smallGeometry),
		err:   fmt.Errorf("%w: page beyond device", store.ErrOutOfBounds),
	}
	f := start(t, smallGeometry, st, Options{})

	assert.Equal(t, protocol.StatusInternal, f.write(0, pattern(1, 0)))

	select {
	case err := <-f.done:
		assert.ErrorIs(t, err, store.ErrOutOfBounds)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestStatsAndTrace(t *testing.T) {
	rec := &memRecorder{}
	f := start(t, smallGeometry, memstore.New(smallGeometry), Options{Recorder: rec})

	require.Equal(t, protocol.StatusSuccess, f.write(0, pattern(2, 0)))
	_, status := f.read(0, 2)
	require.Equal(t, protocol.StatusSuccess, status)
	_, status = f.read(100, 1)
	require.Equal(t, protocol.StatusInvalidRange, status)

	require.NoError(t, f.shutdown())

	s := f.d.Stats()
	assert.EqualValues(t, 1, s.Completed["Write"])
	assert.EqualValues(t, 2, s.Completed["Read"])
	assert.EqualValues(t, 1, s.Completed["Shutdown"])
	assert.EqualValues(t, 1, s.Failed)
	assert.EqualValues(t, 0, s.InFlight)
	assert.EqualValues(t, 1024, s.BytesWritten)
	assert.EqualValues(t, 1024, s.BytesRead)

	rec.lock.Lock()
	defer rec.lock.Unlock()

	require.Len(t, rec.entries, 4)
	assert.Equal(t, "Write", rec.entries[0].Command)
	assert.Equal(t, f.s.Name(), rec.entries[0].Session)
	assert.Equal(t, "InvalidRange", rec.entries[2].Status)
	assert.Equal(t, "Shutdown", rec.entries[3].Command)
	for _, e := range rec.entries {
		assert.LessOrEqual(t, e.Start, e.End)
	}
}
