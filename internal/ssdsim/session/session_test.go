// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/ssdsim/internal/ssdsim/protocol"
	"github.com/asch/ssdsim/internal/ssdsim/transport"
)

// Connects a session to a bare endpoint. The test plays the dispatcher.
func connect(t *testing.T, depth int, opts Options) (*Session, *transport.Endpoint) {
	t.Helper()

	registry := transport.NewRegistry()
	e, err := registry.Listen("", depth)
	require.NoError(t, err)

	s, err := Dial(registry, e.Name(), opts)
	require.NoError(t, err)

	return s, e
}

// Completes the next queued request with status.
func serve(t *testing.T, e *transport.Endpoint, status protocol.Status) *protocol.Message {
	t.Helper()

	select {
	case r := <-e.Requests():
		require.True(t, r.Message.Complete(status))
		r.Reply()
		return r.Message
	case <-time.After(5 * time.Second):
		t.Fatal("nothing submitted")
	}

	return nil
}

func TestAllocateLimits(t *testing.T) {
	s, _ := connect(t, 4, Options{PoolSize: 4096, MaxTransfer: 2048})

	_, err := s.Allocate(-1, true)
	assert.ErrorIs(t, err, protocol.ErrAllocationFailure)

	_, err = s.Allocate(2049, true)
	assert.ErrorIs(t, err, protocol.ErrAllocationFailure)

	a, err := s.Allocate(2048, true)
	require.NoError(t, err)
	b, err := s.Allocate(2048, true)
	require.NoError(t, err)

	_, err = s.Allocate(1, true)
	assert.ErrorIs(t, err, protocol.ErrAllocationFailure)

	n, used := s.Allocated()
	assert.Equal(t, 2, n)
	assert.EqualValues(t, 4096, used)

	require.NoError(t, s.Deallocate(a))
	_, err = s.Allocate(1, true)
	assert.NoError(t, err)

	assert.Equal(t, 2048, b.PayloadSize())
	assert.Equal(t, protocol.StateAllocated, b.State())

	// Allocation failures do not terminate the session.
	assert.NoError(t, s.Err())
}

func TestUniqueIDs(t *testing.T) {
	s, _ := connect(t, 4, Options{})

	ids := make(map[uint32]bool)
	for i := 0; i < 1000; i++ {
		m, err := s.Allocate(0, true)
		require.NoError(t, err)
		require.False(t, ids[m.ID()])
		ids[m.ID()] = true

		got, ok := s.Message(m.ID())
		require.True(t, ok)
		require.Same(t, m, got)
	}

	_, ok := s.Message(123456)
	assert.False(t, ok)
}

func TestSubmitAndPop(t *testing.T) {
	s, e := connect(t, 4, Options{})

	m, err := s.Allocate(512, true)
	require.NoError(t, err)
	m.Command = protocol.CodeRead
	m.Descriptor.SectorCount = 1

	assert.False(t, s.HasResponse())
	require.NoError(t, s.Submit(m))
	assert.Equal(t, protocol.StateSubmitted, m.State())
	assert.Equal(t, 1, s.Outstanding())

	serve(t, e, protocol.StatusSuccess)

	require.Eventually(t, s.HasResponse, 5*time.Second, time.Millisecond)
	got, err := s.PopResponse()
	require.NoError(t, err)
	assert.Same(t, m, got)
	assert.Equal(t, protocol.StateCompleted, got.State())
	assert.Equal(t, 0, s.Outstanding())
	assert.False(t, s.HasResponse())

	require.NoError(t, s.Deallocate(m))
	assert.Equal(t, protocol.StateDeallocated, m.State())
}

func TestCompletionOrder(t *testing.T) {
	s, e := connect(t, 4, Options{})

	a, _ := s.Allocate(0, true)
	b, _ := s.Allocate(0, true)
	require.NoError(t, s.Submit(a))
	require.NoError(t, s.Submit(b))

	ra := <-e.Requests()
	rb := <-e.Requests()
	rb.Message.Complete(protocol.StatusSuccess)
	rb.Reply()
	ra.Message.Complete(protocol.StatusInvalidRange)
	ra.Reply()

	ctx := context.Background()
	first, err := s.Wait(ctx)
	require.NoError(t, err)
	second, err := s.Wait(ctx)
	require.NoError(t, err)

	assert.Same(t, b, first)
	assert.Same(t, a, second)
	assert.ErrorIs(t, a.Err(), protocol.ErrInvalidRange)
}

func TestResetAndResubmit(t *testing.T) {
	s, e := connect(t, 4, Options{})

	m, _ := s.Allocate(0, true)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Submit(m))
		serve(t, e, protocol.StatusSuccess)
		got, err := s.Wait(context.Background())
		require.NoError(t, err)
		require.Same(t, m, got)
		require.NoError(t, s.Reset(m))
		assert.Equal(t, protocol.StateAllocated, m.State())
	}
}

func TestResetDropsUnpoppedResponse(t *testing.T) {
	s, e := connect(t, 4, Options{})

	m, _ := s.Allocate(0, true)
	require.NoError(t, s.Submit(m))
	serve(t, e, protocol.StatusSuccess)

	require.Eventually(t, s.HasResponse, 5*time.Second, time.Millisecond)
	require.NoError(t, s.Reset(m))
	assert.False(t, s.HasResponse())
}

func TestViolations(t *testing.T) {
	tests := []struct {
		name string
		do   func(t *testing.T, s *Session, e *transport.Endpoint) error
	}{
		{"pop without response", func(t *testing.T, s *Session, e *transport.Endpoint) error {
			_, err := s.PopResponse()
			return err
		}},
		{"double submit", func(t *testing.T, s *Session, e *transport.Endpoint) error {
			m, _ := s.Allocate(0, true)
			require.NoError(t, s.Submit(m))
			return s.Submit(m)
		}},
		{"resubmit without reset", func(t *testing.T, s *Session, e *transport.Endpoint) error {
			m, _ := s.Allocate(0, true)
			require.NoError(t, s.Submit(m))
			serve(t, e, protocol.StatusSuccess)
			_, err := s.Wait(context.Background())
			require.NoError(t, err)
			return s.Submit(m)
		}},
		{"double deallocate", func(t *testing.T, s *Session, e *transport.Endpoint) error {
			m, _ := s.Allocate(0, true)
			require.NoError(t, s.Deallocate(m))
			return s.Deallocate(m)
		}},
		{"deallocate in flight", func(t *testing.T, s *Session, e *transport.Endpoint) error {
			m, _ := s.Allocate(0, true)
			require.NoError(t, s.Submit(m))
			return s.Deallocate(m)
		}},
		{"reset of allocated", func(t *testing.T, s *Session, e *transport.Endpoint) error {
			m, _ := s.Allocate(0, true)
			return s.Reset(m)
		}},
		{"foreign message", func(t *testing.T, s *Session, e *transport.Endpoint) error {
			return s.Submit(protocol.NewMessage(0, nil, true))
		}},
		{"nil message", func(t *testing.T, s *Session, e *transport.Endpoint) error {
			return s.Deallocate(nil)
		}},
		{"wait with nothing outstanding", func(t *testing.T, s *Session, e *transport.Endpoint) error {
			_, err := s.Wait(context.Background())
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, e := connect(t, 4, Options{})

			err := tt.do(t, s, e)
			require.ErrorIs(t, err, protocol.ErrProtocolViolation)

			// The session is dead from now on.
			assert.ErrorIs(t, s.Err(), protocol.ErrProtocolViolation)
			_, err = s.Allocate(0, true)
			assert.ErrorIs(t, err, protocol.ErrProtocolViolation)
			assert.False(t, s.HasResponse())
		})
	}
}

func TestQueueFull(t *testing.T) {
	s, e := connect(t, 2, Options{})

	a, _ := s.Allocate(0, true)
	b, _ := s.Allocate(0, true)
	c, _ := s.Allocate(0, true)

	require.NoError(t, s.Submit(a))
	require.NoError(t, s.Submit(b))
	assert.ErrorIs(t, s.Submit(c), protocol.ErrQueueFull)
	assert.Equal(t, protocol.StateAllocated, c.State())
	assert.NoError(t, s.Err())

	serve(t, e, protocol.StatusSuccess)
	_, err := s.Wait(context.Background())
	require.NoError(t, err)

	assert.NoError(t, s.Submit(c))
}

func TestFireAndForgetReclaimed(t *testing.T) {
	s, e := connect(t, 4, Options{})

	m, err := s.Allocate(1024, false)
	require.NoError(t, err)
	require.NoError(t, s.Submit(m))

	serve(t, e, protocol.StatusSuccess)

	require.Eventually(t, func() bool { return s.Outstanding() == 0 }, 5*time.Second, time.Millisecond)
	assert.False(t, s.HasResponse())
	assert.Equal(t, protocol.StateDeallocated, m.State())

	n, used := s.Allocated()
	assert.Zero(t, n)
	assert.Zero(t, used)
}

func TestWaitDeadline(t *testing.T) {
	s, _ := connect(t, 4, Options{})

	m, _ := s.Allocate(0, true)
	require.NoError(t, s.Submit(m))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoError(t, s.Err())
}

// Wait must return completions collected by HasResponse from another
// goroutine while it was blocked.
func TestWaitWithConcurrentPolling(t *testing.T) {
	s, e := connect(t, 4, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				s.HasResponse()
			}
		}
	}()

	m, err := s.Allocate(0, true)
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		require.NoError(t, s.Submit(m))

		waited := make(chan error, 1)
		go func() {
			_, err := s.Wait(ctx)
			waited <- err
		}()

		serve(t, e, protocol.StatusSuccess)
		require.NoError(t, <-waited)
		require.NoError(t, s.Reset(m))
	}
}

func TestCloseWakesWait(t *testing.T) {
	s, _ := connect(t, 4, Options{})

	m, _ := s.Allocate(0, true)
	require.NoError(t, s.Submit(m))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	waited := make(chan error, 1)
	go func() {
		_, err := s.Wait(ctx)
		waited <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.Close()

	assert.ErrorIs(t, <-waited, protocol.ErrClosed)
}

func TestEndpointClosed(t *testing.T) {
	s, e := connect(t, 4, Options{})
	e.Close()

	m, _ := s.Allocate(0, true)
	assert.ErrorIs(t, s.Submit(m), protocol.ErrClosed)
	assert.Equal(t, protocol.StateAllocated, m.State())
	assert.Equal(t, 0, s.Outstanding())
}

func TestClose(t *testing.T) {
	s, _ := connect(t, 4, Options{})
	s.Close()

	_, err := s.Allocate(0, true)
	assert.ErrorIs(t, err, protocol.ErrClosed)
}
