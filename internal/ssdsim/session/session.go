// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package session is the caller side of the command protocol. A session
// allocates messages with their payload buffers, submits them without
// blocking and hands completed messages back in the order the dispatcher
// finished them, which need not be the order of submission.
//
// Misuse of the message lifecycle (double submit, double deallocation, popping
// a response which is not there, ...) is a programming error. The session
// records the first violation, logs it and refuses any further work.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/asch/ssdsim/internal/ssdsim/key"
	"github.com/asch/ssdsim/internal/ssdsim/protocol"
	"github.com/asch/ssdsim/internal/ssdsim/transport"
)

const (
	DefaultPoolSize    = 32 * 1024 * 1024
	DefaultMaxTransfer = 4 * 1024 * 1024
)

// Options of the session. Zero values select the defaults.
type Options struct {
	// Total payload bytes the session may hold at once.
	PoolSize int64

	// Largest payload of one message.
	MaxTransfer int

	// Largest number of submitted messages awaiting completion. It is
	// capped by the endpoint queue depth.
	Depth int
}

type Session struct {
	name string
	conn *transport.Conn
	opts Options
	ids  key.Generator

	lock sync.Mutex

	// All allocated messages by id.
	messages map[uint32]*protocol.Message

	// Submitted messages without delivered completion and the number of
	// them the caller wants to see.
	inflight map[uint32]struct{}
	awaiting int

	// Completed reply-required messages not yet popped.
	ready []*protocol.Message

	// Closed and replaced when ready grows or the session terminates, so a
	// Wait blocked on the transport notices completions collected by other
	// calls.
	changed chan struct{}

	poolUsed int64

	// First fatal error. Once set every operation fails with it.
	err error
}

// Dial connects a new session to the endpoint called name.
func Dial(registry *transport.Registry, name string, opts Options) (*Session, error) {
	conn, err := registry.Dial(name, opts.Depth)
	if err != nil {
		return nil, err
	}

	return New(conn, opts), nil
}

// New returns session communicating over conn.
func New(conn *transport.Conn, opts Options) *Session {
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}

	if opts.MaxTransfer <= 0 {
		opts.MaxTransfer = DefaultMaxTransfer
	}

	opts.Depth = conn.Depth()

	return &Session{
		name:     conn.Name(),
		conn:     conn,
		opts:     opts,
		messages: make(map[uint32]*protocol.Message),
		inflight: make(map[uint32]struct{}),
		changed:  make(chan struct{}),
	}
}

func (s *Session) Name() string {
	return s.name
}

// Allocate returns a message with payload of payloadSize bytes. The payload
// size stays fixed for the life of the message.
func (s *Session) Allocate(payloadSize int, replyRequired bool) (*protocol.Message, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	if payloadSize < 0 || payloadSize > s.opts.MaxTransfer {
		return nil, fmt.Errorf("%w: payload of %d bytes, limit is %d",
			protocol.ErrAllocationFailure, payloadSize, s.opts.MaxTransfer)
	}

	if s.poolUsed+int64(payloadSize) > s.opts.PoolSize {
		return nil, fmt.Errorf("%w: pool exhausted, %d of %d bytes in use",
			protocol.ErrAllocationFailure, s.poolUsed, s.opts.PoolSize)
	}

	id, ok := s.ids.NextFree(func(id uint32) bool {
		_, used := s.messages[id]
		return used
	})
	if !ok {
		return nil, fmt.Errorf("%w: no free message id", protocol.ErrAllocationFailure)
	}

	m := protocol.NewMessage(id, make([]byte, payloadSize), replyRequired)
	s.messages[id] = m
	s.poolUsed += int64(payloadSize)

	return m, nil
}

// Submit enqueues m without blocking. When the queue is full the message
// stays Allocated and ErrQueueFull is returned. Fire-and-forget messages
// belong to the session after a successful submit and must not be touched by
// the caller any more.
func (s *Session) Submit(m *protocol.Message) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.err != nil {
		return s.err
	}

	if err := s.checkOwned(m); err != nil {
		return s.fail(err)
	}

	if len(s.inflight) >= s.opts.Depth {
		return protocol.ErrQueueFull
	}

	if !m.Transition(protocol.StateAllocated, protocol.StateSubmitted) {
		return s.fail(protocol.Violation("submit of message %d in state %s", m.ID(), m.State()))
	}

	m.Status = protocol.StatusSuccess

	if err := s.conn.Send(m); err != nil {
		m.Transition(protocol.StateSubmitted, protocol.StateAllocated)
		return err
	}

	s.inflight[m.ID()] = struct{}{}
	if m.ReplyRequired() {
		s.awaiting++
	}

	return nil
}

// HasResponse reports without blocking whether PopResponse has something to
// return.
func (s *Session) HasResponse() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.collect()

	return s.err == nil && len(s.ready) > 0
}

// PopResponse returns the oldest completed message. Calling it when
// HasResponse is false is a protocol violation.
func (s *Session) PopResponse() (*protocol.Message, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.collect()

	if s.err != nil {
		return nil, s.err
	}

	if len(s.ready) == 0 {
		return nil, s.fail(protocol.Violation("pop without completed response"))
	}

	return s.pop(), nil
}

// Wait blocks until a completed message is available or ctx is done. It is
// the blocking counterpart of HasResponse followed by PopResponse.
func (s *Session) Wait(ctx context.Context) (*protocol.Message, error) {
	for {
		s.lock.Lock()
		s.collect()

		if s.err != nil {
			s.lock.Unlock()
			return nil, s.err
		}

		if len(s.ready) > 0 {
			m := s.pop()
			s.lock.Unlock()
			return m, nil
		}

		if s.awaiting == 0 {
			err := s.fail(protocol.Violation("wait with no reply-required message outstanding"))
			s.lock.Unlock()
			return nil, err
		}
		changed := s.changed
		s.lock.Unlock()

		select {
		case m := <-s.conn.Responses():
			s.lock.Lock()
			s.receive(m)
			s.lock.Unlock()

		case <-changed:

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Message returns the allocated message with the given id.
func (s *Session) Message(id uint32) (*protocol.Message, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	m, ok := s.messages[id]

	return m, ok
}

// Reset makes a completed message submittable again. A response which was
// not popped yet is discarded.
func (s *Session) Reset(m *protocol.Message) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.err != nil {
		return s.err
	}

	if err := s.checkOwned(m); err != nil {
		return s.fail(err)
	}

	s.collect()

	if err := s.checkSettled(m); err != nil {
		return s.fail(err)
	}

	if !m.Transition(protocol.StateCompleted, protocol.StateAllocated) {
		return s.fail(protocol.Violation("reset of message %d in state %s", m.ID(), m.State()))
	}

	s.unready(m)
	m.Status = protocol.StatusSuccess

	return nil
}

// Deallocate releases m and its payload. The message must not be in flight
// and must not be used afterwards.
func (s *Session) Deallocate(m *protocol.Message) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.err != nil {
		return s.err
	}

	if err := s.checkOwned(m); err != nil {
		return s.fail(err)
	}

	s.collect()

	if err := s.checkSettled(m); err != nil {
		return s.fail(err)
	}

	if !m.Transition(protocol.StateAllocated, protocol.StateDeallocated) &&
		!m.Transition(protocol.StateCompleted, protocol.StateDeallocated) {

		return s.fail(protocol.Violation("deallocation of message %d in state %s", m.ID(), m.State()))
	}

	s.unready(m)
	s.release(m)

	return nil
}

// Outstanding returns the number of submitted messages without completion.
func (s *Session) Outstanding() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.collect()

	return len(s.inflight)
}

// Allocated returns the number of live messages and payload bytes held.
func (s *Session) Allocated() (int, int64) {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.messages), s.poolUsed
}

// Err returns the fatal error which terminated the session, if any.
func (s *Session) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.err
}

// Close terminates the session. Messages still in flight are completed by the
// dispatcher but never delivered.
func (s *Session) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.err == nil {
		s.err = fmt.Errorf("session %s: %w", s.name, protocol.ErrClosed)
		s.notify()
	}
}

func (s *Session) checkOwned(m *protocol.Message) error {
	if m == nil {
		return protocol.Violation("nil message")
	}

	if s.messages[m.ID()] != m {
		return protocol.Violation("message %d is not allocated by this session", m.ID())
	}

	return nil
}

// A message is settled when the session is not waiting for its completion.
// The dispatcher marks a message Completed slightly before the completion is
// delivered, so the state alone is not enough.
func (s *Session) checkSettled(m *protocol.Message) error {
	if _, ok := s.inflight[m.ID()]; ok {
		return protocol.Violation("message %d is in flight", m.ID())
	}

	return nil
}

// Moves all completions delivered by the transport into the session. Caller
// holds the lock.
func (s *Session) collect() {
	for {
		select {
		case m := <-s.conn.Responses():
			s.receive(m)
		default:
			return
		}
	}
}

// Accounts one completion. Caller holds the lock.
func (s *Session) receive(m *protocol.Message) {
	if s.err != nil {
		return
	}

	_, submitted := s.inflight[m.ID()]
	if !submitted || s.messages[m.ID()] != m || m.State() != protocol.StateCompleted {
		s.fail(protocol.Violation("response %d without matching submitted message", m.ID()))
		return
	}

	delete(s.inflight, m.ID())

	if !m.ReplyRequired() {
		m.Transition(protocol.StateCompleted, protocol.StateDeallocated)
		s.release(m)
		return
	}

	s.awaiting--
	s.ready = append(s.ready, m)
	s.notify()
}

// Wakes up every Wait. Caller holds the lock.
func (s *Session) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) pop() *protocol.Message {
	m := s.ready[0]
	s.ready[0] = nil
	s.ready = s.ready[1:]

	return m
}

func (s *Session) unready(m *protocol.Message) {
	for i, r := range s.ready {
		if r == m {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return
		}
	}
}

func (s *Session) release(m *protocol.Message) {
	delete(s.messages, m.ID())
	s.poolUsed -= int64(m.PayloadSize())
}

// Records fatal err and returns it. Caller holds the lock.
func (s *Session) fail(err error) error {
	if s.err == nil {
		s.err = err
		s.notify()
		log.Error().Err(err).Str("session", s.name).Msg("Session terminated.")
	}

	return s.err
}
