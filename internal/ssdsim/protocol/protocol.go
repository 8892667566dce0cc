// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package protocol defines the command messages exchanged between a client
// session and the dispatcher.
//
// One Message object serves as both the request and its response. The
// dispatcher fills the response fields (Status, DeviceInfo and, for reads, the
// payload) in place and hands the very same object back. The lifecycle of a
// message is tracked by an explicit state:
//
//	Allocated -> Submitted -> Completed -> Deallocated
//	                              |
//	                              +-> Reset -> Allocated
package protocol

import (
	"fmt"
	"sync/atomic"

	"github.com/asch/ssdsim/internal/ssdsim/geometry"
)

const (
	// Longest module name accepted by LoadModule.
	MaxModuleNameLength = 32
)

// Code selects the command carried by a message.
type Code uint8

const (
	CodeLoadModule Code = iota
	CodeGetDeviceInfo
	CodeRead
	CodeWrite
	CodeShutdown
)

var codeNames = [...]string{
	CodeLoadModule:    "LoadModule",
	CodeGetDeviceInfo: "GetDeviceInfo",
	CodeRead:          "Read",
	CodeWrite:         "Write",
	CodeShutdown:      "Shutdown",
}

func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}

	return fmt.Sprintf("Code(%d)", uint8(c))
}

// State of the message lifecycle.
type State uint32

const (
	StateAllocated State = iota
	StateSubmitted
	StateCompleted
	StateDeallocated
)

func (s State) String() string {
	switch s {
	case StateAllocated:
		return "Allocated"
	case StateSubmitted:
		return "Submitted"
	case StateCompleted:
		return "Completed"
	case StateDeallocated:
		return "Deallocated"
	}

	return fmt.Sprintf("State(%d)", uint32(s))
}

// Command specific fields. Lba and SectorCount are used by Read and Write,
// ModuleName by LoadModule and DeviceInfo is filled in by GetDeviceInfo.
type Descriptor struct {
	Lba         uint64
	SectorCount uint32
	ModuleName  string
	DeviceInfo  geometry.DeviceInfo
}

// Message is one command together with its payload buffer. The payload size
// is fixed when the message is allocated.
type Message struct {
	Command    Code
	Descriptor Descriptor

	// Result of the command, valid once the message is Completed.
	Status Status

	id            uint32
	replyRequired bool
	payload       []byte
	state         atomic.Uint32
}

// NewMessage returns message in Allocated state. It is meant for the session,
// which is the only owner of payload buffers.
func NewMessage(id uint32, payload []byte, replyRequired bool) *Message {
	return &Message{
		id:            id,
		replyRequired: replyRequired,
		payload:       payload,
	}
}

func (m *Message) ID() uint32 {
	return m.id
}

// ReplyRequired is false for fire-and-forget messages.
func (m *Message) ReplyRequired() bool {
	return m.replyRequired
}

// Payload returns the payload buffer. The contents may be changed freely by
// the owner, the length never changes.
func (m *Message) Payload() []byte {
	return m.payload
}

func (m *Message) PayloadSize() int {
	return len(m.payload)
}

func (m *Message) State() State {
	return State(m.state.Load())
}

// Transition moves the message from one state to another. It fails when the
// message is not in the from state.
func (m *Message) Transition(from, to State) bool {
	return m.state.CompareAndSwap(uint32(from), uint32(to))
}

// Complete records the result and marks the message Completed. Only the
// dispatcher calls it and only on a Submitted message.
func (m *Message) Complete(status Status) bool {
	m.Status = status
	return m.Transition(StateSubmitted, StateCompleted)
}

// Err returns the error corresponding to the message status.
func (m *Message) Err() error {
	return m.Status.Err()
}

// TransferSize is the number of payload bytes a Read or Write moves.
func (m *Message) TransferSize() int {
	return int(m.Descriptor.SectorCount) * geometry.SectorSize
}

func (m *Message) String() string {
	return fmt.Sprintf("msg %d %s lba=%d count=%d state=%s status=%s",
		m.id, m.Command, m.Descriptor.Lba, m.Descriptor.SectorCount, m.State(), m.Status)
}
