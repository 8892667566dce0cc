// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLifecycle(t *testing.T) {
	m := NewMessage(7, make([]byte, 1024), true)
	assert.Equal(t, uint32(7), m.ID())
	assert.Equal(t, StateAllocated, m.State())
	assert.Equal(t, 1024, m.PayloadSize())

	assert.False(t, m.Complete(StatusSuccess), "cannot complete before submit")
	assert.True(t, m.Transition(StateAllocated, StateSubmitted))
	assert.False(t, m.Transition(StateAllocated, StateSubmitted), "double submit")

	assert.True(t, m.Complete(StatusInvalidRange))
	assert.Equal(t, StateCompleted, m.State())
	assert.ErrorIs(t, m.Err(), ErrInvalidRange)

	assert.True(t, m.Transition(StateCompleted, StateAllocated))
}

func TestStatusErrors(t *testing.T) {
	assert.NoError(t, StatusSuccess.Err())
	assert.ErrorIs(t, StatusInvalidPayload.Err(), ErrInvalidPayload)
	assert.ErrorIs(t, StatusModuleLoadFailed.Err(), ErrModuleLoad)
	assert.ErrorIs(t, StatusUnsupported.Err(), ErrUnsupported)
	assert.ErrorIs(t, Status(200).Err(), ErrInternal)
	assert.Equal(t, "Success", StatusSuccess.String())
}

func TestNames(t *testing.T) {
	assert.Equal(t, "Write", CodeWrite.String())
	assert.Equal(t, "Code(9)", Code(9).String())
	assert.Equal(t, "Completed", StateCompleted.String())
	assert.Equal(t, "InvalidRange", StatusInvalidRange.String())
	assert.Equal(t, "Status(77)", Status(77).String())
	assert.ErrorIs(t, Violation("double free of %d", 3), ErrProtocolViolation)
}

func TestTransferSize(t *testing.T) {
	m := NewMessage(1, nil, true)
	m.Descriptor.SectorCount = 35
	assert.Equal(t, 35*512, m.TransferSize())
}
