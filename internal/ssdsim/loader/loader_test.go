// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package loader

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultHasSimpleFtl(t *testing.T) {
	r := NewDefault()

	assert.NoError(t, r.Load(context.Background(), "SimpleFtl.dll"))
	assert.NoError(t, r.Load(context.Background(), "SimpleFtl"))
	assert.Equal(t, []string{SimpleFtl}, r.Loaded())
}

func TestInitRunsOnce(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.Register("Counter", func(context.Context) error {
		calls++
		return nil
	})

	assert.NoError(t, r.Load(context.Background(), "Counter.so"))
	assert.NoError(t, r.Load(context.Background(), "Counter"))
	assert.Equal(t, 1, calls)
}

func TestLoadErrors(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.Register("Broken", func(context.Context) error { return boom })

	assert.ErrorIs(t, r.Load(context.Background(), "Missing"), ErrUnknownModule)
	assert.ErrorIs(t, r.Load(context.Background(), ""), ErrInvalidName)
	assert.ErrorIs(t, r.Load(context.Background(), strings.Repeat("x", 33)), ErrInvalidName)
	assert.ErrorIs(t, r.Load(context.Background(), "Broken"), boom)
	assert.Empty(t, r.Loaded())
}
