// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package null

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/asch/ssdsim/internal/ssdsim/store"
	"github.com/asch/ssdsim/internal/ssdsim/translation"
)

func TestNull(t *testing.T) {
	var s store.Store = NewNull()

	addr := translation.PhysicalAddress{Channel: 1, Page: 3}
	assert.NoError(t, s.WritePage(addr, 0, []byte{1, 2, 3}))

	buf := []byte{9, 9, 9}
	assert.NoError(t, s.ReadPage(addr, 0, buf))
	assert.Equal(t, []byte{0, 0, 0}, buf)

	assert.NoError(t, s.Close())
}
