// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceInfo(t *testing.T) {
	g, err := New(4, 2, 128, 256, 8192)
	require.NoError(t, err)

	info := g.Info()
	assert.Equal(t, uint32(512), info.BytesPerSector)
	assert.Equal(t, uint32(16), info.SectorsPerPage)
	assert.Equal(t, uint64(4194304), info.TotalSectors)
	assert.Equal(t, uint64(8), g.StripeWidth())
	assert.Equal(t, uint64(262144), g.TotalPages())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		g    Geometry
	}{
		{"no channels", Geometry{0, 1, 1, 1, 512}},
		{"no devices", Geometry{1, 0, 1, 1, 512}},
		{"no blocks", Geometry{1, 1, 0, 1, 512}},
		{"no pages", Geometry{1, 1, 1, 0, 512}},
		{"empty page", Geometry{1, 1, 1, 1, 0}},
		{"partial sector", Geometry{1, 1, 1, 1, 1000}},
		{"sectors overflow", Geometry{1 << 16, 1 << 16, 1 << 16, 1 << 16, 512}},
		{"stripe overflow", Geometry{1 << 22, 1 << 21, 1, 1 << 21, 512}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.g.Validate(), ErrInvalidGeometry)
		})
	}

	assert.NoError(t, Geometry{1, 1, 1, 1, 512}.Validate())
}

func TestLargestGeometry(t *testing.T) {
	// 2^63 sectors is the largest power of two which still fits.
	g, err := New(1<<16, 1<<16, 1<<16, 1<<6, 1<<18)
	require.NoError(t, err)
	assert.Equal(t, uint64(1)<<63, g.TotalSectors())
	assert.True(t, g.ValidRange(g.TotalSectors()-1, 1))

	_, err = New(1<<16, 1<<16, 1<<16, 1<<7, 1<<18)
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestValidRange(t *testing.T) {
	g := Geometry{1, 1, 1, 2, 1024}
	total := g.TotalSectors()
	require.Equal(t, uint64(4), total)

	assert.True(t, g.ValidRange(0, 4))
	assert.True(t, g.ValidRange(3, 1))
	assert.False(t, g.ValidRange(3, 2))
	assert.False(t, g.ValidRange(0, 0))
	assert.False(t, g.ValidRange(4, 1))
	assert.False(t, g.ValidRange(^uint64(0), 2))
}
