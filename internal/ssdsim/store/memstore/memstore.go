// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package memstore keeps the flash array in memory. Pages are allocated on
// their first write, so a large geometry costs only what is actually used.
package memstore

import (
	"sync"

	"github.com/asch/ssdsim/internal/ssdsim/geometry"
	"github.com/asch/ssdsim/internal/ssdsim/store"
	"github.com/asch/ssdsim/internal/ssdsim/translation"
)

type MemStore struct {
	geometry geometry.Geometry

	lock  sync.RWMutex
	pages map[translation.PhysicalAddress][]byte
}

func New(g geometry.Geometry) *MemStore {
	return &MemStore{
		geometry: g,
		pages:    make(map[translation.PhysicalAddress][]byte),
	}
}

// ReadPage copies len(buf) bytes at offset of page addr into buf.
func (s *MemStore) ReadPage(addr translation.PhysicalAddress, offset uint32, buf []byte) error {
	if err := store.CheckBounds(s.geometry, addr, offset, len(buf)); err != nil {
		return err
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	page, ok := s.pages[addr]
	if !ok {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}

	copy(buf, page[offset:])

	return nil
}

// WritePage copies data to offset of page addr.
func (s *MemStore) WritePage(addr translation.PhysicalAddress, offset uint32, data []byte) error {
	if err := store.CheckBounds(s.geometry, addr, offset, len(data)); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	page, ok := s.pages[addr]
	if !ok {
		page = make([]byte, s.geometry.BytesPerPage)
		s.pages[addr] = page
	}

	copy(page[offset:], data)

	return nil
}

// Returns number of pages which hold data.
func (s *MemStore) UsedPages() int {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return len(s.pages)
}

func (s *MemStore) Close() error {
	return nil
}
