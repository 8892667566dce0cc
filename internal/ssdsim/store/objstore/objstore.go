// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objstore keeps every flash page as one object of an object store.
// Objects are named by the linear page index, so the whole device maps onto a
// dense range of keys. A page which was never written has no object and
// reads back as zeros.
package objstore

import (
	"errors"
	"sync"

	"github.com/asch/ssdsim/internal/ssdsim/geometry"
	"github.com/asch/ssdsim/internal/ssdsim/objproxy"
	"github.com/asch/ssdsim/internal/ssdsim/store"
	"github.com/asch/ssdsim/internal/ssdsim/translation"
)

const (
	// Number of locks page programs are spread over.
	pageLockShards = 256
)

type ObjStore struct {
	geometry   geometry.Geometry
	translator *translation.Translator
	proxy      *objproxy.ObjectProxy

	// Partial page programs are read-modify-write of the whole object. All
	// programs of one page, whole or partial, hold the page lock.
	pageLocks [pageLockShards]sync.Mutex
}

// New returns store over the given proxy. The proxy is owned by the store
// and closed by Close().
func New(g geometry.Geometry, proxy *objproxy.ObjectProxy) *ObjStore {
	return &ObjStore{
		geometry:   g,
		translator: translation.New(g),
		proxy:      proxy,
	}
}

// Format deletes every page of the device from the backend.
func (s *ObjStore) Format() error {
	return s.proxy.Instance.DeleteKeyAndSuccessors(0)
}

func (s *ObjStore) key(addr translation.PhysicalAddress) int64 {
	return int64(s.translator.PageIndex(addr))
}

func (s *ObjStore) lockPage(key int64) *sync.Mutex {
	l := &s.pageLocks[key%pageLockShards]
	l.Lock()

	return l
}

// ReadPage downloads the requested range of the page object.
func (s *ObjStore) ReadPage(addr translation.PhysicalAddress, offset uint32, buf []byte) error {
	if err := store.CheckBounds(s.geometry, addr, offset, len(buf)); err != nil {
		return err
	}

	if len(buf) == 0 {
		return nil
	}

	err := s.proxy.Download(s.key(addr), buf, int64(offset), true)
	if errors.Is(err, objproxy.ErrNotFound) {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}

	return err
}

// WritePage uploads the page with data placed at offset. Whole page programs
// go straight to the backend, partial ones merge with the current content.
func (s *ObjStore) WritePage(addr translation.PhysicalAddress, offset uint32, data []byte) error {
	if err := store.CheckBounds(s.geometry, addr, offset, len(data)); err != nil {
		return err
	}

	key := s.key(addr)

	defer s.lockPage(key).Unlock()

	if len(data) == int(s.geometry.BytesPerPage) {
		return s.proxy.Upload(key, data, false)
	}

	page := make([]byte, s.geometry.BytesPerPage)
	err := s.proxy.Download(key, page, 0, false)
	if err != nil && !errors.Is(err, objproxy.ErrNotFound) {
		return err
	}

	copy(page[offset:], data)

	return s.proxy.Upload(key, page, false)
}

func (s *ObjStore) Close() error {
	s.proxy.Close()
	return nil
}
