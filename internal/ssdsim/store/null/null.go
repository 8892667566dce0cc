// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Null package does nothing but correctly.
package null

import (
	"github.com/asch/ssdsim/internal/ssdsim/translation"
)

// Null implementation of Store. Usefull for measuring performance of the
// command path, i.e. sessions, transport and dispatcher, without keeping any
// data. Otherwise useless, writes are dropped and every page reads back as
// never written. It can also serve as a template for a new store
// implementation.
type null struct {
}

func NewNull() *null {
	return &null{}
}

func (n *null) ReadPage(addr translation.PhysicalAddress, offset uint32, buf []byte) error {
	clear(buf)
	return nil
}

func (n *null) WritePage(addr translation.PhysicalAddress, offset uint32, data []byte) error {
	return nil
}

func (n *null) Close() error {
	return nil
}
