// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

import "github.com/scsi2pi-go/s2p/pkg/cache"

// fakeHost is a minimal Host implementation driven directly by a test,
// standing in for the controller.
type fakeHost struct {
	cdb         []byte
	initiatorID int
	luns        []int

	buf       []byte
	length    int
	direction Direction
	chunkSize int

	shutdown ShutdownMode
}

func (h *fakeHost) CDB() []byte      { return h.cdb }
func (h *fakeHost) InitiatorID() int { return h.initiatorID }
func (h *fakeHost) Luns() []int      { return h.luns }
func (h *fakeHost) Buffer() []byte   { return h.buf }

func (h *fakeHost) ResizeBuffer(n int) []byte {
	if cap(h.buf) < n {
		h.buf = make([]byte, n)
	} else {
		h.buf = h.buf[:n]
	}
	return h.buf
}

func (h *fakeHost) SetLength(n int)              { h.length = n }
func (h *fakeHost) SetDirection(d Direction)     { h.direction = d }
func (h *fakeHost) SetChunkSize(n int)           { h.chunkSize = n }
func (h *fakeHost) ScheduleShutdown(m ShutdownMode) { h.shutdown = m }

var _ Host = (*fakeHost)(nil)

// fakeCache is a minimal, in-memory cache.BlockCache plus LongCapable, used
// to exercise disk/tape handlers without touching the filesystem.
type fakeCache struct {
	sectorSize int
	data       []byte
}

func newFakeCache(sectorSize int, sectors int) *fakeCache {
	return &fakeCache{sectorSize: sectorSize, data: make([]byte, sectorSize*sectors)}
}

func (c *fakeCache) Init() error { return nil }

func (c *fakeCache) ReadSectors(buf []byte, sector uint64, count uint32) (int, error) {
	off := int(sector) * c.sectorSize
	n := copy(buf, c.data[off:off+int(count)*c.sectorSize])
	return n, nil
}

func (c *fakeCache) WriteSectors(buf []byte, sector uint64, count uint32) (int, error) {
	off := int(sector) * c.sectorSize
	n := copy(c.data[off:off+int(count)*c.sectorSize], buf)
	return n, nil
}

func (c *fakeCache) Flush() error { return nil }

func (c *fakeCache) Statistics(readOnly bool) []cache.Stat { return nil }

func (c *fakeCache) ReadLong(buf []byte, sector uint64, length int) (int, error) {
	off := int(sector) * c.sectorSize
	n := copy(buf, c.data[off:off+length])
	return n, nil
}

func (c *fakeCache) WriteLong(buf []byte, sector uint64, length int) (int, error) {
	off := int(sector) * c.sectorSize
	n := copy(c.data[off:off+length], buf)
	return n, nil
}

var _ cache.BlockCache = (*fakeCache)(nil)
var _ cache.LongCapable = (*fakeCache)(nil)
