// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cache

import (
	"fmt"
	"io"
)

// sectorsPerTrack: every track holds exactly 256 sectors regardless of
// sector size.
const sectorsPerTrack = 256

// maxTracks bounds how many tracks stay resident before the least recently
// used one is evicted.
const maxTracks = 16

// track is one cached unit of sectorsPerTrack sectors, modeled on DiskTrack:
// a single contiguous buffer plus a per-sector dirty bitmap, and a serial
// number used for LRU eviction.
type track struct {
	number  int64
	buf     []byte
	dirty   []bool
	valid   bool
	serial  uint32
}

func newTrack(sectorSize int) *track {
	return &track{
		buf:   make([]byte, sectorsPerTrack*sectorSize),
		dirty: make([]bool, sectorsPerTrack),
	}
}

func (t *track) load(r io.ReaderAt, sectorSize int) error {
	off := t.number * int64(sectorsPerTrack*sectorSize)
	n, err := r.ReadAt(t.buf, off)
	if err != nil && err != io.EOF {
		return err
	}
	for i := n; i < len(t.buf); i++ {
		t.buf[i] = 0
	}
	for i := range t.dirty {
		t.dirty[i] = false
	}
	t.valid = true
	return nil
}

// save writes only the dirty sector runs back, coalescing adjacent dirty
// sectors into a single positioned write the way DiskTrack::Save does.
func (t *track) save(w io.WriterAt, sectorSize int) error {
	base := t.number * int64(sectorsPerTrack*sectorSize)
	i := 0
	for i < sectorsPerTrack {
		if !t.dirty[i] {
			i++
			continue
		}
		start := i
		for i < sectorsPerTrack && t.dirty[i] {
			i++
		}
		run := t.buf[start*sectorSize : i*sectorSize]
		if _, err := w.WriteAt(run, base+int64(start*sectorSize)); err != nil {
			return err
		}
		for j := start; j < i; j++ {
			t.dirty[j] = false
		}
	}
	return nil
}

func (t *track) isDirty() bool {
	for _, d := range t.dirty {
		if d {
			return true
		}
	}
	return false
}

// TrackCache is the PiSCSI-style write-back cache: a fixed pool of track
// slots, LRU-evicted by a monotonic serial number, grounded on
// disk_cache.cpp's DiskCache::Update/AssignTrack/Save.
type TrackCache struct {
	backend    io.ReaderAt
	writer     io.WriterAt
	sectorSize int
	blocks     uint64

	tracks [maxTracks]*track
	serial uint32

	readErrors  uint64
	writeErrors uint64
	missReads   uint64
	missWrites  uint64
}

// NewTrackCache constructs a cache over backend, which must support both
// ReaderAt and WriterAt (an *os.File satisfies both).
func NewTrackCache(backend interface {
	io.ReaderAt
	io.WriterAt
}, sectorSize int, blocks uint64) *TrackCache {
	return &TrackCache{
		backend:    backend,
		writer:     backend,
		sectorSize: sectorSize,
		blocks:     blocks,
	}
}

func (c *TrackCache) Init() error {
	for i := range c.tracks {
		c.tracks[i] = nil
	}
	c.serial = 0
	return nil
}

func (c *TrackCache) trackNumber(sector uint64) int64 {
	return int64(sector / sectorsPerTrack)
}

// assignTrack finds or loads the track slot for trackNo, evicting the least
// recently used slot (the lowest serial) when the pool is full, saving it
// first if dirty -- the direct equivalent of DiskCache::AssignTrack.
func (c *TrackCache) assignTrack(trackNo int64, forWrite bool) (*track, error) {
	var free = -1
	var lruIdx = -1
	var lruSerial uint32
	for i, t := range c.tracks {
		if t == nil {
			if free < 0 {
				free = i
			}
			continue
		}
		if t.number == trackNo {
			c.serial++
			t.serial = c.serial
			return t, nil
		}
		if lruIdx < 0 || t.serial < lruSerial {
			lruIdx = i
			lruSerial = t.serial
		}
	}

	var slot int
	switch {
	case free >= 0:
		slot = free
	case lruIdx >= 0:
		if c.tracks[lruIdx].isDirty() {
			if err := c.tracks[lruIdx].save(c.writer, c.sectorSize); err != nil {
				c.writeErrors++
				return nil, err
			}
		}
		slot = lruIdx
	default:
		slot = 0
	}

	t := newTrack(c.sectorSize)
	t.number = trackNo
	if err := t.load(c.backend, c.sectorSize); err != nil {
		c.readErrors++
		return nil, err
	}
	c.serial++
	// serial wraparound: reset every slot's serial to 0 so ordering stays
	// consistent, per DiskCache::AssignTrack.
	if c.serial == 0 {
		for _, other := range c.tracks {
			if other != nil {
				other.serial = 0
			}
		}
	}
	t.serial = c.serial
	c.tracks[slot] = t
	if forWrite {
		c.missWrites++
	} else {
		c.missReads++
	}
	return t, nil
}

func (c *TrackCache) ReadSectors(buf []byte, sector uint64, count uint32) (int, error) {
	var done uint32
	for done < count {
		s := sector + uint64(done)
		trackNo := c.trackNumber(s)
		t, err := c.assignTrack(trackNo, false)
		if err != nil {
			return int(done), fmt.Errorf("cache: read sector %d: %w", s, err)
		}
		offset := int(s % sectorsPerTrack)
		copy(buf[int(done)*c.sectorSize:], t.buf[offset*c.sectorSize:(offset+1)*c.sectorSize])
		done++
	}
	return int(done), nil
}

func (c *TrackCache) WriteSectors(buf []byte, sector uint64, count uint32) (int, error) {
	var done uint32
	for done < count {
		s := sector + uint64(done)
		trackNo := c.trackNumber(s)
		t, err := c.assignTrack(trackNo, true)
		if err != nil {
			return int(done), fmt.Errorf("cache: write sector %d: %w", s, err)
		}
		offset := int(s % sectorsPerTrack)
		copy(t.buf[offset*c.sectorSize:(offset+1)*c.sectorSize], buf[int(done)*c.sectorSize:])
		t.dirty[offset] = true
		done++
	}
	return int(done), nil
}

func (c *TrackCache) Flush() error {
	for _, t := range c.tracks {
		if t != nil && t.isDirty() {
			if err := t.save(c.writer, c.sectorSize); err != nil {
				c.writeErrors++
				return err
			}
		}
	}
	return nil
}

func (c *TrackCache) Statistics(readOnly bool) []Stat {
	stats := []Stat{
		{CategoryError, StatReadErrorCount, c.readErrors},
		{CategoryInfo, StatCacheMissReadCount, c.missReads},
	}
	if !readOnly {
		stats = append(stats,
			Stat{CategoryError, StatWriteErrorCount, c.writeErrors},
			Stat{CategoryInfo, StatCacheMissWriteCount, c.missWrites},
		)
	}
	return stats
}
