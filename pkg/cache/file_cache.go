// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cache

import (
	"fmt"
	"os"
)

// FileCache is the Linux-style cache: no buffering of its own, just direct
// positioned reads/writes against the backing file, with an optional
// write-through mode that syncs after every write. Grounded on
// linux_cache.cpp's LinuxCache.
type FileCache struct {
	file         *os.File
	sectorSize   int
	writeThrough bool

	readErrors  uint64
	writeErrors uint64
}

func NewFileCache(file *os.File, sectorSize int, writeThrough bool) *FileCache {
	return &FileCache{file: file, sectorSize: sectorSize, writeThrough: writeThrough}
}

func (c *FileCache) Init() error {
	return nil
}

func (c *FileCache) ReadSectors(buf []byte, sector uint64, count uint32) (int, error) {
	off := int64(sector) * int64(c.sectorSize)
	n, err := c.file.ReadAt(buf[:int(count)*c.sectorSize], off)
	if err != nil {
		c.readErrors++
		return n, fmt.Errorf("cache: read sector %d: %w", sector, err)
	}
	return n, nil
}

func (c *FileCache) WriteSectors(buf []byte, sector uint64, count uint32) (int, error) {
	off := int64(sector) * int64(c.sectorSize)
	n, err := c.file.WriteAt(buf[:int(count)*c.sectorSize], off)
	if err != nil {
		c.writeErrors++
		return n, fmt.Errorf("cache: write sector %d: %w", sector, err)
	}
	if c.writeThrough {
		if err := c.file.Sync(); err != nil {
			c.writeErrors++
			return n, fmt.Errorf("cache: sync after write sector %d: %w", sector, err)
		}
	}
	return n, nil
}

// ReadLong services READ LONG: an arbitrary byte-granular transfer starting
// at a sector boundary, not necessarily sector-aligned in length.
func (c *FileCache) ReadLong(buf []byte, sector uint64, length int) (int, error) {
	off := int64(sector) * int64(c.sectorSize)
	n, err := c.file.ReadAt(buf[:length], off)
	if err != nil {
		c.readErrors++
		return n, fmt.Errorf("cache: read long sector %d: %w", sector, err)
	}
	return n, nil
}

// WriteLong services WRITE LONG, the byte-granular counterpart of ReadLong.
func (c *FileCache) WriteLong(buf []byte, sector uint64, length int) (int, error) {
	off := int64(sector) * int64(c.sectorSize)
	n, err := c.file.WriteAt(buf[:length], off)
	if err != nil {
		c.writeErrors++
		return n, fmt.Errorf("cache: write long sector %d: %w", sector, err)
	}
	if c.writeThrough {
		if err := c.file.Sync(); err != nil {
			c.writeErrors++
			return n, fmt.Errorf("cache: sync after write long sector %d: %w", sector, err)
		}
	}
	return n, nil
}

func (c *FileCache) Flush() error {
	if err := c.file.Sync(); err != nil {
		c.writeErrors++
		return fmt.Errorf("cache: flush: %w", err)
	}
	return nil
}

func (c *FileCache) Statistics(readOnly bool) []Stat {
	stats := []Stat{
		{CategoryError, StatReadErrorCount, c.readErrors},
	}
	if !readOnly {
		stats = append(stats, Stat{CategoryError, StatWriteErrorCount, c.writeErrors})
	}
	return stats
}
