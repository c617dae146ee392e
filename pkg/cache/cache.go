// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cache implements the sector-grained block cache sitting between a
// storage device and its backing image file: a fixed-capacity track cache
// (PiSCSI-style, write-back) and a direct positioned-I/O file cache (Linux
// style, optional write-through)
package cache

// Stat is one named counter surfaced by a cache's Statistics method: a
// category/name/value triple suitable for the STATISTICS_INFO response.
type Stat struct {
	Category string
	Name     string
	Value    uint64
}

const (
	CategoryInfo  = "info"
	CategoryError = "error"

	StatReadErrorCount       = "read_error_count"
	StatWriteErrorCount      = "write_error_count"
	StatCacheMissReadCount   = "cache_miss_read_count"
	StatCacheMissWriteCount  = "cache_miss_write_count"
)

// BlockCache is the interface shared by both cache variants.
type BlockCache interface {
	Init() error
	ReadSectors(buf []byte, sector uint64, count uint32) (int, error)
	WriteSectors(buf []byte, sector uint64, count uint32) (int, error)
	Flush() error
	Statistics(readOnly bool) []Stat
}

// LongCapable is implemented only by caches that can service READ/WRITE LONG,
// i.e. the Linux file cache.
type LongCapable interface {
	ReadLong(buf []byte, sector uint64, length int) (int, error)
	WriteLong(buf []byte, sector uint64, length int) (int, error)
}
