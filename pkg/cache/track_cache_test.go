package cache

import (
	"bytes"
	"testing"
)

// memDisk is a small io.ReaderAt/io.WriterAt backed by an in-memory slice,
// used to exercise TrackCache without touching the filesystem.
type memDisk struct {
	data []byte
}

func newMemDisk(size int) *memDisk {
	return &memDisk{data: make([]byte, size)}
}

func (m *memDisk) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memDisk) WriteAt(p []byte, off int64) (int, error) {
	n := copy(m.data[off:], p)
	return n, nil
}

func TestTrackCacheWriteReadRoundTrip(t *testing.T) {
	const sectorSize = 512
	disk := newMemDisk(sectorsPerTrack * sectorSize * 2)
	c := NewTrackCache(disk, sectorSize, uint64(len(disk.data)/sectorSize))
	if err := c.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	payload := bytes.Repeat([]byte{0xaa}, sectorSize*3)
	if _, err := c.WriteSectors(payload, 10, 3); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := make([]byte, sectorSize*3)
	if _, err := c.ReadSectors(out, 10, 3); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("read back mismatch")
	}
}

func TestTrackCacheFlushPersistsToBackend(t *testing.T) {
	const sectorSize = 512
	disk := newMemDisk(sectorsPerTrack * sectorSize)
	c := NewTrackCache(disk, sectorSize, uint64(len(disk.data)/sectorSize))
	c.Init()

	payload := bytes.Repeat([]byte{0x42}, sectorSize)
	if _, err := c.WriteSectors(payload, 5, 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got := disk.data[5*sectorSize : 6*sectorSize]
	if !bytes.Equal(got, payload) {
		t.Fatalf("flush did not persist dirty sector to backend")
	}
}

func TestTrackCacheEvictionAcrossManyTracks(t *testing.T) {
	const sectorSize = 512
	disk := newMemDisk(sectorsPerTrack * sectorSize * (maxTracks + 4))
	c := NewTrackCache(disk, sectorSize, uint64(len(disk.data)/sectorSize))
	c.Init()

	payload := make([]byte, sectorSize)
	for i := 0; i < maxTracks+4; i++ {
		payload[0] = byte(i + 1)
		sector := uint64(i * sectorsPerTrack)
		if _, err := c.WriteSectors(payload, sector, 1); err != nil {
			t.Fatalf("write track %d: %v", i, err)
		}
	}

	// The earliest tracks were evicted and must have been saved to the
	// backend before reuse of their slot.
	out := make([]byte, sectorSize)
	if _, err := c.ReadSectors(out, 0, 1); err != nil {
		t.Fatalf("read evicted track: %v", err)
	}
	if out[0] != 1 {
		t.Fatalf("evicted track was not saved before reuse: got %d", out[0])
	}
}

func TestTrackCacheStatistics(t *testing.T) {
	const sectorSize = 512
	disk := newMemDisk(sectorsPerTrack * sectorSize)
	c := NewTrackCache(disk, sectorSize, uint64(len(disk.data)/sectorSize))
	c.Init()

	buf := make([]byte, sectorSize)
	c.ReadSectors(buf, 0, 1)
	stats := c.Statistics(false)
	if len(stats) == 0 {
		t.Fatalf("expected non-empty statistics")
	}
}
