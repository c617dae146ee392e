package cache

import (
	"bytes"
	"os"
	"testing"
)

func tempDiskFile(t *testing.T, size int) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "filecache-*.img")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFileCacheWriteReadRoundTrip(t *testing.T) {
	const sectorSize = 512
	f := tempDiskFile(t, sectorSize*16)
	c := NewFileCache(f, sectorSize, false)

	payload := bytes.Repeat([]byte{0x55}, sectorSize*2)
	if _, err := c.WriteSectors(payload, 3, 2); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := make([]byte, sectorSize*2)
	if _, err := c.ReadSectors(out, 3, 2); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("read back mismatch")
	}
}

func TestFileCacheWriteThroughSyncs(t *testing.T) {
	const sectorSize = 512
	f := tempDiskFile(t, sectorSize*4)
	c := NewFileCache(f, sectorSize, true)

	payload := bytes.Repeat([]byte{0x77}, sectorSize)
	if _, err := c.WriteSectors(payload, 0, 1); err != nil {
		t.Fatalf("write-through write: %v", err)
	}

	reopened, err := os.Open(f.Name())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	out := make([]byte, sectorSize)
	if _, err := reopened.ReadAt(out, 0); err != nil {
		t.Fatalf("read reopened: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("write-through data not visible to a fresh file handle")
	}
}

func TestFileCacheReadWriteLongUnaligned(t *testing.T) {
	const sectorSize = 512
	f := tempDiskFile(t, sectorSize*4)
	c := NewFileCache(f, sectorSize, false)

	payload := []byte("short unaligned payload")
	if _, err := c.WriteLong(payload, 1, len(payload)); err != nil {
		t.Fatalf("write long: %v", err)
	}

	out := make([]byte, len(payload))
	if _, err := c.ReadLong(out, 1, len(payload)); err != nil {
		t.Fatalf("read long: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("read long mismatch")
	}
}

func TestFileCacheStatisticsOmitsWriteCountersWhenReadOnly(t *testing.T) {
	const sectorSize = 512
	f := tempDiskFile(t, sectorSize*4)
	c := NewFileCache(f, sectorSize, false)

	stats := c.Statistics(true)
	for _, s := range stats {
		if s.Name == StatWriteErrorCount {
			t.Fatalf("write_error_count must be omitted for a read-only device")
		}
	}
}
