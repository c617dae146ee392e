// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

import (
	"context"
	"testing"

	"github.com/scsi2pi-go/s2p/pkg/reservation"
)

func newTestDisk() (*Disk, *fakeCache) {
	d := NewDisk(SCHD, 0, 0, reservation.New())
	d.SetBlockSize(512)
	d.SetBlockCount(1000)
	c := newFakeCache(512, 1000)
	d.SetCache(c)
	return d, c
}

func TestDiskWriteThenReadRoundTrip(t *testing.T) {
	d, _ := newTestDisk()

	payload := make([]byte, 512*2)
	for i := range payload {
		payload[i] = byte(i)
	}

	write := &fakeHost{cdb: []byte{0x2a, 0, 0, 0, 0, 10, 0, 0, 2, 0}} // WRITE(10), lba=10, count=2
	if err := d.write10(context.Background(), write); err != nil {
		t.Fatalf("write10: %v", err)
	}
	if err := d.CommitWrite(payload); err != nil {
		t.Fatalf("CommitWrite: %v", err)
	}

	read := &fakeHost{cdb: []byte{0x28, 0, 0, 0, 0, 10, 0, 0, 2, 0}}
	if err := d.read10(context.Background(), read); err != nil {
		t.Fatalf("read10: %v", err)
	}
	for i := range payload {
		if read.buf[i] != payload[i] {
			t.Fatalf("byte %d = %d, want %d", i, read.buf[i], payload[i])
		}
	}
}

func TestCheckAndGetStartAndCountRejectsOutOfRange(t *testing.T) {
	d, _ := newTestDisk()
	_, err := d.checkAndGetStartAndCount([]byte{0x28, 0, 0, 0, 0x03, 0xe8, 0, 0, 1, 0}, false)
	if err == nil {
		t.Fatalf("expected an LBA-out-of-range error")
	}
}

func TestReadLongRejectsWrongLength(t *testing.T) {
	d, _ := newTestDisk()
	cdb := []byte{0x3e, 0, 0, 0, 0, 0, 0, 0x01, 0x00, 0} // ReadLong(10), length=256, block size is 512
	h := &fakeHost{cdb: cdb}
	if err := d.readLong(context.Background(), h); err == nil {
		t.Fatalf("expected a mismatched-length error")
	}
	if !d.SenseState().Ili {
		t.Fatalf("expected the ILI sense bit to be set")
	}
}

func TestWriteLongRoundTrip(t *testing.T) {
	d, _ := newTestDisk()
	cdb := []byte{0x3f, 0, 0, 0, 0, 0, 0, 0x02, 0x00, 0} // WriteLong(10), length=512, sector 0
	h := &fakeHost{cdb: cdb}
	if err := d.writeLong(context.Background(), h); err != nil {
		t.Fatalf("writeLong: %v", err)
	}
	if h.direction != DataOut || h.length != 512 {
		t.Fatalf("length=%d direction=%v, want 512/DataOut", h.length, h.direction)
	}

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = 0xaa
	}
	if err := d.CommitWrite(payload); err != nil {
		t.Fatalf("CommitWrite: %v", err)
	}

	readCdb := []byte{0x3e, 0, 0, 0, 0, 0, 0, 0x02, 0x00, 0}
	rh := &fakeHost{cdb: readCdb}
	if err := d.readLong(context.Background(), rh); err != nil {
		t.Fatalf("readLong: %v", err)
	}
	for i, b := range rh.buf {
		if b != 0xaa {
			t.Fatalf("byte %d = %#x, want 0xaa", i, b)
		}
	}
}

func TestModeSenseAndModeSelectRoundTripBlockSize(t *testing.T) {
	d, _ := newTestDisk()

	sense := &fakeHost{cdb: []byte{0x1a, 0, 0x3f, 0, 255, 0}}
	if err := d.ModeSense6Handler(d.DiskModePages)(context.Background(), sense); err != nil {
		t.Fatalf("mode sense 6: %v", err)
	}
	if sense.direction != DataIn || sense.length == 0 {
		t.Fatalf("expected a non-empty MODE SENSE(6) response")
	}

	// MODE SELECT(6) parameter list: 4-byte header, 8-byte block descriptor
	// requesting a 1024-byte block size, no pages.
	payload := make([]byte, 12)
	payload[3] = 8 // block descriptor length
	payload[9] = byte(1024 >> 16)
	payload[10] = byte(1024 >> 8)
	payload[11] = byte(1024)

	sel := &fakeHost{cdb: []byte{0x15, 0, 0, 0, byte(len(payload)), 0}}
	if err := d.ModeSelect6Handler(d.applyModeSelect6)(context.Background(), sel); err != nil {
		t.Fatalf("mode select 6: %v", err)
	}
	if err := d.CommitWrite(payload); err != nil {
		t.Fatalf("CommitWrite (mode select): %v", err)
	}
	if d.BlockSize() != 1024 {
		t.Fatalf("BlockSize() = %d, want 1024 after MODE SELECT", d.BlockSize())
	}
}
