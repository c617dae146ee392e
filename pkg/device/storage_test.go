// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

import (
	"testing"

	"github.com/scsi2pi-go/s2p/pkg/reservation"
)

func newTestStorage() *Storage {
	return NewStorage(NewPrimary(0, 0, SCHD), reservation.New())
}

func TestSetBlockSizeRejectsUnsupported(t *testing.T) {
	s := newTestStorage()
	if err := s.SetBlockSize(513); err == nil {
		t.Fatalf("expected an error for an unsupported block size")
	}
	if err := s.SetBlockSize(2048); err != nil {
		t.Fatalf("SetBlockSize(2048): %v", err)
	}
	if s.BlockSize() != 2048 {
		t.Fatalf("BlockSize() = %d, want 2048", s.BlockSize())
	}
}

func TestVerifyBlockSizeChangeRequiresMultipleOfFour(t *testing.T) {
	s := newTestStorage()
	if err := s.VerifyBlockSizeChange(513); err == nil {
		t.Fatalf("expected an error for a non-multiple-of-4 size")
	}
	if err := s.VerifyBlockSizeChange(516); err != nil {
		t.Fatalf("VerifyBlockSizeChange(516): %v", err)
	}
}

func TestStartStopUnitEjectRequiresUnlocked(t *testing.T) {
	s := newTestStorage()
	s.Open("disk.hds")
	s.locked = true

	h := &fakeHost{cdb: []byte{0x1b, 0, 0, 0, 0x02, 0}} // LOEJ, no START
	if err := s.StartStopUnit(nil, h); err == nil {
		t.Fatalf("expected an error ejecting a locked medium")
	}

	s.locked = false
	if err := s.StartStopUnit(nil, h); err != nil {
		t.Fatalf("StartStopUnit eject: %v", err)
	}
	if !s.IsRemoved() {
		t.Fatalf("expected the medium to be marked removed")
	}
}

func TestModeSenseIncludesBlockDescriptorUnlessDbd(t *testing.T) {
	s := newTestStorage()
	s.SetBlockSize(512)
	s.SetBlockCount(100)

	h := &fakeHost{cdb: []byte{0x1a, 0, 0x3f, 0, 255, 0}}
	buf := s.ModeSense(h, nil, 255, 255, false, false)
	if len(buf) < 8 {
		t.Fatalf("expected at least an 8-byte block descriptor, got %d bytes", len(buf))
	}

	h2 := &fakeHost{cdb: []byte{0x1a, 0x08, 0x3f, 0, 255, 0}}
	dbdBuf := s.ModeSense(h2, nil, 255, 255, true, false)
	if len(dbdBuf) != len(buf)-8 {
		t.Fatalf("DBD set should omit the 8-byte block descriptor: got %d bytes, want %d", len(dbdBuf), len(buf)-8)
	}
}

func TestModeSelectStagesApplyForCommit(t *testing.T) {
	s := newTestStorage()
	h := &fakeHost{cdb: []byte{0x15, 0, 0, 0, 12, 0}}

	called := false
	apply := func(payload []byte) error {
		called = true
		return nil
	}
	if err := s.ModeSelect(h, 12, apply); err != nil {
		t.Fatalf("ModeSelect: %v", err)
	}
	if h.direction != DataOut || h.length != 12 {
		t.Fatalf("length=%d direction=%v, want 12/DataOut", h.length, h.direction)
	}

	ok, err := s.CommitModeSelect(make([]byte, 12))
	if !ok || err != nil {
		t.Fatalf("CommitModeSelect: ok=%v err=%v", ok, err)
	}
	if !called {
		t.Fatalf("expected the staged apply to run")
	}

	ok, _ = s.CommitModeSelect(make([]byte, 12))
	if ok {
		t.Fatalf("apply should be cleared after it runs once")
	}
}

func TestModeSelectRejectedWhenUnsupported(t *testing.T) {
	s := newTestStorage()
	s.pages.SupportsModeSelect = false

	h := &fakeHost{cdb: []byte{0x15, 0, 0, 0, 12, 0}}
	if err := s.ModeSelect(h, 12, func([]byte) error { return nil }); err == nil {
		t.Fatalf("expected an error when MODE SELECT is unsupported")
	}
}
