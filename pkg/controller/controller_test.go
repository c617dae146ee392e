// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package controller

import (
	"errors"
	"testing"

	"github.com/scsi2pi-go/s2p/pkg/bus"
	"github.com/scsi2pi-go/s2p/pkg/device"
	"github.com/scsi2pi-go/s2p/pkg/scsi"
	"github.com/scsi2pi-go/s2p/pkg/sense"
)

// fakeDevice is a minimal device.Device plus the optional reservation
// extension, controlled directly by the test.
type fakeDevice struct {
	reservedBy *int
	state      sense.State
}

func (f *fakeDevice) ID() int                         { return 0 }
func (f *fakeDevice) Lun() int                         { return 0 }
func (f *fakeDevice) Type() device.Type                { return device.SCHD }
func (f *fakeDevice) CommandTable() map[scsi.Command]device.Handler { return nil }
func (f *fakeDevice) SenseState() *sense.State         { return &f.state }
func (f *fakeDevice) IsReady() bool                    { return true }

func (f *fakeDevice) CheckReservation(initiatorID int) error {
	if f.reservedBy != nil && *f.reservedBy != initiatorID {
		return sense.ErrReservationConflict
	}
	return nil
}

func TestCheckReservationExemptsInquiryAndRequestSense(t *testing.T) {
	owner := 0
	d := &fakeDevice{reservedBy: &owner}

	for _, op := range []scsi.Command{scsi.Inquiry, scsi.RequestSense, scsi.Release6, scsi.Release10} {
		if err := checkReservation(d, 1, op, nil); err != nil {
			t.Fatalf("opcode %#x: expected exemption, got %v", op, err)
		}
	}
}

func TestCheckReservationBlocksOtherInitiator(t *testing.T) {
	owner := 0
	d := &fakeDevice{reservedBy: &owner}

	err := checkReservation(d, 1, scsi.Read10, []byte{byte(scsi.Read10), 0, 0, 0, 0, 0, 0, 0, 0, 0})
	if !errors.Is(err, sense.ErrReservationConflict) {
		t.Fatalf("expected reservation conflict, got %v", err)
	}
}

func TestCheckReservationAllowsNonPreventingPreventAllowRemoval(t *testing.T) {
	owner := 0
	d := &fakeDevice{reservedBy: &owner}

	cdb := []byte{byte(scsi.PreventAllowRemoval), 0, 0, 0, 0x00, 0}
	if err := checkReservation(d, 1, scsi.PreventAllowRemoval, cdb); err != nil {
		t.Fatalf("non-preventing PREVENT ALLOW REMOVAL should be exempt: %v", err)
	}
}

func TestCheckReservationBlocksPreventingPreventAllowRemoval(t *testing.T) {
	owner := 0
	d := &fakeDevice{reservedBy: &owner}

	cdb := []byte{byte(scsi.PreventAllowRemoval), 0, 0, 0, 0x01, 0}
	err := checkReservation(d, 1, scsi.PreventAllowRemoval, cdb)
	if !errors.Is(err, sense.ErrReservationConflict) {
		t.Fatalf("preventing PREVENT ALLOW REMOVAL from a non-owner should conflict, got %v", err)
	}
}

func TestControllerLunsSorted(t *testing.T) {
	c := New(bus.NewLoopback(), 0)
	c.AttachLun(2, &fakeDevice{})
	c.AttachLun(0, &fakeDevice{})
	c.AttachLun(1, &fakeDevice{})

	got := c.Luns()
	want := []int{0, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("Luns() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Luns() = %v, want %v", got, want)
		}
	}

	c.DetachLun(1)
	if _, ok := c.Device(1); ok {
		t.Fatalf("expected lun 1 to be detached")
	}
	if c.IsEmpty() {
		t.Fatalf("controller still has luns 0 and 2 attached")
	}
}

func TestControllerResizeBufferGrowsAndReuses(t *testing.T) {
	c := New(bus.NewLoopback(), 0)

	buf := c.ResizeBuffer(4)
	if len(buf) != 4 {
		t.Fatalf("ResizeBuffer(4) returned length %d", len(buf))
	}
	copy(buf, []byte{1, 2, 3, 4})

	smaller := c.ResizeBuffer(2)
	if len(smaller) != 2 || smaller[0] != 1 || smaller[1] != 2 {
		t.Fatalf("ResizeBuffer(2) = %v, want [1 2]", smaller)
	}
}

func TestControllerShutdownModeClearsAfterRead(t *testing.T) {
	c := New(bus.NewLoopback(), 0)
	c.ScheduleShutdown(device.StopServer)

	if got := c.ShutdownMode(); got != device.StopServer {
		t.Fatalf("ShutdownMode() = %v, want StopServer", got)
	}
	if got := c.ShutdownMode(); got != device.NoShutdown {
		t.Fatalf("second ShutdownMode() = %v, want NoShutdown", got)
	}
}
