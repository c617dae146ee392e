// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

import (
	"context"
	"testing"

	"github.com/scsi2pi-go/s2p/pkg/sense"
)

func TestInquiryFillsVendorProductRevision(t *testing.T) {
	p := NewPrimary(0, 0, SCHD)
	p.SetProductData("ACME", "Widget", "1.0")

	h := &fakeHost{cdb: []byte{0x12, 0, 0, 0, 36, 0}}
	if err := p.Inquiry(context.Background(), h); err != nil {
		t.Fatalf("Inquiry: %v", err)
	}
	if h.direction != DataIn || h.length != 36 {
		t.Fatalf("length=%d direction=%v, want 36/DataIn", h.length, h.direction)
	}
	if got := string(h.buf[8:16]); got != "ACME    " {
		t.Fatalf("vendor field = %q", got)
	}
	if got := string(h.buf[16:32]); got != "Widget          " {
		t.Fatalf("product field = %q", got)
	}
}

func TestInquiryRejectsEvpd(t *testing.T) {
	p := NewPrimary(0, 0, SCHD)
	h := &fakeHost{cdb: []byte{0x12, 0x01, 0, 0, 36, 0}}
	if err := p.Inquiry(context.Background(), h); err == nil {
		t.Fatalf("expected an error for EVPD")
	}
}

func TestRequestSenseReportsAndClearsLatchedSense(t *testing.T) {
	p := NewPrimary(0, 0, SCHD)
	p.SenseState().Latch(sense.New(sense.IllegalRequest, sense.InvalidFieldInCdb))

	h := &fakeHost{cdb: []byte{0x03, 0, 0, 0, 18, 0}}
	if err := p.RequestSense(context.Background(), h); err != nil {
		t.Fatalf("RequestSense: %v", err)
	}
	if h.buf[2] != byte(sense.IllegalRequest) {
		t.Fatalf("sense key = %#x, want IllegalRequest", h.buf[2])
	}

	h2 := &fakeHost{cdb: []byte{0x03, 0, 0, 0, 18, 0}}
	if err := p.RequestSense(context.Background(), h2); err != nil {
		t.Fatalf("second RequestSense: %v", err)
	}
	if h2.buf[2] != 0 {
		t.Fatalf("sense should have been cleared after the first read, got %#x", h2.buf[2])
	}
}

func TestReportLunsListsEachAttachedLun(t *testing.T) {
	p := NewPrimary(0, 0, SCHD)
	h := &fakeHost{cdb: []byte{0xa0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, luns: []int{0, 1}}

	if err := p.reportLuns(context.Background(), h); err != nil {
		t.Fatalf("reportLuns: %v", err)
	}
	if h.direction != DataIn {
		t.Fatalf("expected DataIn")
	}
	wantLength := 8 + 8*2
	if h.length != wantLength {
		t.Fatalf("length = %d, want %d", h.length, wantLength)
	}
	if h.buf[3] != byte(8*2) {
		t.Fatalf("lun list length byte = %d, want 16", h.buf[3])
	}
	if h.buf[8] != 0 || h.buf[16] != 1 {
		t.Fatalf("lun descriptors = %v", h.buf[8:])
	}
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	p := NewPrimary(0, 0, SCHD)
	h := &fakeHost{initiatorID: 2}

	if err := p.ReserveUnit(context.Background(), h); err != nil {
		t.Fatalf("ReserveUnit: %v", err)
	}
	if err := p.CheckReservation(3); err == nil {
		t.Fatalf("expected a reservation conflict for a different initiator")
	}
	if err := p.CheckReservation(2); err != nil {
		t.Fatalf("owning initiator should not conflict: %v", err)
	}
	if err := p.ReleaseUnit(context.Background(), h); err != nil {
		t.Fatalf("ReleaseUnit: %v", err)
	}
	if err := p.CheckReservation(3); err != nil {
		t.Fatalf("released device should accept any initiator: %v", err)
	}
}
