// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

import (
	"context"

	"github.com/scsi2pi-go/s2p/pkg/scsi"
	"github.com/scsi2pi-go/s2p/pkg/sense"
)

const (
	defaultVendor = "SCSI2Pi"
	productLength = 16
	vendorLength  = 8
	revisionLength = 4

	inquiryAdditionalLength = 0x1f
)

// Primary is the base mixin every concrete device embeds, implementing the
// mandatory and commonly-supported primary command set.
type Primary struct {
	id  int
	lun int

	deviceType Type
	vendor     string
	product    string
	revision   string
	scsiLevel  int

	ready   bool
	sense   sense.State
	reserved *int // reserving initiator id, nil if unreserved
}

// NewPrimary constructs the shared device state; concrete device
// constructors call this first and then override vendor/product/revision.
func NewPrimary(id, lun int, t Type) *Primary {
	return &Primary{
		id:         id,
		lun:        lun,
		deviceType: t,
		vendor:     defaultVendor,
		product:    t.String(),
		revision:   "0123",
		scsiLevel:  2,
		ready:      true,
	}
}

func (p *Primary) ID() int           { return p.id }
func (p *Primary) Lun() int          { return p.lun }
func (p *Primary) Type() Type        { return p.deviceType }
func (p *Primary) SenseState() *sense.State { return &p.sense }
func (p *Primary) IsReady() bool     { return p.ready }
func (p *Primary) Vendor() string    { return p.vendor }
func (p *Primary) Product() string   { return p.product }

func (p *Primary) SetReady(ready bool) { p.ready = ready }

func (p *Primary) SetProductData(vendor, product, revision string) {
	if vendor != "" {
		p.vendor = vendor
	}
	if product != "" {
		p.product = product
	}
	if revision != "" {
		p.revision = revision
	}
}

func (p *Primary) SetScsiLevel(level int) { p.scsiLevel = level }

// CheckReservation returns a reservation-conflict error if the device is
// reserved by an initiator other than initiatorID. It does not look at the
// command; the controller's checkReservation applies the per-command
// exemptions before calling it.
func (p *Primary) CheckReservation(initiatorID int) error {
	if p.reserved != nil && *p.reserved != initiatorID {
		return sense.ErrReservationConflict
	}
	return nil
}

func (p *Primary) reserve(initiatorID int) {
	id := initiatorID
	p.reserved = &id
}

func (p *Primary) release(initiatorID int) {
	if p.reserved != nil && *p.reserved == initiatorID {
		p.reserved = nil
	}
}

// TestUnitReady implements the mandatory TEST UNIT READY command.
func (p *Primary) TestUnitReady(_ context.Context, _ Host) error {
	if !p.ready {
		return sense.New(sense.NotReady, sense.NoAdditionalSenseInformation)
	}
	return nil
}

// Inquiry implements the 36-byte standard INQUIRY response.
func (p *Primary) Inquiry(_ context.Context, host Host) error {
	cdb := host.CDB()
	evpd := cdb[1]&0x01 != 0
	pageCode := cdb[2]
	if evpd || pageCode != 0 {
		return sense.New(sense.IllegalRequest, sense.InvalidFieldInCdb)
	}

	buf := host.ResizeBuffer(36)
	for i := range buf {
		buf[i] = 0
	}

	buf[0] = byte(p.deviceType) & 0x1f
	if p.deviceType.Removable() {
		buf[1] = 0x80
	}
	buf[2] = byte(p.scsiLevel)
	buf[3] = 2 // response data format, SCSI-2 capped
	buf[4] = inquiryAdditionalLength

	copy(buf[8:8+vendorLength], padField(p.vendor, vendorLength))
	copy(buf[16:16+productLength], padField(p.product, productLength))
	copy(buf[32:32+revisionLength], padField(p.revision, revisionLength))

	host.SetLength(36)
	host.SetDirection(DataIn)
	return nil
}

func padField(s string, width int) []byte {
	b := make([]byte, width)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	if len(s) > width {
		copy(b, s[:width])
	}
	return b
}

// RequestSense implements REQUEST SENSE, clearing sense state on success
// ("Sense state").
func (p *Primary) RequestSense(_ context.Context, host Host) error {
	cdb := host.CDB()
	allocLength := int(cdb[4])
	if allocLength == 0 {
		allocLength = 4
	}

	key, asc, ascq := p.sense.Next()

	buf := host.ResizeBuffer(18)
	for i := range buf {
		buf[i] = 0
	}
	buf[0] = 0x70 // current errors, fixed format
	buf[2] = byte(key)
	if p.sense.Valid {
		buf[0] |= 0x80
		buf[3] = byte(p.sense.Information >> 24)
		buf[4] = byte(p.sense.Information >> 16)
		buf[5] = byte(p.sense.Information >> 8)
		buf[6] = byte(p.sense.Information)
	}
	buf[7] = 10 // additional sense length
	buf[12] = byte(asc)
	buf[13] = byte(ascq)
	if p.sense.Filemark {
		buf[2] |= 0x80
	}
	if p.sense.Eom {
		buf[2] |= 0x40
	}
	if p.sense.Ili {
		buf[2] |= 0x20
	}

	length := 18
	if length > allocLength {
		length = allocLength
	}
	host.SetLength(length)
	host.SetDirection(DataIn)
	p.sense.Clear()
	return nil
}

// ReportLuns returns the fixed set of LUNs present on this target, padded to
// 8-byte entries; only select-report mode 0 is supported.
func (p *Primary) ReportLuns(_ context.Context, host Host, luns []int) error {
	cdb := host.CDB()
	if cdb[2] != 0 {
		return sense.New(sense.IllegalRequest, sense.InvalidFieldInCdb)
	}

	length := 8 + 8*len(luns)
	buf := host.ResizeBuffer(length)
	for i := range buf {
		buf[i] = 0
	}
	buf[3] = byte(8 * len(luns))
	for i, lun := range luns {
		buf[8+i*8] = byte(lun)
	}

	host.SetLength(length)
	host.SetDirection(DataIn)
	return nil
}

// reportLuns adapts ReportLuns to the Handler signature, pulling the
// attached LUN list from the host.
func (p *Primary) reportLuns(ctx context.Context, host Host) error {
	return p.ReportLuns(ctx, host, host.Luns())
}

// ReserveUnit implements RESERVE (6/10).
func (p *Primary) ReserveUnit(_ context.Context, host Host) error {
	p.reserve(host.InitiatorID())
	return nil
}

// ReleaseUnit implements RELEASE (6/10).
func (p *Primary) ReleaseUnit(_ context.Context, host Host) error {
	p.release(host.InitiatorID())
	return nil
}

// SendDiagnostic implements SEND DIAGNOSTIC, rejecting any parameter list.
func (p *Primary) SendDiagnostic(_ context.Context, host Host) error {
	cdb := host.CDB()
	length := int(cdb[3])<<8 | int(cdb[4])
	if length != 0 {
		return sense.New(sense.IllegalRequest, sense.InvalidFieldInCdb)
	}
	return nil
}

// BaseCommandTable returns the opcode table entries every device class
// registers; concrete devices start from this and add their own.
func (p *Primary) BaseCommandTable() map[scsi.Command]Handler {
	return map[scsi.Command]Handler{
		scsi.TestUnitReady:  p.TestUnitReady,
		scsi.Inquiry:        p.Inquiry,
		scsi.RequestSense:   p.RequestSense,
		scsi.Reserve6:       p.ReserveUnit,
		scsi.Release6:       p.ReleaseUnit,
		scsi.Reserve10:      p.ReserveUnit,
		scsi.Release10:      p.ReleaseUnit,
		scsi.SendDiagnostic: p.SendDiagnostic,
		scsi.ReportLuns:     p.reportLuns,
	}
}
