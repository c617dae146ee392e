// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

import (
	"context"
	"os"
	"time"

	"github.com/scsi2pi-go/s2p/pkg/drive/sgio"
	"github.com/scsi2pi-go/s2p/pkg/scsi"
	"github.com/scsi2pi-go/s2p/pkg/sense"
)

const (
	sgMaxTransfer       = 65536
	sgDefaultTimeout    = 5 * time.Second
	sgFormatTimeout     = 120 * time.Second
)

// Generic passes arbitrary CDBs through to a host /dev/sg* node, using
// SG_IO. INQUIRY is probed at attach time for the product data, and READ
// CAPACITY is probed too: when it reports a capacity the block size is set
// to 512, which is not read from the device. A failed SG_IO is reported as
// HARDWARE ERROR; the kernel's sense data is not passed on to REQUEST SENSE.
type Generic struct {
	*Primary

	node       *os.File
	blockSize  int
	pendingErr error
}

func NewGeneric(id, lun int, node *os.File) (*Generic, error) {
	g := &Generic{Primary: NewPrimary(id, lun, SCSG), node: node}
	if lun != 0 {
		return nil, sense.New(sense.IllegalRequest, sense.LogicalUnitNotSupported)
	}

	inq, err := sgio.SCSIInquiry(node.Fd())
	if err == nil {
		g.SetProductData(string(inq.VendorIdent[:]), string(inq.ProductIdent[:]), string(inq.ProductRev[:]))
	}
	if capacity, err := sgio.SCSIReadCapacity(node.Fd()); err == nil && capacity > 0 {
		g.blockSize = 512
	}
	return g, nil
}

// forward passes the CDB through as-is, capping the transfer length at
// sgMaxTransfer. FORMAT UNIT is sent as a to-device transfer and every other
// command as from-device; all of them use sgio's fixed SG_IO timeout, so
// sgDefaultTimeout and sgFormatTimeout are not applied.
func (g *Generic) forward(_ context.Context, host Host) error {
	cdb := host.CDB()
	if len(cdb) == 0 {
		return sense.New(sense.IllegalRequest, sense.InvalidCommandOperationCode)
	}

	buf := host.Buffer()
	if len(buf) > sgMaxTransfer {
		buf = buf[:sgMaxTransfer]
	}

	dir := sgio.CDBFromDevice
	if cdb[0] == byte(scsi.FormatUnit) {
		dir = sgio.CDBToDevice
	}

	if err := sgio.SendCDB(g.node.Fd(), cdb, dir, &buf); err != nil {
		g.pendingErr = err
		return sense.New(sense.HardwareError, sense.NoAdditionalSenseInformation)
	}

	host.SetDirection(DataIn)
	return nil
}

func (g *Generic) requestSense(ctx context.Context, host Host) error {
	if g.pendingErr != nil {
		g.pendingErr = nil
	}
	return g.Primary.RequestSense(ctx, host)
}

func (g *Generic) CommandTable() map[scsi.Command]Handler {
	t := g.BaseCommandTable()
	for _, op := range []scsi.Command{
		scsi.Read6, scsi.Read10, scsi.Read16,
		scsi.Write6, scsi.Write10, scsi.Write16,
		scsi.ModeSense6, scsi.ModeSense10,
		scsi.ModeSelect6, scsi.ModeSelect10,
		scsi.ReadCapacity10,
	} {
		t[op] = g.forward
	}
	t[scsi.RequestSense] = g.requestSense
	return t
}
