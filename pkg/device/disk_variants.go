// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

import (
	"context"

	"github.com/scsi2pi-go/s2p/pkg/reservation"
	"github.com/scsi2pi-go/s2p/pkg/scsi"
)

// CDROM adds READ TOC to the disk family.
type CDROM struct {
	*Disk
}

func NewCDROM(id, lun int, registry *reservation.Registry) *CDROM {
	c := &CDROM{Disk: NewDisk(SCCD, id, lun, registry)}
	c.SetReadOnly(true)
	c.protectable = false
	return c
}

// readToc returns a minimal 12-byte TOC describing a single data track.
// Track 0xAA selects the lead-out. MSF format is frames=lba%75,
// seconds=(lba/75)%60+2 with overflow carry, minutes=lba/(75*60).
func (c *CDROM) readToc(_ context.Context, host Host) error {
	cdb := host.CDB()
	msf := cdb[1]&0x02 != 0
	track := cdb[6]

	var lba uint32
	if track == 0xaa {
		lba = uint32(c.BlockCount())
	}

	buf := host.ResizeBuffer(12)
	buf[1] = 10 // TOC data length - 2
	buf[2] = 1  // first track
	buf[3] = 1  // last track
	buf[5] = 0x14
	if track == 0xaa {
		buf[6] = 0xaa
	} else {
		buf[6] = 1
	}

	if msf {
		frames := lba % 75
		totalSeconds := lba / 75
		seconds := totalSeconds%60 + 2
		minutes := totalSeconds / 60
		if seconds >= 60 {
			seconds -= 60
			minutes++
		}
		buf[9] = byte(minutes)
		buf[10] = byte(seconds)
		buf[11] = byte(frames)
	} else {
		buf[8] = byte(lba >> 24)
		buf[9] = byte(lba >> 16)
		buf[10] = byte(lba >> 8)
		buf[11] = byte(lba)
	}

	host.SetLength(12)
	host.SetDirection(DataIn)
	return nil
}

func (c *CDROM) CommandTable() map[scsi.Command]Handler {
	t := c.DiskCommandTable()
	t[scsi.ReadToc] = c.readToc
	return t
}

// MO is the magneto-optical variant, adding the capacity-specific spare
// block page 32.
type MO struct {
	*Disk
}

func NewMO(id, lun int, registry *reservation.Registry) *MO {
	m := &MO{Disk: NewDisk(SCMO, id, lun, registry)}
	return m
}

// moGeometry is the exact (blockSize, blockCount) -> (spareCount, bandCount)
// table for the handful of MO media geometries actually sold; anything else
// reports no spare area.
var moGeometry = []struct {
	blockSize, blockCount uint64
	spareCount, bandCount uint32
}{
	{512, 248826, 1024, 1},
	{512, 446325, 1025, 10},
	{512, 1041500, 2250, 18},
	{2048, 310352, 2244, 11},
	{2048, 605846, 4437, 18},
}

// sparePage32 looks up the spare-block and spare-band counts for this
// device's exact block size/block count pair: bytes 4-7 are the block
// count, 8-9 the spare block count, 10-11 the spare band count.
func (m *MO) sparePage32() []byte {
	var spareCount, bandCount uint32
	for _, g := range moGeometry {
		if g.blockSize == uint64(m.BlockSize()) && g.blockCount == m.BlockCount() {
			spareCount, bandCount = g.spareCount, g.bandCount
			break
		}
	}
	page := make([]byte, 12)
	page[0], page[1] = 0x20, 10
	blockCount := uint32(m.BlockCount())
	page[4] = byte(blockCount >> 24)
	page[5] = byte(blockCount >> 16)
	page[6] = byte(blockCount >> 8)
	page[7] = byte(blockCount)
	page[8] = byte(spareCount >> 8)
	page[9] = byte(spareCount)
	page[10] = byte(bandCount >> 8)
	page[11] = byte(bandCount)
	return page
}

// moModePages merges the disk family's common pages with the MO-specific
// spare-area page 32.
func (m *MO) moModePages() map[byte][]byte {
	pages := m.DiskModePages()
	pages[0x20] = m.sparePage32()
	return pages
}

func (m *MO) CommandTable() map[scsi.Command]Handler {
	t := m.DiskCommandTable()
	t[scsi.ModeSense6] = m.ModeSense6Handler(m.moModePages)
	t[scsi.ModeSense10] = m.ModeSense10Handler(m.moModePages)
	return t
}

// SasiHD is the reduced SASI hard disk variant: 2-byte INQUIRY, a 4-byte
// non-extended REQUEST SENSE, and no MODE SELECT/SENSE.
type SasiHD struct {
	*Disk
}

func NewSasiHD(id, lun int, registry *reservation.Registry) *SasiHD {
	return &SasiHD{Disk: NewDisk(SAHD, id, lun, registry)}
}

func (s *SasiHD) inquiry(_ context.Context, host Host) error {
	buf := host.ResizeBuffer(2)
	buf[0], buf[1] = 0, 0
	host.SetLength(2)
	host.SetDirection(DataIn)
	return nil
}

func (s *SasiHD) requestSense(_ context.Context, host Host) error {
	key, _, _ := s.SenseState().Next()
	buf := host.ResizeBuffer(4)
	buf[0] = byte(key)
	buf[1] = byte(s.Lun() << 5)
	host.SetLength(4)
	host.SetDirection(DataIn)
	s.SenseState().Clear()
	return nil
}

func (s *SasiHD) CommandTable() map[scsi.Command]Handler {
	t := s.DiskCommandTable()
	t[scsi.Inquiry] = s.inquiry
	t[scsi.RequestSense] = s.requestSense
	delete(t, scsi.ModeSelect6)
	delete(t, scsi.ModeSense6)
	delete(t, scsi.ModeSelect10)
	delete(t, scsi.ModeSense10)
	return t
}
