// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

import (
	"context"

	"github.com/scsi2pi-go/s2p/pkg/reservation"
	"github.com/scsi2pi-go/s2p/pkg/scsi"
	"github.com/scsi2pi-go/s2p/pkg/sense"
)

// Disk is the random-access device family: fixed/removable HD, CD-ROM, MO,
// and SASI HD all build on this.
type Disk struct {
	*Storage

	nextSector           uint64
	sectorTransferCount  uint32

	pendingWriteLong bool
	longSector       uint64
	longLength       int
}

func NewDisk(t Type, id, lun int, registry *reservation.Registry) *Disk {
	return &Disk{Storage: NewStorage(NewPrimary(id, lun, t), registry)}
}

// rwArgs is the decoded (start, count) pair returned by
// checkAndGetStartAndCount.
type rwArgs struct {
	any   bool
	start uint64
	count uint32
}

// checkAndGetStartAndCount decodes the LBA/count fields for RW6/RW10/RW16
// and SEEK6/SEEK10, shared across all three CDB widths.
func (d *Disk) checkAndGetStartAndCount(cdb []byte, isSeek bool) (rwArgs, error) {
	var start uint64
	var count uint32

	switch scsi.CdbLength(cdb[0]) {
	case 6:
		start = uint64(cdb[1]&0x1f)<<16 | uint64(cdb[2])<<8 | uint64(cdb[3])
		count = uint32(cdb[4])
		if count == 0 {
			count = 256
		}
	case 10:
		if cdb[1]&0x01 != 0 {
			return rwArgs{}, sense.New(sense.IllegalRequest, sense.InvalidFieldInCdb)
		}
		start = uint64(cdb[2])<<24 | uint64(cdb[3])<<16 | uint64(cdb[4])<<8 | uint64(cdb[5])
		count = uint32(cdb[7])<<8 | uint32(cdb[8])
	case 16:
		for i := 0; i < 8; i++ {
			start = start<<8 | uint64(cdb[2+i])
		}
		count = uint32(cdb[10])<<24 | uint32(cdb[11])<<16 | uint32(cdb[12])<<8 | uint32(cdb[13])
	}

	if start+uint64(count) > d.BlockCount() {
		return rwArgs{}, sense.New(sense.IllegalRequest, sense.LbaOutOfRange)
	}

	any := count != 0 || isSeek
	return rwArgs{any: any, start: start, count: count}, nil
}

func (d *Disk) readAt(args rwArgs, host Host) error {
	blockSize := d.BlockSize()
	length := int(args.count) * blockSize
	buf := host.ResizeBuffer(length)
	chunk := blockSize
	if d.cachingModeIsOptimized() {
		chunk = length
	}
	if _, err := d.Cache().ReadSectors(buf, args.start, args.count); err != nil {
		return sense.New(sense.MediumError, sense.ReadError)
	}
	host.SetLength(length)
	host.SetChunkSize(chunk)
	host.SetDirection(DataIn)
	return nil
}

func (d *Disk) writeAt(args rwArgs, host Host) error {
	blockSize := d.BlockSize()
	length := int(args.count) * blockSize
	host.ResizeBuffer(length)
	host.SetLength(length)
	host.SetChunkSize(blockSize)
	host.SetDirection(DataOut)
	d.nextSector = args.start
	d.sectorTransferCount = args.count
	return nil
}

// CommitWrite is invoked by the controller once the DATA OUT phase has
// delivered the full transfer buffer. A pending MODE SELECT takes the
// buffer first; otherwise it is a WRITE, handed to the cache.
func (d *Disk) CommitWrite(buf []byte) error {
	if handled, err := d.CommitModeSelect(buf); handled {
		return err
	}
	if d.pendingWriteLong {
		d.pendingWriteLong = false
		return d.commitWriteLong(buf)
	}
	if d.IsReadOnly() {
		return sense.New(sense.DataProtect, sense.WriteError)
	}
	if _, err := d.Cache().WriteSectors(buf, d.nextSector, d.sectorTransferCount); err != nil {
		return sense.New(sense.MediumError, sense.WriteError)
	}
	return nil
}

func (d *Disk) commitWriteLong(buf []byte) error {
	if d.IsReadOnly() {
		return sense.New(sense.DataProtect, sense.WriteError)
	}
	long, ok := d.Cache().(interface {
		WriteLong(buf []byte, sector uint64, length int) (int, error)
	})
	if !ok {
		return nil
	}
	if _, err := long.WriteLong(buf, d.longSector, d.longLength); err != nil {
		return sense.New(sense.MediumError, sense.WriteError)
	}
	return nil
}

// applyModeSelect6 applies a MODE SELECT(6) parameter list: the only change
// this device accepts through it is a temporary block size, carried in the
// block descriptor.
func (d *Disk) applyModeSelect6(payload []byte) error { return d.applyModeSelect(payload, 4) }

// applyModeSelect10 is applyModeSelect6's MODE SELECT(10) counterpart.
func (d *Disk) applyModeSelect10(payload []byte) error { return d.applyModeSelect(payload, 8) }

func (d *Disk) applyModeSelect(payload []byte, headerLen int) error {
	size := modeSelectBlockDescriptorSize(payload, headerLen)
	if size == 0 {
		return nil
	}
	if err := d.VerifyBlockSizeChange(size); err != nil {
		return err
	}
	return d.SetBlockSize(size)
}

func (d *Disk) cachingModeIsOptimized() bool {
	return d.cachingMode == CacheLinuxOptimized
}

func (d *Disk) read6(ctx context.Context, host Host) error {
	args, err := d.checkAndGetStartAndCount(host.CDB(), false)
	if err != nil {
		return err
	}
	return d.readAt(args, host)
}

func (d *Disk) read10(ctx context.Context, host Host) error { return d.read6(ctx, host) }
func (d *Disk) read16(ctx context.Context, host Host) error { return d.read6(ctx, host) }

func (d *Disk) write6(ctx context.Context, host Host) error {
	args, err := d.checkAndGetStartAndCount(host.CDB(), false)
	if err != nil {
		return err
	}
	return d.writeAt(args, host)
}

func (d *Disk) write10(ctx context.Context, host Host) error { return d.write6(ctx, host) }
func (d *Disk) write16(ctx context.Context, host Host) error { return d.write6(ctx, host) }

func (d *Disk) verify(ctx context.Context, host Host) error {
	_, err := d.checkAndGetStartAndCount(host.CDB(), false)
	return err
}

func (d *Disk) seek(ctx context.Context, host Host) error {
	args, err := d.checkAndGetStartAndCount(host.CDB(), true)
	if err != nil {
		return err
	}
	d.nextSector = args.start
	return nil
}

// readCapacity10 implements READ CAPACITY 10, saturating at 0xFFFFFFFF.
func (d *Disk) readCapacity10(_ context.Context, host Host) error {
	last := d.BlockCount() - 1
	buf := host.ResizeBuffer(8)
	if last > 0xffffffff {
		last = 0xffffffff
	}
	buf[0] = byte(last >> 24)
	buf[1] = byte(last >> 16)
	buf[2] = byte(last >> 8)
	buf[3] = byte(last)
	buf[4] = byte(d.BlockSize() >> 24)
	buf[5] = byte(d.BlockSize() >> 16)
	buf[6] = byte(d.BlockSize() >> 8)
	buf[7] = byte(d.BlockSize())
	host.SetLength(8)
	host.SetDirection(DataIn)
	return nil
}

// readCapacity16 implements the SERVICE ACTION IN(16) READ CAPACITY form.
func (d *Disk) readCapacity16(_ context.Context, host Host) error {
	last := d.BlockCount() - 1
	buf := host.ResizeBuffer(32)
	for i := 0; i < 8; i++ {
		buf[7-i] = byte(last >> (8 * i))
	}
	buf[8] = byte(d.BlockSize() >> 24)
	buf[9] = byte(d.BlockSize() >> 16)
	buf[10] = byte(d.BlockSize() >> 8)
	buf[11] = byte(d.BlockSize())
	host.SetLength(32)
	host.SetDirection(DataIn)
	return nil
}

// readFormatCapacities implements READ FORMAT CAPACITIES: the
// current geometry first, then one scaled descriptor per supported block
// size if the medium is writable.
func (d *Disk) readFormatCapacities(_ context.Context, host Host) error {
	descriptors := [][2]uint64{{d.BlockCount(), uint64(d.BlockSize())}}
	if !d.IsReadOnly() {
		totalBytes := d.BlockCount() * uint64(d.BlockSize())
		for size := range d.supportedBlockSizes {
			if uint64(size) == 0 {
				continue
			}
			scaled := totalBytes / uint64(size)
			descriptors = append(descriptors, [2]uint64{scaled, uint64(size)})
		}
	}

	buf := host.ResizeBuffer(4 + 8*len(descriptors))
	buf[3] = byte(8 * len(descriptors))
	for i, desc := range descriptors {
		off := 4 + i*8
		buf[off] = byte(desc[0] >> 24)
		buf[off+1] = byte(desc[0] >> 16)
		buf[off+2] = byte(desc[0] >> 8)
		buf[off+3] = byte(desc[0])
		if i == 0 {
			buf[off+4] = 0x02 // formatted medium
		}
		buf[off+5] = byte(desc[1] >> 16)
		buf[off+6] = byte(desc[1] >> 8)
		buf[off+7] = byte(desc[1])
	}
	host.SetLength(len(buf))
	host.SetDirection(DataIn)
	return nil
}

// readLong implements READ LONG (10/16): exactly one block unaligned, or an
// INVALID FIELD IN CDB with ILI latched and information=requested-block_size
// for any other length.
func (d *Disk) readLong(_ context.Context, host Host) error {
	cdb := host.CDB()
	length := int(cdb[7])<<8 | int(cdb[8])
	sector := uint64(cdb[2])<<24 | uint64(cdb[3])<<16 | uint64(cdb[4])<<8 | uint64(cdb[5])

	long, ok := d.Cache().(interface {
		ReadLong(buf []byte, sector uint64, length int) (int, error)
	})
	if !ok || d.cachingMode == CachePiscsi {
		d.cachingMode = CacheLinux
	}
	if length != d.BlockSize() {
		d.SenseState().SetIli()
		d.SenseState().SetInformation(uint32(length - d.BlockSize()))
		return sense.New(sense.IllegalRequest, sense.InvalidFieldInCdb)
	}
	buf := host.ResizeBuffer(length)
	if ok {
		if _, err := long.ReadLong(buf, sector, length); err != nil {
			return sense.New(sense.MediumError, sense.ReadError)
		}
	}
	host.SetLength(length)
	host.SetDirection(DataIn)
	return nil
}

// writeLong implements WRITE LONG (10/16), the write counterpart of
// readLong: one exact block, validated the same way, staged for
// commitWriteLong once the DATA OUT transfer lands.
func (d *Disk) writeLong(_ context.Context, host Host) error {
	cdb := host.CDB()
	length := int(cdb[7])<<8 | int(cdb[8])
	sector := uint64(cdb[2])<<24 | uint64(cdb[3])<<16 | uint64(cdb[4])<<8 | uint64(cdb[5])

	if _, ok := d.Cache().(interface {
		WriteLong(buf []byte, sector uint64, length int) (int, error)
	}); !ok || d.cachingMode == CachePiscsi {
		d.cachingMode = CacheLinux
	}
	if length != d.BlockSize() {
		d.SenseState().SetIli()
		d.SenseState().SetInformation(uint32(length - d.BlockSize()))
		return sense.New(sense.IllegalRequest, sense.InvalidFieldInCdb)
	}

	host.ResizeBuffer(length)
	host.SetLength(length)
	host.SetDirection(DataOut)
	d.longSector = sector
	d.longLength = length
	d.pendingWriteLong = true
	return nil
}

// FormatUnit accepts only FMTDATA==0 and performs no medium change.
func (d *Disk) formatUnit(_ context.Context, host Host) error {
	cdb := host.CDB()
	if cdb[1]&0x10 != 0 {
		return sense.New(sense.IllegalRequest, sense.InvalidFieldInCdb)
	}
	return nil
}

// DiskModePages returns the disk family's additional mode pages on top of
// the storage mixin's 1/2/10.
func (d *Disk) DiskModePages() map[byte][]byte {
	heads := 8
	sectorsPerTrack := 25
	cylinders := 0
	if d.BlockCount() > 0 {
		cylinders = int(d.BlockCount()) / (heads * sectorsPerTrack)
	}
	page4 := make([]byte, 24)
	page4[0], page4[1] = 0x04, 22
	page4[2] = byte(cylinders >> 16)
	page4[3] = byte(cylinders >> 8)
	page4[4] = byte(cylinders)
	page4[5] = byte(heads)

	page8 := make([]byte, 20)
	page8[0], page8[1] = 0x08, 18
	page8[4], page8[5] = 0xff, 0xff // all pre-fetch fields 0xFFFF
	page8[6], page8[7] = 0xff, 0xff
	page8[8], page8[9] = 0xff, 0xff
	page8[10], page8[11] = 0xff, 0xff

	return map[byte][]byte{
		0x04: page4,
		0x07: {0x07, 0x0a, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		0x08: page8,
		0x0c: {0x0c, 0x06, 0, 0, 0, 0, 0, 0},
	}
}

// DiskCommandTable wires the full disk command set on top of the storage
// mixin.
func (d *Disk) DiskCommandTable() map[scsi.Command]Handler {
	t := d.StorageCommandTable()
	t[scsi.Read6] = d.read6
	t[scsi.Read10] = d.read10
	t[scsi.Read16] = d.read16
	t[scsi.Write6] = d.write6
	t[scsi.Write10] = d.write10
	t[scsi.Write16] = d.write16
	t[scsi.Verify10] = d.verify
	t[scsi.Verify16] = d.verify
	t[scsi.Seek6] = d.seek
	t[scsi.Seek10] = d.seek
	t[scsi.ReadCapacity10] = d.readCapacity10
	t[scsi.ReadCapacity16] = d.readCapacity16
	t[scsi.ReadFormatCapacities] = d.readFormatCapacities
	t[scsi.ReadLong10] = d.readLong
	t[scsi.ReadLong16] = d.readLong
	t[scsi.WriteLong10] = d.writeLong
	t[scsi.WriteLong16] = d.writeLong
	t[scsi.FormatUnit] = d.formatUnit
	t[scsi.ModeSense6] = d.ModeSense6Handler(d.DiskModePages)
	t[scsi.ModeSense10] = d.ModeSense10Handler(d.DiskModePages)
	t[scsi.ModeSelect6] = d.ModeSelect6Handler(d.applyModeSelect6)
	t[scsi.ModeSelect10] = d.ModeSelect10Handler(d.applyModeSelect10)
	return t
}

// CommandTable satisfies Device for a plain fixed/removable hard disk; the
// CD-ROM, MO, and SASI variants override it with their own additions.
func (d *Disk) CommandTable() map[scsi.Command]Handler {
	return d.DiskCommandTable()
}
