// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/scsi2pi-go/s2p/pkg/codec"
	"github.com/scsi2pi-go/s2p/pkg/reservation"
	"github.com/scsi2pi-go/s2p/pkg/scsi"
	"github.com/scsi2pi-go/s2p/pkg/sense"
)

// spacingObject identifies what SPACE 6 counts over, from CDB byte 1 bits
// 0-2.
type spacingObject int

const (
	spaceBlock spacingObject = iota
	spaceFilemark
	spaceEndOfData
)

// Tape is the sequential-access device: SIMH .tap framing or raw .tar
// fixed-block backing, chosen by filename extension.
type Tape struct {
	*Storage

	file *os.File

	tapePosition   int64
	objectLocation uint64
	maxFileSize    int64

	tarCompat bool

	blocksRead    uint64
	blocksWritten uint64
}

func NewTape(id, lun int, registry *reservation.Registry) *Tape {
	t := &Tape{Storage: NewStorage(NewPrimary(id, lun, SCTP), registry)}
	t.configuredBlockSize = 512
	t.blockSize = 512
	return t
}

// OpenFile attaches the backing file, deriving tar-compat mode from the
// extension and computing maxFileSize from append (0 meaning "size of the
// existing file"). append==0 on an empty file is treated as a configuration
// error rather than silently forbidding all writes.
func (t *Tape) OpenFile(f *os.File, filename string, appendLimit int64) error {
	t.file = f
	t.Open(filename)
	t.tarCompat = strings.HasSuffix(strings.ToLower(filename), ".tar")

	info, err := f.Stat()
	if err != nil {
		return sense.New(sense.IllegalRequest, sense.NoAdditionalSenseInformation)
	}
	if appendLimit == 0 {
		if info.Size() == 0 {
			return sense.New(sense.IllegalRequest, sense.InvalidFieldInParameterList)
		}
		t.maxFileSize = info.Size()
	} else {
		t.maxFileSize = appendLimit
	}
	return nil
}

func (t *Tape) fileSize() int64 { return t.maxFileSize }

func (t *Tape) rewind(_ context.Context, _ Host) error {
	t.tapePosition = 0
	t.objectLocation = 0
	return nil
}

// readNextMetaData reads and consumes one SIMH meta-data object at the
// current position without moving it back; callers reposition on mismatch.
func (t *Tape) readNextMetaData() (codec.MetaData, error) {
	if _, err := t.file.Seek(t.tapePosition, io.SeekStart); err != nil {
		return codec.MetaData{}, err
	}
	m, err := codec.ReadMetaData(t.file)
	if err != nil {
		return codec.MetaData{}, err
	}
	return m, nil
}

// findNextObject advances over one SIMH object (record, filemark, or other
// marker) in direction dir (+1 forward, -1 reverse), updating tapePosition
// and objectLocation as appropriate, and returns the meta-data it read.
// Going forward, a private marker (such as end-of-data) is returned without
// being consumed: tapePosition stays at the marker.
func (t *Tape) findNextObject(dir int) (codec.MetaData, error) {
	if dir > 0 {
		m, err := t.readNextMetaData()
		if err != nil {
			return codec.MetaData{}, err
		}
		switch {
		case m.Class == codec.SimhTapeMarkOrGoodData && m.Value == 0:
			t.tapePosition += codec.MetaDataSize
			t.objectLocation++
			return m, nil
		case codec.IsRecord(m):
			length := int(m.Value & 0x00ffffff)
			t.tapePosition += int64(codec.MetaDataSize) + int64(codec.Pad(length)) + int64(codec.MetaDataSize)
			t.objectLocation++
			return m, nil
		case m.Class == codec.SimhPrivateMarker:
			return m, nil
		default:
			t.tapePosition += codec.MetaDataSize
			return m, nil
		}
	}

	if t.tapePosition < codec.MetaDataSize {
		return codec.MetaData{}, io.EOF
	}
	if _, err := t.file.Seek(t.tapePosition-codec.MetaDataSize, io.SeekStart); err != nil {
		return codec.MetaData{}, err
	}
	m, err := codec.ReadMetaData(t.file)
	if err != nil {
		return codec.MetaData{}, err
	}
	switch {
	case m.Class == codec.SimhTapeMarkOrGoodData && m.Value == 0:
		t.tapePosition -= codec.MetaDataSize
		if t.objectLocation > 0 {
			t.objectLocation--
		}
	case codec.IsRecord(m):
		length := int(m.Value & 0x00ffffff)
		t.tapePosition -= int64(codec.MetaDataSize) + int64(codec.Pad(length)) + int64(codec.MetaDataSize)
		if t.objectLocation > 0 {
			t.objectLocation--
		}
	default:
		t.tapePosition -= codec.MetaDataSize
	}
	return m, nil
}

// space6 implements SPACE 6.
func (t *Tape) space6(_ context.Context, host Host) error {
	if t.tarCompat {
		return nil
	}
	cdb := host.CDB()
	obj := spacingObject(cdb[1] & 0x07)
	raw := int32(cdb[2])<<16 | int32(cdb[3])<<8 | int32(cdb[4])
	if raw&0x800000 != 0 {
		raw |= ^int32(0xffffff)
	}
	count := int(raw)

	dir := 1
	if count < 0 {
		dir = -1
		count = -count
	}

	if obj == spaceEndOfData {
		return t.spaceToEndOfData()
	}

	remaining := count
	for remaining > 0 {
		m, err := t.findNextObject(dir)
		if err == io.EOF || (dir < 0 && t.tapePosition <= 0) {
			t.tapePosition = 0
			t.objectLocation = 0
			t.SenseState().SetEom(sense.BeginningOfPartitionMediumDetected)
			return sense.New(sense.NoSense, sense.NoAdditionalSenseInformation)
		}
		if err != nil {
			return sense.New(sense.MediumError, sense.ReadError)
		}

		if m.Class == codec.SimhPrivateMarker {
			t.SenseState().SetInformation(uint32(remaining))
			return sense.New(sense.BlankCheck, sense.NoAdditionalSenseInformation)
		}

		isFilemark := m.Class == codec.SimhTapeMarkOrGoodData && m.Value == 0
		switch obj {
		case spaceFilemark:
			if isFilemark {
				remaining--
			}
		case spaceBlock:
			if isFilemark {
				t.SenseState().SetFilemark()
				if dir < 0 {
					t.SenseState().SetInformation(uint32(count))
				} else {
					t.SenseState().SetInformation(uint32(remaining))
				}
				return sense.New(sense.NoSense, sense.NoAdditionalSenseInformation)
			}
			remaining--
		}

		if t.tapePosition >= t.fileSize() {
			t.SenseState().SetEom(sense.EndOfPartitionMediumDetected)
			return sense.New(sense.MediumError, sense.NoAdditionalSenseInformation)
		}
	}
	return nil
}

func (t *Tape) spaceToEndOfData() error {
	for {
		m, err := t.findNextObject(1)
		if err != nil {
			return sense.New(sense.MediumError, sense.ReadError)
		}
		if m.Class == codec.SimhPrivateMarker && m.Value&0x00ffffff == codec.PrivateMarkerMagic {
			return nil
		}
		if t.tapePosition >= t.fileSize() {
			t.SenseState().SetEom(sense.EndOfPartitionMediumDetected)
			return sense.New(sense.MediumError, sense.NoAdditionalSenseInformation)
		}
	}
}

// writeFilemarks6 implements WRITE FILEMARKS (6/16); silently succeeds in
// tar-compat mode.
func (t *Tape) writeFilemarks6(_ context.Context, host Host) error {
	cdb := host.CDB()
	if cdb[1]&0x03 != 0 { // FCS/LCS
		return sense.New(sense.IllegalRequest, sense.InvalidFieldInCdb)
	}
	if t.tarCompat {
		return nil
	}
	count := int(cdb[2])<<16 | int(cdb[3])<<8 | int(cdb[4])
	if _, err := t.file.Seek(t.tapePosition, io.SeekStart); err != nil {
		return sense.New(sense.MediumError, sense.WriteError)
	}
	for i := 0; i < count; i++ {
		if err := codec.WriteFilemark(t.file); err != nil {
			return sense.New(sense.MediumError, sense.WriteError)
		}
		t.tapePosition += codec.MetaDataSize
		t.objectLocation++
	}
	return nil
}

// writeData implements WRITE (6/16): one SIMH leading tag, the payload, a
// trailing tag, then an end-of-data sentinel.
func (t *Tape) writeData(buf []byte) error {
	if t.tarCompat {
		_, err := t.file.WriteAt(buf, t.tapePosition)
		if err != nil {
			return sense.New(sense.MediumError, sense.WriteError)
		}
		t.tapePosition += int64(len(buf))
		return nil
	}

	if _, err := t.file.Seek(t.tapePosition, io.SeekStart); err != nil {
		return sense.New(sense.MediumError, sense.WriteError)
	}
	tag := codec.ToLittleEndian(codec.MetaData{Class: codec.SimhTapeMarkOrGoodData, Value: uint32(len(buf))})
	if _, err := t.file.Write(tag[:]); err != nil {
		return sense.New(sense.MediumError, sense.WriteError)
	}
	if _, err := t.file.Write(buf); err != nil {
		return sense.New(sense.MediumError, sense.WriteError)
	}
	padded := codec.Pad(len(buf))
	if padded > len(buf) {
		if _, err := t.file.Write(make([]byte, padded-len(buf))); err != nil {
			return sense.New(sense.MediumError, sense.WriteError)
		}
	}
	if _, err := t.file.Write(tag[:]); err != nil {
		return sense.New(sense.MediumError, sense.WriteError)
	}
	t.tapePosition += int64(codec.MetaDataSize) + int64(padded) + int64(codec.MetaDataSize)
	t.objectLocation++
	t.blocksWritten++

	eod := codec.ToLittleEndian(codec.MetaData{Class: codec.SimhPrivateMarker, Value: codec.PrivateMarkerMagic | 0x03<<24})
	if _, err := t.file.Write(eod[:]); err != nil {
		return sense.New(sense.MediumError, sense.WriteError)
	}
	return nil
}

func (t *Tape) read6(_ context.Context, host Host) error {
	cdb := host.CDB()
	fixed := cdb[1]&0x01 != 0
	sili := cdb[1]&0x02 != 0
	if fixed && sili {
		return sense.New(sense.IllegalRequest, sense.InvalidFieldInCdb)
	}

	count := int(cdb[2])<<16 | int(cdb[3])<<8 | int(cdb[4])
	var byteCount int
	if fixed {
		byteCount = count * t.BlockSize()
	} else {
		byteCount = count
	}

	if t.tarCompat {
		buf := host.ResizeBuffer(byteCount)
		n, _ := t.file.ReadAt(buf, t.tapePosition)
		t.tapePosition += int64(n)
		host.SetLength(n)
		host.SetDirection(DataIn)
		return nil
	}

	m, err := t.readNextMetaData()
	if err != nil {
		return sense.New(sense.MediumError, sense.ReadError)
	}
	if m.Class == codec.SimhBadDataRecord && m.Value == 0 {
		return sense.New(sense.MediumError, sense.ReadError)
	}

	recordLength := int(m.Value & 0x00ffffff)
	toRead := recordLength
	if toRead > byteCount {
		toRead = byteCount
	}
	buf := host.ResizeBuffer(toRead)
	if _, err := t.file.Read(buf); err != nil && err != io.EOF {
		return sense.New(sense.MediumError, sense.ReadError)
	}
	t.tapePosition += int64(codec.MetaDataSize) + int64(codec.Pad(recordLength)) + int64(codec.MetaDataSize)
	t.objectLocation++
	t.blocksRead++

	if recordLength != byteCount {
		if fixed {
			if (byteCount-recordLength)%t.BlockSize() != 0 {
				t.SenseState().SetIli()
				t.SenseState().SetInformation(uint32((byteCount-recordLength)/t.BlockSize()) - uint32(t.blocksRead))
				host.SetLength(toRead)
				host.SetDirection(DataIn)
				return sense.New(sense.NoSense, sense.NoAdditionalSenseInformation)
			}
		} else if !sili || byteCount > recordLength {
			t.SenseState().SetIli()
			t.SenseState().SetInformation(uint32(byteCount - recordLength))
			host.SetLength(toRead)
			host.SetDirection(DataIn)
			return sense.New(sense.NoSense, sense.NoAdditionalSenseInformation)
		}
	}

	host.SetLength(toRead)
	host.SetDirection(DataIn)
	return nil
}

func (t *Tape) read16(ctx context.Context, host Host) error { return t.read6(ctx, host) }

func (t *Tape) write6(_ context.Context, host Host) error {
	cdb := host.CDB()
	if cdb[1]&0x03 != 0 { // FCS/LCS
		return sense.New(sense.IllegalRequest, sense.InvalidFieldInCdb)
	}
	fixed := cdb[1]&0x01 != 0
	count := int(cdb[2])<<16 | int(cdb[3])<<8 | int(cdb[4])
	length := count
	if fixed {
		length = count * t.BlockSize()
	}
	host.ResizeBuffer(length)
	host.SetLength(length)
	host.SetChunkSize(length)
	host.SetDirection(DataOut)
	return nil
}

func (t *Tape) write16(ctx context.Context, host Host) error { return t.write6(ctx, host) }

// CommitWrite is called by the controller once the DATA OUT transfer has
// landed in the buffer.
func (t *Tape) CommitWrite(buf []byte) error {
	if handled, err := t.CommitModeSelect(buf); handled {
		return err
	}
	return t.writeData(buf)
}

// TapeModePages returns the tape-specific pages on top of the storage
// mixin's 1/2/10: 15 (data compression, unsupported), 16 (device
// configuration, EOD generation and logical block identifiers enabled), and
// 17 (medium partition, single fixed partition).
func (t *Tape) TapeModePages() map[byte][]byte {
	compression := make([]byte, 16)

	deviceConfig := make([]byte, 16)
	deviceConfig[8] = 0b01000000  // BIS/LOIS
	deviceConfig[10] = 0b00010000 // EEG

	partition := make([]byte, 8)

	return map[byte][]byte{
		0x0f: compression,
		0x10: deviceConfig,
		0x11: partition,
	}
}

// applyModeSelect6 applies a MODE SELECT(6) parameter list; a temporary
// block-size change is the only negotiated field this device accepts.
func (t *Tape) applyModeSelect6(payload []byte) error { return t.applyModeSelect(payload, 4) }

// applyModeSelect10 is applyModeSelect6's MODE SELECT(10) counterpart.
func (t *Tape) applyModeSelect10(payload []byte) error { return t.applyModeSelect(payload, 8) }

func (t *Tape) applyModeSelect(payload []byte, headerLen int) error {
	size := modeSelectBlockDescriptorSize(payload, headerLen)
	if size == 0 {
		return nil
	}
	if err := t.VerifyBlockSizeChange(size); err != nil {
		return err
	}
	return t.SetBlockSize(size)
}

// erase6 implements ERASE 6: LONG erases from the current position to
// file_size in erase-gap marker chunks, then writes a fresh end-of-data
// marker and rewinds. Short erase is a no-op success.
func (t *Tape) erase6(_ context.Context, host Host) error {
	if t.tarCompat {
		return sense.New(sense.IllegalRequest, sense.InvalidCommandOperationCode)
	}
	cdb := host.CDB()
	if cdb[1]&0x01 == 0 {
		return nil
	}

	const chunkMarkers = 1024
	gap := codec.ToLittleEndian(codec.MetaData{Class: codec.SimhReservedMarker, Value: codec.SimhMarkerEraseGap})
	if _, err := t.file.Seek(t.tapePosition, io.SeekStart); err != nil {
		return sense.New(sense.MediumError, sense.WriteError)
	}
	written := t.tapePosition
	buf := make([]byte, 0, chunkMarkers*codec.MetaDataSize)
	for i := 0; i < chunkMarkers; i++ {
		buf = append(buf, gap[:]...)
	}
	for written < t.fileSize() {
		n := len(buf)
		if int64(n) > t.fileSize()-written {
			n = int(t.fileSize() - written)
		}
		if _, err := t.file.Write(buf[:n]); err != nil {
			return sense.New(sense.MediumError, sense.WriteError)
		}
		written += int64(n)
	}
	t.tapePosition = 0
	eod := codec.ToLittleEndian(codec.MetaData{Class: codec.SimhPrivateMarker, Value: codec.PrivateMarkerMagic | 0x03<<24})
	if _, err := t.file.WriteAt(eod[:], 0); err != nil {
		return sense.New(sense.MediumError, sense.WriteError)
	}
	return nil
}

// readBlockLimits returns the fixed granularity/max/min triple.
func (t *Tape) readBlockLimits(_ context.Context, host Host) error {
	buf := host.ResizeBuffer(6)
	buf[0] = 0x02
	buf[1], buf[2], buf[3] = 0xff, 0xff, 0xfc
	buf[4], buf[5] = 0, 4
	host.SetLength(6)
	host.SetDirection(DataIn)
	return nil
}

// locate10 implements LOCATE (10/16).
func (t *Tape) locate10(_ context.Context, host Host) error {
	cdb := host.CDB()
	if cdb[1]&0x02 != 0 { // CP
		return sense.New(sense.IllegalRequest, sense.InvalidFieldInCdb)
	}
	bt := cdb[1]&0x01 != 0
	identifier := uint64(cdb[3])<<24 | uint64(cdb[4])<<16 | uint64(cdb[5])<<8 | uint64(cdb[6])

	if t.tarCompat {
		if bt {
			if identifier%uint64(t.BlockSize()) != 0 {
				return sense.New(sense.IllegalRequest, sense.InvalidFieldInCdb)
			}
			t.tapePosition = int64(identifier)
		} else {
			t.tapePosition = int64(identifier) * int64(t.BlockSize())
		}
		t.objectLocation = identifier
		return nil
	}

	if bt {
		if identifier != 0 {
			return sense.New(sense.IllegalRequest, sense.InvalidFieldInCdb)
		}
		return t.rewind(context.Background(), host)
	}

	t.rewind(context.Background(), host)
	for t.objectLocation < identifier {
		m, err := t.findNextObject(1)
		if err != nil {
			return sense.New(sense.MediumError, sense.ReadError)
		}
		if m.Class == codec.SimhPrivateMarker {
			t.SenseState().SetInformation(uint32(identifier))
			return sense.New(sense.IllegalRequest, sense.LocateOperationFailure)
		}
	}
	return nil
}

// readPosition implements READ POSITION.
func (t *Tape) readPosition(_ context.Context, host Host) error {
	buf := host.ResizeBuffer(20)
	if t.tapePosition == 0 {
		buf[0] |= 0x80 // BOP
	}
	if t.tapePosition >= t.fileSize() {
		buf[0] |= 0x40 // EOP
	}
	buf[4] = byte(t.objectLocation >> 24)
	buf[5] = byte(t.objectLocation >> 16)
	buf[6] = byte(t.objectLocation >> 8)
	buf[7] = byte(t.objectLocation)
	buf[8] = byte(t.objectLocation >> 24)
	buf[9] = byte(t.objectLocation >> 16)
	buf[10] = byte(t.objectLocation >> 8)
	buf[11] = byte(t.objectLocation)
	host.SetLength(20)
	host.SetDirection(DataIn)
	return nil
}

// formatMedium is valid only at BOP on SIMH media; it behaves like a LONG
// erase writing only an EOD marker.
func (t *Tape) formatMedium(ctx context.Context, host Host) error {
	if t.tarCompat {
		return sense.New(sense.IllegalRequest, sense.InvalidCommandOperationCode)
	}
	if t.tapePosition != 0 {
		return sense.New(sense.IllegalRequest, sense.SequentialPositioningError)
	}
	eod := codec.ToLittleEndian(codec.MetaData{Class: codec.SimhPrivateMarker, Value: codec.PrivateMarkerMagic | 0x03<<24})
	if _, err := t.file.WriteAt(eod[:], 0); err != nil {
		return sense.New(sense.MediumError, sense.WriteError)
	}
	return nil
}

func (t *Tape) CommandTable() map[scsi.Command]Handler {
	table := t.StorageCommandTable()
	table[scsi.Read6] = t.read6
	table[scsi.Read16] = t.read16
	table[scsi.Write6] = t.write6
	table[scsi.Write16] = t.write16
	table[scsi.Rewind] = t.rewind
	table[scsi.Space6] = t.space6
	table[scsi.WriteFilemarks6] = t.writeFilemarks6
	table[scsi.WriteFilemarks16] = t.writeFilemarks6
	table[scsi.Erase6] = t.erase6
	table[scsi.ReadBlockLimits] = t.readBlockLimits
	table[scsi.Locate10] = t.locate10
	table[scsi.Locate16] = t.locate10
	table[scsi.ReadPosition] = t.readPosition
	table[scsi.FormatMedium] = t.formatMedium
	table[scsi.ModeSense6] = t.ModeSense6Handler(t.TapeModePages)
	table[scsi.ModeSense10] = t.ModeSense10Handler(t.TapeModePages)
	table[scsi.ModeSelect6] = t.ModeSelect6Handler(t.applyModeSelect6)
	table[scsi.ModeSelect10] = t.ModeSelect10Handler(t.applyModeSelect10)
	return table
}
