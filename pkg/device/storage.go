// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

import (
	"context"

	"github.com/scsi2pi-go/s2p/pkg/cache"
	"github.com/scsi2pi-go/s2p/pkg/reservation"
	"github.com/scsi2pi-go/s2p/pkg/scsi"
	"github.com/scsi2pi-go/s2p/pkg/sense"
)

// CachingMode selects which block cache backs a storage device.
type CachingMode int

const (
	CachePiscsi CachingMode = iota
	CacheLinux
	CacheLinuxOptimized
	CacheWriteThrough
)

// Storage is the common mixin for random-access and sequential media:
// filename, block geometry, reservation integration, START/STOP and the
// default mode pages 1/2/10.
type Storage struct {
	*Primary

	filename     string
	lastFilename string

	blockSize           int
	blockCount          uint64
	supportedBlockSizes map[int]bool
	configuredBlockSize int

	mediumChanged bool
	locked        bool
	removed       bool
	readOnly      bool
	protectable   bool
	isProtected   bool
	stopped       bool

	cachingMode CachingMode
	cache       cache.BlockCache

	registry *reservation.Registry
	pages    *PageHandler

	pendingModeSelect func(payload []byte) error
}

// NewStorage constructs the storage mixin with a default set of supported
// block sizes; concrete disk/tape constructors narrow this as needed.
func NewStorage(p *Primary, registry *reservation.Registry) *Storage {
	return &Storage{
		Primary:             p,
		supportedBlockSizes: map[int]bool{512: true, 1024: true, 2048: true, 4096: true},
		configuredBlockSize: 512,
		protectable:         true,
		registry:            registry,
		pages: &PageHandler{
			SupportsModeSelect:     true,
			SupportsSaveParameters: false,
		},
	}
}

func (s *Storage) Filename() string     { return s.filename }
func (s *Storage) LastFilename() string { return s.lastFilename }
func (s *Storage) BlockSize() int       { return s.blockSize }
func (s *Storage) BlockCount() uint64   { return s.blockCount }
func (s *Storage) IsReadOnly() bool     { return s.readOnly }
func (s *Storage) IsRemoved() bool      { return s.removed }
func (s *Storage) IsLocked() bool       { return s.locked }
func (s *Storage) IsProtected() bool    { return s.isProtected }
func (s *Storage) Cache() cache.BlockCache { return s.cache }
func (s *Storage) Pages() *PageHandler     { return s.pages }

func (s *Storage) SetCache(c cache.BlockCache) { s.cache = c }
func (s *Storage) SetReadOnly(ro bool)          { s.readOnly = ro }
func (s *Storage) IsStopped() bool              { return s.stopped }

// SetStopped is the management-plane START/STOP entry point, distinct from
// the SCSI-initiated StartStopUnit CDB handler: it flushes the cache on stop
// but never touches medium/reservation state the way LOEJ handling does.
func (s *Storage) SetStopped(stopped bool) error {
	if stopped && s.cache != nil {
		if err := s.cache.Flush(); err != nil {
			return sense.New(sense.HardwareError, sense.NoAdditionalSenseInformation)
		}
	}
	s.stopped = stopped
	return nil
}

// SetBlockSize validates size against the supported set (or the currently
// configured size) and commits it. ValidateBlockSize is the read-only check
// used both here and by MODE SELECT's temporary block-size negotiation.
func (s *Storage) ValidateBlockSize(size int) bool {
	return s.supportedBlockSizes[size] || size == s.configuredBlockSize
}

func (s *Storage) SetBlockSize(size int) error {
	if !s.ValidateBlockSize(size) {
		return sense.New(sense.IllegalRequest, sense.InvalidFieldInCdb)
	}
	s.blockSize = size
	return nil
}

func (s *Storage) SetBlockCount(count uint64) { s.blockCount = count }

// VerifyBlockSizeChange implements the MODE SELECT block-descriptor
// negotiation rule: any multiple of 4 is permitted as a temporary change.
func (s *Storage) VerifyBlockSizeChange(size int) error {
	if size <= 0 || size%4 != 0 {
		return sense.New(sense.IllegalRequest, sense.InvalidFieldInParameterList)
	}
	return nil
}

// ReserveFile reserves filename for this device in the shared registry.
func (s *Storage) ReserveFile(filename string) bool {
	return s.registry.Reserve(filename, s.ID(), s.Lun())
}

func (s *Storage) UnreserveFile() {
	if s.filename != "" {
		s.registry.Release(s.filename, s.ID(), s.Lun())
	}
}

func (s *Storage) Open(filename string) {
	s.filename = filename
	s.removed = false
}

// StartStopUnit implements START/STOP UNIT, dispatching on the LOEJ/START
// bit pair in CDB byte 4 (stop, start, eject, load).
func (s *Storage) StartStopUnit(_ context.Context, host Host) error {
	cdb := host.CDB()
	loej := cdb[4]&0x02 != 0
	start := cdb[4]&0x01 != 0

	switch {
	case !loej && !start: // stop, no eject
		if s.cache != nil {
			if err := s.cache.Flush(); err != nil {
				return sense.New(sense.HardwareError, sense.NoAdditionalSenseInformation)
			}
		}
		s.stopped = true
	case !loej && start: // start
		s.stopped = false
	case loej && !start: // eject
		if s.locked {
			return sense.New(sense.IllegalRequest, sense.MediumLoadOrEjectFailed)
		}
		if s.cache != nil {
			s.cache.Flush()
		}
		s.UnreserveFile()
		s.lastFilename = s.filename
		s.filename = ""
		s.removed = true
	case loej && start: // load
		if s.lastFilename != "" {
			s.ReserveFile(s.lastFilename)
			s.Open(s.lastFilename)
		}
		s.mediumChanged = true
	}
	return nil
}

// PreventAllowMediumRemoval implements PREVENT ALLOW MEDIUM REMOVAL.
func (s *Storage) PreventAllowMediumRemoval(_ context.Context, host Host) error {
	cdb := host.CDB()
	s.locked = cdb[4]&0x01 != 0
	return nil
}

// blockDescriptor builds either the short (8-byte) or long (16-byte) block
// descriptor form for MODE SENSE
func (s *Storage) blockDescriptor(long bool) []byte {
	if long {
		buf := make([]byte, 16)
		for i := 0; i < 8; i++ {
			buf[7-i] = byte(s.blockCount >> (8 * i))
		}
		buf[12] = byte(s.blockSize >> 24)
		buf[13] = byte(s.blockSize >> 16)
		buf[14] = byte(s.blockSize >> 8)
		buf[15] = byte(s.blockSize)
		return buf
	}
	buf := make([]byte, 8)
	count := s.blockCount
	if count > 0xffffffff {
		count = 0xffffffff
	}
	buf[0] = byte(count >> 24)
	buf[1] = byte(count >> 16)
	buf[2] = byte(count >> 8)
	buf[3] = byte(count)
	buf[5] = byte(s.blockSize >> 16)
	buf[6] = byte(s.blockSize >> 8)
	buf[7] = byte(s.blockSize)
	return buf
}

// DefaultModePages returns mode pages 1 (read/write error recovery), 2
// (disconnect/reconnect), and 10 (control), common to every storage device.
func (s *Storage) DefaultModePages() map[byte][]byte {
	return map[byte][]byte{
		0x01: {0x01, 0x0a, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		0x02: {0x02, 0x0e, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		0x0a: {0x0a, 0x0a, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
	}
}

// ModeSense builds the payload for MODE SENSE 6/10 by combining the block
// descriptor (unless DBD is set) with the assembled page payload.
func (s *Storage) ModeSense(host Host, pages map[byte][]byte, allocationLength, hardCap int, dbd, long bool) []byte {
	cdb := host.CDB()
	pageCode := cdb[2] & 0x3f
	changeablePc := (cdb[2] >> 6) & 0x03

	merged := make(map[byte][]byte, len(pages))
	for k, v := range pages {
		merged[k] = v
	}
	for k, v := range s.DefaultModePages() {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}

	pageBytes := s.pages.Assemble(pageCode, merged, allocationLength, hardCap)
	_ = changeablePc

	var out []byte
	if !dbd {
		out = append(out, s.blockDescriptor(long)...)
	}
	out = append(out, pageBytes...)
	return out
}

// ModeSelect validates PF/SP, stages length bytes of DATA OUT, and defers
// apply until CommitModeSelect runs it against the landed parameter list;
// apply is supplied by the concrete device (it knows which pages it accepts
// and how block descriptors affect its own geometry).
func (s *Storage) ModeSelect(host Host, length int, apply func(payload []byte) error) error {
	cdb := host.CDB()
	pf := cdb[1]&0x10 != 0
	sp := cdb[1]&0x01 != 0
	if err := s.pages.ValidateSelect(pf, sp); err != nil {
		return err
	}
	host.ResizeBuffer(length)
	host.SetLength(length)
	host.SetDirection(DataOut)
	s.pendingModeSelect = apply
	return nil
}

// CommitModeSelect runs and clears any apply staged by ModeSelect. ok is
// false when no MODE SELECT is pending, meaning CommitWrite should fall
// through to its ordinary write handling.
func (s *Storage) CommitModeSelect(payload []byte) (ok bool, err error) {
	if s.pendingModeSelect == nil {
		return false, nil
	}
	apply := s.pendingModeSelect
	s.pendingModeSelect = nil
	return true, apply(payload)
}

// ModeSense6Handler returns a Handler for MODE SENSE(6) assembling pagesFn's
// page set, prefixed with the 4-byte mode parameter header and block
// descriptor (unless DBD is set).
func (s *Storage) ModeSense6Handler(pagesFn func() map[byte][]byte) Handler {
	return func(_ context.Context, host Host) error {
		cdb := host.CDB()
		dbd := cdb[1]&0x08 != 0
		allocLength := int(cdb[4])
		body := s.ModeSense(host, pagesFn(), allocLength, 255, dbd, false)

		descLen := 0
		if !dbd {
			descLen = 8
		}
		out := make([]byte, 4, 4+len(body))
		out[3] = byte(descLen)
		out = append(out, body...)
		out[0] = byte(len(out) - 1)
		if allocLength > 0 && len(out) > allocLength {
			out = out[:allocLength]
		}

		buf := host.ResizeBuffer(len(out))
		copy(buf, out)
		host.SetLength(len(out))
		host.SetDirection(DataIn)
		return nil
	}
}

// ModeSense10Handler is ModeSense6Handler's MODE SENSE(10) counterpart: an
// 8-byte header with a 2-byte mode data length and a 16-byte long block
// descriptor when LONGLBA is set.
func (s *Storage) ModeSense10Handler(pagesFn func() map[byte][]byte) Handler {
	return func(_ context.Context, host Host) error {
		cdb := host.CDB()
		dbd := cdb[1]&0x08 != 0
		long := cdb[1]&0x10 != 0
		allocLength := int(cdb[7])<<8 | int(cdb[8])
		body := s.ModeSense(host, pagesFn(), allocLength, 65535, dbd, long)

		descLen := 0
		if !dbd {
			if long {
				descLen = 16
			} else {
				descLen = 8
			}
		}
		out := make([]byte, 8, 8+len(body))
		if long {
			out[4] = 0x01
		}
		out[6] = byte(descLen >> 8)
		out[7] = byte(descLen)
		out = append(out, body...)
		total := len(out) - 2
		out[0] = byte(total >> 8)
		out[1] = byte(total)
		if allocLength > 0 && len(out) > allocLength {
			out = out[:allocLength]
		}

		buf := host.ResizeBuffer(len(out))
		copy(buf, out)
		host.SetLength(len(out))
		host.SetDirection(DataIn)
		return nil
	}
}

// ModeSelect6Handler returns a Handler for MODE SELECT(6); the parameter
// list length comes straight from the CDB.
func (s *Storage) ModeSelect6Handler(apply func(payload []byte) error) Handler {
	return func(_ context.Context, host Host) error {
		length := int(host.CDB()[4])
		return s.ModeSelect(host, length, apply)
	}
}

// ModeSelect10Handler is ModeSelect6Handler's MODE SELECT(10) counterpart.
func (s *Storage) ModeSelect10Handler(apply func(payload []byte) error) Handler {
	return func(_ context.Context, host Host) error {
		cdb := host.CDB()
		length := int(cdb[7])<<8 | int(cdb[8])
		return s.ModeSelect(host, length, apply)
	}
}

// modeSelectBlockDescriptorSize decodes the block length field of the first
// block descriptor in a MODE SELECT parameter list, or 0 if there isn't one.
// headerLen is 4 for the 6-byte form, 8 for the 10-byte form.
func modeSelectBlockDescriptorSize(payload []byte, headerLen int) int {
	if len(payload) < headerLen {
		return 0
	}
	var descLen int
	if headerLen == 4 {
		descLen = int(payload[3])
	} else {
		descLen = int(payload[6])<<8 | int(payload[7])
	}
	if descLen < 8 || len(payload) < headerLen+8 {
		return 0
	}
	d := payload[headerLen : headerLen+8]
	return int(d[5])<<16 | int(d[6])<<8 | int(d[7])
}

// StorageCommandTable adds START/STOP and PREVENT ALLOW to the base primary
// table; concrete devices layer their own MODE SENSE/SELECT wiring (they
// alone know their page sets) and RW commands on top.
func (s *Storage) StorageCommandTable() map[scsi.Command]Handler {
	t := s.BaseCommandTable()
	t[scsi.StartStopUnit] = s.StartStopUnit
	t[scsi.PreventAllowRemoval] = s.PreventAllowMediumRemoval
	return t
}
