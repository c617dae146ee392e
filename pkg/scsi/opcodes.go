// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scsi holds shared SCSI wire constants: operation codes, the CDB
// length table used by the controller to frame an incoming command, and
// status codes. Command semantics live with the owning device in pkg/device.
package scsi

// Command is a SCSI operation code. The same numeric opcode may be reused by
// unrelated device classes (as in the real SCSI standard, where opcode
// meaning is device-class scoped); each device's own command table only ever
// holds the opcodes that class supports.
type Command uint8

const (
	TestUnitReady       Command = 0x00
	RequestSense        Command = 0x03
	FormatUnit          Command = 0x04
	FormatMedium        Command = 0x04
	ReadBlockLimits     Command = 0x05
	Read6               Command = 0x08
	Write6              Command = 0x0a
	Print               Command = 0x0a
	Seek6               Command = 0x0b
	Rewind              Command = 0x01
	WriteFilemarks6     Command = 0x10
	Space6              Command = 0x11
	Inquiry             Command = 0x12
	ModeSelect6         Command = 0x15
	Reserve6            Command = 0x16
	Release6            Command = 0x17
	Erase6              Command = 0x19
	ModeSense6          Command = 0x1a
	StartStopUnit       Command = 0x1b
	StopPrint           Command = 0x1b
	SendDiagnostic      Command = 0x1d
	PreventAllowRemoval Command = 0x1e
	ReadFormatCapacities Command = 0x23
	ReadCapacity10      Command = 0x25
	Read10              Command = 0x28
	Write10             Command = 0x2a
	Seek10              Command = 0x2b
	Locate10            Command = 0x2b
	Verify10            Command = 0x2f
	ReadLong10          Command = 0x3e
	WriteLong10         Command = 0x3f
	ReadToc             Command = 0x43
	ReadPosition        Command = 0x34
	ModeSelect10        Command = 0x55
	Reserve10           Command = 0x56
	Release10           Command = 0x57
	ModeSense10         Command = 0x5a
	ReportLuns          Command = 0xa0
	ExecuteOperation        Command = 0xc0
	ReceiveOperationResults Command = 0xc1
	Read16              Command = 0x88
	Write16             Command = 0x8a
	WriteFilemarks16    Command = 0x80
	Verify16            Command = 0x8f
	Locate16            Command = 0x92
	ReadCapacity16      Command = 0x9e
	ReadLong16          Command = 0x9f
	WriteLong16         Command = 0xa3

	SynchronizeBuffer   Command = 0x10
)

// Status is a SCSI completion status byte.
type Status uint8

const (
	Good                Status = 0x00
	CheckCondition      Status = 0x02
	ReservationConflict Status = 0x18
)

// CdbLength returns the CDB length in bytes implied by the opcode's group
// bits (bits 7-5 of the opcode byte) step 2.
func CdbLength(opcode byte) int {
	switch opcode >> 5 {
	case 0:
		return 6
	case 1, 2:
		return 10
	case 5:
		return 12
	case 4:
		return 16
	default:
		return 10
	}
}
