// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package device implements the SCSI device class hierarchy: the primary
// command set shared by every device, the storage-device mixin for
// random-access and sequential media, the disk family, the tape engine, and
// the three processor-class devices (printer, host services, SCSI generic).
package device

import (
	"context"

	"github.com/scsi2pi-go/s2p/pkg/scsi"
	"github.com/scsi2pi-go/s2p/pkg/sense"
)

// Type identifies a device class, one value per PbDeviceType wire constant.
type Type int

const (
	SCHD Type = iota // fixed hard disk
	SCRM              // removable hard disk
	SCCD              // CD-ROM
	SCMO              // magneto-optical
	SAHD              // SASI hard disk
	SCTP              // tape
	SCLP              // printer
	SCHS              // host services
	SCDP              // DaynaPort network adapter (not modeled further)
	SCSG              // SCSI generic passthrough
)

func (t Type) String() string {
	switch t {
	case SCHD:
		return "SCHD"
	case SCRM:
		return "SCRM"
	case SCCD:
		return "SCCD"
	case SCMO:
		return "SCMO"
	case SAHD:
		return "SAHD"
	case SCTP:
		return "SCTP"
	case SCLP:
		return "SCLP"
	case SCHS:
		return "SCHS"
	case SCDP:
		return "SCDP"
	case SCSG:
		return "SCSG"
	default:
		return "UNKNOWN"
	}
}

// Removable reports whether devices of this type present the removable-medium
// bit in INQUIRY byte 1.
func (t Type) Removable() bool {
	switch t {
	case SCRM, SCCD, SCMO, SCTP:
		return true
	default:
		return false
	}
}

// ShutdownMode is what a Host Services START/STOP schedules for the main
// loop, read back after the current command finishes.
type ShutdownMode int

const (
	NoShutdown ShutdownMode = iota
	StopServer
	StopHost
	RebootHost
)

// Direction is the data-phase direction a handler requests of the
// controller, per the controller's phase driver.
type Direction int

const (
	NoData Direction = iota
	DataIn
	DataOut
)

// Host is the callback surface the controller exposes to a device handler
// while it executes one command. Handlers never touch the bus directly;
// they only shape the transfer through this narrow interface.
type Host interface {
	CDB() []byte
	InitiatorID() int

	// Luns returns the LUNs currently attached on the addressed target,
	// for REPORT LUNS.
	Luns() []int

	Buffer() []byte
	ResizeBuffer(n int) []byte

	SetLength(n int)
	SetDirection(d Direction)
	SetChunkSize(n int)

	ScheduleShutdown(mode ShutdownMode)
}

// Handler executes one SCSI command against a device given the controller
// callback surface. It returns a *sense.Error on any SCSI-level fault; the
// controller is solely responsible for converting that into CHECK CONDITION
// and latching it.
type Handler func(ctx context.Context, host Host) error

// Device is the contract every concrete device type satisfies and the
// controller's per-LUN table holds.
type Device interface {
	ID() int
	Lun() int
	Type() Type

	// CommandTable returns the opcode→handler map this device registered at
	// setup; unlisted opcodes are INVALID COMMAND OPERATION CODE.
	CommandTable() map[scsi.Command]Handler

	SenseState() *sense.State

	IsReady() bool
}
