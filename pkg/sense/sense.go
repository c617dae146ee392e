// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sense implements the SCSI target fault model: sense keys, additional
// sense codes, and the per-device sense state latched by REQUEST SENSE.
package sense

import "fmt"

// Key is the SCSI sense key returned in the extended sense data.
type Key uint8

const (
	NoSense        Key = 0x00
	RecoveredError Key = 0x01
	NotReady       Key = 0x02
	MediumError    Key = 0x03
	HardwareError  Key = 0x04
	IllegalRequest Key = 0x05
	UnitAttention  Key = 0x06
	DataProtect    Key = 0x07
	BlankCheck     Key = 0x08
	Aborted        Key = 0x0b
	VolumeOverflow Key = 0x0d
	Miscompare     Key = 0x0e
)

func (k Key) String() string {
	switch k {
	case NoSense:
		return "NO SENSE"
	case RecoveredError:
		return "RECOVERED ERROR"
	case NotReady:
		return "NOT READY"
	case MediumError:
		return "MEDIUM ERROR"
	case HardwareError:
		return "HARDWARE ERROR"
	case IllegalRequest:
		return "ILLEGAL REQUEST"
	case UnitAttention:
		return "UNIT ATTENTION"
	case DataProtect:
		return "DATA PROTECT"
	case BlankCheck:
		return "BLANK CHECK"
	case Aborted:
		return "ABORTED COMMAND"
	case VolumeOverflow:
		return "VOLUME OVERFLOW"
	case Miscompare:
		return "MISCOMPARE"
	default:
		return fmt.Sprintf("SENSE KEY %#02x", uint8(k))
	}
}

// Additional Sense Code.
type Asc uint8

const (
	NoAdditionalSenseInformation Asc = 0x00
	ReadError                    Asc = 0x11
	ParameterListLengthError     Asc = 0x1a
	InvalidCommandOperationCode  Asc = 0x20
	LbaOutOfRange                Asc = 0x21
	InvalidFieldInCdb            Asc = 0x24
	LogicalUnitNotSupported      Asc = 0x25
	InvalidFieldInParameterList  Asc = 0x26
	WriteProtected               Asc = 0x27
	NotReadyToReadyChange        Asc = 0x28
	PowerOnReset                 Asc = 0x29
	WriteError                   Asc = 0x0c
	MediumNotPresent             Asc = 0x3a
	SequentialPositioningError   Asc = 0x3b
	SaveParametersNotSupported   Asc = 0x39
	MediumLoadOrEjectFailed      Asc = 0x53
	LocateOperationFailure       Asc = 0x15
)

// Additional Sense Code Qualifier, only the values used by this target core.
type Ascq uint8

const (
	NoAdditionalSenseCodeQualifier    Ascq = 0x00
	BeginningOfPartitionMediumDetected Ascq = 0x04
	EndOfPartitionMediumDetected       Ascq = 0x02
)

// Error is the SCSI-level fault mechanism. It is always caught by the
// controller, converted to CHECK CONDITION, and latched into the device's sense
// state -- it is never allowed to surface to a management-plane caller.
type Error struct {
	Key  Key
	Asc  Asc
	Ascq Ascq
}

func New(key Key, asc Asc) *Error {
	return &Error{Key: key, Asc: asc}
}

func NewWithAscq(key Key, asc Asc, ascq Ascq) *Error {
	return &Error{Key: key, Asc: asc, Ascq: ascq}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s, ASC/ASCQ %#02x/%#02x", e.Key, e.Asc, e.Ascq)
}

// ReservationConflict is not an Error: it is reported as a SCSI status code
// rather than sense data, so the controller short-circuits to it directly.
var ErrReservationConflict = fmt.Errorf("reservation conflict")

// State is the per-device sense state latched for REQUEST SENSE.
type State struct {
	Key           Key
	Asc           Asc
	Ascq          Ascq
	Information   uint32
	Valid         bool
	Filemark      bool
	Eom           bool
	Ili           bool
	unitAttention bool
}

// RaiseUnitAttention is called on power-on, medium change, and bus reset.
func (s *State) RaiseUnitAttention() {
	s.unitAttention = true
}

// Latch records a SCSI fault so the next REQUEST SENSE can report it.
func (s *State) Latch(err *Error) {
	s.Key = err.Key
	s.Asc = err.Asc
	s.Ascq = err.Ascq
}

// Next returns the sense state to report for the next non-INQUIRY/non-REQUEST-SENSE
// command, consuming (and clearing) any pending unit attention first.
func (s *State) Next() (Key, Asc, Ascq) {
	if s.unitAttention {
		s.unitAttention = false
		return UnitAttention, NoAdditionalSenseInformation, NoAdditionalSenseCodeQualifier
	}
	return s.Key, s.Asc, s.Ascq
}

// SetInformation latches the 32-bit INFORMATION field with its VALID bit set.
func (s *State) SetInformation(v uint32) {
	s.Information = v
	s.Valid = true
}

func (s *State) SetFilemark() {
	s.Filemark = true
}

func (s *State) SetEom(ascq Ascq) {
	s.Eom = true
	s.Ascq = ascq
}

func (s *State) SetIli() {
	s.Ili = true
}

// Clear resets the latched state; called once REQUEST SENSE has returned it.
func (s *State) Clear() {
	*s = State{}
}
