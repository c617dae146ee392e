// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package controller implements the command dispatch fabric: the
// per-target phase-driven state machine that reads a CDB off the bus,
// looks up the addressed device's handler, runs it, and drives the
// resulting data/status phases.
package controller

import (
	"context"
	"errors"
	"sort"

	"github.com/scsi2pi-go/s2p/pkg/bus"
	"github.com/scsi2pi-go/s2p/pkg/device"
	"github.com/scsi2pi-go/s2p/pkg/scsi"
	"github.com/scsi2pi-go/s2p/pkg/sense"
)

// Phase is one state of the controller's SCSI bus phase diagram.
type Phase int

const (
	BusFree Phase = iota
	Selection
	Command
	DataIn
	DataOut
	Status
	MessageIn
)

// Committer is implemented by devices whose WRITE/PRINT/EXECUTE_OPERATION
// handlers need the completed DATA OUT buffer handed back after the
// transfer -- the controller calls it once remainingLength reaches zero.
type Committer interface {
	CommitWrite(buf []byte) error
}

// Controller owns one target id's bus-facing state machine: exactly one
// device is selected at a time, and there is a single resizable transfer
// buffer shared across every command this target services (// "Controller state").
type Controller struct {
	bus      bus.Intf
	targetID int

	luns map[int]device.Device

	cdb    []byte
	buffer []byte

	currentLength   int
	remainingLength int
	chunkSize       int
	direction       device.Direction

	phase         Phase
	initiatorID   int
	shutdownMode  device.ShutdownMode
}

func New(b bus.Intf, targetID int) *Controller {
	return &Controller{
		bus:      b,
		targetID: targetID,
		luns:     make(map[int]device.Device),
	}
}

func (c *Controller) TargetID() int { return c.targetID }

func (c *Controller) AttachLun(lun int, d device.Device) {
	c.luns[lun] = d
}

func (c *Controller) DetachLun(lun int) {
	delete(c.luns, lun)
}

func (c *Controller) IsEmpty() bool { return len(c.luns) == 0 }

func (c *Controller) Device(lun int) (device.Device, bool) {
	d, ok := c.luns[lun]
	return d, ok
}

// ShutdownMode returns and clears any shutdown requested by the last
// command processed, surfaced to the main loop.
func (c *Controller) ShutdownMode() device.ShutdownMode {
	m := c.shutdownMode
	c.shutdownMode = device.NoShutdown
	return m
}

// Host interface, implemented for device handlers.

func (c *Controller) CDB() []byte        { return c.cdb }
func (c *Controller) InitiatorID() int   { return c.initiatorID }
func (c *Controller) Buffer() []byte     { return c.buffer }

// Luns returns the LUNs currently attached to this target, ascending.
func (c *Controller) Luns() []int {
	luns := make([]int, 0, len(c.luns))
	for lun := range c.luns {
		luns = append(luns, lun)
	}
	sort.Ints(luns)
	return luns
}

func (c *Controller) ResizeBuffer(n int) []byte {
	if cap(c.buffer) < n {
		c.buffer = make([]byte, n)
	} else {
		c.buffer = c.buffer[:n]
	}
	return c.buffer
}

func (c *Controller) SetLength(n int)                      { c.currentLength = n; c.remainingLength = n }
func (c *Controller) SetDirection(d device.Direction)       { c.direction = d }
func (c *Controller) SetChunkSize(n int) {
	if n <= 0 {
		n = c.currentLength
	}
	c.chunkSize = n
}
func (c *Controller) ScheduleShutdown(mode device.ShutdownMode) { c.shutdownMode = mode }

var errBusClosed = errors.New("controller: bus closed")

// ProcessOnController runs one full selection→status→message cycle. It
// blocks on bus.WaitForSelection and returns when the target has returned
// to BUS FREE, or when ctx is cancelled.
func (c *Controller) ProcessOnController(ctx context.Context) error {
	c.phase = BusFree

	sel, err := c.bus.WaitForSelection(ctx)
	if err != nil {
		if errors.Is(err, bus.ErrClosed) {
			return errBusClosed
		}
		return err
	}
	if sel.TargetID != c.targetID {
		return nil
	}
	c.initiatorID = sel.InitiatorID
	c.phase = Selection

	c.phase = Command
	opcode, err := c.bus.ReceiveByte(ctx)
	if err != nil {
		return err
	}
	length := scsi.CdbLength(opcode)
	c.cdb = make([]byte, length)
	c.cdb[0] = opcode
	if _, err := c.bus.ReceiveBlock(ctx, c.cdb[1:]); err != nil {
		return err
	}

	lun := int(c.cdb[1] >> 5)
	dev, ok := c.luns[lun]

	var handlerErr error
	if !ok {
		handlerErr = sense.New(sense.IllegalRequest, sense.LogicalUnitNotSupported)
	} else if err := checkReservation(dev, c.initiatorID, scsi.Command(opcode), c.cdb); err != nil {
		handlerErr = err
	} else {
		table := dev.CommandTable()
		handler, known := table[scsi.Command(opcode)]
		if !known {
			handlerErr = sense.New(sense.IllegalRequest, sense.InvalidCommandOperationCode)
		} else {
			handlerErr = handler(ctx, c)
		}
	}

	status := scsi.Good
	var senseErr *sense.Error
	if handlerErr != nil {
		if errors.Is(handlerErr, sense.ErrReservationConflict) {
			status = scsi.ReservationConflict
		} else if se, isSense := handlerErr.(*sense.Error); isSense {
			status = scsi.CheckCondition
			senseErr = se
			if ok {
				dev.SenseState().Latch(se)
			}
		} else {
			status = scsi.CheckCondition
		}
	}

	if status == scsi.Good && c.direction != device.NoData {
		if err := c.runDataPhase(ctx, dev); err != nil {
			return err
		}
	}

	c.phase = Status
	if err := c.bus.SendByte(ctx, byte(status)); err != nil {
		return err
	}

	c.phase = MessageIn
	if err := c.bus.SendByte(ctx, 0); err != nil {
		return err
	}

	c.phase = BusFree
	c.direction = device.NoData
	c.bus.Reset()
	return nil
}

func (c *Controller) runDataPhase(ctx context.Context, dev device.Device) error {
	switch c.direction {
	case device.DataIn:
		c.phase = DataIn
		for c.remainingLength > 0 {
			chunk := c.chunkSize
			if chunk > c.remainingLength {
				chunk = c.remainingLength
			}
			start := c.currentLength - c.remainingLength
			if _, err := c.bus.SendBlock(ctx, c.buffer[start:start+chunk]); err != nil {
				return err
			}
			c.remainingLength -= chunk
		}
	case device.DataOut:
		c.phase = DataOut
		for c.remainingLength > 0 {
			chunk := c.chunkSize
			if chunk > c.remainingLength {
				chunk = c.remainingLength
			}
			start := c.currentLength - c.remainingLength
			if _, err := c.bus.ReceiveBlock(ctx, c.buffer[start:start+chunk]); err != nil {
				return err
			}
			c.remainingLength -= chunk
		}
		if committer, ok := dev.(Committer); ok {
			if err := committer.CommitWrite(c.buffer[:c.currentLength]); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkReservation exempts INQUIRY, REQUEST SENSE, RELEASE, and
// non-preventing PREVENT ALLOW MEDIUM REMOVAL from reservation enforcement
// ("Reservation").
func checkReservation(dev device.Device, initiatorID int, opcode scsi.Command, cdb []byte) error {
	type reserver interface {
		CheckReservation(initiatorID int) error
	}
	r, ok := dev.(reserver)
	if !ok {
		return nil
	}
	switch opcode {
	case scsi.Inquiry, scsi.RequestSense, scsi.Release6, scsi.Release10:
		return nil
	case scsi.PreventAllowRemoval:
		if len(cdb) > 4 && cdb[4]&0x01 == 0 {
			return nil
		}
	}
	return r.CheckReservation(initiatorID)
}
