// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

import (
	"context"
	"time"

	"github.com/scsi2pi-go/s2p/pkg/scsi"
	"github.com/scsi2pi-go/s2p/pkg/sense"
)

// Dispatcher is implemented by the management command dispatcher; Host
// Services calls back into it to execute an embedded PbCommand received
// over EXECUTE_OPERATION.
type Dispatcher interface {
	Execute(payload []byte, format Format) ([]byte, error)
}

// Format selects the wire encoding of an embedded PbCommand/PbResult, from
// CDB byte 1 bits 0-2: exactly one of binary/json/text must be set.
type Format int

const (
	FormatBinary Format = 1 << iota
	FormatJSON
	FormatText
)

// HostServices is the SCHS processor device: a realtime-clock mode page and
// the embedded management RPC vendor commands.
type HostServices struct {
	*Primary

	dispatcher Dispatcher
	results    map[int][]byte
	resultFmt  map[int]Format
	pages      *PageHandler

	shutdown ShutdownMode

	pendingInitiator int
}

func NewHostServices(id, lun int, dispatcher Dispatcher) *HostServices {
	return &HostServices{
		Primary:    NewPrimary(id, lun, SCHS),
		dispatcher: dispatcher,
		results:    make(map[int][]byte),
		resultFmt:  make(map[int]Format),
		pages:      &PageHandler{},
	}
}

// startStopUnit schedules a shutdown mode on the controller rather than
// touching any medium.
func (h *HostServices) startStopUnit(_ context.Context, host Host) error {
	cdb := host.CDB()
	start := cdb[4]&0x01 != 0
	loej := cdb[4]&0x02 != 0
	switch {
	case !start && !loej:
		host.ScheduleShutdown(StopServer)
	case !start && loej:
		host.ScheduleShutdown(StopHost)
	case start && loej:
		host.ScheduleShutdown(RebootHost)
	}
	return nil
}

// clockPage builds the 10-byte mode page 0x20 from the current local time:
// year-1900 in byte 6, month 0-11 in byte 7, day in byte 8 and hour in
// byte 9. Minutes and seconds are not included.
func (h *HostServices) clockPage() []byte {
	now := time.Now()
	page := make([]byte, 10)
	page[0], page[1] = 0x20, 8
	page[6] = byte(now.Year() - 1900)
	page[7] = byte(int(now.Month()) - 1)
	page[8] = byte(now.Day())
	page[9] = byte(now.Hour())
	return page
}

// executeOperation implements opcode 0xC0: an embedded PbCommand dispatched
// through the management command dispatcher, result stored keyed by
// initiator id for a subsequent RECEIVE_OPERATION_RESULTS.
func (h *HostServices) executeOperation(_ context.Context, host Host) error {
	cdb := host.CDB()
	f, err := decodeFormat(cdb[1])
	if err != nil {
		return err
	}

	length := int(cdb[6])<<24 | int(cdb[7])<<16 | int(cdb[8])<<8 | int(cdb[9])
	buf := host.ResizeBuffer(length)
	host.SetLength(length)
	host.SetDirection(DataOut)
	_ = buf
	h.resultFmt[host.InitiatorID()] = f
	h.pendingInitiator = host.InitiatorID()
	return nil
}

// CommitExecuteOperation dispatches the received payload once DATA OUT has
// landed it, storing the serialized result for the initiator.
func (h *HostServices) CommitExecuteOperation(initiatorID int, payload []byte) error {
	format := h.resultFmt[initiatorID]
	result, err := h.dispatcher.Execute(payload, format)
	if err != nil {
		return sense.New(sense.IllegalRequest, sense.InvalidFieldInParameterList)
	}
	h.results[initiatorID] = result
	return nil
}

// CommitWrite is called by the controller once DATA OUT has landed the
// EXECUTE_OPERATION payload; it hands the payload to CommitExecuteOperation
// for the initiator that sent the command.
func (h *HostServices) CommitWrite(buf []byte) error {
	return h.CommitExecuteOperation(h.pendingInitiator, buf)
}

// receiveOperationResults implements opcode 0xC1, returning and clearing the
// stored result.
func (h *HostServices) receiveOperationResults(_ context.Context, host Host) error {
	result := h.results[host.InitiatorID()]
	delete(h.results, host.InitiatorID())

	buf := host.ResizeBuffer(len(result))
	copy(buf, result)
	host.SetLength(len(result))
	host.SetDirection(DataIn)
	return nil
}

// clockPages is the page set behind MODE SENSE: just the realtime-clock
// page, 0x20; a processor device carries no block descriptor.
func (h *HostServices) clockPages() map[byte][]byte {
	return map[byte][]byte{0x20: h.clockPage()}
}

// modeSense6 implements MODE SENSE(6), exposing clockPage so SET_DATE/TIME
// style clients can read the emulated realtime clock.
func (h *HostServices) modeSense6(_ context.Context, host Host) error {
	cdb := host.CDB()
	pageCode := cdb[2] & 0x3f
	allocLength := int(cdb[4])

	body := h.pages.Assemble(pageCode, h.clockPages(), allocLength, 255)
	out := make([]byte, 4, 4+len(body))
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

// modeSense10 is modeSense6's MODE SENSE(10) counterpart.
func (h *HostServices) modeSense10(_ context.Context, host Host) error {
	cdb := host.CDB()
	pageCode := cdb[2] & 0x3f
	allocLength := int(cdb[7])<<8 | int(cdb[8])

	body := h.pages.Assemble(pageCode, h.clockPages(), allocLength, 65535)
	out := make([]byte, 8, 8+len(body))
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

func decodeFormat(b byte) (Format, error) {
	switch b & 0x07 {
	case 0x01:
		return FormatBinary, nil
	case 0x02:
		return FormatJSON, nil
	case 0x04:
		return FormatText, nil
	default:
		return 0, sense.New(sense.IllegalRequest, sense.InvalidFieldInCdb)
	}
}

func (h *HostServices) CommandTable() map[scsi.Command]Handler {
	t := h.BaseCommandTable()
	t[scsi.StartStopUnit] = h.startStopUnit
	t[scsi.ExecuteOperation] = h.executeOperation
	t[scsi.ReceiveOperationResults] = h.receiveOperationResults
	t[scsi.ModeSense6] = h.modeSense6
	t[scsi.ModeSense10] = h.modeSense10
	return t
}
