// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/scsi2pi-go/s2p/pkg/scsi"
	"github.com/scsi2pi-go/s2p/pkg/sense"
)

const (
	printerBufferSize  = 1 << 16
	defaultPrintCommand = "lp -oraw %f"
)

// Printer implements the SCLP processor device: buffered PRINT, spooling on
// SYNCHRONIZE BUFFER, and STOP PRINT cancellation.
type Printer struct {
	*Primary

	command string
	file    *os.File
	warning bool
}

func NewPrinter(id, lun int, command string) *Printer {
	if command == "" {
		command = defaultPrintCommand
	}
	return &Printer{Primary: NewPrimary(id, lun, SCLP), command: command}
}

func (p *Printer) print(_ context.Context, host Host) error {
	cdb := host.CDB()
	length := int(cdb[2])<<16 | int(cdb[3])<<8 | int(cdb[4])
	if length > printerBufferSize {
		return sense.New(sense.IllegalRequest, sense.InvalidFieldInCdb)
	}

	host.ResizeBuffer(length)
	host.SetLength(length)
	host.SetDirection(DataOut)
	return nil
}

// CommitPrint appends buf to the lazily-opened spool file, called by the
// controller once DATA OUT has landed the PRINT payload.
func (p *Printer) CommitPrint(buf []byte) error {
	if p.file == nil {
		f, err := os.CreateTemp("", "s2p-print-*.prn")
		if err != nil {
			return sense.New(sense.HardwareError, sense.NoAdditionalSenseInformation)
		}
		p.file = f
	}
	if _, err := p.file.Write(buf); err != nil {
		return sense.New(sense.HardwareError, sense.NoAdditionalSenseInformation)
	}
	return nil
}

// CommitWrite is the controller's DATA OUT hook; it hands the landed PRINT
// payload to CommitPrint.
func (p *Printer) CommitWrite(buf []byte) error { return p.CommitPrint(buf) }

// synchronizeBuffer closes the spool file and spawns the configured print
// command, blocking for it to complete; a nonzero exit latches a warning.
func (p *Printer) synchronizeBuffer(_ context.Context, _ Host) error {
	if p.file == nil {
		return nil
	}
	name := p.file.Name()
	p.file.Close()
	p.file = nil

	cmd := strings.ReplaceAll(p.command, "%f", name)
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return nil
	}
	if err := exec.Command(parts[0], parts[1:]...).Run(); err != nil {
		p.warning = true
	}
	os.Remove(name)
	return nil
}

// stopPrint cancels a pending print buffer without spooling it.
func (p *Printer) stopPrint(_ context.Context, _ Host) error {
	if p.file != nil {
		name := p.file.Name()
		p.file.Close()
		p.file = nil
		os.Remove(name)
	}
	return nil
}

func (p *Printer) CommandTable() map[scsi.Command]Handler {
	t := p.BaseCommandTable()
	t[scsi.Print] = p.print
	t[scsi.SynchronizeBuffer] = p.synchronizeBuffer
	t[scsi.StopPrint] = p.stopPrint
	return t
}
