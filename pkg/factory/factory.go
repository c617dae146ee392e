// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package factory maps a requested device type, filename extension, or
// keyword onto a concrete device constructor.
package factory

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/scsi2pi-go/s2p/pkg/device"
	"github.com/scsi2pi-go/s2p/pkg/reservation"
)

// Factory holds the keyword and extension lookup tables and constructs
// concrete devices from them.
type Factory struct {
	keywords   map[string]device.Type
	extensions map[string]device.Type
	registry   *reservation.Registry
	dispatcher device.Dispatcher
}

// SetDispatcher wires the management command dispatcher SCHS devices need
// for EXECUTE_OPERATION. It is set once, after the dispatcher is
// constructed around the same executor this factory belongs to.
func (f *Factory) SetDispatcher(d device.Dispatcher) {
	f.dispatcher = d
}

// New returns a Factory seeded with the built-in keyword and extension
// tables.
func New(registry *reservation.Registry) *Factory {
	return &Factory{
		registry: registry,
		keywords: map[string]device.Type{
			"printer":  device.SCLP,
			"services": device.SCHS,
			"sg":       device.SCSG,
		},
		extensions: map[string]device.Type{
			"hd1":   device.SCHD,
			"hds":   device.SCHD,
			"hda":   device.SCHD,
			"hdr":   device.SCRM,
			"iso":   device.SCCD,
			"cdr":   device.SCCD,
			"toast": device.SCCD,
			"is1":   device.SCCD,
			"mos":   device.SCMO,
			"tar":   device.SCTP,
			"tap":   device.SCTP,
		},
	}
}

// AddExtension registers a new extension→type mapping. Existing mappings
// are never overridden.
func (f *Factory) AddExtension(ext string, t device.Type) {
	ext = strings.ToLower(ext)
	if _, exists := f.extensions[ext]; !exists {
		f.extensions[ext] = t
	}
}

// ResolveType derives a device type from the filename when typeHint is not
// given explicitly: first by keyword (matched against the base filename),
// then by extension.
func (f *Factory) ResolveType(typeHint *device.Type, filename string) (device.Type, bool) {
	if typeHint != nil {
		return *typeHint, true
	}

	base := strings.ToLower(filepath.Base(filename))
	for keyword, t := range f.keywords {
		if strings.Contains(base, keyword) {
			return t, true
		}
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if t, ok := f.extensions[ext]; ok {
		return t, true
	}
	return 0, false
}

// CreateDevice constructs the concrete device for t at (id, lun). The only
// filename extension that changes the result is ".hda", which gives a hard
// disk the vendor string "QUANTUM"; ".is1" CD-ROM and ".hd1" hard disk
// images get the same device as any other image of their type.
func (f *Factory) CreateDevice(t device.Type, id, lun int, filename string) device.Device {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))

	switch t {
	case device.SCHD, device.SCRM:
		d := device.NewDisk(t, id, lun, f.registry)
		if ext == "hda" {
			d.SetProductData("QUANTUM", "", "")
		}
		return d
	case device.SCCD:
		return device.NewCDROM(id, lun, f.registry)
	case device.SCMO:
		return device.NewMO(id, lun, f.registry)
	case device.SAHD:
		return device.NewSasiHD(id, lun, f.registry)
	case device.SCTP:
		return device.NewTape(id, lun, f.registry)
	case device.SCLP:
		return device.NewPrinter(id, lun, "")
	case device.SCHS:
		return device.NewHostServices(id, lun, f.dispatcher)
	case device.SCSG:
		return f.createGeneric(id, lun, filename)
	default:
		return nil
	}
}

// createGeneric opens filename as the backing /dev/sg* node for a SCSI
// Generic passthrough device. A failed open (missing node, permissions)
// surfaces as a nil device, the same "unsupported" path CreateDevice's
// other failure cases take -- there is no richer error channel back to the
// executor's ATTACH validation here.
func (f *Factory) createGeneric(id, lun int, filename string) device.Device {
	if filename == "" {
		return nil
	}
	node, err := os.OpenFile(filename, os.O_RDWR, 0)
	if err != nil {
		return nil
	}
	dev, err := device.NewGeneric(id, lun, node)
	if err != nil {
		node.Close()
		return nil
	}
	return dev
}
