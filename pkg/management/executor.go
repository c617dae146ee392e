// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package management

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/scsi2pi-go/s2p/pkg/bus"
	"github.com/scsi2pi-go/s2p/pkg/controller"
	"github.com/scsi2pi-go/s2p/pkg/device"
	"github.com/scsi2pi-go/s2p/pkg/factory"
	"github.com/scsi2pi-go/s2p/pkg/logging"
	"github.com/scsi2pi-go/s2p/pkg/reservation"
)

const (
	maxTargetID = 8
	maxLun      = 32
	maxSasiLun  = 2
)

// MaxTargetID is the number of SCSI target IDs a daemon must service, for
// callers outside this package (the servicing loop in cmd/s2pd).
const MaxTargetID = maxTargetID

func lunMax(t device.Type) int {
	if t == device.SAHD {
		return maxSasiLun
	}
	return maxLun
}

// Executor validates and enacts ATTACH/DETACH/INSERT/EJECT/START/STOP and
// friends under a single execution lock, the same single-writer discipline
// used elsewhere in this codebase.
type Executor struct {
	mu sync.Mutex

	bus         bus.Intf
	controllers map[int]*controller.Controller
	factory     *factory.Factory
	registry    *reservation.Registry
	reservedIDs map[int]bool

	log *logging.Logger
}

// SetDispatcher gives this executor's factory the dispatcher a Host
// Services device needs to route its embedded EXECUTE_OPERATION commands.
// Called once, after the dispatcher has been constructed around this same
// executor.
func (e *Executor) SetDispatcher(d device.Dispatcher) {
	e.factory.SetDispatcher(d)
}

// NewExecutor wires an executor against the shared bus and a fresh device
// factory/reservation registry pair.
func NewExecutor(b bus.Intf) *Executor {
	reg := reservation.New()
	return &Executor{
		bus:         b,
		controllers: make(map[int]*controller.Controller),
		factory:     factory.New(reg),
		registry:    reg,
		reservedIDs: make(map[int]bool),
		log:         logging.New(),
	}
}

// executorError is a localized error key + arguments, per the error
// reporting convention every executor failure follows.
type executorError struct {
	key  string
	args []string
}

func (e *executorError) Error() string {
	return Localize(e.key, e.args...)
}

func newExecErr(key string, args ...string) error {
	return &executorError{key: key, args: args}
}

// Execute runs one management command to completion. It is always called
// under the dispatcher's single execution lock for topology-affecting
// operations; informational queries never reach here.
func (e *Executor) Execute(cmd *PbCommand) *PbResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch cmd.Operation {
	case OpNoOperation:
		return &PbResult{Status: true}
	case OpDetachAll:
		e.detachAll()
		return &PbResult{Status: true}
	case OpReserveIds:
		if err := e.reserveIDs(cmd.Params["ids"]); err != nil {
			return errResult(err)
		}
		return &PbResult{Status: true}
	case OpCheckAuthentication:
		return &PbResult{Status: true}
	}

	if len(cmd.Devices) == 0 {
		return errResult(newExecErr("no_devices"))
	}

	snapshot := e.registry.Snapshot()
	for _, d := range cmd.Devices {
		if err := e.validateDevice(cmd.Operation, d); err != nil {
			e.registry.Restore(snapshot)
			return errResult(err)
		}
		if err := e.validateOperation(cmd.Operation, d); err != nil {
			e.registry.Restore(snapshot)
			return errResult(err)
		}
	}
	if err := e.checkLun0Invariant(cmd.Operation, cmd.Devices); err != nil {
		e.registry.Restore(snapshot)
		return errResult(err)
	}
	e.registry.Restore(snapshot)

	for _, d := range cmd.Devices {
		if err := e.apply(cmd.Operation, d); err != nil {
			return errResult(err)
		}
	}

	return &PbResult{Status: true, DeviceList: e.snapshotDeviceList()}
}

func errResult(err error) *PbResult {
	return &PbResult{Status: false, Msg: err.Error()}
}

// validateDevice checks id∈[0,7], lun∈[0,lun_max(type)), duplicate-attach
// rejection, and for non-ATTACH commands the existence of the target.
func (e *Executor) validateDevice(op Operation, d PbDeviceDefinition) error {
	if d.ID < 0 || d.ID >= maxTargetID {
		return newExecErr("invalid_id", strconv.Itoa(int(d.ID)))
	}

	t, ok := e.resolveType(d)
	if !ok && op == OpAttach {
		return newExecErr("unknown_device_type", d.Type)
	}

	if ok {
		if int(d.Unit) < 0 || int(d.Unit) >= lunMax(t) {
			return newExecErr("invalid_lun", strconv.Itoa(int(d.Unit)))
		}
	}

	ctrl, hasController := e.controllers[int(d.ID)]

	if op == OpAttach {
		if hasController {
			if _, exists := ctrl.Device(int(d.Unit)); exists {
				return newExecErr("duplicate_device", strconv.Itoa(int(d.ID)), strconv.Itoa(int(d.Unit)))
			}
		}
		if e.reservedIDs[int(d.ID)] {
			return newExecErr("reserved_id", strconv.Itoa(int(d.ID)))
		}
		if t == device.SCDP || t == device.SCHS {
			if e.uniqueTypeExists(t) {
				return newExecErr("unique_device_type", t.String())
			}
		}
		return nil
	}

	if !hasController {
		return newExecErr("no_such_device", strconv.Itoa(int(d.ID)), strconv.Itoa(int(d.Unit)))
	}
	if _, exists := ctrl.Device(int(d.Unit)); !exists {
		return newExecErr("no_such_device", strconv.Itoa(int(d.ID)), strconv.Itoa(int(d.Unit)))
	}
	return nil
}

func (e *Executor) uniqueTypeExists(t device.Type) bool {
	for _, ctrl := range e.controllers {
		for lun := 0; lun < maxLun; lun++ {
			if dev, ok := ctrl.Device(lun); ok && dev.Type() == t {
				return true
			}
		}
	}
	return false
}

// validateOperation checks whether the target supports
// START/STOP/INSERT/EJECT/PROTECT/UNPROTECT; PROTECT on a not-ready device
// is rejected.
func (e *Executor) validateOperation(op Operation, d PbDeviceDefinition) error {
	switch op {
	case OpStart, OpStop, OpInsert, OpEject, OpProtect, OpUnprotect:
	default:
		return nil
	}
	ctrl, ok := e.controllers[int(d.ID)]
	if !ok {
		return nil
	}
	dev, ok := ctrl.Device(int(d.Unit))
	if !ok {
		return nil
	}
	if op == OpProtect && !dev.IsReady() {
		return newExecErr("not_ready", strconv.Itoa(int(d.ID)), strconv.Itoa(int(d.Unit)))
	}
	if _, storageCapable := dev.(storageLike); !storageCapable {
		return newExecErr("unsupported_operation", dev.Type().String())
	}
	return nil
}

// checkLun0Invariant enforces that LUN 0 must exist before any other LUN on
// a target, across both the existing topology and the proposed devices.
func (e *Executor) checkLun0Invariant(op Operation, devs []PbDeviceDefinition) error {
	if op != OpAttach {
		return nil
	}
	byTarget := make(map[int][]int)
	for id, ctrl := range e.controllers {
		for lun := 0; lun < maxLun; lun++ {
			if _, ok := ctrl.Device(lun); ok {
				byTarget[id] = append(byTarget[id], lun)
			}
		}
	}
	for _, d := range devs {
		byTarget[int(d.ID)] = append(byTarget[int(d.ID)], int(d.Unit))
	}
	for id, luns := range byTarget {
		hasZero := false
		for _, l := range luns {
			if l == 0 {
				hasZero = true
			}
		}
		if !hasZero && len(luns) > 0 {
			return newExecErr("lun0_required", strconv.Itoa(id))
		}
	}
	return nil
}

func (e *Executor) resolveType(d PbDeviceDefinition) (device.Type, bool) {
	if d.Type == "" {
		return e.factory.ResolveType(nil, d.Params["file"])
	}
	t, ok := parseDeviceType(d.Type)
	if ok {
		return t, true
	}
	return e.factory.ResolveType(nil, d.Params["file"])
}

func parseDeviceType(s string) (device.Type, bool) {
	switch strings.ToUpper(s) {
	case "SCHD":
		return device.SCHD, true
	case "SCRM":
		return device.SCRM, true
	case "SCCD":
		return device.SCCD, true
	case "SCMO":
		return device.SCMO, true
	case "SAHD":
		return device.SAHD, true
	case "SCTP":
		return device.SCTP, true
	case "SCLP":
		return device.SCLP, true
	case "SCHS":
		return device.SCHS, true
	case "SCSG":
		return device.SCSG, true
	default:
		return 0, false
	}
}

// apply dispatches one device definition to its concrete operation once
// validation has passed.
func (e *Executor) apply(op Operation, d PbDeviceDefinition) error {
	switch op {
	case OpAttach:
		return e.attach(d)
	case OpDetach:
		return e.detach(d)
	case OpInsert:
		return e.insert(d)
	case OpEject:
		return e.eject(d)
	case OpStart:
		return e.setStopped(d, false)
	case OpStop:
		return e.setStopped(d, true)
	case OpProtect:
		return e.setProtected(d, true)
	case OpUnprotect:
		return e.setProtected(d, false)
	default:
		return newExecErr("unknown_operation")
	}
}

// attach resolves the type, applies SCSI level/product data/block size,
// opens and reserves the backing file for storage devices, and attaches the
// new device to its controller (creating the controller if this is the
// target's first LUN). Reserved ids and the unique SCDP/SCHS constraint are
// checked before this, by validateDevice; the definition's caching mode is
// not applied.
func (e *Executor) attach(d PbDeviceDefinition) error {
	t, ok := e.resolveType(d)
	if !ok {
		return newExecErr("unknown_device_type", d.Type)
	}

	filename := d.Params["file"]
	dev := e.factory.CreateDevice(t, int(d.ID), int(d.Unit), filename)
	if dev == nil {
		return newExecErr("unsupported_device_type", t.String())
	}

	if primary, ok := dev.(interface{ SetProductData(v, p, r string) }); ok {
		if d.Vendor != "" || d.Product != "" || d.Revision != "" {
			primary.SetProductData(d.Vendor, d.Product, d.Revision)
		}
	}
	if lv, ok := dev.(interface{ SetScsiLevel(int) }); ok && d.ScsiLevel != 0 {
		lv.SetScsiLevel(int(d.ScsiLevel))
	}

	if st, ok := dev.(storageLike); ok {
		if filename != "" {
			if !st.ReserveFile(filename) {
				return newExecErr("file_reserved", filename)
			}
			st.Open(filename)
		}
		if d.BlockSize != 0 {
			if err := st.SetBlockSize(int(d.BlockSize)); err != nil {
				return newExecErr("invalid_block_size", strconv.Itoa(int(d.BlockSize)))
			}
		}
	}
	dev.(interface{ SetReady(bool) }).SetReady(filename != "" || t == device.SCLP || t == device.SCHS || t == device.SCSG)

	ctrl, ok := e.controllers[int(d.ID)]
	if !ok {
		ctrl = controller.New(e.bus, int(d.ID))
		e.controllers[int(d.ID)] = ctrl
	}
	ctrl.AttachLun(int(d.Unit), dev)
	e.log.Infof("attached %s at (%d:%d)", t, d.ID, d.Unit)
	return nil
}

// storageLike narrows a device.Device down to the file-backed subset of
// Storage's public surface the executor needs.
type storageLike interface {
	ReserveFile(filename string) bool
	Open(filename string)
	SetBlockSize(size int) error
	UnreserveFile()
	Filename() string
	LastFilename() string
	IsRemoved() bool
}

// detach refuses to remove LUN 0 if any other LUN exists on the same
// controller; otherwise removes the device, releases its reservation, and
// tears down the controller if it becomes empty.
func (e *Executor) detach(d PbDeviceDefinition) error {
	ctrl, ok := e.controllers[int(d.ID)]
	if !ok {
		return newExecErr("no_such_device", strconv.Itoa(int(d.ID)), strconv.Itoa(int(d.Unit)))
	}
	if d.Unit == 0 {
		for lun := 1; lun < maxLun; lun++ {
			if _, exists := ctrl.Device(lun); exists {
				return newExecErr("lun0_in_use", strconv.Itoa(int(d.ID)))
			}
		}
	}
	dev, exists := ctrl.Device(int(d.Unit))
	if !exists {
		return newExecErr("no_such_device", strconv.Itoa(int(d.ID)), strconv.Itoa(int(d.Unit)))
	}
	if st, ok := dev.(storageLike); ok {
		st.UnreserveFile()
	}
	ctrl.DetachLun(int(d.Unit))
	if ctrl.IsEmpty() {
		delete(e.controllers, int(d.ID))
	}
	return nil
}

// insert requires the device to be currently removed, then reserves and
// opens the supplied or last-used filename. Product data in the definition
// is ignored, and no medium-changed state is set.
func (e *Executor) insert(d PbDeviceDefinition) error {
	dev, err := e.lookup(d)
	if err != nil {
		return err
	}
	st, ok := dev.(storageLike)
	if !ok {
		return newExecErr("not_storage_device", strconv.Itoa(int(d.ID)), strconv.Itoa(int(d.Unit)))
	}
	if !st.IsRemoved() {
		return newExecErr("not_removed", strconv.Itoa(int(d.ID)), strconv.Itoa(int(d.Unit)))
	}
	filename := d.Params["file"]
	if filename == "" {
		filename = st.LastFilename()
	}
	if filename == "" {
		return newExecErr("no_filename")
	}
	if !st.ReserveFile(filename) {
		return newExecErr("file_reserved", filename)
	}
	st.Open(filename)
	return nil
}

// eject is the management-plane equivalent of STORAGE's own StartStopUnit
// handler with LOEJ=1/START=0: unreserve the backing file, mark the device
// not ready, and leave it removed for a subsequent INSERT.
func (e *Executor) eject(d PbDeviceDefinition) error {
	dev, err := e.lookup(d)
	if err != nil {
		return err
	}
	if st, ok := dev.(storageLike); ok {
		st.UnreserveFile()
	}
	if rd, ok := dev.(interface{ SetReady(bool) }); ok {
		rd.SetReady(false)
	}
	return nil
}

func (e *Executor) setStopped(d PbDeviceDefinition, stopped bool) error {
	dev, err := e.lookup(d)
	if err != nil {
		return err
	}
	if s, ok := dev.(interface{ SetStopped(bool) error }); ok {
		return s.SetStopped(stopped)
	}
	return newExecErr("not_storage_device", strconv.Itoa(int(d.ID)), strconv.Itoa(int(d.Unit)))
}

func (e *Executor) setProtected(d PbDeviceDefinition, protected bool) error {
	dev, err := e.lookup(d)
	if err != nil {
		return err
	}
	if p, ok := dev.(interface{ SetReadOnly(bool) }); ok {
		p.SetReadOnly(protected)
	}
	return nil
}

func (e *Executor) lookup(d PbDeviceDefinition) (device.Device, error) {
	ctrl, ok := e.controllers[int(d.ID)]
	if !ok {
		return nil, newExecErr("no_such_device", strconv.Itoa(int(d.ID)), strconv.Itoa(int(d.Unit)))
	}
	dev, ok := ctrl.Device(int(d.Unit))
	if !ok {
		return nil, newExecErr("no_such_device", strconv.Itoa(int(d.ID)), strconv.Itoa(int(d.Unit)))
	}
	return dev, nil
}

func (e *Executor) detachAll() {
	for id, ctrl := range e.controllers {
		for lun := 0; lun < maxLun; lun++ {
			if dev, ok := ctrl.Device(lun); ok {
				if st, ok := dev.(storageLike); ok {
					st.UnreserveFile()
				}
			}
		}
		delete(e.controllers, id)
	}
}

// reserveIDs parses a comma-separated list of digits 0..7 and rejects ids
// already owning a controller.
func (e *Executor) reserveIDs(csv string) error {
	if csv == "" {
		e.reservedIDs = make(map[int]bool)
		return nil
	}
	parts := strings.Split(csv, ",")
	ids := make(map[int]bool, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n >= maxTargetID {
			return newExecErr("invalid_id", p)
		}
		if _, exists := e.controllers[n]; exists {
			return newExecErr("id_in_use", p)
		}
		ids[n] = true
	}
	e.reservedIDs = ids
	return nil
}

func (e *Executor) snapshotDeviceList() []PbDeviceDefinition {
	var out []PbDeviceDefinition
	for id, ctrl := range e.controllers {
		for lun := 0; lun < maxLun; lun++ {
			dev, ok := ctrl.Device(lun)
			if !ok {
				continue
			}
			def := PbDeviceDefinition{ID: int32(id), Unit: int32(lun), Type: dev.Type().String()}
			if st, ok := dev.(storageLike); ok {
				def.Params = map[string]string{"file": st.Filename()}
			}
			out = append(out, def)
		}
	}
	return out
}

// RunServicing runs one ProcessOnController cycle for targetID under the
// execution lock, so SCSI-driven commands and management-driven commands
// never interleave. Absent targets are a no-op; the servicing loop is
// expected to call this for every configured target in its own goroutine.
func (e *Executor) RunServicing(ctx context.Context, targetID int) error {
	e.mu.Lock()
	ctrl, ok := e.controllers[targetID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	// WaitForSelection inside ProcessOnController can block indefinitely;
	// it runs outside the lock so management commands for other targets
	// are never starved by an idle bus.
	return ctrl.ProcessOnController(ctx)
}
