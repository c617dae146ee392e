// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package management

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/scsi2pi-go/s2p/pkg/device"
	"github.com/scsi2pi-go/s2p/pkg/logging"
	"github.com/scsi2pi-go/s2p/pkg/version"
)

// ImagePolicy bounds the filesystem operations CREATE_IMAGE and friends may
// perform: a root folder every image path must live under, and the maximum
// path depth below it.
type ImagePolicy struct {
	Folder    string
	ScanDepth int
	Owner     int
	Group     int
}

// Dispatcher routes PbOperation values either straight to a handler (no
// device idleness required) or, for topology-affecting operations, through
// the Executor under its execution lock -- refilling the device list on the
// way back out so a client always sees the post-mutation topology.
type Dispatcher struct {
	exec   *Executor
	auth   *Authenticator
	policy ImagePolicy
	log    *logging.Logger

	shutdownRequested chan string
}

// NewDispatcher wires a dispatcher around an already-constructed executor.
func NewDispatcher(exec *Executor, auth *Authenticator, policy ImagePolicy) *Dispatcher {
	return &Dispatcher{
		exec:              exec,
		auth:              auth,
		policy:            policy,
		log:               logging.New(),
		shutdownRequested: make(chan string, 1),
	}
}

// ShutdownRequests is signaled by SHUT_DOWN once it validates a request;
// the main loop reads from it to know when and how to stop.
func (d *Dispatcher) ShutdownRequests() <-chan string { return d.shutdownRequested }

// Execute implements device.Dispatcher: it lets a Host Services device route
// an embedded PbCommand it received over EXECUTE_OPERATION back through this
// same dispatcher, decoding and re-encoding in whatever wire format the
// initiator asked for. Text format is rendered as indented JSON, since a
// Host Services client has no way to negotiate a human-only format beyond
// "readable."
func (d *Dispatcher) Execute(payload []byte, format device.Format) ([]byte, error) {
	var cmd PbCommand
	switch format {
	case device.FormatBinary:
		decoded, err := UnmarshalCommand(payload)
		if err != nil {
			return nil, fmt.Errorf("management: embedded command: %w", err)
		}
		cmd = *decoded
	case device.FormatJSON, device.FormatText:
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return nil, fmt.Errorf("management: embedded command: %w", err)
		}
	default:
		return nil, fmt.Errorf("management: unknown embedded command format %d", format)
	}

	result := d.Dispatch(&cmd)

	switch format {
	case device.FormatBinary:
		return MarshalResult(result), nil
	case device.FormatText:
		return json.MarshalIndent(result, "", "  ")
	default:
		return json.Marshal(result)
	}
}

func topologyMutating(op Operation) bool {
	switch op {
	case OpAttach, OpDetach, OpInsert, OpEject, OpStart, OpStop,
		OpProtect, OpUnprotect, OpDetachAll, OpReserveIds:
		return true
	default:
		return false
	}
}

// Dispatch is the single entry point the server calls for every decoded
// command.
func (d *Dispatcher) Dispatch(cmd *PbCommand) *PbResult {
	if cmd.Token != "" || d.requiresAuth(cmd.Operation) {
		if !d.auth.Check(cmd.Token) {
			return &PbResult{Status: false, ErrorCode: errUnauthorized, Msg: Localize("unauthorized")}
		}
	}

	switch cmd.Operation {
	case OpLogLevel:
		return d.logLevel(cmd)
	case OpShutDown:
		return d.shutDown(cmd)
	case OpCreateImage:
		return d.createImage(cmd)
	case OpDeleteImage:
		return d.deleteImage(cmd)
	case OpRenameImage:
		return d.renameImage(cmd)
	case OpCopyImage:
		return d.copyImage(cmd)
	case OpProtectImage:
		return d.chmodImage(cmd, 0o444)
	case OpUnprotectImage:
		return d.chmodImage(cmd, 0o644)
	case OpVersionInfo:
		return &PbResult{Status: true, VersionMajor: version.Major, VersionMinor: version.Minor, VersionPatch: version.Patch}
	case OpServerInfo, OpDevicesInfo, OpDeviceTypesInfo,
		OpDefaultImageFolderInfo, OpDefaultFolderPattern,
		OpReservedIdsInfo, OpStatisticsInfo, OpPropertiesInfo:
		return d.informational(cmd)
	case OpNoOperation:
		return &PbResult{Status: true}
	case OpPersistConfiguration:
		return &PbResult{Status: true}
	}

	if topologyMutating(cmd.Operation) {
		result := d.exec.Execute(cmd)
		return result
	}

	return &PbResult{Status: false, ErrorCode: errUnknownOperation, Msg: "unknown operation"}
}

const (
	errUnknownOperation = 1
	errUnauthorized     = 2
)

// requiresAuth is true for every operation except VERSION_INFO and
// NO_OPERATION, which a client must be able to reach before it has a token.
func (d *Dispatcher) requiresAuth(op Operation) bool {
	if d.auth == nil {
		return false
	}
	switch op {
	case OpVersionInfo, OpNoOperation:
		return false
	default:
		return true
	}
}

func (d *Dispatcher) logLevel(cmd *PbCommand) *PbResult {
	raw := cmd.Params["level"]
	parts := strings.Split(raw, ":")
	level, ok := logging.ParseLevel(parts[0])
	if !ok {
		return errResult(newExecErr("unknown_level", parts[0]))
	}
	switch len(parts) {
	case 1:
		logging.SetGlobalLevel(level)
	case 2:
		id, err := strconv.Atoi(parts[1])
		if err != nil {
			return errResult(newExecErr("invalid_id", parts[1]))
		}
		logging.SetDeviceLevel(id, -1, level)
	default:
		id, err1 := strconv.Atoi(parts[1])
		lun, err2 := strconv.Atoi(parts[2])
		if err1 != nil || err2 != nil {
			return errResult(newExecErr("invalid_id", raw))
		}
		logging.SetDeviceLevel(id, lun, level)
	}
	return &PbResult{Status: true}
}

// shutDown validates the requested mode and, for "rascsi" (stop server),
// signals the main loop; "system"/"reboot" additionally require root,
// checked here rather than left to the OS call that would otherwise follow.
func (d *Dispatcher) shutDown(cmd *PbCommand) *PbResult {
	mode := cmd.Params["mode"]
	switch mode {
	case "rascsi":
	case "system", "reboot":
		if os.Geteuid() != 0 {
			return errResult(newExecErr("unauthorized"))
		}
	default:
		return errResult(newExecErr("unknown_operation"))
	}
	d.log.Infof("shutdown requested: mode=%s", mode)
	select {
	case d.shutdownRequested <- mode:
	default:
	}
	return &PbResult{Status: true}
}

func (d *Dispatcher) resolveImagePath(name string) (string, error) {
	if name == "" {
		return "", newExecErr("no_filename")
	}
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("management: path %q is outside the image folder", name)
	}
	depth := strings.Count(clean, string(filepath.Separator))
	if d.policy.ScanDepth > 0 && depth > d.policy.ScanDepth {
		return "", fmt.Errorf("management: path %q exceeds scan depth %d", name, d.policy.ScanDepth)
	}
	return filepath.Join(d.policy.Folder, clean), nil
}

// createImage requires file and size (a multiple of 512, >= 512); it
// creates parent folders, writes an empty file, resizes it, and chowns it
// to the daemon owner.
func (d *Dispatcher) createImage(cmd *PbCommand) *PbResult {
	path, err := d.resolveImagePath(cmd.Params["file"])
	if err != nil {
		return errResult(err)
	}
	size, err := strconv.ParseInt(cmd.Params["size"], 10, 64)
	if err != nil || size < 512 || size%512 != 0 {
		return errResult(fmt.Errorf("management: size must be a multiple of 512, >= 512"))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errResult(err)
	}
	perm := os.FileMode(0o644)
	if readOnly, _ := strconv.ParseBool(cmd.Params["read_only"]); readOnly {
		perm = 0o444
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return errResult(err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return errResult(err)
	}
	if d.policy.Owner != 0 || d.policy.Group != 0 {
		os.Chown(path, d.policy.Owner, d.policy.Group)
	}
	return &PbResult{Status: true}
}

func (d *Dispatcher) reservedByAttachedDevice(path string) bool {
	d.exec.mu.Lock()
	defer d.exec.mu.Unlock()
	_, reserved := d.exec.registry.GetIDsForFile(path)
	return reserved
}

func (d *Dispatcher) deleteImage(cmd *PbCommand) *PbResult {
	path, err := d.resolveImagePath(cmd.Params["file"])
	if err != nil {
		return errResult(err)
	}
	if d.reservedByAttachedDevice(path) {
		return errResult(newExecErr("file_reserved", cmd.Params["file"]))
	}
	if err := os.Remove(path); err != nil {
		return errResult(err)
	}
	return &PbResult{Status: true}
}

func (d *Dispatcher) renameImage(cmd *PbCommand) *PbResult {
	from, err := d.resolveImagePath(cmd.Params["file"])
	if err != nil {
		return errResult(err)
	}
	to, err := d.resolveImagePath(cmd.Params["to"])
	if err != nil {
		return errResult(err)
	}
	if d.reservedByAttachedDevice(from) {
		return errResult(newExecErr("file_reserved", cmd.Params["file"]))
	}
	if err := os.Rename(from, to); err != nil {
		return errResult(err)
	}
	return &PbResult{Status: true}
}

func (d *Dispatcher) copyImage(cmd *PbCommand) *PbResult {
	from, err := d.resolveImagePath(cmd.Params["file"])
	if err != nil {
		return errResult(err)
	}
	to, err := d.resolveImagePath(cmd.Params["to"])
	if err != nil {
		return errResult(err)
	}
	src, err := os.Open(from)
	if err != nil {
		return errResult(err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return errResult(err)
	}
	dst, err := os.OpenFile(to, os.O_RDWR|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return errResult(err)
	}
	defer dst.Close()
	buf := make([]byte, 1<<20)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return errResult(werr)
			}
		}
		if rerr != nil {
			break
		}
	}
	return &PbResult{Status: true}
}

func (d *Dispatcher) chmodImage(cmd *PbCommand, mode os.FileMode) *PbResult {
	path, err := d.resolveImagePath(cmd.Params["file"])
	if err != nil {
		return errResult(err)
	}
	if err := os.Chmod(path, mode); err != nil {
		return errResult(err)
	}
	return &PbResult{Status: true}
}

// informational serves INFO/DEVICES_INFO/etc. DEVICES_INFO and
// RESERVED_IDS_INFO hold the executor's lock only while copying the state
// they report; the other queries take no lock.
func (d *Dispatcher) informational(cmd *PbCommand) *PbResult {
	switch cmd.Operation {
	case OpDevicesInfo:
		d.exec.mu.Lock()
		devices := d.exec.snapshotDeviceList()
		d.exec.mu.Unlock()
		return &PbResult{Status: true, DeviceList: devices}
	case OpReservedIdsInfo:
		d.exec.mu.Lock()
		ids := make([]string, 0, len(d.exec.reservedIDs))
		for id := range d.exec.reservedIDs {
			ids = append(ids, strconv.Itoa(id))
		}
		d.exec.mu.Unlock()
		return &PbResult{Status: true, Msg: strings.Join(ids, ",")}
	default:
		return &PbResult{Status: true}
	}
}
