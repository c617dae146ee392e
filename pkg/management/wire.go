// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package management implements the protobuf-framed remote management
// protocol: wire framing, command dispatch, the validating/enacting
// executor, and the TCP server loop.
package management

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Operation mirrors the PbOperation enum values the dispatcher routes on.
type Operation int32

const (
	OpNoOperation Operation = iota
	OpAttach
	OpDetach
	OpInsert
	OpEject
	OpStart
	OpStop
	OpProtect
	OpUnprotect
	OpDetachAll
	OpReserveIds
	OpCheckAuthentication
	OpLogLevel
	OpShutDown
	OpCreateImage
	OpDeleteImage
	OpRenameImage
	OpCopyImage
	OpProtectImage
	OpUnprotectImage
	OpServerInfo
	OpVersionInfo
	OpDevicesInfo
	OpDeviceTypesInfo
	OpDefaultImageFolderInfo
	OpDefaultFolderPattern
	OpReservedIdsInfo
	OpStatisticsInfo
	OpPropertiesInfo
	OpPersistConfiguration
)

// PbDeviceDefinition is one ATTACH/INSERT/etc device specification.
type PbDeviceDefinition struct {
	ID         int32
	Unit       int32
	Type       string
	Params     map[string]string
	Vendor     string
	Product    string
	Revision   string
	BlockSize  int32
	CachingMode string
	Protected  bool
	ScsiLevel  int32
}

// PbCommand is the request envelope.
type PbCommand struct {
	Operation Operation
	Params    map[string]string
	Devices   []PbDeviceDefinition
	Token     string
}

// PbResult is the response envelope.
type PbResult struct {
	Status      bool
	ErrorCode   int32
	Msg         string
	DeviceList  []PbDeviceDefinition
	VersionMajor int32
	VersionMinor int32
	VersionPatch int32
}

const (
	fieldOperation = 1
	fieldParams    = 2
	fieldDevices   = 3
	fieldToken     = 4

	fieldStatus      = 1
	fieldErrorCode   = 2
	fieldMsg         = 3
	fieldDeviceList  = 4
	fieldVersionMaj  = 5
	fieldVersionMin  = 6
	fieldVersionPatch = 7

	devFieldID        = 1
	devFieldUnit      = 2
	devFieldType      = 3
	devFieldParamKey  = 4
	devFieldParamVal  = 5
	devFieldVendor    = 6
	devFieldProduct   = 7
	devFieldRevision  = 8
	devFieldBlockSize = 9
	devFieldCaching   = 10
	devFieldProtected = 11
	devFieldScsiLevel = 12
)

// MarshalCommand encodes a PbCommand using hand-rolled protobuf wire
// encoding (no generated code is available in this build).
func MarshalCommand(c *PbCommand) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldOperation, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(c.Operation))
	for k, v := range c.Params {
		buf = protowire.AppendTag(buf, fieldParams, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalStringPair(k, v))
	}
	for _, d := range c.Devices {
		buf = protowire.AppendTag(buf, fieldDevices, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalDevice(&d))
	}
	if c.Token != "" {
		buf = protowire.AppendTag(buf, fieldToken, protowire.BytesType)
		buf = protowire.AppendString(buf, c.Token)
	}
	return buf
}

func marshalStringPair(k, v string) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, k)
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendString(buf, v)
	return buf
}

func marshalDevice(d *PbDeviceDefinition) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, devFieldID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(d.ID))
	buf = protowire.AppendTag(buf, devFieldUnit, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(d.Unit))
	buf = protowire.AppendTag(buf, devFieldType, protowire.BytesType)
	buf = protowire.AppendString(buf, d.Type)
	for k, v := range d.Params {
		buf = protowire.AppendTag(buf, devFieldParamKey, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalStringPair(k, v))
	}
	buf = protowire.AppendTag(buf, devFieldVendor, protowire.BytesType)
	buf = protowire.AppendString(buf, d.Vendor)
	buf = protowire.AppendTag(buf, devFieldProduct, protowire.BytesType)
	buf = protowire.AppendString(buf, d.Product)
	buf = protowire.AppendTag(buf, devFieldRevision, protowire.BytesType)
	buf = protowire.AppendString(buf, d.Revision)
	buf = protowire.AppendTag(buf, devFieldBlockSize, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(d.BlockSize))
	buf = protowire.AppendTag(buf, devFieldCaching, protowire.BytesType)
	buf = protowire.AppendString(buf, d.CachingMode)
	buf = protowire.AppendTag(buf, devFieldProtected, protowire.VarintType)
	buf = protowire.AppendVarint(buf, boolToVarint(d.Protected))
	buf = protowire.AppendTag(buf, devFieldScsiLevel, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(d.ScsiLevel))
	return buf
}

func boolToVarint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// UnmarshalCommand decodes a PbCommand from its wire form.
func UnmarshalCommand(data []byte) (*PbCommand, error) {
	c := &PbCommand{Params: make(map[string]string)}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("management: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldOperation:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("management: bad operation varint")
			}
			c.Operation = Operation(v)
			data = data[n:]
		case fieldParams:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("management: bad params bytes")
			}
			k, val, err := unmarshalStringPair(v)
			if err != nil {
				return nil, err
			}
			c.Params[k] = val
			data = data[n:]
		case fieldDevices:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("management: bad device bytes")
			}
			d, err := unmarshalDevice(v)
			if err != nil {
				return nil, err
			}
			c.Devices = append(c.Devices, *d)
			data = data[n:]
		case fieldToken:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("management: bad token bytes")
			}
			c.Token = string(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("management: bad field skip")
			}
			data = data[n:]
		}
	}
	return c, nil
}

func unmarshalStringPair(data []byte) (string, string, error) {
	var k, v string
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", "", fmt.Errorf("management: bad pair tag")
		}
		data = data[n:]
		val, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return "", "", fmt.Errorf("management: bad pair value")
		}
		if num == 1 {
			k = string(val)
		} else if num == 2 {
			v = string(val)
		}
		_ = typ
		data = data[n:]
	}
	return k, v, nil
}

func unmarshalDevice(data []byte) (*PbDeviceDefinition, error) {
	d := &PbDeviceDefinition{Params: make(map[string]string)}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("management: bad device tag")
		}
		data = data[n:]
		switch num {
		case devFieldID:
			v, n := protowire.ConsumeVarint(data)
			d.ID = int32(v)
			data = data[n:]
		case devFieldUnit:
			v, n := protowire.ConsumeVarint(data)
			d.Unit = int32(v)
			data = data[n:]
		case devFieldType:
			v, n := protowire.ConsumeBytes(data)
			d.Type = string(v)
			data = data[n:]
		case devFieldParamKey:
			v, n := protowire.ConsumeBytes(data)
			k, val, err := unmarshalStringPair(v)
			if err != nil {
				return nil, err
			}
			d.Params[k] = val
			data = data[n:]
		case devFieldVendor:
			v, n := protowire.ConsumeBytes(data)
			d.Vendor = string(v)
			data = data[n:]
		case devFieldProduct:
			v, n := protowire.ConsumeBytes(data)
			d.Product = string(v)
			data = data[n:]
		case devFieldRevision:
			v, n := protowire.ConsumeBytes(data)
			d.Revision = string(v)
			data = data[n:]
		case devFieldBlockSize:
			v, n := protowire.ConsumeVarint(data)
			d.BlockSize = int32(v)
			data = data[n:]
		case devFieldCaching:
			v, n := protowire.ConsumeBytes(data)
			d.CachingMode = string(v)
			data = data[n:]
		case devFieldProtected:
			v, n := protowire.ConsumeVarint(data)
			d.Protected = v != 0
			data = data[n:]
		case devFieldScsiLevel:
			v, n := protowire.ConsumeVarint(data)
			d.ScsiLevel = int32(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("management: bad device field skip")
			}
			data = data[n:]
		}
	}
	return d, nil
}

// MarshalResult encodes a PbResult.
func MarshalResult(r *PbResult) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldStatus, protowire.VarintType)
	buf = protowire.AppendVarint(buf, boolToVarint(r.Status))
	if r.ErrorCode != 0 {
		buf = protowire.AppendTag(buf, fieldErrorCode, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(r.ErrorCode))
	}
	if r.Msg != "" {
		buf = protowire.AppendTag(buf, fieldMsg, protowire.BytesType)
		buf = protowire.AppendString(buf, r.Msg)
	}
	for _, d := range r.DeviceList {
		buf = protowire.AppendTag(buf, fieldDeviceList, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalDevice(&d))
	}
	if r.VersionMajor != 0 || r.VersionMinor != 0 || r.VersionPatch != 0 {
		buf = protowire.AppendTag(buf, fieldVersionMaj, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(r.VersionMajor))
		buf = protowire.AppendTag(buf, fieldVersionMin, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(r.VersionMinor))
		buf = protowire.AppendTag(buf, fieldVersionPatch, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(r.VersionPatch))
	}
	return buf
}

// UnmarshalResult decodes a PbResult from its wire form.
func UnmarshalResult(data []byte) (*PbResult, error) {
	r := &PbResult{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("management: bad result tag")
		}
		data = data[n:]
		switch num {
		case fieldStatus:
			v, n := protowire.ConsumeVarint(data)
			r.Status = v != 0
			data = data[n:]
		case fieldErrorCode:
			v, n := protowire.ConsumeVarint(data)
			r.ErrorCode = int32(v)
			data = data[n:]
		case fieldMsg:
			v, n := protowire.ConsumeBytes(data)
			r.Msg = string(v)
			data = data[n:]
		case fieldDeviceList:
			v, n := protowire.ConsumeBytes(data)
			d, err := unmarshalDevice(v)
			if err != nil {
				return nil, err
			}
			r.DeviceList = append(r.DeviceList, *d)
			data = data[n:]
		case fieldVersionMaj:
			v, n := protowire.ConsumeVarint(data)
			r.VersionMajor = int32(v)
			data = data[n:]
		case fieldVersionMin:
			v, n := protowire.ConsumeVarint(data)
			r.VersionMinor = int32(v)
			data = data[n:]
		case fieldVersionPatch:
			v, n := protowire.ConsumeVarint(data)
			r.VersionPatch = int32(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("management: bad result field skip")
			}
			data = data[n:]
		}
	}
	return r, nil
}
