// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package management

import "fmt"

// templates holds the English fallback for every localized error key; a
// real deployment would layer locale-specific tables on top keyed by the
// "locale" property, but only the fallback is needed for the wire protocol
// itself.
var templates = map[string]string{
	"no_devices":            "command carries no device definitions",
	"invalid_id":            "invalid device id %s",
	"invalid_lun":           "invalid logical unit %s",
	"unknown_device_type":   "unknown device type %s",
	"duplicate_device":      "device already attached at (%s:%s)",
	"reserved_id":           "device id %s is reserved",
	"unique_device_type":    "only one %s device may be attached",
	"no_such_device":        "no device at (%s:%s)",
	"not_ready":             "device at (%s:%s) is not ready",
	"unsupported_operation": "device type %s does not support this operation",
	"lun0_required":         "target %s has no LUN 0",
	"lun0_in_use":           "LUN 0 cannot be detached while other LUNs exist on target %s",
	"file_reserved":         "file %s is already reserved by another device",
	"invalid_block_size":    "invalid block size %s",
	"unsupported_device_type": "device type %s is not supported",
	"not_storage_device":    "device at (%s:%s) is not a storage device",
	"not_removed":           "device at (%s:%s) is not removed",
	"no_filename":           "no filename supplied and no prior filename to reuse",
	"id_in_use":             "device id %s is already in use",
	"unknown_operation":     "unknown operation",
	"unauthorized":          "authentication failed",
	"unknown_level":         "unknown log level %s",
}

// Localize substitutes args into the template named by key using %s
// placeholders, falling back to the bare key if it is unrecognized.
func Localize(key string, args ...string) string {
	tmpl, ok := templates[key]
	if !ok {
		return key
	}
	generic := make([]interface{}, len(args))
	for i, a := range args {
		generic[i] = a
	}
	return fmt.Sprintf(tmpl, generic...)
}
