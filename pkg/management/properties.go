// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package management

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/scsi2pi-go/s2p/pkg/config"
	"github.com/scsi2pi-go/s2p/pkg/device"
	"github.com/scsi2pi-go/s2p/pkg/logging"
)

// ApplyExtensions reads "extensions.<type>" properties -- comma-separated
// extensions mapped to a device type -- and registers each with the
// executor's factory.
func (e *Executor) ApplyExtensions(props *config.Properties) {
	for _, key := range props.Keys() {
		if !strings.HasPrefix(key, "extensions.") {
			continue
		}
		typeName := strings.TrimPrefix(key, "extensions.")
		t, ok := parseDeviceType(typeName)
		if !ok {
			continue
		}
		value, _ := props.Get(key)
		for _, ext := range strings.Split(value, ",") {
			ext = strings.TrimSpace(ext)
			if ext != "" {
				e.factory.AddExtension(ext, t)
			}
		}
	}
}

// ApplyGlobalLogLevel reads "log_level" and applies it to the package-wide
// logger.
func ApplyGlobalLogLevel(props *config.Properties) error {
	raw, ok := props.Get(config.LogLevel)
	if !ok {
		return nil
	}
	level, ok := logging.ParseLevel(raw)
	if !ok {
		return newExecErr("unknown_level", raw)
	}
	logging.SetGlobalLevel(level)
	return nil
}

// ModePageOverride is one decoded "mode_page.<code>.<vendor>[:<product>]"
// property: an empty Bytes removes the page's default content for matching
// devices.
type ModePageOverride struct {
	Code            byte
	Vendor, Product string
	Bytes           []byte
}

// ParseModePages decodes every "mode_page.*" property into its structured
// form. Malformed hex is reported as a config.ParserError.
func ParseModePages(props *config.Properties) ([]ModePageOverride, error) {
	var out []ModePageOverride
	for _, key := range props.Keys() {
		if !strings.HasPrefix(key, "mode_page.") {
			continue
		}
		rest := strings.TrimPrefix(key, "mode_page.")
		parts := strings.SplitN(rest, ".", 2)
		if len(parts) != 2 {
			return nil, &config.ParserError{Key: key, Msg: "expected mode_page.<code>.<vendor>[:<product>]"}
		}
		codeVal, err := strconv.ParseUint(parts[0], 16, 8)
		if err != nil {
			return nil, &config.ParserError{Key: key, Msg: "invalid page code"}
		}

		vendor, product := parts[1], ""
		if idx := strings.Index(parts[1], ":"); idx >= 0 {
			vendor, product = parts[1][:idx], parts[1][idx+1:]
		}

		value, _ := props.Get(key)
		var payload []byte
		if value != "" {
			payload, err = decodeColonHex(value)
			if err != nil {
				return nil, &config.ParserError{Key: key, Msg: "invalid hex byte string"}
			}
		}
		out = append(out, ModePageOverride{Code: byte(codeVal), Vendor: vendor, Product: product, Bytes: payload})
	}
	return out, nil
}

func decodeColonHex(s string) ([]byte, error) {
	fields := strings.Split(s, ":")
	out := make([]byte, 0, len(fields))
	for _, f := range fields {
		b, err := hex.DecodeString(f)
		if err != nil {
			return nil, err
		}
		if len(b) != 1 {
			return nil, strconv.ErrSyntax
		}
		out = append(out, b[0])
	}
	return out, nil
}

// ApplyModePageOverrides matches each override against an attached device by
// vendor (and optionally product), installing or removing the custom page
// on its PageHandler.
func (e *Executor) ApplyModePageOverrides(overrides []ModePageOverride) {
	for _, ctrl := range e.controllers {
		for lun := 0; lun < maxLun; lun++ {
			dev, ok := ctrl.Device(lun)
			if !ok {
				continue
			}
			ph, ok := dev.(interface {
				Pages() *device.PageHandler
				Vendor() string
				Product() string
			})
			if !ok {
				continue
			}
			for _, ov := range overrides {
				if ov.Vendor != ph.Vendor() {
					continue
				}
				if ov.Product != "" && ov.Product != ph.Product() {
					continue
				}
				if len(ov.Bytes) == 0 {
					delete(ph.Pages().CustomPages, ov.Code)
				} else {
					if ph.Pages().CustomPages == nil {
						ph.Pages().CustomPages = make(map[byte][]byte)
					}
					ph.Pages().CustomPages[ov.Code] = ov.Bytes
				}
			}
		}
	}
}
