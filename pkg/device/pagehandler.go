// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

import "sort"

// PageHandler assembles MODE SENSE payloads and validates MODE SELECT
// parameters, merging a device's own pages with property-driven custom page
// overrides.
type PageHandler struct {
	// CustomPages holds vendor/product scoped overrides, keyed by page code.
	// A zero-length override value removes that page from the assembly.
	CustomPages map[byte][]byte

	SupportsModeSelect    bool
	SupportsSaveParameters bool
}

// AllPages is the pseudo page code (0x3f) requesting every page.
const AllPages = 0x3f

// Assemble builds the concatenated mode page payload for pageCode (or every
// page if pageCode is AllPages), merging devicePages with any CustomPages
// override, truncating to the CDB allocation length but never past hardCap
// (255 for MODE SENSE 6, 65535 for MODE SENSE 10).
func (h *PageHandler) Assemble(pageCode byte, devicePages map[byte][]byte, allocationLength, hardCap int) []byte {
	merged := make(map[byte][]byte, len(devicePages))
	for code, payload := range devicePages {
		merged[code] = payload
	}
	for code, override := range h.CustomPages {
		if pageCode != AllPages && code != pageCode {
			continue
		}
		if len(override) == 0 {
			delete(merged, code)
			continue
		}
		merged[code] = override
	}

	var codes []byte
	for code := range merged {
		if pageCode == AllPages || code == pageCode {
			codes = append(codes, code)
		}
	}
	sort.Slice(codes, func(i, j int) bool {
		// Page 0 (vendor-specific, no standardized length byte) is emitted
		// last; everything else sorts by ascending page code.
		if codes[i] == 0 {
			return false
		}
		if codes[j] == 0 {
			return true
		}
		return codes[i] < codes[j]
	})

	var out []byte
	for _, code := range codes {
		payload := merged[code]
		if code != 0 {
			framed := make([]byte, len(payload))
			copy(framed, payload)
			framed[0] = code
			framed[1] = byte(len(payload) - 2)
			out = append(out, framed...)
		} else {
			out = append(out, payload...)
		}
	}

	limit := allocationLength
	if limit > hardCap || limit == 0 {
		limit = hardCap
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ValidateSelect checks the PF/SP flags against what the device advertises,
// ahead of handing the payload to the device's mode-select hook.
func (h *PageHandler) ValidateSelect(pf, sp bool) error {
	if !h.SupportsModeSelect {
		return errModeSelectNotSupported
	}
	if sp && !h.SupportsSaveParameters {
		return errSaveParametersNotSupported
	}
	_ = pf
	return nil
}
