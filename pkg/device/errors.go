// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

import "github.com/scsi2pi-go/s2p/pkg/sense"

var (
	errModeSelectNotSupported     = sense.New(sense.IllegalRequest, sense.InvalidCommandOperationCode)
	errSaveParametersNotSupported = sense.New(sense.IllegalRequest, sense.SaveParametersNotSupported)
)
