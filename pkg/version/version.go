// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package version holds the build version surfaced by VERSION_INFO.
package version

import "fmt"

const (
	Major = 1
	Minor = 0
	Patch = 0
)

// String returns the "major.minor.patch" form used in CLI banners.
func String() string {
	return fmt.Sprintf("%d.%d.%d", Major, Minor, Patch)
}
