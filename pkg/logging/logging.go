// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logging implements the leveled, optionally device-scoped logger
// that LOG_LEVEL updates at runtime. It wraps the standard library's log
// package rather than replacing it, matching the plain log.Printf style used
// throughout the rest of this codebase.
package logging

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// Level mirrors spdlog's naming, the closest thing the upstream daemon had
// to a level taxonomy.
type Level int

const (
	Trace Level = iota
	Debug
	Info
	Warn
	Err
	Critical
	Off
)

func ParseLevel(s string) (Level, bool) {
	switch s {
	case "trace":
		return Trace, true
	case "debug":
		return Debug, true
	case "info":
		return Info, true
	case "warn", "warning":
		return Warn, true
	case "err", "error":
		return Err, true
	case "critical":
		return Critical, true
	case "off":
		return Off, true
	default:
		return 0, false
	}
}

func (l Level) String() string {
	switch l {
	case Trace:
		return "trace"
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Err:
		return "error"
	case Critical:
		return "critical"
	case Off:
		return "off"
	default:
		return "unknown"
	}
}

// scope identifies either the global logger or one device-scoped logger by
// (id, lun).
type scope struct {
	id, lun int
	hasLun  bool
}

var (
	mu       sync.Mutex
	global   = Info
	scoped   = make(map[scope]Level)
	output   = log.New(os.Stderr, "", log.LstdFlags)
)

// SetOutput redirects every logger's destination; used by tests.
func SetOutput(w *log.Logger) {
	mu.Lock()
	defer mu.Unlock()
	output = w
}

// SetGlobalLevel updates the level applied when no device-scoped override
// matches.
func SetGlobalLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	global = l
}

// SetDeviceLevel updates the level for one device, or one (id, lun) pair if
// lun is non-negative.
func SetDeviceLevel(id, lun int, l Level) {
	mu.Lock()
	defer mu.Unlock()
	if lun < 0 {
		scoped[scope{id: id}] = l
		return
	}
	scoped[scope{id: id, lun: lun, hasLun: true}] = l
}

func effectiveLevel(id, lun int) Level {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := scoped[scope{id: id, lun: lun, hasLun: true}]; ok {
		return l
	}
	if l, ok := scoped[scope{id: id}]; ok {
		return l
	}
	return global
}

// Logger is a device- or global-scoped logging handle. The zero value logs
// at the global level with no device prefix.
type Logger struct {
	id, lun int
	hasDev  bool
}

// New returns the global logger.
func New() *Logger { return &Logger{} }

// ForDevice returns a logger scoped to one device's (id, lun), whose prefix
// and level both reflect that scoping.
func ForDevice(id, lun int) *Logger {
	return &Logger{id: id, lun: lun, hasDev: true}
}

func (lg *Logger) level() Level {
	if lg.hasDev {
		return effectiveLevel(lg.id, lg.lun)
	}
	return effectiveLevel(-1, -1)
}

func (lg *Logger) log(at Level, format string, args ...interface{}) {
	if at < lg.level() {
		return
	}
	msg := fmt.Sprintf(format, args...)
	mu.Lock()
	defer mu.Unlock()
	if lg.hasDev {
		output.Printf("[%s] (%d:%d) %s", at, lg.id, lg.lun, msg)
	} else {
		output.Printf("[%s] %s", at, msg)
	}
}

func (lg *Logger) Tracef(format string, args ...interface{})    { lg.log(Trace, format, args...) }
func (lg *Logger) Debugf(format string, args ...interface{})    { lg.log(Debug, format, args...) }
func (lg *Logger) Infof(format string, args ...interface{})     { lg.log(Info, format, args...) }
func (lg *Logger) Warnf(format string, args ...interface{})     { lg.log(Warn, format, args...) }
func (lg *Logger) Errorf(format string, args ...interface{})    { lg.log(Err, format, args...) }
func (lg *Logger) Criticalf(format string, args ...interface{}) { lg.log(Critical, format, args...) }
