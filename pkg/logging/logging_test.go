package logging

import (
	"log"
	"strings"
	"sync"
	"testing"
)

// resetState restores package-level logging state between tests, since
// SetGlobalLevel/SetDeviceLevel/SetOutput are process-wide.
func resetState(t *testing.T) *strings.Builder {
	t.Helper()
	mu.Lock()
	global = Info
	scoped = make(map[scope]Level)
	mu.Unlock()

	var buf strings.Builder
	SetOutput(log.New(&buf, "", 0))
	return &buf
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"trace": Trace, "debug": Debug, "info": Info, "warn": Warn,
		"warning": Warn, "err": Err, "error": Err, "critical": Critical, "off": Off,
	}
	for s, want := range cases {
		got, ok := ParseLevel(s)
		if !ok || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", s, got, ok, want)
		}
	}
	if _, ok := ParseLevel("bogus"); ok {
		t.Fatalf("ParseLevel(bogus) should fail")
	}
}

func TestGlobalLevelFiltersBelowThreshold(t *testing.T) {
	buf := resetState(t)
	SetGlobalLevel(Warn)

	lg := New()
	lg.Debugf("should not appear")
	lg.Warnf("should appear")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatalf("debug message logged below the warn threshold: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Fatalf("warn message missing: %q", out)
	}
}

func TestDeviceScopedOverrideWinsOverGlobal(t *testing.T) {
	buf := resetState(t)
	SetGlobalLevel(Off)
	SetDeviceLevel(3, 1, Trace)

	devLogger := ForDevice(3, 1)
	devLogger.Tracef("device message")

	out := buf.String()
	if !strings.Contains(out, "device message") {
		t.Fatalf("device-scoped trace message missing: %q", out)
	}
	if !strings.Contains(out, "(3:1)") {
		t.Fatalf("device-scoped message missing (id:lun) prefix: %q", out)
	}
}

func TestDeviceLevelWithoutLunAppliesToWholeTarget(t *testing.T) {
	buf := resetState(t)
	SetGlobalLevel(Off)
	SetDeviceLevel(5, -1, Debug)

	ForDevice(5, 2).Debugf("lun 2 message")
	out := buf.String()
	if !strings.Contains(out, "lun 2 message") {
		t.Fatalf("target-wide override did not apply to an unscoped lun: %q", out)
	}
}

func TestConcurrentLevelUpdatesDoNotRace(t *testing.T) {
	resetState(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			SetDeviceLevel(n%8, -1, Debug)
			ForDevice(n%8, 0).Infof("hello")
		}(i)
	}
	wg.Wait()
}
