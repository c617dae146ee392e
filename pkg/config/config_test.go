package config

import (
	"strings"
	"testing"
)

func TestLoadParsesKeyValueLines(t *testing.T) {
	p := New()
	src := strings.NewReader("# a comment\n\nport=6868\nimage_folder=/var/lib/s2p/images\n")
	if err := p.Load(src); err != nil {
		t.Fatalf("load: %v", err)
	}
	if v, ok := p.Get(Port); !ok || v != "6868" {
		t.Fatalf("port = %q, %v", v, ok)
	}
	if v, ok := p.Get(ImageFolder); !ok || v != "/var/lib/s2p/images" {
		t.Fatalf("image_folder = %q, %v", v, ok)
	}
}

func TestLoadRejectsMissingEquals(t *testing.T) {
	p := New()
	err := p.Load(strings.NewReader("not_a_kv_line\n"))
	if err == nil {
		t.Fatalf("expected a ParserError")
	}
	if _, ok := err.(*ParserError); !ok {
		t.Fatalf("expected *ParserError, got %T", err)
	}
}

func TestLaterKeysOverwriteEarlier(t *testing.T) {
	p := New()
	p.Set(LogLevel, "info")
	if err := p.Load(strings.NewReader("log_level=debug\n")); err != nil {
		t.Fatalf("load: %v", err)
	}
	if v, _ := p.Get(LogLevel); v != "debug" {
		t.Fatalf("log_level = %q, want debug", v)
	}
}

func TestGetIntAndGetBool(t *testing.T) {
	p := New()
	p.Set("scan_depth", "3")
	p.Set("flag", "true")

	n, err := p.GetInt("scan_depth", 1)
	if err != nil || n != 3 {
		t.Fatalf("GetInt = %d, %v", n, err)
	}
	b, err := p.GetBool("flag", false)
	if err != nil || !b {
		t.Fatalf("GetBool = %v, %v", b, err)
	}

	if _, err := p.GetInt("flag", 0); err == nil {
		t.Fatalf("expected ParserError parsing a non-integer")
	}
}

func TestWithPrefix(t *testing.T) {
	p := New()
	p.Set("device.0.type", "schd")
	p.Set("device.0.file", "disk.hds")
	p.Set("device.1:2.type", "sccd")
	p.Set("port", "6868")

	got := p.WithPrefix("device.")
	want := map[string]string{
		"0.type":    "schd",
		"0.file":    "disk.hds",
		"1:2.type": "sccd",
	}
	if len(got) != len(want) {
		t.Fatalf("WithPrefix returned %d entries, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("WithPrefix[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestDeviceKeyAndModePageKey(t *testing.T) {
	if got := DeviceKey(0, 0, false, "type"); got != "device.0.type" {
		t.Fatalf("DeviceKey = %q", got)
	}
	if got := DeviceKey(1, 2, true, "file"); got != "device.1:2.file" {
		t.Fatalf("DeviceKey with lun = %q", got)
	}
	if got := ModePageKey(0x0a, "acme", ""); got != "mode_page.0a.acme" {
		t.Fatalf("ModePageKey = %q", got)
	}
	if got := ModePageKey(0x0a, "acme", "widget"); got != "mode_page.0a.acme:widget" {
		t.Fatalf("ModePageKey with product = %q", got)
	}
}

func TestPersistRoundTrip(t *testing.T) {
	p := New()
	p.Set("port", "6868")
	p.Set("log_level", "debug")

	var buf strings.Builder
	if err := p.Persist(&buf); err != nil {
		t.Fatalf("persist: %v", err)
	}

	reloaded := New()
	if err := reloaded.Load(strings.NewReader(buf.String())); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if v, _ := reloaded.Get("port"); v != "6868" {
		t.Fatalf("reloaded port = %q", v)
	}
	if v, _ := reloaded.Get("log_level"); v != "debug" {
		t.Fatalf("reloaded log_level = %q", v)
	}
}

func TestLoadFileMissingReturnsIoError(t *testing.T) {
	p := New()
	err := p.LoadFile("/nonexistent/path/to/s2p.conf")
	if err == nil {
		t.Fatalf("expected an error opening a missing file")
	}
	if _, ok := err.(*IoError); !ok {
		t.Fatalf("expected *IoError, got %T", err)
	}
}
