package factory

import (
	"testing"

	"github.com/scsi2pi-go/s2p/pkg/device"
	"github.com/scsi2pi-go/s2p/pkg/reservation"
)

func TestResolveTypeByExtension(t *testing.T) {
	f := New(reservation.New())

	tp, ok := f.ResolveType(nil, "/images/disk1.hds")
	if !ok || tp != device.SCHD {
		t.Fatalf("ResolveType(.hds) = %v, %v, want SCHD, true", tp, ok)
	}

	tp, ok = f.ResolveType(nil, "/images/backup.tar")
	if !ok || tp != device.SCTP {
		t.Fatalf("ResolveType(.tar) = %v, %v, want SCTP, true", tp, ok)
	}
}

func TestResolveTypeByKeywordBeforeExtension(t *testing.T) {
	f := New(reservation.New())

	tp, ok := f.ResolveType(nil, "/dev/services.properties")
	if !ok || tp != device.SCHS {
		t.Fatalf("ResolveType(services) = %v, %v, want SCHS, true", tp, ok)
	}
}

func TestResolveTypeHintOverridesFilename(t *testing.T) {
	f := New(reservation.New())
	hint := device.SCRM

	tp, ok := f.ResolveType(&hint, "disk.hds")
	if !ok || tp != device.SCRM {
		t.Fatalf("explicit hint should win, got %v, %v", tp, ok)
	}
}

func TestResolveTypeUnknownExtension(t *testing.T) {
	f := New(reservation.New())
	if _, ok := f.ResolveType(nil, "mystery.xyz"); ok {
		t.Fatalf("expected no match for an unregistered extension")
	}
}

func TestAddExtensionDoesNotOverrideExisting(t *testing.T) {
	f := New(reservation.New())
	f.AddExtension("hds", device.SCTP)

	tp, ok := f.ResolveType(nil, "disk.hds")
	if !ok || tp != device.SCHD {
		t.Fatalf("AddExtension should not override a built-in mapping, got %v, %v", tp, ok)
	}

	f.AddExtension("img", device.SCRM)
	tp, ok = f.ResolveType(nil, "disk.img")
	if !ok || tp != device.SCRM {
		t.Fatalf("AddExtension should register a new mapping, got %v, %v", tp, ok)
	}
}

func TestCreateDeviceDiskVendorStringByExtension(t *testing.T) {
	f := New(reservation.New())

	d := f.CreateDevice(device.SCHD, 0, 0, "disk.hda")
	disk, ok := d.(*device.Disk)
	if !ok {
		t.Fatalf("CreateDevice(SCHD, .hda) = %T, want *device.Disk", d)
	}
	if disk.Vendor() != "QUANTUM" {
		t.Fatalf("vendor = %q, want QUANTUM for a .hda image", disk.Vendor())
	}
}

func TestCreateDeviceEachBuiltinType(t *testing.T) {
	f := New(reservation.New())

	for _, tc := range []struct {
		t    device.Type
		file string
	}{
		{device.SCHD, "disk.hds"},
		{device.SCCD, "disc.iso"},
		{device.SCMO, "disk.mos"},
		{device.SAHD, "disk.hds"},
		{device.SCTP, "tape.tar"},
		{device.SCLP, ""},
	} {
		d := f.CreateDevice(tc.t, 0, 0, tc.file)
		if d == nil {
			t.Fatalf("CreateDevice(%v) returned nil", tc.t)
		}
		if d.Type() != tc.t {
			t.Fatalf("CreateDevice(%v).Type() = %v", tc.t, d.Type())
		}
	}
}

func TestCreateDeviceUnsupportedType(t *testing.T) {
	f := New(reservation.New())
	if d := f.CreateDevice(device.SCDP, 0, 0, ""); d != nil {
		t.Fatalf("expected a nil device for an unmapped type, got %T", d)
	}
}
