package main

import (
	"fmt"
	"testing"

	"github.com/scsi2pi-go/s2p/pkg/config"
	"github.com/scsi2pi-go/s2p/pkg/management"
)

func addrKey(d management.PbDeviceDefinition) string {
	return fmt.Sprintf("%d:%d", d.ID, d.Unit)
}

func TestStartupDevicesGroupsByAddress(t *testing.T) {
	props := config.New()
	props.Set("device.0.type", "schd")
	props.Set("device.0.file", "disk.hds")
	props.Set("device.0.block_size", "512")
	props.Set("device.1:2.type", "sccd")
	props.Set("device.1:2.vendor", "ACME")
	props.Set("port", "6868") // unrelated key, must be ignored

	devs := startupDevices(props)
	if len(devs) != 2 {
		t.Fatalf("startupDevices returned %d entries, want 2", len(devs))
	}

	byAddr := make(map[string]management.PbDeviceDefinition)
	for _, d := range devs {
		byAddr[addrKey(d)] = d
	}

	d0 := byAddr["0:0"]
	if d0.Type != "schd" || d0.Params["file"] != "disk.hds" || d0.BlockSize != 512 {
		t.Fatalf("device 0: %+v", d0)
	}

	d1 := byAddr["1:2"]
	if d1.Type != "sccd" || d1.Vendor != "ACME" {
		t.Fatalf("device 1:2: %+v", d1)
	}
}

func TestStartupDevicesSkipsMalformedAddress(t *testing.T) {
	props := config.New()
	props.Set("device.notanumber.type", "schd")
	devs := startupDevices(props)
	if len(devs) != 0 {
		t.Fatalf("expected malformed device address to be skipped, got %d", len(devs))
	}
}
