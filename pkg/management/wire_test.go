package management

import "testing"

func TestMarshalUnmarshalCommandRoundTrip(t *testing.T) {
	cmd := &PbCommand{
		Operation: OpAttach,
		Params:    map[string]string{"ids": "1,2"},
		Token:     "secret",
		Devices: []PbDeviceDefinition{
			{
				ID:          0,
				Unit:        0,
				Type:        "SCHD",
				Params:      map[string]string{"file": "disk.hds"},
				Vendor:      "ACME",
				Product:     "Widget",
				Revision:    "1.0",
				BlockSize:   512,
				CachingMode: "piscsi",
				Protected:   true,
				ScsiLevel:   2,
			},
		},
	}

	got, err := UnmarshalCommand(MarshalCommand(cmd))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.Operation != cmd.Operation {
		t.Fatalf("operation = %v, want %v", got.Operation, cmd.Operation)
	}
	if got.Token != cmd.Token {
		t.Fatalf("token = %q, want %q", got.Token, cmd.Token)
	}
	if got.Params["ids"] != "1,2" {
		t.Fatalf("params[ids] = %q", got.Params["ids"])
	}
	if len(got.Devices) != 1 {
		t.Fatalf("devices = %d, want 1", len(got.Devices))
	}
	d := got.Devices[0]
	if d.Type != "SCHD" || d.Vendor != "ACME" || d.Product != "Widget" || d.Revision != "1.0" {
		t.Fatalf("device product data mismatch: %+v", d)
	}
	if d.BlockSize != 512 || d.CachingMode != "piscsi" || !d.Protected || d.ScsiLevel != 2 {
		t.Fatalf("device fields mismatch: %+v", d)
	}
	if d.Params["file"] != "disk.hds" {
		t.Fatalf("device params[file] = %q", d.Params["file"])
	}
}

func TestMarshalUnmarshalResultRoundTrip(t *testing.T) {
	res := &PbResult{
		Status:       true,
		ErrorCode:    7,
		Msg:          "attached",
		VersionMajor: 2,
		VersionMinor: 1,
		VersionPatch: 0,
		DeviceList: []PbDeviceDefinition{
			{ID: 1, Unit: 0, Type: "SCCD"},
		},
	}

	got, err := UnmarshalResult(MarshalResult(res))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != res.Status || got.ErrorCode != res.ErrorCode || got.Msg != res.Msg {
		t.Fatalf("result mismatch: %+v", got)
	}
	if got.VersionMajor != 2 || got.VersionMinor != 1 {
		t.Fatalf("version mismatch: %+v", got)
	}
	if len(got.DeviceList) != 1 || got.DeviceList[0].Type != "SCCD" {
		t.Fatalf("device list mismatch: %+v", got.DeviceList)
	}
}

func TestUnmarshalCommandSkipsUnknownFields(t *testing.T) {
	// A field number the decoder does not know (99, varint) is skipped; the
	// command still decodes with its operation and no devices.
	data := append(MarshalCommand(&PbCommand{Operation: OpNoOperation}), 0x98, 0x06, 0x05)
	got, err := UnmarshalCommand(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Operation != OpNoOperation {
		t.Fatalf("operation = %v", got.Operation)
	}
	if len(got.Devices) != 0 {
		t.Fatalf("expected no devices, got %d", len(got.Devices))
	}
}
