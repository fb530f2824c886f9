package gpu

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/jaypipes/pcidb"

	"github.com/skobkin/dcgmtop-web/internal/dcgm"
)

type fakeSource struct {
	devices []uint
	listErr error
	values  map[uint][]dcgm.FieldValue
	errs    map[uint]error
	names   map[uint]string
	asked   []uint
}

func (f *fakeSource) ListDevices() ([]uint, error) {
	return f.devices, f.listErr
}

func (f *fakeSource) LatestValues(device uint, fields []dcgm.FieldID, _ bool) ([]dcgm.FieldValue, error) {
	if err := f.errs[device]; err != nil {
		return nil, err
	}
	return f.values[device], nil
}

func (f *fakeSource) DeviceName(device uint) (string, error) {
	f.asked = append(f.asked, device)
	name, ok := f.names[device]
	if !ok {
		return "", &dcgm.FieldValueError{Context: "device name blank"}
	}
	return name, nil
}

func field(id dcgm.FieldID, v dcgm.Value) dcgm.FieldValue {
	return dcgm.FieldValue{EntityGroup: dcgm.EntityGroupGPU, FieldID: id, Value: v}
}

func TestDiscover(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	src := &fakeSource{
		devices: []uint{0, 1, 2},
		values: map[uint][]dcgm.FieldValue{
			0: {
				field(dcgm.FieldDevName, dcgm.StringValue("NVIDIA H100 80GB HBM3")),
				field(dcgm.FieldDevUUID, dcgm.StringValue("GPU-5e1c2b8e-0000-4c1d-9a3e-2f2b7e0a0001")),
				field(dcgm.FieldDevSerial, dcgm.StringValue("1654922001234")),
				field(dcgm.FieldDevPCIBusID, dcgm.StringValue("00000000:18:00.0")),
				field(dcgm.FieldDevPCICombinedID, dcgm.Int64Value(0x233010de)),
				field(dcgm.FieldDevPCISubsysID, dcgm.Int64Value(0x16c110de)),
			},
			2: {
				field(dcgm.FieldDevName, dcgm.BlankValue()),
				field(dcgm.FieldDevSerial, dcgm.StringValue(dcgm.StringBlank)),
			},
		},
		errs: map[uint]error{
			1: errors.New("gpu is lost"),
		},
	}

	infos, err := Discover(src, logger)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 GPUs, got %d: %+v", len(infos), infos)
	}

	gpu0 := infos[0]
	if gpu0.ID != "0" || gpu0.Index != 0 {
		t.Fatalf("unexpected id %q/%d", gpu0.ID, gpu0.Index)
	}
	if gpu0.Name != "NVIDIA H100 80GB HBM3" {
		t.Errorf("unexpected name: %q", gpu0.Name)
	}
	if gpu0.PCIID != "10de:2330" {
		t.Errorf("unexpected PCI ID: %q", gpu0.PCIID)
	}
	if gpu0.PCIBusID != "00000000:18:00.0" {
		t.Errorf("unexpected PCI bus id: %q", gpu0.PCIBusID)
	}
	if gpu0.UUID == "" || gpu0.Serial != "1654922001234" {
		t.Errorf("unexpected identity: %+v", gpu0)
	}

	gpu2 := infos[1]
	if gpu2.ID != "2" {
		t.Fatalf("expected second GPU id '2', got %q", gpu2.ID)
	}
	if gpu2.Name != "GPU 2" {
		t.Errorf("expected placeholder name, got %q", gpu2.Name)
	}
	if gpu2.Serial != "" || gpu2.PCIID != "" {
		t.Errorf("blank attributes leaked: %+v", gpu2)
	}
}

func TestDiscoverReadsLiveNameWhenBlank(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		devices: []uint{0, 1},
		values: map[uint][]dcgm.FieldValue{
			0: {field(dcgm.FieldDevName, dcgm.StringValue("Tesla V100-SXM2-16GB"))},
			1: {field(dcgm.FieldDevName, dcgm.BlankValue())},
		},
		names: map[uint]string{1: "NVIDIA L4"},
	}

	infos, err := Discover(src, nil)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(infos) != 2 || infos[0].Name != "Tesla V100-SXM2-16GB" || infos[1].Name != "NVIDIA L4" {
		t.Fatalf("unexpected names %+v", infos)
	}
	if len(src.asked) != 1 || src.asked[0] != 1 {
		t.Fatalf("live name requested for %v, want [1]", src.asked)
	}
}

func TestDiscoverNoDevices(t *testing.T) {
	t.Parallel()

	infos, err := Discover(&fakeSource{}, nil)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected 0 GPUs, got %d", len(infos))
	}
}

func TestDiscoverListError(t *testing.T) {
	t.Parallel()

	if _, err := Discover(&fakeSource{listErr: errors.New("not connected")}, nil); err == nil {
		t.Fatalf("expected error when device listing fails")
	}
}

func TestParseID(t *testing.T) {
	t.Parallel()

	if id, err := ParseID(FormatID(7)); err != nil || id != 7 {
		t.Fatalf("ParseID(FormatID(7)) = %d, %v", id, err)
	}
	for _, bad := range []string{"", "card0", "-1", "99999999999"} {
		if _, err := ParseID(bad); err == nil {
			t.Errorf("ParseID(%q) should fail", bad)
		}
	}
}

func TestSplitCombinedID(t *testing.T) {
	t.Parallel()

	vendor, device := splitCombinedID(0x20b010de)
	if vendor != "10de" || device != "20b0" {
		t.Fatalf("splitCombinedID = %s:%s", vendor, device)
	}
}

func TestShouldResolveName(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"":                       true,
		"  ":                     true,
		"Unknown":                true,
		"NVIDIA Graphics Device": true,
		"PCI device 10de:2330":   true,
		"0x2330":                 true,
		"NVIDIA A100-SXM4-40GB":  false,
		"Tesla T4":               false,
	}
	for name, want := range cases {
		if got := shouldResolveName(name); got != want {
			t.Errorf("shouldResolveName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestDiscoverUsesPCIDatabase(t *testing.T) {
	t.Parallel()

	db, err := pcidb.New()
	if err != nil {
		t.Skipf("pcidb unavailable: %v", err)
	}

	const (
		vendorID = "10de"
		deviceID = "1eb8"
	)

	product, ok := db.Products[vendorID+deviceID]
	if !ok || product == nil || product.Name == "" {
		t.Skipf("pcidb missing product for %s%s", vendorID, deviceID)
	}

	src := &fakeSource{
		devices: []uint{0},
		values: map[uint][]dcgm.FieldValue{
			0: {
				field(dcgm.FieldDevName, dcgm.StringValue("Unknown")),
				field(dcgm.FieldDevPCICombinedID, dcgm.Int64Value(0x1eb810de)),
			},
		},
	}

	infos, err := Discover(src, nil)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 GPU, got %d", len(infos))
	}
	if infos[0].Name != product.Name {
		t.Fatalf("expected name %q, got %q", product.Name, infos[0].Name)
	}
}
