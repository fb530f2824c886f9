package gpu

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/skobkin/dcgmtop-web/internal/dcgm"
)

// Info describes a single GPU known to the DCGM daemon.
type Info struct {
	ID       string `json:"id"`
	Index    uint   `json:"index"`
	Name     string `json:"name"`
	UUID     string `json:"uuid,omitempty"`
	Serial   string `json:"serial,omitempty"`
	PCIBusID string `json:"pci,omitempty"`
	PCIID    string `json:"pci_id,omitempty"`
}

// DeviceSource is the part of a DCGM session discovery relies on.
type DeviceSource interface {
	ListDevices() ([]uint, error)
	LatestValues(device uint, fields []dcgm.FieldID, live bool) ([]dcgm.FieldValue, error)
	DeviceName(device uint) (string, error)
}

var infoFields = []dcgm.FieldID{
	dcgm.FieldDevName,
	dcgm.FieldDevUUID,
	dcgm.FieldDevSerial,
	dcgm.FieldDevPCIBusID,
	dcgm.FieldDevPCICombinedID,
	dcgm.FieldDevPCISubsysID,
}

// Discover lists the daemon's GPUs and resolves their identity fields.
// Devices whose attributes cannot be read are logged and skipped.
func Discover(src DeviceSource, logger *slog.Logger) ([]Info, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	devices, err := src.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("list dcgm devices: %w", err)
	}
	if len(devices) == 0 {
		logger.Warn("dcgm reported no gpus")
		return nil, nil
	}

	infos := make([]Info, 0, len(devices))
	for _, device := range devices {
		values, err := src.LatestValues(device, infoFields, false)
		if err != nil {
			logger.Warn("failed to load gpu attributes", "gpu", device, "err", err)
			continue
		}
		infos = append(infos, buildInfo(device, withLiveName(src, device, values, logger)))
	}

	return infos, nil
}

// withLiveName asks the daemon for a fresh product name when the cached
// one is blank.
func withLiveName(src DeviceSource, device uint, values []dcgm.FieldValue, logger *slog.Logger) []dcgm.FieldValue {
	for _, fv := range values {
		if fv.FieldID != dcgm.FieldDevName {
			continue
		}
		if _, ok := fv.Value.Text(); ok {
			return values
		}
	}

	name, err := src.DeviceName(device)
	if err != nil {
		logger.Debug("live gpu name unavailable", "gpu", device, "err", err)
		return values
	}
	return append(values, dcgm.FieldValue{
		EntityGroup: dcgm.EntityGroupGPU,
		EntityID:    device,
		FieldID:     dcgm.FieldDevName,
		Value:       dcgm.StringValue(name),
	})
}

// FormatID renders a DCGM GPU index as the public GPU identifier.
func FormatID(device uint) string {
	return strconv.FormatUint(uint64(device), 10)
}

// ParseID is the inverse of FormatID.
func ParseID(id string) (uint, error) {
	value, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse gpu id %q: %w", id, err)
	}
	return uint(value), nil
}

func buildInfo(device uint, values []dcgm.FieldValue) Info {
	info := Info{
		ID:    FormatID(device),
		Index: device,
	}

	var (
		combined, subsys       int64
		haveCombined, haveSubs bool
	)
	for _, fv := range values {
		switch fv.FieldID {
		case dcgm.FieldDevName:
			info.Name, _ = fv.Value.Text()
		case dcgm.FieldDevUUID:
			info.UUID, _ = fv.Value.Text()
		case dcgm.FieldDevSerial:
			info.Serial, _ = fv.Value.Text()
		case dcgm.FieldDevPCIBusID:
			info.PCIBusID, _ = fv.Value.Text()
		case dcgm.FieldDevPCICombinedID:
			combined, haveCombined = fv.Value.Int64()
		case dcgm.FieldDevPCISubsysID:
			subsys, haveSubs = fv.Value.Int64()
		}
	}

	var vendorID, deviceID, subVendorID, subDeviceID string
	if haveCombined {
		vendorID, deviceID = splitCombinedID(combined)
		info.PCIID = vendorID + ":" + deviceID
	}
	if haveSubs {
		subVendorID, subDeviceID = splitCombinedID(subsys)
	}

	if shouldResolveName(info.Name) {
		if resolved := lookupGPUName(vendorID, deviceID, subVendorID, subDeviceID); resolved != "" {
			info.Name = resolved
		}
	}
	if info.Name == "" {
		info.Name = "GPU " + info.ID
	}

	return info
}
