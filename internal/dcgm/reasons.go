package dcgm

import (
	"fmt"
	"strings"
)

// ThrottleReason is one bit of the clocks event reason bitmask.
type ThrottleReason uint64

const (
	ThrottleGPUIdle       ThrottleReason = 0x0000000000000001
	ThrottleClocksSetting ThrottleReason = 0x0000000000000002
	ThrottleSWPowerCap    ThrottleReason = 0x0000000000000004
	ThrottleHWSlowdown    ThrottleReason = 0x0000000000000008
	ThrottleSyncBoost     ThrottleReason = 0x0000000000000010
	ThrottleSWThermal     ThrottleReason = 0x0000000000000020
	ThrottleHWThermal     ThrottleReason = 0x0000000000000040
	ThrottleHWPowerBrake  ThrottleReason = 0x0000000000000080
	ThrottleDisplayClocks ThrottleReason = 0x0000000000000100
)

// throttleReasons fixes the decode order so output is reproducible.
var throttleReasons = []struct {
	bit  ThrottleReason
	name string
}{
	{ThrottleGPUIdle, "GPU_IDLE"},
	{ThrottleClocksSetting, "CLOCKS_SETTING"},
	{ThrottleSWPowerCap, "SW_POWER_CAP"},
	{ThrottleHWSlowdown, "HW_SLOWDOWN"},
	{ThrottleSWThermal, "SW_THERMAL"},
	{ThrottleHWThermal, "HW_THERMAL"},
	{ThrottleHWPowerBrake, "HW_POWER_BRAKE"},
	{ThrottleSyncBoost, "SYNC_BOOST"},
	{ThrottleDisplayClocks, "DISPLAY_CLOCKS"},
}

// String returns the symbolic name of a single reason bit.
func (r ThrottleReason) String() string {
	for _, reason := range throttleReasons {
		if reason.bit == r {
			return reason.name
		}
	}
	return fmt.Sprintf("ThrottleReason(0x%x)", uint64(r))
}

// DecodeThrottleReasons returns the names of all known bits set in mask.
// Unknown bits are ignored. A zero mask yields an empty, non-nil slice.
func DecodeThrottleReasons(mask uint64) []string {
	decoded := make([]string, 0, len(throttleReasons))
	for _, reason := range throttleReasons {
		if mask&uint64(reason.bit) != 0 {
			decoded = append(decoded, reason.name)
		}
	}
	return decoded
}

// EncodeThrottleReasons folds reason names back into a bitmask.
func EncodeThrottleReasons(names []string) (uint64, error) {
	var mask uint64
	for _, name := range names {
		bit, ok := lookupThrottleReason(name)
		if !ok {
			return 0, fmt.Errorf("unknown throttle reason %q", name)
		}
		mask |= uint64(bit)
	}
	return mask, nil
}

func lookupThrottleReason(name string) (ThrottleReason, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	for _, reason := range throttleReasons {
		if reason.name == normalized {
			return reason.bit, true
		}
	}
	return 0, false
}
