package dcgm

import "strings"

// Metrics is the broad per-poll snapshot of one GPU. Every measurement is
// optional; nil means the daemon had no sample for it.
type Metrics struct {
	DeviceID uint `json:"device_id"`
	// Timestamp is the freshest record time in the batch, in microseconds.
	Timestamp int64 `json:"timestamp_us"`

	PowerUsage           *float64 `json:"power_usage_w,omitempty"`
	EnergyConsumption    *int64   `json:"energy_consumption_mj,omitempty"`
	EnforcedPowerLimit   *float64 `json:"enforced_power_limit_w,omitempty"`
	PowerViolationTime   *int64   `json:"power_violation_us,omitempty"`
	GPUTemp              *int64   `json:"gpu_temp_c,omitempty"`
	MaxGPUTemp           *int64   `json:"max_gpu_temp_c,omitempty"`
	ThermalViolationTime *int64   `json:"thermal_violation_us,omitempty"`
	FBTotal              *int64   `json:"fb_total_mb,omitempty"`
	FBFree               *int64   `json:"fb_free_mb,omitempty"`
	FBUsed               *int64   `json:"fb_used_mb,omitempty"`
	GPUUtil              *int64   `json:"gpu_util_pct,omitempty"`
	SMClock              *int64   `json:"sm_clock_mhz,omitempty"`
	MemClock             *int64   `json:"mem_clock_mhz,omitempty"`
	ClockThrottleReasons *uint64  `json:"clock_throttle_reasons,omitempty"`
	ThrottleReasons      []string `json:"throttle_reasons,omitempty"`
}

// BasicFields is the field list requested for a broad snapshot.
var BasicFields = []FieldID{
	FieldPowerUsage,
	FieldTotalEnergy,
	FieldGPUTemp,
	FieldGPUMaxOpTemp,
	FieldEnforcedPowerLimit,
	FieldFBTotal,
	FieldFBFree,
	FieldFBUsed,
	FieldGPUUtil,
	FieldSMClock,
	FieldMemClock,
	FieldPowerViolation,
	FieldThermalViolation,
	FieldClocksEventReasons,
}

type int64Setter func(*Metrics, *int64)

var int64Targets = map[FieldID]int64Setter{
	FieldTotalEnergy:      func(m *Metrics, v *int64) { m.EnergyConsumption = v },
	FieldGPUTemp:          func(m *Metrics, v *int64) { m.GPUTemp = v },
	FieldGPUMaxOpTemp:     func(m *Metrics, v *int64) { m.MaxGPUTemp = v },
	FieldFBTotal:          func(m *Metrics, v *int64) { m.FBTotal = v },
	FieldFBFree:           func(m *Metrics, v *int64) { m.FBFree = v },
	FieldFBUsed:           func(m *Metrics, v *int64) { m.FBUsed = v },
	FieldGPUUtil:          func(m *Metrics, v *int64) { m.GPUUtil = v },
	FieldSMClock:          func(m *Metrics, v *int64) { m.SMClock = v },
	FieldMemClock:         func(m *Metrics, v *int64) { m.MemClock = v },
	FieldPowerViolation:   func(m *Metrics, v *int64) { m.PowerViolationTime = v },
	FieldThermalViolation: func(m *Metrics, v *int64) { m.ThermalViolationTime = v },
}

// AssembleMetrics folds a batch of records into a snapshot. Unknown field
// ids and blank values leave the corresponding measurement nil.
func AssembleMetrics(device uint, values []FieldValue) Metrics {
	m := Metrics{DeviceID: device}
	for _, fv := range values {
		if fv.Timestamp > m.Timestamp {
			m.Timestamp = fv.Timestamp
		}

		switch fv.FieldID {
		case FieldPowerUsage:
			if v, ok := fv.Value.Float64(); ok {
				m.PowerUsage = &v
			}
		case FieldEnforcedPowerLimit:
			if v, ok := fv.Value.Float64(); ok {
				m.EnforcedPowerLimit = &v
			}
		case FieldClocksEventReasons:
			if v, ok := fv.Value.Int64(); ok {
				mask := uint64(v)
				m.ClockThrottleReasons = &mask
				m.ThrottleReasons = DecodeThrottleReasons(mask)
			}
		default:
			set, known := int64Targets[fv.FieldID]
			if !known {
				continue
			}
			if v, ok := fv.Value.Int64(); ok {
				set(&m, &v)
			}
		}
	}
	return m
}

// BasicMetrics refreshes and reads the broad snapshot for one GPU. It needs
// no watch registration.
func (s *Session) BasicMetrics(device uint) (Metrics, error) {
	if err := s.Refresh(true); err != nil {
		return Metrics{}, err
	}
	values, err := s.LatestValues(device, BasicFields, true)
	if err != nil {
		return Metrics{}, err
	}
	if len(values) == 0 {
		return Metrics{}, &FieldValueError{Context: "no metrics data returned"}
	}
	return AssembleMetrics(device, values), nil
}

// PowerActivity pairs power draw with the SM activity ratio.
type PowerActivity struct {
	DeviceID   uint    `json:"device_id"`
	PowerUsage float64 `json:"power_usage_w"`
	// SMActive is the fraction of time at least one warp was resident, in [0,1].
	SMActive  float64 `json:"sm_active"`
	Timestamp int64   `json:"timestamp_us"`
}

// AssemblePowerActivity requires both values. The error names every value
// that was missing or blank.
func AssemblePowerActivity(device uint, values []FieldValue) (PowerActivity, error) {
	pa := PowerActivity{DeviceID: device}
	var havePower, haveSM bool
	for _, fv := range values {
		if fv.Timestamp > pa.Timestamp {
			pa.Timestamp = fv.Timestamp
		}
		switch fv.FieldID {
		case FieldPowerUsage:
			pa.PowerUsage, havePower = fv.Value.Float64()
		case FieldProfSMActive:
			pa.SMActive, haveSM = fv.Value.Float64()
		}
	}

	var missing []string
	if !havePower {
		missing = append(missing, "power usage")
	}
	if !haveSM {
		missing = append(missing, "sm activity")
	}
	if len(missing) > 0 {
		return PowerActivity{}, &FieldValueError{Context: strings.Join(missing, " and ") + " missing or blank"}
	}
	return pa, nil
}

// PowerActivity enrolls the power and profiling categories if needed, then
// reads both values live. An enrollment failure, such as
// *ElevatedAccessError, is returned as is.
func (s *Session) PowerActivity(device uint) (PowerActivity, error) {
	for _, c := range []Category{CategoryPower, CategoryProfiling} {
		if err := s.EnableWatch(c); err != nil {
			return PowerActivity{}, err
		}
	}

	if err := s.Refresh(true); err != nil {
		return PowerActivity{}, err
	}
	values, err := s.LatestValues(device, []FieldID{FieldPowerUsage, FieldProfSMActive}, true)
	if err != nil {
		return PowerActivity{}, err
	}
	return AssemblePowerActivity(device, values)
}
