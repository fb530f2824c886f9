package dcgm

// FieldID names one measurable quantity in the daemon's schema.
type FieldID uint16

// Field identifiers used by this package. Values match dcgm_fields.h.
const (
	FieldDevName            FieldID = 50
	FieldDevSerial          FieldID = 53
	FieldDevUUID            FieldID = 54
	FieldDevPCIBusID        FieldID = 57
	FieldDevPCICombinedID   FieldID = 58
	FieldDevPCISubsysID     FieldID = 59
	FieldSMClock            FieldID = 100
	FieldMemClock           FieldID = 101
	FieldClocksEventReasons FieldID = 112
	FieldGPUTemp            FieldID = 150
	FieldGPUMaxOpTemp       FieldID = 152
	FieldPowerUsage         FieldID = 155
	FieldTotalEnergy        FieldID = 156
	FieldEnforcedPowerLimit FieldID = 164
	FieldGPUUtil            FieldID = 203
	FieldPowerViolation     FieldID = 240
	FieldThermalViolation   FieldID = 241
	FieldFBTotal            FieldID = 250
	FieldFBFree             FieldID = 251
	FieldFBUsed             FieldID = 252
	FieldProfSMActive       FieldID = 1002
)

// FieldType is the wire tag carried by a field value record.
type FieldType uint16

const (
	FieldTypeDouble    FieldType = 'd'
	FieldTypeInt64     FieldType = 'i'
	FieldTypeString    FieldType = 's'
	FieldTypeBinary    FieldType = 'b'
	FieldTypeTimestamp FieldType = 't'
)

// EntityGroup is a dcgm_field_entity_group_t.
type EntityGroup uint32

const (
	EntityGroupNone EntityGroup = 0
	EntityGroupGPU  EntityGroup = 1
)

const (
	// MaxDevices bounds dcgmGetAllDevices output.
	MaxDevices = 32

	maxStringLength = 256
	maxBlobLength   = 4096

	// flagLiveData asks for a fresh sample instead of the cached one.
	flagLiveData uint32 = 0x00000001

	// groupAllGPUs is DCGM_GROUP_ALL_GPUS.
	groupAllGPUs uintptr = 0x7fffffff
)

// fieldKinds is the schema the decoder dispatches on. It mirrors the
// daemon's own field metadata for every id this package reads.
var fieldKinds = map[FieldID]Kind{
	FieldDevName:            KindString,
	FieldDevSerial:          KindString,
	FieldDevUUID:            KindString,
	FieldDevPCIBusID:        KindString,
	FieldDevPCICombinedID:   KindInt64,
	FieldDevPCISubsysID:     KindInt64,
	FieldSMClock:            KindInt64,
	FieldMemClock:           KindInt64,
	FieldClocksEventReasons: KindInt64,
	FieldGPUTemp:            KindInt64,
	FieldGPUMaxOpTemp:       KindInt64,
	FieldPowerUsage:         KindFloat64,
	FieldTotalEnergy:        KindInt64,
	FieldEnforcedPowerLimit: KindFloat64,
	FieldGPUUtil:            KindInt64,
	FieldPowerViolation:     KindInt64,
	FieldThermalViolation:   KindInt64,
	FieldFBTotal:            KindInt64,
	FieldFBFree:             KindInt64,
	FieldFBUsed:             KindInt64,
	FieldProfSMActive:       KindFloat64,
}

// KindOf returns the fixed value kind for a known field id.
func KindOf(id FieldID) (Kind, bool) {
	kind, ok := fieldKinds[id]
	return kind, ok
}
