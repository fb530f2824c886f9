package dcgm

// DefaultLibraryPath is the soname probed when no path is configured.
const DefaultLibraryPath = "libdcgm.so.4"

// OperationMode selects how an embedded engine schedules field updates.
type OperationMode int32

const (
	OperationModeAuto   OperationMode = 1
	OperationModeManual OperationMode = 2
)

// library is the fixed capability set a session needs from libdcgm. It is
// resolved once when the session opens and held until Close.
type library interface {
	Init() Return
	Shutdown() Return
	StartEmbedded(mode OperationMode) (uintptr, Return)
	StopEmbedded(handle uintptr) Return
	Connect(address string) (uintptr, Return)
	UpdateAllFields(handle uintptr, wait bool) Return
	GetAllDevices(handle uintptr, ids *[MaxDevices]uint32) (int, Return)
	EntitiesGetLatestValues(handle uintptr, entities []entityPair, fields []FieldID, flags uint32, values []fieldValueV2) Return
	FieldGroupCreate(handle uintptr, fields []FieldID, name string) (uintptr, Return)
	FieldGroupDestroy(handle uintptr, fieldGroup uintptr) Return
	WatchFields(handle uintptr, gpuGroup, fieldGroup uintptr, updateFreqUS int64, maxKeepAge float64, maxKeepSamples int32) Return
	UnwatchFields(handle uintptr, gpuGroup, fieldGroup uintptr) Return
	// Release unloads the shared object.
	Release() error
}
