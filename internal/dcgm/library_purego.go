//go:build linux

package dcgm

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// puregoLibrary binds libdcgm entry points through dlopen without cgo.
type puregoLibrary struct {
	handle uintptr

	dcgmInit                    func() int32
	dcgmShutdown                func() int32
	dcgmStartEmbedded           func(mode int32, handle *uintptr) int32
	dcgmStopEmbedded            func(handle uintptr) int32
	dcgmConnect                 func(address string, handle *uintptr) int32
	dcgmUpdateAllFields         func(handle uintptr, waitForUpdate int32) int32
	dcgmGetAllDevices           func(handle uintptr, ids *uint32, count *int32) int32
	dcgmEntitiesGetLatestValues func(handle uintptr, entities *entityPair, entityCount uint32, fields *FieldID, fieldCount uint32, flags uint32, values *fieldValueV2) int32
	dcgmFieldGroupCreate        func(handle uintptr, numFieldIDs int32, fields *FieldID, name string, fieldGroup *uintptr) int32
	dcgmFieldGroupDestroy       func(handle uintptr, fieldGroup uintptr) int32
	dcgmWatchFields             func(handle uintptr, gpuGroup uintptr, fieldGroup uintptr, updateFreq int64, maxKeepAge float64, maxKeepSamples int32) int32
	dcgmUnwatchFields           func(handle uintptr, gpuGroup uintptr, fieldGroup uintptr) int32
}

// loadLibrary opens path and resolves every symbol up front so a missing
// entry point fails the session instead of a later call.
func loadLibrary(path string) (library, error) {
	if path == "" {
		path = DefaultLibraryPath
	}
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("dlopen %s: %w", path, err)
	}

	lib := &puregoLibrary{handle: handle}
	symbols := []struct {
		name string
		fptr any
	}{
		{"dcgmInit", &lib.dcgmInit},
		{"dcgmShutdown", &lib.dcgmShutdown},
		{"dcgmStartEmbedded", &lib.dcgmStartEmbedded},
		{"dcgmStopEmbedded", &lib.dcgmStopEmbedded},
		{"dcgmConnect", &lib.dcgmConnect},
		{"dcgmUpdateAllFields", &lib.dcgmUpdateAllFields},
		{"dcgmGetAllDevices", &lib.dcgmGetAllDevices},
		{"dcgmEntitiesGetLatestValues", &lib.dcgmEntitiesGetLatestValues},
		{"dcgmFieldGroupCreate", &lib.dcgmFieldGroupCreate},
		{"dcgmFieldGroupDestroy", &lib.dcgmFieldGroupDestroy},
		{"dcgmWatchFields", &lib.dcgmWatchFields},
		{"dcgmUnwatchFields", &lib.dcgmUnwatchFields},
	}
	for _, sym := range symbols {
		addr, err := purego.Dlsym(handle, sym.name)
		if err != nil {
			_ = purego.Dlclose(handle)
			return nil, fmt.Errorf("resolve %s: %w", sym.name, err)
		}
		purego.RegisterFunc(sym.fptr, addr)
	}
	return lib, nil
}

func (l *puregoLibrary) Init() Return {
	return Return(l.dcgmInit())
}

func (l *puregoLibrary) Shutdown() Return {
	return Return(l.dcgmShutdown())
}

func (l *puregoLibrary) StartEmbedded(mode OperationMode) (uintptr, Return) {
	var handle uintptr
	ret := l.dcgmStartEmbedded(int32(mode), &handle)
	return handle, Return(ret)
}

func (l *puregoLibrary) StopEmbedded(handle uintptr) Return {
	return Return(l.dcgmStopEmbedded(handle))
}

func (l *puregoLibrary) Connect(address string) (uintptr, Return) {
	var handle uintptr
	ret := l.dcgmConnect(address, &handle)
	return handle, Return(ret)
}

func (l *puregoLibrary) UpdateAllFields(handle uintptr, wait bool) Return {
	var flag int32
	if wait {
		flag = 1
	}
	return Return(l.dcgmUpdateAllFields(handle, flag))
}

func (l *puregoLibrary) GetAllDevices(handle uintptr, ids *[MaxDevices]uint32) (int, Return) {
	var count int32
	ret := l.dcgmGetAllDevices(handle, &ids[0], &count)
	return int(count), Return(ret)
}

func (l *puregoLibrary) EntitiesGetLatestValues(handle uintptr, entities []entityPair, fields []FieldID, flags uint32, values []fieldValueV2) Return {
	if len(entities) == 0 || len(fields) == 0 || len(values) == 0 {
		return StBadParam
	}
	ret := l.dcgmEntitiesGetLatestValues(
		handle,
		&entities[0],
		uint32(len(entities)),
		&fields[0],
		uint32(len(fields)),
		flags,
		&values[0],
	)
	return Return(ret)
}

func (l *puregoLibrary) FieldGroupCreate(handle uintptr, fields []FieldID, name string) (uintptr, Return) {
	if len(fields) == 0 {
		return 0, StBadParam
	}
	var group uintptr
	ret := l.dcgmFieldGroupCreate(handle, int32(len(fields)), &fields[0], name, &group)
	return group, Return(ret)
}

func (l *puregoLibrary) FieldGroupDestroy(handle uintptr, fieldGroup uintptr) Return {
	return Return(l.dcgmFieldGroupDestroy(handle, fieldGroup))
}

func (l *puregoLibrary) WatchFields(handle uintptr, gpuGroup, fieldGroup uintptr, updateFreqUS int64, maxKeepAge float64, maxKeepSamples int32) Return {
	return Return(l.dcgmWatchFields(handle, gpuGroup, fieldGroup, updateFreqUS, maxKeepAge, maxKeepSamples))
}

func (l *puregoLibrary) UnwatchFields(handle uintptr, gpuGroup, fieldGroup uintptr) Return {
	return Return(l.dcgmUnwatchFields(handle, gpuGroup, fieldGroup))
}

func (l *puregoLibrary) Release() error {
	if l.handle == 0 {
		return nil
	}
	err := purego.Dlclose(l.handle)
	l.handle = 0
	return err
}
