package dcgm

import (
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"testing"
)

type fakeRecord struct {
	fieldType FieldType
	status    Return
	timestamp int64
	i64       int64
	f64       float64
	str       string
}

// fakeLibrary is an in-memory stand-in for libdcgm. It records the entry
// points called so tests can assert ordering.
type fakeLibrary struct {
	calls []string

	initRet, shutdownRet, startRet, stopRet, connectRet Return
	updateRet, devicesRet, valuesRet                      Return
	createRet, destroyRet, watchRet, unwatchRet           Return

	handle       uintptr
	nextGroup    uintptr
	devices      []uint32
	deviceCount  int
	records      map[FieldID]fakeRecord
	omit         map[FieldID]bool
	address      string
	groupNames   []string
	lastFlags    uint32
	lastEntities []entityPair
	watchFreqUS  int64
	released     int

	watchedGroups, unwatchedGroups, destroyedGroups []uintptr
}

func newFakeLibrary() *fakeLibrary {
	return &fakeLibrary{
		handle:    0xd0,
		nextGroup: 100,
		records:   make(map[FieldID]fakeRecord),
		omit:      make(map[FieldID]bool),
	}
}

func (f *fakeLibrary) Init() Return {
	f.calls = append(f.calls, "init")
	return f.initRet
}

func (f *fakeLibrary) Shutdown() Return {
	f.calls = append(f.calls, "shutdown")
	return f.shutdownRet
}

func (f *fakeLibrary) StartEmbedded(mode OperationMode) (uintptr, Return) {
	f.calls = append(f.calls, "start")
	if f.startRet != StOK {
		return 0, f.startRet
	}
	return f.handle, StOK
}

func (f *fakeLibrary) StopEmbedded(uintptr) Return {
	f.calls = append(f.calls, "stop")
	return f.stopRet
}

func (f *fakeLibrary) Connect(address string) (uintptr, Return) {
	f.calls = append(f.calls, "connect")
	f.address = address
	if f.connectRet != StOK {
		return 0, f.connectRet
	}
	return f.handle, StOK
}

func (f *fakeLibrary) UpdateAllFields(uintptr, bool) Return {
	f.calls = append(f.calls, "update")
	return f.updateRet
}

func (f *fakeLibrary) GetAllDevices(_ uintptr, ids *[MaxDevices]uint32) (int, Return) {
	f.calls = append(f.calls, "devices")
	if f.devicesRet != StOK {
		return 0, f.devicesRet
	}
	copy(ids[:], f.devices)
	count := f.deviceCount
	if count == 0 {
		count = len(f.devices)
	}
	return count, StOK
}

func (f *fakeLibrary) EntitiesGetLatestValues(_ uintptr, entities []entityPair, fields []FieldID, flags uint32, values []fieldValueV2) Return {
	f.calls = append(f.calls, "values")
	f.lastFlags = flags
	f.lastEntities = append([]entityPair(nil), entities...)
	if f.valuesRet != StOK {
		return f.valuesRet
	}
	for i, id := range fields {
		if values[i].Version != fieldValueVersion2 {
			return StVerMismatch
		}
		if f.omit[id] {
			continue
		}
		rec, ok := f.records[id]
		if !ok {
			rec = fakeRecord{status: StNoData}
		}
		fillRaw(&values[i], entities[0], id, rec)
	}
	return StOK
}

func (f *fakeLibrary) FieldGroupCreate(_ uintptr, _ []FieldID, name string) (uintptr, Return) {
	f.calls = append(f.calls, "create")
	f.groupNames = append(f.groupNames, name)
	if f.createRet != StOK {
		return 0, f.createRet
	}
	group := f.nextGroup
	f.nextGroup++
	return group, StOK
}

func (f *fakeLibrary) FieldGroupDestroy(_ uintptr, group uintptr) Return {
	f.calls = append(f.calls, "destroy")
	f.destroyedGroups = append(f.destroyedGroups, group)
	return f.destroyRet
}

func (f *fakeLibrary) WatchFields(_ uintptr, _, group uintptr, updateFreqUS int64, _ float64, _ int32) Return {
	f.calls = append(f.calls, "watch")
	f.watchedGroups = append(f.watchedGroups, group)
	f.watchFreqUS = updateFreqUS
	return f.watchRet
}

func (f *fakeLibrary) UnwatchFields(_ uintptr, _, group uintptr) Return {
	f.calls = append(f.calls, "unwatch")
	f.unwatchedGroups = append(f.unwatchedGroups, group)
	return f.unwatchRet
}

func (f *fakeLibrary) Release() error {
	f.calls = append(f.calls, "release")
	f.released++
	return nil
}

func fillRaw(raw *fieldValueV2, entity entityPair, id FieldID, rec fakeRecord) {
	raw.EntityGroupID = uint32(entity.EntityGroupID)
	raw.EntityID = entity.EntityID
	raw.FieldID = uint16(id)
	raw.FieldType = uint16(rec.fieldType)
	raw.Status = int32(rec.status)
	raw.Timestamp = rec.timestamp
	switch {
	case rec.fieldType == FieldTypeString:
		copy(raw.Value[:maxStringLength-1], rec.str)
	case rec.fieldType == FieldTypeDouble || rec.f64 != 0:
		binary.NativeEndian.PutUint64(raw.Value[:8], math.Float64bits(rec.f64))
	default:
		binary.NativeEndian.PutUint64(raw.Value[:8], uint64(rec.i64))
	}
}

func doubleRecord(v float64, ts int64) fakeRecord {
	return fakeRecord{fieldType: FieldTypeDouble, f64: v, timestamp: ts}
}

func intRecord(v int64, ts int64) fakeRecord {
	return fakeRecord{fieldType: FieldTypeInt64, i64: v, timestamp: ts}
}

func stringRecord(v string, ts int64) fakeRecord {
	return fakeRecord{fieldType: FieldTypeString, str: v, timestamp: ts}
}

func openFakeEmbedded(t *testing.T, lib *fakeLibrary) *Session {
	t.Helper()

	s, err := OpenEmbedded(withLibrary(lib), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("OpenEmbedded returned error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func assertCalls(t *testing.T, got []string, want ...string) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
}
