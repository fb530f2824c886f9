package dcgm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"
)

// entityPair is dcgmGroupEntityPair_t.
type entityPair struct {
	EntityGroupID EntityGroup
	EntityID      uint32
}

// fieldValueV2 is dcgmFieldValue_v2. Value holds the C union
// { int64 i64; double dbl; char str[256]; char blob[4096]; }.
type fieldValueV2 struct {
	Version       uint32
	EntityGroupID uint32
	EntityID      uint32
	FieldID       uint16
	FieldType     uint16
	Status        int32
	Unused        uint32
	Timestamp     int64
	Value         [maxBlobLength]byte
}

const fieldValueV2Size = 4128

// Layout must match the daemon ABI exactly.
var (
	_ [unsafe.Sizeof(fieldValueV2{}) - fieldValueV2Size]struct{}
	_ [fieldValueV2Size - unsafe.Sizeof(fieldValueV2{})]struct{}
)

// fieldValueVersion2 is MAKE_DCGM_VERSION(dcgmFieldValue_v2, 2).
const fieldValueVersion2 = uint32(fieldValueV2Size) | 2<<24

func (r *fieldValueV2) int64Value() int64 {
	return int64(binary.NativeEndian.Uint64(r.Value[:8]))
}

func (r *fieldValueV2) float64Value() float64 {
	return math.Float64frombits(binary.NativeEndian.Uint64(r.Value[:8]))
}

func (r *fieldValueV2) stringValue() string {
	raw := r.Value[:maxStringLength]
	if idx := bytes.IndexByte(raw, 0); idx >= 0 {
		raw = raw[:idx]
	}
	return string(raw)
}

// Kind discriminates the populated member of a Value.
type Kind uint8

const (
	KindBlank Kind = iota
	KindInt64
	KindFloat64
	KindString
	KindBlob
)

func (k Kind) String() string {
	switch k {
	case KindBlank:
		return "blank"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindBlob:
		return "blob"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Value is a decoded field value. Exactly one accessor reports ok for a
// non-blank value, matching Kind.
type Value struct {
	kind Kind
	i64  int64
	f64  float64
	str  string
	blob []byte
}

// BlankValue is the "no current sample" value.
func BlankValue() Value {
	return Value{kind: KindBlank}
}

// Int64Value wraps v, mapping the blank sentinel to a blank value.
func Int64Value(v int64) Value {
	if IsInt64Blank(v) {
		return BlankValue()
	}
	return Value{kind: KindInt64, i64: v}
}

// Float64Value wraps v, mapping the blank sentinel to a blank value.
func Float64Value(v float64) Value {
	if IsFP64Blank(v) {
		return BlankValue()
	}
	return Value{kind: KindFloat64, f64: v}
}

// StringValue wraps s, mapping the daemon's blank string to a blank value.
func StringValue(s string) Value {
	if s == StringBlank {
		return BlankValue()
	}
	return Value{kind: KindString, str: s}
}

// BlobValue wraps a copy of b.
func BlobValue(b []byte) Value {
	return Value{kind: KindBlob, blob: append([]byte(nil), b...)}
}

// Kind reports which member is populated.
func (v Value) Kind() Kind { return v.kind }

// IsBlank reports whether the value carries no sample.
func (v Value) IsBlank() bool { return v.kind == KindBlank }

func (v Value) Int64() (int64, bool) {
	return v.i64, v.kind == KindInt64
}

func (v Value) Float64() (float64, bool) {
	return v.f64, v.kind == KindFloat64
}

func (v Value) Text() (string, bool) {
	return v.str, v.kind == KindString
}

func (v Value) Blob() ([]byte, bool) {
	return v.blob, v.kind == KindBlob
}

// FieldValue is one decoded record returned by the daemon.
type FieldValue struct {
	EntityGroup EntityGroup
	EntityID    uint
	FieldID     FieldID
	Status      Return
	// Timestamp is microseconds since the Unix epoch.
	Timestamp int64
	Value     Value
}

// decodeFieldValue is the only place the raw union is read. The member is
// picked from the field schema; ids outside the schema decode as blank.
func decodeFieldValue(raw *fieldValueV2) FieldValue {
	fv := FieldValue{
		EntityGroup: EntityGroup(raw.EntityGroupID),
		EntityID:    uint(raw.EntityID),
		FieldID:     FieldID(raw.FieldID),
		Status:      Return(raw.Status),
		Timestamp:   raw.Timestamp,
		Value:       BlankValue(),
	}
	if fv.Status != StOK {
		return fv
	}
	if kind, ok := KindOf(fv.FieldID); ok {
		fv.Value = raw.value(kind)
	}
	return fv
}

func (r *fieldValueV2) value(kind Kind) Value {
	switch kind {
	case KindInt64:
		return Int64Value(r.int64Value())
	case KindFloat64:
		return Float64Value(r.float64Value())
	case KindString:
		return StringValue(r.stringValue())
	case KindBlob:
		return BlobValue(r.Value[:])
	default:
		return BlankValue()
	}
}
