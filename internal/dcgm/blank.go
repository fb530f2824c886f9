package dcgm

// Reserved "no current sample" sentinels. Anything at or above these values
// means the daemon has nothing to report for the field right now.
const (
	Int32Blank int32   = 0x7FFFFFF0
	Int64Blank int64   = 0x7FFFFFFFFFFFFFF0
	FP64Blank  float64 = 140737488355328.0

	// StringBlank is what the daemon writes into string fields without data.
	StringBlank = "<<<NULL>>>"
)

// IsInt32Blank reports whether v is a blank 32-bit sentinel.
func IsInt32Blank(v int32) bool {
	return v >= Int32Blank
}

// IsInt64Blank reports whether v is a blank 64-bit sentinel.
func IsInt64Blank(v int64) bool {
	return v >= Int64Blank
}

// IsFP64Blank reports whether v is a blank double sentinel.
func IsFP64Blank(v float64) bool {
	return v >= FP64Blank
}
