package dcgm

import "fmt"

// Return is a dcgmReturn_t status code.
type Return int32

const (
	StOK                    Return = 0
	StBadParam              Return = -1
	StGenericError          Return = -3
	StMemory                Return = -4
	StNotConfigured         Return = -5
	StNotSupported          Return = -6
	StInitError             Return = -7
	StNVMLError             Return = -8
	StPending               Return = -9
	StUninitialized         Return = -10
	StTimeout               Return = -11
	StVerMismatch           Return = -12
	StUnknownField          Return = -13
	StNoData                Return = -14
	StStaleData             Return = -15
	StNotWatched            Return = -16
	StNoPermission          Return = -17
	StGPUIsLost             Return = -18
	StResetRequired         Return = -19
	StFunctionNotFound      Return = -20
	StConnectionNotValid    Return = -21
	StGPUNotSupported       Return = -22
	StGroupIncompatible     Return = -23
	StMaxLimit              Return = -24
	StLibraryNotFound       Return = -25
	StDuplicateKey          Return = -26
	StRequiresRoot          Return = -29
	StInsufficientSize      Return = -31
	StProfilingNotSupported Return = -36
)

var returnNames = map[Return]string{
	StOK:                    "OK",
	StBadParam:              "BADPARAM",
	StGenericError:          "GENERIC_ERROR",
	StMemory:                "MEMORY",
	StNotConfigured:         "NOT_CONFIGURED",
	StNotSupported:          "NOT_SUPPORTED",
	StInitError:             "INIT_ERROR",
	StNVMLError:             "NVML_ERROR",
	StPending:               "PENDING",
	StUninitialized:         "UNINITIALIZED",
	StTimeout:               "TIMEOUT",
	StVerMismatch:           "VER_MISMATCH",
	StUnknownField:          "UNKNOWN_FIELD",
	StNoData:                "NO_DATA",
	StStaleData:             "STALE_DATA",
	StNotWatched:            "NOT_WATCHED",
	StNoPermission:          "NO_PERMISSION",
	StGPUIsLost:             "GPU_IS_LOST",
	StResetRequired:         "RESET_REQUIRED",
	StFunctionNotFound:      "FUNCTION_NOT_FOUND",
	StConnectionNotValid:    "CONNECTION_NOT_VALID",
	StGPUNotSupported:       "GPU_NOT_SUPPORTED",
	StGroupIncompatible:     "GROUP_INCOMPATIBLE",
	StMaxLimit:              "MAX_LIMIT",
	StLibraryNotFound:       "LIBRARY_NOT_FOUND",
	StDuplicateKey:          "DUPLICATE_KEY",
	StRequiresRoot:          "REQUIRES_ROOT",
	StInsufficientSize:      "INSUFFICIENT_SIZE",
	StProfilingNotSupported: "PROFILING_NOT_SUPPORTED",
}

func (r Return) String() string {
	if name, ok := returnNames[r]; ok {
		return name
	}
	return fmt.Sprintf("DCGM_ST(%d)", int32(r))
}

// requiresElevatedAccess reports statuses the daemon uses for privilege gating.
func (r Return) requiresElevatedAccess() bool {
	return r == StRequiresRoot || r == StNoPermission
}
