//go:build !linux

package dcgm

import (
	"fmt"
	"runtime"
)

func loadLibrary(path string) (library, error) {
	return nil, fmt.Errorf("libdcgm is not available on %s", runtime.GOOS)
}
