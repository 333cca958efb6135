//go:build android || ios

package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"
)

// result converts a bridge call into a C string, recording err for
// FieldmapLastError. A nil return means the call failed.
func result(s string, err error) *C.char {
	setLastError(err)
	if err != nil {
		return nil
	}
	return C.CString(s)
}

// FieldmapInit loads the config file at path and starts the engine.
// Returns 0 on success and -1 on failure.
//
//export FieldmapInit
func FieldmapInit(path *C.char) C.int {
	err := core.start(C.GoString(path))
	setLastError(err)
	if err != nil {
		return -1
	}
	return 0
}

// FieldmapShutdown stops background work and closes the queue.
//
//export FieldmapShutdown
func FieldmapShutdown() {
	core.stop()
}

// FieldmapLastError returns the last error message.
// Returns a C string that must be freed by the caller.
//
//export FieldmapLastError
func FieldmapLastError() *C.char {
	return C.CString(getLastError())
}

// FieldmapFreeString frees a string returned by any Fieldmap call.
//
//export FieldmapFreeString
func FieldmapFreeString(s *C.char) {
	C.free(unsafe.Pointer(s))
}
