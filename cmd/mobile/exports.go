//go:build android || ios

package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"
)

// FieldmapSubmit uploads a photo, queueing it when offline.
// annotations is a JSON object and may be NULL.
// Returns the upload result as JSON; free it with FieldmapFreeString.
//
//export FieldmapSubmit
func FieldmapSubmit(imageName *C.char, data unsafe.Pointer, length C.int, annotations *C.char) *C.char {
	var ann string
	if annotations != nil {
		ann = C.GoString(annotations)
	}
	image := C.GoBytes(data, length)
	return result(core.submit(C.GoString(imageName), image, ann))
}

// FieldmapListPlants returns every cached plant, newest first, as JSON.
//
//export FieldmapListPlants
func FieldmapListPlants() *C.char {
	return result(core.listPlants())
}

// FieldmapReplay replays the offline queue now.
//
//export FieldmapReplay
func FieldmapReplay() *C.char {
	return result(core.replay())
}

// FieldmapRefresh reloads the remote collection.
//
//export FieldmapRefresh
func FieldmapRefresh() *C.char {
	return result(core.refresh())
}

// FieldmapRetry releases a held job and replays it once.
//
//export FieldmapRetry
func FieldmapRetry(jobID *C.char) *C.char {
	return result(core.retry(C.GoString(jobID)))
}

// FieldmapSetOnline reports a reachability change from the platform.
//
//export FieldmapSetOnline
func FieldmapSetOnline(online C.int) *C.char {
	return result(core.setOnline(online != 0))
}

// FieldmapStatus returns the engine status as JSON.
//
//export FieldmapStatus
func FieldmapStatus() *C.char {
	return result(core.status())
}

// FieldmapPollEvents returns the events since the previous poll as a JSON array.
//
//export FieldmapPollEvents
func FieldmapPollEvents() *C.char {
	return result(core.pollEvents())
}
