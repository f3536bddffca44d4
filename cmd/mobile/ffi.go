//go:build cgo && (android || ios)

package main

/*
#include <stdlib.h>
*/
import "C"

import (
	"time"
	"unsafe"
)

// Strings returned by these functions must be released with SyncFreeString.
// Functions returning a pointer return NULL on failure, integer results use
// -1, and SyncLastError describes the failure.

// SyncInit opens the sync core and returns its handle, or 0 on failure.
// configPath may be empty; a non-empty dataDir overrides data_dir.
//
//export SyncInit
func SyncInit(configPath, dataDir *C.char) int64 {
	h, err := openHandle(C.GoString(configPath), C.GoString(dataDir))
	setLastError(err)
	if err != nil {
		return 0
	}
	return h
}

//export SyncClose
func SyncClose(handle int64) int32 {
	err := closeHandle(handle)
	setLastError(err)
	if err != nil {
		return -1
	}
	return 0
}

//export SyncLastError
func SyncLastError() *C.char {
	return C.CString(getLastError())
}

//export SyncFreeString
func SyncFreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

// SyncQueueAction queues a mutation and returns the stored action as JSON.
// A negative priority selects the kind's default.
//
//export SyncQueueAction
func SyncQueueAction(handle int64, kind, action, data *C.char, priority int32) *C.char {
	return jsonResult(handle, func(in *instance) ([]byte, error) {
		return in.queueAction(C.GoString(kind), C.GoString(action), C.GoString(data), int(priority))
	})
}

// SyncForce runs a cycle now and returns the SyncResult as JSON.
//
//export SyncForce
func SyncForce(handle int64) *C.char {
	return jsonResult(handle, (*instance).forceSync)
}

//export SyncStatus
func SyncStatus(handle int64) *C.char {
	return jsonResult(handle, (*instance).status)
}

//export SyncPendingCount
func SyncPendingCount(handle int64) int64 {
	in, err := lookup(handle)
	if err == nil {
		var n int
		n, err = in.pendingCount()
		if err == nil {
			setLastError(nil)
			return int64(n)
		}
	}
	setLastError(err)
	return -1
}

//export SyncSetOnline
func SyncSetOnline(handle int64, online int32) int32 {
	in, err := lookup(handle)
	setLastError(err)
	if err != nil {
		return -1
	}
	in.setOnline(online != 0)
	return 0
}

//export SyncSetForeground
func SyncSetForeground(handle int64, foreground int32) int32 {
	in, err := lookup(handle)
	if err == nil {
		err = in.setForeground(foreground != 0)
	}
	setLastError(err)
	if err != nil {
		return -1
	}
	return 0
}

// SyncCleanup purges failed actions older than retentionSeconds (the
// configured retention when zero) and returns how many were removed.
//
//export SyncCleanup
func SyncCleanup(handle int64, retentionSeconds int64) int64 {
	in, err := lookup(handle)
	if err == nil {
		var n int64
		n, err = in.cleanup(time.Duration(retentionSeconds) * time.Second)
		if err == nil {
			setLastError(nil)
			return n
		}
	}
	setLastError(err)
	return -1
}

func jsonResult(handle int64, fn func(*instance) ([]byte, error)) *C.char {
	in, err := lookup(handle)
	if err != nil {
		setLastError(err)
		return nil
	}
	data, err := fn(in)
	setLastError(err)
	if err != nil {
		return nil
	}
	return C.CString(string(data))
}
