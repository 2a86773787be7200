// Command privstackffi builds PrivStack's C ABI as a shared library
// (`go build -buildmode=c-shared`). It is the cgo half of pkg/ffi: every
// function here is a thin, panic-guarded wrapper translating between C
// types and pkg/engine.Handle, with pkg/ffi.Registry resolving the
// opaque handle ids C callers hold. No business logic lives in this
// package -- it exists only because cgo exports must be declared in
// package main.
package main

/*
#include <stdlib.h>
*/
import "C"

import (
	"unsafe"

	"github.com/privstack/core/pkg/engine"
	"github.com/privstack/core/pkg/ffi"
)

// registry is process-global: a shared library has exactly one Go
// runtime per process, so there is nowhere else to hang this state.
var registry = ffi.NewRegistry()

func main() {}

// recoverToCode turns a panic inside an exported function into an
// Internal error code instead of crashing the host process -- a cgo
// caller has no Go panic/recover of its own to catch it with.
func recoverToCode(code *C.int) {
	if r := recover(); r != nil {
		*code = C.int(ffi.CodeInternal)
	}
}

//export privstack_open
func privstack_open(path *C.char, outHandle *C.uintptr_t) (code C.int) {
	defer recoverToCode(&code)

	h, err := engine.Open(C.GoString(path))
	if err != nil {
		return C.int(ffi.ClassifyError(err))
	}
	*outHandle = C.uintptr_t(registry.Put(h))
	return C.int(ffi.CodeOK)
}

//export privstack_unlock
func privstack_unlock(handle C.uintptr_t, password *C.char, passwordLen C.size_t) (code C.int) {
	defer recoverToCode(&code)

	h, err := registry.Get(uintptr(handle))
	if err != nil {
		return C.int(ffi.ClassifyError(err))
	}
	pw := C.GoBytes(unsafe.Pointer(password), C.int(passwordLen))
	defer zeroBytes(pw)
	if err := h.Unlock(pw); err != nil {
		return C.int(ffi.ClassifyError(err))
	}
	return C.int(ffi.CodeOK)
}

//export privstack_lock
func privstack_lock(handle C.uintptr_t) (code C.int) {
	defer recoverToCode(&code)

	h, err := registry.Get(uintptr(handle))
	if err != nil {
		return C.int(ffi.ClassifyError(err))
	}
	if err := h.Lock(); err != nil {
		return C.int(ffi.ClassifyError(err))
	}
	return C.int(ffi.CodeOK)
}

//export privstack_close
func privstack_close(handle C.uintptr_t) (code C.int) {
	defer recoverToCode(&code)

	h, err := registry.Get(uintptr(handle))
	if err != nil {
		return C.int(ffi.ClassifyError(err))
	}
	registry.Remove(uintptr(handle))
	if err := h.Close(); err != nil {
		return C.int(ffi.ClassifyError(err))
	}
	return C.int(ffi.CodeOK)
}

//export privstack_start_sync
func privstack_start_sync(handle C.uintptr_t) (code C.int) {
	defer recoverToCode(&code)

	h, err := registry.Get(uintptr(handle))
	if err != nil {
		return C.int(ffi.ClassifyError(err))
	}
	if err := h.StartSyncDefault(); err != nil {
		return C.int(ffi.ClassifyError(err))
	}
	return C.int(ffi.CodeOK)
}

//export privstack_stop_sync
func privstack_stop_sync(handle C.uintptr_t) (code C.int) {
	defer recoverToCode(&code)

	h, err := registry.Get(uintptr(handle))
	if err != nil {
		return C.int(ffi.ClassifyError(err))
	}
	if err := h.StopSync(); err != nil {
		return C.int(ffi.ClassifyError(err))
	}
	return C.int(ffi.CodeOK)
}

//export privstack_get_local_peer_id
func privstack_get_local_peer_id(handle C.uintptr_t, outString **C.char) (code C.int) {
	defer recoverToCode(&code)

	h, err := registry.Get(uintptr(handle))
	if err != nil {
		return C.int(ffi.ClassifyError(err))
	}
	*outString = C.CString(h.LocalPeerID().String())
	return C.int(ffi.CodeOK)
}

//export privstack_execute
func privstack_execute(handle C.uintptr_t, jsonIn *C.char, jsonInLen C.size_t, outJSON **C.char, outJSONLen *C.size_t) (code C.int) {
	defer recoverToCode(&code)

	h, err := registry.Get(uintptr(handle))
	if err != nil {
		return C.int(ffi.ClassifyError(err))
	}
	req := C.GoBytes(unsafe.Pointer(jsonIn), C.int(jsonInLen))
	respJSON := h.Execute(req)

	*outJSON = C.CString(string(respJSON))
	*outJSONLen = C.size_t(len(respJSON))
	return C.int(ffi.CodeOK)
}

//export privstack_free_string
func privstack_free_string(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
