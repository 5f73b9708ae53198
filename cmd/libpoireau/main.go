// SPDX-License-Identifier: MIT

// Command libpoireau builds as a cgo c-shared library that intercepts
// malloc/calloc/realloc/free via LD_PRELOAD, exactly the way src/shim.c
// does: the dlsym(RTLD_NEXT, ...) resolution, the bootstrap dummy_* stubs,
// and the per-thread "resolving" reentrancy guard are unavoidably C, since
// they run before this library's own init() — and before Go's runtime can
// be assumed safe to call into — has had a chance to execute. Everything
// past "resolve the real libc entry points" is delegated straight back
// into Go: the four C malloc/calloc/realloc/free symbols this library
// exports each tail-call one cgo-exported Go function, which in turn
// drives internal/shim.Dispatcher.
package main

/*
#cgo LDFLAGS: -ldl

#include <dlfcn.h>
#include <stddef.h>
#include <stdint.h>
#include <stdlib.h>

#define EXPORT   __attribute__((visibility("default")))
#define NOINLINE __attribute__((noinline))

typedef void *(*malloc_fn)(size_t);
typedef void *(*calloc_fn)(size_t, size_t);
typedef void *(*realloc_fn)(void *, size_t);
typedef void  (*free_fn)(void *);

static void *dummy_malloc(size_t n);
static void *dummy_calloc(size_t num, size_t size);
static void *dummy_realloc(void *ptr, size_t n);
static void  dummy_free(void *ptr);

static malloc_fn  volatile base_malloc  = dummy_malloc;
static calloc_fn  volatile base_calloc  = dummy_calloc;
static realloc_fn volatile base_realloc = dummy_realloc;
static free_fn    volatile base_free    = dummy_free;

// init_shim resolves the four real libc entry points exactly once. The
// order matters, same as src/shim.c: free and realloc are resolved before
// malloc and calloc, so that if dlsym itself allocates (glibc's dlsym can,
// on its cold path) the allocation is freed against a resolved base_free
// rather than the dummy.
NOINLINE static int
init_shim(void)
{
	static volatile uint8_t done = 0;
	static __thread uint8_t resolving = 0;

	if (done || resolving)
		return done != 0;

	resolving = 1;
	base_free    = (free_fn)dlsym(RTLD_NEXT, "free");
	base_realloc = (realloc_fn)dlsym(RTLD_NEXT, "realloc");
	base_malloc  = (malloc_fn)dlsym(RTLD_NEXT, "malloc");
	base_calloc  = (calloc_fn)dlsym(RTLD_NEXT, "calloc");
	done = 1;
	resolving = 0;
	return 1;
}

static void *dummy_malloc(size_t n)                { return init_shim() ? base_malloc(n) : NULL; }
static void *dummy_calloc(size_t num, size_t size) { return init_shim() ? base_calloc(num, size) : NULL; }
static void *dummy_realloc(void *ptr, size_t n)    { return init_shim() ? base_realloc(ptr, n) : NULL; }
static void  dummy_free(void *ptr)                 { if (init_shim()) base_free(ptr); }

// call_base_* let Go reach the resolved libc pointers without ever seeing
// the volatile function-pointer variables directly.
static void *call_base_malloc(size_t n)              { return base_malloc(n); }
static void *call_base_calloc(size_t num, size_t sz) { return base_calloc(num, sz); }
static void *call_base_realloc(void *ptr, size_t n)  { return base_realloc(ptr, n); }
static void  call_base_free(void *ptr)               { base_free(ptr); }

// Prototypes for the cgo-exported Go functions; the generated
// _cgo_export.h isn't visible from this preamble, so these are declared by
// hand and must match the exported signatures below exactly.
extern void *goMalloc(size_t request);
extern void *goCalloc(size_t num, size_t size);
extern void *goRealloc(void *ptr, size_t request);
extern void  goFree(void *ptr);

EXPORT NOINLINE void *
malloc(size_t request)
{
	return goMalloc(request);
}

EXPORT NOINLINE void *
calloc(size_t num, size_t size)
{
	return goCalloc(num, size);
}

EXPORT NOINLINE void *
realloc(void *ptr, size_t request)
{
	return goRealloc(ptr, request);
}

EXPORT NOINLINE void
free(void *ptr)
{
	goFree(ptr);
}
*/
import "C"

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/backtrace-labs/libpoireau-go/internal/faultcopy"
	"github.com/backtrace-labs/libpoireau-go/internal/poireauconfig"
	"github.com/backtrace-labs/libpoireau-go/internal/registry"
	"github.com/backtrace-labs/libpoireau-go/internal/sampler"
	"github.com/backtrace-labs/libpoireau-go/internal/shim"
	"github.com/backtrace-labs/libpoireau-go/internal/tlsid"
)

// dispatcher and states are set up once by init (the library constructor:
// a c-shared .so's package init() functions run at dlopen/LD_PRELOAD time,
// before any interposed malloc can be called from the host process) and
// are never reassigned afterward.
var (
	dispatcher *shim.Dispatcher
	states     *tlsid.Table[sampler.State]
)

func init() {
	cfg := poireauconfig.Load(os.Stderr)

	dispatcher = &shim.Dispatcher{
		Underlying: shim.Underlying{
			Malloc: func(n uintptr) (uintptr, bool) {
				p := C.call_base_malloc(C.size_t(n))
				if p == nil {
					return 0, false
				}
				return uintptr(p), true
			},
			Calloc: func(num, size uintptr) (uintptr, bool) {
				p := C.call_base_calloc(C.size_t(num), C.size_t(size))
				if p == nil {
					return 0, false
				}
				return uintptr(p), true
			},
			Realloc: func(ptr uintptr, n uintptr) (uintptr, bool) {
				p := C.call_base_realloc(unsafe.Pointer(ptr), C.size_t(n))
				if p == nil && n != 0 {
					return 0, false
				}
				return uintptr(p), true
			},
			Free: func(ptr uintptr) {
				C.call_base_free(unsafe.Pointer(ptr))
			},
		},
		Registry: registry.New(registry.LinuxMapper{}),
		Period:   cfg.PeriodBytes,
		RandSrc:  sampler.GetrandomSource{},
		Copy:     faultcopy.NewProcessVMReader(),
		PageSize: uintptr(unix.Getpagesize()),
		ToBytes: func(ptr uintptr, n uintptr) []byte {
			return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
		},
	}

	states = tlsid.NewTable(func() *sampler.State { return &sampler.State{} })
}

// threadState returns the calling OS thread's sampler state. Must only be
// called from a cgo-exported function, which always runs on the thread
// that entered from C.
func threadState() *sampler.State {
	return states.For(int32(unix.Gettid()))
}

// abortOnPanic recovers a panic raised by a detected invariant violation
// (double free, heap corruption, an untracked pointer passed to a tracked
// path — see internal/registry) and turns it into a hard process abort
// via C's abort(), rather than letting it unwind as a Go panic across the
// cgo boundary. Matches glibc's own abort() semantics: the process must
// die immediately, the same contract the original shim gives a detected
// corruption.
func abortOnPanic() {
	if r := recover(); r != nil {
		C.abort()
	}
}

//export goMalloc
func goMalloc(request C.size_t) unsafe.Pointer {
	defer abortOnPanic()
	ptr, ok := dispatcher.Malloc(threadState(), uintptr(request))
	if !ok {
		return nil
	}
	return unsafe.Pointer(ptr)
}

//export goCalloc
func goCalloc(num, size C.size_t) unsafe.Pointer {
	defer abortOnPanic()
	ptr, ok := dispatcher.Calloc(threadState(), uintptr(num), uintptr(size))
	if !ok {
		return nil
	}
	return unsafe.Pointer(ptr)
}

//export goRealloc
func goRealloc(ptr unsafe.Pointer, request C.size_t) unsafe.Pointer {
	defer abortOnPanic()
	newPtr, ok := dispatcher.Realloc(threadState(), uintptr(ptr), uintptr(request))
	if !ok {
		return nil
	}
	return unsafe.Pointer(newPtr)
}

//export goFree
func goFree(ptr unsafe.Pointer) {
	defer abortOnPanic()
	dispatcher.Free(uintptr(ptr))
}

func main() {}
