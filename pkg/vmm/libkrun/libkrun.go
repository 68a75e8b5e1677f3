//go:build linux && cgo

// Package libkrun is a thin cgo binding over the libkrun context API.
// Only the shim links against it; the enter call performs process
// takeover and must never run inside the host application.
package libkrun

/*
#cgo LDFLAGS: -lkrun
#include <stdlib.h>
#include <libkrun.h>
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// Context owns one libkrun configuration context.
type Context struct {
	id C.int
}

// Create allocates a new libkrun context.
func Create() (*Context, error) {
	id := C.krun_create_ctx()
	if id < 0 {
		return nil, fmt.Errorf("krun_create_ctx failed with status %d", int(id))
	}
	return &Context{id: id}, nil
}

// Free releases the context. Safe to call after a failed enter.
func (c *Context) Free() {
	C.krun_free_ctx(C.uint32_t(c.id))
}

// SetVMConfig configures vCPU count and memory in MiB.
func (c *Context) SetVMConfig(cpus uint8, memoryMiB uint32) error {
	return check("krun_set_vm_config",
		C.krun_set_vm_config(C.uint32_t(c.id), C.uint8_t(cpus), C.uint32_t(memoryMiB)))
}

// SetRoot sets the guest root filesystem path.
func (c *Context) SetRoot(rootfs string) error {
	cs := C.CString(rootfs)
	defer C.free(unsafe.Pointer(cs))
	return check("krun_set_root", C.krun_set_root(C.uint32_t(c.id), cs))
}

// SetExec sets the guest entrypoint, argv, and environment.
func (c *Context) SetExec(exec string, args, env []string) error {
	cExec := C.CString(exec)
	defer C.free(unsafe.Pointer(cExec))

	cArgs, freeArgs := cStringArray(args)
	defer freeArgs()
	cEnv, freeEnv := cStringArray(env)
	defer freeEnv()

	return check("krun_set_exec",
		C.krun_set_exec(C.uint32_t(c.id), cExec, cArgs, cEnv))
}

// SetWorkDir sets the guest working directory.
func (c *Context) SetWorkDir(dir string) error {
	cs := C.CString(dir)
	defer C.free(unsafe.Pointer(cs))
	return check("krun_set_workdir", C.krun_set_workdir(C.uint32_t(c.id), cs))
}

// SetRlimits applies "<num>=soft:hard" rlimit entries.
func (c *Context) SetRlimits(rlimits []string) error {
	cRlimits, free := cStringArray(rlimits)
	defer free()
	return check("krun_set_rlimits", C.krun_set_rlimits(C.uint32_t(c.id), cRlimits))
}

// AddVirtiofs shares a host directory with the guest under a mount tag.
func (c *Context) AddVirtiofs(tag, hostPath string) error {
	cTag := C.CString(tag)
	defer C.free(unsafe.Pointer(cTag))
	cPath := C.CString(hostPath)
	defer C.free(unsafe.Pointer(cPath))
	return check("krun_add_virtiofs",
		C.krun_add_virtiofs(C.uint32_t(c.id), cTag, cPath))
}

// AddVsockPort bridges a guest vsock port to a host Unix socket. When
// listen is true libkrun creates the socket and listens.
func (c *Context) AddVsockPort(port uint32, socketPath string, listen bool) error {
	cs := C.CString(socketPath)
	defer C.free(unsafe.Pointer(cs))
	return check("krun_add_vsock_port2",
		C.krun_add_vsock_port2(C.uint32_t(c.id), C.uint32_t(port), cs, C.bool(listen)))
}

// SetPortMap applies "host:guest" TSI port pairs.
func (c *Context) SetPortMap(portMap []string) error {
	cMap, free := cStringArray(portMap)
	defer free()
	return check("krun_set_port_map", C.krun_set_port_map(C.uint32_t(c.id), cMap))
}

// SetConsoleOutput redirects VM console output to a file.
func (c *Context) SetConsoleOutput(path string) error {
	cs := C.CString(path)
	defer C.free(unsafe.Pointer(cs))
	return check("krun_set_console_output", C.krun_set_console_output(C.uint32_t(c.id), cs))
}

// SplitIrqchip enables the split IRQ chip required for TEE VMs.
func (c *Context) SplitIrqchip() error {
	return check("krun_split_irqchip", C.krun_split_irqchip(C.uint32_t(c.id), C.bool(true)))
}

// SetTeeConfigFile attaches the TEE launch configuration.
func (c *Context) SetTeeConfigFile(path string) error {
	cs := C.CString(path)
	defer C.free(unsafe.Pointer(cs))
	return check("krun_set_tee_config_file", C.krun_set_tee_config_file(C.uint32_t(c.id), cs))
}

// StartEnter starts the VM and enters it. On success this never
// returns: the calling process becomes the VM. A negative return means
// the enter call failed before the VM existed.
func (c *Context) StartEnter() int {
	return int(C.krun_start_enter(C.uint32_t(c.id)))
}

func check(name string, status C.int) error {
	if status < 0 {
		return fmt.Errorf("%s failed with status %d", name, int(status))
	}
	return nil
}

// cStringArray builds a NULL-terminated C string array and a release
// function for it.
func cStringArray(items []string) (**C.char, func()) {
	arr := C.malloc(C.size_t(len(items)+1) * C.size_t(unsafe.Sizeof(uintptr(0))))
	view := (*[1 << 28]*C.char)(arr)
	for i, s := range items {
		view[i] = C.CString(s)
	}
	view[len(items)] = nil

	return (**C.char)(arr), func() {
		for i := range items {
			C.free(unsafe.Pointer(view[i]))
		}
		C.free(arr)
	}
}
