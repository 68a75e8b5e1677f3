//go:build !linux || !cgo

package libkrun

import "errors"

var errUnsupported = errors.New("libkrun is only available on Linux with cgo enabled")

// Context is a stub on platforms without libkrun.
type Context struct{}

func Create() (*Context, error) { return nil, errUnsupported }

func (c *Context) Free()                                                   {}
func (c *Context) SetVMConfig(cpus uint8, memoryMiB uint32) error          { return errUnsupported }
func (c *Context) SetRoot(rootfs string) error                             { return errUnsupported }
func (c *Context) SetExec(exec string, args, env []string) error           { return errUnsupported }
func (c *Context) SetWorkDir(dir string) error                             { return errUnsupported }
func (c *Context) SetRlimits(rlimits []string) error                       { return errUnsupported }
func (c *Context) AddVirtiofs(tag, hostPath string) error                  { return errUnsupported }
func (c *Context) AddVsockPort(port uint32, path string, listen bool) error { return errUnsupported }
func (c *Context) SetPortMap(portMap []string) error                       { return errUnsupported }
func (c *Context) SetConsoleOutput(path string) error                      { return errUnsupported }
func (c *Context) SplitIrqchip() error                                     { return errUnsupported }
func (c *Context) SetTeeConfigFile(path string) error                      { return errUnsupported }
func (c *Context) StartEnter() int                                         { return -1 }
