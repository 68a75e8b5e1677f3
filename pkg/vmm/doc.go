/*
Package vmm wraps the hardware-assisted VMM behind a per-instance state
machine.

A Machine owns one instance: its working directory under
<root>/boxes/<uuid>/ (composed rootfs, vsock bridge sockets, console
log), the derived KrunConfig, and the shim subprocess that actually
becomes the VM.

# Lifecycle

Transitions are totally ordered per machine and observed on the event
bus:

	Created → Booting → Running → Stopping → Stopped → Destroyed
	             │          │
	             └──────────┴────→ Failed

Failed is a sink reachable from any non-terminal state; MarkDead moves
a machine there when a reconciliation sweep finds its shim PID gone.

# The shim boundary

The VMM enter call performs process takeover: on success the calling
process IS the VM and never returns. Booting in-process would replace
the host application and pin it to a single VM, so Boot always spawns
cmd/box-shim with the serialized KrunConfig and waits for the agent
vsock bridge socket to appear. A shim that exits before the socket
shows up failed before the VM existed; the machine transitions to
Failed and its console log holds the reason.

# Interaction

The machine does not mediate guest requests. Callers reach the guest
directly through the bridged Unix sockets: ExecClient speaks HTTP over
exec.sock, PtySession speaks the binary frame protocol over pty.sock,
and the agent gRPC socket is handed out verbatim.

# Stopping

Stop delivers SIGTERM to the shim. The guest init — PID 1 inside the
VM — forwards the signal to its children, waits out a bounded grace
period, SIGKILLs stragglers, syncs, and lets the kernel terminate the
VM. If the shim outlives the caller's timeout, Stop escalates to
SIGKILL.
*/
package vmm
