// Package privgate implements the privilege gate: entering the engine
// under the setuid bit, and moving through capability-scoped phases
// without ever leaving more privilege active than the current phase needs.
package privgate

import (
	"fmt"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

// Phase names the four privilege phases named in the engine's lifecycle.
type Phase int

const (
	PhaseIsolateNamespace Phase = iota
	PhaseInstallMarks
	PhaseDrainEvents
	PhasePersist
)

func (p Phase) String() string {
	switch p {
	case PhaseIsolateNamespace:
		return "isolate-namespace"
	case PhaseInstallMarks:
		return "install-marks"
	case PhaseDrainEvents:
		return "drain-events"
	case PhasePersist:
		return "persist"
	default:
		return "unknown"
	}
}

// capsByPhase lists the effective capability set each phase needs, on top
// of running at the phase's effective uid.
var capsByPhase = map[Phase][]uintptr{
	PhaseIsolateNamespace: {unix.CAP_SYS_ADMIN},
	PhaseInstallMarks:     {unix.CAP_SYS_ADMIN},
	PhaseDrainEvents:      {unix.CAP_SYS_PTRACE, unix.CAP_SYS_NICE},
	PhasePersist:          nil,
}

// Gate tracks the caller's real identity and the binary's setuid grant,
// and mediates every privilege-phase transition.
type Gate struct {
	realUID, realGID int
	rootAvailable    bool
}

// Open verifies the setuid bit is effective and captures the caller's real
// identity. It must be called once, as early as possible in main().
func Open() (*Gate, error) {
	euid := unix.Geteuid()
	ruid := unix.Getuid()
	rgid := unix.Getgid()

	if euid != 0 {
		return nil, &PrivilegeError{
			Reason: fmt.Sprintf("effective uid is %d, not 0", euid),
			Remedy: "chown root cmdtrace-run && chmod u+s cmdtrace-run",
		}
	}

	return &Gate{realUID: ruid, realGID: rgid, rootAvailable: true}, nil
}

// RealUID returns the invoking user's real uid, the identity path
// resolution during the drain phase must run as.
func (g *Gate) RealUID() int { return g.realUID }

// RealGID returns the invoking user's real gid.
func (g *Gate) RealGID() int { return g.realGID }

// Release ends a phase's scoped acquisition by unlocking the OS thread
// that Enter locked. It does not restore the uid/gid/capability state
// that preceded the phase; that state stays as Enter set it until the
// next Enter. Callers run it on every exit path, including panics.
type Release func()

// Enter transitions into phase, returning a Release that must be deferred.
// Locks the calling goroutine to its OS thread for the lifetime of the
// phase: Linux credential syscalls are per-thread, and the Go scheduler
// would otherwise migrate the goroutine mid-phase and leave some other
// thread holding root while this one believes it dropped it.
func (g *Gate) Enter(p Phase) (Release, error) {
	runtime.LockOSThread()

	switch p {
	case PhaseIsolateNamespace, PhaseInstallMarks:
		if err := elevateAllThreads(0, 0); err != nil {
			runtime.UnlockOSThread()
			return nil, &PrivilegeError{Reason: fmt.Sprintf("enter phase %s: %v", p, err)}
		}
	case PhaseDrainEvents, PhasePersist:
		if err := elevateAllThreads(g.realUID, g.realGID); err != nil {
			runtime.UnlockOSThread()
			return nil, &PrivilegeError{Reason: fmt.Sprintf("enter phase %s: %v", p, err)}
		}
	}

	if err := setCapabilities(capsByPhase[p]); err != nil {
		runtime.UnlockOSThread()
		return nil, &PrivilegeError{Reason: fmt.Sprintf("set capabilities for phase %s: %v", p, err)}
	}

	return func() {
		runtime.UnlockOSThread()
	}, nil
}

// elevateAllThreads switches every OS thread's real/effective uid and gid,
// sidestepping the single-thread-credential footgun that plain
// syscall.Setuid/Setgid have on Linux.
func elevateAllThreads(uid, gid int) error {
	if _, _, errno := syscall.AllThreadsSyscall(syscall.SYS_SETGID, uintptr(gid), 0, 0); errno != 0 {
		return fmt.Errorf("setgid(%d): %w", gid, errno)
	}
	if _, _, errno := syscall.AllThreadsSyscall(syscall.SYS_SETUID, uintptr(uid), 0, 0); errno != 0 {
		return fmt.Errorf("setuid(%d): %w", uid, errno)
	}
	return nil
}

// setCapabilities restricts the effective+permitted capability set to
// exactly caps, clearing everything else. An empty caps drops to no
// extra capabilities at all.
func setCapabilities(caps []uintptr) error {
	hdr := unix.CapUserHeader{
		Version: unix.LINUX_CAPABILITY_VERSION_3,
		Pid:     int32(unix.Getpid()),
	}
	var data [2]unix.CapUserData

	var mask uint64
	for _, c := range caps {
		mask |= 1 << uint(c)
	}
	data[0].Effective = uint32(mask)
	data[0].Permitted = uint32(mask)
	data[0].Inheritable = 0
	data[1].Effective = uint32(mask >> 32)
	data[1].Permitted = uint32(mask >> 32)
	data[1].Inheritable = 0

	if err := unix.Capset(&hdr, &data[0]); err != nil {
		return fmt.Errorf("capset: %w", err)
	}
	return nil
}

// PrivilegeError is returned when the engine cannot acquire or maintain
// the privilege a phase requires.
type PrivilegeError struct {
	Reason string
	Remedy string
}

func (e *PrivilegeError) Error() string {
	if e.Remedy != "" {
		return fmt.Sprintf("privilege error: %s (fix: %s)", e.Reason, e.Remedy)
	}
	return fmt.Sprintf("privilege error: %s", e.Reason)
}
