// Package nsisolate detaches the engine into a private mount namespace
// and manages the rendezvous child that lets privileged peers join it
// later via a dedicated system group.
package nsisolate

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// RendezvousFlag is the hidden argv[1] the engine binary recognizes to
// become a rendezvous child instead of running normally. main() must
// check for this before any other argument parsing.
const RendezvousFlag = "__rendezvous"

// Isolator owns the rendezvous child's process handle and the write end
// of its pipe. SpawnRendezvous does not set rootFd: the pinned
// original-root descriptor is returned by PinOriginalRoot to its caller.
type Isolator struct {
	rootFd      int
	rendezvous  *exec.Cmd
	pipeWriteFd *os.File
}

// PinOriginalRoot opens "/" before the namespace is unshared. The
// descriptor survives the unshare and lets the event reader resolve
// fanotify fds back to paths in the pre-isolation mount view.
func PinOriginalRoot() (int, error) {
	fd, err := unix.Open("/", unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return -1, &NamespaceError{Op: "pin original root", Err: err}
	}
	return fd, nil
}

// Unshare detaches the calling thread's mount namespace. Must be called
// while holding CAP_SYS_ADMIN (privgate.PhaseIsolateNamespace).
func Unshare() error {
	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		return &NamespaceError{Op: "unshare mount namespace", Err: err}
	}
	return nil
}

// LookupRendezvousGroup resolves the system group permitted to join this
// namespace via the rendezvous child.
func LookupRendezvousGroup(name string) (int, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return -1, &NamespaceError{Op: fmt.Sprintf("lookup group %q", name), Err: err}
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return -1, &NamespaceError{Op: fmt.Sprintf("parse gid for group %q", name), Err: err}
	}
	return gid, nil
}

// SpawnRendezvous re-execs the engine binary as a rendezvous child whose
// effective gid is msenterGid. The child blocks reading a pipe until its
// write end is closed. Using a re-exec instead of a raw fork() is the
// idiomatic Go substitute: a bare fork() would duplicate the parent's Go
// runtime state (goroutines, thread pool) without duplicating the OS
// threads backing them, which corrupts the child; re-executing the binary
// gives the child a clean runtime instead.
func SpawnRendezvous(msenterGid int) (*Isolator, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, &NamespaceError{Op: "create rendezvous pipe", Err: err}
	}

	exePath, err := os.Executable()
	if err != nil {
		r.Close()
		w.Close()
		return nil, &NamespaceError{Op: "resolve engine binary path", Err: err}
	}

	cmd := exec.Command(exePath, RendezvousFlag)
	cmd.ExtraFiles = []*os.File{r}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{
			Uid: uint32(unix.Getuid()),
			Gid: uint32(msenterGid),
		},
	}
	cmd.Stdout = nil
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, &NamespaceError{Op: "start rendezvous child", Err: err}
	}
	r.Close() // parent's copy; the child inherited its own via ExtraFiles

	return &Isolator{rendezvous: cmd, pipeWriteFd: w}, nil
}

// Pid returns the rendezvous child's process id, sent to the shell
// integration in the SETUP_DONE frame.
func (i *Isolator) Pid() int {
	if i.rendezvous == nil || i.rendezvous.Process == nil {
		return -1
	}
	return i.rendezvous.Process.Pid
}

// Close terminates the rendezvous child by closing the pipe write end and
// reaps it. Owned entirely by this cleanup scope per the descriptor
// ownership rule.
func (i *Isolator) Close() error {
	if i.pipeWriteFd != nil {
		i.pipeWriteFd.Close()
	}
	if i.rendezvous != nil {
		return i.rendezvous.Wait()
	}
	return nil
}

// RunRendezvousChild is the body executed when the engine is re-exec'd
// with RendezvousFlag. It blocks on the inherited pipe (fd 3) until EOF.
func RunRendezvousChild() int {
	f := os.NewFile(3, "rendezvous-pipe")
	if f == nil {
		return 1
	}
	defer f.Close()
	buf := make([]byte, 64)
	for {
		if _, err := f.Read(buf); err != nil {
			return 0
		}
	}
}

// NamespaceError reports a failure isolating or joining a mount namespace.
type NamespaceError struct {
	Op  string
	Err error
}

func (e *NamespaceError) Error() string {
	return fmt.Sprintf("namespace error: %s: %v", e.Op, e.Err)
}

func (e *NamespaceError) Unwrap() error { return e.Err }
