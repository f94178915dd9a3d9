package converge

import (
	"os"

	"golang.org/x/sys/unix"
)

type osIface interface {
	Getpid() int
	FindProcess(pid int) (processIface, error)
}

type realOS struct{}

func (realOS) Getpid() int {
	return os.Getpid()
}

func (realOS) FindProcess(pid int) (processIface, error) {
	return os.FindProcess(pid)
}

type processIface interface {
	Signal(os.Signal) error
}

// pidIsDead reports whether pid definitely does not exist. Signal 0 probes
// existence without delivering anything. A false return proves nothing about
// the process being one of ours (pids are reused); it only gates the cheaper
// failure path before a connection probe.
func pidIsDead(osi osIface, pid int) bool {
	proc, err := osi.FindProcess(pid)
	if err != nil {
		return true
	}
	return proc.Signal(unix.Signal(0)) != nil
}
