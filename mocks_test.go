package converge

import (
	"os"

	"github.com/pkg/errors"
)

// mockOS fakes pid assignment and liveness so election tests can play
// several "processes" inside one real one. Every pid reads as alive unless
// dead is set, which makes every pid read as gone.
type mockOS struct {
	pid  int
	dead bool
}

func (m mockOS) Getpid() int {
	return m.pid
}

func (m mockOS) FindProcess(pid int) (processIface, error) {
	if m.dead {
		return mockProcess{errors.New("process already finished")}, nil
	}
	return mockProcess{nil}, nil
}

type mockProcess struct {
	err error
}

func (m mockProcess) Signal(s os.Signal) error {
	return m.err
}
