package converge

import (
	"os"
	"path/filepath"
	"time"

	"github.com/inconshreveable/log15"
	"k8s.io/utils/clock"

	"github.com/modelcask/converge/internal/proto"
)

const (
	// DefaultMaxConnections is how many simultaneous client connections a
	// primary accepts before refusing new ones.
	DefaultMaxConnections = 32

	// DefaultConnectTimeout bounds the dial + ping of a liveness probe.
	DefaultConnectTimeout = 2 * time.Second

	// DefaultRegistryBusyTimeout bounds how long a registry write waits on a
	// lock held by another process.
	DefaultRegistryBusyTimeout = 5 * time.Second
)

type options struct {
	logger          log15.Logger
	clk             clock.Clock
	osi             osIface
	registryPath    string
	maxMessageBytes uint32
	maxConnections  int
	busyTimeout     time.Duration
	connectTimeout  time.Duration
}

// Option configures Resolve.
// See Rob Pike's post on the topic for more information on this pattern:
// https://commandcenter.blogspot.com/2014/01/self-referential-functions-and-design.html
type Option func(o *options)

func defaultOptions() *options {
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	return &options{
		logger:          noopLogger,
		clk:             clock.RealClock{},
		osi:             realOS{},
		registryPath:    DefaultRegistryPath(),
		maxMessageBytes: proto.DefaultMaxMessageBytes,
		maxConnections:  DefaultMaxConnections,
		busyTimeout:     DefaultRegistryBusyTimeout,
		connectTimeout:  DefaultConnectTimeout,
	}
}

// DefaultRegistryPath is the per-user registry database location shared by
// every process on the machine.
func DefaultRegistryPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "converge", "registry.db")
}

// WithLogger configures the logger for coordination operations.
// By default, nothing will be logged.
func WithLogger(l log15.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithRegistryPath overrides the registry database location. All processes
// coordinating on the same libraries must use the same path.
func WithRegistryPath(path string) Option {
	return func(o *options) {
		o.registryPath = path
	}
}

// WithMaxMessageBytes bounds the body of a single protocol frame in either
// direction. Zero keeps the default of 16 MiB.
func WithMaxMessageBytes(n uint32) Option {
	return func(o *options) {
		if n > 0 {
			o.maxMessageBytes = n
		}
	}
}

// WithMaxConnections bounds how many client connections the primary's server
// accepts at once. Connections beyond the bound are refused, not queued.
func WithMaxConnections(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConnections = n
		}
	}
}

// WithRegistryBusyTimeout configures how long registry writes wait out
// cross-process lock contention before failing.
func WithRegistryBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.busyTimeout = d
		}
	}
}

// WithConnectTimeout configures the dial + ping budget of a liveness probe.
// A dead-but-registered owner costs at most this long per election attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// withOS and withClock are test seams.
func withOS(osi osIface) Option {
	return func(o *options) {
		o.osi = osi
	}
}

func withClock(c clock.Clock) Option {
	return func(o *options) {
		o.clk = c
	}
}
