package converge

import (
	"context"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/euank/filelock"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"github.com/modelcask/converge/internal/registry"
)

// Six attempts sleep 50/100/200/400/800 ms between them: the final doubling
// lands exactly on the cap, and any further growth would be clamped there.
const (
	electionAttempts    = 6
	electionBackoffBase = 50 * time.Millisecond
	electionBackoffCap  = 800 * time.Millisecond
	electionLockPoll    = 50 * time.Millisecond
)

// ErrElectionFailed means every election attempt found the registry claiming
// an owner that would neither answer a probe nor stay superseded. This
// indicates severe registry churn or a wedged process; the wrapped cause is
// the last losing attempt.
var ErrElectionFailed = errors.New("could not resolve a library owner")

// Resolution is the outcome of Resolve: exactly one of Primary or Client is
// set, matching Role.
type Resolution struct {
	Role    Role
	Primary *Primary
	Client  *Client
}

// Primary is the handle a winning process keeps alive for as long as it owns
// the library.
type Primary struct {
	server *Server
	store  *registry.Store // nil when running without coordination
	path   string
	pid    int
	l      log15.Logger

	closeOnce sync.Once
	closeErr  error
}

// Port returns the loopback port the convergence server is bound to.
func (p *Primary) Port() int { return p.server.Port() }

// Addr returns the convergence server's bound address.
func (p *Primary) Addr() *net.TCPAddr { return p.server.Addr() }

// Close deregisters this process and stops the convergence server. Crashed
// primaries never get here; their registration is superseded lazily by the
// next election, so Close is a courtesy, not a correctness requirement.
func (p *Primary) Close() error {
	p.closeOnce.Do(func() {
		if p.store != nil {
			p.store.ClearInstanceIf(p.path, p.pid)
			if err := p.store.Close(); err != nil {
				p.l.Warn("error closing registry", "err", err)
			}
		}
		p.closeErr = p.server.Close()
	})
	return p.closeErr
}

// Resolve decides whether this process is the primary for libraryPath or a
// client of an existing one.
//
// The path is canonicalized, the shared registry consulted, and any
// registered owner probed with a ping. A live owner makes this process a
// client of it. Otherwise this process binds a convergence server and tries
// to register itself; losing that race to another process re-probes the
// winner, with a bounded exponential backoff between attempts.
//
// dispatch is only used if this process becomes primary; it is how incoming
// requests reach the local subsystem.
//
// An unusable registry (missing directory permissions, corruption, a lock
// held past the busy timeout) degrades to an uncoordinated primary rather
// than failing: the application must come up even when coordination cannot.
func Resolve(ctx context.Context, libraryPath string, dispatch Dispatcher, opts ...Option) (*Resolution, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	canon, err := registry.CanonicalPath(libraryPath)
	if err != nil {
		return nil, err
	}
	l := o.logger.New("library", canon)

	store, err := registry.Open(o.registryPath, o.busyTimeout, l)
	if err != nil {
		l.Warn("registry unavailable, proceeding without cross-process coordination", "err", err)
		srv, err := newServer(dispatch, o.maxConnections, o.maxMessageBytes, o.clk, l)
		if err != nil {
			return nil, err
		}
		return &Resolution{
			Role:    RolePrimary,
			Primary: &Primary{server: srv, path: canon, pid: o.osi.Getpid(), l: l},
		}, nil
	}

	r := &resolver{o: o, l: l, canon: canon, store: store, dispatch: dispatch}
	res, err := r.run(ctx)
	if err != nil {
		if r.srv != nil {
			r.srv.Close()
		}
		store.Close()
		return nil, err
	}
	if res.Role == RoleClient {
		// The client proxies everything to the primary and re-runs Resolve on
		// promotion; it has no further use for the registry or a bound server.
		if r.srv != nil {
			r.srv.Close()
		}
		store.Close()
	}
	return res, nil
}

type resolver struct {
	o        *options
	l        log15.Logger
	canon    string
	store    *registry.Store
	dispatch Dispatcher

	// srv is bound lazily, the first time an election attempt needs a port to
	// register, and handed to the Primary on a win.
	srv *Server
}

func (r *resolver) run(ctx context.Context) (*Resolution, error) {
	flk, err := r.lockElection(ctx)
	if err != nil {
		return nil, err
	}
	defer flk.Close()

	backoff := electionBackoffBase
	var lastErr error
	for attempt := 0; attempt < electionAttempts; attempt++ {
		if attempt > 0 {
			r.l.Info("retrying election", "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-r.o.clk.After(backoff):
			}
			backoff *= 2
			if backoff > electionBackoffCap {
				backoff = electionBackoffCap
			}
		}

		// A recorded owner that answers a ping wins immediately. One that
		// does not is remembered so registration supersedes exactly it.
		var supersede *registry.InstanceEntry
		if ent, ok := r.store.FindInstance(r.canon); ok {
			if cli := r.probe(ctx, ent); cli != nil {
				return &Resolution{Role: RoleClient, Client: cli}, nil
			}
			supersede = &ent
		}

		if r.srv == nil {
			srv, err := newServer(r.dispatch, r.o.maxConnections, r.o.maxMessageBytes, r.o.clk, r.l)
			if err != nil {
				return nil, err
			}
			r.srv = srv
		}

		pid := r.o.osi.Getpid()
		_, err := r.store.TryRegister(r.canon, pid, r.srv.Port(), supersede)
		if err == nil {
			return &Resolution{
				Role:    RolePrimary,
				Primary: &Primary{server: r.srv, store: r.store, path: r.canon, pid: pid, l: r.l},
			}, nil
		}
		var owned *registry.AlreadyOwnedError
		if !errors.As(err, &owned) {
			r.l.Warn("registration failed, proceeding without cross-process coordination", "err", err)
			r.store.Close()
			return &Resolution{
				Role:    RolePrimary,
				Primary: &Primary{server: r.srv, path: r.canon, pid: pid, l: r.l},
			}, nil
		}
		// Another process won while we were probing. If it is live we are its
		// client; if it is already dead too, go around again and supersede it.
		r.l.Info("lost registration race", "winner_pid", owned.Owner.PID, "winner_port", owned.Owner.Port)
		if cli := r.probe(ctx, owned.Owner); cli != nil {
			return &Resolution{Role: RoleClient, Client: cli}, nil
		}
		lastErr = err
	}
	return nil, errors.Wrapf(ErrElectionFailed, "gave up after %d attempts: %v", electionAttempts, lastErr)
}

// probe decides whether a recorded owner is actually alive: a cheap signal-0
// pid check, then a dial and ping within the connect timeout. Only a
// completed round-trip counts as alive; everything else is treated as a dead
// owner. The returned client keeps the probe connection.
func (r *resolver) probe(ctx context.Context, ent registry.InstanceEntry) *Client {
	if pidIsDead(r.o.osi, ent.PID) {
		r.l.Info("recorded owner is dead", "pid", ent.PID)
		return nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, r.o.connectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(probeCtx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(ent.Port)))
	if err != nil {
		r.l.Info("recorded owner did not accept", "pid", ent.PID, "port", ent.Port, "err", err)
		return nil
	}
	cli := newClient(conn, ent.PID, ent.Port, r.o.maxMessageBytes, r.l)
	if err := cli.Ping(probeCtx); err != nil {
		// A process is listening on the port but not speaking our protocol:
		// most likely port reuse after a crash. Treat it as dead.
		r.l.Info("recorded owner did not answer ping", "pid", ent.PID, "port", ent.Port, "err", err)
		cli.Close()
		return nil
	}
	r.l.Info("joining live owner as client", "pid", ent.PID, "port", ent.Port)
	return cli
}

// lockElection serializes election rounds across local processes with an
// exclusive flock on a sidecar file. Correctness rests on the registry's
// transactional compare-and-swap; the flock keeps simultaneous starters from
// all probing the same dead owner and burning registration attempts on the
// resulting AlreadyOwned churn.
func (r *resolver) lockElection(ctx context.Context) (*filelock.FileLock, error) {
	path := registry.LockPath(r.o.registryPath)
	if err := touchFile(path); err != nil {
		return nil, errors.Wrap(err, "creating election lock file")
	}
	r.l.Info("taking election lock", "path", path)
	for {
		flk, err := filelock.TryExclusiveLock(path, filelock.RegFile)
		if err == nil {
			r.l.Info("took election lock", "path", path)
			return flk, nil
		}
		if err != filelock.ErrLocked {
			return nil, errors.Wrap(err, "locking election file")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.o.clk.After(electionLockPoll):
		}
	}
}

func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
