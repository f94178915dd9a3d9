package converge

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/euank/filelock"
	"github.com/pkg/errors"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/modelcask/converge/internal/registry"
)

func TestFreshPathResolvesPrimary(t *testing.T) {
	lib, opts := testLibrary(t)
	ctx := testCtx(t)

	res, err := Resolve(ctx, lib, echoHandlers(), opts...)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Role != RolePrimary {
		t.Fatalf("role = %v, want %v", res.Role, RolePrimary)
	}
	if res.Primary.Port() == 0 {
		t.Error("primary should expose a bound port")
	}

	if err := res.Primary.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Graceful shutdown deregistered us.
	st, err := registry.Open(registryPathOf(opts), time.Second, discardLogger())
	if err != nil {
		t.Fatalf("reopen registry: %v", err)
	}
	defer st.Close()
	if _, ok := st.FindInstance(lib); ok {
		t.Error("instance row should be cleared on graceful close")
	}
}

func TestSecondResolverBecomesClient(t *testing.T) {
	lib, opts := testLibrary(t)
	ctx := testCtx(t)

	a, err := Resolve(ctx, lib, echoHandlers(), opts...)
	if err != nil {
		t.Fatalf("resolve A: %v", err)
	}
	defer a.Primary.Close()

	b, err := Resolve(ctx, lib, HandlerMap{}, opts...)
	if err != nil {
		t.Fatalf("resolve B: %v", err)
	}
	if b.Role != RoleClient {
		t.Fatalf("B role = %v, want %v", b.Role, RoleClient)
	}
	defer b.Client.Close()

	if b.Client.PrimaryPort() != a.Primary.Port() {
		t.Errorf("client points at port %d, primary is on %d", b.Client.PrimaryPort(), a.Primary.Port())
	}

	// B's calls execute in A's dispatcher.
	params := json.RawMessage(`{"from":"b"}`)
	result, err := b.Client.Call(ctx, "echo", params)
	if err != nil {
		t.Fatalf("proxied call: %v", err)
	}
	if string(result) != string(params) {
		t.Errorf("proxied echo = %s, want %s", result, params)
	}
}

func TestSymlinkResolvesToSameOwner(t *testing.T) {
	lib, opts := testLibrary(t)
	ctx := testCtx(t)

	link := filepath.Join(filepath.Dir(lib), "lib-link")
	if err := os.Symlink(lib, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	a, err := Resolve(ctx, lib, echoHandlers(), opts...)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	defer a.Primary.Close()

	b, err := Resolve(ctx, link, HandlerMap{}, opts...)
	if err != nil {
		t.Fatalf("resolve via symlink: %v", err)
	}
	if b.Role != RoleClient {
		t.Fatalf("resolving through a symlink should find the same owner, got role %v", b.Role)
	}
	defer b.Client.Close()
	if b.Client.PrimaryPort() != a.Primary.Port() {
		t.Errorf("symlink resolved to port %d, owner is on %d", b.Client.PrimaryPort(), a.Primary.Port())
	}
}

func TestConcurrentElectionHasSingleOwner(t *testing.T) {
	lib, opts := testLibrary(t)
	ctx := testCtx(t)

	const n = 8
	results := make([]*Resolution, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = Resolve(ctx, lib, echoHandlers(), opts...)
		}(i)
	}
	wg.Wait()

	var primaries, clients int
	var primaryPort int
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("resolver %d: %v", i, errs[i])
		}
		switch results[i].Role {
		case RolePrimary:
			primaries++
			primaryPort = results[i].Primary.Port()
		case RoleClient:
			clients++
		}
	}
	if primaries != 1 {
		t.Fatalf("got %d primaries, want exactly 1", primaries)
	}
	if clients != n-1 {
		t.Fatalf("got %d clients, want %d", clients, n-1)
	}
	for i := 0; i < n; i++ {
		if results[i].Role == RoleClient && results[i].Client.PrimaryPort() != primaryPort {
			t.Errorf("client %d points at port %d, primary is on %d", i, results[i].Client.PrimaryPort(), primaryPort)
		}
	}
	for i := 0; i < n; i++ {
		if results[i].Role == RolePrimary {
			results[i].Primary.Close()
		} else {
			results[i].Client.Close()
		}
	}
}

func TestCrashDetectionAndPromotion(t *testing.T) {
	lib, opts := testLibrary(t)
	ctx := testCtx(t)

	a, err := Resolve(ctx, lib, echoHandlers(), opts...)
	if err != nil {
		t.Fatalf("resolve A: %v", err)
	}
	aPort := a.Primary.Port()

	b, err := Resolve(ctx, lib, HandlerMap{}, opts...)
	if err != nil {
		t.Fatalf("resolve B: %v", err)
	}
	if b.Role != RoleClient {
		t.Fatalf("B role = %v, want client", b.Role)
	}

	// Simulate A crashing: its server dies without deregistering.
	a.Primary.server.Close()

	_, err = b.Client.Call(ctx, "echo", json.RawMessage(`1`))
	if !IsOwnerLost(err) {
		t.Fatalf("call to crashed owner should be owner-lost, got %v", err)
	}
	lost := err.(*OwnerLostError)
	if lost.Port != aPort {
		t.Errorf("owner-lost carries port %d, want %d", lost.Port, aPort)
	}
	if lost.PID != os.Getpid() {
		t.Errorf("owner-lost carries pid %d, want %d", lost.PID, os.Getpid())
	}

	// Promotion is just re-running the election; the stale registration is
	// superseded because its server no longer answers.
	promoted, err := Resolve(ctx, lib, echoHandlers(), opts...)
	if err != nil {
		t.Fatalf("promotion resolve: %v", err)
	}
	if promoted.Role != RolePrimary {
		t.Fatalf("promotion role = %v, want primary", promoted.Role)
	}
	defer promoted.Primary.Close()

	// A later process finds the new owner.
	d, err := Resolve(ctx, lib, HandlerMap{}, opts...)
	if err != nil {
		t.Fatalf("resolve D: %v", err)
	}
	if d.Role != RoleClient {
		t.Fatalf("D role = %v, want client", d.Role)
	}
	defer d.Client.Close()
	if d.Client.PrimaryPort() != promoted.Primary.Port() {
		t.Errorf("D points at port %d, new owner is on %d", d.Client.PrimaryPort(), promoted.Primary.Port())
	}
}

func TestUnusableRegistryDegradesToStandalonePrimary(t *testing.T) {
	lib, _ := testLibrary(t)
	ctx := testCtx(t)

	// A registry path whose parent cannot be a directory.
	blocker := filepath.Join(tmpDir(t), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	badRegistry := filepath.Join(blocker, "registry.db")

	res, err := Resolve(ctx, lib, echoHandlers(),
		WithLogger(discardLogger()), WithRegistryPath(badRegistry))
	if err != nil {
		t.Fatalf("resolve with broken registry should degrade, got %v", err)
	}
	if res.Role != RolePrimary {
		t.Fatalf("role = %v, want primary", res.Role)
	}
	if err := res.Primary.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestStaleRegistrationIsSuperseded(t *testing.T) {
	lib, opts := testLibrary(t)
	ctx := testCtx(t)

	// Plant a registration whose server is long gone. The mock OS reports
	// every pid as alive, so the resolver must discover death the hard way,
	// by the dial being refused.
	st, err := registry.Open(registryPathOf(opts), time.Second, discardLogger())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	deadPort := reservePort(t)
	if _, err := st.TryRegister(lib, 999999, deadPort, nil); err != nil {
		t.Fatalf("plant registration: %v", err)
	}
	st.Close()

	opts = append(opts, withOS(mockOS{pid: 4242}), WithConnectTimeout(500*time.Millisecond))
	res, err := Resolve(ctx, lib, echoHandlers(), opts...)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Role != RolePrimary {
		t.Fatalf("role = %v, want primary (stale owner should be superseded)", res.Role)
	}
	defer res.Primary.Close()

	st, err = registry.Open(registryPathOf(opts), time.Second, discardLogger())
	if err != nil {
		t.Fatalf("reopen registry: %v", err)
	}
	defer st.Close()
	ent, ok := st.FindInstance(lib)
	if !ok || ent.PID != 4242 {
		t.Errorf("registry should record the superseding pid, got %+v (found=%v)", ent, ok)
	}
}

func TestDeadPidShortCircuitsProbe(t *testing.T) {
	lib, opts := testLibrary(t)
	ctx := testCtx(t)

	// The recorded owner's pid no longer exists, so the resolver supersedes
	// it without spending the connect timeout on a dial.
	st, err := registry.Open(registryPathOf(opts), time.Second, discardLogger())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	if _, err := st.TryRegister(lib, 999999, reservePort(t), nil); err != nil {
		t.Fatalf("plant registration: %v", err)
	}
	st.Close()

	opts = append(opts, withOS(mockOS{pid: 7, dead: true}))
	res, err := Resolve(ctx, lib, echoHandlers(), opts...)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Role != RolePrimary {
		t.Fatalf("role = %v, want primary", res.Role)
	}
	res.Primary.Close()
}

func TestLostRegistrationRaceRetriesAndWins(t *testing.T) {
	lib, opts := testLibrary(t)
	ctx := testCtx(t)

	// A listener that accepts and then parks each connection. Registering it
	// as a dead owner's port holds the resolver inside its liveness check,
	// opening a window to change the registration underneath it.
	stallPort, accepted := stallListener(t)

	st, err := registry.Open(registryPathOf(opts), time.Second, discardLogger())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	defer st.Close()
	planted, err := st.TryRegister(lib, 111, stallPort, nil)
	if err != nil {
		t.Fatalf("plant registration: %v", err)
	}

	fc := clocktesting.NewFakeClock(time.Now())
	opts = append(opts, withOS(mockOS{pid: 7}), withClock(fc), WithConnectTimeout(5*time.Second))

	type outcome struct {
		res *Resolution
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := Resolve(ctx, lib, echoHandlers(), opts...)
		done <- outcome{res, err}
	}()

	// While the resolver is parked pinging pid 111, another "process" takes
	// over the registration. Its port is dead too, so the resolver's
	// follow-up check of the new winner fails and the attempt is spent.
	conn := <-accepted
	deadPort := reservePort(t)
	if _, err := st.TryRegister(lib, 222, deadPort, &planted); err != nil {
		t.Fatalf("steal registration: %v", err)
	}
	conn.Close()

	// The resolver backs off on the injected clock before trying again; the
	// next attempt supersedes the dead thief and wins.
	stepAfterWait(t, fc, electionBackoffBase)

	out := <-done
	if out.err != nil {
		t.Fatalf("resolve: %v", out.err)
	}
	if out.res.Role != RolePrimary {
		t.Fatalf("role = %v, want primary after retry", out.res.Role)
	}
	defer out.res.Primary.Close()

	ent, ok := st.FindInstance(lib)
	if !ok || ent.PID != 7 {
		t.Errorf("registry should record the retrying winner, got %+v (found=%v)", ent, ok)
	}
}

func TestElectionFailsUnderPersistentChurn(t *testing.T) {
	lib, opts := testLibrary(t)
	ctx := testCtx(t)

	stallPort, accepted := stallListener(t)

	st, err := registry.Open(registryPathOf(opts), time.Second, discardLogger())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	defer st.Close()
	cur, err := st.TryRegister(lib, 200, stallPort, nil)
	if err != nil {
		t.Fatalf("plant registration: %v", err)
	}

	fc := clocktesting.NewFakeClock(time.Now())
	opts = append(opts, withOS(mockOS{pid: 7}), withClock(fc), WithConnectTimeout(5*time.Second))

	done := make(chan error, 1)
	go func() {
		_, err := Resolve(ctx, lib, echoHandlers(), opts...)
		done <- err
	}()

	// Change the registration under the resolver on every attempt, always
	// while it is parked pinging the recorded owner. Each attempt then loses
	// its registration to a winner that is itself dead, until the budget is
	// exhausted.
	for i := 0; i < electionAttempts; i++ {
		conn := <-accepted
		next, err := st.TryRegister(lib, 201+i, stallPort, &cur)
		if err != nil {
			t.Fatalf("attempt %d: steal registration: %v", i, err)
		}
		cur = next
		conn.Close()

		// The follow-up check of the new winner dials the same parked
		// listener; cut it off so the attempt fails.
		reprobe := <-accepted
		reprobe.Close()

		if i < electionAttempts-1 {
			// Covers every backoff up to the cap.
			stepAfterWait(t, fc, electionBackoffCap)
		}
	}

	err = <-done
	if !errors.Is(err, ErrElectionFailed) {
		t.Fatalf("expected ErrElectionFailed after %d churned attempts, got %v", electionAttempts, err)
	}
}

func TestResolveRejectsMissingLibraryPath(t *testing.T) {
	_, opts := testLibrary(t)
	if _, err := Resolve(testCtx(t), "/does/not/exist/anywhere", HandlerMap{}, opts...); err == nil {
		t.Fatal("expected an error for a nonexistent library path")
	}
}

func TestElectionWaitsForLock(t *testing.T) {
	dir := tmpDir(t)
	regPath := filepath.Join(dir, "registry.db")
	lockPath := registry.LockPath(regPath)
	if err := touchFile(lockPath); err != nil {
		t.Fatalf("touch: %v", err)
	}
	held, err := filelock.TryExclusiveLock(lockPath, filelock.RegFile)
	if err != nil {
		t.Fatalf("take lock: %v", err)
	}

	fc := clocktesting.NewFakeClock(time.Now())
	o := defaultOptions()
	for _, opt := range []Option{WithLogger(discardLogger()), WithRegistryPath(regPath), withClock(fc)} {
		opt(o)
	}
	r := &resolver{o: o, l: o.logger}

	type result struct {
		flk *filelock.FileLock
		err error
	}
	done := make(chan result, 1)
	go func() {
		flk, err := r.lockElection(testCtx(t))
		done <- result{flk, err}
	}()

	// The resolver should be parked on the poll interval, not have given up.
	for !fc.HasWaiters() {
		time.Sleep(time.Millisecond)
	}
	select {
	case res := <-done:
		t.Fatalf("lockElection returned while the lock was held: %+v", res)
	default:
	}

	held.Close()
	fc.Step(electionLockPoll)

	res := <-done
	if res.err != nil {
		t.Fatalf("lockElection after release: %v", res.err)
	}
	res.flk.Close()
}

// registryPathOf digs the configured registry path back out of test options.
func registryPathOf(opts []Option) string {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o.registryPath
}

// stallListener accepts connections and parks them unanswered, handing each
// one to the test to close when it chooses. A registration pointing at its
// port holds a prober mid-ping for as long as the test wants.
func stallListener(t *testing.T) (int, <-chan net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	accepted := make(chan net.Conn)
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()
	return l.Addr().(*net.TCPAddr).Port, accepted
}

// reservePort binds and immediately releases an ephemeral port, yielding a
// port number nothing is listening on.
func reservePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}
