package converge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	clocktesting "k8s.io/utils/clock/testing"
)

func tmpDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "converge_test")
	if err != nil {
		panic(err)
	}
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return dir
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func discardLogger() log15.Logger {
	l := log15.New()
	l.SetHandler(log15.DiscardHandler())
	return l
}

// stepAfterWait blocks until something is parked on the fake clock, then
// advances it by d.
func stepAfterWait(t *testing.T, fc *clocktesting.FakeClock, d time.Duration) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !fc.HasWaiters() {
		if time.Now().After(deadline) {
			t.Fatal("nothing ever waited on the clock")
		}
		time.Sleep(time.Millisecond)
	}
	fc.Step(d)
}

// testLibrary makes a library root directory plus the base options every
// resolver test wants: an isolated registry and no log noise.
func testLibrary(t *testing.T) (string, []Option) {
	dir := tmpDir(t)
	lib := filepath.Join(dir, "lib")
	if err := os.MkdirAll(lib, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	opts := []Option{
		WithLogger(discardLogger()),
		WithRegistryPath(filepath.Join(dir, "registry.db")),
	}
	return lib, opts
}
