package namespace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"portmuxd/internal/state/paths"
)

func setRoot(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "ns")
	paths.SetRootForTest(dir)
	t.Cleanup(func() { paths.SetRootForTest("") })
	return dir
}

func TestCreateAndRemove(t *testing.T) {
	dir := setRoot(t)

	ns, err := Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("namespace root missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Fatalf("expected mode 0700, got %o", perm)
	}

	if err := ns.Remove(); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("namespace root should be gone, stat err = %v", err)
	}
}

func TestSecondCreateIsBusy(t *testing.T) {
	setRoot(t)

	ns, err := Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer ns.Remove()

	if _, err := Create(); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestChannelPathIsStable(t *testing.T) {
	dir := setRoot(t)

	ns, err := Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer ns.Remove()

	first := ns.ChannelPath("127.0.0.1_8080_0")
	second := ns.ChannelPath("127.0.0.1_8080_0")
	if first != second {
		t.Fatalf("channel path not stable: %q vs %q", first, second)
	}
	if filepath.Dir(first) != dir {
		t.Fatalf("channel path %q not under namespace root %q", first, dir)
	}
}

func TestStaleSocketsAreReclaimed(t *testing.T) {
	dir := setRoot(t)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("pre-creating root: %v", err)
	}
	// Go unlinks unix sockets on listener close, so fake the leftover of a
	// crashed daemon with a plain file at a socket path.
	stale := filepath.Join(dir, "app-old.sock")
	if err := os.WriteFile(stale, nil, 0o600); err != nil {
		t.Fatalf("creating stale socket file: %v", err)
	}

	ns, err := Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer ns.Remove()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale socket should be removed, stat err = %v", err)
	}
}
