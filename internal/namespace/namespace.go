package namespace

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"portmuxd/internal/state/paths"
)

// ErrBusy means another live process holds the namespace lock.
var ErrBusy = errors.New("namespace already locked by another daemon")

// Namespace owns the runtime directory holding the daemon's control socket
// and one private channel socket per binding. It exists from daemon start to
// daemon stop and is removed entirely on clean shutdown.
type Namespace struct {
	root string
	lock *os.File
}

// Create builds the runtime root with owner-only permissions and takes an
// exclusive lock on it. A root left behind by a crashed daemon has a free
// lock and is reclaimed; stale socket files inside it are removed.
func Create() (*Namespace, error) {
	root := paths.Root()
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("creating namespace root %s: %w", root, err)
	}
	// MkdirAll leaves an existing directory's mode alone.
	if err := os.Chmod(root, 0o700); err != nil {
		return nil, fmt.Errorf("restricting namespace root %s: %w", root, err)
	}

	lock, err := os.OpenFile(paths.LockFile(), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening namespace lock: %w", err)
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lock.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("locking namespace root: %w", err)
	}

	ns := &Namespace{root: root, lock: lock}
	ns.removeStaleSockets()
	return ns, nil
}

// removeStaleSockets clears socket files left by an unclean shutdown. Safe
// because the caller holds the namespace lock.
func (ns *Namespace) removeStaleSockets() {
	entries, err := os.ReadDir(ns.root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".sock" {
			continue
		}
		stale := filepath.Join(ns.root, e.Name())
		if err := os.Remove(stale); err == nil {
			log.Printf("INFO: Removed stale socket %s", stale)
		}
	}
}

// Root returns the namespace root directory.
func (ns *Namespace) Root() string { return ns.root }

// ControlSocket returns the daemon's well-known control endpoint path.
func (ns *Namespace) ControlSocket() string { return paths.ControlSocket() }

// StatusSocket returns the status API endpoint path.
func (ns *Namespace) StatusSocket() string { return paths.StatusSocket() }

// ChannelPath derives the private channel endpoint for a binding id. The
// mapping is deterministic, so a binding keeps the same channel across
// re-registrations.
func (ns *Namespace) ChannelPath(id string) string {
	return filepath.Join(ns.root, "app-"+id+".sock")
}

// Remove releases the lock and deletes the namespace root with everything
// in it.
func (ns *Namespace) Remove() error {
	if ns.lock != nil {
		unix.Flock(int(ns.lock.Fd()), unix.LOCK_UN)
		ns.lock.Close()
		ns.lock = nil
	}
	if err := os.RemoveAll(ns.root); err != nil {
		return fmt.Errorf("removing namespace root %s: %w", ns.root, err)
	}
	return nil
}
