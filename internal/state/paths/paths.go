package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	mu   sync.Mutex
	root string
)

func resolveRoot() string {
	candidate := os.Getenv("PORTMUX_RUNTIME_DIR")
	if candidate == "" {
		if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
			candidate = filepath.Join(xdg, "portmuxd")
		} else {
			candidate = filepath.Join(os.TempDir(), fmt.Sprintf("portmuxd-%d", os.Getuid()))
		}
	}
	return filepath.Clean(candidate)
}

// Root returns the runtime directory holding the daemon's socket namespace.
// Clients and daemon must agree on it, so it is derived deterministically
// from the environment: PORTMUX_RUNTIME_DIR wins, then XDG_RUNTIME_DIR,
// then a per-uid directory under the system temp dir.
func Root() string {
	mu.Lock()
	defer mu.Unlock()
	if root == "" {
		root = resolveRoot()
	}
	return root
}

// Join resolves a path relative to the runtime root.
func Join(elements ...string) string {
	all := append([]string{Root()}, elements...)
	return filepath.Join(all...)
}

// ControlSocket is the daemon's well-known control endpoint.
func ControlSocket() string { return Join("control.sock") }

// StatusSocket serves the read-only status API.
func StatusSocket() string { return Join("status.sock") }

// LockFile guards the namespace root against a second daemon.
func LockFile() string { return Join("daemon.lock") }

// Override pins the runtime root, e.g. from a config file. It must run
// before any component derives a socket path.
func Override(dir string) {
	if dir != "" {
		os.Setenv("PORTMUX_RUNTIME_DIR", dir)
	} else {
		os.Unsetenv("PORTMUX_RUNTIME_DIR")
	}
	mu.Lock()
	root = ""
	mu.Unlock()
}

// SetRootForTest resets the cached root so tests can override PORTMUX_RUNTIME_DIR.
func SetRootForTest(dir string) { Override(dir) }
