package listener

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/net/netutil"

	"portmuxd/internal/events"
	"portmuxd/internal/registry"
)

// Dispatcher forwards or queues one matched request. Satisfied by
// dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(w http.ResponseWriter, r *http.Request, b *registry.Binding)
}

// Manager owns at most one public listener per distinct (resolved host,
// port) pair. Every binding sharing the pair is multiplexed through the
// same listener; entries live until the daemon stops.
type Manager struct {
	mu        sync.Mutex
	reg       *registry.Registry
	disp      Dispatcher
	bus       *events.Bus
	maxConns  int
	listeners map[string]*entry
	wg        sync.WaitGroup
}

type entry struct {
	host string
	port int
	ln   net.Listener
	srv  *http.Server
}

// NewManager builds a listener manager routing through reg and disp.
// maxConns caps concurrent connections per listener.
func NewManager(reg *registry.Registry, disp Dispatcher, bus *events.Bus, maxConns int) *Manager {
	return &Manager{
		reg:       reg,
		disp:      disp,
		bus:       bus,
		maxConns:  maxConns,
		listeners: make(map[string]*entry),
	}
}

// Ensure opens the public listener for (host, port) if it does not already
// exist. host must be a resolved address.
func (m *Manager) Ensure(host string, port int) error {
	key := net.JoinHostPort(host, strconv.Itoa(port))

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.listeners[key]; exists {
		return nil
	}

	ln, err := net.Listen("tcp", key)
	if err != nil {
		return fmt.Errorf("binding public listener on %s: %w", key, err)
	}
	limited := netutil.LimitListener(ln, m.maxConns)

	e := &entry{
		host: host,
		port: port,
		ln:   limited,
		srv:  &http.Server{Handler: m.routerFor(host, port)},
	}
	m.listeners[key] = e

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		log.Printf("INFO: Public listener on %s", key)
		_ = e.srv.Serve(limited) // returns on srv.Close()
	}()

	if m.bus != nil {
		m.bus.Publish(events.Event{Topic: events.TopicListenerStarted, Payload: key})
	}
	return nil
}

// routerFor is the per-listener request entrypoint: match the registry,
// dispatch the single winner, or answer 404 with an empty body. A miss
// never starts a process.
func (m *Manager) routerFor(host string, port int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := m.reg.Match(host, port, r.Host, r.URL.Path)
		if b == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		m.disp.Dispatch(w, r, b)
	})
}

// Count reports the number of open public listeners.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// StopAll closes every listener and waits for the serve loops to exit.
// In-flight requests are cut off; the daemon is going away with them.
func (m *Manager) StopAll() {
	m.mu.Lock()
	for key, e := range m.listeners {
		_ = e.srv.Close()
		delete(m.listeners, key)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
