package dispatch

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"portmuxd/internal/events"
	"portmuxd/internal/registry"
)

// Starter launches an application process from its start target. The
// process mechanics live outside the daemon core; the dispatcher only
// fires the trigger.
type Starter interface {
	Start(target string) error
}

// Forwarder proxies one request to a private channel socket. Satisfied by
// proxy.Forwarder.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, channelPath string)
}

// Options tune the dispatcher's queueing behavior.
type Options struct {
	// QueueDepth bounds pending requests per binding.
	QueueDepth int
	// QueueTimeout bounds how long a request may wait for readiness.
	QueueTimeout time.Duration
	// DialTimeout bounds readiness probes of channel sockets.
	DialTimeout time.Duration
}

// Dispatcher routes each matched request to its binding's channel, queueing
// it while the application starts. Queued requests drain strictly FIFO once
// the application announces readiness.
type Dispatcher struct {
	mu      sync.Mutex
	fwd     Forwarder
	starter Starter
	bus     *events.Bus
	opts    Options
	apps    map[string]*appState
}

type appState struct {
	ready    bool
	starting bool
	draining bool
	pending  []*pendingRequest
}

type pendingRequest struct {
	w http.ResponseWriter
	r *http.Request
	// done is closed by the drainer once the response is fully written.
	done chan struct{}
}

// New builds a dispatcher. bus may be nil when no one is listening.
func New(fwd Forwarder, starter Starter, bus *events.Bus, opts Options) *Dispatcher {
	return &Dispatcher{
		fwd:     fwd,
		starter: starter,
		bus:     bus,
		opts:    opts,
		apps:    make(map[string]*appState),
	}
}

// Dispatch serves one request matched to b. It returns only when the
// response has been written: immediately proxied, drained after readiness,
// or answered 503 on queue overflow / deadline expiry.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request, b *registry.Binding) {
	st := d.state(b.ID)

	// Readiness is observed, never remembered: an application may close its
	// channel to go idle at any time, so every request verifies the channel
	// with a dial. A refused dial re-enters the queue-and-start path, which
	// is what brings an idle application back.
	if d.probe(b.ChannelPath) {
		d.mu.Lock()
		st.ready = true
		st.starting = false
		d.mu.Unlock()
		d.startDrain(st, b)
		d.fwd.Forward(w, r, b.ChannelPath)
		return
	}

	entry := &pendingRequest{w: w, r: r, done: make(chan struct{})}

	d.mu.Lock()
	st.ready = false
	if len(st.pending) >= d.opts.QueueDepth {
		d.mu.Unlock()
		log.Printf("WARN: Queue full for binding %s, rejecting %s %s", b.ID, r.Method, r.URL.Path)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	st.pending = append(st.pending, entry)
	depth := len(st.pending)
	trigger := !st.starting
	if trigger {
		st.starting = true
	}
	d.mu.Unlock()

	d.publish(events.TopicRequestQueued, events.QueuedRequest{ID: b.ID, Path: r.URL.Path, Depth: depth})

	if trigger {
		d.publish(events.TopicAppStarting, events.AppLifecycle{ID: b.ID, Target: b.StartTarget})
		go func() {
			if err := d.starter.Start(b.StartTarget); err != nil {
				log.Printf("WARN: Starting %s for binding %s failed: %v", b.StartTarget, b.ID, err)
			}
		}()
	}

	timer := time.NewTimer(d.opts.QueueTimeout)
	defer timer.Stop()

	select {
	case <-entry.done:
		return
	case <-timer.C:
		if d.abandon(st, entry) {
			d.publish(events.TopicRequestExpired, events.QueuedRequest{ID: b.ID, Path: r.URL.Path})
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		// A drainer claimed the entry first; let it finish the response.
		<-entry.done
	case <-r.Context().Done():
		if !d.abandon(st, entry) {
			<-entry.done
		}
	}
}

// MarkReady verifies the binding's channel accepts connections, then drains
// its queue in FIFO order. A channel that does not answer the probe leaves
// all state untouched and reports the failure to the caller.
func (d *Dispatcher) MarkReady(b *registry.Binding) error {
	if !d.probe(b.ChannelPath) {
		return fmt.Errorf("channel %s is not accepting connections", b.ChannelPath)
	}
	st := d.state(b.ID)

	d.mu.Lock()
	st.ready = true
	st.starting = false
	d.mu.Unlock()

	d.publish(events.TopicAppReady, events.AppLifecycle{ID: b.ID, Target: b.StartTarget})
	d.startDrain(st, b)
	return nil
}

// startDrain spawns a drainer for st unless one is already running. A
// single drainer per binding keeps queued requests in arrival order.
func (d *Dispatcher) startDrain(st *appState, b *registry.Binding) {
	d.mu.Lock()
	if st.draining || len(st.pending) == 0 {
		d.mu.Unlock()
		return
	}
	st.draining = true
	d.mu.Unlock()
	go d.drain(st, b)
}

// drain forwards queued requests one at a time, oldest first, completing
// each response before touching the next. The queue is empty when it
// returns.
func (d *Dispatcher) drain(st *appState, b *registry.Binding) {
	for {
		d.mu.Lock()
		if len(st.pending) == 0 {
			st.draining = false
			d.mu.Unlock()
			return
		}
		entry := st.pending[0]
		st.pending = st.pending[1:]
		d.mu.Unlock()

		d.fwd.Forward(entry.w, entry.r, b.ChannelPath)
		close(entry.done)
	}
}

// abandon removes entry from the queue if a drainer has not claimed it yet.
func (d *Dispatcher) abandon(st *appState, entry *pendingRequest) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range st.pending {
		if e == entry {
			st.pending = append(st.pending[:i], st.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Info reports a binding's readiness flag and queue depth for the status
// API.
func (d *Dispatcher) Info(id string) (ready bool, queued int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.apps[id]
	if !ok {
		return false, 0
	}
	return st.ready, len(st.pending)
}

// QueuedTotal sums pending requests across all bindings.
func (d *Dispatcher) QueuedTotal() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, st := range d.apps {
		n += len(st.pending)
	}
	return n
}

func (d *Dispatcher) state(id string) *appState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.apps[id]
	if !ok {
		st = &appState{}
		d.apps[id] = st
	}
	return st
}

func (d *Dispatcher) probe(channelPath string) bool {
	conn, err := net.DialTimeout("unix", channelPath, d.opts.DialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (d *Dispatcher) publish(topic events.Topic, payload any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{Topic: topic, Payload: payload})
}
