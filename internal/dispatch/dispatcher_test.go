package dispatch

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"portmuxd/internal/registry"
)

// recordingForwarder notes the order requests reach the backend instead of
// proxying them.
type recordingForwarder struct {
	mu    sync.Mutex
	paths []string
}

func (f *recordingForwarder) Forward(w http.ResponseWriter, r *http.Request, _ string) {
	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (f *recordingForwarder) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

type recordingStarter struct {
	mu      sync.Mutex
	targets []string
}

func (s *recordingStarter) Start(target string) error {
	s.mu.Lock()
	s.targets = append(s.targets, target)
	s.mu.Unlock()
	return nil
}

func (s *recordingStarter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.targets)
}

func testBinding(t *testing.T) *registry.Binding {
	t.Helper()
	return &registry.Binding{
		Host:        "127.0.0.1",
		Port:        8080,
		Basepath:    "/",
		StartTarget: "/srv/app",
		ID:          "127.0.0.1_8080_0",
		ChannelPath: filepath.Join(t.TempDir(), "app.sock"),
	}
}

func defaultOpts() Options {
	return Options{QueueDepth: 8, QueueTimeout: 2 * time.Second, DialTimeout: 100 * time.Millisecond}
}

// listenChannel opens the binding's channel socket so probes succeed.
func listenChannel(t *testing.T, b *registry.Binding) net.Listener {
	t.Helper()
	ln, err := net.Listen("unix", b.ChannelPath)
	if err != nil {
		t.Fatalf("opening channel socket: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestQueuedRequestsDrainFIFO(t *testing.T) {
	fwd := &recordingForwarder{}
	starter := &recordingStarter{}
	d := New(fwd, starter, nil, defaultOpts())
	b := testBinding(t)

	const n = 5
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/req/%d", i), nil)
			d.Dispatch(httptest.NewRecorder(), req, b)
		}()
		// Stagger arrivals so the FIFO order is well defined.
		for {
			if _, queued := d.Info(b.ID); queued == i+1 {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}

	if starter.count() != 1 {
		t.Fatalf("start trigger should fire once per cold start, got %d", starter.count())
	}

	listenChannel(t, b)
	if err := d.MarkReady(b); err != nil {
		t.Fatalf("MarkReady failed: %v", err)
	}
	wg.Wait()

	order := fwd.order()
	if len(order) != n {
		t.Fatalf("expected %d forwarded requests, got %d", n, len(order))
	}
	for i, path := range order {
		if want := fmt.Sprintf("/req/%d", i); path != want {
			t.Fatalf("FIFO violated at %d: got %q, want %q (full order %v)", i, path, want, order)
		}
	}
	if _, queued := d.Info(b.ID); queued != 0 {
		t.Fatalf("queue should be empty after drain, got %d", queued)
	}
}

func TestDispatchForwardsImmediatelyWhenReady(t *testing.T) {
	fwd := &recordingForwarder{}
	d := New(fwd, &recordingStarter{}, nil, defaultOpts())
	b := testBinding(t)

	listenChannel(t, b)
	if err := d.MarkReady(b); err != nil {
		t.Fatalf("MarkReady failed: %v", err)
	}

	rec := httptest.NewRecorder()
	d.Dispatch(rec, httptest.NewRequest(http.MethodGet, "/now", nil), b)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected immediate forward, got %d", rec.Code)
	}
}

func TestDispatchProbesChannelWhenFlagCold(t *testing.T) {
	fwd := &recordingForwarder{}
	starter := &recordingStarter{}
	d := New(fwd, starter, nil, defaultOpts())
	b := testBinding(t)

	// App is serving but never announced readiness through this dispatcher.
	listenChannel(t, b)

	rec := httptest.NewRecorder()
	d.Dispatch(rec, httptest.NewRequest(http.MethodGet, "/probe", nil), b)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected probe to settle readiness, got %d", rec.Code)
	}
	if starter.count() != 0 {
		t.Fatalf("no start trigger expected, got %d", starter.count())
	}
}

func TestQueueDeadlineAnswers503(t *testing.T) {
	opts := defaultOpts()
	opts.QueueTimeout = 50 * time.Millisecond
	d := New(&recordingForwarder{}, &recordingStarter{}, nil, opts)
	b := testBinding(t)

	rec := httptest.NewRecorder()
	start := time.Now()
	d.Dispatch(rec, httptest.NewRequest(http.MethodGet, "/slow", nil), b)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on deadline, got %d", rec.Code)
	}
	if time.Since(start) > time.Second {
		t.Fatal("deadline did not bound the wait")
	}
	if _, queued := d.Info(b.ID); queued != 0 {
		t.Fatalf("expired entry should leave the queue, got %d", queued)
	}
}

func TestQueueDepthBound(t *testing.T) {
	opts := defaultOpts()
	opts.QueueDepth = 2
	opts.QueueTimeout = 5 * time.Second
	d := New(&recordingForwarder{}, &recordingStarter{}, nil, opts)
	b := testBinding(t)

	var wg sync.WaitGroup
	for i := 0; i < opts.QueueDepth; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Dispatch(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/wait", nil), b)
		}()
	}
	for {
		if _, queued := d.Info(b.ID); queued == opts.QueueDepth {
			break
		}
		time.Sleep(time.Millisecond)
	}

	rec := httptest.NewRecorder()
	d.Dispatch(rec, httptest.NewRequest(http.MethodGet, "/overflow", nil), b)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on overflow, got %d", rec.Code)
	}

	listenChannel(t, b)
	if err := d.MarkReady(b); err != nil {
		t.Fatalf("MarkReady failed: %v", err)
	}
	wg.Wait()
}

func TestClosedChannelReentersQueueAndRestarts(t *testing.T) {
	opts := defaultOpts()
	opts.QueueTimeout = 50 * time.Millisecond
	fwd := &recordingForwarder{}
	starter := &recordingStarter{}
	d := New(fwd, starter, nil, opts)
	b := testBinding(t)

	ln := listenChannel(t, b)
	if err := d.MarkReady(b); err != nil {
		t.Fatalf("MarkReady failed: %v", err)
	}

	// The application goes idle: its channel stops accepting connections.
	ln.Close()

	rec := httptest.NewRecorder()
	d.Dispatch(rec, httptest.NewRequest(http.MethodGet, "/wake", nil), b)

	if got := len(fwd.order()); got != 0 {
		t.Fatalf("request must not be forwarded into a closed channel, got %d forwards", got)
	}
	if starter.count() != 1 {
		t.Fatalf("closed channel should fire the restart trigger once, got %d", starter.count())
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 once the wait expired, got %d", rec.Code)
	}
	if ready, _ := d.Info(b.ID); ready {
		t.Fatal("binding must not report ready after its channel closed")
	}
}

// overlapForwarder records the highest number of Forward calls in flight
// at once.
type overlapForwarder struct {
	mu       sync.Mutex
	inflight int
	peak     int
	paths    []string
}

func (f *overlapForwarder) Forward(w http.ResponseWriter, r *http.Request, _ string) {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.peak {
		f.peak = f.inflight
	}
	f.mu.Unlock()

	time.Sleep(10 * time.Millisecond)

	f.mu.Lock()
	f.inflight--
	f.paths = append(f.paths, r.URL.Path)
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func TestSingleDrainerPerBinding(t *testing.T) {
	fwd := &overlapForwarder{}
	d := New(fwd, &recordingStarter{}, nil, defaultOpts())
	b := testBinding(t)

	const n = 4
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/req/%d", i), nil)
			d.Dispatch(httptest.NewRecorder(), req, b)
		}()
		for {
			if _, queued := d.Info(b.ID); queued == i+1 {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}

	listenChannel(t, b)
	// Readiness can be announced more than once; only one drainer may run.
	if err := d.MarkReady(b); err != nil {
		t.Fatalf("MarkReady failed: %v", err)
	}
	if err := d.MarkReady(b); err != nil {
		t.Fatalf("second MarkReady failed: %v", err)
	}
	wg.Wait()

	fwd.mu.Lock()
	peak, order := fwd.peak, append([]string(nil), fwd.paths...)
	fwd.mu.Unlock()
	if peak != 1 {
		t.Fatalf("queued requests forwarded concurrently (peak %d), order %v", peak, order)
	}
	for i, path := range order {
		if want := fmt.Sprintf("/req/%d", i); path != want {
			t.Fatalf("arrival order violated at %d: got %q, want %q", i, path, want)
		}
	}
}

func TestMarkReadyWithoutListenerIsRejected(t *testing.T) {
	d := New(&recordingForwarder{}, &recordingStarter{}, nil, defaultOpts())
	b := testBinding(t)

	if err := d.MarkReady(b); err == nil {
		t.Fatal("expected MarkReady to fail with no channel listener")
	}
	if ready, _ := d.Info(b.ID); ready {
		t.Fatal("failed MarkReady must not flip the ready flag")
	}
}
