package daemon

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"portmuxd/internal/api"
	"portmuxd/internal/config"
	"portmuxd/internal/control"
	"portmuxd/internal/dispatch"
	"portmuxd/internal/events"
	"portmuxd/internal/health"
	"portmuxd/internal/listener"
	"portmuxd/internal/namespace"
	"portmuxd/internal/proxy"
	"portmuxd/internal/registry"
	"portmuxd/internal/resolver"
	"portmuxd/internal/runtime/supervisor"
	"portmuxd/internal/state/paths"
	"portmuxd/internal/status"
)

// Daemon owns the socket namespace, the registry, the public listeners,
// and the control and status servers. One instance per machine; a second
// start is detected over the control socket before any state is touched.
type Daemon struct {
	cfg     config.Config
	bus     *events.Bus
	tracker *health.Tracker
	starter dispatch.Starter

	ns        *namespace.Namespace
	reg       *registry.Registry
	disp      *dispatch.Dispatcher
	fwd       *proxy.Forwarder
	listeners *listener.Manager
	controlSv *control.Server
	statusSv  *status.Server

	sup       *supervisor.Supervisor
	serveLoop errgroup.Group
	startedAt time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option tweaks daemon construction.
type Option func(*Daemon)

// WithStarter replaces the default exec-based application starter.
func WithStarter(s dispatch.Starter) Option {
	return func(d *Daemon) { d.starter = s }
}

// New wires a daemon from cfg. Nothing touches the filesystem until Run.
func New(cfg config.Config, opts ...Option) *Daemon {
	d := &Daemon{
		cfg:     cfg,
		bus:     events.NewBus(),
		tracker: health.NewTracker(),
		starter: execStarter{},
		sup:     supervisor.New(),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.sup.Register(supervisor.NewComponent("namespace", d.startNamespace, d.stopNamespace))
	d.sup.Register(supervisor.NewComponent("listeners", nil, d.stopListeners))
	d.sup.Register(supervisor.NewComponent("control", d.startControl, d.stopControl))
	d.sup.Register(supervisor.NewComponent("status", d.startStatus, d.stopStatus))
	return d
}

// Run starts all components, announces readiness, and blocks until Stop or
// context cancellation. The namespace is gone when it returns.
func (d *Daemon) Run(ctx context.Context) error {
	if d.cfg.RuntimeDir != "" {
		paths.Override(d.cfg.RuntimeDir)
	}
	d.startedAt = time.Now()

	if err := d.sup.Start(ctx); err != nil {
		return fmt.Errorf("starting daemon components: %w", err)
	}
	log.Printf("INFO: portmuxd ready, control socket %s", paths.ControlSocket())

	if sent, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		log.Printf("WARN: Failed to notify systemd of readiness: %v", err)
	} else if sent {
		log.Printf("INFO: Notified systemd that service is ready")
	}

	select {
	case <-d.stopCh:
	case <-ctx.Done():
	}

	if _, err := sd.SdNotify(false, sd.SdNotifyStopping); err != nil {
		log.Printf("WARN: Failed to notify systemd of shutdown: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := d.sup.Stop(stopCtx)
	d.serveLoop.Wait()
	d.bus.Close()
	log.Printf("INFO: portmuxd stopped")
	return err
}

// Stop triggers shutdown. Safe to call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func (d *Daemon) startNamespace(ctx context.Context) error {
	ns, err := namespace.Create()
	if err != nil {
		return err
	}
	d.ns = ns
	d.reg = registry.New(resolver.New(), ns)
	d.fwd = proxy.NewForwarder(d.cfg.DialTimeout.Std())
	d.disp = dispatch.New(d.fwd, d.starter, d.bus, dispatch.Options{
		QueueDepth:   d.cfg.QueueDepth,
		QueueTimeout: d.cfg.QueueTimeout.Std(),
		DialTimeout:  d.cfg.DialTimeout.Std(),
	})
	d.listeners = listener.NewManager(d.reg, d.disp, d.bus, d.cfg.MaxConns)
	d.tracker.Setf(health.ComponentNamespace, health.LevelOK, "root %s", ns.Root())
	return nil
}

func (d *Daemon) stopNamespace(ctx context.Context) error {
	if d.ns == nil {
		return nil
	}
	return d.ns.Remove()
}

func (d *Daemon) stopListeners(ctx context.Context) error {
	if d.listeners != nil {
		d.listeners.StopAll()
	}
	return nil
}

func (d *Daemon) startControl(ctx context.Context) error {
	ln, err := net.Listen("unix", d.ns.ControlSocket())
	if err != nil {
		d.tracker.Setf(health.ComponentControl, health.LevelError, "listen failed: %v", err)
		return fmt.Errorf("binding control socket: %w", err)
	}
	d.controlSv = control.NewServer(d)
	d.serveLoop.Go(func() error {
		d.controlSv.Serve(ln)
		return nil
	})
	d.tracker.Setf(health.ComponentControl, health.LevelOK, "listening on %s", d.ns.ControlSocket())
	return nil
}

func (d *Daemon) stopControl(ctx context.Context) error {
	if d.controlSv != nil {
		d.controlSv.Close()
	}
	return nil
}

func (d *Daemon) startStatus(ctx context.Context) error {
	ln, err := net.Listen("unix", d.ns.StatusSocket())
	if err != nil {
		d.tracker.Setf(health.ComponentStatus, health.LevelError, "listen failed: %v", err)
		return fmt.Errorf("binding status socket: %w", err)
	}
	d.statusSv = status.NewServer(statusSource{d}, d.bus)
	d.serveLoop.Go(func() error {
		d.statusSv.Serve(ln)
		return nil
	})
	d.tracker.Setf(health.ComponentStatus, health.LevelOK, "listening on %s", d.ns.StatusSocket())
	return nil
}

func (d *Daemon) stopStatus(ctx context.Context) error {
	if d.statusSv != nil {
		d.statusSv.Close()
	}
	return nil
}

// Bind implements control.Handler: register the binding, make sure its
// public listener exists, and hand back the identity.
func (d *Daemon) Bind(ctx context.Context, req api.BindRequest) (api.BindResult, error) {
	b, err := d.reg.Register(ctx, req)
	if err != nil {
		return api.BindResult{}, err
	}
	if err := d.listeners.Ensure(b.Host, b.Port); err != nil {
		return api.BindResult{}, err
	}
	d.tracker.Setf(health.ComponentListeners, health.LevelOK, "%d public listeners", d.listeners.Count())
	d.bus.Publish(events.Event{Topic: events.TopicBindingRegistered, Payload: events.BindingRegistered{
		ID: b.ID, Host: b.Host, Port: b.Port, Vhost: b.Vhost, Basepath: b.Basepath,
	}})
	return api.BindResult{ID: b.ID, ChannelPath: b.ChannelPath}, nil
}

// Ready implements control.Handler.
func (d *Daemon) Ready(ctx context.Context, id string) error {
	b, err := d.reg.Lookup(id)
	if err != nil {
		return err
	}
	return d.disp.MarkReady(b)
}

// Status implements control.Handler.
func (d *Daemon) Status(ctx context.Context) api.StatusResult {
	return api.StatusResult{
		UptimeSeconds: int64(time.Since(d.startedAt).Seconds()),
		Bindings:      d.reg.Len(),
		Listeners:     d.listeners.Count(),
		Queued:        d.disp.QueuedTotal(),
		Health:        d.tracker.Summary(),
	}
}

// Bindings enriches the registry snapshot with runtime state.
func (d *Daemon) Bindings() []api.BindingInfo {
	infos := d.reg.Snapshot()
	for i := range infos {
		infos[i].Ready, infos[i].Queued = d.disp.Info(infos[i].ID)
	}
	return infos
}

// statusSource adapts the daemon to the status API's read-only view.
type statusSource struct{ d *Daemon }

func (s statusSource) Status() api.StatusResult    { return s.d.Status(context.Background()) }
func (s statusSource) Bindings() []api.BindingInfo { return s.d.Bindings() }
