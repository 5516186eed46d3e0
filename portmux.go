// Package portmux is the client library for portmuxd: application
// processes use it to register a binding with the daemon, serve their
// private channel, and announce readiness. Orchestration code uses Start
// and Stop to manage the daemon itself.
package portmux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"portmuxd/internal/api"
	"portmuxd/internal/config"
	"portmuxd/internal/control"
	"portmuxd/internal/daemon"
	"portmuxd/internal/state/paths"
)

// Options configures Listen. Zero values get the daemon's defaults.
type Options struct {
	// StartTarget is the path the daemon launches to (re)start this
	// application. Defaults to the current executable.
	StartTarget string
	// Port is the public port to share. Defaults to 80.
	Port int
	// Host is the public address to bind. Defaults to "0.0.0.0".
	Host string
	// Vhost optionally restricts matching to a host-header pattern with
	// '*' and '?' wildcards. Unset matches any virtual host.
	Vhost string
	// Basepath optionally restricts matching to a path prefix.
	// Defaults to "/".
	Basepath string
}

// DaemonHandle refers to a running daemon: either one started by this
// process or one that was already alive.
type DaemonHandle struct {
	owned *daemon.Daemon
}

// Start makes sure a daemon is running. If one already answers on the
// control socket this is a no-op returning a handle to it; otherwise a
// daemon is started inside the current process.
func Start(ctx context.Context) (*DaemonHandle, error) {
	client := control.NewClient(paths.ControlSocket())
	if client.Ping(ctx) {
		return &DaemonHandle{}, nil
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	d := daemon.New(cfg)
	go func() {
		if err := d.Run(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "portmux: daemon exited: %v\n", err)
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !client.Ping(ctx) {
		if time.Now().After(deadline) {
			d.Stop()
			return nil, fmt.Errorf("%w: daemon did not come up", control.ErrTransport)
		}
		time.Sleep(20 * time.Millisecond)
	}
	return &DaemonHandle{owned: d}, nil
}

// Stop shuts down the reachable daemon over the control socket.
func Stop(ctx context.Context) error {
	return control.NewClient(paths.ControlSocket()).Stop(ctx)
}

// Close stops the daemon if this handle owns one; a handle to a foreign
// daemon leaves it alone.
func (h *DaemonHandle) Close() {
	if h.owned != nil {
		h.owned.Stop()
	}
}

// App is an application serving its private channel. Close it when idle;
// the daemon restarts the application on the next matching request.
type App struct {
	id          string
	channelPath string
	srv         *http.Server
}

// ID returns the binding id assigned by the daemon.
func (a *App) ID() string { return a.id }

// ChannelPath returns the unix socket this application serves.
func (a *App) ChannelPath() string { return a.channelPath }

// Close stops serving the private channel.
func (a *App) Close() error { return a.srv.Close() }

// Listen registers this application with the daemon, serves handler on the
// returned private channel, and announces readiness. Queued requests start
// flowing as soon as it returns.
func Listen(ctx context.Context, opts Options, handler http.Handler) (*App, error) {
	if handler == nil {
		return nil, errors.New("portmux: nil handler")
	}
	applyDefaults(&opts)

	client := control.NewClient(paths.ControlSocket())
	result, err := client.Bind(ctx, api.BindRequest{
		Host:        opts.Host,
		Port:        opts.Port,
		Vhost:       opts.Vhost,
		Basepath:    opts.Basepath,
		StartTarget: opts.StartTarget,
	})
	if err != nil {
		return nil, err
	}

	clearStaleChannel(result.ChannelPath)
	ln, err := net.Listen("unix", result.ChannelPath)
	if err != nil {
		return nil, fmt.Errorf("listening on channel %s: %w", result.ChannelPath, err)
	}

	app := &App{
		id:          result.ID,
		channelPath: result.ChannelPath,
		srv:         &http.Server{Handler: handler},
	}
	go app.srv.Serve(ln)

	if err := client.Ready(ctx, result.ID); err != nil {
		app.srv.Close()
		return nil, err
	}
	return app, nil
}

func applyDefaults(opts *Options) {
	if opts.Port == 0 {
		opts.Port = 80
	}
	if opts.Host == "" {
		opts.Host = "0.0.0.0"
	}
	if opts.Basepath == "" {
		opts.Basepath = "/"
	}
	if opts.StartTarget == "" {
		if exe, err := os.Executable(); err == nil {
			opts.StartTarget = exe
		} else {
			opts.StartTarget = os.Args[0]
		}
	}
}

// clearStaleChannel removes a channel socket file left by a previous
// instance of this application, but only if nothing answers on it.
func clearStaleChannel(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err == nil {
		conn.Close()
		return
	}
	os.Remove(path)
}
