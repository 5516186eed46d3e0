package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"portmuxd/internal/config"
	"portmuxd/internal/control"
	"portmuxd/internal/daemon"
	"portmuxd/internal/state/paths"
)

var version = "dev"

const usage = `portmuxd %s — port-sharing daemon for lazily started web applications

Usage:
  portmuxd start-daemon   run the daemon in the foreground
  portmuxd stop-daemon    stop a running daemon
  portmuxd status         print a running daemon's state summary
  portmuxd help           show this message
`

func main() {
	if len(os.Args) < 2 {
		fmt.Printf(usage, version)
		return
	}

	switch os.Args[1] {
	case "start-daemon":
		os.Exit(runStartDaemon())
	case "stop-daemon":
		os.Exit(runStopDaemon())
	case "status":
		os.Exit(runStatus())
	case "help", "--help", "-h":
		fmt.Printf(usage, version)
	default:
		fmt.Fprintf(os.Stderr, "portmuxd: unknown command %q\n", os.Args[1])
		fmt.Printf(usage, version)
		os.Exit(2)
	}
}

func runStartDaemon() int {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("FATAL: %v", err)
		return 1
	}
	if cfg.RuntimeDir != "" {
		paths.Override(cfg.RuntimeDir)
	}

	// A daemon answering on the control socket means we are done already.
	ctx := context.Background()
	if control.NewClient(paths.ControlSocket()).Ping(ctx) {
		log.Printf("INFO: A daemon is already running at %s", paths.ControlSocket())
		return 0
	}

	d := daemon.New(cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("INFO: Received %s, shutting down", sig)
		d.Stop()
	}()

	if err := d.Run(ctx); err != nil {
		log.Printf("FATAL: %v", err)
		return 1
	}
	return 0
}

func runStopDaemon() int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := control.NewClient(paths.ControlSocket()).Stop(ctx)
	if err != nil {
		if errors.Is(err, control.ErrTransport) {
			fmt.Fprintln(os.Stderr, "portmuxd: no daemon is running")
		} else {
			fmt.Fprintf(os.Stderr, "portmuxd: stop failed: %v\n", err)
		}
		return 1
	}
	fmt.Println("daemon stopped")
	return 0
}

// runStatus reads the HTTP status API on the daemon's status socket, so
// the same endpoint works for this command and for curl --unix-socket.
func runStatus() int {
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", paths.StatusSocket())
			},
		},
	}

	resp, err := client.Get("http://portmuxd/v1/status")
	if err != nil {
		fmt.Fprintln(os.Stderr, "portmuxd: no daemon is running")
		return 1
	}
	defer resp.Body.Close()

	var st map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		fmt.Fprintf(os.Stderr, "portmuxd: undecodable status: %v\n", err)
		return 1
	}
	out, _ := json.MarshalIndent(st, "", "  ")
	fmt.Println(string(out))
	return 0
}
