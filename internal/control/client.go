package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"portmuxd/internal/api"
)

// ErrTransport means the control channel could not be reached or died
// before a response arrived.
var ErrTransport = errors.New("control channel unreachable")

// Client invokes daemon commands over the control socket. One connection
// carries exactly one request/response exchange.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient targets the control socket at path.
func NewClient(path string) *Client {
	return &Client{socketPath: path, timeout: connDeadline}
}

// Invoke performs one framed exchange. Connection failures and early
// closes wrap ErrTransport; a command-level failure surfaces as a plain
// error carrying the server's message.
func (c *Client) Invoke(ctx context.Context, req Request) (Response, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(c.timeout))
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encoding %s request: %w", req.Cmd, err)
	}
	if err := WriteFrame(conn, payload); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	raw, err := ReadFrame(conn)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: undecodable response: %v", ErrTransport, err)
	}
	if !resp.OK {
		return resp, fmt.Errorf("%s failed: %s", req.Cmd, resp.Error)
	}
	return resp, nil
}

// Bind registers an application binding with the daemon.
func (c *Client) Bind(ctx context.Context, req api.BindRequest) (api.BindResult, error) {
	resp, err := c.Invoke(ctx, Request{Cmd: CmdBind, Bind: &req})
	if err != nil {
		return api.BindResult{}, err
	}
	if resp.Bind == nil {
		return api.BindResult{}, fmt.Errorf("%w: bind response missing result", ErrTransport)
	}
	return *resp.Bind, nil
}

// Ready announces that the binding's channel is accepting connections.
func (c *Client) Ready(ctx context.Context, id string) error {
	_, err := c.Invoke(ctx, Request{Cmd: CmdReady, Ready: &ReadyRequest{ID: id}})
	return err
}

// Ping reports whether a live daemon answers on the control socket.
func (c *Client) Ping(ctx context.Context) bool {
	_, err := c.Invoke(ctx, Request{Cmd: CmdPing})
	return err == nil
}

// Status fetches the daemon's state summary.
func (c *Client) Status(ctx context.Context) (api.StatusResult, error) {
	resp, err := c.Invoke(ctx, Request{Cmd: CmdStatus})
	if err != nil {
		return api.StatusResult{}, err
	}
	if resp.Status == nil {
		return api.StatusResult{}, fmt.Errorf("%w: status response missing result", ErrTransport)
	}
	return *resp.Status, nil
}

// Stop asks the daemon to shut down.
func (c *Client) Stop(ctx context.Context) error {
	_, err := c.Invoke(ctx, Request{Cmd: CmdStop})
	return err
}
