package control

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"portmuxd/internal/api"
)

const connDeadline = 5 * time.Second

// Handler executes control commands inside the daemon.
type Handler interface {
	Bind(ctx context.Context, req api.BindRequest) (api.BindResult, error)
	Ready(ctx context.Context, id string) error
	Status(ctx context.Context) api.StatusResult
	// Stop asks the daemon to shut down. It must return promptly; the
	// actual teardown happens after the response is flushed.
	Stop()
}

// Server accepts one framed request per connection on the control socket,
// dispatches it against the closed command set, and writes one framed
// response. Undecodable or unknown commands close the connection without a
// response.
type Server struct {
	handler Handler
	ln      net.Listener
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewServer wraps handler; call Serve with a unix listener to run it.
func NewServer(handler Handler) *Server {
	return &Server{handler: handler}
}

// Serve runs the accept loop on ln until Close. It returns on listener
// close.
func (s *Server) Serve(ln net.Listener) {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("WARN: Control accept failed: %v", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops the accept loop and waits for in-flight commands.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connDeadline))

	payload, err := ReadFrame(conn)
	if err != nil {
		log.Printf("WARN: Control read failed: %v", err)
		return
	}
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Printf("WARN: Control decode failed: %v", err)
		return
	}

	resp, ok := s.dispatch(req)
	if !ok {
		// Unknown or malformed command: close without a response.
		return
	}
	out, err := json.Marshal(resp)
	if err != nil {
		log.Printf("WARN: Control encode failed: %v", err)
		return
	}
	if err := WriteFrame(conn, out); err != nil {
		log.Printf("WARN: Control write failed: %v", err)
	}
}

// dispatch runs one command. The second return is false only for requests
// outside the closed command set, which get no response at all.
func (s *Server) dispatch(req Request) (Response, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), connDeadline)
	defer cancel()

	switch req.Cmd {
	case CmdBind:
		if req.Bind == nil {
			return Response{}, false
		}
		result, err := s.handler.Bind(ctx, *req.Bind)
		if err != nil {
			return Response{Error: err.Error()}, true
		}
		return Response{OK: true, Bind: &result}, true

	case CmdReady:
		if req.Ready == nil {
			return Response{}, false
		}
		if err := s.handler.Ready(ctx, req.Ready.ID); err != nil {
			return Response{Error: err.Error()}, true
		}
		return Response{OK: true}, true

	case CmdStatus:
		st := s.handler.Status(ctx)
		return Response{OK: true, Status: &st}, true

	case CmdPing:
		return Response{OK: true}, true

	case CmdStop:
		// Flush the response before teardown starts, so the caller does
		// not mistake shutdown for a transport failure.
		s.handler.Stop()
		return Response{OK: true}, true

	default:
		log.Printf("WARN: Control command %q not in allow-list", req.Cmd)
		return Response{}, false
	}
}
