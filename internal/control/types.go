package control

import "portmuxd/internal/api"

// Command names form a closed set. The server dispatches on them
// explicitly; a wire string never resolves to anything but one of these.
const (
	CmdBind   = "bind"
	CmdReady  = "ready"
	CmdStop   = "stop"
	CmdPing   = "ping"
	CmdStatus = "status"
)

// Request is one control message. Cmd selects the variant; exactly the
// matching payload field is set.
type Request struct {
	Cmd   string           `json:"cmd"`
	Bind  *api.BindRequest `json:"bind,omitempty"`
	Ready *ReadyRequest    `json:"ready,omitempty"`
}

// ReadyRequest announces that a binding's channel is accepting connections.
type ReadyRequest struct {
	ID string `json:"id"`
}

// Response is the single reply to a Request. Errors travel in-band so a
// caller can tell a failed command from a dead daemon.
type Response struct {
	OK     bool              `json:"ok"`
	Error  string            `json:"error,omitempty"`
	Bind   *api.BindResult   `json:"bind,omitempty"`
	Status *api.StatusResult `json:"status,omitempty"`
}
