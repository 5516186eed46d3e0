package api

// BindRequest defines the payload for registering an application binding
// with the daemon. Host and Vhost may be empty; the daemon applies defaults.
type BindRequest struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Vhost       string `json:"vhost,omitempty"`
	Basepath    string `json:"basepath,omitempty"`
	StartTarget string `json:"start_target"`
}

// BindResult carries the identity assigned to a binding. ChannelPath is the
// unix socket the application must listen on before announcing readiness.
type BindResult struct {
	ID          string `json:"id"`
	ChannelPath string `json:"channel_path"`
}

// BindingInfo is the read-only view of one registered binding, as exposed
// by the status API.
type BindingInfo struct {
	ID          string `json:"id"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Vhost       string `json:"vhost,omitempty"`
	Basepath    string `json:"basepath"`
	StartTarget string `json:"start_target"`
	ChannelPath string `json:"channel_path"`
	Ready       bool   `json:"ready"`
	Queued      int    `json:"queued"`
}

// StatusResult summarizes daemon state for the status command.
type StatusResult struct {
	UptimeSeconds int64             `json:"uptime_seconds"`
	Bindings      int               `json:"bindings"`
	Listeners     int               `json:"listeners"`
	Queued        int               `json:"queued"`
	Health        map[string]string `json:"health,omitempty"`
	RecentEvents  []string          `json:"recent_events,omitempty"`
}
