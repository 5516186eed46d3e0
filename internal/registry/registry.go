package registry

import (
	"context"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"portmuxd/internal/api"
)

// Resolver canonicalizes host strings. Satisfied by resolver.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, host string) (string, error)
}

// ChannelAllocator derives the private channel endpoint for a binding id.
// Satisfied by namespace.Namespace.
type ChannelAllocator interface {
	ChannelPath(id string) string
}

// Binding is one registered routing rule: requests for (Host, Port) whose
// host header matches Vhost and whose path starts with Basepath are proxied
// to the application listening on ChannelPath. ID and ChannelPath are
// assigned exactly once, at first registration, and never change.
type Binding struct {
	Host        string
	Port        int
	Vhost       string
	Basepath    string
	StartTarget string
	ID          string
	ChannelPath string

	vhostRE *regexp.Regexp
	seq     int
}

// Registry is the daemon's source of truth for bound applications, keyed by
// (resolved host, port). All mutation happens through Register under the
// registry mutex; it holds no package-level state and is handed to every
// component that needs it.
type Registry struct {
	mu       sync.Mutex
	resolver Resolver
	channels ChannelAllocator
	hosts    map[string]map[int][]*Binding
}

// New builds an empty registry around the given resolver and channel
// allocator.
func New(r Resolver, c ChannelAllocator) *Registry {
	return &Registry{
		resolver: r,
		channels: c,
		hosts:    make(map[string]map[int][]*Binding),
	}
}

// Register resolves and validates the request, then either returns the
// existing binding for an occupied slot (same start target), rejects the
// request (different start target), or appends a new binding. Two bindings
// occupy the same slot when they share (host, port), have equal basepaths,
// and their vhosts are equal or unset on either side.
func (reg *Registry) Register(ctx context.Context, req api.BindRequest) (*Binding, error) {
	if req.Port < 1 || req.Port > 65535 {
		return nil, fmt.Errorf("port %d out of range", req.Port)
	}
	basepath := normalizeBasepath(req.Basepath)

	host, err := reg.resolver.Resolve(ctx, req.Host)
	if err != nil {
		return nil, err
	}
	if req.StartTarget == "" {
		return nil, fmt.Errorf("%w: empty start target", ErrTargetNotFound)
	}
	if _, err := os.Stat(req.StartTarget); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, req.StartTarget)
	}

	var vhostRE *regexp.Regexp
	if req.Vhost != "" {
		vhostRE, err = compileVhost(req.Vhost)
		if err != nil {
			return nil, fmt.Errorf("invalid vhost pattern %q: %w", req.Vhost, err)
		}
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	ports := reg.hosts[host]
	if ports == nil {
		ports = make(map[int][]*Binding)
		reg.hosts[host] = ports
	}
	for _, b := range ports[req.Port] {
		if b.Basepath != basepath {
			continue
		}
		// Vhost matching is case-insensitive, so slots fold case too.
		if b.Vhost != "" && req.Vhost != "" && !strings.EqualFold(b.Vhost, req.Vhost) {
			continue
		}
		if b.StartTarget == req.StartTarget {
			return b, nil
		}
		return nil, fmt.Errorf("%w: slot (%s:%d vhost=%q basepath=%q) held by %s",
			ErrCollision, host, req.Port, b.Vhost, b.Basepath, b.StartTarget)
	}

	b := &Binding{
		Host:        host,
		Port:        req.Port,
		Vhost:       req.Vhost,
		Basepath:    basepath,
		StartTarget: req.StartTarget,
		vhostRE:     vhostRE,
		seq:         len(ports[req.Port]),
	}
	b.ID = fmt.Sprintf("%s_%d_%d", host, req.Port, b.seq)
	b.ChannelPath = reg.channels.ChannelPath(b.ID)
	ports[req.Port] = append(ports[req.Port], b)
	return b, nil
}

// Match selects the single binding that should serve a request arriving on
// the (host, port) listener. Candidates must have a basepath that literally
// prefixes the request path and a vhost that matches the request's host
// header (unset vhost matches anything). Among candidates the winner is the
// one with the longest basepath, then a set vhost over an unset one, then
// the earliest registration.
func (reg *Registry) Match(host string, port int, requestHost, requestPath string) *Binding {
	reqHost := stripPort(requestHost)

	reg.mu.Lock()
	defer reg.mu.Unlock()

	var winner *Binding
	for _, b := range reg.hosts[host][port] {
		if !hasPathPrefix(requestPath, b.Basepath) {
			continue
		}
		if b.vhostRE != nil && !b.vhostRE.MatchString(strings.ToLower(reqHost)) {
			continue
		}
		if winner == nil || moreSpecific(b, winner) {
			winner = b
		}
	}
	return winner
}

// Lookup parses a binding id back into (host, port, index) and returns the
// binding, or ErrNotFound.
func (reg *Registry) Lookup(id string) (*Binding, error) {
	host, port, index, err := parseID(id)
	if err != nil {
		return nil, err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	bindings := reg.hosts[host][port]
	if index < 0 || index >= len(bindings) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return bindings[index], nil
}

// Snapshot returns a read-only view of all bindings in registration order
// per (host, port) pair.
func (reg *Registry) Snapshot() []api.BindingInfo {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var out []api.BindingInfo
	for _, ports := range reg.hosts {
		for _, bindings := range ports {
			for _, b := range bindings {
				out = append(out, api.BindingInfo{
					ID:          b.ID,
					Host:        b.Host,
					Port:        b.Port,
					Vhost:       b.Vhost,
					Basepath:    b.Basepath,
					StartTarget: b.StartTarget,
					ChannelPath: b.ChannelPath,
				})
			}
		}
	}
	return out
}

// Len reports the number of registered bindings.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	n := 0
	for _, ports := range reg.hosts {
		for _, bindings := range ports {
			n += len(bindings)
		}
	}
	return n
}

// moreSpecific reports whether a should win over b under the specificity
// order: longest basepath, then set vhost over unset, then registration
// order.
func moreSpecific(a, b *Binding) bool {
	if len(a.Basepath) != len(b.Basepath) {
		return len(a.Basepath) > len(b.Basepath)
	}
	if (a.Vhost != "") != (b.Vhost != "") {
		return a.Vhost != ""
	}
	return a.seq < b.seq
}

// compileVhost turns a wildcard pattern into an anchored, case-insensitive
// regexp: '?' matches any single character, '*' matches one or more
// characters, everything else is literal.
func compileVhost(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range strings.ToLower(pattern) {
		switch r {
		case '*':
			sb.WriteString(".+")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

// hasPathPrefix reports whether base is a literal prefix of path.
func hasPathPrefix(path, base string) bool {
	return strings.HasPrefix(path, base)
}

func normalizeBasepath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func parseID(id string) (host string, port, index int, err error) {
	last := strings.LastIndexByte(id, '_')
	if last < 0 {
		return "", 0, 0, fmt.Errorf("%w: malformed id %q", ErrNotFound, id)
	}
	prev := strings.LastIndexByte(id[:last], '_')
	if prev < 0 {
		return "", 0, 0, fmt.Errorf("%w: malformed id %q", ErrNotFound, id)
	}
	index, err = strconv.Atoi(id[last+1:])
	if err != nil {
		return "", 0, 0, fmt.Errorf("%w: malformed id %q", ErrNotFound, id)
	}
	port, err = strconv.Atoi(id[prev+1 : last])
	if err != nil {
		return "", 0, 0, fmt.Errorf("%w: malformed id %q", ErrNotFound, id)
	}
	return id[:prev], port, index, nil
}
