package resolver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ErrResolution indicates that a user-supplied host string could not be
// turned into a canonical address.
var ErrResolution = errors.New("host resolution failed")

const defaultTimeout = 3 * time.Second

// Resolver canonicalizes host strings into IPv4 address literals. Literal
// addresses pass through untouched; names go through /etc/hosts and then the
// system's configured DNS servers.
type Resolver struct {
	HostsFile  string
	ResolvConf string
	Timeout    time.Duration
}

// New returns a resolver using the system hosts file and resolver config.
func New() *Resolver {
	return &Resolver{
		HostsFile:  "/etc/hosts",
		ResolvConf: "/etc/resolv.conf",
		Timeout:    defaultTimeout,
	}
}

// Resolve turns host into a canonical address string. The empty host and
// "0.0.0.0" mean "all interfaces" and resolve to "0.0.0.0".
func (r *Resolver) Resolve(ctx context.Context, host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" || host == "0.0.0.0" {
		return "0.0.0.0", nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	if strings.EqualFold(host, "localhost") {
		return "127.0.0.1", nil
	}

	if addr, ok := r.lookupHostsFile(host); ok {
		return addr, nil
	}
	addr, err := r.lookupDNS(ctx, host)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrResolution, host, err)
	}
	return addr, nil
}

// lookupHostsFile scans the hosts file for an IPv4 entry naming host.
func (r *Resolver) lookupHostsFile(host string) (string, bool) {
	f, err := os.Open(r.HostsFile)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip := net.ParseIP(fields[0])
		if ip == nil || ip.To4() == nil {
			continue
		}
		for _, name := range fields[1:] {
			if strings.EqualFold(name, host) {
				return ip.String(), true
			}
		}
	}
	return "", false
}

func (r *Resolver) lookupDNS(ctx context.Context, host string) (string, error) {
	conf, err := dns.ClientConfigFromFile(r.ResolvConf)
	if err != nil {
		return "", fmt.Errorf("reading resolver config: %w", err)
	}
	if len(conf.Servers) == 0 {
		return "", errors.New("no nameservers configured")
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	client := &dns.Client{Timeout: r.Timeout}
	var lastErr error
	for _, server := range conf.Servers {
		addr := net.JoinHostPort(server, conf.Port)
		reply, _, err := client.ExchangeContext(ctx, msg, addr)
		if err != nil {
			lastErr = err
			continue
		}
		if reply.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("server %s answered %s", addr, dns.RcodeToString[reply.Rcode])
			continue
		}
		for _, rr := range reply.Answer {
			if a, ok := rr.(*dns.A); ok {
				return a.A.String(), nil
			}
		}
		lastErr = fmt.Errorf("server %s returned no A records", addr)
	}
	if lastErr == nil {
		lastErr = errors.New("no usable nameserver")
	}
	return "", lastErr
}
