package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	packetLossRe = regexp.MustCompile(`(\d+)% packet loss`)
	avgTimeRe    = regexp.MustCompile(`avg = ([\d.]+)`)
	hopRe        = regexp.MustCompile(`^\s*(\d+)\s+`)
)

// NetworkSource probes the failing endpoint's host directly: ICMP ping,
// traceroute, DNS resolution, and a raw TCP connect to the service port.
// Ping and traceroute shell out to the system binaries.
type NetworkSource struct {
	resolver *net.Resolver
	dialer   *net.Dialer
}

// NewNetworkSource creates a network diagnostics source.
func NewNetworkSource() *NetworkSource {
	return &NetworkSource{
		resolver: net.DefaultResolver,
		dialer:   &net.Dialer{Timeout: 10 * time.Second},
	}
}

func (n *NetworkSource) Name() string { return "network" }

type netTest struct {
	Status string `json:"status"` // success | failed | timeout
	Error  string `json:"error,omitempty"`

	PacketLoss    *int     `json:"packet_loss,omitempty"`
	AverageTimeMS *float64 `json:"average_time_ms,omitempty"`

	TotalHops int `json:"total_hops,omitempty"`

	IPAddresses      []string `json:"ip_addresses,omitempty"`
	ResolutionTimeMS float64  `json:"resolution_time_ms,omitempty"`

	PortOpen         bool    `json:"port_open,omitempty"`
	ConnectionTimeMS float64 `json:"connection_time_ms,omitempty"`
}

// Collect runs every network test against the incident URL's host and
// returns them keyed by test name. Individual test failures are data, not
// errors; only an unparseable URL fails the source.
func (n *NetworkSource) Collect(ctx context.Context, req Request) (json.RawMessage, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("bad endpoint url %q", req.URL)
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	tests := map[string]netTest{
		"ping":              n.ping(ctx, host),
		"traceroute":        n.traceroute(ctx, host),
		"dns_resolution":    n.resolve(ctx, host),
		"port_connectivity": n.connect(ctx, host, port),
	}

	output := map[string]any{
		"endpoint_url": req.URL,
		"hostname":     host,
		"port":         port,
		"tests":        tests,
	}
	return json.Marshal(output)
}

func (n *NetworkSource) ping(ctx context.Context, host string) netTest {
	out, err := exec.CommandContext(ctx, "ping", "-c", "4", "-W", "5", host).CombinedOutput()
	if err != nil {
		return execFailure(ctx, err, out)
	}
	t := netTest{Status: "success"}
	if m := packetLossRe.FindSubmatch(out); m != nil {
		loss, _ := strconv.Atoi(string(m[1]))
		t.PacketLoss = &loss
	}
	if m := avgTimeRe.FindSubmatch(out); m != nil {
		avg, _ := strconv.ParseFloat(string(m[1]), 64)
		t.AverageTimeMS = &avg
	}
	return t
}

func (n *NetworkSource) traceroute(ctx context.Context, host string) netTest {
	out, err := exec.CommandContext(ctx, "traceroute", "-m", "15", "-w", "5", host).CombinedOutput()
	if err != nil {
		return execFailure(ctx, err, out)
	}
	hops := 0
	for _, line := range strings.Split(string(out), "\n") {
		if hopRe.MatchString(line) {
			hops++
		}
	}
	return netTest{Status: "success", TotalHops: hops}
}

func (n *NetworkSource) resolve(ctx context.Context, host string) netTest {
	start := time.Now()
	addrs, err := n.resolver.LookupHost(ctx, host)
	if err != nil {
		return netTest{Status: "failed", Error: err.Error()}
	}
	return netTest{
		Status:           "success",
		IPAddresses:      addrs,
		ResolutionTimeMS: float64(time.Since(start)) / float64(time.Millisecond),
	}
}

func (n *NetworkSource) connect(ctx context.Context, host, port string) netTest {
	start := time.Now()
	conn, err := n.dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		status := "failed"
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			status = "timeout"
		}
		return netTest{Status: status, Error: err.Error(), ConnectionTimeMS: elapsed}
	}
	_ = conn.Close()
	return netTest{Status: "success", PortOpen: true, ConnectionTimeMS: elapsed}
}

func execFailure(ctx context.Context, err error, out []byte) netTest {
	if ctx.Err() != nil {
		return netTest{Status: "timeout", Error: ctx.Err().Error()}
	}
	msg := strings.TrimSpace(string(out))
	if msg == "" {
		msg = err.Error()
	}
	return netTest{Status: "failed", Error: msg}
}
