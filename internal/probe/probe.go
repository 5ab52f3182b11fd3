// Package probe performs HTTP health checks against monitored endpoints
// and schedules them on a fixed per-endpoint cadence.
package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sentinel/internal/incident"
)

const (
	defaultTimeout = 10 * time.Second
	userAgent      = "sentinel/1.0"
)

// Result is the outcome of a single health check. SSLExpiryDays is -1 when
// the endpoint is not HTTPS or the certificate could not be inspected.
type Result struct {
	Endpoint      string
	URL           string
	CheckedAt     time.Time
	StatusCode    int
	LatencyMS     float64
	OK            bool
	ErrorMsg      string
	SSLExpiryDays int
}

// Prober runs health checks. It is safe for concurrent use.
type Prober struct {
	client *http.Client
	logger log.Logger
}

// New creates a Prober. A nil client gets a default with no global timeout;
// per-check deadlines come from each endpoint's own timeout.
func New(client *http.Client, logger log.Logger) *Prober {
	if client == nil {
		client = &http.Client{}
	}
	return &Prober{client: client, logger: logger}
}

// Check performs one health check against ep. It never returns an error:
// transport failures become a Result with StatusCode 0 and a classified
// error message.
func (p *Prober) Check(ctx context.Context, ep *incident.Endpoint) Result {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := ep.Method
	if method == "" {
		method = http.MethodGet
	}

	res := Result{
		Endpoint:      ep.Name,
		URL:           ep.URL,
		CheckedAt:     time.Now().UTC(),
		SSLExpiryDays: -1,
	}

	req, err := http.NewRequestWithContext(ctx, method, ep.URL, nil)
	if err != nil {
		res.ErrorMsg = fmt.Sprintf("bad request: %v", err)
		return res
	}
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := p.client.Do(req)
	res.LatencyMS = float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		res.ErrorMsg = classify(err)
		p.logger.Warn(ctx, "health check failed", "endpoint", ep.Name, "error", res.ErrorMsg)
		return res
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	res.StatusCode = resp.StatusCode
	if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
		res.SSLExpiryDays = int(time.Until(resp.TLS.PeerCertificates[0].NotAfter).Hours() / 24)
	}

	switch {
	case !ep.StatusExpected(resp.StatusCode):
		res.ErrorMsg = fmt.Sprintf("HTTP %d error", resp.StatusCode)
	case ep.LatencyBudgetMS > 0 && res.LatencyMS > ep.LatencyBudgetMS:
		res.ErrorMsg = fmt.Sprintf("response time %.0fms exceeds threshold %.0fms", res.LatencyMS, ep.LatencyBudgetMS)
	default:
		res.OK = true
	}

	if res.OK {
		p.logger.Info(ctx, "health check passed", "endpoint", ep.Name, "latency_ms", res.LatencyMS)
	} else {
		p.logger.Warn(ctx, "health check failed", "endpoint", ep.Name, "error", res.ErrorMsg)
	}
	return res
}

// classify maps a transport error to the short message carried on the
// incident. Timeouts and certificate problems get stable labels so the
// correlation layer can key off them.
func classify(err error) string {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return "connection timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "connection timeout"
	}
	var (
		certErr *tls.CertificateVerificationError
		caErr   x509.UnknownAuthorityError
		hostErr x509.HostnameError
		invErr  x509.CertificateInvalidError
	)
	if errors.As(err, &certErr) || errors.As(err, &caErr) ||
		errors.As(err, &hostErr) || errors.As(err, &invErr) {
		return "ssl certificate error"
	}
	return err.Error()
}

// Handler receives every check result, in check order per endpoint.
type Handler func(ctx context.Context, res Result)

// Scheduler drives one check loop per endpoint at a fixed interval.
type Scheduler struct {
	prober   *Prober
	interval time.Duration
	handle   Handler
	logger   log.Logger
}

// NewScheduler creates a Scheduler that invokes handle for every result.
func NewScheduler(p *Prober, interval time.Duration, handle Handler, logger log.Logger) *Scheduler {
	return &Scheduler{prober: p, interval: interval, handle: handle, logger: logger}
}

// Run checks every endpoint once immediately, then on each tick, until ctx
// is cancelled. It blocks until all per-endpoint loops have exited. The
// handler runs on the endpoint's own goroutine, so results for one endpoint
// are always observed in order.
func (s *Scheduler) Run(ctx context.Context, endpoints []*incident.Endpoint) {
	done := make(chan struct{})
	for _, ep := range endpoints {
		go func(ep *incident.Endpoint) {
			defer func() { done <- struct{}{} }()
			s.loop(ctx, ep)
		}(ep)
	}
	s.logger.Info(ctx, "probe scheduler started", "endpoints", len(endpoints), "interval", s.interval)
	for range endpoints {
		<-done
	}
	s.logger.Info(ctx, "probe scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, ep *incident.Endpoint) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.handle(ctx, s.prober.Check(ctx, ep))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.handle(ctx, s.prober.Check(ctx, ep))
		}
	}
}
