// Package diag collects diagnostic evidence for a freshly opened incident
// from a set of independent sources under a hard overall deadline.
package diag

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sentinel/internal/incident"
)

// Request identifies what to collect evidence about.
type Request struct {
	IncidentID string
	Endpoint   string
	URL        string
}

// Source is one diagnostic capability. Collect must honor ctx cancellation;
// the collector enforces a per-source timeout around every call.
type Source interface {
	Name() string
	Collect(ctx context.Context, req Request) (json.RawMessage, error)
}

// Registry holds the configured sources keyed by name.
type Registry struct {
	sources map[string]Source
}

// NewRegistry creates an empty source registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register adds a source to the registry, keyed by its Name.
func (r *Registry) Register(s Source) {
	r.sources[s.Name()] = s
}

// Get retrieves a source by name.
func (r *Registry) Get(name string) (Source, bool) {
	s, ok := r.sources[name]
	return s, ok
}

// All returns every registered source, ordered by name.
func (r *Registry) All() []Source {
	out := make([]Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Collector fans a request out to every registered source and assembles a
// bundle. Sources run concurrently, each under sourceTimeout; the whole
// collection runs under timeout. A slow or failing source becomes an
// unavailable entry in the bundle, never an error from Collect.
type Collector struct {
	registry      *Registry
	timeout       time.Duration
	sourceTimeout time.Duration
	logger        log.Logger
}

// NewCollector creates a Collector with the given deadlines.
func NewCollector(registry *Registry, timeout, sourceTimeout time.Duration, logger log.Logger) *Collector {
	return &Collector{
		registry:      registry,
		timeout:       timeout,
		sourceTimeout: sourceTimeout,
		logger:        logger,
	}
}

type sourceOutcome struct {
	name    string
	payload json.RawMessage
	err     error
	elapsed time.Duration
}

// Collect gathers evidence from every source. It always returns a bundle
// with exactly one entry per registered source, in registry order, within
// the collector's overall deadline even when sources hang.
func (c *Collector) Collect(ctx context.Context, req Request) *incident.Bundle {
	sources := c.registry.All()
	bundle := &incident.Bundle{
		IncidentID:  req.IncidentID,
		CollectedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	outcomes := make(chan sourceOutcome, len(sources))
	for _, s := range sources {
		go func(s Source) {
			sctx, scancel := context.WithTimeout(ctx, c.sourceTimeout)
			defer scancel()
			start := time.Now()
			payload, err := s.Collect(sctx, req)
			outcomes <- sourceOutcome{name: s.Name(), payload: payload, err: err, elapsed: time.Since(start)}
		}(s)
	}

	byName := make(map[string]sourceOutcome, len(sources))
collecting:
	for range sources {
		select {
		case out := <-outcomes:
			byName[out.name] = out
		case <-ctx.Done():
			break collecting
		}
	}

	for _, s := range sources {
		out, ok := byName[s.Name()]
		switch {
		case !ok:
			bundle.Results = append(bundle.Results, incident.SourceResult{
				Source:      s.Name(),
				Unavailable: true,
				Reason:      "collection deadline exceeded",
			})
		case out.err != nil:
			c.logger.Warn(ctx, "diagnostic source unavailable",
				"incident_id", req.IncidentID,
				"source", s.Name(),
				"error", out.err.Error(),
			)
			bundle.Results = append(bundle.Results, incident.SourceResult{
				Source:      s.Name(),
				Unavailable: true,
				Reason:      out.err.Error(),
				Elapsed:     out.elapsed,
			})
		default:
			bundle.Results = append(bundle.Results, incident.SourceResult{
				Source:  s.Name(),
				Payload: out.payload,
				Elapsed: out.elapsed,
			})
		}
	}

	c.logger.Info(ctx, "diagnostic collection complete",
		"incident_id", req.IncidentID,
		"sources", len(sources),
		"available", bundle.Available(),
	)
	return bundle
}
