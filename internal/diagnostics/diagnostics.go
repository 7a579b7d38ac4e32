// Package diagnostics implements the Diagnostics probe (C11): a parallel
// health check of every external collaborator the daemon depends on,
// reported as a single structured summary (spec §4.11). The fan-out reuses
// internal/pipeline.Parallel, the same order-preserving concurrency operator
// the ingest pipeline is built from, rather than a bespoke goroutine group.
package diagnostics

import (
	"context"
	"fmt"
	"strings"

	"atlas/internal/config"
	"atlas/internal/pipeline"
	"atlas/internal/registry"
	"atlas/internal/storage"
	"atlas/internal/tracker"
)

// Status is one probe's outcome.
type Status string

const (
	StatusOK            Status = "ok"
	StatusWarning       Status = "warning"
	StatusError         Status = "error"
	StatusNotConfigured Status = "not-configured"
)

// Probe is one named check's result.
type Probe struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ModelReport lists the providers registered (or missing) for a capability.
type ModelReport struct {
	Capability string   `json:"capability"`
	Available  []string `json:"available"`
	Missing    bool     `json:"missing"`
}

// Summary tallies probes by status.
type Summary struct {
	OK            int `json:"ok"`
	Warning       int `json:"warning"`
	Error         int `json:"error"`
	NotConfigured int `json:"not_configured"`
}

// Report is the full diagnostics output (spec §4.11's structure).
type Report struct {
	Environment   []Probe        `json:"environment"`
	Services      []Probe        `json:"services"`
	Models        []ModelReport  `json:"models"`
	Configuration Probe          `json:"configuration"`
	TrackerStats  *tracker.Stats `json:"tracker_stats,omitempty"`
	Summary       Summary        `json:"summary"`
}

// Reachable is any provider this probe can ping without issuing a real
// embedding/completion call side effect beyond the check itself.
type Reachable interface {
	CheckReachability(ctx context.Context) error
}

// Deps wires every collaborator Run probes.
type Deps struct {
	Config     *config.Config
	ConfigPath string
	Registry   *registry.Registry
	Vector     storage.VectorStore
	Collection string
	FullText   storage.FullTextStore // nil when disabled
	Cache      storage.Cache         // nil when disabled
	Tracker    *tracker.Tracker
}

// requiredModelCapabilities is the set probed for availability (spec §4.11
// "configured-but-missing model families").
var requiredModelCapabilities = []registry.Capability{
	registry.CapTextEmbedding,
	registry.CapTextCompletion,
	registry.CapJSONCompletion,
}

// Run probes every collaborator concurrently and assembles the report.
func Run(ctx context.Context, d Deps) Report {
	jobs := []func(context.Context) Probe{
		func(ctx context.Context) Probe { return probeVector(ctx, d) },
	}
	if d.FullText != nil {
		jobs = append(jobs, func(ctx context.Context) Probe { return probeFullText(ctx, d) })
	} else {
		jobs = append(jobs, func(context.Context) Probe { return Probe{Name: "full_text", Status: StatusNotConfigured} })
	}
	if d.Cache != nil {
		jobs = append(jobs, func(ctx context.Context) Probe { return probeCache(ctx, d) })
	} else {
		jobs = append(jobs, func(context.Context) Probe { return Probe{Name: "cache", Status: StatusNotConfigured} })
	}
	for _, cap := range backendCapabilities(d.Registry) {
		cap := cap
		jobs = append(jobs, func(ctx context.Context) Probe { return probeBackends(ctx, d, cap) })
	}

	results := pipeline.Parallel(ctx, jobs, 8, func(ctx context.Context, job func(context.Context) Probe) (Probe, error) {
		return job(ctx), nil
	})

	var services []Probe
	for _, r := range results {
		services = append(services, r.Value)
	}

	report := Report{
		Environment:   environmentProbes(d),
		Services:      services,
		Models:        modelReports(d.Registry),
		Configuration: configurationProbe(d),
	}
	if d.Tracker != nil {
		if stats, err := d.Tracker.Stats(ctx); err == nil {
			report.TrackerStats = &stats
		}
	}
	report.Summary = summarize(report)
	return report
}

func backendCapabilities(reg *registry.Registry) []registry.Capability {
	if reg == nil {
		return nil
	}
	return requiredModelCapabilities
}

func probeVector(ctx context.Context, d Deps) Probe {
	if d.Vector == nil {
		return Probe{Name: "vector_store", Status: StatusNotConfigured}
	}
	exists, err := d.Vector.CollectionExists(ctx, d.Collection)
	if err != nil {
		return Probe{Name: "vector_store", Status: StatusError, Detail: err.Error()}
	}
	if !exists {
		return Probe{Name: "vector_store", Status: StatusWarning, Detail: "collection " + d.Collection + " does not exist yet"}
	}
	info, err := d.Vector.GetCollectionInfo(ctx, d.Collection)
	if err != nil {
		return Probe{Name: "vector_store", Status: StatusError, Detail: err.Error()}
	}
	return Probe{Name: "vector_store", Status: StatusOK, Detail: fmt.Sprintf("%d points", info.PointsCount)}
}

func probeFullText(ctx context.Context, d Deps) Probe {
	if _, err := d.FullText.Search(ctx, "__diagnostics_probe__", 1); err != nil {
		return Probe{Name: "full_text", Status: StatusError, Detail: err.Error()}
	}
	return Probe{Name: "full_text", Status: StatusOK}
}

func probeCache(ctx context.Context, d Deps) Probe {
	if _, _, err := d.Cache.Get(ctx, "atlas:diagnostics:probe"); err != nil {
		return Probe{Name: "cache", Status: StatusError, Detail: err.Error()}
	}
	return Probe{Name: "cache", Status: StatusOK}
}

func probeBackends(ctx context.Context, d Deps, cap registry.Capability) Probe {
	providers := d.Registry.All(cap)
	if len(providers) == 0 {
		return Probe{Name: string(cap), Status: StatusNotConfigured, Detail: "no provider registered"}
	}
	var unreachable []string
	for _, p := range providers {
		reachable, ok := p.(Reachable)
		if !ok {
			continue
		}
		if err := reachable.CheckReachability(ctx); err != nil {
			unreachable = append(unreachable, p.Name())
		}
	}
	if len(unreachable) > 0 {
		return Probe{Name: string(cap), Status: StatusWarning, Detail: "unreachable: " + strings.Join(unreachable, ", ")}
	}
	return Probe{Name: string(cap), Status: StatusOK}
}

func modelReports(reg *registry.Registry) []ModelReport {
	if reg == nil {
		return nil
	}
	out := make([]ModelReport, 0, len(requiredModelCapabilities))
	for _, cap := range requiredModelCapabilities {
		providers := reg.All(cap)
		names := make([]string, len(providers))
		for i, p := range providers {
			names[i] = p.Name()
		}
		out = append(out, ModelReport{Capability: string(cap), Available: names, Missing: len(names) == 0})
	}
	return out
}

func environmentProbes(d Deps) []Probe {
	probes := []Probe{
		{Name: "anthropic_key", Status: configuredStatus(d.Config != nil && d.Config.AnthropicKey != "")},
		{Name: "openai_key", Status: configuredStatus(d.Config != nil && d.Config.OpenAIKey != "")},
		{Name: "google_key", Status: configuredStatus(d.Config != nil && d.Config.GoogleKey != "")},
		{Name: "voyage_key", Status: configuredStatus(d.Config != nil && d.Config.VoyageKey != "")},
		{Name: "ollama_url", Status: configuredStatus(d.Config != nil && d.Config.OllamaURL != "")},
	}
	return probes
}

func configuredStatus(present bool) Status {
	if present {
		return StatusOK
	}
	return StatusNotConfigured
}

func configurationProbe(d Deps) Probe {
	if d.Config == nil {
		return Probe{Name: "configuration", Status: StatusError, Detail: "no configuration loaded"}
	}
	return Probe{Name: "configuration", Status: StatusOK, Detail: d.ConfigPath}
}

func summarize(r Report) Summary {
	var s Summary
	tally := func(p Probe) {
		switch p.Status {
		case StatusOK:
			s.OK++
		case StatusWarning:
			s.Warning++
		case StatusError:
			s.Error++
		case StatusNotConfigured:
			s.NotConfigured++
		}
	}
	for _, p := range r.Environment {
		tally(p)
	}
	for _, p := range r.Services {
		tally(p)
	}
	tally(r.Configuration)
	return s
}

