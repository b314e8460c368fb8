package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sells-group/research-orchestrator/internal/checkpoint"
	"github.com/sells-group/research-orchestrator/internal/config"
	"github.com/sells-group/research-orchestrator/internal/events"
	"github.com/sells-group/research-orchestrator/internal/fetcher"
	"github.com/sells-group/research-orchestrator/internal/orchestrator"
	"github.com/sells-group/research-orchestrator/internal/phasegraph"
	"github.com/sells-group/research-orchestrator/internal/resilience"
	"github.com/sells-group/research-orchestrator/internal/resource"
	"github.com/sells-group/research-orchestrator/internal/scheduler"
)

// builtinBodies returns the task bodies available to pipeline files.
func builtinBodies(c *config.Config) orchestrator.Bodies {
	bodies := orchestrator.Bodies{}
	bodies.Register(fetcher.BodyName, fetcher.Body(fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:    c.Fetcher.UserAgent,
		Timeout:      time.Duration(c.Fetcher.TimeoutSecs) * time.Second,
		MaxBodyBytes: c.Fetcher.MaxBodyBytes,
		DefaultRate:  c.Fetcher.DefaultRate,
		HostRates:    c.Fetcher.HostRateMap(),
	})))
	return bodies
}

// newSink fans progress out to the log and, when reg is set, to Prometheus.
func newSink(reg prometheus.Registerer) events.Sink {
	sinks := events.Multi{events.NewZapSink(zap.L())}
	if reg != nil {
		sinks = append(sinks, events.NewPrometheusSink(reg))
	}
	return sinks
}

// newOrchestrator wires the scheduler, resource queue, and breakers from
// config for one run.
func newOrchestrator(c *config.Config, st checkpoint.Store, g *phasegraph.Graph, bodies orchestrator.Bodies, sink events.Sink) (*orchestrator.Orchestrator, error) {
	opts := []scheduler.Option{
		scheduler.WithQueue(resource.NewQueue(c.Resource.Name, c.MaxHold())),
		scheduler.WithSink(sink),
		scheduler.WithRetry(c.RetryPolicy()),
		scheduler.WithAcquireTimeout(c.AcquireTimeout()),
	}
	if cbCfg, ok := c.CircuitPolicy(); ok {
		opts = append(opts, scheduler.WithBreakers(resilience.NewPhaseBreakers(cbCfg)))
	}
	sched := scheduler.New(st, opts...)
	return orchestrator.New(c.Run.ID, g, st, sched, bodies, orchestrator.WithSink(sink))
}
