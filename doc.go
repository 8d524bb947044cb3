// Package activitypipe streams completed activities out of a running program
// and fans each one out to a set of activity loggers. It asks an event source
// to enable the configured providers, decodes every "Activity/Stop" event into
// a Record, and hands the Record to every logger in registration order.
//
// A minimal setup fills Config, picks a Source, creates a Pipeline with
// NewPipeline and calls Run:
//
//	p, err := activitypipe.NewPipeline(&activitypipe.Config{Sources: []string{"Orders"}}, src,
//		[]activitypipe.ActivityLogger{activitypipe.NewServiceActivityLogger(log)},
//		activitypipe.PipelineDependencies{Logger: log})
//	if err != nil { ... }
//	err = p.Run(ctx)
//
// # Sources
//
// NewStaticSource replays a fixed slice of events, which is what tests use.
// NewTransportPipeline reads events from one of the Watermill transports
// registered in the transport registry (channel, kafka, rabbitmq, nats, http
// or io); import transport/transports to register all of them.
//
// # Lifecycle
//
// A pipeline moves through idle, configuring, streaming, draining and stopped.
// Stop asks the session to stop and keeps dispatching until the stream ends
// or Config.DrainTimeout passes. Every logger sees PipelineStarted before its
// first Log call and PipelineStopped after its last one.
//
// # Hooks
//
// PipelineHooks observe state changes, dropped events and logger failures.
// LoggingHooks, MetricsHooks and AlertingHooks cover the usual cases and can be
// merged with custom hooks through PipelineDependencies.Hooks.
//
// # Metrics
//
// With Config.MetricsEnabled the pipeline registers Prometheus collectors and,
// when MetricsPort is set, serves /metrics and /status while it runs.
package activitypipe
