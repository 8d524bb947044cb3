/*
Package runtime provides the activity capture pipeline of activitypipe.

# Architecture Overview

A Pipeline opens an event session through a session.Source, decodes every
"Activity/Stop" event into an activity.Record and fans the record out to a
fixed list of ActivityLoggers. Events are processed serially in delivery
order; a malformed event is dropped without affecting the rest of the stream.

# Package Structure

## Pipeline (pipeline.go)

The Pipeline drives the lifecycle

	Idle -> Configuring -> Streaming -> Draining -> Stopped

Configuring builds the provider configuration from the configured sources and
starts the session. Streaming reads events until the session completes, the
configured duration elapses or the pipeline is cancelled. Draining asks the
session to stop and keeps delivering events until it completes or the drain
timeout passes. Every logger is then told the pipeline stopped and the session
is closed.

## Dispatcher (dispatcher.go)

Delivers lifecycle notifications and records to loggers in registration
order. A logger returning errors.ErrLoggerClosed is skipped for that call;
any other error or panic is reported through the hooks and delivery moves on.

## Loggers (loggers.go)

Built-in ActivityLoggers:
  - FuncLogger: adapts plain functions
  - ServiceActivityLogger: one structured log line per record
  - PublishingLogger: republishes records as CloudEvents on a Watermill topic

## Hooks (hooks.go)

PipelineHooks observe state changes, decode failures, dispatch latency and
logger failures. LoggingHooks and MetricsHooks are always installed; caller
hooks run after them.

## Stats & Status (stats.go, resources.go, status.go)

In-process counters, dispatch latency percentiles, throughput and resource
usage, served as JSON at /status next to the Prometheus /metrics endpoint.

# Sub-packages

  - activity: the decoded record model and the source identity cache
  - decoder: raw event decoding and tag parsing
  - provider: provider configuration and filter spec construction
  - session: the event session capability and an in-memory source
  - eventsource: a session source over a Watermill transport
  - cloudevents: the CloudEvents envelope of republished records
  - config, logging, errors, metrics, ids, jsoncodec: ambient support
*/
package runtime
