package activitypipe

import (
	"context"

	runtimepkg "github.com/drblury/activitypipe/internal/runtime"
	"github.com/drblury/activitypipe/internal/runtime/activity"
	ce "github.com/drblury/activitypipe/internal/runtime/cloudevents"
	configpkg "github.com/drblury/activitypipe/internal/runtime/config"
	"github.com/drblury/activitypipe/internal/runtime/decoder"
	errspkg "github.com/drblury/activitypipe/internal/runtime/errors"
	"github.com/drblury/activitypipe/internal/runtime/eventsource"
	idspkg "github.com/drblury/activitypipe/internal/runtime/ids"
	jsoncodec "github.com/drblury/activitypipe/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/activitypipe/internal/runtime/logging"
	"github.com/drblury/activitypipe/internal/runtime/metrics"
	"github.com/drblury/activitypipe/internal/runtime/provider"
	"github.com/drblury/activitypipe/internal/runtime/session"
	"github.com/drblury/activitypipe/transport"
)

type (
	Config = configpkg.Config

	Pipeline             = runtimepkg.Pipeline
	PipelineDependencies = runtimepkg.PipelineDependencies
	PipelineState        = runtimepkg.State
	PipelineStatus       = runtimepkg.Status
	PipelineStats        = runtimepkg.StatsSnapshot
	PipelineMetrics      = metrics.PipelineMetrics

	// Pipeline lifecycle hooks
	PipelineHooks = runtimepkg.PipelineHooks
	LoggerContext = runtimepkg.LoggerContext

	// Activity loggers
	ActivityLogger        = runtimepkg.ActivityLogger
	NamedLogger           = runtimepkg.NamedLogger
	FuncLogger            = runtimepkg.FuncLogger
	ServiceActivityLogger = runtimepkg.ServiceActivityLogger
	PublishingLogger      = runtimepkg.PublishingLogger
	Dispatcher            = runtimepkg.Dispatcher

	// Activity model
	Record         = activity.Record
	Tag            = activity.Tag
	ActivityKind   = activity.Kind
	ActivityStatus = activity.Status
	SourceIdentity = activity.SourceIdentity
	SourceCache    = activity.SourceCache

	RawEvent = decoder.RawEvent
	Argument = decoder.Argument
	Decoder  = decoder.Decoder

	Provider              = provider.Provider
	ProviderConfiguration = provider.Configuration

	// Event sessions
	Source             = session.Source
	Session            = session.Session
	SourceFunc         = session.SourceFunc
	StaticSource       = session.Static
	EventSource        = eventsource.Source
	EventSourceOptions = eventsource.Options
	ControlMessage     = eventsource.Control

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
	StartError            = errspkg.StartError
	MalformedEventError   = errspkg.MalformedEventError

	CloudEvent = ce.Event

	// Transports
	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportRegistration = transport.Registration
	TransportCapabilities = transport.Capabilities
)

// Pipeline states.
const (
	StateIdle        = runtimepkg.StateIdle
	StateConfiguring = runtimepkg.StateConfiguring
	StateStreaming   = runtimepkg.StateStreaming
	StateDraining    = runtimepkg.StateDraining
	StateStopped     = runtimepkg.StateStopped
)

// Activity kinds and statuses.
const (
	KindInternal = activity.KindInternal
	KindServer   = activity.KindServer
	KindClient   = activity.KindClient
	KindProducer = activity.KindProducer
	KindConsumer = activity.KindConsumer

	StatusUnset = activity.StatusUnset
	StatusOk    = activity.StatusOk
	StatusError = activity.StatusError
)

// Logger phases reported in LoggerContext.
const (
	PhaseStarted = metrics.PhaseStarted
	PhaseLog     = metrics.PhaseLog
	PhaseStopped = metrics.PhaseStopped
)

// Event session wire constants.
const (
	ActivityStopEventName = decoder.ActivityStopEventName

	MetadataCommand     = eventsource.MetadataCommand
	MetadataContentType = eventsource.MetadataContentType
	MetadataRunID       = eventsource.MetadataRunID

	CommandStart    = eventsource.CommandStart
	CommandStop     = eventsource.CommandStop
	CommandComplete = eventsource.CommandComplete

	ContentTypeJSON     = eventsource.ContentTypeJSON
	ContentTypeProtobuf = eventsource.ContentTypeProtobuf

	CloudEventContentType = ce.ContentType
)

var (
	NewPipeline   = runtimepkg.NewPipeline
	NewDispatcher = runtimepkg.NewDispatcher

	LoadConfig     = configpkg.Load
	ParseConfig    = configpkg.Parse
	ValidateConfig = configpkg.ValidateConfig

	// Pipeline hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewPipelineMetrics = metrics.NewPipelineMetrics

	// Built-in loggers
	NewServiceActivityLogger = runtimepkg.NewServiceActivityLogger
	NewPublishingLogger      = runtimepkg.NewPublishingLogger
	NewRecordMessage         = runtimepkg.NewRecordMessage

	// Decoding
	NewDecoder     = decoder.New
	NewSourceCache = activity.NewSourceCache
	ParseTags      = decoder.ParseTags
	FormatTags     = decoder.FormatTags
	TicksToTime    = activity.TicksToTime
	TimeToTicks    = activity.TimeToTicks

	BuildProviderConfiguration = provider.Build
	FilterLine                 = provider.FilterLine

	// Sessions
	NewStaticSource  = session.NewStatic
	HoldStaticSource = session.Hold
	WithRunID        = session.WithRunID
	RunIDFromContext = session.RunID

	NewEventSource        = eventsource.New
	EventSourceFromConfig = eventsource.FromConfig
	NewControlMessage     = eventsource.NewControlMessage
	ParseControlMessage   = eventsource.ParseControl
	EncodeJSONEvent       = eventsource.EncodeJSONEvent
	EncodeProtoEvent      = eventsource.EncodeProtoEvent
	CompleteMessage       = eventsource.CompleteMessage
	DecodeEventMessage    = eventsource.DecodeEvent

	// CloudEvents envelope of republished records
	CloudEventFromRecord = ce.FromRecord

	// Transport registry. Import the transport packages to register them:
	//   _ "github.com/drblury/activitypipe/transport/transports"
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrConfigRequired         = errspkg.ErrConfigRequired
	ErrSourceRequired         = errspkg.ErrSourceRequired
	ErrLoggerRequired         = errspkg.ErrLoggerRequired
	ErrLoggerClosed           = errspkg.ErrLoggerClosed
	ErrMalformedEvent         = errspkg.ErrMalformedEvent
	ErrInvalidEnum            = errspkg.ErrInvalidEnum
	ErrPipelineAlreadyStarted = errspkg.ErrPipelineAlreadyStarted
	ErrPipelineNotStarted     = errspkg.ErrPipelineNotStarted
	ErrSessionClosed          = errspkg.ErrSessionClosed
	ErrPublisherRequired      = errspkg.ErrPublisherRequired
	ErrTopicRequired          = errspkg.ErrTopicRequired

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger
	NewWatermillAdapter       = loggingpkg.NewWatermillAdapter

	CreateULID = idspkg.CreateULID
)

// NewTransportPipeline returns a pipeline whose event source is the transport
// selected by conf. The transport is built when the pipeline starts and is
// released when the pipeline closes its session.
func NewTransportPipeline(conf *Config, loggers []ActivityLogger, deps PipelineDependencies) (*Pipeline, error) {
	if conf == nil {
		return nil, ErrConfigRequired
	}
	c := *conf
	src := session.SourceFunc(func(ctx context.Context, cfg ProviderConfiguration) (Session, error) {
		es, err := eventsource.FromConfig(ctx, &c, deps.Logger)
		if err != nil {
			return nil, err
		}
		return es.Start(ctx, cfg)
	})
	return runtimepkg.NewPipeline(conf, src, loggers, deps)
}
