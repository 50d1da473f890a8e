package teeflow

import (
	runtimepkg "github.com/drblury/teeflow/internal/runtime"
	"github.com/drblury/teeflow/internal/runtime/codecs"
	configpkg "github.com/drblury/teeflow/internal/runtime/config"
	errspkg "github.com/drblury/teeflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/teeflow/internal/runtime/handlers"
	jsoncodec "github.com/drblury/teeflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/teeflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/teeflow/internal/runtime/metadata"
	"github.com/drblury/teeflow/internal/runtime/pipeline"
	"github.com/drblury/teeflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	PluginRunner = runtimepkg.PluginRunner
	RunnerOption = runtimepkg.RunnerOption

	HandlerFunc     = handlerpkg.Func
	HandlerRecord   = handlerpkg.Record
	HandlerRegistry = handlerpkg.Registry
	HandlerOption   = handlerpkg.Option
	RegistryOption  = handlerpkg.RegistryOption
	Decoder         = handlerpkg.Decoder
	Encoder         = handlerpkg.Encoder
	Parser          = handlerpkg.Parser
	Saver           = handlerpkg.Saver

	Tee           = pipeline.Tee
	TopicConsumer = pipeline.TopicConsumer
	Sink          = pipeline.Sink

	Middleware             = runtimepkg.Middleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	HandlerInfo           = runtimepkg.HandlerInfo
	HandlerStats          = runtimepkg.HandlerStats
	ResourceUsage         = runtimepkg.ResourceUsage
	StatusServer          = runtimepkg.StatusServer
	UnprocessableError    = errspkg.UnprocessableError
	ConfigValidationError = errspkg.ConfigValidationError

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	// Broker adapters
	Adapter               = transport.Adapter
	TransportOptions      = transport.Options
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	NewService        = runtimepkg.NewService
	NewPluginRunner   = runtimepkg.NewPluginRunner
	NewStatusServer   = runtimepkg.NewStatusServer
	Publish           = runtimepkg.Publish
	LoadConfig        = configpkg.Load
	DefaultConfig     = configpkg.Default
	LookupCodec       = codecs.Lookup
	NewParserRegistry = handlerpkg.NewParserRegistry
	NewSaverRegistry  = handlerpkg.NewSaverRegistry
	WithTarget        = handlerpkg.WithTarget
	ParsedTopic       = pipeline.ParsedTopic

	WithConfig                = runtimepkg.WithConfig
	WithLogger                = runtimepkg.WithLogger
	WithMiddlewares           = runtimepkg.WithMiddlewares
	WithoutDefaultMiddlewares = runtimepkg.WithoutDefaultMiddlewares
	WithHooks                 = runtimepkg.WithHooks
	WithMetricsRegistry       = runtimepkg.WithMetricsRegistry
	WithErrorClassifier       = runtimepkg.WithErrorClassifier

	DefaultMiddlewares    = runtimepkg.DefaultMiddlewares
	LogMessagesMiddleware = runtimepkg.LogMessagesMiddleware
	TracerMiddleware      = runtimepkg.TracerMiddleware
	MetricsMiddleware     = runtimepkg.MetricsMiddleware
	StatsMiddleware       = runtimepkg.StatsMiddleware
	RetryMiddleware       = runtimepkg.RetryMiddleware
	RecovererMiddleware   = runtimepkg.RecovererMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks

	// Broker adapters
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	GetCapabilities          = transport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	Unprocessable   = errspkg.Unprocessable
	IsUnprocessable = errspkg.IsUnprocessable
	IsRetryable     = errspkg.IsRetryable

	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrHandlerNameRequired = errspkg.ErrHandlerNameRequired
	ErrHandlerNotFound     = errspkg.ErrHandlerNotFound
	ErrNoAdapter           = errspkg.ErrNoAdapter
	ErrTopicRequired       = errspkg.ErrTopicRequired
	ErrTeeUnbound          = errspkg.ErrTeeUnbound
	ErrTeeNotStarted       = errspkg.ErrTeeNotStarted
	ErrTeeStopped          = errspkg.ErrTeeStopped
	ErrConsumerUnbound     = errspkg.ErrConsumerUnbound
	ErrConsumerRunning     = errspkg.ErrConsumerRunning

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewZapServiceLogger  = loggingpkg.NewZapServiceLogger
	NewZapLogger         = loggingpkg.NewZapLogger
	NopLogger            = loggingpkg.NopLogger
)

// Metadata keys
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyPublishedAt   = metadatapkg.KeyPublishedAt
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)
