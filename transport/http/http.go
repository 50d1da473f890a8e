// Package http provides the http:// scheme. A dispatcher POSTs each message
// to http://host:port/<topic>; a consumer serves the same paths on
// host:port.
package http

import (
	"context"
	nethttp "net/http"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/teeflow/transport"
)

// Scheme is the URI scheme served by this adapter.
const Scheme = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register registers the http scheme with the default registry.
func Register() {
	transport.Register(Adapter())
}

// Adapter describes the http scheme.
func Adapter() transport.Adapter {
	return transport.Adapter{
		Scheme:        Scheme,
		NewPublisher:  NewPublisher,
		NewSubscriber: NewSubscriber,
		Capabilities:  transport.HTTPCapabilities,
	}
}

// TopicURL is the endpoint a message for topic is posted to.
func TopicURL(base *url.URL, topic string) string {
	root := *base
	root.RawQuery = ""
	return strings.TrimSuffix(root.String(), "/") + "/" + strings.TrimPrefix(topic, "/")
}

// NewPublisher returns a publisher posting to the server at uri.
func NewPublisher(_ context.Context, uri *url.URL, opts transport.Options) (message.Publisher, error) {
	return PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(TopicURL(uri, topic), msg)
			},
		},
		opts.Logger,
	)
}

// NewSubscriber listens on the host:port of uri. The server starts in the
// background; routes are added as topics are subscribed.
func NewSubscriber(_ context.Context, uri *url.URL, opts transport.Options) (message.Subscriber, error) {
	subscriber, err := SubscriberFactory(
		uri.Host,
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		opts.Logger,
	)
	if err != nil {
		return nil, err
	}

	if s, ok := subscriber.(*http.Subscriber); ok {
		logger := opts.Logger
		go func() {
			if err := s.StartHTTPServer(); err != nil && err != nethttp.ErrServerClosed && logger != nil {
				logger.Error("HTTP subscriber server stopped", err, watermill.LogFields{"addr": uri.Host})
			}
		}()
	}
	return subscriber, nil
}
