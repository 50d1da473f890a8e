// Package aws provides the sns:// scheme: dispatchers publish to SNS topics,
// consumers read from an SQS queue subscribed to the topic.
//
//	sns://eu-central-1/?account=123456789012
//	sns://us-east-1/?endpoint=http://localhost:4566   (LocalStack)
//
// SNS topic names cannot contain dots, so "raw.snapshot.pose" is stored as
// "raw-snapshot-pose".
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/teeflow/transport"
)

// Scheme is the URI scheme served by this adapter.
const Scheme = "sns"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	Register()
}

// Register registers the sns scheme with the default registry.
func Register() {
	transport.Register(Adapter())
}

// Adapter describes the sns scheme.
func Adapter() transport.Adapter {
	return transport.Adapter{
		Scheme:        Scheme,
		Aliases:       []string{"aws"},
		NewPublisher:  NewPublisher,
		NewSubscriber: NewSubscriber,
		Capabilities:  transport.SNSCapabilities,
	}
}

// settings is what the adapter reads from an sns:// URI.
type settings struct {
	region    string
	accountID string
	endpoint  *url.URL
}

func parseSettings(uri *url.URL) (settings, error) {
	s := settings{
		region:    uri.Host,
		accountID: strings.Trim(uri.Query().Get("account"), "\"' "),
	}
	if raw := uri.Query().Get("endpoint"); raw != "" {
		endpoint, err := url.Parse(raw)
		if err != nil {
			return settings{}, fmt.Errorf("failed to parse AWS endpoint: %w", err)
		}
		s.endpoint = endpoint
	}
	return s, nil
}

// SanitizeTopic maps a pipeline topic onto a valid SNS topic name.
func SanitizeTopic(topic string) string {
	return strings.ReplaceAll(topic, ".", "-")
}

// NewPublisher builds an SNS publisher for the region in uri.
func NewPublisher(ctx context.Context, uri *url.URL, opts transport.Options) (message.Publisher, error) {
	s, awsCfg, resolver, err := prepare(ctx, uri, opts)
	if err != nil {
		return nil, err
	}
	snsOpts, _ := endpointOptions(s)
	return PublisherFactory(sns.PublisherConfig{
		TopicResolver: resolver,
		AWSConfig:     awsCfg,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
		OptFns:        snsOpts,
	}, opts.Logger)
}

// NewSubscriber builds an SNS-to-SQS subscriber. The queue is named after
// the topic, suffixed with the consumer group when one is set.
func NewSubscriber(ctx context.Context, uri *url.URL, opts transport.Options) (message.Subscriber, error) {
	s, awsCfg, resolver, err := prepare(ctx, uri, opts)
	if err != nil {
		return nil, err
	}
	snsOpts, sqsOpts := endpointOptions(s)
	return SubscriberFactory(
		sns.SubscriberConfig{
			AWSConfig:            awsCfg,
			OptFns:               snsOpts,
			TopicResolver:        resolver,
			GenerateSqsQueueName: queueNameGenerator(opts.ConsumerGroup),
		},
		sqs.SubscriberConfig{
			AWSConfig: awsCfg,
			OptFns:    sqsOpts,
		},
		opts.Logger,
	)
}

func prepare(ctx context.Context, uri *url.URL, opts transport.Options) (settings, aws.Config, sns.TopicResolver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	s, err := parseSettings(uri)
	if err != nil {
		return settings{}, aws.Config{}, nil, err
	}
	awsCfg, err := loadAWSConfig(ctx, s, opts, logger)
	if err != nil {
		return settings{}, aws.Config{}, nil, err
	}
	if s.region == "" {
		s.region = awsCfg.Region
	}
	accountID := resolveAccountID(s, logger)

	inner, err := TopicResolverFactory(accountID, s.region)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, watermill.LogFields{
			"accountID": accountID,
			"region":    s.region,
		})
		return settings{}, aws.Config{}, nil, err
	}
	return s, awsCfg, sanitizingResolver{inner: inner}, nil
}

func loadAWSConfig(ctx context.Context, s settings, opts transport.Options, logger watermill.LoggerAdapter) (aws.Config, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if s.region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(s.region))
	}
	if opts.AWSAccessKeyID != "" && opts.AWSSecretAccessKey != "" {
		logger.Info("Using static AWS credentials from config", nil)
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(opts.AWSAccessKeyID, opts.AWSSecretAccessKey)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, loadOpts...)
	if err != nil {
		logger.Error("Failed to load AWS default config", err, watermill.LogFields{"requested_region": s.region})
		return aws.Config{}, err
	}
	if s.region != "" {
		awsCfg.Region = s.region
	}
	if s.endpoint != nil {
		awsCfg.BaseEndpoint = aws.String(s.endpoint.String())
	}
	return awsCfg, nil
}

// resolveAccountID falls back to the LocalStack account when a custom
// endpoint is used without a valid account ID.
func resolveAccountID(s settings, logger watermill.LoggerAdapter) string {
	if s.endpoint == nil {
		return s.accountID
	}
	if s.accountID == "" {
		logger.Info("AWS account ID empty; using LocalStack default", watermill.LogFields{"accountID": localstackAccountID})
		return localstackAccountID
	}
	if len(s.accountID) != awsAccountIDLength {
		logger.Info("Invalid AWS account ID; falling back to LocalStack default", watermill.LogFields{"accountID": s.accountID})
		return localstackAccountID
	}
	return s.accountID
}

func endpointOptions(s settings) ([]func(*amazonsns.Options), []func(*amazonsqs.Options)) {
	if s.endpoint == nil {
		return nil, nil
	}
	endpoint := smithyendpoints.Endpoint{URI: *s.endpoint}
	return []func(*amazonsns.Options){
			amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: endpoint}),
		}, []func(*amazonsqs.Options){
			amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: endpoint}),
		}
}

func queueNameGenerator(group string) func(context.Context, sns.TopicArn) (string, error) {
	return func(ctx context.Context, snsTopic sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(snsTopic)
		if err != nil {
			return "", err
		}
		if group != "" {
			return string(topic) + "_" + group, nil
		}
		return string(topic), nil
	}
}

type sanitizingResolver struct {
	inner sns.TopicResolver
}

func (r sanitizingResolver) ResolveTopic(ctx context.Context, topic string) (sns.TopicArn, error) {
	return r.inner.ResolveTopic(ctx, SanitizeTopic(topic))
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}
