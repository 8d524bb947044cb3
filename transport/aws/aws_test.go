package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/activitypipe/transport"
	"github.com/drblury/activitypipe/transport/transporttest"
)

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "aws", caps.Name)
	assert.True(t, caps.SupportsAck)
	assert.True(t, caps.SupportsTracing)
	assert.False(t, caps.SupportsOrdering)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.AWSCapabilities, Capabilities())
}

func TestTopicName(t *testing.T) {
	assert.Equal(t, "activitypipe-events", TopicName("activitypipe.events"))
	assert.Equal(t, "run_1-control", TopicName("run_1/control"))
	assert.Equal(t, "plain", TopicName("plain"))

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, TopicName(string(long)), maxTopicNameLength)
}

// stubAWS replaces the package factories for the duration of the test.
func stubAWS(t *testing.T, pub message.Publisher, pubErr error, sub message.Subscriber, subErr error) *sns.PublisherConfig {
	t.Helper()
	origLoader, origResolver := DefaultConfigLoader, TopicResolverFactory
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader, TopicResolverFactory = origLoader, origResolver
		PublisherFactory, SubscriberFactory = origPub, origSub
	})

	captured := &sns.PublisherConfig{}
	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{Region: "us-east-1"}, nil
	}
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		return &sns.GenerateArnTopicResolver{}, nil
	}
	PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		*captured = cfg
		return pub, pubErr
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return sub, subErr
	}
	return captured
}

func TestBuild(t *testing.T) {
	t.Run("wraps publisher and subscriber with SNS topic names", func(t *testing.T) {
		pub := &transporttest.Publisher{}
		sub := &transporttest.Subscriber{}
		captured := stubAWS(t, pub, nil, sub, nil)

		cfg := &transporttest.Config{AWSRegion: "eu-west-1", AWSAccountID: "123456789012"}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, "eu-west-1", captured.AWSConfig.Region)
		assert.Empty(t, captured.OptFns)

		require.NoError(t, tr.Publisher.Publish("activitypipe.events", message.NewMessage("m1", nil)))
		assert.Len(t, pub.Messages("activitypipe-events"), 1)
		assert.Empty(t, pub.Messages("activitypipe.events"))

		_, err = tr.Subscriber.Subscribe(context.Background(), "activitypipe.control")
		require.NoError(t, err)

		require.NoError(t, tr.Close())
		assert.True(t, pub.Closed)
		assert.True(t, sub.Closed)
	})

	t.Run("custom endpoint installs resolver options", func(t *testing.T) {
		captured := stubAWS(t, &transporttest.Publisher{}, nil, &transporttest.Subscriber{}, nil)

		cfg := &transporttest.Config{AWSRegion: "us-east-1", AWSEndpoint: "http://localhost:4566"}
		_, err := Build(context.Background(), cfg, nil)
		require.NoError(t, err)
		assert.Len(t, captured.OptFns, 1)
	})

	t.Run("config loader failure", func(t *testing.T) {
		stubAWS(t, nil, nil, nil, nil)
		DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("config error")
		}

		_, err := Build(context.Background(), &transporttest.Config{AWSRegion: "us-east-1"}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config error")
	})

	t.Run("publisher failure", func(t *testing.T) {
		stubAWS(t, nil, errors.New("publisher error"), nil, nil)

		_, err := Build(context.Background(), &transporttest.Config{AWSRegion: "us-east-1"}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "publisher error")
	})

	t.Run("subscriber failure closes publisher", func(t *testing.T) {
		pub := &transporttest.Publisher{}
		stubAWS(t, pub, nil, nil, errors.New("subscriber error"))

		_, err := Build(context.Background(), &transporttest.Config{AWSRegion: "us-east-1"}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "subscriber error")
		assert.True(t, pub.Closed)
	})

	t.Run("invalid endpoint", func(t *testing.T) {
		stubAWS(t, nil, nil, nil, nil)

		_, err := Build(context.Background(), &transporttest.Config{AWSEndpoint: "://bad"}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse AWS endpoint")
	})
}

func TestResolveAccountAndRegion(t *testing.T) {
	t.Run("uses config values", func(t *testing.T) {
		cfg := &transporttest.Config{AWSAccountID: "123456789012", AWSRegion: "us-west-2"}
		accountID, region := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, "123456789012", accountID)
		assert.Equal(t, "us-west-2", region)
	})

	t.Run("falls back to loaded region", func(t *testing.T) {
		cfg := &transporttest.Config{AWSAccountID: "123456789012"}
		_, region := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, "us-east-1", region)
	})

	t.Run("strips quotes from account id", func(t *testing.T) {
		cfg := &transporttest.Config{AWSAccountID: `"123456789012"`}
		accountID, _ := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, "123456789012", accountID)
	})

	t.Run("localstack account when endpoint set and account missing", func(t *testing.T) {
		cfg := &transporttest.Config{AWSEndpoint: "http://localhost:4566"}
		accountID, _ := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, localstackAccountID, accountID)
	})
}

func TestAWSEndpointURL(t *testing.T) {
	u, err := awsEndpointURL(&transporttest.Config{})
	require.NoError(t, err)
	assert.Nil(t, u)

	u, err = awsEndpointURL(&transporttest.Config{AWSEndpoint: "http://localhost:4566"})
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "localhost:4566", u.Host)
}

func TestStaticCredentials(t *testing.T) {
	creds, err := staticCredentials("AKIAEXAMPLE", "secret").Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKIAEXAMPLE", creds.AccessKeyID)
	assert.Equal(t, "secret", creds.SecretAccessKey)
}
