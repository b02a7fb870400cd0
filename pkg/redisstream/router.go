package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// PubSub bundles a publisher and subscriber that see the same messages.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	closers    []func() error
}

func (p *PubSub) Close() error {
	var first error
	for _, c := range p.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Build returns a Redis Streams pub/sub when enabled and an in-memory
// gochannel pub/sub otherwise.
func Build(s Settings) (*PubSub, error) {
	logger := NewLogger(log.Logger)
	if !s.Enabled {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
		return &PubSub{Publisher: ch, Subscriber: ch, closers: []func() error{ch.Close}}, nil
	}
	if s.Addr == "" {
		return nil, errors.New("redisstream: empty redis addr")
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	pub, err := BuildPublisher(client, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	sub, err := BuildSubscriber(client, s.Group, s.Consumer, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, err
	}
	return &PubSub{
		Publisher:  pub,
		Subscriber: sub,
		closers:    []func() error{sub.Close, pub.Close, client.Close},
	}, nil
}

func BuildPublisher(client redis.UniversalClient, logger watermill.LoggerAdapter) (message.Publisher, error) {
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "redisstream: publisher")
	}
	return pub, nil
}

// BuildSubscriber returns a subscriber bound to the given consumer group and
// consumer name.
func BuildSubscriber(client redis.UniversalClient, group, consumer string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "redisstream: subscriber")
	}
	return sub, nil
}

// EnsureGroupAtTail creates the consumer group at the stream tail ($) so a
// new consumer does not replay history.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
