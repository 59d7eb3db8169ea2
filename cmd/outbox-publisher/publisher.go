package main

import (
	"context"

	gcppubsub "cloud.google.com/go/pubsub/v2"
)

// topicPublishers resolves topics through the client's cached publishers.
// Unknown topics yield nil, which the service parks as non-retryable.
func topicPublishers(client pubSubClient) publisherFactory {
	return func(topic string) publisher {
		p := client.Publisher(topic)
		if p == nil {
			return nil
		}
		return orderedTopic{p: p}
	}
}

type orderedTopic struct {
	p *gcppubsub.Publisher
}

func (t orderedTopic) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return orderedResult{res: t.p.Publish(ctx, msg), p: t.p, key: msg.OrderingKey}
}

type orderedResult struct {
	res *gcppubsub.PublishResult
	p   *gcppubsub.Publisher
	key string
}

// Get waits for the server ack. A failed ordered publish pauses its key until
// resumed; the row itself is retried on a later batch.
func (r orderedResult) Get(ctx context.Context) (string, error) {
	id, err := r.res.Get(ctx)
	if err != nil && r.key != "" {
		r.p.ResumePublish(r.key)
	}
	return id, err
}
