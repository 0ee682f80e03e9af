// Copyright 2025 AgentLens
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package guardrails

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"agentlens/platform/shared/logger"
)

// TopicEventIngested is published once per event accepted by the ingestion
// pipeline.
const TopicEventIngested = "event_ingested"

// EventHandler consumes a published event. Handlers are invoked on their own
// goroutine; a slow handler never blocks the publisher.
type EventHandler func(ctx context.Context, evt IngestEvent)

// EventBus is the notification channel between the ingestion pipeline and
// the rule engine. It is injected explicitly; there is no process-global
// bus singleton.
type EventBus interface {
	Subscribe(topic string, handler EventHandler) string
	Unsubscribe(topic, subscriptionID string)
	Publish(ctx context.Context, topic string, evt IngestEvent) error
}

// InProcessBus is an in-memory EventBus for single-process deployments and
// tests.
type InProcessBus struct {
	mu       sync.RWMutex
	handlers map[string]map[string]EventHandler
}

// NewInProcessBus creates an empty in-process bus.
func NewInProcessBus() *InProcessBus {
	return &InProcessBus{handlers: make(map[string]map[string]EventHandler)}
}

// Subscribe registers a handler and returns its subscription ID.
func (b *InProcessBus) Subscribe(topic string, handler EventHandler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[string]EventHandler)
	}
	b.handlers[topic][id] = handler
	return id
}

// Unsubscribe removes a handler; unknown IDs are a no-op.
func (b *InProcessBus) Unsubscribe(topic, subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers[topic], subscriptionID)
}

// Publish dispatches the event to every subscriber of the topic. Each
// handler runs on its own goroutine so the caller is never blocked.
func (b *InProcessBus) Publish(ctx context.Context, topic string, evt IngestEvent) error {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers[topic]))
	for _, h := range b.handlers[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		go h(ctx, evt)
	}
	return nil
}

// RedisBus is an EventBus on Redis pub/sub for multi-process deployments.
// Events are JSON-encoded; channel names are prefixed to keep the keyspace
// separable per environment.
type RedisBus struct {
	client *redis.Client
	prefix string
	log    *logger.Logger

	mu   sync.Mutex
	subs map[string]*redisSubscription
}

type redisSubscription struct {
	topic  string
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisBus creates a bus on an existing Redis client.
func NewRedisBus(client *redis.Client, prefix string) *RedisBus {
	if prefix == "" {
		prefix = "agentlens"
	}
	return &RedisBus{
		client: client,
		prefix: prefix,
		log:    logger.New("redis-bus"),
		subs:   make(map[string]*redisSubscription),
	}
}

func (b *RedisBus) channel(topic string) string {
	return fmt.Sprintf("%s:events:%s", b.prefix, topic)
}

// Subscribe starts a reader goroutine delivering messages to the handler.
func (b *RedisBus) Subscribe(topic string, handler EventHandler) string {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, b.channel(topic))

	sub := &redisSubscription{
		topic:  topic,
		pubsub: pubsub,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	id := uuid.New().String()
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		defer close(sub.done)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt IngestEvent
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					b.log.ErrorWithErr("", "", "failed to decode bus event", err, map[string]interface{}{
						"topic": topic,
					})
					continue
				}
				handler(ctx, evt)
			}
		}
	}()

	return id
}

// Unsubscribe stops the reader goroutine and closes the Redis subscription.
func (b *RedisBus) Unsubscribe(topic, subscriptionID string) {
	b.mu.Lock()
	sub, ok := b.subs[subscriptionID]
	if ok {
		delete(b.subs, subscriptionID)
	}
	b.mu.Unlock()

	if !ok || sub.topic != topic {
		return
	}

	sub.cancel()
	_ = sub.pubsub.Close()
	<-sub.done
}

// Publish JSON-encodes the event onto the topic's channel.
func (b *RedisBus) Publish(ctx context.Context, topic string, evt IngestEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode bus event: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish bus event: %w", err)
	}
	return nil
}

// Close unsubscribes everything. Safe to call more than once.
func (b *RedisBus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*redisSubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		_ = sub.pubsub.Close()
		<-sub.done
	}
}
