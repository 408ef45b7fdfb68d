package storage

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// EventType labels a row mutation on the task table.
type EventType string

const (
	EventTaskCreated EventType = "task-created"
	EventTaskUpdated EventType = "task-updated"
	EventTaskDeleted EventType = "task-deleted"
)

// ChangeEvent is a push notification about one row mutation. Subscribers use
// it as a refresh trigger only; the payload is never merged into local state.
type ChangeEvent struct {
	Type      EventType `json:"type"`
	Owner     string    `json:"owner"`
	TaskID    string    `json:"taskId"`
	Timestamp int64     `json:"timestamp"`
}

// ChangeFeed fans row mutation events out to every live session through a
// Redis channel.
type ChangeFeed struct {
	client  *redis.Client
	channel string
}

// NewChangeFeed creates a feed over the given Redis client and channel.
func NewChangeFeed(client *redis.Client, channel string) *ChangeFeed {
	return &ChangeFeed{client: client, channel: channel}
}

// Publish stamps and broadcasts a change event.
func (f *ChangeFeed) Publish(ctx context.Context, ev ChangeEvent) error {
	ev.Timestamp = nextTimestamp()
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, f.channel, data).Err()
}

// Subscribe registers interest in all task mutation events. The returned
// release func tears the subscription down immediately; no buffered events
// are delivered afterwards.
func (f *ChangeFeed) Subscribe(ctx context.Context) (<-chan ChangeEvent, func(), error) {
	sub := f.client.Subscribe(ctx, f.channel)
	// Force the subscribe round trip so a broken connection surfaces here
	// instead of as a silent dead channel.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, classify("subscribe change feed", err)
	}

	out := make(chan ChangeEvent, 16)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Warnf("change feed: unable to parse event: %v", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	release := func() { _ = sub.Close() }
	return out, release, nil
}

var lastEventTimestamp int64

// nextTimestamp returns a process-monotonic nanosecond timestamp so events
// published back to back never share a stamp.
func nextTimestamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastEventTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastEventTimestamp, last, now) {
			return now
		}
	}
}
