package server

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/moderation"
	"github.com/MarcoPoloResearchLab/vault/internal/users"
	"github.com/gin-gonic/gin"
)

const (
	realtimeEventReady     = "ready"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "vault-api"
	realtimeHeartbeatEvery = 25 * time.Second
)

// RealtimeMessage is one event delivered to subscribers of a channel.
type RealtimeMessage struct {
	Channel string
	Event   moderation.Event
}

// RealtimeDispatcher fans events out to in-process subscribers keyed by channel. A channel is
// a user id or moderation.AdminChannel.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers one stream on every non-empty channel. The subscription ends when ctx
// is done or the returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, channels ...string) (<-chan RealtimeMessage, func()) {
	targets := make([]string, 0, len(channels))
	for _, channel := range channels {
		if channel != "" {
			targets = append(targets, channel)
		}
	}
	if len(targets) == 0 {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	for _, channel := range targets {
		d.registerSubscriber(channel, subscriber)
	}
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			for _, channel := range targets {
				d.unregisterSubscriber(channel, subscriber.id)
			}
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to the channel's subscribers. Slow subscribers miss events rather
// than block the publisher.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.Channel == "" || message.Event.Type == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Channel]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// Notify implements moderation.Notifier.
func (d *RealtimeDispatcher) Notify(channel string, event moderation.Event) {
	d.Publish(RealtimeMessage{Channel: channel, Event: event})
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(channel string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[channel]; !ok {
		d.subscribers[channel] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[channel][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(channel string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[channel]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, channel)
		}
	}
	d.mu.Unlock()
}

type realtimeStatus struct {
	Source    string    `json:"source"`
	Channels  []string  `json:"channels,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// handleEvents streams the actor's events, plus the admin channel for admins, as server sent
// events until the client disconnects.
func (h *httpHandler) handleEvents(c *gin.Context, actor users.Actor) error {
	channels := []string{actor.ID}
	if actor.IsAdmin() {
		channels = append(channels, moderation.AdminChannel)
	}
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, channels...)
	defer cleanup()

	heartbeat := time.NewTicker(realtimeHeartbeatEvery)
	defer heartbeat.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(realtimeEventReady, realtimeStatus{Source: realtimeSourceBackend, Channels: channels, Timestamp: h.now().UTC()})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.Event.Type, message.Event)
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, realtimeStatus{Source: realtimeSourceBackend, Timestamp: h.now().UTC()})
			return true
		}
	})
	return nil
}
