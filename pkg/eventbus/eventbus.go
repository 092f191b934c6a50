package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/haos/callbridge/pkg/logger"
	"github.com/haos/callbridge/pkg/websocket"
)

// Filter defines which events a subscriber wants to receive
type Filter struct {
	// RoomID restricts delivery to one room (empty = all rooms)
	RoomID string
	// EventTypes restricts delivery to these types (empty = all types)
	EventTypes []string
}

func (f Filter) matches(ev Event) bool {
	if f.RoomID != "" && f.RoomID != ev.Room() {
		return false
	}
	if len(f.EventTypes) > 0 {
		for _, t := range f.EventTypes {
			if t == ev.EventType() {
				return true
			}
		}
		return false
	}
	return true
}

// Subscriber receives events matching its filter on a buffered channel
type Subscriber struct {
	ID     string
	Filter Filter
	C      <-chan *Envelope

	ch chan *Envelope
}

// Config holds event bus configuration
type Config struct {
	SubscriberBuffer int
	MaxSubscribers   int
	WebSocketEnabled bool
	WebSocketAddr    string
	WebSocketPath    string
}

// DefaultConfig returns default event bus configuration
func DefaultConfig() Config {
	return Config{
		SubscriberBuffer: 64,
		MaxSubscribers:   100,
		WebSocketEnabled: false,
		WebSocketAddr:    "127.0.0.1:8444",
		WebSocketPath:    "/events",
	}
}

// Bus fans call events out to subscribers and, when enabled, pushes them
// to UI clients over WebSocket
type Bus struct {
	config   Config
	wsServer *websocket.Server
	log      *logger.Logger

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	sequence    int64
	stopped     bool
}

// New creates a new event bus
func New(config Config) *Bus {
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = DefaultConfig().SubscriberBuffer
	}
	if config.MaxSubscribers <= 0 {
		config.MaxSubscribers = DefaultConfig().MaxSubscribers
	}

	bus := &Bus{
		config:      config,
		subscribers: make(map[string]*Subscriber),
		log:         logger.Global().WithComponent("eventbus"),
	}

	if config.WebSocketEnabled {
		bus.wsServer = websocket.NewServer(websocket.Config{
			Addr: config.WebSocketAddr,
			Path: config.WebSocketPath,
		})
	}

	return bus
}

// Start starts the WebSocket push server when configured
func (b *Bus) Start() error {
	if b.wsServer != nil {
		if err := b.wsServer.Start(); err != nil {
			return fmt.Errorf("failed to start websocket server: %w", err)
		}
		b.log.Info("event bus started", "websocket", true, "addr", b.config.WebSocketAddr)
	} else {
		b.log.Info("event bus started", "websocket", false)
	}
	return nil
}

// Subscribe registers a subscriber with the given filter
func (b *Bus) Subscribe(id string, filter Filter) (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return nil, fmt.Errorf("event bus is stopped")
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, fmt.Errorf("subscriber %q already registered", id)
	}
	if len(b.subscribers) >= b.config.MaxSubscribers {
		return nil, fmt.Errorf("subscriber limit reached (%d)", b.config.MaxSubscribers)
	}

	ch := make(chan *Envelope, b.config.SubscriberBuffer)
	sub := &Subscriber{
		ID:     id,
		Filter: filter,
		C:      ch,
		ch:     ch,
	}
	b.subscribers[id] = sub

	return sub, nil
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// Publish delivers an event to all matching subscribers without blocking.
// Subscribers with full buffers miss the event.
func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}

	// The lock is held across the fan-out so Unsubscribe/Stop cannot
	// close a channel between the snapshot and the send. Sends are
	// non-blocking, so the hold is bounded.
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.sequence++
	envelope := &Envelope{
		Event:    ev,
		Received: time.Now(),
		Sequence: b.sequence,
	}
	for _, sub := range b.subscribers {
		if !sub.Filter.matches(ev) {
			continue
		}
		select {
		case sub.ch <- envelope:
		default:
			b.log.Warn("subscriber buffer full, dropping event",
				"subscriber", sub.ID, "type", ev.EventType())
		}
	}
	b.mu.Unlock()

	if b.wsServer != nil {
		data, err := envelope.Marshal()
		if err != nil {
			b.log.Warn("failed to marshal event for push", "type", ev.EventType(), "error", err)
			return
		}
		b.wsServer.Broadcast(data)
	}
}

// Stop shuts down the bus, closing all subscriber channels
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
	b.mu.Unlock()

	if b.wsServer != nil {
		b.wsServer.Stop()
	}
}
