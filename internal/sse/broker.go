package sse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rollcall/ble-attendance/internal/ids"
	redisclient "github.com/rollcall/ble-attendance/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second

	clientBufferSize = 32
)

// Event types published on an organization channel.
const (
	EventSessionStarted = "session_started"
	EventSessionStopped = "session_stopped"
)

type Event struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEvent marshals data into an event with a fresh sortable id.
func NewEvent(eventType string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{ID: ids.New(), Type: eventType, Data: raw}, nil
}

type Client struct {
	OrgID  string
	Events chan Event
	Done   chan struct{}
}

// Broker fans organization events out to connected SSE clients. Publishing
// goes through Redis so every server instance sees every event.
type Broker struct {
	redis   *redisclient.Client
	clients map[string]map[*Client]bool // orgID -> set of clients
	subs    map[string]context.CancelFunc
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:   redisClient,
		clients: make(map[string]map[*Client]bool),
		subs:    make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *Broker) Subscribe(orgID string) *Client {
	client := &Client{
		OrgID:  orgID,
		Events: make(chan Event, clientBufferSize),
		Done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.clients[orgID] == nil {
		b.clients[orgID] = make(map[*Client]bool)
		subCtx, cancel := context.WithCancel(b.ctx)
		b.subs[orgID] = cancel
		go b.subscribeToRedis(subCtx, orgID)
	}
	b.clients[orgID][client] = true
	clientCount := len(b.clients[orgID])
	b.mu.Unlock()

	log.Info().
		Str("orgId", orgID).
		Int("clientCount", clientCount).
		Msg("sse client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if clients, ok := b.clients[client.OrgID]; ok {
		if !clients[client] {
			return
		}
		delete(clients, client)
		close(client.Done)

		if len(clients) == 0 {
			delete(b.clients, client.OrgID)
			if cancel, ok := b.subs[client.OrgID]; ok {
				cancel()
				delete(b.subs, client.OrgID)
			}
		}

		log.Info().
			Str("orgId", client.OrgID).
			Int("clientCount", len(clients)).
			Msg("sse client unsubscribed")
	}
}

// Publish sends event to every instance listening on the org channel and
// returns how many instances received it.
func (b *Broker) Publish(ctx context.Context, orgID string, event Event) (int64, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, err
	}

	channel := redisclient.OrgChannel(orgID)
	return b.redis.Publish(ctx, channel, data).Result()
}

func (b *Broker) subscribeToRedis(ctx context.Context, orgID string) {
	channel := redisclient.OrgChannel(orgID)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	log.Debug().
		Str("orgId", orgID).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(orgID, event)
		}
	}
}

func (b *Broker) broadcast(orgID string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for client := range b.clients[orgID] {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("orgId", orgID).
				Str("eventId", event.ID).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, clients := range b.clients {
		for client := range clients {
			close(client.Done)
		}
	}
	b.clients = make(map[string]map[*Client]bool)
	b.subs = make(map[string]context.CancelFunc)
}

func (b *Broker) ClientCount(orgID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[orgID])
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, clients := range b.clients {
		total += len(clients)
	}
	return total
}
