package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pricealerts/internal/models"
	"pricealerts/internal/notify"
)

const heartbeatInterval = 15 * time.Second

// Broker streams triggered alerts to connected SSE clients. It is fed either
// directly as a notify.Sink or from the Redis channel RedisSink publishes on.
type Broker struct {
	mu      sync.Mutex
	clients map[chan notify.AlertMessage]struct{}

	buffer    int
	heartbeat time.Duration
	logger    *zap.Logger
}

// NewBroker gives each client a buffer of clientBuffer messages.
func NewBroker(logger *zap.Logger, clientBuffer int) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clientBuffer <= 0 {
		clientBuffer = 10
	}
	return &Broker{
		clients:   make(map[chan notify.AlertMessage]struct{}),
		buffer:    clientBuffer,
		heartbeat: heartbeatInterval,
		logger:    logger,
	}
}

func (*Broker) Name() string { return "sse" }

// Notify broadcasts t to every connected client.
func (b *Broker) Notify(_ context.Context, t models.TriggeredAlert) error {
	b.Broadcast(notify.NewAlertMessage(t))
	return nil
}

// Clients reports how many streams are open.
func (b *Broker) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Broadcast never blocks: a client whose buffer is full misses the message.
func (b *Broker) Broadcast(msg notify.AlertMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.clients {
		select {
		case ch <- msg:
		default:
			b.logger.Warn("alert dropped due to slow client", zap.String("alert_id", msg.ID))
		}
	}
}

// Subscribe relays AlertMessages published on channel until ctx is done.
func (b *Broker) Subscribe(ctx context.Context, client *redis.Client, channel string) error {
	pubsub := client.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	b.logger.Info("subscribed to redis channel", zap.String("channel", channel))

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			var msg notify.AlertMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.logger.Error("error unmarshaling alert message", zap.Error(err))
				continue
			}
			b.Broadcast(msg)
		}
	}
}

// Register mounts the stream on GET /alerts/stream.
func (b *Broker) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /alerts/stream", b.StreamAlerts)
}

// StreamAlerts holds the connection open and writes one "data:" event per
// triggered alert, with a comment line as heartbeat.
func (b *Broker) StreamAlerts(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := make(chan notify.AlertMessage, b.buffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	n := len(b.clients)
	b.mu.Unlock()
	b.logger.Info("sse client connected", zap.Int("total_clients", n))

	defer func() {
		b.mu.Lock()
		delete(b.clients, ch)
		n := len(b.clients)
		b.mu.Unlock()
		b.logger.Info("sse client disconnected", zap.Int("total_clients", n))
	}()

	heartbeat := time.NewTicker(b.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg := <-ch:
			data, err := json.Marshal(msg)
			if err != nil {
				b.logger.Error("failed to marshal alert data", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: alert\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
