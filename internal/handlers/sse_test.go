package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"pricealerts/internal/models"
	"pricealerts/internal/notify"
)

func triggeredAlert(id string) models.TriggeredAlert {
	at := time.UnixMilli(1700000000000)
	return models.TriggeredAlert{
		Alert: models.PriceAlert{
			ID: id, Symbol: "AAPL", TargetPrice: mustDec("150"), Direction: models.Above,
			CreatedAt: at, TriggeredAt: &at,
		},
		TriggeringPrice: mustDec("151"),
	}
}

// openStream connects to the broker and returns a reader over the event
// stream once the client is registered.
func openStream(t *testing.T, b *Broker) (*bufio.Reader, context.CancelFunc) {
	t.Helper()
	mux := http.NewServeMux()
	b.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/alerts/stream", nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		cancel()
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		cancel()
		t.Fatalf("content-type=%q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.Clients() == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return bufio.NewReader(resp.Body), cancel
}

func readEvent(t *testing.T, r *bufio.Reader) notify.AlertMessage {
	t.Helper()
	type result struct {
		msg notify.AlertMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				done <- result{err: err}
				return
			}
			if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: "); ok {
				var m notify.AlertMessage
				err := json.Unmarshal([]byte(data), &m)
				done <- result{msg: m, err: err}
				return
			}
		}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("read event: %v", res.err)
		}
		return res.msg
	case <-time.After(3 * time.Second):
		t.Fatalf("no event received")
	}
	return notify.AlertMessage{}
}

func TestBrokerStreamsNotifiedAlerts(t *testing.T) {
	b := NewBroker(zaptest.NewLogger(t), 4)
	r, cancel := openStream(t, b)
	defer cancel()

	if err := b.Notify(context.Background(), triggeredAlert("a1")); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	got := readEvent(t, r)
	if got.ID != "a1" || got.Message != "AAPL reached $150.00 target price (above)" {
		t.Fatalf("event=%+v", got)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for b.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client not removed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBrokerDropsForSlowClient(t *testing.T) {
	b := NewBroker(zaptest.NewLogger(t), 1)
	ch := make(chan notify.AlertMessage, 1)
	b.clients[ch] = struct{}{}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Broadcast(notify.AlertMessage{ID: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Broadcast blocked on a full client")
	}
	if len(ch) != 1 {
		t.Fatalf("buffered=%d want 1", len(ch))
	}
}

func TestBrokerRelaysRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	b := NewBroker(zaptest.NewLogger(t), 4)
	r, cancel := openStream(t, b)
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	subErr := make(chan error, 1)
	go func() { subErr <- b.Subscribe(ctx, client, notify.DefaultChannel) }()

	sink := notify.NewRedisSink(client, notify.DefaultChannel)
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := client.PubSubNumSub(ctx, notify.DefaultChannel).Result()
		if err == nil && n[notify.DefaultChannel] > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("broker never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := sink.Notify(ctx, triggeredAlert("r1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := readEvent(t, r); got.ID != "r1" || got.Price != "151" {
		t.Fatalf("event=%+v", got)
	}

	stop()
	select {
	case err := <-subErr:
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Subscribe did not return after cancel")
	}
}
