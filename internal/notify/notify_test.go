package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"pricealerts/internal/metrics"
	"pricealerts/internal/models"
)

func triggered(id, symbol, target, price string, dir models.Direction) models.TriggeredAlert {
	at := time.UnixMilli(1700000000000)
	return models.TriggeredAlert{
		Alert: models.PriceAlert{
			ID:          id,
			Symbol:      symbol,
			TargetPrice: decimal.RequireFromString(target),
			Direction:   dir,
			CreatedAt:   at,
			TriggeredAt: &at,
		},
		TriggeringPrice: decimal.RequireFromString(price),
	}
}

func TestMessage(t *testing.T) {
	tests := []struct {
		in   models.TriggeredAlert
		want string
	}{
		{triggered("a", "AAPL", "150", "150.3", models.Above), "AAPL reached $150.00 target price (above)"},
		{triggered("b", "TSLA", "199.955", "199", models.Below), "TSLA reached $199.96 target price (below)"},
	}
	for _, tt := range tests {
		if got := Message(tt.in); got != tt.want {
			t.Fatalf("Message=%q want %q", got, tt.want)
		}
	}
}

func TestNewAlertMessage(t *testing.T) {
	m := NewAlertMessage(triggered("a1", "AAPL", "150", "151.25", models.Above))
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"id":"a1","symbol":"AAPL","targetPrice":150,"direction":"above","price":151.25,"message":"AAPL reached $150.00 target price (above)","triggeredAt":1700000000000}`
	if string(b) != want {
		t.Fatalf("got %s\nwant %s", b, want)
	}
}

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	got     []string
}

func (s *blockingSink) Notify(ctx context.Context, t models.TriggeredAlert) error {
	<-s.release
	s.mu.Lock()
	s.got = append(s.got, t.Alert.ID)
	s.mu.Unlock()
	return nil
}

func (s *blockingSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.got...)
}

func TestDispatcherNeverBlocks(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	d := NewDispatcher(sink, zaptest.NewLogger(t), DispatcherConfig{QueueSize: 2, Workers: 1, Timeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	dropped := testutil.ToFloat64(metrics.NotificationsDropped)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			if err := d.Notify(ctx, triggered("x", "AAPL", "1", "1", models.Above)); err != nil {
				t.Errorf("Notify returned %v", err)
			}
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Notify blocked on a stalled sink")
	}
	// One in flight, two queued, the rest dropped.
	if got := testutil.ToFloat64(metrics.NotificationsDropped) - dropped; got < 7 {
		t.Fatalf("dropped=%v want >= 7", got)
	}
	close(sink.release)
	d.Close()
}

func TestDispatcherDeliversQueuedOnClose(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	close(sink.release)
	d := NewDispatcher(sink, zaptest.NewLogger(t), DispatcherConfig{QueueSize: 16, Workers: 2})
	d.Start(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		d.Notify(context.Background(), triggered(id, "AAPL", "1", "1", models.Above))
	}
	d.Close()
	if got := sink.ids(); len(got) != 3 {
		t.Fatalf("delivered=%v want 3", got)
	}

	// After Close alerts are dropped, not panicking on a closed channel.
	d.Notify(context.Background(), triggered("d", "AAPL", "1", "1", models.Above))
	d.Close()
}

func TestDispatcherSurvivesFailingSinks(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	sink := SinkFunc(func(_ context.Context, ta models.TriggeredAlert) error {
		mu.Lock()
		seen = append(seen, ta.Alert.ID)
		mu.Unlock()
		switch ta.Alert.ID {
		case "panic":
			panic("boom")
		case "error":
			return errors.New("unreachable")
		}
		return nil
	})
	d := NewDispatcher(sink, zaptest.NewLogger(t), DispatcherConfig{QueueSize: 8, Workers: 1})
	d.Start(context.Background())
	for _, id := range []string{"panic", "error", "ok"} {
		d.Notify(context.Background(), triggered(id, "AAPL", "1", "1", models.Above))
	}
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(seen, ",") != "panic,error,ok" {
		t.Fatalf("seen=%v", seen)
	}
}

func TestDispatcherTimeout(t *testing.T) {
	errc := make(chan error, 1)
	sink := SinkFunc(func(ctx context.Context, _ models.TriggeredAlert) error {
		<-ctx.Done()
		errc <- ctx.Err()
		return ctx.Err()
	})
	d := NewDispatcher(sink, zaptest.NewLogger(t), DispatcherConfig{Timeout: 20 * time.Millisecond})
	d.Start(context.Background())
	d.Notify(context.Background(), triggered("slow", "AAPL", "1", "1", models.Above))

	select {
	case err := <-errc:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err=%v want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sink was not cancelled")
	}
	d.Close()
}

func TestRedisSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, DefaultChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sink := NewRedisSink(client, "")
	if err := sink.Notify(ctx, triggered("a1", "AAPL", "150", "150", models.Above)); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(rctx)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	var got AlertMessage
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("payload %q: %v", msg.Payload, err)
	}
	if got.ID != "a1" || got.Symbol != "AAPL" || got.Direction != "above" {
		t.Fatalf("got=%+v", got)
	}
}

func TestWebhookSink(t *testing.T) {
	var (
		mu   sync.Mutex
		body []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = b
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, 0, srv.Client())
	if err := sink.Notify(context.Background(), triggered("w1", "TSLA", "200", "199", models.Below)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	var got AlertMessage
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("body %q: %v", body, err)
	}
	if got.ID != "w1" || got.Message != "TSLA reached $200.00 target price (below)" {
		t.Fatalf("got=%+v", got)
	}
}

func TestWebhookSinkStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL, 10, srv.Client()).Notify(context.Background(), triggered("w", "A", "1", "1", models.Above))
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadGateway {
		t.Fatalf("err=%v want StatusError 502", err)
	}
}

func TestWebhookSinkRateLimitHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, 0.001, srv.Client())
	ctx := context.Background()
	if err := sink.Notify(ctx, triggered("1", "A", "1", "1", models.Above)); err != nil {
		t.Fatalf("first Notify: %v", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := sink.Notify(ctx, triggered("2", "A", "1", "1", models.Above)); err == nil {
		t.Fatalf("second Notify inside the limit window succeeded")
	}
}

type fakeBot struct {
	sent []tgbotapi.Chattable
	err  error
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.sent = append(b.sent, c)
	return tgbotapi.Message{}, b.err
}

func TestTelegramSink(t *testing.T) {
	bot := &fakeBot{}
	sink := NewTelegramSink(bot, 42)
	if err := sink.Notify(context.Background(), triggered("t", "BTC-USD", "70000", "70001", models.Above)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("sent=%d want 1", len(bot.sent))
	}
	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	if !ok || msg.ChatID != 42 || !strings.Contains(msg.Text, "BTC-USD reached $70000.00 target price (above)") {
		t.Fatalf("msg=%+v", bot.sent[0])
	}
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	bad := errors.New("down")
	var calls int
	ok := SinkFunc(func(context.Context, models.TriggeredAlert) error { calls++; return nil })
	m := MultiSink{
		SinkFunc(func(context.Context, models.TriggeredAlert) error { calls++; return bad }),
		ok,
		&TelegramSink{bot: &fakeBot{err: bad}, chatID: 1},
	}
	err := m.Notify(context.Background(), triggered("m", "A", "1", "1", models.Above))
	if !errors.Is(err, bad) || calls != 2 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
	if !strings.Contains(err.Error(), "telegram: down") {
		t.Fatalf("err=%q missing sink name", err)
	}
}
