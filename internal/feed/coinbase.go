package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pricealerts/internal/models"
)

const CoinbaseURL = "wss://ws-feed.exchange.coinbase.com"

type subscription struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

type tradeMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Time      string `json:"time"`
}

// ParseTrade turns a Coinbase feed message into a tick. ok is false for
// messages that are not trade matches.
func ParseTrade(b []byte) (t models.Tick, ok bool, err error) {
	var m tradeMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return models.Tick{}, false, err
	}
	if m.Type != "match" && m.Type != "last_match" {
		return models.Tick{}, false, nil
	}
	price, err := decimal.NewFromString(m.Price)
	if err != nil {
		return models.Tick{}, false, fmt.Errorf("trade price %q: %w", m.Price, err)
	}
	t = models.Tick{Symbol: models.NormalizeSymbol(m.ProductID), Price: price}
	if err := t.Validate(); err != nil {
		return models.Tick{}, false, err
	}
	return t, true, nil
}

// CoinbaseReader streams trade matches from the Coinbase websocket feed and
// reconnects with exponential backoff when the connection drops.
type CoinbaseReader struct {
	url        string
	productIDs []string
	dialer     *websocket.Dialer
	logger     *zap.Logger

	// MaxInterval caps the reconnect delay.
	MaxInterval time.Duration
}

func NewCoinbaseReader(url string, productIDs []string, logger *zap.Logger) *CoinbaseReader {
	if url == "" {
		url = CoinbaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CoinbaseReader{
		url:         url,
		productIDs:  productIDs,
		dialer:      websocket.DefaultDialer,
		logger:      logger,
		MaxInterval: 30 * time.Second,
	}
}

// Run returns when ctx is done.
func (r *CoinbaseReader) Run(ctx context.Context, out chan<- models.Tick) error {
	for ctx.Err() == nil {
		conn, err := r.connect(ctx)
		if err != nil {
			// connect retries forever, so it only gives up once ctx is done.
			return nil
		}
		if err := r.read(ctx, conn, out); err != nil && ctx.Err() == nil {
			r.logger.Warn("coinbase websocket error", zap.Error(err))
		}
	}
	return nil
}

func (r *CoinbaseReader) connect(ctx context.Context) (*websocket.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = r.MaxInterval
	bo.MaxElapsedTime = 0

	var conn *websocket.Conn
	op := func() error {
		c, _, err := r.dialer.DialContext(ctx, r.url, nil)
		if err != nil {
			return err
		}
		sub := subscription{Type: "subscribe", ProductIDs: r.productIDs, Channels: []string{"matches"}}
		if err := c.WriteJSON(sub); err != nil {
			_ = c.Close()
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("coinbase connect failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, err
	}
	r.logger.Info("subscribed to coinbase matches", zap.Strings("product_ids", r.productIDs))
	return conn, nil
}

func (r *CoinbaseReader) read(ctx context.Context, conn *websocket.Conn, out chan<- models.Tick) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		tick, ok, err := ParseTrade(msg)
		if err != nil {
			r.logger.Debug("skipping coinbase message", zap.ByteString("message", msg), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		select {
		case out <- tick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
