package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"pricealerts/internal/kv"
)

// writer saves store snapshots on a single goroutine. Only the newest
// pending snapshot is written; older ones are superseded. A nil snapshot
// deletes the key.
type writer struct {
	kv      kv.Store
	key     string
	timeout time.Duration
	retries int
	report  func(op string, err error)

	mu      sync.Mutex
	pending []byte
	dirty   bool
	queued  uint64
	written uint64
	flushed chan struct{}
	closed  bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newWriter(store kv.Store, key string, timeout time.Duration, retries int, report func(string, error)) *writer {
	w := &writer{
		kv:      store,
		key:     key,
		timeout: timeout,
		retries: retries,
		report:  report,
		flushed: make(chan struct{}),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// enqueue hands off a snapshot without waiting for it to be written.
func (w *writer) enqueue(b []byte) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.pending = b
	w.dirty = true
	w.queued++
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *writer) run() {
	defer close(w.done)
	for {
		select {
		case <-w.wake:
			w.drain()
		case <-w.stop:
			w.drain()
			return
		}
	}
}

func (w *writer) drain() {
	w.mu.Lock()
	b, dirty, seq := w.pending, w.dirty, w.queued
	w.pending, w.dirty = nil, false
	w.mu.Unlock()

	if dirty {
		w.save(b)
	}

	w.mu.Lock()
	if seq > w.written {
		w.written = seq
	}
	close(w.flushed)
	w.flushed = make(chan struct{})
	w.mu.Unlock()
}

func (w *writer) save(b []byte) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second

	name := "save"
	if b == nil {
		name = "delete"
	}
	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		if b == nil {
			return w.kv.Delete(ctx, w.key)
		}
		return w.kv.Set(ctx, w.key, b)
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(bo, uint64(w.retries))); err != nil {
		w.report(name, err)
	}
}

// flush waits until every snapshot enqueued so far has been written or
// abandoned.
func (w *writer) flush(ctx context.Context) error {
	for {
		w.mu.Lock()
		if w.written >= w.queued {
			w.mu.Unlock()
			return nil
		}
		ch := w.flushed
		w.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *writer) close(ctx context.Context) error {
	err := w.flush(ctx)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return err
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stop)
	select {
	case <-w.done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}
