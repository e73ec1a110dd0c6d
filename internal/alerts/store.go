// Package alerts owns the price alert collection and evaluates price ticks
// against it.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pricealerts/internal/kv"
	"pricealerts/internal/metrics"
	"pricealerts/internal/models"
)

// DefaultKey is the key the collection is persisted under unless WithKey
// overrides it.
const DefaultKey = "price_alerts"

// Option configures a Store.
type Option func(*Store)

// WithKey sets the key the collection is persisted under.
func WithKey(key string) Option {
	return func(s *Store) { s.key = key }
}

// WithClock replaces time.Now for createdAt and triggeredAt stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.clock = now }
}

// WithIDGenerator replaces the uuid generator used for new alert ids.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// WithFailureObserver registers fn to receive every PersistenceFailure.
// Save failures are reported from the background writer goroutine.
func WithFailureObserver(fn func(PersistenceFailure)) Option {
	return func(s *Store) { s.observer = fn }
}

// WithSaveTimeout bounds each load and save attempt.
func WithSaveTimeout(d time.Duration) Option {
	return func(s *Store) { s.saveTimeout = d }
}

// WithMaxRetries bounds the retries of a failed save. Zero disables retrying.
func WithMaxRetries(n int) Option {
	return func(s *Store) { s.maxRetries = n }
}

// Store is the authoritative collection of price alerts for one session.
// Each instance is isolated; the methods are safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	alerts []models.PriceAlert

	kv          kv.Store
	key         string
	saveTimeout time.Duration
	maxRetries  int
	writer      *writer

	logger   *zap.Logger
	clock    func() time.Time
	newID    func() string
	observer func(PersistenceFailure)
}

// NewStore loads the collection from kvStore and starts the background
// writer. A nil kvStore disables persistence. Load failures are reported and
// the store starts empty.
func NewStore(ctx context.Context, kvStore kv.Store, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		kv:          kvStore,
		key:         DefaultKey,
		saveTimeout: 3 * time.Second,
		maxRetries:  3,
		logger:      logger,
		clock:       time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.kv == nil {
		return s
	}

	s.load(ctx)
	s.writer = newWriter(s.kv, s.key, s.saveTimeout, s.maxRetries, s.report)
	return s
}

func (s *Store) load(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.saveTimeout)
	defer cancel()

	b, found, err := s.kv.Get(ctx, s.key)
	if err != nil {
		s.report("load", err)
		return
	}
	if !found {
		return
	}
	loaded, err := decodeAlerts(b)
	if err != nil {
		s.report("load", err)
		return
	}
	s.alerts = loaded
	s.logger.Info("alert store loaded", zap.String("key", s.key), zap.Int("alerts", len(loaded)))
}

func (s *Store) report(op string, err error) {
	f := PersistenceFailure{Op: op, Key: s.key, Err: err, At: s.now()}
	metrics.PersistenceFailures.WithLabelValues(op).Inc()
	s.logger.Warn("alert store persistence failed",
		zap.String("op", op),
		zap.String("key", s.key),
		zap.Error(err),
	)
	if s.observer != nil {
		s.observer(f)
	}
}

// now is millisecond precision so stamped times survive the JSON form.
func (s *Store) now() time.Time {
	return time.UnixMilli(s.clock().UnixMilli())
}

// Add creates a new active alert.
func (s *Store) Add(symbol string, target decimal.Decimal, dir models.Direction) (models.PriceAlert, error) {
	sym := models.NormalizeSymbol(symbol)
	if sym == "" {
		return models.PriceAlert{}, ErrInvalidSymbol
	}
	if !target.IsPositive() {
		return models.PriceAlert{}, fmt.Errorf("%w: got %s", ErrInvalidPrice, target)
	}
	if !dir.Valid() {
		return models.PriceAlert{}, fmt.Errorf("%w: got %q", ErrInvalidDirection, dir)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if j := s.findActiveLocked(sym, target, dir, -1); j >= 0 {
		return models.PriceAlert{}, fmt.Errorf("%w: %s %s %s (id %s)", ErrDuplicateAlert, sym, dir, target, s.alerts[j].ID)
	}

	alert := models.PriceAlert{
		ID:          s.newID(),
		Symbol:      sym,
		TargetPrice: target,
		Direction:   dir,
		Active:      true,
		CreatedAt:   s.now(),
	}
	s.alerts = append(s.alerts, alert)
	metrics.AlertsCreated.Inc()
	s.persistLocked()
	return cloneAlert(alert), nil
}

// Remove deletes the alert with id. It reports whether one was found.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	last := len(s.alerts) - 1
	copy(s.alerts[i:], s.alerts[i+1:])
	s.alerts[last] = models.PriceAlert{}
	s.alerts = s.alerts[:last]
	s.persistLocked()
	return true
}

// Update merges p into the alert with id and returns the result. found is
// false when no alert has that id. A triggered alert is returned unchanged
// with ErrAlertTriggered, and a patch that would leave two equivalent active
// alerts fails with ErrDuplicateAlert.
func (s *Store) Update(id string, p models.Patch) (alert models.PriceAlert, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return models.PriceAlert{}, false, nil
	}
	current := s.alerts[i]
	if current.Triggered() {
		return cloneAlert(current), true, fmt.Errorf("%w: %s", ErrAlertTriggered, id)
	}
	if err := validatePatch(p); err != nil {
		return cloneAlert(current), true, err
	}

	next := p.Apply(current)
	if next.Active {
		if j := s.findActiveLocked(next.Symbol, next.TargetPrice, next.Direction, i); j >= 0 {
			return cloneAlert(current), true, fmt.Errorf("%w: %s %s %s (id %s)",
				ErrDuplicateAlert, next.Symbol, next.Direction, next.TargetPrice, s.alerts[j].ID)
		}
	}
	s.alerts[i] = next
	s.persistLocked()
	return cloneAlert(next), true, nil
}

// trigger fires the alert with id at price. The alert must still be active
// and still match price when the lock is held; otherwise nothing changes.
func (s *Store) trigger(id string, price decimal.Decimal, at time.Time) (models.PriceAlert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 || !s.alerts[i].Active || !s.alerts[i].Matches(price) {
		return models.PriceAlert{}, false
	}
	stamp := at
	s.alerts[i].Active = false
	s.alerts[i].TriggeredAt = &stamp
	s.persistLocked()
	return cloneAlert(s.alerts[i]), true
}

// Get returns a copy of the alert with id.
func (s *Store) Get(id string) (models.PriceAlert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return models.PriceAlert{}, false
	}
	return cloneAlert(s.alerts[i]), true
}

// ListAll returns a snapshot in insertion order.
func (s *Store) ListAll() []models.PriceAlert {
	return s.filter(func(models.PriceAlert) bool { return true })
}

// ListActive returns the alerts that can still fire, in insertion order.
func (s *Store) ListActive() []models.PriceAlert {
	return s.filter(func(a models.PriceAlert) bool { return a.Active })
}

// ListBySymbol matches symbol case-insensitively.
func (s *Store) ListBySymbol(symbol string) []models.PriceAlert {
	sym := models.NormalizeSymbol(symbol)
	return s.filter(func(a models.PriceAlert) bool { return a.Symbol == sym })
}

func (s *Store) filter(keep func(models.PriceAlert) bool) []models.PriceAlert {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.PriceAlert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if keep(a) {
			out = append(out, cloneAlert(a))
		}
	}
	return out
}

// ClearAll empties the collection.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.alerts = nil
	s.persistLocked()
}

// ClearTriggered removes every alert with TriggeredAt set and returns how
// many were removed.
func (s *Store) ClearTriggered() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.alerts[:0]
	for _, a := range s.alerts {
		if a.TriggeredAt == nil {
			kept = append(kept, a)
		}
	}
	removed := len(s.alerts) - len(kept)
	for i := len(kept); i < len(s.alerts); i++ {
		s.alerts[i] = models.PriceAlert{}
	}
	s.alerts = kept
	s.persistLocked()
	return removed
}

// Stats is computed on every call.
func (s *Store) Stats() models.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := models.Stats{
		Total:          len(s.alerts),
		CountsBySymbol: map[string]int{},
	}
	for _, a := range s.alerts {
		switch {
		case a.Active:
			st.ActiveCount++
		case a.Triggered():
			st.TriggeredCount++
		}
		st.CountsBySymbol[a.Symbol]++
	}
	return st
}

// Export serializes the collection as a JSON array.
func (s *Store) Export() ([]byte, error) {
	return json.Marshal(s.ListAll())
}

// Import replaces the whole collection with data. Any invalid record rejects
// the import and leaves the store unchanged.
func (s *Store) Import(data []byte) error {
	incoming, err := decodeAlerts(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.alerts = incoming
	s.persistLocked()
	return nil
}

// Flush waits for pending persistence writes.
func (s *Store) Flush(ctx context.Context) error {
	if s.writer == nil {
		return nil
	}
	return s.writer.flush(ctx)
}

// Close flushes pending writes and stops the writer. Mutations after Close
// are kept in memory only.
func (s *Store) Close(ctx context.Context) error {
	if s.writer == nil {
		return nil
	}
	return s.writer.close(ctx)
}

// findActiveLocked returns the index of an active alert other than skip with
// the same symbol, target and direction, or -1.
func (s *Store) findActiveLocked(symbol string, target decimal.Decimal, dir models.Direction, skip int) int {
	for j, a := range s.alerts {
		if j != skip && a.Active && a.Symbol == symbol && a.Direction == dir && a.TargetPrice.Equal(target) {
			return j
		}
	}
	return -1
}

func (s *Store) indexLocked(id string) int {
	for i := range s.alerts {
		if s.alerts[i].ID == id {
			return i
		}
	}
	return -1
}

// persistLocked hands the current collection to the writer. An empty
// collection removes the key.
func (s *Store) persistLocked() {
	if s.writer == nil {
		return
	}
	if len(s.alerts) == 0 {
		s.writer.enqueue(nil)
		return
	}
	b, err := json.Marshal(s.alerts)
	if err != nil {
		s.report("encode", err)
		return
	}
	s.writer.enqueue(b)
}

func decodeAlerts(data []byte) ([]models.PriceAlert, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: expected a JSON array", ErrMalformedImport)
	}
	var incoming []models.PriceAlert
	if err := json.Unmarshal(trimmed, &incoming); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedImport, err)
	}

	ids := make(map[string]struct{}, len(incoming))
	type triple struct {
		symbol string
		price  string
		dir    models.Direction
	}
	active := map[triple]struct{}{}
	for i, a := range incoming {
		if !a.TargetPrice.IsPositive() {
			return nil, fmt.Errorf("%w: record %d: targetPrice %s is not positive", ErrMalformedImport, i, a.TargetPrice)
		}
		if a.Active && a.TriggeredAt != nil {
			return nil, fmt.Errorf("%w: record %d: active alert has triggeredAt", ErrMalformedImport, i)
		}
		if _, dup := ids[a.ID]; dup {
			return nil, fmt.Errorf("%w: record %d: duplicate id %s", ErrMalformedImport, i, a.ID)
		}
		ids[a.ID] = struct{}{}
		if a.Active {
			k := triple{a.Symbol, a.TargetPrice.String(), a.Direction}
			if _, dup := active[k]; dup {
				return nil, fmt.Errorf("%w: record %d: duplicate active alert %s %s %s", ErrMalformedImport, i, a.Symbol, a.Direction, a.TargetPrice)
			}
			active[k] = struct{}{}
		}
	}
	return incoming, nil
}

func validatePatch(p models.Patch) error {
	if p.Symbol != nil && models.NormalizeSymbol(*p.Symbol) == "" {
		return ErrInvalidSymbol
	}
	if p.TargetPrice != nil && !p.TargetPrice.IsPositive() {
		return fmt.Errorf("%w: got %s", ErrInvalidPrice, *p.TargetPrice)
	}
	if p.Direction != nil && !p.Direction.Valid() {
		return fmt.Errorf("%w: got %q", ErrInvalidDirection, *p.Direction)
	}
	return nil
}

func cloneAlert(a models.PriceAlert) models.PriceAlert {
	if a.TriggeredAt != nil {
		t := *a.TriggeredAt
		a.TriggeredAt = &t
	}
	return a
}
