// Package queue delivers outbound events with durable retry and
// dead-lettering.
package queue

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"fleet-tracker/internal/analytics"
	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/models"
	"fleet-tracker/internal/retry"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Sender delivers one item to the relay
type Sender interface {
	Send(ctx context.Context, item models.QueueItem) error
	Connected() bool
}

// Stats is the user-visible queue indicator
type Stats struct {
	Queued       int `json:"queued"`
	DeadLettered int `json:"dead_lettered"`
}

// Option configures a Manager
type Option func(*Manager)

// WithOnUpdate registers a callback run after every pass that changed the
// queue, and after enqueue and dead-letter restore.
func WithOnUpdate(f func()) Option {
	return func(m *Manager) { m.onUpdate = f }
}

// WithSendTimeout bounds a single delivery attempt
func WithSendTimeout(d time.Duration) Option {
	return func(m *Manager) { m.sendTimeout = d }
}

// Manager owns the delivery queue
type Manager struct {
	store       Store
	sender      Sender
	policy      *retry.Policy
	recorder    *analytics.Recorder
	clock       clock.Clock
	onUpdate    func()
	sendTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	processing atomic.Bool
	rerun      atomic.Bool
	inflight   sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	timer   clock.Timer
	timerAt time.Time
	// earliest next attempt per item; absent means due now
	notBefore map[string]time.Time
}

// New creates a queue manager. Nothing is delivered until ProcessQueue or
// Enqueue is called.
func New(store Store, sender Sender, policy *retry.Policy, recorder *analytics.Recorder, clk clock.Clock, opts ...Option) *Manager {
	if policy == nil {
		policy = retry.NewPolicy(models.DefaultRetryStrategy())
	}
	if recorder == nil {
		recorder = analytics.NewRecorder(nil)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:       store,
		sender:      sender,
		policy:      policy,
		recorder:    recorder,
		clock:       clk,
		sendTimeout: 10 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
		notBefore:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue persists a new item and returns its id. The item is durable when
// Enqueue returns; delivery is attempted in the background if the sender
// is connected.
func (m *Manager) Enqueue(ctx context.Context, itemType string, payload any, priority int) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: encode %s payload: %v", ErrPermanent, itemType, err)
	}

	item := models.QueueItem{
		ID:         uuid.NewString(),
		Type:       itemType,
		Payload:    raw,
		EnqueuedAt: m.clock.Now(),
		Priority:   priority,
	}
	if _, err := m.store.Add(ctx, item); err != nil {
		return "", fmt.Errorf("persist queue item: %w", err)
	}

	log.Debug().Str("item_id", item.ID).Str("type", itemType).Int("priority", priority).Msg("[ENQUEUE] Item queued")
	m.notify()

	if m.sender.Connected() {
		m.goProcess()
	}
	return item.ID, nil
}

// ProcessQueue attempts delivery of every due item, highest priority first
// and in enqueue order within a priority. Concurrent calls never deliver
// the same item twice; a call made while a pass is running causes one
// more pass after it.
func (m *Manager) ProcessQueue(ctx context.Context) {
	if !m.sender.Connected() {
		log.Debug().Msg("[QUEUE] Transport disconnected, skipping pass")
		return
	}
	if !m.processing.CompareAndSwap(false, true) {
		m.rerun.Store(true)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.processing.Store(false)
		return
	}
	m.inflight.Add(1)
	m.mu.Unlock()
	defer m.inflight.Done()

	for {
		m.rerun.Store(false)
		m.pass(ctx)
		m.processing.Store(false)

		if !m.rerun.Load() || !m.sender.Connected() {
			return
		}
		if ctx.Err() != nil {
			// the caller is gone but the queued trigger is not
			m.goProcess()
			return
		}
		if !m.processing.CompareAndSwap(false, true) {
			return
		}
	}
}

// RetryDeadLetters moves every dead letter back to the queue with its retry
// count reset and starts a pass.
func (m *Manager) RetryDeadLetters(ctx context.Context) (int, error) {
	restored, err := m.store.RestoreDeadLetters(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore dead letters: %w", err)
	}
	if len(restored) == 0 {
		return 0, nil
	}

	m.mu.Lock()
	for _, item := range restored {
		delete(m.notBefore, item.ID)
	}
	m.mu.Unlock()

	log.Info().Int("count", len(restored)).Msg("[DLQ] Retrying dead letters")
	m.notify()
	m.goProcess()
	return len(restored), nil
}

// DeadLetters lists the dead-lettered items
func (m *Manager) DeadLetters(ctx context.Context) ([]models.DeadLetterItem, error) {
	return m.store.DeadLetters(ctx)
}

// Stats returns the queued and dead-lettered counts
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	queued, dead, err := m.store.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Queued: queued, DeadLettered: dead}, nil
}

// Shutdown cancels the scheduled retry and waits for a running pass.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.stopTimerLocked()
	m.mu.Unlock()

	m.cancel()
	m.inflight.Wait()
	log.Info().Msg("[QUEUE] Shut down")
}

func (m *Manager) pass(ctx context.Context) {
	items, err := m.store.Items(ctx)
	if err != nil {
		log.Error().Err(err).Msg("[QUEUE] Failed to load items")
		return
	}

	slices.SortStableFunc(items, func(a, b models.QueueItem) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})

	changed := false
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if !m.due(item.ID) {
			continue
		}
		if !m.sender.Connected() {
			log.Info().Msg("[QUEUE] Transport lost during pass")
			break
		}
		done, stop := m.deliver(ctx, item)
		changed = changed || done
		if stop {
			break
		}
	}

	if changed {
		m.notify()
	}
}

// deliver attempts one item. It reports whether the queue changed and
// whether the pass should stop.
func (m *Manager) deliver(ctx context.Context, item models.QueueItem) (bool, bool) {
	sendCtx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	start := m.clock.Now()
	err := m.sender.Send(sendCtx, item)
	cancel()

	// the outcome of a finished send is recorded even if the pass is cancelled
	storeCtx := context.WithoutCancel(ctx)

	if err == nil {
		if rmErr := m.store.Remove(storeCtx, item.ID); rmErr != nil {
			// delivered but still queued; the relay tolerates the duplicate
			log.Error().Err(rmErr).Str("item_id", item.ID).Msg("[QUEUE] Failed to remove delivered item")
		}
		m.clearDue(item.ID)
		m.policy.RecordOutcome(ClassNone, true)
		m.recorder.RecordSuccess(m.clock.Now().Sub(start))
		log.Debug().Str("item_id", item.ID).Str("type", item.Type).Msg("[DELIVERED] Item sent")
		return true, false
	}

	if ctx.Err() != nil {
		log.Debug().Str("item_id", item.ID).Msg("[QUEUE] Pass cancelled, item kept")
		return false, true
	}

	class := ClassifyError(err)
	if class == ClassNotConnected {
		// connectivity, not the item: keep it and wait for the next connect
		log.Info().Str("item_id", item.ID).Msg("[QUEUE] Transport unavailable, item kept")
		return false, true
	}

	m.policy.RecordOutcome(class, false)
	m.recorder.RecordFailure(item.RetryCount, class)

	failures := item.RetryCount + 1
	item.LastError = err.Error()

	if retryable(class) && m.policy.ShouldRetry(class, failures) {
		item.RetryCount = failures
		upErr := m.store.Update(storeCtx, item)
		if upErr == nil {
			// the first retry waits the base delay
			delay := m.policy.Delay(class, item.RetryCount-1)
			m.scheduleRetry(item.ID, delay)
			log.Warn().
				Err(err).
				Str("item_id", item.ID).
				Str("error_class", class).
				Int("retry", item.RetryCount).
				Dur("delay", delay).
				Msg("[RETRY] Scheduled")
			return true, false
		}
		// an unrecorded retry count would let the item retry forever
		log.Error().Err(upErr).Str("item_id", item.ID).Msg("[QUEUE] Failed to persist retry count, dead-lettering")
	}

	item.RetryCount = failures
	if dlErr := m.store.MoveToDeadLetter(storeCtx, item, m.clock.Now()); dlErr != nil {
		log.Error().Err(dlErr).Str("item_id", item.ID).Msg("[DLQ] Failed to dead-letter item")
		return false, false
	}
	m.clearDue(item.ID)
	m.recorder.RecordDeadLetter()
	log.Error().
		Err(err).
		Str("item_id", item.ID).
		Str("error_class", class).
		Int("retry", item.RetryCount).
		Msg("[DLQ] Item dead-lettered")
	return true, false
}

func (m *Manager) due(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.notBefore[id]
	return !ok || !m.clock.Now().Before(at)
}

func (m *Manager) clearDue(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.notBefore, id)
}

// scheduleRetry holds a single timer armed for the earliest due retry.
func (m *Manager) scheduleRetry(id string, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	at := m.clock.Now().Add(delay)
	m.notBefore[id] = at

	if m.timer != nil && !m.timerAt.After(at) {
		return
	}
	m.stopTimerLocked()
	m.timerAt = at
	m.timer = m.clock.AfterFunc(delay, m.onTimer)
}

func (m *Manager) onTimer() {
	m.mu.Lock()
	m.timer = nil
	m.timerAt = time.Time{}
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	m.ProcessQueue(m.ctx)

	// re-arm for items whose retry time has not come yet
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil || m.closed {
		return
	}
	if next, ok := m.nextDueLocked(); ok {
		m.timerAt = next
		m.timer = m.clock.AfterFunc(next.Sub(m.clock.Now()), m.onTimer)
	}
}

// nextDueLocked returns the earliest retry time after now
func (m *Manager) nextDueLocked() (time.Time, bool) {
	now := m.clock.Now()
	var next time.Time
	found := false
	for _, at := range m.notBefore {
		if !at.After(now) {
			continue
		}
		if !found || at.Before(next) {
			next, found = at, true
		}
	}
	return next, found
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
		m.timerAt = time.Time{}
	}
}

func (m *Manager) goProcess() {
	go m.ProcessQueue(m.ctx)
}

func (m *Manager) notify() {
	if m.onUpdate != nil {
		m.onUpdate()
	}
}
