package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obot-platform/previewbox/internal/logger"
	"github.com/obot-platform/previewbox/internal/store"
)

// PollerConfig contains configuration for the event poller.
type PollerConfig struct {
	// PollInterval is how often to poll when there are no notifications.
	PollInterval time.Duration
	// BatchSize is the maximum number of events to fetch per poll.
	BatchSize int
	// Retention is how long events are kept for replay. Zero keeps them.
	Retention time.Duration
	// PruneInterval is how often expired events are deleted.
	PruneInterval time.Duration
}

// DefaultPollerConfig returns the default poller configuration.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PollInterval:  100 * time.Millisecond,
		BatchSize:     100,
		Retention:     24 * time.Hour,
		PruneInterval: 10 * time.Minute,
	}
}

// Poller polls the store for new events and broadcasts them to subscribers.
type Poller struct {
	store  *store.Store
	config PollerConfig
	log    *logger.Logger

	lastSeq   int64
	lastSeqMu sync.Mutex

	subscribers   map[string]*Subscriber
	subscribersMu sync.RWMutex

	// notifyCh triggers an immediate poll.
	notifyCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a new event poller.
func NewPoller(s *store.Store, config PollerConfig, log *logger.Logger) *Poller {
	if log == nil {
		log = logger.Nop()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollerConfig().PollInterval
	}
	return &Poller{
		store:       s,
		config:      config,
		log:         log.Named("poller"),
		subscribers: make(map[string]*Subscriber),
		notifyCh:    make(chan struct{}, 100),
	}
}

// Start begins polling. Only events created after Start are broadcast.
func (p *Poller) Start(parentCtx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(parentCtx)

	maxSeq, err := p.store.GetMaxEventSeq(p.ctx)
	if err != nil {
		p.cancel()
		return err
	}
	p.lastSeq = maxSeq

	p.log.Info("event poller starting", "last_seq", p.lastSeq)

	p.wg.Add(1)
	go p.pollLoop()

	return nil
}

// Stop stops the poller and closes every subscriber.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("event poller stopped")
	case <-time.After(5 * time.Second):
		p.log.Warn("timeout waiting for event poller to stop")
	}

	p.subscribersMu.Lock()
	for _, sub := range p.subscribers {
		sub.Close()
	}
	p.subscribers = make(map[string]*Subscriber)
	p.subscribersMu.Unlock()
}

// NotifyNewEvent triggers a poll without waiting for the next interval.
func (p *Poller) NotifyNewEvent() {
	select {
	case p.notifyCh <- struct{}{}:
	default:
		// Channel full, next poll will pick it up
	}
}

// Subscribe creates a new subscription for every broadcast event.
func (p *Poller) Subscribe() *Subscriber {
	p.subscribersMu.Lock()
	defer p.subscribersMu.Unlock()

	sub := &Subscriber{
		ID:     uuid.New().String(),
		Events: make(chan *Event, 100),
		done:   make(chan struct{}),
	}
	p.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription.
func (p *Poller) Unsubscribe(sub *Subscriber) {
	p.subscribersMu.Lock()
	defer p.subscribersMu.Unlock()

	delete(p.subscribers, sub.ID)
	sub.Close()
}

// SubscriberCount returns the number of active subscriptions.
func (p *Poller) SubscriberCount() int {
	p.subscribersMu.RLock()
	defer p.subscribersMu.RUnlock()
	return len(p.subscribers)
}

func (p *Poller) pollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	var prune <-chan time.Time
	if p.config.Retention > 0 && p.config.PruneInterval > 0 {
		pruneTicker := time.NewTicker(p.config.PruneInterval)
		defer pruneTicker.Stop()
		prune = pruneTicker.C
	}

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollAndBroadcast()
		case <-p.notifyCh:
			p.pollAndBroadcast()
		case <-prune:
			p.pruneOld()
		}
	}
}

func (p *Poller) pollAndBroadcast() {
	p.lastSeqMu.Lock()
	afterSeq := p.lastSeq
	p.lastSeqMu.Unlock()

	events, err := p.store.ListEventsAfterSeq(p.ctx, afterSeq, p.config.BatchSize)
	if err != nil {
		if p.ctx.Err() == nil {
			p.log.Warn("failed to poll events", "error", err)
		}
		return
	}
	if len(events) == 0 {
		return
	}

	p.lastSeqMu.Lock()
	p.lastSeq = events[len(events)-1].Seq
	p.lastSeqMu.Unlock()

	p.subscribersMu.RLock()
	defer p.subscribersMu.RUnlock()

	for i := range events {
		event := FromModel(&events[i])
		for _, sub := range p.subscribers {
			sub.mu.Lock()
			if !sub.isClosed {
				select {
				case sub.Events <- event:
				default:
					p.log.Warn("event channel full, dropping event", "subscriber", sub.ID, "seq", event.Seq)
				}
			}
			sub.mu.Unlock()
		}
	}

	// A full batch means more may be waiting.
	if p.config.BatchSize > 0 && len(events) == p.config.BatchSize {
		p.NotifyNewEvent()
	}
}

func (p *Poller) pruneOld() {
	n, err := p.store.DeleteOldEvents(p.ctx, p.config.Retention)
	if err != nil {
		p.log.Warn("failed to prune events", "error", err)
		return
	}
	if n > 0 {
		p.log.Debug("pruned old events", "count", n)
	}
}

// LastSeq returns the last seen sequence number.
func (p *Poller) LastSeq() int64 {
	p.lastSeqMu.Lock()
	defer p.lastSeqMu.Unlock()
	return p.lastSeq
}
