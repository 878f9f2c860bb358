// Package events provides a Server-Sent Events system backed by database
// persistence. Events are written to the store first, then polled and
// broadcast to subscribers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/obot-platform/previewbox/internal/logger"
	"github.com/obot-platform/previewbox/internal/preview"
	"github.com/obot-platform/previewbox/internal/sandbox"
	"github.com/obot-platform/previewbox/internal/store"
)

// EventType represents the type of event being broadcast
type EventType string

const (
	// EventTypeFileChanged indicates a file was written or removed.
	EventTypeFileChanged EventType = "file_changed"
	// EventTypePreviewUpdated indicates the preview state changed.
	EventTypePreviewUpdated EventType = "preview_updated"
)

// Sources of a file change.
const (
	SourcePush    = "push"
	SourceSandbox = "sandbox"
)

// Event represents a server-sent event
type Event struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// FromModel converts a stored event to an Event
func FromModel(e *store.Event) *Event {
	return &Event{
		ID:        e.ID,
		Seq:       e.Seq,
		Type:      EventType(e.Type),
		Timestamp: e.CreatedAt,
		Data:      e.Data,
	}
}

// FileChangedData is the payload for file_changed events
type FileChangedData struct {
	Path   string `json:"path"`
	Kind   string `json:"kind"`
	Source string `json:"source"`
}

// PreviewUpdatedData is the payload for preview_updated events
type PreviewUpdatedData struct {
	Phase string `json:"phase"`
	URL   string `json:"url,omitempty"`
}

// Subscriber receives broadcast events until closed.
type Subscriber struct {
	ID     string
	Events chan *Event
	done   chan struct{}

	mu       sync.Mutex
	isClosed bool
}

// Close closes the subscriber's event channel
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isClosed {
		s.isClosed = true
		close(s.done)
		close(s.Events)
	}
}

// Done returns a channel that's closed when the subscriber is closed
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Broker manages event publishing and subscription through the database.
type Broker struct {
	store  *store.Store
	poller *Poller
	log    *logger.Logger
}

// NewBroker creates a new event broker. The poller is started separately.
func NewBroker(s *store.Store, poller *Poller, log *logger.Logger) *Broker {
	if log == nil {
		log = logger.Nop()
	}
	return &Broker{
		store:  s,
		poller: poller,
		log:    log.Named("events"),
	}
}

// Subscribe creates a new subscription.
func (b *Broker) Subscribe() *Subscriber {
	return b.poller.Subscribe()
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.poller.Unsubscribe(sub)
}

// Publish persists an event and notifies the poller. The event reaches
// subscribers through the poller.
func (b *Broker) Publish(ctx context.Context, eventType EventType, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	stored := &store.Event{
		Type: string(eventType),
		Data: dataBytes,
	}
	if err := b.store.CreateEvent(ctx, stored); err != nil {
		return nil, fmt.Errorf("failed to persist event: %w", err)
	}

	b.poller.NotifyNewEvent()
	return FromModel(stored), nil
}

// PublishFileChanged publishes a file_changed event.
func (b *Broker) PublishFileChanged(ctx context.Context, path, kind, source string) error {
	_, err := b.Publish(ctx, EventTypeFileChanged, FileChangedData{
		Path:   path,
		Kind:   kind,
		Source: source,
	})
	return err
}

// PublishPreviewUpdated publishes a preview_updated event.
func (b *Broker) PublishPreviewUpdated(ctx context.Context, state preview.State) error {
	_, err := b.Publish(ctx, EventTypePreviewUpdated, PreviewUpdatedData{
		Phase: string(state.Phase),
		URL:   state.URL,
	})
	return err
}

// EventsAfter returns persisted events with seq > afterSeq, for replay.
func (b *Broker) EventsAfter(ctx context.Context, afterSeq int64) ([]*Event, error) {
	stored, err := b.store.ListEventsAfterSeq(ctx, afterSeq, 0)
	if err != nil {
		return nil, err
	}
	events := make([]*Event, len(stored))
	for i := range stored {
		events[i] = FromModel(&stored[i])
	}
	return events, nil
}

// HandleFSEvent publishes watch notifications from the sandbox as
// file_changed events.
func (b *Broker) HandleFSEvent(ctx context.Context, _ sandbox.FileReader, ev sandbox.FSEvent) {
	if err := b.PublishFileChanged(ctx, ev.Path, string(ev.Kind), SourceSandbox); err != nil {
		b.log.Warn("failed to publish file change", "path", ev.Path, "error", err)
	}
}

// publishTimeout bounds a publish made from a preview surface callback.
const publishTimeout = 5 * time.Second

// Surface returns a preview surface that publishes every preview change.
func (b *Broker) Surface() preview.Surface {
	return &surface{broker: b}
}

type surface struct {
	broker *Broker
}

func (s *surface) ShowLoading() {
	s.publish(preview.State{Phase: preview.PhaseLoading})
}

func (s *surface) Bind(url string) {
	s.publish(preview.State{Phase: preview.PhaseReady, URL: url})
}

func (s *surface) publish(state preview.State) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.broker.PublishPreviewUpdated(ctx, state); err != nil {
		s.broker.log.Warn("failed to publish preview update", "phase", state.Phase, "error", err)
	}
}
