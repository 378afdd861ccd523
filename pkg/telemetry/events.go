package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event emitted while converging a domain.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated converge run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// Domain is the name of the domain the event concerns.
	Domain string `json:"domain,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants.
const (
	EventTypeConvergeStarted     = "converge.started"
	EventTypeConvergeCompleted   = "converge.completed"
	EventTypeConvergeFailed      = "converge.failed"
	EventTypeTransitionStarted   = "transition.started"
	EventTypeTransitionCompleted = "transition.completed"
	EventTypeTransitionFailed    = "transition.failed"
	EventTypeDefinitionDrift     = "definition.drift"
	EventTypeStateChanged        = "domain.state_changed"
)

// EventTypes lists every event type the publisher emits.
func EventTypes() []string {
	return []string{
		EventTypeConvergeStarted,
		EventTypeConvergeCompleted,
		EventTypeConvergeFailed,
		EventTypeTransitionStarted,
		EventTypeTransitionCompleted,
		EventTypeTransitionFailed,
		EventTypeDefinitionDrift,
		EventTypeStateChanged,
	}
}

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
// In synchronous mode subscribers run on the publishing goroutine, in order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishConvergeStarted publishes a converge started event.
func (ep *EventPublisher) PublishConvergeStarted(runID, domain, requested string) error {
	return ep.Publish(Event{
		Type:    EventTypeConvergeStarted,
		Source:  "converge",
		RunID:   runID,
		Domain:  domain,
		Message: fmt.Sprintf("Converging %s to %s", domain, requested),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"requested": requested,
		},
	})
}

// PublishConvergeCompleted publishes a converge completed event.
func (ep *EventPublisher) PublishConvergeCompleted(runID, domain string, changed bool, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeConvergeCompleted,
		Source:  "converge",
		RunID:   runID,
		Domain:  domain,
		Message: fmt.Sprintf("Converged %s (changed=%t)", domain, changed),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"changed":  changed,
			"duration": duration.Seconds(),
		},
	})
}

// PublishConvergeFailed publishes a converge failed event.
func (ep *EventPublisher) PublishConvergeFailed(runID, domain, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeConvergeFailed,
		Source:  "converge",
		RunID:   runID,
		Domain:  domain,
		Message: fmt.Sprintf("Converging %s failed: %s", domain, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishTransitionStarted publishes a transition started event.
func (ep *EventPublisher) PublishTransitionStarted(runID, domain, from, to, effector string) error {
	return ep.Publish(Event{
		Type:    EventTypeTransitionStarted,
		Source:  "lifecycle",
		RunID:   runID,
		Domain:  domain,
		Message: fmt.Sprintf("%s: %s -> %s via %s", domain, from, to, effector),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"from":     from,
			"to":       to,
			"effector": effector,
		},
	})
}

// PublishTransitionCompleted publishes a transition completed event.
func (ep *EventPublisher) PublishTransitionCompleted(runID, domain, effector string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeTransitionCompleted,
		Source:  "lifecycle",
		RunID:   runID,
		Domain:  domain,
		Message: fmt.Sprintf("%s: %s completed", domain, effector),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"effector": effector,
			"duration": duration.Seconds(),
		},
	})
}

// PublishTransitionFailed publishes a transition failed event.
func (ep *EventPublisher) PublishTransitionFailed(runID, domain, effector, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeTransitionFailed,
		Source:  "lifecycle",
		RunID:   runID,
		Domain:  domain,
		Message: fmt.Sprintf("%s: %s failed: %s", domain, effector, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"effector": effector,
			"reason":   reason,
		},
	})
}

// PublishStateChanged publishes a domain state change event.
func (ep *EventPublisher) PublishStateChanged(runID, domain, oldState, newState string) error {
	return ep.Publish(Event{
		Type:    EventTypeStateChanged,
		Source:  "converge",
		RunID:   runID,
		Domain:  domain,
		Message: fmt.Sprintf("Domain %s state changed from %s to %s", domain, oldState, newState),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"old_state": oldState,
			"new_state": newState,
		},
	})
}

// PublishDefinitionDrift publishes an event for a definition that differs
// from the desired one.
func (ep *EventPublisher) PublishDefinitionDrift(runID, domain string, changeCount int) error {
	return ep.Publish(Event{
		Type:    EventTypeDefinitionDrift,
		Source:  "reconcile",
		RunID:   runID,
		Domain:  domain,
		Message: fmt.Sprintf("Definition drift on %s (%d changes)", domain, changeCount),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"change_count": changeCount,
		},
	})
}

// Subscribe adds a new event subscriber. filter may be nil.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events in batches.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			// Drain what is already queued before delivering.
			for len(batch) < ep.config.MaxBatchSize && len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			ep.flushBatch(batch)
			batch = batch[:0]

		case <-ep.ctx.Done():
			for len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering any buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}
