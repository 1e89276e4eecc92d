// Package dispatcher turns a stream of raw device log lines into named events
// and delivers them, in arrival order, to registered listeners.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/perfgo/raptor/model"
	"github.com/perfgo/raptor/raptorerrors"
)

// EventName identifies a kind of event
type EventName string

const (
	// EventPerformanceEntry carries a parsed performance entry
	EventPerformanceEntry EventName = "performanceentry"
	// EventError carries source failures and listener errors, it is always forwarded
	EventError EventName = "error"
)

// ErrSourceClosed is reported when a source stops without giving a reason
var ErrSourceClosed = errors.New("source closed unexpectedly")

// Event is delivered to listeners
type Event struct {
	Name  EventName
	Entry model.PerformanceEntry
	Err   error
}

// Source produces raw log lines
type Source interface {
	// Lines returns the channel lines are delivered on, it is closed when the source stops
	Lines() <-chan string
	// Err returns the reason the source stopped, nil if it was stopped deliberately
	Err() error
}

// Parser turns a raw line into an event, returning false if the line is not recognised
type Parser func(line string) (Event, bool)

// Handler is invoked for each delivered event
type Handler func(Event) error

// ListenerID identifies a registered listener
type ListenerID uint64

// EntryParser adapts a performance entry parser into a Parser emitting events named name
func EntryParser(name EventName, parse func(string) (model.PerformanceEntry, bool)) Parser {
	return func(line string) (Event, bool) {
		entry, ok := parse(line)
		if !ok {
			return Event{}, false
		}
		return Event{Name: name, Entry: entry}, true
	}
}

type listener struct {
	id      ListenerID
	handler Handler
}

// Dispatcher reads a Source and dispatches parsed events to listeners
type Dispatcher struct {
	logger zerolog.Logger
	src    Source

	mu        sync.RWMutex
	parsers   []Parser
	captured  []EventName
	listeners map[EventName][]listener
	nextID    atomic.Uint64

	startOnce sync.Once
	started   atomic.Bool
	closed    atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a dispatcher for src. Nothing is read until Start is called.
func New(logger zerolog.Logger, src Source) *Dispatcher {
	return &Dispatcher{
		logger:    logger,
		src:       src,
		listeners: make(map[EventName][]listener),
		done:      make(chan struct{}),
	}
}

// RegisterParser adds a parser. Every raw line is offered to each parser once, in registration order.
func (d *Dispatcher) RegisterParser(p Parser) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parsers = append(d.parsers, p)
}

// Capture starts forwarding events named name to listeners. Capturing twice has no further effect.
func (d *Dispatcher) Capture(name EventName) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !lo.Contains(d.captured, name) {
		d.captured = append(d.captured, name)
	}
}

// On registers a handler for events named name and returns its id
func (d *Dispatcher) On(name EventName, handler Handler) ListenerID {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := ListenerID(d.nextID.Add(1))
	d.listeners[name] = append(d.listeners[name], listener{id: id, handler: handler})
	return id
}

// RemoveListener removes a handler. It returns true if the handler was registered.
func (d *Dispatcher) RemoveListener(name EventName, id ListenerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.listeners[name]
	for i, l := range subs {
		if l.id == id {
			// copy so an in-flight delivery keeps its own snapshot
			d.listeners[name] = append(append([]listener{}, subs[:i]...), subs[i+1:]...)
			return true
		}
	}
	return false
}

// ListenerCount returns the number of registered listeners
func (d *Dispatcher) ListenerCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	count := 0
	for _, subs := range d.listeners {
		count += len(subs)
	}
	return count
}

// Start begins reading the source on a single goroutine. Calling Start again has no effect.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		if d.closed.Load() {
			return
		}
		ctx, d.cancel = context.WithCancel(ctx)
		d.started.Store(true)
		go d.pump(ctx)
	})
}

// Close stops reading the source, waits for the reader to exit and removes all listeners.
// Lines arriving afterwards are never delivered. Close must not be called from a listener.
func (d *Dispatcher) Close() {
	if d.closed.Swap(true) {
		return
	}
	if d.started.Load() {
		d.cancel()
		<-d.done
	}

	d.mu.Lock()
	d.listeners = make(map[EventName][]listener)
	d.mu.Unlock()
}

// Dispatch offers a raw line to every parser and delivers the resulting events
func (d *Dispatcher) Dispatch(line string) {
	if d.closed.Load() {
		return
	}

	d.mu.RLock()
	parsers := make([]Parser, len(d.parsers))
	copy(parsers, d.parsers)
	d.mu.RUnlock()

	for _, parse := range parsers {
		event, ok := parse(line)
		if !ok {
			continue
		}
		if event.Name != EventError && !d.isCaptured(event.Name) {
			continue
		}
		d.emit(event)
	}
}

func (d *Dispatcher) isCaptured(name EventName) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return lo.Contains(d.captured, name)
}

func (d *Dispatcher) pump(ctx context.Context) {
	defer close(d.done)

	lines := d.src.Lines()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				if ctx.Err() != nil || d.closed.Load() {
					return
				}
				err := d.src.Err()
				if err == nil {
					err = ErrSourceClosed
				}
				d.logger.Debug().Err(err).Msg("Event source stopped")
				d.emit(Event{Name: EventError, Err: &raptorerrors.ErrDispatch{Err: err}})
				return
			}
			if ctx.Err() != nil {
				return
			}
			d.Dispatch(line)
		}
	}
}

// emit delivers event to its listeners in subscription order. Listener failures are
// forwarded as error events; failures of error listeners are only logged.
func (d *Dispatcher) emit(event Event) {
	d.mu.RLock()
	subs := make([]listener, len(d.listeners[event.Name]))
	copy(subs, d.listeners[event.Name])
	d.mu.RUnlock()

	for _, sub := range subs {
		if d.closed.Load() {
			return
		}
		err := d.safeCall(sub.handler, event)
		if err == nil {
			continue
		}
		if event.Name == EventError {
			d.logger.Warn().Err(err).Msg("Error listener failed")
			continue
		}
		d.emit(Event{Name: EventError, Err: &raptorerrors.ErrHandler{Event: string(event.Name), Err: err}})
	}
}

// safeCall invokes a handler and converts a panic into an error
func (d *Dispatcher) safeCall(handler Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("event", string(event.Name)).
				Str("stack", string(debug.Stack())).
				Msgf("Event listener panicked: %v", r)
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return handler(event)
}
