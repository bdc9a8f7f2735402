//  Copyright 2023 Google LLC
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package events implements the watcher/subscriber layer driving the agent's
// long running flows. Watchers produce events onto a shared bus and the
// manager dispatches them to the subscribed callbacks.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/GoogleCloudPlatform/galog"
)

var instance *Manager

// Watcher is the interface between the event manager and a watcher
// implementation.
type Watcher interface {
	// ID returns the watcher id, each watcher must be unique within a manager.
	ID() string
	// Events returns the event types the watcher produces.
	Events() []string
	// Run blocks until a single event is produced and returns:
	//   - bool: whether the watcher wants to run again.
	//   - any: the event payload handed to the subscribers, if any.
	//   - error: a watcher failure the subscribers should know about (see
	//     EventData).
	Run(ctx context.Context, evType string) (bool, any, error)
}

// Manager coordinates the registered watchers and event subscribers.
type Manager struct {
	// watchersMutex protects watcherIDs and watcherEvents.
	watchersMutex sync.RWMutex
	// watcherIDs tracks the registered watchers, watchers are registered at
	// most once.
	watcherIDs map[string]bool
	// watcherEvents is the flat list of (watcher, event type) pairs to run.
	watcherEvents []*watcherEvent

	// running flags that Run() was called, the manager cannot be restarted.
	running atomic.Bool

	// subscribersMutex protects the subscribers map.
	subscribersMutex sync.RWMutex
	// subscribers maps event types to their subscribed callbacks.
	subscribers map[string][]*EventSubscriber

	// queue tracks the running watchers and carries the watcher to dispatcher
	// communication.
	queue *watcherQueue
}

// watcherEvent couples a watcher with one of its event types.
type watcherEvent struct {
	watcher Watcher
	evType  string
}

// watcherQueue tracks which watchers are still running and carries the event
// bus between the watcher goroutines and the dispatching goroutine. When the
// running set drains to zero the manager is done.
type watcherQueue struct {
	// queueMutex protects running.
	queueMutex sync.RWMutex
	// running is the set of event types with a live watcher goroutine.
	running map[string]bool

	// watcherDone communicates that a watcher goroutine finished.
	watcherDone chan string

	// dataBus carries the produced events to the dispatching goroutine.
	dataBus chan eventBusData
}

// eventBusData couples an event with its type on the bus.
type eventBusData struct {
	evType string
	data   *EventData
}

// EventData is what a watcher hands to the subscribers on each event.
type EventData struct {
	// Data is the watcher provided event payload.
	Data any
	// Error is set when the watcher failed and wants its subscribers to know.
	Error error
}

// EventSubscriber is a subscription of a single callback to an event type.
type EventSubscriber struct {
	// Name identifies the subscriber, mainly for logging.
	Name string
	// Data is an opaque subscriber value passed back on every callback.
	Data any
	// Callback is invoked on every matching event.
	Callback EventCb
}

// EventCb is the subscriber callback. It receives the context Run() was
// called with, the event type, the subscriber's own Data value and the event.
// Returning false unsubscribes the callback.
type EventCb func(ctx context.Context, evType string, data any, evData *EventData) bool

// length returns how many watcher goroutines are still running.
func (wq *watcherQueue) length() int {
	wq.queueMutex.RLock()
	defer wq.queueMutex.RUnlock()
	return len(wq.running)
}

// add marks the event type's watcher goroutine as running.
func (wq *watcherQueue) add(evType string) {
	wq.queueMutex.Lock()
	defer wq.queueMutex.Unlock()
	wq.running[evType] = true
}

// del removes the event type's watcher goroutine from the running set and
// returns how many are left.
func (wq *watcherQueue) del(evType string) int {
	wq.queueMutex.Lock()
	defer wq.queueMutex.Unlock()
	delete(wq.running, evType)
	return len(wq.running)
}

// newManager allocates and initializes an event Manager.
func newManager() *Manager {
	return &Manager{
		watcherIDs:  make(map[string]bool),
		subscribers: make(map[string][]*EventSubscriber),
		queue: &watcherQueue{
			running:     make(map[string]bool),
			dataBus:     make(chan eventBusData),
			watcherDone: make(chan string),
		},
	}
}

func init() {
	instance = newManager()
}

// FetchManager returns the application's event manager.
func FetchManager() *Manager {
	if instance == nil {
		panic("events manager is not initialized")
	}
	return instance
}

// Subscribe registers sub's callback for the given event type.
func (m *Manager) Subscribe(evType string, sub EventSubscriber) {
	m.subscribersMutex.Lock()
	defer m.subscribersMutex.Unlock()
	m.subscribers[evType] = append(m.subscribers[evType], &sub)
}

// Unsubscribe removes the named subscriber's subscription for the given event
// type.
func (m *Manager) Unsubscribe(evType string, subscriber string) {
	m.subscribersMutex.Lock()
	defer m.subscribersMutex.Unlock()

	var keep []*EventSubscriber
	for _, curr := range m.subscribers[evType] {
		if curr.Name != subscriber {
			keep = append(keep, curr)
		}
	}

	m.subscribers[evType] = keep
	if len(keep) == 0 {
		galog.Debugf("No subscribers left for event type %q.", evType)
		delete(m.subscribers, evType)
	}
}

// IsSubscribed reports whether the named subscriber is subscribed to the
// given event type.
func (m *Manager) IsSubscribed(evType, subscriber string) bool {
	m.subscribersMutex.RLock()
	defer m.subscribersMutex.RUnlock()

	for _, curr := range m.subscribers[evType] {
		if curr.Name == subscriber {
			return true
		}
	}
	return false
}

// AddWatcher registers a watcher. If the manager is already running the
// watcher is fired up right away, otherwise it starts when Run() is called.
// Registering the same watcher twice is an error.
func (m *Manager) AddWatcher(ctx context.Context, watcher Watcher) error {
	m.watchersMutex.Lock()
	defer m.watchersMutex.Unlock()

	id := watcher.ID()
	if m.watcherIDs[id] {
		return fmt.Errorf("watcher %q was previously added", id)
	}
	m.watcherIDs[id] = true

	for _, evType := range watcher.Events() {
		m.watcherEvents = append(m.watcherEvents, &watcherEvent{watcher: watcher, evType: evType})

		if m.running.Load() {
			galog.Debugf("Starting watcher %q for event type %q.", id, evType)
			m.queue.add(evType)
			go m.runWatcher(ctx, watcher, evType)
		}
	}

	return nil
}

// runWatcher keeps re-running the watcher until it gives up or ctx is done,
// publishing every produced event on the bus.
func (m *Manager) runWatcher(ctx context.Context, watcher Watcher, evType string) {
	id := watcher.ID()

	for renew := true; renew; {
		var data any
		var err error

		renew, data, err = watcher.Run(ctx, evType)
		galog.V(2).Debugf("Watcher %q produced event %q, renew: %t.", id, evType, renew)

		if ctx.Err() != nil {
			break
		}

		select {
		case m.queue.dataBus <- eventBusData{evType: evType, data: &EventData{Data: data, Error: err}}:
		case <-ctx.Done():
			renew = false
		}
	}

	galog.Debugf("Watcher %q finished for event type %q.", id, evType)
	select {
	case m.queue.watcherDone <- evType:
	case <-ctx.Done():
	}
}

// Run starts all registered watchers and dispatches their events to the
// subscribed callbacks. It blocks until ctx is done or every watcher has
// given up. The manager lives for the application's lifetime and cannot be
// restarted.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("event manager's Run() called twice")
	}
	galog.Debugf("Starting event manager.")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.watchersMutex.RLock()
	for _, curr := range m.watcherEvents {
		m.queue.add(curr.evType)
		go m.runWatcher(runCtx, curr.watcher, curr.evType)
	}
	m.watchersMutex.RUnlock()

	var wg sync.WaitGroup

	// Dispatches the bus events to the subscribers, off the watcher
	// goroutines so a slow callback never blocks the other watchers' sends
	// behind it.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case busData := <-m.queue.dataBus:
				m.dispatch(ctx, busData)
			}
		}
	}()

	// Tracks watcher completion, once all watchers are gone there is nothing
	// left to dispatch and the manager can leave.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for m.queue.length() > 0 {
			select {
			case <-runCtx.Done():
				return
			case evType := <-m.queue.watcherDone:
				if m.queue.del(evType) == 0 {
					galog.Debugf("All watchers finished, leaving event manager.")
					return
				}
			}
		}
	}()

	wg.Wait()
	return nil
}

// dispatch runs the event type's subscribed callbacks, dropping the
// subscriptions of callbacks that choose not to renew.
func (m *Manager) dispatch(ctx context.Context, busData eventBusData) {
	galog.V(2).Debugf("Dispatching event %q.", busData.evType)

	m.subscribersMutex.RLock()
	subscribers := m.subscribers[busData.evType]
	m.subscribersMutex.RUnlock()

	if len(subscribers) == 0 {
		galog.Debugf("No subscribers for event type %q.", busData.evType)
		return
	}

	var unsubscribe []*EventSubscriber
	for _, curr := range subscribers {
		galog.V(2).Debugf("Running callback of subscriber %q for event %q.", curr.Name, busData.evType)
		if renew := curr.Callback(ctx, busData.evType, curr.Data, busData.data); !renew {
			unsubscribe = append(unsubscribe, curr)
		}
	}

	for _, curr := range unsubscribe {
		m.Unsubscribe(busData.evType, curr.Name)
	}
}
